package slab

// Stats is a snapshot of one Allocator's lifetime counters, the
// equivalent of fastalloc.go's allocatorStats, generalized from
// hive/cell bookkeeping to chunk/folio bookkeeping.
type Stats struct {
	Allocs         uint64
	Frees          uint64
	ChunksGrown    uint64
	Chunks         int
	FoliosPerChunk int
	AllocsPerFolio int
}

// Live returns the number of allocations outstanding, assuming Allocs
// and Frees were read from a consistent snapshot.
func (s Stats) Live() uint64 {
	if s.Frees > s.Allocs {
		return 0
	}
	return s.Allocs - s.Frees
}

// EfficiencyStats reports how much of the address space an Allocator has
// reserved is actually in use, the generalization of fastalloc.go's
// efficiency benchmarks (efficiency_bench_test.go) into a queryable
// metric rather than a benchmark-only computation.
type EfficiencyStats struct {
	AllocSize      int
	TotalSlots     uint64
	LiveSlots      uint64
	ReservedBytes  uint64
	LiveBytes      uint64
}

// Utilization returns LiveBytes/ReservedBytes, or 0 if nothing has been
// reserved yet.
func (e EfficiencyStats) Utilization() float64 {
	if e.ReservedBytes == 0 {
		return 0
	}
	return float64(e.LiveBytes) / float64(e.ReservedBytes)
}

// Efficiency computes an EfficiencyStats snapshot for a.
func (a *Allocator) Efficiency() EfficiencyStats {
	s := a.Stats()
	total := uint64(s.Chunks) * uint64(s.FoliosPerChunk) * uint64(s.AllocsPerFolio)
	live := s.Live()
	return EfficiencyStats{
		AllocSize:     a.AllocSize,
		TotalSlots:    total,
		LiveSlots:     live,
		ReservedBytes: total * uint64(a.AllocSize),
		LiveBytes:     live * uint64(a.AllocSize),
	}
}
