package large

// Stats is a snapshot of one Allocator's lifetime counters.
type Stats struct {
	Allocs        uint64
	Frees         uint64
	ChunksGrown   uint64
	Chunks        int
	SlotsPerChunk int
}

// Live returns the number of allocations outstanding, assuming Allocs
// and Frees were read from a consistent snapshot.
func (s Stats) Live() uint64 {
	if s.Frees > s.Allocs {
		return 0
	}
	return s.Allocs - s.Frees
}
