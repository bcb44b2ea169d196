// Package heap is the top-level allocator: it dispatches every request to
// the fixed-bucket slab pool, the large-bucket pool, or the huge
// allocator by size, and answers address-to-allocation questions for the
// mark/sweep/compact phases without the caller needing to know which one
// served a given pointer. Grounded on slab_allocator.hh's top-level heap
// template, which dispatches across its SmallAllocationHeader and large
// allocator instances by size the same way.
package heap

import (
	"fmt"

	"github.com/CTSRD-CHERI/cheri-gc-kit/bucket"
	"github.com/CTSRD-CHERI/cheri-gc-kit/capref"
	"github.com/CTSRD-CHERI/cheri-gc-kit/chunk"
	"github.com/CTSRD-CHERI/cheri-gc-kit/huge"
	"github.com/CTSRD-CHERI/cheri-gc-kit/large"
	"github.com/CTSRD-CHERI/cheri-gc-kit/slab"
)

// Heap dispatches allocations across the slab pool, the large pool and
// the huge allocator, and resolves addresses back to them. headerSize is
// the number of out-of-line header bytes every allocation carries,
// interpreted by the mark/sweep/compact packages, not by heap itself. It
// is fixed at construction so every allocator in the heap lays its
// folios/mappings out identically.
type Heap struct {
	index      *chunk.Index
	table      *bucket.Table
	pool       *slab.Pool
	largePool  *large.Pool
	hugeAlloc  *huge.Allocator
	headerSize int
}

// Config bundles the sizing knobs every sub-allocator needs.
type Config struct {
	ChunkSize     int
	PageSize      int
	CacheLineSize int
	FixedBuckets  int
	// LargeMax is the largest size served by the large tier; allocations
	// above it go to the huge allocator. Zero derives it from
	// ChunkSize/4, bucket.Table's historical default.
	LargeMax   int
	HeaderSize int
}

// New builds a Heap with its own chunk index, bucket table, slab pool,
// large pool, and huge allocator, all sized from cfg.
func New(cfg Config) *Heap {
	idx := chunk.New()
	table := bucket.NewTable(bucket.Config{
		CacheLineSize: cfg.CacheLineSize,
		PageSize:      cfg.PageSize,
		ChunkSize:     cfg.ChunkSize,
		FixedBuckets:  cfg.FixedBuckets,
		LargeMax:      cfg.LargeMax,
	})
	return &Heap{
		index:      idx,
		table:      table,
		pool:       slab.NewPool(table, idx, cfg.HeaderSize, cfg.ChunkSize, cfg.PageSize),
		largePool:  large.NewPool(table, idx, cfg.HeaderSize, cfg.ChunkSize, cfg.PageSize),
		hugeAlloc:  huge.New(idx, cfg.PageSize, cfg.HeaderSize),
		headerSize: cfg.HeaderSize,
	}
}

// Index returns the chunk index backing this heap, used by capref.Ref's
// Resolver and by the root scanner's pointer-likeness prefilter.
func (h *Heap) Index() *chunk.Index { return h.index }

// Alloc serves a request for size bytes of payload, routing to the
// fixed-bucket pool when size fits a bucket, to the large pool when size
// falls in (largest fixed bucket, LargeMax], and to the huge allocator
// otherwise.
func (h *Heap) Alloc(size int) (addr uintptr, payload, header []byte, err error) {
	if size <= 0 {
		return 0, nil, nil, fmt.Errorf("heap: invalid size %d", size)
	}
	if b := h.table.BucketFor(size); b >= 0 {
		return h.pool.Alloc(size)
	}
	if _, ok := h.table.LargeBucketFor(size); ok {
		return h.largePool.Alloc(size)
	}
	return h.hugeAlloc.Alloc(size)
}

// ownerKind tags which sub-allocator owns an address.
type ownerKind int

const (
	ownerNone ownerKind = iota
	ownerSlab
	ownerLarge
	ownerHuge
)

// owner reports which sub-allocator owns addr, or ownerNone if addr is
// not inside any chunk registered by this heap. It does not check that
// addr is a live allocation.
func (h *Heap) owner(addr uintptr) ownerKind {
	switch h.index.OwnerFor(addr).(type) {
	case *slab.Allocator:
		return ownerSlab
	case *large.Allocator:
		return ownerLarge
	case *huge.Allocator:
		return ownerHuge
	default:
		return ownerNone
	}
}

// Free releases the allocation at addr, wherever it lives.
func (h *Heap) Free(addr uintptr) bool {
	switch h.owner(addr) {
	case ownerSlab:
		return h.pool.Free(addr)
	case ownerLarge:
		return h.largePool.Free(addr)
	case ownerHuge:
		return h.hugeAlloc.Free(addr)
	default:
		return false
	}
}

// ObjectFor resolves ptr, which may point anywhere inside a live
// allocation's payload and not necessarily at its base, to that
// allocation's base address. This is the conservative-scan entry point
// the mark phase uses to turn a plausible pointer value into an object
// identity, the Go analogue of Heap::object_for_allocation.
func (h *Heap) ObjectFor(ptr uintptr) (addr uintptr, ok bool) {
	if !h.index.Contains(ptr) {
		return 0, false
	}
	switch o := h.index.OwnerFor(ptr).(type) {
	case *slab.Allocator:
		return o.ObjectBase(ptr)
	case *large.Allocator:
		return o.ObjectBase(ptr)
	case *huge.Allocator:
		return o.ObjectBase(ptr)
	default:
		return 0, false
	}
}

// PayloadFor returns the scannable payload bytes for the live allocation
// at addr.
func (h *Heap) PayloadFor(addr uintptr) (payload []byte, ok bool) {
	switch h.owner(addr) {
	case ownerSlab:
		a, ok := h.index.OwnerFor(addr).(*slab.Allocator)
		if !ok {
			return nil, false
		}
		return a.PayloadFor(addr)
	case ownerLarge:
		a, ok := h.index.OwnerFor(addr).(*large.Allocator)
		if !ok {
			return nil, false
		}
		return a.PayloadFor(addr)
	case ownerHuge:
		return h.hugeAlloc.PayloadFor(addr)
	default:
		return nil, false
	}
}

// HeaderFor returns the out-of-line header bytes for the live allocation
// at addr.
func (h *Heap) HeaderFor(addr uintptr) (header []byte, ok bool) {
	switch h.owner(addr) {
	case ownerSlab:
		return h.pool.HeaderFor(addr)
	case ownerLarge:
		return h.largePool.HeaderFor(addr)
	case ownerHuge:
		return h.hugeAlloc.HeaderFor(addr)
	default:
		return nil, false
	}
}

// RefFor builds a capref.Ref describing the live allocation at addr, or
// the zero Ref if addr is not live anywhere in this heap.
func (h *Heap) RefFor(addr uintptr) capref.Ref {
	if !h.LiveAt(addr) {
		return capref.Ref{}
	}
	switch h.owner(addr) {
	case ownerSlab:
		a, ok := h.index.OwnerFor(addr).(*slab.Allocator)
		if !ok {
			return capref.Ref{}
		}
		return a.RefFor(addr)
	case ownerLarge:
		a, ok := h.index.OwnerFor(addr).(*large.Allocator)
		if !ok {
			return capref.Ref{}
		}
		return a.RefFor(addr)
	case ownerHuge:
		return h.hugeAlloc.RefFor(addr)
	default:
		return capref.Ref{}
	}
}

// Contains reports whether addr falls within any chunk this heap owns,
// the cheap prefilter used before a more expensive liveness check.
func (h *Heap) Contains(addr uintptr) bool { return h.index.Contains(addr) }

// LiveAt reports whether addr is exactly the base of a currently-live
// allocation, implementing capref.Resolver. Unlike owner, which only
// tells you a chunk's range contains addr, this asks the owning
// allocator whether that exact slot is still allocated — owner alone
// would say true for a freed slot or a never-used one, since chunk
// membership doesn't change when a slot is freed.
func (h *Heap) LiveAt(addr uintptr) bool {
	switch h.owner(addr) {
	case ownerSlab:
		a, ok := h.index.OwnerFor(addr).(*slab.Allocator)
		if !ok {
			return false
		}
		_, live := a.PayloadFor(addr)
		return live
	case ownerLarge:
		a, ok := h.index.OwnerFor(addr).(*large.Allocator)
		if !ok {
			return false
		}
		_, live := a.PayloadFor(addr)
		return live
	case ownerHuge:
		_, live := h.hugeAlloc.PayloadFor(addr)
		return live
	default:
		return false
	}
}

// Stats is a snapshot of every sub-allocator's counters.
type Stats struct {
	Buckets []slab.Stats
	Large   []large.Stats
	Huge    huge.Stats
}

// Stats returns a snapshot of the whole heap's instrumentation.
func (h *Heap) Stats() Stats {
	return Stats{Buckets: h.pool.Stats(), Large: h.largePool.Stats(), Huge: h.hugeAlloc.Stats()}
}

// Buckets returns every fixed-size Allocator this heap has ever used,
// for the compact package to run its per-allocator compaction pass
// over. Huge allocations are not returned: they are never compacted,
// each already living in its own dedicated mapping.
func (h *Heap) Buckets() []*slab.Allocator { return h.pool.Allocators() }

// LargeBuckets returns every large-bucket Allocator this heap has ever
// used, for the compact package to compact alongside the fixed-size
// buckets. Like Buckets, huge allocations are excluded.
func (h *Heap) LargeBuckets() []*large.Allocator { return h.largePool.Allocators() }
