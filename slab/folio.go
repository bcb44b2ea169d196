package slab

import "github.com/CTSRD-CHERI/cheri-gc-kit/internal/bitset"

// folio is the metadata for one folio: a run of fixed-size slots inside a
// chunk, lcm(page size, slot size) bytes long. Grounded on slab_allocator.hh's SmallAllocationHeader
// folio struct (allocated bitmap + free_count), with the folio linked-list
// machinery replaced by a container/heap priority queue (see chunkState).
//
// Open question (c) resolution: the original's per-folio bitmap is called
// `free` but stores 1-for-allocated; this bitmap is named allocated.
type folio struct {
	index     int // index of this folio within its chunk
	allocated *bitset.Set
	freeCount int // allocsPerFolio - allocated.Count(), cached for the heap
	heapIdx   int // position in chunkState.pq, maintained by container/heap
}

func newFolio(index, allocsPerFolio int) *folio {
	return &folio{
		index:     index,
		allocated: bitset.New(allocsPerFolio),
		freeCount: allocsPerFolio,
	}
}

// folioHeap is a min-heap on freeCount: the least-free (but still
// non-full) folio is popped first, ties going to the lowest-indexed
// folio, so allocations preferentially fill the fullest folio rather
// than spreading out — the original's stated goal for ordering its free
// lists ("fill allocations from the most-full folio, to minimise
// [fragmentation]").
type folioHeap []*folio

func (h folioHeap) Len() int { return len(h) }
func (h folioHeap) Less(i, j int) bool {
	if h[i].freeCount != h[j].freeCount {
		return h[i].freeCount < h[j].freeCount
	}
	return h[i].index < h[j].index
}
func (h folioHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}
func (h *folioHeap) Push(x any) {
	f := x.(*folio)
	f.heapIdx = len(*h)
	*h = append(*h, f)
}
func (h *folioHeap) Pop() any {
	old := *h
	n := len(old)
	f := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return f
}
