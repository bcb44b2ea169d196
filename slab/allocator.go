// Package slab implements the small/medium fixed-size allocator:
// one Allocator per bucket size class, each owning a set of chunks split
// into folios of same-size slots, with segregated free lists kept as a
// "fill the fullest folio first" priority queue. Grounded on
// slab_allocator.hh's SmallAllocationHeader (folio, folios_per_chunk,
// allocs_per_folio, free_lists, reserve_allocation, free_allocation) and
// on hivekit's fastalloc.go (FastAllocator: pooled free-cell reuse,
// O(1) lookup by offset, binary-searched bounds index).
package slab

import (
	"container/heap"
	"fmt"

	"github.com/CTSRD-CHERI/cheri-gc-kit/capref"
	"github.com/CTSRD-CHERI/cheri-gc-kit/chunk"
	"github.com/CTSRD-CHERI/cheri-gc-kit/internal/gclog"
	"github.com/CTSRD-CHERI/cheri-gc-kit/internal/pagemem"
	"github.com/CTSRD-CHERI/cheri-gc-kit/internal/spinlock"
)

// Object identifies one live allocation by its address.
type Object struct {
	addr uintptr
}

// Addr returns the allocation's address.
func (o Object) Addr() uintptr { return o.addr }

// chunkState is one 2 MiB (or whatever Config.ChunkSize is) mapping
// carved into folios of AllocSize slots.
type chunkState struct {
	mapping *pagemem.Mapping
	folios  []*folio
	pq      folioHeap // folios with freeCount > 0, ordered fullest-first
}

// Allocator serves fixed-size allocations of exactly AllocSize bytes,
// drawn from folios of AllocsPerFolio slots each, with HeaderSize bytes
// of out-of-line per-slot header storage (interpreted by the mark/sweep/
// compact packages, not by this package — see the data model's "header
// storage out of line" note).
type Allocator struct {
	AllocSize      int
	HeaderSize     int
	ChunkSize      int
	PageSize       int
	FolioSize      int
	AllocsPerFolio int
	FoliosPerChunk int

	index *chunk.Index

	mu     spinlock.Spinlock
	chunks []*chunkState

	stats Stats
}

// gcd and lcm mirror slab_allocator.hh's folio_size computation: the
// least common multiple of the page size and the allocation size, so a
// folio never spans a fractional page and never wastes a whole page on a
// single tiny allocation.
func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func lcm(a, b int) int {
	return a / gcd(a, b) * b
}

// New returns an Allocator serving allocSize-byte slots with headerSize
// bytes of out-of-line header per slot, registering new chunks in idx.
func New(idx *chunk.Index, allocSize, headerSize, chunkSize, pageSize int) *Allocator {
	folioSize := lcm(pageSize, allocSize)
	allocsPerFolio := folioSize / allocSize
	// Each folio's header table sits in front of its payload slots, so it
	// counts against the chunk alongside the slots themselves.
	foliosPerChunk := chunkSize / (folioSize + allocsPerFolio*headerSize)
	return &Allocator{
		AllocSize:      allocSize,
		HeaderSize:     headerSize,
		ChunkSize:      chunkSize,
		PageSize:       pageSize,
		FolioSize:      folioSize,
		AllocsPerFolio: allocsPerFolio,
		FoliosPerChunk: foliosPerChunk,
		index:          idx,
	}
}

// headerTableSize is the size of one folio's header table. A folio's
// bytes are laid out headers first (out
// of line from the payload, so a conservative scan of payload bytes
// never mistakes header bits for a pointer), then AllocsPerFolio payload
// slots of AllocSize bytes each.
func (a *Allocator) headerTableSize() int {
	return a.AllocsPerFolio * a.HeaderSize
}

func (a *Allocator) folioByteSize() int {
	return a.headerTableSize() + a.AllocsPerFolio*a.AllocSize
}

// growChunk maps and carves up one new chunk, the direct analogue of
// fastalloc.go's growByHBINSize: grow the backing store by one
// structurally valid unit and link it in.
func (a *Allocator) growChunk() (*chunkState, error) {
	if a.folioByteSize()*a.FoliosPerChunk > a.ChunkSize {
		return nil, fmt.Errorf("slab: folio layout %d*%d exceeds chunk size %d",
			a.folioByteSize(), a.FoliosPerChunk, a.ChunkSize)
	}
	m, err := pagemem.AllocateAligned(a.ChunkSize, a.ChunkSize)
	if err != nil {
		return nil, fmt.Errorf("slab: grow: %w", err)
	}
	cs := &chunkState{mapping: m}
	cs.folios = make([]*folio, a.FoliosPerChunk)
	cs.pq = make(folioHeap, 0, a.FoliosPerChunk)
	for i := 0; i < a.FoliosPerChunk; i++ {
		f := newFolio(i, a.AllocsPerFolio)
		cs.folios[i] = f
		heap.Push(&cs.pq, f)
	}
	a.index.Register(m.Addr(), m.Addr()+uintptr(a.ChunkSize), a)
	a.chunks = append(a.chunks, cs)
	a.stats.ChunksGrown++
	gclog.Debug("slab: grew chunk", "allocSize", a.AllocSize, "addr", fmt.Sprintf("%#x", m.Addr()))
	return cs, nil
}

// folioBytes returns the byte range of folio f within cs's mapping.
func (a *Allocator) folioBytes(cs *chunkState, f *folio) []byte {
	start := f.index * a.folioByteSize()
	return cs.mapping.Bytes()[start : start+a.folioByteSize()]
}

func (a *Allocator) slotPayload(cs *chunkState, f *folio, slot int) []byte {
	b := a.folioBytes(cs, f)
	off := a.headerTableSize() + slot*a.AllocSize
	return b[off : off+a.AllocSize]
}

func (a *Allocator) slotHeader(cs *chunkState, f *folio, slot int) []byte {
	if a.HeaderSize == 0 {
		return nil
	}
	b := a.folioBytes(cs, f)
	off := slot * a.HeaderSize
	return b[off : off+a.HeaderSize]
}

func (a *Allocator) slotAddr(cs *chunkState, f *folio, slot int) uintptr {
	return cs.mapping.Addr() + uintptr(f.index*a.folioByteSize()+a.headerTableSize()+slot*a.AllocSize)
}

// reserveAllocation finds a folio with free space and claims one slot in
// it, directly implementing slab_allocator.hh's reserve_allocation.
//
// Open question (b) resolution: the original resets a `free_head` hint to
// 1 at the top of every call (with a FIXME noting this defeats the
// hint's purpose); this implementation carries no such hint at all and
// instead always asks the heap for the fullest non-full folio, which the
// heap answers in O(log F).
func (a *Allocator) reserveAllocation() (cs *chunkState, f *folio, slot int, err error) {
	for _, c := range a.chunks {
		if len(c.pq) > 0 {
			f = c.pq[0]
			slot = f.allocated.FirstZero()
			f.allocated.Set(slot)
			f.freeCount--
			if f.freeCount == 0 {
				heap.Pop(&c.pq)
			} else {
				heap.Fix(&c.pq, f.heapIdx)
			}
			return c, f, slot, nil
		}
	}
	c, err := a.growChunk()
	if err != nil {
		return nil, nil, 0, err
	}
	f = c.pq[0]
	slot = f.allocated.FirstZero()
	f.allocated.Set(slot)
	f.freeCount--
	if f.freeCount == 0 {
		heap.Pop(&c.pq)
	} else {
		heap.Fix(&c.pq, f.heapIdx)
	}
	return c, f, slot, nil
}

// Alloc reserves one slot and returns its address, payload slice, and
// header slice (header may be nil if HeaderSize is 0).
func (a *Allocator) Alloc() (addr uintptr, payload, header []byte, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cs, f, slot, err := a.reserveAllocation()
	if err != nil {
		return 0, nil, nil, err
	}
	a.stats.Allocs++
	return a.slotAddr(cs, f, slot), a.slotPayload(cs, f, slot), a.slotHeader(cs, f, slot), nil
}

// locate finds the chunk/folio/slot owning addr, or ok=false.
func (a *Allocator) locate(addr uintptr) (cs *chunkState, f *folio, slot int, ok bool) {
	for _, c := range a.chunks {
		base := c.mapping.Addr()
		end := base + uintptr(a.ChunkSize)
		if addr < base || addr >= end {
			continue
		}
		rel := int(addr - base)
		folioIdx := rel / a.folioByteSize()
		if folioIdx >= len(c.folios) {
			return nil, nil, 0, false
		}
		inFolio := rel - folioIdx*a.folioByteSize() - a.headerTableSize()
		if inFolio < 0 || inFolio%a.AllocSize != 0 {
			return nil, nil, 0, false
		}
		return c, c.folios[folioIdx], inFolio / a.AllocSize, true
	}
	return nil, nil, 0, false
}

// ObjectBase resolves an arbitrary interior address to the base of the
// live slot containing it, or ok=false if addr does not fall inside any
// currently-allocated slot's payload. This is the conservative-scan
// counterpart to locate: locate demands an exact slot base (for Free),
// ObjectBase accepts any address inside the slot (for mark_pointer
// resolving a pointer that was not necessarily taken to an object's
// start).
func (a *Allocator) ObjectBase(addr uintptr) (uintptr, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range a.chunks {
		base := c.mapping.Addr()
		end := base + uintptr(a.ChunkSize)
		if addr < base || addr >= end {
			continue
		}
		rel := int(addr - base)
		folioIdx := rel / a.folioByteSize()
		if folioIdx >= len(c.folios) {
			return 0, false
		}
		inFolio := rel - folioIdx*a.folioByteSize() - a.headerTableSize()
		if inFolio < 0 {
			return 0, false
		}
		slot := inFolio / a.AllocSize
		if slot >= a.AllocsPerFolio {
			return 0, false
		}
		f := c.folios[folioIdx]
		if !f.allocated.Get(slot) {
			return 0, false
		}
		return a.slotAddr(c, f, slot), true
	}
	return 0, false
}

// freeAllocation implements slab_allocator.hh's free_allocation: clear
// the slot's bit, restore it to its folio's free list, and zero the
// payload once the folio becomes entirely free again (matching the
// original's zero_pages call on the folio-empty transition).
func (a *Allocator) freeAllocation(cs *chunkState, f *folio, slot int) {
	wasFull := f.freeCount == 0
	f.allocated.Clear(slot)
	f.freeCount++
	if wasFull {
		heap.Push(&cs.pq, f)
	} else {
		heap.Fix(&cs.pq, f.heapIdx)
	}
	if f.freeCount == a.AllocsPerFolio {
		b := a.folioBytes(cs, f)
		for i := range b {
			b[i] = 0
		}
	}
}

// Free releases the allocation at addr. It returns false if addr is not
// the base of a currently-allocated slot in this allocator.
func (a *Allocator) Free(addr uintptr) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	cs, f, slot, ok := a.locate(addr)
	if !ok || !f.allocated.Get(slot) {
		return false
	}
	a.freeAllocation(cs, f, slot)
	a.stats.Frees++
	return true
}

// HeaderFor returns the out-of-line header bytes for the allocation at
// addr, or ok=false if addr is not a live allocation in this allocator.
func (a *Allocator) HeaderFor(addr uintptr) (header []byte, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cs, f, slot, ok := a.locate(addr)
	if !ok || !f.allocated.Get(slot) {
		return nil, false
	}
	return a.slotHeader(cs, f, slot), true
}

// PayloadFor returns the payload bytes for the allocation at addr.
func (a *Allocator) PayloadFor(addr uintptr) (payload []byte, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cs, f, slot, ok := a.locate(addr)
	if !ok || !f.allocated.Get(slot) {
		return nil, false
	}
	return a.slotPayload(cs, f, slot), true
}

// Walk calls fn for every currently-allocated slot in this allocator, in
// an unspecified order. fn must not call Alloc/Free on this allocator.
func (a *Allocator) Walk(fn func(addr uintptr, payload, header []byte)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, cs := range a.chunks {
		for _, f := range cs.folios {
			for slot := 0; slot < a.AllocsPerFolio; slot++ {
				if !f.allocated.Get(slot) {
					continue
				}
				fn(a.slotAddr(cs, f, slot), a.slotPayload(cs, f, slot), a.slotHeader(cs, f, slot))
			}
		}
	}
}

// RefFor builds a capref.Ref describing the allocation at addr.
func (a *Allocator) RefFor(addr uintptr) capref.Ref {
	return capref.New(addr, uintptr(a.AllocSize), capref.PermitReadWrite)
}

// Compact repacks every chunk's live slots toward the front of that
// chunk in address order, consolidating free space, and returns the
// old-address-to-new-address map for every slot that moved. Callers
// must have already freed every slot they consider garbage (e.g. every
// still-unmarked object after a trace) before calling Compact, since
// this method only ever preserves slots the folio bitmap already marks
// live — it has no notion of "garbage" of its own.
//
// This is the fixed-size-slot adaptation of the original's LISP2-style
// calculate_displacements/move_objects: that algorithm slides
// variable-sized objects across gaps left by garbage in one global
// address-ordered pass. Every slot an Allocator owns is the same size,
// so the equivalent operation is per-chunk: walk slots in order behind
// a write cursor, copying each live slot down to the cursor's position
// and advancing the cursor only past slots that were live. The folio
// bitmap is the only relocation table this needs — clearing the old
// bit and setting the new one is enough for ObjectFor/Walk to see the
// object at its new address on the very next call. Vacated trailing
// bytes are left unzeroed, matching move_objects, which never zeroes
// the space a moved object leaves behind.
func (a *Allocator) Compact() map[uintptr]uintptr {
	a.mu.Lock()
	defer a.mu.Unlock()

	moves := make(map[uintptr]uintptr)
	for _, cs := range a.chunks {
		writeFolio, writeSlot := 0, 0

		advanceWrite := func() {
			writeSlot++
			if writeSlot == a.AllocsPerFolio {
				writeSlot = 0
				writeFolio++
			}
		}

		for readFolio := 0; readFolio < len(cs.folios); readFolio++ {
			rf := cs.folios[readFolio]
			for readSlot := 0; readSlot < a.AllocsPerFolio; readSlot++ {
				if !rf.allocated.Get(readSlot) {
					continue
				}
				if readFolio != writeFolio || readSlot != writeSlot {
					wf := cs.folios[writeFolio]
					srcAddr := a.slotAddr(cs, rf, readSlot)
					dstAddr := a.slotAddr(cs, wf, writeSlot)

					copy(a.slotPayload(cs, wf, writeSlot), a.slotPayload(cs, rf, readSlot))
					if a.HeaderSize > 0 {
						copy(a.slotHeader(cs, wf, writeSlot), a.slotHeader(cs, rf, readSlot))
					}
					wf.allocated.Set(writeSlot)
					rf.allocated.Clear(readSlot)
					moves[srcAddr] = dstAddr
				}
				advanceWrite()
			}
		}
	}

	a.rebuildFolioQueues()
	return moves
}

// rebuildFolioQueues recomputes every folio's freeCount from its bitmap
// and rebuilds each chunk's free-folio heap from scratch, since Compact
// moves bits around directly rather than going through
// freeAllocation/reserveAllocation's incremental bookkeeping.
func (a *Allocator) rebuildFolioQueues() {
	for _, cs := range a.chunks {
		cs.pq = cs.pq[:0]
		for _, f := range cs.folios {
			f.freeCount = a.AllocsPerFolio - f.allocated.Count()
			if f.freeCount > 0 {
				heap.Push(&cs.pq, f)
			}
		}
	}
}

// Stats returns a snapshot of this allocator's instrumentation counters.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.stats
	s.Chunks = len(a.chunks)
	s.FoliosPerChunk = a.FoliosPerChunk
	s.AllocsPerFolio = a.AllocsPerFolio
	return s
}
