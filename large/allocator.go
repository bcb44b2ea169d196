// Package large implements the large-bucket allocator variant: fixed
// page-sized-and-aligned slots like slab.Allocator, but tracked with a
// single per-chunk bitmap instead of per-folio ones, and returning every
// freed slot's pages to the OS immediately rather than waiting for a
// whole folio to empty. Grounded on slab_allocator.hh's large-allocator
// note ("same interface, but with a single per-chunk bitmap instead of
// folios, and advise_unused called on every free").
package large

import (
	"fmt"

	"github.com/CTSRD-CHERI/cheri-gc-kit/capref"
	"github.com/CTSRD-CHERI/cheri-gc-kit/chunk"
	"github.com/CTSRD-CHERI/cheri-gc-kit/internal/bitset"
	"github.com/CTSRD-CHERI/cheri-gc-kit/internal/gclog"
	"github.com/CTSRD-CHERI/cheri-gc-kit/internal/pagemem"
	"github.com/CTSRD-CHERI/cheri-gc-kit/internal/spinlock"
)

// chunkState is one chunk's worth of same-size large slots, tracked by a
// single bitmap rather than the folio-per-subregion scheme slab.Allocator
// uses: a large slot is already page-sized, so there is no sub-page
// packing left to do within a chunk.
type chunkState struct {
	mapping   *pagemem.Mapping
	allocated *bitset.Set
	freeCount int
}

// Allocator serves fixed-size allocations of exactly AllocSize bytes,
// where AllocSize is always a multiple of PageSize (every large bucket
// size is largeMin + k*PageSize), with HeaderSize bytes of out-of-line
// header per slot.
type Allocator struct {
	AllocSize      int
	HeaderSize     int
	ChunkSize      int
	PageSize       int
	SlotsPerChunk  int
	headerTableLen int // rounded up to PageSize so slots stay page-aligned

	index *chunk.Index

	mu     spinlock.Spinlock
	chunks []*chunkState

	stats Stats
}

func roundUpPage(n, pageSize int) int {
	return (n + pageSize - 1) &^ (pageSize - 1)
}

// New returns an Allocator serving allocSize-byte slots with headerSize
// bytes of out-of-line header per slot, registering new chunks in idx.
// allocSize must already be a PageSize multiple; New finds the largest
// slot count that fits one chunk once its page-aligned header table is
// accounted for.
func New(idx *chunk.Index, allocSize, headerSize, chunkSize, pageSize int) *Allocator {
	slotsPerChunk := chunkSize / allocSize
	headerTableLen := roundUpPage(slotsPerChunk*headerSize, pageSize)
	for slotsPerChunk > 0 && headerTableLen+slotsPerChunk*allocSize > chunkSize {
		slotsPerChunk--
		headerTableLen = roundUpPage(slotsPerChunk*headerSize, pageSize)
	}
	return &Allocator{
		AllocSize:      allocSize,
		HeaderSize:     headerSize,
		ChunkSize:      chunkSize,
		PageSize:       pageSize,
		SlotsPerChunk:  slotsPerChunk,
		headerTableLen: headerTableLen,
		index:          idx,
	}
}

func (a *Allocator) slotPayload(cs *chunkState, slot int) []byte {
	b := cs.mapping.Bytes()
	off := a.headerTableLen + slot*a.AllocSize
	return b[off : off+a.AllocSize]
}

func (a *Allocator) slotHeader(cs *chunkState, slot int) []byte {
	if a.HeaderSize == 0 {
		return nil
	}
	b := cs.mapping.Bytes()
	off := slot * a.HeaderSize
	return b[off : off+a.HeaderSize]
}

func (a *Allocator) slotAddr(cs *chunkState, slot int) uintptr {
	return cs.mapping.Addr() + uintptr(a.headerTableLen+slot*a.AllocSize)
}

// growChunk maps and carves up one new chunk.
func (a *Allocator) growChunk() (*chunkState, error) {
	if a.SlotsPerChunk <= 0 {
		return nil, fmt.Errorf("large: allocSize %d leaves no room for a slot in a %d-byte chunk", a.AllocSize, a.ChunkSize)
	}
	m, err := pagemem.AllocateAligned(a.ChunkSize, a.ChunkSize)
	if err != nil {
		return nil, fmt.Errorf("large: grow: %w", err)
	}
	cs := &chunkState{
		mapping:   m,
		allocated: bitset.New(a.SlotsPerChunk),
		freeCount: a.SlotsPerChunk,
	}
	a.index.Register(m.Addr(), m.Addr()+uintptr(a.ChunkSize), a)
	a.chunks = append(a.chunks, cs)
	a.stats.ChunksGrown++
	gclog.Debug("large: grew chunk", "allocSize", a.AllocSize, "addr", fmt.Sprintf("%#x", m.Addr()))
	return cs, nil
}

// Alloc reserves one slot and returns its address, payload slice, and
// header slice (header may be nil if HeaderSize is 0).
func (a *Allocator) Alloc() (addr uintptr, payload, header []byte, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, cs := range a.chunks {
		if cs.freeCount > 0 {
			slot := cs.allocated.FirstZero()
			cs.allocated.Set(slot)
			cs.freeCount--
			a.stats.Allocs++
			return a.slotAddr(cs, slot), a.slotPayload(cs, slot), a.slotHeader(cs, slot), nil
		}
	}
	cs, err := a.growChunk()
	if err != nil {
		return 0, nil, nil, err
	}
	slot := cs.allocated.FirstZero()
	cs.allocated.Set(slot)
	cs.freeCount--
	a.stats.Allocs++
	return a.slotAddr(cs, slot), a.slotPayload(cs, slot), a.slotHeader(cs, slot), nil
}

// locate finds the chunk/slot owning addr, or ok=false.
func (a *Allocator) locate(addr uintptr) (cs *chunkState, slot int, ok bool) {
	for _, c := range a.chunks {
		base := c.mapping.Addr()
		end := base + uintptr(a.ChunkSize)
		if addr < base || addr >= end {
			continue
		}
		rel := int(addr - base - uintptr(a.headerTableLen))
		if rel < 0 || rel%a.AllocSize != 0 {
			return nil, 0, false
		}
		s := rel / a.AllocSize
		if s >= a.SlotsPerChunk {
			return nil, 0, false
		}
		return c, s, true
	}
	return nil, 0, false
}

// ObjectBase resolves an arbitrary interior address to the base of the
// live slot containing it, the conservative-scan counterpart to locate.
func (a *Allocator) ObjectBase(addr uintptr) (uintptr, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range a.chunks {
		base := c.mapping.Addr()
		end := base + uintptr(a.ChunkSize)
		if addr < base || addr >= end {
			continue
		}
		rel := int(addr - base - uintptr(a.headerTableLen))
		if rel < 0 {
			return 0, false
		}
		slot := rel / a.AllocSize
		if slot >= a.SlotsPerChunk || !c.allocated.Get(slot) {
			return 0, false
		}
		return a.slotAddr(c, slot), true
	}
	return 0, false
}

// Free releases the allocation at addr and advises the OS that its pages
// may be reclaimed, matching the large variant's "advise_unused called
// on every free" rule. slab.Allocator does not advise the OS at all; it
// zeroes a folio's bytes once the folio empties. A large slot is already
// page-sized, so every free is itself a whole-page event. It returns false if addr is not the base
// of a currently-allocated slot in this allocator.
func (a *Allocator) Free(addr uintptr) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	cs, slot, ok := a.locate(addr)
	if !ok || !cs.allocated.Get(slot) {
		return false
	}
	cs.allocated.Clear(slot)
	cs.freeCount++
	a.stats.Frees++
	b := a.slotPayload(cs, slot)
	if err := pagemem.AdviseUnused(b); err != nil {
		gclog.Warn("large: advise_unused failed", "addr", fmt.Sprintf("%#x", addr), "error", err)
	}
	return true
}

// HeaderFor returns the out-of-line header bytes for the allocation at
// addr, or ok=false if addr is not a live allocation in this allocator.
func (a *Allocator) HeaderFor(addr uintptr) (header []byte, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cs, slot, ok := a.locate(addr)
	if !ok || !cs.allocated.Get(slot) {
		return nil, false
	}
	return a.slotHeader(cs, slot), true
}

// PayloadFor returns the payload bytes for the allocation at addr.
func (a *Allocator) PayloadFor(addr uintptr) (payload []byte, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cs, slot, ok := a.locate(addr)
	if !ok || !cs.allocated.Get(slot) {
		return nil, false
	}
	return a.slotPayload(cs, slot), true
}

// Walk calls fn for every currently-allocated slot in this allocator, in
// an unspecified order. fn must not call Alloc/Free on this allocator.
func (a *Allocator) Walk(fn func(addr uintptr, payload, header []byte)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, cs := range a.chunks {
		for slot := 0; slot < a.SlotsPerChunk; slot++ {
			if !cs.allocated.Get(slot) {
				continue
			}
			fn(a.slotAddr(cs, slot), a.slotPayload(cs, slot), a.slotHeader(cs, slot))
		}
	}
}

// RefFor builds a capref.Ref describing the allocation at addr.
func (a *Allocator) RefFor(addr uintptr) capref.Ref {
	return capref.New(addr, uintptr(a.AllocSize), capref.PermitReadWrite)
}

// Compact repacks every chunk's live slots toward the front in slot
// order, the same write-cursor scheme slab.Allocator.Compact uses,
// simplified by having only one bitmap per chunk instead of one per
// folio. Returns the old-address-to-new-address map for every slot that
// moved.
func (a *Allocator) Compact() map[uintptr]uintptr {
	a.mu.Lock()
	defer a.mu.Unlock()

	moves := make(map[uintptr]uintptr)
	for _, cs := range a.chunks {
		write := 0
		for read := 0; read < a.SlotsPerChunk; read++ {
			if !cs.allocated.Get(read) {
				continue
			}
			if read != write {
				srcAddr := a.slotAddr(cs, read)
				dstAddr := a.slotAddr(cs, write)
				copy(a.slotPayload(cs, write), a.slotPayload(cs, read))
				if a.HeaderSize > 0 {
					copy(a.slotHeader(cs, write), a.slotHeader(cs, read))
				}
				cs.allocated.Set(write)
				cs.allocated.Clear(read)
				moves[srcAddr] = dstAddr
			}
			write++
		}
	}
	return moves
}

// Stats returns a snapshot of this allocator's instrumentation counters.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.stats
	s.Chunks = len(a.chunks)
	s.SlotsPerChunk = a.SlotsPerChunk
	return s
}
