// Package huge serves allocations too large for any fixed bucket: each
// one gets its own page-aligned mapping rather than sharing a folio.
// Grounded on slab_allocator.hh's huge-allocator section (which notes, as
// a FIXME, that huge allocations should eventually share a single
// tracking structure rather than one mapping each) and on
// page.hh's PageAllocator<T> (allocate/deallocate, guard pages via
// mprotect).
package huge

import (
	"fmt"
	"sync"

	"github.com/CTSRD-CHERI/cheri-gc-kit/capref"
	"github.com/CTSRD-CHERI/cheri-gc-kit/chunk"
	"github.com/CTSRD-CHERI/cheri-gc-kit/internal/gclog"
	"github.com/CTSRD-CHERI/cheri-gc-kit/internal/pagemem"
)

// allocation is one live huge allocation: its own mapping, a header
// region out of line before the payload (mirroring the fixed-size
// allocators' layout so mark/sweep/compact can treat every allocation
// kind uniformly), and the requested payload size (which may be smaller
// than the mapping's page-rounded size).
type allocation struct {
	mapping    *pagemem.Mapping
	headerSize int
	reqSize    int
}

// Allocator serves allocations larger than the largest fixed bucket.
// Unlike slab.Allocator it does not pack multiple allocations into a
// shared chunk: each allocation is its own page-aligned mapping, so
// freeing one immediately returns its pages to the OS instead of waiting
// for a folio to empty.
type Allocator struct {
	index      *chunk.Index
	pageSize   int
	headerSize int

	mu     sync.Mutex
	byAddr map[uintptr]*allocation

	allocs uint64
	frees  uint64
}

// New returns an Allocator registering its mappings in idx, rounding
// every allocation up to a multiple of pageSize.
func New(idx *chunk.Index, pageSize, headerSize int) *Allocator {
	return &Allocator{
		index:      idx,
		pageSize:   pageSize,
		headerSize: headerSize,
		byAddr:     make(map[uintptr]*allocation),
	}
}

func roundUpPage(size, pageSize int) int {
	return (size + pageSize - 1) &^ (pageSize - 1)
}

// Alloc reserves a mapping large enough for size bytes of payload plus
// this allocator's header size, and returns the payload's address along
// with slices for the payload and the out-of-line header.
func (a *Allocator) Alloc(size int) (addr uintptr, payload, header []byte, err error) {
	if size <= 0 {
		return 0, nil, nil, fmt.Errorf("huge: invalid size %d", size)
	}
	total := roundUpPage(a.headerSize+size, a.pageSize)
	m, err := pagemem.AllocateAligned(total, a.pageSize)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("huge: alloc: %w", err)
	}

	alloc := &allocation{mapping: m, headerSize: a.headerSize, reqSize: size}
	payloadAddr := m.Addr() + uintptr(a.headerSize)

	a.mu.Lock()
	a.byAddr[payloadAddr] = alloc
	a.allocs++
	a.mu.Unlock()

	a.index.Register(m.Addr(), m.Addr()+uintptr(total), a)
	gclog.Debug("huge: allocated", "size", size, "addr", fmt.Sprintf("%#x", payloadAddr))

	b := m.Bytes()
	return payloadAddr, b[a.headerSize : a.headerSize+size], b[:a.headerSize], nil
}

// Free unmaps the allocation at addr. It returns false if addr is not a
// live huge allocation.
func (a *Allocator) Free(addr uintptr) bool {
	a.mu.Lock()
	alloc, ok := a.byAddr[addr]
	if ok {
		delete(a.byAddr, addr)
		a.frees++
	}
	a.mu.Unlock()
	if !ok {
		return false
	}
	a.index.Unregister(alloc.mapping.Addr())
	if err := pagemem.Deallocate(alloc.mapping); err != nil {
		gclog.Warn("huge: unmap failed", "addr", fmt.Sprintf("%#x", addr), "error", err)
	}
	return true
}

// PayloadFor returns the payload slice for the live huge allocation at
// addr, or ok=false.
func (a *Allocator) PayloadFor(addr uintptr) (payload []byte, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	alloc, ok := a.byAddr[addr]
	if !ok {
		return nil, false
	}
	b := alloc.mapping.Bytes()
	return b[alloc.headerSize : alloc.headerSize+alloc.reqSize], true
}

// HeaderFor returns the out-of-line header slice for the live huge
// allocation at addr, or ok=false.
func (a *Allocator) HeaderFor(addr uintptr) (header []byte, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	alloc, ok := a.byAddr[addr]
	if !ok {
		return nil, false
	}
	if alloc.headerSize == 0 {
		return nil, true
	}
	return alloc.mapping.Bytes()[:alloc.headerSize], true
}

// ObjectBase resolves an arbitrary interior address to the base of the
// live huge allocation containing it, the conservative-scan counterpart
// to the exact-address lookups above.
func (a *Allocator) ObjectBase(addr uintptr) (uintptr, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for base, alloc := range a.byAddr {
		if addr >= base && addr < base+uintptr(alloc.reqSize) {
			return base, true
		}
	}
	return 0, false
}

// Walk calls fn for every live huge allocation.
func (a *Allocator) Walk(fn func(addr uintptr, payload, header []byte)) {
	a.mu.Lock()
	snapshot := make(map[uintptr]*allocation, len(a.byAddr))
	for k, v := range a.byAddr {
		snapshot[k] = v
	}
	a.mu.Unlock()

	for addr, alloc := range snapshot {
		b := alloc.mapping.Bytes()
		fn(addr, b[alloc.headerSize:alloc.headerSize+alloc.reqSize], b[:alloc.headerSize])
	}
}

// RefFor builds a capref.Ref describing the live huge allocation at addr.
func (a *Allocator) RefFor(addr uintptr) capref.Ref {
	a.mu.Lock()
	alloc, ok := a.byAddr[addr]
	a.mu.Unlock()
	if !ok {
		return capref.Ref{}
	}
	return capref.New(addr, uintptr(alloc.reqSize), capref.PermitReadWrite)
}

// Stats is a snapshot of this allocator's lifetime counters.
type Stats struct {
	Allocs uint64
	Frees  uint64
	Live   uint64
}

// Stats returns a snapshot of a's lifetime counters.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{Allocs: a.allocs, Frees: a.frees, Live: uint64(len(a.byAddr))}
}
