// Package sweep implements the mark-and-sweep collector variant: a
// single-byte object header (2-bit color, contains-pointers bit, is-free
// bit), lazy free (Free only flags an object; physical reclamation
// happens at the end of the next collection), and the "freed but still
// reachable" diagnostic that zeroes such an object's contents without
// physically freeing it, matching a genuine use-after-free against a
// dangling pointer without touching the allocator's metadata.
// Grounded on _examples/original_source/mark_and_sweep.hh
// (mark_and_sweep_object_header, skip_free, free_unmarked, collect).
package sweep

import (
	"github.com/CTSRD-CHERI/cheri-gc-kit/heap"
	"github.com/CTSRD-CHERI/cheri-gc-kit/mark"
	"github.com/CTSRD-CHERI/cheri-gc-kit/platform"
	"github.com/CTSRD-CHERI/cheri-gc-kit/root"
)

const (
	colorUnmarked byte = 0
	colorMarked   byte = 1
	colorVisited  byte = 2
	colorMask     byte = 0x3

	containsPointersBit byte = 1 << 2
	isFreeBit           byte = 1 << 3
)

// HeaderSize is the number of out-of-line header bytes this collector
// variant needs per allocation, matching the original's
// static_assert(sizeof(mark_and_sweep_object_header) == 1, ...).
const HeaderSize = 1

// Header is the decoded view of one allocation's single-byte header.
type Header struct {
	b []byte
}

func (h *Header) color() byte     { return h.b[0] & colorMask }
func (h *Header) setColor(c byte) { h.b[0] = (h.b[0] &^ colorMask) | c }

// IsUnmarked reports whether the object has not been seen by this
// collection yet.
func (h *Header) IsUnmarked() bool { return h.color() == colorUnmarked }

// IsMarked reports whether the object has been marked live but not yet
// scanned for outgoing pointers.
func (h *Header) IsMarked() bool { return h.color() == colorMarked }

// IsVisited reports whether the object has been scanned.
func (h *Header) IsVisited() bool { return h.color() == colorVisited }

// SetMarked implements mark.Header.
func (h *Header) SetMarked() { h.setColor(colorMarked) }

// SetVisited implements mark.Header.
func (h *Header) SetVisited() { h.setColor(colorVisited) }

// SetContainsPointers implements mark.Header.
func (h *Header) SetContainsPointers() { h.b[0] |= containsPointersBit }

// ContainsPointers reports whether the trace ever found an outgoing
// pointer in this object.
func (h *Header) ContainsPointers() bool { return h.b[0]&containsPointersBit != 0 }

// Reset implements mark.Header: color returns to unmarked and the
// contains-pointers bit clears, ready for the next collection. The
// is-free bit is untouched — an explicit Free from the mutator is not
// undone by a collection cycle.
func (h *Header) Reset() { h.b[0] &^= colorMask | containsPointersBit }

// IsFree reports whether the mutator has explicitly freed this object.
func (h *Header) IsFree() bool { return h.b[0]&isFreeBit != 0 }

// SetFree flags the object as freed without reclaiming its storage; the
// next collection's free_unmarked equivalent zeroes it and, if nothing
// still references it, returns it to the allocator.
func (h *Header) SetFree() { h.b[0] |= isFreeBit }

// skipFree is this variant's mark.Filter, matching skip_free: an object
// already flagged free is not worth scanning for outgoing pointers,
// since the mutator has promised not to follow them any more. A header
// that isn't *Header (should not happen given this package's own
// heapAdapter) is scanned rather than silently skipped.
func skipFree(h mark.Header, _ []byte) bool {
	sh, ok := h.(*Header)
	if !ok {
		return true
	}
	return !sh.IsFree()
}

// heapAdapter implements mark.Heap over a *heap.Heap, decoding its raw
// header bytes as *Header.
type heapAdapter struct{ h *heap.Heap }

func (a heapAdapter) ObjectFor(ptr uintptr) (uintptr, bool) { return a.h.ObjectFor(ptr) }
func (a heapAdapter) Payload(addr uintptr) ([]byte, bool)   { return a.h.PayloadFor(addr) }
func (a heapAdapter) HeaderFor(addr uintptr) (mark.Header, bool) {
	b, ok := a.h.HeaderFor(addr)
	if !ok || len(b) < HeaderSize {
		return nil, false
	}
	return &Header{b: b}, true
}

// Stats reports the outcome of one collection.
type Stats struct {
	Visited       int
	FreeReachable int
	Freed         int
}

// Collector runs mark-and-sweep collections against a heap.Heap.
type Collector struct {
	Heap  *heap.Heap
	Roots *root.Set

	tracer *mark.Tracer
}

// New returns a Collector tracing h's allocations against roots.
func New(h *heap.Heap, roots *root.Set) *Collector {
	tracer := mark.NewTracer(heapAdapter{h: h}, roots)
	tracer.Filter = skipFree
	return &Collector{Heap: h, Roots: roots, tracer: tracer}
}

// Free lazily frees the allocation at addr: it flags the header as free
// without returning the storage to the allocator, so a later collection
// can both notice a dangling reference to it (zeroing its contents to
// surface the bug) and, if nothing still references it, reclaim it for
// real. Returns false if addr is not a live allocation or has already
// been freed.
func (c *Collector) Free(addr uintptr) bool {
	b, ok := c.Heap.HeaderFor(addr)
	if !ok || len(b) < HeaderSize {
		return false
	}
	h := &Header{b: b}
	if h.IsFree() {
		return false
	}
	h.SetFree()
	return true
}

// Collect runs one stop-the-world collection: clear last cycle's
// temporary roots, register the frozen thread stacks as this cycle's
// temporary roots, trace from the root set, then sweep.
//
// The temporary-root lifetime mirrors collect() exactly: stacks
// registered stay live through this cycle's trace but are only cleared
// at the *start* of the next call, not the end of this one, matching the
// original's m.temporary_roots.clear() placement before stop_the_world
// rather than after start_the_world.
func (c *Collector) Collect(stacks []platform.StackRange) Stats {
	c.Roots.ClearTemporary()
	c.Roots.AddThreadStacks(stacks)

	visited := c.tracer.Run()
	freeReachable, freed := c.sweep()
	return Stats{Visited: visited, FreeReachable: freeReachable, Freed: freed}
}

// sweep is free_unmarked: for every live allocation, zero and count it
// if the mutator had already freed it, then either physically reclaim it
// (if nothing marked it reachable) or reset its header for the next
// cycle (if something did).
func (c *Collector) sweep() (freeReachable, freed int) {
	var toFree []uintptr
	c.Heap.Walk(func(a heap.Allocation) {
		hb, ok := c.Heap.HeaderFor(a.Addr)
		if !ok || len(hb) < HeaderSize {
			return
		}
		h := &Header{b: hb}
		if h.IsFree() {
			for i := range a.Payload {
				a.Payload[i] = 0
			}
			freeReachable++
		}
		if h.IsUnmarked() {
			toFree = append(toFree, a.Addr)
		} else {
			h.Reset()
		}
	})
	for _, addr := range toFree {
		if c.Heap.Free(addr) {
			freed++
		}
	}
	return freeReachable, freed
}
