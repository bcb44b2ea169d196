// Package compact implements the mark-and-compact collector variant: a
// pure tracing collector with no lazy free (there is no skip_free
// equivalent; an object is garbage the moment nothing marks it), which
// physically slides every bucket allocator's live slots to the front of
// their chunks after each trace and rewrites every pointer that
// referenced a moved object.
// Grounded on _examples/original_source/mark_and_compact.hh
// (mark_and_compact_object_header, calculate_displacements,
// update_pointers, move_objects, collect).
package compact

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
)

// HeaderSize is the number of out-of-line header bytes this collector
// variant needs per allocation. The original's
// mark_and_compact_object_header additionally carries a per-object
// displacement field so update_pointers can rewrite a pointer without a
// separate relocation table, threading the single global address-order
// pass calculate_displacements/update_pointers/move_objects runs in
// sequence. This adaptation's Compact instead returns an explicit
// old-address-to-new-address map as its result, so no displacement
// field needs to live in the header at all — the deviation is
// deliberate: a table passed between two phases of one function is
// simpler here than a value the header would otherwise need to carry.
const HeaderSize = 1

// Header is the decoded view of one allocation's single-byte header.
type Header struct {
	b []byte
}

func (h *Header) color() byte     { return h.b[0] & colorMask }
func (h *Header) setColor(c byte) { h.b[0] = (h.b[0] &^ colorMask) | c }

// IsUnmarked reports whether the object was not reached by the last trace.
func (h *Header) IsUnmarked() bool { return h.color() == colorUnmarked }

// IsVisited reports whether the object has been scanned by the last trace.
func (h *Header) IsVisited() bool { return h.color() == colorVisited }

// SetMarked implements mark.Header.
func (h *Header) SetMarked() { h.setColor(colorMarked) }

// SetVisited implements mark.Header.
func (h *Header) SetVisited() { h.setColor(colorVisited) }

// SetContainsPointers implements mark.Header.
func (h *Header) SetContainsPointers() { h.b[0] |= containsPointersBit }

// ContainsPointers reports whether the last trace found an outgoing
// pointer in this object.
func (h *Header) ContainsPointers() bool { return h.b[0]&containsPointersBit != 0 }

// Reset implements mark.Header: returns to unmarked, ready for the next
// trace.
func (h *Header) Reset() { h.b[0] = 0 }

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
	Visited int
	Freed   int
	Moved   int
}

// Collector runs mark-and-compact collections against a heap.Heap.
type Collector struct {
	Heap  *heap.Heap
	Roots *root.Set

	tracer *mark.Tracer
}

// New returns a Collector tracing h's allocations against roots. Unlike
// sweep.New, no filter is installed: mark_and_compact.hh has no
// skip_free concept, since this variant never lazily frees anything —
// an object is either reachable from the trace or it is garbage.
func New(h *heap.Heap, roots *root.Set) *Collector {
	return &Collector{Heap: h, Roots: roots, tracer: mark.NewTracer(heapAdapter{h: h}, roots)}
}

// Free immediately reclaims addr. mark_and_compact.hh has no lazy free
// concept — there is no is_free bit in its header, since reachability
// alone decides whether the next trace keeps an object — so an
// explicit free can return the slot to its allocator right away rather
// than waiting for the next collection to notice it, unlike
// sweep.Collector.Free.
func (c *Collector) Free(addr uintptr) bool {
	return c.Heap.Free(addr)
}

// Collect runs one stop-the-world collection: trace, explicitly free
// every object the trace did not reach, compact every bucket
// allocator's survivors toward the front of their chunks, and rewrite
// every live pointer that referenced a moved object.
//
// The temporary-root lifetime matches sweep.Collector.Collect: stacks
// registered here stay live through this cycle but are only cleared at
// the start of the next call.
func (c *Collector) Collect(stacks []platform.StackRange) Stats {
	c.Roots.ClearTemporary()
	c.Roots.AddThreadStacks(stacks)

	visited := c.tracer.Run()
	freed := c.freeUnreached()
	moves := c.compactBuckets()
	c.rewritePointers(moves)
	c.resetSurvivors()

	return Stats{Visited: visited, Freed: freed, Moved: len(moves)}
}

// freeUnreached is this variant's calculate_displacements equivalent:
// an object the trace never reached is garbage, so it must be returned
// to its allocator before Compact runs, since Compact only ever
// preserves slots its folio bitmap still marks live.
func (c *Collector) freeUnreached() int {
	var garbage []uintptr
	c.Heap.Walk(func(a heap.Allocation) {
		hb, ok := c.Heap.HeaderFor(a.Addr)
		if !ok || len(hb) < HeaderSize {
			return
		}
		if (&Header{b: hb}).IsUnmarked() {
			garbage = append(garbage, a.Addr)
		}
	})
	freed := 0
	for _, addr := range garbage {
		if c.Heap.Free(addr) {
			freed++
		}
	}
	return freed
}

// compactBuckets runs Compact on every fixed-size allocator the heap
// has ever used and merges their old-to-new address maps into one.
// Huge allocations are never compacted; each already lives in its own
// dedicated mapping with nothing to pack it against.
func (c *Collector) compactBuckets() map[uintptr]uintptr {
	moves := make(map[uintptr]uintptr)
	for _, bucket := range c.Heap.Buckets() {
		for old, relocated := range bucket.Compact() {
			moves[old] = relocated
		}
	}
	for _, bucket := range c.Heap.LargeBuckets() {
		for old, relocated := range bucket.Compact() {
			moves[old] = relocated
		}
	}
	return moves
}

// rewritePointers is update_pointers: scan every surviving object's
// payload, plus every writable root range, and rewrite in place any word
// that names the old address of something Compact moved.
//
// Only WritableRanges, not the full Ranges, are patched here:
// eager-permanent ranges are read-only image segments by definition, and
// RewriteRange would fault trying to write back to one. An object
// reachable only through such a range can still be traced and kept
// alive (markRoots uses the full Ranges, including eager-permanent), but
// if Compact relocates it, the pointer stored in the read-only segment
// is left pointing at its old address — the same limitation the
// original's read-only global roots have, since nothing can patch a
// page the loader mapped without write permission.
func (c *Collector) rewritePointers(moves map[uintptr]uintptr) {
	if len(moves) == 0 {
		return
	}
	rewrite := func(word uintptr) uintptr {
		if newAddr, ok := moves[word]; ok {
			return newAddr
		}
		return word
	}

	c.Heap.Walk(func(a heap.Allocation) {
		mark.RewriteWords(a.Payload, rewrite)
	})
	for _, r := range c.Roots.WritableRanges() {
		mark.RewriteRange(r.Low, r.High, rewrite)
	}
}

// resetSurvivors clears every surviving object's color back to
// unmarked, ready for the next trace, at its final post-move address.
func (c *Collector) resetSurvivors() {
	c.Heap.Walk(func(a heap.Allocation) {
		hb, ok := c.Heap.HeaderFor(a.Addr)
		if !ok || len(hb) < HeaderSize {
			return
		}
		(&Header{b: hb}).Reset()
	})
}
