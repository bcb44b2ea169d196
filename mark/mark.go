// Package mark implements the worklist-based reachability trace shared
// by the mark-and-sweep and mark-and-compact collectors. It is generic
// over the object header the way the original's
// mark<RootSet,Heap,Header,Filter> is generic over its template
// parameters — expressed here as a small interface instead, since Go has
// no class templates, implemented separately by the sweep and compact
// packages over their own header encodings.
// Grounded on _examples/original_source/mark.hh (mark_pointer, trace,
// mark_roots).
package mark

import (
	"encoding/binary"
	"sync"
	"unsafe"

	"github.com/CTSRD-CHERI/cheri-gc-kit/root"
)

// wordSize is the pointer width scanned at each step, both inside object
// payloads and inside root ranges.
const wordSize = int(unsafe.Sizeof(uintptr(0)))

// Header is what mark needs from an allocation's out-of-line header: the
// tri-color state machine (unmarked/marked/visited) plus the
// contains-pointers bit the original sets lazily as it discovers which
// objects are actually scanned for pointers.
type Header interface {
	IsUnmarked() bool
	IsVisited() bool
	SetMarked()
	SetVisited()
	SetContainsPointers()
	Reset()
}

// Heap is what mark needs from the allocator to resolve an arbitrary
// conservative pointer candidate to the object it addresses (or learn
// that it addresses nothing this collector owns), the Go analogue of
// Heap::object_for_allocation.
type Heap interface {
	// ObjectFor resolves ptr to the base address of the live allocation
	// containing it, or ok=false if ptr does not point into any live
	// allocation this heap owns.
	ObjectFor(ptr uintptr) (addr uintptr, ok bool)
	// Payload returns the scannable payload bytes of the allocation at
	// addr.
	Payload(addr uintptr) (payload []byte, ok bool)
	// HeaderFor returns the decoded Header for the allocation at addr.
	HeaderFor(addr uintptr) (h Header, ok bool)
}

// Filter lets a caller skip scanning objects it can prove never contain
// pointers, mirroring mark.hh's Filter template parameter (default
// always_true). Returning false skips the object entirely.
type Filter func(h Header, payload []byte) bool

// AlwaysScan is the default Filter: scan every object.
func AlwaysScan(Header, []byte) bool { return true }

// Tracer runs one mark phase over a Heap and a root.Set.
type Tracer struct {
	Heap   Heap
	Roots  *root.Set
	Filter Filter

	worklist []uintptr
	Visited  int
}

// NewTracer returns a Tracer with the default always-scan filter.
func NewTracer(h Heap, roots *root.Set) *Tracer {
	return &Tracer{Heap: h, Roots: roots, Filter: AlwaysScan}
}

// wordBufPool pools the []uintptr scratch buffers scanWords/scanRange
// hand to markPointer/markRoots, which is called once per pointer-sized
// word in every object's payload and every root range on every trace —
// the hottest allocation site in a collection, the same reason
// fastalloc.go pools its freeCell structs instead of allocating one per
// request.
var wordBufPool = sync.Pool{
	New: func() any { return make([]uintptr, 0, 64) },
}

// releaseWords returns a buffer obtained from scanWords/scanRange to the
// pool. Callers must not read from ws after calling this.
func releaseWords(ws []uintptr) { wordBufPool.Put(ws[:0]) } //nolint:staticcheck

// scanWords reinterprets b as a slice of pointer-sized words, ignoring
// any trailing partial word, matching the original's iteration over a
// capability<void*>'s word-sized elements. The returned slice is on loan
// from wordBufPool; the caller must releaseWords it once done.
func scanWords(b []byte) []uintptr {
	n := len(b) / wordSize
	out := wordBufPool.Get().([]uintptr)
	if cap(out) < n {
		out = make([]uintptr, n)
	} else {
		out = out[:n]
	}
	for i := 0; i < n; i++ {
		out[i] = uintptr(binary.NativeEndian.Uint64(b[i*wordSize:]))
	}
	return out
}

// scanRange conservatively reads every pointer-sized word in [lo, hi) of
// the live process's address space. This is the one place this module
// reads memory it does not own as a []byte slice it allocated itself —
// exactly the operation a conservative collector's root scan requires,
// and the reason callers must only ever register genuinely live,
// stable address ranges (stacks, global data segments) with root.Set.
// Like scanWords, the returned slice is on loan from wordBufPool.
func scanRange(lo, hi uintptr) []uintptr {
	if hi <= lo {
		return nil
	}
	n := int(hi-lo) / wordSize
	words := unsafe.Slice((*uintptr)(unsafe.Pointer(lo)), n)
	out := wordBufPool.Get().([]uintptr)
	if cap(out) < n {
		out = make([]uintptr, n)
	} else {
		out = out[:n]
	}
	copy(out, words)
	return out
}

// markPointer is mark.hh's mark_pointer: resolve p to a live object,
// apply the filter, and if the object has not yet been visited, mark it
// visited and scan its payload for further pointers.
func (t *Tracer) markPointer(p uintptr) {
	addr, ok := t.Heap.ObjectFor(p)
	if !ok {
		return
	}
	header, ok := t.Heap.HeaderFor(addr)
	if !ok {
		return
	}
	payload, _ := t.Heap.Payload(addr)
	if !t.Filter(header, payload) {
		return
	}
	if header.IsVisited() {
		return
	}
	t.Visited++
	header.Reset()
	header.SetVisited()

	words := scanWords(payload)
	for _, word := range words {
		if word == 0 {
			continue
		}
		pointeeAddr, ok := t.Heap.ObjectFor(word)
		if !ok {
			continue
		}
		header.SetContainsPointers()
		pointeeHeader, ok := t.Heap.HeaderFor(pointeeAddr)
		if !ok {
			continue
		}
		if pointeeHeader.IsUnmarked() {
			pointeeHeader.SetMarked()
			t.worklist = append(t.worklist, pointeeAddr)
		}
	}
	releaseWords(words)
}

// trace drains the worklist, recursively discovering every object
// reachable from what mark_roots seeded.
func (t *Tracer) trace() {
	for len(t.worklist) > 0 {
		p := t.worklist[len(t.worklist)-1]
		t.worklist = t.worklist[:len(t.worklist)-1]
		t.markPointer(p)
	}
}

// markRoots is mark.hh's mark_roots: scan every registered root range
// for pointer-looking words and feed each one through markPointer,
// matching register_global_roots/collect_roots_from_ranges's "scan the
// range, then process what you find like any other encountered pointer."
func (t *Tracer) markRoots() {
	for _, r := range t.Roots.Ranges() {
		words := scanRange(r.Low, r.High)
		for _, word := range words {
			if word == 0 {
				continue
			}
			addr, ok := t.Heap.ObjectFor(word)
			if !ok {
				continue
			}
			header, ok := t.Heap.HeaderFor(addr)
			if !ok || !header.IsUnmarked() {
				continue
			}
			t.markPointer(word)
		}
		releaseWords(words)
	}
}

// Run performs one full mark phase: scan the roots, then trace
// everything transitively reachable from what the root scan found.
// Returns the number of objects visited, for diagnostics.
func (t *Tracer) Run() int {
	t.Visited = 0
	t.markRoots()
	t.trace()
	return t.Visited
}

// ScanWords reinterprets b as pointer-sized words, exposing the same
// word-splitting markPointer uses internally to callers outside this
// package. Unlike the internal trace loop, callers here are not expected
// to return the slice to wordBufPool; it is simply left for the garbage
// collector to reclaim.
func ScanWords(b []byte) []uintptr { return scanWords(b) }

// RewriteWords calls rewrite for every non-zero pointer-sized word in b;
// when rewrite returns a different value, the word is overwritten in
// place. This is update_pointers's inner loop: given a table of
// old-address-to-new-address moves, patch every live pointer that
// referenced a moved object.
func RewriteWords(b []byte, rewrite func(uintptr) uintptr) {
	n := len(b) / wordSize
	for i := 0; i < n; i++ {
		word := uintptr(binary.NativeEndian.Uint64(b[i*wordSize:]))
		if word == 0 {
			continue
		}
		if newWord := rewrite(word); newWord != word {
			binary.NativeEndian.PutUint64(b[i*wordSize:], uint64(newWord))
		}
	}
}

// RewriteRange applies the same in-place rewrite as RewriteWords, but
// directly against a live [lo, hi) address range rather than a []byte
// this module already owns — the write-side counterpart to the
// unsafe memory access scanRange performs for reading root ranges.
func RewriteRange(lo, hi uintptr, rewrite func(uintptr) uintptr) {
	if hi <= lo {
		return
	}
	n := int(hi-lo) / wordSize
	words := unsafe.Slice((*uintptr)(unsafe.Pointer(lo)), n)
	for i := range words {
		if words[i] == 0 {
			continue
		}
		if newWord := rewrite(words[i]); newWord != words[i] {
			words[i] = newWord
		}
	}
}
