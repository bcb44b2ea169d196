// Package gc is the top-level entry point: a Heap bundles the chunk
// index, bucket/huge allocators, root set, thread registry, and one of
// the two tracing collector variants (sweep or compact) behind the
// public Malloc/Collect/Free surface spec.md names in its external
// interfaces table. Grounded on
// _examples/original_source/bump_the_pointer_heap.hh's version counter
// (even = idle, odd = running) and roots.hh's collect() orchestration.
package gc

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"

	"github.com/CTSRD-CHERI/cheri-gc-kit/compact"
	"github.com/CTSRD-CHERI/cheri-gc-kit/heap"
	"github.com/CTSRD-CHERI/cheri-gc-kit/internal/gclog"
	"github.com/CTSRD-CHERI/cheri-gc-kit/internal/spinlock"
	"github.com/CTSRD-CHERI/cheri-gc-kit/platform"
	"github.com/CTSRD-CHERI/cheri-gc-kit/root"
	"github.com/CTSRD-CHERI/cheri-gc-kit/sweep"
)

// Variant selects which tracing collector a Heap runs: mark-and-sweep
// (lazy free, "freed but still reachable" diagnostic) or mark-and-compact
// (no lazy free, but relocates survivors to consolidate fragmentation).
type Variant int

const (
	// VariantSweep is the default: mark-and-sweep, grounded on
	// mark_and_sweep.hh.
	VariantSweep Variant = iota
	// VariantCompact: mark-and-compact, grounded on mark_and_compact.hh.
	VariantCompact
)

// collectStats is the common shape gc.go needs out of either variant's
// own (differently-fielded) Stats type.
type collectStats struct {
	Visited int
	Freed   int
}

// collector is what Heap needs from whichever variant it was built
// with: run one collection, and service an explicit mutator free.
type collector interface {
	Collect(stacks []platform.StackRange) collectStats
	Free(addr uintptr) bool
}

type sweepCollector struct{ c *sweep.Collector }

func (s sweepCollector) Collect(stacks []platform.StackRange) collectStats {
	stats := s.c.Collect(stacks)
	return collectStats{Visited: stats.Visited, Freed: stats.Freed}
}
func (s sweepCollector) Free(addr uintptr) bool { return s.c.Free(addr) }

type compactCollector struct{ c *compact.Collector }

func (s compactCollector) Collect(stacks []platform.StackRange) collectStats {
	stats := s.c.Collect(stacks)
	return collectStats{Visited: stats.Visited, Freed: stats.Freed}
}
func (s compactCollector) Free(addr uintptr) bool { return s.c.Free(addr) }

// Heap is the collector's top-level handle: one chunk index, one set of
// bucket/huge allocators, one root set, one thread registry, and
// exactly one collector variant, chosen at construction and fixed for
// the Heap's lifetime (switching variants mid-run would require
// reinterpreting every live header, which neither original variant
// supports either).
type Heap struct {
	cfg     Config
	heap    *heap.Heap
	roots   *root.Set
	threads *platform.ThreadRegistry
	col     collector

	collecting spinlock.Spinlock
	version    atomic.Uint64 // even = idle, odd = a collection is running
}

// NewHeap builds a Heap from cfg, running the requested collector
// variant.
func NewHeap(cfg Config, variant Variant) *Heap {
	if cfg.LogAlloc {
		gclog.Init(gclog.Options{Enabled: true, Level: slog.LevelDebug})
	}

	headerSize := sweep.HeaderSize
	if variant == VariantCompact {
		headerSize = compact.HeaderSize
	}

	hp := heap.New(heap.Config{
		ChunkSize:     cfg.ChunkSize,
		PageSize:      cfg.PageSize,
		CacheLineSize: cfg.CacheLineSize,
		FixedBuckets:  cfg.FixedBuckets,
		LargeMax:      cfg.LargeMax,
		HeaderSize:    headerSize,
	})
	roots := root.New()

	var col collector
	if variant == VariantCompact {
		col = compactCollector{c: compact.New(hp, roots)}
	} else {
		col = sweepCollector{c: sweep.New(hp, roots)}
	}

	return &Heap{
		cfg:     cfg,
		heap:    hp,
		roots:   roots,
		threads: platform.NewThreadRegistry(),
		col:     col,
	}
}

// RegisterThread records a goroutine's conservatively-scannable stack
// range as a root, returning a handle to pass to UpdateThread/
// UnregisterThread. A program running its mutator on a single
// goroutine still needs to call this once, covering that goroutine's
// own stack, before the first Collect.
func (h *Heap) RegisterThread(stack platform.StackRange) int64 {
	return h.threads.Register(stack)
}

// UpdateThread replaces the stack range recorded under handle.
func (h *Heap) UpdateThread(handle int64, stack platform.StackRange) {
	h.threads.Update(handle, stack)
}

// UnregisterThread removes handle, called when the goroutine it
// tracked has exited.
func (h *Heap) UnregisterThread(handle int64) {
	h.threads.Unregister(handle)
}

// RegisterSegments asks enum for the process's loaded segments and
// files each into the permanent or eager-permanent root pool by
// writability.
func (h *Heap) RegisterSegments(enum platform.SegmentEnumerator) error {
	segs, err := enum.Segments()
	if err != nil {
		return fmt.Errorf("gc: enumerate segments: %w", err)
	}
	h.roots.AddSegments(segs)
	return nil
}

// AddPermanentRoot registers a range re-scanned on every collection,
// for a caller exposing its own globals (e.g. a package-level slice of
// GC-managed pointers) without going through a SegmentEnumerator.
func (h *Heap) AddPermanentRoot(low, high uintptr) {
	h.roots.AddPermanentRange(low, high)
}

// AddTemporaryRoot registers a range scanned only for the very next
// collection, for a caller about to hand a value to native code and
// needing it pinned in the meantime.
func (h *Heap) AddTemporaryRoot(low, high uintptr) {
	h.roots.AddTemporaryRange(low, high)
}

// Malloc returns a fresh allocation of at least size bytes; the returned
// payload slice is exactly size bytes long. Size 0
// allocates nothing and returns a zero address with a nil error,
// matching spec.md's external interface table. Malloc may trigger a
// collection if the heap is out of space; it returns ErrOutOfMemory
// only if the heap is still out of space immediately afterward.
func (h *Heap) Malloc(size int) (addr uintptr, payload []byte, err error) {
	if size <= 0 {
		return 0, nil, nil
	}
	h.waitForIdle()

	addr, payload, _, err = h.heap.Alloc(size)
	if err == nil {
		return addr, payload[:size], nil
	}

	h.Collect()

	addr, payload, _, err = h.heap.Alloc(size)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrOutOfMemory, err)
	}
	return addr, payload[:size], nil
}

// Free releases the allocation at addr. Under the sweep variant this
// is lazy (the header is flagged; the next collection reclaims it and
// reports whether anything still referenced it). Under the compact
// variant, which has no lazy-free header bit, it reclaims immediately.
// Returns ErrInvalidFree if addr is not a live allocation.
func (h *Heap) Free(addr uintptr) error {
	if !h.col.Free(addr) {
		return fmt.Errorf("%w: %#x", ErrInvalidFree, addr)
	}
	return nil
}

// Collect runs collect()'s procedure synchronously: reset temporary
// roots, stop every other registered thread, freeze their stacks as
// this cycle's temporary roots, trace, sweep or compact, then resume.
//
// If two goroutines call Collect concurrently, only one actually runs
// a collection; the other blocks on the collection lock until that
// collection finishes rather than running a redundant second one.
func (h *Heap) Collect() {
	if !h.collecting.TryLock() {
		// The winner may hold the lock before it has made version odd,
		// so waiting on the version counter alone could return early.
		h.collecting.Lock()
		h.collecting.Unlock()
		return
	}
	defer h.collecting.Unlock()

	if h.cfg.StopTheWorld != nil {
		h.cfg.StopTheWorld()
	}
	h.version.Add(1) // odd: running

	stacks := h.threads.Freeze()
	stats := h.col.Collect(stacks)

	h.version.Add(1) // even: idle
	if h.cfg.ResumeTheWorld != nil {
		h.cfg.ResumeTheWorld()
	}

	gclog.Info("gc: collection complete", "visited", stats.Visited, "freed", stats.Freed)
}

// waitForIdle spins until no collection is in flight, the Go analogue
// of spinning on the version counter in spec.md's freeze/thaw
// procedure: "waits for it to return to even, then retries."
func (h *Heap) waitForIdle() {
	for h.version.Load()%2 != 0 {
		runtime.Gosched()
	}
}

// Stats returns a snapshot of every sub-allocator's instrumentation.
func (h *Heap) Stats() heap.Stats { return h.heap.Stats() }
