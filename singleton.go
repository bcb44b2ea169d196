package gc

import (
	"runtime"
	"sync/atomic"
)

// singleton states, matching spec.md Design Notes §9's three-state CAS
// flag: 0 → 1 (this goroutine is initializing) → 2 (ready); late
// arrivals spin until state reaches 2.
const (
	singletonUninit   uint32 = 0
	singletonInitting uint32 = 1
	singletonReady    uint32 = 2
)

var (
	singletonState atomic.Uint32
	singletonHeap  *Heap
)

// Default returns the process-wide Heap backing the package-level
// Malloc/Collect/Free convenience functions, constructing it on first
// use with DefaultConfig and VariantSweep. Most embedders that want
// control over configuration or variant should call NewHeap directly
// instead; Default exists for the gc_malloc/gc_collect/gc_free
// language-neutral surface spec.md describes, which assumes a single
// implicit heap.
func Default() *Heap {
	for {
		switch singletonState.Load() {
		case singletonReady:
			return singletonHeap
		case singletonUninit:
			if singletonState.CompareAndSwap(singletonUninit, singletonInitting) {
				singletonHeap = NewHeap(DefaultConfig(), VariantSweep)
				singletonState.Store(singletonReady)
				return singletonHeap
			}
		default: // singletonInitting: another goroutine is constructing it
			runtime.Gosched()
		}
	}
}

// Malloc is gc_malloc against the process-wide default Heap.
func Malloc(size int) (addr uintptr, payload []byte, err error) {
	return Default().Malloc(size)
}

// Collect is gc_collect against the process-wide default Heap.
func Collect() { Default().Collect() }

// Free is gc_free against the process-wide default Heap.
func Free(addr uintptr) error { return Default().Free(addr) }
