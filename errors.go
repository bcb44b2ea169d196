package gc

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfMemory indicates an allocation could not be satisfied even
	// after running a collection. This is the only mutator-visible
	// failure; everything else the collector does internally (spinlock
	// contention, racing a collection) retries invisibly.
	ErrOutOfMemory = errors.New("gc: out of memory")

	// ErrInvalidFree indicates a pointer whose chunk has no owning
	// allocator was passed to Free.
	ErrInvalidFree = errors.New("gc: invalid free")

	// ErrCorruption indicates a broken collector invariant was detected
	// (e.g. a header claims marked after a sweep completed). There is no
	// release/debug split in this module: a broken invariant is never
	// safe to continue past, so assertf always panics rather than only
	// in a debug build.
	ErrCorruption = errors.New("gc: corruption")
)

// assertf panics with a wrapped ErrCorruption if cond is false.
func assertf(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Errorf("%w: %s", ErrCorruption, fmt.Sprintf(format, args...)))
	}
}
