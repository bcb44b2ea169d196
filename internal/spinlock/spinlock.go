// Package spinlock implements a try-lock-only spinlock intended for very
// short critical sections, such as a chunk's folio free-list update. It
// never blocks fairly: a contended TryLock simply fails and lets the
// caller choose its own backoff or fallback strategy.
package spinlock

import "sync/atomic"

// Spinlock is padded to a cache line to avoid false sharing between
// adjacent locks in an array (e.g. one per chunk).
type Spinlock struct {
	locked atomic.Uint32
	_      [60]byte // pad struct to 64 bytes (cache_line_size)
}

// TryLock attempts to acquire the lock without blocking. It returns true
// if the lock was acquired.
func (s *Spinlock) TryLock() bool {
	return s.locked.CompareAndSwap(0, 1)
}

// Lock spins until the lock is acquired. Calling this defeats the purpose
// of a try-lock-oriented design and should be rare: it exists only for
// callers that have already decided blocking is acceptable.
func (s *Spinlock) Lock() {
	for !s.TryLock() {
	}
}

// Unlock releases the lock. Calling Unlock on a lock that is not held is
// undefined, exactly as in the original.
func (s *Spinlock) Unlock() {
	s.locked.Store(0)
}
