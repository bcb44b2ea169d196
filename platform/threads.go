// Package platform holds the collaborators that genuinely cannot be
// implemented portably in Go the way the original implements them in
// FreeBSD/CheriBSD C++: stopping every other thread in the process
// (pthread_suspend_all_np has no portable Go equivalent — goroutines are
// not threads and cannot be suspended individually) and enumerating a
// running binary's loaded segments (dl_iterate_phdr is libc/ELF-specific).
// Both are expressed as interfaces here so a caller on a platform that
// can supply them (via cgo, or via runtime facilities on a given GOOS)
// may do so; the default implementations document the approximation this
// module makes in their absence.
package platform

import (
	"sync"
)

// StackRange describes one goroutine's conservatively-scannable stack
// range, the Go analogue of a thread's C stack used as a root range.
type StackRange struct {
	Low, High uintptr
}

// ThreadRegistry tracks every caller that has registered itself as a
// root-owning thread. Grounded on roots.hh's add_thread, but deliberately
// not reproducing its FIXME: the original only registers the single
// thread calling into collection; this registry instead tracks every
// registrant and Freeze reports all of them, which is the behavior
// roots.hh's own comment says was intended.
type ThreadRegistry struct {
	mu      sync.Mutex
	threads map[int64]StackRange
	next    int64
}

// NewThreadRegistry returns an empty registry.
func NewThreadRegistry() *ThreadRegistry {
	return &ThreadRegistry{threads: make(map[int64]StackRange)}
}

// Register records a stack range under a fresh handle. The caller is
// responsible for calling Unregister when the goroutine that owns this
// range exits.
func (r *ThreadRegistry) Register(stack StackRange) (handle int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	handle = r.next
	r.threads[handle] = stack
	return handle
}

// Update replaces the stack range recorded under handle, used as a
// goroutine's stack grows or shrinks between collections.
func (r *ThreadRegistry) Update(handle int64, stack StackRange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.threads[handle]; ok {
		r.threads[handle] = stack
	}
}

// Unregister removes handle from the registry.
func (r *ThreadRegistry) Unregister(handle int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.threads, handle)
}

// Freeze returns every currently-registered stack range. Called while
// the world is stopped, so the snapshot it returns is consistent.
func (r *ThreadRegistry) Freeze() []StackRange {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]StackRange, 0, len(r.threads))
	for _, s := range r.threads {
		out = append(out, s)
	}
	return out
}

// Count reports how many threads are currently registered.
func (r *ThreadRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.threads)
}
