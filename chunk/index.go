// Package chunk maintains the sparse mapping from an address range to the
// allocator that owns it: every live chunk registers its [start, end)
// range here, and the heap resolves an arbitrary address to its owning
// allocator (or learns that the address isn't managed at all) in
// O(log n). Grounded on hivekit's fastalloc.go binary-searched HBIN index
// (findHBINBounds), generalized from "HBIN inside one hive" to "chunk
// inside the address space."
package chunk

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Owner is anything a chunk's address range can be resolved to: a slab
// allocator, the huge allocator, or any future allocator kind.
type Owner interface{}

// entry is one registered chunk. owner is an atomic.Pointer so lookups
// never need to take Index's lock, matching the freeze/thaw requirement
// that root scanning can run concurrently with the mutator's registration
// of freshly grown chunks elsewhere.
type entry struct {
	start uintptr
	end   uintptr
	owner atomic.Pointer[Owner]
}

// Index is the address→allocator table. It is safe for concurrent use:
// OwnerFor/Contains take no lock; Register/Unregister take a short
// exclusive lock only to mutate the sorted slice itself.
type Index struct {
	mu   sync.Mutex
	live atomic.Pointer[[]*entry] // sorted by start, read via an atomic snapshot
}

// New returns an empty Index.
func New() *Index {
	idx := &Index{}
	empty := []*entry{}
	idx.live.Store(&empty)
	return idx
}

// Register adds a chunk's address range; Unregister removes it again by
// its start address. owner is typically a *slab.Allocator or
// *huge.Allocator.
func (idx *Index) Register(start, end uintptr, owner Owner) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	e := &entry{start: start, end: end}
	e.owner.Store(&owner)
	entries := append([]*entry{}, *idx.live.Load()...)
	entries = append(entries, e)
	sort.Slice(entries, func(i, j int) bool { return entries[i].start < entries[j].start })
	idx.live.Store(&entries)
}

// Unregister removes the chunk starting at start.
func (idx *Index) Unregister(start uintptr) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	old := *idx.live.Load()
	entries := make([]*entry, 0, len(old))
	for _, e := range old {
		if e.start != start {
			entries = append(entries, e)
		}
	}
	idx.live.Store(&entries)
}

// find performs the binary search at the heart of this package, directly
// mirroring fastalloc.go's findHBINBounds.
func (idx *Index) find(addr uintptr) *entry {
	entries := *idx.live.Load()
	lo, hi := 0, len(entries)-1
	for lo <= hi {
		mid := (lo + hi) >> 1
		e := entries[mid]
		switch {
		case addr < e.start:
			hi = mid - 1
		case addr >= e.end:
			lo = mid + 1
		default:
			return e
		}
	}
	return nil
}

// Contains reports whether addr falls within any registered chunk. This
// is the cheap pointer-likeness prefilter used by capref.Resolver.
func (idx *Index) Contains(addr uintptr) bool {
	return idx.find(addr) != nil
}

// OwnerFor returns the allocator that owns addr, or nil if addr is not
// inside any registered chunk.
func (idx *Index) OwnerFor(addr uintptr) Owner {
	e := idx.find(addr)
	if e == nil {
		return nil
	}
	p := e.owner.Load()
	if p == nil {
		return nil
	}
	return *p
}

// LiveAt reports whether addr is inside a registered chunk. Conventional
// targets cannot distinguish "inside a chunk" from "exactly the base of a
// live allocation" without consulting the owning allocator, so this is
// equivalent to Contains here; the per-allocator liveness check happens
// one level up, in the mark phase's header lookup.
func (idx *Index) LiveAt(addr uintptr) bool {
	return idx.Contains(addr)
}

// Range reports the [start, end) bounds of the chunk containing addr.
func (idx *Index) Range(addr uintptr) (start, end uintptr, ok bool) {
	e := idx.find(addr)
	if e == nil {
		return 0, 0, false
	}
	return e.start, e.end, true
}
