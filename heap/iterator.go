package heap

// Allocation is one live object as seen by a full heap walk: its
// address, its payload bytes (conservatively scanned for pointers by the
// mark phase), and its out-of-line header bytes (interpreted by sweep or
// compact, never by heap itself).
type Allocation struct {
	Addr    uintptr
	Payload []byte
	Header  []byte
}

// Walk calls fn once for every live allocation in the heap, across the
// fixed-bucket pool, the large-bucket pool, and the huge allocator, in
// an unspecified order. fn must not call Alloc/Free on this heap; sweep
// and compact instead collect the Allocations they intend to act on and
// apply the action after the walk completes.
func (h *Heap) Walk(fn func(Allocation)) {
	h.pool.Walk(func(addr uintptr, payload, header []byte) {
		fn(Allocation{Addr: addr, Payload: payload, Header: header})
	})
	h.largePool.Walk(func(addr uintptr, payload, header []byte) {
		fn(Allocation{Addr: addr, Payload: payload, Header: header})
	})
	h.hugeAlloc.Walk(func(addr uintptr, payload, header []byte) {
		fn(Allocation{Addr: addr, Payload: payload, Header: header})
	})
}

// All collects every live allocation into a slice, the convenience form
// of Walk for callers that need a snapshot rather than a callback.
func (h *Heap) All() []Allocation {
	var out []Allocation
	h.Walk(func(a Allocation) { out = append(out, a) })
	return out
}
