package large

import (
	"fmt"

	"github.com/CTSRD-CHERI/cheri-gc-kit/bucket"
	"github.com/CTSRD-CHERI/cheri-gc-kit/chunk"
)

// Pool dispatches large-allocation requests to one fixed-size Allocator
// per large-bucket size, the large-tier analogue of slab.Pool.
type Pool struct {
	table      *bucket.Table
	index      *chunk.Index
	headerSize int
	chunkSize  int
	pageSize   int
	allocators []*Allocator // lazily created, parallel to table's large-bucket indices
}

// NewPool returns a Pool serving every large bucket table describes,
// with headerSize bytes of out-of-line header per allocation.
func NewPool(table *bucket.Table, idx *chunk.Index, headerSize, chunkSize, pageSize int) *Pool {
	return &Pool{
		table:      table,
		index:      idx,
		headerSize: headerSize,
		chunkSize:  chunkSize,
		pageSize:   pageSize,
		allocators: make([]*Allocator, table.NumLargeBuckets()),
	}
}

func (p *Pool) allocatorFor(index, bucketSize int) *Allocator {
	if a := p.allocators[index]; a != nil {
		return a
	}
	a := New(p.index, bucketSize, p.headerSize, p.chunkSize, p.pageSize)
	p.allocators[index] = a
	return a
}

// Alloc serves a request for size bytes from the smallest large bucket
// that fits, or an error if size exceeds the large tier's ceiling.
func (p *Pool) Alloc(size int) (addr uintptr, payload, header []byte, err error) {
	bucketSize, ok := p.table.LargeBucketFor(size)
	if !ok {
		return 0, nil, nil, fmt.Errorf("large: size %d exceeds large tier ceiling (%d)", size, p.table.LargeMax())
	}
	index, _ := p.table.LargeBucketIndex(size)
	return p.allocatorFor(index, bucketSize).Alloc()
}

// Free releases the allocation at addr, resolving it to its owning
// bucket's Allocator via the chunk index. It returns false if addr is
// not a live allocation owned by this Pool.
func (p *Pool) Free(addr uintptr) bool {
	a, ok := p.index.OwnerFor(addr).(*Allocator)
	if !ok || a == nil {
		return false
	}
	return a.Free(addr)
}

// HeaderFor returns the out-of-line header for the allocation at addr.
func (p *Pool) HeaderFor(addr uintptr) (header []byte, ok bool) {
	a, ok := p.index.OwnerFor(addr).(*Allocator)
	if !ok || a == nil {
		return nil, false
	}
	return a.HeaderFor(addr)
}

// Walk calls fn for every live allocation across every large bucket.
func (p *Pool) Walk(fn func(addr uintptr, payload, header []byte)) {
	for _, a := range p.allocators {
		if a != nil {
			a.Walk(fn)
		}
	}
}

// Stats returns the per-bucket Stats for every bucket that has ever been
// used.
func (p *Pool) Stats() []Stats {
	out := make([]Stats, 0, len(p.allocators))
	for _, a := range p.allocators {
		if a != nil {
			out = append(out, a.Stats())
		}
	}
	return out
}

// Allocators returns every large-bucket Allocator that has ever served a
// request, for the compact package to run its per-allocator Compact
// pass over.
func (p *Pool) Allocators() []*Allocator {
	out := make([]*Allocator, 0, len(p.allocators))
	for _, a := range p.allocators {
		if a != nil {
			out = append(out, a)
		}
	}
	return out
}
