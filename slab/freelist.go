package slab

import (
	"fmt"

	"github.com/CTSRD-CHERI/cheri-gc-kit/bucket"
	"github.com/CTSRD-CHERI/cheri-gc-kit/chunk"
)

// Pool dispatches allocation requests to one fixed-size Allocator per
// bucket, the generalization of fastalloc.go's []freeList sliced by
// sizeTable.getSizeClass. It owns no chunks itself; each bucket's
// Allocator registers its own chunks in the shared chunk.Index, which is
// also how Free resolves an address back to the right bucket without the
// caller needing to remember which size it allocated.
type Pool struct {
	table      *bucket.Table
	index      *chunk.Index
	headerSize int
	chunkSize  int
	pageSize   int
	allocators []*Allocator // lazily created, parallel to table's bucket indices
}

// NewPool returns a Pool serving every fixed bucket in table, with
// headerSize bytes of out-of-line header per allocation.
func NewPool(table *bucket.Table, idx *chunk.Index, headerSize, chunkSize, pageSize int) *Pool {
	return &Pool{
		table:      table,
		index:      idx,
		headerSize: headerSize,
		chunkSize:  chunkSize,
		pageSize:   pageSize,
		allocators: make([]*Allocator, table.NumBuckets()),
	}
}

func (p *Pool) allocatorFor(bucketIdx int) *Allocator {
	if a := p.allocators[bucketIdx]; a != nil {
		return a
	}
	a := New(p.index, p.table.SizeOf(bucketIdx), p.headerSize, p.chunkSize, p.pageSize)
	p.allocators[bucketIdx] = a
	return a
}

// Alloc serves a request for size bytes from the smallest bucket that
// fits, returning the allocation's address, payload slice, and header
// slice. Requests larger than the largest fixed bucket are rejected; the
// caller is expected to route those to the large-bucket pool (and, above
// that tier's ceiling, the huge allocator) instead.
func (p *Pool) Alloc(size int) (addr uintptr, payload, header []byte, err error) {
	b := p.table.BucketFor(size)
	if b < 0 {
		return 0, nil, nil, fmt.Errorf("slab: size %d exceeds largest fixed bucket (%d)", size, p.table.SizeOf(p.table.NumBuckets()-1))
	}
	return p.allocatorFor(b).Alloc()
}

// Free releases the allocation at addr, resolving it to its owning
// bucket's Allocator via the chunk index. It returns false if addr is
// not a live allocation owned by this Pool.
func (p *Pool) Free(addr uintptr) bool {
	owner := p.index.OwnerFor(addr)
	a, ok := owner.(*Allocator)
	if !ok || a == nil {
		return false
	}
	return a.Free(addr)
}

// HeaderFor returns the out-of-line header for the allocation at addr.
func (p *Pool) HeaderFor(addr uintptr) (header []byte, ok bool) {
	owner := p.index.OwnerFor(addr)
	a, ok := owner.(*Allocator)
	if !ok || a == nil {
		return nil, false
	}
	return a.HeaderFor(addr)
}

// Walk calls fn for every live allocation across every bucket.
func (p *Pool) Walk(fn func(addr uintptr, payload, header []byte)) {
	for _, a := range p.allocators {
		if a != nil {
			a.Walk(fn)
		}
	}
}

// Stats returns the per-bucket Stats for every bucket that has ever been
// used, skipping buckets that have never allocated (and so never grew a
// chunk).
func (p *Pool) Stats() []Stats {
	out := make([]Stats, 0, len(p.allocators))
	for _, a := range p.allocators {
		if a != nil {
			out = append(out, a.Stats())
		}
	}
	return out
}

// Allocators returns every bucket Allocator that has ever served a
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
