// cheri-gc-kit implements a conservative, stop-the-world garbage collector
// over a slab/bucket allocator, targeting a capability-aware pointer
// representation (base, length, offset, permissions) realized on a
// conventional target via a side-table pointer oracle rather than a
// hardware tag bit.
//
// The typical embedder builds one Heap with NewHeap, registers its
// mutator goroutines' stacks with RegisterThread, optionally registers
// its data segments with RegisterSegments or AddPermanentRoot, and then
// calls Malloc/Free/Collect. See the package-level Heap type for the
// full surface.
package gc
