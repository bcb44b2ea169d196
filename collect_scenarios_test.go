package gc

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CTSRD-CHERI/cheri-gc-kit/heap"
	"github.com/CTSRD-CHERI/cheri-gc-kit/platform"
)

// TestLinkedListTruncationUnderCompact is the "linked list truncation"
// end-to-end scenario: build a stack-rooted singly-linked list, collect
// (everything survives, possibly displaced), truncate to just the head,
// collect again, and confirm exactly one node remains live with its
// value intact.
func TestLinkedListTruncationUnderCompact(t *testing.T) {
	h := NewHeap(testConfig(), VariantCompact)

	const n = 20
	var head uintptr
	for i := 0; i < n; i++ {
		addr, payload, err := h.Malloc(16)
		require.NoError(t, err)
		binary.NativeEndian.PutUint64(payload[0:8], uint64(head))
		binary.NativeEndian.PutUint64(payload[8:16], uint64(i))
		head = addr
	}

	var rootSlot uintptr = head
	lo := uintptr(unsafe.Pointer(&rootSlot))
	hi := lo + unsafe.Sizeof(uintptr(0))
	h.AddPermanentRoot(lo, hi)

	h.Collect()

	headPayload, ok := h.heap.PayloadFor(rootSlot)
	require.True(t, ok)
	require.Equal(t, uint64(n-1), binary.NativeEndian.Uint64(headPayload[8:16]))

	// Truncate: head.next = nil, orphaning every other node.
	binary.NativeEndian.PutUint64(headPayload[0:8], 0)

	h.Collect()

	headPayload, ok = h.heap.PayloadFor(rootSlot)
	require.True(t, ok)
	assert.Equal(t, uint64(n-1), binary.NativeEndian.Uint64(headPayload[8:16]),
		"head's own value must survive truncation even if the node itself moved")

	live := 0
	h.heap.Walk(func(heap.Allocation) { live++ })
	assert.Equal(t, 1, live, "exactly one node must remain after truncating the list to just the head")
}

// TestHugeAllocationLifecycle is the "huge allocation lifecycle"
// end-to-end scenario: a huge allocation's owner is found while live,
// and fully unregistered (address no longer resolves to any chunk)
// once nothing roots it and a collection runs.
func TestHugeAllocationLifecycle(t *testing.T) {
	h := NewHeap(testConfig(), VariantSweep)

	addr, payload, err := h.Malloc(6 << 20) // 3x the configured chunk size
	require.NoError(t, err)
	require.Len(t, payload, 6<<20)
	require.True(t, h.heap.Contains(addr))

	h.Collect() // nothing roots addr
	assert.False(t, h.heap.Contains(addr), "the huge mapping must be fully unregistered after collection")
}

// TestMediumBucketFragmentationSweepVariant is the "medium-bucket
// fragmentation" end-to-end scenario, scaled down: allocate a batch of
// same-size objects rooted via one array, explicitly free every other
// one, collect, and confirm exactly the kept half survives.
func TestMediumBucketFragmentationSweepVariant(t *testing.T) {
	h := NewHeap(testConfig(), VariantSweep)

	const n = 200
	addrs := make([]uintptr, n)
	for i := range addrs {
		addr, _, err := h.Malloc(1088) // BucketSize<21>::value
		require.NoError(t, err)
		addrs[i] = addr
	}

	lo := uintptr(unsafe.Pointer(&addrs[0]))
	hi := lo + uintptr(n)*unsafe.Sizeof(uintptr(0))
	h.AddPermanentRoot(lo, hi)

	for i := 0; i < n; i += 2 {
		require.NoError(t, h.Free(addrs[i]))
	}

	h.Collect()

	survivors := 0
	for i, addr := range addrs {
		live := h.heap.LiveAt(addr)
		if i%2 == 0 {
			assert.False(t, live, "freed object %d must be reclaimed", i)
			continue
		}
		assert.True(t, live, "kept object %d must survive", i)
		survivors++
	}
	assert.Equal(t, n/2, survivors)
}

// TestLargeBucketCompactionRelocatesRootedSurvivor is the large-tier
// analogue of the linked-list compaction scenario above: a large
// allocation interleaved with discarded ones must, after its neighbors
// are freed, still resolve correctly through its root even though
// compaction slides it to a new address.
func TestLargeBucketCompactionRelocatesRootedSurvivor(t *testing.T) {
	h := NewHeap(testConfig(), VariantCompact)

	const n = 4
	addrs := make([]uintptr, n)
	for i := range addrs {
		addr, payload, err := h.Malloc(64 << 10) // 64 KiB: squarely in the large tier
		require.NoError(t, err)
		binary.NativeEndian.PutUint64(payload[0:8], uint64(i))
		addrs[i] = addr
	}

	var rootSlot uintptr = addrs[n-1]
	lo := uintptr(unsafe.Pointer(&rootSlot))
	hi := lo + unsafe.Sizeof(uintptr(0))
	h.AddPermanentRoot(lo, hi)

	for i := 0; i < n-1; i++ {
		require.NoError(t, h.Free(addrs[i]))
	}

	h.Collect()

	payload, ok := h.heap.PayloadFor(rootSlot)
	require.True(t, ok, "the rooted large allocation must still resolve after compaction")
	assert.Equal(t, uint64(n-1), binary.NativeEndian.Uint64(payload[0:8]))

	var largeAllocs uint64
	for _, s := range h.Stats().Large {
		largeAllocs += s.Allocs
	}
	assert.Equal(t, uint64(n), largeAllocs, "every allocation must have been served by the large tier")
}

// TestRootSnapshotTracksOverwrittenPointerAcrossCollections is the
// "root snapshot correctness" end-to-end scenario: a global root
// overwritten with a newly-allocated pointer between two collections
// must, after each collection, still resolve to the intended surviving
// object even if compaction relocated it.
func TestRootSnapshotTracksOverwrittenPointerAcrossCollections(t *testing.T) {
	h := NewHeap(testConfig(), VariantCompact)

	first, _, err := h.Malloc(32)
	require.NoError(t, err)

	var rootSlot uintptr = first
	lo := uintptr(unsafe.Pointer(&rootSlot))
	hi := lo + unsafe.Sizeof(uintptr(0))
	h.AddPermanentRoot(lo, hi)

	h.Collect()
	assert.True(t, h.heap.LiveAt(rootSlot))

	second, _, err := h.Malloc(32)
	require.NoError(t, err)
	rootSlot = second

	h.Collect()
	assert.True(t, h.heap.LiveAt(rootSlot),
		"root slot must resolve to the live object it currently names after a second collection")
}

// TestEagerPermanentRootSurvivesMultipleCollections is the "read-only
// global root" end-to-end scenario: an object reachable only through a
// segment filed as eager-permanent (a read-only segment registered via
// RegisterSegments) must still be found on every collection after the
// first, not just the one immediately following registration.
func TestEagerPermanentRootSurvivesMultipleCollections(t *testing.T) {
	h := NewHeap(testConfig(), VariantSweep)
	addr, _, err := h.Malloc(32)
	require.NoError(t, err)

	var global uintptr = addr
	lo := uintptr(unsafe.Pointer(&global))
	hi := lo + unsafe.Sizeof(uintptr(0))

	require.NoError(t, h.RegisterSegments(platform.StaticSegments{
		{Low: lo, High: hi, Writable: false},
	}))

	h.Collect()
	require.True(t, h.heap.LiveAt(addr), "must survive the first collection after registration")

	h.Collect()
	assert.True(t, h.heap.LiveAt(addr), "must also survive a second collection, not just the first")
}

// TestConcurrentAllocatorsProduceDistinctSlots is a scaled-down
// "concurrent allocators" end-to-end scenario: several goroutines
// allocate concurrently and no slot is handed out twice.
func TestConcurrentAllocatorsProduceDistinctSlots(t *testing.T) {
	h := NewHeap(testConfig(), VariantSweep)
	const goroutines = 8
	const perGoroutine = 500

	type result struct {
		addrs []uintptr
		err   error
	}
	results := make(chan result, goroutines)
	for g := 0; g < goroutines; g++ {
		go func() {
			addrs := make([]uintptr, perGoroutine)
			for i := range addrs {
				size := 16 + (i%5)*32
				addr, _, err := h.Malloc(size)
				if err != nil {
					results <- result{err: err}
					return
				}
				addrs[i] = addr
			}
			results <- result{addrs: addrs}
		}()
	}

	seen := make(map[uintptr]bool)
	for g := 0; g < goroutines; g++ {
		r := <-results
		require.NoError(t, r.err)
		for _, addr := range r.addrs {
			require.False(t, seen[addr], "address %#x allocated twice", addr)
			seen[addr] = true
		}
	}
	assert.Equal(t, goroutines*perGoroutine, len(seen))
}
