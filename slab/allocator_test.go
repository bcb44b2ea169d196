package slab

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CTSRD-CHERI/cheri-gc-kit/chunk"
)

func newTestAllocator(t *testing.T, allocSize, headerSize int) *Allocator {
	t.Helper()
	idx := chunk.New()
	return New(idx, allocSize, headerSize, 2<<20, 4<<10)
}

func TestAllocGrowsChunkOnFirstUse(t *testing.T) {
	a := newTestAllocator(t, 32, 0)
	addr, payload, _, err := a.Alloc()
	require.NoError(t, err)
	require.NotZero(t, addr)
	assert.Len(t, payload, 32)
	assert.Equal(t, 1, a.Stats().Chunks)
}

func TestAllocFreeRoundTrip(t *testing.T) {
	a := newTestAllocator(t, 64, 0)
	addr, payload, _, err := a.Alloc()
	require.NoError(t, err)
	payload[0] = 0xAB
	ok := a.Free(addr)
	require.True(t, ok)

	p2, ok := a.PayloadFor(addr)
	assert.False(t, ok)
	assert.Nil(t, p2)
}

func TestFreeThenReallocReusesSlot(t *testing.T) {
	a := newTestAllocator(t, 16, 0)
	addr1, _, _, err := a.Alloc()
	require.NoError(t, err)
	require.True(t, a.Free(addr1))

	addr2, _, _, err := a.Alloc()
	require.NoError(t, err)
	assert.Equal(t, addr1, addr2, "freed slot should be reused before growing")
	assert.Equal(t, 1, a.Stats().Chunks)
}

func TestFreeingLastSlotInFolioZeroesIt(t *testing.T) {
	a := newTestAllocator(t, 512, 0)
	addr, payload, _, err := a.Alloc()
	require.NoError(t, err)
	for i := range payload {
		payload[i] = 0xFF
	}
	require.True(t, a.Free(addr))

	addr2, payload2, _, err := a.Alloc()
	require.NoError(t, err)
	require.Equal(t, addr, addr2)
	for _, b := range payload2 {
		assert.Equal(t, byte(0), b)
	}
}

func TestOutOfLineHeaderIsIndependentOfPayload(t *testing.T) {
	a := newTestAllocator(t, 32, 8)
	addr, payload, header, err := a.Alloc()
	require.NoError(t, err)
	require.Len(t, header, 8)
	for i := range header {
		header[i] = 0x11
	}
	for i := range payload {
		payload[i] = 0x22
	}

	h2, ok := a.HeaderFor(addr)
	require.True(t, ok)
	for _, b := range h2 {
		assert.Equal(t, byte(0x11), b)
	}
	p2, ok := a.PayloadFor(addr)
	require.True(t, ok)
	for _, b := range p2 {
		assert.Equal(t, byte(0x22), b)
	}
}

func TestFullestFolioFillsFirst(t *testing.T) {
	a := newTestAllocator(t, 4096, 0) // folio = lcm(4096,4096) = one slot per folio
	var addrs []uintptr
	for i := 0; i < 4; i++ {
		addr, _, _, err := a.Alloc()
		require.NoError(t, err)
		addrs = append(addrs, addr)
	}
	// Freeing an early folio should make it the next one reused, since a
	// folio with 1 free slot out of 1 sorts no differently here, but with
	// a larger allocs-per-folio this ordering is what keeps fragmentation
	// down; exercise the basic free/realloc symmetry regardless.
	require.True(t, a.Free(addrs[1]))
	addr, _, _, err := a.Alloc()
	require.NoError(t, err)
	assert.Equal(t, addrs[1], addr)
}

func TestWalkVisitsOnlyLiveSlots(t *testing.T) {
	a := newTestAllocator(t, 32, 0)
	addr1, _, _, err := a.Alloc()
	require.NoError(t, err)
	addr2, _, _, err := a.Alloc()
	require.NoError(t, err)
	require.True(t, a.Free(addr1))

	seen := map[uintptr]bool{}
	a.Walk(func(addr uintptr, _, _ []byte) {
		seen[addr] = true
	})
	assert.False(t, seen[addr1])
	assert.True(t, seen[addr2])
	assert.Len(t, seen, 1)
}

func TestFreeRejectsUnknownAddress(t *testing.T) {
	a := newTestAllocator(t, 32, 0)
	assert.False(t, a.Free(0xdeadbeef))
}

func TestFreeRejectsDoubleFree(t *testing.T) {
	a := newTestAllocator(t, 32, 0)
	addr, _, _, err := a.Alloc()
	require.NoError(t, err)
	require.True(t, a.Free(addr))
	assert.False(t, a.Free(addr))
}

func TestAllocSpansMultipleChunksOnExhaustion(t *testing.T) {
	a := newTestAllocator(t, 4096, 0) // one slot per folio, few folios per chunk
	folios := a.FoliosPerChunk
	for i := 0; i < folios+1; i++ {
		_, _, _, err := a.Alloc()
		require.NoError(t, err)
	}
	assert.Equal(t, 2, a.Stats().Chunks)
}

func TestEfficiencyReflectsLiveBytes(t *testing.T) {
	a := newTestAllocator(t, 64, 0)
	_, _, _, err := a.Alloc()
	require.NoError(t, err)
	eff := a.Efficiency()
	assert.Equal(t, uint64(64), eff.LiveBytes)
	assert.Greater(t, eff.ReservedBytes, uint64(0))
	assert.Greater(t, eff.Utilization(), 0.0)
}
