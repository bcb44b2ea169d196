package huge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CTSRD-CHERI/cheri-gc-kit/chunk"
)

func TestAllocFreeRoundTrip(t *testing.T) {
	idx := chunk.New()
	a := New(idx, 4<<10, 0)

	addr, payload, _, err := a.Alloc(1 << 20)
	require.NoError(t, err)
	require.NotZero(t, addr)
	assert.Len(t, payload, 1<<20)
	assert.True(t, idx.Contains(addr))

	require.True(t, a.Free(addr))
	assert.False(t, idx.Contains(addr))
	_, ok := a.PayloadFor(addr)
	assert.False(t, ok)
}

func TestAllocWithHeader(t *testing.T) {
	idx := chunk.New()
	a := New(idx, 4<<10, 16)

	addr, payload, header, err := a.Alloc(100)
	require.NoError(t, err)
	require.Len(t, header, 16)
	require.Len(t, payload, 100)

	h2, ok := a.HeaderFor(addr)
	require.True(t, ok)
	assert.Len(t, h2, 16)
}

func TestFreeRejectsUnknownAddress(t *testing.T) {
	idx := chunk.New()
	a := New(idx, 4<<10, 0)
	assert.False(t, a.Free(0x1234))
}

func TestStatsTracksLiveCount(t *testing.T) {
	idx := chunk.New()
	a := New(idx, 4<<10, 0)
	addr1, _, _, err := a.Alloc(4096)
	require.NoError(t, err)
	_, _, _, err = a.Alloc(8192)
	require.NoError(t, err)

	stats := a.Stats()
	assert.Equal(t, uint64(2), stats.Allocs)
	assert.Equal(t, uint64(2), stats.Live)

	require.True(t, a.Free(addr1))
	stats = a.Stats()
	assert.Equal(t, uint64(1), stats.Frees)
	assert.Equal(t, uint64(1), stats.Live)
}

func TestWalkVisitsLiveAllocations(t *testing.T) {
	idx := chunk.New()
	a := New(idx, 4<<10, 0)
	addr, _, _, err := a.Alloc(4096)
	require.NoError(t, err)

	seen := map[uintptr]bool{}
	a.Walk(func(addr uintptr, _, _ []byte) { seen[addr] = true })
	assert.True(t, seen[addr])
}
