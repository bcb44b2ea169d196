package heap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CTSRD-CHERI/cheri-gc-kit/capref"
)

func testConfig() Config {
	return Config{ChunkSize: 2 << 20, PageSize: 4 << 10, CacheLineSize: 64, FixedBuckets: 100, HeaderSize: 1}
}

func TestAllocRoutesBySizeToSlabOrHuge(t *testing.T) {
	h := New(testConfig())

	small, _, _, err := h.Alloc(32)
	require.NoError(t, err)
	large, _, _, err := h.Alloc(4 << 20)
	require.NoError(t, err)

	kind := h.owner(small)
	require.NotEqual(t, ownerNone, kind)
	assert.Equal(t, ownerSlab, kind)

	kind = h.owner(large)
	require.NotEqual(t, ownerNone, kind)
	assert.Equal(t, ownerHuge, kind)
}

func TestFreeWorksAcrossBothAllocators(t *testing.T) {
	h := New(testConfig())
	small, _, _, err := h.Alloc(32)
	require.NoError(t, err)
	large, _, _, err := h.Alloc(4 << 20)
	require.NoError(t, err)

	assert.True(t, h.Free(small))
	assert.True(t, h.Free(large))
	assert.False(t, h.Free(small))
}

func TestLiveAtAndContains(t *testing.T) {
	h := New(testConfig())
	addr, _, _, err := h.Alloc(64)
	require.NoError(t, err)

	assert.True(t, h.Contains(addr))
	assert.True(t, h.LiveAt(addr))
	require.True(t, h.Free(addr))
	assert.False(t, h.LiveAt(addr))
}

func TestWalkVisitsAllocationsFromBothAllocators(t *testing.T) {
	h := New(testConfig())
	small, _, _, err := h.Alloc(32)
	require.NoError(t, err)
	large, _, _, err := h.Alloc(4 << 20)
	require.NoError(t, err)

	seen := map[uintptr]bool{}
	for _, a := range h.All() {
		seen[a.Addr] = true
	}
	assert.True(t, seen[small])
	assert.True(t, seen[large])
}

func TestRefForDescribesLiveAllocation(t *testing.T) {
	h := New(testConfig())
	addr, _, _, err := h.Alloc(40)
	require.NoError(t, err)

	ref := h.RefFor(addr)
	assert.Equal(t, addr, ref.Base())
	assert.True(t, ref.HasPermission(capref.PermitReadWrite))
}
