package root

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CTSRD-CHERI/cheri-gc-kit/platform"
)

func TestPermanentRangesAreRescannedEveryCollection(t *testing.T) {
	s := New()
	s.AddPermanentRange(0x1000, 0x2000)

	first := s.Ranges()
	second := s.Ranges()
	require.Len(t, first, 1)
	require.Len(t, second, 1)
}

func TestEagerPermanentRangesAreRescannedEveryCollection(t *testing.T) {
	s := New()
	s.AddEagerPermanentRange(0x5000, 0x6000)

	first := s.Ranges()
	require.Len(t, first, 1)

	second := s.Ranges()
	assert.Len(t, second, 1, "an eager-permanent range must keep participating in every later collection")
}

func TestWritableRangesExcludesEagerPermanent(t *testing.T) {
	s := New()
	s.AddPermanentRange(0x1000, 0x2000)
	s.AddEagerPermanentRange(0x3000, 0x4000)
	s.AddTemporaryRange(0x5000, 0x6000)

	require.Len(t, s.Ranges(), 3)
	assert.Len(t, s.WritableRanges(), 2, "WritableRanges must exclude eager-permanent ranges")
}

func TestTemporaryRangesClearedAfterCollection(t *testing.T) {
	s := New()
	s.AddTemporaryRange(0x7000, 0x8000)
	require.Len(t, s.Ranges(), 1)

	s.ClearTemporary()
	assert.Len(t, s.Ranges(), 0)
}

func TestNullBaseRangesAreSkipped(t *testing.T) {
	s := New()
	s.AddPermanentRange(0, 0x1000)
	s.AddEagerPermanentRange(0, 0x1000)
	s.AddTemporaryRange(0, 0x1000)

	assert.Len(t, s.Ranges(), 0)
}

func TestAddThreadStacksAndSegments(t *testing.T) {
	s := New()
	s.AddThreadStacks([]platform.StackRange{{Low: 0x1000, High: 0x2000}})
	s.AddSegments([]platform.Segment{
		{Low: 0x3000, High: 0x4000, Writable: true},
		{Low: 0x5000, High: 0x6000, Writable: false},
	})

	ranges := s.Ranges()
	assert.Len(t, ranges, 3) // 1 temp stack + 1 permanent + 1 eager-permanent
}
