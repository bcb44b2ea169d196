package bucket

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTableMatchesBucketSize21(t *testing.T) {
	table := NewTable(DefaultConfig())
	// bucket_size.hh: static_assert(BucketSize<21>::value == 1088, ...)
	require.Equal(t, 1088, table.SizeOf(21))
}

func TestSmallBucketSizesMatchFormula(t *testing.T) {
	want := []int{8, 16, 24, 32, 40, 80, 96, 112, 128, 160, 192, 224, 256, 320, 384, 448, 512, 640, 768, 896, 1024}
	for i, w := range want {
		assert.Equal(t, w, smallBucketSize(i), "bucket %d", i)
	}
}

func TestMediumBucketCandidateSequence(t *testing.T) {
	// Sequence of prime-or-power-of-two candidates starting from 1:
	// 1, 2, 3, 4, 5, 7, 8, 11, 13, 16, 17, ...
	want := []uint{1, 2, 3, 4, 5, 7, 8, 11, 13, 16, 17}
	for i, w := range want {
		got := mediumBucketCandidate(i + 1)
		assert.Equal(t, w, got, "candidate %d", i+1)
	}
}

func TestBucketForIsMonotonic(t *testing.T) {
	table := NewTable(DefaultConfig())
	prevBucket := -1
	for size := 1; size <= table.SizeOf(table.NumBuckets()-1); size++ {
		b := table.BucketFor(size)
		require.GreaterOrEqual(t, b, prevBucket, "size %d", size)
		require.LessOrEqual(t, size, table.SizeOf(b), "bucket %d too small for size %d", b, size)
		prevBucket = b
	}
}

func TestBucketForExceedsFixedBuckets(t *testing.T) {
	table := NewTable(DefaultConfig())
	tooLarge := table.SizeOf(table.NumBuckets()-1) + 1
	assert.Equal(t, -1, table.BucketFor(tooLarge))
}

func TestLargeBucketForFloorsAtLargeMin(t *testing.T) {
	table := NewTable(DefaultConfig())
	size, ok := table.LargeBucketFor(4097)
	require.True(t, ok)
	assert.Equal(t, table.LargeMin(), size)
}

func TestLargeBucketForRoundsUpPastLargeMin(t *testing.T) {
	table := NewTable(DefaultConfig())
	size, ok := table.LargeBucketFor(table.LargeMin() + 1)
	require.True(t, ok)
	assert.Equal(t, table.LargeMin()+table.cfg.PageSize, size)
}

func TestLargeBucketForRejectsOversize(t *testing.T) {
	table := NewTable(DefaultConfig())
	_, ok := table.LargeBucketFor(table.LargeMax() + 1)
	assert.False(t, ok)
}

func TestLargeMalocBoundaryRoutesToLargeAndHugeRespectively(t *testing.T) {
	table := NewTable(DefaultConfig())
	_, ok := table.LargeBucketFor(table.LargeMax())
	assert.True(t, ok, "CHUNK/4 itself must still be served by the large tier")
	_, ok = table.LargeBucketFor(table.LargeMax() + 1)
	assert.False(t, ok, "CHUNK/4 + 1 must be rejected, routing to huge")
}

func TestIsPrime(t *testing.T) {
	for _, p := range []uint{2, 3, 5, 7, 11, 13, 17, 19, 23} {
		assert.True(t, isPrime(p), "%d should be prime", p)
	}
	for _, n := range []uint{4, 6, 8, 9, 10, 12, 15, 20} {
		assert.False(t, isPrime(n), "%d should not be prime", n)
	}
}
