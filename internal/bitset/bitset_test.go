package bitset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGetRoundTrip(t *testing.T) {
	s := New(130)
	for _, i := range []int{0, 1, 63, 64, 65, 129} {
		assert.False(t, s.Get(i), "bit %d should start clear", i)
		s.Set(i)
		assert.True(t, s.Get(i), "bit %d should be set", i)
		s.Clear(i)
		assert.False(t, s.Get(i), "bit %d should be clear again", i)
	}
}

func TestFirstZeroAllClear(t *testing.T) {
	s := New(200)
	require.Equal(t, 0, s.FirstZero())
}

func TestFirstZeroAllSet(t *testing.T) {
	s := New(70)
	for i := 0; i < 70; i++ {
		s.Set(i)
	}
	assert.Equal(t, 70, s.FirstZero())
}

func TestFirstZeroMixedWords(t *testing.T) {
	s := New(200)
	for i := 0; i < 100; i++ {
		s.Set(i)
	}
	assert.Equal(t, 100, s.FirstZero())
}

func TestOneAfter(t *testing.T) {
	s := New(200)
	s.Set(5)
	s.Set(64)
	s.Set(130)

	assert.Equal(t, 5, s.OneAfter(-1))
	assert.Equal(t, 64, s.OneAfter(5))
	assert.Equal(t, 130, s.OneAfter(64))
	assert.Equal(t, 200, s.OneAfter(130))
}

func TestOneAfterNoneSet(t *testing.T) {
	s := New(128)
	assert.Equal(t, 128, s.OneAfter(0))
}

func TestCount(t *testing.T) {
	s := New(128)
	for _, i := range []int{0, 1, 2, 127} {
		s.Set(i)
	}
	assert.Equal(t, 4, s.Count())
}

func TestAtomicSetClear(t *testing.T) {
	a := NewAtomic(128)
	a.Set(10)
	assert.True(t, a.Get(10))
	a.Clear(10)
	assert.False(t, a.Get(10))
	assert.Equal(t, 0, a.FirstZero())
}
