package spinlock

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTryLockExclusion(t *testing.T) {
	var l Spinlock
	require := assert.New(t)
	require.True(l.TryLock())
	require.False(l.TryLock(), "second TryLock while held must fail")
	l.Unlock()
	require.True(l.TryLock(), "TryLock after Unlock must succeed")
}

func TestConcurrentTryLock(t *testing.T) {
	var l Spinlock
	var wg sync.WaitGroup
	var successes atomic.Int64
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.TryLock() {
				successes.Add(1)
				l.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.GreaterOrEqual(t, successes.Load(), int64(1))
}
