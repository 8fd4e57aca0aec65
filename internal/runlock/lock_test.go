package runlock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLocalLockerRejectsSecondHolder(t *testing.T) {
	locker := NewLocalLocker()
	ctx := context.Background()

	release, err := locker.Acquire(ctx, time.Minute)
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, time.Minute)
	require.ErrorIs(t, err, ErrRunInProgress)

	require.NoError(t, release(ctx))

	again, err := locker.Acquire(ctx, time.Minute)
	require.NoError(t, err)
	require.NoError(t, again(ctx))
}

func TestLocalLockerStaleReleaseKeepsNewHolder(t *testing.T) {
	locker := NewLocalLocker()
	ctx := context.Background()

	first, err := locker.Acquire(ctx, time.Minute)
	require.NoError(t, err)
	require.NoError(t, first(ctx))

	second, err := locker.Acquire(ctx, time.Minute)
	require.NoError(t, err)

	require.NoError(t, first(ctx))
	_, err = locker.Acquire(ctx, time.Minute)
	require.ErrorIs(t, err, ErrRunInProgress)
	require.NoError(t, second(ctx))
}

func TestLocalLockerSingleWinnerUnderContention(t *testing.T) {
	locker := NewLocalLocker()
	ctx := context.Background()

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := locker.Acquire(ctx, time.Minute); err == nil {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), winners.Load())
}

func TestLocalLockerHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewLocalLocker().Acquire(ctx, time.Minute)
	require.ErrorIs(t, err, context.Canceled)
}

func TestNilRedisLocker(t *testing.T) {
	require.Nil(t, NewRedisLocker(nil))

	var locker *RedisLocker
	_, err := locker.Acquire(context.Background(), time.Minute)
	require.Error(t, err)
}
