package lock

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lockers(t *testing.T) map[string]Locker {
	out := map[string]Locker{"memory": NewMemory()}
	if addr := os.Getenv("REDIS_TEST_ADDR"); addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr})
		t.Cleanup(func() { _ = rdb.Close() })
		out["redis"] = NewRedis(rdb)
	}
	return out
}

func TestLockerExclusive(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := "target:" + t.Name()

			first, err := l.TryLock(ctx, key, time.Minute)
			require.NoError(t, err)

			_, err = l.TryLock(ctx, key, time.Minute)
			require.ErrorIs(t, err, ErrHeld)

			stale := *first
			stale.Token = "someone-else"
			require.ErrorIs(t, l.Unlock(ctx, &stale), ErrNotOwner)

			require.NoError(t, l.Unlock(ctx, first))
			require.ErrorIs(t, l.Unlock(ctx, first), ErrNotOwner)

			again, err := l.TryLock(ctx, key, time.Minute)
			require.NoError(t, err)
			require.NoError(t, l.Unlock(ctx, again))
		})
	}
}

func TestLockerExtend(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := "target:" + t.Name()

			lease, err := l.TryLock(ctx, key, time.Minute)
			require.NoError(t, err)
			require.NoError(t, l.Extend(ctx, lease, 2*time.Minute))

			stale := *lease
			stale.Token = "someone-else"
			require.ErrorIs(t, l.Extend(ctx, &stale, time.Minute), ErrNotOwner)

			require.NoError(t, l.Unlock(ctx, lease))
			require.ErrorIs(t, l.Extend(ctx, lease, time.Minute), ErrNotOwner)
		})
	}
}

func TestMemoryExtendKeepsLeaseAlive(t *testing.T) {
	m := NewMemory()
	now := time.Now()
	m.now = func() time.Time { return now }
	ctx := context.Background()

	lease, err := m.TryLock(ctx, "host-1", time.Second)
	require.NoError(t, err)

	now = now.Add(800 * time.Millisecond)
	require.NoError(t, m.Extend(ctx, lease, time.Second))

	now = now.Add(800 * time.Millisecond)
	_, err = m.TryLock(ctx, "host-1", time.Second)
	require.ErrorIs(t, err, ErrHeld, "extended lease is still held past the original expiry")

	now = now.Add(time.Second)
	require.ErrorIs(t, m.Extend(ctx, lease, time.Second), ErrNotOwner, "expired lease cannot be revived")
}

func TestMemoryLeaseExpires(t *testing.T) {
	m := NewMemory()
	now := time.Now()
	m.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := m.TryLock(ctx, "host-1", time.Second)
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	_, err = m.TryLock(ctx, "host-1", time.Second)
	require.NoError(t, err, "expired lease is taken over")
}

func TestWaitSerialisesHolders(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := Wait(ctx, m, "host-1", time.Minute, WaitOptions{Attempts: 200, Delay: time.Millisecond, MaxDelay: 5 * time.Millisecond})
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				cur := atomic.LoadInt32(&maxInside)
				if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			assert.NoError(t, m.Unlock(ctx, lease))
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, maxInside)
}

func TestWaitGivesUp(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_, err := m.TryLock(ctx, "host-1", time.Minute)
	require.NoError(t, err)

	_, err = Wait(ctx, m, "host-1", time.Minute, WaitOptions{Attempts: 3, Delay: time.Millisecond})
	require.True(t, errors.Is(err, ErrHeld))
}
