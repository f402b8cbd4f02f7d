package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/coin_custody/internal/logging"
)

func TestKeyedMutexSerialisesPerKey(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := m.Lock(ctx, "tx-1")
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	require.Equal(t, 1, maxSeen)
	m.mu.Lock()
	require.Empty(t, m.locks)
	m.mu.Unlock()
}

func TestKeyedMutexIndependentKeysAndCancel(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	unlockA, err := m.Lock(ctx, "a")
	require.NoError(t, err)
	unlockB, err := m.Lock(ctx, "b")
	require.NoError(t, err)
	unlockB()

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = m.Lock(waitCtx, "a")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	unlockA()
	unlockA()
	unlockA, err = m.Lock(ctx, "a")
	require.NoError(t, err)
	unlockA()
}

func newRedisLocker(t *testing.T, ttl time.Duration) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return NewRedisLocker(client, ttl, logging.Discard()), mr
}

func TestRedisLockerExcludesSecondHolder(t *testing.T) {
	locker, mr := newRedisLocker(t, 150*time.Millisecond)
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "tx-1")
	require.NoError(t, err)
	require.True(t, mr.Exists("lock:transaction:tx-1"))

	_, err = locker.Lock(ctx, "tx-1")
	require.ErrorIs(t, err, ErrLockTimeout)

	other, err := locker.Lock(ctx, "tx-2")
	require.NoError(t, err)
	other()

	unlock()
	require.False(t, mr.Exists("lock:transaction:tx-1"))

	again, err := locker.Lock(ctx, "tx-1")
	require.NoError(t, err)
	again()
}

func TestRedisLockerReleaseKeepsForeignToken(t *testing.T) {
	locker, mr := newRedisLocker(t, time.Second)
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "tx-1")
	require.NoError(t, err)

	// Simulate the TTL lapsing and another process taking the key.
	require.NoError(t, mr.Set("lock:transaction:tx-1", "someone-else"))
	unlock()

	got, err := mr.Get("lock:transaction:tx-1")
	require.NoError(t, err)
	require.Equal(t, "someone-else", got)
}

func TestEngineWithRedisLocker(t *testing.T) {
	locker, _ := newRedisLocker(t, time.Second)
	f := newFixture(t, "100", "100", "0", "0")
	f.engine = NewEngine(f.engine.store, f.wallets, locker, f.clock, logging.Discard())
	ctx := context.Background()
	tx := f.create(t, "25")

	_, err := f.engine.Transition(ctx, tx.ID, StatusAccepted)
	require.NoError(t, err)
	_, err = f.engine.Transition(ctx, tx.ID, StatusCompleted)
	require.NoError(t, err)
	f.requireBalances(t, f.source.ID, "75", "75")
	f.requireBalances(t, f.dest.ID, "25", "25")
}
