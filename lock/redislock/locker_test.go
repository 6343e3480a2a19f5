package redislock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-cmmn/engine"
	"github.com/goliatone/go-cmmn/model"
)

func newLocker(t *testing.T) (*Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, WithPrefix("test:"), WithPollInterval(5*time.Millisecond)), mr
}

func TestLockAndUnlock(t *testing.T) {
	locker, mr := newLocker(t)
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "case-1", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:case-1"))
	assert.Greater(t, mr.TTL("test:case-1"), time.Duration(0))

	require.NoError(t, unlock(ctx))
	assert.False(t, mr.Exists("test:case-1"))
}

func TestContendedLockWaitsForContext(t *testing.T) {
	locker, _ := newLocker(t)
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "case-1", 5*time.Second)
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(short, "case-1", 5*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, unlock(ctx))
	again, err := locker.Lock(ctx, "case-1", 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, again(ctx))
}

func TestUnlockAfterExpiryReportsLostLock(t *testing.T) {
	locker, mr := newLocker(t)
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "case-1", time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	other, err := locker.Lock(ctx, "case-1", time.Minute)
	require.NoError(t, err)

	assert.ErrorIs(t, unlock(ctx), ErrLockLost)
	assert.True(t, mr.Exists("test:case-1"), "stale unlock must not release the new holder")
	require.NoError(t, other(ctx))
}

func TestEngineSerializesCommandsThroughRedis(t *testing.T) {
	locker, _ := newLocker(t)
	ctx := context.Background()
	eng := engine.New(engine.WithLogger(engine.NopLogger()), engine.WithLocker(locker))

	b := model.NewCase("counter")
	b.Plan().HumanTask("work").Required()
	_, err := eng.Deploy(b.MustBuild())
	require.NoError(t, err)
	kase, err := eng.StartCase(ctx, engine.StartCaseRequest{DefinitionRef: "counter"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := eng.SetVariables(ctx, kase.ID, map[string]any{"writer": i}); err != nil {
				failures.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Zero(t, failures.Load())

	got, err := eng.GetCase(ctx, kase.ID)
	require.NoError(t, err)
	// start + eight serialized updates
	assert.Equal(t, 9, got.Revision)
}
