package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisLocker(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedis(client, "test:"), mr
}

func TestRedis_ExclusiveUntilUnlock(t *testing.T) {
	l, mr := newRedisLocker(t)
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "verify", time.Minute)
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:lock:verify"))

	short, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
	defer cancel()
	_, err = l.Lock(short, "verify", time.Minute)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLockAcquire))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	require.NoError(t, unlock(ctx))
	assert.False(t, mr.Exists("test:lock:verify"))

	again, err := l.Lock(ctx, "verify", time.Minute)
	require.NoError(t, err)
	require.NoError(t, again(ctx))
}

func TestRedis_WaitsForRelease(t *testing.T) {
	l, _ := newRedisLocker(t)
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "verify", time.Minute)
	require.NoError(t, err)
	time.AfterFunc(150*time.Millisecond, func() { _ = unlock(ctx) })

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	next, err := l.Lock(waitCtx, "verify", time.Minute)
	require.NoError(t, err)
	require.NoError(t, next(ctx))
}

func TestRedis_ExpiredLockIsNotStolenBack(t *testing.T) {
	l, mr := newRedisLocker(t)
	ctx := context.Background()

	first, err := l.Lock(ctx, "verify", time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	second, err := l.Lock(ctx, "verify", time.Minute)
	require.NoError(t, err)

	assert.ErrorIs(t, first(ctx), ErrLockLost)
	assert.True(t, mr.Exists("test:lock:verify"), "second holder's lock must survive")
	require.NoError(t, second(ctx))
}

func TestRedis_IndependentKeys(t *testing.T) {
	l, _ := newRedisLocker(t)
	ctx := context.Background()

	a, err := l.Lock(ctx, "a", time.Minute)
	require.NoError(t, err)
	b, err := l.Lock(ctx, "b", time.Minute)
	require.NoError(t, err)
	require.NoError(t, a(ctx))
	require.NoError(t, b(ctx))
}

func TestLocal_Exclusive(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "verify", 0)
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = l.Lock(short, "verify", 0)
	assert.ErrorIs(t, err, ErrLockAcquire)

	acquired := make(chan UnlockFunc)
	go func() {
		u, err := l.Lock(ctx, "verify", 0)
		if err == nil {
			acquired <- u
		}
	}()

	require.NoError(t, unlock(ctx))
	require.NoError(t, unlock(ctx))

	select {
	case u := <-acquired:
		require.NoError(t, u(ctx))
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never acquired the lock")
	}
}

func TestNew(t *testing.T) {
	assert.IsType(t, &Local{}, New(DefaultConfig()))

	mr := miniredis.RunT(t)
	cfg := DefaultConfig()
	cfg.RedisAddr = mr.Addr()
	l := New(cfg)
	require.IsType(t, &Redis{}, l)

	unlock, err := l.Lock(context.Background(), cfg.Key, cfg.TTL)
	require.NoError(t, err)
	assert.True(t, mr.Exists("asyncverify:lock:verify"))
	require.NoError(t, unlock(context.Background()))
}
