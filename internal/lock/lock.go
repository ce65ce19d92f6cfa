// Package lock serialises verification runs. A run holds the lock from
// overlay preparation until the engine is stopped, because the in-place
// strategy rewrites a spec file other runs may read.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrLockAcquire is returned when the lock cannot be acquired.
	ErrLockAcquire = errors.New("failed to acquire run lock")

	// ErrLockLost is returned by an UnlockFunc when the lock expired and
	// may have been taken by another holder.
	ErrLockLost = errors.New("run lock expired before release")
)

// UnlockFunc releases a held lock.
type UnlockFunc func(ctx context.Context) error

// Locker acquires named locks. Lock blocks until the lock is held or ctx
// is done.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error)
}

// Config selects the locker.
type Config struct {
	// RedisAddr enables the cross-process lock when set.
	RedisAddr string `mapstructure:"redis-addr"`

	Key    string        `mapstructure:"key"`
	Prefix string        `mapstructure:"prefix"`
	TTL    time.Duration `mapstructure:"ttl"`
}

// DefaultConfig is an in-process lock on key "verify".
func DefaultConfig() Config {
	return Config{
		Key:    "verify",
		Prefix: "asyncverify:",
		TTL:    15 * time.Minute,
	}
}

// New returns a Redis locker when cfg names a server and an in-process
// locker otherwise.
func New(cfg Config) Locker {
	if cfg.RedisAddr == "" {
		return NewLocal()
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return NewRedis(client, cfg.Prefix)
}

// Local is an in-process Locker. TTLs are ignored: a lock is held until
// its UnlockFunc runs.
type Local struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

// NewLocal creates an in-process locker.
func NewLocal() *Local {
	return &Local{held: make(map[string]chan struct{})}
}

// Lock implements Locker.
func (l *Local) Lock(ctx context.Context, key string, _ time.Duration) (UnlockFunc, error) {
	for {
		l.mu.Lock()
		released, busy := l.held[key]
		if !busy {
			ch := make(chan struct{})
			l.held[key] = ch
			l.mu.Unlock()

			var once sync.Once
			return func(context.Context) error {
				once.Do(func() {
					l.mu.Lock()
					delete(l.held, key)
					l.mu.Unlock()
					close(ch)
				})
				return nil
			}, nil
		}
		l.mu.Unlock()

		select {
		case <-released:
		case <-ctx.Done():
			return nil, errors.Join(ErrLockAcquire, ctx.Err())
		}
	}
}
