// Package redislock provides a per-case engine.Locker backed by Redis, for
// engines sharing one store across processes.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/goliatone/go-cmmn/engine"
)

const (
	defaultTTL          = 30 * time.Second
	defaultPollInterval = 50 * time.Millisecond
)

// ErrLockLost is returned by an unlock whose key expired or was taken over.
var ErrLockLost = errors.New("redis lock lost before release")

var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Locker implements engine.Locker with SET NX PX and a token-checked release.
type Locker struct {
	client redis.UniversalClient
	prefix string
	poll   time.Duration
}

var _ engine.Locker = (*Locker)(nil)

// Option configures a Locker.
type Option func(*Locker)

// WithPrefix namespaces lock keys.
func WithPrefix(prefix string) Option {
	return func(l *Locker) { l.prefix = prefix }
}

// WithPollInterval sets how often a contended lock is retried.
func WithPollInterval(d time.Duration) Option {
	return func(l *Locker) {
		if d > 0 {
			l.poll = d
		}
	}
}

func New(client redis.UniversalClient, opts ...Option) *Locker {
	l := &Locker{client: client, poll: defaultPollInterval}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Lock blocks until key is acquired or ctx is done.
func (l *Locker) Lock(ctx context.Context, key string, ttl time.Duration) (engine.UnlockFunc, error) {
	if l == nil || l.client == nil {
		return nil, errors.New("redis locker not configured")
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	lockKey := l.prefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, lockKey, token, ttl).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("acquire lock %s: %w", lockKey, err)
		}
		if ok {
			return l.unlocker(lockKey, token), nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *Locker) unlocker(lockKey, token string) engine.UnlockFunc {
	return func(ctx context.Context) error {
		n, err := unlockScript.Run(ctx, l.client, []string{lockKey}, token).Int()
		if err != nil {
			return fmt.Errorf("release lock %s: %w", lockKey, err)
		}
		if n == 0 {
			return ErrLockLost
		}
		return nil
	}
}
