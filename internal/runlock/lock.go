// Package runlock keeps attribution runs single-writer.
package runlock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

var ErrRunInProgress = errors.New("run_in_progress")

const runLockKey = "attribution:run_lock"

const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// Locker grants at most one holder at a time. Acquire returns
// ErrRunInProgress when another holder is active.
type Locker interface {
	Acquire(ctx context.Context, ttl time.Duration) (release func(context.Context) error, err error)
}

// RedisLocker shares the lock across processes with SET NX PX and a
// compare-and-delete release.
type RedisLocker struct {
	client *redis.Client
	script *redis.Script
	key    string
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	if client == nil {
		return nil
	}
	return &RedisLocker{
		client: client,
		script: redis.NewScript(lockReleaseScript),
		key:    runLockKey,
	}
}

func (l *RedisLocker) Acquire(ctx context.Context, ttl time.Duration) (func(context.Context) error, error) {
	if l == nil || l.client == nil {
		return nil, errors.New("lock client not configured")
	}
	if ttl <= 0 {
		return nil, errors.New("lock ttl must be positive")
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrRunInProgress
	}

	return func(ctx context.Context) error {
		return l.script.Run(ctx, l.client, []string{l.key}, token).Err()
	}, nil
}

// LocalLocker guards runs inside one process.
type LocalLocker struct {
	mu   sync.Mutex
	held bool
	gen  uint64
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{}
}

// Acquire ignores ttl; the lock lives until released.
func (l *LocalLocker) Acquire(ctx context.Context, _ time.Duration) (func(context.Context) error, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return nil, ErrRunInProgress
	}
	l.held = true
	l.gen++
	gen := l.gen

	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.held && l.gen == gen {
			l.held = false
		}
		return nil
	}, nil
}
