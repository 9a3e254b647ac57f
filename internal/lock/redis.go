package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"post-scheduler/internal/config"
)

// RedisLocker is a store-native alternative to FileLocker for deployments that
// span hosts. The key expires after ttl so a crashed holder cannot wedge the
// lock, and a live holder keeps extending it until Release.
type RedisLocker struct {
	client     *redis.Client
	key        string
	ttl        time.Duration
	renewEvery time.Duration
}

// NewRedisLocker builds a locker on key. A zero ttl defaults to five minutes.
// Held leases are renewed every ttl/3.
func NewRedisLocker(client *redis.Client, key string, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisLocker{client: client, key: key, ttl: ttl, renewEvery: ttl / 3}
}

// RenewEvery overrides the heartbeat interval. It must stay well below the ttl.
func (l *RedisLocker) RenewEvery(d time.Duration) *RedisLocker {
	if d > 0 {
		l.renewEvery = d
	}
	return l
}

// TryAcquire sets the key if absent. The returned lease is already renewing.
func (l *RedisLocker) TryAcquire(ctx context.Context) (Lease, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis setnx %s: %w", l.key, err)
	}
	if !ok {
		return nil, false, nil
	}
	renewCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	lease := &redisLease{
		client: l.client,
		key:    l.key,
		token:  token,
		stop:   stop,
		done:   make(chan struct{}),
	}
	go lease.renew(renewCtx, l.ttl, l.renewEvery)
	return lease, true, nil
}

type redisLease struct {
	mu       sync.Mutex
	client   *redis.Client
	key      string
	token    string
	stop     context.CancelFunc
	done     chan struct{}
	released bool
}

// renew extends the key while it still carries this lease's token. It stops on
// Release or once the key belongs to someone else.
func (l *redisLease) renew(ctx context.Context, ttl, every time.Duration) {
	defer close(l.done)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := renewScript.Run(ctx, l.client, []string{l.key}, l.token, ttl.Milliseconds()).Int()
			if err == nil && n == 0 {
				return
			}
			// A failed round trip is retried on the next tick; the key
			// survives as long as one renewal lands within the ttl.
		}
	}
}

// Release stops renewal and deletes the key only if it still carries this
// lease's token.
func (l *redisLease) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil
	}
	l.released = true
	l.stop()
	<-l.done
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("redis release %s: %w", l.key, err)
	}
	return nil
}

var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// FromConfig builds the locker selected by LOCK_BACKEND. client is only used,
// and must be non-nil, for the redis backend.
func FromConfig(cfg config.Config, client *redis.Client) (Locker, error) {
	switch cfg.LockBackend {
	case "", config.LockBackendFile:
		return NewFileLocker(cfg.LockPath), nil
	case config.LockBackendRedis:
		if client == nil {
			return nil, fmt.Errorf("lock backend redis needs REDIS_ADDR")
		}
		return NewRedisLocker(client, cfg.LockKey, cfg.LockTTL), nil
	default:
		return nil, fmt.Errorf("unknown lock backend %q", cfg.LockBackend)
	}
}
