package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Locker serializes sync jobs per account. The lease has a TTL so that a
// crashed worker cannot hold an account hostage.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// RedisLocker enforces the lease across instances.
type RedisLocker struct {
	Client *redis.Client
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.Client.SetNX(ctx, key, 1, ttl).Result()
}

func (l *RedisLocker) Release(ctx context.Context, key string) error {
	return l.Client.Del(ctx, key).Err()
}

// MemoryLocker is the single-instance fallback when redis is not configured.
type MemoryLocker struct {
	mu    sync.Mutex
	until map[string]time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{until: make(map[string]time.Time)}
}

func (l *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if deadline, held := l.until[key]; held && now.Before(deadline) {
		return false, nil
	}
	l.until[key] = now.Add(ttl)
	return true, nil
}

func (l *MemoryLocker) Release(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.until, key)
	return nil
}
