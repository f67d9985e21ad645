package services

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const lockPrefix = "lock:settle:"

// RedisLocker implements Locker with SET NX + TTL. The TTL caps how long a
// crashed holder can block other settlers; the conditional store transition
// keeps a concurrent takeover safe regardless.
type RedisLocker struct {
	client *redis.Client
	log    *zap.Logger
}

func NewRedisLocker(client *redis.Client, log *zap.Logger) *RedisLocker {
	return &RedisLocker{client: client, log: log}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, lockPrefix+key, "1", ttl).Result()
	if err != nil {
		// Fail open: a lost lock only risks a duplicate attempt, which the
		// store transition resolves.
		l.log.Warn("lock acquire failed, proceeding without lock", zap.String("key", key), zap.Error(err))
		return true, nil
	}
	return ok, nil
}

func (l *RedisLocker) Release(ctx context.Context, key string) {
	if err := l.client.Del(ctx, lockPrefix+key).Err(); err != nil {
		l.log.Warn("lock release failed", zap.String("key", key), zap.Error(err))
	}
}
