package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Redis locks keys across service instances. Each key becomes one
// redislock lock named "<prefix>:<key>".
type Redis struct {
	client *redislock.Client
	prefix string
	ttl    time.Duration
	retry  redislock.RetryStrategy
	logger *logrus.Logger
}

func NewRedis(client redis.UniversalClient, prefix string, ttl time.Duration, logger *logrus.Logger) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if prefix == "" {
		prefix = "costing:sku"
	}
	return &Redis{
		client: redislock.New(client),
		prefix: prefix,
		ttl:    ttl,
		retry:  redislock.LimitRetry(redislock.LinearBackoff(100*time.Millisecond), 50),
		logger: logger,
	}
}

func (r *Redis) Acquire(ctx context.Context, keys ...string) (func(), error) {
	keys = normalizeKeys(keys)
	held := make([]*redislock.Lock, 0, len(keys))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			// Release with a fresh context: the caller's may already be done.
			releaseCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			if err := held[i].Release(releaseCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) && r.logger != nil {
				r.logger.WithFields(logrus.Fields{"key": held[i].Key()}).WithError(err).Warn("redis lock release failed")
			}
			cancel()
		}
	}

	for _, key := range keys {
		name := fmt.Sprintf("%s:%s", r.prefix, key)
		l, err := r.client.Obtain(ctx, name, r.ttl, &redislock.Options{RetryStrategy: r.retry})
		if err != nil {
			release()
			if errors.Is(err, redislock.ErrNotObtained) {
				return nil, fmt.Errorf("%w: %s", ErrNotObtained, name)
			}
			return nil, errors.Join(ErrNotObtained, err)
		}
		held = append(held, l)
	}
	return release, nil
}
