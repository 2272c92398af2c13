package accountlock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultRedisTTL      = 30 * time.Second
	DefaultRetryInterval = 20 * time.Millisecond
	redisKeyPrefix       = "photovault:lock:"
	releaseTimeout       = 2 * time.Second
)

// releaseScript deletes the lock only if this holder still owns it.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

// Redis is a lease-based lock shared by every replica using the same Redis.
// The TTL bounds how long a crashed holder can block an account.
type Redis struct {
	client        redis.Cmdable
	ttl           time.Duration
	retryInterval time.Duration
	release       *redis.Script
	logger        *zap.Logger
}

// NewRedis builds a Redis locker. Zero durations fall back to the defaults.
func NewRedis(client redis.Cmdable, ttl time.Duration, retryInterval time.Duration, logger *zap.Logger) (*Redis, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: redis client is nil", ErrInvalidConfig)
	}
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	if retryInterval <= 0 {
		retryInterval = DefaultRetryInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{
		client:        client,
		ttl:           ttl,
		retryInterval: retryInterval,
		release:       redis.NewScript(releaseScript),
		logger:        logger,
	}, nil
}

// Lock polls SET NX until it wins the key or ctx ends.
func (locker *Redis) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := redisKeyPrefix + key
	token := uuid.NewString()
	ticker := time.NewTicker(locker.retryInterval)
	defer ticker.Stop()
	for {
		acquired, err := locker.client.SetNX(ctx, redisKey, token, locker.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis lock %s: %w", key, err)
		}
		if acquired {
			return func() { locker.unlock(redisKey, token) }, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (locker *Redis) unlock(redisKey string, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := locker.release.Run(ctx, locker.client, []string{redisKey}, token).Err(); err != nil && err != redis.Nil {
		locker.logger.Warn("redis lock release failed", zap.String("key", redisKey), zap.Error(err))
	}
}
