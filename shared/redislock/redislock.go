// Package redislock provides a Redis-backed per-key lock used to
// serialize processing of concurrent deliveries for the same file across
// worker instances.
package redislock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock key only when it still holds our token,
// so an expired lock re-acquired by another worker is never released by us
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

// Config holds lock behavior parameters
type Config struct {
	// TTL is the lock lease; it must exceed worst-case stage execution
	// so a crashed worker's lock expires instead of wedging the key.
	TTL time.Duration
	// RetryInterval is how often a blocked acquirer re-attempts.
	RetryInterval time.Duration
	// KeyPrefix namespaces lock keys in Redis.
	KeyPrefix string
}

// Locker acquires per-key leases in Redis via SET NX
type Locker struct {
	rdb    *redis.Client
	cfg    Config
	logger *slog.Logger
}

// New creates a Locker on an existing Redis client
func New(rdb *redis.Client, cfg Config, logger *slog.Logger) *Locker {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 100 * time.Millisecond
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "lock:"
	}

	return &Locker{rdb: rdb, cfg: cfg, logger: logger}
}

// Acquire blocks until the lock for key is held or ctx is done. The
// returned release function is safe to call once; it only releases the
// lease this call acquired.
func (l *Locker) Acquire(ctx context.Context, key string) (func(), error) {
	redisKey := l.cfg.KeyPrefix + key
	token := uuid.New().String()

	for {
		ok, err := l.rdb.SetNX(ctx, redisKey, token, l.cfg.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			release := func() {
				// Release uses a fresh context: the worker's context may
				// already be cancelled during shutdown.
				rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()

				if err := l.rdb.Eval(rctx, releaseScript, []string{redisKey}, token).Err(); err != nil {
					l.logger.Warn("Failed to release lock",
						slog.String("key", key),
						slog.String("error", err.Error()),
					)
				}
			}
			return release, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.cfg.RetryInterval):
		}
	}
}
