// Package ratelimit holds the redis-backed coordination primitives.
// Today that is the scheduler's single-flight lock; when REDIS_ADDR is
// unset the provider yields a nil locker and callers degrade to local
// execution.
package ratelimit

import (
	"context"

	"github.com/meterbill/meterbill/internal/config"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("rate.limit",
	fx.Provide(NewRedisClient),
	fx.Provide(NewLocker),
)

func NewRedisClient(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := client.Ping(ctx).Err(); err != nil {
				// Degraded, not fatal: jobs run without the lock.
				log.Warn("redis unreachable, scheduler lock disabled",
					zap.String("addr", cfg.RedisAddr),
					zap.Error(err),
				)
			}
			return nil
		},
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})

	return client
}
