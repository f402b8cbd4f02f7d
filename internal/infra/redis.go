package infra

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/coin_custody/internal/config"
)

// NewRedisClient connects to the cache backing idempotency keys, login
// throttling, transition locks and transaction events.
func NewRedisClient(ctx context.Context, cfg config.Config) (*redis.Client, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis url is required")
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opt.ClientName == "" {
		opt.ClientName = cfg.AppName
	}
	if cfg.ConnectTimeout > 0 {
		opt.DialTimeout = cfg.ConnectTimeout
	}

	client := redis.NewClient(opt)

	pingCtx, cancel := withTimeout(ctx, cfg)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}
