package redis

import (
	"context"
	"fmt"
	"time"

	"beamdrop/pkg/retry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type ClientConfig struct {
	Address  string
	Password string
	DB       int
	PoolSize int
	// ConnectAttempts bounds the startup pings; zero pings once.
	ConnectAttempts int
}

// NewClient opens a pooled client and waits for the server to answer a ping.
func NewClient(ctx context.Context, cfg ClientConfig, logger *zap.SugaredLogger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})

	policy := retry.Default()
	policy.Attempts = cfg.ConnectAttempts
	policy.Initial = 200 * time.Millisecond
	policy.Stop = []error{context.Canceled}

	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return client.Ping(pingCtx).Err()
	})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("redis %s unreachable: %w", cfg.Address, err)
	}

	if logger != nil {
		logger.Infow("connected to redis",
			"address", cfg.Address,
			"db", cfg.DB,
			"pool_size", cfg.PoolSize,
		)
	}
	return client, nil
}
