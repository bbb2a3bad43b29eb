package repositories

import (
	"context"

	"beamdrop/internal/core/ports"
	"beamdrop/internal/infrastructure/repositories/memory"
	redisrepo "beamdrop/internal/infrastructure/repositories/redis"
	"beamdrop/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"

	redisConnectAttempts = 3
)

// Stores holds the repositories a process runs with. The device directory
// and file list belong to one session and are always in memory; presence
// moves to Redis when it is configured so broker instances share it.
type Stores struct {
	Devices  ports.DeviceRepository
	Files    ports.FileRepository
	Presence ports.PresenceRepository

	backend string
	redis   *redis.Client
}

// Open builds the stores for cfg. An unreachable Redis is logged and the
// presence store falls back to memory.
func Open(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) *Stores {
	s := &Stores{
		Devices:  memory.NewMemoryDeviceRepository(),
		Files:    memory.NewMemoryFileRepository(),
		Presence: memory.NewMemoryPresenceRepository(),
		backend:  BackendMemory,
	}
	if !cfg.Redis.Enabled {
		logger.Infow("presence store ready", "backend", s.backend)
		return s
	}

	client, err := redisrepo.NewClient(ctx, redisrepo.ClientConfig{
		Address:         cfg.Redis.Address,
		Password:        cfg.Redis.Password,
		DB:              cfg.Redis.DB,
		PoolSize:        cfg.Redis.PoolSize,
		ConnectAttempts: redisConnectAttempts,
	}, logger)
	if err != nil {
		logger.Warnw("redis unavailable, keeping presence in memory", "address", cfg.Redis.Address, "error", err)
		return s
	}

	s.redis = client
	s.backend = BackendRedis
	s.Presence = redisrepo.NewRedisPresenceRepository(client)
	logger.Infow("presence store ready", "backend", s.backend)
	return s
}

func (s *Stores) Backend() string { return s.backend }

// Redis returns the shared client, or nil when presence is in memory.
func (s *Stores) Redis() *redis.Client { return s.redis }

func (s *Stores) Close() error {
	if s.redis == nil {
		return nil
	}
	err := s.redis.Close()
	s.redis = nil
	return err
}
