package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"beamdrop/internal/core/domain"
	"beamdrop/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const presencePrefix = "beamdrop:presence:"

// Compare-and-act scripts keep a stale instance from touching a key that
// another instance has taken over.
var (
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	unregisterScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisPresenceRepository shares broker registrations between signaling
// instances. Each key holds the owning instance id and expires unless refreshed.
type RedisPresenceRepository struct {
	client *redis.Client
}

func NewRedisPresenceRepository(client *redis.Client) ports.PresenceRepository {
	return &RedisPresenceRepository{client: client}
}

func presenceKey(peerID domain.PeerID) string {
	return presencePrefix + string(peerID)
}

func (r *RedisPresenceRepository) Register(ctx context.Context, peerID domain.PeerID, instanceID string, ttl time.Duration) error {
	ok, err := r.client.SetNX(ctx, presenceKey(peerID), instanceID, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to register peer %s: %w", peerID, err)
	}
	if !ok {
		return domain.ErrPeerIDTaken
	}
	return nil
}

func (r *RedisPresenceRepository) Takeover(ctx context.Context, peerID domain.PeerID, instanceID string, ttl time.Duration) error {
	if err := r.client.Set(ctx, presenceKey(peerID), instanceID, ttl).Err(); err != nil {
		return fmt.Errorf("failed to take over peer %s: %w", peerID, err)
	}
	return nil
}

func (r *RedisPresenceRepository) Refresh(ctx context.Context, peerID domain.PeerID, instanceID string, ttl time.Duration) error {
	n, err := refreshScript.Run(ctx, r.client, []string{presenceKey(peerID)}, instanceID, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to refresh peer %s: %w", peerID, err)
	}
	if n == 0 {
		return domain.ErrPeerNotFound
	}
	return nil
}

func (r *RedisPresenceRepository) Unregister(ctx context.Context, peerID domain.PeerID, instanceID string) error {
	if err := unregisterScript.Run(ctx, r.client, []string{presenceKey(peerID)}, instanceID).Err(); err != nil {
		return fmt.Errorf("failed to unregister peer %s: %w", peerID, err)
	}
	return nil
}

func (r *RedisPresenceRepository) Lookup(ctx context.Context, peerID domain.PeerID) (string, error) {
	instanceID, err := r.client.Get(ctx, presenceKey(peerID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", domain.ErrPeerNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up peer %s: %w", peerID, err)
	}
	return instanceID, nil
}
