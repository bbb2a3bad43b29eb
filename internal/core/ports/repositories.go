package ports

import (
	"context"
	"time"

	"beamdrop/internal/core/domain"
)

type DeviceRepository interface {
	// Add stores a new device. It returns domain.ErrPeerIDTaken if the id is known.
	Add(ctx context.Context, device *domain.Device) error
	GetByID(ctx context.Context, id domain.PeerID) (*domain.Device, error)
	SetLiveness(ctx context.Context, id domain.PeerID, liveness domain.Liveness, at time.Time) error
	List(ctx context.Context) ([]*domain.Device, error)
}

// FileRepository keeps entries ordered most-recent-first.
type FileRepository interface {
	Prepend(ctx context.Context, file *domain.TransferFile) error
	GetByID(ctx context.Context, id domain.FileID) (*domain.TransferFile, error)
	Update(ctx context.Context, id domain.FileID, fn func(*domain.TransferFile) error) error
	List(ctx context.Context) ([]*domain.TransferFile, error)
	FindQueuedLocal(ctx context.Context) ([]*domain.TransferFile, error)
	Remove(ctx context.Context, id domain.FileID) (*domain.TransferFile, error)
	Clear(ctx context.Context) ([]*domain.TransferFile, error)
}

// PresenceRepository tracks which signaling broker instance holds a peer id.
type PresenceRepository interface {
	Register(ctx context.Context, peerID domain.PeerID, instanceID string, ttl time.Duration) error
	Takeover(ctx context.Context, peerID domain.PeerID, instanceID string, ttl time.Duration) error
	Refresh(ctx context.Context, peerID domain.PeerID, instanceID string, ttl time.Duration) error
	Unregister(ctx context.Context, peerID domain.PeerID, instanceID string) error
	Lookup(ctx context.Context, peerID domain.PeerID) (string, error)
}
