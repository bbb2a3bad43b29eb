package memory

import (
	"context"
	"sync"
	"time"

	"beamdrop/internal/core/domain"
	"beamdrop/internal/core/ports"
)

type presenceEntry struct {
	instanceID string
	expiresAt  time.Time
}

// MemoryPresenceRepository tracks broker registrations for a single
// signaling instance. Entries expire like their Redis counterparts.
type MemoryPresenceRepository struct {
	mu      sync.Mutex
	entries map[domain.PeerID]presenceEntry
	now     func() time.Time
}

func NewMemoryPresenceRepository() ports.PresenceRepository {
	return &MemoryPresenceRepository{
		entries: make(map[domain.PeerID]presenceEntry),
		now:     time.Now,
	}
}

func (r *MemoryPresenceRepository) live(peerID domain.PeerID) (presenceEntry, bool) {
	e, ok := r.entries[peerID]
	if !ok {
		return presenceEntry{}, false
	}
	if !r.now().Before(e.expiresAt) {
		delete(r.entries, peerID)
		return presenceEntry{}, false
	}
	return e, true
}

func (r *MemoryPresenceRepository) Register(ctx context.Context, peerID domain.PeerID, instanceID string, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.live(peerID); ok {
		return domain.ErrPeerIDTaken
	}
	r.entries[peerID] = presenceEntry{instanceID: instanceID, expiresAt: r.now().Add(ttl)}
	return nil
}

func (r *MemoryPresenceRepository) Takeover(ctx context.Context, peerID domain.PeerID, instanceID string, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[peerID] = presenceEntry{instanceID: instanceID, expiresAt: r.now().Add(ttl)}
	return nil
}

func (r *MemoryPresenceRepository) Refresh(ctx context.Context, peerID domain.PeerID, instanceID string, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.live(peerID)
	if !ok || e.instanceID != instanceID {
		return domain.ErrPeerNotFound
	}
	e.expiresAt = r.now().Add(ttl)
	r.entries[peerID] = e
	return nil
}

func (r *MemoryPresenceRepository) Unregister(ctx context.Context, peerID domain.PeerID, instanceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[peerID]; ok && e.instanceID == instanceID {
		delete(r.entries, peerID)
	}
	return nil
}

func (r *MemoryPresenceRepository) Lookup(ctx context.Context, peerID domain.PeerID) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.live(peerID)
	if !ok {
		return "", domain.ErrPeerNotFound
	}
	return e.instanceID, nil
}
