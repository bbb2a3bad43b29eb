package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"beamdrop/internal/core/domain"
	"beamdrop/internal/core/ports"
)

// MemoryDeviceRepository is the in-process device directory. Entries are
// never deleted.
type MemoryDeviceRepository struct {
	devices map[domain.PeerID]*domain.Device
	mu      sync.RWMutex
}

func NewMemoryDeviceRepository() ports.DeviceRepository {
	return &MemoryDeviceRepository{
		devices: make(map[domain.PeerID]*domain.Device),
	}
}

func (r *MemoryDeviceRepository) Add(ctx context.Context, device *domain.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.devices[device.ID]; exists {
		return domain.ErrPeerIDTaken
	}
	if device.FirstSeen.IsZero() {
		device.FirstSeen = device.ConnectedAt
	}
	r.devices[device.ID] = device
	return nil
}

func (r *MemoryDeviceRepository) GetByID(ctx context.Context, id domain.PeerID) (*domain.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	device, exists := r.devices[id]
	if !exists {
		return nil, domain.ErrDeviceNotFound
	}
	return device, nil
}

func (r *MemoryDeviceRepository) SetLiveness(ctx context.Context, id domain.PeerID, liveness domain.Liveness, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	device, exists := r.devices[id]
	if !exists {
		return domain.ErrDeviceNotFound
	}
	if liveness == domain.LivenessOnline && device.Liveness != domain.LivenessOnline {
		device.ConnectedAt = at
	}
	device.Liveness = liveness
	device.LastSeen = at
	return nil
}

// List returns devices in the order they first connected. Reconnecting does
// not move a device.
func (r *MemoryDeviceRepository) List(ctx context.Context) ([]*domain.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	devices := make([]*domain.Device, 0, len(r.devices))
	for _, d := range r.devices {
		devices = append(devices, d)
	}
	sort.Slice(devices, func(i, j int) bool {
		if devices[i].FirstSeen.Equal(devices[j].FirstSeen) {
			return devices[i].ID < devices[j].ID
		}
		return devices[i].FirstSeen.Before(devices[j].FirstSeen)
	})
	return devices, nil
}
