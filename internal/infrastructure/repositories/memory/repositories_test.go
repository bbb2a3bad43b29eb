package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"beamdrop/internal/core/domain"
)

func TestDeviceRepository_AddIsUnique(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryDeviceRepository()

	d := &domain.Device{ID: "nj-1", DisplayName: "Phone", Kind: domain.DeviceAndroid, Liveness: domain.LivenessOnline}
	require.NoError(t, repo.Add(ctx, d))
	assert.ErrorIs(t, repo.Add(ctx, &domain.Device{ID: "nj-1"}), domain.ErrPeerIDTaken)

	devices, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, devices, 1)
}

func TestDeviceRepository_SetLiveness(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryDeviceRepository()
	t0 := time.Unix(100, 0)
	require.NoError(t, repo.Add(ctx, &domain.Device{ID: "nj-1", Liveness: domain.LivenessOnline, ConnectedAt: t0}))

	t1 := t0.Add(time.Minute)
	require.NoError(t, repo.SetLiveness(ctx, "nj-1", domain.LivenessOffline, t1))
	d, err := repo.GetByID(ctx, "nj-1")
	require.NoError(t, err)
	assert.Equal(t, domain.LivenessOffline, d.Liveness)
	assert.Equal(t, t0, d.ConnectedAt)
	assert.Equal(t, t1, d.LastSeen)

	t2 := t1.Add(time.Minute)
	require.NoError(t, repo.SetLiveness(ctx, "nj-1", domain.LivenessOnline, t2))
	assert.Equal(t, t2, d.ConnectedAt)
	assert.Equal(t, t0, d.FirstSeen)

	assert.ErrorIs(t, repo.SetLiveness(ctx, "nope", domain.LivenessOnline, t2), domain.ErrDeviceNotFound)
}

func TestDeviceRepository_ReconnectKeepsListPosition(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryDeviceRepository()
	t0 := time.Unix(100, 0)
	require.NoError(t, repo.Add(ctx, &domain.Device{ID: "nj-b", Liveness: domain.LivenessOnline, ConnectedAt: t0}))
	require.NoError(t, repo.Add(ctx, &domain.Device{ID: "nj-a", Liveness: domain.LivenessOnline, ConnectedAt: t0.Add(time.Second)}))

	require.NoError(t, repo.SetLiveness(ctx, "nj-b", domain.LivenessOffline, t0.Add(time.Minute)))
	require.NoError(t, repo.SetLiveness(ctx, "nj-b", domain.LivenessOnline, t0.Add(2*time.Minute)))

	devices, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, domain.PeerID("nj-b"), devices[0].ID)
	assert.Equal(t, domain.PeerID("nj-a"), devices[1].ID)
	assert.Equal(t, t0.Add(2*time.Minute), devices[0].ConnectedAt)
}

func localFile(id, name string) *domain.TransferFile {
	return domain.NewLocalFile(domain.FileID(id), domain.LocalFile{Name: name, MimeType: "text/plain", Data: []byte(name)}, time.Now())
}

func TestFileRepository_MostRecentFirst(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryFileRepository()

	require.NoError(t, repo.Prepend(ctx, localFile("a", "a.txt")))
	require.NoError(t, repo.Prepend(ctx, localFile("b", "b.txt")))
	require.NoError(t, repo.Prepend(ctx, localFile("c", "c.txt")))
	assert.ErrorIs(t, repo.Prepend(ctx, localFile("b", "dup.txt")), domain.ErrFileExists)

	files, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, domain.FileID("c"), files[0].ID)
	assert.Equal(t, domain.FileID("a"), files[2].ID)

	queued, err := repo.FindQueuedLocal(ctx)
	require.NoError(t, err)
	require.Len(t, queued, 3)
	assert.Equal(t, domain.FileID("a"), queued[0].ID, "queued files are returned oldest first")
}

func TestFileRepository_FindQueuedLocalSkipsOthers(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryFileRepository()

	require.NoError(t, repo.Prepend(ctx, localFile("a", "a.txt")))
	sent := localFile("b", "b.txt")
	sent.TransferState = domain.TransferCompleted
	require.NoError(t, repo.Prepend(ctx, sent))
	received := domain.NewReceivedFile("c", "c.txt", "text/plain", []byte("x"), "Me", "nj-1", time.Now())
	require.NoError(t, repo.Prepend(ctx, received))

	queued, err := repo.FindQueuedLocal(ctx)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, domain.FileID("a"), queued[0].ID)
}

func TestFileRepository_RemoveAndClear(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryFileRepository()
	require.NoError(t, repo.Prepend(ctx, localFile("a", "a.txt")))
	require.NoError(t, repo.Prepend(ctx, localFile("b", "b.txt")))

	removed, err := repo.Remove(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.FileID("a"), removed.ID)
	_, err = repo.Remove(ctx, "a")
	assert.ErrorIs(t, err, domain.ErrFileNotFound)

	cleared, err := repo.Clear(ctx)
	require.NoError(t, err)
	assert.Len(t, cleared, 1)
	files, _ := repo.List(ctx)
	assert.Empty(t, files)
}

func TestPresenceRepository_Lifecycle(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1000, 0)
	repo := &MemoryPresenceRepository{entries: map[domain.PeerID]presenceEntry{}, now: func() time.Time { return now }}

	require.NoError(t, repo.Register(ctx, "ns-1", "sig-a", time.Minute))
	assert.ErrorIs(t, repo.Register(ctx, "ns-1", "sig-b", time.Minute), domain.ErrPeerIDTaken)

	inst, err := repo.Lookup(ctx, "ns-1")
	require.NoError(t, err)
	assert.Equal(t, "sig-a", inst)

	assert.ErrorIs(t, repo.Refresh(ctx, "ns-1", "sig-b", time.Minute), domain.ErrPeerNotFound)
	require.NoError(t, repo.Refresh(ctx, "ns-1", "sig-a", time.Minute))

	require.NoError(t, repo.Unregister(ctx, "ns-1", "sig-b"))
	_, err = repo.Lookup(ctx, "ns-1")
	require.NoError(t, err, "unregister from another instance is ignored")

	now = now.Add(2 * time.Minute)
	_, err = repo.Lookup(ctx, "ns-1")
	assert.ErrorIs(t, err, domain.ErrPeerNotFound)
	require.NoError(t, repo.Register(ctx, "ns-1", "sig-b", time.Minute))

	require.NoError(t, repo.Takeover(ctx, "ns-1", "sig-c", time.Minute))
	inst, _ = repo.Lookup(ctx, "ns-1")
	assert.Equal(t, "sig-c", inst)
}
