package memory

import (
	"context"
	"sync"

	"beamdrop/internal/core/domain"
	"beamdrop/internal/core/ports"
)

// MemoryFileRepository keeps file entries most-recent-first.
type MemoryFileRepository struct {
	mu    sync.RWMutex
	order []domain.FileID
	files map[domain.FileID]*domain.TransferFile
}

func NewMemoryFileRepository() ports.FileRepository {
	return &MemoryFileRepository{
		files: make(map[domain.FileID]*domain.TransferFile),
	}
}

func (r *MemoryFileRepository) Prepend(ctx context.Context, file *domain.TransferFile) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.files[file.ID]; exists {
		return domain.ErrFileExists
	}
	r.files[file.ID] = file
	r.order = append([]domain.FileID{file.ID}, r.order...)
	return nil
}

func (r *MemoryFileRepository) GetByID(ctx context.Context, id domain.FileID) (*domain.TransferFile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	file, exists := r.files[id]
	if !exists {
		return nil, domain.ErrFileNotFound
	}
	return file, nil
}

// Update applies fn to the entry under the write lock. A failing fn leaves
// the entry as fn left it; callers validate before mutating.
func (r *MemoryFileRepository) Update(ctx context.Context, id domain.FileID, fn func(*domain.TransferFile) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	file, exists := r.files[id]
	if !exists {
		return domain.ErrFileNotFound
	}
	return fn(file)
}

func (r *MemoryFileRepository) List(ctx context.Context) ([]*domain.TransferFile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	files := make([]*domain.TransferFile, 0, len(r.order))
	for _, id := range r.order {
		files = append(files, r.files[id])
	}
	return files, nil
}

// FindQueuedLocal returns local Queued entries oldest-first, the order in
// which they are sent.
func (r *MemoryFileRepository) FindQueuedLocal(ctx context.Context) ([]*domain.TransferFile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var queued []*domain.TransferFile
	for i := len(r.order) - 1; i >= 0; i-- {
		f := r.files[r.order[i]]
		if f.IsLocal() && f.TransferState == domain.TransferQueued {
			queued = append(queued, f)
		}
	}
	return queued, nil
}

func (r *MemoryFileRepository) Remove(ctx context.Context, id domain.FileID) (*domain.TransferFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	file, exists := r.files[id]
	if !exists {
		return nil, domain.ErrFileNotFound
	}
	delete(r.files, id)
	for i, fid := range r.order {
		if fid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return file, nil
}

func (r *MemoryFileRepository) Clear(ctx context.Context) ([]*domain.TransferFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	files := make([]*domain.TransferFile, 0, len(r.order))
	for _, id := range r.order {
		files = append(files, r.files[id])
	}
	r.files = make(map[domain.FileID]*domain.TransferFile)
	r.order = nil
	return files, nil
}
