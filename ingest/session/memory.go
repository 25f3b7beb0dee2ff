package session

import (
	"sync"
)

// MemoryRepository keeps sessions in process memory. Sessions do not survive
// a restart; it is meant for tests and for callers that do not want resume
// across runs.
type MemoryRepository struct {
	mu       sync.Mutex
	sessions map[string]string
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		sessions: map[string]string{},
	}
}

// Get returns the upload id stored under key, or ErrNotFound.
func (r *MemoryRepository) Get(key string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	uploadID, ok := r.sessions[key]
	if !ok {
		return "", ErrNotFound
	}
	return uploadID, nil
}

// Put stores the upload id under key.
func (r *MemoryRepository) Put(key string, uploadID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions[key] = uploadID
	return nil
}

// Remove deletes the session under key.
func (r *MemoryRepository) Remove(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, key)
	return nil
}
