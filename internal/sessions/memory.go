package sessions

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryRepository keeps sessions in process memory for dev/testing.
type MemoryRepository struct {
	mu   sync.RWMutex
	byID map[string]Session
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byID: make(map[string]Session)}
}

func (r *MemoryRepository) Get(_ context.Context, id string) (Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

func (r *MemoryRepository) GetByToken(_ context.Context, token string) (Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.byID {
		if s.QRToken == token {
			return s, nil
		}
	}
	return Session{}, ErrNotFound
}

func (r *MemoryRepository) Create(_ context.Context, s Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[s.ID]; ok {
		return fmt.Errorf("insert session: duplicate id %q", s.ID)
	}
	for _, existing := range r.byID {
		if existing.QRToken == s.QRToken {
			return fmt.Errorf("insert session: duplicate qr token")
		}
	}
	if s.Status == "" {
		s.Status = StatusActive
	}
	r.byID[s.ID] = s
	return nil
}

func (r *MemoryRepository) CloseExpired(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, s := range r.byID {
		if s.Status == StatusActive && s.EndsAt != nil && !s.EndsAt.After(now) {
			s.Status = StatusClosed
			r.byID[id] = s
			n++
		}
	}
	return n, nil
}

// View runs fn with the session while holding the read lock, so callers can
// make a decision that the sweeper cannot interleave with.
func (r *MemoryRepository) View(id string, fn func(s Session, ok bool) error) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return fn(s, ok)
}
