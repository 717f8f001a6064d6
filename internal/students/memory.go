package students

import (
	"context"
	"sync"
	"time"
)

// MemoryRepository keeps students in process memory for dev/testing.
type MemoryRepository struct {
	mu    sync.RWMutex
	byID  map[string]Student
	byReg map[string]string
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byID: make(map[string]Student), byReg: make(map[string]string)}
}

func (r *MemoryRepository) Create(_ context.Context, s Student) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byReg[s.RegistrationNumber]; ok {
		return ErrDuplicateRegistration
	}
	r.byID[s.ID] = s
	r.byReg[s.RegistrationNumber] = s.ID
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (Student, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	if !ok {
		return Student{}, ErrNotFound
	}
	return s, nil
}

func (r *MemoryRepository) GetByRegistration(ctx context.Context, regNo string) (Student, error) {
	r.mu.RLock()
	id, ok := r.byReg[regNo]
	r.mu.RUnlock()
	if !ok {
		return Student{}, ErrNotFound
	}
	return r.Get(ctx, id)
}

func (r *MemoryRepository) SetFaceTemplate(_ context.Context, id, ref string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}
	if s.Enrolled() {
		return ErrAlreadyEnrolled
	}
	s.FaceTemplateRef = ref
	s.EnrolledAt = &at
	r.byID[id] = s
	return nil
}

type refreshToken struct {
	studentID string
	expiresAt time.Time
	revoked   bool
}

// MemoryTokenStore keeps refresh tokens in process memory.
type MemoryTokenStore struct {
	mu     sync.Mutex
	tokens map[string]refreshToken
}

// NewMemoryTokenStore creates an empty token store.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: make(map[string]refreshToken)}
}

func (t *MemoryTokenStore) Save(_ context.Context, studentID, token string, expiresAt time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tokens[token] = refreshToken{studentID: studentID, expiresAt: expiresAt}
	return nil
}

func (t *MemoryTokenStore) Consume(_ context.Context, token string, now time.Time) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rt, ok := t.tokens[token]
	if !ok || rt.revoked || !rt.expiresAt.After(now) {
		return "", ErrInvalidRefresh
	}
	rt.revoked = true
	t.tokens[token] = rt
	return rt.studentID, nil
}
