package attendance

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/incogx/Facer-app/internal/sessions"
)

type markKey struct {
	student string
	session string
}

// MemoryRepository keeps marks in process memory for dev/testing. The
// session read and the insert happen under one lock.
type MemoryRepository struct {
	sessions *sessions.MemoryRepository

	mu    sync.Mutex
	marks map[markKey]Mark
}

// NewMemoryRepository creates a repo that checks windows against s.
func NewMemoryRepository(s *sessions.MemoryRepository) *MemoryRepository {
	return &MemoryRepository{sessions: s, marks: make(map[markKey]Mark)}
}

func (r *MemoryRepository) Commit(_ context.Context, m Mark, now time.Time) (Outcome, error) {
	var outcome Outcome
	err := r.sessions.View(m.SessionID, func(s sessions.Session, ok bool) error {
		if !ok {
			return ErrSessionNotFound
		}
		if s.ClassID != m.ClassID {
			return ErrClassMismatch
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		key := markKey{student: m.StudentID, session: m.SessionID}
		if _, exists := r.marks[key]; exists {
			outcome = OutcomeDuplicate
			return nil
		}
		if !s.OpenAt(now) {
			outcome = OutcomeSessionClosed
			return nil
		}
		r.marks[key] = m
		outcome = OutcomeMarked
		return nil
	})
	return outcome, err
}

func (r *MemoryRepository) ListByStudent(_ context.Context, studentID string, limit, offset int) ([]Mark, error) {
	r.mu.Lock()
	res := []Mark{}
	for _, m := range r.marks {
		if m.StudentID == studentID {
			res = append(res, m)
		}
	}
	r.mu.Unlock()

	sort.Slice(res, func(i, j int) bool { return res[i].MarkedAt.After(res[j].MarkedAt) })
	if offset >= len(res) {
		return []Mark{}, nil
	}
	res = res[offset:]
	if limit > 0 && limit < len(res) {
		res = res[:limit]
	}
	return res, nil
}

func (r *MemoryRepository) CountSince(_ context.Context, studentID string, since time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.marks {
		if m.StudentID == studentID && !m.MarkedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored marks.
func (r *MemoryRepository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.marks)
}
