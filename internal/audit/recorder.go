package audit

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// Recorder persists audit events.
type Recorder interface {
	Record(ctx context.Context, e Event) error
}

// PostgresRecorder writes to attendance_audit.
type PostgresRecorder struct {
	db *sql.DB
}

// NewPostgresRecorder creates a recorder.
func NewPostgresRecorder(db *sql.DB) *PostgresRecorder {
	return &PostgresRecorder{db: db}
}

// Record inserts e. Redelivered events are ignored.
func (r *PostgresRecorder) Record(ctx context.Context, e Event) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_audit (id, kind, student_id, session_id, outcome, confidence, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`, e.ID, e.Kind, e.StudentID, e.SessionID, e.Outcome, e.Confidence, e.Detail, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// MemoryRecorder keeps events in memory for dev/testing.
type MemoryRecorder struct {
	mu     sync.Mutex
	events []Event
	seen   map[string]struct{}
}

// NewMemoryRecorder creates an empty recorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{seen: make(map[string]struct{})}
}

func (r *MemoryRecorder) Record(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[e.ID]; ok {
		return nil
	}
	r.seen[e.ID] = struct{}{}
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of the recorded events in arrival order.
func (r *MemoryRecorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}
