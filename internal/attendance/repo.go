package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/incogx/Facer-app/internal/dbx"
	"github.com/incogx/Facer-app/internal/sessions"
)

// PostgresRepository persists attendance marks in Postgres.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a repo.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Commit locks the session row for share, checks it, and inserts the mark.
// An existing mark is a duplicate even after the session has closed. The
// unique (student_id, session_id) constraint decides racing inserts.
func (r *PostgresRepository) Commit(ctx context.Context, m Mark, now time.Time) (Outcome, error) {
	var outcome Outcome
	err := dbx.WithTx(ctx, r.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id, class_id, starts_at, ends_at, status, qr_token
			FROM sessions WHERE id = $1
			FOR SHARE
		`, m.SessionID)
		s, err := sessions.ScanRow(row)
		if err != nil {
			if errors.Is(err, sessions.ErrNotFound) {
				return ErrSessionNotFound
			}
			return err
		}
		if s.ClassID != m.ClassID {
			return ErrClassMismatch
		}

		var exists bool
		err = tx.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM attendance_marks WHERE student_id = $1 AND session_id = $2)
		`, m.StudentID, m.SessionID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check mark: %w", err)
		}
		if exists {
			outcome = OutcomeDuplicate
			return nil
		}
		if !s.OpenAt(now) {
			outcome = OutcomeSessionClosed
			return nil
		}

		var id string
		err = tx.QueryRowContext(ctx, `
			INSERT INTO attendance_marks (id, student_id, session_id, class_id, marked_at, method, confidence)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (student_id, session_id) DO NOTHING
			RETURNING id
		`, m.ID, m.StudentID, m.SessionID, m.ClassID, m.MarkedAt, m.Method, m.Confidence).Scan(&id)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			outcome = OutcomeDuplicate
			return nil
		case err != nil:
			return fmt.Errorf("insert mark: %w", err)
		}
		outcome = OutcomeMarked
		return nil
	})
	if err != nil {
		return 0, err
	}
	return outcome, nil
}

// ListByStudent returns marks newest first.
func (r *PostgresRepository) ListByStudent(ctx context.Context, studentID string, limit, offset int) ([]Mark, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, student_id, session_id, class_id, marked_at, method, confidence
		FROM attendance_marks
		WHERE student_id = $1
		ORDER BY marked_at DESC
		LIMIT $2 OFFSET $3
	`, studentID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list marks: %w", err)
	}
	defer rows.Close()

	res := []Mark{}
	for rows.Next() {
		var m Mark
		if err := rows.Scan(&m.ID, &m.StudentID, &m.SessionID, &m.ClassID, &m.MarkedAt, &m.Method, &m.Confidence); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// CountSince counts the student's marks at or after since.
func (r *PostgresRepository) CountSince(ctx context.Context, studentID string, since time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM attendance_marks WHERE student_id = $1 AND marked_at >= $2
	`, studentID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count marks: %w", err)
	}
	return n, nil
}
