package sessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const selectColumns = `id, class_id, starts_at, ends_at, status, qr_token`

// PostgresRepository persists sessions in Postgres.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a repo.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Get returns a session by id.
func (r *PostgresRepository) Get(ctx context.Context, id string) (Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM sessions WHERE id = $1`, id)
	return scanSession(row)
}

// GetByToken returns the session a QR token resolves to.
func (r *PostgresRepository) GetByToken(ctx context.Context, token string) (Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM sessions WHERE qr_token = $1`, token)
	return scanSession(row)
}

// Create inserts a session.
func (r *PostgresRepository) Create(ctx context.Context, s Session) error {
	if s.Status == "" {
		s.Status = StatusActive
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, class_id, starts_at, ends_at, status, qr_token)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, s.ID, s.ClassID, s.StartsAt, s.EndsAt, s.Status, s.QRToken)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// CloseExpired moves every active session whose end has passed to closed.
func (r *PostgresRepository) CloseExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET status = 'closed'
		WHERE status = 'active' AND ends_at IS NOT NULL AND ends_at <= $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("close expired sessions: %w", err)
	}
	return res.RowsAffected()
}

// Scanner is implemented by *sql.Row and *sql.Rows.
type Scanner interface {
	Scan(dest ...any) error
}

// ScanRow reads a session in selectColumns order; the attendance repository
// uses it for its locked read.
func ScanRow(row Scanner) (Session, error) {
	return scanSession(row)
}

func scanSession(row Scanner) (Session, error) {
	var (
		s    Session
		ends sql.NullTime
	)
	if err := row.Scan(&s.ID, &s.ClassID, &s.StartsAt, &ends, &s.Status, &s.QRToken); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("scan session: %w", err)
	}
	if ends.Valid {
		t := ends.Time
		s.EndsAt = &t
	}
	return s, nil
}
