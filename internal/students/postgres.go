package students

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

// PostgresRepository persists students and refresh tokens in Postgres.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a repo.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, s Student) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO students (id, registration_number, name, email, department, password_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, s.ID, s.RegistrationNumber, s.Name, s.Email, s.Department, s.PasswordHash, s.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicateRegistration
		}
		return fmt.Errorf("insert student: %w", err)
	}
	return nil
}

const studentColumns = `id, registration_number, name, COALESCE(email, ''), COALESCE(department, ''),
	password_hash, COALESCE(face_template_ref, ''), enrolled_at, created_at`

func (r *PostgresRepository) Get(ctx context.Context, id string) (Student, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+studentColumns+` FROM students WHERE id = $1`, id)
	return scanStudent(row)
}

func (r *PostgresRepository) GetByRegistration(ctx context.Context, regNo string) (Student, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+studentColumns+` FROM students WHERE registration_number = $1`, regNo)
	return scanStudent(row)
}

// SetFaceTemplate writes the template reference once.
func (r *PostgresRepository) SetFaceTemplate(ctx context.Context, id, ref string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE students SET face_template_ref = $2, enrolled_at = $3
		WHERE id = $1 AND face_template_ref IS NULL
	`, id, ref, at)
	if err != nil {
		return fmt.Errorf("set face template: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return ErrAlreadyEnrolled
	}
	return nil
}

func scanStudent(row interface{ Scan(dest ...any) error }) (Student, error) {
	var (
		s          Student
		enrolledAt sql.NullTime
	)
	err := row.Scan(&s.ID, &s.RegistrationNumber, &s.Name, &s.Email, &s.Department,
		&s.PasswordHash, &s.FaceTemplateRef, &enrolledAt, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Student{}, ErrNotFound
		}
		return Student{}, fmt.Errorf("scan student: %w", err)
	}
	if enrolledAt.Valid {
		t := enrolledAt.Time
		s.EnrolledAt = &t
	}
	return s, nil
}

// PostgresTokenStore keeps refresh tokens in refresh_tokens.
type PostgresTokenStore struct {
	db *sql.DB
}

// NewPostgresTokenStore creates a token store.
func NewPostgresTokenStore(db *sql.DB) *PostgresTokenStore {
	return &PostgresTokenStore{db: db}
}

func (t *PostgresTokenStore) Save(ctx context.Context, studentID, token string, expiresAt time.Time) error {
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (token, student_id, expires_at)
		VALUES ($1, $2, $3)
	`, token, studentID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh token: %w", err)
	}
	return nil
}

// Consume revokes a live token in one statement, so a token rotates at most once.
func (t *PostgresTokenStore) Consume(ctx context.Context, token string, now time.Time) (string, error) {
	var studentID string
	err := t.db.QueryRowContext(ctx, `
		UPDATE refresh_tokens SET revoked = TRUE
		WHERE token = $1 AND revoked = FALSE AND expires_at > $2
		RETURNING student_id
	`, token, now).Scan(&studentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrInvalidRefresh
		}
		return "", fmt.Errorf("consume refresh token: %w", err)
	}
	return studentID, nil
}
