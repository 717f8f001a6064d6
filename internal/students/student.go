// Package students owns student identity: credentials, refresh tokens and
// the write-once face enrollment reference.
package students

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound              = errors.New("student not found")
	ErrDuplicateRegistration = errors.New("registration number already registered")
	ErrInvalidCredentials    = errors.New("invalid registration number or password")
	ErrAlreadyEnrolled       = errors.New("face already enrolled")
	ErrInvalidInput          = errors.New("invalid student input")
	ErrInvalidRefresh        = errors.New("refresh token invalid or already used")
)

// Student is one registered student.
type Student struct {
	ID                 string     `json:"id"`
	RegistrationNumber string     `json:"registration_number"`
	Name               string     `json:"name"`
	Email              string     `json:"email,omitempty"`
	Department         string     `json:"department,omitempty"`
	PasswordHash       string     `json:"-"`
	FaceTemplateRef    string     `json:"face_template_ref,omitempty"`
	EnrolledAt         *time.Time `json:"enrolled_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

// Enrolled reports whether a face template has been stored.
func (s Student) Enrolled() bool { return s.FaceTemplateRef != "" }

// Repository persists students.
type Repository interface {
	Create(ctx context.Context, s Student) error
	Get(ctx context.Context, id string) (Student, error)
	GetByRegistration(ctx context.Context, regNo string) (Student, error)
	// SetFaceTemplate stores ref only if none is stored yet.
	SetFaceTemplate(ctx context.Context, id, ref string, at time.Time) error
}

// TokenStore tracks issued refresh tokens.
type TokenStore interface {
	Save(ctx context.Context, studentID, token string, expiresAt time.Time) error
	// Consume revokes token and returns its owner if it was live at now.
	Consume(ctx context.Context, token string, now time.Time) (string, error)
}
