// Package sessions is the read side of the class-session catalogue. Sessions
// are issued by an external scheduler; this package only looks them up,
// evaluates their time window and closes them once they have ended.
package sessions

import (
	"context"
	"errors"
	"time"
)

// Status values stored in sessions.status.
const (
	StatusActive = "active"
	StatusClosed = "closed"
)

// ErrNotFound is returned when no session matches the id or token.
var ErrNotFound = errors.New("session not found")

// Session is one scheduled class meeting.
type Session struct {
	ID       string     `json:"id"`
	ClassID  string     `json:"class_id"`
	StartsAt time.Time  `json:"starts_at"`
	EndsAt   *time.Time `json:"ends_at,omitempty"`
	Status   string     `json:"status"`
	QRToken  string     `json:"-"`
}

// OpenAt reports whether attendance may be marked at now. A session with an
// end is closed at and after that instant.
func (s Session) OpenAt(now time.Time) bool {
	if s.Status != StatusActive {
		return false
	}
	if now.Before(s.StartsAt) {
		return false
	}
	if s.EndsAt != nil && !now.Before(*s.EndsAt) {
		return false
	}
	return true
}

// Repository looks sessions up and applies the expiry transition.
type Repository interface {
	Get(ctx context.Context, id string) (Session, error)
	GetByToken(ctx context.Context, token string) (Session, error)
	Create(ctx context.Context, s Session) error
	CloseExpired(ctx context.Context, now time.Time) (int64, error)
}
