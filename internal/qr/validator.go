// Package qr validates scanned QR payloads against the session catalogue.
package qr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/incogx/Facer-app/internal/metrics"
	"github.com/incogx/Facer-app/internal/sessions"
)

// Reasons reported when a payload is not valid.
const (
	ReasonMalformed    = "malformed"
	ReasonUnknownToken = "unknown_token"
	ReasonExpired      = "expired"
)

// MaxPayloadLen bounds the accepted payload size in bytes.
const MaxPayloadLen = 512

// Validation is the outcome of checking one payload.
type Validation struct {
	Valid     bool   `json:"valid"`
	SessionID string `json:"session_id,omitempty"`
	ClassID   string `json:"class_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Validator resolves payloads to sessions. It never mutates state.
type Validator struct {
	sessions sessions.Repository
	now      func() time.Time
}

// NewValidator creates a validator reading from repo.
func NewValidator(repo sessions.Repository) *Validator {
	return &Validator{sessions: repo, now: time.Now}
}

// WithClock replaces the time source.
func (v *Validator) WithClock(now func() time.Time) *Validator {
	v.now = now
	return v
}

// Validate checks payload. Negative outcomes are reported in the Validation;
// the error is reserved for lookup failures.
func (v *Validator) Validate(ctx context.Context, payload string) (Validation, error) {
	token, ok := normalize(payload)
	if !ok {
		return v.reject(ReasonMalformed), nil
	}

	s, err := v.sessions.GetByToken(ctx, token)
	if err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			return v.reject(ReasonUnknownToken), nil
		}
		return Validation{}, fmt.Errorf("lookup qr token: %w", err)
	}
	if !s.OpenAt(v.now()) {
		return v.reject(ReasonExpired), nil
	}

	metrics.QRValidations.WithLabelValues("valid").Inc()
	return Validation{Valid: true, SessionID: s.ID, ClassID: s.ClassID}, nil
}

func (v *Validator) reject(reason string) Validation {
	metrics.QRValidations.WithLabelValues(reason).Inc()
	return Validation{Valid: false, Reason: reason}
}

func normalize(payload string) (string, bool) {
	token := strings.TrimSpace(payload)
	if token == "" || len(token) > MaxPayloadLen {
		return "", false
	}
	for _, r := range token {
		if unicode.IsSpace(r) || unicode.IsControl(r) || r == unicode.ReplacementChar {
			return "", false
		}
	}
	return token, true
}
