// Package audit records what happened to every verification and commit.
// Events travel over the queue and are persisted by the worker.
package audit

import (
	"time"

	"github.com/google/uuid"

	"github.com/incogx/Facer-app/internal/attendance"
	"github.com/incogx/Facer-app/internal/face"
)

// Event kinds, also used as queue message types.
const (
	KindCommit       = "commit"
	KindVerification = "verification"
)

// Event is one row of attendance_audit.
type Event struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	StudentID  string    `json:"student_id"`
	SessionID  string    `json:"session_id,omitempty"`
	Outcome    string    `json:"outcome"`
	Confidence *float64  `json:"confidence,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// CommitEvent describes an attendance commit decision.
func CommitEvent(req attendance.CommitRequest, res attendance.Result, at time.Time) Event {
	conf := req.Confidence
	return Event{
		ID:         uuid.NewString(),
		Kind:       KindCommit,
		StudentID:  req.StudentID,
		SessionID:  req.SessionID,
		Outcome:    res.Status,
		Confidence: &conf,
		Detail:     res.Message,
		CreatedAt:  at.UTC(),
	}
}

// VerificationEvent describes one face verification.
func VerificationEvent(studentID string, res face.Result, err error, at time.Time) Event {
	e := Event{
		ID:        uuid.NewString(),
		Kind:      KindVerification,
		StudentID: studentID,
		Outcome:   face.Outcome(res, err),
		CreatedAt: at.UTC(),
	}
	if err != nil {
		e.Detail = err.Error()
	} else {
		conf := res.Confidence
		e.Confidence = &conf
	}
	return e
}
