// Package flow drives one check-in on the client: scan a QR code, capture a
// face, verify, commit, and retry a bounded number of times.
package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/incogx/Facer-app/internal/attendance"
	"github.com/incogx/Facer-app/internal/credentials"
	"github.com/incogx/Facer-app/internal/face"
	"github.com/incogx/Facer-app/internal/qr"
)

// Defaults used when Config leaves a field zero.
const (
	DefaultMaxAttempts = 3
	DefaultCallTimeout = 10 * time.Second
)

var (
	ErrWrongState = errors.New("operation not allowed in current state")
	ErrBusy       = errors.New("verification in progress")
)

// State is a step of the check-in flow.
type State int

const (
	Scanning State = iota
	AwaitingCapture
	Captured
	Verifying
	Success
	Retry
	Failure
)

func (s State) String() string {
	switch s {
	case Scanning:
		return "scanning"
	case AwaitingCapture:
		return "awaiting_capture"
	case Captured:
		return "captured"
	case Verifying:
		return "verifying"
	case Success:
		return "success"
	case Retry:
		return "retry"
	case Failure:
		return "failure"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether the flow has finished.
func (s State) Terminal() bool { return s == Success || s == Failure }

// Reasons attached to an Outcome.
const (
	ReasonMarked         = "marked"
	ReasonDuplicate      = "duplicate"
	ReasonQRMalformed    = "qr_malformed"
	ReasonQRExpired      = "qr_expired"
	ReasonQRUnknown      = "qr_unknown"
	ReasonImageRejected  = "image_rejected"
	ReasonFaceMismatch   = "face_mismatch"
	ReasonSessionClosed  = "session_closed"
	ReasonCommitRejected = "commit_rejected"
	ReasonTimeout        = "timeout"
	ReasonUnavailable    = "unavailable"
)

// Backend is the server side of a check-in.
type Backend interface {
	ValidateQR(ctx context.Context, payload string) (qr.Validation, error)
	VerifyFace(ctx context.Context, studentID string, image []byte) (face.Result, error)
	CommitAttendance(ctx context.Context, req attendance.CommitRequest) (attendance.Result, error)
}

// Attempt records one counted verification failure or the final success.
type Attempt struct {
	Number     int
	Reason     string
	Confidence float64
	At         time.Time
}

// Outcome is what one Verify call produced.
type Outcome struct {
	State      State
	Reason     string
	Message    string
	Attempts   int
	Confidence float64
	Err        error
}

// Config tunes a Flow.
type Config struct {
	MaxAttempts int
	CallTimeout time.Duration
	Method      string
}

// Flow is one check-in. It is safe for concurrent use; the lock is never
// held across backend calls.
type Flow struct {
	backend Backend
	session credentials.Session
	cfg     Config
	log     *zap.Logger
	now     func() time.Time

	mu         sync.Mutex
	state      State
	processing bool
	payload    string
	image      []byte
	attempts   []Attempt
}

// New creates a flow acting for session, starting in Scanning.
func New(b Backend, session credentials.Session, cfg Config, log *zap.Logger) *Flow {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.Method == "" {
		cfg.Method = attendance.DefaultMethod
	}
	return &Flow{backend: b, session: session, cfg: cfg, log: log, now: time.Now, state: Scanning}
}

// State returns the current state.
func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Attempts returns the number of counted attempts so far.
func (f *Flow) Attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failures()
}

// History returns the attempts recorded in this flow.
func (f *Flow) History() []Attempt {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Attempt, len(f.attempts))
	copy(out, f.attempts)
	return out
}

// Payload returns the QR payload carried by the flow.
func (f *Flow) Payload() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.payload
}

// Decode accepts a scanned payload. Scans outside Scanning are ignored.
func (f *Flow) Decode(payload string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Scanning || f.processing || strings.TrimSpace(payload) == "" {
		return false
	}
	f.payload = payload
	f.image = nil
	f.attempts = nil
	f.state = AwaitingCapture
	return true
}

// Capture stores the face image for the next Verify.
func (f *Flow) Capture(image []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.processing {
		return ErrBusy
	}
	if f.state != AwaitingCapture {
		return ErrWrongState
	}
	if len(image) == 0 {
		return face.ErrInvalidImage
	}
	f.image = image
	f.state = Captured
	return nil
}

// Retry discards the image and waits for a new capture, keeping the payload
// and the attempt count.
func (f *Flow) Retry() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.processing {
		return ErrBusy
	}
	if f.state != Retry {
		return ErrWrongState
	}
	f.image = nil
	f.state = AwaitingCapture
	return nil
}

// Restart leaves a finished flow and goes back to Scanning.
func (f *Flow) Restart() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.processing {
		return ErrBusy
	}
	if !f.state.Terminal() {
		return ErrWrongState
	}
	f.payload = ""
	f.image = nil
	f.attempts = nil
	f.state = Scanning
	return nil
}

// Verify runs validation, face verification and commit for the captured
// image. The returned error is only ErrBusy or ErrWrongState; server-side
// failures are reported in the Outcome.
func (f *Flow) Verify(ctx context.Context) (Outcome, error) {
	f.mu.Lock()
	if f.processing {
		f.mu.Unlock()
		return Outcome{}, ErrBusy
	}
	if f.state != Captured {
		f.mu.Unlock()
		return Outcome{}, ErrWrongState
	}
	f.processing = true
	f.state = Verifying
	payload, image := f.payload, f.image
	f.mu.Unlock()

	res := f.run(ctx, payload, image)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.processing = false
	return f.apply(res), nil
}

// step is the raw result of one pass through the backend.
type step struct {
	kind       stepKind
	reason     string
	confidence float64
	message    string
	err        error
}

type stepKind int

const (
	stepSuccess stepKind = iota
	stepRecapture
	stepRescan
	stepFailed
)

func (f *Flow) run(ctx context.Context, payload string, image []byte) step {
	var v qr.Validation
	err := f.call(ctx, func(ctx context.Context) (err error) {
		v, err = f.backend.ValidateQR(ctx, payload)
		return err
	})
	if err != nil {
		return failedCall(err)
	}
	if !v.Valid {
		switch v.Reason {
		case qr.ReasonMalformed:
			return step{kind: stepRescan, reason: ReasonQRMalformed, message: "QR code not recognised. Scan again."}
		case qr.ReasonUnknownToken:
			return step{kind: stepFailed, reason: ReasonQRUnknown, message: "This QR code does not belong to any session."}
		default:
			return step{kind: stepFailed, reason: ReasonQRExpired, message: "This QR code has expired."}
		}
	}

	var fr face.Result
	err = f.call(ctx, func(ctx context.Context) (err error) {
		fr, err = f.backend.VerifyFace(ctx, f.session.StudentID, image)
		return err
	})
	if face.IsInputError(err) {
		msg := "No face detected. Capture again."
		if errors.Is(err, face.ErrImageTooLarge) {
			msg = "Image too large. Capture again."
		} else if errors.Is(err, face.ErrInvalidImage) {
			msg = "Image could not be read. Capture again."
		}
		return step{kind: stepRecapture, reason: ReasonImageRejected, message: msg, err: err}
	}
	if err != nil {
		return failedCall(err)
	}
	if !fr.Match {
		return step{kind: stepFailed, reason: ReasonFaceMismatch, confidence: fr.Confidence, message: "Face did not match."}
	}

	var cr attendance.Result
	err = f.call(ctx, func(ctx context.Context) (err error) {
		cr, err = f.backend.CommitAttendance(ctx, attendance.CommitRequest{
			StudentID:  f.session.StudentID,
			ClassID:    v.ClassID,
			SessionID:  v.SessionID,
			Method:     f.cfg.Method,
			Confidence: fr.Confidence,
		})
		return err
	})
	if err != nil {
		return failedCall(err)
	}
	switch cr.Status {
	case attendance.StatusOK:
		return step{kind: stepSuccess, reason: ReasonMarked, confidence: fr.Confidence, message: "Attendance marked."}
	case attendance.StatusDuplicate:
		return step{kind: stepSuccess, reason: ReasonDuplicate, confidence: fr.Confidence, message: "Attendance already recorded for this session."}
	case attendance.StatusSessionClosed:
		return step{kind: stepFailed, reason: ReasonSessionClosed, confidence: fr.Confidence, message: "The session has closed."}
	default:
		return step{kind: stepFailed, reason: ReasonCommitRejected, confidence: fr.Confidence, message: "Attendance could not be recorded: " + cr.Message}
	}
}

// call runs fn under its own timeout.
func (f *Flow) call(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.CallTimeout)
	defer cancel()
	err := fn(ctx)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return err
}

func failedCall(err error) step {
	if errors.Is(err, context.DeadlineExceeded) {
		return step{kind: stepFailed, reason: ReasonTimeout, message: "The server did not respond in time.", err: err}
	}
	return step{kind: stepFailed, reason: ReasonUnavailable, message: "The server could not be reached.", err: err}
}

// apply performs the transition for res. Callers hold f.mu.
func (f *Flow) apply(res step) Outcome {
	out := Outcome{Reason: res.reason, Message: res.message, Confidence: res.confidence, Err: res.err}
	switch res.kind {
	case stepSuccess:
		f.attempts = append(f.attempts, Attempt{Number: len(f.attempts) + 1, Reason: res.reason, Confidence: res.confidence, At: f.now()})
		f.image = nil
		f.state = Success
	case stepRecapture:
		f.image = nil
		f.state = AwaitingCapture
	case stepRescan:
		f.payload = ""
		f.image = nil
		f.state = Scanning
	case stepFailed:
		f.attempts = append(f.attempts, Attempt{Number: len(f.attempts) + 1, Reason: res.reason, Confidence: res.confidence, At: f.now()})
		if f.failures() < f.cfg.MaxAttempts {
			f.state = Retry
			out.Message = fmt.Sprintf("%s Attempt %d of %d.", res.message, f.failures(), f.cfg.MaxAttempts)
		} else {
			f.state = Failure
			out.Message = fmt.Sprintf("%s Verification failed %d times. Please contact your instructor.", res.message, f.failures())
			f.image = nil
		}
	}
	out.State = f.state
	out.Attempts = f.failures()

	f.log.Info("check-in step",
		zap.String("state", f.state.String()),
		zap.String("reason", res.reason),
		zap.Int("attempts", out.Attempts),
		zap.Error(res.err))
	return out
}

// failures counts the attempts that did not succeed. Callers hold f.mu.
func (f *Flow) failures() int {
	n := 0
	for _, a := range f.attempts {
		if a.Reason != ReasonMarked && a.Reason != ReasonDuplicate {
			n++
		}
	}
	return n
}
