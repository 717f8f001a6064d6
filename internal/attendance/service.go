package attendance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/incogx/Facer-app/internal/metrics"
)

// Commit statuses as they appear on the wire.
const (
	StatusOK            = "ok"
	StatusDuplicate     = "duplicate"
	StatusSessionClosed = "session_closed"
	StatusError         = "error"
)

// DefaultMethod tags marks made through the scan + face flow.
const DefaultMethod = "qr+face"

var (
	ErrInvalidRequest  = errors.New("invalid attendance request")
	ErrSessionNotFound = errors.New("session not found")
	ErrClassMismatch   = errors.New("class does not match session")
)

// Outcome is what the repository did with a commit.
type Outcome int

const (
	OutcomeMarked Outcome = iota
	OutcomeDuplicate
	OutcomeSessionClosed
)

// Mark is one recorded attendance. Marks are never updated or deleted.
type Mark struct {
	ID         string    `json:"id"`
	StudentID  string    `json:"student_id"`
	SessionID  string    `json:"session_id"`
	ClassID    string    `json:"class_id"`
	MarkedAt   time.Time `json:"marked_at"`
	Method     string    `json:"method"`
	Confidence float64   `json:"confidence"`
}

// CommitRequest asks for one mark for (StudentID, SessionID).
type CommitRequest struct {
	StudentID  string
	ClassID    string
	SessionID  string
	Method     string
	Confidence float64
}

// Result is returned for every commit that reached a decision.
type Result struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Mark    *Mark  `json:"mark,omitempty"`
}

// Stats summarises today's attendance for one student.
type Stats struct {
	Attended  int `json:"attended"`
	Remaining int `json:"remaining"`
}

// Repository persists marks. Commit must be atomic with respect to other
// commits for the same (student, session) and to session state changes.
type Repository interface {
	Commit(ctx context.Context, m Mark, now time.Time) (Outcome, error)
	ListByStudent(ctx context.Context, studentID string, limit, offset int) ([]Mark, error)
	CountSince(ctx context.Context, studentID string, since time.Time) (int, error)
}

// Publisher receives a notification for every commit decision.
type Publisher interface {
	CommitDecided(ctx context.Context, req CommitRequest, res Result)
}

// Service coordinates attendance commits.
type Service struct {
	repo        Repository
	publisher   Publisher
	dailyTarget int
	now         func() time.Time
	log         *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithPublisher sets the audit publisher.
func WithPublisher(p Publisher) Option { return func(s *Service) { s.publisher = p } }

// WithDailyTarget sets the number of classes expected per day.
func WithDailyTarget(n int) Option { return func(s *Service) { s.dailyTarget = n } }

// NewService creates a service backed by a repository.
func NewService(repo Repository, log *zap.Logger, opts ...Option) *Service {
	s := &Service{repo: repo, dailyTarget: 4, now: time.Now, log: log}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Commit records one attendance mark. Duplicates and closed sessions are
// results, not errors; an error means no decision was reached and no mark
// was written.
func (s *Service) Commit(ctx context.Context, req CommitRequest) (Result, error) {
	if err := normalize(&req); err != nil {
		metrics.AttendanceCommits.WithLabelValues(StatusError).Inc()
		return Result{}, err
	}

	now := s.now().UTC()
	mark := Mark{
		ID:         uuid.NewString(),
		StudentID:  req.StudentID,
		SessionID:  req.SessionID,
		ClassID:    req.ClassID,
		MarkedAt:   now,
		Method:     req.Method,
		Confidence: req.Confidence,
	}

	outcome, err := s.repo.Commit(ctx, mark, now)
	if err != nil {
		metrics.AttendanceCommits.WithLabelValues(StatusError).Inc()
		s.log.Warn("attendance commit failed",
			zap.String("student_id", req.StudentID),
			zap.String("session_id", req.SessionID),
			zap.Error(err))
		s.publish(ctx, req, Result{Status: StatusError, Message: err.Error()})
		return Result{}, err
	}

	var res Result
	switch outcome {
	case OutcomeMarked:
		res = Result{Status: StatusOK, Message: "attendance marked", Mark: &mark}
	case OutcomeDuplicate:
		res = Result{Status: StatusDuplicate, Message: "attendance already recorded for this session"}
	case OutcomeSessionClosed:
		res = Result{Status: StatusSessionClosed, Message: "session is not open for attendance"}
	}
	metrics.AttendanceCommits.WithLabelValues(res.Status).Inc()
	s.log.Info("attendance commit",
		zap.String("student_id", req.StudentID),
		zap.String("session_id", req.SessionID),
		zap.String("status", res.Status))
	s.publish(ctx, req, res)
	return res, nil
}

// List returns the student's marks, newest first.
func (s *Service) List(ctx context.Context, studentID string, limit, offset int) ([]Mark, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListByStudent(ctx, studentID, limit, offset)
}

// Today counts marks since local midnight against the daily target.
func (s *Service) Today(ctx context.Context, studentID string) (Stats, error) {
	now := s.now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	n, err := s.repo.CountSince(ctx, studentID, midnight.UTC())
	if err != nil {
		return Stats{}, err
	}
	return Stats{Attended: n, Remaining: max(0, s.dailyTarget-n)}, nil
}

func (s *Service) publish(ctx context.Context, req CommitRequest, res Result) {
	if s.publisher != nil {
		s.publisher.CommitDecided(ctx, req, res)
	}
}

func normalize(req *CommitRequest) error {
	req.StudentID = strings.TrimSpace(req.StudentID)
	req.ClassID = strings.TrimSpace(req.ClassID)
	req.SessionID = strings.TrimSpace(req.SessionID)
	req.Method = strings.TrimSpace(req.Method)
	switch {
	case req.StudentID == "":
		return fmt.Errorf("%w: student_id required", ErrInvalidRequest)
	case req.ClassID == "":
		return fmt.Errorf("%w: class_id required", ErrInvalidRequest)
	case req.SessionID == "":
		return fmt.Errorf("%w: session_id required", ErrInvalidRequest)
	case math.IsNaN(req.Confidence) || req.Confidence < 0 || req.Confidence > 1:
		return fmt.Errorf("%w: confidence must be within [0,1]", ErrInvalidRequest)
	}
	if req.Method == "" {
		req.Method = DefaultMethod
	}
	return nil
}
