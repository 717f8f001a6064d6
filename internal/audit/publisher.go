package audit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/incogx/Facer-app/internal/attendance"
	"github.com/incogx/Facer-app/internal/face"
	"github.com/incogx/Facer-app/internal/queue"
)

const publishTimeout = 2 * time.Second

// Publisher pushes audit events onto the queue. Failures are logged and
// never reach the caller.
type Publisher struct {
	q   queue.Queue
	log *zap.Logger
	now func() time.Time
}

// NewPublisher creates a publisher on q.
func NewPublisher(q queue.Queue, log *zap.Logger) *Publisher {
	return &Publisher{q: q, log: log, now: time.Now}
}

// CommitDecided implements attendance.Publisher.
func (p *Publisher) CommitDecided(ctx context.Context, req attendance.CommitRequest, res attendance.Result) {
	p.Publish(ctx, CommitEvent(req, res, p.now()))
}

// VerificationDone records the outcome of a face verification.
func (p *Publisher) VerificationDone(ctx context.Context, studentID string, res face.Result, err error) {
	p.Publish(ctx, VerificationEvent(studentID, res, err, p.now()))
}

// Publish sends e, detached from the caller's cancellation.
func (p *Publisher) Publish(ctx context.Context, e Event) {
	msg, err := queue.NewMessage(e.Kind, e)
	if err != nil {
		p.log.Error("audit encode failed", zap.String("event_id", e.ID), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := p.q.Publish(ctx, msg); err != nil {
		p.log.Warn("audit publish failed",
			zap.String("event_id", e.ID),
			zap.String("kind", e.Kind),
			zap.Error(err))
	}
}
