package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/incogx/Facer-app/internal/queue"
)

// Consumer drains the audit queue into a Recorder.
type Consumer struct {
	q   queue.Queue
	rec Recorder
	log *zap.Logger
}

// NewConsumer creates a consumer.
func NewConsumer(q queue.Queue, rec Recorder, log *zap.Logger) *Consumer {
	return &Consumer{q: q, rec: rec, log: log}
}

// Run processes messages until ctx is done or the queue closes.
func (c *Consumer) Run(ctx context.Context) error {
	messages, err := c.q.Consume(ctx)
	if err != nil {
		return fmt.Errorf("queue consume init: %w", err)
	}
	c.log.Info("audit consumer started")
	for msg := range messages {
		if err := c.Handle(ctx, msg); err != nil {
			c.log.Warn("audit message skipped", zap.String("type", msg.Type), zap.Error(err))
		}
	}
	c.log.Info("audit consumer stopped")
	return nil
}

// Handle records a single message.
func (c *Consumer) Handle(ctx context.Context, msg queue.Message) error {
	switch msg.Type {
	case KindCommit, KindVerification:
	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
	var e Event
	if err := json.Unmarshal(msg.Body, &e); err != nil {
		return fmt.Errorf("decode audit event: %w", err)
	}
	if e.ID == "" || e.StudentID == "" {
		return fmt.Errorf("audit event missing id or student")
	}
	return c.rec.Record(ctx, e)
}
