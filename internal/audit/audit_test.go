package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/incogx/Facer-app/internal/attendance"
	"github.com/incogx/Facer-app/internal/face"
	"github.com/incogx/Facer-app/internal/queue"
)

var fixed = time.Date(2026, 3, 2, 9, 56, 0, 0, time.UTC)

func TestPublisherToConsumer(t *testing.T) {
	q := queue.NewInMemory(8)
	pub := NewPublisher(q, zap.NewNop())
	pub.now = func() time.Time { return fixed }

	ctx := context.Background()
	req := attendance.CommitRequest{StudentID: "stu-1", ClassID: "C1", SessionID: "S1", Method: "qr+face", Confidence: 0.82}
	pub.CommitDecided(ctx, req, attendance.Result{Status: attendance.StatusOK, Message: "attendance marked"})
	pub.VerificationDone(ctx, "stu-1", face.Result{Confidence: 0.6}, nil)
	pub.VerificationDone(ctx, "stu-1", face.Result{}, face.ErrNoFaceDetected)

	rec := NewMemoryRecorder()
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- NewConsumer(q, rec, zap.NewNop()).Run(runCtx) }()

	require.Eventually(t, func() bool { return len(rec.Events()) == 3 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	events := rec.Events()
	assert.Equal(t, KindCommit, events[0].Kind)
	assert.Equal(t, "ok", events[0].Outcome)
	assert.Equal(t, "S1", events[0].SessionID)
	require.NotNil(t, events[0].Confidence)
	assert.Equal(t, 0.82, *events[0].Confidence)
	assert.True(t, events[0].CreatedAt.Equal(fixed))

	assert.Equal(t, KindVerification, events[1].Kind)
	assert.Equal(t, "mismatch", events[1].Outcome)

	assert.Equal(t, "no_face", events[2].Outcome)
	assert.Nil(t, events[2].Confidence)
	assert.Contains(t, events[2].Detail, "no face")
}

type brokenQueue struct{ queue.InMemory }

func (brokenQueue) Publish(context.Context, queue.Message) error { return errors.New("redis down") }

func TestPublisherSwallowsErrors(t *testing.T) {
	pub := NewPublisher(&brokenQueue{}, zap.NewNop())
	assert.NotPanics(t, func() {
		pub.CommitDecided(context.Background(), attendance.CommitRequest{StudentID: "stu-1"}, attendance.Result{Status: "error"})
	})
}

func TestPublisherIgnoresCallerCancellation(t *testing.T) {
	q := queue.NewInMemory(1)
	pub := NewPublisher(q, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pub.VerificationDone(ctx, "stu-1", face.Result{Confidence: 0.9, Match: true}, nil)

	out, err := q.Consume(context.Background())
	require.NoError(t, err)
	select {
	case msg := <-out:
		assert.Equal(t, KindVerification, msg.Type)
	case <-time.After(time.Second):
		t.Fatal("event was not published")
	}
}

func TestConsumerHandleRejectsBadMessages(t *testing.T) {
	c := NewConsumer(queue.NewInMemory(1), NewMemoryRecorder(), zap.NewNop())
	ctx := context.Background()

	assert.ErrorContains(t, c.Handle(ctx, queue.Message{Type: "checkin", Body: []byte(`{}`)}), "unknown message type")
	assert.ErrorContains(t, c.Handle(ctx, queue.Message{Type: KindCommit, Body: []byte(`not json`)}), "decode")
	assert.ErrorContains(t, c.Handle(ctx, queue.Message{Type: KindCommit, Body: []byte(`{"id":""}`)}), "missing")
}

func TestMemoryRecorderDeduplicates(t *testing.T) {
	rec := NewMemoryRecorder()
	e := Event{ID: "e-1", Kind: KindCommit, StudentID: "stu-1"}
	require.NoError(t, rec.Record(context.Background(), e))
	require.NoError(t, rec.Record(context.Background(), e))
	assert.Len(t, rec.Events(), 1)
}

func TestPostgresRecorder(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	conf := 0.82
	e := Event{ID: "e-1", Kind: KindCommit, StudentID: "stu-1", SessionID: "S1", Outcome: "ok", Confidence: &conf, CreatedAt: fixed}
	mock.ExpectExec("INSERT INTO attendance_audit").
		WithArgs("e-1", KindCommit, "stu-1", "S1", "ok", sqlmock.AnyArg(), "", fixed).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, NewPostgresRecorder(db).Record(context.Background(), e))
	require.NoError(t, mock.ExpectationsWereMet())
}
