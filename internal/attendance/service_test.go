package attendance

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/incogx/Facer-app/internal/sessions"
)

func at(h, m int) time.Time {
	return time.Date(2026, 3, 2, h, m, 0, 0, time.UTC)
}

type fixture struct {
	sessions *sessions.MemoryRepository
	repo     *MemoryRepository
	clock    time.Time
	pub      *recordingPublisher
	svc      *Service
}

type recordingPublisher struct {
	mu       sync.Mutex
	statuses []string
}

func (p *recordingPublisher) CommitDecided(_ context.Context, _ CommitRequest, res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses = append(p.statuses, res.Status)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{sessions: sessions.NewMemoryRepository(), clock: at(9, 56), pub: &recordingPublisher{}}
	end := at(10, 0)
	require.NoError(t, f.sessions.Create(context.Background(), sessions.Session{
		ID: "S1", ClassID: "C1", StartsAt: at(9, 0), EndsAt: &end, QRToken: "T1",
	}))
	f.repo = NewMemoryRepository(f.sessions)
	f.svc = NewService(f.repo, zap.NewNop(),
		WithClock(func() time.Time { return f.clock }),
		WithPublisher(f.pub))
	return f
}

func request(student string) CommitRequest {
	return CommitRequest{StudentID: student, ClassID: "C1", SessionID: "S1", Method: "qr+face", Confidence: 0.82}
}

func TestCommit_EndToEnd_OkThenDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Commit(ctx, request("stu-1"))
	require.NoError(t, err)
	assert.Equal(t, StatusOK, res.Status)
	require.NotNil(t, res.Mark)
	assert.Equal(t, "qr+face", res.Mark.Method)
	assert.Equal(t, 0.82, res.Mark.Confidence)
	assert.True(t, res.Mark.MarkedAt.Equal(at(9, 56)))

	f.clock = at(9, 57)
	res, err = f.svc.Commit(ctx, request("stu-1"))
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, res.Status)
	assert.Nil(t, res.Mark)

	assert.Equal(t, 1, f.repo.Len())
	assert.Equal(t, []string{StatusOK, StatusDuplicate}, f.pub.statuses)
}

func TestCommit_ConcurrentSameStudentCreatesOneMark(t *testing.T) {
	f := newFixture(t)
	const callers = 32

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		statuses = map[string]int{}
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.Commit(context.Background(), request("stu-1"))
			require.NoError(t, err)
			mu.Lock()
			statuses[res.Status]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, statuses[StatusOK])
	assert.Equal(t, callers-1, statuses[StatusDuplicate])
	assert.Equal(t, 1, f.repo.Len())
}

func TestCommit_DifferentStudentsSameSession(t *testing.T) {
	f := newFixture(t)
	for _, s := range []string{"stu-1", "stu-2"} {
		res, err := f.svc.Commit(context.Background(), request(s))
		require.NoError(t, err)
		assert.Equal(t, StatusOK, res.Status)
	}
	assert.Equal(t, 2, f.repo.Len())
}

func TestCommit_SessionWindowElapsed(t *testing.T) {
	f := newFixture(t)
	f.clock = at(10, 0)

	res, err := f.svc.Commit(context.Background(), request("stu-1"))
	require.NoError(t, err)
	assert.Equal(t, StatusSessionClosed, res.Status)
	assert.Zero(t, f.repo.Len())
}

func TestCommit_SessionClosedBySweeper(t *testing.T) {
	f := newFixture(t)
	_, err := f.sessions.CloseExpired(context.Background(), at(10, 30))
	require.NoError(t, err)
	f.clock = at(9, 58) // a client clock that lags the server does not reopen it

	res, err := f.svc.Commit(context.Background(), request("stu-1"))
	require.NoError(t, err)
	assert.Equal(t, StatusSessionClosed, res.Status)
	assert.Zero(t, f.repo.Len())
}

func TestCommit_RetryAfterCloseIsDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Commit(ctx, request("stu-1"))
	require.NoError(t, err)
	require.Equal(t, StatusOK, res.Status)

	// the first response was lost and the retry lands after the window
	f.clock = at(10, 1)
	res, err = f.svc.Commit(ctx, request("stu-1"))
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, res.Status)

	_, err = f.sessions.CloseExpired(ctx, at(10, 1))
	require.NoError(t, err)
	res, err = f.svc.Commit(ctx, request("stu-1"))
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, res.Status)

	res, err = f.svc.Commit(ctx, request("stu-2"))
	require.NoError(t, err)
	assert.Equal(t, StatusSessionClosed, res.Status, "no mark, so the window still applies")
	assert.Equal(t, 1, f.repo.Len())
}

func TestCommit_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		mut  func(*CommitRequest)
		want error
	}{
		{"missing student", func(r *CommitRequest) { r.StudentID = " " }, ErrInvalidRequest},
		{"missing session", func(r *CommitRequest) { r.SessionID = "" }, ErrInvalidRequest},
		{"missing class", func(r *CommitRequest) { r.ClassID = "" }, ErrInvalidRequest},
		{"confidence above one", func(r *CommitRequest) { r.Confidence = 1.2 }, ErrInvalidRequest},
		{"confidence NaN", func(r *CommitRequest) { r.Confidence = math.NaN() }, ErrInvalidRequest},
		{"unknown session", func(r *CommitRequest) { r.SessionID = "S404" }, ErrSessionNotFound},
		{"class mismatch", func(r *CommitRequest) { r.ClassID = "C2" }, ErrClassMismatch},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := request("stu-1")
			tc.mut(&req)
			_, err := f.svc.Commit(ctx, req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
	assert.Zero(t, f.repo.Len())
}

func TestCommit_DefaultsMethod(t *testing.T) {
	f := newFixture(t)
	req := request("stu-1")
	req.Method = ""
	res, err := f.svc.Commit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, DefaultMethod, res.Mark.Method)
}

type failingRepo struct{ Repository }

func (failingRepo) Commit(context.Context, Mark, time.Time) (Outcome, error) {
	return 0, errors.New("connection reset")
}

func TestCommit_InfrastructureErrorPublishesErrorStatus(t *testing.T) {
	pub := &recordingPublisher{}
	svc := NewService(failingRepo{}, zap.NewNop(), WithPublisher(pub))

	_, err := svc.Commit(context.Background(), request("stu-1"))
	require.Error(t, err)
	assert.Equal(t, []string{StatusError}, pub.statuses)
}

func TestListAndToday(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	end := at(12, 0)
	require.NoError(t, f.sessions.Create(ctx, sessions.Session{ID: "S2", ClassID: "C1", StartsAt: at(9, 0), EndsAt: &end, QRToken: "T2"}))

	_, err := f.svc.Commit(ctx, request("stu-1"))
	require.NoError(t, err)
	f.clock = at(11, 0)
	req := request("stu-1")
	req.SessionID = "S2"
	_, err = f.svc.Commit(ctx, req)
	require.NoError(t, err)

	marks, err := f.svc.List(ctx, "stu-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, marks, 2)
	assert.Equal(t, "S2", marks[0].SessionID, "newest first")

	marks, err = f.svc.List(ctx, "stu-1", 1, 1)
	require.NoError(t, err)
	require.Len(t, marks, 1)
	assert.Equal(t, "S1", marks[0].SessionID)

	stats, err := f.svc.Today(ctx, "stu-1")
	require.NoError(t, err)
	assert.Equal(t, Stats{Attended: 2, Remaining: 2}, stats)

	stats, err = f.svc.Today(ctx, "stu-2")
	require.NoError(t, err)
	assert.Equal(t, Stats{Attended: 0, Remaining: 4}, stats)
}
