package sessions

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func at(h, m int) time.Time {
	return time.Date(2026, 3, 2, h, m, 0, 0, time.UTC)
}

func TestSession_OpenAt(t *testing.T) {
	end := at(10, 0)
	s := Session{ID: "S1", StartsAt: at(9, 0), EndsAt: &end, Status: StatusActive}

	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"before start", at(8, 59), false},
		{"at start", at(9, 0), true},
		{"inside", at(9, 56), true},
		{"at end", at(10, 0), false},
		{"after end", at(10, 1), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, s.OpenAt(tc.now))
		})
	}

	closed := s
	closed.Status = StatusClosed
	assert.False(t, closed.OpenAt(at(9, 30)))

	openEnded := Session{StartsAt: at(9, 0), Status: StatusActive}
	assert.True(t, openEnded.OpenAt(at(23, 0)))
}

func TestMemoryRepository_LookupAndSweep(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	end := at(10, 0)
	require.NoError(t, repo.Create(ctx, Session{ID: "S1", ClassID: "C1", StartsAt: base, EndsAt: &end, QRToken: "T1"}))
	require.NoError(t, repo.Create(ctx, Session{ID: "S2", ClassID: "C1", StartsAt: base, QRToken: "T2"}))
	require.Error(t, repo.Create(ctx, Session{ID: "S3", QRToken: "T1"}), "token must be unique")

	s, err := repo.GetByToken(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, "S1", s.ID)
	assert.Equal(t, StatusActive, s.Status)

	_, err = repo.GetByToken(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	n, err := repo.CloseExpired(ctx, at(9, 59))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = repo.CloseExpired(ctx, at(10, 0))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	s, _ = repo.Get(ctx, "S1")
	assert.Equal(t, StatusClosed, s.Status)
	s, _ = repo.Get(ctx, "S2")
	assert.Equal(t, StatusActive, s.Status)
}

func TestSweeper_SweepOnce(t *testing.T) {
	repo := NewMemoryRepository()
	end := at(10, 0)
	require.NoError(t, repo.Create(context.Background(), Session{ID: "S1", StartsAt: base, EndsAt: &end, QRToken: "T1"}))

	sw := NewSweeper(repo, 0, zap.NewNop())
	sw.now = func() time.Time { return at(11, 0) }

	assert.EqualValues(t, 1, sw.SweepOnce(context.Background()))
	assert.EqualValues(t, 0, sw.SweepOnce(context.Background()))
}

func TestPostgresRepository_GetByToken(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()
	repo := NewPostgresRepository(db)

	end := at(10, 0)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM sessions WHERE qr_token = $1`)).
		WithArgs("T1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "class_id", "starts_at", "ends_at", "status", "qr_token"}).
			AddRow("S1", "C1", base, end, StatusActive, "T1"))

	s, err := repo.GetByToken(context.Background(), "T1")
	require.NoError(t, err)
	assert.Equal(t, "C1", s.ClassID)
	require.NotNil(t, s.EndsAt)
	assert.True(t, s.EndsAt.Equal(end))

	mock.ExpectQuery(regexp.QuoteMeta(`FROM sessions WHERE qr_token = $1`)).
		WithArgs("T9").
		WillReturnRows(sqlmock.NewRows([]string{"id", "class_id", "starts_at", "ends_at", "status", "qr_token"}))

	_, err = repo.GetByToken(context.Background(), "T9")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_CloseExpired(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()
	repo := NewPostgresRepository(db)

	now := at(10, 0)
	mock.ExpectExec(`(?s)UPDATE sessions SET status = 'closed'.*ends_at <= \$1`).
		WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := repo.CloseExpired(context.Background(), now)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
	require.NoError(t, mock.ExpectationsWereMet())
}
