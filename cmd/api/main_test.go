package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/incogx/Facer-app/internal/attendance"
	"github.com/incogx/Facer-app/internal/config"
	"github.com/incogx/Facer-app/internal/sessions"
)

func TestOpenBackendsMemorySeedsOpenSession(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	ctx := context.Background()

	b, err := openBackends(ctx, config.App{StoreBackend: "memory"}, zap.New(core))
	require.NoError(t, err)
	assert.Nil(t, b.db)
	require.NotNil(t, b.recorder)

	entries := logs.FilterMessage("demo session open").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	token, _ := fields["qr_token"].(string)
	require.NotEmpty(t, token)

	s, err := b.sessions.GetByToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, fields["session_id"], s.ID)
	assert.True(t, s.OpenAt(time.Now()))

	outcome, err := b.marks.Commit(ctx, attendance.Mark{
		ID: "m-1", StudentID: "stu-1", SessionID: s.ID, ClassID: s.ClassID, MarkedAt: time.Now(), Method: attendance.DefaultMethod, Confidence: 0.9,
	}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, attendance.OutcomeMarked, outcome)
}

func TestSeedDemoSessionUsesFreshIDs(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	repo := sessions.NewMemoryRepository()
	ctx := context.Background()

	seedDemoSession(ctx, repo, zap.New(core))
	seedDemoSession(ctx, repo, zap.New(core))
	assert.Equal(t, 2, logs.FilterMessage("demo session open").Len())
	assert.Zero(t, logs.FilterMessage("seed demo session failed").Len())
}
