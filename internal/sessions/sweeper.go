package sessions

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/incogx/Facer-app/internal/metrics"
)

// Sweeper periodically closes sessions whose window has elapsed.
type Sweeper struct {
	repo     Repository
	interval time.Duration
	now      func() time.Time
	log      *zap.Logger
}

// NewSweeper creates a sweeper; a non-positive interval defaults to one minute.
func NewSweeper(repo Repository, interval time.Duration, log *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{repo: repo, interval: interval, now: time.Now, log: log}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.SweepOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SweepOnce closes expired sessions and returns how many changed.
func (s *Sweeper) SweepOnce(ctx context.Context) int64 {
	n, err := s.repo.CloseExpired(ctx, s.now().UTC())
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn("session sweep failed", zap.Error(err))
		}
		return 0
	}
	if n > 0 {
		metrics.SessionsClosed.Add(float64(n))
		s.log.Info("closed expired sessions", zap.Int64("count", n))
	}
	return n
}
