package sessions

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Cleaner purges expired sessions.
type Cleaner interface {
	CleanExpiredSessions(ctx context.Context) (int64, error)
}

// Sweeper periodically removes expired sessions from a Cleaner.
type Sweeper struct {
	store    Cleaner
	interval time.Duration
	log      *zap.SugaredLogger
}

// NewSweeper creates a sweeper running every interval.
func NewSweeper(store Cleaner, interval time.Duration, log *zap.SugaredLogger) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Sweeper{store: store, interval: interval, log: log}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	n, err := s.store.CleanExpiredSessions(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warnw("session sweep failed", "error", err)
		}
		return
	}
	if n > 0 {
		s.log.Infow("expired sessions removed", "count", n)
	}
}
