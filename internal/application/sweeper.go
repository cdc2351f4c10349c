package application

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper periodically evicts completed builds older than the retention
// window so process-resident state stays bounded.
type Sweeper struct {
	log       *zap.Logger
	store     *Store
	every     time.Duration
	retention time.Duration
	now       func() time.Time
}

func NewSweeper(l *zap.Logger, s *Store, every, retention time.Duration) *Sweeper {
	return &Sweeper{
		log: l, store: s, every: every, retention: retention, now: time.Now,
	}
}

func (s *Sweeper) Run(ctx context.Context) {
	if s.every <= 0 || s.retention <= 0 {
		s.log.Debug("build retention disabled")
		return
	}

	t := time.NewTicker(s.every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.tick()
		}
	}
}

func (s *Sweeper) tick() {
	cutoff := s.now().Add(-s.retention)
	if n := s.store.EvictCompleted(cutoff); n > 0 {
		s.log.Info("evicted completed builds",
			zap.Int("count", n),
			zap.Time("ended_before", cutoff),
		)
	}
}
