package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"ChargeMail/internal/clock"
	"ChargeMail/internal/db"
	"ChargeMail/internal/metrics"
)

// Sweeper deletes sent jobs older than the retention window. Failed jobs
// are kept for inspection.
type Sweeper struct {
	store     db.Store
	retention time.Duration
	interval  time.Duration
	clock     clock.Clock
	log       *zap.Logger
}

func NewSweeper(store db.Store, retention, interval time.Duration, c clock.Clock, logger *zap.Logger) *Sweeper {
	if c == nil {
		c = clock.NewRealClock()
	}
	return &Sweeper{
		store:     store,
		retention: retention,
		interval:  interval,
		clock:     c,
		log:       logger.Named("sweeper"),
	}
}

// SweepOnce purges sent jobs whose sent_at is older than the retention
// window and returns how many were removed.
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	cutoff := s.clock.Now().Add(-s.retention)

	n, err := s.store.PurgeSent(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	metrics.EmailsPurged.Add(float64(n))
	if n > 0 {
		s.log.Info("purged sent emails",
			zap.Int64("count", n),
			zap.Time("cutoff", cutoff),
		)
	}
	return n, nil
}

// Run sweeps every interval until ctx is cancelled. A zero retention or
// interval disables the sweeper.
func (s *Sweeper) Run(ctx context.Context) {
	if s.retention <= 0 || s.interval <= 0 {
		s.log.Info("retention sweep disabled")
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.log.Error("retention sweep failed", zap.Error(err))
			}
		}
	}
}
