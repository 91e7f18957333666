package ledger

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically removes expired reservations and aged-out consumed
// records so the ledger's growth stays bounded.
type Sweeper struct {
	ledger    *Ledger
	interval  time.Duration
	retention time.Duration
	logger    *slog.Logger
	observe   func(removed int64)
}

// NewSweeper constructs a sweeper. observe is an optional hook for metrics.
func NewSweeper(l *Ledger, interval, retention time.Duration, logger *slog.Logger, observe func(removed int64)) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{ledger: l, interval: interval, retention: retention, logger: logger, observe: observe}
}

// Run blocks until context cancellation, sweeping on every tick.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			removed, err := s.ledger.SweepExpired(ctx, now, s.retention)
			if err != nil {
				s.logger.Error("ledger sweep failed", "err", err)
				continue
			}
			if removed > 0 {
				s.logger.Info("swept nonce records", "removed", removed)
			}
			if s.observe != nil {
				s.observe(removed)
			}
		}
	}
}
