package store

import (
	"context"
	"log/slog"
	"time"
)

// Purger deletes trash entries trashed before cutoff. The agent manager
// implements it to discard worktrees along with the records.
type Purger interface {
	PurgeExpiredTrash(ctx context.Context, cutoff time.Time) (int64, error)
}

// Sweeper purges trash entries older than the retention window on an interval.
type Sweeper struct {
	purger    Purger
	interval  time.Duration
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewSweeper creates a sweeper using TrashRetention.
func NewSweeper(p Purger, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		purger:    p,
		interval:  interval,
		retention: TrashRetention,
		logger:    logger.With("component", "trash-sweeper"),
		now:       time.Now,
	}
}

// Sweep purges expired entries once.
func (w *Sweeper) Sweep(ctx context.Context) (int64, error) {
	cutoff := w.now().UTC().Add(-w.retention)
	n, err := w.purger.PurgeExpiredTrash(ctx, cutoff)
	if err != nil {
		return n, err
	}
	if n > 0 {
		w.logger.Info("purged expired trash", "count", n, "cutoff", cutoff)
	}
	return n, nil
}

// Run sweeps immediately and then on every tick until ctx is cancelled.
func (w *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if _, err := w.Sweep(ctx); err != nil && ctx.Err() == nil {
			w.logger.Warn("trash sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
