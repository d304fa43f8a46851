package idempotency

import (
	"context"
	"log/slog"
	"time"
)

// Expirer is implemented by repositories that do not expire records on their
// own.
type Expirer interface {
	DeleteOlderThan(d time.Duration) (int64, error)
}

// Sweeper removes records older than Expiry. It satisfies kv.Sweeper so the
// maintenance job can run it next to the store sweeps.
type Sweeper struct {
	Repo   Expirer
	Expiry time.Duration
}

// NewSweeper returns a Sweeper for repo using DefaultExpiry.
func NewSweeper(repo Expirer) *Sweeper {
	return &Sweeper{Repo: repo, Expiry: DefaultExpiry}
}

// Sweep deletes expired records and returns how many were removed.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	deleted, err := s.Repo.DeleteOlderThan(s.Expiry)
	if err != nil {
		slog.ErrorContext(ctx, "failed to clean up idempotency keys", "error", err)
		return 0, err
	}
	if deleted > 0 {
		slog.InfoContext(ctx, "cleaned up idempotency keys", "deleted", deleted, "older_than", s.Expiry)
	}
	return deleted, nil
}
