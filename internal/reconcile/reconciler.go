// Package reconcile finds entities stuck in a non-terminal state and
// re-publishes their stage requests. It covers lost publishes and workers
// that died mid-attempt; the store's version check keeps a re-claimed
// attempt from racing the original.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/jobpipe/internal/storage"
)

const (
	defaultInterval   = time.Minute
	defaultStaleAfter = 15 * time.Minute
	defaultBatch      = 100
)

type StaleLister interface {
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]storage.StaleItem, error)
}

type Reemitter interface {
	Reemit(ctx context.Context, item storage.StaleItem) error
}

type Config struct {
	Interval   time.Duration
	StaleAfter time.Duration
	Batch      int
}

type Reconciler struct {
	store  StaleLister
	orch   Reemitter
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New returns a Reconciler. Zero config fields take their defaults.
func New(store StaleLister, orch Reemitter, cfg Config, logger *slog.Logger) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	if cfg.Batch <= 0 {
		cfg.Batch = defaultBatch
	}
	return &Reconciler{
		store:  store,
		orch:   orch,
		cfg:    cfg,
		logger: logger.With("component", "reconciler"),
		now:    time.Now,
	}
}

// Run sweeps once immediately and then every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := r.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Error("reconcile sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce re-emits every item that has not moved for StaleAfter and
// returns how many were re-emitted. A failed re-emit is logged and the
// sweep continues; the item stays stale and is picked up next time.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.cfg.StaleAfter)
	items, err := r.store.ListStale(ctx, cutoff, r.cfg.Batch)
	if err != nil {
		return 0, fmt.Errorf("listing stale items: %w", err)
	}

	n := 0
	for _, item := range items {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		if err := r.orch.Reemit(ctx, item); err != nil {
			r.logger.Warn("re-emit failed", "kind", item.Kind, "entity_id", item.EntityID, "language", item.Language, "error", err)
			continue
		}
		n++
		r.logger.Info("stale item re-emitted", "kind", item.Kind, "entity_id", item.EntityID, "language", item.Language,
			"status", item.Status, "idle", r.now().Sub(item.UpdatedAt).Round(time.Second))
	}
	return n, nil
}
