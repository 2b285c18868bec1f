package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/seantiz/loom/internal/cache"
	"github.com/seantiz/loom/internal/pipeline"
	"github.com/seantiz/loom/internal/store"
)

// DefaultReapInterval is the sweep cadence when none is configured.
const DefaultReapInterval = time.Minute

// Reaper periodically removes jobs whose result retention has expired: the
// stored blob, the cache entry, the watch topic, and finally the job record.
type Reaper struct {
	store    store.Store
	cache    *cache.Cache
	hub      *Hub
	machine  *Machine
	pipeline *pipeline.Pipeline
	logger   *slog.Logger
	interval time.Duration
}

// NewReaper creates a reaper sweeping on the given interval. An interval of
// zero or less means DefaultReapInterval.
func NewReaper(s store.Store, c *cache.Cache, e *Engine, p *pipeline.Pipeline, logger *slog.Logger, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	return &Reaper{
		store:    s,
		cache:    c,
		hub:      e.hub,
		machine:  e.machine,
		pipeline: p,
		logger:   logger,
		interval: interval,
	}
}

// Run sweeps on the reaper's interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep removes every expired job. Each job's artifacts are released before
// its record is deleted, so a sweep interrupted partway leaves jobs either
// fully present or fully gone from the caller's point of view.
func (r *Reaper) Sweep(ctx context.Context) {
	jobs, err := r.store.ListExpired(ctx, time.Now().UTC())
	if err != nil {
		r.logger.Error("failed to list expired jobs", "error", err)
		return
	}

	for _, j := range jobs {
		if err := r.pipeline.Discard(j); err != nil {
			r.logger.Error("failed to discard result blob", "job_id", j.ID, "error", err)
			continue
		}
		r.cache.Remove(j.Fingerprint, j.ID)
		r.hub.Drop(j.ID)
		if err := r.store.DeleteJob(ctx, j.ID); err != nil {
			r.logger.Error("failed to delete expired job", "job_id", j.ID, "error", err)
			continue
		}
		r.machine.forget(j.ID)
		jobsReaped.Inc()
		r.logger.Info("reaped expired job", "job_id", j.ID, "expired_at", j.ExpiresAt)
	}
}
