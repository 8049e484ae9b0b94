package lifecycle

import (
	"context"
	"time"

	"github.com/fusionn-autosub/internal/fileops"
	"github.com/fusionn-autosub/internal/job"
	"github.com/fusionn-autosub/internal/progress"
	"github.com/fusionn-autosub/internal/store"
	"github.com/fusionn-autosub/pkg/logger"
)

// SweepOptions configures the periodic maintenance loop.
type SweepOptions struct {
	Interval     time.Duration // batch status refresh
	StaleAfter   time.Duration // warn about PROCESSING jobs without updates
	Retention    time.Duration // delete finished jobs older than this; 0 keeps them
	CleanupEvery time.Duration // how often retention and temp cleanup run
	TempDir      string
	TempMaxAge   time.Duration
}

func (o SweepOptions) withDefaults() SweepOptions {
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = time.Hour
	}
	if o.CleanupEvery <= 0 {
		o.CleanupEvery = 24 * time.Hour
	}
	if o.TempMaxAge <= 0 {
		o.TempMaxAge = 24 * time.Hour
	}
	return o
}

// Sweeper keeps derived batch state fresh and cleans up old data.
type Sweeper struct {
	svc         *Service
	opts        SweepOptions
	lastCleanup time.Time
}

// NewSweeper creates a sweeper for svc.
func NewSweeper(svc *Service, opts SweepOptions) *Sweeper {
	return &Sweeper{svc: svc, opts: opts.withDefaults()}
}

// Run sweeps every Interval until ctx ends.
func (w *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	logger.Infof("🧹 Sweeper started (every %s)", w.opts.Interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep runs one maintenance pass.
func (w *Sweeper) Sweep(ctx context.Context) {
	s := w.svc
	now := s.now()

	batches, err := s.store.ListOpenBatches(ctx)
	if err != nil {
		logger.Warnf("⚠️ Sweep: list open batches: %v", err)
	}
	for _, b := range batches {
		if _, _, err := s.RecomputeBatch(ctx, b.ID); err != nil {
			logger.Warnf("⚠️ Sweep: refresh batch %s: %v", b.ID, err)
		}
	}

	if n := s.broker.Prune(ctx); n > 0 {
		logger.Debugf("Pruned %d expired progress topic(s)", n)
	}

	running, err := s.store.ListJobs(ctx, store.JobFilter{Statuses: []job.Status{job.StatusProcessing}})
	if err != nil {
		logger.Warnf("⚠️ Sweep: list running jobs: %v", err)
	}
	for _, j := range running {
		if idle := now.Sub(j.UpdatedAt); idle > w.opts.StaleAfter {
			logger.ForJob(j.ID, j.Run).Warnf("⚠️ No progress for %s (step %s, %.1f%%)", idle.Round(time.Minute), j.CurrentStep, j.ProgressPercent)
		}
	}

	if now.Sub(w.lastCleanup) < w.opts.CleanupEvery {
		return
	}
	w.lastCleanup = now

	if w.opts.Retention > 0 {
		purged, err := s.store.DeleteFinishedBefore(ctx, now.Add(-w.opts.Retention))
		if err != nil {
			logger.Warnf("⚠️ Sweep: retention cleanup: %v", err)
		}
		for _, id := range purged.JobIDs {
			s.broker.Forget(ctx, progress.JobTopic(id))
		}
		for _, id := range purged.BatchIDs {
			s.broker.Forget(ctx, progress.BatchTopic(id))
		}
		if n := len(purged.JobIDs); n > 0 {
			logger.Infof("🧹 Deleted %d finished job(s) older than %s", n, w.opts.Retention)
		}
	}
	if w.opts.TempDir != "" {
		n, err := fileops.RemoveOlderThan(w.opts.TempDir, now.Add(-w.opts.TempMaxAge))
		if err != nil {
			logger.Warnf("⚠️ Sweep: temp cleanup: %v", err)
		} else if n > 0 {
			logger.Infof("🧹 Removed %d stale temp file(s)", n)
		}
	}
}
