package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fusionn-autosub/internal/job"
	"github.com/fusionn-autosub/internal/progress"
	"github.com/fusionn-autosub/internal/store"
	"github.com/fusionn-autosub/pkg/logger"
)

// DefaultMinDelta is the smallest percentage change persisted within a step.
const DefaultMinDelta = 1.0

type mark struct {
	step    string
	percent float64
}

// Recorder persists run progress and publishes it. Updates within the same
// step are throttled to MinDelta; a report for a run that is no longer
// PROCESSING is dropped.
type Recorder struct {
	store    store.Store
	broker   progress.Broker
	minDelta float64

	mu   sync.Mutex
	last map[string]mark
	now  func() time.Time
}

// NewRecorder creates a recorder. minDelta <= 0 uses DefaultMinDelta.
func NewRecorder(st store.Store, broker progress.Broker, minDelta float64) *Recorder {
	if minDelta <= 0 {
		minDelta = DefaultMinDelta
	}
	return &Recorder{
		store:    st,
		broker:   broker,
		minDelta: minDelta,
		last:     make(map[string]mark),
		now:      time.Now,
	}
}

func runKey(id string, run int) string { return fmt.Sprintf("%s#%d", id, run) }

// Report implements orchestrator.Reporter.
func (r *Recorder) Report(ctx context.Context, j *job.Job, step job.Step, percent float64, message string) {
	key := runKey(j.ID, j.Run)
	name := string(step.Name)

	r.mu.Lock()
	prev, seen := r.last[key]
	if seen && prev.step == name && percent-prev.percent < r.minDelta {
		r.mu.Unlock()
		return
	}
	r.last[key] = mark{step: name, percent: percent}
	r.mu.Unlock()

	updated, err := r.store.UpdateJob(ctx, j.ID, func(cur *job.Job) error {
		if cur.Run != j.Run || cur.Status != job.StatusProcessing {
			return errStale
		}
		job.Advance(cur, name, percent, r.now())
		return nil
	})
	if err != nil {
		if !errors.Is(err, errStale) {
			logger.Warnf("⚠️ Failed to persist progress for %s: %v", j.ID, err)
		}
		return
	}

	e := progress.JobEvent(updated, progress.TypeProgress, message)
	if err := r.broker.Publish(ctx, e); err != nil {
		logger.Debugf("progress publish for %s failed: %v", j.ID, err)
	}
}

// Forget drops the throttle state of a finished run.
func (r *Recorder) Forget(id string, run int) {
	if r == nil {
		return
	}
	r.mu.Lock()
	delete(r.last, runKey(id, run))
	r.mu.Unlock()
}
