// Package lifecycle owns job and batch state changes. Every transition goes
// through the store first; progress events and notifications follow.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/fusionn-autosub/internal/job"
	"github.com/fusionn-autosub/internal/progress"
	"github.com/fusionn-autosub/internal/queue"
	"github.com/fusionn-autosub/internal/store"
	"github.com/fusionn-autosub/pkg/logger"
)

// errStale marks a request or report that belongs to an older run.
var errStale = errors.New("stale run")

// Enqueuer accepts work for the dispatcher.
type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.Request) error
}

// Runner executes one run of a job and returns its results.
type Runner interface {
	Run(ctx context.Context, j *job.Job) (*job.Results, error)
}

// Notifier sends user-facing notifications. Failures are logged only.
type Notifier interface {
	NotifySuccess(title, body string) error
	NotifyError(title, body string) error
	NotifyInfo(title, body string) error
}

// Deps wires a Service.
type Deps struct {
	Store    store.Store
	Broker   progress.Broker
	Queue    Enqueuer
	Runner   Runner
	Recorder *Recorder
	Notifier Notifier
}

// Service implements the job and batch operations exposed to clients, and
// carries dispatched runs for the queue.
type Service struct {
	store    store.Store
	broker   progress.Broker
	queue    Enqueuer
	runner   Runner
	recorder *Recorder
	notifier Notifier

	now   func() time.Time
	newID func() string
}

// New creates a lifecycle service.
func New(deps Deps) *Service {
	return &Service{
		store:    deps.Store,
		broker:   deps.Broker,
		queue:    deps.Queue,
		runner:   deps.Runner,
		recorder: deps.Recorder,
		notifier: deps.Notifier,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// CreateJob validates cfg, stores a QUEUED job and hands it to the queue.
func (s *Service) CreateJob(ctx context.Context, cfg job.Config) (*job.Job, error) {
	j, err := job.New(s.newID(), cfg, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateJob(ctx, j); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	logger.Infof("📥 Job created: %s (%s, %d steps)", j.ID, filepath.Base(j.Config.InputPath), j.Plan.Total())
	s.publish(ctx, progress.JobEvent(j, progress.TypeStatus, "Queued"))
	if err := s.queue.Enqueue(ctx, queue.NewRequest(j)); err != nil {
		return j, fmt.Errorf("enqueue job: %w", err)
	}
	return j, nil
}

// CreateBatch stores a batch and one job per config, then enqueues every job.
// Nothing is stored when any config is invalid.
func (s *Service) CreateBatch(ctx context.Context, name string, configs []job.Config) (*job.Batch, []*job.Job, error) {
	if len(configs) == 0 {
		return nil, nil, fmt.Errorf("%w: a batch needs at least one job", job.ErrInvalidConfig)
	}

	now := s.now().UTC()
	b := &job.Batch{
		ID:        s.newID(),
		Name:      name,
		Status:    job.BatchQueued,
		TotalJobs: len(configs),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if b.Name == "" {
		b.Name = "batch-" + shortID(b.ID)
	}

	jobs := make([]*job.Job, 0, len(configs))
	for i, cfg := range configs {
		j, err := job.New(s.newID(), cfg, now)
		if err != nil {
			return nil, nil, fmt.Errorf("job %d: %w", i+1, err)
		}
		j.BatchID = b.ID
		jobs = append(jobs, j)
	}

	if err := s.store.CreateBatch(ctx, b, jobs); err != nil {
		return nil, nil, fmt.Errorf("create batch: %w", err)
	}
	logger.Infof("📦 Batch created: %s (%s, %d jobs)", b.ID, b.Name, len(jobs))

	var errs []error
	for _, j := range jobs {
		if err := s.queue.Enqueue(ctx, queue.NewRequest(j)); err != nil {
			errs = append(errs, err)
		}
	}
	s.publish(ctx, progress.BatchEvent(b.ID, job.Aggregate(jobs), "Queued"))
	if len(errs) > 0 {
		return b, jobs, fmt.Errorf("enqueue batch: %w", errors.Join(errs...))
	}
	return b, jobs, nil
}

// GetJob returns a job by id.
func (s *Service) GetJob(ctx context.Context, id string) (*job.Job, error) {
	return s.store.GetJob(ctx, id)
}

// ListJobs returns jobs matching filter, oldest first.
func (s *Service) ListJobs(ctx context.Context, filter store.JobFilter) ([]*job.Job, error) {
	return s.store.ListJobs(ctx, filter)
}

// GetBatch recomputes and returns a batch with its aggregate summary.
func (s *Service) GetBatch(ctx context.Context, id string) (*job.Batch, job.Summary, error) {
	return s.RecomputeBatch(ctx, id)
}

// ListBatchJobs returns the member jobs of a batch.
func (s *Service) ListBatchJobs(ctx context.Context, id string) ([]*job.Job, error) {
	if _, err := s.store.GetBatch(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListJobs(ctx, store.JobFilter{BatchID: id})
}

// Cancel moves a QUEUED or PROCESSING job to CANCELLED. A running step is not
// interrupted; its results are discarded when the run ends.
func (s *Service) Cancel(ctx context.Context, id string) (*job.Job, error) {
	j, err := s.store.UpdateJob(ctx, id, func(cur *job.Job) error {
		return job.Apply(cur, job.EventCancel, job.Outcome{}, s.now())
	})
	if err != nil {
		return nil, err
	}

	logger.ForJob(j.ID, j.Run).Info("🛑 Job cancelled")
	s.settled(ctx, j, "Cancelled by user")
	return j, nil
}

// Retry moves a FAILED or CANCELLED job back to QUEUED under a new run and
// enqueues it with its original priority.
func (s *Service) Retry(ctx context.Context, id string) (*job.Job, error) {
	j, err := s.store.UpdateJob(ctx, id, func(cur *job.Job) error {
		return job.Apply(cur, job.EventRetry, job.Outcome{}, s.now())
	})
	if err != nil {
		return nil, err
	}

	logger.ForJob(j.ID, j.Run).Info("🔄 Job queued for retry")
	s.publish(ctx, progress.JobEvent(j, progress.TypeStatus, "Queued for retry"))
	s.refreshBatch(ctx, j.BatchID)
	if err := s.queue.Enqueue(ctx, queue.NewRequest(j)); err != nil {
		return j, fmt.Errorf("enqueue retry: %w", err)
	}
	return j, nil
}

// CancelBatch cancels every member that is still QUEUED or PROCESSING.
func (s *Service) CancelBatch(ctx context.Context, id string) (*job.Batch, int, error) {
	return s.eachMember(ctx, id, func(j *job.Job) bool {
		return job.CanApply(j.Status, job.EventCancel)
	}, s.Cancel)
}

// RetryBatch retries every FAILED or CANCELLED member.
func (s *Service) RetryBatch(ctx context.Context, id string) (*job.Batch, int, error) {
	return s.eachMember(ctx, id, func(j *job.Job) bool {
		return job.CanApply(j.Status, job.EventRetry)
	}, s.Retry)
}

func (s *Service) eachMember(ctx context.Context, id string, eligible func(*job.Job) bool, op func(context.Context, string) (*job.Job, error)) (*job.Batch, int, error) {
	members, err := s.ListBatchJobs(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	n := 0
	for _, m := range members {
		if !eligible(m) {
			continue
		}
		if _, err := op(ctx, m.ID); err != nil {
			// Lost a race with the pipeline; the member already moved on.
			if errors.Is(err, job.ErrConflict) {
				continue
			}
			return nil, n, err
		}
		n++
	}
	b, _, err := s.RecomputeBatch(ctx, id)
	return b, n, err
}

// RecomputeBatch derives the batch status and counters from its members and
// publishes an aggregate event when they changed.
func (s *Service) RecomputeBatch(ctx context.Context, id string) (*job.Batch, job.Summary, error) {
	members, err := s.store.ListJobs(ctx, store.JobFilter{BatchID: id})
	if err != nil {
		return nil, job.Summary{}, err
	}
	summary := job.Aggregate(members)

	changed, finished := false, false
	b, err := s.store.UpdateBatch(ctx, id, func(b *job.Batch) error {
		was := b.Status.Terminal()
		changed = job.ApplySummary(b, summary, s.now())
		finished = !was && b.Status.Terminal()
		return nil
	})
	if err != nil {
		return nil, summary, err
	}
	if changed {
		s.publish(ctx, progress.BatchEvent(b.ID, summary, string(b.Status)))
	}
	if finished {
		logger.Infof("📦 Batch %s finished: %s (%d/%d completed)", b.ID, b.Status, b.CompletedJobs, b.TotalJobs)
		s.notifyInfo("📦 Batch finished", fmt.Sprintf("%s: %d completed, %d failed of %d", b.Name, b.CompletedJobs, b.FailedJobs, b.TotalJobs))
	}
	return b, summary, nil
}

// Recover restores queue state after a restart: PROCESSING jobs were
// interrupted and go back to QUEUED under a new run, then every QUEUED job is
// enqueued. It returns the number of enqueued jobs.
func (s *Service) Recover(ctx context.Context) (int, error) {
	interrupted, err := s.store.ListJobs(ctx, store.JobFilter{Statuses: []job.Status{job.StatusProcessing}})
	if err != nil {
		return 0, fmt.Errorf("list interrupted jobs: %w", err)
	}
	for _, j := range interrupted {
		updated, err := s.store.UpdateJob(ctx, j.ID, func(cur *job.Job) error {
			return job.Apply(cur, job.EventRequeue, job.Outcome{}, s.now())
		})
		if err != nil {
			logger.Warnf("⚠️ Failed to requeue interrupted job %s: %v", j.ID, err)
			continue
		}
		logger.ForJob(updated.ID, updated.Run).Warn("⚠️ Job was interrupted by a restart, requeued")
		s.publish(ctx, progress.JobEvent(updated, progress.TypeStatus, "Requeued after restart"))
	}

	queued, err := s.store.ListJobs(ctx, store.JobFilter{Statuses: []job.Status{job.StatusQueued}})
	if err != nil {
		return 0, fmt.Errorf("list queued jobs: %w", err)
	}
	n := 0
	for _, j := range queued {
		if err := s.queue.Enqueue(ctx, queue.NewRequest(j)); err != nil {
			logger.Errorf("❌ Failed to enqueue recovered job %s: %v", j.ID, err)
			continue
		}
		n++
	}
	if n > 0 {
		logger.Infof("🔄 Recovered %d queued job(s)", n)
	}
	return n, nil
}

// settled publishes the terminal event of j and refreshes its batch.
func (s *Service) settled(ctx context.Context, j *job.Job, message string) {
	s.forget(j)
	s.publish(ctx, progress.JobEvent(j, progress.TypeStatus, message))
	s.refreshBatch(ctx, j.BatchID)
}

func (s *Service) forget(j *job.Job) {
	s.recorder.Forget(j.ID, j.Run)
}

func (s *Service) refreshBatch(ctx context.Context, batchID string) {
	if batchID == "" {
		return
	}
	if _, _, err := s.RecomputeBatch(ctx, batchID); err != nil {
		logger.Warnf("⚠️ Failed to refresh batch %s: %v", batchID, err)
	}
}

func (s *Service) publish(ctx context.Context, e progress.Event) {
	if err := s.broker.Publish(ctx, e); err != nil {
		logger.Warnf("⚠️ Failed to publish %s event: %v", e.Topic(), err)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
