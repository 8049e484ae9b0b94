package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fusionn-autosub/internal/failure"
	"github.com/fusionn-autosub/internal/job"
	"github.com/fusionn-autosub/pkg/logger"
)

// Processor carries dispatched runs. Process returns nil when the run needs
// no further handling, including requests that turned out to be stale.
type Processor interface {
	Process(ctx context.Context, req Request) error
	// Reschedule puts the job back in the queue for an automatic retry and
	// returns the run number the retry belongs to.
	Reschedule(ctx context.Context, req Request, cause error) (int, error)
	// Abandon records a failure that will not be retried.
	Abandon(ctx context.Context, req Request, cause error) error
}

// Options configures a Dispatcher.
type Options struct {
	Workers    map[job.ResourceClass]int
	MaxRetries int
	RetryDelay time.Duration
}

// DefaultWorkers sizes only the encode queue: every plan starts with
// extract_audio, so Route sends every run there.
func DefaultWorkers() map[job.ResourceClass]int {
	return map[job.ResourceClass]int{
		job.ClassEncode: 2,
	}
}

// ClassStats describes one resource-class queue.
type ClassStats struct {
	Workers int `json:"workers"`
	Busy    int `json:"busy"`
	Queued  int `json:"queued"`
}

// Stats is a snapshot of the dispatcher.
type Stats struct {
	Classes   map[job.ResourceClass]ClassStats `json:"classes"`
	Processed int64                            `json:"processed"`
	Failed    int64                            `json:"failed"`
	Retried   int64                            `json:"retried"`
}

// Dispatcher pulls requests from the backend with a fixed number of workers
// per resource class and applies the retry policy to failed runs.
type Dispatcher struct {
	backend   Backend
	processor Processor

	workers    map[job.ResourceClass]int
	maxRetries int
	retryDelay time.Duration

	busy      map[job.ResourceClass]*atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

// New creates a dispatcher. Workers start with Start.
func New(backend Backend, opts Options) *Dispatcher {
	workers := opts.Workers
	if len(workers) == 0 {
		workers = DefaultWorkers()
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		backend:    backend,
		workers:    workers,
		maxRetries: opts.MaxRetries,
		retryDelay: opts.RetryDelay,
		busy:       make(map[job.ResourceClass]*atomic.Int64),
		ctx:        ctx,
		cancel:     cancel,
		now:        time.Now,
	}
	for class := range workers {
		d.busy[class] = &atomic.Int64{}
	}
	return d
}

// Start launches the workers.
func (d *Dispatcher) Start(p Processor) {
	d.processor = p
	for class, n := range d.workers {
		if n <= 0 {
			continue
		}
		for i := 1; i <= n; i++ {
			d.wg.Add(1)
			go d.worker(class, i)
		}
		logger.Infof("📥 Queue %s started with %d worker(s)", class, n)
	}
}

// Stop cancels in-flight work and waits for the workers to exit. Runs that
// were interrupted stay PROCESSING and are recovered on the next start.
func (d *Dispatcher) Stop() {
	logger.Info("🛑 Stopping job queue...")
	d.cancel()
	d.wg.Wait()
	if err := d.backend.Close(); err != nil {
		logger.Warnf("⚠️ Failed to close queue backend: %v", err)
	}
	logger.Info("✅ Job queue stopped")
}

// Enqueue submits a request to the queue of its class.
func (d *Dispatcher) Enqueue(ctx context.Context, req Request) error {
	if req.Class == "" {
		req.Class = job.ClassGeneral
	}
	if d.workers[req.Class] <= 0 {
		return fmt.Errorf("no workers configured for %s queue", req.Class)
	}
	if req.Attempt <= 0 {
		req.Attempt = 1
	}
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = d.now().UTC()
	}
	if err := d.backend.Push(ctx, req); err != nil {
		return fmt.Errorf("enqueue %s: %w", req.JobID, err)
	}
	logger.Infof("📥 Job queued: %s (queue=%s priority=%d run=%d attempt=%d)",
		req.JobID, req.Class, req.Priority, req.Run, req.Attempt)
	return nil
}

// Stats returns current queue depths and counters.
func (d *Dispatcher) Stats(ctx context.Context) Stats {
	s := Stats{
		Classes:   make(map[job.ResourceClass]ClassStats, len(d.workers)),
		Processed: d.processed.Load(),
		Failed:    d.failed.Load(),
		Retried:   d.retried.Load(),
	}
	for class, n := range d.workers {
		if n <= 0 {
			continue
		}
		queued, err := d.backend.Len(ctx, class)
		if err != nil {
			logger.Warnf("⚠️ Failed to read %s queue length: %v", class, err)
		}
		s.Classes[class] = ClassStats{
			Workers: n,
			Busy:    int(d.busy[class].Load()),
			Queued:  queued,
		}
	}
	return s
}

func (d *Dispatcher) worker(class job.ResourceClass, n int) {
	defer d.wg.Done()

	for {
		req, err := d.backend.Pop(d.ctx, class)
		if err != nil {
			if d.ctx.Err() != nil {
				return
			}
			logger.Errorf("❌ [%s-%d] pop failed: %v", class, n, err)
			select {
			case <-time.After(time.Second):
				continue
			case <-d.ctx.Done():
				return
			}
		}

		d.busy[class].Add(1)
		d.handle(req)
		d.busy[class].Add(-1)
	}
}

func (d *Dispatcher) handle(req Request) {
	log := logger.ForJob(req.JobID, req.Run)
	log.Infof("🔄 Processing job (queue=%s attempt=%d)", req.Class, req.Attempt)

	err := d.processor.Process(d.ctx, req)
	switch {
	case err == nil:
		d.processed.Add(1)

	case d.ctx.Err() != nil:
		log.Warnf("⚠️ Job interrupted by shutdown: %v", err)

	case failure.IsRetryable(err) && req.Attempt < 1+d.maxRetries:
		run, rerr := d.processor.Reschedule(d.ctx, req, err)
		if rerr != nil {
			log.Warnf("⚠️ Could not reschedule job: %v", rerr)
			return
		}
		d.retried.Add(1)
		next := req
		next.Run = run
		next.Attempt++
		next.EnqueuedAt = time.Time{}
		log.Warnf("⚠️ Job failed (attempt %d/%d), retrying in %s: %v",
			req.Attempt, 1+d.maxRetries, d.retryDelay, err)
		d.requeueAfter(next)

	default:
		d.failed.Add(1)
		log.Errorf("❌ Job failed after %d attempt(s) [%s]: %v", req.Attempt, failure.Classify(err), err)
		if aerr := d.processor.Abandon(d.ctx, req, err); aerr != nil {
			log.Warnf("⚠️ Could not record failure: %v", aerr)
		}
	}
}

func (d *Dispatcher) requeueAfter(req Request) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		select {
		case <-time.After(d.retryDelay):
		case <-d.ctx.Done():
			return
		}
		if err := d.Enqueue(d.ctx, req); err != nil {
			logger.Errorf("❌ Failed to requeue job %s: %v", req.JobID, err)
		}
	}()
}
