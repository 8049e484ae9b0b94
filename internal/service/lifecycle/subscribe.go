package lifecycle

import (
	"context"
	"sync"

	"github.com/fusionn-autosub/internal/job"
	"github.com/fusionn-autosub/internal/progress"
)

// stream is a channel owned by one producer goroutine that can be stopped
// from the consumer side.
type stream struct {
	out  chan progress.Event
	done chan struct{}
	once sync.Once
}

func newStream(size int) *stream {
	return &stream{out: make(chan progress.Event, size), done: make(chan struct{})}
}

func (s *stream) stop() { s.once.Do(func() { close(s.done) }) }

// send delivers e unless the stream was stopped or ctx ended.
func (s *stream) send(ctx context.Context, e progress.Event) bool {
	select {
	case s.out <- e:
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// subscription exposes the stream; closing it also closes upstream.
func (s *stream) subscription(upstream ...*progress.Subscription) *progress.Subscription {
	return progress.NewSubscription(s.out, func() {
		s.stop()
		for _, sub := range upstream {
			sub.Close()
		}
	})
}

// SubscribeProgress streams the events of one job. A late subscriber first
// receives the latest event; when nothing is cached it receives a snapshot of
// the stored job instead, and a terminal snapshot ends the stream at once.
func (s *Service) SubscribeProgress(ctx context.Context, jobID string) (*progress.Subscription, error) {
	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	topic := progress.JobTopic(jobID)
	sub, err := s.broker.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}
	if _, ok := s.broker.Latest(ctx, topic); ok {
		return sub, nil
	}

	st := newStream(8)
	go func() {
		defer close(st.out)
		defer sub.Close()

		snap := progress.JobEvent(j, progress.TypeStatus, "")
		if !st.send(ctx, snap) || snap.Terminal() {
			return
		}
		for e := range sub.C {
			if !st.send(ctx, e) {
				return
			}
		}
	}()
	return st.subscription(sub), nil
}

// SubscribeBatch fans in the streams of every member job. Each forwarded job
// event is followed by a batch_progress aggregate. The stream closes once all
// members are terminal.
func (s *Service) SubscribeBatch(ctx context.Context, batchID string) (*progress.Subscription, error) {
	members, err := s.ListBatchJobs(ctx, batchID)
	if err != nil {
		return nil, err
	}

	state := make(map[string]*job.Job, len(members))
	var subs []*progress.Subscription
	closeAll := func() {
		for _, sub := range subs {
			sub.Close()
		}
	}
	for _, m := range members {
		state[m.ID] = m
		if m.Status.Terminal() {
			continue
		}
		sub, err := s.SubscribeProgress(ctx, m.ID)
		if err != nil {
			closeAll()
			return nil, err
		}
		subs = append(subs, sub)
	}

	st := newStream(64)
	merged := make(chan progress.Event)
	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub *progress.Subscription) {
			defer wg.Done()
			for e := range sub.C {
				select {
				case merged <- e:
				case <-st.done:
					return
				}
			}
		}(sub)
	}
	go func() {
		wg.Wait()
		close(merged)
	}()

	go func() {
		defer close(st.out)
		defer closeAll()
		defer st.stop()

		summary := aggregate(state)
		if !st.send(ctx, progress.BatchEvent(batchID, summary, "")) || summary.AllDone() {
			return
		}
		for e := range merged {
			if m, ok := state[e.JobID]; ok {
				m.Status = job.Status(e.Status)
				if e.ProgressPercent > m.ProgressPercent || m.Status == job.StatusQueued {
					m.ProgressPercent = e.ProgressPercent
				}
			}
			if !st.send(ctx, e) {
				return
			}
			summary = aggregate(state)
			if !st.send(ctx, progress.BatchEvent(batchID, summary, "")) || summary.AllDone() {
				return
			}
		}
	}()
	return st.subscription(subs...), nil
}

func aggregate(state map[string]*job.Job) job.Summary {
	jobs := make([]*job.Job, 0, len(state))
	for _, j := range state {
		jobs = append(jobs, j)
	}
	return job.Aggregate(jobs)
}
