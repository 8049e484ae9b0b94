// Package progress carries job and batch progress events from the pipeline to
// subscribers. Publishing never blocks the pipeline and never fails it.
package progress

import (
	"context"
	"time"

	"github.com/fusionn-autosub/internal/job"
)

// EventType distinguishes job-level from batch-level events.
type EventType string

const (
	TypeProgress      EventType = "progress"
	TypeStatus        EventType = "status"
	TypeBatchProgress EventType = "batch_progress"
)

// Event is a single progress update.
type Event struct {
	Type            EventType    `json:"type"`
	JobID           string       `json:"job_id,omitempty"`
	BatchID         string       `json:"batch_id,omitempty"`
	Status          string       `json:"status"`
	StepName        string       `json:"step_name,omitempty"`
	StepNumber      int          `json:"step_number,omitempty"`
	TotalSteps      int          `json:"total_steps,omitempty"`
	ProgressPercent float64      `json:"progress_percent"`
	Message         string       `json:"message,omitempty"`
	Timestamp       time.Time    `json:"timestamp"`
	Batch           *job.Summary `json:"batch,omitempty"`
}

// Terminal reports whether no further events follow on this event's topic.
func (e Event) Terminal() bool {
	if e.Type == TypeBatchProgress {
		return job.BatchStatus(e.Status).Terminal()
	}
	return job.Status(e.Status).Terminal()
}

// Topic returns the topic the event is published on.
func (e Event) Topic() string {
	if e.Type == TypeBatchProgress {
		return BatchTopic(e.BatchID)
	}
	return JobTopic(e.JobID)
}

// JobTopic names the progress topic of a job.
func JobTopic(id string) string { return "job:" + id }

// BatchTopic names the aggregate topic of a batch.
func BatchTopic(id string) string { return "batch:" + id }

// JobEvent builds a job-level event from the job's current state.
func JobEvent(j *job.Job, typ EventType, message string) Event {
	e := Event{
		Type:            typ,
		JobID:           j.ID,
		BatchID:         j.BatchID,
		Status:          string(j.Status),
		StepName:        j.CurrentStep,
		TotalSteps:      j.Plan.Total(),
		ProgressPercent: j.ProgressPercent,
		Message:         message,
		Timestamp:       time.Now().UTC(),
	}
	for _, s := range j.Plan {
		if string(s.Name) == j.CurrentStep {
			e.StepNumber = s.Index + 1
			break
		}
	}
	return e
}

// BatchEvent builds an aggregate event for a batch.
func BatchEvent(batchID string, s job.Summary, message string) Event {
	return Event{
		Type:            TypeBatchProgress,
		BatchID:         batchID,
		Status:          string(s.Status),
		ProgressPercent: s.OverallPercent,
		Message:         message,
		Timestamp:       time.Now().UTC(),
		Batch:           &s,
	}
}

// Subscription is a stream of events for one topic. C is closed after a
// terminal event, when the subscribing context ends, or on Close.
type Subscription struct {
	C     <-chan Event
	close func()
}

// NewSubscription wraps a channel built outside a broker, such as a fan-in of
// several topics. stop must be idempotent.
func NewSubscription(c <-chan Event, stop func()) *Subscription {
	return &Subscription{C: c, close: stop}
}

// Close stops the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	if s != nil && s.close != nil {
		s.close()
	}
}

// Broker fans events out to subscribers and remembers the latest event per topic.
type Broker interface {
	Publish(ctx context.Context, e Event) error
	Subscribe(ctx context.Context, topic string) (*Subscription, error)
	Latest(ctx context.Context, topic string) (Event, bool)
	Forget(ctx context.Context, topic string)
	// Prune drops expired latest events and returns how many were removed.
	Prune(ctx context.Context) int
}

// offer sends e on ch without blocking, dropping the oldest buffered event
// when the buffer is full.
func offer(ch chan Event, e Event) {
	for {
		select {
		case ch <- e:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
