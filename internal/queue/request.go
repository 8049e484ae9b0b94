package queue

import (
	"time"

	"github.com/fusionn-autosub/internal/job"
)

// Request asks a worker to carry one run of a job end to end.
type Request struct {
	JobID      string            `json:"job_id"`
	Run        int               `json:"run"`
	Priority   int               `json:"priority"`
	Class      job.ResourceClass `json:"class"`
	Attempt    int               `json:"attempt"`
	EnqueuedAt time.Time         `json:"enqueued_at"`

	// seq orders requests of equal priority; assigned by the backend.
	seq uint64
}

// NewRequest builds the first-attempt request for the job's current run.
func NewRequest(j *job.Job) Request {
	return Request{
		JobID:    j.ID,
		Run:      j.Run,
		Priority: j.Config.Priority,
		Class:    Route(j.Plan),
		Attempt:  1,
	}
}

// Route picks the queue for a run: the class of the first step in the plan.
// The worker that dequeues the run keeps it for every later step.
func Route(plan job.StepPlan) job.ResourceClass {
	if len(plan) == 0 || plan[0].Class == "" {
		return job.ClassGeneral
	}
	return plan[0].Class
}

// before reports whether a is served ahead of b: higher priority first, then
// FIFO.
func before(a, b Request) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.seq < b.seq
}
