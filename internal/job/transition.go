package job

import (
	"errors"
	"fmt"
	"time"
)

// ErrConflict is returned for a transition the state graph does not allow.
var ErrConflict = errors.New("conflicting job transition")

// Event is a request to move a job along the state graph.
type Event string

const (
	EventStart    Event = "start"
	EventComplete Event = "complete"
	EventFail     Event = "fail"
	EventCancel   Event = "cancel"
	EventRetry    Event = "retry"
	// EventRequeue is raised by the dispatcher only, for an automatic retry
	// after a transient failure.
	EventRequeue Event = "requeue"
)

// MaxRunningPercent is the ceiling for progress before a run completes.
const MaxRunningPercent = 99.9

var edges = map[Event]struct {
	from []Status
	to   Status
}{
	EventStart:    {from: []Status{StatusQueued}, to: StatusProcessing},
	EventComplete: {from: []Status{StatusProcessing}, to: StatusCompleted},
	EventFail:     {from: []Status{StatusProcessing}, to: StatusFailed},
	EventCancel:   {from: []Status{StatusQueued, StatusProcessing}, to: StatusCancelled},
	EventRetry:    {from: []Status{StatusFailed, StatusCancelled}, to: StatusQueued},
	EventRequeue:  {from: []Status{StatusProcessing}, to: StatusQueued},
}

// Target returns the status an event leads to.
func (e Event) Target() (Status, bool) {
	edge, ok := edges[e]
	return edge.to, ok
}

// CanApply reports whether the event is allowed from status.
func CanApply(from Status, e Event) bool {
	edge, ok := edges[e]
	if !ok {
		return false
	}
	for _, s := range edge.from {
		if s == from {
			return true
		}
	}
	return false
}

// Outcome carries the data some events write together with the status.
type Outcome struct {
	Results *Results // EventComplete
	Message string   // EventFail
	Step    string   // EventFail: the step that was running
}

// Apply validates and applies e to j. On error j is left unchanged.
func Apply(j *Job, e Event, out Outcome, now time.Time) error {
	if !CanApply(j.Status, e) {
		to, _ := e.Target()
		return fmt.Errorf("%w: %s -> %s (%s)", ErrConflict, j.Status, to, e)
	}
	if e == EventComplete && out.Results == nil {
		return fmt.Errorf("%w: complete without results", ErrConflict)
	}

	now = now.UTC()
	switch e {
	case EventStart:
		j.StartedAt = &now
		j.CompletedAt = nil
		j.CurrentStep = ""
		j.ProgressPercent = 0
		j.ErrorMessage = nil

	case EventComplete:
		r := *out.Results
		r.SubtitlePaths = append([]string(nil), out.Results.SubtitlePaths...)
		j.Results = &r
		j.ProgressPercent = 100
		j.CurrentStep = "completed"
		j.CompletedAt = &now

	case EventFail:
		msg := out.Message
		j.ErrorMessage = &msg
		if out.Step != "" {
			j.CurrentStep = out.Step
		}
		j.CompletedAt = &now

	case EventCancel:
		j.CompletedAt = &now

	case EventRetry, EventRequeue:
		j.Run++
		j.CurrentStep = ""
		j.ProgressPercent = 0
		j.StartedAt = nil
		j.CompletedAt = nil
		j.Results = nil
		j.ErrorMessage = nil
	}

	j.Status = edges[e].to
	j.UpdatedAt = now
	return nil
}

// Advance records progress for the current run. Progress never regresses and
// stays below 100 until the run completes. It reports whether anything changed.
func Advance(j *Job, step string, percent float64, now time.Time) bool {
	if j.Status != StatusProcessing {
		return false
	}
	if percent > MaxRunningPercent {
		percent = MaxRunningPercent
	}
	changed := false
	if percent > j.ProgressPercent {
		j.ProgressPercent = percent
		changed = true
	}
	if step != "" && step != j.CurrentStep {
		j.CurrentStep = step
		changed = true
	}
	if changed {
		j.UpdatedAt = now.UTC()
	}
	return changed
}
