package job

import "time"

// Summary is the aggregate state of a batch computed from its member jobs.
type Summary struct {
	Total          int         `json:"total"`
	Completed      int         `json:"completed"`
	Failed         int         `json:"failed"`
	Cancelled      int         `json:"cancelled"`
	Processing     int         `json:"processing"`
	Queued         int         `json:"queued"`
	OverallPercent float64     `json:"overall_percent"`
	Status         BatchStatus `json:"status"`
}

// AllDone reports whether every member job is terminal.
func (s Summary) AllDone() bool {
	return s.Completed+s.Failed+s.Cancelled >= s.Total
}

// Aggregate derives batch counters and status from member jobs. It has no
// side effects and returns the same result for the same input.
func Aggregate(jobs []*Job) Summary {
	s := Summary{Total: len(jobs)}
	var sum float64
	for _, j := range jobs {
		switch j.Status {
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		case StatusCancelled:
			s.Cancelled++
		case StatusProcessing:
			s.Processing++
		case StatusQueued:
			s.Queued++
		}
		sum += j.ProgressPercent
	}
	if s.Total > 0 {
		s.OverallPercent = sum / float64(s.Total)
	}

	switch {
	case s.AllDone():
		if s.Failed == 0 && s.Cancelled == 0 {
			s.Status = BatchCompleted
		} else {
			s.Status = BatchPartial
		}
	case s.Processing > 0:
		s.Status = BatchProcessing
	default:
		s.Status = BatchQueued
	}
	return s
}

// ApplySummary writes derived fields onto b. It reports whether anything changed.
func ApplySummary(b *Batch, s Summary, now time.Time) bool {
	changed := b.Status != s.Status ||
		b.TotalJobs != s.Total ||
		b.CompletedJobs != s.Completed ||
		b.FailedJobs != s.Failed

	b.Status = s.Status
	b.TotalJobs = s.Total
	b.CompletedJobs = s.Completed
	b.FailedJobs = s.Failed

	if s.Status.Terminal() {
		if b.CompletedAt == nil {
			t := now.UTC()
			b.CompletedAt = &t
			changed = true
		}
	} else if b.CompletedAt != nil {
		b.CompletedAt = nil
		changed = true
	}
	if changed {
		b.UpdatedAt = now.UTC()
	}
	return changed
}
