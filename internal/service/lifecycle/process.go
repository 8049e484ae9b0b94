package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/fusionn-autosub/internal/failure"
	"github.com/fusionn-autosub/internal/job"
	"github.com/fusionn-autosub/internal/progress"
	"github.com/fusionn-autosub/internal/queue"
	"github.com/fusionn-autosub/internal/service/orchestrator"
	"github.com/fusionn-autosub/internal/store"
	"github.com/fusionn-autosub/pkg/logger"
)

// skippable reports errors that mean a request has nothing left to do.
func skippable(err error) bool {
	return errors.Is(err, errStale) || errors.Is(err, job.ErrConflict) || errors.Is(err, store.ErrNotFound)
}

// Process starts the run a request belongs to, executes it and commits the
// results. Requests for an older run, or for a job that is no longer QUEUED,
// are dropped.
func (s *Service) Process(ctx context.Context, req queue.Request) error {
	log := logger.ForJob(req.JobID, req.Run)

	j, err := s.store.UpdateJob(ctx, req.JobID, func(cur *job.Job) error {
		if cur.Run != req.Run {
			return errStale
		}
		return job.Apply(cur, job.EventStart, job.Outcome{}, s.now())
	})
	if err != nil {
		if skippable(err) {
			log.Infof("⏭️ Skipping request: %v", err)
			return nil
		}
		return fmt.Errorf("start job: %w", err)
	}

	s.publish(ctx, progress.JobEvent(j, progress.TypeStatus, "Processing started"))
	s.refreshBatch(ctx, j.BatchID)

	results, err := s.runner.Run(ctx, j)
	if errors.Is(err, orchestrator.ErrCancelled) {
		log.Info("⏭️ Run no longer current, stopping")
		s.forget(j)
		return nil
	}
	if err != nil {
		return err
	}

	done, err := s.store.UpdateJob(ctx, j.ID, func(cur *job.Job) error {
		if cur.Run != j.Run {
			return errStale
		}
		return job.Apply(cur, job.EventComplete, job.Outcome{Results: results}, s.now())
	})
	if err != nil {
		if skippable(err) {
			log.Warnf("⚠️ Discarding results of a run that was cancelled: %v", err)
			s.forget(j)
			return nil
		}
		return fmt.Errorf("complete job: %w", err)
	}

	log.Infof("✅ Job completed: %d subtitle file(s)", len(done.Results.SubtitlePaths))
	s.settled(ctx, done, "Completed")
	s.notify(true, "✅ Subtitles ready", completedBody(done))
	return nil
}

// Reschedule moves the job back to QUEUED under a new run so the dispatcher
// can retry it, and returns that run.
func (s *Service) Reschedule(ctx context.Context, req queue.Request, cause error) (int, error) {
	j, err := s.store.UpdateJob(ctx, req.JobID, func(cur *job.Job) error {
		if cur.Run != req.Run {
			return errStale
		}
		// The run never started, so the same run can simply be queued again.
		if cur.Status == job.StatusQueued {
			return nil
		}
		return job.Apply(cur, job.EventRequeue, job.Outcome{}, s.now())
	})
	if err != nil {
		return 0, err
	}

	s.recorder.Forget(req.JobID, req.Run)
	s.publish(ctx, progress.JobEvent(j, progress.TypeStatus, "Retrying: "+failure.UserMessage(cause)))
	s.refreshBatch(ctx, j.BatchID)
	return j.Run, nil
}

// Abandon records a final failure for the request's run.
func (s *Service) Abandon(ctx context.Context, req queue.Request, cause error) error {
	msg := failure.UserMessage(cause)
	var step string
	var stepErr *orchestrator.StepError
	if errors.As(cause, &stepErr) {
		step = string(stepErr.Step)
	}

	j, err := s.store.UpdateJob(ctx, req.JobID, func(cur *job.Job) error {
		if cur.Run != req.Run {
			return errStale
		}
		if cur.Status == job.StatusQueued {
			if err := job.Apply(cur, job.EventStart, job.Outcome{}, s.now()); err != nil {
				return err
			}
		}
		return job.Apply(cur, job.EventFail, job.Outcome{Message: msg, Step: step}, s.now())
	})
	if err != nil {
		if skippable(err) {
			logger.ForJob(req.JobID, req.Run).Infof("⏭️ Not recording failure: %v", err)
			return nil
		}
		return err
	}

	s.settled(ctx, j, msg)
	s.notify(false, "❌ Subtitle job failed", fmt.Sprintf("%s\n%s", filepath.Base(j.Config.InputPath), msg))
	return nil
}

func completedBody(j *job.Job) string {
	body := filepath.Base(j.Config.InputPath)
	if r := j.Results; r != nil {
		body += fmt.Sprintf("\n%d segments", r.SegmentCount)
		if r.DetectedLanguage != "" {
			body += fmt.Sprintf(" | detected %s", r.DetectedLanguage)
		}
		if r.VideoPath != "" {
			body += "\n" + filepath.Base(r.VideoPath)
		}
	}
	return body
}

func (s *Service) notify(ok bool, title, body string) {
	if s.notifier == nil {
		return
	}
	var err error
	if ok {
		err = s.notifier.NotifySuccess(title, body)
	} else {
		err = s.notifier.NotifyError(title, body)
	}
	if err != nil {
		logger.Warnf("⚠️ Failed to send notification: %v", err)
	}
}

func (s *Service) notifyInfo(title, body string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.NotifyInfo(title, body); err != nil {
		logger.Warnf("⚠️ Failed to send notification: %v", err)
	}
}
