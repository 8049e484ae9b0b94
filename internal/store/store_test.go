package store

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/fusionn-autosub/internal/job"
)

var base = time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

func newJob(t *testing.T, id, batchID string, offset time.Duration) *job.Job {
	t.Helper()
	j, err := job.New(id, job.Config{InputPath: "/videos/" + id + ".mp4", TargetLanguage: "vi", Priority: 3}, base.Add(offset))
	if err != nil {
		t.Fatalf("job.New failed: %v", err)
	}
	j.BatchID = batchID
	return j
}

func stores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := OpenSQLite(filepath.Join(t.TempDir(), "db", "autosub.db"))
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sqlite,
	}
}

func TestJobRoundTrip(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			j := newJob(t, "a", "", 0)
			if err := s.CreateJob(ctx, j); err != nil {
				t.Fatalf("CreateJob failed: %v", err)
			}

			got, err := s.GetJob(ctx, "a")
			if err != nil {
				t.Fatalf("GetJob failed: %v", err)
			}
			if got.Config.InputPath != j.Config.InputPath || got.Config.Priority != 3 {
				t.Fatalf("unexpected config: %+v", got.Config)
			}
			if len(got.Plan) != len(j.Plan) || got.Plan[2].Name != job.StepTranslate {
				t.Fatalf("plan not persisted: %+v", got.Plan)
			}
			if !got.CreatedAt.Equal(j.CreatedAt) || got.Run != 1 {
				t.Fatalf("unexpected metadata: %+v", got)
			}

			if _, err := s.GetJob(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestUpdateJobAppliesOrDiscards(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_ = s.CreateJob(ctx, newJob(t, "a", "", 0))

			updated, err := s.UpdateJob(ctx, "a", func(j *job.Job) error {
				return job.Apply(j, job.EventStart, job.Outcome{}, base.Add(time.Minute))
			})
			if err != nil {
				t.Fatalf("UpdateJob failed: %v", err)
			}
			if updated.Status != job.StatusProcessing {
				t.Fatalf("expected PROCESSING, got %s", updated.Status)
			}

			_, err = s.UpdateJob(ctx, "a", func(j *job.Job) error {
				return job.Apply(j, job.EventRetry, job.Outcome{}, base)
			})
			if !errors.Is(err, job.ErrConflict) {
				t.Fatalf("expected ErrConflict, got %v", err)
			}

			got, _ := s.GetJob(ctx, "a")
			if got.Status != job.StatusProcessing || got.StartedAt == nil {
				t.Fatalf("failed update must not be written: %+v", got)
			}

			if _, err := s.UpdateJob(ctx, "missing", func(*job.Job) error { return nil }); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestListJobsFilters(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := &job.Batch{ID: "b1", Name: "season", Status: job.BatchQueued, CreatedAt: base, UpdatedAt: base}
			members := []*job.Job{newJob(t, "m1", "b1", time.Second), newJob(t, "m2", "b1", 2*time.Second)}
			if err := s.CreateBatch(ctx, b, members); err != nil {
				t.Fatalf("CreateBatch failed: %v", err)
			}
			_ = s.CreateJob(ctx, newJob(t, "solo", "", 0))
			_, _ = s.UpdateJob(ctx, "m2", func(j *job.Job) error {
				return job.Apply(j, job.EventStart, job.Outcome{}, base)
			})

			all, _ := s.ListJobs(ctx, JobFilter{})
			if len(all) != 3 || all[0].ID != "solo" {
				t.Fatalf("expected 3 jobs ordered by creation, got %d", len(all))
			}

			inBatch, _ := s.ListJobs(ctx, JobFilter{BatchID: "b1"})
			if len(inBatch) != 2 || inBatch[0].ID != "m1" || inBatch[1].ID != "m2" {
				t.Fatalf("unexpected batch members: %v", ids(inBatch))
			}

			processing, _ := s.ListJobs(ctx, JobFilter{Statuses: []job.Status{job.StatusProcessing}})
			if len(processing) != 1 || processing[0].ID != "m2" {
				t.Fatalf("unexpected processing jobs: %v", ids(processing))
			}

			queued, _ := s.ListJobs(ctx, JobFilter{BatchID: "b1", Statuses: []job.Status{job.StatusQueued}})
			if len(queued) != 1 || queued[0].ID != "m1" {
				t.Fatalf("unexpected queued batch jobs: %v", ids(queued))
			}
		})
	}
}

func TestBatchUpdateAndOpenList(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			open := &job.Batch{ID: "open", Status: job.BatchProcessing, CreatedAt: base, UpdatedAt: base}
			done := &job.Batch{ID: "done", Status: job.BatchQueued, CreatedAt: base.Add(time.Second), UpdatedAt: base}
			_ = s.CreateBatch(ctx, open, nil)
			_ = s.CreateBatch(ctx, done, nil)

			_, err := s.UpdateBatch(ctx, "done", func(b *job.Batch) error {
				job.ApplySummary(b, job.Summary{Total: 2, Completed: 1, Failed: 1, Status: job.BatchPartial}, base)
				return nil
			})
			if err != nil {
				t.Fatalf("UpdateBatch failed: %v", err)
			}

			got, _ := s.GetBatch(ctx, "done")
			if got.Status != job.BatchPartial || got.FailedJobs != 1 || got.CompletedAt == nil {
				t.Fatalf("unexpected batch: %+v", got)
			}

			batches, _ := s.ListOpenBatches(ctx)
			if len(batches) != 1 || batches[0].ID != "open" {
				t.Fatalf("expected only the open batch, got %d", len(batches))
			}

			if _, err := s.GetBatch(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestDeleteFinishedBefore(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := &job.Batch{ID: "old", Status: job.BatchCompleted, CreatedAt: base, UpdatedAt: base}
			_ = s.CreateBatch(ctx, b, []*job.Job{newJob(t, "old-1", "old", 0)})
			_ = s.CreateJob(ctx, newJob(t, "fresh", "", 0))
			_ = s.CreateJob(ctx, newJob(t, "running", "", 0))

			finish := func(id string, at time.Time) {
				_, err := s.UpdateJob(ctx, id, func(j *job.Job) error {
					if err := job.Apply(j, job.EventStart, job.Outcome{}, at); err != nil {
						return err
					}
					return job.Apply(j, job.EventComplete, job.Outcome{Results: &job.Results{}}, at)
				})
				if err != nil {
					t.Fatalf("finish %s: %v", id, err)
				}
			}
			finish("old-1", base)
			finish("fresh", base.Add(48*time.Hour))

			purged, err := s.DeleteFinishedBefore(ctx, base.Add(24*time.Hour))
			if err != nil {
				t.Fatalf("DeleteFinishedBefore failed: %v", err)
			}
			if !slices.Equal(purged.JobIDs, []string{"old-1"}) || !slices.Equal(purged.BatchIDs, []string{"old"}) {
				t.Fatalf("unexpected purge: %+v", purged)
			}
			if _, err := s.GetJob(ctx, "old-1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("old job should be gone, got %v", err)
			}
			if _, err := s.GetBatch(ctx, "old"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("empty finished batch should be gone, got %v", err)
			}
			for _, id := range []string{"fresh", "running"} {
				if _, err := s.GetJob(ctx, id); err != nil {
					t.Fatalf("job %s should remain: %v", id, err)
				}
			}
		})
	}
}

func TestSQLiteReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "autosub.db")
	ctx := context.Background()

	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	_ = s.CreateJob(ctx, newJob(t, "a", "", 0))
	_ = s.Close()

	s, err = OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()
	if _, err := s.GetJob(ctx, "a"); err != nil {
		t.Fatalf("job lost after reopen: %v", err)
	}
}

func ids(jobs []*job.Job) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.ID
	}
	return out
}
