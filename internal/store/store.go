// Package store persists jobs and batches.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/fusionn-autosub/internal/job"
)

// ErrNotFound is returned when a job or batch does not exist.
var ErrNotFound = errors.New("not found")

// JobFilter narrows ListJobs. Zero values match everything.
type JobFilter struct {
	Statuses []job.Status
	BatchID  string
}

func (f JobFilter) match(j *job.Job) bool {
	if f.BatchID != "" && j.BatchID != f.BatchID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if j.Status == s {
			return true
		}
	}
	return false
}

// Store is the persistence contract used by the lifecycle service. Update
// functions run against a private copy; the record is written only when fn
// returns nil. Each update is atomic for its single record.
type Store interface {
	CreateJob(ctx context.Context, j *job.Job) error
	GetJob(ctx context.Context, id string) (*job.Job, error)
	UpdateJob(ctx context.Context, id string, fn func(*job.Job) error) (*job.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*job.Job, error)

	// CreateBatch stores the batch together with its member jobs.
	CreateBatch(ctx context.Context, b *job.Batch, jobs []*job.Job) error
	GetBatch(ctx context.Context, id string) (*job.Batch, error)
	UpdateBatch(ctx context.Context, id string, fn func(*job.Batch) error) (*job.Batch, error)
	// ListOpenBatches returns batches whose status is not terminal.
	ListOpenBatches(ctx context.Context) ([]*job.Batch, error)

	// DeleteFinishedBefore removes terminal jobs, and batches left empty,
	// that completed before cutoff.
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (Purged, error)

	Close() error
}

// Purged lists the records removed by DeleteFinishedBefore.
type Purged struct {
	JobIDs   []string
	BatchIDs []string
}

func cloneBatch(b *job.Batch) *job.Batch {
	if b == nil {
		return nil
	}
	c := *b
	if b.CompletedAt != nil {
		t := *b.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
