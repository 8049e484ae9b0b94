package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fusionn-autosub/internal/job"
)

// Memory is an in-process Store.
type Memory struct {
	mu      sync.RWMutex
	jobs    map[string]*job.Job
	batches map[string]*job.Batch
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{
		jobs:    make(map[string]*job.Job),
		batches: make(map[string]*job.Batch),
	}
}

func (m *Memory) CreateJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; ok {
		return fmt.Errorf("job %s already exists", j.ID)
	}
	m.jobs[j.ID] = j.Clone()
	return nil
}

func (m *Memory) GetJob(_ context.Context, id string) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return j.Clone(), nil
}

func (m *Memory) UpdateJob(_ context.Context, id string, fn func(*job.Job) error) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	m.jobs[id] = next
	return next.Clone(), nil
}

func (m *Memory) ListJobs(_ context.Context, filter JobFilter) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*job.Job
	for _, j := range m.jobs {
		if filter.match(j) {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID < out[b].ID
		}
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	return out, nil
}

func (m *Memory) CreateBatch(_ context.Context, b *job.Batch, jobs []*job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.batches[b.ID]; ok {
		return fmt.Errorf("batch %s already exists", b.ID)
	}
	for _, j := range jobs {
		if _, ok := m.jobs[j.ID]; ok {
			return fmt.Errorf("job %s already exists", j.ID)
		}
	}
	m.batches[b.ID] = cloneBatch(b)
	for _, j := range jobs {
		m.jobs[j.ID] = j.Clone()
	}
	return nil
}

func (m *Memory) GetBatch(_ context.Context, id string) (*job.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.batches[id]
	if !ok {
		return nil, fmt.Errorf("batch %s: %w", id, ErrNotFound)
	}
	return cloneBatch(b), nil
}

func (m *Memory) UpdateBatch(_ context.Context, id string, fn func(*job.Batch) error) (*job.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.batches[id]
	if !ok {
		return nil, fmt.Errorf("batch %s: %w", id, ErrNotFound)
	}
	next := cloneBatch(cur)
	if err := fn(next); err != nil {
		return nil, err
	}
	m.batches[id] = next
	return cloneBatch(next), nil
}

func (m *Memory) ListOpenBatches(_ context.Context) ([]*job.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*job.Batch
	for _, b := range m.batches {
		if !b.Status.Terminal() {
			out = append(out, cloneBatch(b))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

func (m *Memory) DeleteFinishedBefore(_ context.Context, cutoff time.Time) (Purged, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var purged Purged
	for id, j := range m.jobs {
		if j.Status.Terminal() && j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
			delete(m.jobs, id)
			purged.JobIDs = append(purged.JobIDs, id)
		}
	}
	members := make(map[string]bool)
	for _, j := range m.jobs {
		if j.BatchID != "" {
			members[j.BatchID] = true
		}
	}
	for id, b := range m.batches {
		if !members[id] && b.Status.Terminal() {
			delete(m.batches, id)
			purged.BatchIDs = append(purged.BatchIDs, id)
		}
	}
	return purged, nil
}

func (m *Memory) Close() error { return nil }
