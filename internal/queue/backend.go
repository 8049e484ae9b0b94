package queue

import (
	"container/heap"
	"context"
	"sync"

	"github.com/fusionn-autosub/internal/job"
)

// Backend stores pending requests per resource class.
type Backend interface {
	Push(ctx context.Context, req Request) error
	// Pop blocks until a request of the class is available or ctx ends.
	Pop(ctx context.Context, class job.ResourceClass) (Request, error)
	Len(ctx context.Context, class job.ResourceClass) (int, error)
	Close() error
}

type requestHeap []Request

func (h requestHeap) Len() int           { return len(h) }
func (h requestHeap) Less(i, j int) bool { return before(h[i], h[j]) }
func (h requestHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *requestHeap) Push(x any)        { *h = append(*h, x.(Request)) }
func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

type lane struct {
	items requestHeap
	wake  chan struct{}
}

// Memory is an in-process Backend.
type Memory struct {
	mu    sync.Mutex
	seq   uint64
	lanes map[job.ResourceClass]*lane
}

// NewMemory creates an empty in-process backend.
func NewMemory() *Memory {
	m := &Memory{lanes: make(map[job.ResourceClass]*lane)}
	for _, class := range job.Classes {
		m.lanes[class] = &lane{wake: make(chan struct{}, 1)}
	}
	return m
}

func (m *Memory) lane(class job.ResourceClass) *lane {
	l, ok := m.lanes[class]
	if !ok {
		l = &lane{wake: make(chan struct{}, 1)}
		m.lanes[class] = l
	}
	return l
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (m *Memory) Push(_ context.Context, req Request) error {
	m.mu.Lock()
	m.seq++
	req.seq = m.seq
	l := m.lane(req.Class)
	heap.Push(&l.items, req)
	m.mu.Unlock()

	signal(l.wake)
	return nil
}

func (m *Memory) Pop(ctx context.Context, class job.ResourceClass) (Request, error) {
	for {
		m.mu.Lock()
		l := m.lane(class)
		if l.items.Len() > 0 {
			req := heap.Pop(&l.items).(Request)
			more := l.items.Len() > 0
			m.mu.Unlock()
			if more {
				signal(l.wake)
			}
			return req, nil
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return Request{}, ctx.Err()
		case <-l.wake:
		}
	}
}

func (m *Memory) Len(_ context.Context, class job.ResourceClass) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lane(class).items.Len(), nil
}

func (m *Memory) Close() error { return nil }
