package progress

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/fusionn-autosub/pkg/logger"
)

// Async moves publishing off the caller's goroutine. Non-terminal events are
// dropped when the queue is full; terminal events wait for room.
type Async struct {
	next Broker
	ch   chan Event

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	dropped atomic.Int64
}

// NewAsync wraps next with a publish queue of the given size.
func NewAsync(next Broker, size int) *Async {
	if size <= 0 {
		size = DefaultBuffer
	}
	a := &Async{next: next, ch: make(chan Event, size)}
	a.wg.Add(1)
	go a.loop()
	return a
}

func (a *Async) loop() {
	defer a.wg.Done()
	for e := range a.ch {
		if err := a.next.Publish(context.Background(), e); err != nil {
			logger.Warnf("⚠️ Progress publish failed for %s: %v", e.Topic(), err)
		}
	}
}

// Publish queues e. It never returns an error.
func (a *Async) Publish(ctx context.Context, e Event) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return nil
	}

	if e.Terminal() {
		select {
		case a.ch <- e:
		case <-ctx.Done():
			a.dropped.Add(1)
		}
		return nil
	}
	select {
	case a.ch <- e:
	default:
		a.dropped.Add(1)
	}
	return nil
}

func (a *Async) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	return a.next.Subscribe(ctx, topic)
}

func (a *Async) Latest(ctx context.Context, topic string) (Event, bool) {
	return a.next.Latest(ctx, topic)
}

func (a *Async) Forget(ctx context.Context, topic string) {
	a.next.Forget(ctx, topic)
}

func (a *Async) Prune(ctx context.Context) int {
	return a.next.Prune(ctx)
}

// Dropped returns how many events were discarded because the queue was full.
func (a *Async) Dropped() int64 {
	return a.dropped.Load()
}

// Close flushes queued events and stops the publisher.
func (a *Async) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.ch)
	a.mu.Unlock()
	a.wg.Wait()
}
