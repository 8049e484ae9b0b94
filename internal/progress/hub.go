package progress

import (
	"context"
	"sync"
	"time"
)

const (
	DefaultLatestTTL = time.Hour
	DefaultBuffer    = 64
)

type cached struct {
	event   Event
	expires time.Time
}

type hubSub struct {
	ch   chan Event
	done chan struct{}
	once sync.Once
}

// Hub is the in-process Broker.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*hubSub]struct{}
	latest map[string]cached
	ttl    time.Duration
	buffer int
	now    func() time.Time

	// Publish scans latest for expired topics once this passes.
	nextPrune time.Time
}

// NewHub creates a hub. Non-positive values fall back to the defaults.
func NewHub(ttl time.Duration, buffer int) *Hub {
	if ttl <= 0 {
		ttl = DefaultLatestTTL
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		subs:   make(map[string]map[*hubSub]struct{}),
		latest: make(map[string]cached),
		ttl:    ttl,
		buffer: buffer,
		now:    time.Now,
	}
}

// Publish records e as the latest event of its topic and delivers it to every
// subscriber. A terminal event closes all subscriptions on the topic.
func (h *Hub) Publish(_ context.Context, e Event) error {
	topic := e.Topic()

	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	if !now.Before(h.nextPrune) {
		h.pruneLocked(now)
	}
	h.latest[topic] = cached{event: e, expires: now.Add(h.ttl)}
	for sub := range h.subs[topic] {
		offer(sub.ch, e)
		if e.Terminal() {
			h.closeLocked(topic, sub)
		}
	}
	return nil
}

// Subscribe opens a stream for topic. The cached latest event, if any, is
// delivered first.
func (h *Hub) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	sub := &hubSub{
		ch:   make(chan Event, h.buffer),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if c, ok := h.latestLocked(topic); ok {
		sub.ch <- c
		if c.Terminal() {
			sub.once.Do(func() {
				close(sub.ch)
				close(sub.done)
			})
			h.mu.Unlock()
			return &Subscription{C: sub.ch, close: func() {}}, nil
		}
	}
	if h.subs[topic] == nil {
		h.subs[topic] = make(map[*hubSub]struct{})
	}
	h.subs[topic][sub] = struct{}{}
	h.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			h.remove(topic, sub)
		case <-sub.done:
		}
	}()

	return &Subscription{C: sub.ch, close: func() { h.remove(topic, sub) }}, nil
}

// Latest returns the cached latest event for topic if it has not expired.
func (h *Hub) Latest(_ context.Context, topic string) (Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latestLocked(topic)
}

// Forget drops the cached latest event for topic.
func (h *Hub) Forget(_ context.Context, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.latest, topic)
}

// Prune drops every expired latest event.
func (h *Hub) Prune(_ context.Context) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pruneLocked(h.now())
}

func (h *Hub) pruneLocked(now time.Time) int {
	removed := 0
	for topic, c := range h.latest {
		if now.After(c.expires) {
			delete(h.latest, topic)
			removed++
		}
	}
	h.nextPrune = now.Add(h.ttl)
	return removed
}

// Subscribers returns the number of open subscriptions on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[topic])
}

func (h *Hub) latestLocked(topic string) (Event, bool) {
	c, ok := h.latest[topic]
	if !ok {
		return Event{}, false
	}
	if h.now().After(c.expires) {
		delete(h.latest, topic)
		return Event{}, false
	}
	return c.event, true
}

func (h *Hub) remove(topic string, sub *hubSub) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closeLocked(topic, sub)
}

func (h *Hub) closeLocked(topic string, sub *hubSub) {
	sub.once.Do(func() {
		close(sub.ch)
		close(sub.done)
	})
	if subs := h.subs[topic]; subs != nil {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.subs, topic)
		}
	}
}
