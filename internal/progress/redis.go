package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fusionn-autosub/pkg/logger"
)

// RedisBroker publishes events over Redis pub/sub so subscribers in other
// processes see the same stream. The latest event per topic is kept under a
// separate key with an expiry.
type RedisBroker struct {
	client redis.UniversalClient
	ttl    time.Duration
	buffer int
}

// NewRedisBroker wraps client. Non-positive values fall back to the defaults.
func NewRedisBroker(client redis.UniversalClient, ttl time.Duration, buffer int) *RedisBroker {
	if ttl <= 0 {
		ttl = DefaultLatestTTL
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &RedisBroker{client: client, ttl: ttl, buffer: buffer}
}

func channelKey(topic string) string { return topic + ":progress" }
func latestKey(topic string) string  { return topic + ":latest" }

// Publish stores e as the latest event and publishes it.
func (b *RedisBroker) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	topic := e.Topic()
	pipe := b.client.TxPipeline()
	pipe.Set(ctx, latestKey(topic), data, b.ttl)
	pipe.Publish(ctx, channelKey(topic), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe confirms the Redis subscription before reading the latest event,
// so nothing published in between is missed.
func (b *RedisBroker) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	ps := b.client.Subscribe(ctx, channelKey(topic))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan Event, b.buffer)
	go func() {
		defer close(out)
		defer func() { _ = ps.Close() }()

		first, hasFirst := b.Latest(ctx, topic)
		if hasFirst {
			offer(out, first)
			if first.Terminal() {
				return
			}
		}

		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var e Event
				if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
					logger.Warnf("⚠️ Dropping malformed progress event on %s: %v", topic, err)
					continue
				}
				if hasFirst && sameEvent(e, first) {
					continue
				}
				offer(out, e)
				if e.Terminal() {
					return
				}
			}
		}
	}()

	return &Subscription{C: out, close: cancel}, nil
}

// Latest reads the cached latest event for topic.
func (b *RedisBroker) Latest(ctx context.Context, topic string) (Event, bool) {
	data, err := b.client.Get(ctx, latestKey(topic)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logger.Warnf("⚠️ Failed to read latest progress for %s: %v", topic, err)
		}
		return Event{}, false
	}
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, false
	}
	return e, true
}

// Forget deletes the cached latest event for topic.
func (b *RedisBroker) Forget(ctx context.Context, topic string) {
	if err := b.client.Del(ctx, latestKey(topic)).Err(); err != nil {
		logger.Warnf("⚠️ Failed to forget progress for %s: %v", topic, err)
	}
}

// Prune is a no-op: latest keys carry their own EX ttl.
func (b *RedisBroker) Prune(context.Context) int {
	return 0
}

// sameEvent matches the cached latest event against one that was also
// delivered through the subscription.
func sameEvent(a, b Event) bool {
	return a.Timestamp.Equal(b.Timestamp) &&
		a.Type == b.Type &&
		a.Status == b.Status &&
		a.StepName == b.StepName &&
		a.ProgressPercent == b.ProgressPercent &&
		a.Message == b.Message
}
