package progress

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisBroker(t *testing.T) (*RedisBroker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisBroker(client, time.Hour, 8), mr
}

func TestRedisBrokerLateJoinerAndTerminal(t *testing.T) {
	ctx := context.Background()
	broker, _ := newRedisBroker(t)

	if err := broker.Publish(ctx, jobEvent("j1", "PROCESSING", 40)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	sub, err := broker.Subscribe(ctx, JobTopic("j1"))
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	if got := recv(t, sub); got.ProgressPercent != 40 {
		t.Fatalf("expected cached 40%%, got %f", got.ProgressPercent)
	}

	if err := broker.Publish(ctx, jobEvent("j1", "PROCESSING", 70)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if got := recv(t, sub); got.ProgressPercent != 70 {
		t.Fatalf("expected 70%%, got %f", got.ProgressPercent)
	}

	if err := broker.Publish(ctx, jobEvent("j1", "COMPLETED", 100)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if got := recv(t, sub); got.Status != "COMPLETED" {
		t.Fatalf("expected COMPLETED, got %s", got.Status)
	}
	expectClosed(t, sub)
}

func TestRedisBrokerLatestKeyHasTTL(t *testing.T) {
	ctx := context.Background()
	broker, mr := newRedisBroker(t)

	_ = broker.Publish(ctx, jobEvent("j1", "PROCESSING", 10))
	if ttl := mr.TTL("job:j1:latest"); ttl != time.Hour {
		t.Fatalf("expected 1h TTL, got %v", ttl)
	}

	latest, ok := broker.Latest(ctx, JobTopic("j1"))
	if !ok || latest.ProgressPercent != 10 {
		t.Fatalf("unexpected latest: %+v ok=%v", latest, ok)
	}

	mr.FastForward(2 * time.Hour)
	if _, ok := broker.Latest(ctx, JobTopic("j1")); ok {
		t.Fatal("expected latest to expire")
	}
}

func TestRedisBrokerForget(t *testing.T) {
	ctx := context.Background()
	broker, _ := newRedisBroker(t)

	_ = broker.Publish(ctx, jobEvent("j1", "PROCESSING", 10))
	broker.Forget(ctx, JobTopic("j1"))
	if _, ok := broker.Latest(ctx, JobTopic("j1")); ok {
		t.Fatal("expected no latest after Forget")
	}
}
