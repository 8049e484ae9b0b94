package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fusionn-autosub/internal/job"
)

const defaultPollInterval = 250 * time.Millisecond

// RedisBackend keeps one sorted set per resource class. The score is the
// negated priority and members start with a zero-padded sequence number, so
// ZPOPMIN yields the highest priority and then the oldest request.
type RedisBackend struct {
	rdb    redis.UniversalClient
	prefix string
	poll   time.Duration
}

// NewRedisBackend creates a backend storing keys under prefix.
func NewRedisBackend(rdb redis.UniversalClient, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "autosub:queue"
	}
	return &RedisBackend{rdb: rdb, prefix: prefix, poll: defaultPollInterval}
}

func (b *RedisBackend) key(class job.ResourceClass) string {
	return b.prefix + ":" + string(class)
}

func (b *RedisBackend) Push(ctx context.Context, req Request) error {
	seq, err := b.rdb.Incr(ctx, b.prefix+":seq").Result()
	if err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	member := fmt.Sprintf("%020d|%s", seq, data)
	if err := b.rdb.ZAdd(ctx, b.key(req.Class), redis.Z{Score: float64(-req.Priority), Member: member}).Err(); err != nil {
		return fmt.Errorf("push %s: %w", req.JobID, err)
	}
	return nil
}

// Pop polls ZPOPMIN until a request arrives or ctx ends.
func (b *RedisBackend) Pop(ctx context.Context, class job.ResourceClass) (Request, error) {
	for {
		res, err := b.rdb.ZPopMin(ctx, b.key(class), 1).Result()
		if err != nil && ctx.Err() == nil {
			return Request{}, fmt.Errorf("pop %s: %w", class, err)
		}
		if len(res) > 0 {
			return decodeMember(res[0].Member)
		}

		select {
		case <-ctx.Done():
			return Request{}, ctx.Err()
		case <-time.After(b.poll):
		}
	}
}

func decodeMember(member any) (Request, error) {
	s, ok := member.(string)
	if !ok {
		return Request{}, fmt.Errorf("unexpected queue member type %T", member)
	}
	seqPart, data, found := strings.Cut(s, "|")
	if !found {
		return Request{}, fmt.Errorf("malformed queue member %q", s)
	}
	var req Request
	if err := json.Unmarshal([]byte(data), &req); err != nil {
		return Request{}, fmt.Errorf("decode request: %w", err)
	}
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return Request{}, fmt.Errorf("decode sequence: %w", err)
	}
	req.seq = seq
	return req, nil
}

func (b *RedisBackend) Len(ctx context.Context, class job.ResourceClass) (int, error) {
	n, err := b.rdb.ZCard(ctx, b.key(class)).Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (b *RedisBackend) Close() error { return nil }
