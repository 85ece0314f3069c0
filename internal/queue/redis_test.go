package queue

import (
	"context"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/tenghongzou/Ara-notification-service-sub000/pkg/logging"
)

func newRedisBackend(t *testing.T, cfg Config) (*RedisBackend, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisBackend(cfg, client, "default", logging.NewLogger()), mr
}

func TestRedisEnqueueDrainOrder(t *testing.T) {
	b, _ := newRedisBackend(t, enabledConfig())

	for i := 1; i <= 3; i++ {
		if err := b.Enqueue(context.Background(), "u1", numberedEvent(i)); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	messages, expired, err := b.Drain(context.Background(), "u1")
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if expired != 0 || len(messages) != 3 {
		t.Fatalf("expected 3 live / 0 expired, got %d / %d", len(messages), expired)
	}
	for i, msg := range messages {
		want := fmt.Sprintf(`{"n":%d}`, i+1)
		if string(msg.Event.Payload) != want {
			t.Fatalf("message %d out of order: %s", i, msg.Event.Payload)
		}
		if msg.StreamID == "" {
			t.Fatalf("expected stream id on drained message")
		}
	}

	// The stream is deleted by drain.
	if n, _ := b.QueueSize(context.Background(), "u1"); n != 0 {
		t.Fatalf("expected empty stream after drain, got %d", n)
	}
}

func TestRedisZeroTTLExpiresOnDrain(t *testing.T) {
	cfg := enabledConfig()
	cfg.MessageTTL = 0
	b, _ := newRedisBackend(t, cfg)

	for i := 0; i < 2; i++ {
		if err := b.Enqueue(context.Background(), "u1", numberedEvent(i)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	messages, expired, err := b.Drain(context.Background(), "u1")
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(messages) != 0 || expired != 2 {
		t.Fatalf("expected 0 live / 2 expired, got %d / %d", len(messages), expired)
	}
}

func TestRedisMaxLenBound(t *testing.T) {
	cfg := enabledConfig()
	cfg.MaxSizePerUser = 3
	b, _ := newRedisBackend(t, cfg)

	for i := 1; i <= 5; i++ {
		if err := b.Enqueue(context.Background(), "u1", numberedEvent(i)); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	n, err := b.QueueSize(context.Background(), "u1")
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if n > 3 {
		t.Fatalf("stream exceeded bound: %d", n)
	}
}

func TestRedisPeekAndClear(t *testing.T) {
	b, _ := newRedisBackend(t, enabledConfig())
	for i := 0; i < 4; i++ {
		_ = b.Enqueue(context.Background(), "u1", numberedEvent(i))
	}

	peeked, err := b.Peek(context.Background(), "u1", 2)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(peeked) != 2 {
		t.Fatalf("expected 2 peeked, got %d", len(peeked))
	}
	if n, _ := b.QueueSize(context.Background(), "u1"); n != 4 {
		t.Fatalf("peek must not consume, size %d", n)
	}

	cleared, err := b.ClearUserQueue(context.Background(), "u1")
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if cleared != 4 {
		t.Fatalf("expected 4 cleared, got %d", cleared)
	}
}

func TestRedisStats(t *testing.T) {
	b, _ := newRedisBackend(t, enabledConfig())
	_ = b.Enqueue(context.Background(), "u1", numberedEvent(1))
	_ = b.Enqueue(context.Background(), "u1", numberedEvent(2))
	_ = b.Enqueue(context.Background(), "u2", numberedEvent(3))

	stats, err := b.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalMessages != 3 || stats.UsersWithQueue != 2 || stats.MaxQueueSize != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.BackendType != "redis" {
		t.Fatalf("unexpected backend type %q", stats.BackendType)
	}
}

func TestRedisTenantIsolation(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()

	a := NewRedisBackend(enabledConfig(), client, "tenant-a", logging.NewLogger())
	bTenant := NewRedisBackend(enabledConfig(), client, "tenant-b", logging.NewLogger())

	_ = a.Enqueue(context.Background(), "u1", numberedEvent(1))

	messages, _, err := bTenant.Drain(context.Background(), "u1")
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(messages) != 0 {
		t.Fatalf("tenant-b must not see tenant-a's queue")
	}
}
