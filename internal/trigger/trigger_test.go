package trigger

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	goredis "github.com/redis/go-redis/v9"

	"github.com/tenghongzou/Ara-notification-service-sub000/internal/dispatch"
	"github.com/tenghongzou/Ara-notification-service-sub000/internal/metrics"
	"github.com/tenghongzou/Ara-notification-service-sub000/internal/notification"
	"github.com/tenghongzou/Ara-notification-service-sub000/pkg/logging"
	"github.com/tenghongzou/Ara-notification-service-sub000/pkg/monitoring"
)

func TestDecodeUserScalarAndList(t *testing.T) {
	for _, raw := range []string{
		`{"type":"user","target":"alice","event":{"event_type":"ping"}}`,
		`{"type":"user","target":["alice"],"event":{"event_type":"ping"}}`,
	} {
		target, event, err := Decode([]byte(raw))
		if err != nil {
			t.Fatalf("decode %s: %v", raw, err)
		}
		if target.Kind != notification.TargetUser || target.User != "alice" {
			t.Fatalf("unexpected target: %+v", target)
		}
		if event.EventType != "ping" {
			t.Fatalf("unexpected event type: %s", event.EventType)
		}
	}
}

func TestDecodeListTolerance(t *testing.T) {
	target, _, err := Decode([]byte(`{"type":"users","target":"alice","event":{"event_type":"ping"}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if target.Kind != notification.TargetUsers || len(target.Users) != 1 || target.Users[0] != "alice" {
		t.Fatalf("scalar must coerce to a one-element list: %+v", target)
	}

	target, _, err = Decode([]byte(`{"type":"channels","target":["a","b"],"event":{"event_type":"ping"}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if target.Kind != notification.TargetChannels || len(target.Channels) != 2 {
		t.Fatalf("unexpected target: %+v", target)
	}
}

func TestDecodeBroadcastNullTarget(t *testing.T) {
	target, _, err := Decode([]byte(`{"type":"broadcast","target":null,"event":{"event_type":"ping"}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if target.Kind != notification.TargetBroadcast {
		t.Fatalf("unexpected target: %+v", target)
	}
}

func TestDecodeEventMetadata(t *testing.T) {
	raw := `{"type":"user","target":"alice","event":{
		"event_type":"order.updated","payload":{"id":7},
		"priority":"High","ttl":60,"correlation_id":"corr-1"}}`
	_, event, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if event.Metadata.Priority != notification.PriorityHigh {
		t.Fatalf("priority: %v", event.Metadata.Priority)
	}
	if event.Metadata.TTLSeconds == nil || *event.Metadata.TTLSeconds != 60 {
		t.Fatalf("ttl: %v", event.Metadata.TTLSeconds)
	}
	if event.Metadata.CorrelationID != "corr-1" {
		t.Fatalf("correlation id: %s", event.Metadata.CorrelationID)
	}
	if event.ID == "" || event.OccurredAt.IsZero() {
		t.Fatal("event must get a fresh id and timestamp")
	}
}

func TestDecodeRejects(t *testing.T) {
	cases := []string{
		`not json`,
		`{"type":"user","target":null,"event":{"event_type":"ping"}}`,
		`{"type":"user","target":["a","b"],"event":{"event_type":"ping"}}`,
		`{"type":"users","target":null,"event":{"event_type":"ping"}}`,
		`{"type":"mystery","target":"x","event":{"event_type":"ping"}}`,
		`{"type":"user","target":"alice","event":{"payload":{}}}`,
		`{"type":"user","target":42,"event":{"event_type":"ping"}}`,
	}
	for _, raw := range cases {
		if _, _, err := Decode([]byte(raw)); err == nil {
			t.Fatalf("expected decode error for %s", raw)
		}
	}
}

func TestDecodeUnknownPriorityDefaultsNormal(t *testing.T) {
	_, event, err := Decode([]byte(`{"type":"broadcast","event":{"event_type":"ping","priority":"Urgent"}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if event.Metadata.Priority != notification.PriorityNormal {
		t.Fatalf("unknown priority must default to Normal, got %v", event.Metadata.Priority)
	}
}

func TestIsPattern(t *testing.T) {
	if !isPattern("notification:user:*") || !isPattern("a?b") || !isPattern("a[1]") {
		t.Fatal("glob metacharacters must mark a pattern")
	}
	if isPattern("notification:broadcast") {
		t.Fatal("plain channel is not a pattern")
	}
}

type captureDispatcher struct {
	calls chan struct {
		target notification.Target
		event  notification.Event
	}
}

func (c *captureDispatcher) Dispatch(_ context.Context, target notification.Target, event notification.Event) dispatch.DeliveryResult {
	c.calls <- struct {
		target notification.Target
		event  notification.Event
	}{target, event}
	return dispatch.DeliveryResult{NotificationID: event.ID, DeliveredTo: 1, Success: true}
}

// Every consumed message lands on the trigger counter, dispatched or not.
func TestSubscriberCountsMessages(t *testing.T) {
	m := metrics.New(monitoring.NewMetricsCollector("trigger-test", "test", "none"))
	sink := &captureDispatcher{calls: make(chan struct {
		target notification.Target
		event  notification.Event
	}, 4)}
	sub := NewSubscriber(DefaultConfig(), nil, sink, logging.NewLogger())
	sub.SetMetrics(m)

	ctx := context.Background()
	sub.handle(ctx, "notification:user:alice", []byte(`{"type":"user","target":"alice","event":{"event_type":"ping"}}`))
	sub.handle(ctx, "notification:user:alice", []byte(`not json`))

	if got := testutil.ToFloat64(m.TriggerMessages.WithLabelValues("dispatched")); got != 1 {
		t.Fatalf("dispatched counter = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.TriggerMessages.WithLabelValues("invalid")); got != 1 {
		t.Fatalf("invalid counter = %v, want 1", got)
	}
}

func TestSubscriberReceivesLiteralAndPattern(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()

	sink := &captureDispatcher{calls: make(chan struct {
		target notification.Target
		event  notification.Event
	}, 256)}
	sub := NewSubscriber(DefaultConfig(), client, sink, logging.NewLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sub.Run(ctx)

	payload := `{"type":"user","target":"alice","event":{"event_type":"ping"}}`
	broadcast := `{"type":"broadcast","event":{"event_type":"announce"}}`

	received := 0
	deadline := time.Now().Add(2 * time.Second)
	for received < 2 && time.Now().Before(deadline) {
		// Publish until the asynchronous subscription is up.
		client.Publish(ctx, "notification:user:alice", payload)
		client.Publish(ctx, "notification:broadcast", broadcast)
		select {
		case call := <-sink.calls:
			received++
			if call.target.Kind != notification.TargetUser && call.target.Kind != notification.TargetBroadcast {
				t.Fatalf("unexpected target kind %s", call.target.Kind)
			}
		case <-time.After(20 * time.Millisecond):
		}
	}
	if received < 2 {
		t.Fatal("expected both literal and pattern subscriptions to deliver")
	}
}
