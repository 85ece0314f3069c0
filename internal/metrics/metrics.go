package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tenghongzou/Ara-notification-service-sub000/pkg/monitoring"
)

// Metrics holds the notification-domain instruments, registered on the
// service's shared collector.
type Metrics struct {
	Connections       *prometheus.GaugeVec
	NotificationsSent *prometheus.CounterVec
	Delivered         *prometheus.CounterVec
	Failed            *prometheus.CounterVec
	Queued            *prometheus.CounterVec
	QueueDepth        *prometheus.GaugeVec
	AckLatency        *prometheus.HistogramVec
	AcksExpired       *prometheus.CounterVec
	RoutedMessages    *prometheus.CounterVec
	TriggerMessages   *prometheus.CounterVec
	BreakerState      *prometheus.GaugeVec
	RateLimited       *prometheus.CounterVec
}

// New registers the domain metrics. A nil collector returns nil so callers
// can guard every observation with one check.
func New(mc *monitoring.MetricsCollector) *Metrics {
	if mc == nil {
		return nil
	}
	return &Metrics{
		Connections:       mc.NewGauge("ws_connections", "Live realtime connections", []string{"tenant"}),
		NotificationsSent: mc.NewCounter("notifications_sent_total", "Dispatch calls by target variant", []string{"variant"}),
		Delivered:         mc.NewCounter("notifications_delivered_total", "Frames delivered to outbound queues", []string{"variant"}),
		Failed:            mc.NewCounter("notifications_failed_total", "Frames dropped on full or closed queues", []string{"variant"}),
		Queued:            mc.NewCounter("notifications_queued_total", "Events stored for offline users", []string{"backend"}),
		QueueDepth:        mc.NewGauge("offline_queue_depth", "Messages waiting in offline queues", []string{"backend"}),
		AckLatency:        mc.NewHistogram("ack_latency_seconds", "Delivery-to-ack latency", []string{"backend"}, []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30}),
		AcksExpired:       mc.NewCounter("acks_expired_total", "Pending acks that timed out", []string{"backend"}),
		RoutedMessages:    mc.NewCounter("cluster_routed_total", "Cross-server routed messages", []string{"direction"}),
		TriggerMessages:   mc.NewCounter("trigger_messages_total", "Redis trigger messages", []string{"status"}),
		BreakerState:      mc.NewGauge("circuit_breaker_state", "Breaker state (0 closed, 1 half-open, 2 open)", []string{"dependency"}),
		RateLimited:       mc.NewCounter("rate_limited_total", "Requests refused by the rate limiter", []string{"scope"}),
	}
}

// ObserveAck records one acknowledged delivery.
func (m *Metrics) ObserveAck(backend string, latency time.Duration) {
	if m == nil {
		return
	}
	m.AckLatency.WithLabelValues(backend).Observe(latency.Seconds())
}

// CountTrigger records one trigger bus message by outcome.
func (m *Metrics) CountTrigger(status string) {
	if m == nil {
		return
	}
	m.TriggerMessages.WithLabelValues(status).Inc()
}

// CountRateLimited records one request refused by the rate limiter.
func (m *Metrics) CountRateLimited(scope string) {
	if m == nil {
		return
	}
	m.RateLimited.WithLabelValues(scope).Inc()
}

// SetBreakerState publishes a breaker state as a gauge value.
func (m *Metrics) SetBreakerState(dependency, state string) {
	if m == nil {
		return
	}
	var v float64
	switch state {
	case "half_open":
		v = 1
	case "open":
		v = 2
	}
	m.BreakerState.WithLabelValues(dependency).Set(v)
}
