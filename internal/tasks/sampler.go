package tasks

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tenghongzou/Ara-notification-service-sub000/internal/ack"
	"github.com/tenghongzou/Ara-notification-service-sub000/internal/cluster"
	"github.com/tenghongzou/Ara-notification-service-sub000/internal/connection"
	"github.com/tenghongzou/Ara-notification-service-sub000/internal/dispatch"
	"github.com/tenghongzou/Ara-notification-service-sub000/internal/metrics"
	"github.com/tenghongzou/Ara-notification-service-sub000/internal/queue"
	"github.com/tenghongzou/Ara-notification-service-sub000/pkg/logging"
)

// MetricsSampler publishes subsystem stats to Prometheus on a fixed cadence.
// Cumulative stats are converted to counter increments against the previous
// sample; gauges are set directly.
type MetricsSampler struct {
	m          *metrics.Metrics
	registry   *connection.Registry
	dispatcher *dispatch.Dispatcher
	queue      queue.Backend
	acks       ack.Backend
	router     *cluster.Router
	breakers   map[string]func() string
	logger     logging.Logger

	prevDispatch dispatch.Stats
	prevExpired  int64
	prevOut      int64
	prevIn       int64
}

// NewMetricsSampler builds the sampler. Any collaborator may be nil; the
// sampler skips what it was not given. breakers maps a dependency name to a
// function returning the current breaker state.
func NewMetricsSampler(m *metrics.Metrics, registry *connection.Registry, dispatcher *dispatch.Dispatcher, q queue.Backend, acks ack.Backend, router *cluster.Router, breakers map[string]func() string, logger logging.Logger) *MetricsSampler {
	return &MetricsSampler{
		m:          m,
		registry:   registry,
		dispatcher: dispatcher,
		queue:      q,
		acks:       acks,
		router:     router,
		breakers:   breakers,
		logger:     logger,
	}
}

// Run samples until the context is done.
func (s *MetricsSampler) Run(ctx context.Context, interval time.Duration) {
	if s.m == nil {
		return
	}
	runEvery(ctx, interval, func() { s.sample(ctx) })
}

func (s *MetricsSampler) sample(ctx context.Context) {
	if s.registry != nil {
		s.m.Connections.WithLabelValues("all").Set(float64(s.registry.Stats().TotalConnections))
	}

	if s.dispatcher != nil {
		cur := s.dispatcher.Stats()
		prev := s.prevDispatch
		addDelta(s.m.NotificationsSent, "user", cur.UserSends, prev.UserSends)
		addDelta(s.m.NotificationsSent, "users", cur.UsersSends, prev.UsersSends)
		addDelta(s.m.NotificationsSent, "broadcast", cur.Broadcasts, prev.Broadcasts)
		addDelta(s.m.NotificationsSent, "channel", cur.ChannelSends, prev.ChannelSends)
		addDelta(s.m.NotificationsSent, "channels", cur.ChannelsSends, prev.ChannelsSends)
		addDelta(s.m.Delivered, "all", cur.TotalDelivered, prev.TotalDelivered)
		addDelta(s.m.Failed, "all", cur.TotalFailed, prev.TotalFailed)
		backend := "memory"
		if s.queue != nil {
			backend = s.queue.BackendType()
		}
		addDelta(s.m.Queued, backend, cur.TotalQueued, prev.TotalQueued)
		s.prevDispatch = cur
	}

	if s.queue != nil && s.queue.Enabled() {
		if qs, err := s.queue.Stats(ctx); err == nil {
			s.m.QueueDepth.WithLabelValues(qs.BackendType).Set(float64(qs.TotalMessages))
		}
	}

	if s.acks != nil && s.acks.Enabled() {
		if as, err := s.acks.Stats(ctx); err == nil {
			addDelta(s.m.AcksExpired, as.BackendType, as.TotalExpired, s.prevExpired)
			s.prevExpired = as.TotalExpired
		}
	}

	if s.router != nil {
		rs := s.router.Stats()
		addDelta(s.m.RoutedMessages, "out", rs.RoutedOut, s.prevOut)
		addDelta(s.m.RoutedMessages, "in", rs.RoutedIn, s.prevIn)
		s.prevOut, s.prevIn = rs.RoutedOut, rs.RoutedIn
	}

	for dep, state := range s.breakers {
		s.m.SetBreakerState(dep, state())
	}
}

// addDelta increments the labeled counter by the growth since the last
// sample. Counters only move forward, so a negative delta is ignored.
func addDelta(vec *prometheus.CounterVec, label string, cur, prev int64) {
	if cur > prev {
		vec.WithLabelValues(label).Add(float64(cur - prev))
	}
}
