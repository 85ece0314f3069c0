package tasks

import (
	"context"
	"time"

	"github.com/tenghongzou/Ara-notification-service-sub000/internal/ack"
	"github.com/tenghongzou/Ara-notification-service-sub000/internal/cluster"
	"github.com/tenghongzou/Ara-notification-service-sub000/internal/connection"
	"github.com/tenghongzou/Ara-notification-service-sub000/internal/notification"
	"github.com/tenghongzou/Ara-notification-service-sub000/internal/queue"
	"github.com/tenghongzou/Ara-notification-service-sub000/internal/ratelimit"
	"github.com/tenghongzou/Ara-notification-service-sub000/pkg/config"
	"github.com/tenghongzou/Ara-notification-service-sub000/pkg/logging"
)

// HeartbeatConfig controls the heartbeat and stale-sweep cadence.
type HeartbeatConfig struct {
	HeartbeatInterval time.Duration
	SweepInterval     time.Duration
	ConnectionTimeout time.Duration
}

// DefaultHeartbeatConfig returns the stock cadence.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		HeartbeatInterval: 30 * time.Second,
		SweepInterval:     60 * time.Second,
		ConnectionTimeout: 120 * time.Second,
	}
}

// HeartbeatConfigFromEnv reads the cadence from the environment.
func HeartbeatConfigFromEnv() HeartbeatConfig {
	return HeartbeatConfig{
		HeartbeatInterval: time.Duration(config.GetEnvInt("HEARTBEAT_INTERVAL_SECONDS", 30)) * time.Second,
		SweepInterval:     time.Duration(config.GetEnvInt("STALE_SWEEP_INTERVAL_SECONDS", 60)) * time.Second,
		ConnectionTimeout: time.Duration(config.GetEnvInt("CONNECTION_TIMEOUT_SECONDS", 120)) * time.Second,
	}
}

// Heartbeat periodically pings every connection and sweeps stale ones. In
// cluster mode the heartbeat tick also refreshes this server's session TTLs.
type Heartbeat struct {
	cfg      HeartbeatConfig
	registry *connection.Registry
	store    cluster.Store
	logger   logging.Logger
}

// NewHeartbeat creates the heartbeat task. The store may be nil when cluster
// mode is off.
func NewHeartbeat(cfg HeartbeatConfig, registry *connection.Registry, store cluster.Store, logger logging.Logger) *Heartbeat {
	return &Heartbeat{cfg: cfg, registry: registry, store: store, logger: logger}
}

// Run ticks until the context is done.
func (h *Heartbeat) Run(ctx context.Context) {
	beat := time.NewTicker(h.cfg.HeartbeatInterval)
	sweep := time.NewTicker(h.cfg.SweepInterval)
	defer beat.Stop()
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-beat.C:
			h.tick(ctx)
		case <-sweep.C:
			h.registry.CleanupStaleConnections(int64(h.cfg.ConnectionTimeout / time.Second))
		}
	}
}

// tick best-effort sends a heartbeat frame to every connection. A failing
// send is only logged; the sweep is what evicts dead connections.
func (h *Heartbeat) tick(ctx context.Context) {
	msg := notification.Raw(notification.HeartbeatMessage())
	failed := 0
	for _, conn := range h.registry.GetAllConnections() {
		if err := conn.Send(msg); err != nil {
			failed++
		}
	}
	if failed > 0 {
		h.logger.WithField("failed", failed).Debug("Heartbeat sends failed")
	}

	if h.store != nil && h.store.IsEnabled() {
		if _, err := h.store.RefreshSessions(ctx); err != nil {
			h.logger.WithError(err).Warn("Session refresh failed")
		}
	}
}

// runEvery calls fn on the interval until the context is done.
func runEvery(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// AckSweeper expires pending acknowledgements on the backend's cadence.
func AckSweeper(ctx context.Context, backend ack.Backend, interval time.Duration, logger logging.Logger) {
	if backend == nil || !backend.Enabled() {
		return
	}
	runEvery(ctx, interval, func() {
		n, err := backend.CleanupExpired(ctx)
		if err != nil {
			logger.WithError(err).Warn("ACK sweep failed")
			return
		}
		if n > 0 {
			logger.WithField("expired", n).Debug("Expired pending acks")
		}
	})
}

// QueueCleaner expires stored offline messages on the backend's cadence.
func QueueCleaner(ctx context.Context, backend queue.Backend, interval time.Duration, logger logging.Logger) {
	if backend == nil || !backend.Enabled() {
		return
	}
	runEvery(ctx, interval, func() {
		n, err := backend.CleanupExpired(ctx)
		if err != nil {
			logger.WithError(err).Warn("Queue cleanup failed")
			return
		}
		if n > 0 {
			logger.WithField("removed", n).Debug("Expired queued messages")
		}
	})
}

// RateLimitSweeper evicts idle rate-limit buckets on the given cadence.
func RateLimitSweeper(ctx context.Context, limiter ratelimit.Limiter, interval time.Duration, logger logging.Logger) {
	if limiter == nil {
		return
	}
	runEvery(ctx, interval, func() {
		if n := limiter.Sweep(); n > 0 {
			logger.WithField("evicted", n).Debug("Swept idle rate-limit buckets")
		}
	})
}
