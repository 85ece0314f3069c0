package ack

import (
	"context"
	"database/sql"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/tenghongzou/Ara-notification-service-sub000/pkg/config"
	"github.com/tenghongzou/Ara-notification-service-sub000/pkg/logging"
)

// PendingAck records a notification sent to a connection and awaiting the
// client's ack frame.
type PendingAck struct {
	NotificationID string    `json:"notification_id"`
	UserID         string    `json:"user_id"`
	ConnectionID   string    `json:"connection_id"`
	SentAt         time.Time `json:"sent_at"`
}

// Stats describes ACK accounting. The ack rate is acked over acked plus
// expired, defined as 1.0 when both are zero.
type Stats struct {
	BackendType  string  `json:"backend_type"`
	Enabled      bool    `json:"enabled"`
	TotalTracked int64   `json:"total_tracked"`
	TotalAcked   int64   `json:"total_acked"`
	TotalExpired int64   `json:"total_expired"`
	PendingCount int     `json:"pending_count"`
	AckRate      float64 `json:"ack_rate"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

func ackRate(acked, expired int64) float64 {
	if acked+expired == 0 {
		return 1.0
	}
	return float64(acked) / float64(acked+expired)
}

func avgLatency(sumMs, count int64) float64 {
	if count == 0 {
		return 0
	}
	return float64(sumMs) / float64(count)
}

// Backend is the pending-ACK table. Track is fire-and-forget and must never
// block the dispatcher.
type Backend interface {
	// Track records a sent notification awaiting acknowledgement.
	Track(notificationID, userID, connectionID string)
	// Acknowledge clears a pending entry when the user matches. A mismatched
	// user leaves the entry intact and returns false.
	Acknowledge(ctx context.Context, notificationID, userID string) (bool, error)
	// GetPending returns the pending entry, or nil when absent.
	GetPending(ctx context.Context, notificationID string) (*PendingAck, error)
	// CleanupExpired removes entries past the timeout and returns the count.
	CleanupExpired(ctx context.Context) (int, error)
	// PendingCount returns the number of outstanding entries.
	PendingCount(ctx context.Context) (int, error)
	// Stats reports accounting.
	Stats(ctx context.Context) (Stats, error)
	// BackendType names the implementation.
	BackendType() string
	// Enabled reports whether tracking is active.
	Enabled() bool
}

// Config controls acknowledgement tracking.
type Config struct {
	Enabled         bool
	Backend         string // "memory", "redis", or "postgres"
	Timeout         time.Duration
	CleanupInterval time.Duration
	RedisPrefix     string
}

// DefaultConfig returns the stock ACK settings.
func DefaultConfig() Config {
	return Config{
		Enabled:         false,
		Backend:         "memory",
		Timeout:         30 * time.Second,
		CleanupInterval: 60 * time.Second,
		RedisPrefix:     "ara:ack",
	}
}

// ConfigFromEnv reads ACK settings from the environment.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	cfg.Enabled = config.GetEnvBool("ACK_ENABLED", cfg.Enabled)
	cfg.Backend = config.GetEnv("ACK_BACKEND", cfg.Backend)
	cfg.Timeout = time.Duration(config.GetEnvInt("ACK_TIMEOUT_SECONDS", 30)) * time.Second
	cfg.CleanupInterval = time.Duration(config.GetEnvInt("ACK_CLEANUP_INTERVAL_SECONDS", 60)) * time.Second
	return cfg
}

// Deps carries the external clients a backend may need.
type Deps struct {
	Redis goredis.UniversalClient
	DB    *sql.DB
}

// New builds the ACK backend selected by the configuration, falling back to
// memory when the requested backend lacks its client.
func New(cfg Config, deps Deps, tenantID string, logger logging.Logger) Backend {
	switch cfg.Backend {
	case "redis":
		if deps.Redis != nil {
			return NewRedisBackend(cfg, deps.Redis, tenantID, logger)
		}
		logger.Warn("ACK backend redis requested without a Redis client, using memory")
	case "postgres":
		if deps.DB != nil {
			return NewPostgresBackend(cfg, deps.DB, tenantID, logger)
		}
		logger.Warn("ACK backend postgres requested without a database, using memory")
	case "memory":
	default:
		logger.WithField("backend", cfg.Backend).Warn("Unknown ACK backend, using memory")
	}
	return NewMemoryBackend(cfg, tenantID, logger)
}
