package queue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/tenghongzou/Ara-notification-service-sub000/internal/notification"
	"github.com/tenghongzou/Ara-notification-service-sub000/pkg/config"
	"github.com/tenghongzou/Ara-notification-service-sub000/pkg/logging"
)

var (
	// ErrDisabled is returned by mutating operations when queueing is off.
	ErrDisabled = errors.New("offline queue disabled")
)

// StoredMessage is one queued notification awaiting a user's reconnect.
type StoredMessage struct {
	ID       string             `json:"id"`
	Event    notification.Event `json:"event"`
	QueuedAt time.Time          `json:"queued_at"`
	Attempts int                `json:"attempts"`
	StreamID string             `json:"stream_id,omitempty"`
}

// Expired reports whether the message has outlived the TTL at the given time.
func (m *StoredMessage) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(m.QueuedAt) >= ttl
}

// Stats describes a queue backend's occupancy and configuration.
type Stats struct {
	BackendType       string `json:"backend_type"`
	Enabled           bool   `json:"enabled"`
	TotalMessages     int    `json:"total_messages"`
	UsersWithQueue    int    `json:"users_with_queue"`
	MaxQueueSize      int    `json:"max_queue_size"`
	MaxQueueSizeLimit int    `json:"max_queue_size_config"`
	MessageTTLSeconds int    `json:"message_ttl_seconds"`
	TotalDropped      int64  `json:"total_dropped"`
}

// Backend is the per-user bounded FIFO with TTL. Implementations accept a
// tenant id at construction; key spaces are isolated per tenant.
type Backend interface {
	// Enqueue appends the event to the user's queue, evicting the oldest
	// message first when the queue is at its bound.
	Enqueue(ctx context.Context, userID string, event notification.Event) error
	// Drain atomically removes and returns all non-expired messages in
	// enqueue order, plus the count of expired messages discarded.
	Drain(ctx context.Context, userID string) ([]StoredMessage, int, error)
	// Peek returns up to limit messages without removing them.
	Peek(ctx context.Context, userID string, limit int) ([]StoredMessage, error)
	// QueueSize returns the user's current queue depth.
	QueueSize(ctx context.Context, userID string) (int, error)
	// CleanupExpired removes expired messages across all users.
	CleanupExpired(ctx context.Context) (int, error)
	// ClearUserQueue removes all of a user's messages.
	ClearUserQueue(ctx context.Context, userID string) (int, error)
	// Stats reports occupancy.
	Stats(ctx context.Context) (Stats, error)
	// BackendType names the implementation.
	BackendType() string
	// Enabled reports whether queueing is active.
	Enabled() bool
}

// Config controls the offline queue.
type Config struct {
	Enabled         bool
	Backend         string // "memory", "redis", or "postgres"
	MaxSizePerUser  int
	MessageTTL      time.Duration
	CleanupInterval time.Duration
	RedisPrefix     string
}

// DefaultConfig returns the stock queue settings.
func DefaultConfig() Config {
	return Config{
		Enabled:         false,
		Backend:         "memory",
		MaxSizePerUser:  100,
		MessageTTL:      3600 * time.Second,
		CleanupInterval: 300 * time.Second,
		RedisPrefix:     "ara:queue",
	}
}

// ConfigFromEnv reads queue settings from the environment.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	cfg.Enabled = config.GetEnvBool("QUEUE_ENABLED", cfg.Enabled)
	cfg.Backend = config.GetEnv("QUEUE_BACKEND", cfg.Backend)
	cfg.MaxSizePerUser = config.GetEnvInt("QUEUE_MAX_SIZE_PER_USER", cfg.MaxSizePerUser)
	if cfg.MaxSizePerUser < 1 {
		cfg.MaxSizePerUser = 1
	}
	cfg.MessageTTL = time.Duration(config.GetEnvInt("QUEUE_MESSAGE_TTL_SECONDS", 3600)) * time.Second
	cfg.CleanupInterval = time.Duration(config.GetEnvInt("QUEUE_CLEANUP_INTERVAL_SECONDS", 300)) * time.Second
	return cfg
}

// Deps carries the external clients a backend may need.
type Deps struct {
	Redis goredis.UniversalClient
	DB    *sql.DB
}

// New builds the queue backend selected by the configuration. An unknown or
// unusable backend falls back to memory so startup stays total.
func New(cfg Config, deps Deps, tenantID string, logger logging.Logger) Backend {
	switch cfg.Backend {
	case "redis":
		if deps.Redis != nil {
			return NewRedisBackend(cfg, deps.Redis, tenantID, logger)
		}
		logger.Warn("Queue backend redis requested without a Redis client, using memory")
	case "postgres":
		if deps.DB != nil {
			return NewPostgresBackend(cfg, deps.DB, tenantID, logger)
		}
		logger.Warn("Queue backend postgres requested without a database, using memory")
	case "memory":
	default:
		logger.WithField("backend", cfg.Backend).Warn("Unknown queue backend, using memory")
	}
	return NewMemoryBackend(cfg, tenantID, logger)
}

// Replay drains the user's queue and sends each stored event down the
// connection's outbound queue in order. Returns the delivered count.
func Replay(ctx context.Context, backend Backend, userID string, send func(notification.Outbound) error, logger logging.Logger) int {
	if backend == nil || !backend.Enabled() {
		return 0
	}
	messages, expired, err := backend.Drain(ctx, userID)
	if err != nil {
		logger.WithError(err).WithField("user_id", userID).Warn("Queue drain failed on connect")
		return 0
	}

	delivered := 0
	for _, m := range messages {
		data, err := notification.Raw(notification.NotificationMessage(m.Event)).Bytes()
		if err != nil {
			continue
		}
		if err := send(notification.Serialized(data)); err != nil {
			logger.WithError(err).WithField("user_id", userID).Debug("Queued message replay send failed")
			continue
		}
		delivered++
	}
	if delivered > 0 || expired > 0 {
		logger.WithFields(logging.Fields{
			"user_id":   userID,
			"delivered": delivered,
			"expired":   expired,
		}).Info("Replayed offline queue")
	}
	return delivered
}
