package ratelimit

import (
	"context"
	"time"

	"github.com/tenghongzou/Ara-notification-service-sub000/pkg/config"
)

// Config controls both rate-limiter families. The IP family guards WebSocket
// and SSE connection attempts; the key family guards HTTP API calls.
type Config struct {
	Enabled                bool
	Backend                string // "local" or "redis"
	HTTPRequestsPerSecond  int
	HTTPBurstSize          int
	WSConnectionsPerMinute int
	BucketTTL              time.Duration
	WindowSeconds          int // redis backend window
	RedisPrefix            string
}

// DefaultConfig returns the stock rate-limit settings.
func DefaultConfig() Config {
	return Config{
		Enabled:                true,
		Backend:                "local",
		HTTPRequestsPerSecond:  100,
		HTTPBurstSize:          200,
		WSConnectionsPerMinute: 60,
		BucketTTL:              10 * time.Minute,
		WindowSeconds:          60,
		RedisPrefix:            "ara:ratelimit",
	}
}

// ConfigFromEnv reads rate-limit settings from the environment.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	cfg.Enabled = config.GetEnvBool("RATELIMIT_ENABLED", cfg.Enabled)
	cfg.Backend = config.GetEnv("RATELIMIT_BACKEND", cfg.Backend)
	cfg.HTTPRequestsPerSecond = config.GetEnvInt("RATELIMIT_HTTP_REQUESTS_PER_SECOND", cfg.HTTPRequestsPerSecond)
	cfg.HTTPBurstSize = config.GetEnvInt("RATELIMIT_HTTP_BURST_SIZE", cfg.HTTPBurstSize)
	cfg.WSConnectionsPerMinute = config.GetEnvInt("RATELIMIT_WS_CONNECTIONS_PER_MINUTE", cfg.WSConnectionsPerMinute)
	return cfg
}

// Decision is the outcome of a rate-limit check, carrying the values exposed
// in the X-RateLimit-* response headers.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}

// Limiter is the contract shared by the local and distributed backends.
type Limiter interface {
	// CheckIP accounts one WebSocket/SSE connection attempt from an address.
	CheckIP(ctx context.Context, ip string) Decision
	// CheckKey accounts one HTTP request for an API identifier.
	CheckKey(ctx context.Context, key string) Decision
	// Sweep evicts idle bucket state and returns the number removed.
	Sweep() int
	// BackendType names the implementation for stats.
	BackendType() string
}

func allowAll(limit int) Decision {
	return Decision{Allowed: true, Limit: limit, Remaining: limit}
}
