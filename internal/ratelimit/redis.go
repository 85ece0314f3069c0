package ratelimit

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/tenghongzou/Ara-notification-service-sub000/pkg/logging"
)

// incrWindowScript counts a hit in the current window and sets the window's
// expiry on first use, in one server-side step.
var incrWindowScript = goredis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if current == 1 then
  redis.call('EXPIRE', KEYS[1], ARGV[1])
end
return current
`)

// RedisLimiter implements a sliding-window counter shared across instances.
// Identifier keys are {prefix}:{id}:{window} where the window index advances
// every window_seconds. On any Redis error the limiter fails open so an
// outage does not amplify into a total denial of service.
type RedisLimiter struct {
	cfg    Config
	client goredis.UniversalClient
	logger logging.Logger

	nowFunc func() time.Time
}

// NewRedisLimiter creates a distributed limiter over the given client.
func NewRedisLimiter(cfg Config, client goredis.UniversalClient, logger logging.Logger) *RedisLimiter {
	if cfg.WindowSeconds <= 0 {
		cfg.WindowSeconds = 60
	}
	return &RedisLimiter{cfg: cfg, client: client, logger: logger, nowFunc: time.Now}
}

func (r *RedisLimiter) BackendType() string { return "redis" }

// CheckIP accounts one connection attempt from the given address.
func (r *RedisLimiter) CheckIP(ctx context.Context, ip string) Decision {
	if !r.cfg.Enabled {
		return allowAll(r.cfg.WSConnectionsPerMinute)
	}
	// The IP family is quoted per minute; scale the limit to the window.
	limit := r.cfg.WSConnectionsPerMinute * r.cfg.WindowSeconds / 60
	if limit < 1 {
		limit = 1
	}
	return r.check(ctx, "ip:"+ip, limit)
}

// CheckKey accounts one HTTP request for the given API identifier.
func (r *RedisLimiter) CheckKey(ctx context.Context, key string) Decision {
	if !r.cfg.Enabled {
		return allowAll(r.cfg.HTTPBurstSize)
	}
	limit := r.cfg.HTTPRequestsPerSecond * r.cfg.WindowSeconds
	if burst := r.cfg.HTTPBurstSize; burst > 0 {
		limit += burst
	}
	return r.check(ctx, "key:"+key, limit)
}

func (r *RedisLimiter) check(ctx context.Context, id string, limit int) Decision {
	now := r.nowFunc()
	windowMs := int64(r.cfg.WindowSeconds) * 1000
	window := now.UnixMilli() / windowMs
	key := fmt.Sprintf("%s:%s:%d", r.cfg.RedisPrefix, id, window)
	resetAt := time.UnixMilli((window + 1) * windowMs)

	count, err := incrWindowScript.Run(ctx, r.client, []string{key}, r.cfg.WindowSeconds).Int64()
	if err != nil {
		r.logger.WithError(err).WithFields(logging.Fields{
			"identifier": id,
		}).Warn("Rate limit check failed, allowing request")
		return Decision{Allowed: true, Limit: limit, Remaining: limit, ResetAt: resetAt}
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	d := Decision{
		Allowed:   count <= int64(limit),
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
	if !d.Allowed {
		d.RetryAfter = time.Until(resetAt)
		if d.RetryAfter < time.Second {
			d.RetryAfter = time.Second
		}
	}
	return d
}

// Sweep is a no-op for the Redis backend; window keys expire on their own.
func (r *RedisLimiter) Sweep() int { return 0 }

// New builds the limiter selected by the configuration, falling back to the
// local backend when the Redis backend is requested without a client.
func New(cfg Config, client goredis.UniversalClient, logger logging.Logger) Limiter {
	if cfg.Backend == "redis" {
		if client == nil {
			logger.Warn("Rate limit backend redis requested without a Redis client, using local")
			return NewLocalLimiter(cfg)
		}
		return NewRedisLimiter(cfg, client, logger)
	}
	return NewLocalLimiter(cfg)
}
