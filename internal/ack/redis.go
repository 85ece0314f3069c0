package ack

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/tenghongzou/Ara-notification-service-sub000/pkg/logging"
)

// acknowledgeScript is a compare-and-delete: the entry is removed only when
// the caller's user id matches, so a forged or stolen ack never clears the
// tracker and a concurrent legitimate ack cannot be lost to a re-insert.
// Returns the sent_at millis on success, -1 on user mismatch, nil when the
// entry does not exist.
var acknowledgeScript = goredis.NewScript(`
local uid = redis.call('HGET', KEYS[1], 'user_id')
if not uid then
  return false
end
if uid ~= ARGV[1] then
  return -1
end
local sent = redis.call('HGET', KEYS[1], 'sent_at_ms')
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[2])
return tonumber(sent)
`)

// RedisBackend keeps each pending entry in a hash plus a sorted set keyed by
// expiry timestamp so the sweep is a range-by-score.
type RedisBackend struct {
	cfg      Config
	client   goredis.UniversalClient
	tenantID string
	logger   logging.Logger

	nowFunc func() time.Time
}

// NewRedisBackend creates a Redis-backed tracker for one tenant.
func NewRedisBackend(cfg Config, client goredis.UniversalClient, tenantID string, logger logging.Logger) *RedisBackend {
	return &RedisBackend{
		cfg:      cfg,
		client:   client,
		tenantID: tenantID,
		logger:   logger,
		nowFunc:  time.Now,
	}
}

func (r *RedisBackend) BackendType() string { return "redis" }
func (r *RedisBackend) Enabled() bool       { return r.cfg.Enabled }

func (r *RedisBackend) pendingKey(notificationID string) string {
	return fmt.Sprintf("%s:%s:pending:%s", r.cfg.RedisPrefix, r.tenantID, notificationID)
}

func (r *RedisBackend) timeoutKey() string {
	return fmt.Sprintf("%s:%s:timeout", r.cfg.RedisPrefix, r.tenantID)
}

func (r *RedisBackend) statsKey() string {
	return fmt.Sprintf("%s:%s:stats", r.cfg.RedisPrefix, r.tenantID)
}

// Track records the pending entry off the dispatcher's goroutine.
func (r *RedisBackend) Track(notificationID, userID, connectionID string) {
	if !r.cfg.Enabled {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.track(ctx, notificationID, userID, connectionID); err != nil {
			r.logger.WithError(err).WithField("notification_id", notificationID).Warn("ACK track failed")
		}
	}()
}

func (r *RedisBackend) track(ctx context.Context, notificationID, userID, connectionID string) error {
	now := r.nowFunc().UTC()
	expiry := now.Add(r.cfg.Timeout)

	pipe := r.client.Pipeline()
	pipe.HSet(ctx, r.pendingKey(notificationID), map[string]interface{}{
		"notification_id": notificationID,
		"user_id":         userID,
		"connection_id":   connectionID,
		"sent_at_ms":      now.UnixMilli(),
	})
	pipe.Expire(ctx, r.pendingKey(notificationID), r.cfg.Timeout+time.Minute)
	pipe.ZAdd(ctx, r.timeoutKey(), goredis.Z{Score: float64(expiry.UnixMilli()), Member: notificationID})
	pipe.HIncrBy(ctx, r.statsKey(), "total_tracked", 1)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisBackend) Acknowledge(ctx context.Context, notificationID, userID string) (bool, error) {
	if !r.cfg.Enabled {
		return false, nil
	}

	res, err := acknowledgeScript.Run(ctx, r.client,
		[]string{r.pendingKey(notificationID), r.timeoutKey()},
		userID, notificationID).Result()
	if err == goredis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("acknowledge: %w", err)
	}

	sentMs, ok := res.(int64)
	if !ok || sentMs < 0 {
		return false, nil
	}

	latency := r.nowFunc().UnixMilli() - sentMs
	if latency < 0 {
		latency = 0
	}
	pipe := r.client.Pipeline()
	pipe.HIncrBy(ctx, r.statsKey(), "total_acked", 1)
	pipe.HIncrBy(ctx, r.statsKey(), "latency_sum_ms", latency)
	pipe.HIncrBy(ctx, r.statsKey(), "latency_count", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.WithError(err).Debug("ACK stats update failed")
	}
	return true, nil
}

func (r *RedisBackend) GetPending(ctx context.Context, notificationID string) (*PendingAck, error) {
	fields, err := r.client.HGetAll(ctx, r.pendingKey(notificationID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get pending: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	sentMs, _ := strconv.ParseInt(fields["sent_at_ms"], 10, 64)
	return &PendingAck{
		NotificationID: fields["notification_id"],
		UserID:         fields["user_id"],
		ConnectionID:   fields["connection_id"],
		SentAt:         time.UnixMilli(sentMs).UTC(),
	}, nil
}

func (r *RedisBackend) CleanupExpired(ctx context.Context) (int, error) {
	nowMs := r.nowFunc().UnixMilli()
	ids, err := r.client.ZRangeByScore(ctx, r.timeoutKey(), &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(nowMs, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("cleanup range: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := r.client.Pipeline()
	for _, id := range ids {
		pipe.Del(ctx, r.pendingKey(id))
		pipe.ZRem(ctx, r.timeoutKey(), id)
	}
	pipe.HIncrBy(ctx, r.statsKey(), "total_expired", int64(len(ids)))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("cleanup delete: %w", err)
	}
	return len(ids), nil
}

func (r *RedisBackend) PendingCount(ctx context.Context) (int, error) {
	n, err := r.client.ZCard(ctx, r.timeoutKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("pending count: %w", err)
	}
	return int(n), nil
}

func (r *RedisBackend) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{BackendType: "redis", Enabled: r.cfg.Enabled}

	fields, err := r.client.HGetAll(ctx, r.statsKey()).Result()
	if err != nil {
		return stats, fmt.Errorf("stats: %w", err)
	}
	get := func(name string) int64 {
		v, _ := strconv.ParseInt(fields[name], 10, 64)
		return v
	}
	stats.TotalTracked = get("total_tracked")
	stats.TotalAcked = get("total_acked")
	stats.TotalExpired = get("total_expired")
	stats.AckRate = ackRate(stats.TotalAcked, stats.TotalExpired)
	stats.AvgLatencyMs = avgLatency(get("latency_sum_ms"), get("latency_count"))

	pending, err := r.PendingCount(ctx)
	if err != nil {
		return stats, err
	}
	stats.PendingCount = pending
	return stats, nil
}
