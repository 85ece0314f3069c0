package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/tenghongzou/Ara-notification-service-sub000/internal/notification"
	"github.com/tenghongzou/Ara-notification-service-sub000/pkg/logging"
)

// RedisBackend stores each user's queue as a Redis stream. XADD with an
// approximate MAXLEN gives the FIFO bound cheaply; expiry is filtered at
// drain time from the queued_at embedded in the stored JSON.
type RedisBackend struct {
	cfg      Config
	client   goredis.UniversalClient
	tenantID string
	logger   logging.Logger

	dropped atomic.Int64
	nowFunc func() time.Time
}

// NewRedisBackend creates a stream-backed queue for one tenant.
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

func (r *RedisBackend) streamKey(userID string) string {
	return fmt.Sprintf("%s:%s:%s", r.cfg.RedisPrefix, r.tenantID, userID)
}

func (r *RedisBackend) Enqueue(ctx context.Context, userID string, event notification.Event) error {
	if !r.cfg.Enabled {
		return ErrDisabled
	}

	msg := StoredMessage{
		ID:       uuid.New().String(),
		Event:    event,
		QueuedAt: r.nowFunc().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal stored message: %w", err)
	}

	key := r.streamKey(userID)
	before, err := r.client.XLen(ctx, key).Result()
	if err != nil && err != goredis.Nil {
		return fmt.Errorf("queue length: %w", err)
	}

	err = r.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: key,
		MaxLen: int64(r.cfg.MaxSizePerUser),
		Approx: true,
		Values: map[string]interface{}{"data": data},
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}

	if before >= int64(r.cfg.MaxSizePerUser) {
		r.dropped.Add(before - int64(r.cfg.MaxSizePerUser) + 1)
	}
	return nil
}

func (r *RedisBackend) Drain(ctx context.Context, userID string) ([]StoredMessage, int, error) {
	key := r.streamKey(userID)
	entries, err := r.client.XRange(ctx, key, "-", "+").Result()
	if err != nil && err != goredis.Nil {
		return nil, 0, fmt.Errorf("drain read: %w", err)
	}
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return nil, 0, fmt.Errorf("drain delete: %w", err)
	}

	now := r.nowFunc()
	var live []StoredMessage
	expired := 0
	for _, entry := range entries {
		msg, ok := r.decode(entry)
		if !ok {
			continue
		}
		if msg.Expired(now, r.cfg.MessageTTL) {
			expired++
			continue
		}
		live = append(live, msg)
	}
	return live, expired, nil
}

func (r *RedisBackend) decode(entry goredis.XMessage) (StoredMessage, bool) {
	raw, ok := entry.Values["data"].(string)
	if !ok {
		r.logger.WithField("stream_id", entry.ID).Warn("Queued entry missing data field, skipping")
		return StoredMessage{}, false
	}
	var msg StoredMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		r.logger.WithError(err).WithField("stream_id", entry.ID).Warn("Queued entry undecodable, skipping")
		return StoredMessage{}, false
	}
	msg.StreamID = entry.ID
	return msg, true
}

func (r *RedisBackend) Peek(ctx context.Context, userID string, limit int) ([]StoredMessage, error) {
	key := r.streamKey(userID)
	var (
		entries []goredis.XMessage
		err     error
	)
	if limit > 0 {
		entries, err = r.client.XRangeN(ctx, key, "-", "+", int64(limit)).Result()
	} else {
		entries, err = r.client.XRange(ctx, key, "-", "+").Result()
	}
	if err != nil && err != goredis.Nil {
		return nil, fmt.Errorf("peek: %w", err)
	}

	var out []StoredMessage
	for _, entry := range entries {
		if msg, ok := r.decode(entry); ok {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (r *RedisBackend) QueueSize(ctx context.Context, userID string) (int, error) {
	n, err := r.client.XLen(ctx, r.streamKey(userID)).Result()
	if err != nil && err != goredis.Nil {
		return 0, fmt.Errorf("queue size: %w", err)
	}
	return int(n), nil
}

// CleanupExpired is a no-op for the stream backend: MAXLEN bounds growth and
// drain-time filtering handles expiry.
func (r *RedisBackend) CleanupExpired(context.Context) (int, error) {
	return 0, nil
}

func (r *RedisBackend) ClearUserQueue(ctx context.Context, userID string) (int, error) {
	key := r.streamKey(userID)
	n, err := r.client.XLen(ctx, key).Result()
	if err != nil && err != goredis.Nil {
		return 0, fmt.Errorf("clear queue length: %w", err)
	}
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return 0, fmt.Errorf("clear queue: %w", err)
	}
	return int(n), nil
}

func (r *RedisBackend) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{
		BackendType:       "redis",
		Enabled:           r.cfg.Enabled,
		MaxQueueSizeLimit: r.cfg.MaxSizePerUser,
		MessageTTLSeconds: int(r.cfg.MessageTTL / time.Second),
		TotalDropped:      r.dropped.Load(),
	}

	pattern := fmt.Sprintf("%s:%s:*", r.cfg.RedisPrefix, r.tenantID)
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return stats, fmt.Errorf("stats scan: %w", err)
		}
		for _, key := range keys {
			n, err := r.client.XLen(ctx, key).Result()
			if err != nil {
				continue
			}
			stats.TotalMessages += int(n)
			stats.UsersWithQueue++
			if int(n) > stats.MaxQueueSize {
				stats.MaxQueueSize = int(n)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return stats, nil
}
