package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tenghongzou/Ara-notification-service-sub000/internal/notification"
	"github.com/tenghongzou/Ara-notification-service-sub000/pkg/logging"
)

// enqueueSQL bounds and appends in one statement: the CTE deletes the oldest
// row when the user's queue is already at the bound, then inserts the new
// row, making the check and the eviction race-free.
const enqueueSQL = `
WITH current AS (
    SELECT COUNT(*) AS cnt FROM message_queue
    WHERE tenant_id = $1 AND user_id = $2
), evicted AS (
    DELETE FROM message_queue
    WHERE id IN (
        SELECT id FROM message_queue
        WHERE tenant_id = $1 AND user_id = $2
          AND (SELECT cnt FROM current) >= $3
        ORDER BY queued_at ASC
        LIMIT 1
    )
    RETURNING id
), inserted AS (
    INSERT INTO message_queue (id, tenant_id, user_id, event_data, queued_at, expires_at, attempts)
    VALUES ($4, $1, $2, $5, $6, $7, 0)
    RETURNING id
)
SELECT (SELECT COUNT(*) FROM evicted)`

const drainSQL = `
WITH drained AS (
    DELETE FROM message_queue
    WHERE tenant_id = $1 AND user_id = $2 AND expires_at > $3
    RETURNING id, event_data, queued_at, attempts
)
SELECT id, event_data, queued_at, attempts FROM drained ORDER BY queued_at ASC`

const drainExpiredSQL = `
DELETE FROM message_queue
WHERE tenant_id = $1 AND user_id = $2 AND expires_at <= $3`

// PostgresBackend stores queues in the message_queue table and maintains the
// queue_stats counters through an atomic upsert.
type PostgresBackend struct {
	cfg      Config
	db       *sql.DB
	tenantID string
	logger   logging.Logger

	dropped atomic.Int64
	nowFunc func() time.Time
}

// NewPostgresBackend creates a SQL-backed queue for one tenant.
func NewPostgresBackend(cfg Config, db *sql.DB, tenantID string, logger logging.Logger) *PostgresBackend {
	return &PostgresBackend{
		cfg:      cfg,
		db:       db,
		tenantID: tenantID,
		logger:   logger,
		nowFunc:  time.Now,
	}
}

func (p *PostgresBackend) BackendType() string { return "postgres" }
func (p *PostgresBackend) Enabled() bool       { return p.cfg.Enabled }

func (p *PostgresBackend) Enqueue(ctx context.Context, userID string, event notification.Event) error {
	if !p.cfg.Enabled {
		return ErrDisabled
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	now := p.nowFunc().UTC()
	var evicted int
	err = p.db.QueryRowContext(ctx, enqueueSQL,
		p.tenantID, userID, p.cfg.MaxSizePerUser,
		uuid.New().String(), data, now, now.Add(p.cfg.MessageTTL),
	).Scan(&evicted)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	if evicted > 0 {
		p.dropped.Add(int64(evicted))
	}

	p.upsertQueueStats(ctx, 1, int64(evicted), 0)
	return nil
}

func (p *PostgresBackend) Drain(ctx context.Context, userID string) ([]StoredMessage, int, error) {
	now := p.nowFunc().UTC()

	rows, err := p.db.QueryContext(ctx, drainSQL, p.tenantID, userID, now)
	if err != nil {
		return nil, 0, fmt.Errorf("drain: %w", err)
	}
	defer rows.Close()

	var messages []StoredMessage
	for rows.Next() {
		var (
			msg  StoredMessage
			data []byte
		)
		if err := rows.Scan(&msg.ID, &data, &msg.QueuedAt, &msg.Attempts); err != nil {
			return nil, 0, fmt.Errorf("drain scan: %w", err)
		}
		if err := json.Unmarshal(data, &msg.Event); err != nil {
			p.logger.WithError(err).WithField("message_id", msg.ID).Warn("Queued row undecodable, skipping")
			continue
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("drain rows: %w", err)
	}

	res, err := p.db.ExecContext(ctx, drainExpiredSQL, p.tenantID, userID, now)
	if err != nil {
		return messages, 0, fmt.Errorf("drain expired: %w", err)
	}
	expired, _ := res.RowsAffected()

	p.upsertQueueStats(ctx, 0, 0, int64(len(messages)))
	return messages, int(expired), nil
}

func (p *PostgresBackend) Peek(ctx context.Context, userID string, limit int) ([]StoredMessage, error) {
	if limit <= 0 {
		limit = p.cfg.MaxSizePerUser
	}
	rows, err := p.db.QueryContext(ctx, `
SELECT id, event_data, queued_at, attempts FROM message_queue
WHERE tenant_id = $1 AND user_id = $2
ORDER BY queued_at ASC LIMIT $3`, p.tenantID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("peek: %w", err)
	}
	defer rows.Close()

	var messages []StoredMessage
	for rows.Next() {
		var (
			msg  StoredMessage
			data []byte
		)
		if err := rows.Scan(&msg.ID, &data, &msg.QueuedAt, &msg.Attempts); err != nil {
			return nil, fmt.Errorf("peek scan: %w", err)
		}
		if err := json.Unmarshal(data, &msg.Event); err != nil {
			continue
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (p *PostgresBackend) QueueSize(ctx context.Context, userID string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM message_queue WHERE tenant_id = $1 AND user_id = $2`,
		p.tenantID, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue size: %w", err)
	}
	return n, nil
}

func (p *PostgresBackend) CleanupExpired(ctx context.Context) (int, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM message_queue WHERE tenant_id = $1 AND expires_at <= $2`,
		p.tenantID, p.nowFunc().UTC())
	if err != nil {
		return 0, fmt.Errorf("cleanup expired: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (p *PostgresBackend) ClearUserQueue(ctx context.Context, userID string) (int, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM message_queue WHERE tenant_id = $1 AND user_id = $2`,
		p.tenantID, userID)
	if err != nil {
		return 0, fmt.Errorf("clear queue: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Stats computes occupancy with independent aggregates over a per-user count
// subquery, avoiding join fan-out over-counting.
func (p *PostgresBackend) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{
		BackendType:       "postgres",
		Enabled:           p.cfg.Enabled,
		MaxQueueSizeLimit: p.cfg.MaxSizePerUser,
		MessageTTLSeconds: int(p.cfg.MessageTTL / time.Second),
		TotalDropped:      p.dropped.Load(),
	}

	err := p.db.QueryRowContext(ctx, `
SELECT COALESCE(SUM(cnt), 0), COUNT(*), COALESCE(MAX(cnt), 0)
FROM (
    SELECT user_id, COUNT(*) AS cnt FROM message_queue
    WHERE tenant_id = $1 GROUP BY user_id
) per_user`, p.tenantID).Scan(&stats.TotalMessages, &stats.UsersWithQueue, &stats.MaxQueueSize)
	if err != nil {
		return stats, fmt.Errorf("stats: %w", err)
	}
	return stats, nil
}

// upsertQueueStats updates the per-tenant counters atomically so concurrent
// writers never lose updates. Failures are logged, not propagated; stats are
// advisory.
func (p *PostgresBackend) upsertQueueStats(ctx context.Context, enqueued, dropped, drained int64) {
	_, err := p.db.ExecContext(ctx, `
INSERT INTO queue_stats (tenant_id, total_enqueued, total_dropped, total_drained, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (tenant_id) DO UPDATE SET
    total_enqueued = queue_stats.total_enqueued + EXCLUDED.total_enqueued,
    total_dropped  = queue_stats.total_dropped + EXCLUDED.total_dropped,
    total_drained  = queue_stats.total_drained + EXCLUDED.total_drained,
    updated_at     = EXCLUDED.updated_at`,
		p.tenantID, enqueued, dropped, drained, p.nowFunc().UTC())
	if err != nil {
		p.logger.WithError(err).Debug("Queue stats upsert failed")
	}
}
