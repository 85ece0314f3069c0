package ack

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tenghongzou/Ara-notification-service-sub000/pkg/logging"
)

// PostgresBackend stores pending entries in the pending_acks table and its
// counters in ack_stats via an atomic upsert.
type PostgresBackend struct {
	cfg      Config
	db       *sql.DB
	tenantID string
	logger   logging.Logger

	nowFunc func() time.Time
}

// NewPostgresBackend creates a SQL-backed tracker for one tenant.
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

// Track records the pending entry off the dispatcher's goroutine.
func (p *PostgresBackend) Track(notificationID, userID, connectionID string) {
	if !p.cfg.Enabled {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.track(ctx, notificationID, userID, connectionID); err != nil {
			p.logger.WithError(err).WithField("notification_id", notificationID).Warn("ACK track failed")
		}
	}()
}

func (p *PostgresBackend) track(ctx context.Context, notificationID, userID, connectionID string) error {
	now := p.nowFunc().UTC()
	_, err := p.db.ExecContext(ctx, `
INSERT INTO pending_acks (notification_id, tenant_id, user_id, connection_id, sent_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (notification_id) DO NOTHING`,
		notificationID, p.tenantID, userID, connectionID, now, now.Add(p.cfg.Timeout))
	if err != nil {
		return fmt.Errorf("track: %w", err)
	}
	p.upsertAckStats(ctx, 1, 0, 0, 0, 0)
	return nil
}

// Acknowledge deletes only when the user matches in the same statement, so a
// mismatched ack leaves the row untouched.
func (p *PostgresBackend) Acknowledge(ctx context.Context, notificationID, userID string) (bool, error) {
	if !p.cfg.Enabled {
		return false, nil
	}

	var sentAt time.Time
	err := p.db.QueryRowContext(ctx, `
DELETE FROM pending_acks
WHERE notification_id = $1 AND tenant_id = $2 AND user_id = $3
RETURNING sent_at`, notificationID, p.tenantID, userID).Scan(&sentAt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("acknowledge: %w", err)
	}

	latency := p.nowFunc().Sub(sentAt).Milliseconds()
	if latency < 0 {
		latency = 0
	}
	p.upsertAckStats(ctx, 0, 1, 0, latency, 1)
	return true, nil
}

func (p *PostgresBackend) GetPending(ctx context.Context, notificationID string) (*PendingAck, error) {
	var entry PendingAck
	err := p.db.QueryRowContext(ctx, `
SELECT notification_id, user_id, connection_id, sent_at FROM pending_acks
WHERE notification_id = $1 AND tenant_id = $2`, notificationID, p.tenantID).
		Scan(&entry.NotificationID, &entry.UserID, &entry.ConnectionID, &entry.SentAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pending: %w", err)
	}
	return &entry, nil
}

func (p *PostgresBackend) CleanupExpired(ctx context.Context) (int, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM pending_acks WHERE tenant_id = $1 AND expires_at <= $2`,
		p.tenantID, p.nowFunc().UTC())
	if err != nil {
		return 0, fmt.Errorf("cleanup expired: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		p.upsertAckStats(ctx, 0, 0, n, 0, 0)
	}
	return int(n), nil
}

func (p *PostgresBackend) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_acks WHERE tenant_id = $1`, p.tenantID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("pending count: %w", err)
	}
	return n, nil
}

func (p *PostgresBackend) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{BackendType: "postgres", Enabled: p.cfg.Enabled}

	var (
		tracked, acked, expired, latencySum, latencyCount sql.NullInt64
	)
	err := p.db.QueryRowContext(ctx, `
SELECT total_tracked, total_acked, total_expired, latency_sum_ms, latency_count
FROM ack_stats WHERE tenant_id = $1`, p.tenantID).
		Scan(&tracked, &acked, &expired, &latencySum, &latencyCount)
	if err != nil && err != sql.ErrNoRows {
		return stats, fmt.Errorf("stats: %w", err)
	}

	stats.TotalTracked = tracked.Int64
	stats.TotalAcked = acked.Int64
	stats.TotalExpired = expired.Int64
	stats.AckRate = ackRate(stats.TotalAcked, stats.TotalExpired)
	stats.AvgLatencyMs = avgLatency(latencySum.Int64, latencyCount.Int64)

	pending, err := p.PendingCount(ctx)
	if err != nil {
		return stats, err
	}
	stats.PendingCount = pending
	return stats, nil
}

// upsertAckStats increments the tenant's counters atomically so concurrent
// writers never lose updates. Failures are logged, not propagated.
func (p *PostgresBackend) upsertAckStats(ctx context.Context, tracked, acked, expired, latencySum, latencyCount int64) {
	_, err := p.db.ExecContext(ctx, `
INSERT INTO ack_stats (tenant_id, total_tracked, total_acked, total_expired, latency_sum_ms, latency_count, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (tenant_id) DO UPDATE SET
    total_tracked  = ack_stats.total_tracked + EXCLUDED.total_tracked,
    total_acked    = ack_stats.total_acked + EXCLUDED.total_acked,
    total_expired  = ack_stats.total_expired + EXCLUDED.total_expired,
    latency_sum_ms = ack_stats.latency_sum_ms + EXCLUDED.latency_sum_ms,
    latency_count  = ack_stats.latency_count + EXCLUDED.latency_count,
    updated_at     = EXCLUDED.updated_at`,
		p.tenantID, tracked, acked, expired, latencySum, latencyCount, p.nowFunc().UTC())
	if err != nil {
		p.logger.WithError(err).Debug("ACK stats upsert failed")
	}
}
