package ack

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tenghongzou/Ara-notification-service-sub000/pkg/logging"
)

// MemoryBackend keeps pending ACKs in process memory.
type MemoryBackend struct {
	cfg      Config
	tenantID string
	logger   logging.Logger

	mu      sync.Mutex
	pending map[string]PendingAck

	totalTracked atomic.Int64
	totalAcked   atomic.Int64
	totalExpired atomic.Int64
	latencySumMs atomic.Int64
	latencyCount atomic.Int64

	nowFunc func() time.Time
}

// NewMemoryBackend creates an in-memory tracker for one tenant.
func NewMemoryBackend(cfg Config, tenantID string, logger logging.Logger) *MemoryBackend {
	return &MemoryBackend{
		cfg:      cfg,
		tenantID: tenantID,
		logger:   logger,
		pending:  make(map[string]PendingAck),
		nowFunc:  time.Now,
	}
}

func (m *MemoryBackend) BackendType() string { return "memory" }
func (m *MemoryBackend) Enabled() bool       { return m.cfg.Enabled }

func (m *MemoryBackend) Track(notificationID, userID, connectionID string) {
	if !m.cfg.Enabled {
		return
	}
	entry := PendingAck{
		NotificationID: notificationID,
		UserID:         userID,
		ConnectionID:   connectionID,
		SentAt:         m.nowFunc().UTC(),
	}
	m.mu.Lock()
	m.pending[notificationID] = entry
	m.mu.Unlock()
	m.totalTracked.Add(1)
}

func (m *MemoryBackend) Acknowledge(_ context.Context, notificationID, userID string) (bool, error) {
	if !m.cfg.Enabled {
		return false, nil
	}

	m.mu.Lock()
	entry, ok := m.pending[notificationID]
	if !ok || entry.UserID != userID {
		m.mu.Unlock()
		return false, nil
	}
	delete(m.pending, notificationID)
	m.mu.Unlock()

	latency := m.nowFunc().Sub(entry.SentAt)
	m.totalAcked.Add(1)
	m.latencySumMs.Add(latency.Milliseconds())
	m.latencyCount.Add(1)
	return true, nil
}

func (m *MemoryBackend) GetPending(_ context.Context, notificationID string) (*PendingAck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.pending[notificationID]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

func (m *MemoryBackend) CleanupExpired(_ context.Context) (int, error) {
	now := m.nowFunc()
	removed := 0

	m.mu.Lock()
	for id, entry := range m.pending {
		if now.Sub(entry.SentAt) >= m.cfg.Timeout {
			delete(m.pending, id)
			removed++
		}
	}
	m.mu.Unlock()

	if removed > 0 {
		m.totalExpired.Add(int64(removed))
		m.logger.WithField("count", removed).Debug("Expired pending acks")
	}
	return removed, nil
}

func (m *MemoryBackend) PendingCount(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending), nil
}

func (m *MemoryBackend) Stats(ctx context.Context) (Stats, error) {
	pending, _ := m.PendingCount(ctx)
	acked := m.totalAcked.Load()
	expired := m.totalExpired.Load()
	return Stats{
		BackendType:  "memory",
		Enabled:      m.cfg.Enabled,
		TotalTracked: m.totalTracked.Load(),
		TotalAcked:   acked,
		TotalExpired: expired,
		PendingCount: pending,
		AckRate:      ackRate(acked, expired),
		AvgLatencyMs: avgLatency(m.latencySumMs.Load(), m.latencyCount.Load()),
	}, nil
}
