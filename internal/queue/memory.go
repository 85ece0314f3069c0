package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tenghongzou/Ara-notification-service-sub000/internal/notification"
	"github.com/tenghongzou/Ara-notification-service-sub000/pkg/logging"
)

// MemoryBackend keeps per-user queues in process memory. Contents are lost
// on restart.
type MemoryBackend struct {
	cfg      Config
	tenantID string
	logger   logging.Logger

	mu     sync.Mutex
	queues map[string][]StoredMessage

	dropped atomic.Int64
	nowFunc func() time.Time
}

// NewMemoryBackend creates an in-memory queue for one tenant.
func NewMemoryBackend(cfg Config, tenantID string, logger logging.Logger) *MemoryBackend {
	return &MemoryBackend{
		cfg:      cfg,
		tenantID: tenantID,
		logger:   logger,
		queues:   make(map[string][]StoredMessage),
		nowFunc:  time.Now,
	}
}

func (m *MemoryBackend) BackendType() string { return "memory" }
func (m *MemoryBackend) Enabled() bool       { return m.cfg.Enabled }

func (m *MemoryBackend) Enqueue(_ context.Context, userID string, event notification.Event) error {
	if !m.cfg.Enabled {
		return ErrDisabled
	}

	msg := StoredMessage{
		ID:       uuid.New().String(),
		Event:    event,
		QueuedAt: m.nowFunc().UTC(),
	}

	m.mu.Lock()
	q := m.queues[userID]
	// A bound below 1 disables eviction rather than underflowing the slice.
	for m.cfg.MaxSizePerUser > 0 && len(q) > 0 && len(q) >= m.cfg.MaxSizePerUser {
		q = q[1:]
		m.dropped.Add(1)
	}
	m.queues[userID] = append(q, msg)
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) Drain(_ context.Context, userID string) ([]StoredMessage, int, error) {
	m.mu.Lock()
	q := m.queues[userID]
	delete(m.queues, userID)
	m.mu.Unlock()

	now := m.nowFunc()
	var live []StoredMessage
	expired := 0
	for _, msg := range q {
		if msg.Expired(now, m.cfg.MessageTTL) {
			expired++
			continue
		}
		live = append(live, msg)
	}
	return live, expired, nil
}

func (m *MemoryBackend) Peek(_ context.Context, userID string, limit int) ([]StoredMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[userID]
	if limit > 0 && limit < len(q) {
		q = q[:limit]
	}
	out := make([]StoredMessage, len(q))
	copy(out, q)
	return out, nil
}

func (m *MemoryBackend) QueueSize(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[userID]), nil
}

func (m *MemoryBackend) CleanupExpired(_ context.Context) (int, error) {
	now := m.nowFunc()
	removed := 0

	m.mu.Lock()
	defer m.mu.Unlock()
	for userID, q := range m.queues {
		var live []StoredMessage
		for _, msg := range q {
			if msg.Expired(now, m.cfg.MessageTTL) {
				removed++
				continue
			}
			live = append(live, msg)
		}
		if len(live) == 0 {
			delete(m.queues, userID)
		} else {
			m.queues[userID] = live
		}
	}
	return removed, nil
}

func (m *MemoryBackend) ClearUserQueue(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.queues[userID])
	delete(m.queues, userID)
	return n, nil
}

func (m *MemoryBackend) Stats(_ context.Context) (Stats, error) {
	m.mu.Lock()
	total := 0
	maxSize := 0
	users := len(m.queues)
	for _, q := range m.queues {
		total += len(q)
		if len(q) > maxSize {
			maxSize = len(q)
		}
	}
	m.mu.Unlock()

	return Stats{
		BackendType:       "memory",
		Enabled:           m.cfg.Enabled,
		TotalMessages:     total,
		UsersWithQueue:    users,
		MaxQueueSize:      maxSize,
		MaxQueueSizeLimit: m.cfg.MaxSizePerUser,
		MessageTTLSeconds: int(m.cfg.MessageTTL / time.Second),
		TotalDropped:      m.dropped.Load(),
	}, nil
}

// Dropped returns the number of messages evicted by the FIFO bound.
func (m *MemoryBackend) Dropped() int64 {
	return m.dropped.Load()
}
