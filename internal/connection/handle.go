package connection

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tenghongzou/Ara-notification-service-sub000/internal/notification"
)

var (
	// ErrSendQueueFull is returned when a non-blocking send finds the
	// outbound queue full. The dispatcher counts this as a failed delivery.
	ErrSendQueueFull = errors.New("outbound queue full")
	// ErrConnectionClosed is returned when sending to a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
)

// Handle is the per-connection state shared between the registry and the
// connection's read/write loops. The subscriptions set is guarded by a
// read/write lock; last activity is a lock-free atomic so stale sweeps never
// contend with the hot path.
type Handle struct {
	ID          string
	UserID      string
	TenantID    string
	Roles       []string
	ConnectedAt time.Time

	lastActivity atomic.Int64

	mu            sync.RWMutex
	subscriptions map[string]struct{}

	outbound chan notification.Outbound
	done     chan struct{}
	closed   atomic.Bool
}

// NewHandle creates a handle with a bounded outbound queue.
func NewHandle(userID, tenantID string, roles []string, queueSize int) *Handle {
	if queueSize <= 0 {
		queueSize = 256
	}
	h := &Handle{
		ID:            uuid.New().String(),
		UserID:        userID,
		TenantID:      tenantID,
		Roles:         roles,
		ConnectedAt:   time.Now().UTC(),
		subscriptions: make(map[string]struct{}),
		outbound:      make(chan notification.Outbound, queueSize),
		done:          make(chan struct{}),
	}
	h.Touch()
	return h
}

// Send enqueues a message without blocking. A full queue or a closed
// connection is reported to the caller; the message is dropped either way.
func (h *Handle) Send(msg notification.Outbound) error {
	select {
	case <-h.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case h.outbound <- msg:
		return nil
	case <-h.done:
		return ErrConnectionClosed
	default:
		return ErrSendQueueFull
	}
}

// Outbound exposes the queue to the connection's write loop.
func (h *Handle) Outbound() <-chan notification.Outbound {
	return h.outbound
}

// Done is closed when the connection is shut down.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Close marks the connection closed. Idempotent; the write loop observes the
// done channel rather than a closed outbound channel.
func (h *Handle) Close() {
	if h.closed.CompareAndSwap(false, true) {
		close(h.done)
	}
}

// Touch records activity now.
func (h *Handle) Touch() {
	h.lastActivity.Store(time.Now().Unix())
}

// LastActivity returns the Unix timestamp of the most recent activity.
func (h *Handle) LastActivity() int64 {
	return h.lastActivity.Load()
}

// IdleFor reports whether the connection has been silent for at least the
// given number of seconds.
func (h *Handle) IdleFor(seconds int64) bool {
	return time.Now().Unix()-h.lastActivity.Load() >= seconds
}

// Subscriptions returns a snapshot of the subscribed channels.
func (h *Handle) Subscriptions() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	channels := make([]string, 0, len(h.subscriptions))
	for ch := range h.subscriptions {
		channels = append(channels, ch)
	}
	return channels
}

// SubscriptionCount returns the number of subscribed channels.
func (h *Handle) SubscriptionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscriptions)
}

// HasSubscription reports whether the connection holds the channel.
func (h *Handle) HasSubscription(channel string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.subscriptions[channel]
	return ok
}

// HasAnyRole reports whether the connection holds at least one of the roles.
func (h *Handle) HasAnyRole(roles []string) bool {
	for _, want := range roles {
		for _, have := range h.Roles {
			if want == have {
				return true
			}
		}
	}
	return false
}

// addSubscription records a channel on the handle. Returns false when the
// channel was already present.
func (h *Handle) addSubscription(channel string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscriptions[channel]; ok {
		return false
	}
	h.subscriptions[channel] = struct{}{}
	return true
}

// removeSubscription drops a channel from the handle. Returns false when the
// channel was not present.
func (h *Handle) removeSubscription(channel string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscriptions[channel]; !ok {
		return false
	}
	delete(h.subscriptions, channel)
	return true
}
