package resilience

import "sync/atomic"

// ConnectionState describes the health of a long-running subscription.
type ConnectionState int32

const (
	Healthy ConnectionState = iota
	Reconnecting
	CircuitOpen
)

func (s ConnectionState) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Reconnecting:
		return "reconnecting"
	case CircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// HealthTracker tracks the connection state of an external dependency plus
// reconnect accounting. All operations are lock-free.
type HealthTracker struct {
	state              atomic.Int32
	reconnectAttempts  atomic.Int64
	totalReconnections atomic.Int64
}

// NewHealthTracker starts in the healthy state.
func NewHealthTracker() *HealthTracker {
	return &HealthTracker{}
}

// SetConnected marks the dependency healthy. A transition out of the
// reconnecting state counts as one completed reconnection and resets the
// attempt counter.
func (h *HealthTracker) SetConnected() {
	prev := ConnectionState(h.state.Swap(int32(Healthy)))
	if prev == Reconnecting {
		h.totalReconnections.Add(1)
		h.reconnectAttempts.Store(0)
	}
}

// SetReconnecting marks the dependency as reconnecting and counts an attempt.
func (h *HealthTracker) SetReconnecting() {
	h.state.Store(int32(Reconnecting))
	h.reconnectAttempts.Add(1)
}

// SetCircuitOpen marks the dependency as gated by an open breaker.
func (h *HealthTracker) SetCircuitOpen() {
	h.state.Store(int32(CircuitOpen))
}

// State returns the current connection state.
func (h *HealthTracker) State() ConnectionState {
	return ConnectionState(h.state.Load())
}

// HealthSnapshot is a point-in-time view for stats and health endpoints.
type HealthSnapshot struct {
	State              string `json:"state"`
	ReconnectAttempts  int64  `json:"reconnect_attempts"`
	TotalReconnections int64  `json:"total_reconnections"`
}

// Snapshot returns the current state and counters.
func (h *HealthTracker) Snapshot() HealthSnapshot {
	return HealthSnapshot{
		State:              h.State().String(),
		ReconnectAttempts:  h.reconnectAttempts.Load(),
		TotalReconnections: h.totalReconnections.Load(),
	}
}
