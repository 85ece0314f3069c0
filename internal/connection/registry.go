package connection

import (
	"errors"
	"regexp"
	"sort"
	"sync"

	"github.com/tenghongzou/Ara-notification-service-sub000/pkg/config"
	"github.com/tenghongzou/Ara-notification-service-sub000/pkg/logging"
)

var (
	ErrMaxConnections     = errors.New("maximum connection count reached")
	ErrMaxUserConnections = errors.New("maximum connections per user reached")
	ErrMaxSubscriptions   = errors.New("maximum subscriptions per connection reached")
	ErrInvalidChannel     = errors.New("invalid channel name")
	ErrConnectionNotFound = errors.New("connection not found")
)

var channelNameRe = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// ValidChannelName reports whether a channel name is acceptable.
func ValidChannelName(name string) bool {
	return channelNameRe.MatchString(name)
}

// Limits bounds the registry's resource usage.
type Limits struct {
	MaxConnections                int
	MaxConnectionsPerUser         int
	MaxSubscriptionsPerConnection int
	OutboundQueueSize             int
}

// DefaultLimits returns the stock connection limits.
func DefaultLimits() Limits {
	return Limits{
		MaxConnections:                10000,
		MaxConnectionsPerUser:         5,
		MaxSubscriptionsPerConnection: 50,
		OutboundQueueSize:             256,
	}
}

// LimitsFromEnv reads connection limits from the environment.
func LimitsFromEnv() Limits {
	l := DefaultLimits()
	l.MaxConnections = config.GetEnvInt("WEBSOCKET_MAX_CONNECTIONS", l.MaxConnections)
	l.MaxConnectionsPerUser = config.GetEnvInt("WEBSOCKET_MAX_CONNECTIONS_PER_USER", l.MaxConnectionsPerUser)
	l.MaxSubscriptionsPerConnection = config.GetEnvInt("WEBSOCKET_MAX_SUBSCRIPTIONS_PER_CONNECTION", l.MaxSubscriptionsPerConnection)
	return l
}

// Stats is a snapshot of registry occupancy.
type Stats struct {
	TotalConnections int `json:"total_connections"`
	UniqueUsers      int `json:"unique_users"`
	TotalChannels    int `json:"total_channels"`
	Tenants          int `json:"tenants"`
}

// TenantStats is a per-tenant view of registry occupancy.
type TenantStats struct {
	TenantID    string `json:"tenant_id"`
	Connections int    `json:"connections"`
	Users       int    `json:"users"`
	Channels    int    `json:"channels"`
}

// ChannelInfo describes one channel's live subscribers.
type ChannelInfo struct {
	Name        string `json:"name"`
	Subscribers int    `json:"subscribers"`
}

// Registry indexes live connections by id, user, tenant, and channel, and
// enforces connection and subscription limits. All indices are kept
// consistent under one lock; snapshots are returned as copies.
type Registry struct {
	mu        sync.RWMutex
	conns     map[string]*Handle
	byUser    map[string]map[string]*Handle
	byTenant  map[string]map[string]*Handle
	byChannel map[string]map[string]*Handle

	limits Limits
	logger logging.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(limits Limits, logger logging.Logger) *Registry {
	return &Registry{
		conns:     make(map[string]*Handle),
		byUser:    make(map[string]map[string]*Handle),
		byTenant:  make(map[string]map[string]*Handle),
		byChannel: make(map[string]map[string]*Handle),
		limits:    limits,
		logger:    logger,
	}
}

// Register admits a new connection, installing it in the id, user, and
// tenant indices. Limit violations fail without side effects.
func (r *Registry) Register(userID, tenantID string, roles []string) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.limits.MaxConnections > 0 && len(r.conns) >= r.limits.MaxConnections {
		return nil, ErrMaxConnections
	}
	if r.limits.MaxConnectionsPerUser > 0 && len(r.byUser[userID]) >= r.limits.MaxConnectionsPerUser {
		return nil, ErrMaxUserConnections
	}

	h := NewHandle(userID, tenantID, roles, r.limits.OutboundQueueSize)
	r.conns[h.ID] = h
	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[string]*Handle)
	}
	r.byUser[userID][h.ID] = h
	if r.byTenant[tenantID] == nil {
		r.byTenant[tenantID] = make(map[string]*Handle)
	}
	r.byTenant[tenantID][h.ID] = h

	r.logger.WithFields(logging.Fields{
		"connection_id": h.ID,
		"user_id":       userID,
		"tenant_id":     tenantID,
	}).Debug("Connection registered")
	return h, nil
}

// Unregister removes a connection from every index and closes its handle.
// Idempotent.
func (r *Registry) Unregister(connectionID string) {
	r.mu.Lock()
	h, ok := r.conns[connectionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connectionID)
	r.removeFromIndex(r.byUser, h.UserID, connectionID)
	r.removeFromIndex(r.byTenant, h.TenantID, connectionID)
	for _, ch := range h.Subscriptions() {
		r.removeFromIndex(r.byChannel, ch, connectionID)
	}
	r.mu.Unlock()

	h.Close()
	r.logger.WithFields(logging.Fields{
		"connection_id": connectionID,
		"user_id":       h.UserID,
	}).Debug("Connection unregistered")
}

// removeFromIndex deletes one membership and drops the entry when it becomes
// empty. Caller holds the write lock.
func (r *Registry) removeFromIndex(index map[string]map[string]*Handle, key, connectionID string) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, connectionID)
	if len(set) == 0 {
		delete(index, key)
	}
}

// SubscribeToChannel adds the connection to a channel index entry. Duplicate
// subscriptions are a no-op.
func (r *Registry) SubscribeToChannel(connectionID, channel string) error {
	if !ValidChannelName(channelLeaf(channel)) {
		return ErrInvalidChannel
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.conns[connectionID]
	if !ok {
		return ErrConnectionNotFound
	}
	if h.HasSubscription(channel) {
		return nil
	}
	if r.limits.MaxSubscriptionsPerConnection > 0 && h.SubscriptionCount() >= r.limits.MaxSubscriptionsPerConnection {
		return ErrMaxSubscriptions
	}

	h.addSubscription(channel)
	if r.byChannel[channel] == nil {
		r.byChannel[channel] = make(map[string]*Handle)
	}
	r.byChannel[channel][connectionID] = h
	return nil
}

// UnsubscribeFromChannel removes the connection from a channel index entry.
// Unsubscribing a channel the connection never held is a no-op.
func (r *Registry) UnsubscribeFromChannel(connectionID, channel string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.conns[connectionID]
	if !ok {
		return ErrConnectionNotFound
	}
	if !h.removeSubscription(channel) {
		return nil
	}
	r.removeFromIndex(r.byChannel, channel, connectionID)
	return nil
}

// channelLeaf strips an internal tenant prefix for validation so the bare
// channel name is what the pattern applies to.
func channelLeaf(channel string) string {
	for i := len(channel) - 1; i >= 0; i-- {
		if channel[i] == ':' {
			return channel[i+1:]
		}
	}
	return channel
}

// Get returns the handle for a connection id.
func (r *Registry) Get(connectionID string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.conns[connectionID]
	return h, ok
}

// GetUserConnections returns a snapshot of the user's connections.
func (r *Registry) GetUserConnections(userID string) []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.byUser[userID])
}

// GetChannelConnections returns a snapshot of the channel's subscribers.
func (r *Registry) GetChannelConnections(channel string) []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.byChannel[channel])
}

// GetTenantConnections returns a snapshot of the tenant's connections.
func (r *Registry) GetTenantConnections(tenantID string) []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.byTenant[tenantID])
}

// GetAllConnections returns a snapshot of every live connection.
func (r *Registry) GetAllConnections() []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.conns)
}

func snapshot(set map[string]*Handle) []*Handle {
	handles := make([]*Handle, 0, len(set))
	for _, h := range set {
		handles = append(handles, h)
	}
	return handles
}

// FindStaleConnections lists connections silent for at least timeoutSecs.
func (r *Registry) FindStaleConnections(timeoutSecs int64) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stale []string
	for id, h := range r.conns {
		if h.IdleFor(timeoutSecs) {
			stale = append(stale, id)
		}
	}
	return stale
}

// CleanupStaleConnections evicts silent connections and returns the count.
func (r *Registry) CleanupStaleConnections(timeoutSecs int64) int {
	stale := r.FindStaleConnections(timeoutSecs)
	for _, id := range stale {
		r.Unregister(id)
	}
	if len(stale) > 0 {
		r.logger.WithField("count", len(stale)).Info("Evicted stale connections")
	}
	return len(stale)
}

// Stats returns overall occupancy.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{
		TotalConnections: len(r.conns),
		UniqueUsers:      len(r.byUser),
		TotalChannels:    len(r.byChannel),
		Tenants:          len(r.byTenant),
	}
}

// TenantStats returns per-tenant occupancy.
func (r *Registry) TenantStats(tenantID string) TenantStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make(map[string]struct{})
	channels := make(map[string]struct{})
	for _, h := range r.byTenant[tenantID] {
		users[h.UserID] = struct{}{}
		for _, ch := range h.Subscriptions() {
			channels[ch] = struct{}{}
		}
	}
	return TenantStats{
		TenantID:    tenantID,
		Connections: len(r.byTenant[tenantID]),
		Users:       len(users),
		Channels:    len(channels),
	}
}

// ListChannels returns every channel and its subscriber count, sorted by
// name for stable output.
func (r *Registry) ListChannels() []ChannelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ChannelInfo, 0, len(r.byChannel))
	for name, set := range r.byChannel {
		infos = append(infos, ChannelInfo{Name: name, Subscribers: len(set)})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// GetChannelInfo returns one channel's subscriber count.
func (r *Registry) GetChannelInfo(channel string) (ChannelInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.byChannel[channel]
	if !ok {
		return ChannelInfo{}, false
	}
	return ChannelInfo{Name: channel, Subscribers: len(set)}, true
}

// ListTenants returns the ids of tenants with at least one connection.
func (r *Registry) ListTenants() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tenants := make([]string, 0, len(r.byTenant))
	for id := range r.byTenant {
		tenants = append(tenants, id)
	}
	sort.Strings(tenants)
	return tenants
}

// ListTenantChannels returns the channels subscribed within one tenant.
func (r *Registry) ListTenantChannels(tenantID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, h := range r.byTenant[tenantID] {
		for _, ch := range h.Subscriptions() {
			seen[ch] = struct{}{}
		}
	}
	channels := make([]string, 0, len(seen))
	for ch := range seen {
		channels = append(channels, ch)
	}
	sort.Strings(channels)
	return channels
}
