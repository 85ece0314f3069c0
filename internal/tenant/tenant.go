package tenant

import (
	"strings"
	"sync"

	"github.com/tenghongzou/Ara-notification-service-sub000/internal/connection"
	"github.com/tenghongzou/Ara-notification-service-sub000/pkg/config"
)

// DefaultTenant is the tenant every claim resolves to when multi-tenancy is
// disabled or the token carries no tenant.
const DefaultTenant = "default"

// Limits bounds one tenant's resource usage.
type Limits struct {
	MaxConnections        int `json:"max_connections"`
	MaxConnectionsPerUser int `json:"max_connections_per_user"`
	MaxChannels           int `json:"max_channels"`
}

// Config controls multi-tenancy.
type Config struct {
	Enabled       bool
	DefaultLimits Limits
}

// DefaultConfig returns the stock tenant settings.
func DefaultConfig() Config {
	return Config{
		Enabled: false,
		DefaultLimits: Limits{
			MaxConnections:        1000,
			MaxConnectionsPerUser: 5,
			MaxChannels:           50,
		},
	}
}

// ConfigFromEnv reads tenant settings from the environment.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	cfg.Enabled = config.GetEnvBool("TENANT_ENABLED", cfg.Enabled)
	cfg.DefaultLimits.MaxConnections = config.GetEnvInt("TENANT_DEFAULT_MAX_CONNECTIONS", cfg.DefaultLimits.MaxConnections)
	cfg.DefaultLimits.MaxConnectionsPerUser = config.GetEnvInt("TENANT_DEFAULT_MAX_CONNECTIONS_PER_USER", cfg.DefaultLimits.MaxConnectionsPerUser)
	cfg.DefaultLimits.MaxChannels = config.GetEnvInt("TENANT_DEFAULT_MAX_CHANNELS", cfg.DefaultLimits.MaxChannels)
	return cfg
}

// Manager resolves tenants from claims, namespaces channels, and carries
// per-tenant limits.
type Manager struct {
	cfg      Config
	registry *connection.Registry

	mu     sync.RWMutex
	limits map[string]Limits
}

// NewManager creates a tenant manager over the connection registry.
func NewManager(cfg Config, registry *connection.Registry) *Manager {
	return &Manager{
		cfg:      cfg,
		registry: registry,
		limits:   make(map[string]Limits),
	}
}

// Enabled reports whether multi-tenancy is active.
func (m *Manager) Enabled() bool { return m.cfg.Enabled }

// Resolve maps a claimed tenant id to the effective tenant. With
// multi-tenancy disabled everything resolves to the default tenant.
func (m *Manager) Resolve(claimed string) string {
	if !m.cfg.Enabled || claimed == "" {
		return DefaultTenant
	}
	return claimed
}

// NamespaceChannel rewrites a client-facing channel name to its internal
// form. The default tenant's channels stay unprefixed.
func (m *Manager) NamespaceChannel(tenantID, channel string) string {
	if tenantID == DefaultTenant || tenantID == "" {
		return channel
	}
	return tenantID + ":" + channel
}

// DisplayChannel is the inverse of NamespaceChannel: it strips the tenant's
// prefix for display. Channels belonging to another tenant return false.
func (m *Manager) DisplayChannel(tenantID, internal string) (string, bool) {
	if tenantID == DefaultTenant || tenantID == "" {
		if strings.Contains(internal, ":") {
			return "", false
		}
		return internal, true
	}
	prefix := tenantID + ":"
	if !strings.HasPrefix(internal, prefix) {
		return "", false
	}
	return strings.TrimPrefix(internal, prefix), true
}

// LimitsFor returns the tenant's limits, falling back to the defaults.
func (m *Manager) LimitsFor(tenantID string) Limits {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if l, ok := m.limits[tenantID]; ok {
		return l
	}
	return m.cfg.DefaultLimits
}

// SetLimits overrides one tenant's limits.
func (m *Manager) SetLimits(tenantID string, limits Limits) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits[tenantID] = limits
}

// Stats returns the tenant's live occupancy alongside its limits.
func (m *Manager) Stats(tenantID string) TenantView {
	stats := m.registry.TenantStats(tenantID)
	return TenantView{
		TenantID:    tenantID,
		Connections: stats.Connections,
		Users:       stats.Users,
		Channels:    stats.Channels,
		Limits:      m.LimitsFor(tenantID),
	}
}

// List returns a view of every tenant with at least one live connection.
func (m *Manager) List() []TenantView {
	ids := m.registry.ListTenants()
	views := make([]TenantView, 0, len(ids))
	for _, id := range ids {
		views = append(views, m.Stats(id))
	}
	return views
}

// TenantView is the external representation of one tenant's state.
type TenantView struct {
	TenantID    string `json:"tenant_id"`
	Connections int    `json:"connections"`
	Users       int    `json:"users"`
	Channels    int    `json:"channels"`
	Limits      Limits `json:"limits"`
}
