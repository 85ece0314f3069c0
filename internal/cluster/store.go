package cluster

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/tenghongzou/Ara-notification-service-sub000/pkg/config"
)

// ErrDisabled is returned by distributed operations on the local variant.
var ErrDisabled = errors.New("cluster mode disabled")

// SessionInfo is one connection's entry in the distributed directory.
type SessionInfo struct {
	ConnectionID string    `json:"connection_id"`
	UserID       string    `json:"user_id"`
	TenantID     string    `json:"tenant_id"`
	ServerID     string    `json:"server_id"`
	ConnectedAt  time.Time `json:"connected_at"`
	Channels     []string  `json:"channels"`
}

// RoutedMessage carries a pre-serialized server message between cluster
// members. An empty ToServer means broadcast to all.
type RoutedMessage struct {
	UserID       string `json:"user_id"`
	TenantID     string `json:"tenant_id"`
	ConnectionID string `json:"connection_id,omitempty"`
	Payload      string `json:"payload"`
	FromServer   string `json:"from_server"`
	ToServer     string `json:"to_server,omitempty"`
}

// Config controls cluster mode.
type Config struct {
	Enabled        bool
	ServerID       string
	SessionPrefix  string
	SessionTTL     time.Duration
	RoutingChannel string
}

// DefaultConfig returns the stock cluster settings with a fresh server id.
func DefaultConfig() Config {
	return Config{
		Enabled:        false,
		ServerID:       "ara-" + uuid.New().String(),
		SessionPrefix:  "ara:cluster:sessions",
		SessionTTL:     60 * time.Second,
		RoutingChannel: "ara:cluster:route",
	}
}

// ConfigFromEnv reads cluster settings from the environment.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	cfg.Enabled = config.GetEnvBool("CLUSTER_ENABLED", cfg.Enabled)
	if id := config.GetEnv("CLUSTER_SERVER_ID", ""); id != "" {
		cfg.ServerID = id
	}
	cfg.SessionPrefix = config.GetEnv("CLUSTER_SESSION_PREFIX", cfg.SessionPrefix)
	cfg.SessionTTL = time.Duration(config.GetEnvInt("CLUSTER_SESSION_TTL_SECONDS", 60)) * time.Second
	cfg.RoutingChannel = config.GetEnv("CLUSTER_ROUTING_CHANNEL", cfg.RoutingChannel)
	return cfg
}

// Store is the distributed session directory. The local variant keeps the
// rest of the system unconditional: mutators are no-ops and lookups answer
// with this server only.
type Store interface {
	RegisterSession(ctx context.Context, info SessionInfo) error
	UnregisterSession(ctx context.Context, connectionID string) error
	UpdateSessionChannels(ctx context.Context, connectionID string, channels []string) error
	// RefreshSessions extends the TTL of this server's sessions, dropping
	// local bookkeeping for sessions that no longer exist.
	RefreshSessions(ctx context.Context) (int, error)
	FindUserServers(ctx context.Context, userID string) ([]string, error)
	FindChannelServers(ctx context.Context, channel string) ([]string, error)
	PublishRoutedMessage(ctx context.Context, msg RoutedMessage) error
	ClusterConnectionCount(ctx context.Context) (int, error)
	ClusterUserCount(ctx context.Context) (int, error)
	GetAllSessions(ctx context.Context) ([]SessionInfo, error)
	GetUserSessions(ctx context.Context, userID string) ([]SessionInfo, error)
	ServerID() string
	IsEnabled() bool
	BackendType() string
}

// LocalStore is the no-op variant used when cluster mode is off.
type LocalStore struct {
	serverID string
}

// NewLocalStore creates the single-server store.
func NewLocalStore(serverID string) *LocalStore {
	return &LocalStore{serverID: serverID}
}

func (s *LocalStore) RegisterSession(context.Context, SessionInfo) error      { return nil }
func (s *LocalStore) UnregisterSession(context.Context, string) error         { return nil }
func (s *LocalStore) UpdateSessionChannels(context.Context, string, []string) error { return nil }
func (s *LocalStore) RefreshSessions(context.Context) (int, error)            { return 0, nil }

func (s *LocalStore) FindUserServers(context.Context, string) ([]string, error) {
	return []string{s.serverID}, nil
}

func (s *LocalStore) FindChannelServers(context.Context, string) ([]string, error) {
	return []string{s.serverID}, nil
}

func (s *LocalStore) PublishRoutedMessage(context.Context, RoutedMessage) error {
	return ErrDisabled
}

func (s *LocalStore) ClusterConnectionCount(context.Context) (int, error) { return 0, ErrDisabled }
func (s *LocalStore) ClusterUserCount(context.Context) (int, error)       { return 0, ErrDisabled }

func (s *LocalStore) GetAllSessions(context.Context) ([]SessionInfo, error) {
	return nil, ErrDisabled
}

func (s *LocalStore) GetUserSessions(context.Context, string) ([]SessionInfo, error) {
	return nil, ErrDisabled
}

func (s *LocalStore) ServerID() string    { return s.serverID }
func (s *LocalStore) IsEnabled() bool     { return false }
func (s *LocalStore) BackendType() string { return "local" }
