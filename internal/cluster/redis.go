package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	"github.com/tenghongzou/Ara-notification-service-sub000/pkg/logging"
	pkgredis "github.com/tenghongzou/Ara-notification-service-sub000/pkg/redis"
)

// RedisStore is the distributed session directory. Keys under the session
// prefix:
//
//	conn:{connection_id}  JSON SessionInfo, TTL = session TTL
//	user:{user_id}        set of server ids hosting the user
//	channel:{channel}     set of server ids with subscribers
//	server:{server_id}    local connection count
//	users                 set of connected user ids
type RedisStore struct {
	cfg    Config
	client goredis.UniversalClient
	pubsub *pkgredis.TypedPubSub[RoutedMessage]
	logger logging.Logger

	// Connection ids owned by this process, used by the TTL refresh.
	mu    sync.Mutex
	local map[string]struct{}
}

// NewRedisStore creates the Redis-backed session directory.
func NewRedisStore(cfg Config, client goredis.UniversalClient, logger logging.Logger) *RedisStore {
	return &RedisStore{
		cfg:    cfg,
		client: client,
		pubsub: pkgredis.NewTypedPubSub[RoutedMessage](client),
		logger: logger,
		local:  make(map[string]struct{}),
	}
}

func (s *RedisStore) ServerID() string    { return s.cfg.ServerID }
func (s *RedisStore) IsEnabled() bool     { return true }
func (s *RedisStore) BackendType() string { return "redis" }

func (s *RedisStore) connKey(connectionID string) string {
	return s.cfg.SessionPrefix + ":conn:" + connectionID
}

func (s *RedisStore) userKey(userID string) string {
	return s.cfg.SessionPrefix + ":user:" + userID
}

func (s *RedisStore) channelKey(channel string) string {
	return s.cfg.SessionPrefix + ":channel:" + channel
}

func (s *RedisStore) serverKey(serverID string) string {
	return s.cfg.SessionPrefix + ":server:" + serverID
}

func (s *RedisStore) usersKey() string {
	return s.cfg.SessionPrefix + ":users"
}

func (s *RedisStore) RegisterSession(ctx context.Context, info SessionInfo) error {
	info.ServerID = s.cfg.ServerID
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.connKey(info.ConnectionID), data, s.cfg.SessionTTL)
	pipe.SAdd(ctx, s.userKey(info.UserID), s.cfg.ServerID)
	pipe.Expire(ctx, s.userKey(info.UserID), s.cfg.SessionTTL)
	pipe.SAdd(ctx, s.usersKey(), info.UserID)
	pipe.Incr(ctx, s.serverKey(s.cfg.ServerID))
	pipe.Expire(ctx, s.serverKey(s.cfg.ServerID), s.cfg.SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("register session: %w", err)
	}

	s.mu.Lock()
	s.local[info.ConnectionID] = struct{}{}
	s.mu.Unlock()
	return nil
}

func (s *RedisStore) UnregisterSession(ctx context.Context, connectionID string) error {
	info, err := s.getSession(ctx, connectionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.local, connectionID)
	s.mu.Unlock()

	if info == nil {
		return nil
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.connKey(connectionID))
	pipe.SRem(ctx, s.userKey(info.UserID), s.cfg.ServerID)
	for _, ch := range info.Channels {
		pipe.SRem(ctx, s.channelKey(ch), s.cfg.ServerID)
	}
	pipe.Decr(ctx, s.serverKey(s.cfg.ServerID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("unregister session: %w", err)
	}
	return nil
}

func (s *RedisStore) UpdateSessionChannels(ctx context.Context, connectionID string, channels []string) error {
	info, err := s.getSession(ctx, connectionID)
	if err != nil {
		return err
	}
	if info == nil {
		return nil
	}

	info.Channels = channels
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.connKey(connectionID), data, s.cfg.SessionTTL)
	for _, ch := range channels {
		pipe.SAdd(ctx, s.channelKey(ch), s.cfg.ServerID)
		pipe.Expire(ctx, s.channelKey(ch), s.cfg.SessionTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("update session channels: %w", err)
	}
	return nil
}

// RefreshSessions extends the TTL of every locally-owned session. Sessions
// Redis no longer knows are dropped from local bookkeeping.
func (s *RedisStore) RefreshSessions(ctx context.Context) (int, error) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.local))
	for id := range s.local {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	refreshed := 0
	for _, id := range ids {
		ok, err := s.client.Expire(ctx, s.connKey(id), s.cfg.SessionTTL).Result()
		if err != nil {
			return refreshed, fmt.Errorf("refresh session %s: %w", id, err)
		}
		if !ok {
			s.mu.Lock()
			delete(s.local, id)
			s.mu.Unlock()
			continue
		}
		refreshed++
	}

	if refreshed > 0 {
		pipe := s.client.Pipeline()
		pipe.Expire(ctx, s.serverKey(s.cfg.ServerID), s.cfg.SessionTTL)
		if _, err := pipe.Exec(ctx); err != nil {
			s.logger.WithError(err).Debug("Server key refresh failed")
		}
	}
	return refreshed, nil
}

func (s *RedisStore) getSession(ctx context.Context, connectionID string) (*SessionInfo, error) {
	data, err := s.client.Get(ctx, s.connKey(connectionID)).Bytes()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	var info SessionInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &info, nil
}

func (s *RedisStore) FindUserServers(ctx context.Context, userID string) ([]string, error) {
	servers, err := s.client.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("find user servers: %w", err)
	}
	return servers, nil
}

func (s *RedisStore) FindChannelServers(ctx context.Context, channel string) ([]string, error) {
	servers, err := s.client.SMembers(ctx, s.channelKey(channel)).Result()
	if err != nil {
		return nil, fmt.Errorf("find channel servers: %w", err)
	}
	return servers, nil
}

// PublishRoutedMessage sends on the server-targeted bus when the message
// names a destination, otherwise on the broadcast bus.
func (s *RedisStore) PublishRoutedMessage(ctx context.Context, msg RoutedMessage) error {
	channel := s.cfg.RoutingChannel
	if msg.ToServer != "" {
		channel = s.cfg.RoutingChannel + ":" + msg.ToServer
	}
	return s.pubsub.Publish(ctx, channel, msg)
}

func (s *RedisStore) ClusterConnectionCount(ctx context.Context) (int, error) {
	pattern := s.cfg.SessionPrefix + ":server:*"
	total := 0
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return 0, fmt.Errorf("cluster connection count: %w", err)
		}
		for _, key := range keys {
			n, err := s.client.Get(ctx, key).Int()
			if err != nil && err != goredis.Nil {
				continue
			}
			total += n
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return total, nil
}

func (s *RedisStore) ClusterUserCount(ctx context.Context) (int, error) {
	n, err := s.client.SCard(ctx, s.usersKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("cluster user count: %w", err)
	}
	return int(n), nil
}

func (s *RedisStore) GetAllSessions(ctx context.Context) ([]SessionInfo, error) {
	pattern := s.cfg.SessionPrefix + ":conn:*"
	var sessions []SessionInfo
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("all sessions: %w", err)
		}
		for _, key := range keys {
			data, err := s.client.Get(ctx, key).Bytes()
			if err != nil {
				continue
			}
			var info SessionInfo
			if err := json.Unmarshal(data, &info); err != nil {
				s.logger.WithError(err).WithField("key", key).Warn("Undecodable session record, skipping")
				continue
			}
			sessions = append(sessions, info)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return sessions, nil
}

func (s *RedisStore) GetUserSessions(ctx context.Context, userID string) ([]SessionInfo, error) {
	all, err := s.GetAllSessions(ctx)
	if err != nil {
		return nil, err
	}
	var sessions []SessionInfo
	for _, info := range all {
		if info.UserID == userID {
			sessions = append(sessions, info)
		}
	}
	return sessions, nil
}

// New builds the session store selected by the configuration.
func New(cfg Config, client goredis.UniversalClient, logger logging.Logger) Store {
	if cfg.Enabled && client != nil {
		return NewRedisStore(cfg, client, logger)
	}
	if cfg.Enabled {
		logger.Warn("Cluster mode requested without a Redis client, running single-server")
	}
	return NewLocalStore(cfg.ServerID)
}
