package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/tenghongzou/Ara-notification-service-sub000/internal/connection"
	"github.com/tenghongzou/Ara-notification-service-sub000/internal/notification"
	"github.com/tenghongzou/Ara-notification-service-sub000/pkg/logging"
)

// RouteResult reports one cross-cluster delivery.
type RouteResult struct {
	LocalDelivered  int      `json:"local_delivered"`
	LocalFailed     int      `json:"local_failed"`
	RoutedToServers []string `json:"routed_to_servers,omitempty"`
}

// Router delivers a notification to locally-connected recipients and
// publishes copies addressed to the other servers holding matching sessions.
// The remote side only sends to its own connections, so a user is never
// served twice by the same server.
type Router struct {
	registry *connection.Registry
	store    Store
	logger   logging.Logger

	routedOut       atomic.Int64
	routedIn        atomic.Int64
	publishFailures atomic.Int64
}

// NewRouter creates a cluster router over the local registry.
func NewRouter(registry *connection.Registry, store Store, logger logging.Logger) *Router {
	return &Router{registry: registry, store: store, logger: logger}
}

// RouteToUser sends the message to the user's local connections, then
// publishes one routed copy per other server hosting the user. A publish
// failure is logged and counted but never fails local delivery.
func (r *Router) RouteToUser(ctx context.Context, userID, tenantID string, msg notification.ServerMessage) (RouteResult, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return RouteResult{}, fmt.Errorf("marshal routed payload: %w", err)
	}
	return r.routePayload(ctx, userID, tenantID, payload), nil
}

// RoutePayload is RouteToUser for an already-serialized server message, used
// by the dispatcher to share one serialization across local and remote fan-out.
func (r *Router) RoutePayload(ctx context.Context, userID, tenantID string, payload []byte) RouteResult {
	return r.routePayload(ctx, userID, tenantID, payload)
}

func (r *Router) routePayload(ctx context.Context, userID, tenantID string, payload []byte) RouteResult {
	var result RouteResult

	out := notification.Serialized(payload)
	for _, h := range r.registry.GetUserConnections(userID) {
		if err := h.Send(out); err != nil {
			result.LocalFailed++
			continue
		}
		result.LocalDelivered++
	}

	result.RoutedToServers = r.PublishToUser(ctx, userID, tenantID, payload)
	return result
}

// PublishToUser publishes the pre-serialized payload to every other server
// hosting the user, returning the servers reached. Local connections are not
// touched; the caller owns local delivery.
func (r *Router) PublishToUser(ctx context.Context, userID, tenantID string, payload []byte) []string {
	if !r.store.IsEnabled() {
		return nil
	}

	servers, err := r.store.FindUserServers(ctx, userID)
	if err != nil {
		r.logger.WithError(err).WithField("user_id", userID).Warn("Session lookup failed, delivering locally only")
		return nil
	}

	// Callers without a local connection for the user pass an empty tenant;
	// the session directory is authoritative for it.
	if tenantID == "" {
		if sessions, err := r.store.GetUserSessions(ctx, userID); err == nil && len(sessions) > 0 {
			tenantID = sessions[0].TenantID
		}
	}

	var routed []string
	for _, server := range servers {
		if server == r.store.ServerID() {
			continue
		}
		msg := RoutedMessage{
			UserID:     userID,
			TenantID:   tenantID,
			Payload:    string(payload),
			FromServer: r.store.ServerID(),
			ToServer:   server,
		}
		if err := r.store.PublishRoutedMessage(ctx, msg); err != nil {
			r.publishFailures.Add(1)
			r.logger.WithError(err).WithFields(logging.Fields{
				"user_id":   userID,
				"to_server": server,
			}).Warn("Routed message publish failed")
			continue
		}
		r.routedOut.Add(1)
		routed = append(routed, server)
	}
	return routed
}

// HandleRoutedMessage is the incoming side of the routing bus: it drops
// messages not addressed to this server or originated by it, then delivers
// the pre-serialized payload to the local connections of the target user.
func (r *Router) HandleRoutedMessage(msg RoutedMessage) int {
	if msg.ToServer != "" && msg.ToServer != r.store.ServerID() {
		return 0
	}
	if msg.FromServer == r.store.ServerID() {
		return 0
	}

	out := notification.Serialized([]byte(msg.Payload))
	delivered := 0
	for _, h := range r.registry.GetUserConnections(msg.UserID) {
		if msg.ConnectionID != "" && h.ID != msg.ConnectionID {
			continue
		}
		if err := h.Send(out); err != nil {
			continue
		}
		delivered++
	}
	if delivered > 0 {
		r.routedIn.Add(1)
	}
	return delivered
}

// RouterStats is a snapshot of routing activity.
type RouterStats struct {
	RoutedOut       int64 `json:"routed_out"`
	RoutedIn        int64 `json:"routed_in"`
	PublishFailures int64 `json:"publish_failures"`
}

// Stats returns routing counters.
func (r *Router) Stats() RouterStats {
	return RouterStats{
		RoutedOut:       r.routedOut.Load(),
		RoutedIn:        r.routedIn.Load(),
		PublishFailures: r.publishFailures.Load(),
	}
}
