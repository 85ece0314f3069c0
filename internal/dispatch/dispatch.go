package dispatch

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/tenghongzou/Ara-notification-service-sub000/internal/ack"
	"github.com/tenghongzou/Ara-notification-service-sub000/internal/cluster"
	"github.com/tenghongzou/Ara-notification-service-sub000/internal/connection"
	"github.com/tenghongzou/Ara-notification-service-sub000/internal/notification"
	"github.com/tenghongzou/Ara-notification-service-sub000/internal/queue"
	"github.com/tenghongzou/Ara-notification-service-sub000/pkg/logging"
)

// DeliveryResult summarizes one dispatch.
type DeliveryResult struct {
	NotificationID  string   `json:"notification_id"`
	DeliveredTo     int      `json:"delivered_to"`
	Failed          int      `json:"failed"`
	Queued          bool     `json:"queued"`
	RoutedToServers []string `json:"routed_to_servers,omitempty"`
	Success         bool     `json:"success"`
}

// Stats is a snapshot of dispatch counters.
type Stats struct {
	TotalSent      int64 `json:"total_sent"`
	TotalDelivered int64 `json:"total_delivered"`
	TotalFailed    int64 `json:"total_failed"`
	TotalQueued    int64 `json:"total_queued"`
	TotalExpired   int64 `json:"total_expired_skipped"`
	UserSends      int64 `json:"user_sends"`
	UsersSends     int64 `json:"users_sends"`
	Broadcasts     int64 `json:"broadcasts"`
	ChannelSends   int64 `json:"channel_sends"`
	ChannelsSends  int64 `json:"channels_sends"`
}

// Dispatcher fans events out to live connections, queueing for offline users
// and tracking pending ACKs. The queue, ACK, and cluster hooks are optional;
// a nil hook disables that concern.
type Dispatcher struct {
	registry *connection.Registry
	queue    queue.Backend
	acks     ack.Backend
	router   *cluster.Router
	logger   logging.Logger

	nowFunc func() time.Time

	totalSent      atomic.Int64
	totalDelivered atomic.Int64
	totalFailed    atomic.Int64
	totalQueued    atomic.Int64
	totalExpired   atomic.Int64
	userSends      atomic.Int64
	usersSends     atomic.Int64
	broadcasts     atomic.Int64
	channelSends   atomic.Int64
	channelsSends  atomic.Int64
}

// New creates a dispatcher over the local registry.
func New(registry *connection.Registry, q queue.Backend, acks ack.Backend, router *cluster.Router, logger logging.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		queue:    q,
		acks:     acks,
		router:   router,
		logger:   logger,
		nowFunc:  time.Now,
	}
}

// Dispatch routes the event to its target's recipients.
func (d *Dispatcher) Dispatch(ctx context.Context, target notification.Target, event notification.Event) DeliveryResult {
	switch target.Kind {
	case notification.TargetUser:
		return d.SendToUser(ctx, target.User, event)
	case notification.TargetUsers:
		return d.SendToUsers(ctx, target.Users, event)
	case notification.TargetBroadcast:
		return d.Broadcast(ctx, event)
	case notification.TargetChannel:
		return d.SendToChannel(ctx, target.Channel, event)
	case notification.TargetChannels:
		return d.SendToChannels(ctx, target.Channels, event)
	default:
		d.logger.WithField("kind", string(target.Kind)).Warn("Unknown dispatch target kind")
		return DeliveryResult{NotificationID: event.ID}
	}
}

// SendToUser delivers to every live connection of one user, queueing the
// event when the user has none and the offline queue is enabled.
func (d *Dispatcher) SendToUser(ctx context.Context, userID string, event notification.Event) DeliveryResult {
	d.userSends.Add(1)
	result := DeliveryResult{NotificationID: event.ID}
	if d.skipExpired(&event) {
		return result
	}

	payload, err := d.serialize(event)
	if err != nil {
		d.logger.WithError(err).WithField("notification_id", event.ID).Error("Event serialization failed")
		return result
	}

	delivered, failed, queued := d.deliverToUser(ctx, userID, &event, payload)
	result.DeliveredTo = delivered
	result.Failed = failed
	result.Queued = queued

	if d.router != nil {
		result.RoutedToServers = d.router.PublishToUser(ctx, userID, d.tenantOf(userID), payload)
	}

	d.finish(&result, delivered, failed)
	return result
}

// SendToUsers delivers the same event, under one notification id, to a list
// of users.
func (d *Dispatcher) SendToUsers(ctx context.Context, userIDs []string, event notification.Event) DeliveryResult {
	d.usersSends.Add(1)
	result := DeliveryResult{NotificationID: event.ID}
	if d.skipExpired(&event) {
		return result
	}

	payload, err := d.serialize(event)
	if err != nil {
		d.logger.WithError(err).WithField("notification_id", event.ID).Error("Event serialization failed")
		return result
	}

	seen := make(map[string]struct{}, len(userIDs))
	for _, userID := range userIDs {
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}

		delivered, failed, queued := d.deliverToUser(ctx, userID, &event, payload)
		result.DeliveredTo += delivered
		result.Failed += failed
		result.Queued = result.Queued || queued

		if d.router != nil {
			result.RoutedToServers = append(result.RoutedToServers, d.router.PublishToUser(ctx, userID, d.tenantOf(userID), payload)...)
		}
	}

	d.finish(&result, result.DeliveredTo, result.Failed)
	return result
}

// Broadcast delivers to every live connection.
func (d *Dispatcher) Broadcast(ctx context.Context, event notification.Event) DeliveryResult {
	d.broadcasts.Add(1)
	return d.fanOut(d.registry.GetAllConnections(), event)
}

// SendToChannel delivers to the channel's subscribers.
func (d *Dispatcher) SendToChannel(ctx context.Context, channel string, event notification.Event) DeliveryResult {
	d.channelSends.Add(1)
	return d.fanOut(d.registry.GetChannelConnections(channel), event)
}

// SendToChannels delivers to the union of the channels' subscribers,
// deduplicated by connection.
func (d *Dispatcher) SendToChannels(ctx context.Context, channels []string, event notification.Event) DeliveryResult {
	d.channelsSends.Add(1)

	byID := make(map[string]*connection.Handle)
	for _, ch := range channels {
		for _, h := range d.registry.GetChannelConnections(ch) {
			byID[h.ID] = h
		}
	}
	handles := make([]*connection.Handle, 0, len(byID))
	for _, h := range byID {
		handles = append(handles, h)
	}
	return d.fanOut(handles, event)
}

// fanOut is the shared delivery path for broadcast and channel targets. There
// is no offline-queue fallback here; only user-targeted sends queue.
func (d *Dispatcher) fanOut(handles []*connection.Handle, event notification.Event) DeliveryResult {
	result := DeliveryResult{NotificationID: event.ID}
	if d.skipExpired(&event) {
		return result
	}

	payload, err := d.serialize(event)
	if err != nil {
		d.logger.WithError(err).WithField("notification_id", event.ID).Error("Event serialization failed")
		return result
	}

	out := notification.Serialized(payload)
	for _, h := range handles {
		if !event.Metadata.Audience.MatchesRoles(h.Roles) {
			continue
		}
		if err := h.Send(out); err != nil {
			result.Failed++
			continue
		}
		result.DeliveredTo++
		d.track(&event, h)
	}

	d.finish(&result, result.DeliveredTo, result.Failed)
	return result
}

// deliverToUser runs the single-user algorithm: filter by audience, queue
// when nobody is connected, otherwise send the shared serialized payload.
func (d *Dispatcher) deliverToUser(ctx context.Context, userID string, event *notification.Event, payload []byte) (delivered, failed int, queued bool) {
	var recipients []*connection.Handle
	for _, h := range d.registry.GetUserConnections(userID) {
		if event.Metadata.Audience.MatchesRoles(h.Roles) {
			recipients = append(recipients, h)
		}
	}

	if len(recipients) == 0 {
		if d.queue != nil && d.queue.Enabled() {
			if err := d.queue.Enqueue(ctx, userID, *event); err != nil {
				d.logger.WithError(err).WithField("user_id", userID).Warn("Offline enqueue failed")
				return 0, 0, false
			}
			d.totalQueued.Add(1)
			return 0, 0, true
		}
		return 0, 0, false
	}

	out := notification.Serialized(payload)
	for _, h := range recipients {
		if err := h.Send(out); err != nil {
			failed++
			continue
		}
		delivered++
		d.track(event, h)
	}
	return delivered, failed, false
}

func (d *Dispatcher) track(event *notification.Event, h *connection.Handle) {
	if d.acks != nil && d.acks.Enabled() {
		d.acks.Track(event.ID, h.UserID, h.ID)
	}
}

// skipExpired counts and reports an event past its TTL. Expired events are
// neither delivered nor queued.
func (d *Dispatcher) skipExpired(event *notification.Event) bool {
	if event.IsExpired(d.nowFunc()) {
		d.totalExpired.Add(1)
		d.logger.WithFields(logging.Fields{
			"notification_id": event.ID,
			"event_type":      event.EventType,
		}).Debug("Expired event skipped")
		return true
	}
	return false
}

// serialize encodes the notification frame once so wide fan-outs share bytes.
func (d *Dispatcher) serialize(event notification.Event) ([]byte, error) {
	return json.Marshal(notification.NotificationMessage(event))
}

// tenantOf resolves the tenant of a user's live connections for cluster
// routing metadata. An empty result tells the router to consult the session
// directory instead.
func (d *Dispatcher) tenantOf(userID string) string {
	for _, h := range d.registry.GetUserConnections(userID) {
		return h.TenantID
	}
	return ""
}

func (d *Dispatcher) finish(result *DeliveryResult, delivered, failed int) {
	d.totalSent.Add(1)
	d.totalDelivered.Add(int64(delivered))
	d.totalFailed.Add(int64(failed))
	result.Success = delivered > 0 || result.Queued || len(result.RoutedToServers) > 0
}

// Stats returns the dispatch counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		TotalSent:      d.totalSent.Load(),
		TotalDelivered: d.totalDelivered.Load(),
		TotalFailed:    d.totalFailed.Load(),
		TotalQueued:    d.totalQueued.Load(),
		TotalExpired:   d.totalExpired.Load(),
		UserSends:      d.userSends.Load(),
		UsersSends:     d.usersSends.Load(),
		Broadcasts:     d.broadcasts.Load(),
		ChannelSends:   d.channelSends.Load(),
		ChannelsSends:  d.channelsSends.Load(),
	}
}
