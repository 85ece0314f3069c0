package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/tenghongzou/Ara-notification-service-sub000/internal/cluster"
	"github.com/tenghongzou/Ara-notification-service-sub000/internal/connection"
	"github.com/tenghongzou/Ara-notification-service-sub000/internal/notification"
	"github.com/tenghongzou/Ara-notification-service-sub000/internal/queue"
	"github.com/tenghongzou/Ara-notification-service-sub000/pkg/auth"
	"github.com/tenghongzou/Ara-notification-service-sub000/pkg/logging"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser clients connect cross-origin from tenant apps.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// authenticate resolves the JWT from the query parameter or the bearer
// header.
func (h *Handlers) authenticate(c *gin.Context) (*auth.Claims, bool) {
	token := c.Query("token")
	if token == "" {
		header := c.GetHeader("Authorization")
		if strings.HasPrefix(header, "Bearer ") {
			token = strings.TrimPrefix(header, "Bearer ")
		}
	}
	if token == "" {
		c.JSON(http.StatusUnauthorized, errorBody("unauthorized", "missing token"))
		return nil, false
	}
	claims, err := auth.ValidateJWT(token, h.cfg.JWTSecret)
	if err != nil {
		c.JSON(http.StatusUnauthorized, errorBody("unauthorized", err.Error()))
		return nil, false
	}
	if claims.ResolveUserID() == "" {
		c.JSON(http.StatusUnauthorized, errorBody("unauthorized", "token carries no user identity"))
		return nil, false
	}
	return claims, true
}

// register admits the connection and records its cluster session.
func (h *Handlers) register(ctx context.Context, claims *auth.Claims) (*connection.Handle, error) {
	tenantID := h.tenants.Resolve(claims.ResolveTenantID())
	handle, err := h.registry.Register(claims.ResolveUserID(), tenantID, claims.Roles)
	if err != nil {
		return nil, err
	}

	if h.store != nil && h.store.IsEnabled() {
		err := h.store.RegisterSession(ctx, cluster.SessionInfo{
			ConnectionID: handle.ID,
			UserID:       handle.UserID,
			TenantID:     handle.TenantID,
			ConnectedAt:  handle.ConnectedAt,
		})
		if err != nil {
			h.logger.WithError(err).WithField("connection_id", handle.ID).Warn("Cluster session registration failed")
		}
	}
	return handle, nil
}

// unregister tears the connection down everywhere.
func (h *Handlers) unregister(handle *connection.Handle) {
	h.registry.Unregister(handle.ID)
	if h.store != nil && h.store.IsEnabled() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.store.UnregisterSession(ctx, handle.ID); err != nil {
			h.logger.WithError(err).WithField("connection_id", handle.ID).Warn("Cluster session removal failed")
		}
	}
}

// HandleWebSocket upgrades the connection and runs the reader in the request
// goroutine with the writer alongside. Whichever pump exits first triggers
// the terminal cleanup.
func (h *Handlers) HandleWebSocket(c *gin.Context) {
	claims, ok := h.authenticate(c)
	if !ok {
		return
	}

	handle, err := h.register(c.Request.Context(), claims)
	if err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, connection.ErrMaxConnections) || errors.Is(err, connection.ErrMaxUserConnections) {
			status = http.StatusTooManyRequests
		}
		c.JSON(status, errorBody("connection_refused", err.Error()))
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.unregister(handle)
		h.logger.WithError(err).Debug("WebSocket upgrade failed")
		return
	}

	h.logger.WithFields(logging.Fields{
		"connection_id": handle.ID,
		"user_id":       handle.UserID,
		"tenant_id":     handle.TenantID,
	}).Info("WebSocket connected")

	go h.writePump(ws, handle)

	// Offline messages replay before any live traffic the reader provokes.
	queue.Replay(c.Request.Context(), h.queue, handle.UserID, handle.Send, h.logger)

	h.readPump(ws, handle)

	h.unregister(handle)
	ws.Close()
	h.logger.WithField("connection_id", handle.ID).Info("WebSocket disconnected")
}

func (h *Handlers) writePump(ws *websocket.Conn, handle *connection.Handle) {
	for {
		select {
		case <-handle.Done():
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case out := <-handle.Outbound():
			data, err := out.Bytes()
			if err != nil {
				h.logger.WithError(err).Warn("Outbound serialization failed")
				continue
			}
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				handle.Close()
				return
			}
		}
	}
}

func (h *Handlers) readPump(ws *websocket.Conn, handle *connection.Handle) {
	ws.SetReadLimit(maxMessageSize)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			handle.Close()
			return
		}
		handle.Touch()

		var msg notification.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			handle.Send(notification.Raw(notification.ErrorMessage("bad_frame", "malformed message")))
			continue
		}
		h.handleClientMessage(handle, &msg)
	}
}

// handleClientMessage services one decoded frame from the reader.
func (h *Handlers) handleClientMessage(handle *connection.Handle, msg *notification.ClientMessage) {
	switch msg.Type {
	case notification.MessageSubscribe:
		h.subscribe(handle, msg.Channels)
	case notification.MessageUnsubscribe:
		h.unsubscribe(handle, msg.Channels)
	case notification.MessagePing:
		handle.Send(notification.Raw(notification.PongMessage()))
	case notification.MessageAck:
		h.acknowledge(handle, msg.NotificationID)
	default:
		handle.Send(notification.Raw(notification.ErrorMessage("bad_frame", "unknown message type")))
	}
}

func (h *Handlers) subscribe(handle *connection.Handle, channels []string) {
	var accepted []string
	for _, ch := range channels {
		internal := h.tenants.NamespaceChannel(handle.TenantID, ch)
		if err := h.registry.SubscribeToChannel(handle.ID, internal); err != nil {
			handle.Send(notification.Raw(notification.ErrorMessage("subscribe_failed", ch+": "+err.Error())))
			continue
		}
		accepted = append(accepted, ch)
	}
	if len(accepted) > 0 {
		handle.Send(notification.Raw(notification.SubscribedMessage(accepted)))
		h.syncSessionChannels(handle)
	}
}

func (h *Handlers) unsubscribe(handle *connection.Handle, channels []string) {
	var removed []string
	for _, ch := range channels {
		internal := h.tenants.NamespaceChannel(handle.TenantID, ch)
		if err := h.registry.UnsubscribeFromChannel(handle.ID, internal); err != nil {
			continue
		}
		removed = append(removed, ch)
	}
	if len(removed) > 0 {
		handle.Send(notification.Raw(notification.UnsubscribedMessage(removed)))
		h.syncSessionChannels(handle)
	}
}

func (h *Handlers) acknowledge(handle *connection.Handle, notificationID string) {
	if notificationID == "" {
		handle.Send(notification.Raw(notification.ErrorMessage("bad_frame", "ack requires notification_id")))
		return
	}
	if h.acks == nil || !h.acks.Enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// The pending entry carries the sent timestamp; read it before the
	// acknowledge clears it so the latency can be observed.
	var sentAt time.Time
	if h.metrics != nil {
		if pending, err := h.acks.GetPending(ctx, notificationID); err == nil && pending != nil {
			sentAt = pending.SentAt
		}
	}
	accepted, err := h.acks.Acknowledge(ctx, notificationID, handle.UserID)
	if err != nil {
		h.logger.WithError(err).WithField("notification_id", notificationID).Warn("Acknowledge failed")
		return
	}
	if accepted {
		if !sentAt.IsZero() {
			h.metrics.ObserveAck(h.acks.BackendType(), time.Since(sentAt))
		}
		handle.Send(notification.Raw(notification.AckedMessage(notificationID)))
	}
}

// syncSessionChannels mirrors the connection's subscriptions into the
// cluster directory.
func (h *Handlers) syncSessionChannels(handle *connection.Handle) {
	if h.store == nil || !h.store.IsEnabled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.store.UpdateSessionChannels(ctx, handle.ID, handle.Subscriptions()); err != nil {
		h.logger.WithError(err).WithField("connection_id", handle.ID).Debug("Session channel sync failed")
	}
}
