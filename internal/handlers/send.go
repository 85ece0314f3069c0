package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tenghongzou/Ara-notification-service-sub000/internal/dispatch"
	"github.com/tenghongzou/Ara-notification-service-sub000/internal/notification"
	"github.com/tenghongzou/Ara-notification-service-sub000/internal/template"
	"github.com/tenghongzou/Ara-notification-service-sub000/pkg/logging"
	"github.com/tenghongzou/Ara-notification-service-sub000/pkg/middleware"
)

// sendRequest is the shared body of the notification endpoints. Content is
// either inline (event_type + payload) or a template reference.
type sendRequest struct {
	TargetUserID  string   `json:"target_user_id,omitempty"`
	TargetUserIDs []string `json:"target_user_ids,omitempty"`
	Channel       string   `json:"channel,omitempty"`
	Channels      []string `json:"channels,omitempty"`
	TenantID      string   `json:"tenant_id,omitempty"`

	EventType string          `json:"event_type,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`

	TemplateID string                 `json:"template_id,omitempty"`
	Variables  map[string]interface{} `json:"variables,omitempty"`

	Priority      string                 `json:"priority,omitempty"`
	TTL           *int64                 `json:"ttl,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Audience      *notification.Audience `json:"audience,omitempty"`
}

// sendResponse reports one dispatch back to the HTTP caller.
type sendResponse struct {
	Success        bool      `json:"success"`
	NotificationID string    `json:"notification_id"`
	DeliveredTo    int       `json:"delivered_to"`
	Failed         int       `json:"failed"`
	Queued         bool      `json:"queued,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// buildEvent turns the request's content into an event, rendering the
// template when one is referenced. Unresolved template variables are a 422.
func (h *Handlers) buildEvent(c *gin.Context, req *sendRequest) (notification.Event, bool) {
	var event notification.Event

	switch {
	case req.TemplateID != "":
		result, err := h.templates.Render(req.TemplateID, req.Variables)
		if err != nil {
			status := http.StatusInternalServerError
			code := "template_error"
			if errors.Is(err, template.ErrNotFound) {
				status, code = http.StatusNotFound, "template_not_found"
			} else if errors.Is(err, template.ErrInvalid) {
				status, code = http.StatusBadRequest, "template_invalid"
			}
			c.JSON(status, errorBody(code, err.Error()))
			return event, false
		}
		if len(result.Missing) > 0 {
			c.JSON(http.StatusUnprocessableEntity, errorBody("missing_variables",
				"unresolved template variables: "+strings.Join(result.Missing, ", ")))
			return event, false
		}
		eventType := result.Template.EventType
		if req.EventType != "" {
			eventType = req.EventType
		}
		event = notification.NewEvent(eventType, result.Payload)
		event.Metadata.Priority = result.Template.DefaultPriority
		if result.Template.DefaultTTL != nil {
			event.Metadata.TTLSeconds = result.Template.DefaultTTL
		}
	case req.EventType != "":
		payload := req.Payload
		if len(payload) == 0 {
			payload = json.RawMessage(`{}`)
		}
		event = notification.NewEvent(req.EventType, payload)
	default:
		c.JSON(http.StatusBadRequest, errorBody("invalid_request", "either event_type or template_id is required"))
		return event, false
	}

	if req.Priority != "" {
		event.Metadata.Priority = notification.ParsePriority(req.Priority)
	}
	if req.TTL != nil {
		event.Metadata.TTLSeconds = req.TTL
	}
	event.Metadata.CorrelationID = req.CorrelationID
	event.Metadata.Audience = req.Audience
	event.Metadata.Source = "http"
	return event, true
}

func (h *Handlers) bindSend(c *gin.Context) (*sendRequest, bool) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid_request", "malformed request body"))
		return nil, false
	}
	return &req, true
}

func (h *Handlers) writeResult(c *gin.Context, result dispatch.DeliveryResult) {
	middleware.GetContextLogger(c, h.logger).WithFields(logging.Fields{
		"notification_id": result.NotificationID,
		"delivered_to":    result.DeliveredTo,
		"failed":          result.Failed,
		"queued":          result.Queued,
	}).Info("Notification dispatched")
	c.JSON(http.StatusOK, sendResponse{
		Success:        result.Success,
		NotificationID: result.NotificationID,
		DeliveredTo:    result.DeliveredTo,
		Failed:         result.Failed,
		Queued:         result.Queued,
		Timestamp:      time.Now().UTC(),
	})
}

// SendToUser handles POST /api/v1/notifications/send.
func (h *Handlers) SendToUser(c *gin.Context) {
	req, ok := h.bindSend(c)
	if !ok {
		return
	}
	if req.TargetUserID == "" {
		c.JSON(http.StatusBadRequest, errorBody("invalid_request", "target_user_id is required"))
		return
	}
	event, ok := h.buildEvent(c, req)
	if !ok {
		return
	}
	result := h.dispatcher.SendToUser(c.Request.Context(), req.TargetUserID, event)
	h.writeResult(c, result)
}

// SendToUsers handles POST /api/v1/notifications/send-to-users.
func (h *Handlers) SendToUsers(c *gin.Context) {
	req, ok := h.bindSend(c)
	if !ok {
		return
	}
	if len(req.TargetUserIDs) == 0 {
		c.JSON(http.StatusBadRequest, errorBody("invalid_request", "target_user_ids is required"))
		return
	}
	event, ok := h.buildEvent(c, req)
	if !ok {
		return
	}
	result := h.dispatcher.SendToUsers(c.Request.Context(), req.TargetUserIDs, event)
	h.writeResult(c, result)
}

// Broadcast handles POST /api/v1/notifications/broadcast.
func (h *Handlers) Broadcast(c *gin.Context) {
	req, ok := h.bindSend(c)
	if !ok {
		return
	}
	event, ok := h.buildEvent(c, req)
	if !ok {
		return
	}
	result := h.dispatcher.Broadcast(c.Request.Context(), event)
	h.writeResult(c, result)
}

// SendToChannel handles POST /api/v1/notifications/channel. The channel name
// is rewritten into the caller's tenant namespace.
func (h *Handlers) SendToChannel(c *gin.Context) {
	req, ok := h.bindSend(c)
	if !ok {
		return
	}
	if req.Channel == "" {
		c.JSON(http.StatusBadRequest, errorBody("invalid_request", "channel is required"))
		return
	}
	event, ok := h.buildEvent(c, req)
	if !ok {
		return
	}
	tenantID := h.tenants.Resolve(req.TenantID)
	channel := h.tenants.NamespaceChannel(tenantID, req.Channel)
	result := h.dispatcher.SendToChannel(c.Request.Context(), channel, event)
	h.writeResult(c, result)
}

// SendToChannels handles POST /api/v1/notifications/channels.
func (h *Handlers) SendToChannels(c *gin.Context) {
	req, ok := h.bindSend(c)
	if !ok {
		return
	}
	if len(req.Channels) == 0 {
		c.JSON(http.StatusBadRequest, errorBody("invalid_request", "channels is required"))
		return
	}
	event, ok := h.buildEvent(c, req)
	if !ok {
		return
	}
	tenantID := h.tenants.Resolve(req.TenantID)
	channels := make([]string, len(req.Channels))
	for i, ch := range req.Channels {
		channels[i] = h.tenants.NamespaceChannel(tenantID, ch)
	}
	result := h.dispatcher.SendToChannels(c.Request.Context(), channels, event)
	h.writeResult(c, result)
}
