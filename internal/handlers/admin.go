package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tenghongzou/Ara-notification-service-sub000/internal/cluster"
	"github.com/tenghongzou/Ara-notification-service-sub000/internal/template"
)

// GetStats handles GET /stats with a consolidated view of every subsystem.
func (h *Handlers) GetStats(c *gin.Context) {
	ctx := c.Request.Context()

	stats := gin.H{
		"server_id":      h.store.ServerID(),
		"uptime_seconds": int64(time.Since(h.startedAt) / time.Second),
		"connections":    h.registry.Stats(),
		"dispatch":       h.dispatcher.Stats(),
	}

	if h.queue != nil {
		qs, ok, _ := h.statsCache.Get(ctx, "queue", func(ctx context.Context, _ string) (interface{}, bool, error) {
			s, err := h.queue.Stats(ctx)
			return s, err == nil, err
		})
		if ok {
			stats["queue"] = qs
		}
	}
	if h.acks != nil {
		as, ok, _ := h.statsCache.Get(ctx, "acks", func(ctx context.Context, _ string) (interface{}, bool, error) {
			s, err := h.acks.Stats(ctx)
			return s, err == nil, err
		})
		if ok {
			stats["acks"] = as
		}
	}
	if h.router != nil {
		stats["routing"] = h.router.Stats()
	}
	if h.limiter != nil {
		stats["rate_limit_backend"] = h.limiter.BackendType()
	}
	if h.triggerHealth != nil {
		stats["trigger"] = h.triggerHealth()
	}

	c.JSON(http.StatusOK, stats)
}

// templateStatus maps store errors onto HTTP codes.
func templateStatus(err error) (int, string) {
	switch {
	case errors.Is(err, template.ErrNotFound):
		return http.StatusNotFound, "template_not_found"
	case errors.Is(err, template.ErrDuplicate):
		return http.StatusConflict, "template_exists"
	case errors.Is(err, template.ErrInvalid):
		return http.StatusBadRequest, "template_invalid"
	default:
		return http.StatusInternalServerError, "template_error"
	}
}

// CreateTemplate handles POST /api/v1/templates.
func (h *Handlers) CreateTemplate(c *gin.Context) {
	var t template.Template
	if err := c.ShouldBindJSON(&t); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid_request", "malformed request body"))
		return
	}
	created, err := h.templates.Create(t)
	if err != nil {
		status, code := templateStatus(err)
		c.JSON(status, errorBody(code, err.Error()))
		return
	}
	c.JSON(http.StatusCreated, created)
}

// ListTemplates handles GET /api/v1/templates.
func (h *Handlers) ListTemplates(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"templates": h.templates.List()})
}

// GetTemplate handles GET /api/v1/templates/:id.
func (h *Handlers) GetTemplate(c *gin.Context) {
	t, err := h.templates.Get(c.Param("id"))
	if err != nil {
		status, code := templateStatus(err)
		c.JSON(status, errorBody(code, err.Error()))
		return
	}
	c.JSON(http.StatusOK, t)
}

// UpdateTemplate handles PUT /api/v1/templates/:id.
func (h *Handlers) UpdateTemplate(c *gin.Context) {
	var t template.Template
	if err := c.ShouldBindJSON(&t); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid_request", "malformed request body"))
		return
	}
	updated, err := h.templates.Update(c.Param("id"), t)
	if err != nil {
		status, code := templateStatus(err)
		c.JSON(status, errorBody(code, err.Error()))
		return
	}
	c.JSON(http.StatusOK, updated)
}

// DeleteTemplate handles DELETE /api/v1/templates/:id.
func (h *Handlers) DeleteTemplate(c *gin.Context) {
	if err := h.templates.Delete(c.Param("id")); err != nil {
		status, code := templateStatus(err)
		c.JSON(status, errorBody(code, err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// ClusterStatus handles GET /api/v1/cluster/status.
func (h *Handlers) ClusterStatus(c *gin.Context) {
	status := gin.H{
		"enabled":   h.store.IsEnabled(),
		"server_id": h.store.ServerID(),
		"backend":   h.store.BackendType(),
	}
	if h.store.IsEnabled() {
		ctx := c.Request.Context()
		if n, err := h.store.ClusterConnectionCount(ctx); err == nil {
			status["cluster_connections"] = n
		}
		if n, err := h.store.ClusterUserCount(ctx); err == nil {
			status["cluster_users"] = n
		}
	}
	if h.router != nil {
		status["routing"] = h.router.Stats()
	}
	c.JSON(http.StatusOK, status)
}

// ClusterUserSessions handles GET /api/v1/cluster/users/:user_id.
func (h *Handlers) ClusterUserSessions(c *gin.Context) {
	userID := c.Param("user_id")
	if !h.store.IsEnabled() {
		// Single-server deployments answer from the local registry.
		conns := h.registry.GetUserConnections(userID)
		sessions := make([]cluster.SessionInfo, 0, len(conns))
		for _, conn := range conns {
			sessions = append(sessions, cluster.SessionInfo{
				ConnectionID: conn.ID,
				UserID:       conn.UserID,
				TenantID:     conn.TenantID,
				ServerID:     h.store.ServerID(),
				ConnectedAt:  conn.ConnectedAt,
				Channels:     conn.Subscriptions(),
			})
		}
		c.JSON(http.StatusOK, gin.H{"user_id": userID, "sessions": sessions})
		return
	}

	sessions, err := h.store.GetUserSessions(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorBody("cluster_error", err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "sessions": sessions})
}

// ListChannels handles GET /api/v1/channels.
func (h *Handlers) ListChannels(c *gin.Context) {
	channels := h.registry.ListChannels()
	c.JSON(http.StatusOK, gin.H{"channels": channels, "total_channels": len(channels)})
}

// GetChannel handles GET /api/v1/channels/:name. Channels exist only while
// they have subscribers.
func (h *Handlers) GetChannel(c *gin.Context) {
	name := c.Param("name")
	info, ok := h.registry.GetChannelInfo(name)
	if !ok {
		c.JSON(http.StatusNotFound, errorBody("channel_not_found",
			"channel '"+name+"' not found or has no subscribers"))
		return
	}
	c.JSON(http.StatusOK, info)
}

// GetUserSubscriptions handles GET /api/v1/users/:user_id/subscriptions.
func (h *Handlers) GetUserSubscriptions(c *gin.Context) {
	userID := c.Param("user_id")
	conns := h.registry.GetUserConnections(userID)
	if len(conns) == 0 {
		c.JSON(http.StatusNotFound, errorBody("user_not_connected",
			"user '"+userID+"' has no active connections"))
		return
	}
	seen := make(map[string]struct{})
	subscriptions := make([]string, 0)
	for _, conn := range conns {
		for _, ch := range conn.Subscriptions() {
			if _, dup := seen[ch]; dup {
				continue
			}
			seen[ch] = struct{}{}
			subscriptions = append(subscriptions, ch)
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id":          userID,
		"connection_count": len(conns),
		"subscriptions":    subscriptions,
	})
}

// ListTenants handles GET /api/v1/tenants.
func (h *Handlers) ListTenants(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tenants": h.tenants.List()})
}

// GetTenant handles GET /api/v1/tenants/:tenant_id.
func (h *Handlers) GetTenant(c *gin.Context) {
	c.JSON(http.StatusOK, h.tenants.Stats(c.Param("tenant_id")))
}
