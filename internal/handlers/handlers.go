package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tenghongzou/Ara-notification-service-sub000/internal/ack"
	"github.com/tenghongzou/Ara-notification-service-sub000/internal/cluster"
	"github.com/tenghongzou/Ara-notification-service-sub000/internal/connection"
	"github.com/tenghongzou/Ara-notification-service-sub000/internal/dispatch"
	"github.com/tenghongzou/Ara-notification-service-sub000/internal/metrics"
	"github.com/tenghongzou/Ara-notification-service-sub000/internal/queue"
	"github.com/tenghongzou/Ara-notification-service-sub000/internal/ratelimit"
	"github.com/tenghongzou/Ara-notification-service-sub000/internal/resilience"
	"github.com/tenghongzou/Ara-notification-service-sub000/internal/template"
	"github.com/tenghongzou/Ara-notification-service-sub000/internal/tenant"
	"github.com/tenghongzou/Ara-notification-service-sub000/pkg/cache"
	"github.com/tenghongzou/Ara-notification-service-sub000/pkg/config"
	"github.com/tenghongzou/Ara-notification-service-sub000/pkg/logging"
)

// Config carries the HTTP surface's secrets and knobs.
type Config struct {
	APIKey    string
	JWTSecret []byte
}

// ConfigFromEnv reads the HTTP settings from the environment.
func ConfigFromEnv() Config {
	return Config{
		APIKey:    config.GetEnv("API_KEY", ""),
		JWTSecret: []byte(config.GetEnv("JWT_SECRET", "")),
	}
}

// Handlers is the HTTP and realtime surface of the service.
type Handlers struct {
	cfg        Config
	registry   *connection.Registry
	dispatcher *dispatch.Dispatcher
	queue      queue.Backend
	acks       ack.Backend
	templates  *template.Store
	tenants    *tenant.Manager
	store      cluster.Store
	router     *cluster.Router
	limiter    ratelimit.Limiter
	logger     logging.Logger
	startedAt  time.Time
	statsCache *cache.Cache

	triggerHealth func() resilience.HealthSnapshot
	metrics       *metrics.Metrics
}

// New wires the handlers over the service's components. Queue, acks, router,
// and limiter may be nil when the concern is disabled.
func New(cfg Config, registry *connection.Registry, dispatcher *dispatch.Dispatcher, q queue.Backend, acks ack.Backend, templates *template.Store, tenants *tenant.Manager, store cluster.Store, router *cluster.Router, limiter ratelimit.Limiter, logger logging.Logger) *Handlers {
	return &Handlers{
		cfg:        cfg,
		registry:   registry,
		dispatcher: dispatcher,
		queue:      q,
		acks:       acks,
		templates:  templates,
		tenants:    tenants,
		store:      store,
		router:     router,
		limiter:    limiter,
		logger:     logger,
		startedAt:  time.Now(),
		// Backend stats hit Redis/Postgres; a short TTL keeps /stats cheap
		// under scrape pressure.
		statsCache: cache.New(cache.Options{
			TTL:                  2 * time.Second,
			StaleWhileRevalidate: 5 * time.Second,
			MaxEntries:           8,
		}, cache.MetricsHooks{}),
	}
}

// SetTriggerHealth exposes the trigger subscriber's health snapshot in /stats.
func (h *Handlers) SetTriggerHealth(fn func() resilience.HealthSnapshot) {
	h.triggerHealth = fn
}

// SetMetrics attaches the domain instruments. Nil disables observation.
func (h *Handlers) SetMetrics(m *metrics.Metrics) {
	h.metrics = m
}

// RegisterRoutes installs the service routes on the router.
func (h *Handlers) RegisterRoutes(r *gin.Engine) {
	r.GET("/ws", h.connectionRateLimit(), h.HandleWebSocket)
	r.GET("/sse", h.connectionRateLimit(), h.HandleSSE)
	r.GET("/stats", h.GetStats)

	api := r.Group("/api/v1", h.apiKeyAuth(), h.requestRateLimit())
	{
		api.POST("/notifications/send", h.SendToUser)
		api.POST("/notifications/send-to-users", h.SendToUsers)
		api.POST("/notifications/broadcast", h.Broadcast)
		api.POST("/notifications/channel", h.SendToChannel)
		api.POST("/notifications/channels", h.SendToChannels)

		api.POST("/templates", h.CreateTemplate)
		api.GET("/templates", h.ListTemplates)
		api.GET("/templates/:id", h.GetTemplate)
		api.PUT("/templates/:id", h.UpdateTemplate)
		api.DELETE("/templates/:id", h.DeleteTemplate)

		api.GET("/channels", h.ListChannels)
		api.GET("/channels/:name", h.GetChannel)
		api.GET("/users/:user_id/subscriptions", h.GetUserSubscriptions)

		api.GET("/cluster/status", h.ClusterStatus)
		api.GET("/cluster/users/:user_id", h.ClusterUserSessions)

		api.GET("/tenants", h.ListTenants)
		api.GET("/tenants/:tenant_id", h.GetTenant)
	}
}

// errorBody is the JSON shape of every denied or failed request.
func errorBody(code, message string) gin.H {
	return gin.H{"error": gin.H{"code": code, "message": message}}
}

// apiKeyAuth requires the shared key header when one is configured.
func (h *Handlers) apiKeyAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.cfg.APIKey == "" {
			c.Next()
			return
		}
		if c.GetHeader("X-API-Key") != h.cfg.APIKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody("unauthorized", "missing or invalid API key"))
			return
		}
		c.Next()
	}
}

// requestRateLimit accounts HTTP requests against the caller's API key,
// falling back to the client address for anonymous callers.
func (h *Handlers) requestRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.limiter == nil {
			c.Next()
			return
		}
		key := c.GetHeader("X-API-Key")
		if key == "" {
			key = c.ClientIP()
		}
		decision := h.limiter.CheckKey(c.Request.Context(), key)
		writeRateHeaders(c, decision)
		if !decision.Allowed {
			h.metrics.CountRateLimited("http")
			c.Header("Retry-After", strconv.Itoa(int(decision.RetryAfter/time.Second)))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorBody("rate_limited", "request rate limit exceeded"))
			return
		}
		c.Next()
	}
}

// connectionRateLimit accounts WebSocket/SSE connection attempts per address.
func (h *Handlers) connectionRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.limiter == nil {
			c.Next()
			return
		}
		decision := h.limiter.CheckIP(c.Request.Context(), c.ClientIP())
		writeRateHeaders(c, decision)
		if !decision.Allowed {
			h.metrics.CountRateLimited("connection")
			c.Header("Retry-After", strconv.Itoa(int(decision.RetryAfter/time.Second)))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorBody("rate_limited", "connection rate limit exceeded"))
			return
		}
		c.Next()
	}
}

func writeRateHeaders(c *gin.Context, d ratelimit.Decision) {
	c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}
