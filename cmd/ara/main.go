package main

import (
	"context"
	"time"

	"github.com/tenghongzou/Ara-notification-service-sub000/internal/ack"
	"github.com/tenghongzou/Ara-notification-service-sub000/internal/cluster"
	"github.com/tenghongzou/Ara-notification-service-sub000/internal/connection"
	"github.com/tenghongzou/Ara-notification-service-sub000/internal/dispatch"
	"github.com/tenghongzou/Ara-notification-service-sub000/internal/handlers"
	"github.com/tenghongzou/Ara-notification-service-sub000/internal/metrics"
	"github.com/tenghongzou/Ara-notification-service-sub000/internal/notification"
	"github.com/tenghongzou/Ara-notification-service-sub000/internal/queue"
	"github.com/tenghongzou/Ara-notification-service-sub000/internal/ratelimit"
	"github.com/tenghongzou/Ara-notification-service-sub000/internal/tasks"
	"github.com/tenghongzou/Ara-notification-service-sub000/internal/template"
	"github.com/tenghongzou/Ara-notification-service-sub000/internal/tenant"
	"github.com/tenghongzou/Ara-notification-service-sub000/internal/trigger"
	"github.com/tenghongzou/Ara-notification-service-sub000/pkg/config"
	"github.com/tenghongzou/Ara-notification-service-sub000/pkg/database"
	"github.com/tenghongzou/Ara-notification-service-sub000/pkg/logging"
	"github.com/tenghongzou/Ara-notification-service-sub000/pkg/monitoring"
	pkgredis "github.com/tenghongzou/Ara-notification-service-sub000/pkg/redis"
	"github.com/tenghongzou/Ara-notification-service-sub000/pkg/server"

	goredis "github.com/redis/go-redis/v9"
)

var (
	version = "dev"
	commit  = "unknown"
)

const serviceName = "ara"

func main() {
	logger := logging.NewLoggerWithService(serviceName)
	config.LoadEnv(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Redis is optional: without it the queue/ack/session/rate-limit
	// backends fall back to their local variants.
	redisClient := connectRedis(ctx, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	var db database.PostgresConn
	if url := config.GetEnv("DATABASE_URL", ""); url != "" {
		dbCfg := database.DefaultConfig()
		dbCfg.URL = url
		var err error
		db, err = database.Connect(dbCfg, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to database")
		}
		defer db.Close()
	}

	healthChecker := monitoring.NewHealthChecker(serviceName, version)
	healthChecker.AddCheck("configuration", monitoring.ConfigurationHealthCheck(map[string]string{
		"JWT_SECRET": config.GetEnv("JWT_SECRET", ""),
	}))
	if redisClient != nil {
		healthChecker.AddCheck("redis", monitoring.RedisHealthCheck(redisClient))
	}
	if db != nil {
		healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	}

	metricsCollector := monitoring.NewMetricsCollector(serviceName, version, commit)
	domainMetrics := metrics.New(metricsCollector)

	registry := connection.NewRegistry(connection.LimitsFromEnv(), logger)
	tenants := tenant.NewManager(tenant.ConfigFromEnv(), registry)
	templates := template.NewStore()

	deps := queue.Deps{Redis: redisClient, DB: db}
	queueBackend := queue.New(queue.ConfigFromEnv(), deps, tenant.DefaultTenant, logger)
	ackBackend := ack.New(ack.ConfigFromEnv(), ack.Deps{Redis: redisClient, DB: db}, tenant.DefaultTenant, logger)
	limiter := ratelimit.New(ratelimit.ConfigFromEnv(), redisClient, logger)

	clusterCfg := cluster.ConfigFromEnv()
	sessionStore := cluster.New(clusterCfg, redisClient, logger)
	router := cluster.NewRouter(registry, sessionStore, logger)

	dispatcher := dispatch.New(registry, queueBackend, ackBackend, router, logger)

	heartbeat := tasks.NewHeartbeat(tasks.HeartbeatConfigFromEnv(), registry, sessionStore, logger)
	go heartbeat.Run(ctx)
	go tasks.AckSweeper(ctx, ackBackend, ack.ConfigFromEnv().CleanupInterval, logger)
	go tasks.QueueCleaner(ctx, queueBackend, queue.ConfigFromEnv().CleanupInterval, logger)
	go tasks.RateLimitSweeper(ctx, limiter, 5*time.Minute, logger)

	if sessionStore.IsEnabled() && redisClient != nil {
		routedSub := cluster.NewSubscriber(clusterCfg, redisClient, router, logger)
		go routedSub.Run(ctx)
	}

	breakers := map[string]func() string{}
	var triggerSub *trigger.Subscriber
	if redisClient != nil {
		triggerSub = trigger.NewSubscriber(trigger.ConfigFromEnv(), redisClient, dispatcher, logger)
		triggerSub.SetMetrics(domainMetrics)
		go triggerSub.Run(ctx)
		breakers["redis-trigger"] = func() string { return string(triggerSub.BreakerState()) }
	}

	sampler := tasks.NewMetricsSampler(domainMetrics, registry, dispatcher,
		queueBackend, ackBackend, router, breakers, logger)
	go sampler.Run(ctx, 15*time.Second)

	h := handlers.New(handlers.ConfigFromEnv(), registry, dispatcher, queueBackend, ackBackend,
		templates, tenants, sessionStore, router, limiter, logger)
	h.SetMetrics(domainMetrics)
	if triggerSub != nil {
		h.SetTriggerHealth(triggerSub.Health)
	}

	ginRouter := server.SetupServiceRouter(logger, serviceName, healthChecker, metricsCollector)
	h.RegisterRoutes(ginRouter)

	serverCfg := server.DefaultConfig(serviceName, "8081")
	serverCfg.Port = config.GetEnv("SERVER_PORT", serverCfg.Port)
	// SSE streams outlive any fixed write timeout.
	serverCfg.WriteTimeout = 0
	// Clients get the shutdown frame while the listener still holds their
	// connections, before the HTTP drain tears them down.
	serverCfg.OnShutdown = func() {
		announceShutdown(registry)
		cancel()
	}
	if err := server.Start(serverCfg, ginRouter, logger); err != nil {
		logger.WithError(err).Fatal("Server error")
	}
}

func connectRedis(ctx context.Context, logger logging.Logger) goredis.UniversalClient {
	url := config.GetEnv("REDIS_URL", "")
	if url == "" {
		logger.Info("REDIS_URL not set, Redis-backed features disabled")
		return nil
	}
	c, err := pkgredis.NewClientFromURL(ctx, url)
	if err != nil {
		logger.WithError(err).Warn("Redis unavailable, falling back to local backends")
		return nil
	}
	return c
}

// announceShutdown tells every connected client to reconnect elsewhere.
func announceShutdown(registry *connection.Registry) {
	after := int64(5)
	msg := notification.Raw(notification.ShutdownMessage("server shutting down", &after))
	for _, h := range registry.GetAllConnections() {
		_ = h.Send(msg)
	}
	// Give writers a moment to flush the frame.
	time.Sleep(200 * time.Millisecond)
	for _, h := range registry.GetAllConnections() {
		h.Close()
	}
}
