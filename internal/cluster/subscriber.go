package cluster

import (
	"context"
	"encoding/json"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/tenghongzou/Ara-notification-service-sub000/internal/resilience"
	"github.com/tenghongzou/Ara-notification-service-sub000/pkg/logging"
)

// Subscriber consumes the routing bus: the shared broadcast channel plus
// this server's targeted channel, on a single Redis subscription.
type Subscriber struct {
	cfg     Config
	client  goredis.UniversalClient
	router  *Router
	backoff *resilience.Backoff
	logger  logging.Logger
}

// NewSubscriber creates the routed-message consumer.
func NewSubscriber(cfg Config, client goredis.UniversalClient, router *Router, logger logging.Logger) *Subscriber {
	return &Subscriber{
		cfg:     cfg,
		client:  client,
		router:  router,
		backoff: resilience.NewBackoff(resilience.DefaultBackoffConfig()),
		logger:  logger,
	}
}

// Run subscribes and delivers routed messages until the context is done,
// reconnecting with backoff after failures.
func (s *Subscriber) Run(ctx context.Context) {
	channels := []string{
		s.cfg.RoutingChannel,
		s.cfg.RoutingChannel + ":" + s.cfg.ServerID,
	}

	for {
		if err := s.consume(ctx, channels); err != nil {
			delay := s.backoff.Next()
			s.logger.WithError(err).WithField("retry_in", delay.String()).Warn("Routing bus subscription lost, reconnecting")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		return
	}
}

func (s *Subscriber) consume(ctx context.Context, channels []string) error {
	sub := s.client.Subscribe(ctx, channels...)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	s.backoff.Reset()
	s.logger.WithFields(logging.Fields{
		"server_id": s.cfg.ServerID,
		"channels":  channels,
	}).Info("Routing bus subscription established")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return goredis.ErrClosed
			}
			var routed RoutedMessage
			if err := json.Unmarshal([]byte(msg.Payload), &routed); err != nil {
				s.logger.WithError(err).WithField("channel", msg.Channel).Warn("Undecodable routed message, skipping")
				continue
			}
			s.router.HandleRoutedMessage(routed)
		}
	}
}
