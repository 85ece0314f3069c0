package trigger

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/tenghongzou/Ara-notification-service-sub000/internal/dispatch"
	"github.com/tenghongzou/Ara-notification-service-sub000/internal/metrics"
	"github.com/tenghongzou/Ara-notification-service-sub000/internal/notification"
	"github.com/tenghongzou/Ara-notification-service-sub000/internal/resilience"
	"github.com/tenghongzou/Ara-notification-service-sub000/pkg/logging"
)

// Dispatcher is the sink for decoded trigger messages.
type Dispatcher interface {
	Dispatch(ctx context.Context, target notification.Target, event notification.Event) dispatch.DeliveryResult
}

// Subscriber ingests externally-published notifications from Redis channels.
// Channels containing a glob metacharacter are pattern-subscribed. The Redis
// connection is gated by a circuit breaker; reconnects back off exponentially.
type Subscriber struct {
	cfg        Config
	client     goredis.UniversalClient
	dispatcher Dispatcher
	breaker    *resilience.CircuitBreaker
	backoff    *resilience.Backoff
	health     *resilience.HealthTracker
	metrics    *metrics.Metrics
	logger     logging.Logger
}

// NewSubscriber creates the trigger consumer with breaker and backoff
// settings from the environment.
func NewSubscriber(cfg Config, client goredis.UniversalClient, dispatcher Dispatcher, logger logging.Logger) *Subscriber {
	return &Subscriber{
		cfg:        cfg,
		client:     client,
		dispatcher: dispatcher,
		breaker:    resilience.NewCircuitBreaker(resilience.BreakerConfigFromEnv()),
		backoff:    resilience.NewBackoff(resilience.BackoffConfigFromEnv()),
		health:     resilience.NewHealthTracker(),
		logger:     logger,
	}
}

// SetMetrics attaches the domain instruments. Nil disables observation.
func (s *Subscriber) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// Health returns the connection health snapshot.
func (s *Subscriber) Health() resilience.HealthSnapshot {
	return s.health.Snapshot()
}

// BreakerState returns the breaker's current state.
func (s *Subscriber) BreakerState() resilience.State {
	return s.breaker.State()
}

// Run consumes trigger messages until the context is done. While the breaker
// is open it sleeps half the reset timeout between probes.
func (s *Subscriber) Run(ctx context.Context) {
	if !s.cfg.Enabled || len(s.cfg.Channels) == 0 {
		s.logger.Info("Trigger subscriber disabled")
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !s.breaker.AllowRequest() {
			s.health.SetCircuitOpen()
			if !sleep(ctx, s.breaker.ResetTimeout()/2) {
				return
			}
			continue
		}

		err := s.consume(ctx)
		if ctx.Err() != nil {
			return
		}
		s.breaker.RecordFailure()
		s.health.SetReconnecting()
		delay := s.backoff.Next()
		s.logger.WithError(err).WithField("retry_in", delay.String()).Warn("Trigger subscription lost, reconnecting")
		if !sleep(ctx, delay) {
			return
		}
	}
}

func (s *Subscriber) consume(ctx context.Context) error {
	var literals, patterns []string
	for _, ch := range s.cfg.Channels {
		if isPattern(ch) {
			patterns = append(patterns, ch)
		} else {
			literals = append(literals, ch)
		}
	}

	var sub *goredis.PubSub
	if len(literals) > 0 {
		sub = s.client.Subscribe(ctx, literals...)
		if len(patterns) > 0 {
			if err := sub.PSubscribe(ctx, patterns...); err != nil {
				sub.Close()
				return err
			}
		}
	} else {
		sub = s.client.PSubscribe(ctx, patterns...)
	}
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	s.breaker.RecordSuccess()
	s.health.SetConnected()
	s.backoff.Reset()
	s.logger.WithFields(logging.Fields{
		"channels": literals,
		"patterns": patterns,
	}).Info("Trigger subscription established")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return goredis.ErrClosed
			}
			s.handle(ctx, msg.Channel, []byte(msg.Payload))
		}
	}
}

func (s *Subscriber) handle(ctx context.Context, channel string, payload []byte) {
	target, event, err := Decode(payload)
	if err != nil {
		s.metrics.CountTrigger("invalid")
		s.logger.WithError(err).WithField("channel", channel).Warn("Undecodable trigger message, skipping")
		return
	}

	result := s.dispatcher.Dispatch(ctx, target, event)
	s.metrics.CountTrigger("dispatched")
	s.logger.WithFields(logging.Fields{
		"channel":         channel,
		"notification_id": result.NotificationID,
		"delivered_to":    result.DeliveredTo,
		"queued":          result.Queued,
	}).Debug("Trigger dispatched")
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
