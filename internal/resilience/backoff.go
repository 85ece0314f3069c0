package resilience

import (
	"math"
	"math/rand"
	"time"

	"github.com/tenghongzou/Ara-notification-service-sub000/pkg/config"
)

// BackoffConfig controls reconnect delay growth.
type BackoffConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64
}

// DefaultBackoffConfig returns the stock backoff settings.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

// BackoffConfigFromEnv reads backoff settings from the environment.
func BackoffConfigFromEnv() BackoffConfig {
	cfg := DefaultBackoffConfig()
	cfg.InitialDelay = time.Duration(config.GetEnvInt("REDIS_BACKOFF_INITIAL_DELAY_MS", 100)) * time.Millisecond
	cfg.MaxDelay = time.Duration(config.GetEnvInt("REDIS_BACKOFF_MAX_DELAY_MS", 30000)) * time.Millisecond
	return cfg
}

// Backoff generates exponentially growing reconnect delays with a cap and
// optional symmetric jitter. Not safe for concurrent use; each retry loop
// owns its own instance.
type Backoff struct {
	cfg     BackoffConfig
	attempt int
}

// NewBackoff creates a backoff generator at attempt zero.
func NewBackoff(cfg BackoffConfig) *Backoff {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 2.0
	}
	return &Backoff{cfg: cfg}
}

// Next returns the delay for the current attempt and advances the counter.
func (b *Backoff) Next() time.Duration {
	delay := float64(b.cfg.InitialDelay) * math.Pow(b.cfg.Multiplier, float64(b.attempt))
	if delay > float64(b.cfg.MaxDelay) {
		delay = float64(b.cfg.MaxDelay)
	}
	b.attempt++

	if b.cfg.JitterFactor > 0 {
		jitter := delay * b.cfg.JitterFactor
		delay = delay - jitter + rand.Float64()*2*jitter
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Attempt returns the number of delays generated since the last reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}

// Reset returns the generator to the initial delay.
func (b *Backoff) Reset() {
	b.attempt = 0
}
