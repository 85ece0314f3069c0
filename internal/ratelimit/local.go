package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// bucketEntry pairs a token bucket with its last activity for TTL sweeps.
type bucketEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// LocalLimiter keeps per-identifier token buckets in process memory. Each
// family refills independently: IP buckets hold one connection slot per
// configured connection-per-minute, key buckets hold a burst refilled at the
// configured request rate.
type LocalLimiter struct {
	cfg Config

	mu      sync.Mutex
	ip      map[string]*bucketEntry
	keys    map[string]*bucketEntry
	nowFunc func() time.Time
}

// NewLocalLimiter creates an in-process limiter.
func NewLocalLimiter(cfg Config) *LocalLimiter {
	return &LocalLimiter{
		cfg:     cfg,
		ip:      make(map[string]*bucketEntry),
		keys:    make(map[string]*bucketEntry),
		nowFunc: time.Now,
	}
}

func (l *LocalLimiter) BackendType() string { return "local" }

// CheckIP accounts one connection attempt from the given address.
func (l *LocalLimiter) CheckIP(_ context.Context, ip string) Decision {
	if !l.cfg.Enabled {
		return allowAll(l.cfg.WSConnectionsPerMinute)
	}
	refill := rate.Limit(float64(l.cfg.WSConnectionsPerMinute) / 60.0)
	return l.check(l.ip, ip, refill, l.cfg.WSConnectionsPerMinute)
}

// CheckKey accounts one HTTP request for the given API identifier.
func (l *LocalLimiter) CheckKey(_ context.Context, key string) Decision {
	if !l.cfg.Enabled {
		return allowAll(l.cfg.HTTPBurstSize)
	}
	refill := rate.Limit(l.cfg.HTTPRequestsPerSecond)
	return l.check(l.keys, key, refill, l.cfg.HTTPBurstSize)
}

func (l *LocalLimiter) check(buckets map[string]*bucketEntry, id string, refill rate.Limit, capacity int) Decision {
	l.mu.Lock()
	entry, ok := buckets[id]
	if !ok {
		entry = &bucketEntry{limiter: rate.NewLimiter(refill, capacity)}
		buckets[id] = entry
	}
	now := l.nowFunc()
	entry.lastSeen = now
	l.mu.Unlock()

	allowed := entry.limiter.AllowN(now, 1)
	remaining := int(entry.limiter.TokensAt(now))
	if remaining < 0 {
		remaining = 0
	}

	d := Decision{
		Allowed:   allowed,
		Limit:     capacity,
		Remaining: remaining,
		ResetAt:   now.Add(time.Second),
	}
	if !allowed {
		retry := time.Duration(float64(time.Second) / float64(refill))
		if retry < time.Second {
			retry = time.Second
		}
		d.RetryAfter = retry
		d.ResetAt = now.Add(retry)
	}
	return d
}

// Sweep drops buckets idle for longer than the configured TTL.
func (l *LocalLimiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.nowFunc().Add(-l.cfg.BucketTTL)
	removed := 0
	for id, entry := range l.ip {
		if entry.lastSeen.Before(cutoff) {
			delete(l.ip, id)
			removed++
		}
	}
	for id, entry := range l.keys {
		if entry.lastSeen.Before(cutoff) {
			delete(l.keys, id)
			removed++
		}
	}
	return removed
}
