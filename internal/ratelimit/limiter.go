package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/core"
)

// Limiter paces a single stream of work, such as dispatching new scan
// targets.
type Limiter struct {
	limiter   *rate.Limiter
	burstSize int
}

// Config contains rate limiting configuration
type Config struct {
	// RequestsPerSecond limits the number of events per second
	RequestsPerSecond float64

	// BurstSize allows brief bursts above the rate limit
	BurstSize int
}

// DefaultConfig matches the default scan rate of 100 addresses per second.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 100.0,
		BurstSize:         1,
	}
}

// NewLimiter creates a new rate limiter with the given configuration
func NewLimiter(config Config) *Limiter {
	burst := config.BurstSize
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		limiter:   rate.NewLimiter(rate.Limit(config.RequestsPerSecond), burst),
		burstSize: burst,
	}
}

// Wait blocks until the rate limiter allows the next event
func (l *Limiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// Allow checks if an event is allowed without blocking
func (l *Limiter) Allow() bool {
	return l.limiter.Allow()
}

// GetStats returns current rate limiter statistics
func (l *Limiter) GetStats() Stats {
	return Stats{
		Limit:     float64(l.limiter.Limit()),
		BurstSize: l.burstSize,
	}
}

// Stats contains rate limiter statistics
type Stats struct {
	// Limit is events per second.
	Limit       float64 `json:"limit_per_second"`
	BurstSize   int     `json:"burst"`
	TrackedKeys int     `json:"tracked_keys"`
}

const (
	keyedCacheSize = 65536
	keyedIdleTTL   = 10 * time.Minute
)

// KeyedLimiter keeps an independent token bucket per key, for example per
// API caller. Buckets idle for longer than the TTL are forgotten.
type KeyedLimiter struct {
	limit   rate.Limit
	burst   int
	buckets *expirable.LRU[string, *rate.Limiter]
	mu      sync.Mutex
}

var _ core.RateLimiter = (*KeyedLimiter)(nil)

// NewKeyedLimiter allows perMinute events per key per minute.
func NewKeyedLimiter(perMinute, burst int) *KeyedLimiter {
	if burst < 1 {
		burst = 1
	}
	return &KeyedLimiter{
		limit:   rate.Limit(float64(perMinute) / 60.0),
		burst:   burst,
		buckets: expirable.NewLRU[string, *rate.Limiter](keyedCacheSize, nil, keyedIdleTTL),
	}
}

func (k *KeyedLimiter) bucket(key string) *rate.Limiter {
	k.mu.Lock()
	defer k.mu.Unlock()

	if b, ok := k.buckets.Get(key); ok {
		// Re-adding refreshes the idle TTL.
		k.buckets.Add(key, b)
		return b
	}
	b := rate.NewLimiter(k.limit, k.burst)
	k.buckets.Add(key, b)
	return b
}

func (k *KeyedLimiter) Wait(ctx context.Context, key string) error {
	return k.bucket(key).Wait(ctx)
}

func (k *KeyedLimiter) Allow(key string) bool {
	return k.bucket(key).Allow()
}

// GetStats returns current rate limiter statistics
func (k *KeyedLimiter) GetStats() Stats {
	return Stats{
		Limit:       float64(k.limit),
		BurstSize:   k.burst,
		TrackedKeys: k.buckets.Len(),
	}
}
