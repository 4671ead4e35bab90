package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LocalLimiter keeps buckets in process memory. It is the single-instance
// fallback when no redis is configured; counts are not shared across
// servers.
type LocalLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func NewLocalLimiter() *LocalLimiter {
	return &LocalLimiter{buckets: make(map[string]*rate.Limiter)}
}

func (l *LocalLimiter) Allow(_ context.Context, key string, capacity int) (Result, error) {
	l.mu.Lock()
	lim, ok := l.buckets[key]
	if !ok || lim.Burst() != capacity {
		lim = rate.NewLimiter(rate.Limit(float64(capacity)/60.0), capacity)
		l.buckets[key] = lim
	}
	l.mu.Unlock()

	now := time.Now()
	allowed := lim.AllowN(now, 1)
	remaining := int(lim.TokensAt(now))
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   allowed,
		Limit:     capacity,
		Remaining: remaining,
		Reset:     resetAt(now.Unix(), remaining, capacity),
	}, nil
}
