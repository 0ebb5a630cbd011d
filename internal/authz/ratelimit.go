package authz

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter enforces a fixed-window request budget per (principal, action).
// The counter lives in Redis so concurrent probes across instances share one
// atomic INCR; a store outage falls back to a per-instance in-memory window
// so the limiter keeps answering before any permission state is consulted.
type RateLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	local map[string]*localWindow

	onFallback func()
}

type localWindow struct {
	start time.Time
	count int
}

// NewRateLimiter constructs a limiter allowing limit requests per window.
func NewRateLimiter(client *redis.Client, limit int, window time.Duration, logger *slog.Logger) *RateLimiter {
	if limit <= 0 {
		limit = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
		logger: logger,
		now:    time.Now,
		local:  map[string]*localWindow{},
	}
}

// OnFallback wires a metric callback fired when the Redis counter is
// unavailable and the local window answers instead.
func (l *RateLimiter) OnFallback(fn func()) { l.onFallback = fn }

// Allow consumes one slot for the principal and action, reporting whether the
// request stays within the window budget.
func (l *RateLimiter) Allow(ctx context.Context, principalID, action string) bool {
	now := l.now()
	windowStart := now.Truncate(l.window)
	key := fmt.Sprintf("authz:rl:%s:%s:%d", principalID, action, windowStart.Unix())

	if l.client != nil {
		pipe := l.client.Pipeline()
		incr := pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, l.window*2)
		if _, err := pipe.Exec(ctx); err == nil {
			return incr.Val() <= int64(l.limit)
		} else if l.logger != nil {
			l.logger.Warn("rate limit counter degraded to local window", slog.Any("error", err))
		}
		if l.onFallback != nil {
			l.onFallback()
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	w := l.local[key]
	if w == nil || !w.start.Equal(windowStart) {
		w = &localWindow{start: windowStart}
		l.local[key] = w
		l.pruneLocked(windowStart)
	}
	w.count++
	return w.count <= l.limit
}

// pruneLocked drops windows older than the previous one to bound memory.
func (l *RateLimiter) pruneLocked(current time.Time) {
	for key, w := range l.local {
		if current.Sub(w.start) > 2*l.window {
			delete(l.local, key)
		}
	}
}
