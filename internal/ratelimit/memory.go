// ABOUTME: In-process fixed window limiter backed by go-cache
// ABOUTME: Window counters expire on their own; used when no Redis is configured

package ratelimit

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryLimiter keeps one counter per key and window in a go-cache.
type MemoryLimiter struct {
	counters *gocache.Cache
	max      int64
	window   time.Duration
	now      func() time.Time
}

// NewMemoryLimiter allows max hits per key per window.
func NewMemoryLimiter(max int, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		counters: gocache.New(window, 2*window),
		max:      int64(max),
		window:   window,
		now:      time.Now,
	}
}

// Allow implements Limiter.
func (l *MemoryLimiter) Allow(_ context.Context, key string) (Result, error) {
	now := l.now()
	start := now.Truncate(l.window)
	untilReset := start.Add(l.window).Sub(now)
	windowKey := fmt.Sprintf("%s:%d", key, start.Unix())

	for {
		if err := l.counters.Add(windowKey, int64(1), untilReset); err == nil {
			return newResult(1, l.max, untilReset), nil
		}
		hits, err := l.counters.IncrementInt64(windowKey, 1)
		if err == nil {
			return newResult(hits, l.max, untilReset), nil
		}
		// The counter expired between Add and Increment; start the window again.
	}
}
