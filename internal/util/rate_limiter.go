package util

import (
	"context"
	"sync"
	"time"

	"github.com/shelfbridge/shelfbridge/internal/logger"
)

const (
	// DefaultRequestsPerMinute is used when a quota is not configured
	DefaultRequestsPerMinute = 60
	// bucketIdleExpiry is how long an unused bucket survives before the
	// purge tick drops it
	bucketIdleExpiry = 5 * time.Minute
	// purgeInterval is how often idle buckets are collected
	purgeInterval = time.Minute
)

// window tracks request counts for one logical endpoint within the
// current fixed window.
type window struct {
	start    time.Time
	count    int
	lastUsed time.Time
}

// RateLimiter is a fixed-window limiter keyed by logical endpoint name
// (e.g. "hardcover.graphql", "audiobookshelf.api"). Each key gets an
// independent requests-per-minute quota.
type RateLimiter struct {
	mu      sync.Mutex
	quotas  map[string]int
	buckets map[string]*window
	log     *logger.Logger
	done    chan struct{}
	closed  bool
}

// NewRateLimiter creates a RateLimiter with per-endpoint quotas. Keys
// missing from quotas fall back to DefaultRequestsPerMinute. A background
// tick purges buckets idle longer than five minutes.
func NewRateLimiter(quotas map[string]int, log *logger.Logger) *RateLimiter {
	if log == nil {
		log = logger.Get()
	}
	r := &RateLimiter{
		quotas:  make(map[string]int, len(quotas)),
		buckets: make(map[string]*window),
		log:     log,
		done:    make(chan struct{}),
	}
	for k, v := range quotas {
		if v > 0 {
			r.quotas[k] = v
		}
	}

	go r.purgeLoop()

	return r
}

// WaitIfNeeded blocks until a slot is available for key or the context is
// cancelled.
func (r *RateLimiter) WaitIfNeeded(ctx context.Context, key string) error {
	for {
		wait, ok := r.tryAcquire(key)
		if ok {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// tryAcquire consumes a slot for key if the current window has capacity.
// When full it returns how long to sleep before the window rolls over.
func (r *RateLimiter) tryAcquire(key string) (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	quota := r.quotas[key]
	if quota <= 0 {
		quota = DefaultRequestsPerMinute
	}

	b, ok := r.buckets[key]
	if !ok {
		b = &window{start: now}
		r.buckets[key] = b
	}
	b.lastUsed = now

	// Roll the window when a full minute has elapsed
	if now.Sub(b.start) >= time.Minute {
		b.start = now
		b.count = 0
	}

	if b.count < quota {
		b.count++
		return 0, true
	}

	wait := b.start.Add(time.Minute).Sub(now)
	if wait < time.Millisecond {
		wait = time.Millisecond
	}

	r.log.Debug("Rate limit window full, waiting", map[string]interface{}{
		"endpoint": key,
		"quota":    quota,
		"wait":     wait.String(),
	})

	return wait, false
}

// purgeLoop drops buckets that have not been used recently.
func (r *RateLimiter) purgeLoop() {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.mu.Lock()
			cutoff := time.Now().Add(-bucketIdleExpiry)
			for key, b := range r.buckets {
				if b.lastUsed.Before(cutoff) {
					delete(r.buckets, key)
				}
			}
			r.mu.Unlock()
		}
	}
}

// BucketCount reports how many endpoint buckets are currently tracked.
func (r *RateLimiter) BucketCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buckets)
}

// Close stops the purge tick. The limiter must not be used afterwards.
func (r *RateLimiter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.done)
	}
}
