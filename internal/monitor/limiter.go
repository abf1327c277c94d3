package monitor

import (
	"sync"
	"time"
)

// limiter is a fixed-window token bucket keyed by source name. It keeps
// sources with tight API quotas from being polled every round.
type limiter struct {
	mu       sync.Mutex
	rate     int           // polls per interval
	interval time.Duration // window length
	buckets  map[string]*bucket
	now      func() time.Time
}

type bucket struct {
	tokens    int
	lastReset time.Time
}

func newLimiter(rate int, interval time.Duration) *limiter {
	return &limiter{
		rate:     rate,
		interval: interval,
		buckets:  make(map[string]*bucket),
		now:      time.Now,
	}
}

// Allow reports whether key may poll now and consumes a token if so. A
// non-positive rate disables limiting.
func (l *limiter) Allow(key string) bool {
	if l == nil || l.rate <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, exists := l.buckets[key]
	if !exists {
		l.buckets[key] = &bucket{tokens: l.rate - 1, lastReset: now}
		return true
	}

	if now.Sub(b.lastReset) >= l.interval {
		b.tokens = l.rate - 1
		b.lastReset = now
		return true
	}

	if b.tokens > 0 {
		b.tokens--
		return true
	}
	return false
}
