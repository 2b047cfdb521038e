package rate

import (
	"sync"
	"time"
)

type bucket struct {
	count int
	start time.Time
}

// Limiter is a fixed-window counter per key, kept in process memory.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]bucket
	lastGC  time.Time
	now     func() time.Time
}

func NewLimiter(now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	return &Limiter{buckets: map[string]bucket{}, lastGC: now().UTC(), now: now}
}

// Allow counts one hit for key. When the window is full it reports false and
// the time until the window resets.
func (l *Limiter) Allow(key string, limit int, window time.Duration) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now().UTC()
	if now.Sub(l.lastGC) > time.Minute {
		for k, b := range l.buckets {
			if now.Sub(b.start) > 3*window {
				delete(l.buckets, k)
			}
		}
		l.lastGC = now
	}
	b, ok := l.buckets[key]
	if !ok || now.Sub(b.start) >= window {
		l.buckets[key] = bucket{count: 1, start: now}
		return true, 0
	}
	if b.count >= limit {
		return false, b.start.Add(window).Sub(now)
	}
	b.count++
	l.buckets[key] = b
	return true, 0
}
