package membership

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultAuthRatePerMinute bounds authentication attempts per email.
const DefaultAuthRatePerMinute = 60

// A bucket left alone for this long has refilled completely, so dropping it
// is indistinguishable from keeping it.
const bucketIdleTTL = time.Minute

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// attemptLimiter keeps one token bucket per normalised email. Idle buckets
// are swept at most once per bucketIdleTTL.
type attemptLimiter struct {
	mu        sync.Mutex
	every     rate.Limit
	burst     int
	buckets   map[string]*bucket
	lastSweep time.Time
	now       func() time.Time
}

func newAttemptLimiter(perMinute int) *attemptLimiter {
	if perMinute <= 0 {
		perMinute = DefaultAuthRatePerMinute
	}
	return &attemptLimiter{
		every:   rate.Every(time.Minute / time.Duration(perMinute)),
		burst:   perMinute,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

func (l *attemptLimiter) allow(email string) bool {
	key := normaliseEmail(email)

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) >= bucketIdleTTL {
		l.sweep(now)
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.every, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

func (l *attemptLimiter) sweep(now time.Time) {
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) >= bucketIdleTTL {
			delete(l.buckets, key)
		}
	}
	l.lastSweep = now
}

func normaliseEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
