package httpserver

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/coachpo/gridmarket/internal/domain/market"
)

const throttleIdleEviction = 10 * time.Minute

// Throttle keeps one token bucket per principal. A nil Throttle allows everything.
type Throttle struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[market.Principal]*throttleEntry
	now      func() time.Time
	lastGC   time.Time
}

type throttleEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewThrottle returns a limiter allowing perSecond submissions with the given burst.
func NewThrottle(perSecond float64, burst int) *Throttle {
	if burst <= 0 {
		burst = 1
	}
	return &Throttle{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[market.Principal]*throttleEntry),
		now:      time.Now,
	}
}

// Allow reports whether the principal may submit now.
func (t *Throttle) Allow(p market.Principal) bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	entry, ok := t.limiters[p]
	if !ok {
		entry = &throttleEntry{limiter: rate.NewLimiter(t.limit, t.burst)}
		t.limiters[p] = entry
	}
	entry.lastSeen = now
	t.evictIdle(now)
	return entry.limiter.AllowN(now, 1)
}

func (t *Throttle) evictIdle(now time.Time) {
	if now.Sub(t.lastGC) < throttleIdleEviction {
		return
	}
	t.lastGC = now
	for p, entry := range t.limiters {
		if now.Sub(entry.lastSeen) >= throttleIdleEviction {
			delete(t.limiters, p)
		}
	}
}

func (t *Throttle) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.limiters)
}
