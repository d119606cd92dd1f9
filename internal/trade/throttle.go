package trade

import (
	"sync"

	"golang.org/x/time/rate"
)

// Throttle is a per-player token bucket for write requests.
type Throttle struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewThrottle allows perSecond requests per player with the given burst.
// Returns nil, which allows everything, when perSecond is not positive.
func NewThrottle(perSecond float64, burst int) *Throttle {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &Throttle{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
}

// Allow reports whether playerID may make a request now.
func (t *Throttle) Allow(playerID string) bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	l, ok := t.limiters[playerID]
	if !ok {
		l = rate.NewLimiter(t.limit, t.burst)
		t.limiters[playerID] = l
	}
	t.mu.Unlock()
	return l.Allow()
}
