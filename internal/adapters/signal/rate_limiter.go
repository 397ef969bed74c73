package signal

import (
	"errors"
	"sync"
	"time"

	"github.com/edgecam/edgecam/internal/domain"
	"golang.org/x/time/rate"
)

var ErrRateLimited = errors.New("offer rate limited")

// OfferRateLimiter keeps one token bucket per viewer.
type OfferRateLimiter struct {
	mu       sync.Mutex
	limiters map[domain.SessionID]*limiterEntry
	limit    rate.Limit
	burst    int
	idle     time.Duration
	now      func() time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewOfferRateLimiter allows perSecond offers per viewer with the given
// burst. A non-positive rate disables limiting.
func NewOfferRateLimiter(perSecond float64, burst int) *OfferRateLimiter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &OfferRateLimiter{
		limiters: make(map[domain.SessionID]*limiterEntry),
		limit:    limit,
		burst:    burst,
		idle:     10 * time.Minute,
		now:      time.Now,
	}
}

func (rl *OfferRateLimiter) Allow(sid domain.SessionID) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.evict(now)

	e, ok := rl.limiters[sid]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.limiters[sid] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// evict forgets viewers not seen for a while; a fresh bucket is full.
func (rl *OfferRateLimiter) evict(now time.Time) {
	for sid, e := range rl.limiters {
		if now.Sub(e.lastSeen) > rl.idle {
			delete(rl.limiters, sid)
		}
	}
}
