package signal

import (
	"errors"
	"sync"

	"github.com/dkeye/TutorRTC/internal/domain"
	"golang.org/x/time/rate"
)

var ErrRateLimited = errors.New("rate limit exceeded")

// OwnerRateLimiter keeps one token bucket per owner, shared by all of the
// owner's connections.
type OwnerRateLimiter struct {
	mu       sync.Mutex
	limiters map[domain.OwnerID]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func NewOwnerRateLimiter(perSecond float64, burst int) *OwnerRateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &OwnerRateLimiter{
		limiters: make(map[domain.OwnerID]*rate.Limiter),
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
}

func (rl *OwnerRateLimiter) Allow(owner domain.OwnerID) bool {
	rl.mu.Lock()
	l, ok := rl.limiters[owner]
	if !ok {
		l = rate.NewLimiter(rl.limit, rl.burst)
		rl.limiters[owner] = l
	}
	rl.mu.Unlock()
	return l.Allow()
}

// Forget drops the bucket of an owner with no connections left.
func (rl *OwnerRateLimiter) Forget(owner domain.OwnerID) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.limiters, owner)
}
