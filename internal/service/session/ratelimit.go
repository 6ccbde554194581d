package session

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimits paces requests per platform. One instance is built at startup
// and shared by every page the driver opens.
type RateLimits struct {
	mu       sync.Mutex
	perSec   rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

func NewRateLimits(perSecond float64, burst int) *RateLimits {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	return &RateLimits{perSec: limit, burst: burst, limiters: make(map[string]*rate.Limiter)}
}

func (r *RateLimits) limiter(platformID string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.limiters[platformID]
	if !ok {
		l = rate.NewLimiter(r.perSec, r.burst)
		r.limiters[platformID] = l
	}
	return l
}

// Wait blocks until a request to platformID is allowed or ctx ends.
func (r *RateLimits) Wait(ctx context.Context, platformID string) error {
	if r == nil {
		return nil
	}
	return r.limiter(platformID).Wait(ctx)
}
