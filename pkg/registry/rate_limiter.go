package registry

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/gitopsd/gitopsd/pkg/image"
)

// RateLimited wraps a Registry with a per-host token bucket, so that
// polling many applications cannot hammer any single registry.
type RateLimited struct {
	Registry Registry
	RPS      rate.Limit
	Burst    int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

var _ Registry = &RateLimited{}

func NewRateLimited(reg Registry, rps float64, burst int) *RateLimited {
	return &RateLimited{
		Registry: reg,
		RPS:      rate.Limit(rps),
		Burst:    burst,
		limiters: map[string]*rate.Limiter{},
	}
}

func (r *RateLimited) Tags(ctx context.Context, name image.Name) ([]string, error) {
	if err := r.limiterFor(name.Registry()).Wait(ctx); err != nil {
		return nil, err
	}
	return r.Registry.Tags(ctx, name)
}

func (r *RateLimited) limiterFor(host string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[host]
	if !ok {
		l = rate.NewLimiter(r.RPS, r.Burst)
		r.limiters[host] = l
	}
	return l
}
