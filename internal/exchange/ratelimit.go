package exchange

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// HostLimiter hands out a token-bucket rate.Limiter per host, so adapters
// sharing a process (e.g. REST + WS to the same venue) don't each roll their
// own throttling and blow the venue's per-IP limit.
type HostLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      float64
	burst    int
}

// NewHostLimiter builds a limiter factory; rps/burst are the default applied
// to any host not given an override via WithHostLimit.
func NewHostLimiter(rps float64, burst int) *HostLimiter {
	return &HostLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rps,
		burst:    burst,
	}
}

// Wait blocks until a request to host is permitted or ctx is done.
func (h *HostLimiter) Wait(ctx context.Context, host string) error {
	return h.limiterFor(host).Wait(ctx)
}

func (h *HostLimiter) limiterFor(host string) *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()

	l, ok := h.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Limit(h.rps), h.burst)
		h.limiters[host] = l
	}
	return l
}

// WithHostLimit overrides the bucket for one host, used when a venue
// publishes a tighter per-endpoint limit than the process default.
func (h *HostLimiter) WithHostLimit(host string, rps float64, burst int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.limiters[host] = rate.NewLimiter(rate.Limit(rps), burst)
}
