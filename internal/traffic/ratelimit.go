package traffic

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// hostLimiters keeps one token bucket per target host so a burst against
// falabella never starves ripley.
type hostLimiters struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func newHostLimiters(rps float64, burst int) *hostLimiters {
	if rps <= 0 {
		rps = 2
	}
	if burst <= 0 {
		burst = int(rps) * 2
	}
	return &hostLimiters{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (h *hostLimiters) get(host string) *rate.Limiter {
	h.mu.RLock()
	lim, ok := h.limiters[host]
	h.mu.RUnlock()
	if ok {
		return lim
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if lim, ok = h.limiters[host]; ok {
		return lim
	}
	lim = rate.NewLimiter(h.rps, h.burst)
	h.limiters[host] = lim
	return lim
}

// Wait blocks until the host's bucket releases a token or ctx ends.
func (h *hostLimiters) Wait(ctx context.Context, host string) error {
	return h.get(host).Wait(ctx)
}

// Allow reports whether a request may proceed right now.
func (h *hostLimiters) Allow(host string) bool {
	return h.get(host).Allow()
}

// Hosts returns how many hosts have active buckets.
func (h *hostLimiters) Hosts() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.limiters)
}
