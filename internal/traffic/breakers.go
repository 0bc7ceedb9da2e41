package traffic

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

const breakerTripThreshold = 3

// hostBreakers guards direct egress per host. Three consecutive direct
// failures open the breaker; a half-open probe closes it again once the
// host recovers. Two-step breakers fit here because the worker performs
// the navigation itself and reports the outcome afterwards.
type hostBreakers struct {
	mu       sync.RWMutex
	breakers map[string]*gobreaker.TwoStepCircuitBreaker
}

func newHostBreakers() *hostBreakers {
	return &hostBreakers{breakers: make(map[string]*gobreaker.TwoStepCircuitBreaker)}
}

func (b *hostBreakers) get(host string) *gobreaker.TwoStepCircuitBreaker {
	b.mu.RLock()
	cb, ok := b.breakers[host]
	b.mu.RUnlock()
	if ok {
		return cb
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok = b.breakers[host]; ok {
		return cb
	}

	cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTripThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("host", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("direct egress breaker state change")
		},
	})
	b.breakers[host] = cb
	return cb
}

// record feeds one direct outcome into the host's breaker.
func (b *hostBreakers) record(host string, success bool) {
	done, err := b.get(host).Allow()
	if err != nil {
		// Breaker already open; the outcome belongs to an in-flight
		// request from before it tripped.
		return
	}
	done(success)
}

// open reports whether direct egress to the host is currently refused.
func (b *hostBreakers) open(host string) bool {
	return b.get(host).State() == gobreaker.StateOpen
}

// states snapshots every breaker for the status endpoint.
func (b *hostBreakers) states() map[string]string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]string, len(b.breakers))
	for host, cb := range b.breakers {
		out[host] = cb.State().String()
	}
	return out
}
