// Package traffic decides how each outbound request leaves the process:
// directly or through a rotating proxy channel. It tracks blocking
// responses per host, steers the direct/proxy mix toward a target ratio
// and owns retries, rate limits and the resource saver policy.
package traffic

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"github.com/atacama-labs/pricewatch/internal/config"
)

// Egress names how a request leaves the process.
type Egress string

const (
	EgressDirect Egress = "direct"
	EgressProxy  Egress = "proxy"
)

// ErrNeedsProxy aborts a direct request to a host known to block us. The
// caller must rebuild its session through the proxy.
var ErrNeedsProxy = errors.New("host requires proxy egress")

// blockingMarkers flag anti-bot responses in error text, matched
// case-insensitively.
var blockingMarkers = []string{
	"403",
	"blocked",
	"captcha",
	"bot",
	"rate limit",
	"too many requests",
	"access denied",
	"forbidden",
	"cloudflare",
	"challenge",
	"verification",
}

// IsBlocking classifies a request outcome as an anti-bot block.
func IsBlocking(status int, err error) bool {
	if status >= 400 {
		return true
	}
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range blockingMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Decision is one routing verdict for a single request.
type Decision struct {
	Egress   Egress `json:"egress"`
	Channel  int    `json:"channel"`
	Label    string `json:"label,omitempty"`
	ProxyURL string `json:"-"`
	Reason   string `json:"reason"`
	Rotated  bool   `json:"rotated,omitempty"`
}

// Stats is a point-in-time snapshot of router state.
type Stats struct {
	DirectRequests          int64   `json:"direct_requests"`
	ProxyRequests           int64   `json:"proxy_requests"`
	ObservedRatio           float64 `json:"observed_proxy_ratio"`
	TargetRatio             float64 `json:"target_proxy_ratio"`
	ConsecutiveDirectErrors int     `json:"consecutive_direct_errors"`
	Failures                int64   `json:"failures"`
	BlockingFailures        int64   `json:"blocking_failures"`
	Retries                 int64   `json:"retries"`
	BlockedHosts            int     `json:"blocked_hosts"`
	Channel                 int     `json:"channel"`
	Rotations               int64   `json:"rotations"`
	RateLimitedHosts        int     `json:"rate_limited_hosts"`
}

// Router is safe for concurrent use by all retailer workers.
type Router struct {
	cfg config.TrafficConfig

	mu  sync.Mutex
	rnd *rand.Rand

	consecutiveDirectErrors int
	directCount             int64
	proxyCount              int64
	failures                int64
	blockingFailures        int64
	retries                 int64

	channelIndex    int
	channelRequests int
	rotations       int64

	blocklist *gocache.Cache
	breakers  *hostBreakers
	limits    *hostLimiters

	sleep func(ctx context.Context, d time.Duration) error
}

// NewRouter builds a router seeded from the wall clock.
func NewRouter(cfg config.TrafficConfig) *Router {
	return NewRouterWithSeed(cfg, time.Now().UnixNano())
}

// NewRouterWithSeed pins the steering RNG; tests use it to make the
// direct/proxy draw reproducible.
func NewRouterWithSeed(cfg config.TrafficConfig, seed int64) *Router {
	if cfg.Channels <= 0 {
		cfg.Channels = 10
	}
	if cfg.RequestsPerChannel <= 0 {
		cfg.RequestsPerChannel = 50
	}
	if cfg.DirectErrorLimit <= 0 {
		cfg.DirectErrorLimit = 3
	}
	if cfg.BlocklistTTL <= 0 {
		cfg.BlocklistTTL = time.Hour
	}
	return &Router{
		cfg:       cfg,
		rnd:       rand.New(rand.NewSource(seed)),
		blocklist: gocache.New(cfg.BlocklistTTL, cfg.BlocklistTTL/2),
		breakers:  newHostBreakers(),
		limits:    newHostLimiters(cfg.RequestsPerSecond, int(cfg.RequestsPerSecond)*2),
		sleep:     sleepCtx,
	}
}

// HasProxy reports whether proxy egress is configured at all.
func (r *Router) HasProxy() bool { return r.cfg.ProxyHost != "" }

// Decide picks the egress for the next request to host.
func (r *Router) Decide(host string) Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.decideLocked(host, false)
}

func (r *Router) decideLocked(host string, force bool) Decision {
	if !r.HasProxy() {
		r.directCount++
		return Decision{Egress: EgressDirect, Reason: "no proxy configured"}
	}

	var reason string
	switch {
	case force:
		reason = "forced after blocking failure"
	case r.consecutiveDirectErrors >= r.cfg.DirectErrorLimit:
		reason = "direct error limit reached"
	case r.isBlockedLocked(host):
		reason = "host blocklisted"
	case r.breakers.open(host):
		reason = "direct breaker open"
	default:
		observed := r.observedRatioLocked()
		p := 0.1
		if observed < r.cfg.TargetProxyRatio {
			p = 0.8
		}
		if r.rnd.Float64() >= p {
			r.directCount++
			return Decision{Egress: EgressDirect, Reason: "ratio steering"}
		}
		reason = "ratio steering"
	}

	r.proxyCount++
	rotated := false
	if r.channelRequests >= r.cfg.RequestsPerChannel {
		r.channelIndex = (r.channelIndex + 1) % r.cfg.Channels
		r.channelRequests = 0
		r.rotations++
		rotated = true
		log.Debug().Int("channel", r.channelIndex+1).Msg("proxy channel rotated")
	}
	r.channelRequests++

	label := fmt.Sprintf("ch%02d", r.channelIndex+1)
	return Decision{
		Egress:   EgressProxy,
		Channel:  r.channelIndex,
		Label:    label,
		ProxyURL: r.proxyURL(label),
		Reason:   reason,
		Rotated:  rotated,
	}
}

// proxyURL binds a channel label into the proxy username so the provider
// pins one exit IP per channel.
func (r *Router) proxyURL(label string) string {
	u := url.URL{
		Scheme: "http",
		User:   url.UserPassword(r.cfg.ProxyUser+"-"+label, r.cfg.ProxyPass),
		Host:   fmt.Sprintf("%s:%d", r.cfg.ProxyHost, r.cfg.ProxyPort),
	}
	return u.String()
}

// EnsureDirectAllowed aborts before the network when a direct session is
// about to hit a host that requires proxy egress.
func (r *Router) EnsureDirectAllowed(host string) error {
	r.mu.Lock()
	blocked := r.isBlockedLocked(host)
	r.mu.Unlock()
	if blocked || r.breakers.open(host) {
		return fmt.Errorf("direct egress to %s refused: %w", host, ErrNeedsProxy)
	}
	return nil
}

// Throttle blocks until the per-host rate limit releases a slot.
func (r *Router) Throttle(ctx context.Context, host string) error {
	return r.limits.Wait(ctx, host)
}

// ReportOutcome feeds one request result back into the routing state.
func (r *Router) ReportOutcome(host string, d Decision, status int, err error) {
	success := err == nil && status < 400

	if d.Egress == EgressDirect {
		r.breakers.record(host, success)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if success {
		if d.Egress == EgressDirect {
			r.consecutiveDirectErrors = 0
		}
		return
	}

	r.failures++
	if d.Egress == EgressDirect {
		r.consecutiveDirectErrors++
	}
	if IsBlocking(status, err) {
		r.blockingFailures++
		if d.Egress == EgressDirect {
			r.blocklist.SetDefault(host, blockReason(status, err))
			log.Warn().
				Str("host", host).
				Int("status", status).
				Err(err).
				Msg("host blocklisted, direct egress suspended")
		}
	}
}

// Do runs fn with routing, retries and backoff. After a blocking failure
// on direct egress the next attempt forces the proxy. fn returns the HTTP
// status (0 when not applicable) and an error.
func (r *Router) Do(ctx context.Context, host string, fn func(Decision) (int, error)) (Decision, error) {
	attempts := r.cfg.MaxRetries
	if attempts <= 0 {
		attempts = 1
	}

	var (
		last     Decision
		lastErr  error
		forceNow bool
	)
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			r.mu.Lock()
			r.retries++
			r.mu.Unlock()
			if err := r.sleep(ctx, time.Duration(attempt)*time.Second); err != nil {
				return last, err
			}
		}
		if err := r.Throttle(ctx, host); err != nil {
			return last, err
		}

		r.mu.Lock()
		d := r.decideLocked(host, forceNow)
		r.mu.Unlock()
		last = d

		status, err := fn(d)
		r.ReportOutcome(host, d, status, err)
		if err == nil && status < 400 {
			return d, nil
		}

		lastErr = err
		if lastErr == nil {
			lastErr = fmt.Errorf("http status %d", status)
		}
		if IsBlocking(status, err) && d.Egress == EgressDirect {
			forceNow = true
		}
	}
	return last, fmt.Errorf("all %d attempts against %s failed: %w", attempts, host, lastErr)
}

// Blocked reports whether the host currently sits on the blocklist.
func (r *Router) Blocked(host string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isBlockedLocked(host)
}

func (r *Router) isBlockedLocked(host string) bool {
	_, found := r.blocklist.Get(host)
	return found
}

func (r *Router) observedRatioLocked() float64 {
	total := r.directCount + r.proxyCount
	if total == 0 {
		return 0
	}
	return float64(r.proxyCount) / float64(total)
}

// BreakerStates snapshots direct-egress breaker state per host.
func (r *Router) BreakerStates() map[string]string {
	return r.breakers.states()
}

// Stats returns a copy of the router counters.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		DirectRequests:          r.directCount,
		ProxyRequests:           r.proxyCount,
		ObservedRatio:           r.observedRatioLocked(),
		TargetRatio:             r.cfg.TargetProxyRatio,
		ConsecutiveDirectErrors: r.consecutiveDirectErrors,
		Failures:                r.failures,
		BlockingFailures:        r.blockingFailures,
		Retries:                 r.retries,
		BlockedHosts:            r.blocklist.ItemCount(),
		Channel:                 r.channelIndex + 1,
		Rotations:               r.rotations,
		RateLimitedHosts:        r.limits.Hosts(),
	}
}

func blockReason(status int, err error) string {
	if status > 0 {
		return fmt.Sprintf("http %d", status)
	}
	if err != nil {
		return err.Error()
	}
	return "unknown"
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
