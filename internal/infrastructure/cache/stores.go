// Package cache is the KV side of persistence: rolling change history,
// volatility profiles, scraping activity, match snapshots and retailer
// profiles. Two backends exist, Redis for production and an in-process
// one so the pipeline runs without external services.
package cache

import (
	"context"
	"time"

	"github.com/atacama-labs/pricewatch/internal/domain"
)

// ChangeLog keeps the last changes per product, newest first.
type ChangeLog interface {
	Append(ctx context.Context, ev domain.PriceChangeEvent) error
	Recent(ctx context.Context, code string, limit int) ([]domain.PriceChangeEvent, error)
}

// VolatilityStore holds per-product volatility profiles with a bounded
// lifetime; a missing or expired profile reads back as nil.
type VolatilityStore interface {
	PutProfile(ctx context.Context, p domain.VolatilityProfile) error
	GetProfile(ctx context.Context, code string) (*domain.VolatilityProfile, error)
}

// ActivityLog records scraping outcomes per retailer, newest first.
type ActivityLog interface {
	AppendActivity(ctx context.Context, e ActivityEntry) error
	RecentActivity(ctx context.Context, retailer domain.Retailer, limit int) ([]ActivityEntry, error)
}

// MatchCache snapshots scored pairs between cycles so re-reads skip the
// database. Pair order is canonicalized on both paths.
type MatchCache interface {
	PutMatch(ctx context.Context, m domain.Match, ttl time.Duration) error
	GetMatch(ctx context.Context, codeA, codeB string) (*domain.Match, bool, error)
}

// ProfileStore keeps the rolling per-retailer scraping profile.
type ProfileStore interface {
	PutRetailerProfile(ctx context.Context, p RetailerProfile) error
	GetRetailerProfile(ctx context.Context, r domain.Retailer) (*RetailerProfile, bool, error)
}

// Stores bundles every KV concern behind one backend.
type Stores interface {
	ChangeLog
	VolatilityStore
	ActivityLog
	MatchCache
	ProfileStore

	Ping(ctx context.Context) error
	Stats() Stats
	Close() error
}

// ActivityEntry is one scraping run of a retailer/category pair.
type ActivityEntry struct {
	Retailer      domain.Retailer `json:"retailer"`
	Category      string          `json:"category"`
	Success       bool            `json:"success"`
	Products      int             `json:"products"`
	Requests      int             `json:"requests"`
	ProxyRequests int             `json:"proxy_requests"`
	Blocked       bool            `json:"blocked"`
	Error         string          `json:"error,omitempty"`
	Duration      time.Duration   `json:"duration"`
	At            time.Time       `json:"at"`
}

// RetailerProfile aggregates scraping behavior per retailer across cycles.
// The scheduler and traffic router read it to bias cadence and egress.
type RetailerProfile struct {
	Retailer     domain.Retailer `json:"retailer"`
	Cycles       int             `json:"cycles"`
	Successes    int             `json:"successes"`
	Blocks       int             `json:"blocks"`
	LastProducts int             `json:"last_products"`
	AvgProducts  float64         `json:"avg_products"`
	LastSuccess  time.Time       `json:"last_success"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// BlockRate is the share of cycles that hit a blocking response.
func (p *RetailerProfile) BlockRate() float64 {
	if p == nil || p.Cycles == 0 {
		return 0
	}
	return float64(p.Blocks) / float64(p.Cycles)
}

// Stats snapshots backend counters in the shape the status endpoint serves.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Sets      int64 `json:"sets"`
	Errors    int64 `json:"errors"`
	Connected bool  `json:"connected"`
}

// HitRate returns hits over total reads, zero when nothing was read.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Retention bounds, shared by both backends.
const (
	changeHistoryDepth  = 1000 // per-product change events kept
	activityDepth       = 4320 // per-retailer runs kept, ~90 days at 30m cadence
	volatilityRetention = 24 * time.Hour
)
