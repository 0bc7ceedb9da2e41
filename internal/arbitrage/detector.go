package arbitrage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/atacama-labs/pricewatch/internal/config"
	"github.com/atacama-labs/pricewatch/internal/domain"
	"github.com/atacama-labs/pricewatch/internal/infrastructure/cache"
	"github.com/atacama-labs/pricewatch/internal/match"
	"github.com/atacama-labs/pricewatch/internal/persistence"
)

// Matches examined per cycle, best similarity first.
const maxMatchesPerCycle = 1000

// RejectReason explains why a match produced no opportunity.
type RejectReason string

const (
	RejectMissingPrice RejectReason = "missing_price"
	RejectEqualPrice   RejectReason = "equal_price"
	RejectSameRetailer RejectReason = "same_retailer"
	RejectRetailerOff  RejectReason = "retailer_disabled"
	RejectMarginTooLow RejectReason = "margin_below_min"
	RejectPctTooLow    RejectReason = "pct_below_min"
	RejectRatioTooHigh RejectReason = "price_ratio_exceeded"
)

// skips are structural (no comparable prices), rejects are filter misses.
func (r RejectReason) skip() bool {
	return r == RejectMissingPrice || r == RejectEqualPrice
}

// EventFeed receives freshly detected opportunities.
type EventFeed interface {
	Publish(event any)
}

// Stats counts detector work since startup.
type Stats struct {
	Cycles    int64            `json:"cycles"`
	Evaluated int64            `json:"evaluated"`
	Skipped   int64            `json:"skipped"`
	Rejected  int64            `json:"rejected"`
	Detected  int64            `json:"detected"`
	Inserted  int64            `json:"inserted"`
	Refreshed int64            `json:"refreshed"`
	Emitted   int64            `json:"emitted"`
	Errors    int64            `json:"errors"`
	Reasons   map[string]int64 `json:"reasons"`
}

// Report summarizes one detection cycle.
type Report struct {
	Matches       int
	Evaluated     int
	Skipped       int
	Rejected      int
	Detected      int
	Inserted      int
	Refreshed     int
	Emitted       int
	TotalMargin   float64
	Duration      time.Duration
	Opportunities []domain.Opportunity
}

// Detector walks the active match set, reads both sides' latest ledger
// prices and persists every surviving opportunity once per day.
type Detector struct {
	cfg        config.ArbitrageConfig
	matches    *match.Store
	prices     persistence.PricesRepo
	opps       persistence.OpportunitiesRepo
	volatility cache.VolatilityStore // nil = neutral risk for everything
	feed       EventFeed             // nil = no event emission
	enabled    map[domain.Retailer]bool

	mu    sync.Mutex
	stats Stats
	now   func() time.Time
}

func NewDetector(cfg config.ArbitrageConfig, matches *match.Store, prices persistence.PricesRepo, opps persistence.OpportunitiesRepo, volatility cache.VolatilityStore, feed EventFeed) *Detector {
	enabled := make(map[domain.Retailer]bool, len(cfg.EnabledRetailers))
	for _, r := range cfg.EnabledRetailers {
		enabled[domain.Retailer(r)] = true
	}
	return &Detector{
		cfg:        cfg,
		matches:    matches,
		prices:     prices,
		opps:       opps,
		volatility: volatility,
		feed:       feed,
		enabled:    enabled,
		stats:      Stats{Reasons: make(map[string]int64)},
		now:        time.Now,
	}
}

// RunCycle evaluates every active match. All surviving opportunities are
// persisted regardless of tier; minTier only gates event emission so the
// tracking-cadence task refreshes rows without re-alerting on everything.
func (d *Detector) RunCycle(ctx context.Context, minTier domain.Tier) (*Report, error) {
	started := d.now()

	active, err := d.matches.Active(ctx, maxMatchesPerCycle)
	if err != nil {
		d.countError()
		return nil, fmt.Errorf("failed to load active matches: %w", err)
	}

	report := &Report{Matches: len(active)}
	if len(active) == 0 {
		return report, nil
	}

	codes := make([]string, 0, len(active)*2)
	seen := make(map[string]bool, len(active)*2)
	for _, m := range active {
		for _, c := range []string{m.CodeA, m.CodeB} {
			if !seen[c] {
				seen[c] = true
				codes = append(codes, c)
			}
		}
	}
	latest, err := d.prices.LatestForCodes(ctx, codes)
	if err != nil {
		d.countError()
		return nil, fmt.Errorf("failed to load latest prices: %w", err)
	}

	now := d.now()
	reasons := make(map[string]int64)
	for _, m := range active {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		report.Evaluated++

		opp, reason := d.evaluate(ctx, m, latest, now)
		if opp == nil {
			reasons[string(reason)]++
			if reason.skip() {
				report.Skipped++
			} else {
				report.Rejected++
			}
			continue
		}

		id, inserted, err := d.opps.UpsertDaily(ctx, *opp)
		if err != nil {
			d.countError()
			log.Warn().Err(err).
				Str("cheap", opp.CheapCode).Str("expensive", opp.ExpensiveCode).
				Msg("opportunity upsert failed")
			continue
		}
		opp.ID = id

		report.Detected++
		report.TotalMargin += opp.MarginAbs
		if inserted {
			report.Inserted++
		} else {
			report.Refreshed++
		}
		report.Opportunities = append(report.Opportunities, *opp)

		if d.feed != nil && tierRank(opp.Tier) >= tierRank(minTier) {
			d.feed.Publish(domain.OpportunityEvent{
				Opportunity: *opp,
				Similarity:  m.SimilarityScore,
				At:          now,
			})
			report.Emitted++
		}
	}
	report.Duration = d.now().Sub(started)

	d.mu.Lock()
	d.stats.Cycles++
	d.stats.Evaluated += int64(report.Evaluated)
	d.stats.Skipped += int64(report.Skipped)
	d.stats.Rejected += int64(report.Rejected)
	d.stats.Detected += int64(report.Detected)
	d.stats.Inserted += int64(report.Inserted)
	d.stats.Refreshed += int64(report.Refreshed)
	d.stats.Emitted += int64(report.Emitted)
	for k, v := range reasons {
		d.stats.Reasons[k] += v
	}
	d.mu.Unlock()

	log.Info().
		Int("matches", report.Matches).
		Int("detected", report.Detected).
		Int("inserted", report.Inserted).
		Int("rejected", report.Rejected).
		Int("skipped", report.Skipped).
		Float64("total_margin", report.TotalMargin).
		Str("min_tier", string(minTier)).
		Dur("duration", report.Duration).
		Msg("detection cycle complete")

	return report, nil
}

// evaluate applies the hard filters and, for survivors, computes the full
// opportunity economics.
func (d *Detector) evaluate(ctx context.Context, m domain.Match, latest map[string]domain.PriceRecord, now time.Time) (*domain.Opportunity, RejectReason) {
	ra, okA := latest[m.CodeA]
	rb, okB := latest[m.CodeB]
	if !okA || !okB || ra.Best() <= 0 || rb.Best() <= 0 {
		return nil, RejectMissingPrice
	}
	if ra.Best() == rb.Best() {
		return nil, RejectEqualPrice
	}

	cheap, expensive := ra, rb
	if rb.Best() < ra.Best() {
		cheap, expensive = rb, ra
	}
	if cheap.Retailer == expensive.Retailer {
		return nil, RejectSameRetailer
	}
	if !d.enabled[cheap.Retailer] || !d.enabled[expensive.Retailer] {
		return nil, RejectRetailerOff
	}

	low, high := cheap.Best(), expensive.Best()
	margin := high - low
	pct := margin / low * 100
	ratio := high / low

	switch {
	case margin < d.cfg.MinMarginCLP:
		return nil, RejectMarginTooLow
	case pct < d.cfg.MinPercentage:
		return nil, RejectPctTooLow
	case ratio > d.cfg.MaxPriceRatio:
		return nil, RejectRatioTooHigh
	}

	costs := low * costRate
	roi := (margin - costs) / low * 100

	volRisk := d.volRisk(ctx, cheap.InternalCode, expensive.InternalCode)
	timing := timingScore(now)
	score := opportunityScore(margin, pct, m.SimilarityScore, volRisk, timing)
	confidence := confidenceScore(m.SimilarityScore, volRisk, timing)
	durationHours := predictedDuration(margin, volRisk)

	return &domain.Opportunity{
		CheapCode:     cheap.InternalCode,
		ExpensiveCode: expensive.InternalCode,
		MatchID:       m.ID,

		BuyRetailer:  cheap.Retailer,
		SellRetailer: expensive.Retailer,
		BuyPrice:     low,
		SellPrice:    high,

		MarginAbs: margin,
		MarginPct: pct,
		ROI:       roi,

		OpportunityScore: score,
		ConfidenceScore:  confidence,
		RiskLevel:        riskLevel(volRisk, confidence),
		Tier:             tierFor(margin, confidence, score),

		DetectedAt:             now,
		ExpiresAt:              now.Add(time.Duration(durationHours * float64(time.Hour))),
		PredictedDurationHours: durationHours,
		OptimalExecutionAt:     optimalExecution(now),

		Metadata: map[string]any{
			"estimated_costs": costs,
			"similarity":      m.SimilarityScore,
			"volatility_risk": volRisk,
			"timing_score":    timing,
		},
	}, ""
}

// volRisk averages both sides' volatility profiles; a missing store or
// profile contributes the neutral 0.5.
func (d *Detector) volRisk(ctx context.Context, cheapCode, expensiveCode string) float64 {
	if d.volatility == nil {
		return 0.5
	}
	read := func(code string) float64 {
		p, err := d.volatility.GetProfile(ctx, code)
		if err != nil {
			log.Debug().Err(err).Str("code", code).Msg("volatility read failed")
			return 0.5
		}
		return p.RiskScore()
	}
	return (read(cheapCode) + read(expensiveCode)) / 2
}

// Stats returns a snapshot of the detector counters.
func (d *Detector) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.stats
	out.Reasons = make(map[string]int64, len(d.stats.Reasons))
	for k, v := range d.stats.Reasons {
		out.Reasons[k] = v
	}
	return out
}

func (d *Detector) countError() {
	d.mu.Lock()
	d.stats.Errors++
	d.mu.Unlock()
}

func tierRank(t domain.Tier) int {
	switch t {
	case domain.TierCritical:
		return 2
	case domain.TierImportant:
		return 1
	default:
		return 0
	}
}
