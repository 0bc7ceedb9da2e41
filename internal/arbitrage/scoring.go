// Package arbitrage turns active matches plus latest ledger prices into
// directed buy-low/sell-high opportunities, scored, tiered and persisted
// once per pair per day.
package arbitrage

import (
	"time"

	"github.com/atacama-labs/pricewatch/internal/domain"
)

// Transaction overhead (shipping, fees, handling) as a share of the buy
// price. ROI subtracts it from the raw margin.
const costRate = 0.08

// Normalization caps: margins above 100k CLP and spreads above 50% all
// count as "maximal" for scoring purposes.
const (
	marginCap = 100_000.0
	pctCap    = 50.0
)

// Opportunity score weights over normalized components.
const (
	scoreWeightMargin = 0.25
	scoreWeightPct    = 0.20
	scoreWeightSim    = 0.25
	scoreWeightVol    = 0.15
	scoreWeightTiming = 0.15
)

// Local business hours. Prime hours score full timing, shoulder hours most
// of it, nighttime close to nothing.
const (
	businessOpen  = 9
	businessClose = 21
	primeOpen     = 10
	primeClose    = 18
)

// opportunityScore folds margin, spread, match similarity, inverse
// volatility and timing into [0.5, 1.0]. The floor exists because anything
// that survives the hard filters is already worth half the scale.
func opportunityScore(margin, pct, similarity, volRisk, timing float64) float64 {
	raw := scoreWeightMargin*capRatio(margin, marginCap) +
		scoreWeightPct*capRatio(pct, pctCap) +
		scoreWeightSim*similarity +
		scoreWeightVol*(1-volRisk) +
		scoreWeightTiming*timing
	return 0.5 + raw*0.5
}

// confidenceScore weighs how sure we are the opportunity is real: match
// quality first, then price stability, then the hour of observation.
func confidenceScore(similarity, volRisk, timing float64) float64 {
	return 0.5*similarity + 0.3*(1-volRisk) + 0.2*timing
}

// riskLevel buckets combined volatility and inverse confidence.
func riskLevel(volRisk, confidence float64) domain.RiskLevel {
	combined := volRisk*0.6 + (1-confidence)*0.4
	switch {
	case combined < 0.25:
		return domain.RiskLow
	case combined < 0.5:
		return domain.RiskMedium
	case combined < 0.75:
		return domain.RiskHigh
	default:
		return domain.RiskVeryHigh
	}
}

// tierFor assigns the scheduling tier. Critical demands a six-figure margin
// backed by high confidence and score; important only a solid margin with
// reasonable confidence.
func tierFor(margin, confidence, score float64) domain.Tier {
	switch {
	case margin >= 100_000 && confidence >= 0.8 && score >= 0.8:
		return domain.TierCritical
	case margin >= 50_000 && confidence >= 0.6:
		return domain.TierImportant
	default:
		return domain.TierTracking
	}
}

// predictedDuration estimates how long the spread survives, in hours.
// Larger margins get arbitraged away faster and volatile products reprice
// sooner, so both shrink the window from the 48h ceiling to the 6h floor.
func predictedDuration(margin, volRisk float64) float64 {
	hours := 48 - 24*capRatio(margin, marginCap) - 18*volRisk
	if hours < 6 {
		hours = 6
	}
	if hours > 48 {
		hours = 48
	}
	return hours
}

// timingScore rates the current hour for acting on a price spread.
func timingScore(t time.Time) float64 {
	switch h := t.Hour(); {
	case h >= primeOpen && h < primeClose:
		return 1.0
	case h >= businessOpen && h < businessClose:
		return 0.8
	default:
		return 0.3
	}
}

// optimalExecution suggests when to act: half an hour out when that still
// lands in business hours, otherwise the next 09:00.
func optimalExecution(now time.Time) time.Time {
	candidate := now.Add(30 * time.Minute)
	if h := candidate.Hour(); h >= businessOpen && h < businessClose {
		return candidate
	}
	next := time.Date(now.Year(), now.Month(), now.Day(), businessOpen, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}

func capRatio(v, limit float64) float64 {
	if v <= 0 {
		return 0
	}
	if v >= limit {
		return 1
	}
	return v / limit
}
