package arbitrage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/atacama-labs/pricewatch/internal/domain"
)

func at(hour, minute int) time.Time {
	return time.Date(2026, 3, 16, hour, minute, 0, 0, time.UTC)
}

func TestOpportunityScoreRange(t *testing.T) {
	// Floor: everything at its worst still scores 0.5.
	assert.InDelta(t, 0.5, opportunityScore(0, 0, 0, 1, 0), 1e-9)

	// Ceiling: capped margin and pct, perfect match, no volatility, prime
	// hours.
	assert.InDelta(t, 1.0, opportunityScore(200_000, 80, 1, 0, 1), 1e-9)

	// Mid case used across the detector tests.
	got := opportunityScore(80_000, 16, 0.95, 0.5, 1.0)
	want := 0.5 + 0.5*(0.25*0.8+0.20*0.32+0.25*0.95+0.15*0.5+0.15*1.0)
	assert.InDelta(t, want, got, 1e-9)
}

func TestConfidenceScore(t *testing.T) {
	assert.InDelta(t, 0.825, confidenceScore(0.95, 0.5, 1.0), 1e-9)
	assert.InDelta(t, 1.0, confidenceScore(1, 0, 1), 1e-9)
	assert.InDelta(t, 0.0, confidenceScore(0, 1, 0), 1e-9)
}

func TestRiskLevelBands(t *testing.T) {
	assert.Equal(t, domain.RiskLow, riskLevel(0, 1))
	assert.Equal(t, domain.RiskMedium, riskLevel(0.5, 0.825)) // 0.37
	assert.Equal(t, domain.RiskHigh, riskLevel(0.6, 0.5))     // 0.56
	assert.Equal(t, domain.RiskVeryHigh, riskLevel(0.8, 0.3)) // 0.76
}

func TestTierRules(t *testing.T) {
	assert.Equal(t, domain.TierCritical, tierFor(100_000, 0.8, 0.8))
	assert.Equal(t, domain.TierImportant, tierFor(100_000, 0.79, 0.9))
	assert.Equal(t, domain.TierImportant, tierFor(50_000, 0.6, 0.5))
	assert.Equal(t, domain.TierTracking, tierFor(49_999, 0.9, 0.9))
	assert.Equal(t, domain.TierTracking, tierFor(60_000, 0.59, 0.9))
}

func TestPredictedDurationShrinks(t *testing.T) {
	// No margin pressure, no volatility: full window.
	assert.InDelta(t, 48, predictedDuration(0, 0), 1e-9)

	// Capped margin plus maximal volatility lands exactly on the floor.
	assert.InDelta(t, 6, predictedDuration(150_000, 1), 1e-9)

	assert.InDelta(t, 19.8, predictedDuration(80_000, 0.5), 1e-9)
}

func TestTimingScore(t *testing.T) {
	assert.InDelta(t, 1.0, timingScore(at(10, 0)), 1e-9)
	assert.InDelta(t, 1.0, timingScore(at(17, 59)), 1e-9)
	assert.InDelta(t, 0.8, timingScore(at(9, 30)), 1e-9)
	assert.InDelta(t, 0.8, timingScore(at(18, 0)), 1e-9)
	assert.InDelta(t, 0.8, timingScore(at(20, 59)), 1e-9)
	assert.InDelta(t, 0.3, timingScore(at(21, 0)), 1e-9)
	assert.InDelta(t, 0.3, timingScore(at(3, 0)), 1e-9)
}

func TestOptimalExecution(t *testing.T) {
	// Mid-afternoon: thirty minutes out.
	assert.Equal(t, at(14, 30), optimalExecution(at(14, 0)))

	// Thirty minutes out would pass closing: next morning.
	assert.Equal(t, at(9, 0).Add(24*time.Hour), optimalExecution(at(20, 45)))

	// Late night: next morning.
	assert.Equal(t, at(9, 0).Add(24*time.Hour), optimalExecution(at(22, 30)))

	// Early morning: the same day's opening.
	assert.Equal(t, at(9, 0), optimalExecution(at(3, 0)))

	// Shortly before opening the half-hour shift already lands inside.
	assert.Equal(t, at(9, 10), optimalExecution(at(8, 40)))
}
