package arbitrage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atacama-labs/pricewatch/internal/config"
	"github.com/atacama-labs/pricewatch/internal/domain"
	"github.com/atacama-labs/pricewatch/internal/infrastructure/cache"
	"github.com/atacama-labs/pricewatch/internal/match"
)

type fakeMatchesRepo struct {
	active []domain.Match
}

func (f *fakeMatchesRepo) Upsert(_ context.Context, m domain.Match) (int64, error) { return 1, nil }
func (f *fakeMatchesRepo) GetPair(context.Context, string, string) (*domain.Match, error) {
	return nil, nil
}
func (f *fakeMatchesRepo) ActiveAbove(context.Context, float64, int) ([]domain.Match, error) {
	return f.active, nil
}
func (f *fakeMatchesRepo) DeactivateStale(context.Context, time.Time) (int64, error) {
	return 0, nil
}

type fakePricesRepo struct {
	latest map[string]domain.PriceRecord
}

func (f *fakePricesRepo) LatestByCode(_ context.Context, code string) (*domain.PriceRecord, error) {
	if rec, ok := f.latest[code]; ok {
		return &rec, nil
	}
	return nil, nil
}
func (f *fakePricesRepo) LatestForCodes(context.Context, []string) (map[string]domain.PriceRecord, error) {
	return f.latest, nil
}
func (f *fakePricesRepo) History(context.Context, string, int) ([]domain.PriceRecord, error) {
	return nil, nil
}

type fakeOppsRepo struct {
	mu      sync.Mutex
	rows    map[string]int64
	upserts []domain.Opportunity
	nextID  int64
}

func newFakeOppsRepo() *fakeOppsRepo {
	return &fakeOppsRepo{rows: make(map[string]int64)}
}

func (f *fakeOppsRepo) UpsertDaily(_ context.Context, opp domain.Opportunity) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("%s|%s|%s", opp.CheapCode, opp.ExpensiveCode,
		opp.DetectedAt.Format("2006-01-02"))
	f.upserts = append(f.upserts, opp)
	if id, ok := f.rows[key]; ok {
		return id, false, nil
	}
	f.nextID++
	f.rows[key] = f.nextID
	return f.nextID, true, nil
}
func (f *fakeOppsRepo) ActiveSince(context.Context, time.Time, domain.Tier, int) ([]domain.Opportunity, error) {
	return nil, nil
}
func (f *fakeOppsRepo) MarkAlerted(context.Context, int64) error { return nil }
func (f *fakeOppsRepo) PurgeOlderThan(context.Context, time.Time) (int64, error) {
	return 0, nil
}

type captureFeed struct {
	mu     sync.Mutex
	events []any
}

func (c *captureFeed) Publish(event any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *captureFeed) opportunities() []domain.OpportunityEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.OpportunityEvent
	for _, ev := range c.events {
		if oe, ok := ev.(domain.OpportunityEvent); ok {
			out = append(out, oe)
		}
	}
	return out
}

func arbitrageConfig() config.ArbitrageConfig {
	return config.ArbitrageConfig{
		MinMarginCLP:  5000,
		MinPercentage: 15,
		MaxPriceRatio: 5.0,
		EnabledRetailers: []string{
			"falabella", "ripley", "paris", "lapolar", "hites", "abcdin",
		},
	}
}

func activeMatch(id int64, codeA, codeB string, score float64) domain.Match {
	a, b := domain.OrderedPair(codeA, codeB)
	return domain.Match{
		ID: id, CodeA: a, CodeB: b,
		SimilarityScore: score,
		MatchType:       match.TypeFor(score),
		Confidence:      match.ConfidenceFor(score),
		Active:          true,
	}
}

func price(code string, retailer domain.Retailer, min float64) domain.PriceRecord {
	return domain.PriceRecord{InternalCode: code, Retailer: retailer, PriceMin: min}
}

func newTestDetector(repo *fakeMatchesRepo, prices *fakePricesRepo, opps *fakeOppsRepo, vol cache.VolatilityStore, feed EventFeed) *Detector {
	store := match.NewStore(config.MatchingConfig{MinSimilarity: 0.85}, repo, nil)
	d := NewDetector(arbitrageConfig(), store, prices, opps, vol, feed)
	d.now = func() time.Time {
		return time.Date(2026, 3, 16, 14, 0, 0, 0, time.UTC)
	}
	return d
}

// A 580k listing against a 500k buy clears the 15% floor with a 16% spread;
// after 8% costs the ROI lands at exactly 8%. The 560k counterpart spreads
// only 12% and is rejected.
func TestDetectorAcceptRejectAroundPercentageFloor(t *testing.T) {
	repo := &fakeMatchesRepo{active: []domain.Match{
		activeMatch(1, "FAL1111111", "RIP1111111", 0.95),
		activeMatch(2, "FAL2222222", "RIP2222222", 0.95),
	}}
	prices := &fakePricesRepo{latest: map[string]domain.PriceRecord{
		"FAL1111111": price("FAL1111111", domain.RetailerFalabella, 500_000),
		"RIP1111111": price("RIP1111111", domain.RetailerRipley, 580_000),
		"FAL2222222": price("FAL2222222", domain.RetailerFalabella, 500_000),
		"RIP2222222": price("RIP2222222", domain.RetailerRipley, 560_000),
	}}
	opps := newFakeOppsRepo()
	feed := &captureFeed{}
	d := newTestDetector(repo, prices, opps, nil, feed)

	report, err := d.RunCycle(context.Background(), domain.TierTracking)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Evaluated)
	assert.Equal(t, 1, report.Detected)
	assert.Equal(t, 1, report.Rejected)
	assert.Equal(t, 1, report.Inserted)

	require.Len(t, opps.upserts, 1)
	opp := opps.upserts[0]
	assert.Equal(t, "FAL1111111", opp.CheapCode)
	assert.Equal(t, "RIP1111111", opp.ExpensiveCode)
	assert.Equal(t, domain.RetailerFalabella, opp.BuyRetailer)
	assert.Equal(t, domain.RetailerRipley, opp.SellRetailer)
	assert.InDelta(t, 80_000, opp.MarginAbs, 1e-9)
	assert.InDelta(t, 16, opp.MarginPct, 1e-9)
	assert.InDelta(t, 8, opp.ROI, 1e-9)
	assert.InDelta(t, 40_000, opp.Metadata["estimated_costs"].(float64), 1e-9)

	// Neutral volatility, prime-hour timing, similarity 0.95.
	assert.InDelta(t, 0.86325, opp.OpportunityScore, 1e-9)
	assert.InDelta(t, 0.825, opp.ConfidenceScore, 1e-9)
	assert.Equal(t, domain.RiskMedium, opp.RiskLevel)
	assert.Equal(t, domain.TierImportant, opp.Tier)
	assert.InDelta(t, 19.8, opp.PredictedDurationHours, 1e-9)
	assert.InDelta(t, 19.8, opp.ExpiresAt.Sub(opp.DetectedAt).Hours(), 1e-9)
	assert.Equal(t, time.Date(2026, 3, 16, 14, 30, 0, 0, time.UTC), opp.OptimalExecutionAt)

	stats := d.Stats()
	assert.Equal(t, int64(1), stats.Reasons[string(RejectPctTooLow)])

	events := feed.opportunities()
	require.Len(t, events, 1)
	assert.InDelta(t, 0.95, events[0].Similarity, 1e-9)
}

func TestDetectorHardFilters(t *testing.T) {
	d := newTestDetector(&fakeMatchesRepo{}, &fakePricesRepo{}, newFakeOppsRepo(), nil, nil)
	ctx := context.Background()
	now := d.now()

	eval := func(latest map[string]domain.PriceRecord, m domain.Match) RejectReason {
		opp, reason := d.evaluate(ctx, m, latest, now)
		require.Nil(t, opp)
		return reason
	}

	m := activeMatch(1, "FAL1111111", "RIP1111111", 0.9)

	// One side has no ledger row yet.
	assert.Equal(t, RejectMissingPrice, eval(map[string]domain.PriceRecord{
		"FAL1111111": price("FAL1111111", domain.RetailerFalabella, 100_000),
	}, m))

	// Equal prices carry no spread.
	assert.Equal(t, RejectEqualPrice, eval(map[string]domain.PriceRecord{
		"FAL1111111": price("FAL1111111", domain.RetailerFalabella, 100_000),
		"RIP1111111": price("RIP1111111", domain.RetailerRipley, 100_000),
	}, m))

	// Same retailer on both sides.
	assert.Equal(t, RejectSameRetailer, eval(map[string]domain.PriceRecord{
		"FAL1111111": price("FAL1111111", domain.RetailerFalabella, 100_000),
		"RIP1111111": price("RIP1111111", domain.RetailerFalabella, 130_000),
	}, m))

	// Sell side not in the enabled list.
	easy := activeMatch(2, "FAL1111111", "EAS1111111", 0.9)
	assert.Equal(t, RejectRetailerOff, eval(map[string]domain.PriceRecord{
		"FAL1111111": price("FAL1111111", domain.RetailerFalabella, 100_000),
		"EAS1111111": price("EAS1111111", domain.RetailerEasy, 130_000),
	}, easy))

	// Margin below the absolute floor.
	assert.Equal(t, RejectMarginTooLow, eval(map[string]domain.PriceRecord{
		"FAL1111111": price("FAL1111111", domain.RetailerFalabella, 10_000),
		"RIP1111111": price("RIP1111111", domain.RetailerRipley, 12_000),
	}, m))

	// A 6x spread smells like a data error, not an opportunity.
	assert.Equal(t, RejectRatioTooHigh, eval(map[string]domain.PriceRecord{
		"FAL1111111": price("FAL1111111", domain.RetailerFalabella, 100_000),
		"RIP1111111": price("RIP1111111", domain.RetailerRipley, 600_000),
	}, m))
}

func TestDetectorTierGatesEmissionNotPersistence(t *testing.T) {
	repo := &fakeMatchesRepo{active: []domain.Match{
		activeMatch(1, "FAL1111111", "RIP1111111", 0.95), // 80k margin, important
		activeMatch(2, "FAL2222222", "RIP2222222", 0.95), // 10k margin, tracking
	}}
	prices := &fakePricesRepo{latest: map[string]domain.PriceRecord{
		"FAL1111111": price("FAL1111111", domain.RetailerFalabella, 500_000),
		"RIP1111111": price("RIP1111111", domain.RetailerRipley, 580_000),
		"FAL2222222": price("FAL2222222", domain.RetailerFalabella, 50_000),
		"RIP2222222": price("RIP2222222", domain.RetailerRipley, 60_000),
	}}
	opps := newFakeOppsRepo()
	feed := &captureFeed{}
	d := newTestDetector(repo, prices, opps, nil, feed)

	report, err := d.RunCycle(context.Background(), domain.TierImportant)
	require.NoError(t, err)

	// Both rows persisted, only the important one emitted.
	assert.Equal(t, 2, report.Detected)
	assert.Equal(t, 1, report.Emitted)
	require.Len(t, opps.upserts, 2)

	events := feed.opportunities()
	require.Len(t, events, 1)
	assert.Equal(t, domain.TierImportant, events[0].Opportunity.Tier)
}

func TestDetectorRefreshesSameDayRow(t *testing.T) {
	repo := &fakeMatchesRepo{active: []domain.Match{
		activeMatch(1, "FAL1111111", "RIP1111111", 0.95),
	}}
	prices := &fakePricesRepo{latest: map[string]domain.PriceRecord{
		"FAL1111111": price("FAL1111111", domain.RetailerFalabella, 500_000),
		"RIP1111111": price("RIP1111111", domain.RetailerRipley, 580_000),
	}}
	opps := newFakeOppsRepo()
	d := newTestDetector(repo, prices, opps, nil, nil)

	first, err := d.RunCycle(context.Background(), domain.TierTracking)
	require.NoError(t, err)
	second, err := d.RunCycle(context.Background(), domain.TierTracking)
	require.NoError(t, err)

	assert.Equal(t, 1, first.Inserted)
	assert.Equal(t, 0, first.Refreshed)
	assert.Equal(t, 0, second.Inserted)
	assert.Equal(t, 1, second.Refreshed)

	stats := d.Stats()
	assert.Equal(t, int64(1), stats.Inserted)
	assert.Equal(t, int64(1), stats.Refreshed)
}

func TestDetectorReadsVolatilityProfiles(t *testing.T) {
	repo := &fakeMatchesRepo{active: []domain.Match{
		activeMatch(1, "FAL1111111", "RIP1111111", 0.95),
	}}
	prices := &fakePricesRepo{latest: map[string]domain.PriceRecord{
		"FAL1111111": price("FAL1111111", domain.RetailerFalabella, 500_000),
		"RIP1111111": price("RIP1111111", domain.RetailerRipley, 580_000),
	}}
	opps := newFakeOppsRepo()

	kv := cache.NewMemory()
	require.NoError(t, kv.PutProfile(context.Background(), domain.VolatilityProfile{
		InternalCode: "FAL1111111",
		Changes24h:   10,
		AvgChange:    10,
		SampleSize:   20,
	}))

	d := newTestDetector(repo, prices, opps, kv, nil)
	_, err := d.RunCycle(context.Background(), domain.TierTracking)
	require.NoError(t, err)

	require.Len(t, opps.upserts, 1)
	opp := opps.upserts[0]

	// Cheap side maximally volatile (1.0), expensive side neutral (0.5):
	// combined risk 0.75 drags confidence below the neutral 0.825.
	assert.InDelta(t, 0.75, opp.Metadata["volatility_risk"].(float64), 1e-9)
	assert.InDelta(t, confidenceScore(0.95, 0.75, 1.0), opp.ConfidenceScore, 1e-9)
	assert.Equal(t, domain.RiskHigh, opp.RiskLevel)
}
