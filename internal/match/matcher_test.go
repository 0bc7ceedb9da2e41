package match

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atacama-labs/pricewatch/internal/config"
	"github.com/atacama-labs/pricewatch/internal/domain"
	"github.com/atacama-labs/pricewatch/internal/infrastructure/cache"
	"github.com/atacama-labs/pricewatch/internal/persistence"
)

type fakeProductsRepo struct {
	recent []domain.Product
}

func (f *fakeProductsRepo) ExistingCodes(context.Context, []string) (map[string]bool, error) {
	return nil, nil
}
func (f *fakeProductsRepo) ApplyBatch(context.Context, persistence.BatchApply) (*persistence.BatchResult, error) {
	return &persistence.BatchResult{}, nil
}
func (f *fakeProductsRepo) GetByCode(context.Context, string) (*domain.Product, error) {
	return nil, nil
}
func (f *fakeProductsRepo) ActiveByRetailer(context.Context, domain.Retailer, int) ([]domain.Product, error) {
	return nil, nil
}
func (f *fakeProductsRepo) RecentlySeen(context.Context, time.Time, int) ([]domain.Product, error) {
	return f.recent, nil
}
func (f *fakeProductsRepo) DeactivateUnseen(context.Context, time.Time) (int64, error) {
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

type fakeMatchesRepo struct {
	mu           sync.Mutex
	upserts      []domain.Match
	nextID       int64
	pairReads    int
	stale        int64
	staleCutoff  time.Time
	activeResult []domain.Match
}

func (f *fakeMatchesRepo) Upsert(_ context.Context, m domain.Match) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.upserts = append(f.upserts, m)
	return f.nextID, nil
}
func (f *fakeMatchesRepo) GetPair(_ context.Context, codeA, codeB string) (*domain.Match, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pairReads++
	for i := range f.upserts {
		if f.upserts[i].CodeA == codeA && f.upserts[i].CodeB == codeB {
			return &f.upserts[i], nil
		}
	}
	return nil, nil
}
func (f *fakeMatchesRepo) ActiveAbove(context.Context, float64, int) ([]domain.Match, error) {
	return f.activeResult, nil
}
func (f *fakeMatchesRepo) DeactivateStale(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.staleCutoff = cutoff
	return f.stale, nil
}

func matchingConfig() config.MatchingConfig {
	return config.MatchingConfig{
		Scorer:        "heuristic",
		MinSimilarity: 0.85,
		MatchTTL:      24 * time.Hour,
		MLVersion:     "heur-1",
		CacheTTL:      time.Hour,
	}
}

func galaxy(code string, retailer domain.Retailer) domain.Product {
	return domain.Product{
		InternalCode: code,
		Retailer:     retailer,
		Name:         "Samsung Galaxy S24 256GB",
		Brand:        "Samsung",
		Category:     "smartphones",
		Storage:      "256GB",
		RAM:          "8GB",
		Color:        "Negro",
		Active:       true,
	}
}

func TestMatcherCycleMatchesCrossRetailerPair(t *testing.T) {
	products := &fakeProductsRepo{recent: []domain.Product{
		galaxy("FAL1234567", domain.RetailerFalabella),
		galaxy("RIP7654321", domain.RetailerRipley),
		{
			InternalCode: "SOD1111111",
			Retailer:     domain.RetailerSodimac,
			Name:         "Taladro Percutor 13mm",
			Brand:        "Makita",
			Category:     "herramientas",
		},
	}}
	prices := &fakePricesRepo{latest: map[string]domain.PriceRecord{
		"FAL1234567": {InternalCode: "FAL1234567", PriceMin: 899990},
		"RIP7654321": {InternalCode: "RIP7654321", PriceMin: 929990},
	}}
	repo := &fakeMatchesRepo{stale: 3}
	kv := cache.NewMemory()
	store := NewStore(matchingConfig(), repo, kv)

	m := NewMatcher(matchingConfig(), NewHeuristicScorer(), products, prices, store)
	fixed := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return fixed }

	report, err := m.RunCycle(context.Background())
	require.NoError(t, err)

	// The galaxy pair shares both category and brand buckets but is scored
	// exactly once; the drill never pairs with the phones.
	assert.Equal(t, 3, report.Candidates)
	assert.Equal(t, 1, report.PairsScored)
	assert.Equal(t, 1, report.Matched)
	assert.Equal(t, int64(3), report.Expired)

	require.Len(t, repo.upserts, 1)
	saved := repo.upserts[0]
	assert.Equal(t, "FAL1234567", saved.CodeA)
	assert.Equal(t, "RIP7654321", saved.CodeB)
	assert.InDelta(t, 1.0, saved.SimilarityScore, 1e-9)
	assert.Equal(t, domain.MatchExact, saved.MatchType)
	assert.Equal(t, domain.ConfidenceHigh, saved.Confidence)
	assert.Equal(t, "heur-1", saved.MLVersion)
	assert.True(t, saved.Active)

	// Expiry cutoff derives from match_ttl.
	assert.Equal(t, fixed.Add(-24*time.Hour), repo.staleCutoff)

	// The snapshot landed in the KV store under the canonical pair.
	cached, ok, err := kv.GetMatch(context.Background(), "RIP7654321", "FAL1234567")
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 1.0, cached.SimilarityScore, 1e-9)
}

func TestMatcherSkipsSameRetailerPairs(t *testing.T) {
	products := &fakeProductsRepo{recent: []domain.Product{
		galaxy("FAL1234567", domain.RetailerFalabella),
		galaxy("FAL7654321", domain.RetailerFalabella),
	}}
	prices := &fakePricesRepo{latest: map[string]domain.PriceRecord{}}
	repo := &fakeMatchesRepo{}
	store := NewStore(matchingConfig(), repo, nil)

	m := NewMatcher(matchingConfig(), NewHeuristicScorer(), products, prices, store)
	report, err := m.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, report.Candidates)
	assert.Equal(t, 0, report.PairsScored)
	assert.Empty(t, repo.upserts)
}

func TestMatcherBelowThresholdNotPersisted(t *testing.T) {
	a := galaxy("FAL1234567", domain.RetailerFalabella)
	b := galaxy("RIP7654321", domain.RetailerRipley)
	b.Name = "Samsung Galaxy A15 64GB"
	b.Storage = "64GB"
	b.RAM = "4GB"
	b.Color = "Azul"

	products := &fakeProductsRepo{recent: []domain.Product{a, b}}
	prices := &fakePricesRepo{latest: map[string]domain.PriceRecord{
		"FAL1234567": {PriceMin: 899990},
		"RIP7654321": {PriceMin: 179990},
	}}
	repo := &fakeMatchesRepo{}
	store := NewStore(matchingConfig(), repo, nil)

	m := NewMatcher(matchingConfig(), NewHeuristicScorer(), products, prices, store)
	report, err := m.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.PairsScored)
	assert.Equal(t, 0, report.Matched)
	assert.Empty(t, repo.upserts)
}

func TestStoreSaveCanonicalizesOrder(t *testing.T) {
	repo := &fakeMatchesRepo{}
	store := NewStore(matchingConfig(), repo, nil)

	_, err := store.Save(context.Background(), domain.Match{
		CodeB: "AAA1111111", CodeA: "ZZZ9999999", SimilarityScore: 0.9,
	})
	require.NoError(t, err)
	require.Len(t, repo.upserts, 1)
	assert.Equal(t, "AAA1111111", repo.upserts[0].CodeA)
	assert.Equal(t, "ZZZ9999999", repo.upserts[0].CodeB)
}

func TestStoreGetPrefersSnapshot(t *testing.T) {
	repo := &fakeMatchesRepo{}
	kv := cache.NewMemory()
	store := NewStore(matchingConfig(), repo, kv)

	cachedMatch := domain.Match{
		CodeA: "FAL1234567", CodeB: "RIP7654321", SimilarityScore: 0.91,
	}
	require.NoError(t, kv.PutMatch(context.Background(), cachedMatch, time.Hour))

	got, err := store.Get(context.Background(), "FAL1234567", "RIP7654321")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.InDelta(t, 0.91, got.SimilarityScore, 1e-9)
	assert.Equal(t, 0, repo.pairReads)
}

func TestStoreGetWarmsSnapshotFromRepo(t *testing.T) {
	repo := &fakeMatchesRepo{}
	kv := cache.NewMemory()
	store := NewStore(matchingConfig(), repo, kv)

	_, err := store.Save(context.Background(), domain.Match{
		CodeA: "FAL1234567", CodeB: "RIP7654321", SimilarityScore: 0.88,
	})
	require.NoError(t, err)

	// Fresh memory backend simulates a snapshot miss.
	cold := cache.NewMemory()
	store = NewStore(matchingConfig(), repo, cold)

	got, err := store.Get(context.Background(), "FAL1234567", "RIP7654321")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1, repo.pairReads)

	_, ok, err := cold.GetMatch(context.Background(), "FAL1234567", "RIP7654321")
	require.NoError(t, err)
	assert.True(t, ok)
}
