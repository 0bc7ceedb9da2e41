package match

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atacama-labs/pricewatch/internal/config"
	"github.com/atacama-labs/pricewatch/internal/domain"
)

func phone(retailer domain.Retailer, name string, price float64) Candidate {
	return Candidate{
		Product: domain.Product{
			InternalCode: string(retailer[:3]) + "0000001",
			Retailer:     retailer,
			Name:         name,
			Brand:        "Samsung",
			Category:     "smartphones",
			Storage:      "256GB",
			RAM:          "8GB",
			Color:        "Negro",
		},
		Price: price,
	}
}

func TestHeuristicScorerIdenticalListings(t *testing.T) {
	a := phone(domain.RetailerFalabella, "Samsung Galaxy S24 256GB", 899990)
	b := phone(domain.RetailerRipley, "Samsung Galaxy S24 256GB", 899990)

	res := NewHeuristicScorer().Score(context.Background(), a, b)

	assert.InDelta(t, 1.0, res.Score, 1e-9)
	assert.InDelta(t, 1.0, res.Features["brand"], 1e-9)
	assert.InDelta(t, 1.0, res.Features["name"], 1e-9)
	assert.InDelta(t, 1.0, res.Features["price"], 1e-9)
	assert.InDelta(t, 1.0, res.Features["category"], 1e-9)
	assert.InDelta(t, 1.0, res.Features["specs"], 1e-9)
	assert.Equal(t, domain.MatchExact, TypeFor(res.Score))
	assert.Equal(t, domain.ConfidenceHigh, ConfidenceFor(res.Score))
}

func TestHeuristicScorerNameVariant(t *testing.T) {
	a := phone(domain.RetailerFalabella, "Samsung Galaxy S24 256GB Negro", 899990)
	b := phone(domain.RetailerRipley, "Samsung Galaxy S24 256GB", 849990)
	b.Product.Color = ""

	res := NewHeuristicScorer().Score(context.Background(), a, b)

	// name Jaccard 4/5, every other component full.
	assert.InDelta(t, 0.8, res.Features["name"], 1e-9)
	assert.InDelta(t, 0.94, res.Score, 1e-9)
	assert.Equal(t, domain.MatchSimilar, TypeFor(res.Score))
	assert.Equal(t, domain.ConfidenceHigh, ConfidenceFor(res.Score))
}

func TestHeuristicScorerRejectsDifferentProducts(t *testing.T) {
	a := phone(domain.RetailerFalabella, "Samsung Galaxy S24", 899990)
	b := phone(domain.RetailerRipley, "Apple iPhone 15", 899990)
	b.Product.Brand = "Apple"
	b.Product.Storage = "128GB"
	a.Product.Color, b.Product.Color = "", ""

	res := NewHeuristicScorer().Score(context.Background(), a, b)

	// price + category + half the specs only.
	assert.InDelta(t, 0.40, res.Score, 1e-9)
	assert.Less(t, res.Score, 0.85)
}

func TestCoarseTagBoost(t *testing.T) {
	a := phone(domain.RetailerFalabella, "Samsung Galaxy S24 256GB Negro", 899990)
	b := phone(domain.RetailerRipley, "Samsung Galaxy S24 256GB", 849990)
	b.Product.Color = ""

	a.CoarseCategory, b.CoarseCategory = "flagship-phone", "flagship-phone"
	a.CoarseTier, b.CoarseTier = "premium", "premium"

	res := NewHeuristicScorer().Score(context.Background(), a, b)
	assert.InDelta(t, 0.10, res.Features["boost"], 1e-9)
	assert.InDelta(t, 1.0, res.Score, 1e-9) // 0.94 + 0.10 clamped

	// One-sided tags never boost.
	b.CoarseCategory, b.CoarseTier = "", ""
	res = NewHeuristicScorer().Score(context.Background(), a, b)
	assert.InDelta(t, 0.0, res.Features["boost"], 1e-9)
	assert.InDelta(t, 0.94, res.Score, 1e-9)
}

func TestPriceProximityBands(t *testing.T) {
	// Band boundaries 0.8/0.6/0.4 are inclusive; order never matters.
	cases := []struct {
		a, b float64
		want float64
	}{
		{100, 100, 1.0},
		{80, 100, 1.0},
		{79, 100, 0.7},
		{60, 100, 0.7},
		{59, 100, 0.4},
		{40, 100, 0.4},
		{39, 100, 0.1},
		{100, 39, 0.1},
		{0, 100, 0},
		{100, 0, 0},
	}
	for _, tc := range cases {
		assert.InDelta(t, tc.want, priceProximity(tc.a, tc.b), 1e-9,
			"priceProximity(%v, %v)", tc.a, tc.b)
	}
}

func TestConfidenceAndTypeBands(t *testing.T) {
	assert.Equal(t, domain.ConfidenceHigh, ConfidenceFor(0.93))
	assert.Equal(t, domain.ConfidenceMedium, ConfidenceFor(0.90))
	assert.Equal(t, domain.ConfidenceMedium, ConfidenceFor(0.87))
	assert.Equal(t, domain.ConfidenceLow, ConfidenceFor(0.85))
	assert.Equal(t, domain.ConfidenceVeryLow, ConfidenceFor(0.849))

	assert.Equal(t, domain.MatchExact, TypeFor(0.95))
	assert.Equal(t, domain.MatchSimilar, TypeFor(0.90))
	assert.Equal(t, domain.MatchVariant, TypeFor(0.85))
	assert.Equal(t, domain.MatchCategory, TypeFor(0.80))
}

func TestSpecsSimilarityContainment(t *testing.T) {
	a := Candidate{Product: domain.Product{Storage: "256GB", RAM: "8 GB"}}
	b := Candidate{Product: domain.Product{Storage: "256GB UFS", RAM: "8GB"}}

	// storage containment 0.7, ram normalizes equal 1.0.
	assert.InDelta(t, 0.85, specsSimilarity(a, b), 1e-9)

	// No shared fields is no signal.
	c := Candidate{Product: domain.Product{Storage: "256GB"}}
	d := Candidate{Product: domain.Product{RAM: "8GB"}}
	assert.InDelta(t, 0.0, specsSimilarity(c, d), 1e-9)
}

type stubProvider struct {
	vectors map[string][]float64
	err     error
}

func (p *stubProvider) Embed(_ context.Context, text string) ([]float64, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.vectors[text], nil
}

func TestEmbeddingScorerCosine(t *testing.T) {
	a := phone(domain.RetailerFalabella, "Galaxy S24 Black", 899990)
	b := phone(domain.RetailerRipley, "Galaxy S24", 899990)

	provider := &stubProvider{vectors: map[string][]float64{
		"Galaxy S24 Black": {1, 0},
		"Galaxy S24":       {0.6, 0.8},
	}}

	res := NewEmbeddingScorer(provider).Score(context.Background(), a, b)
	assert.InDelta(t, 0.6, res.Features["name"], 1e-9)
}

func TestEmbeddingScorerFallsBackOnError(t *testing.T) {
	a := phone(domain.RetailerFalabella, "Galaxy S24 Black", 899990)
	b := phone(domain.RetailerRipley, "Galaxy S24", 899990)

	provider := &stubProvider{err: errors.New("model unavailable")}
	res := NewEmbeddingScorer(provider).Score(context.Background(), a, b)

	// Jaccard 2/3 of {galaxy, s24, black} vs {galaxy, s24}.
	assert.InDelta(t, 2.0/3.0, res.Features["name"], 1e-9)
}

func TestHybridScorerBlendsName(t *testing.T) {
	a := phone(domain.RetailerFalabella, "Galaxy S24 Black", 899990)
	b := phone(domain.RetailerRipley, "Galaxy S24", 899990)

	provider := &stubProvider{vectors: map[string][]float64{
		"Galaxy S24 Black": {1, 0},
		"Galaxy S24":       {0.6, 0.8},
	}}

	res := NewHybridScorer(provider).Score(context.Background(), a, b)
	assert.InDelta(t, 0.5*(2.0/3.0)+0.5*0.6, res.Features["name"], 1e-9)
}

func TestForConfig(t *testing.T) {
	provider := &stubProvider{}

	require.Equal(t, "heuristic", ForConfig(config.MatchingConfig{Scorer: "heuristic"}, nil).Name())
	require.Equal(t, "embedding", ForConfig(config.MatchingConfig{Scorer: "embedding"}, provider).Name())
	require.Equal(t, "hybrid", ForConfig(config.MatchingConfig{Scorer: "hybrid"}, provider).Name())

	// Embedding without a provider degrades to heuristic.
	require.Equal(t, "heuristic", ForConfig(config.MatchingConfig{Scorer: "embedding"}, nil).Name())
	require.Equal(t, "heuristic", ForConfig(config.MatchingConfig{Scorer: "nonsense"}, nil).Name())
}
