// Package match scores cross-retailer product pairs and maintains the
// persisted match set the arbitrage detector runs over. Scoring is a
// weighted blend of brand, name, price proximity, category and technical
// specs; optional embedding and coarse-tag inputs shift ranking only and
// are never required for a pair to qualify.
package match

import (
	"context"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/floats"

	"github.com/atacama-labs/pricewatch/internal/config"
	"github.com/atacama-labs/pricewatch/internal/domain"
)

// Component weights. They sum to 1.0 before the coarse-tag boost.
const (
	weightBrand    = 0.25
	weightName     = 0.30
	weightPrice    = 0.20
	weightCategory = 0.15
	weightSpecs    = 0.10

	// Agreement on enrichment tags adds at most this much on top.
	maxTagBoost = 0.10
)

// Candidate is one side of a comparison: the persisted master row plus the
// latest effective price and whatever enrichment the current cycle carries.
// Everything except Product is optional; absence lowers the score but never
// invalidates the comparison.
type Candidate struct {
	Product domain.Product
	Price   float64 // latest ledger price_min, 0 = unknown

	// Specs not persisted on the master row, available when the cycle still
	// holds the raw listing.
	Screen string
	Camera string

	// Coarse tags from upstream enrichment.
	CoarseCategory string
	CoarseTier     string
}

// Result carries the final score plus the per-component breakdown persisted
// into product_matches.features.
type Result struct {
	Score    float64
	Features map[string]float64
}

// Scorer computes pair similarity in [0,1].
type Scorer interface {
	Score(ctx context.Context, a, b Candidate) Result
	Name() string
}

// EmbeddingProvider turns a product name into a dense vector. Implementations
// may call out to a model service, so errors are expected and non-fatal.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// HeuristicScorer is the default, dependency-free scorer.
type HeuristicScorer struct{}

func NewHeuristicScorer() *HeuristicScorer { return &HeuristicScorer{} }

func (s *HeuristicScorer) Name() string { return "heuristic" }

func (s *HeuristicScorer) Score(_ context.Context, a, b Candidate) Result {
	return compose(a, b, nameSimilarity(a.Product.Name, b.Product.Name))
}

// EmbeddingScorer replaces the name component with embedding cosine
// similarity, falling back to token overlap when the provider fails.
type EmbeddingScorer struct {
	provider EmbeddingProvider
}

func NewEmbeddingScorer(provider EmbeddingProvider) *EmbeddingScorer {
	return &EmbeddingScorer{provider: provider}
}

func (s *EmbeddingScorer) Name() string { return "embedding" }

func (s *EmbeddingScorer) Score(ctx context.Context, a, b Candidate) Result {
	name, ok := cosineName(ctx, s.provider, a, b)
	if !ok {
		name = nameSimilarity(a.Product.Name, b.Product.Name)
	}
	return compose(a, b, name)
}

// HybridScorer averages token overlap and embedding similarity 50/50 for the
// name component. Provider failure degrades it to plain token overlap.
type HybridScorer struct {
	provider EmbeddingProvider
}

func NewHybridScorer(provider EmbeddingProvider) *HybridScorer {
	return &HybridScorer{provider: provider}
}

func (s *HybridScorer) Name() string { return "hybrid" }

func (s *HybridScorer) Score(ctx context.Context, a, b Candidate) Result {
	name := nameSimilarity(a.Product.Name, b.Product.Name)
	if cos, ok := cosineName(ctx, s.provider, a, b); ok {
		name = 0.5*name + 0.5*cos
	}
	return compose(a, b, name)
}

// ForConfig picks the scorer named in config, degrading to heuristic when an
// embedding-backed scorer is requested without a provider.
func ForConfig(cfg config.MatchingConfig, provider EmbeddingProvider) Scorer {
	switch cfg.Scorer {
	case "embedding":
		if provider != nil {
			return NewEmbeddingScorer(provider)
		}
	case "hybrid":
		if provider != nil {
			return NewHybridScorer(provider)
		}
	case "", "heuristic":
		return NewHeuristicScorer()
	}
	if cfg.Scorer != "" && cfg.Scorer != "heuristic" {
		log.Warn().Str("scorer", cfg.Scorer).
			Msg("scorer unavailable, falling back to heuristic")
	}
	return NewHeuristicScorer()
}

// compose folds the component scores into the weighted total, applies the
// coarse-tag boost and clamps to [0,1].
func compose(a, b Candidate, name float64) Result {
	brand := brandSimilarity(a.Product.Brand, b.Product.Brand)
	price := priceProximity(a.Price, b.Price)
	category := categorySimilarity(a.Product.Category, b.Product.Category)
	specs := specsSimilarity(a, b)

	total := weightBrand*brand +
		weightName*name +
		weightPrice*price +
		weightCategory*category +
		weightSpecs*specs

	boost := tagBoost(a, b)
	total = clamp01(total + boost)

	return Result{
		Score: total,
		Features: map[string]float64{
			"brand":    brand,
			"name":     name,
			"price":    price,
			"category": category,
			"specs":    specs,
			"boost":    boost,
		},
	}
}

// ConfidenceFor buckets a similarity score.
func ConfidenceFor(score float64) domain.Confidence {
	switch {
	case score >= 0.93:
		return domain.ConfidenceHigh
	case score >= 0.87:
		return domain.ConfidenceMedium
	case score >= 0.85:
		return domain.ConfidenceLow
	default:
		return domain.ConfidenceVeryLow
	}
}

// TypeFor classifies how close the pair is.
func TypeFor(score float64) domain.MatchType {
	switch {
	case score >= 0.95:
		return domain.MatchExact
	case score >= 0.90:
		return domain.MatchSimilar
	case score >= 0.85:
		return domain.MatchVariant
	default:
		return domain.MatchCategory
	}
}

var tokenSplit = regexp.MustCompile(`[^\p{L}\p{N}]+`)

func tokens(s string) map[string]bool {
	out := make(map[string]bool)
	for _, t := range tokenSplit.Split(strings.ToLower(s), -1) {
		if t != "" {
			out[t] = true
		}
	}
	return out
}

// nameSimilarity is Jaccard overlap of the token sets.
func nameSimilarity(a, b string) float64 {
	ta, tb := tokens(a), tokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	inter := 0
	for t := range ta {
		if tb[t] {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}

// brandSimilarity is 1.0 on an exact case-insensitive match, token overlap
// otherwise. Catches "Samsung" vs "Samsung Electronics".
func brandSimilarity(a, b string) float64 {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" || b == "" {
		return 0
	}
	if strings.EqualFold(a, b) {
		return 1.0
	}
	return nameSimilarity(a, b)
}

// priceProximity bands the low/high ratio. Identical listings across
// retailers rarely diverge past 20%, so the bands fall off quickly.
func priceProximity(a, b float64) float64 {
	if a <= 0 || b <= 0 {
		return 0
	}
	lo, hi := a, b
	if lo > hi {
		lo, hi = hi, lo
	}
	switch ratio := lo / hi; {
	case ratio >= 0.8:
		return 1.0
	case ratio >= 0.6:
		return 0.7
	case ratio >= 0.4:
		return 0.4
	default:
		return 0.1
	}
}

func categorySimilarity(a, b string) float64 {
	if a != "" && strings.EqualFold(a, b) {
		return 1.0
	}
	return 0.3
}

// specsSimilarity averages per-field agreement over the spec fields both
// sides carry. No shared fields means no signal, not disagreement.
func specsSimilarity(a, b Candidate) float64 {
	pairs := [][2]string{
		{a.Product.Storage, b.Product.Storage},
		{a.Product.RAM, b.Product.RAM},
		{a.Screen, b.Screen},
		{a.Camera, b.Camera},
		{a.Product.Color, b.Product.Color},
	}
	sum, n := 0.0, 0
	for _, p := range pairs {
		if p[0] == "" || p[1] == "" {
			continue
		}
		n++
		sum += fieldSimilarity(p[0], p[1])
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// fieldSimilarity compares one spec value pair: exact after normalization is
// 1.0, containment ("128GB" vs "128GB UFS") is 0.7.
func fieldSimilarity(a, b string) float64 {
	na := strings.ToLower(strings.ReplaceAll(a, " ", ""))
	nb := strings.ToLower(strings.ReplaceAll(b, " ", ""))
	switch {
	case na == nb:
		return 1.0
	case strings.Contains(na, nb) || strings.Contains(nb, na):
		return 0.7
	default:
		return 0
	}
}

// tagBoost rewards agreement on coarse enrichment tags, 0.05 each, only when
// both sides carry the tag.
func tagBoost(a, b Candidate) float64 {
	boost := 0.0
	if a.CoarseCategory != "" && b.CoarseCategory != "" &&
		strings.EqualFold(a.CoarseCategory, b.CoarseCategory) {
		boost += 0.05
	}
	if a.CoarseTier != "" && b.CoarseTier != "" &&
		strings.EqualFold(a.CoarseTier, b.CoarseTier) {
		boost += 0.05
	}
	if boost > maxTagBoost {
		boost = maxTagBoost
	}
	return boost
}

// cosineName embeds both names and returns their cosine similarity clamped
// to [0,1]. Any provider or shape problem reports ok=false so callers fall
// back to token overlap.
func cosineName(ctx context.Context, p EmbeddingProvider, a, b Candidate) (float64, bool) {
	va, err := p.Embed(ctx, a.Product.Name)
	if err != nil {
		log.Debug().Err(err).Msg("embedding failed, using token overlap")
		return 0, false
	}
	vb, err := p.Embed(ctx, b.Product.Name)
	if err != nil {
		log.Debug().Err(err).Msg("embedding failed, using token overlap")
		return 0, false
	}
	if len(va) == 0 || len(va) != len(vb) {
		return 0, false
	}
	na := floats.Norm(va, 2)
	nb := floats.Norm(vb, 2)
	if na == 0 || nb == 0 {
		return 0, false
	}
	return clamp01(floats.Dot(va, vb) / (na * nb)), true
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
