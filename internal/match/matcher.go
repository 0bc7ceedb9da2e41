package match

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/atacama-labs/pricewatch/internal/config"
	"github.com/atacama-labs/pricewatch/internal/domain"
	"github.com/atacama-labs/pricewatch/internal/persistence"
)

const (
	// Candidate pool: products seen within this window, capped hard so a
	// cycle never degenerates into millions of comparisons.
	recentWindow  = 48 * time.Hour
	maxCandidates = 2000
)

// Stats counts matcher work since startup.
type Stats struct {
	Cycles      int64 `json:"cycles"`
	Candidates  int64 `json:"candidates"`
	PairsScored int64 `json:"pairs_scored"`
	Matched     int64 `json:"matched"`
	Expired     int64 `json:"expired"`
	Errors      int64 `json:"errors"`
}

// Report summarizes one matching cycle.
type Report struct {
	Candidates  int
	PairsScored int
	Matched     int
	Expired     int64
	Duration    time.Duration
}

// Matcher builds the candidate pool, generates cross-retailer pairs that
// share a category or brand, scores them and persists qualifiers.
type Matcher struct {
	cfg      config.MatchingConfig
	scorer   Scorer
	products persistence.ProductsRepo
	prices   persistence.PricesRepo
	store    *Store

	mu    sync.Mutex
	stats Stats
	now   func() time.Time
}

func NewMatcher(cfg config.MatchingConfig, scorer Scorer, products persistence.ProductsRepo, prices persistence.PricesRepo, store *Store) *Matcher {
	return &Matcher{
		cfg:      cfg,
		scorer:   scorer,
		products: products,
		prices:   prices,
		store:    store,
		now:      time.Now,
	}
}

// RunCycle scores the current candidate pool and expires stale pairs.
func (m *Matcher) RunCycle(ctx context.Context) (*Report, error) {
	started := m.now()

	candidates, err := m.loadCandidates(ctx)
	if err != nil {
		m.countError()
		return nil, err
	}

	pairs := blockPairs(candidates)
	matched := 0
	for _, p := range pairs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		a, b := candidates[p[0]], candidates[p[1]]
		res := m.scorer.Score(ctx, a, b)
		if res.Score < m.cfg.MinSimilarity {
			continue
		}
		if err := m.persist(ctx, a, b, res); err != nil {
			m.countError()
			log.Warn().Err(err).
				Str("code_a", a.Product.InternalCode).
				Str("code_b", b.Product.InternalCode).
				Msg("match persist failed")
			continue
		}
		matched++
	}

	expired, err := m.store.ExpireStale(ctx, m.now())
	if err != nil {
		m.countError()
		log.Warn().Err(err).Msg("match expiry pass failed")
	}

	report := &Report{
		Candidates:  len(candidates),
		PairsScored: len(pairs),
		Matched:     matched,
		Expired:     expired,
		Duration:    m.now().Sub(started),
	}

	m.mu.Lock()
	m.stats.Cycles++
	m.stats.Candidates += int64(report.Candidates)
	m.stats.PairsScored += int64(report.PairsScored)
	m.stats.Matched += int64(report.Matched)
	m.stats.Expired += report.Expired
	m.mu.Unlock()

	log.Info().
		Int("candidates", report.Candidates).
		Int("pairs", report.PairsScored).
		Int("matched", report.Matched).
		Int64("expired", report.Expired).
		Dur("duration", report.Duration).
		Str("scorer", m.scorer.Name()).
		Msg("matching cycle complete")

	return report, nil
}

// loadCandidates pulls recently seen products and joins their latest ledger
// price. Products without a price still participate, the price component
// just contributes nothing.
func (m *Matcher) loadCandidates(ctx context.Context) ([]Candidate, error) {
	since := m.now().Add(-recentWindow)
	products, err := m.products.RecentlySeen(ctx, since, maxCandidates)
	if err != nil {
		return nil, fmt.Errorf("failed to load match candidates: %w", err)
	}
	if len(products) == 0 {
		return nil, nil
	}

	codes := make([]string, len(products))
	for i, p := range products {
		codes[i] = p.InternalCode
	}
	latest, err := m.prices.LatestForCodes(ctx, codes)
	if err != nil {
		return nil, fmt.Errorf("failed to load candidate prices: %w", err)
	}

	candidates := make([]Candidate, len(products))
	for i, p := range products {
		c := Candidate{Product: p}
		if rec, ok := latest[p.InternalCode]; ok {
			c.Price = rec.Best()
		}
		candidates[i] = c
	}
	return candidates, nil
}

// blockPairs indexes candidates by category and by brand and emits each
// cross-retailer pair inside a bucket exactly once. Blocking keeps the pair
// count linear in bucket sizes instead of quadratic in the pool.
func blockPairs(candidates []Candidate) [][2]int {
	byCategory := make(map[string][]int)
	byBrand := make(map[string][]int)
	for i, c := range candidates {
		if cat := strings.ToLower(strings.TrimSpace(c.Product.Category)); cat != "" {
			byCategory[cat] = append(byCategory[cat], i)
		}
		if br := strings.ToLower(strings.TrimSpace(c.Product.Brand)); br != "" {
			byBrand[br] = append(byBrand[br], i)
		}
	}

	seen := make(map[[2]int]bool)
	var pairs [][2]int
	emit := func(bucket []int) {
		for x := 0; x < len(bucket); x++ {
			for y := x + 1; y < len(bucket); y++ {
				i, j := bucket[x], bucket[y]
				if candidates[i].Product.Retailer == candidates[j].Product.Retailer {
					continue
				}
				key := [2]int{i, j}
				if seen[key] {
					continue
				}
				seen[key] = true
				pairs = append(pairs, key)
			}
		}
	}
	for _, bucket := range byCategory {
		emit(bucket)
	}
	for _, bucket := range byBrand {
		emit(bucket)
	}

	sort.Slice(pairs, func(a, b int) bool {
		if pairs[a][0] != pairs[b][0] {
			return pairs[a][0] < pairs[b][0]
		}
		return pairs[a][1] < pairs[b][1]
	})
	return pairs
}

func (m *Matcher) persist(ctx context.Context, a, b Candidate, res Result) error {
	now := m.now()
	_, err := m.store.Save(ctx, domain.Match{
		CodeA:           a.Product.InternalCode,
		CodeB:           b.Product.InternalCode,
		SimilarityScore: res.Score,
		MatchType:       TypeFor(res.Score),
		Confidence:      ConfidenceFor(res.Score),
		Features:        res.Features,
		MLVersion:       m.cfg.MLVersion,
		Active:          true,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	return err
}

// Stats returns a snapshot of the matcher counters.
func (m *Matcher) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *Matcher) countError() {
	m.mu.Lock()
	m.stats.Errors++
	m.mu.Unlock()
}
