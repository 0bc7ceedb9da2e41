// Package volatility distills each product's recent change history into a
// rolling profile: how often it repriced, how hard, at which hours, and how
// soon it is likely to move again. Profiles feed opportunity risk scoring
// and the adaptive check cadence, and live in the KV store with a bounded
// lifetime so stale reads decay to neutral.
package volatility

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/stat"

	"github.com/atacama-labs/pricewatch/internal/domain"
	"github.com/atacama-labs/pricewatch/internal/infrastructure/cache"
	"github.com/atacama-labs/pricewatch/internal/persistence"
)

const (
	// History depth requested per product; the change log keeps at most
	// this many anyway.
	historyDepth = 1000

	// Products profiled per cycle.
	maxProducts = 2000

	// Recommended check cadence bounds, minutes.
	minFreqMinutes = 15
	maxFreqMinutes = 1440

	peakHourCount = 3
)

// Stats counts profiler work since startup.
type Stats struct {
	Cycles   int64 `json:"cycles"`
	Profiled int64 `json:"profiled"`
	Skipped  int64 `json:"skipped"`
	Errors   int64 `json:"errors"`
}

// Report summarizes one profiling cycle.
type Report struct {
	Products int
	Profiled int
	Skipped  int
	Duration time.Duration
}

// Profiler recomputes volatility profiles for recently seen products.
type Profiler struct {
	changes  cache.ChangeLog
	store    cache.VolatilityStore
	products persistence.ProductsRepo

	mu    sync.Mutex
	stats Stats
	now   func() time.Time
}

func NewProfiler(changes cache.ChangeLog, store cache.VolatilityStore, products persistence.ProductsRepo) *Profiler {
	return &Profiler{
		changes:  changes,
		store:    store,
		products: products,
		now:      time.Now,
	}
}

// RunCycle profiles every product seen in the last week. Products without
// recorded changes are skipped; their absence reads back as neutral risk.
func (p *Profiler) RunCycle(ctx context.Context) (*Report, error) {
	started := p.now()

	since := started.Add(-7 * 24 * time.Hour)
	products, err := p.products.RecentlySeen(ctx, since, maxProducts)
	if err != nil {
		p.countError()
		return nil, fmt.Errorf("failed to load products for profiling: %w", err)
	}

	report := &Report{Products: len(products)}
	for _, prod := range products {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		events, err := p.changes.Recent(ctx, prod.InternalCode, historyDepth)
		if err != nil {
			p.countError()
			log.Debug().Err(err).Str("code", prod.InternalCode).Msg("change history read failed")
			continue
		}
		if len(events) == 0 {
			report.Skipped++
			continue
		}

		profile := Profile(prod.InternalCode, events, started)
		if err := p.store.PutProfile(ctx, profile); err != nil {
			p.countError()
			log.Warn().Err(err).Str("code", prod.InternalCode).Msg("profile write failed")
			continue
		}
		report.Profiled++
	}
	report.Duration = p.now().Sub(started)

	p.mu.Lock()
	p.stats.Cycles++
	p.stats.Profiled += int64(report.Profiled)
	p.stats.Skipped += int64(report.Skipped)
	p.mu.Unlock()

	log.Info().
		Int("products", report.Products).
		Int("profiled", report.Profiled).
		Int("skipped", report.Skipped).
		Dur("duration", report.Duration).
		Msg("volatility profiling complete")

	return report, nil
}

// Profile computes one product's profile from its change events. Events may
// arrive in any order; only those inside the 7-day window count.
func Profile(code string, events []domain.PriceChangeEvent, now time.Time) domain.VolatilityProfile {
	cut24h := now.Add(-24 * time.Hour)
	cut7d := now.Add(-7 * 24 * time.Hour)

	var (
		changes24h int
		pcts       []float64
		hourCounts [24]int
	)
	for _, ev := range events {
		if ev.At.Before(cut7d) {
			continue
		}
		if !ev.At.Before(cut24h) {
			changes24h++
		}
		pcts = append(pcts, math.Abs(ev.Change.Pct))
		hourCounts[ev.At.Hour()]++
	}

	profile := domain.VolatilityProfile{
		InternalCode: code,
		Changes24h:   changes24h,
		Changes7d:    len(pcts),
		PeakHours:    peakHours(hourCounts),
		SampleSize:   len(events),
		UpdatedAt:    now,
	}
	if len(pcts) > 0 {
		profile.AvgChange = stat.Mean(pcts, nil)
	}
	if len(pcts) > 1 {
		profile.StdDev = stat.StdDev(pcts, nil)
	}

	perDay := float64(profile.Changes7d) / 7.0
	profile.NextChangeProb = math.Min(1, perDay)
	profile.RecommendedFreq = recommendedFreq(perDay)

	return profile
}

// recommendedFreq suggests how often to re-check: twice per expected daily
// change, clamped to [15m, 24h].
func recommendedFreq(changesPerDay float64) int {
	if changesPerDay <= 0 {
		return maxFreqMinutes
	}
	freq := int(maxFreqMinutes / (2 * changesPerDay))
	if freq < minFreqMinutes {
		return minFreqMinutes
	}
	if freq > maxFreqMinutes {
		return maxFreqMinutes
	}
	return freq
}

// peakHours returns the busiest change hours, most active first, at most
// three, ties broken by earlier hour.
func peakHours(counts [24]int) []int {
	type hc struct{ hour, n int }
	var active []hc
	for h, n := range counts {
		if n > 0 {
			active = append(active, hc{h, n})
		}
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].n != active[j].n {
			return active[i].n > active[j].n
		}
		return active[i].hour < active[j].hour
	})
	if len(active) > peakHourCount {
		active = active[:peakHourCount]
	}
	out := make([]int, len(active))
	for i, a := range active {
		out[i] = a.hour
	}
	return out
}

// Stats returns a snapshot of the profiler counters.
func (p *Profiler) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *Profiler) countError() {
	p.mu.Lock()
	p.stats.Errors++
	p.mu.Unlock()
}
