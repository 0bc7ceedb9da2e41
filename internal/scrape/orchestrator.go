package scrape

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/atacama-labs/pricewatch/internal/config"
	"github.com/atacama-labs/pricewatch/internal/domain"
	"github.com/atacama-labs/pricewatch/internal/infrastructure/cache"
)

// Pipeline is the ingest surface the orchestrator drives: per-record
// enqueue during the cycle, one flush at the end.
type Pipeline interface {
	Sink
	Flush(ctx context.Context) error
}

// EventFeed receives cycle summaries for live observers. Optional.
type EventFeed interface {
	Publish(event any)
}

// CycleReport aggregates one full scraping cycle.
type CycleReport struct {
	CycleID  string        `json:"cycle_id"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`

	Results []Result `json:"results"`

	Products      int   `json:"products"`
	Accepted      int   `json:"accepted"`
	Requests      int   `json:"requests"`
	ProxyRequests int   `json:"proxy_requests"`
	BytesSaved    int64 `json:"bytes_saved"`
	Failures      int   `json:"failures"`
}

// Orchestrator fans the configured retailer/category pairs out to workers
// and funnels everything into one pipeline flush.
type Orchestrator struct {
	cfg      config.ScrapingConfig
	worker   *Worker
	pipeline Pipeline
	activity cache.ActivityLog
	profiles cache.ProfileStore
	feed     EventFeed
	now      func() time.Time

	mu     sync.Mutex
	cycles int64
	last   *CycleReport
}

// NewOrchestrator wires a cycle runner. activity, profiles and feed may
// be nil; reporting then stays in the logs.
func NewOrchestrator(cfg config.ScrapingConfig, worker *Worker, pipeline Pipeline, activity cache.ActivityLog, profiles cache.ProfileStore, feed EventFeed) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		worker:   worker,
		pipeline: pipeline,
		activity: activity,
		profiles: profiles,
		feed:     feed,
		now:      time.Now,
	}
}

// RunCycle scrapes every configured retailer/category pair. A failed pair
// never aborts the others; the error return only reports cancellation or
// a failed final flush.
func (o *Orchestrator) RunCycle(ctx context.Context) (*CycleReport, error) {
	report := &CycleReport{
		CycleID: uuid.NewString()[:8],
		Started: o.now(),
	}

	pairs := make([]WorkerConfig, 0, len(o.cfg.Retailers)*len(o.cfg.Categories))
	for _, retailer := range o.cfg.RetailerList() {
		for _, category := range o.cfg.Categories {
			pairs = append(pairs, WorkerConfig{
				Retailer:    retailer,
				Category:    category,
				Pages:       o.cfg.PagesPerCategory,
				MaxProducts: o.cfg.MaxProducts,
				NavTimeout:  o.cfg.NavigationTimeout,
			})
		}
	}

	log.Info().
		Str("cycle", report.CycleID).
		Int("pairs", len(pairs)).
		Bool("parallel", o.cfg.Parallel).
		Msg("scrape cycle started")

	results := make(chan Result, len(pairs))
	if o.cfg.Parallel {
		var wg sync.WaitGroup
		for _, pair := range pairs {
			wg.Add(1)
			go func(pair WorkerConfig) {
				defer wg.Done()
				results <- o.worker.Run(ctx, pair)
			}(pair)
		}
		wg.Wait()
	} else {
		for _, pair := range pairs {
			results <- o.worker.Run(ctx, pair)
		}
	}
	close(results)

	for r := range results {
		report.Results = append(report.Results, r)
		report.Products += r.Products
		report.Accepted += r.Accepted
		report.Requests += r.Requests
		report.ProxyRequests += r.ProxyRequests
		report.BytesSaved += r.BytesSaved
		if !r.Success {
			report.Failures++
		}
	}
	sort.Slice(report.Results, func(i, j int) bool {
		a, b := report.Results[i], report.Results[j]
		if a.Retailer != b.Retailer {
			return a.Retailer < b.Retailer
		}
		return a.Category < b.Category
	})

	var flushErr error
	if err := o.pipeline.Flush(ctx); err != nil {
		flushErr = fmt.Errorf("final flush failed: %w", err)
	}

	o.recordActivity(ctx, report)
	report.Duration = o.now().Sub(report.Started)

	o.mu.Lock()
	o.cycles++
	o.last = report
	o.mu.Unlock()

	for _, r := range report.Results {
		ev := log.Info()
		if !r.Success {
			ev = log.Warn().Err(r.Err)
		}
		ev.Str("cycle", report.CycleID).
			Str("retailer", string(r.Retailer)).
			Str("category", r.Category).
			Bool("success", r.Success).
			Int("products", r.Products).
			Int("accepted", r.Accepted).
			Dur("took", r.Duration).
			Msg("pair finished")
	}
	log.Info().
		Str("cycle", report.CycleID).
		Int("products", report.Products).
		Int("accepted", report.Accepted).
		Int("failures", report.Failures).
		Dur("took", report.Duration).
		Msg("scrape cycle finished")

	if o.feed != nil {
		o.feed.Publish(domain.CycleEvent{
			CycleID:   report.CycleID,
			Retailers: o.cfg.RetailerList(),
			Products:  report.Products,
			Accepted:  report.Accepted,
			Rejected:  report.Products - report.Accepted,
			Duration:  report.Duration,
			At:        o.now(),
		})
	}

	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, flushErr
}

// recordActivity appends per-pair entries and refreshes the rolling
// retailer profiles.
func (o *Orchestrator) recordActivity(ctx context.Context, report *CycleReport) {
	if o.activity != nil {
		for _, r := range report.Results {
			entry := cache.ActivityEntry{
				Retailer:      r.Retailer,
				Category:      r.Category,
				Success:       r.Success,
				Products:      r.Products,
				Requests:      r.Requests,
				ProxyRequests: r.ProxyRequests,
				Blocked:       r.Blocked,
				Duration:      r.Duration,
				At:            o.now(),
			}
			if r.Err != nil {
				entry.Error = r.Err.Error()
			}
			if err := o.activity.AppendActivity(ctx, entry); err != nil {
				log.Warn().Err(err).Msg("failed to append activity entry")
			}
		}
	}

	if o.profiles == nil {
		return
	}
	byRetailer := make(map[domain.Retailer][]Result)
	for _, r := range report.Results {
		byRetailer[r.Retailer] = append(byRetailer[r.Retailer], r)
	}
	for retailer, results := range byRetailer {
		profile, ok, err := o.profiles.GetRetailerProfile(ctx, retailer)
		if err != nil || !ok {
			profile = &cache.RetailerProfile{Retailer: retailer}
		}
		for _, r := range results {
			profile.Cycles++
			profile.LastProducts = r.Products
			if r.Success {
				profile.Successes++
				profile.LastSuccess = o.now()
			}
			if r.Blocked {
				profile.Blocks++
			}
			// Running mean over all runs seen so far.
			profile.AvgProducts += (float64(r.Products) - profile.AvgProducts) / float64(profile.Cycles)
		}
		profile.UpdatedAt = o.now()
		if err := o.profiles.PutRetailerProfile(ctx, *profile); err != nil {
			log.Warn().Err(err).Str("retailer", string(retailer)).Msg("failed to update retailer profile")
		}
	}
}

// Cycles returns how many cycles have completed since start.
func (o *Orchestrator) Cycles() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cycles
}

// LastReport returns the most recent cycle report, nil before the first.
func (o *Orchestrator) LastReport() *CycleReport {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}
