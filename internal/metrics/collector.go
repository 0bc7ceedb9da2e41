package metrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/atacama-labs/pricewatch/internal/alerts"
	"github.com/atacama-labs/pricewatch/internal/arbitrage"
	"github.com/atacama-labs/pricewatch/internal/infrastructure/cache"
	"github.com/atacama-labs/pricewatch/internal/ingest"
	"github.com/atacama-labs/pricewatch/internal/ledger"
	"github.com/atacama-labs/pricewatch/internal/match"
	"github.com/atacama-labs/pricewatch/internal/persistence"
	"github.com/atacama-labs/pricewatch/internal/scheduler"
	"github.com/atacama-labs/pricewatch/internal/scrape"
	"github.com/atacama-labs/pricewatch/internal/sku"
	"github.com/atacama-labs/pricewatch/internal/traffic"
	"github.com/atacama-labs/pricewatch/internal/volatility"
)

// Sources lists the components the collector reads. Nil fields are
// skipped so partial pipelines (scan-only, detect-only) stay observable.
type Sources struct {
	Orchestrator *scrape.Orchestrator
	Ingest       *ingest.Processor
	SKU          *sku.Generator
	Ledger       *ledger.Ledger
	Router       *traffic.Router
	Matcher      *match.Matcher
	Detector     *arbitrage.Detector
	Alerts       *alerts.Dispatcher
	Volatility   *volatility.Profiler
	Scheduler    *scheduler.Scheduler
	Cache        cache.Stores
}

// ScrapeStatus summarizes orchestrator progress for the snapshot.
type ScrapeStatus struct {
	Cycles int64               `json:"cycles"`
	Last   *scrape.CycleReport `json:"last,omitempty"`
}

// Snapshot is the /status document, one section per live component.
type Snapshot struct {
	At            time.Time            `json:"at"`
	UptimeSeconds float64              `json:"uptime_seconds"`
	Scrape        *ScrapeStatus        `json:"scrape,omitempty"`
	Ingest        *ingest.Stats        `json:"ingest,omitempty"`
	SKU           *sku.Stats           `json:"sku,omitempty"`
	Ledger        *ledger.Stats        `json:"ledger,omitempty"`
	Traffic       *traffic.Stats       `json:"traffic,omitempty"`
	Matching      *match.Stats         `json:"matching,omitempty"`
	Arbitrage     *arbitrage.Stats     `json:"arbitrage,omitempty"`
	Alerts        *alerts.Stats        `json:"alerts,omitempty"`
	Volatility    *volatility.Stats    `json:"volatility,omitempty"`
	Scheduler     *scheduler.Stats     `json:"scheduler,omitempty"`
	Tasks         []scheduler.TaskView `json:"tasks,omitempty"`
	Cache         *cache.Stats         `json:"cache,omitempty"`
}

// hourAccum collects the material for one hourly metrics row.
type hourAccum struct {
	detected  int
	valid     int
	margin    float64
	roiSum    float64
	roiCount  int
	procMS    float64
	procCount int
	retailers map[string]persistence.RetailerPerformance
}

func newHourAccum() hourAccum {
	return hourAccum{retailers: make(map[string]persistence.RetailerPerformance)}
}

// Collector keeps the Prometheus series current, merges component state
// into the status snapshot and rolls the running hour into the metrics
// table. Counters and histograms are fed incrementally through the
// Observe methods; gauges and alert totals are refreshed by Sync.
type Collector struct {
	reg  *Registry
	src  Sources
	repo persistence.MetricsRepo

	mu         sync.Mutex
	hourStart  time.Time
	acc        hourAccum
	alertsSeen alerts.Stats

	startedAt time.Time
	now       func() time.Time
}

// NewCollector wires the registry to its sources. repo may be nil when
// persistence is disabled; RecordHour then discards the window.
func NewCollector(reg *Registry, src Sources, repo persistence.MetricsRepo) *Collector {
	c := &Collector{
		reg:  reg,
		src:  src,
		repo: repo,
		acc:  newHourAccum(),
		now:  time.Now,
	}
	c.startedAt = c.now()
	c.hourStart = c.startedAt.Truncate(time.Hour)
	return c
}

// ObserveCycle feeds one scraping cycle into the counters and the hourly
// accumulator. Call it after every orchestrator run.
func (c *Collector) ObserveCycle(report *scrape.CycleReport) {
	if report == nil {
		return
	}

	if direct := report.Requests - report.ProxyRequests; direct > 0 {
		c.reg.Requests.WithLabelValues(EgressDirect).Add(float64(direct))
	}
	if report.ProxyRequests > 0 {
		c.reg.Requests.WithLabelValues(EgressProxy).Add(float64(report.ProxyRequests))
	}
	if report.BytesSaved > 0 {
		c.reg.BytesSaved.Add(float64(report.BytesSaved))
	}
	c.reg.CycleDuration.Observe(report.Duration.Seconds())
	for _, res := range report.Results {
		retailer := string(res.Retailer)
		c.reg.ProductsProcessed.WithLabelValues(retailer).Add(float64(res.Products))
		if rejected := res.Products - res.Accepted; rejected > 0 {
			c.reg.ProductsRejected.WithLabelValues(retailer).Add(float64(rejected))
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.acc.procMS += float64(report.Duration.Milliseconds())
	c.acc.procCount++
	for _, res := range report.Results {
		perf := c.acc.retailers[string(res.Retailer)]
		perf.Products += res.Products
		perf.Accepted += res.Accepted
		perf.Rejected += res.Products - res.Accepted
		perf.DurationMS += float64(res.Duration.Milliseconds())
		perf.Success = perf.Success || res.Success
		c.acc.retailers[string(res.Retailer)] = perf
	}
}

// ObserveDetection feeds one detector cycle into the opportunity counters
// and the hourly accumulator.
func (c *Collector) ObserveDetection(report *arbitrage.Report) {
	if report == nil {
		return
	}

	c.reg.DetectorDuration.Observe(report.Duration.Seconds())
	for _, opp := range report.Opportunities {
		c.reg.Opportunities.WithLabelValues(string(opp.Tier)).Inc()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.acc.detected += report.Detected
	c.acc.valid += report.Inserted + report.Refreshed
	c.acc.margin += report.TotalMargin
	for _, opp := range report.Opportunities {
		c.acc.roiSum += opp.ROI
		c.acc.roiCount++
	}
}

// ObserveFlush records one ingest flush. Register it on the processor via
// SetFlushObserver before the pipeline starts.
func (c *Collector) ObserveFlush(rows int, took time.Duration) {
	if rows > 0 {
		c.reg.PriceRows.Add(float64(rows))
	}
	c.reg.FlushDuration.Observe(took.Seconds())
}

// Sync refreshes the gauges from component state and advances the alert
// counters by the delta since the previous call. The metrics-update task
// runs it once per period.
func (c *Collector) Sync() {
	if c.src.Ingest != nil {
		c.reg.BatchFill.Set(float64(c.src.Ingest.Stats().BatchFill))
	}
	if c.src.Router != nil {
		st := c.src.Router.Stats()
		c.reg.BlocklistSize.Set(float64(st.BlockedHosts))
		c.reg.ProxyRatio.Set(st.ObservedRatio)
	}
	if c.src.Scheduler != nil {
		st := c.src.Scheduler.Stats()
		c.reg.SchedulerQueue.Set(float64(st.Running + st.Overdue))
	}
	if c.src.Alerts != nil {
		st := c.src.Alerts.Stats()
		c.mu.Lock()
		seen := c.alertsSeen
		c.alertsSeen = st
		c.mu.Unlock()
		if d := st.Sent - seen.Sent; d > 0 {
			c.reg.AlertsSent.Add(float64(d))
		}
		dropped := (st.Dropped + st.QueueDrops) - (seen.Dropped + seen.QueueDrops)
		if dropped > 0 {
			c.reg.AlertsDropped.Add(float64(dropped))
		}
	}
}

// RecordHour writes the finished accumulation window to the metrics table
// and opens the next one.
func (c *Collector) RecordHour(ctx context.Context) error {
	now := c.now()

	c.mu.Lock()
	row := persistence.HourlyMetrics{
		Date:                  c.hourStart.Format("2006-01-02"),
		Hour:                  c.hourStart.Hour(),
		OpportunitiesDetected: c.acc.detected,
		OpportunitiesValid:    c.acc.valid,
		TotalMargin:           c.acc.margin,
		RetailerPerformance:   c.acc.retailers,
	}
	if c.acc.roiCount > 0 {
		row.AvgROI = c.acc.roiSum / float64(c.acc.roiCount)
	}
	if c.acc.procCount > 0 {
		row.AvgProcessingMS = c.acc.procMS / float64(c.acc.procCount)
	}
	c.acc = newHourAccum()
	c.hourStart = now.Truncate(time.Hour)
	c.mu.Unlock()

	if c.repo == nil {
		log.Debug().Msg("metrics repo disabled, hourly row discarded")
		return nil
	}
	if err := c.repo.RecordHour(ctx, row); err != nil {
		return fmt.Errorf("failed to record hourly metrics: %w", err)
	}
	log.Info().
		Str("date", row.Date).
		Int("hour", row.Hour).
		Int("detected", row.OpportunitiesDetected).
		Int("valid", row.OpportunitiesValid).
		Float64("margin", row.TotalMargin).
		Msg("hourly metrics recorded")
	return nil
}

// Snapshot assembles the status document from every live source.
func (c *Collector) Snapshot() Snapshot {
	now := c.now()
	snap := Snapshot{
		At:            now,
		UptimeSeconds: now.Sub(c.startedAt).Seconds(),
	}

	if c.src.Orchestrator != nil {
		snap.Scrape = &ScrapeStatus{
			Cycles: c.src.Orchestrator.Cycles(),
			Last:   c.src.Orchestrator.LastReport(),
		}
	}
	if c.src.Ingest != nil {
		st := c.src.Ingest.Stats()
		snap.Ingest = &st
	}
	if c.src.SKU != nil {
		st := c.src.SKU.Stats()
		snap.SKU = &st
	}
	if c.src.Ledger != nil {
		st := c.src.Ledger.Stats()
		snap.Ledger = &st
	}
	if c.src.Router != nil {
		st := c.src.Router.Stats()
		snap.Traffic = &st
	}
	if c.src.Matcher != nil {
		st := c.src.Matcher.Stats()
		snap.Matching = &st
	}
	if c.src.Detector != nil {
		st := c.src.Detector.Stats()
		snap.Arbitrage = &st
	}
	if c.src.Alerts != nil {
		st := c.src.Alerts.Stats()
		snap.Alerts = &st
	}
	if c.src.Volatility != nil {
		st := c.src.Volatility.Stats()
		snap.Volatility = &st
	}
	if c.src.Scheduler != nil {
		st := c.src.Scheduler.Stats()
		snap.Scheduler = &st
		snap.Tasks = c.src.Scheduler.Snapshot()
	}
	if c.src.Cache != nil {
		st := c.src.Cache.Stats()
		snap.Cache = &st
	}
	return snap
}
