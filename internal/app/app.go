// Package app assembles the pipeline from one configuration: storage
// backends, the scraping and ingest chain, matching, detection, alerting,
// scheduling and the operational HTTP surface. Commands construct an App
// and drive it either for a single cycle or as the long-lived daemon.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/atacama-labs/pricewatch/internal/alerts"
	"github.com/atacama-labs/pricewatch/internal/arbitrage"
	"github.com/atacama-labs/pricewatch/internal/browser"
	"github.com/atacama-labs/pricewatch/internal/config"
	"github.com/atacama-labs/pricewatch/internal/domain"
	"github.com/atacama-labs/pricewatch/internal/infrastructure/cache"
	"github.com/atacama-labs/pricewatch/internal/infrastructure/health"
	"github.com/atacama-labs/pricewatch/internal/ingest"
	httpapi "github.com/atacama-labs/pricewatch/internal/interfaces/http"
	"github.com/atacama-labs/pricewatch/internal/ledger"
	"github.com/atacama-labs/pricewatch/internal/match"
	"github.com/atacama-labs/pricewatch/internal/metrics"
	"github.com/atacama-labs/pricewatch/internal/persistence"
	"github.com/atacama-labs/pricewatch/internal/persistence/postgres"
	"github.com/atacama-labs/pricewatch/internal/scheduler"
	"github.com/atacama-labs/pricewatch/internal/scrape"
	"github.com/atacama-labs/pricewatch/internal/sku"
	"github.com/atacama-labs/pricewatch/internal/traffic"
	"github.com/atacama-labs/pricewatch/internal/volatility"
)

const (
	// healthInterval is the daemon's dependency check cadence.
	healthInterval = time.Minute

	// opportunityRetentionDays bounds the arbitrage_opportunities table.
	opportunityRetentionDays = 30
)

// App is the wired pipeline. Which parts are live depends on configuration:
// the database and Redis fall back to in-process stores when disabled, and
// the HTTP surface is optional.
type App struct {
	Cfg      config.Config
	Settings *config.Settings

	DB     *postgres.Manager // nil when the database is disabled
	Repo   *persistence.Repository
	Stores cache.Stores

	Router       *traffic.Router
	Generator    *sku.Generator
	Ledger       *ledger.Ledger
	Processor    *ingest.Processor
	Orchestrator *scrape.Orchestrator
	Matches      *match.Store
	Matcher      *match.Matcher
	Detector     *arbitrage.Detector
	Profiler     *volatility.Profiler
	Dispatcher   *alerts.Dispatcher
	Scheduler    *scheduler.Scheduler

	Registry  *metrics.Registry
	Collector *metrics.Collector
	Monitor   *health.Monitor
	Hub       *httpapi.Hub
	Server    *httpapi.Server // nil when the HTTP surface is disabled

	backup *ingest.Backup
}

// CycleSummary aggregates one manual pipeline pass.
type CycleSummary struct {
	Scrape    *scrape.CycleReport
	Matching  *match.Report
	Detection *arbitrage.Report
}

// New builds the full component graph. The browser driver is injected so
// commands choose between the scripted production driver and the offline
// demo catalog.
func New(ctx context.Context, cfg config.Config, driver browser.Driver) (*App, error) {
	a := &App{Cfg: cfg}

	if cfg.Redis.Enabled {
		stores, err := cache.NewRedis(cfg.Redis)
		if err != nil {
			return nil, err
		}
		a.Stores = stores
	} else {
		a.Stores = cache.NewMemory()
		log.Info().Msg("redis disabled, using in-process cache")
	}

	if cfg.DB.Enabled {
		manager, err := postgres.NewManager(cfg.DB)
		if err != nil {
			a.Stores.Close()
			return nil, err
		}
		a.DB = manager
		a.Repo = manager.Repository()
	} else {
		a.Repo = persistence.NewMemoryRepository()
		log.Info().Msg("database disabled, using in-memory repositories")
	}

	// Config table rows overlay the file before anything is constructed.
	// Components keep their configuration for the process lifetime; the
	// snapshot itself refreshes hourly for visibility and one-shot runs.
	a.Settings = config.NewSettings(&a.Cfg)
	if err := a.RefreshSettings(ctx); err != nil {
		log.Warn().Err(err).Msg("config table not readable, file values stay in effect")
	}
	applySnapshot(&a.Cfg, a.Settings.Snapshot())

	if a.Cfg.HTTP.Enabled {
		a.Hub = httpapi.NewHub()
	}

	transport, err := alertTransport(a.Cfg.Alerts)
	if err != nil {
		a.Close()
		return nil, err
	}
	var alertFeed alerts.EventFeed
	if a.Hub != nil {
		alertFeed = a.Hub
	}
	a.Dispatcher = alerts.NewDispatcher(a.Cfg.Alerts, transport, a.Repo.Opportunities, alertFeed)

	events := &bus{dispatcher: a.Dispatcher, hub: a.Hub}

	a.Router = traffic.NewRouter(a.Cfg.Traffic)
	policy := traffic.NewResourcePolicy(a.Cfg.Traffic.SaverProfile)
	a.Generator = sku.NewGenerator(0)

	led, err := ledger.New(a.Cfg.Ledger, events, a.Stores)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Ledger = led

	if a.Cfg.Ingest.EnableBackup {
		a.backup, err = ingest.NewBackup(a.Cfg.Ingest.BackupDir, a.Cfg.Ingest.BackupEvery)
		if err != nil {
			a.Close()
			return nil, err
		}
	}
	a.Processor = ingest.NewProcessor(a.Cfg.Ingest, a.Generator, a.Ledger, a.Repo.Products, a.backup)

	worker := scrape.NewWorker(driver, a.Router, policy, a.Processor)
	a.Orchestrator = scrape.NewOrchestrator(a.Cfg.Scraping, worker, a.Processor, a.Stores, a.Stores, events)

	a.Matches = match.NewStore(a.Cfg.Matching, a.Repo.Matches, a.Stores)
	a.Matcher = match.NewMatcher(a.Cfg.Matching, newScorer(a.Cfg.Matching), a.Repo.Products, a.Repo.Prices, a.Matches)
	a.Detector = arbitrage.NewDetector(a.Cfg.Arbitrage, a.Matches, a.Repo.Prices, a.Repo.Opportunities, a.Stores, events)
	a.Profiler = volatility.NewProfiler(a.Stores, a.Stores, a.Repo.Products)

	a.Scheduler = scheduler.New(a.Cfg.Scheduler, a.Repo.Tasks)
	a.Scheduler.Register(domain.TaskArbitrageCycle, a.runArbitrageCycle)
	a.Scheduler.Register(domain.TaskMetricsUpdate, a.runMetricsUpdate)

	a.Registry = metrics.NewRegistry()
	a.Collector = metrics.NewCollector(a.Registry, metrics.Sources{
		Orchestrator: a.Orchestrator,
		Ingest:       a.Processor,
		SKU:          a.Generator,
		Ledger:       a.Ledger,
		Router:       a.Router,
		Matcher:      a.Matcher,
		Detector:     a.Detector,
		Alerts:       a.Dispatcher,
		Volatility:   a.Profiler,
		Scheduler:    a.Scheduler,
		Cache:        a.Stores,
	}, a.Repo.Metrics)
	a.Processor.SetFlushObserver(a.Collector.ObserveFlush)

	var dbHealth persistence.RepositoryHealth
	if a.DB != nil {
		dbHealth = a.DB.Health()
	}
	a.Monitor = health.New(dbHealth, a.Stores, events)

	if a.Cfg.HTTP.Enabled {
		server, err := httpapi.NewServer(a.Cfg.HTTP, a.Registry, a.Collector, a.Monitor, a.Hub)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Server = server
	}

	return a, nil
}

// Run is schedule mode: schema bootstrap, then the alert dispatcher, the
// health monitor, the scheduler wheel and the HTTP surface until the
// context ends. The first hard failure cancels the rest.
func (a *App) Run(ctx context.Context) error {
	if a.DB != nil {
		if err := a.DB.EnsureSchema(ctx); err != nil {
			return err
		}
	}

	services := []service{
		{"alert dispatcher", a.Dispatcher.Run},
		{"health monitor", a.runMonitor},
	}
	if a.Server != nil {
		services = append(services, service{"http server", a.Server.Run})
	}
	services = append(services, service{"scheduler", a.Scheduler.Run})
	return a.supervise(ctx, services)
}

// Serve runs the observation surface without the scheduler: the HTTP
// server plus the health monitor and dispatcher so dependency loss still
// raises alerts and reaches websocket clients.
func (a *App) Serve(ctx context.Context) error {
	if a.Server == nil {
		return fmt.Errorf("http surface is disabled")
	}
	return a.supervise(ctx, []service{
		{"alert dispatcher", a.Dispatcher.Run},
		{"health monitor", a.runMonitor},
		{"http server", a.Server.Run},
	})
}

// service is one long-running daemon component.
type service struct {
	name string
	run  func(context.Context) error
}

// supervise runs every service until the context ends or one of them fails
// hard, then waits for the rest to stop.
func (a *App) supervise(ctx context.Context, services []service) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for _, svc := range services {
		svc := svc
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := svc.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("%s: %w", svc.name, err)
				}
				mu.Unlock()
				cancel()
			}
		}()
	}

	wg.Wait()
	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

func (a *App) runMonitor(ctx context.Context) error {
	return a.Monitor.Run(ctx, healthInterval)
}

// RunCycle executes one full pipeline pass: scrape, flush, match, detect.
// Every surviving opportunity is persisted; minTier only caps which tiers
// emit alert events.
func (a *App) RunCycle(ctx context.Context, minTier domain.Tier) (*CycleSummary, error) {
	report, err := a.Orchestrator.RunCycle(ctx)
	if err != nil {
		return nil, err
	}
	a.Collector.ObserveCycle(report)

	if err := a.Processor.Flush(ctx); err != nil {
		return nil, err
	}
	matching, err := a.Matcher.RunCycle(ctx)
	if err != nil {
		return nil, err
	}
	detection, err := a.Detector.RunCycle(ctx, minTier)
	if err != nil {
		return nil, err
	}
	a.Collector.ObserveDetection(detection)

	return &CycleSummary{Scrape: report, Matching: matching, Detection: detection}, nil
}

// DetectOnce refreshes matches and runs detection against the stored
// catalog without scraping.
func (a *App) DetectOnce(ctx context.Context, minTier domain.Tier) (*arbitrage.Report, error) {
	if _, err := a.Matcher.RunCycle(ctx); err != nil {
		return nil, err
	}
	report, err := a.Detector.RunCycle(ctx, minTier)
	if err != nil {
		return nil, err
	}
	a.Collector.ObserveDetection(report)
	return report, nil
}

// RefreshSettings overlays active config table rows onto the runtime
// snapshot.
func (a *App) RefreshSettings(ctx context.Context) error {
	entries, err := a.Repo.Config.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to read config table: %w", err)
	}
	a.Settings.Apply(entries)
	return nil
}

// Close flushes buffered work and releases storage handles.
func (a *App) Close() error {
	var firstErr error

	if a.backup != nil {
		if err := a.backup.Flush(); err != nil {
			log.Warn().Err(err).Msg("final backup flush failed")
		}
	}
	if a.Hub != nil {
		a.Hub.Close()
	}
	if a.Stores != nil {
		if err := a.Stores.Close(); err != nil {
			firstErr = fmt.Errorf("failed to close cache: %w", err)
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close database: %w", err)
		}
	}
	return firstErr
}

// runArbitrageCycle adapts RunCycle to the scheduler's runner contract.
// The task tier decides the alert emission floor: the critical task alerts
// on critical finds only, the tracking task refreshes rows silently.
func (a *App) runArbitrageCycle(ctx context.Context, task domain.Task) (int, error) {
	summary, err := a.RunCycle(ctx, task.Tier)
	if err != nil {
		return 0, err
	}
	return summary.Detection.Detected, nil
}

// runMetricsUpdate refreshes gauges, persists the hourly rollup, rebuilds
// volatility profiles, prunes aged-out opportunities and re-reads the
// config table.
func (a *App) runMetricsUpdate(ctx context.Context, _ domain.Task) (int, error) {
	a.Collector.Sync()
	if err := a.Collector.RecordHour(ctx); err != nil {
		return 0, err
	}
	if _, err := a.Profiler.RunCycle(ctx); err != nil {
		return 0, err
	}

	cutoff := time.Now().AddDate(0, 0, -opportunityRetentionDays)
	if purged, err := a.Repo.Opportunities.PurgeOlderThan(ctx, cutoff); err != nil {
		log.Warn().Err(err).Msg("failed to purge aged opportunities")
	} else if purged > 0 {
		log.Info().Int64("purged", purged).Msg("aged opportunities removed")
	}

	if err := a.RefreshSettings(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to refresh runtime settings")
	}
	return 0, nil
}

// bus fans pipeline events out to the alert dispatcher and, when the HTTP
// surface is up, the websocket hub. It also stands in as the ledger's
// change sink.
type bus struct {
	dispatcher *alerts.Dispatcher
	hub        *httpapi.Hub
}

func (b *bus) Publish(event any) {
	if b.dispatcher != nil {
		b.dispatcher.Publish(event)
	}
	if b.hub != nil {
		b.hub.Publish(event)
	}
}

func (b *bus) PriceChanged(ev domain.PriceChangeEvent) {
	b.Publish(ev)
}

// applySnapshot folds the runtime-tunable settings back into the typed
// sections components are built from.
func applySnapshot(cfg *config.Config, snap config.Snapshot) {
	cfg.Arbitrage.MinMarginCLP = snap.MinMarginCLP
	cfg.Arbitrage.MinPercentage = snap.MinPercentage
	cfg.Arbitrage.MaxPriceRatio = snap.MaxPriceRatio
	if len(snap.RetailersEnabled) > 0 {
		cfg.Arbitrage.EnabledRetailers = append([]string(nil), snap.RetailersEnabled...)
	}
	cfg.Matching.MinSimilarity = snap.MinSimilarity
	cfg.Alerts.HighValueThreshold = snap.AlertHighValue
	cfg.Alerts.HighROIThreshold = snap.AlertHighROI
	cfg.Alerts.EnableAuto = snap.EnableAutoAlerts
	cfg.Alerts.EnableEmoji = snap.EnableEmojiAlerts
	cfg.Scheduler.CriticalFrequency = snap.CriticalFrequency
	cfg.Scheduler.ImportantFrequency = snap.ImportantFrequency
	cfg.Scheduler.TrackingFrequency = snap.TrackingFrequency
	cfg.Ingest.BatchSize = snap.BatchSize
	cfg.Traffic.TargetProxyRatio = snap.TargetProxyRatio
	cfg.Traffic.RequestsPerChannel = snap.RequestsPerChannel
}

// alertTransport picks the dispatcher's delivery backend. An empty output
// directory keeps alerts in process memory, which suits tests and dry runs.
func alertTransport(cfg config.AlertsConfig) (alerts.Transport, error) {
	if cfg.OutputDir == "" {
		return alerts.NewMemoryTransport(), nil
	}
	return alerts.NewFileTransport(cfg.OutputDir)
}

// newScorer maps the configured scorer name. The embedding variants need a
// provider this binary does not carry, so they fall back to the heuristic
// blend rather than failing startup.
func newScorer(cfg config.MatchingConfig) match.Scorer {
	switch cfg.Scorer {
	case "embedding", "hybrid":
		log.Warn().Str("scorer", cfg.Scorer).
			Msg("no embedding provider available, using heuristic scorer")
	}
	return match.NewHeuristicScorer()
}
