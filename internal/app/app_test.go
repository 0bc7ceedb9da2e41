package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atacama-labs/pricewatch/internal/browser"
	"github.com/atacama-labs/pricewatch/internal/config"
	"github.com/atacama-labs/pricewatch/internal/domain"
)

// demoConfig runs the whole graph in process: no Postgres, no Redis, no
// HTTP listener, alerts held in memory. Thresholds are dropped so the
// deterministic demo catalog reliably produces detections.
func demoConfig() config.Config {
	cfg := config.Default()
	cfg.DB.Enabled = false
	cfg.Redis.Enabled = false
	cfg.HTTP.Enabled = false
	cfg.Alerts.OutputDir = ""
	cfg.Alerts.HighValueThreshold = 0
	cfg.Alerts.HighROIThreshold = 0
	cfg.Arbitrage.MinMarginCLP = 1
	cfg.Arbitrage.MinPercentage = 0.01
	cfg.Scraping.Retailers = []string{"falabella", "ripley"}
	cfg.Scraping.Categories = []string{"smartphones"}
	return cfg
}

func newDemoApp(t *testing.T) *App {
	t.Helper()

	a, err := New(context.Background(), demoConfig(), browser.NewDemoDriver("smartphones", 4))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestNewWiresDemoPipeline(t *testing.T) {
	a := newDemoApp(t)

	assert.Nil(t, a.DB)
	assert.Nil(t, a.Server)
	assert.Nil(t, a.Hub)

	assert.NotNil(t, a.Repo.Products)
	assert.NotNil(t, a.Stores)
	assert.NotNil(t, a.Orchestrator)
	assert.NotNil(t, a.Processor)
	assert.NotNil(t, a.Matcher)
	assert.NotNil(t, a.Detector)
	assert.NotNil(t, a.Profiler)
	assert.NotNil(t, a.Dispatcher)
	assert.NotNil(t, a.Scheduler)
	assert.NotNil(t, a.Collector)
	assert.NotNil(t, a.Monitor)
}

func TestRunCycleEndToEnd(t *testing.T) {
	a := newDemoApp(t)
	ctx := context.Background()

	summary, err := a.RunCycle(ctx, domain.TierTracking)
	require.NoError(t, err)

	require.Len(t, summary.Scrape.Results, 2)
	for _, res := range summary.Scrape.Results {
		assert.True(t, res.Success, "retailer %s", res.Retailer)
	}
	assert.Greater(t, summary.Scrape.Accepted, 0)

	// 4 demo products per retailer end up in the master catalog.
	products, err := a.Repo.Products.ActiveByRetailer(ctx, domain.RetailerFalabella, 0)
	require.NoError(t, err)
	require.Len(t, products, 4)

	latest, err := a.Repo.Prices.LatestByCode(ctx, products[0].InternalCode)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Greater(t, latest.PriceMin, 0.0)

	// Identical catalog names across retailers match, and the per-retailer
	// price spread yields at least one opportunity at the floor thresholds.
	assert.GreaterOrEqual(t, summary.Matching.Matched, 1)
	assert.GreaterOrEqual(t, summary.Detection.Detected, 1)

	a.Dispatcher.Drain(ctx)
	assert.GreaterOrEqual(t, a.Dispatcher.Stats().Sent, int64(1))
}

func TestDetectOnceRefreshesExistingRows(t *testing.T) {
	a := newDemoApp(t)
	ctx := context.Background()

	summary, err := a.RunCycle(ctx, domain.TierTracking)
	require.NoError(t, err)
	require.GreaterOrEqual(t, summary.Detection.Inserted, 1)

	// A second detection on the same day refreshes rows instead of
	// duplicating them.
	report, err := a.DetectOnce(ctx, domain.TierTracking)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Inserted)
	assert.GreaterOrEqual(t, report.Refreshed, 1)
}

func TestMetricsUpdateRunnerRecordsHour(t *testing.T) {
	a := newDemoApp(t)
	ctx := context.Background()

	_, err := a.RunCycle(ctx, domain.TierTracking)
	require.NoError(t, err)

	_, err = a.runMetricsUpdate(ctx, domain.Task{ID: "metrics-update"})
	require.NoError(t, err)

	rows, err := a.Repo.Metrics.GetRange(ctx, time.Now().AddDate(0, 0, -1), time.Now())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Greater(t, rows[0].OpportunitiesDetected, 0)

	snap := a.Collector.Snapshot()
	require.NotNil(t, snap.Scrape)
	assert.Equal(t, int64(1), snap.Scrape.Cycles)
}

func TestRunStopsOnCancel(t *testing.T) {
	a := newDemoApp(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	// Let the first wheel tick launch its tasks, then shut down.
	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop after cancel")
	}

	// The seeded wheel carries the five base tasks.
	views := a.Scheduler.Snapshot()
	assert.Len(t, views, 5)
}

func TestConfigTableOverlay(t *testing.T) {
	cfg := config.Default()
	settings := config.NewSettings(&cfg)
	settings.Apply([]domain.ConfigEntry{
		{Key: config.KeyMinPercentage, Value: "5", Type: "number", Active: true},
		{Key: config.KeyEnableAutoAlerts, Value: "false", Type: "boolean", Active: true},
		{Key: config.KeyBatchSize, Value: "250", Type: "number", Active: true},
	})
	applySnapshot(&cfg, settings.Snapshot())

	assert.Equal(t, 5.0, cfg.Arbitrage.MinPercentage)
	assert.False(t, cfg.Alerts.EnableAuto)
	assert.Equal(t, 250, cfg.Ingest.BatchSize)

	// Untouched keys keep their file values.
	assert.Equal(t, 5000.0, cfg.Arbitrage.MinMarginCLP)
}

func TestScorerSelectionFallsBackWithoutProvider(t *testing.T) {
	assert.Equal(t, "heuristic", newScorer(config.MatchingConfig{Scorer: "hybrid"}).Name())
	assert.Equal(t, "heuristic", newScorer(config.MatchingConfig{Scorer: "heuristic"}).Name())
}
