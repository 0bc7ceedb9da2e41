package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atacama-labs/pricewatch/internal/domain"
)

func TestLoad_DefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 0.30, cfg.Traffic.TargetProxyRatio)
	assert.Equal(t, 100, cfg.Ingest.BatchSize)
	assert.Equal(t, 0.05, cfg.Ledger.AlertThreshold)
	assert.Equal(t, "23:59", cfg.Ledger.FreezeAfter)
	assert.Equal(t, 60*time.Second, cfg.DB.QueryTimeout)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pricewatch.yaml")
	body := `
traffic:
  target_proxy_ratio: 0.5
  channels: 4
ingest:
  batch_size: 25
arbitrage:
  min_percentage: 20
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 0.5, cfg.Traffic.TargetProxyRatio)
	assert.Equal(t, 4, cfg.Traffic.Channels)
	assert.Equal(t, 25, cfg.Ingest.BatchSize)
	assert.Equal(t, float64(20), cfg.Arbitrage.MinPercentage)
	// Untouched sections keep defaults.
	assert.Equal(t, 3, cfg.Traffic.DirectErrorLimit)
}

func TestLoad_EnvOverridesCredentials(t *testing.T) {
	t.Setenv("PW_PG_DSN", "postgres://pw:secret@db:5432/pricewatch")
	t.Setenv("PW_PROXY_HOST", "proxy.example.com")
	t.Setenv("PW_PROXY_PORT", "9000")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "postgres://pw:secret@db:5432/pricewatch", cfg.DB.DSN)
	assert.Equal(t, "proxy.example.com", cfg.Traffic.ProxyHost)
	assert.Equal(t, 9000, cfg.Traffic.ProxyPort)
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"proxy ratio above one", func(c *Config) { c.Traffic.TargetProxyRatio = 1.5 }},
		{"zero channels", func(c *Config) { c.Traffic.Channels = 0 }},
		{"zero batch size", func(c *Config) { c.Ingest.BatchSize = 0 }},
		{"bad freeze clock", func(c *Config) { c.Ledger.FreezeAfter = "25:00" }},
		{"unknown scorer", func(c *Config) { c.Matching.Scorer = "oracle" }},
		{"ratio cap too low", func(c *Config) { c.Arbitrage.MaxPriceRatio = 1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestParseClock(t *testing.T) {
	mins, err := ParseClock("23:59")
	require.NoError(t, err)
	assert.Equal(t, 23*60+59, mins)

	_, err = ParseClock("24:10")
	assert.Error(t, err)
}

func TestSettings_ApplyConfigTable(t *testing.T) {
	cfg := Default()
	settings := NewSettings(&cfg)

	settings.Apply([]domain.ConfigEntry{
		{Key: KeyMinMarginCLP, Value: "12000", Type: "number", Active: true},
		{Key: KeyMinPercentage, Value: "18.5", Type: "number", Active: true},
		{Key: KeyEnableEmojiAlerts, Value: "false", Type: "boolean", Active: true},
		{Key: KeyRetailersEnabled, Value: `["falabella","ripley"]`, Type: "json", Active: true},
		{Key: KeyCriticalFrequency, Value: "45", Type: "number", Active: true},
		{Key: KeyMinSimilarity, Value: "not-a-number", Type: "number", Active: true}, // ignored
		{Key: KeyBatchSize, Value: "50", Type: "number", Active: false},              // inactive
	})

	snap := settings.Snapshot()
	assert.Equal(t, float64(12000), snap.MinMarginCLP)
	assert.Equal(t, 18.5, snap.MinPercentage)
	assert.False(t, snap.EnableEmojiAlerts)
	assert.Equal(t, []string{"falabella", "ripley"}, snap.RetailersEnabled)
	assert.Equal(t, 45*time.Minute, snap.CriticalFrequency)
	assert.Equal(t, cfg.Matching.MinSimilarity, snap.MinSimilarity, "invalid value keeps previous setting")
	assert.Equal(t, cfg.Ingest.BatchSize, snap.BatchSize, "inactive rows are skipped")

	assert.True(t, snap.RetailerEnabled(domain.RetailerFalabella))
	assert.False(t, snap.RetailerEnabled(domain.RetailerParis))
}

func TestSnapshot_IsolatedCopy(t *testing.T) {
	cfg := Default()
	settings := NewSettings(&cfg)

	snap := settings.Snapshot()
	snap.RetailersEnabled = append(snap.RetailersEnabled, "mutated")

	assert.NotContains(t, settings.Snapshot().RetailersEnabled, "mutated")
}
