// Package config loads the typed file configuration and the runtime
// settings that live in the config table.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/atacama-labs/pricewatch/internal/domain"
)

// Config is the full file configuration. Credentials are overridable via
// environment variables so the YAML can live in version control.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	DB        DBConfig        `yaml:"db"`
	Redis     RedisConfig     `yaml:"redis"`
	Scraping  ScrapingConfig  `yaml:"scraping"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Traffic   TrafficConfig   `yaml:"traffic"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Matching  MatchingConfig  `yaml:"matching"`
	Arbitrage ArbitrageConfig `yaml:"arbitrage"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	HTTP      HTTPConfig      `yaml:"http"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // trace, debug, info, warn, error
	Format string `yaml:"format"` // auto, json, console
}

type DBConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
	Enabled         bool          `yaml:"enabled"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
	Enabled  bool   `yaml:"enabled"`
}

type ScrapingConfig struct {
	Retailers         []string      `yaml:"retailers"`
	Categories        []string      `yaml:"categories"`
	MaxProducts       int           `yaml:"max_products"`
	Parallel          bool          `yaml:"parallel"`
	NavigationTimeout time.Duration `yaml:"navigation_timeout"`
	PagesPerCategory  int           `yaml:"pages_per_category"`
}

type IngestConfig struct {
	BatchSize    int    `yaml:"batch_size"`
	BackupDir    string `yaml:"backup_dir"`
	BackupEvery  int    `yaml:"backup_every"` // rows buffered before a backup flush
	EnableBackup bool   `yaml:"enable_backup"`
}

type TrafficConfig struct {
	ProxyHost          string        `yaml:"proxy_host"`
	ProxyPort          int           `yaml:"proxy_port"`
	ProxyUser          string        `yaml:"proxy_user"`
	ProxyPass          string        `yaml:"proxy_pass"`
	Channels           int           `yaml:"channels"`
	TargetProxyRatio   float64       `yaml:"target_proxy_ratio"`
	RequestsPerChannel int           `yaml:"requests_per_channel"`
	DirectErrorLimit   int           `yaml:"direct_error_limit"`
	MaxRetries         int           `yaml:"max_retries"`
	BlocklistTTL       time.Duration `yaml:"blocklist_ttl"`
	RequestsPerSecond  float64       `yaml:"requests_per_second"`
	SaverProfile       string        `yaml:"saver_profile"` // off, balanced, aggressive
}

type LedgerConfig struct {
	AlertThreshold float64 `yaml:"alert_threshold"` // fraction, 0.05 = 5%
	FreezeAfter    string  `yaml:"freeze_after"`    // HH:MM local, writes suppressed from here to midnight
}

type MatchingConfig struct {
	Scorer        string        `yaml:"scorer"` // heuristic, embedding, hybrid
	MinSimilarity float64       `yaml:"min_similarity"`
	MatchTTL      time.Duration `yaml:"match_ttl"`
	MLVersion     string        `yaml:"ml_version"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
}

type ArbitrageConfig struct {
	MinMarginCLP     float64  `yaml:"min_margin_clp"`
	MinPercentage    float64  `yaml:"min_percentage"`
	MaxPriceRatio    float64  `yaml:"max_price_ratio"`
	EnabledRetailers []string `yaml:"enabled_retailers"`
}

type AlertsConfig struct {
	EnableAuto         bool    `yaml:"enable_auto_alerts"`
	EnableEmoji        bool    `yaml:"enable_emoji_alerts"`
	HighValueThreshold float64 `yaml:"high_value_threshold"`
	HighROIThreshold   float64 `yaml:"high_roi_threshold"`
	OutputDir          string  `yaml:"output_dir"`
}

type SchedulerConfig struct {
	CriticalFrequency  time.Duration `yaml:"critical_frequency"`
	ImportantFrequency time.Duration `yaml:"important_frequency"`
	TrackingFrequency  time.Duration `yaml:"tracking_frequency"`
	MetricsFrequency   time.Duration `yaml:"metrics_frequency"`
	TuneFrequency      time.Duration `yaml:"tune_frequency"`
	Adaptive           bool          `yaml:"adaptive"`
}

type HTTPConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	Enabled      bool          `yaml:"enabled"`
}

// Default returns the configuration used when a key is absent from the
// YAML file. The zero thresholds mirror the shipped config table values.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info", Format: "auto"},
		DB: DBConfig{
			MaxOpenConns:    20,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
			QueryTimeout:    60 * time.Second,
			Enabled:         true,
		},
		Redis: RedisConfig{Addr: "localhost:6379", PoolSize: 10, Enabled: true},
		Scraping: ScrapingConfig{
			Retailers:         []string{"falabella", "ripley", "paris"},
			Categories:        []string{"smartphones"},
			MaxProducts:       200,
			Parallel:          true,
			NavigationTimeout: 25 * time.Second,
			PagesPerCategory:  3,
		},
		Ingest: IngestConfig{
			BatchSize:    100,
			BackupDir:    "data/backups",
			BackupEvery:  1000,
			EnableBackup: false,
		},
		Traffic: TrafficConfig{
			Channels:           10,
			TargetProxyRatio:   0.30,
			RequestsPerChannel: 50,
			DirectErrorLimit:   3,
			MaxRetries:         3,
			BlocklistTTL:       time.Hour,
			RequestsPerSecond:  2,
			SaverProfile:       "balanced",
		},
		Ledger: LedgerConfig{AlertThreshold: 0.05, FreezeAfter: "23:59"},
		Matching: MatchingConfig{
			Scorer:        "heuristic",
			MinSimilarity: 0.85,
			MatchTTL:      24 * time.Hour,
			MLVersion:     "heuristic-v1",
			CacheTTL:      30 * time.Minute,
		},
		Arbitrage: ArbitrageConfig{
			MinMarginCLP:     5000,
			MinPercentage:    15,
			MaxPriceRatio:    5.0,
			EnabledRetailers: []string{"falabella", "ripley", "paris"},
		},
		Alerts: AlertsConfig{
			EnableAuto:         true,
			EnableEmoji:        true,
			HighValueThreshold: 100000,
			HighROIThreshold:   25,
			OutputDir:          "out/alerts",
		},
		Scheduler: SchedulerConfig{
			CriticalFrequency:  30 * time.Minute,
			ImportantFrequency: 120 * time.Minute,
			TrackingFrequency:  360 * time.Minute,
			MetricsFrequency:   60 * time.Minute,
			TuneFrequency:      240 * time.Minute,
			Adaptive:           true,
		},
		HTTP: HTTPConfig{
			Host:         "127.0.0.1",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
			Enabled:      true,
		},
	}
}

// Load reads the YAML file at path over the defaults and applies
// environment overrides. A missing file is not an error; env-only setups
// are supported.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv pulls credentials and endpoints from the environment. Only
// secrets and connection targets are overridable this way; behavior tuning
// stays in the file and the config table.
func (c *Config) applyEnv() {
	if v := os.Getenv("PW_PG_DSN"); v != "" {
		c.DB.DSN = v
	}
	if v := os.Getenv("PW_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("PW_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("PW_PROXY_HOST"); v != "" {
		c.Traffic.ProxyHost = v
	}
	if v := os.Getenv("PW_PROXY_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Traffic.ProxyPort = p
		}
	}
	if v := os.Getenv("PW_PROXY_USER"); v != "" {
		c.Traffic.ProxyUser = v
	}
	if v := os.Getenv("PW_PROXY_PASS"); v != "" {
		c.Traffic.ProxyPass = v
	}
	if v := os.Getenv("PW_HTTP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.HTTP.Port = p
		}
	}
}

// Validate rejects configurations the pipeline cannot start with. DSN
// presence is checked at connection time so env-only setups stay simple.
func (c *Config) Validate() error {
	if c.Traffic.TargetProxyRatio < 0 || c.Traffic.TargetProxyRatio > 1 {
		return fmt.Errorf("traffic.target_proxy_ratio must be in [0,1], got %v", c.Traffic.TargetProxyRatio)
	}
	if c.Traffic.Channels <= 0 {
		return fmt.Errorf("traffic.channels must be positive, got %d", c.Traffic.Channels)
	}
	if c.Ingest.BatchSize <= 0 {
		return fmt.Errorf("ingest.batch_size must be positive, got %d", c.Ingest.BatchSize)
	}
	if c.Ledger.AlertThreshold <= 0 {
		return fmt.Errorf("ledger.alert_threshold must be positive, got %v", c.Ledger.AlertThreshold)
	}
	if _, err := ParseClock(c.Ledger.FreezeAfter); err != nil {
		return fmt.Errorf("ledger.freeze_after: %w", err)
	}
	if c.Matching.MinSimilarity < 0 || c.Matching.MinSimilarity > 1 {
		return fmt.Errorf("matching.min_similarity must be in [0,1], got %v", c.Matching.MinSimilarity)
	}
	switch c.Matching.Scorer {
	case "heuristic", "embedding", "hybrid":
	default:
		return fmt.Errorf("matching.scorer must be heuristic, embedding or hybrid, got %q", c.Matching.Scorer)
	}
	if c.Arbitrage.MaxPriceRatio <= 1 {
		return fmt.Errorf("arbitrage.max_price_ratio must exceed 1, got %v", c.Arbitrage.MaxPriceRatio)
	}
	return nil
}

// RetailerList returns the configured retailer list as domain values.
func (c *ScrapingConfig) RetailerList() []domain.Retailer {
	out := make([]domain.Retailer, 0, len(c.Retailers))
	for _, r := range c.Retailers {
		out = append(out, domain.Retailer(r))
	}
	return out
}

// ParseClock parses "HH:MM" into minutes since midnight.
func ParseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock value %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}
