package config

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/atacama-labs/pricewatch/internal/domain"
)

// Recognized config table keys. Unknown keys are ignored with a debug log
// so operators can stage settings ahead of a deploy.
const (
	KeyMinMarginCLP       = "min_margin_clp"
	KeyMinPercentage      = "min_percentage"
	KeyMinSimilarity      = "min_similarity_score"
	KeyMaxPriceRatio      = "max_price_ratio"
	KeyAlertHighValue     = "alert_high_value_threshold"
	KeyAlertHighROI       = "alert_high_roi_threshold"
	KeyCriticalFrequency  = "critical_tier_frequency"
	KeyImportantFrequency = "important_tier_frequency"
	KeyTrackingFrequency  = "tracking_tier_frequency"
	KeyEnableAutoAlerts   = "enable_auto_alerts"
	KeyEnableEmojiAlerts  = "enable_emoji_alerts"
	KeyRetailersEnabled   = "retailers_enabled"
	KeyBatchSize          = "batch_size"
	KeyTargetProxyRatio   = "target_proxy_ratio"
	KeyRequestsPerChannel = "requests_per_channel"
)

// Snapshot is an immutable view of the runtime-tunable settings. Components
// take a snapshot per cycle rather than reading live values mid-flight.
type Snapshot struct {
	MinMarginCLP   float64
	MinPercentage  float64
	MinSimilarity  float64
	MaxPriceRatio  float64
	AlertHighValue float64
	AlertHighROI   float64

	CriticalFrequency  time.Duration
	ImportantFrequency time.Duration
	TrackingFrequency  time.Duration

	EnableAutoAlerts  bool
	EnableEmojiAlerts bool

	RetailersEnabled []string

	BatchSize          int
	TargetProxyRatio   float64
	RequestsPerChannel int
}

// RetailerEnabled reports whether a retailer participates in scraping and
// detection. An empty list enables everything.
func (s *Snapshot) RetailerEnabled(r domain.Retailer) bool {
	if len(s.RetailersEnabled) == 0 {
		return true
	}
	for _, name := range s.RetailersEnabled {
		if domain.Retailer(name) == r {
			return true
		}
	}
	return false
}

// Settings holds the current snapshot and applies config table reloads.
type Settings struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewSettings seeds the runtime settings from the file configuration.
func NewSettings(cfg *Config) *Settings {
	return &Settings{snap: Snapshot{
		MinMarginCLP:       cfg.Arbitrage.MinMarginCLP,
		MinPercentage:      cfg.Arbitrage.MinPercentage,
		MinSimilarity:      cfg.Matching.MinSimilarity,
		MaxPriceRatio:      cfg.Arbitrage.MaxPriceRatio,
		AlertHighValue:     cfg.Alerts.HighValueThreshold,
		AlertHighROI:       cfg.Alerts.HighROIThreshold,
		CriticalFrequency:  cfg.Scheduler.CriticalFrequency,
		ImportantFrequency: cfg.Scheduler.ImportantFrequency,
		TrackingFrequency:  cfg.Scheduler.TrackingFrequency,
		EnableAutoAlerts:   cfg.Alerts.EnableAuto,
		EnableEmojiAlerts:  cfg.Alerts.EnableEmoji,
		RetailersEnabled:   append([]string(nil), cfg.Arbitrage.EnabledRetailers...),
		BatchSize:          cfg.Ingest.BatchSize,
		TargetProxyRatio:   cfg.Traffic.TargetProxyRatio,
		RequestsPerChannel: cfg.Traffic.RequestsPerChannel,
	}}
}

// Snapshot returns a copy of the current settings.
func (s *Settings) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := s.snap
	snap.RetailersEnabled = append([]string(nil), s.snap.RetailersEnabled...)
	return snap
}

// Apply overlays active config table rows onto the current snapshot.
// Invalid values keep the previous setting and are logged.
func (s *Settings) Apply(entries []domain.ConfigEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		if !e.Active {
			continue
		}
		if err := s.applyEntry(e); err != nil {
			log.Warn().Err(err).Str("key", e.Key).Str("value", e.Value).
				Msg("ignoring invalid config table entry")
		}
	}
}

func (s *Settings) applyEntry(e domain.ConfigEntry) error {
	switch e.Key {
	case KeyMinMarginCLP:
		return parseFloat(e.Value, &s.snap.MinMarginCLP)
	case KeyMinPercentage:
		return parseFloat(e.Value, &s.snap.MinPercentage)
	case KeyMinSimilarity:
		return parseFloat(e.Value, &s.snap.MinSimilarity)
	case KeyMaxPriceRatio:
		return parseFloat(e.Value, &s.snap.MaxPriceRatio)
	case KeyAlertHighValue:
		return parseFloat(e.Value, &s.snap.AlertHighValue)
	case KeyAlertHighROI:
		return parseFloat(e.Value, &s.snap.AlertHighROI)
	case KeyCriticalFrequency:
		return parseMinutes(e.Value, &s.snap.CriticalFrequency)
	case KeyImportantFrequency:
		return parseMinutes(e.Value, &s.snap.ImportantFrequency)
	case KeyTrackingFrequency:
		return parseMinutes(e.Value, &s.snap.TrackingFrequency)
	case KeyEnableAutoAlerts:
		return parseBool(e.Value, &s.snap.EnableAutoAlerts)
	case KeyEnableEmojiAlerts:
		return parseBool(e.Value, &s.snap.EnableEmojiAlerts)
	case KeyRetailersEnabled:
		return parseStringList(e, &s.snap.RetailersEnabled)
	case KeyBatchSize:
		return parseInt(e.Value, &s.snap.BatchSize)
	case KeyTargetProxyRatio:
		return parseFloat(e.Value, &s.snap.TargetProxyRatio)
	case KeyRequestsPerChannel:
		return parseInt(e.Value, &s.snap.RequestsPerChannel)
	default:
		log.Debug().Str("key", e.Key).Msg("unrecognized config table key")
		return nil
	}
}

func parseFloat(v string, dst *float64) error {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return err
	}
	*dst = f
	return nil
}

func parseInt(v string, dst *int) error {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func parseBool(v string, dst *bool) error {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return err
	}
	*dst = b
	return nil
}

func parseMinutes(v string, dst *time.Duration) error {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return err
	}
	*dst = time.Duration(f * float64(time.Minute))
	return nil
}

// parseStringList accepts either a JSON array or a comma-separated list.
func parseStringList(e domain.ConfigEntry, dst *[]string) error {
	value := strings.TrimSpace(e.Value)
	if e.Type == "json" || strings.HasPrefix(value, "[") {
		var list []string
		if err := json.Unmarshal([]byte(value), &list); err != nil {
			return err
		}
		*dst = list
		return nil
	}
	parts := strings.Split(value, ",")
	list := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			list = append(list, trimmed)
		}
	}
	*dst = list
	return nil
}
