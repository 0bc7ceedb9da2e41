package domain

import "time"

// VolatilityProfile is the rolling per-product change profile kept in the
// KV store with a bounded lifetime. It feeds opportunity risk scoring and
// the recommended re-check cadence.
type VolatilityProfile struct {
	InternalCode string `json:"internal_code"`

	Changes24h int     `json:"changes_24h"`
	Changes7d  int     `json:"changes_7d"`
	AvgChange  float64 `json:"avg_change_pct"`    // mean |change| in percent
	StdDev     float64 `json:"stddev_change_pct"` // dispersion of change pcts

	PeakHours       []int   `json:"peak_hours"` // local hours with most changes
	NextChangeProb  float64 `json:"next_change_prob"`
	RecommendedFreq int     `json:"recommended_check_minutes"`

	SampleSize int       `json:"sample_size"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// RiskScore maps the profile onto [0,1] where 1 is maximally volatile.
// Products with no profile score a neutral 0.5.
func (v *VolatilityProfile) RiskScore() float64 {
	if v == nil || v.SampleSize == 0 {
		return 0.5
	}
	score := float64(v.Changes24h)/10.0 + v.AvgChange/20.0
	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
}
