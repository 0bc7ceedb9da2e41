package domain

import "time"

// RiskLevel buckets the combined volatility and confidence risk of acting
// on an opportunity.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskVeryHigh RiskLevel = "very_high"
)

// Tier drives scheduling frequency and alert prominence.
type Tier string

const (
	TierCritical  Tier = "critical"
	TierImportant Tier = "important"
	TierTracking  Tier = "tracking"
)

// Opportunity is a directed buy-low/sell-high candidate derived from an
// active match plus the most recent ledger prices of both sides.
type Opportunity struct {
	ID            int64  `json:"id" db:"id"`
	CheapCode     string `json:"cheap_code" db:"cheap_code"`
	ExpensiveCode string `json:"expensive_code" db:"expensive_code"`
	MatchID       int64  `json:"match_id" db:"match_id"`

	BuyRetailer  Retailer `json:"buy_retailer" db:"buy_retailer"`
	SellRetailer Retailer `json:"sell_retailer" db:"sell_retailer"`
	BuyPrice     float64  `json:"buy_price" db:"buy_price"`
	SellPrice    float64  `json:"sell_price" db:"sell_price"`

	MarginAbs float64 `json:"margin_abs" db:"margin_abs"`
	MarginPct float64 `json:"margin_pct" db:"margin_pct"`
	ROI       float64 `json:"roi" db:"roi"`

	OpportunityScore float64   `json:"opportunity_score" db:"opportunity_score"`
	ConfidenceScore  float64   `json:"confidence_score" db:"confidence_score"`
	RiskLevel        RiskLevel `json:"risk_level" db:"risk_level"`
	Tier             Tier      `json:"tier" db:"tier"`

	DetectedAt             time.Time `json:"detected_at" db:"detected_at"`
	ExpiresAt              time.Time `json:"expires_at" db:"expires_at"`
	PredictedDurationHours float64   `json:"predicted_duration_hours" db:"predicted_duration_hours"`
	OptimalExecutionAt     time.Time `json:"optimal_execution_at" db:"optimal_execution_at"`

	Alerted  bool           `json:"alerted" db:"alerted"`
	Metadata map[string]any `json:"metadata,omitempty" db:"-"`
}
