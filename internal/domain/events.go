package domain

import "time"

// PriceChangeEvent is emitted by the ledger when a tracked price column
// moves by at least the significance threshold within the same day.
type PriceChangeEvent struct {
	InternalCode string      `json:"internal_code"`
	Retailer     Retailer    `json:"retailer"`
	ProductName  string      `json:"product_name,omitempty"`
	Change       PriceChange `json:"change"`
	At           time.Time   `json:"at"`
}

// OpportunityEvent wraps a freshly detected or refreshed opportunity on its
// way to the alert dispatcher.
type OpportunityEvent struct {
	Opportunity Opportunity `json:"opportunity"`
	Similarity  float64     `json:"similarity"`
	At          time.Time   `json:"at"`
}

// HealthSeverity grades a system-health event.
type HealthSeverity string

const (
	HealthInfo     HealthSeverity = "info"
	HealthWarning  HealthSeverity = "warning"
	HealthCritical HealthSeverity = "critical"
)

// SystemHealthEvent reports a resource or dependency problem observed by
// the health monitor.
type SystemHealthEvent struct {
	Component string         `json:"component"`
	Severity  HealthSeverity `json:"severity"`
	Message   string         `json:"message"`
	CPUPct    float64        `json:"cpu_pct,omitempty"`
	MemPct    float64        `json:"mem_pct,omitempty"`
	At        time.Time      `json:"at"`
}

// CycleEvent summarizes one orchestrator cycle for the live event feed.
type CycleEvent struct {
	CycleID       string        `json:"cycle_id"`
	Retailers     []Retailer    `json:"retailers"`
	Products      int           `json:"products"`
	Accepted      int           `json:"accepted"`
	Rejected      int           `json:"rejected"`
	Opportunities int           `json:"opportunities"`
	Duration      time.Duration `json:"duration"`
	At            time.Time     `json:"at"`
}
