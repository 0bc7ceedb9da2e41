// Package persistence defines the repository interfaces over the relational
// store. Implementations live in subpackages; the rest of the system only
// sees these interfaces so tests can swap in fakes.
package persistence

import (
	"context"
	"time"

	"github.com/atacama-labs/pricewatch/internal/domain"
)

// ProductSeen carries the mutable fields refreshed when a known product is
// observed again.
type ProductSeen struct {
	InternalCode string
	LastSeen     time.Time
	Rating       float64
	ReviewsCount int
}

// BatchApply is one processor flush: pre-classified inserts and updates
// plus the day's price rows, applied in a single transaction.
type BatchApply struct {
	Inserts []domain.Product
	Updates []ProductSeen
	Prices  []domain.PriceRecord
}

// BatchResult reports what a flush actually wrote. Changes holds every
// price column that moved on an updated row; significance filtering is the
// ledger's business, not the repository's.
type BatchResult struct {
	Inserted      int
	Updated       int
	PricesWritten int
	Changes       []domain.PriceChangeEvent
}

// ProductsRepo owns the products master table. ApplyBatch also writes the
// daily price rows because a flush is atomic across both tables. Listing
// methods here and on the other repos treat a non-positive limit as no cap.
type ProductsRepo interface {
	ExistingCodes(ctx context.Context, codes []string) (map[string]bool, error)
	ApplyBatch(ctx context.Context, batch BatchApply) (*BatchResult, error)
	GetByCode(ctx context.Context, code string) (*domain.Product, error)
	ActiveByRetailer(ctx context.Context, retailer domain.Retailer, limit int) ([]domain.Product, error)
	RecentlySeen(ctx context.Context, since time.Time, limit int) ([]domain.Product, error)
	DeactivateUnseen(ctx context.Context, cutoff time.Time) (int64, error)
}

// PricesRepo reads the daily ledger.
type PricesRepo interface {
	LatestByCode(ctx context.Context, code string) (*domain.PriceRecord, error)
	LatestForCodes(ctx context.Context, codes []string) (map[string]domain.PriceRecord, error)
	History(ctx context.Context, code string, days int) ([]domain.PriceRecord, error)
}

// MatchesRepo owns cross-retailer pairings.
type MatchesRepo interface {
	Upsert(ctx context.Context, m domain.Match) (int64, error)
	GetPair(ctx context.Context, codeA, codeB string) (*domain.Match, error)
	ActiveAbove(ctx context.Context, minScore float64, limit int) ([]domain.Match, error)
	DeactivateStale(ctx context.Context, cutoff time.Time) (int64, error)
}

// OpportunitiesRepo owns detected arbitrage candidates. UpsertDaily keys on
// (cheap_code, expensive_code, detection date) so re-detections refresh the
// existing row instead of duplicating it.
type OpportunitiesRepo interface {
	UpsertDaily(ctx context.Context, opp domain.Opportunity) (int64, bool, error)
	ActiveSince(ctx context.Context, since time.Time, tier domain.Tier, limit int) ([]domain.Opportunity, error)
	MarkAlerted(ctx context.Context, id int64) error
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// ConfigRepo reads and writes the runtime config table.
type ConfigRepo interface {
	GetAll(ctx context.Context) ([]domain.ConfigEntry, error)
	Set(ctx context.Context, entry domain.ConfigEntry) error
}

// RetailerPerformance is the per-retailer slice of an hourly metrics row.
type RetailerPerformance struct {
	Products   int     `json:"products"`
	Accepted   int     `json:"accepted"`
	Rejected   int     `json:"rejected"`
	DurationMS float64 `json:"duration_ms"`
	Success    bool    `json:"success"`
}

// HourlyMetrics is one row of the metrics table, unique per (date, hour).
type HourlyMetrics struct {
	Date                  string                         `json:"date"`
	Hour                  int                            `json:"hour"`
	OpportunitiesDetected int                            `json:"opportunities_detected"`
	OpportunitiesValid    int                            `json:"opportunities_valid"`
	TotalMargin           float64                        `json:"total_margin"`
	AvgROI                float64                        `json:"avg_roi"`
	AvgProcessingMS       float64                        `json:"avg_processing_ms"`
	RetailerPerformance   map[string]RetailerPerformance `json:"retailer_performance"`
}

// MetricsRepo owns the hourly metrics rollup.
type MetricsRepo interface {
	RecordHour(ctx context.Context, row HourlyMetrics) error
	GetRange(ctx context.Context, from, to time.Time) ([]HourlyMetrics, error)
}

// TasksRepo persists scheduler task state so cadence survives restarts.
type TasksRepo interface {
	All(ctx context.Context) ([]domain.Task, error)
	Save(ctx context.Context, task domain.Task) error
}

// Repository aggregates all repos for dependency injection.
type Repository struct {
	Products      ProductsRepo
	Prices        PricesRepo
	Matches       MatchesRepo
	Opportunities OpportunitiesRepo
	Config        ConfigRepo
	Metrics       MetricsRepo
	Tasks         TasksRepo
}

// HealthStatus is a point-in-time dependency check result.
type HealthStatus struct {
	Healthy   bool          `json:"healthy"`
	Latency   time.Duration `json:"latency"`
	Error     string        `json:"error,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
}

// RepositoryHealth checks the backing store.
type RepositoryHealth interface {
	Check(ctx context.Context) HealthStatus
}
