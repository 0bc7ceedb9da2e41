package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/atacama-labs/pricewatch/internal/persistence"
)

// metricsRepo implements MetricsRepo for PostgreSQL.
type metricsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewMetricsRepo creates a new PostgreSQL metrics repository.
func NewMetricsRepo(db *sqlx.DB, timeout time.Duration) persistence.MetricsRepo {
	return &metricsRepo{db: db, timeout: timeout}
}

// RecordHour upserts one hourly rollup row. The collector accumulates in
// memory and writes the whole row, so a conflict overwrites.
func (r *metricsRepo) RecordHour(ctx context.Context, row persistence.HourlyMetrics) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	perf := row.RetailerPerformance
	if perf == nil {
		perf = map[string]persistence.RetailerPerformance{}
	}
	perfJSON, err := json.Marshal(perf)
	if err != nil {
		return fmt.Errorf("failed to marshal retailer performance: %w", err)
	}

	query := `
		INSERT INTO metrics (
			date, hour, opportunities_detected, opportunities_valid,
			total_margin, avg_roi, avg_processing_ms, retailer_performance
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (date, hour) DO UPDATE SET
			opportunities_detected = EXCLUDED.opportunities_detected,
			opportunities_valid = EXCLUDED.opportunities_valid,
			total_margin = EXCLUDED.total_margin,
			avg_roi = EXCLUDED.avg_roi,
			avg_processing_ms = EXCLUDED.avg_processing_ms,
			retailer_performance = EXCLUDED.retailer_performance`

	_, err = r.db.ExecContext(ctx, query,
		row.Date, row.Hour,
		row.OpportunitiesDetected, row.OpportunitiesValid,
		row.TotalMargin, row.AvgROI, row.AvgProcessingMS, perfJSON)
	if err != nil {
		return fmt.Errorf("failed to record metrics for %s hour %d: %w", row.Date, row.Hour, err)
	}
	return nil
}

// GetRange returns rollup rows with date in [from, to], oldest first.
func (r *metricsRepo) GetRange(ctx context.Context, from, to time.Time) ([]persistence.HourlyMetrics, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT to_char(date, 'YYYY-MM-DD') AS date, hour,
		       opportunities_detected, opportunities_valid,
		       total_margin, avg_roi, avg_processing_ms, retailer_performance
		FROM metrics
		WHERE date >= $1::date AND date <= $2::date
		ORDER BY date, hour`

	rows, err := r.db.QueryContext(ctx, query,
		from.Format("2006-01-02"), to.Format("2006-01-02"))
	if err != nil {
		return nil, fmt.Errorf("failed to query metrics range: %w", err)
	}
	defer rows.Close()

	var out []persistence.HourlyMetrics
	for rows.Next() {
		var m persistence.HourlyMetrics
		var perfJSON []byte
		err := rows.Scan(&m.Date, &m.Hour,
			&m.OpportunitiesDetected, &m.OpportunitiesValid,
			&m.TotalMargin, &m.AvgROI, &m.AvgProcessingMS, &perfJSON)
		if err != nil {
			return nil, fmt.Errorf("failed to scan metrics row: %w", err)
		}
		if len(perfJSON) > 0 {
			if err := json.Unmarshal(perfJSON, &m.RetailerPerformance); err != nil {
				return nil, fmt.Errorf("failed to unmarshal retailer performance: %w", err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
