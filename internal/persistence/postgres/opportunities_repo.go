package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/atacama-labs/pricewatch/internal/domain"
	"github.com/atacama-labs/pricewatch/internal/persistence"
)

// opportunitiesRepo implements OpportunitiesRepo for PostgreSQL.
type opportunitiesRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewOpportunitiesRepo creates a new PostgreSQL opportunities repository.
func NewOpportunitiesRepo(db *sqlx.DB, timeout time.Duration) persistence.OpportunitiesRepo {
	return &opportunitiesRepo{db: db, timeout: timeout}
}

// UpsertDaily writes an opportunity keyed per (cheap, expensive, detection
// date). Re-detections on the same day refresh prices and scores instead
// of inserting. The second return reports whether a new row was created.
func (r *opportunitiesRepo) UpsertDaily(ctx context.Context, opp domain.Opportunity) (int64, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	metadataJSON := []byte(`{}`)
	if opp.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(opp.Metadata)
		if err != nil {
			return 0, false, fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	query := `
		INSERT INTO arbitrage_opportunities (
			cheap_code, expensive_code, match_id, buy_retailer, sell_retailer,
			buy_price, sell_price, margin_abs, margin_pct, roi,
			opportunity_score, confidence_score, risk_level, tier,
			detected_at, detected_date, expires_at,
			predicted_duration_hours, optimal_execution_at, alerted, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
		        $11, $12, $13, $14, $15, $16, $17, $18, $19, FALSE, $20)
		ON CONFLICT (cheap_code, expensive_code, detected_date) DO UPDATE SET
			buy_price = EXCLUDED.buy_price,
			sell_price = EXCLUDED.sell_price,
			margin_abs = EXCLUDED.margin_abs,
			margin_pct = EXCLUDED.margin_pct,
			roi = EXCLUDED.roi,
			opportunity_score = EXCLUDED.opportunity_score,
			confidence_score = EXCLUDED.confidence_score,
			risk_level = EXCLUDED.risk_level,
			tier = EXCLUDED.tier,
			expires_at = EXCLUDED.expires_at,
			predicted_duration_hours = EXCLUDED.predicted_duration_hours,
			optimal_execution_at = EXCLUDED.optimal_execution_at,
			metadata = EXCLUDED.metadata
		RETURNING id, (xmax = 0) AS inserted`

	var (
		id       int64
		inserted bool
	)
	err := r.db.QueryRowxContext(ctx, query,
		opp.CheapCode, opp.ExpensiveCode, opp.MatchID, opp.BuyRetailer, opp.SellRetailer,
		opp.BuyPrice, opp.SellPrice, opp.MarginAbs, opp.MarginPct, opp.ROI,
		opp.OpportunityScore, opp.ConfidenceScore, opp.RiskLevel, opp.Tier,
		opp.DetectedAt, opp.DetectedAt.Format("2006-01-02"), opp.ExpiresAt,
		opp.PredictedDurationHours, opp.OptimalExecutionAt, metadataJSON).
		Scan(&id, &inserted)
	if err != nil {
		return 0, false, fmt.Errorf("failed to upsert opportunity: %w", err)
	}
	return id, inserted, nil
}

// ActiveSince lists unexpired opportunities detected since the cutoff,
// best score first. An empty tier matches all tiers.
func (r *opportunitiesRepo) ActiveSince(ctx context.Context, since time.Time, tier domain.Tier, limit int) ([]domain.Opportunity, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, cheap_code, expensive_code, match_id, buy_retailer, sell_retailer,
		       buy_price, sell_price, margin_abs, margin_pct, roi,
		       opportunity_score, confidence_score, risk_level, tier,
		       detected_at, expires_at, predicted_duration_hours,
		       optimal_execution_at, alerted, metadata
		FROM arbitrage_opportunities
		WHERE detected_at >= $1
		  AND expires_at > now()
		  AND ($2 = '' OR tier = $2)
		ORDER BY opportunity_score DESC
		LIMIT $3`

	rows, err := r.db.QueryxContext(ctx, query, since, string(tier), limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query opportunities: %w", err)
	}
	defer rows.Close()

	var opps []domain.Opportunity
	for rows.Next() {
		var (
			opp          domain.Opportunity
			metadataJSON []byte
		)
		err := rows.Scan(
			&opp.ID, &opp.CheapCode, &opp.ExpensiveCode, &opp.MatchID,
			&opp.BuyRetailer, &opp.SellRetailer, &opp.BuyPrice, &opp.SellPrice,
			&opp.MarginAbs, &opp.MarginPct, &opp.ROI,
			&opp.OpportunityScore, &opp.ConfidenceScore, &opp.RiskLevel, &opp.Tier,
			&opp.DetectedAt, &opp.ExpiresAt, &opp.PredictedDurationHours,
			&opp.OptimalExecutionAt, &opp.Alerted, &metadataJSON)
		if err != nil {
			return nil, fmt.Errorf("failed to scan opportunity: %w", err)
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &opp.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
		}
		opps = append(opps, opp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating opportunities: %w", err)
	}
	return opps, nil
}

// MarkAlerted flags an opportunity as already dispatched.
func (r *opportunitiesRepo) MarkAlerted(ctx context.Context, id int64) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx,
		`UPDATE arbitrage_opportunities SET alerted = TRUE WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to mark opportunity alerted: %w", err)
	}
	return nil
}

// PurgeOlderThan deletes opportunities detected before the cutoff. Keeps
// the table bounded; the metrics rollup preserves the aggregates.
func (r *opportunitiesRepo) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx,
		`DELETE FROM arbitrage_opportunities WHERE detected_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge opportunities: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n, nil
}
