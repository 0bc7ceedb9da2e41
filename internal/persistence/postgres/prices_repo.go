package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/atacama-labs/pricewatch/internal/domain"
	"github.com/atacama-labs/pricewatch/internal/persistence"
)

// pricesRepo implements PricesRepo for PostgreSQL. Writes go through the
// products repo batch path; this side only reads.
type pricesRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPricesRepo creates a new PostgreSQL prices repository.
func NewPricesRepo(db *sqlx.DB, timeout time.Duration) persistence.PricesRepo {
	return &pricesRepo{db: db, timeout: timeout}
}

// The DATE column is rendered as text so the ledger-day string survives the
// round trip unchanged.
const priceColumns = `
	internal_code, to_char(date, 'YYYY-MM-DD') AS date, retailer,
	price_list, price_offer, price_card, price_min, created_at, updated_at`

// LatestByCode returns the most recent ledger row for one product, nil
// when the product has no prices yet.
func (r *pricesRepo) LatestByCode(ctx context.Context, code string) (*domain.PriceRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT` + priceColumns + `
		FROM prices
		WHERE internal_code = $1
		ORDER BY date DESC
		LIMIT 1`

	var rec domain.PriceRecord
	if err := r.db.GetContext(ctx, &rec, query, code); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest price: %w", err)
	}
	return &rec, nil
}

// LatestForCodes returns the most recent row per product in one round
// trip. Codes without prices are simply absent from the map.
func (r *pricesRepo) LatestForCodes(ctx context.Context, codes []string) (map[string]domain.PriceRecord, error) {
	if len(codes) == 0 {
		return map[string]domain.PriceRecord{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT DISTINCT ON (internal_code)` + priceColumns + `
		FROM prices
		WHERE internal_code = ANY($1)
		ORDER BY internal_code, date DESC`

	var rows []domain.PriceRecord
	if err := r.db.SelectContext(ctx, &rows, query, pq.Array(codes)); err != nil {
		return nil, fmt.Errorf("failed to query latest prices: %w", err)
	}

	latest := make(map[string]domain.PriceRecord, len(rows))
	for _, rec := range rows {
		latest[rec.InternalCode] = rec
	}
	return latest, nil
}

// History returns up to the last N days of rows for one product, most
// recent first.
func (r *pricesRepo) History(ctx context.Context, code string, days int) ([]domain.PriceRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT` + priceColumns + `
		FROM prices
		WHERE internal_code = $1 AND date >= CURRENT_DATE - $2::int
		ORDER BY date DESC`

	var rows []domain.PriceRecord
	if err := r.db.SelectContext(ctx, &rows, query, code, days); err != nil {
		return nil, fmt.Errorf("failed to query price history: %w", err)
	}
	return rows, nil
}
