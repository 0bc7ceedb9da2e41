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

// productsRepo implements ProductsRepo for PostgreSQL.
type productsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewProductsRepo creates a new PostgreSQL products repository.
func NewProductsRepo(db *sqlx.DB, timeout time.Duration) persistence.ProductsRepo {
	return &productsRepo{db: db, timeout: timeout}
}

// ExistingCodes returns which of the given internal codes already have a
// products row.
func (r *productsRepo) ExistingCodes(ctx context.Context, codes []string) (map[string]bool, error) {
	if len(codes) == 0 {
		return map[string]bool{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT internal_code FROM products WHERE internal_code = ANY($1)`

	rows, err := r.db.QueryxContext(ctx, query, pq.Array(codes))
	if err != nil {
		return nil, fmt.Errorf("failed to query existing codes: %w", err)
	}
	defer rows.Close()

	existing := make(map[string]bool, len(codes))
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, fmt.Errorf("failed to scan code: %w", err)
		}
		existing[code] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating codes: %w", err)
	}
	return existing, nil
}

// ApplyBatch writes one processor flush atomically: new products, last-seen
// refreshes and the day's price rows. Price updates report every column
// that moved so the ledger can judge significance.
func (r *productsRepo) ApplyBatch(ctx context.Context, batch persistence.BatchApply) (*persistence.BatchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout*time.Duration(len(batch.Prices)/100+1))
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result := &persistence.BatchResult{}

	if err := r.insertProducts(ctx, tx, batch.Inserts, result); err != nil {
		return nil, err
	}
	if err := r.updateSeen(ctx, tx, batch.Updates, result); err != nil {
		return nil, err
	}
	if err := r.upsertPrices(ctx, tx, batch.Prices, result); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit batch: %w", err)
	}
	return result, nil
}

func (r *productsRepo) insertProducts(ctx context.Context, tx *sqlx.Tx, products []domain.Product, result *persistence.BatchResult) error {
	if len(products) == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO products (
			internal_code, external_sku, link, name, brand, category, retailer,
			storage, ram, color, rating, reviews_count, first_seen, last_seen, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, TRUE)
		ON CONFLICT (internal_code) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("failed to prepare product insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range products {
		res, err := stmt.ExecContext(ctx,
			p.InternalCode, p.ExternalSKU, p.Link, p.Name, p.Brand, p.Category,
			p.Retailer, p.Storage, p.RAM, p.Color, p.Rating, p.ReviewsCount,
			p.FirstSeen, p.LastSeen)
		if err != nil {
			return fmt.Errorf("failed to insert product %s: %w", p.InternalCode, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			result.Inserted += int(n)
		}
	}
	return nil
}

func (r *productsRepo) updateSeen(ctx context.Context, tx *sqlx.Tx, updates []persistence.ProductSeen, result *persistence.BatchResult) error {
	if len(updates) == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE products
		SET last_seen = $2, rating = $3, reviews_count = $4, active = TRUE
		WHERE internal_code = $1`)
	if err != nil {
		return fmt.Errorf("failed to prepare seen update: %w", err)
	}
	defer stmt.Close()

	for _, u := range updates {
		if _, err := stmt.ExecContext(ctx, u.InternalCode, u.LastSeen, u.Rating, u.ReviewsCount); err != nil {
			return fmt.Errorf("failed to update product %s: %w", u.InternalCode, err)
		}
		result.Updated++
	}
	return nil
}

// upsertPrices locks the existing day row when present, diffs the three
// price columns and then writes. Insert races with other processes resolve
// through the conflict clause.
func (r *productsRepo) upsertPrices(ctx context.Context, tx *sqlx.Tx, prices []domain.PriceRecord, result *persistence.BatchResult) error {
	for _, rec := range prices {
		var (
			oldList, oldOffer, oldCard *float64
			name                       string
		)
		err := tx.QueryRowxContext(ctx, `
			SELECT pr.price_list, pr.price_offer, pr.price_card, p.name
			FROM prices pr
			JOIN products p ON p.internal_code = pr.internal_code
			WHERE pr.internal_code = $1 AND pr.date = $2
			FOR UPDATE OF pr`,
			rec.InternalCode, rec.Date).Scan(&oldList, &oldOffer, &oldCard, &name)

		switch {
		case err == sql.ErrNoRows:
			_, err = tx.ExecContext(ctx, `
				INSERT INTO prices (internal_code, date, retailer, price_list, price_offer, price_card, price_min)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT (internal_code, date) DO UPDATE SET
					price_list = EXCLUDED.price_list,
					price_offer = EXCLUDED.price_offer,
					price_card = EXCLUDED.price_card,
					price_min = EXCLUDED.price_min,
					updated_at = now()`,
				rec.InternalCode, rec.Date, rec.Retailer,
				rec.PriceList, rec.PriceOffer, rec.PriceCard, rec.PriceMin)
			if err != nil {
				return fmt.Errorf("failed to insert price for %s: %w", rec.InternalCode, err)
			}

		case err != nil:
			return fmt.Errorf("failed to read existing price for %s: %w", rec.InternalCode, err)

		default:
			result.Changes = append(result.Changes,
				diffPrices(rec, name, oldList, oldOffer, oldCard)...)
			_, err = tx.ExecContext(ctx, `
				UPDATE prices
				SET price_list = $3, price_offer = $4, price_card = $5, price_min = $6, updated_at = now()
				WHERE internal_code = $1 AND date = $2`,
				rec.InternalCode, rec.Date,
				rec.PriceList, rec.PriceOffer, rec.PriceCard, rec.PriceMin)
			if err != nil {
				return fmt.Errorf("failed to update price for %s: %w", rec.InternalCode, err)
			}
		}
		result.PricesWritten++
	}
	return nil
}

// diffPrices emits one event per column that moved between two writes of
// the same day. Columns appearing or disappearing carry no percentage base
// and are not treated as changes.
func diffPrices(rec domain.PriceRecord, name string, oldList, oldOffer, oldCard *float64) []domain.PriceChangeEvent {
	var events []domain.PriceChangeEvent
	now := time.Now()

	add := func(kind domain.PriceKind, oldV, newV *float64) {
		if oldV == nil || newV == nil || *oldV == 0 || *oldV == *newV {
			return
		}
		events = append(events, domain.PriceChangeEvent{
			InternalCode: rec.InternalCode,
			Retailer:     rec.Retailer,
			ProductName:  name,
			Change: domain.PriceChange{
				Kind:     kind,
				OldPrice: *oldV,
				NewPrice: *newV,
				Pct:      (*newV - *oldV) / *oldV * 100,
			},
			At: now,
		})
	}

	add(domain.PriceList, oldList, rec.PriceList)
	add(domain.PriceOffer, oldOffer, rec.PriceOffer)
	add(domain.PriceCard, oldCard, rec.PriceCard)
	return events
}

// GetByCode returns one product or nil when absent.
func (r *productsRepo) GetByCode(ctx context.Context, code string) (*domain.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT internal_code, external_sku, link, name, brand, category, retailer,
		       storage, ram, color, rating, reviews_count, first_seen, last_seen, active
		FROM products
		WHERE internal_code = $1`

	var p domain.Product
	if err := r.db.GetContext(ctx, &p, query, code); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get product by code: %w", err)
	}
	return &p, nil
}

// ActiveByRetailer lists active products for one retailer, most recently
// seen first.
func (r *productsRepo) ActiveByRetailer(ctx context.Context, retailer domain.Retailer, limit int) ([]domain.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT internal_code, external_sku, link, name, brand, category, retailer,
		       storage, ram, color, rating, reviews_count, first_seen, last_seen, active
		FROM products
		WHERE retailer = $1 AND active
		ORDER BY last_seen DESC
		LIMIT $2`

	var products []domain.Product
	if err := r.db.SelectContext(ctx, &products, query, retailer, limitArg(limit)); err != nil {
		return nil, fmt.Errorf("failed to query products by retailer: %w", err)
	}
	return products, nil
}

// RecentlySeen lists active products observed since the cutoff, across all
// retailers. The matching pass works off this set.
func (r *productsRepo) RecentlySeen(ctx context.Context, since time.Time, limit int) ([]domain.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT internal_code, external_sku, link, name, brand, category, retailer,
		       storage, ram, color, rating, reviews_count, first_seen, last_seen, active
		FROM products
		WHERE active AND last_seen >= $1
		ORDER BY last_seen DESC
		LIMIT $2`

	var products []domain.Product
	if err := r.db.SelectContext(ctx, &products, query, since, limitArg(limit)); err != nil {
		return nil, fmt.Errorf("failed to query recently seen products: %w", err)
	}
	return products, nil
}

// DeactivateUnseen marks products not observed since the cutoff inactive.
func (r *productsRepo) DeactivateUnseen(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx,
		`UPDATE products SET active = FALSE WHERE active AND last_seen < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate unseen products: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n, nil
}
