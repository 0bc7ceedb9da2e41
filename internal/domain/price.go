package domain

import "time"

// PriceKind names one of the three tracked price columns.
type PriceKind string

const (
	PriceList  PriceKind = "list"
	PriceOffer PriceKind = "offer"
	PriceCard  PriceKind = "card"
)

// PriceRecord is one row of the daily ledger. Nil price pointers mean the
// retailer did not publish that price kind for the day. Canonicalization at
// write time guarantees offer <= list whenever both are set and that
// PriceMin equals the minimum of the set prices.
type PriceRecord struct {
	InternalCode string   `json:"internal_code" db:"internal_code"`
	Date         string   `json:"date" db:"date"` // YYYY-MM-DD, local calendar day
	Retailer     Retailer `json:"retailer" db:"retailer"`

	PriceList  *float64 `json:"price_list" db:"price_list"`
	PriceOffer *float64 `json:"price_offer" db:"price_offer"`
	PriceCard  *float64 `json:"price_card" db:"price_card"`
	PriceMin   float64  `json:"price_min" db:"price_min"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Best returns the effective purchase price for the day.
func (p *PriceRecord) Best() float64 { return p.PriceMin }

// PriceChange describes one column moving between two writes of the same
// ledger day.
type PriceChange struct {
	Kind     PriceKind `json:"kind"`
	OldPrice float64   `json:"old_price"`
	NewPrice float64   `json:"new_price"`
	Pct      float64   `json:"pct"` // signed, -5.6 means a 5.6% drop
}
