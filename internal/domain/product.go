package domain

import "time"

// Retailer identifies one configured upstream e-commerce source.
type Retailer string

const (
	RetailerFalabella Retailer = "falabella"
	RetailerRipley    Retailer = "ripley"
	RetailerParis     Retailer = "paris"
	RetailerLaPolar   Retailer = "lapolar"
	RetailerHites     Retailer = "hites"
	RetailerAbcdin    Retailer = "abcdin"
	RetailerSodimac   Retailer = "sodimac"
	RetailerEasy      Retailer = "easy"
)

func (r Retailer) String() string { return string(r) }

// KnownRetailers lists the retailers the pipeline ships support for.
func KnownRetailers() []Retailer {
	return []Retailer{
		RetailerFalabella, RetailerRipley, RetailerParis, RetailerLaPolar,
		RetailerHites, RetailerAbcdin, RetailerSodimac, RetailerEasy,
	}
}

// RawProduct is a single record emitted by a retailer worker before
// validation and SKU assignment. Price fields keep both the raw text and
// the parsed value because junk detection runs on the text.
type RawProduct struct {
	Retailer    Retailer `json:"retailer"`
	Category    string   `json:"category"`
	Name        string   `json:"name"`
	Brand       string   `json:"brand"`
	ExternalSKU string   `json:"external_sku"`
	Link        string   `json:"link"`

	PriceText     string  `json:"price_text"`
	OriginalPrice float64 `json:"original_price"` // 0 = absent
	CurrentPrice  float64 `json:"current_price"`  // 0 = absent
	CardPrice     float64 `json:"card_price"`     // 0 = absent

	// Technical specs as extracted; empty when the listing lacks them.
	Storage string `json:"storage"`
	RAM     string `json:"ram"`
	Screen  string `json:"screen"`
	Camera  string `json:"camera"`
	Color   string `json:"color"`

	Rating       float64 `json:"rating"`
	ReviewsCount int     `json:"reviews_count"`

	// Optional coarse tags produced by upstream enrichment. Absence only
	// affects ranking, never correctness.
	CoarseCategory string `json:"coarse_category,omitempty"`
	CoarseTier     string `json:"coarse_tier,omitempty"`
}

// Product is the master record keyed by the stable 10-character internal
// code. Once assigned the code never changes for the same listing.
type Product struct {
	InternalCode string   `json:"internal_code" db:"internal_code"`
	ExternalSKU  string   `json:"external_sku" db:"external_sku"`
	Link         string   `json:"link" db:"link"`
	Name         string   `json:"name" db:"name"`
	Brand        string   `json:"brand" db:"brand"`
	Category     string   `json:"category" db:"category"`
	Retailer     Retailer `json:"retailer" db:"retailer"`

	Storage string `json:"storage" db:"storage"`
	RAM     string `json:"ram" db:"ram"`
	Color   string `json:"color" db:"color"`

	Rating       float64 `json:"rating" db:"rating"`
	ReviewsCount int     `json:"reviews_count" db:"reviews_count"`

	FirstSeen time.Time `json:"first_seen" db:"first_seen"`
	LastSeen  time.Time `json:"last_seen" db:"last_seen"`
	Active    bool      `json:"active" db:"active"`
}
