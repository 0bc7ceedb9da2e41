package domain

import "time"

// Confidence buckets a similarity score for human consumption.
type Confidence string

const (
	ConfidenceVeryLow  Confidence = "very_low"
	ConfidenceLow      Confidence = "low"
	ConfidenceMedium   Confidence = "medium"
	ConfidenceHigh     Confidence = "high"
	ConfidenceVeryHigh Confidence = "very_high"
)

// MatchType classifies how close two listings are.
type MatchType string

const (
	MatchExact    MatchType = "exact"
	MatchSimilar  MatchType = "similar"
	MatchVariant  MatchType = "variant"
	MatchCategory MatchType = "category"
)

// Match is a persisted cross-retailer pairing. CodeA sorts strictly before
// CodeB so the pair key is canonical regardless of comparison order.
type Match struct {
	ID              int64              `json:"id" db:"id"`
	CodeA           string             `json:"code_a" db:"code_a"`
	CodeB           string             `json:"code_b" db:"code_b"`
	SimilarityScore float64            `json:"similarity_score" db:"similarity_score"`
	MatchType       MatchType          `json:"match_type" db:"match_type"`
	Confidence      Confidence         `json:"confidence" db:"confidence"`
	Features        map[string]float64 `json:"features" db:"-"`
	MLVersion       string             `json:"ml_version" db:"ml_version"`
	Active          bool               `json:"active" db:"active"`
	CreatedAt       time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at" db:"updated_at"`
}

// OrderedPair returns the two codes in canonical order.
func OrderedPair(a, b string) (string, string) {
	if a <= b {
		return a, b
	}
	return b, a
}
