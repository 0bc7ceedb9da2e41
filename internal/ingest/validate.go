package ingest

import (
	"strings"
	"unicode/utf8"

	"github.com/atacama-labs/pricewatch/internal/domain"
)

// RejectReason names why a scraped record never reached the batch.
type RejectReason string

const (
	RejectNameEmpty    RejectReason = "name_empty"
	RejectNameJunk     RejectReason = "name_junk"
	RejectNameShort    RejectReason = "name_short"
	RejectJunkToken    RejectReason = "junk_token"
	RejectPriceJunk    RejectReason = "price_junk"
	RejectPriceInvalid RejectReason = "price_invalid"
)

// junkValues are placeholder strings retailers render while a listing is
// broken or loading. Matched exactly, case-insensitive, on names and on
// raw price text.
var junkValues = map[string]bool{
	"N/A":  true,
	"NA":   true,
	"NULL": true,
	"NONE": true,
}

// junkTokens flag half-rendered listings when found anywhere in the name.
var junkTokens = []string{
	"error",
	"undefined",
	"null",
	"empty",
	"producto sin nombre",
	"sin título",
	"loading",
	"cargando",
}

const minNameLength = 3

// Validate runs the anti-junk rules in order and returns the first
// violation. The second return is true when the record is ingestible.
func Validate(raw domain.RawProduct) (RejectReason, bool) {
	name := strings.TrimSpace(raw.Name)
	if name == "" {
		return RejectNameEmpty, false
	}
	if junkValues[strings.ToUpper(name)] {
		return RejectNameJunk, false
	}
	if utf8.RuneCountInString(name) < minNameLength {
		return RejectNameShort, false
	}

	lower := strings.ToLower(name)
	for _, token := range junkTokens {
		if strings.Contains(lower, token) {
			return RejectJunkToken, false
		}
	}

	if price := strings.TrimSpace(raw.PriceText); price != "" && junkValues[strings.ToUpper(price)] {
		return RejectPriceJunk, false
	}
	if raw.OriginalPrice < 0 || raw.CurrentPrice < 0 || raw.CardPrice < 0 {
		return RejectPriceInvalid, false
	}

	return "", true
}
