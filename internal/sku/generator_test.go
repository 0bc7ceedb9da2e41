package sku

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atacama-labs/pricewatch/internal/domain"
)

func TestGenerate_FormatAndDeterminism(t *testing.T) {
	gen := NewGenerator(0)

	in := Input{
		Retailer:    domain.RetailerFalabella,
		ExternalSKU: "IPHONE15PRO",
		Link:        "https://falabella.com/product/iphone-15-pro?utm_source=x",
		Name:        "iPhone 15 Pro 256GB Negro",
	}

	code := gen.Generate(in)
	require.Len(t, code, 10, "internal code must be exactly 10 characters")
	assert.Regexp(t, regexp.MustCompile(`^FAL[0-9A-F]{7}$`), code)

	// Same listing without the tracking parameter hashes identically.
	clean := in
	clean.Link = "https://falabella.com/product/iphone-15-pro"
	assert.Equal(t, code, gen.Generate(clean), "utm params must not affect the code")

	// A fresh generator (new process) reproduces the same code.
	assert.Equal(t, code, NewGenerator(0).Generate(in), "codes must be stable across runs")
}

func TestGenerate_DistinctInputsDistinctCodes(t *testing.T) {
	gen := NewGenerator(0)

	a := gen.Generate(Input{Retailer: domain.RetailerRipley, ExternalSKU: "SKU-A", Name: "Galaxy S24"})
	b := gen.Generate(Input{Retailer: domain.RetailerRipley, ExternalSKU: "SKU-B", Name: "Galaxy S24 Ultra"})

	assert.NotEqual(t, a, b)
	assert.Regexp(t, `^RIP[0-9A-F]{7}$`, a)
	assert.Regexp(t, `^RIP[0-9A-F]{7}$`, b)
}

func TestGenerate_CacheHit(t *testing.T) {
	gen := NewGenerator(0)
	in := Input{Retailer: domain.RetailerParis, ExternalSKU: "ABC123", Name: "Notebook"}

	first := gen.Generate(in)
	second := gen.Generate(in)

	assert.Equal(t, first, second)
	stats := gen.Stats()
	assert.Equal(t, int64(1), stats.Generated)
	assert.Equal(t, int64(1), stats.CacheHits)
}

func TestGenerate_LRUEviction(t *testing.T) {
	gen := NewGenerator(2)

	a := Input{Retailer: domain.RetailerHites, ExternalSKU: "A"}
	b := Input{Retailer: domain.RetailerHites, ExternalSKU: "B"}
	c := Input{Retailer: domain.RetailerHites, ExternalSKU: "C"}

	codeA := gen.Generate(a)
	gen.Generate(b)
	gen.Generate(c) // evicts a

	assert.Equal(t, codeA, gen.Generate(a), "evicted entries regenerate the same code")
	assert.Equal(t, int64(4), gen.Stats().Generated, "regeneration after eviction is a miss")
}

func TestGenerate_CollisionRetries(t *testing.T) {
	gen := NewGenerator(0)
	in := Input{Retailer: domain.RetailerFalabella, ExternalSKU: "COLLIDE", Name: "Producto"}

	// Pre-claim the code this input would produce, attributed to different
	// components, to force the retry path.
	direct := NewGenerator(0).Generate(in)
	gen.seen[direct] = "SKU:SOMETHING|ELSE"

	code := gen.Generate(in)
	assert.NotEqual(t, direct, code, "collision must produce an alternative code")
	assert.Regexp(t, `^FAL[0-9A-F]{7}$`, code)
	assert.GreaterOrEqual(t, gen.Stats().Collisions, int64(1))
}

func TestGenerate_TimestampFallback(t *testing.T) {
	gen := NewGenerator(0)

	code := gen.Generate(Input{Retailer: domain.RetailerEasy, ExternalSKU: "nan"})
	assert.Regexp(t, `^EAS[0-9A-F]{7}$`, code)
	assert.Equal(t, int64(1), gen.Stats().Fallbacks)
}

func TestCodeForRetailer_Fallback(t *testing.T) {
	cases := []struct {
		retailer string
		want     string
	}{
		{"falabella", "FAL"},
		{"ripley", "RIP"},
		{"lapolar", "LAP"},
		{"pcfactory", "PCF"},
		{"xy", "XYX"},
		{"", "XXX"},
		{"линио", "XXX"}, // no ASCII letters at all
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CodeForRetailer(domain.Retailer(tc.retailer)), "retailer %q", tc.retailer)
	}
}

func TestNormalizeLink(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"tracking stripped", "https://ripley.cl/p/tv-55?utm_source=mail&utm_campaign=x&color=negro", "/p/tv-55?color=negro"},
		{"fbclid stripped", "https://paris.cl/item/123?fbclid=abc", "/item/123"},
		{"trailing slash", "https://falabella.com/product/iphone/", "/product/iphone"},
		{"empty", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, NormalizeLink(tc.in))
		})
	}
}

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "iphone 15 pro 256gb negro", NormalizeName("  iPhone 15-Pro (256GB) Negro!! "))
	assert.Equal(t, "tv led 55", NormalizeName("TV   LED///55\t"))
	assert.Equal(t, "", NormalizeName("   "))
}
