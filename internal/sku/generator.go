// Package sku produces the stable 10-character internal codes that key
// every product across runs: a 3-letter retailer prefix plus a 7-hex
// truncation of SHA-256 over the normalized identifying components.
package sku

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/rs/zerolog/log"

	"github.com/atacama-labs/pricewatch/internal/domain"
)

// retailerCodes maps configured retailers to their 3-letter prefixes.
// Unknown retailers fall back to the first three letters padded with X.
var retailerCodes = map[domain.Retailer]string{
	domain.RetailerFalabella: "FAL",
	domain.RetailerRipley:    "RIP",
	domain.RetailerParis:     "PAR",
	domain.RetailerLaPolar:   "LAP",
	domain.RetailerHites:     "HIT",
	domain.RetailerAbcdin:    "ABC",
	domain.RetailerSodimac:   "SOD",
	domain.RetailerEasy:      "EAS",
}

// trackingParams are stripped from links before hashing so the same listing
// reached through different campaigns yields the same code.
var trackingParams = map[string]bool{
	"fbclid": true,
	"gclid":  true,
	"ref":    true,
	"source": true,
}

const (
	codeLen         = 10
	hashLen         = 7
	maxCollisionTry = 10
)

// Input carries the identifying fields of one raw product record.
type Input struct {
	Retailer    domain.Retailer
	ExternalSKU string
	Link        string
	Name        string
	Brand       string
}

// Stats is a point-in-time snapshot of generator counters.
type Stats struct {
	Generated  int64 `json:"generated"`
	CacheHits  int64 `json:"cache_hits"`
	Collisions int64 `json:"collisions"`
	Fallbacks  int64 `json:"fallbacks"`
}

// Generator derives internal codes. Safe for concurrent use; the memo keeps
// amortized generation O(1) for repeat listings within a process.
type Generator struct {
	mu       sync.Mutex
	memo     map[string]*list.Element
	order    *list.List // front = most recent
	capacity int

	// seen maps hash -> component string for process-local collision
	// detection. Best effort: cleared when it outgrows its bound.
	seen    map[string]string
	maxSeen int

	stats Stats
}

type memoEntry struct {
	key  string
	code string
}

// NewGenerator returns a Generator with an LRU memo of the given capacity.
// Capacity <= 0 selects the default of 10000 entries.
func NewGenerator(capacity int) *Generator {
	if capacity <= 0 {
		capacity = 10000
	}
	return &Generator{
		memo:     make(map[string]*list.Element, capacity),
		order:    list.New(),
		capacity: capacity,
		seen:     make(map[string]string),
		maxSeen:  capacity * 4,
	}
}

// Generate returns the internal code for the given identifying fields.
// Deterministic across runs for the same normalized inputs.
func (g *Generator) Generate(in Input) string {
	key := cacheKey(in)

	g.mu.Lock()
	defer g.mu.Unlock()

	if el, ok := g.memo[key]; ok {
		g.order.MoveToFront(el)
		g.stats.CacheHits++
		return el.Value.(*memoEntry).code
	}

	components := g.buildComponents(in)
	prefix := CodeForRetailer(in.Retailer)

	hash := hashComponents(components)
	for attempt := 1; attempt <= maxCollisionTry; attempt++ {
		prev, exists := g.seen[prefix+hash]
		if !exists || prev == components {
			break
		}
		g.stats.Collisions++
		if attempt == maxCollisionTry {
			log.Warn().
				Str("retailer", string(in.Retailer)).
				Str("name", in.Name).
				Msg("sku collision retries exhausted, keeping last candidate")
			break
		}
		hash = hashComponents(fmt.Sprintf("%s#%d", components, attempt))
	}

	code := prefix + hash
	if len(g.seen) >= g.maxSeen {
		g.seen = make(map[string]string)
	}
	g.seen[code] = components
	g.remember(key, code)
	g.stats.Generated++
	return code
}

// Stats returns a copy of the generator counters.
func (g *Generator) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stats
}

func (g *Generator) remember(key, code string) {
	el := g.order.PushFront(&memoEntry{key: key, code: code})
	g.memo[key] = el
	if g.order.Len() > g.capacity {
		oldest := g.order.Back()
		if oldest != nil {
			g.order.Remove(oldest)
			delete(g.memo, oldest.Value.(*memoEntry).key)
		}
	}
}

// buildComponents concatenates every present component in priority order.
// Caller holds g.mu (fallback updates the stats counter).
func (g *Generator) buildComponents(in Input) string {
	var parts []string

	if sku := strings.TrimSpace(in.ExternalSKU); !isJunkValue(sku) {
		parts = append(parts, "SKU:"+sku)
	}
	if link := NormalizeLink(in.Link); link != "" {
		parts = append(parts, "LINK:"+link)
	}
	if name := NormalizeName(in.Name); name != "" {
		parts = append(parts, "NAME:"+name)
	}
	if brand := strings.TrimSpace(in.Brand); brand != "" {
		parts = append(parts, "BRAND:"+strings.ToUpper(brand))
	}

	if len(parts) == 0 {
		g.stats.Fallbacks++
		log.Warn().
			Str("retailer", string(in.Retailer)).
			Msg("sku input empty, falling back to timestamp component")
		parts = append(parts, fmt.Sprintf("TS:%d", time.Now().UnixNano()))
	}
	return strings.Join(parts, "|")
}

func hashComponents(components string) string {
	sum := sha256.Sum256([]byte(components))
	return strings.ToUpper(hex.EncodeToString(sum[:]))[:hashLen]
}

// CodeForRetailer returns the 3-letter prefix for a retailer.
func CodeForRetailer(r domain.Retailer) string {
	if code, ok := retailerCodes[r]; ok {
		return code
	}
	var letters []rune
	for _, c := range strings.ToUpper(string(r)) {
		if c >= 'A' && c <= 'Z' {
			letters = append(letters, c)
			if len(letters) == 3 {
				break
			}
		}
	}
	for len(letters) < 3 {
		letters = append(letters, 'X')
	}
	return string(letters)
}

// NormalizeLink strips scheme, host, tracking parameters and the trailing
// slash so campaign variants of the same URL hash identically.
func NormalizeLink(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return strings.TrimRight(raw, "/")
	}
	path := strings.TrimRight(u.Path, "/")

	q := u.Query()
	for param := range q {
		if trackingParams[param] || strings.HasPrefix(param, "utm_") {
			q.Del(param)
		}
	}
	if encoded := q.Encode(); encoded != "" {
		return path + "?" + encoded
	}
	return path
}

// NormalizeName lowercases, maps punctuation to spaces and collapses runs
// of whitespace.
func NormalizeName(name string) string {
	lowered := strings.ToLower(strings.TrimSpace(name))
	if lowered == "" {
		return ""
	}
	mapped := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return ' '
	}, lowered)
	return strings.Join(strings.Fields(mapped), " ")
}

func isJunkValue(s string) bool {
	switch strings.ToLower(s) {
	case "", "nan", "none":
		return true
	}
	return false
}

func cacheKey(in Input) string {
	return strings.Join([]string{
		string(in.Retailer),
		trunc(in.ExternalSKU, 20),
		trunc(in.Link, 50),
		trunc(in.Name, 30),
	}, "|")
}

func trunc(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
