package persistence

// In-memory repository implementations mirroring the postgres semantics.
// They back tests and demo runs where no database is reachable.

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atacama-labs/pricewatch/internal/domain"
)

// NewMemoryRepository returns a Repository backed entirely by process
// memory.
func NewMemoryRepository() *Repository {
	catalog := NewMemoryCatalog()
	return &Repository{
		Products:      catalog,
		Prices:        catalog,
		Matches:       NewMemoryMatches(),
		Opportunities: NewMemoryOpportunities(),
		Config:        NewMemoryConfig(),
		Metrics:       NewMemoryMetrics(),
		Tasks:         NewMemoryTasks(),
	}
}

// MemoryCatalog implements ProductsRepo and PricesRepo over shared maps.
// One type because a flush writes both tables together.
type MemoryCatalog struct {
	mu       sync.Mutex
	products map[string]domain.Product
	prices   map[string]map[string]domain.PriceRecord // code -> date -> row
	now      func() time.Time
}

func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		products: make(map[string]domain.Product),
		prices:   make(map[string]map[string]domain.PriceRecord),
		now:      time.Now,
	}
}

func (m *MemoryCatalog) ExistingCodes(_ context.Context, codes []string) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := make(map[string]bool, len(codes))
	for _, code := range codes {
		if _, ok := m.products[code]; ok {
			existing[code] = true
		}
	}
	return existing, nil
}

func (m *MemoryCatalog) ApplyBatch(_ context.Context, batch BatchApply) (*BatchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := &BatchResult{}
	for _, p := range batch.Inserts {
		if _, ok := m.products[p.InternalCode]; ok {
			continue
		}
		p.Active = true
		m.products[p.InternalCode] = p
		result.Inserted++
	}
	for _, u := range batch.Updates {
		if p, ok := m.products[u.InternalCode]; ok {
			p.LastSeen = u.LastSeen
			p.Rating = u.Rating
			p.ReviewsCount = u.ReviewsCount
			p.Active = true
			m.products[u.InternalCode] = p
		}
		result.Updated++
	}

	now := m.now()
	for _, rec := range batch.Prices {
		days := m.prices[rec.InternalCode]
		if days == nil {
			days = make(map[string]domain.PriceRecord)
			m.prices[rec.InternalCode] = days
		}
		if old, ok := days[rec.Date]; ok {
			result.Changes = append(result.Changes,
				diffPriceColumns(rec, m.products[rec.InternalCode].Name, old, now)...)
			rec.CreatedAt = old.CreatedAt
		} else {
			rec.CreatedAt = now
		}
		rec.UpdatedAt = now
		days[rec.Date] = clonePrice(rec)
		result.PricesWritten++
	}
	return result, nil
}

func (m *MemoryCatalog) GetByCode(_ context.Context, code string) (*domain.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.products[code]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *MemoryCatalog) ActiveByRetailer(_ context.Context, retailer domain.Retailer, limit int) ([]domain.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Product
	for _, p := range m.products {
		if p.Active && p.Retailer == retailer {
			out = append(out, p)
		}
	}
	sortProductsByLastSeen(out)
	return capProducts(out, limit), nil
}

func (m *MemoryCatalog) RecentlySeen(_ context.Context, since time.Time, limit int) ([]domain.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Product
	for _, p := range m.products {
		if p.Active && !p.LastSeen.Before(since) {
			out = append(out, p)
		}
	}
	sortProductsByLastSeen(out)
	return capProducts(out, limit), nil
}

func (m *MemoryCatalog) DeactivateUnseen(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for code, p := range m.products {
		if p.Active && p.LastSeen.Before(cutoff) {
			p.Active = false
			m.products[code] = p
			n++
		}
	}
	return n, nil
}

func (m *MemoryCatalog) LatestByCode(_ context.Context, code string) (*domain.PriceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.latestLocked(code)
	if !ok {
		return nil, nil
	}
	rec = clonePrice(rec)
	return &rec, nil
}

func (m *MemoryCatalog) LatestForCodes(_ context.Context, codes []string) (map[string]domain.PriceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	latest := make(map[string]domain.PriceRecord, len(codes))
	for _, code := range codes {
		if rec, ok := m.latestLocked(code); ok {
			latest[code] = clonePrice(rec)
		}
	}
	return latest, nil
}

func (m *MemoryCatalog) History(_ context.Context, code string, days int) ([]domain.PriceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().AddDate(0, 0, -days).Format("2006-01-02")
	var out []domain.PriceRecord
	for _, rec := range m.prices[code] {
		if rec.Date >= cutoff {
			out = append(out, clonePrice(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date > out[j].Date })
	return out, nil
}

// latestLocked returns the newest ledger row for a code. Date strings sort
// chronologically.
func (m *MemoryCatalog) latestLocked(code string) (domain.PriceRecord, bool) {
	var best domain.PriceRecord
	found := false
	for _, rec := range m.prices[code] {
		if !found || rec.Date > best.Date {
			best = rec
			found = true
		}
	}
	return best, found
}

// diffPriceColumns mirrors the postgres diff: one event per column that
// moved between two writes of the same day. Columns appearing or
// disappearing carry no percentage base and are not changes.
func diffPriceColumns(rec domain.PriceRecord, name string, old domain.PriceRecord, at time.Time) []domain.PriceChangeEvent {
	var events []domain.PriceChangeEvent
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
			At: at,
		})
	}
	add(domain.PriceList, old.PriceList, rec.PriceList)
	add(domain.PriceOffer, old.PriceOffer, rec.PriceOffer)
	add(domain.PriceCard, old.PriceCard, rec.PriceCard)
	return events
}

func sortProductsByLastSeen(ps []domain.Product) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].LastSeen.Equal(ps[j].LastSeen) {
			return ps[i].LastSeen.After(ps[j].LastSeen)
		}
		return ps[i].InternalCode < ps[j].InternalCode
	})
}

func capProducts(ps []domain.Product, limit int) []domain.Product {
	if limit > 0 && len(ps) > limit {
		return ps[:limit]
	}
	return ps
}

func clonePrice(rec domain.PriceRecord) domain.PriceRecord {
	rec.PriceList = cloneFloat(rec.PriceList)
	rec.PriceOffer = cloneFloat(rec.PriceOffer)
	rec.PriceCard = cloneFloat(rec.PriceCard)
	return rec
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// MemoryMatches is a MatchesRepo backed by a map keyed on the ordered
// code pair.
type MemoryMatches struct {
	mu     sync.Mutex
	byPair map[string]domain.Match
	nextID int64
	now    func() time.Time
}

func NewMemoryMatches() *MemoryMatches {
	return &MemoryMatches{byPair: make(map[string]domain.Match), now: time.Now}
}

func (m *MemoryMatches) Upsert(_ context.Context, match domain.Match) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	match.CodeA, match.CodeB = domain.OrderedPair(match.CodeA, match.CodeB)
	key := match.CodeA + "|" + match.CodeB
	now := m.now()

	if prev, ok := m.byPair[key]; ok {
		match.ID = prev.ID
		match.CreatedAt = prev.CreatedAt
	} else {
		m.nextID++
		match.ID = m.nextID
		match.CreatedAt = now
	}
	match.Active = true
	match.UpdatedAt = now
	m.byPair[key] = cloneMatch(match)
	return match.ID, nil
}

func (m *MemoryMatches) GetPair(_ context.Context, codeA, codeB string) (*domain.Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, b := domain.OrderedPair(codeA, codeB)
	match, ok := m.byPair[a+"|"+b]
	if !ok {
		return nil, nil
	}
	match = cloneMatch(match)
	return &match, nil
}

func (m *MemoryMatches) ActiveAbove(_ context.Context, minScore float64, limit int) ([]domain.Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Match
	for _, match := range m.byPair {
		if match.Active && match.SimilarityScore >= minScore {
			out = append(out, cloneMatch(match))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SimilarityScore != out[j].SimilarityScore {
			return out[i].SimilarityScore > out[j].SimilarityScore
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryMatches) DeactivateStale(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for key, match := range m.byPair {
		if match.Active && match.UpdatedAt.Before(cutoff) {
			match.Active = false
			m.byPair[key] = match
			n++
		}
	}
	return n, nil
}

func cloneMatch(match domain.Match) domain.Match {
	if match.Features != nil {
		features := make(map[string]float64, len(match.Features))
		for k, v := range match.Features {
			features[k] = v
		}
		match.Features = features
	}
	return match
}

// MemoryOpportunities is an OpportunitiesRepo keyed per (cheap, expensive,
// detection date), like the daily upsert in postgres.
type MemoryOpportunities struct {
	mu     sync.Mutex
	byKey  map[string]domain.Opportunity
	nextID int64
	now    func() time.Time
}

func NewMemoryOpportunities() *MemoryOpportunities {
	return &MemoryOpportunities{byKey: make(map[string]domain.Opportunity), now: time.Now}
}

func (m *MemoryOpportunities) UpsertDaily(_ context.Context, opp domain.Opportunity) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := opp.CheapCode + "|" + opp.ExpensiveCode + "|" + opp.DetectedAt.Format("2006-01-02")
	if prev, ok := m.byKey[key]; ok {
		// Refresh mirrors the conflict clause: identity, detection time
		// and the alerted flag survive, prices and scores update.
		opp.ID = prev.ID
		opp.MatchID = prev.MatchID
		opp.BuyRetailer = prev.BuyRetailer
		opp.SellRetailer = prev.SellRetailer
		opp.DetectedAt = prev.DetectedAt
		opp.Alerted = prev.Alerted
		m.byKey[key] = cloneOpportunity(opp)
		return opp.ID, false, nil
	}

	m.nextID++
	opp.ID = m.nextID
	opp.Alerted = false
	m.byKey[key] = cloneOpportunity(opp)
	return opp.ID, true, nil
}

func (m *MemoryOpportunities) ActiveSince(_ context.Context, since time.Time, tier domain.Tier, limit int) ([]domain.Opportunity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var out []domain.Opportunity
	for _, opp := range m.byKey {
		if opp.DetectedAt.Before(since) || !opp.ExpiresAt.After(now) {
			continue
		}
		if tier != "" && opp.Tier != tier {
			continue
		}
		out = append(out, cloneOpportunity(opp))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpportunityScore != out[j].OpportunityScore {
			return out[i].OpportunityScore > out[j].OpportunityScore
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryOpportunities) MarkAlerted(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, opp := range m.byKey {
		if opp.ID == id {
			opp.Alerted = true
			m.byKey[key] = opp
			return nil
		}
	}
	return nil
}

func (m *MemoryOpportunities) PurgeOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for key, opp := range m.byKey {
		if opp.DetectedAt.Before(cutoff) {
			delete(m.byKey, key)
			n++
		}
	}
	return n, nil
}

func cloneOpportunity(opp domain.Opportunity) domain.Opportunity {
	if opp.Metadata != nil {
		meta := make(map[string]any, len(opp.Metadata))
		for k, v := range opp.Metadata {
			meta[k] = v
		}
		opp.Metadata = meta
	}
	return opp
}

// MemoryConfig is a ConfigRepo backed by a map.
type MemoryConfig struct {
	mu      sync.Mutex
	entries map[string]domain.ConfigEntry
}

func NewMemoryConfig() *MemoryConfig {
	return &MemoryConfig{entries: make(map[string]domain.ConfigEntry)}
}

func (m *MemoryConfig) GetAll(_ context.Context) ([]domain.ConfigEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.ConfigEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryConfig) Set(_ context.Context, entry domain.ConfigEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entry.Key] = entry
	return nil
}

// MemoryMetrics is a MetricsRepo keeping hourly rows keyed by (date, hour).
type MemoryMetrics struct {
	mu   sync.Mutex
	rows map[string]HourlyMetrics
}

func NewMemoryMetrics() *MemoryMetrics {
	return &MemoryMetrics{rows: make(map[string]HourlyMetrics)}
}

func (m *MemoryMetrics) RecordHour(_ context.Context, row HourlyMetrics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[fmt.Sprintf("%s|%02d", row.Date, row.Hour)] = cloneHourly(row)
	return nil
}

func (m *MemoryMetrics) GetRange(_ context.Context, from, to time.Time) ([]HourlyMetrics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lo, hi := from.Format("2006-01-02"), to.Format("2006-01-02")
	var out []HourlyMetrics
	for _, row := range m.rows {
		if row.Date >= lo && row.Date <= hi {
			out = append(out, cloneHourly(row))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].Hour < out[j].Hour
	})
	return out, nil
}

func cloneHourly(row HourlyMetrics) HourlyMetrics {
	if row.RetailerPerformance != nil {
		perf := make(map[string]RetailerPerformance, len(row.RetailerPerformance))
		for k, v := range row.RetailerPerformance {
			perf[k] = v
		}
		row.RetailerPerformance = perf
	}
	return row
}

// MemoryTasks is a TasksRepo backed by a map. It serves test setups and
// deployments that run without a database.
type MemoryTasks struct {
	mu    sync.Mutex
	tasks map[string]domain.Task
}

func NewMemoryTasks() *MemoryTasks {
	return &MemoryTasks{tasks: make(map[string]domain.Task)}
}

// All returns every task ordered by priority, then id.
func (m *MemoryTasks) All(_ context.Context) ([]domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if t.LastOutcome != nil {
			o := *t.LastOutcome
			t.LastOutcome = &o
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Save stores a copy of the task keyed by id.
func (m *MemoryTasks) Save(_ context.Context, task domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if task.LastOutcome != nil {
		o := *task.LastOutcome
		task.LastOutcome = &o
	}
	m.tasks[task.ID] = task
	return nil
}
