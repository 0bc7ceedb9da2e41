package cache

import (
	"context"
	"sync"
	"time"

	"github.com/atacama-labs/pricewatch/internal/domain"
)

// Memory is the in-process backend. It honors the same retention bounds
// as Redis so the pipeline behaves identically without external services.
type Memory struct {
	mu         sync.Mutex
	changes    map[string][]domain.PriceChangeEvent
	volatility map[string]expiringProfile
	activity   map[domain.Retailer][]ActivityEntry
	matches    map[string]expiringMatch
	profiles   map[domain.Retailer]RetailerProfile
	stats      Stats
	now        func() time.Time
}

type expiringProfile struct {
	profile   domain.VolatilityProfile
	expiresAt time.Time
}

type expiringMatch struct {
	match     domain.Match
	expiresAt time.Time
}

// NewMemory returns an empty in-process store set.
func NewMemory() *Memory {
	return &Memory{
		changes:    make(map[string][]domain.PriceChangeEvent),
		volatility: make(map[string]expiringProfile),
		activity:   make(map[domain.Retailer][]ActivityEntry),
		matches:    make(map[string]expiringMatch),
		profiles:   make(map[domain.Retailer]RetailerProfile),
		stats:      Stats{Connected: true},
		now:        time.Now,
	}
}

func (m *Memory) Append(_ context.Context, ev domain.PriceChangeEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := append([]domain.PriceChangeEvent{ev}, m.changes[ev.InternalCode]...)
	if len(list) > changeHistoryDepth {
		list = list[:changeHistoryDepth]
	}
	m.changes[ev.InternalCode] = list
	m.stats.Sets++
	return nil
}

func (m *Memory) Recent(_ context.Context, code string, limit int) ([]domain.PriceChangeEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.changes[code]
	if len(list) == 0 {
		m.stats.Misses++
		return nil, nil
	}
	m.stats.Hits++
	if limit <= 0 || limit > len(list) {
		limit = len(list)
	}
	out := make([]domain.PriceChangeEvent, limit)
	copy(out, list[:limit])
	return out, nil
}

func (m *Memory) PutProfile(_ context.Context, p domain.VolatilityProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.volatility[p.InternalCode] = expiringProfile{
		profile:   p,
		expiresAt: m.now().Add(volatilityRetention),
	}
	m.stats.Sets++
	return nil
}

func (m *Memory) GetProfile(_ context.Context, code string) (*domain.VolatilityProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.volatility[code]
	if !ok || m.now().After(entry.expiresAt) {
		delete(m.volatility, code)
		m.stats.Misses++
		return nil, nil
	}
	m.stats.Hits++
	p := entry.profile
	return &p, nil
}

func (m *Memory) AppendActivity(_ context.Context, e ActivityEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := append([]ActivityEntry{e}, m.activity[e.Retailer]...)
	if len(list) > activityDepth {
		list = list[:activityDepth]
	}
	m.activity[e.Retailer] = list
	m.stats.Sets++
	return nil
}

func (m *Memory) RecentActivity(_ context.Context, retailer domain.Retailer, limit int) ([]ActivityEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.activity[retailer]
	if limit <= 0 || limit > len(list) {
		limit = len(list)
	}
	out := make([]ActivityEntry, limit)
	copy(out, list[:limit])
	return out, nil
}

func (m *Memory) PutMatch(_ context.Context, match domain.Match, ttl time.Duration) error {
	match.CodeA, match.CodeB = domain.OrderedPair(match.CodeA, match.CodeB)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.matches[match.CodeA+":"+match.CodeB] = expiringMatch{
		match:     match,
		expiresAt: m.now().Add(ttl),
	}
	m.stats.Sets++
	return nil
}

func (m *Memory) GetMatch(_ context.Context, codeA, codeB string) (*domain.Match, bool, error) {
	a, b := domain.OrderedPair(codeA, codeB)
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.matches[a+":"+b]
	if !ok || m.now().After(entry.expiresAt) {
		delete(m.matches, a+":"+b)
		m.stats.Misses++
		return nil, false, nil
	}
	m.stats.Hits++
	match := entry.match
	return &match, true, nil
}

func (m *Memory) PutRetailerProfile(_ context.Context, p RetailerProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.Retailer] = p
	m.stats.Sets++
	return nil
}

func (m *Memory) GetRetailerProfile(_ context.Context, retailer domain.Retailer) (*RetailerProfile, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[retailer]
	if !ok {
		m.stats.Misses++
		return nil, false, nil
	}
	m.stats.Hits++
	return &p, true, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *Memory) Close() error { return nil }
