// Package health samples host load and dependency reachability, feeding
// the /health endpoint and raising system events when something degrades.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/atacama-labs/pricewatch/internal/domain"
	"github.com/atacama-labs/pricewatch/internal/infrastructure/cache"
	"github.com/atacama-labs/pricewatch/internal/persistence"
)

const (
	cpuThreshold = 90.0
	memThreshold = 90.0

	// A degraded component alerts at most once per window.
	repeatWindow = 15 * time.Minute
)

// EventFeed receives the health events the monitor raises.
type EventFeed interface {
	Publish(event any)
}

// Status is one probe result, served verbatim on /health.
type Status struct {
	Healthy  bool                      `json:"healthy"`
	At       time.Time                 `json:"at"`
	CPUPct   float64                   `json:"cpu_pct"`
	MemPct   float64                   `json:"mem_pct"`
	Database *persistence.HealthStatus `json:"database,omitempty"`
	Cache    *persistence.HealthStatus `json:"cache,omitempty"`
}

// Monitor probes host load plus the database and cache on a cadence. High
// load raises a warning event, an unreachable dependency a critical one;
// repeats inside the window are suppressed until the component recovers.
type Monitor struct {
	db     persistence.RepositoryHealth // nil skips the database probe
	stores cache.Stores                 // nil skips the cache probe
	feed   EventFeed                    // nil drops events

	mu       sync.Mutex
	last     Status
	lastSent map[string]time.Time

	sample func() (cpuPct, memPct float64, err error)
	now    func() time.Time
}

func New(db persistence.RepositoryHealth, stores cache.Stores, feed EventFeed) *Monitor {
	return &Monitor{
		db:       db,
		stores:   stores,
		feed:     feed,
		lastSent: make(map[string]time.Time),
		sample:   sampleSystem,
		now:      time.Now,
	}
}

// Run probes immediately and then on every tick until the context ends.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) error {
	log.Info().Dur("interval", interval).Msg("health monitor started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("health monitor stopped")
			return ctx.Err()
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs one probe, refreshes the snapshot and raises events for
// anything over threshold or unreachable.
func (m *Monitor) Check(ctx context.Context) Status {
	status := Status{Healthy: true, At: m.now()}

	cpuPct, memPct, err := m.sample()
	if err != nil {
		log.Warn().Err(err).Msg("system sample failed")
	}
	status.CPUPct = cpuPct
	status.MemPct = memPct

	if m.db != nil {
		check := m.db.Check(ctx)
		status.Database = &check
		if !check.Healthy {
			status.Healthy = false
		}
	}
	if m.stores != nil {
		check := m.pingCache(ctx)
		status.Cache = &check
		if !check.Healthy {
			status.Healthy = false
		}
	}

	m.mu.Lock()
	m.last = status
	m.mu.Unlock()

	m.raise(status)
	return status
}

// Snapshot returns the latest probe result without probing again.
func (m *Monitor) Snapshot() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func (m *Monitor) pingCache(ctx context.Context) persistence.HealthStatus {
	check := persistence.HealthStatus{CheckedAt: m.now()}
	start := time.Now()
	err := m.stores.Ping(ctx)
	check.Latency = time.Since(start)
	if err != nil {
		check.Error = err.Error()
		return check
	}
	check.Healthy = true
	return check
}

func (m *Monitor) raise(status Status) {
	if status.CPUPct > cpuThreshold {
		m.emit(domain.SystemHealthEvent{
			Component: "cpu",
			Severity:  domain.HealthWarning,
			Message:   fmt.Sprintf("cpu usage at %.1f%%", status.CPUPct),
			CPUPct:    status.CPUPct,
			MemPct:    status.MemPct,
			At:        status.At,
		})
	} else {
		m.clear("cpu")
	}

	if status.MemPct > memThreshold {
		m.emit(domain.SystemHealthEvent{
			Component: "memory",
			Severity:  domain.HealthWarning,
			Message:   fmt.Sprintf("memory usage at %.1f%%", status.MemPct),
			CPUPct:    status.CPUPct,
			MemPct:    status.MemPct,
			At:        status.At,
		})
	} else {
		m.clear("memory")
	}

	if status.Database != nil {
		if !status.Database.Healthy {
			m.emit(domain.SystemHealthEvent{
				Component: "database",
				Severity:  domain.HealthCritical,
				Message:   fmt.Sprintf("database unreachable: %s", status.Database.Error),
				At:        status.At,
			})
		} else {
			m.clear("database")
		}
	}

	if status.Cache != nil {
		if !status.Cache.Healthy {
			m.emit(domain.SystemHealthEvent{
				Component: "cache",
				Severity:  domain.HealthCritical,
				Message:   fmt.Sprintf("cache unreachable: %s", status.Cache.Error),
				At:        status.At,
			})
		} else {
			m.clear("cache")
		}
	}
}

// emit publishes unless the same component already alerted inside the
// repeat window.
func (m *Monitor) emit(ev domain.SystemHealthEvent) {
	m.mu.Lock()
	last, seen := m.lastSent[ev.Component]
	if seen && ev.At.Sub(last) < repeatWindow {
		m.mu.Unlock()
		return
	}
	m.lastSent[ev.Component] = ev.At
	m.mu.Unlock()

	log.Warn().
		Str("component", ev.Component).
		Str("severity", string(ev.Severity)).
		Msg(ev.Message)
	if m.feed != nil {
		m.feed.Publish(ev)
	}
}

// clear resets suppression once a component recovers, so the next failure
// alerts immediately.
func (m *Monitor) clear(component string) {
	m.mu.Lock()
	delete(m.lastSent, component)
	m.mu.Unlock()
}

// sampleSystem reads host load through gopsutil. The short cpu window
// keeps /health responsive at a small accuracy cost.
func sampleSystem() (float64, float64, error) {
	pcts, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to sample cpu: %w", err)
	}
	var cpuPct float64
	if len(pcts) > 0 {
		cpuPct = pcts[0]
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		return cpuPct, 0, fmt.Errorf("failed to sample memory: %w", err)
	}
	return cpuPct, vm.UsedPercent, nil
}
