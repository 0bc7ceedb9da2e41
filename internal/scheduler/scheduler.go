package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/atacama-labs/pricewatch/internal/config"
	"github.com/atacama-labs/pricewatch/internal/domain"
	"github.com/atacama-labs/pricewatch/internal/persistence"
)

const (
	// wakeInterval is how often the wheel looks for due tasks.
	wakeInterval = 30 * time.Second

	// retryDelay reschedules a failed task well before its normal cadence.
	retryDelay = 5 * time.Minute

	// Adaptive cadence bounds, in minutes.
	minFrequencyMinutes = 15.0
	maxFrequencyMinutes = 1440.0

	// A successful cycle faster than this with zero hits scraped nothing
	// worth the trip and its task is a candidate for slowing down.
	quickCycleSeconds = 10.0
)

// Base task ids, seeded on first start. Operators may register extra tasks
// alongside them.
const (
	TaskIDCritical  = "arbitrage-critical"
	TaskIDImportant = "arbitrage-important"
	TaskIDTracking  = "arbitrage-tracking"
	TaskIDMetrics   = "metrics-update"
	TaskIDTune      = "frequency-optimization"
)

// Runner executes one task and reports how many opportunities the run
// produced. The scheduler measures duration and records the outcome.
type Runner func(ctx context.Context, task domain.Task) (int, error)

// Stats counts scheduler work since startup.
type Stats struct {
	Launched   int64   `json:"launched"`
	Completed  int64   `json:"completed"`
	Failed     int64   `json:"failed"`
	Skipped    int64   `json:"skipped"`
	Tuned      int64   `json:"tuned"`
	Running    int     `json:"running"`
	Overdue    int     `json:"overdue"`
	AvgSeconds float64 `json:"avg_duration_seconds"`
}

// TaskView is a task snapshot plus its execution aggregates.
type TaskView struct {
	domain.Task
	Running    bool    `json:"running"`
	Runs       int64   `json:"runs"`
	AvgSeconds float64 `json:"avg_duration_seconds"`
}

// Scheduler drives the recurring pipeline: a 30 second wheel launches due
// tasks in ascending priority order, records their outcomes and adapts
// arbitrage cycle cadence to how productive those cycles turn out to be.
// A task never overlaps itself; distinct tasks run concurrently.
type Scheduler struct {
	cfg     config.SchedulerConfig
	repo    persistence.TasksRepo
	runners map[domain.TaskType]Runner

	mu           sync.Mutex
	tasks        map[string]*domain.Task
	running      map[string]bool
	runs         map[string]int64
	durSum       map[string]float64
	totalSeconds float64
	stats        Stats

	wg  sync.WaitGroup
	now func() time.Time
}

func New(cfg config.SchedulerConfig, repo persistence.TasksRepo) *Scheduler {
	s := &Scheduler{
		cfg:     cfg,
		repo:    repo,
		runners: make(map[domain.TaskType]Runner),
		tasks:   make(map[string]*domain.Task),
		running: make(map[string]bool),
		runs:    make(map[string]int64),
		durSum:  make(map[string]float64),
		now:     time.Now,
	}
	s.runners[domain.TaskFrequencyTune] = s.runTune
	return s
}

// Register binds a runner to a task type. Tasks of an unregistered type
// fail when they come due.
func (s *Scheduler) Register(t domain.TaskType, r Runner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runners[t] = r
}

// Seed loads persisted tasks and creates any missing base tasks, so a fresh
// install starts with the full wheel and a restart resumes prior cadence.
func (s *Scheduler) Seed(ctx context.Context) error {
	existing, err := s.repo.All(ctx)
	if err != nil {
		return fmt.Errorf("failed to load scheduler tasks: %w", err)
	}

	s.mu.Lock()
	for i := range existing {
		t := existing[i]
		s.tasks[t.ID] = &t
	}
	var created []domain.Task
	for _, base := range s.baseTasks() {
		if _, ok := s.tasks[base.ID]; ok {
			continue
		}
		b := base
		s.tasks[b.ID] = &b
		created = append(created, b)
	}
	total := len(s.tasks)
	s.mu.Unlock()

	for _, t := range created {
		if err := s.repo.Save(ctx, t); err != nil {
			return fmt.Errorf("failed to persist task %s: %w", t.ID, err)
		}
	}

	log.Info().
		Int("tasks", total).
		Int("seeded", len(created)).
		Msg("scheduler task set ready")
	return nil
}

func (s *Scheduler) baseTasks() []domain.Task {
	now := s.now()
	mk := func(id string, typ domain.TaskType, tier domain.Tier, freq time.Duration, priority int) domain.Task {
		return domain.Task{
			ID:               id,
			Type:             typ,
			Tier:             tier,
			FrequencyMinutes: freq.Minutes(),
			NextRun:          now,
			Priority:         priority,
			Enabled:          true,
		}
	}
	return []domain.Task{
		mk(TaskIDCritical, domain.TaskArbitrageCycle, domain.TierCritical, s.cfg.CriticalFrequency, 1),
		mk(TaskIDImportant, domain.TaskArbitrageCycle, domain.TierImportant, s.cfg.ImportantFrequency, 2),
		mk(TaskIDTracking, domain.TaskArbitrageCycle, domain.TierTracking, s.cfg.TrackingFrequency, 3),
		mk(TaskIDMetrics, domain.TaskMetricsUpdate, "", s.cfg.MetricsFrequency, 4),
		mk(TaskIDTune, domain.TaskFrequencyTune, "", s.cfg.TuneFrequency, 5),
	}
}

// Run seeds the task set and spins the wheel until the context ends. It
// waits for in-flight tasks before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Seed(ctx); err != nil {
		return err
	}

	log.Info().
		Dur("wake", wakeInterval).
		Bool("adaptive", s.cfg.Adaptive).
		Msg("scheduler running")

	ticker := time.NewTicker(wakeInterval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			log.Info().Msg("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick launches every due, enabled task that is not already running and
// returns the number launched.
func (s *Scheduler) Tick(ctx context.Context) int {
	due := s.claimDue(s.now())
	for _, t := range due {
		s.wg.Add(1)
		go func(task domain.Task) {
			defer s.wg.Done()
			s.execute(ctx, task)
		}(t)
	}
	return len(due)
}

// claimDue selects runnable tasks in ascending priority order and marks
// them running, so an overlapping wake cannot launch a task twice.
func (s *Scheduler) claimDue(now time.Time) []domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []domain.Task
	for _, t := range s.tasks {
		if !t.Enabled || t.NextRun.After(now) {
			continue
		}
		if s.running[t.ID] {
			s.stats.Skipped++
			continue
		}
		due = append(due, *t)
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority < due[j].Priority
		}
		return due[i].ID < due[j].ID
	})
	for _, t := range due {
		s.running[t.ID] = true
		s.stats.Launched++
	}
	return due
}

func (s *Scheduler) execute(ctx context.Context, task domain.Task) {
	defer s.release(task.ID)

	s.mu.Lock()
	runner := s.runners[task.Type]
	s.mu.Unlock()

	started := s.now()
	var opportunities int
	var err error
	if runner == nil {
		err = fmt.Errorf("no runner registered for task type %s", task.Type)
	} else {
		opportunities, err = runner(ctx, task)
	}
	elapsed := s.now().Sub(started)

	s.record(ctx, task.ID, opportunities, elapsed, err)
}

func (s *Scheduler) release(id string) {
	s.mu.Lock()
	delete(s.running, id)
	s.mu.Unlock()
}

// record stores the outcome on the task, schedules the next run and
// persists the new state. Failures retry after a short delay instead of
// waiting out a full period.
func (s *Scheduler) record(ctx context.Context, id string, opportunities int, elapsed time.Duration, runErr error) {
	now := s.now()

	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	outcome := &domain.TaskOutcome{
		Success:       runErr == nil,
		Opportunities: opportunities,
		Duration:      elapsed.Seconds(),
		RanAt:         now,
	}
	if runErr != nil {
		outcome.Error = runErr.Error()
	}
	t.LastRun = now
	t.LastOutcome = outcome
	if runErr == nil {
		t.NextRun = now.Add(time.Duration(t.FrequencyMinutes * float64(time.Minute)))
		s.stats.Completed++
	} else {
		t.NextRun = now.Add(retryDelay)
		s.stats.Failed++
	}
	s.runs[id]++
	s.durSum[id] += elapsed.Seconds()
	s.totalSeconds += elapsed.Seconds()
	snapshot := *t
	s.mu.Unlock()

	if err := s.repo.Save(ctx, snapshot); err != nil {
		log.Warn().Err(err).Str("task", id).Msg("task state persist failed")
	}

	if runErr != nil {
		log.Warn().Err(runErr).
			Str("task", id).
			Dur("duration", elapsed).
			Time("next_run", snapshot.NextRun).
			Msg("task failed")
		return
	}
	log.Info().
		Str("task", id).
		Int("opportunities", opportunities).
		Dur("duration", elapsed).
		Time("next_run", snapshot.NextRun).
		Msg("task finished")
}

// runTune backs the frequency-optimization task.
func (s *Scheduler) runTune(ctx context.Context, _ domain.Task) (int, error) {
	if !s.cfg.Adaptive {
		log.Debug().Msg("adaptive frequency tuning disabled")
		return 0, nil
	}
	s.TuneFrequencies(ctx)
	return 0, nil
}

// TuneFrequencies adjusts arbitrage cycle cadence to the last outcome of
// each task: failing tasks back off, productive tasks speed up, tasks that
// finish fast with nothing to show relax. Returns how many tasks changed.
func (s *Scheduler) TuneFrequencies(ctx context.Context) int {
	s.mu.Lock()
	var changed []domain.Task
	for _, t := range s.tasks {
		if t.Type != domain.TaskArbitrageCycle || !t.Enabled || t.LastOutcome == nil {
			continue
		}
		next := tunedFrequency(t.FrequencyMinutes, t.LastOutcome)
		if next == t.FrequencyMinutes {
			continue
		}
		log.Info().
			Str("task", t.ID).
			Float64("from_minutes", t.FrequencyMinutes).
			Float64("to_minutes", next).
			Int("opportunities", t.LastOutcome.Opportunities).
			Bool("success", t.LastOutcome.Success).
			Msg("task frequency tuned")
		t.FrequencyMinutes = next
		changed = append(changed, *t)
	}
	s.stats.Tuned += int64(len(changed))
	s.mu.Unlock()

	for _, t := range changed {
		if err := s.repo.Save(ctx, t); err != nil {
			log.Warn().Err(err).Str("task", t.ID).Msg("tuned task persist failed")
		}
	}
	return len(changed)
}

// tunedFrequency applies the adaptive rules to one cadence, in minutes.
// A failure stretches it 1.5x capped at +60m, a productive run shrinks it
// 0.8x capped at -30m, an idle quick run stretches it 1.2x.
func tunedFrequency(current float64, out *domain.TaskOutcome) float64 {
	next := current
	switch {
	case !out.Success:
		next = current * 1.5
		if limit := current + 60; next > limit {
			next = limit
		}
	case out.Opportunities > 5:
		next = current * 0.8
		if limit := current - 30; next < limit {
			next = limit
		}
	case out.Opportunities == 0 && out.Duration < quickCycleSeconds:
		next = current * 1.2
	}
	return clampFrequency(next)
}

func clampFrequency(minutes float64) float64 {
	if minutes < minFrequencyMinutes {
		return minFrequencyMinutes
	}
	if minutes > maxFrequencyMinutes {
		return maxFrequencyMinutes
	}
	return minutes
}

// Snapshot lists every task with its execution aggregates, ordered by
// priority then id.
func (s *Scheduler) Snapshot() []TaskView {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TaskView, 0, len(s.tasks))
	for id, t := range s.tasks {
		view := TaskView{Task: *t, Running: s.running[id], Runs: s.runs[id]}
		if view.Runs > 0 {
			view.AvgSeconds = s.durSum[id] / float64(view.Runs)
		}
		out = append(out, view)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Stats returns a snapshot of the scheduler counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stats
	st.Running = len(s.running)
	now := s.now()
	for _, t := range s.tasks {
		if t.Enabled && !t.NextRun.After(now) {
			st.Overdue++
		}
	}
	if runs := st.Completed + st.Failed; runs > 0 {
		st.AvgSeconds = s.totalSeconds / float64(runs)
	}
	return st
}
