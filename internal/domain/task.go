package domain

import "time"

// TaskType names what a scheduled task executes.
type TaskType string

const (
	TaskArbitrageCycle TaskType = "arbitrage_cycle"
	TaskMetricsUpdate  TaskType = "metrics_update"
	TaskFrequencyTune  TaskType = "frequency_optimization"
)

// TaskOutcome records the result of the most recent execution of a task.
type TaskOutcome struct {
	Success       bool      `json:"success"`
	Opportunities int       `json:"opportunities_detected"`
	Duration      float64   `json:"duration_seconds"`
	Error         string    `json:"error,omitempty"`
	RanAt         time.Time `json:"ran_at"`
}

// Task is one recurring scheduler entry. FrequencyMinutes is the adaptive
// cadence; the scheduler clamps it to [15, 1440].
type Task struct {
	ID               string       `json:"task_id" db:"task_id"`
	Type             TaskType     `json:"task_type" db:"task_type"`
	Tier             Tier         `json:"tier" db:"tier"`
	FrequencyMinutes float64      `json:"frequency_minutes" db:"frequency_minutes"`
	NextRun          time.Time    `json:"next_run" db:"next_run"`
	LastRun          time.Time    `json:"last_run" db:"last_run"`
	Priority         int          `json:"priority" db:"priority"` // 1 runs first, 5 last
	Enabled          bool         `json:"enabled" db:"enabled"`
	LastOutcome      *TaskOutcome `json:"last_outcome,omitempty" db:"-"`
}
