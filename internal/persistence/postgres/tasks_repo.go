package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/atacama-labs/pricewatch/internal/domain"
	"github.com/atacama-labs/pricewatch/internal/persistence"
)

// tasksRepo implements TasksRepo for PostgreSQL.
type tasksRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewTasksRepo creates a new PostgreSQL tasks repository.
func NewTasksRepo(db *sqlx.DB, timeout time.Duration) persistence.TasksRepo {
	return &tasksRepo{db: db, timeout: timeout}
}

// All returns every persisted task, highest priority first.
func (r *tasksRepo) All(ctx context.Context) ([]domain.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT task_id, task_type, tier, frequency_minutes,
		       next_run, last_run, priority, enabled, last_outcome
		FROM scheduler_tasks
		ORDER BY priority, task_id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query scheduler tasks: %w", err)
	}
	defer rows.Close()

	var out []domain.Task
	for rows.Next() {
		var t domain.Task
		var lastRun sql.NullTime
		var outcome []byte
		err := rows.Scan(&t.ID, &t.Type, &t.Tier, &t.FrequencyMinutes,
			&t.NextRun, &lastRun, &t.Priority, &t.Enabled, &outcome)
		if err != nil {
			return nil, fmt.Errorf("failed to scan scheduler task: %w", err)
		}
		if lastRun.Valid {
			t.LastRun = lastRun.Time
		}
		if len(outcome) > 0 && string(outcome) != "{}" {
			var o domain.TaskOutcome
			if err := json.Unmarshal(outcome, &o); err != nil {
				return nil, fmt.Errorf("failed to unmarshal task outcome: %w", err)
			}
			t.LastOutcome = &o
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Save upserts one task row. A zero LastRun is stored as NULL.
func (r *tasksRepo) Save(ctx context.Context, task domain.Task) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var lastRun interface{}
	if !task.LastRun.IsZero() {
		lastRun = task.LastRun
	}

	outcome := []byte("{}")
	if task.LastOutcome != nil {
		var err error
		outcome, err = json.Marshal(task.LastOutcome)
		if err != nil {
			return fmt.Errorf("failed to marshal task outcome: %w", err)
		}
	}

	query := `
		INSERT INTO scheduler_tasks (
			task_id, task_type, tier, frequency_minutes,
			next_run, last_run, priority, enabled, last_outcome
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (task_id) DO UPDATE SET
			task_type = EXCLUDED.task_type,
			tier = EXCLUDED.tier,
			frequency_minutes = EXCLUDED.frequency_minutes,
			next_run = EXCLUDED.next_run,
			last_run = EXCLUDED.last_run,
			priority = EXCLUDED.priority,
			enabled = EXCLUDED.enabled,
			last_outcome = EXCLUDED.last_outcome`

	_, err := r.db.ExecContext(ctx, query,
		task.ID, task.Type, task.Tier, task.FrequencyMinutes,
		task.NextRun, lastRun, task.Priority, task.Enabled, outcome)
	if err != nil {
		return fmt.Errorf("failed to save scheduler task %s: %w", task.ID, err)
	}
	return nil
}
