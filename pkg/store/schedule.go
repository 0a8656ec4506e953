package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/weavr-dev/weavr/pkg/models"
)

// ErrScheduleNotFound is returned when a schedule lookup misses.
var ErrScheduleNotFound = errors.New("schedule not found")

// UpsertSchedule inserts or updates a schedule row. LastRunAt is only
// written on insert: updates must not clobber the persisted fire state
// that catch-up depends on.
func (s *Store) UpsertSchedule(ctx context.Context, schedule *models.Schedule) error {
	configJSON, err := json.Marshal(schedule.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal schedule config: %w", err)
	}

	var lastRunAt any
	if schedule.LastRunAt != nil {
		lastRunAt = formatTime(*schedule.LastRunAt)
	}

	query := `
		INSERT INTO schedules (id, workflow_name, trigger_type, cron_expression, timezone, config, status, last_run_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			workflow_name = excluded.workflow_name,
			trigger_type = excluded.trigger_type,
			cron_expression = excluded.cron_expression,
			timezone = excluded.timezone,
			config = excluded.config,
			status = excluded.status
	`

	_, err = s.db.ExecContext(ctx, query,
		schedule.ID,
		schedule.WorkflowName,
		schedule.TriggerType,
		nullableString(schedule.CronExpression),
		nullableString(schedule.Timezone),
		string(configJSON),
		schedule.Status,
		lastRunAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert schedule %s: %w", schedule.ID, err)
	}

	return nil
}

// SetScheduleLastRun advances the schedule's last fire time. The guard
// keeps last_run_at monotonic even if ticks are processed out of order.
func (s *Store) SetScheduleLastRun(ctx context.Context, id string, lastRunAt time.Time) error {
	query := `
		UPDATE schedules
		SET last_run_at = ?
		WHERE id = ? AND (last_run_at IS NULL OR last_run_at < ?)
	`

	formatted := formatTime(lastRunAt)

	_, err := s.db.ExecContext(ctx, query, formatted, id, formatted)
	if err != nil {
		return fmt.Errorf("failed to set last run for schedule %s: %w", id, err)
	}

	return nil
}

// GetScheduleLastRun returns the persisted last fire time, or nil when
// the schedule has never fired.
func (s *Store) GetScheduleLastRun(ctx context.Context, id string) (*time.Time, error) {
	var lastRunAt sql.NullString

	err := s.db.QueryRowContext(ctx, "SELECT last_run_at FROM schedules WHERE id = ?", id).Scan(&lastRunAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrScheduleNotFound
		}

		return nil, fmt.Errorf("failed to query schedule %s: %w", id, err)
	}

	return parseNullableTime(lastRunAt)
}

// SetScheduleStatus flips a schedule between active and paused.
func (s *Store) SetScheduleStatus(ctx context.Context, id string, status models.ScheduleStatus) error {
	result, err := s.db.ExecContext(ctx, "UPDATE schedules SET status = ? WHERE id = ?", status, id)
	if err != nil {
		return fmt.Errorf("failed to set status for schedule %s: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		return ErrScheduleNotFound
	}

	return nil
}

// GetSchedule fetches a schedule row by id.
func (s *Store) GetSchedule(ctx context.Context, id string) (*models.Schedule, error) {
	row := s.db.QueryRowContext(ctx, selectSchedule+" WHERE id = ?", id)

	schedule, err := scanSchedule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrScheduleNotFound
		}

		return nil, fmt.Errorf("failed to scan schedule: %w", err)
	}

	return schedule, nil
}

// ListSchedules returns all schedule rows.
func (s *Store) ListSchedules(ctx context.Context) ([]*models.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, selectSchedule+" ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query schedules: %w", err)
	}

	defer func() {
		if err := rows.Close(); err != nil {
			s.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	schedules := make([]*models.Schedule, 0)

	for rows.Next() {
		schedule, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}

		schedules = append(schedules, schedule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating schedules: %w", err)
	}

	return schedules, nil
}

// DeleteSchedulesForWorkflow removes all schedule rows of a workflow.
func (s *Store) DeleteSchedulesForWorkflow(ctx context.Context, workflowName string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM schedules WHERE workflow_name = ?", workflowName)
	if err != nil {
		return fmt.Errorf("failed to delete schedules for workflow %s: %w", workflowName, err)
	}

	return nil
}

const selectSchedule = `
	SELECT
		id
	  , workflow_name
	  , trigger_type
	  , cron_expression
	  , timezone
	  , config
	  , status
	  , last_run_at
	FROM schedules
`

func scanSchedule(row rowScanner) (*models.Schedule, error) {
	var (
		schedule       models.Schedule
		cronExpression sql.NullString
		timezone       sql.NullString
		configJSON     sql.NullString
		status         string
		lastRunAt      sql.NullString
	)

	err := row.Scan(
		&schedule.ID,
		&schedule.WorkflowName,
		&schedule.TriggerType,
		&cronExpression,
		&timezone,
		&configJSON,
		&status,
		&lastRunAt,
	)
	if err != nil {
		return nil, err
	}

	schedule.CronExpression = cronExpression.String
	schedule.Timezone = timezone.String
	schedule.Status = models.ScheduleStatus(status)

	if configJSON.Valid && configJSON.String != "" {
		if err := json.Unmarshal([]byte(configJSON.String), &schedule.Config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal schedule config: %w", err)
		}
	}

	if schedule.LastRunAt, err = parseNullableTime(lastRunAt); err != nil {
		return nil, err
	}

	return &schedule, nil
}
