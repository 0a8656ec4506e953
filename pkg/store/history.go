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

// ErrHistoryNotFound is returned when a history lookup misses.
var ErrHistoryNotFound = errors.New("run history record not found")

// SaveCompletedRun atomically inserts the history row together with its
// logs and step records.
func (s *Store) SaveCompletedRun(ctx context.Context, run *models.CompletedRun) error {
	triggerDataJSON, err := json.Marshal(run.TriggerData)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger data: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO run_history (id, workflow_name, status, started_at, completed_at,
			duration_ms, error, trigger_type, trigger_data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		run.WorkflowName,
		run.Status,
		formatTime(run.StartedAt),
		formatTime(run.CompletedAt),
		run.DurationMS,
		nullableString(run.Error),
		nullableString(run.TriggerType),
		string(triggerDataJSON),
		formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to insert history row for run %s: %w", run.ID, err)
	}

	for _, logEntry := range run.Logs {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO run_logs (run_id, timestamp, level, step_id, message)
			VALUES (?, ?, ?, ?, ?)
		`,
			run.ID,
			formatTime(logEntry.Timestamp),
			logEntry.Level,
			nullableString(logEntry.StepID),
			logEntry.Message,
		)
		if err != nil {
			return fmt.Errorf("failed to insert log row for run %s: %w", run.ID, err)
		}
	}

	for _, stepRecord := range run.Steps {
		outputJSON, err := json.Marshal(stepRecord.Output)
		if err != nil {
			return fmt.Errorf("failed to marshal output for step %s: %w", stepRecord.StepID, err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO run_steps (run_id, step_id, status, duration_ms, error, output)
			VALUES (?, ?, ?, ?, ?, ?)
		`,
			run.ID,
			stepRecord.StepID,
			stepRecord.Status,
			stepRecord.DurationMS,
			nullableString(stepRecord.Error),
			string(outputJSON),
		)
		if err != nil {
			return fmt.Errorf("failed to insert step row for run %s: %w", run.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit history for run %s: %w", run.ID, err)
	}

	return nil
}

// GetRunHistory returns a page of completed runs, newest first. Logs and
// steps are not loaded here; use GetRunByID for the full record.
func (s *Store) GetRunHistory(ctx context.Context, filter models.HistoryFilter) ([]*models.CompletedRun, error) {
	query := selectHistory + " WHERE 1=1"
	args := make([]any, 0, 4)

	if filter.Days > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -filter.Days)
		query += " AND created_at >= ?"
		args = append(args, formatTime(cutoff))
	}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}

	if filter.WorkflowName != "" {
		query += " AND workflow_name = ?"
		args = append(args, filter.WorkflowName)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}

	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, (page-1)*limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query run history: %w", err)
	}

	defer func() {
		if err := rows.Close(); err != nil {
			s.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	runs := make([]*models.CompletedRun, 0)

	for rows.Next() {
		run, err := scanCompletedRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}

		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run history: %w", err)
	}

	return runs, nil
}

// GetRunByID returns one completed run including its logs and steps.
func (s *Store) GetRunByID(ctx context.Context, id string) (*models.CompletedRun, error) {
	row := s.db.QueryRowContext(ctx, selectHistory+" WHERE id = ?", id)

	run, err := scanCompletedRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrHistoryNotFound
		}

		return nil, fmt.Errorf("failed to scan history row: %w", err)
	}

	if run.Logs, err = s.loadRunLogs(ctx, id); err != nil {
		return nil, err
	}

	if run.Steps, err = s.loadRunSteps(ctx, id); err != nil {
		return nil, err
	}

	return run, nil
}

// CleanupOldData deletes history and token usage older than the cutoff.
// Logs and step rows cascade with their history row.
func (s *Store) CleanupOldData(ctx context.Context, daysToKeep int) error {
	cutoff := formatTime(time.Now().UTC().AddDate(0, 0, -daysToKeep))

	if _, err := s.db.ExecContext(ctx, "DELETE FROM run_history WHERE created_at < ?", cutoff); err != nil {
		return fmt.Errorf("failed to delete old run history: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, "DELETE FROM token_usage WHERE timestamp < ?", cutoff); err != nil {
		return fmt.Errorf("failed to delete old token usage: %w", err)
	}

	return nil
}

func (s *Store) loadRunLogs(ctx context.Context, runID string) ([]*models.RunLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, level, step_id, message
		FROM run_logs
		WHERE run_id = ?
		ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query run logs: %w", err)
	}

	defer func() {
		if err := rows.Close(); err != nil {
			s.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	logs := make([]*models.RunLog, 0)

	for rows.Next() {
		var (
			entry     models.RunLog
			timestamp string
			stepID    sql.NullString
		)

		if err := rows.Scan(&timestamp, &entry.Level, &stepID, &entry.Message); err != nil {
			return nil, fmt.Errorf("failed to scan log row: %w", err)
		}

		entry.StepID = stepID.String

		if entry.Timestamp, err = parseTime(timestamp); err != nil {
			return nil, err
		}

		logs = append(logs, &entry)
	}

	return logs, rows.Err()
}

func (s *Store) loadRunSteps(ctx context.Context, runID string) ([]*models.StepRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT step_id, status, duration_ms, error, output
		FROM run_steps
		WHERE run_id = ?
		ORDER BY step_id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query run steps: %w", err)
	}

	defer func() {
		if err := rows.Close(); err != nil {
			s.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	steps := make([]*models.StepRecord, 0)

	for rows.Next() {
		var (
			record     models.StepRecord
			status     string
			durationMS sql.NullInt64
			errMsg     sql.NullString
			outputJSON sql.NullString
		)

		if err := rows.Scan(&record.StepID, &status, &durationMS, &errMsg, &outputJSON); err != nil {
			return nil, fmt.Errorf("failed to scan step row: %w", err)
		}

		record.Status = models.StepStatus(status)
		record.DurationMS = durationMS.Int64
		record.Error = errMsg.String

		if outputJSON.Valid && outputJSON.String != "" && outputJSON.String != "null" {
			if err := json.Unmarshal([]byte(outputJSON.String), &record.Output); err != nil {
				return nil, fmt.Errorf("failed to unmarshal step output: %w", err)
			}
		}

		steps = append(steps, &record)
	}

	return steps, rows.Err()
}

const selectHistory = `
	SELECT
		id
	  , workflow_name
	  , status
	  , started_at
	  , completed_at
	  , duration_ms
	  , error
	  , trigger_type
	  , trigger_data
	FROM run_history
`

func scanCompletedRun(row rowScanner) (*models.CompletedRun, error) {
	var (
		run         models.CompletedRun
		status      string
		startedAt   string
		completedAt string
		errMsg      sql.NullString
		triggerType sql.NullString
		triggerData sql.NullString
	)

	err := row.Scan(
		&run.ID,
		&run.WorkflowName,
		&status,
		&startedAt,
		&completedAt,
		&run.DurationMS,
		&errMsg,
		&triggerType,
		&triggerData,
	)
	if err != nil {
		return nil, err
	}

	run.Status = models.RunStatus(status)
	run.Error = errMsg.String
	run.TriggerType = triggerType.String

	if triggerData.Valid && triggerData.String != "" && triggerData.String != "null" {
		if err := json.Unmarshal([]byte(triggerData.String), &run.TriggerData); err != nil {
			return nil, fmt.Errorf("failed to unmarshal trigger data: %w", err)
		}
	}

	if run.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}

	if run.CompletedAt, err = parseTime(completedAt); err != nil {
		return nil, err
	}

	return &run, nil
}
