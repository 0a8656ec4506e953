package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/weavr-dev/weavr/pkg/models"
)

// timeLayout is fixed-width so lexical comparison of stored values
// matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// ErrRunNotFound is returned when a queue row lookup misses.
var ErrRunNotFound = errors.New("queued run not found")

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse stored time %q: %w", s, err)
	}

	return t, nil
}

// EnqueueRun inserts a new queued row ready for immediate claim.
func (s *Store) EnqueueRun(ctx context.Context, input models.EnqueueInput) (*models.QueuedRun, error) {
	id := input.ID
	if id == "" {
		id = uuid.New().String()
	}

	now := time.Now().UTC()

	triggerDataJSON, err := json.Marshal(input.TriggerData)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal trigger data: %w", err)
	}

	var scheduledFor any
	if input.ScheduledFor != nil {
		scheduledFor = formatTime(*input.ScheduledFor)
	}

	query := `
		INSERT INTO queued_runs (id, workflow_name, trigger_type, trigger_data,
			workflow_content, status, attempts, next_attempt_at, created_at, scheduled_for)
		VALUES (?, ?, ?, ?, ?, 'queued', 0, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		id,
		input.WorkflowName,
		input.TriggerType,
		string(triggerDataJSON),
		input.WorkflowContent,
		formatTime(now),
		formatTime(now),
		scheduledFor,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue run: %w", err)
	}

	run := &models.QueuedRun{
		ID:              id,
		WorkflowName:    input.WorkflowName,
		TriggerType:     input.TriggerType,
		TriggerData:     input.TriggerData,
		WorkflowContent: input.WorkflowContent,
		Status:          models.QueueStatusQueued,
		NextAttemptAt:   now,
		CreatedAt:       now,
		ScheduledFor:    input.ScheduledFor,
	}

	return run, nil
}

// ClaimNextRuns atomically transitions up to limit due queued rows to
// running, oldest first, incrementing attempts. The status guard on the
// update keeps the claim linearizable: a row already taken by a
// concurrent claimer is skipped.
func (s *Store) ClaimNextRuns(ctx context.Context, limit int) ([]*models.QueuedRun, error) {
	if limit <= 0 {
		return nil, nil
	}

	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	query := selectQueuedRun + `
		WHERE status = 'queued' AND next_attempt_at <= ?
		ORDER BY created_at ASC
		LIMIT ?
	`

	rows, err := tx.QueryContext(ctx, query, formatTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query claimable runs: %w", err)
	}

	candidates := make([]*models.QueuedRun, 0, limit)

	for rows.Next() {
		run, err := scanQueuedRun(rows)
		if err != nil {
			_ = rows.Close()

			return nil, fmt.Errorf("failed to scan queued run: %w", err)
		}

		candidates = append(candidates, run)
	}

	if err := rows.Err(); err != nil {
		_ = rows.Close()

		return nil, fmt.Errorf("error iterating claimable runs: %w", err)
	}

	_ = rows.Close()

	claimed := make([]*models.QueuedRun, 0, len(candidates))

	for _, run := range candidates {
		result, err := tx.ExecContext(ctx, `
			UPDATE queued_runs
			SET status = 'running', started_at = ?, attempts = attempts + 1
			WHERE id = ? AND status = 'queued'
		`, formatTime(now), run.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to claim run %s: %w", run.ID, err)
		}

		affected, err := result.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to get rows affected for run %s: %w", run.ID, err)
		}

		if affected == 0 {
			// Lost the race to another claimer.
			continue
		}

		startedAt := now
		run.Status = models.QueueStatusRunning
		run.StartedAt = &startedAt
		run.Attempts++
		claimed = append(claimed, run)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim transaction: %w", err)
	}

	return claimed, nil
}

// MarkRunCompleted performs the terminal transition of a queue row.
func (s *Store) MarkRunCompleted(ctx context.Context, id string, status models.QueueStatus, errMsg string) error {
	query := `
		UPDATE queued_runs
		SET status = ?, completed_at = ?, error = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query, status, formatTime(time.Now()), nullableString(errMsg), id)
	if err != nil {
		return fmt.Errorf("failed to mark run %s completed: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		return ErrRunNotFound
	}

	return nil
}

// RescheduleRun returns a claimed row to the queue for a later attempt.
func (s *Store) RescheduleRun(ctx context.Context, id string, nextAttemptAt time.Time, errMsg string) error {
	query := `
		UPDATE queued_runs
		SET status = 'queued', next_attempt_at = ?, error = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query, formatTime(nextAttemptAt), nullableString(errMsg), id)
	if err != nil {
		return fmt.Errorf("failed to reschedule run %s: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		return ErrRunNotFound
	}

	return nil
}

// RecoverStaleRuns returns rows stuck in running since before the grace
// interval back to queued, preserving attempts. This runs once on
// startup to resume work interrupted by a crash or shutdown.
func (s *Store) RecoverStaleRuns(ctx context.Context, grace time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-grace)

	result, err := s.db.ExecContext(ctx, `
		UPDATE queued_runs
		SET status = 'queued', next_attempt_at = ?, error = 'interrupted'
		WHERE status = 'running' AND started_at < ?
	`, formatTime(time.Now()), formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to recover stale runs: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return int(affected), nil
}

// GetQueuedRun fetches a single queue row by id.
func (s *Store) GetQueuedRun(ctx context.Context, id string) (*models.QueuedRun, error) {
	row := s.db.QueryRowContext(ctx, selectQueuedRun+" WHERE id = ?", id)

	run, err := scanQueuedRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}

		return nil, fmt.Errorf("failed to scan queued run: %w", err)
	}

	return run, nil
}

const selectQueuedRun = `
	SELECT
		id
	  , workflow_name
	  , trigger_type
	  , trigger_data
	  , workflow_content
	  , status
	  , attempts
	  , next_attempt_at
	  , created_at
	  , started_at
	  , completed_at
	  , scheduled_for
	  , error
	FROM queued_runs
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueuedRun(row rowScanner) (*models.QueuedRun, error) {
	var (
		run           models.QueuedRun
		triggerData   sql.NullString
		status        string
		nextAttemptAt string
		createdAt     string
		startedAt     sql.NullString
		completedAt   sql.NullString
		scheduledFor  sql.NullString
		errMsg        sql.NullString
	)

	err := row.Scan(
		&run.ID,
		&run.WorkflowName,
		&run.TriggerType,
		&triggerData,
		&run.WorkflowContent,
		&status,
		&run.Attempts,
		&nextAttemptAt,
		&createdAt,
		&startedAt,
		&completedAt,
		&scheduledFor,
		&errMsg,
	)
	if err != nil {
		return nil, err
	}

	run.Status = models.QueueStatus(status)
	run.Error = errMsg.String

	if triggerData.Valid && triggerData.String != "" {
		if err := json.Unmarshal([]byte(triggerData.String), &run.TriggerData); err != nil {
			return nil, fmt.Errorf("failed to unmarshal trigger data: %w", err)
		}
	}

	if run.NextAttemptAt, err = parseTime(nextAttemptAt); err != nil {
		return nil, err
	}

	if run.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}

	if run.StartedAt, err = parseNullableTime(startedAt); err != nil {
		return nil, err
	}

	if run.CompletedAt, err = parseNullableTime(completedAt); err != nil {
		return nil, err
	}

	if run.ScheduledFor, err = parseNullableTime(scheduledFor); err != nil {
		return nil, err
	}

	return &run, nil
}

func parseNullableTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}

	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}

	return &t, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}

	return s
}
