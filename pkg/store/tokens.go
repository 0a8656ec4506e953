package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/weavr-dev/weavr/pkg/models"
)

// TrackTokenUsage appends one AI token accounting entry.
func (s *Store) TrackTokenUsage(ctx context.Context, usage *models.TokenUsage) error {
	timestamp := usage.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO token_usage (timestamp, input_tokens, output_tokens, model, workflow_name, run_id)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		formatTime(timestamp),
		usage.InputTokens,
		usage.OutputTokens,
		nullableString(usage.Model),
		nullableString(usage.WorkflowName),
		nullableString(usage.RunID),
	)
	if err != nil {
		return fmt.Errorf("failed to track token usage: %w", err)
	}

	return nil
}

// GetTokenUsage returns usage entries with totals over the selected
// window, newest first.
func (s *Store) GetTokenUsage(ctx context.Context, filter models.TokenUsageFilter) (*models.TokenUsageSummary, error) {
	query := `
		SELECT timestamp, input_tokens, output_tokens, model, workflow_name, run_id
		FROM token_usage
		WHERE 1=1
	`
	args := make([]any, 0, 2)

	if filter.Days > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -filter.Days)
		query += " AND timestamp >= ?"
		args = append(args, formatTime(cutoff))
	}

	if filter.WorkflowName != "" {
		query += " AND workflow_name = ?"
		args = append(args, filter.WorkflowName)
	}

	query += " ORDER BY timestamp DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query token usage: %w", err)
	}

	defer func() {
		if err := rows.Close(); err != nil {
			s.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	summary := &models.TokenUsageSummary{Entries: make([]*models.TokenUsage, 0)}

	for rows.Next() {
		var (
			entry        models.TokenUsage
			timestamp    string
			model        sql.NullString
			workflowName sql.NullString
			runID        sql.NullString
		)

		err := rows.Scan(&timestamp, &entry.InputTokens, &entry.OutputTokens, &model, &workflowName, &runID)
		if err != nil {
			return nil, fmt.Errorf("failed to scan token usage row: %w", err)
		}

		entry.Model = model.String
		entry.WorkflowName = workflowName.String
		entry.RunID = runID.String

		if entry.Timestamp, err = parseTime(timestamp); err != nil {
			return nil, err
		}

		summary.InputTokens += entry.InputTokens
		summary.OutputTokens += entry.OutputTokens
		summary.Entries = append(summary.Entries, &entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating token usage: %w", err)
	}

	return summary, nil
}
