package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weavr-dev/weavr/pkg/models"
)

func sampleCompletedRun(id, workflow string, status models.RunStatus) *models.CompletedRun {
	started := time.Date(2026, 8, 25, 9, 30, 0, 0, time.UTC)

	return &models.CompletedRun{
		ID:           id,
		WorkflowName: workflow,
		Status:       status,
		StartedAt:    started,
		CompletedAt:  started.Add(3 * time.Second),
		DurationMS:   3000,
		TriggerType:  models.TriggerTypeCron,
		TriggerData:  map[string]any{"expression": "0 9 * * *"},
		Logs: []*models.RunLog{
			{Timestamp: started, Level: "info", Message: "run started"},
			{Timestamp: started.Add(time.Second), Level: "info", StepID: "fetch", Message: "step completed"},
		},
		Steps: []*models.StepRecord{
			{StepID: "fetch", Status: models.StepStatusCompleted, DurationMS: 950, Output: map[string]any{"status_code": float64(200)}},
			{StepID: "notify", Status: models.StepStatusCompleted, DurationMS: 420, Output: "sent"},
		},
	}
}

func TestSaveAndGetRunByID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	saved := sampleCompletedRun("run-1", "daily-digest", models.RunStatusSuccess)
	require.NoError(t, s.SaveCompletedRun(ctx, saved))

	loaded, err := s.GetRunByID(ctx, "run-1")
	require.NoError(t, err)

	assert.Equal(t, saved.WorkflowName, loaded.WorkflowName)
	assert.Equal(t, saved.Status, loaded.Status)
	assert.Equal(t, saved.DurationMS, loaded.DurationMS)
	assert.Equal(t, saved.TriggerType, loaded.TriggerType)
	assert.Equal(t, saved.TriggerData, loaded.TriggerData)
	assert.True(t, loaded.StartedAt.Equal(saved.StartedAt))
	assert.True(t, loaded.CompletedAt.Equal(saved.CompletedAt))

	require.Len(t, loaded.Logs, 2)
	assert.Equal(t, "run started", loaded.Logs[0].Message)
	assert.Equal(t, "fetch", loaded.Logs[1].StepID)

	require.Len(t, loaded.Steps, 2)
	assert.Equal(t, map[string]any{"status_code": float64(200)}, loaded.Steps[0].Output)
	assert.Equal(t, "sent", loaded.Steps[1].Output)

	_, err = s.GetRunByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrHistoryNotFound)
}

func TestGetRunHistoryFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveCompletedRun(ctx, sampleCompletedRun("run-a", "daily-digest", models.RunStatusSuccess)))
	require.NoError(t, s.SaveCompletedRun(ctx, sampleCompletedRun("run-b", "daily-digest", models.RunStatusFailed)))
	require.NoError(t, s.SaveCompletedRun(ctx, sampleCompletedRun("run-c", "alerts", models.RunStatusSuccess)))

	runs, err := s.GetRunHistory(ctx, models.HistoryFilter{})
	require.NoError(t, err)
	assert.Len(t, runs, 3)
	// Summary listing leaves children unloaded.
	assert.Empty(t, runs[0].Logs)
	assert.Empty(t, runs[0].Steps)

	runs, err = s.GetRunHistory(ctx, models.HistoryFilter{Status: models.RunStatusFailed})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-b", runs[0].ID)

	runs, err = s.GetRunHistory(ctx, models.HistoryFilter{WorkflowName: "alerts"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-c", runs[0].ID)

	runs, err = s.GetRunHistory(ctx, models.HistoryFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	runs, err = s.GetRunHistory(ctx, models.HistoryFilter{Limit: 2, Page: 2})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestTokenUsageSummary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.TrackTokenUsage(ctx, &models.TokenUsage{
		InputTokens:  120,
		OutputTokens: 80,
		Model:        "gpt-4o-mini",
		WorkflowName: "daily-digest",
		RunID:        "run-a",
	}))
	require.NoError(t, s.TrackTokenUsage(ctx, &models.TokenUsage{
		InputTokens:  200,
		OutputTokens: 40,
		Model:        "claude-sonnet",
		WorkflowName: "alerts",
	}))

	summary, err := s.GetTokenUsage(ctx, models.TokenUsageFilter{})
	require.NoError(t, err)
	assert.Equal(t, 320, summary.InputTokens)
	assert.Equal(t, 120, summary.OutputTokens)
	assert.Len(t, summary.Entries, 2)

	summary, err = s.GetTokenUsage(ctx, models.TokenUsageFilter{WorkflowName: "alerts"})
	require.NoError(t, err)
	assert.Equal(t, 200, summary.InputTokens)
	require.Len(t, summary.Entries, 1)
	assert.Equal(t, "claude-sonnet", summary.Entries[0].Model)
	assert.False(t, summary.Entries[0].Timestamp.IsZero())
}

func TestCleanupOldData(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveCompletedRun(ctx, sampleCompletedRun("run-old", "daily-digest", models.RunStatusSuccess)))
	require.NoError(t, s.TrackTokenUsage(ctx, &models.TokenUsage{InputTokens: 10, OutputTokens: 5}))

	// A negative retention puts the cutoff in the future, so every row
	// counts as old.
	require.NoError(t, s.CleanupOldData(ctx, -1))

	runs, err := s.GetRunHistory(ctx, models.HistoryFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)

	summary, err := s.GetTokenUsage(ctx, models.TokenUsageFilter{})
	require.NoError(t, err)
	assert.Empty(t, summary.Entries)
}
