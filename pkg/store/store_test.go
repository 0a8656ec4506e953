package store

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weavr-dev/weavr/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	s, err := Open(context.Background(), logger, filepath.Join(t.TempDir(), "scheduler.db"))
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})

	return s
}

func enqueue(t *testing.T, s *Store, name string) *models.QueuedRun {
	t.Helper()

	run, err := s.EnqueueRun(context.Background(), models.EnqueueInput{
		WorkflowName:    name,
		TriggerType:     "manual",
		TriggerData:     map[string]any{"x": "hi"},
		WorkflowContent: "name: " + name,
	})
	require.NoError(t, err)

	return run
}

func TestEnqueueAndClaim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := enqueue(t, s, "wf-one")
	time.Sleep(2 * time.Millisecond)
	second := enqueue(t, s, "wf-two")

	claimed, err := s.ClaimNextRuns(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// FIFO by created_at.
	assert.Equal(t, first.ID, claimed[0].ID)
	assert.Equal(t, models.QueueStatusRunning, claimed[0].Status)
	assert.Equal(t, 1, claimed[0].Attempts)
	assert.NotNil(t, claimed[0].StartedAt)
	assert.Equal(t, map[string]any{"x": "hi"}, claimed[0].TriggerData)
	assert.Equal(t, "name: wf-one", claimed[0].WorkflowContent)

	claimed, err = s.ClaimNextRuns(ctx, 5)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, second.ID, claimed[0].ID)

	// Nothing queued remains.
	claimed, err = s.ClaimNextRuns(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestClaimSkipsFutureAttempts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := enqueue(t, s, "wf-retry")

	claimed, err := s.ClaimNextRuns(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// Push the next attempt into the future; the row must be invisible.
	require.NoError(t, s.RescheduleRun(ctx, run.ID, time.Now().Add(time.Hour), "boom"))

	claimed, err = s.ClaimNextRuns(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	// And visible again once due.
	require.NoError(t, s.RescheduleRun(ctx, run.ID, time.Now().Add(-time.Second), "boom"))

	claimed, err = s.ClaimNextRuns(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 2, claimed[0].Attempts)
}

func TestClaimIsExclusive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for range 5 {
		enqueue(t, s, "wf-race")
	}

	type result struct {
		ids []string
		err error
	}

	results := make(chan result, 2)

	for range 2 {
		go func() {
			claimed, err := s.ClaimNextRuns(ctx, 5)

			ids := make([]string, 0, len(claimed))
			for _, run := range claimed {
				ids = append(ids, run.ID)
			}

			results <- result{ids: ids, err: err}
		}()
	}

	seen := make(map[string]int)
	total := 0

	for range 2 {
		r := <-results
		require.NoError(t, r.err)

		for _, id := range r.ids {
			seen[id]++
			total++
		}
	}

	// Every row claimed exactly once across both claimers.
	assert.Equal(t, 5, total)

	for id, count := range seen {
		assert.Equal(t, 1, count, "run %s claimed %d times", id, count)
	}
}

func TestMarkRunCompleted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := enqueue(t, s, "wf-done")

	_, err := s.ClaimNextRuns(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, s.MarkRunCompleted(ctx, run.ID, models.QueueStatusFailed, "step exploded"))

	stored, err := s.GetQueuedRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusFailed, stored.Status)
	assert.Equal(t, "step exploded", stored.Error)
	assert.NotNil(t, stored.CompletedAt)

	assert.ErrorIs(t, s.MarkRunCompleted(ctx, "missing", models.QueueStatusCompleted, ""), ErrRunNotFound)
}

func TestRecoverStaleRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := enqueue(t, s, "wf-stale")

	claimed, err := s.ClaimNextRuns(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// Zero grace treats every running row as stale.
	recovered, err := s.RecoverStaleRuns(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	stored, err := s.GetQueuedRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusQueued, stored.Status)
	assert.Equal(t, "interrupted", stored.Error)
	// Attempts survive the recovery.
	assert.Equal(t, 1, stored.Attempts)
}

func TestScheduleLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	schedule := &models.Schedule{
		ID:             models.ScheduleID("digest", models.TriggerTypeCron, 0),
		WorkflowName:   "digest",
		TriggerType:    models.TriggerTypeCron,
		CronExpression: "*/5 * * * *",
		Timezone:       "UTC",
		Status:         models.ScheduleStatusActive,
	}

	require.NoError(t, s.UpsertSchedule(ctx, schedule))

	lastRun, err := s.GetScheduleLastRun(ctx, schedule.ID)
	require.NoError(t, err)
	assert.Nil(t, lastRun)

	fire := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.SetScheduleLastRun(ctx, schedule.ID, fire))

	// Re-upserting must not clobber last_run_at.
	require.NoError(t, s.UpsertSchedule(ctx, schedule))

	lastRun, err = s.GetScheduleLastRun(ctx, schedule.ID)
	require.NoError(t, err)
	require.NotNil(t, lastRun)
	assert.True(t, lastRun.Equal(fire))

	// last_run_at is monotonic: an older tick is ignored.
	require.NoError(t, s.SetScheduleLastRun(ctx, schedule.ID, fire.Add(-time.Minute)))

	lastRun, err = s.GetScheduleLastRun(ctx, schedule.ID)
	require.NoError(t, err)
	assert.True(t, lastRun.Equal(fire))

	require.NoError(t, s.SetScheduleStatus(ctx, schedule.ID, models.ScheduleStatusPaused))

	stored, err := s.GetSchedule(ctx, schedule.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ScheduleStatusPaused, stored.Status)

	require.NoError(t, s.DeleteSchedulesForWorkflow(ctx, "digest"))

	_, err = s.GetSchedule(ctx, schedule.ID)
	assert.ErrorIs(t, err, ErrScheduleNotFound)
}

func TestListSchedules(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, name := range []string{"alpha", "beta"} {
		require.NoError(t, s.UpsertSchedule(ctx, &models.Schedule{
			ID:           models.ScheduleID(name, models.TriggerTypeWebhook, i),
			WorkflowName: name,
			TriggerType:  models.TriggerTypeWebhook,
			Config:       map[string]any{"path": name},
			Status:       models.ScheduleStatusActive,
		}))
	}

	schedules, err := s.ListSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, schedules, 2)
	assert.Equal(t, map[string]any{"path": "alpha"}, schedules[0].Config)
}
