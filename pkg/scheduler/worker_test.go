package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weavr-dev/weavr/pkg/actions"
	"github.com/weavr-dev/weavr/pkg/executor"
	"github.com/weavr-dev/weavr/pkg/models"
	"github.com/weavr-dev/weavr/pkg/registry"
	"github.com/weavr-dev/weavr/pkg/store"
)

const failingWorkflow = `
name: doomed
triggers: []
steps:
  - id: step-1
    action: always.fails
    config: {}
`

const greetingWorkflow = `
name: greeter
triggers: []
steps:
  - id: greet
    action: transform
    config:
      template: "hello"
`

type completionLog struct {
	mu      sync.Mutex
	entries []models.RunStatus
}

func (c *completionLog) record(_, _ string, status models.RunStatus, _ string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = append(c.entries, status)
}

func (c *completionLog) statuses() []models.RunStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]models.RunStatus(nil), c.entries...)
}

func newTestWorker(t *testing.T, cfg Config) (*Worker, *store.Store, *completionLog) {
	t.Helper()

	logger := testLogger()

	st, err := store.Open(context.Background(), logger, filepath.Join(t.TempDir(), "worker.db"))
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, st.Close())
	})

	reg := registry.NewRegistry(logger)
	require.NoError(t, actions.RegisterAll(reg))
	require.NoError(t, reg.RegisterAction(&failingAction{}))

	exec := executor.NewExecutor(logger, reg, executor.NewAssembler(logger, nil), executor.Callbacks{}, nil)

	cfg.withDefaults()

	completions := &completionLog{}

	return NewWorker(logger, st, exec, cfg, completions.record), st, completions
}

func enqueueWorkerRun(t *testing.T, st *store.Store, name, content string) string {
	t.Helper()

	run, err := st.EnqueueRun(context.Background(), models.EnqueueInput{
		WorkflowName:    name,
		TriggerType:     models.TriggerTypeManual,
		TriggerData:     map[string]any{"type": models.TriggerTypeManual},
		WorkflowContent: content,
	})
	require.NoError(t, err)

	return run.ID
}

func TestWorkerCompletesRun(t *testing.T) {
	w, st, completions := newTestWorker(t, Config{PollInterval: 10 * time.Millisecond})
	ctx := context.Background()

	runID := enqueueWorkerRun(t, st, "greeter", greetingWorkflow)

	w.Start(ctx)
	defer w.Stop()

	require.Eventually(t, func() bool {
		queued, err := st.GetQueuedRun(ctx, runID)

		return err == nil && queued.Status == models.QueueStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	history, err := st.GetRunByID(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSuccess, history.Status)
	assert.Empty(t, history.Error)
	require.Len(t, history.Steps, 1)
	assert.Equal(t, "greet", history.Steps[0].StepID)
	assert.GreaterOrEqual(t, history.DurationMS, int64(0))

	assert.Equal(t, []models.RunStatus{models.RunStatusSuccess}, completions.statuses())
}

func TestWorkerExhaustsRetriesThenFails(t *testing.T) {
	w, st, completions := newTestWorker(t, Config{
		PollInterval: 10 * time.Millisecond,
		MaxAttempts:  3,
		RetryDelay:   20 * time.Millisecond,
	})
	ctx := context.Background()

	runID := enqueueWorkerRun(t, st, "doomed", failingWorkflow)

	w.Start(ctx)
	defer w.Stop()

	require.Eventually(t, func() bool {
		queued, err := st.GetQueuedRun(ctx, runID)

		return err == nil && queued.Status == models.QueueStatusFailed
	}, 10*time.Second, 10*time.Millisecond)

	queued, err := st.GetQueuedRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, 3, queued.Attempts)
	assert.Contains(t, queued.Error, "step-1")

	history, err := st.GetRunByID(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, history.Status)
	require.Len(t, history.Steps, 1)
	assert.Equal(t, models.StepStatusFailed, history.Steps[0].Status)

	// Intermediate retries never produce history records.
	assert.Equal(t, []models.RunStatus{models.RunStatusFailed}, completions.statuses())
}

func TestRescheduleBackoffGrowsExponentially(t *testing.T) {
	w, st, _ := newTestWorker(t, Config{RetryDelay: time.Second})
	ctx := context.Background()

	runID := enqueueWorkerRun(t, st, "doomed", failingWorkflow)

	claimed, err := st.ClaimNextRuns(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	w.rescheduleRun(ctx, claimed[0], "first failure")

	queued, err := st.GetQueuedRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusQueued, queued.Status)
	assert.Equal(t, "first failure", queued.Error)
	assert.WithinDuration(t, time.Now().UTC().Add(time.Second), queued.NextAttemptAt, 500*time.Millisecond)

	// Third attempt backs off at 4x the base delay.
	w.rescheduleRun(ctx, &models.QueuedRun{ID: runID, Attempts: 3}, "third failure")

	queued, err = st.GetQueuedRun(ctx, runID)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC().Add(4*time.Second), queued.NextAttemptAt, 500*time.Millisecond)
}

func TestWorkerUnparseableContentIsTerminal(t *testing.T) {
	w, st, completions := newTestWorker(t, Config{PollInterval: 10 * time.Millisecond, MaxAttempts: 3})
	ctx := context.Background()

	runID := enqueueWorkerRun(t, st, "garbled", "steps: [unclosed")

	w.Start(ctx)
	defer w.Stop()

	require.Eventually(t, func() bool {
		queued, err := st.GetQueuedRun(ctx, runID)

		return err == nil && queued.Status == models.QueueStatusFailed
	}, 5*time.Second, 10*time.Millisecond)

	// No retries: the content travels with the row, so a second claim
	// would parse the same bytes.
	queued, err := st.GetQueuedRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, 1, queued.Attempts)

	history, err := st.GetRunByID(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, history.Status)
	assert.Empty(t, history.Steps)

	assert.Equal(t, []models.RunStatus{models.RunStatusFailed}, completions.statuses())
}

func TestWorkerRespectsConcurrencyLimit(t *testing.T) {
	w, st, _ := newTestWorker(t, Config{MaxConcurrency: 1})
	ctx := context.Background()

	enqueueWorkerRun(t, st, "greeter", greetingWorkflow)
	enqueueWorkerRun(t, st, "greeter", greetingWorkflow)
	enqueueWorkerRun(t, st, "greeter", greetingWorkflow)

	w.poll(ctx)

	defer w.Stop()

	claimed, err := st.ClaimNextRuns(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, claimed, 2, "expected exactly one run claimed by the worker")
}
