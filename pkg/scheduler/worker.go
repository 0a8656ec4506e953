package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/weavr-dev/weavr/pkg/executor"
	"github.com/weavr-dev/weavr/pkg/models"
	"github.com/weavr-dev/weavr/pkg/store"
	"github.com/weavr-dev/weavr/pkg/workflow"
)

// Worker is the run queue poll loop: it claims due runs up to the
// concurrency limit, drives the executor, and reports completion or
// schedules the next queue-level retry.
type Worker struct {
	logger   *slog.Logger
	store    *store.Store
	executor *executor.Executor

	maxConcurrency int
	pollInterval   time.Duration
	maxAttempts    int
	retryDelay     time.Duration

	onCompleted func(name, runID string, status models.RunStatus, errMsg string)

	mu     sync.Mutex
	active map[string]struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewWorker(
	logger *slog.Logger,
	st *store.Store,
	exec *executor.Executor,
	cfg Config,
	onCompleted func(name, runID string, status models.RunStatus, errMsg string),
) *Worker {
	return &Worker{
		logger:         logger.With("module", "worker"),
		store:          st,
		executor:       exec,
		maxConcurrency: cfg.MaxConcurrency,
		pollInterval:   cfg.PollInterval,
		maxAttempts:    cfg.MaxAttempts,
		retryDelay:     cfg.RetryDelay,
		onCompleted:    onCompleted,
		active:         make(map[string]struct{}),
		stopCh:         make(chan struct{}),
	}
}

// Start launches the poll loop. It returns immediately.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)

	go func() {
		defer w.wg.Done()

		ticker := time.NewTicker(w.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-w.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.poll(ctx)
			}
		}
	}()
}

// Stop halts polling and waits for in-flight runs to finish.
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}

// ActiveRuns returns the number of currently executing runs.
func (w *Worker) ActiveRuns() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	return len(w.active)
}

func (w *Worker) poll(ctx context.Context) {
	available := w.maxConcurrency - w.ActiveRuns()
	if available <= 0 {
		return
	}

	claimed, err := w.store.ClaimNextRuns(ctx, available)
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to claim runs", "error", err)

		return
	}

	for _, run := range claimed {
		w.mu.Lock()
		w.active[run.ID] = struct{}{}
		w.mu.Unlock()

		w.wg.Add(1)

		go func(run *models.QueuedRun) {
			defer w.wg.Done()
			defer func() {
				w.mu.Lock()
				delete(w.active, run.ID)
				w.mu.Unlock()
			}()

			w.processRun(ctx, run)
		}(run)
	}
}

func (w *Worker) processRun(ctx context.Context, queued *models.QueuedRun) {
	logger := w.logger.With("workflow", queued.WorkflowName, "run_id", queued.ID, "attempt", queued.Attempts)
	logger.InfoContext(ctx, "Processing run")

	wf, err := workflow.Parse([]byte(queued.WorkflowContent))
	if err != nil {
		// A document that no longer parses will never succeed; retrying
		// would claim it again with the same content.
		logger.ErrorContext(ctx, "Workflow content unparseable", "error", err)
		w.finishRun(ctx, queued, nil, nil, err.Error())

		return
	}

	if wf.Name == "" {
		wf.Name = queued.WorkflowName
	}

	run, logs := w.executor.Execute(ctx, wf, queued.ID, queued.TriggerData)

	if run.Status == models.RunStatusFailed && queued.Attempts < w.maxAttempts {
		w.rescheduleRun(ctx, queued, run.Error)

		return
	}

	w.finishRun(ctx, queued, run, logs, run.Error)
}

// rescheduleRun returns a failed run to the queue with exponential
// backoff rooted at retryDelay.
func (w *Worker) rescheduleRun(ctx context.Context, queued *models.QueuedRun, errMsg string) {
	backoff := w.retryDelay * time.Duration(1<<(queued.Attempts-1))
	nextAttempt := time.Now().UTC().Add(backoff)

	w.logger.WarnContext(ctx, "Run failed, scheduling retry",
		"run_id", queued.ID, "attempt", queued.Attempts,
		"max_attempts", w.maxAttempts, "next_attempt_at", nextAttempt)

	if err := w.store.RescheduleRun(ctx, queued.ID, nextAttempt, errMsg); err != nil {
		w.logger.ErrorContext(ctx, "Failed to reschedule run", "run_id", queued.ID, "error", err)
	}
}

// finishRun performs the terminal queue transition and appends the
// history record. A nil run means execution never started.
func (w *Worker) finishRun(
	ctx context.Context,
	queued *models.QueuedRun,
	run *models.WorkflowRun,
	logs []*models.RunLog,
	errMsg string,
) {
	queueStatus := models.QueueStatusCompleted
	runStatus := models.RunStatusSuccess

	if run == nil || run.Status == models.RunStatusFailed {
		queueStatus = models.QueueStatusFailed
		runStatus = models.RunStatusFailed
	}

	if err := w.store.MarkRunCompleted(ctx, queued.ID, queueStatus, errMsg); err != nil {
		w.logger.ErrorContext(ctx, "Failed to mark run completed", "run_id", queued.ID, "error", err)
	}

	completed := buildCompletedRun(queued, run, logs, runStatus, errMsg)
	if err := w.store.SaveCompletedRun(ctx, completed); err != nil {
		w.logger.ErrorContext(ctx, "Failed to save run history", "run_id", queued.ID, "error", err)
	}

	w.logger.InfoContext(ctx, "Run finished", "run_id", queued.ID, "status", runStatus)

	if w.onCompleted != nil {
		w.onCompleted(queued.WorkflowName, queued.ID, runStatus, errMsg)
	}
}

func buildCompletedRun(
	queued *models.QueuedRun,
	run *models.WorkflowRun,
	logs []*models.RunLog,
	status models.RunStatus,
	errMsg string,
) *models.CompletedRun {
	now := time.Now().UTC()

	completed := &models.CompletedRun{
		ID:           queued.ID,
		WorkflowName: queued.WorkflowName,
		Status:       status,
		StartedAt:    now,
		CompletedAt:  now,
		Error:        errMsg,
		TriggerType:  queued.TriggerType,
		TriggerData:  queued.TriggerData,
		Logs:         logs,
	}

	if queued.StartedAt != nil {
		completed.StartedAt = *queued.StartedAt
	}

	if run == nil {
		completed.DurationMS = completed.CompletedAt.Sub(completed.StartedAt).Milliseconds()

		return completed
	}

	completed.StartedAt = run.StartedAt
	if run.CompletedAt != nil {
		completed.CompletedAt = *run.CompletedAt
	}

	completed.DurationMS = completed.CompletedAt.Sub(completed.StartedAt).Milliseconds()

	completed.Steps = make([]*models.StepRecord, 0, len(run.Steps))
	for _, result := range run.Steps {
		completed.Steps = append(completed.Steps, &models.StepRecord{
			StepID:     result.ID,
			Status:     result.Status,
			DurationMS: result.DurationMS,
			Error:      result.Error,
			Output:     result.Output,
		})
	}

	return completed
}
