// Package executor runs a single claimed workflow run: it assembles the
// memory context, schedules steps along the dependency graph, interpolates
// configs and drives action calls with per-step retry.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/weavr-dev/weavr/pkg/models"
	"github.com/weavr-dev/weavr/pkg/otelhelper"
	"github.com/weavr-dev/weavr/pkg/protocol"
	"github.com/weavr-dev/weavr/pkg/registry"
	"github.com/weavr-dev/weavr/pkg/template"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Callbacks are invoked as a run progresses, for the gateway's live run
// feed. All fields are optional.
type Callbacks struct {
	OnStepStart    func(runID, stepID string)
	OnStepComplete func(runID string, result *models.StepResult)
	OnLog          func(runID, level, stepID, message string)
}

// UsageSink receives AI token accounting reported by actions.
type UsageSink func(ctx context.Context, usage *models.TokenUsage)

type Executor struct {
	logger    *slog.Logger
	registry  *registry.Registry
	memory    *Assembler
	callbacks Callbacks
	usage     UsageSink
	tracer    trace.Tracer
}

func NewExecutor(logger *slog.Logger, reg *registry.Registry, memory *Assembler, callbacks Callbacks, usage UsageSink) *Executor {
	return &Executor{
		logger:    logger.With("module", "executor"),
		registry:  reg,
		memory:    memory,
		callbacks: callbacks,
		usage:     usage,
	}
}

// WithTracer enables per-run and per-step spans.
func (e *Executor) WithTracer(tracer trace.Tracer) *Executor {
	e.tracer = tracer

	return e
}

// Execute drives one run to a terminal state. The returned run carries
// per-step results; the log slice is the run's captured log stream. A
// failed run has Status failed and Error set; Execute itself only fails
// through the run, never by panicking the worker.
func (e *Executor) Execute(ctx context.Context, workflow *models.Workflow, runID string, triggerData map[string]any) (*models.WorkflowRun, []*models.RunLog) {
	logger := e.logger.With("workflow", workflow.Name, "run_id", runID)

	if e.tracer != nil {
		var span trace.Span

		ctx, span = otelhelper.StartSpan(ctx, e.tracer, "workflow.run",
			attribute.String(otelhelper.WorkflowNameKey, workflow.Name),
			attribute.String(otelhelper.RunIDKey, runID))
		defer span.End()
	}

	run := &models.WorkflowRun{
		ID:           runID,
		WorkflowName: workflow.Name,
		Status:       models.RunStatusRunning,
		StartedAt:    time.Now().UTC(),
		TriggerData:  triggerData,
		Steps:        make(map[string]*models.StepResult, len(workflow.Steps)),
	}

	collector := newLogCollector(runID, logger, e.callbacks.OnLog)
	collector.add("info", "", fmt.Sprintf("Run started for workflow %s", workflow.Name))

	stepsByID := make(map[string]*models.Step, len(workflow.Steps))
	for _, step := range workflow.Steps {
		stepsByID[step.ID] = step
		run.Steps[step.ID] = &models.StepResult{ID: step.ID, Status: models.StepStatusPending}
	}

	stepOutputs := make(map[string]any, len(workflow.Steps))
	memoryCache := make(map[string]string)

	for {
		ready := readySteps(workflow.Steps, run.Steps)
		if len(ready) == 0 {
			if pendingCount(run.Steps) > 0 {
				// The validator rejects cycles, so reaching this means the
				// graph mutated or validation was skipped.
				e.failRun(run, collector, models.ErrCircularDependency.Error())

				return run, collector.entries
			}

			break
		}

		// Memory is assembled once, before the first wave that references
		// it, so parallel steps in the wave share the snapshot.
		if run.Memory == nil && len(workflow.Memory) > 0 && waveNeedsMemory(ready) {
			base := template.NewContext(triggerData, stepOutputs, workflow.Env, nil)
			run.Memory = e.memory.Assemble(ctx, workflow.Memory, base, memoryCache, collector)
		}

		results := e.executeWave(ctx, workflow, run, ready, stepOutputs, collector)

		failed := false

		for _, result := range results {
			run.Steps[result.ID] = result

			if result.Status == models.StepStatusFailed {
				failed = true
			} else {
				stepOutputs[result.ID] = result.Output
			}
		}

		if failed {
			e.failRun(run, collector, firstFailure(results))

			return run, collector.entries
		}
	}

	now := time.Now().UTC()
	run.Status = models.RunStatusSuccess
	run.CompletedAt = &now
	collector.add("info", "", "Run completed successfully")

	return run, collector.entries
}

// executeWave runs all currently-ready steps concurrently and waits for
// the whole wave to finish before returning.
func (e *Executor) executeWave(
	ctx context.Context,
	workflow *models.Workflow,
	run *models.WorkflowRun,
	ready []*models.Step,
	stepOutputs map[string]any,
	collector *logCollector,
) []*models.StepResult {
	results := make([]*models.StepResult, len(ready))

	var wg sync.WaitGroup

	for i, step := range ready {
		run.Steps[step.ID].Status = models.StepStatusRunning

		wg.Add(1)

		go func(i int, step *models.Step) {
			defer wg.Done()

			results[i] = e.executeStep(ctx, workflow, run, step, stepOutputs, collector)
		}(i, step)
	}

	wg.Wait()

	return results
}

func (e *Executor) executeStep(
	ctx context.Context,
	workflow *models.Workflow,
	run *models.WorkflowRun,
	step *models.Step,
	stepOutputs map[string]any,
	collector *logCollector,
) *models.StepResult {
	started := time.Now().UTC()
	result := &models.StepResult{
		ID:        step.ID,
		Status:    models.StepStatusRunning,
		StartedAt: &started,
	}

	var span trace.Span
	if e.tracer != nil {
		ctx, span = otelhelper.StartSpan(ctx, e.tracer, "workflow.step",
			attribute.String(otelhelper.StepIDKey, step.ID),
			attribute.String(otelhelper.ActionKey, step.Action))
		defer span.End()
	}

	if e.callbacks.OnStepStart != nil {
		e.callbacks.OnStepStart(run.ID, step.ID)
	}

	collector.add("info", step.ID, fmt.Sprintf("Step %s started (action %s)", step.ID, step.Action))

	output, err := e.invokeAction(ctx, workflow, run, step, stepOutputs, collector)

	completed := time.Now().UTC()
	result.CompletedAt = &completed
	result.DurationMS = completed.Sub(started).Milliseconds()

	if err != nil {
		stepErr := &models.StepFailedError{StepID: step.ID, Cause: err}
		result.Status = models.StepStatusFailed
		result.Error = stepErr.Error()
		collector.add("error", step.ID, stepErr.Error())

		if span != nil {
			otelhelper.SetError(span, stepErr,
				attribute.String(otelhelper.StepIDKey, step.ID))
		}
	} else {
		result.Status = models.StepStatusCompleted
		result.Output = output
		collector.add("info", step.ID, fmt.Sprintf("Step %s completed in %dms", step.ID, result.DurationMS))
	}

	if e.callbacks.OnStepComplete != nil {
		e.callbacks.OnStepComplete(run.ID, result)
	}

	return result
}

// invokeAction interpolates the step config and calls the action with the
// step's linear-backoff retry loop.
func (e *Executor) invokeAction(
	ctx context.Context,
	workflow *models.Workflow,
	run *models.WorkflowRun,
	step *models.Step,
	stepOutputs map[string]any,
	collector *logCollector,
) (any, error) {
	action, ok := e.registry.GetAction(step.Action)
	if !ok {
		return nil, &models.UnknownActionError{Name: step.Action}
	}

	interpCtx := template.NewContext(run.TriggerData, stepOutputs, workflow.Env, run.Memory)
	config := template.InterpolateConfig(step.Config, interpCtx)

	actionCtx := e.actionContext(ctx, workflow, run, step, config, stepOutputs)

	attempts := step.Retry.Attempts
	if attempts < 1 {
		attempts = models.DefaultRetryAttempts
	}

	delay := time.Duration(step.Retry.DelayMS) * time.Millisecond

	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			collector.add("warn", step.ID,
				fmt.Sprintf("Retrying step %s (attempt %d/%d)", step.ID, attempt, attempts))

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay * time.Duration(attempt-1)):
			}
		}

		output, err := action.Execute(ctx, actionCtx, e.logger.With("step_id", step.ID))
		if err == nil {
			return output, nil
		}

		lastErr = err
	}

	return nil, lastErr
}

func (e *Executor) actionContext(
	ctx context.Context,
	workflow *models.Workflow,
	run *models.WorkflowRun,
	step *models.Step,
	config map[string]any,
	stepOutputs map[string]any,
) protocol.ActionContext {
	actionCtx := protocol.ActionContext{
		RunID:        run.ID,
		WorkflowName: workflow.Name,
		StepID:       step.ID,
		Config:       config,
		TriggerData:  run.TriggerData,
		StepOutputs:  stepOutputs,
		Env:          workflow.Env,
	}

	if e.usage != nil {
		actionCtx.ReportUsage = func(inputTokens, outputTokens int, model string) {
			e.usage(ctx, &models.TokenUsage{
				Timestamp:    time.Now().UTC(),
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
				Model:        model,
				WorkflowName: workflow.Name,
				RunID:        run.ID,
			})
		}
	}

	return actionCtx
}

func (e *Executor) failRun(run *models.WorkflowRun, collector *logCollector, message string) {
	now := time.Now().UTC()
	run.Status = models.RunStatusFailed
	run.CompletedAt = &now
	run.Error = message
	collector.add("error", "", fmt.Sprintf("Run failed: %s", message))
}

// readySteps returns pending steps whose dependencies have all completed.
func readySteps(steps []*models.Step, results map[string]*models.StepResult) []*models.Step {
	var ready []*models.Step

	for _, step := range steps {
		if results[step.ID].Status != models.StepStatusPending {
			continue
		}

		satisfied := true

		for _, dep := range step.DependsOn {
			if result, ok := results[dep]; !ok || result.Status != models.StepStatusCompleted {
				satisfied = false

				break
			}
		}

		if satisfied {
			ready = append(ready, step)
		}
	}

	return ready
}

func pendingCount(results map[string]*models.StepResult) int {
	count := 0

	for _, result := range results {
		if result.Status == models.StepStatusPending {
			count++
		}
	}

	return count
}

func firstFailure(results []*models.StepResult) string {
	for _, result := range results {
		if result.Status == models.StepStatusFailed {
			return result.Error
		}
	}

	return "step failed"
}

// waveNeedsMemory reports whether any ready step's config references the
// memory context.
func waveNeedsMemory(ready []*models.Step) bool {
	for _, step := range ready {
		if configReferencesMemory(step.Config) {
			return true
		}
	}

	return false
}

func configReferencesMemory(value any) bool {
	switch v := value.(type) {
	case string:
		for _, expr := range template.Expressions(v) {
			if expr == "memory" || strings.HasPrefix(expr, "memory.") {
				return true
			}
		}
	case []any:
		for _, item := range v {
			if configReferencesMemory(item) {
				return true
			}
		}
	case map[string]any:
		for _, item := range v {
			if configReferencesMemory(item) {
				return true
			}
		}
	}

	return false
}

// logCollector accumulates the run's log stream and mirrors entries to
// the process logger and the OnLog callback. Safe for concurrent use by
// parallel steps.
type logCollector struct {
	mu      sync.Mutex
	runID   string
	logger  *slog.Logger
	onLog   func(runID, level, stepID, message string)
	entries []*models.RunLog
}

func newLogCollector(runID string, logger *slog.Logger, onLog func(runID, level, stepID, message string)) *logCollector {
	return &logCollector{
		runID:   runID,
		logger:  logger,
		onLog:   onLog,
		entries: make([]*models.RunLog, 0, 16),
	}
}

func (c *logCollector) add(level, stepID, message string) {
	c.mu.Lock()
	c.entries = append(c.entries, &models.RunLog{
		Timestamp: time.Now().UTC(),
		Level:     level,
		StepID:    stepID,
		Message:   message,
	})
	c.mu.Unlock()

	switch level {
	case "error":
		c.logger.Error(message, "step_id", stepID)
	case "warn":
		c.logger.Warn(message, "step_id", stepID)
	default:
		c.logger.Info(message, "step_id", stepID)
	}

	if c.onLog != nil {
		c.onLog(c.runID, level, stepID, message)
	}
}
