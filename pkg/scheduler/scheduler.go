// Package scheduler owns trigger lifecycle and the run queue: it installs
// cron jobs, matches inbound webhook and GitHub events, delegates
// long-poll triggers to the trigger manager, catches up missed cron ticks
// and drives the worker pool.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/weavr-dev/weavr/pkg/executor"
	"github.com/weavr-dev/weavr/pkg/models"
	"github.com/weavr-dev/weavr/pkg/registry"
	"github.com/weavr-dev/weavr/pkg/store"
	"github.com/weavr-dev/weavr/pkg/workflow"
)

// Config tunes the scheduler and its worker pool.
type Config struct {
	WorkflowDir    string
	Timezone       string
	MaxConcurrency int
	PollInterval   time.Duration
	MaxAttempts    int
	RetryDelay     time.Duration
	CatchUpWindow  time.Duration
	MaxCatchUpRuns int
}

func (c *Config) withDefaults() {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 5
	}

	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}

	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}

	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}

	if c.CatchUpWindow <= 0 {
		c.CatchUpWindow = 24 * time.Hour
	}

	if c.MaxCatchUpRuns <= 0 {
		c.MaxCatchUpRuns = 10
	}
}

// Callbacks surface run lifecycle events to the gateway.
type Callbacks struct {
	OnWorkflowTriggered func(name, runID string)
	OnWorkflowCompleted func(name, runID string, status models.RunStatus, errMsg string)
}

// TriggerResult reports which workflows an inbound event fired.
type TriggerResult struct {
	Triggered []string `json:"triggered"`
	RunIDs    []string `json:"runIds"`
}

type scheduleEntry struct {
	schedule     *models.Schedule
	content      string
	cronID       cron.EntryID
	cronSchedule cron.Schedule
	hasCronJob   bool
	custom       bool
}

type Scheduler struct {
	logger     *slog.Logger
	store      *store.Store
	registry   *registry.Registry
	repository *workflow.Repository
	callbacks  Callbacks
	cfg        Config

	cron     *cron.Cron
	triggers *TriggerManager
	worker   *Worker

	mu      sync.Mutex
	entries map[string]*scheduleEntry
}

func NewScheduler(
	logger *slog.Logger,
	st *store.Store,
	reg *registry.Registry,
	repo *workflow.Repository,
	exec *executor.Executor,
	cfg Config,
	callbacks Callbacks,
) *Scheduler {
	cfg.withDefaults()

	s := &Scheduler{
		logger:     logger.With("module", "scheduler"),
		store:      st,
		registry:   reg,
		repository: repo,
		callbacks:  callbacks,
		cfg:        cfg,
		cron:       cron.New(cron.WithLocation(resolveLocation(cfg.Timezone, ""))),
		triggers:   NewTriggerManager(logger, reg),
		entries:    make(map[string]*scheduleEntry),
	}

	s.worker = NewWorker(logger, st, exec, cfg, callbacks.OnWorkflowCompleted)

	return s
}

// Start loads and schedules every workflow, then starts the cron engine
// and the worker poll loop.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.LoadWorkflows(ctx); err != nil {
		return err
	}

	s.cron.Start()
	s.worker.Start(ctx)

	s.logger.InfoContext(ctx, "Scheduler started",
		"max_concurrency", s.cfg.MaxConcurrency,
		"poll_interval", s.cfg.PollInterval)

	return nil
}

// Stop halts cron, tears down long-poll triggers and drains the worker.
func (s *Scheduler) Stop(ctx context.Context) {
	<-s.cron.Stop().Done()
	s.triggers.StopAll(ctx)
	s.worker.Stop()

	s.logger.InfoContext(ctx, "Scheduler stopped")
}

// LoadWorkflows reads the workflow directory and schedules every trigger.
// Broken files are skipped by the repository; broken triggers are logged
// and skipped here.
func (s *Scheduler) LoadWorkflows(ctx context.Context) error {
	loaded, err := s.repository.LoadAll()
	if err != nil {
		return fmt.Errorf("failed to load workflows: %w", err)
	}

	for _, lw := range loaded {
		for index, trigger := range lw.Workflow.Triggers {
			if err := s.ScheduleTrigger(ctx, lw, trigger, index); err != nil {
				s.logger.ErrorContext(ctx, "Failed to schedule trigger",
					"workflow", lw.Workflow.Name,
					"trigger_type", trigger.Type,
					"index", index,
					"error", err)
			}
		}
	}

	s.logger.InfoContext(ctx, "Workflows loaded", "count", len(loaded))

	return nil
}

// ScheduleTrigger registers one trigger of a workflow: persists its
// schedule row, then installs the cron job, webhook matcher or long-poll
// source depending on the type.
func (s *Scheduler) ScheduleTrigger(ctx context.Context, lw *workflow.LoadedWorkflow, trigger *models.Trigger, index int) error {
	name := lw.Workflow.Name
	scheduleID := models.ScheduleID(name, trigger.Type, index)

	schedule := &models.Schedule{
		ID:           scheduleID,
		WorkflowName: name,
		TriggerType:  trigger.Type,
		Config:       trigger.Config,
		Status:       models.ScheduleStatusActive,
	}

	if trigger.Type == models.TriggerTypeCron {
		schedule.CronExpression, _ = trigger.Config["expression"].(string)
		schedule.Timezone, _ = trigger.Config["timezone"].(string)
	}

	entry := &scheduleEntry{schedule: schedule, content: lw.Content}

	switch trigger.Type {
	case models.TriggerTypeCron:
		if err := s.installCron(ctx, entry); err != nil {
			schedule.Status = models.ScheduleStatusPaused
			s.upsert(ctx, schedule)

			return &models.ScheduleInvalidError{ScheduleID: scheduleID, Cause: err}
		}

		s.upsert(ctx, schedule)
		s.putEntry(entry)
		s.catchUp(ctx, entry)

	case models.TriggerTypeWebhook, models.TriggerTypeEmail:
		// No background job: fired by TriggerWebhook.
		s.upsert(ctx, schedule)
		s.putEntry(entry)

	default:
		if strings.HasPrefix(trigger.Type, "github.") {
			// Matched against inbound events by TriggerGitHubEvent.
			s.upsert(ctx, schedule)
			s.putEntry(entry)

			break
		}
		entry.custom = true

		s.upsert(ctx, schedule)
		s.putEntry(entry)

		if err := s.triggers.SetupTrigger(ctx, scheduleID, trigger.Type, trigger.Config, s.emitCallback(entry)); err != nil {
			return err
		}
	}

	s.logger.InfoContext(ctx, "Trigger scheduled",
		"schedule_id", scheduleID, "trigger_type", trigger.Type)

	return nil
}

// installCron parses the expression with its timezone fallback chain and
// registers the tick job.
func (s *Scheduler) installCron(ctx context.Context, entry *scheduleEntry) error {
	if entry.schedule.CronExpression == "" {
		return errors.New("cron trigger has no expression")
	}

	spec := cronSpec(entry.schedule.CronExpression, entry.schedule.Timezone, s.cfg.Timezone)

	cronSchedule, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("failed to parse cron expression %q: %w", entry.schedule.CronExpression, err)
	}

	id, err := s.cron.AddFunc(spec, s.cronTick(ctx, entry))
	if err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	entry.cronID = id
	entry.cronSchedule = cronSchedule
	entry.hasCronJob = true

	return nil
}

// cronTick fires one scheduled run and advances the persisted last-run
// marker.
func (s *Scheduler) cronTick(ctx context.Context, entry *scheduleEntry) func() {
	return func() {
		now := time.Now().UTC()
		s.fireCronRun(ctx, entry, now)

		if err := s.store.SetScheduleLastRun(ctx, entry.schedule.ID, now); err != nil {
			// The run is already enqueued; a stale marker only means an
			// extra catch-up candidate after restart.
			s.logger.ErrorContext(ctx, "Failed to persist schedule last run",
				"schedule_id", entry.schedule.ID, "error", err)
		}
	}
}

func (s *Scheduler) fireCronRun(ctx context.Context, entry *scheduleEntry, scheduledFor time.Time) {
	runID := uuid.New().String()

	if s.callbacks.OnWorkflowTriggered != nil {
		s.callbacks.OnWorkflowTriggered(entry.schedule.WorkflowName, runID)
	}

	_, err := s.store.EnqueueRun(ctx, models.EnqueueInput{
		ID:           runID,
		WorkflowName: entry.schedule.WorkflowName,
		TriggerType:  models.TriggerTypeCron,
		TriggerData: map[string]any{
			"type":         "cron",
			"expression":   entry.schedule.CronExpression,
			"scheduledFor": scheduledFor.Format(time.RFC3339),
		},
		WorkflowContent: entry.content,
		ScheduledFor:    &scheduledFor,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to enqueue cron run",
			"schedule_id", entry.schedule.ID, "error", err)

		return
	}

	s.logger.InfoContext(ctx, "Cron run enqueued",
		"schedule_id", entry.schedule.ID, "run_id", runID)
}

// emitCallback builds the enqueue path handed to long-poll triggers: the
// payload is wrapped in an envelope carrying the trigger type.
func (s *Scheduler) emitCallback(entry *scheduleEntry) func(ctx context.Context, data map[string]any) error {
	return func(ctx context.Context, data map[string]any) error {
		envelope := make(map[string]any, len(data)+1)
		for k, v := range data {
			envelope[k] = v
		}

		envelope["type"] = entry.schedule.TriggerType

		runID := uuid.New().String()

		if s.callbacks.OnWorkflowTriggered != nil {
			s.callbacks.OnWorkflowTriggered(entry.schedule.WorkflowName, runID)
		}

		_, err := s.store.EnqueueRun(ctx, models.EnqueueInput{
			ID:              runID,
			WorkflowName:    entry.schedule.WorkflowName,
			TriggerType:     entry.schedule.TriggerType,
			TriggerData:     envelope,
			WorkflowContent: entry.content,
		})
		if err != nil {
			return fmt.Errorf("failed to enqueue run for trigger %s: %w", entry.schedule.ID, err)
		}

		return nil
	}
}

// TriggerWebhook fires every active webhook schedule whose path matches
// the inbound path. Matching tolerates a single leading slash on either
// side.
func (s *Scheduler) TriggerWebhook(ctx context.Context, path string, data map[string]any) (*TriggerResult, error) {
	result := &TriggerResult{Triggered: []string{}, RunIDs: []string{}}

	for _, entry := range s.snapshotEntries() {
		schedule := entry.schedule

		if schedule.Status != models.ScheduleStatusActive {
			continue
		}

		if schedule.TriggerType != models.TriggerTypeWebhook && schedule.TriggerType != models.TriggerTypeEmail {
			continue
		}

		configPath, _ := schedule.Config["path"].(string)
		if configPath == "" && schedule.TriggerType == models.TriggerTypeEmail {
			configPath = models.DefaultEmailWebhookPath
		}

		if !webhookPathMatches(configPath, path) {
			continue
		}

		runID, err := s.enqueueEvent(ctx, entry, data)
		if err != nil {
			return nil, err
		}

		result.Triggered = append(result.Triggered, schedule.WorkflowName)
		result.RunIDs = append(result.RunIDs, runID)
	}

	return result, nil
}

// TriggerGitHubEvent fires active github.<eventType> schedules whose
// repo/branch/events filters match the payload.
func (s *Scheduler) TriggerGitHubEvent(ctx context.Context, eventType string, data map[string]any) (*TriggerResult, error) {
	result := &TriggerResult{Triggered: []string{}, RunIDs: []string{}}
	triggerType := "github." + eventType

	for _, entry := range s.snapshotEntries() {
		schedule := entry.schedule

		if schedule.Status != models.ScheduleStatusActive || schedule.TriggerType != triggerType {
			continue
		}

		if !githubFiltersMatch(eventType, schedule.Config, data) {
			continue
		}

		runID, err := s.enqueueEvent(ctx, entry, data)
		if err != nil {
			return nil, err
		}

		result.Triggered = append(result.Triggered, schedule.WorkflowName)
		result.RunIDs = append(result.RunIDs, runID)
	}

	return result, nil
}

// TriggerManual enqueues one run for a workflow by name.
func (s *Scheduler) TriggerManual(ctx context.Context, name string, data map[string]any) (string, error) {
	content, err := s.workflowContent(name)
	if err != nil {
		return "", err
	}

	runID := uuid.New().String()

	if s.callbacks.OnWorkflowTriggered != nil {
		s.callbacks.OnWorkflowTriggered(name, runID)
	}

	triggerData := map[string]any{"type": models.TriggerTypeManual}
	for k, v := range data {
		triggerData[k] = v
	}

	_, err = s.store.EnqueueRun(ctx, models.EnqueueInput{
		ID:              runID,
		WorkflowName:    name,
		TriggerType:     models.TriggerTypeManual,
		TriggerData:     triggerData,
		WorkflowContent: content,
	})
	if err != nil {
		return "", fmt.Errorf("failed to enqueue manual run: %w", err)
	}

	return runID, nil
}

// PauseSchedule stops the schedule's job or long-poll source and flips
// its status.
func (s *Scheduler) PauseSchedule(ctx context.Context, scheduleID string) error {
	entry, ok := s.getEntry(scheduleID)
	if !ok {
		return store.ErrScheduleNotFound
	}

	if entry.hasCronJob {
		s.cron.Remove(entry.cronID)
		entry.hasCronJob = false
	}

	if entry.custom {
		if err := s.triggers.StopTrigger(ctx, scheduleID); err != nil {
			return err
		}
	}

	entry.schedule.Status = models.ScheduleStatusPaused

	return s.store.SetScheduleStatus(ctx, scheduleID, models.ScheduleStatusPaused)
}

// ResumeSchedule re-installs the schedule's job or source. Cron schedules
// catch up missed ticks within the catch-up window only.
func (s *Scheduler) ResumeSchedule(ctx context.Context, scheduleID string) error {
	entry, ok := s.getEntry(scheduleID)
	if !ok {
		return store.ErrScheduleNotFound
	}

	switch {
	case entry.schedule.TriggerType == models.TriggerTypeCron:
		if err := s.installCron(ctx, entry); err != nil {
			return &models.ScheduleInvalidError{ScheduleID: scheduleID, Cause: err}
		}

		entry.schedule.Status = models.ScheduleStatusActive
		s.catchUp(ctx, entry)

	case entry.custom:
		err := s.triggers.SetupTrigger(ctx, scheduleID, entry.schedule.TriggerType, entry.schedule.Config, s.emitCallback(entry))
		if err != nil {
			return err
		}

		entry.schedule.Status = models.ScheduleStatusActive

	default:
		entry.schedule.Status = models.ScheduleStatusActive
	}

	return s.store.SetScheduleStatus(ctx, scheduleID, models.ScheduleStatusActive)
}

// UnscheduleWorkflow stops all jobs for a workflow, removes its in-memory
// entries and deletes its schedule rows.
func (s *Scheduler) UnscheduleWorkflow(ctx context.Context, name string) error {
	s.mu.Lock()

	var removed []*scheduleEntry

	for id, entry := range s.entries {
		if entry.schedule.WorkflowName == name {
			removed = append(removed, entry)
			delete(s.entries, id)
		}
	}

	s.mu.Unlock()

	for _, entry := range removed {
		if entry.hasCronJob {
			s.cron.Remove(entry.cronID)
		}

		if entry.custom {
			if err := s.triggers.StopTrigger(ctx, entry.schedule.ID); err != nil {
				s.logger.ErrorContext(ctx, "Failed to stop trigger",
					"schedule_id", entry.schedule.ID, "error", err)
			}
		}
	}

	return s.store.DeleteSchedulesForWorkflow(ctx, name)
}

// Reload tears down every in-memory schedule (keeping the persisted rows,
// so last-run markers survive) and re-loads the workflow directory.
func (s *Scheduler) Reload(ctx context.Context) error {
	s.mu.Lock()
	entries := s.entries
	s.entries = make(map[string]*scheduleEntry)
	s.mu.Unlock()

	for _, entry := range entries {
		if entry.hasCronJob {
			s.cron.Remove(entry.cronID)
		}
	}

	s.triggers.StopAll(ctx)

	return s.LoadWorkflows(ctx)
}

// GetScheduledWorkflows returns a snapshot of the in-memory schedules.
func (s *Scheduler) GetScheduledWorkflows() []*models.Schedule {
	entries := s.snapshotEntries()

	schedules := make([]*models.Schedule, 0, len(entries))
	for _, entry := range entries {
		schedules = append(schedules, entry.schedule)
	}

	return schedules
}

// ActiveRuns returns the worker's in-flight run count.
func (s *Scheduler) ActiveRuns() int {
	return s.worker.ActiveRuns()
}

// ActiveTriggers returns the schedule ids of installed long-poll trigger
// sources.
func (s *Scheduler) ActiveTriggers() []string {
	return s.triggers.ActiveTriggers()
}

func (s *Scheduler) enqueueEvent(ctx context.Context, entry *scheduleEntry, data map[string]any) (string, error) {
	runID := uuid.New().String()

	if s.callbacks.OnWorkflowTriggered != nil {
		s.callbacks.OnWorkflowTriggered(entry.schedule.WorkflowName, runID)
	}

	_, err := s.store.EnqueueRun(ctx, models.EnqueueInput{
		ID:              runID,
		WorkflowName:    entry.schedule.WorkflowName,
		TriggerType:     entry.schedule.TriggerType,
		TriggerData:     data,
		WorkflowContent: entry.content,
	})
	if err != nil {
		return "", fmt.Errorf("failed to enqueue run for %s: %w", entry.schedule.ID, err)
	}

	return runID, nil
}

func (s *Scheduler) workflowContent(name string) (string, error) {
	for _, entry := range s.snapshotEntries() {
		if entry.schedule.WorkflowName == name {
			return entry.content, nil
		}
	}

	// Workflows without triggers never get a schedule entry; fall back to
	// the directory.
	loaded, err := s.repository.LoadAll()
	if err != nil {
		return "", err
	}

	for _, lw := range loaded {
		if lw.Workflow.Name == name {
			return lw.Content, nil
		}
	}

	return "", models.ErrWorkflowNotFound
}

func (s *Scheduler) upsert(ctx context.Context, schedule *models.Schedule) {
	if err := s.store.UpsertSchedule(ctx, schedule); err != nil {
		// Schedule persistence failures never block triggering.
		s.logger.ErrorContext(ctx, "Failed to persist schedule",
			"schedule_id", schedule.ID, "error", err)
	}
}

func (s *Scheduler) putEntry(entry *scheduleEntry) {
	s.mu.Lock()
	s.entries[entry.schedule.ID] = entry
	s.mu.Unlock()
}

func (s *Scheduler) getEntry(id string) (*scheduleEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]

	return entry, ok
}

func (s *Scheduler) snapshotEntries() []*scheduleEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]*scheduleEntry, 0, len(s.entries))
	for _, entry := range s.entries {
		entries = append(entries, entry)
	}

	return entries
}

// cronSpec prefixes the expression with the first usable timezone from
// the fallback chain: trigger config, process default, system tz.
func cronSpec(expression, triggerTZ, defaultTZ string) string {
	for _, tz := range []string{triggerTZ, defaultTZ} {
		if tz == "" {
			continue
		}

		if _, err := time.LoadLocation(tz); err == nil {
			return "CRON_TZ=" + tz + " " + expression
		}
	}

	return expression
}

func resolveLocation(defaultTZ, triggerTZ string) *time.Location {
	for _, tz := range []string{triggerTZ, defaultTZ} {
		if tz == "" {
			continue
		}

		if loc, err := time.LoadLocation(tz); err == nil {
			return loc
		}
	}

	return time.Local
}

// webhookPathMatches compares paths exactly, tolerating one leading
// slash on either side.
func webhookPathMatches(configPath, inbound string) bool {
	return trimOneSlash(configPath) == trimOneSlash(inbound) && trimOneSlash(configPath) != ""
}

func trimOneSlash(path string) string {
	return strings.TrimPrefix(path, "/")
}

// githubFiltersMatch applies the optional repo, branch and events
// filters of a github schedule.
func githubFiltersMatch(eventType string, config, data map[string]any) bool {
	if repo, ok := config["repo"].(string); ok && repo != "" {
		if payloadRepo(data) != repo {
			return false
		}
	}

	if eventType == "push" {
		if branch, ok := config["branch"].(string); ok && branch != "" {
			ref, _ := data["ref"].(string)
			if ref != "refs/heads/"+branch {
				return false
			}
		}
	}

	if eventType == "pull_request" {
		if events, ok := config["events"].([]any); ok && len(events) > 0 {
			action, _ := data["action"].(string)
			allowed := false

			for _, event := range events {
				if str, ok := event.(string); ok && str == action {
					allowed = true

					break
				}
			}

			if !allowed {
				return false
			}
		}
	}

	return true
}

func payloadRepo(data map[string]any) string {
	repository, ok := data["repository"].(map[string]any)
	if !ok {
		return ""
	}

	fullName, _ := repository["full_name"].(string)

	return fullName
}
