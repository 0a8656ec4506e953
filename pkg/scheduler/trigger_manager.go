package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/weavr-dev/weavr/pkg/protocol"
	"github.com/weavr-dev/weavr/pkg/registry"
)

// TriggerManager owns the lifecycle of long-poll trigger sources. Handles
// are keyed by schedule id; setup is idempotent on re-registration.
type TriggerManager struct {
	logger   *slog.Logger
	registry *registry.Registry

	mu      sync.Mutex
	handles map[string]protocol.Trigger
}

func NewTriggerManager(logger *slog.Logger, reg *registry.Registry) *TriggerManager {
	return &TriggerManager{
		logger:   logger.With("module", "trigger_manager"),
		registry: reg,
		handles:  make(map[string]protocol.Trigger),
	}
}

// SetupTrigger creates and starts the trigger source for a schedule. Any
// prior handle for the same id is torn down first.
func (m *TriggerManager) SetupTrigger(
	ctx context.Context,
	scheduleID, triggerType string,
	config map[string]any,
	callback protocol.TriggerCallback,
) error {
	if err := m.StopTrigger(ctx, scheduleID); err != nil {
		m.logger.WarnContext(ctx, "Failed to stop prior trigger",
			"schedule_id", scheduleID, "error", err)
	}

	factory, ok := m.registry.GetTrigger(triggerType)
	if !ok {
		return fmt.Errorf("no trigger registered for type %q", triggerType)
	}

	trigger, err := factory.Create(ctx, config, m.logger)
	if err != nil {
		return fmt.Errorf("failed to create trigger %s: %w", scheduleID, err)
	}

	if err := trigger.Start(ctx, callback); err != nil {
		return fmt.Errorf("failed to start trigger %s: %w", scheduleID, err)
	}

	m.mu.Lock()
	m.handles[scheduleID] = trigger
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "Trigger installed",
		"schedule_id", scheduleID, "trigger_type", triggerType)

	return nil
}

// StopTrigger tears down the handle for a schedule, if any.
func (m *TriggerManager) StopTrigger(ctx context.Context, scheduleID string) error {
	m.mu.Lock()
	trigger, ok := m.handles[scheduleID]
	delete(m.handles, scheduleID)
	m.mu.Unlock()

	if !ok {
		return nil
	}

	if err := trigger.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop trigger %s: %w", scheduleID, err)
	}

	m.logger.InfoContext(ctx, "Trigger stopped", "schedule_id", scheduleID)

	return nil
}

// StopAll tears down every handle. Called on shutdown.
func (m *TriggerManager) StopAll(ctx context.Context) {
	m.mu.Lock()
	handles := m.handles
	m.handles = make(map[string]protocol.Trigger)
	m.mu.Unlock()

	for id, trigger := range handles {
		if err := trigger.Stop(ctx); err != nil {
			m.logger.ErrorContext(ctx, "Failed to stop trigger",
				"schedule_id", id, "error", err)
		}
	}
}

// ActiveTriggers returns the ids of installed handles, for status
// endpoints.
func (m *TriggerManager) ActiveTriggers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.handles))
	for id := range m.handles {
		ids = append(ids, id)
	}

	return ids
}
