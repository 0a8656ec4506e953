package protocol

import (
	"context"
	"log/slog"
)

// TriggerCallback receives the event payload emitted by a trigger source.
// The scheduler wraps it into an envelope and enqueues a run.
type TriggerCallback func(ctx context.Context, data map[string]any) error

// Trigger is a long-running event source (long-poll loop, message-bus
// subscriber, file watcher). Start blocks until the source is installed;
// events are delivered through the callback. Stop is the cleanup handle
// held by the trigger manager.
type Trigger interface {
	Start(ctx context.Context, callback TriggerCallback) error
	Stop(ctx context.Context) error
	Validate(ctx context.Context) error
}

// TriggerFactory creates trigger instances from workflow-declared config.
type TriggerFactory interface {
	// ID returns the fully-qualified trigger name, e.g. "queue.message".
	ID() string

	// Schema returns the JSON Schema for this trigger's config, or nil.
	Schema() map[string]any

	Create(ctx context.Context, config map[string]any, logger *slog.Logger) (Trigger, error)
}
