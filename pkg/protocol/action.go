// Package protocol defines the contracts between the engine and pluggable
// actions and trigger sources.
package protocol

import (
	"context"
	"log/slog"
)

// ActionContext carries everything an action needs for one invocation.
// Config has already been interpolated by the executor.
type ActionContext struct {
	RunID        string
	WorkflowName string
	StepID       string
	Config       map[string]any
	TriggerData  map[string]any
	StepOutputs  map[string]any
	Env          map[string]string

	// ReportUsage records AI token consumption for this run. Nil when the
	// engine is not tracking usage.
	ReportUsage func(inputTokens, outputTokens int, model string)
}

// Action executes one step. Implementations must be safe for concurrent
// use; the executor runs independent steps in parallel.
type Action interface {
	// ID returns the fully-qualified action name, e.g. "slack.post" or a
	// built-in name like "transform".
	ID() string

	// Schema returns the JSON Schema for this action's config, or nil
	// when the action accepts arbitrary config.
	Schema() map[string]any

	Execute(ctx context.Context, actionCtx ActionContext, logger *slog.Logger) (any, error)
}
