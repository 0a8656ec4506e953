// Package condition provides the built-in truthiness check action.
package condition

import (
	"context"
	"log/slog"

	"github.com/weavr-dev/weavr/pkg/protocol"
	"github.com/weavr-dev/weavr/pkg/template"
)

type Action struct{}

func NewAction() *Action {
	return &Action{}
}

func (a *Action) ID() string {
	return "condition"
}

func (a *Action) Schema() map[string]any {
	return nil
}

// Execute evaluates the interpolated "if" value. Empty string, "false"
// and "0" are falsy; everything else is truthy.
func (a *Action) Execute(ctx context.Context, actionCtx protocol.ActionContext, logger *slog.Logger) (any, error) {
	value := template.Stringify(actionCtx.Config["if"])
	result := template.Truthy(value)

	logger.With("action_type", "condition").
		DebugContext(ctx, "Condition evaluated", "value", value, "result", result)

	return map[string]any{"result": result}, nil
}
