// Package log provides the built-in logging action.
package log

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
	return "log"
}

func (a *Action) Schema() map[string]any {
	return nil
}

func (a *Action) Execute(ctx context.Context, actionCtx protocol.ActionContext, logger *slog.Logger) (any, error) {
	message := template.Stringify(actionCtx.Config["message"])

	logger.With("action_type", "log", "step_id", actionCtx.StepID).
		InfoContext(ctx, message)

	return map[string]any{"logged": message}, nil
}
