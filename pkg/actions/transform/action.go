// Package transform provides the built-in template transformation action.
package transform

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
	return "transform"
}

// Schema is nil: transform accepts any template value.
func (a *Action) Schema() map[string]any {
	return nil
}

// Execute returns the interpolated template. The executor has already
// interpolated config values, so this passes the result through,
// stringified when the template was not a string.
func (a *Action) Execute(ctx context.Context, actionCtx protocol.ActionContext, logger *slog.Logger) (any, error) {
	logger = logger.With("action_type", "transform")

	value := actionCtx.Config["template"]
	if str, ok := value.(string); ok {
		logger.DebugContext(ctx, "Transform produced string", "length", len(str))

		return str, nil
	}

	return template.Stringify(value), nil
}
