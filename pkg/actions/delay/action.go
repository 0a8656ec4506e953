// Package delay provides the built-in sleep action.
package delay

import (
	"context"
	"log/slog"
	"time"

	"github.com/weavr-dev/weavr/pkg/protocol"
)

type Action struct{}

func NewAction() *Action {
	return &Action{}
}

func (a *Action) ID() string {
	return "delay"
}

func (a *Action) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"ms": map[string]any{
				"type":        "number",
				"description": "Milliseconds to pause before continuing.",
				"minimum":     0,
				"default":     float64(0),
			},
		},
	}
}

func (a *Action) Execute(ctx context.Context, actionCtx protocol.ActionContext, logger *slog.Logger) (any, error) {
	ms := configMilliseconds(actionCtx.Config["ms"])

	logger.With("action_type", "delay").DebugContext(ctx, "Delaying step", "ms", ms)

	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	return map[string]any{"delayed": ms}, nil
}

func configMilliseconds(value any) int64 {
	switch v := value.(type) {
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case int64:
		return v
	default:
		return 0
	}
}
