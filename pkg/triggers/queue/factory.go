package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/weavr-dev/weavr/pkg/protocol"
)

func NewFactory() protocol.TriggerFactory {
	return &Factory{}
}

type Factory struct{}

func (f *Factory) ID() string {
	return "queue.message"
}

func (f *Factory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"queue": map[string]any{
				"type":        "string",
				"description": "Redis list to consume.",
			},
			"connection": map[string]any{
				"type":        "object",
				"description": "Redis connection options: addr, password, db.",
			},
		},
		"required": []string{"queue"},
	}
}

func (f *Factory) Create(ctx context.Context, config map[string]any, logger *slog.Logger) (protocol.Trigger, error) {
	if config == nil {
		return nil, errors.New("queue trigger config cannot be nil")
	}

	trigger, err := NewTrigger(ctx, config, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create queue trigger: %w", err)
	}

	return trigger, nil
}
