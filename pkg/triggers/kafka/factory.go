package kafka

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
	return "kafka.message"
}

func (f *Factory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"topic": map[string]any{
				"type":        "string",
				"description": "Kafka topic to consume.",
			},
			"brokers": map[string]any{
				"type":        "string",
				"description": "Comma-separated broker list. Falls back to KAFKA_BROKERS.",
			},
			"consumer_group": map[string]any{
				"type":    "string",
				"default": "weavr-triggers",
			},
		},
		"required": []string{"topic"},
	}
}

func (f *Factory) Create(ctx context.Context, config map[string]any, logger *slog.Logger) (protocol.Trigger, error) {
	if config == nil {
		return nil, errors.New("kafka trigger config cannot be nil")
	}

	trigger, err := NewTrigger(ctx, config, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka trigger: %w", err)
	}

	return trigger, nil
}
