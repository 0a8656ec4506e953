// Package registry provides the in-process lookup from action and trigger
// names to their implementations. It is populated at startup and
// conceptually read-only afterwards.
package registry

import (
	"fmt"
	"log/slog"

	"github.com/weavr-dev/weavr/pkg/protocol"
	"github.com/xeipuuv/gojsonschema"
)

type Registry struct {
	logger           *slog.Logger
	actions          map[string]protocol.Action
	triggerFactories map[string]protocol.TriggerFactory
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:           logger.With("module", "registry"),
		actions:          make(map[string]protocol.Action),
		triggerFactories: make(map[string]protocol.TriggerFactory),
	}
}

// RegisterAction adds an action. Registering the same name twice is an
// error: plugin catalogs must not shadow each other.
func (r *Registry) RegisterAction(action protocol.Action) error {
	id := action.ID()
	if _, exists := r.actions[id]; exists {
		return fmt.Errorf("action %q already registered", id)
	}

	r.actions[id] = action
	r.logger.Debug("Registered action", "action", id)

	return nil
}

// RegisterTrigger adds a trigger factory. Duplicate names are an error.
func (r *Registry) RegisterTrigger(factory protocol.TriggerFactory) error {
	id := factory.ID()
	if _, exists := r.triggerFactories[id]; exists {
		return fmt.Errorf("trigger %q already registered", id)
	}

	r.triggerFactories[id] = factory
	r.logger.Debug("Registered trigger", "trigger", id)

	return nil
}

func (r *Registry) GetAction(name string) (protocol.Action, bool) {
	action, ok := r.actions[name]

	return action, ok
}

func (r *Registry) GetTrigger(name string) (protocol.TriggerFactory, bool) {
	factory, ok := r.triggerFactories[name]

	return factory, ok
}

// ActionNames returns the registered action names, for status endpoints.
func (r *Registry) ActionNames() []string {
	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}

	return names
}

// ValidateActionConfig validates config against the action's schema and
// returns a copy with schema defaults applied. An unregistered action or
// a nil schema is not an error; generic built-ins accept any config.
func (r *Registry) ValidateActionConfig(name string, config map[string]any) (map[string]any, error) {
	action, ok := r.actions[name]
	if !ok {
		return config, nil
	}

	schema := action.Schema()
	if schema == nil {
		return config, nil
	}

	if config == nil {
		config = make(map[string]any)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(schema),
		gojsonschema.NewGoLoader(config),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to validate config for action %q: %w", name, err)
	}

	if !result.Valid() {
		return nil, fmt.Errorf("invalid config for action %q: %s", name, result.Errors()[0].String())
	}

	return applyDefaults(schema, config), nil
}

// applyDefaults fills absent top-level properties that declare a default.
func applyDefaults(schema map[string]any, config map[string]any) map[string]any {
	properties, ok := schema["properties"].(map[string]any)
	if !ok {
		return config
	}

	out := make(map[string]any, len(config))
	for k, v := range config {
		out[k] = v
	}

	for key, raw := range properties {
		prop, ok := raw.(map[string]any)
		if !ok {
			continue
		}

		if defaultValue, has := prop["default"]; has {
			if _, set := out[key]; !set {
				out[key] = defaultValue
			}
		}
	}

	return out
}
