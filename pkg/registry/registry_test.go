package registry

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weavr-dev/weavr/pkg/protocol"
)

type stubAction struct {
	id     string
	schema map[string]any
}

func (a *stubAction) ID() string             { return a.id }
func (a *stubAction) Schema() map[string]any { return a.schema }

func (a *stubAction) Execute(_ context.Context, _ protocol.ActionContext, _ *slog.Logger) (any, error) {
	return nil, nil
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()

	return NewRegistry(slog.New(slog.NewTextHandler(os.Stdout, nil)))
}

func TestRegisterAction_Duplicate(t *testing.T) {
	reg := newTestRegistry(t)

	require.NoError(t, reg.RegisterAction(&stubAction{id: "echo"}))

	err := reg.RegisterAction(&stubAction{id: "echo"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestGetAction(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.RegisterAction(&stubAction{id: "echo"}))

	action, ok := reg.GetAction("echo")
	assert.True(t, ok)
	assert.Equal(t, "echo", action.ID())

	_, ok = reg.GetAction("missing")
	assert.False(t, ok)
}

func TestValidateActionConfig(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.RegisterAction(&stubAction{
		id: "slack.post",
		schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"channel": map[string]any{"type": "string"},
				"icon":    map[string]any{"type": "string", "default": ":robot:"},
			},
			"required": []any{"channel"},
		},
	}))

	tests := []struct {
		name        string
		action      string
		config      map[string]any
		expectError bool
		check       func(t *testing.T, config map[string]any)
	}{
		{
			name:   "valid config gets defaults applied",
			action: "slack.post",
			config: map[string]any{"channel": "#general"},
			check: func(t *testing.T, config map[string]any) {
				t.Helper()
				assert.Equal(t, "#general", config["channel"])
				assert.Equal(t, ":robot:", config["icon"])
			},
		},
		{
			name:        "missing required field fails",
			action:      "slack.post",
			config:      map[string]any{},
			expectError: true,
		},
		{
			name:        "wrong type fails",
			action:      "slack.post",
			config:      map[string]any{"channel": 42},
			expectError: true,
		},
		{
			name:   "unregistered action is not an error",
			action: "transform",
			config: map[string]any{"template": "{{ trigger.x }}"},
			check: func(t *testing.T, config map[string]any) {
				t.Helper()
				assert.Equal(t, "{{ trigger.x }}", config["template"])
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config, err := reg.ValidateActionConfig(tt.action, tt.config)
			if tt.expectError {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)

			if tt.check != nil {
				tt.check(t, config)
			}
		})
	}
}
