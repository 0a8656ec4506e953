package workflow

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weavr-dev/weavr/pkg/models"
	"github.com/weavr-dev/weavr/pkg/protocol"
	"github.com/weavr-dev/weavr/pkg/registry"
)

func step(id string, deps ...string) *models.Step {
	return &models.Step{
		ID:        id,
		Action:    "log",
		DependsOn: deps,
		Retry:     models.RetryPolicy{Attempts: 1, DelayMS: 1000},
	}
}

func TestValidate_UnknownDependency(t *testing.T) {
	v := NewValidator(nil)

	wf := &models.Workflow{
		Name:  "bad-deps",
		Steps: []*models.Step{step("a", "ghost")},
	}

	err := v.Validate(wf)
	require.Error(t, err)

	var invalid *models.InvalidWorkflowError

	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "steps.a.depends_on", invalid.Field)
}

func TestValidate_DuplicateStepID(t *testing.T) {
	v := NewValidator(nil)

	wf := &models.Workflow{
		Name:  "dupes",
		Steps: []*models.Step{step("a"), step("a")},
	}

	err := v.Validate(wf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate step id")
}

func TestValidate_CycleRejected(t *testing.T) {
	v := NewValidator(nil)

	tests := []struct {
		name  string
		steps []*models.Step
	}{
		{
			name:  "two step cycle",
			steps: []*models.Step{step("a", "b"), step("b", "a")},
		},
		{
			name:  "self cycle",
			steps: []*models.Step{step("a", "a")},
		},
		{
			name:  "three step cycle",
			steps: []*models.Step{step("a", "c"), step("b", "a"), step("c", "b")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(&models.Workflow{Name: "cyclic", Steps: tt.steps})
			require.Error(t, err)

			var invalid *models.InvalidWorkflowError

			require.ErrorAs(t, err, &invalid)
			assert.Contains(t, invalid.Message, "cycle")
		})
	}
}

func TestValidate_DiamondIsAcyclic(t *testing.T) {
	v := NewValidator(nil)

	wf := &models.Workflow{
		Name: "diamond",
		Steps: []*models.Step{
			step("a"),
			step("b", "a"),
			step("c", "a"),
			step("d", "b", "c"),
		},
	}

	require.NoError(t, v.Validate(wf))
}

func TestValidate_DuplicateMemoryBlock(t *testing.T) {
	v := NewValidator(nil)

	wf := &models.Workflow{
		Name:  "memory-dupes",
		Steps: []*models.Step{step("a")},
		Memory: []*models.MemoryBlock{
			{ID: "ctx"},
			{ID: "ctx"},
		},
	}

	err := v.Validate(wf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate memory block id")
}

type schemaAction struct{}

func (a *schemaAction) ID() string { return "mailer.send" }

func (a *schemaAction) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"to":      map[string]any{"type": "string"},
			"subject": map[string]any{"type": "string", "default": "(no subject)"},
		},
		"required": []any{"to"},
	}
}

func (a *schemaAction) Execute(_ context.Context, _ protocol.ActionContext, _ *slog.Logger) (any, error) {
	return nil, nil
}

func TestValidate_SchemaAppliedOpportunistically(t *testing.T) {
	reg := registry.NewRegistry(slog.New(slog.NewTextHandler(os.Stdout, nil)))
	require.NoError(t, reg.RegisterAction(&schemaAction{}))

	v := NewValidator(reg)

	wf := &models.Workflow{
		Name: "mailer",
		Steps: []*models.Step{
			{
				ID:     "send",
				Action: "mailer.send",
				Config: map[string]any{"to": "ops@example.test"},
				Retry:  models.RetryPolicy{Attempts: 1, DelayMS: 1000},
			},
			// No schema registered for this one; any config passes.
			{
				ID:     "note",
				Action: "transform",
				Config: map[string]any{"template": "done"},
				Retry:  models.RetryPolicy{Attempts: 1, DelayMS: 1000},
			},
		},
	}

	require.NoError(t, v.Validate(wf))
	assert.Equal(t, "(no subject)", wf.Steps[0].Config["subject"])

	wf.Steps[0].Config = map[string]any{}
	err := v.Validate(wf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mailer.send")
}

func TestRepository_LoadAll(t *testing.T) {
	dir := t.TempDir()

	writeFile := func(name, content string) {
		require.NoError(t, os.WriteFile(dir+"/"+name, []byte(content), 0o644))
	}

	writeFile("good.yaml", "name: good\nsteps:\n  - id: a\n    action: log\n")
	writeFile("unnamed.yml", "steps:\n  - id: a\n    action: log\n")
	writeFile("broken.yaml", "steps:\n  - id: a\n    depends_on: [missing]\n    action: log\n")
	writeFile("notes.txt", "not a workflow")

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	repo := NewRepository(dir, NewValidator(nil), logger)

	loaded, err := repo.LoadAll()
	require.NoError(t, err)
	require.Len(t, loaded, 2)

	names := []string{loaded[0].Workflow.Name, loaded[1].Workflow.Name}
	assert.Contains(t, names, "good")
	// File base-name is used when the document has no name.
	assert.Contains(t, names, "unnamed")
}
