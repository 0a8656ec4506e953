package workflow

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/weavr-dev/weavr/pkg/models"
	"github.com/weavr-dev/weavr/pkg/registry"
)

type stepColor int

const (
	colorWhite stepColor = iota
	colorGrey
	colorBlack
)

// Validator checks parsed workflows for structural violations and,
// opportunistically, validates step configs against registered action
// schemas.
type Validator struct {
	validate *validator.Validate
	registry *registry.Registry
}

// NewValidator creates a validator. The registry may be nil; schema
// validation is then skipped entirely.
func NewValidator(reg *registry.Registry) *Validator {
	return &Validator{
		validate: validator.New(validator.WithRequiredStructEnabled()),
		registry: reg,
	}
}

// Validate checks the workflow and mutates step configs with schema
// defaults. Violations are reported as *models.InvalidWorkflowError.
func (v *Validator) Validate(wf *models.Workflow) error {
	if err := v.validate.Struct(wf); err != nil {
		return &models.InvalidWorkflowError{Message: err.Error()}
	}

	steps := make(map[string]*models.Step, len(wf.Steps))

	for _, step := range wf.Steps {
		if step.ID == "" {
			return &models.InvalidWorkflowError{Field: "steps", Message: "step id is required"}
		}

		if step.Action == "" {
			return &models.InvalidWorkflowError{
				Field:   "steps." + step.ID + ".action",
				Message: "action is required",
			}
		}

		if _, exists := steps[step.ID]; exists {
			return &models.InvalidWorkflowError{
				Field:   "steps." + step.ID,
				Message: "duplicate step id",
			}
		}

		steps[step.ID] = step
	}

	for _, step := range wf.Steps {
		for _, dep := range step.DependsOn {
			if _, ok := steps[dep]; !ok {
				return &models.InvalidWorkflowError{
					Field:   "steps." + step.ID + ".depends_on",
					Message: fmt.Sprintf("unknown step %q", dep),
				}
			}
		}
	}

	if err := detectCycles(wf.Steps, steps); err != nil {
		return err
	}

	if err := v.validateMemory(wf); err != nil {
		return err
	}

	if v.registry != nil {
		for _, step := range wf.Steps {
			config, err := v.registry.ValidateActionConfig(step.Action, step.Config)
			if err != nil {
				return &models.InvalidWorkflowError{
					Field:   "steps." + step.ID + ".config",
					Message: err.Error(),
				}
			}

			step.Config = config
		}
	}

	return nil
}

// detectCycles runs a DFS with grey/black colouring over the dependency
// graph.
func detectCycles(order []*models.Step, steps map[string]*models.Step) error {
	colors := make(map[string]stepColor, len(steps))

	var visit func(id string) error

	visit = func(id string) error {
		switch colors[id] {
		case colorGrey:
			return &models.InvalidWorkflowError{
				Field:   "steps." + id + ".depends_on",
				Message: "dependency cycle detected",
			}
		case colorBlack:
			return nil
		}

		colors[id] = colorGrey

		for _, dep := range steps[id].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}

		colors[id] = colorBlack

		return nil
	}

	for _, step := range order {
		if err := visit(step.ID); err != nil {
			return err
		}
	}

	return nil
}

func (v *Validator) validateMemory(wf *models.Workflow) error {
	blocks := make(map[string]bool, len(wf.Memory))

	for _, block := range wf.Memory {
		if block.ID == "" {
			return &models.InvalidWorkflowError{Field: "memory", Message: "memory block id is required"}
		}

		if blocks[block.ID] {
			return &models.InvalidWorkflowError{
				Field:   "memory." + block.ID,
				Message: "duplicate memory block id",
			}
		}

		blocks[block.ID] = true

		for i, source := range block.Sources {
			switch source.Type {
			case models.MemorySourceText, models.MemorySourceFile, models.MemorySourceURL,
				models.MemorySourceWebSearch, models.MemorySourceStep, models.MemorySourceTrigger:
			default:
				return &models.InvalidWorkflowError{
					Field:   fmt.Sprintf("memory.%s.sources[%d]", block.ID, i),
					Message: fmt.Sprintf("unknown source type %q", source.Type),
				}
			}
		}
	}

	return nil
}
