// Package workflow parses and validates workflow documents.
package workflow

import (
	"fmt"

	"github.com/weavr-dev/weavr/pkg/models"
	"gopkg.in/yaml.v3"
)

// document mirrors the on-disk shape. A singular `trigger` key is
// accepted as a convenience and folded into the trigger list.
type document struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Env         map[string]string `yaml:"env"`
	Trigger     *models.Trigger   `yaml:"trigger"`
	Triggers    []*models.Trigger `yaml:"triggers"`
	Memory      []*models.MemoryBlock
	Steps       []*models.Step
}

// Parse turns a serialized workflow document into the typed model and
// applies defaults. Structural violations are reported as
// *models.InvalidWorkflowError.
func Parse(content []byte) (*models.Workflow, error) {
	var doc document

	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, &models.InvalidWorkflowError{Message: fmt.Sprintf("failed to parse document: %v", err)}
	}

	triggers := doc.Triggers
	if doc.Trigger != nil {
		triggers = append([]*models.Trigger{doc.Trigger}, triggers...)
	}

	wf := &models.Workflow{
		Name:        doc.Name,
		Description: doc.Description,
		Env:         doc.Env,
		Triggers:    triggers,
		Memory:      doc.Memory,
		Steps:       doc.Steps,
	}

	applyDefaults(wf)

	return wf, nil
}

// Serialize renders a workflow back to its document form. Parsing the
// result yields an identical model.
func Serialize(wf *models.Workflow) ([]byte, error) {
	content, err := yaml.Marshal(wf)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize workflow %s: %w", wf.Name, err)
	}

	return content, nil
}

func applyDefaults(wf *models.Workflow) {
	for _, step := range wf.Steps {
		if step == nil {
			continue
		}

		if step.Retry.Attempts < 1 {
			step.Retry.Attempts = models.DefaultRetryAttempts
		}

		if step.Retry.DelayMS == 0 {
			step.Retry.DelayMS = models.DefaultRetryDelayMS
		}
	}
}
