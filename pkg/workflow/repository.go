package workflow

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/weavr-dev/weavr/pkg/models"
)

// LoadedWorkflow pairs a parsed workflow with its source document. The
// raw content is what gets serialized into queue rows.
type LoadedWorkflow struct {
	Workflow *models.Workflow
	Content  string
	Path     string
}

// Repository loads workflow documents from the workflow directory.
type Repository struct {
	dir       string
	validator *Validator
	logger    *slog.Logger
}

func NewRepository(dir string, validator *Validator, logger *slog.Logger) *Repository {
	return &Repository{
		dir:       dir,
		validator: validator,
		logger:    logger.With("module", "workflow_repository", "dir", dir),
	}
}

// LoadAll reads every .yaml/.yml file in the directory. Files that fail
// to parse or validate are logged and skipped so one broken workflow does
// not take the scheduler down.
func (r *Repository) LoadAll() ([]*LoadedWorkflow, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow directory %s: %w", r.dir, err)
	}

	loaded := make([]*LoadedWorkflow, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() || !isWorkflowFile(entry.Name()) {
			continue
		}

		wf, err := r.LoadFile(filepath.Join(r.dir, entry.Name()))
		if err != nil {
			r.logger.Error("Skipping workflow file", "file", entry.Name(), "error", err)

			continue
		}

		loaded = append(loaded, wf)
	}

	return loaded, nil
}

// LoadFile parses and validates a single workflow file. The file
// base-name is used when the document carries no name.
func (r *Repository) LoadFile(path string) (*LoadedWorkflow, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file %s: %w", path, err)
	}

	wf, err := Parse(content)
	if err != nil {
		return nil, err
	}

	if wf.Name == "" {
		base := filepath.Base(path)
		wf.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}

	if err := r.validator.Validate(wf); err != nil {
		return nil, err
	}

	return &LoadedWorkflow{
		Workflow: wf,
		Content:  string(content),
		Path:     path,
	}, nil
}

func isWorkflowFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))

	return ext == ".yaml" || ext == ".yml"
}
