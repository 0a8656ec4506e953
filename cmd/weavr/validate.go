package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	cli "github.com/urfave/cli/v3"
	"github.com/weavr-dev/weavr/pkg/actions"
	"github.com/weavr-dev/weavr/pkg/log"
	"github.com/weavr-dev/weavr/pkg/registry"
	"github.com/weavr-dev/weavr/pkg/triggers"
	"github.com/weavr-dev/weavr/pkg/workflow"
)

func runValidate(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"))

	logger := log.WithModule("validate")

	cfg, err := loadConfig(command)
	if err != nil {
		return err
	}

	reg := registry.NewRegistry(logger)
	if err := actions.RegisterAll(reg); err != nil {
		return err
	}

	if err := triggers.RegisterAll(reg); err != nil {
		return err
	}

	repo := workflow.NewRepository(cfg.WorkflowsDir, workflow.NewValidator(reg), logger)

	entries, err := os.ReadDir(cfg.WorkflowsDir)
	if err != nil {
		return fmt.Errorf("failed to read workflows directory: %w", err)
	}

	invalid := 0
	checked := 0

	for _, entry := range entries {
		name := entry.Name()
		ext := strings.ToLower(filepath.Ext(name))

		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}

		checked++

		lw, err := repo.LoadFile(filepath.Join(cfg.WorkflowsDir, name))
		if err != nil {
			invalid++

			fmt.Fprintf(os.Stderr, "INVALID  %s: %v\n", name, err)

			continue
		}

		fmt.Printf("OK       %s (%s, %d steps)\n", name, lw.Workflow.Name, len(lw.Workflow.Steps))
	}

	if invalid > 0 {
		return fmt.Errorf("%d of %d workflow files invalid", invalid, checked)
	}

	logger.InfoContext(ctx, "All workflows valid", "count", checked)

	return nil
}
