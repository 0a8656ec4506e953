package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	cli "github.com/urfave/cli/v3"
	"github.com/weavr-dev/weavr/pkg/actions"
	"github.com/weavr-dev/weavr/pkg/config"
	"github.com/weavr-dev/weavr/pkg/executor"
	"github.com/weavr-dev/weavr/pkg/gateway"
	"github.com/weavr-dev/weavr/pkg/log"
	"github.com/weavr-dev/weavr/pkg/models"
	"github.com/weavr-dev/weavr/pkg/otelhelper"
	"github.com/weavr-dev/weavr/pkg/registry"
	"github.com/weavr-dev/weavr/pkg/scheduler"
	"github.com/weavr-dev/weavr/pkg/store"
	"github.com/weavr-dev/weavr/pkg/triggers"
	"github.com/weavr-dev/weavr/pkg/workflow"
)

const shutdownTimeout = 30 * time.Second

func runStart(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"))

	logger := log.WithModule("weavr")

	cfg, err := loadConfig(command)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.WorkflowsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create workflows directory: %w", err)
	}

	st, err := store.Open(ctx, logger, filepath.Join(cfg.DataDir, "weavr.db"))
	if err != nil {
		return err
	}

	defer func() {
		if err := st.Close(); err != nil {
			logger.ErrorContext(ctx, "Failed to close store", "error", err)
		}
	}()

	// Runs left in running state by a previous process go back to queued
	// and will be claimed again.
	recovered, err := st.RecoverStaleRuns(ctx, 0)
	if err != nil {
		return err
	}

	if recovered > 0 {
		logger.InfoContext(ctx, "Recovered interrupted runs", "count", recovered)
	}

	reg := registry.NewRegistry(logger)
	if err := actions.RegisterAll(reg); err != nil {
		return err
	}

	if err := triggers.RegisterAll(reg); err != nil {
		return err
	}

	search := executor.NewSearchClient(logger, cfg.WebSearch.BraveAPIKey, cfg.WebSearch.TavilyAPIKey)
	assembler := executor.NewAssembler(logger, search.Search)

	exec := executor.NewExecutor(logger, reg, assembler, executor.Callbacks{}, func(ctx context.Context, usage *models.TokenUsage) {
		if err := st.TrackTokenUsage(ctx, usage); err != nil {
			logger.ErrorContext(ctx, "Failed to track token usage", "error", err)
		}
	})

	if command.Bool("tracing") {
		tracer, err := otelhelper.NewTracer(ctx, "weavr")
		if err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}

		exec.WithTracer(tracer)
	}

	repo := workflow.NewRepository(cfg.WorkflowsDir, workflow.NewValidator(reg), logger)

	sched := scheduler.NewScheduler(logger, st, reg, repo, exec, schedulerConfig(cfg), scheduler.Callbacks{})
	if err := sched.Start(ctx); err != nil {
		return err
	}

	watcher := scheduler.NewWatcher(logger, sched, cfg.WorkflowsDir)
	if err := watcher.Start(ctx); err != nil {
		sched.Stop(ctx)

		return err
	}

	gw := gateway.New(logger, sched, st, reg, gateway.Config{
		Port:                cfg.Server.Port,
		GitHubWebhookSecret: cfg.Server.GitHubWebhookSecret,
	})

	serveErr := make(chan error, 1)

	go func() {
		serveErr <- gw.Start(ctx)
	}()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-signalCtx.Done():
		logger.InfoContext(ctx, "Shutting down")
	case err := <-serveErr:
		if err != nil {
			logger.ErrorContext(ctx, "Gateway failed", "error", err)

			watcher.Stop()
			sched.Stop(ctx)

			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := gw.Stop(shutdownCtx); err != nil {
		logger.ErrorContext(ctx, "Failed to stop gateway", "error", err)
	}

	watcher.Stop()
	sched.Stop(shutdownCtx)

	logger.Info("Shutdown complete")

	return nil
}

func loadConfig(command *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(command.String("home"))
	if err != nil {
		return nil, err
	}

	if dir := command.String("workflows-dir"); dir != "" {
		cfg.WorkflowsDir = dir
	}

	if port := command.Int("port"); port != 0 {
		cfg.Server.Port = port
	}

	return cfg, nil
}

func schedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		WorkflowDir:    cfg.WorkflowsDir,
		Timezone:       cfg.Timezone,
		MaxConcurrency: cfg.Scheduler.MaxConcurrency,
		PollInterval:   time.Duration(cfg.Scheduler.PollIntervalSeconds) * time.Second,
		MaxAttempts:    cfg.Scheduler.MaxAttempts,
		RetryDelay:     time.Duration(cfg.Scheduler.RetryDelaySeconds) * time.Second,
		CatchUpWindow:  time.Duration(cfg.Scheduler.CatchUpWindowHours) * time.Hour,
		MaxCatchUpRuns: cfg.Scheduler.MaxCatchUpRuns,
	}
}
