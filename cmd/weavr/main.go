package main

import (
	"context"
	"os"

	cli "github.com/urfave/cli/v3"
	"github.com/weavr-dev/weavr/pkg/config"
)

func main() {
	cmd := &cli.Command{
		Name:                  "weavr",
		EnableShellCompletion: true,
		Usage:                 "Self-hosted workflow automation engine",
		Commands: []*cli.Command{
			{
				Name:  "start",
				Usage: "Start the engine: scheduler, worker pool and HTTP gateway",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "home",
						Usage:   "Weavr home directory (config, database)",
						Value:   config.DefaultHome(),
						Sources: cli.EnvVars("WEAVR_HOME"),
					},
					&cli.StringFlag{
						Name:    "workflows-dir",
						Usage:   "Directory of workflow YAML files (overrides config)",
						Sources: cli.EnvVars("WEAVR_WORKFLOWS_DIR"),
					},
					&cli.IntFlag{
						Name:    "port",
						Usage:   "HTTP port (overrides config)",
						Sources: cli.EnvVars("WEAVR_PORT"),
					},
					&cli.BoolFlag{
						Name:    "tracing",
						Usage:   "Enable OpenTelemetry tracing",
						Sources: cli.EnvVars("WEAVR_TRACING"),
					},
					&cli.StringFlag{
						Name:    "log-level",
						Usage:   "Log level (debug, info, warn, error)",
						Value:   "info",
						Sources: cli.EnvVars("LOG_LEVEL"),
					},
				},
				Action: runStart,
			},
			{
				Name:  "validate",
				Usage: "Validate every workflow file in the workflows directory",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "home",
						Usage:   "Weavr home directory",
						Value:   config.DefaultHome(),
						Sources: cli.EnvVars("WEAVR_HOME"),
					},
					&cli.StringFlag{
						Name:    "workflows-dir",
						Usage:   "Directory of workflow YAML files (overrides config)",
						Sources: cli.EnvVars("WEAVR_WORKFLOWS_DIR"),
					},
					&cli.StringFlag{
						Name:  "log-level",
						Usage: "Log level (debug, info, warn, error)",
						Value: "info",
					},
				},
				Action: runValidate,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		os.Exit(1)
	}
}
