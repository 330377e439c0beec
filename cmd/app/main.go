package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/sorenh/fsmirror/internal"
	pkgconfig "github.com/sorenh/fsmirror/pkg/config"
)

func run(ctx context.Context, cmd *cli.Command) error {
	cfg := internal.NewDefaultConfig()

	if configPath := cmd.String("config"); configPath != "" {
		if err := pkgconfig.Load(configPath, cfg); err != nil {
			return fmt.Errorf("failed to parse config: %w", err)
		}
	}

	// Flags and positional arguments override the file.
	if cmd.Args().Len() > 0 {
		if cmd.Args().Len() != 2 {
			return fmt.Errorf("expected <source> <destination>, got %d arguments", cmd.Args().Len())
		}
		cfg.Source.Path = cmd.Args().Get(0)
		cfg.Destination.Path = cmd.Args().Get(1)
	}
	if cmd.IsSet("log-level") {
		cfg.App.LogLevel = cmd.String("log-level")
	}
	if cmd.IsSet("mode") {
		cfg.Sync.Mode = cmd.String("mode")
	}
	if cmd.IsSet("compare") {
		cfg.Sync.Compare = cmd.String("compare")
	}
	if cmd.IsSet("workers") {
		cfg.Sync.Workers = int(cmd.Int("workers"))
	}
	if cmd.IsSet("status-port") {
		cfg.Status.HTTP.Port = int(cmd.Int("status-port"))
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	opts := []internal.Option{
		internal.WithConfig(cfg),
	}

	if err := internal.Run(ctx, opts...); err != nil {
		return fmt.Errorf("app run error: %w", err)
	}

	return nil
}

func main() {
	cmd := &cli.Command{
		Name:      "fsmirror",
		Usage:     "Continuously mirror a source directory into a destination directory",
		ArgsUsage: "<source> <destination>",
		Action:    run,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file (optional)",
				Sources: cli.EnvVars("FSMIRROR_CONFIG_FILE"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level: error, warn, info, debug, trace",
				Sources: cli.EnvVars("FSMIRROR_LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "mode",
				Usage:   "Mirror mode: strict or additive",
				Sources: cli.EnvVars("FSMIRROR_MODE"),
			},
			&cli.StringFlag{
				Name:    "compare",
				Usage:   "Reconciliation comparison: metadata or checksum",
				Sources: cli.EnvVars("FSMIRROR_COMPARE"),
			},
			&cli.IntFlag{
				Name:    "workers",
				Usage:   "Reconciliation copy workers",
				Sources: cli.EnvVars("FSMIRROR_WORKERS"),
			},
			&cli.IntFlag{
				Name:    "status-port",
				Usage:   "Status HTTP server port (0 disables)",
				Sources: cli.EnvVars("FSMIRROR_STATUS_PORT"),
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
