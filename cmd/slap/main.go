// Command slap serves the latest screenshot of a browser page over HTTP.
//
// Usage:
//
//	slap --config slap.yaml
//	slap --url https://example.com --port 8080
//	slap --remote ws://127.0.0.1:9222/devtools/browser/... --cadence 2s
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/hazyhaar/slap/observability"
	"github.com/hazyhaar/slap/slap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := command().Run(ctx, os.Args); err != nil {
		slog.Error("slap: fatal", "error", err)
		os.Exit(1)
	}
}

func command() *cli.Command {
	return &cli.Command{
		Name:  "slap",
		Usage: "capture a browser page on a fixed cadence and serve the latest screenshot",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to slap.yaml",
				Sources: cli.EnvVars("SLAP_CONFIG"),
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "HTTP listen port",
				Value:   8080,
				Sources: cli.EnvVars("SLAP_PORT"),
			},
			&cli.StringFlag{
				Name:    "address",
				Usage:   "HTTP listen address (empty = all interfaces)",
				Sources: cli.EnvVars("SLAP_ADDRESS"),
			},
			&cli.StringFlag{
				Name:    "url",
				Usage:   "page to load before capturing",
				Sources: cli.EnvVars("SLAP_URL"),
			},
			&cli.StringFlag{
				Name:    "remote",
				Usage:   "DevTools WebSocket URL of an existing Chrome (empty = launch one)",
				Sources: cli.EnvVars("SLAP_REMOTE"),
			},
			&cli.DurationFlag{
				Name:    "cadence",
				Usage:   "target time between captures",
				Sources: cli.EnvVars("SLAP_CADENCE"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "log level: debug, info, warn, error",
				Sources: cli.EnvVars("SLAP_LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			logger := observability.NewLogger(os.Stderr, cfg.LogLevel)
			slog.SetDefault(logger)

			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			svc := slap.New(cfg, logger, slap.WithMetrics(observability.NewMetrics()))
			return svc.Run(ctx)
		},
	}
}

// loadConfig reads --config when given, then applies flags on top.
func loadConfig(cmd *cli.Command) (*slap.Config, error) {
	cfg := slap.DefaultConfig()
	if path := cmd.String("config"); path != "" {
		var err error
		cfg, err = slap.LoadConfigFile(path)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}

	if cmd.IsSet("port") {
		cfg.Listen.Port = cmd.Int("port")
	}
	if cmd.IsSet("address") {
		cfg.Listen.Address = cmd.String("address")
	}
	if cmd.IsSet("url") {
		cfg.Browser.URL = cmd.String("url")
	}
	if cmd.IsSet("remote") {
		cfg.Browser.Remote = cmd.String("remote")
	}
	if cmd.IsSet("cadence") {
		cfg.Capture.Cadence = cmd.Duration("cadence")
	}
	if cmd.IsSet("log-level") {
		cfg.LogLevel = cmd.String("log-level")
	}
	return cfg, nil
}
