package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/trellis/internal"
	pkgconfig "github.com/starford/trellis/pkg/config"
)

var version = "dev"

func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	cfg := internal.NewDefaultConfig()
	if err := pkgconfig.LoadOptional(cmd.String("config"), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if repo := cmd.String("repo"); repo != "" {
		cfg.Repo.Path = repo
	}
	return cfg, nil
}

// runMode starts one of the long-running modes.
func runMode(mode internal.Mode) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		opts := []internal.Option{
			internal.WithConfig(cfg),
			internal.WithMode(mode),
			internal.WithVersion(version),
		}
		if err := internal.Run(ctx, opts...); err != nil {
			return fmt.Errorf("app run error: %w", err)
		}
		return nil
	}
}

func main() {
	cmd := &cli.Command{
		Name:    "trellis",
		Usage:   "Query cache and context assembly over a git-tracked tree of markdown documents",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file",
				DefaultText: ".trellis/config.yaml",
				Value:       ".trellis/config.yaml",
				Sources:     cli.EnvVars("APP_CONFIG_FILE"),
			},
			&cli.StringFlag{
				Name:    "repo",
				Aliases: []string{"C"},
				Usage:   "Repository root (overrides repo.path)",
				Sources: cli.EnvVars("TRELLIS_REPO"),
			},
		},
		Commands: append(queryCommands(),
			&cli.Command{
				Name:   "serve",
				Usage:  "Serve the HTTP query API and keep the cache current",
				Action: runMode(internal.ModeServe),
			},
			&cli.Command{
				Name:   "watch",
				Usage:  "Keep the cache current as files change",
				Action: runMode(internal.ModeWatch),
			},
			&cli.Command{
				Name:   "mcp",
				Usage:  "Serve MCP tools over stdin/stdout",
				Action: runMode(internal.ModeMCP),
			},
		),
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
