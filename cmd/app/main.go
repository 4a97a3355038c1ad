package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/tagledger/internal"
	pkgconfig "github.com/starford/tagledger/pkg/config"
)

var version = "dev"

func loadConfig(cmd *cli.Command) ([]internal.Option, error) {
	configPath := cmd.String("config")

	cfg := internal.NewDefaultConfig()
	if err := pkgconfig.Load(configPath, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return []internal.Option{
		internal.WithConfig(cfg),
		internal.WithVersion(version),
	}, nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	opts, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := internal.Run(ctx, opts...); err != nil {
		return fmt.Errorf("app run error: %w", err)
	}
	return nil
}

func scan(ctx context.Context, cmd *cli.Command) error {
	opts, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	out, err := internal.ScanOnce(ctx, cmd.Bool("full"), opts...)
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func export(ctx context.Context, cmd *cli.Command) error {
	opts, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	return internal.Export(ctx, internal.ExportOptions{
		Path:            cmd.String("output"),
		IncludeDeleted:  cmd.Bool("include-deleted"),
		IncludeArchived: cmd.Bool("include-archived"),
		HistoryLimit:    int(cmd.Int("history")),
	}, opts...)
}

func mcp(ctx context.Context, cmd *cli.Command) error {
	opts, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	return internal.ServeMCP(ctx, opts...)
}

func main() {
	cmd := &cli.Command{
		Name:    "tagledger",
		Usage:   "Track NOTE(vNext) annotations in a source tree as a reviewable ledger",
		Version: version,
		Action:  serve,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file",
				DefaultText: "config/config.yaml",
				Value:       "config/config.yaml",
				Sources:     cli.EnvVars("APP_CONFIG_FILE"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP server (default)",
				Action: serve,
			},
			{
				Name:   "scan",
				Usage:  "Run one scan and print the outcome as JSON",
				Action: scan,
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "full", Usage: "Full scan: mark unseen notes stale and drop deleted files"},
				},
			},
			{
				Name:   "export",
				Usage:  "Write a JSON snapshot of the ledger",
				Action: export,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "Output file, - for stdout", Value: "-"},
					&cli.BoolFlag{Name: "include-deleted", Usage: "Include soft-deleted notes"},
					&cli.BoolFlag{Name: "include-archived", Usage: "Include archived notes"},
					&cli.IntFlag{Name: "history", Usage: "Number of scan runs to include (1..2000)", Value: 50},
				},
			},
			{
				Name:   "mcp",
				Usage:  "Serve the MCP tools over stdio",
				Action: mcp,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
