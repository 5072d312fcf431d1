package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/machi"
	"github.com/ashita-ai/machi/internal/config"
)

var errInvalidResult = errors.New("result must be valid JSON")

func newRootCmd(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "machi",
		Short: "machi - durable runtime for tool-using agents",
		Long: `machi runs agents that react to messages, plans and service triggers,
call tools, and park on long-running tool calls until a result arrives.
Without a subcommand it serves the HTTP API.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
	root.SetOut(out)
	root.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Serve the HTTP API and process the inbox",
			RunE:  runServe,
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Create or upgrade the store schema and exit",
			RunE:  runMigrate,
		},
		&cobra.Command{
			Use:   "resolve <correlation-id> <result-json>",
			Short: "Submit the result of a pending tool call",
			Args:  cobra.ExactArgs(2),
			RunE:  runResolve,
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, _ []string) {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "machi version %s\n", version)
			},
		},
	)
	return root
}

// loadConfig reads the environment and installs the JSON logger at the
// configured level.
func loadConfig() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	app, err := machi.New(
		machi.WithConfig(cfg),
		machi.WithLogger(logger),
		machi.WithVersion(version),
	)
	if err != nil {
		return err
	}
	return app.Run(cmd.Context())
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	store, _, err := machi.OpenStore(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	store.Close(context.WithoutCancel(cmd.Context()))
	logger.Info("schema up to date", "store", cfg.Store)
	return nil
}

func runResolve(cmd *cobra.Command, args []string) error {
	result := json.RawMessage(args[1])
	if !json.Valid(result) {
		return errInvalidResult
	}
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	app, err := machi.New(
		machi.WithConfig(cfg),
		machi.WithLogger(logger),
		machi.WithVersion(version),
	)
	if err != nil {
		return err
	}
	defer func() { _ = app.Shutdown(context.WithoutCancel(cmd.Context())) }()

	duplicate, err := app.Resolve(cmd.Context(), args[0], result)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", args[0], err)
	}
	status := "resolved"
	if duplicate {
		status = "already resolved"
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], status)
	return err
}
