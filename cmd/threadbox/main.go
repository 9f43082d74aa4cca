// Command threadbox runs the threadbox server and its maintenance commands.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/threadbox/internal/config"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level, err := config.ParseLogLevel(os.Getenv("THREADBOX_LOG_LEVEL"))
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	if err != nil {
		logger.Warn("invalid log level, using info", "error", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd(logger).ExecuteContext(ctx); err != nil {
		logger.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func newRootCmd(logger *slog.Logger) *cobra.Command {
	serve := newServeCmd(logger)
	root := &cobra.Command{
		Use:   "threadbox",
		Short: "Threads of work, each in its own sandbox container",
		Long: `threadbox serves an HTTP and MCP API for threads: named units of work,
each backed by a sandbox container and an append-only log.

Configuration comes from THREADBOX_* environment variables, an optional
.env file and an optional TOML profile (THREADBOX_CONFIG_FILE).

Running threadbox without a subcommand is the same as "threadbox serve".`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			// A .env file is optional; production environments won't have one.
			_ = godotenv.Load()
		},
		RunE: serve.RunE,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.AddCommand(serve, newMigrateCmd(logger), newTokenCmd(), newVersionCmd())
	return root
}
