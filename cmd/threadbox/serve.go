package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/threadbox"
)

func newServeCmd(logger *slog.Logger) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := []threadbox.Option{
				threadbox.WithLogger(logger),
				threadbox.WithVersion(version),
			}
			if port != 0 {
				opts = append(opts, threadbox.WithPort(port))
			}
			app, err := threadbox.New(cmd.Context(), opts...)
			if err != nil {
				return fmt.Errorf("init: %w", err)
			}
			return app.Run(cmd.Context())
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "Listen port (overrides THREADBOX_PORT)")
	return cmd
}

func newMigrateCmd(logger *slog.Logger) *cobra.Command {
	var databaseURL string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded schema and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := []threadbox.Option{threadbox.WithLogger(logger)}
			if databaseURL != "" {
				opts = append(opts, threadbox.WithDatabaseURL(databaseURL))
			}
			return threadbox.Migrate(cmd.Context(), opts...)
		},
	}
	cmd.Flags().StringVar(&databaseURL, "database-url", "", "Postgres URL (overrides DATABASE_URL and selects postgres)")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
