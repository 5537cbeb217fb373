package cmd

import (
	"context"
	"fmt"

	"backupchan/internal/application"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the backup server",
	Long: `Run the job scheduler until interrupted.

The scheduler periodically applies retention policies, removes duplicate
backups, refreshes stored file sizes, drops stale sequential uploads and
purges old temporary files. With metrics.enabled the server also exposes
Prometheus metrics on metrics.addr.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("configuration error: %w", err)
		}
		logger, err := newLogger(cfg, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		app, err := application.NewApplication(cfg, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize application: %w", err)
		}
		defer app.Close()

		return app.Serve()
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, app *application.Application) error {
			if err := app.Migrate(ctx); err != nil {
				return err
			}
			version, err := app.Store().Version()
			if err != nil {
				return err
			}
			printSuccess(cmd, "Schema is up to date (%s %s)", app.Store().Driver(), version)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}
