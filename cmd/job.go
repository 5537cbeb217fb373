package cmd

import (
	"context"
	"fmt"
	"time"

	"backupchan/internal/application"
	"backupchan/internal/display"

	"github.com/spf13/cobra"
)

var jobCmd = &cobra.Command{
	Use:     "job",
	Aliases: []string{"jobs"},
	Short:   "Inspect and run maintenance jobs",
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the scheduled maintenance jobs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, app *application.Application) error {
			infos := app.ScheduledJobs()
			if ok, err := printStructured(cmd.OutOrStdout(), infos); ok {
				return err
			}

			table := display.NewTable(colorsFor(cmd), "Name", "Interval")
			for _, info := range infos {
				table.AddRow(info.Name, info.Interval.Round(time.Second).String())
			}
			table.RenderTo(cmd.OutOrStdout())
			return nil
		})
	},
}

var jobRunCmd = &cobra.Command{
	Use:   "run <name>",
	Short: "Run a maintenance job once",
	Long: `Run one maintenance job in this process and wait for it.

Jobs: retention, deduplicate, backup_filesize, stale_sequential_upload,
temporary_purge`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, app *application.Application) error {
			start := time.Now()
			if err := app.RunJob(ctx, args[0]); err != nil {
				return err
			}
			printSuccess(cmd, "Job %s finished in %s", args[0], time.Since(start).Round(time.Millisecond))
			return nil
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show storage statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, app *application.Application) error {
			stats, err := app.Stats(ctx)
			if err != nil {
				return err
			}
			if ok, err := printStructured(cmd.OutOrStdout(), stats); ok {
				return err
			}

			table := display.NewTable(colorsFor(cmd), "Metric", "Value")
			table.SetColumnAlignment(1, display.AlignRight)
			table.AddRow("Targets", fmt.Sprint(stats.Targets))
			table.AddRow("Backups", fmt.Sprint(stats.Backups))
			table.AddRow("Recycled backups", fmt.Sprint(stats.RecycledBackups))
			table.AddRow("Target storage", display.FormatSize(stats.TotalTargetSize))
			table.AddRow("Recycle bin storage", display.FormatSize(stats.TotalRecycleBinSize))
			table.RenderTo(cmd.OutOrStdout())
			return nil
		})
	},
}

func init() {
	jobCmd.AddCommand(jobListCmd, jobRunCmd)
	rootCmd.AddCommand(jobCmd, statsCmd)
}
