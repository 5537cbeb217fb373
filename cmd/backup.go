package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"backupchan/internal/application"
	"backupchan/internal/backup"
	"backupchan/internal/confirmation"
	"backupchan/internal/display"

	"github.com/spf13/cobra"
)

var (
	uploadManual    bool
	backupKeepFiles bool
)

var backupCmd = &cobra.Command{
	Use:     "backup",
	Aliases: []string{"backups"},
	Short:   "Manage backups",
}

var backupListCmd = &cobra.Command{
	Use:   "list <target>",
	Short: "List the backups of a target, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, app *application.Application) error {
			backups, err := app.ListBackups(ctx, args[0])
			if err != nil {
				return err
			}
			return renderBackups(cmd, backups)
		})
	},
}

var backupUploadCmd = &cobra.Command{
	Use:   "upload <target> <file|directory>",
	Short: "Store a file or directory as a new backup",
	Long: `Store a file or directory as a new backup of the target.

A directory is uploaded file by file into a multi-file target. Multi-file
targets also accept .zip, .tar, .tar.gz and .tar.xz archives, which are
extracted.

Examples:
  backupchan backup upload nightly ./dump.sql
  backupchan backup upload website ./public --manual=false`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := os.Stat(args[1])
		if err != nil {
			return backup.NewNotFoundError(fmt.Sprintf("cannot read %s", args[1]), err)
		}

		return withApp(cmd, func(ctx context.Context, app *application.Application) error {
			var id string
			if info.IsDir() {
				id, err = app.UploadDirectory(ctx, args[0], args[1], uploadManual)
			} else {
				var target *backup.Target
				target, err = app.GetTarget(ctx, args[0])
				if err != nil {
					return err
				}
				id, err = app.Upload(ctx, target.ID, uploadManual, args[1])
			}
			if err != nil {
				return err
			}
			if quiet {
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			}
			printSuccess(cmd, "Created backup %s", id)
			return nil
		})
	},
}

var backupRecycleCmd = &cobra.Command{
	Use:   "recycle <backup-id>...",
	Short: "Move backups to the recycle bin",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, app *application.Application) error {
			for _, id := range args {
				if err := app.RecycleBackup(ctx, id); err != nil {
					return err
				}
				printSuccess(cmd, "Recycled %s", id)
			}
			return nil
		})
	},
}

var backupUnrecycleCmd = &cobra.Command{
	Use:   "unrecycle <backup-id>...",
	Short: "Restore backups from the recycle bin",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, app *application.Application) error {
			for _, id := range args {
				if err := app.UnrecycleBackup(ctx, id); err != nil {
					return err
				}
				printSuccess(cmd, "Restored %s", id)
			}
			return nil
		})
	},
}

var backupDeleteCmd = &cobra.Command{
	Use:   "delete <backup-id>...",
	Short: "Delete backups permanently",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm := confirmation.NewService(cmd.InOrStdin(), cmd.OutOrStdout(), colorsFor(cmd))
		ok, err := confirm.Confirm(fmt.Sprintf("Delete %d backup(s)?", len(args)), args, autoApprove)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(cmd.OutOrStdout(), "Aborted")
			return nil
		}

		return withApp(cmd, func(ctx context.Context, app *application.Application) error {
			for _, id := range args {
				if err := app.DeleteBackup(ctx, id, !backupKeepFiles); err != nil {
					return err
				}
				printSuccess(cmd, "Deleted %s", id)
			}
			return nil
		})
	},
}

var backupExportCmd = &cobra.Command{
	Use:   "export <backup-id> <directory>",
	Short: "Copy a backup out as a single file",
	Long: `Copy a backup into the directory as a single file. Backups of
multi-file targets are packed into a .tar.xz archive.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, app *application.Application) error {
			path, err := app.ExportBackup(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			if quiet {
				fmt.Fprintln(cmd.OutOrStdout(), path)
				return nil
			}
			printSuccess(cmd, "Exported to %s", path)
			return nil
		})
	},
}

var recycleBinCmd = &cobra.Command{
	Use:   "recycle-bin",
	Short: "Inspect or empty the recycle bin",
}

var recycleBinListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recycled backups",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, app *application.Application) error {
			backups, err := app.ListRecycledBackups(ctx)
			if err != nil {
				return err
			}
			return renderBackups(cmd, backups)
		})
	},
}

var recycleBinClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every recycled backup",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, app *application.Application) error {
			stats, err := app.Stats(ctx)
			if err != nil {
				return err
			}
			if stats.RecycledBackups == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Recycle bin is empty")
				return nil
			}

			confirm := confirmation.NewService(cmd.InOrStdin(), cmd.OutOrStdout(), colorsFor(cmd))
			ok, err := confirm.Confirm("Empty the recycle bin?", []string{
				fmt.Sprintf("%d backup(s), %s", stats.RecycledBackups, display.FormatSize(stats.TotalRecycleBinSize)),
			}, autoApprove)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "Aborted")
				return nil
			}

			if err := app.ClearRecycleBin(ctx, !backupKeepFiles); err != nil {
				return err
			}
			printSuccess(cmd, "Recycle bin cleared")
			return nil
		})
	},
}

func renderBackups(cmd *cobra.Command, backups []*backup.Backup) error {
	if ok, err := printStructured(cmd.OutOrStdout(), backups); ok {
		return err
	}
	if len(backups) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No backups found")
		return nil
	}

	now := time.Now()
	colors := colorsFor(cmd)
	table := display.NewTable(colors, "ID", "Target", "Created", "Age", "Manual", "Size")
	table.SetColumnAlignment(5, display.AlignRight)
	for _, b := range backups {
		manual := display.YesNo(b.Manual)
		if b.Manual {
			manual = colors.Colorize(manual, display.ColorInfo)
		}
		table.AddRow(b.ID, b.TargetID, display.FormatTime(b.CreatedAt), display.FormatAge(b.CreatedAt, now), manual, display.FormatSize(b.Filesize))
	}
	table.RenderTo(cmd.OutOrStdout())
	return nil
}

func init() {
	backupUploadCmd.Flags().BoolVar(&uploadManual, "manual", true, "mark the backup as manually created")
	backupDeleteCmd.Flags().BoolVar(&backupKeepFiles, "keep-files", false, "remove the records but keep files on disk")
	recycleBinClearCmd.Flags().BoolVar(&backupKeepFiles, "keep-files", false, "remove the records but keep files on disk")

	recycleBinCmd.AddCommand(recycleBinListCmd, recycleBinClearCmd)
	backupCmd.AddCommand(backupListCmd, backupUploadCmd, backupRecycleCmd, backupUnrecycleCmd, backupDeleteCmd, backupExportCmd)
	rootCmd.AddCommand(backupCmd, recycleBinCmd)
}
