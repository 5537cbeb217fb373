package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"backupchan/internal/application"
	"backupchan/internal/backup"
	"backupchan/internal/config"
	"backupchan/internal/display"
	apperrors "backupchan/internal/errors"
	"backupchan/internal/logging"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var cfgFile string

// Global flag variables
var (
	verbose      bool
	quiet        bool
	outputFormat string
	autoApprove  bool
	timeout      time.Duration
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "backupchan",
	Short: "Backup server with retention, recycle bin and deduplication",
	Long: `backupchan stores backups for named targets, applies each target's
retention policy, keeps a recycle bin and removes duplicate backups.

Run "backupchan serve" to start the scheduler; the other commands operate
directly on the configured database and storage.

Examples:
  # Create the database schema and start the server
  backupchan migrate
  backupchan serve --config /etc/backupchan/backupchan.yaml

  # Add a target keeping the last 7 backups
  backupchan target add --name "Nightly DB" --type single --criteria count --value 7 \
                        --action recycle --location /srv/backups/db --template 'db-$D'

  # Upload a file
  backupchan backup upload nightly ./dump.sql.gz`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		printError(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is ./backupchan.yaml or /etc/backupchan/backupchan.yaml)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	flags.BoolVarP(&quiet, "quiet", "q", false, "suppress non-error output")
	flags.StringVarP(&outputFormat, "output", "o", "table", "output format (table, json, yaml)")
	flags.BoolVarP(&autoApprove, "yes", "y", false, "do not ask for confirmation")
	flags.DurationVar(&timeout, "timeout", 10*time.Minute, "timeout for a single command")
	flags.String("log-format", "", "log format (text, json)")
	flags.String("log-file", "", "also write logs to this file")
	flags.String("db-path", "", "sqlite database file")

	rootCmd.MarkFlagsMutuallyExclusive("verbose", "quiet")

	rootCmd.AddCommand(createVersionCommand())
}

// loadConfig combines the config file, BACKUPCHAN_ environment variables
// and command line flags
func loadConfig(cmd *cobra.Command) (*config.ServerConfig, error) {
	v := viper.New()
	flags := cmd.Flags()
	for key, flag := range map[string]string{
		"log.format":    "log-format",
		"log.file":      "log-file",
		"database.path": "db-path",
	} {
		if f := flags.Lookup(flag); f != nil && f.Changed {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, err
			}
		}
	}

	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Log.Level = string(logging.LogLevelVerbose)
	} else if quiet {
		cfg.Log.Level = string(logging.LogLevelQuiet)
	}
	return cfg, nil
}

func newLogger(cfg *config.ServerConfig, out io.Writer) (*logging.Logger, error) {
	return logging.NewLogger(logging.Config{
		Level:   logging.ParseLevel(cfg.Log.Level),
		Output:  out,
		Format:  cfg.Log.Format,
		LogFile: cfg.Log.File,
	})
}

// openApp loads the configuration and opens the application. Logs go to
// stderr so they do not mix with command output.
func openApp(cmd *cobra.Command) (*application.Application, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	logger, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	app, err := application.NewApplication(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize application: %w", err)
	}
	return app, nil
}

// withApp runs fn with an open application and a context bounded by --timeout
func withApp(cmd *cobra.Command, fn func(ctx context.Context, app *application.Application) error) error {
	app, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	return fn(logging.CreateContextWithRequestID(ctx, uuid.NewString()), app)
}

func colorsFor(cmd *cobra.Command) *display.ColorSystem {
	return display.NewColorSystem(cmd.OutOrStdout())
}

// printStructured writes v as JSON or YAML; it reports false for table output
func printStructured(w io.Writer, v interface{}) (bool, error) {
	switch outputFormat {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return true, enc.Encode(v)
	case "table", "":
		return false, nil
	default:
		return true, fmt.Errorf("unsupported output format %q", outputFormat)
	}
}

func printSuccess(cmd *cobra.Command, format string, args ...interface{}) {
	if quiet {
		return
	}
	fmt.Fprintln(cmd.OutOrStdout(), colorsFor(cmd).Sprintf(display.ColorSuccess, format, args...))
}

// printError prints err with a hint for the common engine failures
func printError(w io.Writer, err error) {
	colors := display.NewColorSystem(w)
	fmt.Fprintln(w, colors.Sprintf(display.ColorError, "Error: %v", err))

	hint := ""
	switch backup.ErrorType(err) {
	case backup.BackupErrorTypeNotFound:
		hint = "Check the id or alias; \"backupchan target list\" shows all targets."
	case backup.BackupErrorTypeNotFoundOnDisk:
		hint = "The database references files that are missing; check the target location and recycle bin."
	case backup.BackupErrorTypePathConflict:
		hint = "A file already occupies the destination; move it away or change the name template."
	case backup.BackupErrorTypeUnsupportedFormat:
		hint = "Multi-file targets accept .zip, .tar, .tar.gz and .tar.xz archives."
	case backup.BackupErrorTypeTargetBusy:
		hint = "Another upload for this target is in progress."
	case backup.BackupErrorTypeBrokenPolicy:
		hint = "Edit the target and fix its retention settings."
	case backup.BackupErrorTypeDatabase:
		hint = "Check the database settings and run \"backupchan migrate\"."
	}
	switch apperrors.GetErrorType(err) {
	case apperrors.ErrorTypeConnection:
		hint = "Cannot reach the database server; check database.host and database.port."
	case apperrors.ErrorTypePermission:
		hint = "Access was denied; check the database credentials and storage permissions."
	case apperrors.ErrorTypeTimeout:
		hint = "The operation timed out; raise database.timeout or check server load."
	}
	if apperrors.IsRecoverableError(err) {
		if hint != "" {
			hint += " "
		}
		hint += "The failure looks temporary, retrying may succeed."
	}
	if hint != "" {
		fmt.Fprintln(w, colors.Colorize(hint, display.ColorMuted))
	}
}

// Version information (set by main package)
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// SetVersionInfo sets the version information from build flags
func SetVersionInfo(v, bt, gc string) {
	version = v
	buildTime = bt
	gitCommit = gc
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "backupchan version %s\n", version)
			fmt.Fprintf(cmd.OutOrStdout(), "Built: %s\n", buildTime)
			fmt.Fprintf(cmd.OutOrStdout(), "Commit: %s\n", gitCommit)
		},
	}
}
