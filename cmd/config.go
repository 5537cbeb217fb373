package cmd

import (
	"fmt"
	"os"

	"backupchan/internal/config"
	"backupchan/internal/display"
	"backupchan/internal/logging"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and create configuration files",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a configuration file with default values",
	Long: `Write a configuration file with every option set to its default.

Examples:
  backupchan config init
  backupchan config init /etc/backupchan/backupchan.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.DefaultConfigName + ".yaml"
		if len(args) == 1 {
			path = args[0]
		}
		if _, err := os.Stat(path); err == nil && !configForce {
			return fmt.Errorf("%s already exists, use --force to overwrite it", path)
		}
		if err := config.Save(config.DefaultConfig(), path); err != nil {
			return err
		}
		printSuccess(cmd, "Wrote %s", path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		shown := *cfg
		if shown.Database.Password != "" {
			shown.Database.Password = "***"
		}
		if ok, err := printStructured(cmd.OutOrStdout(), shown); ok {
			return err
		}
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(shown)
	},
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check the configuration and storage directories",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger := logging.NewDiscardLogger()
		result := config.NewStorageInitializer(cfg, logger).RunHealthCheck()

		if ok, err := printStructured(cmd.OutOrStdout(), result); ok {
			return err
		}

		colors := colorsFor(cmd)
		table := display.NewTable(colors, "Component", "Status")
		for _, component := range []string{"configuration", "recycle bin", "temporary"} {
			status := result.ComponentStatus[component]
			role := display.ColorSuccess
			if status != "healthy" {
				role = display.ColorError
			}
			table.AddRow(component, colors.Colorize(status, role))
		}
		table.RenderTo(cmd.OutOrStdout())

		for _, issue := range result.Issues {
			fmt.Fprintln(cmd.OutOrStdout(), colors.Colorize("  - "+issue, display.ColorWarning))
		}
		if result.OverallHealth != "healthy" {
			return fmt.Errorf("configuration is %s", result.OverallHealth)
		}
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite an existing file")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configCheckCmd)
	rootCmd.AddCommand(configCmd)
}
