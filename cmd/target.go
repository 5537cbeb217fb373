package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"backupchan/internal/application"
	"backupchan/internal/backup"
	"backupchan/internal/confirmation"
	"backupchan/internal/display"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Target flag variables
var (
	targetName        string
	targetType        string
	targetCriteria    string
	targetValue       int
	targetAction      string
	targetLocation    string
	targetTemplate    string
	targetDeduplicate bool
	targetAlias       string
	targetMinBackups  int
	targetTags        []string

	targetKeepFiles bool
	targetOnlyFiles bool

	// list filters
	filterName        string
	filterType        string
	filterCriteria    string
	filterAction      string
	filterLocation    string
	filterTemplate    string
	filterAlias       string
	filterTags        []string
	filterDeduplicate string
)

var targetCmd = &cobra.Command{
	Use:     "target",
	Aliases: []string{"targets"},
	Short:   "Manage backup targets",
	Long: `A target is a named destination for backups with its own location,
name template and retention policy.

Name templates must contain $I (backup id) or $D (creation time).`,
}

var targetListCmd = &cobra.Command{
	Use:   "list",
	Short: "List and search targets",
	Long: `List targets. Name, location, template and alias filters match substrings;
type, criteria and action must match exactly; every --tag must be present.

Examples:
  backupchan target list
  backupchan target list --name db --tag prod --tag mysql
  backupchan target list --deduplicate true -o json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		query, err := buildTargetQuery()
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, app *application.Application) error {
			targets, err := app.ListTargets(ctx, query)
			if err != nil {
				return err
			}
			if ok, err := printStructured(cmd.OutOrStdout(), targets); ok {
				return err
			}
			if len(targets) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No targets found")
				return nil
			}

			table := display.NewTable(colorsFor(cmd), "ID", "Name", "Alias", "Type", "Retention", "Location")
			for _, t := range targets {
				table.AddRow(t.ID, t.Name, display.OrDash(t.Alias), string(t.Type), retentionSummary(t), t.Location)
			}
			table.RenderTo(cmd.OutOrStdout())
			return nil
		})
	},
}

var targetShowCmd = &cobra.Command{
	Use:   "show <id|alias>",
	Short: "Show a target with its backups",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, app *application.Application) error {
			target, err := app.GetTarget(ctx, args[0])
			if err != nil {
				return err
			}
			size, err := app.TargetSize(ctx, target.ID)
			if err != nil {
				return err
			}
			if ok, err := printStructured(cmd.OutOrStdout(), struct {
				backup.Target `yaml:",inline"`
				Size          int64 `json:"size" yaml:"size"`
			}{*target, size}); ok {
				return err
			}

			colors := colorsFor(cmd)
			table := display.NewTable(colors, "Field", "Value")
			table.AddRow("ID", target.ID)
			table.AddRow("Name", target.Name)
			table.AddRow("Alias", display.OrDash(target.Alias))
			table.AddRow("Type", string(target.Type))
			table.AddRow("Retention", retentionSummary(target))
			table.AddRow("Min backups", strconv.Itoa(target.MinBackups))
			table.AddRow("Location", target.Location)
			table.AddRow("Name template", target.NameTemplate)
			table.AddRow("Deduplicate", display.YesNo(target.Deduplicate))
			table.AddRow("Tags", display.OrDash(joinTags(target.Tags)))
			table.AddRow("Size", display.FormatSize(size))
			table.RenderTo(cmd.OutOrStdout())
			return nil
		})
	},
}

var targetAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a target",
	Long: `Create a target.

Examples:
  backupchan target add --name "Nightly DB" --type single --criteria count --value 7 \
      --action recycle --location /srv/backups/db --template 'db-$D' --alias nightly
  backupchan target add --name Website --type multi --criteria age --value 30 \
      --action delete --location /srv/backups/www --template 'www-$I' --min-backups 2`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fields := backup.TargetFields{
			Name:            targetName,
			Type:            backup.TargetType(targetType),
			RecycleCriteria: backup.RecycleCriteria(targetCriteria),
			RecycleValue:    targetValue,
			RecycleAction:   backup.RecycleAction(targetAction),
			Location:        targetLocation,
			NameTemplate:    targetTemplate,
			Deduplicate:     targetDeduplicate,
			Alias:           targetAlias,
			MinBackups:      targetMinBackups,
			Tags:            targetTags,
		}
		return withApp(cmd, func(ctx context.Context, app *application.Application) error {
			id, err := app.AddTarget(ctx, fields)
			if err != nil {
				return err
			}
			if quiet {
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			}
			printSuccess(cmd, "Created target %s (%s)", fields.Name, id)
			return nil
		})
	},
}

var targetEditCmd = &cobra.Command{
	Use:   "edit <id|alias>",
	Short: "Change a target",
	Long: `Change the given fields of a target. Changing the location or name
template moves existing backups to their new paths.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, app *application.Application) error {
			target, err := app.GetTarget(ctx, args[0])
			if err != nil {
				return err
			}
			fields := target.Fields()
			applyChangedTargetFlags(cmd.Flags(), &fields)

			if err := app.EditTarget(ctx, target.ID, fields); err != nil {
				return err
			}
			printSuccess(cmd, "Updated target %s", fields.Name)
			return nil
		})
	},
}

var targetDeleteCmd = &cobra.Command{
	Use:   "delete <id|alias>",
	Short: "Delete a target and its backups",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, app *application.Application) error {
			target, err := app.GetTarget(ctx, args[0])
			if err != nil {
				return err
			}
			backups, err := app.ListBackups(ctx, target.ID)
			if err != nil {
				return err
			}
			size, err := app.TargetSize(ctx, target.ID)
			if err != nil {
				return err
			}

			what := fmt.Sprintf("Delete target %s", target.Name)
			if targetOnlyFiles {
				what = fmt.Sprintf("Delete all backups of %s", target.Name)
			}
			details := []string{fmt.Sprintf("%d backup(s), %s", len(backups), display.FormatSize(size))}
			if targetKeepFiles {
				details = append(details, "files on disk are kept")
			}

			confirm := confirmation.NewService(cmd.InOrStdin(), cmd.OutOrStdout(), colorsFor(cmd))
			ok, err := confirm.Confirm(what+"?", details, autoApprove)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "Aborted")
				return nil
			}

			if targetOnlyFiles {
				err = app.DeleteTargetBackups(ctx, target.ID, !targetKeepFiles)
			} else {
				err = app.DeleteTarget(ctx, target.ID, !targetKeepFiles)
			}
			if err != nil {
				return err
			}
			printSuccess(cmd, "Done")
			return nil
		})
	},
}

func addTargetFieldFlags(flags *pflag.FlagSet) {
	flags.StringVar(&targetName, "name", "", "display name")
	flags.StringVar(&targetType, "type", string(backup.TargetTypeSingle), "target type (single, multi)")
	flags.StringVar(&targetCriteria, "criteria", string(backup.RecycleCriteriaNone), "retention criteria (none, count, age)")
	flags.IntVar(&targetValue, "value", 0, "backups to keep for count, days for age")
	flags.StringVar(&targetAction, "action", string(backup.RecycleActionRecycle), "retention action (recycle, delete)")
	flags.StringVar(&targetLocation, "location", "", "directory the backups are stored in")
	flags.StringVar(&targetTemplate, "template", "", "backup name template using $I and $D")
	flags.BoolVar(&targetDeduplicate, "deduplicate", false, "delete backups identical to an older one")
	flags.StringVar(&targetAlias, "alias", "", "unique alternative identifier")
	flags.IntVar(&targetMinBackups, "min-backups", 0, "retention never leaves fewer active backups")
	flags.StringSliceVar(&targetTags, "tag", nil, "tag, repeatable")
}

// applyChangedTargetFlags copies only the flags given on the command line
func applyChangedTargetFlags(flags *pflag.FlagSet, fields *backup.TargetFields) {
	flags.VisitAll(func(f *pflag.Flag) {
		if !f.Changed {
			return
		}
		switch f.Name {
		case "name":
			fields.Name = targetName
		case "type":
			fields.Type = backup.TargetType(targetType)
		case "criteria":
			fields.RecycleCriteria = backup.RecycleCriteria(targetCriteria)
		case "value":
			fields.RecycleValue = targetValue
		case "action":
			fields.RecycleAction = backup.RecycleAction(targetAction)
		case "location":
			fields.Location = targetLocation
		case "template":
			fields.NameTemplate = targetTemplate
		case "deduplicate":
			fields.Deduplicate = targetDeduplicate
		case "alias":
			fields.Alias = targetAlias
		case "min-backups":
			fields.MinBackups = targetMinBackups
		case "tag":
			fields.Tags = targetTags
		}
	})
}

func buildTargetQuery() (backup.TargetQuery, error) {
	query := backup.TargetQuery{
		Name:            filterName,
		Type:            backup.TargetType(filterType),
		RecycleCriteria: backup.RecycleCriteria(filterCriteria),
		RecycleAction:   backup.RecycleAction(filterAction),
		Location:        filterLocation,
		NameTemplate:    filterTemplate,
		Alias:           filterAlias,
		Tags:            filterTags,
	}
	if filterDeduplicate != "" {
		b, err := strconv.ParseBool(filterDeduplicate)
		if err != nil {
			return query, backup.NewValidationError(fmt.Sprintf("invalid --deduplicate value %q", filterDeduplicate), err)
		}
		query.Deduplicate = &b
	}
	return query, nil
}

func retentionSummary(t *backup.Target) string {
	switch t.RecycleCriteria {
	case backup.RecycleCriteriaCount:
		return fmt.Sprintf("%s beyond %d backups", t.RecycleAction, t.RecycleValue)
	case backup.RecycleCriteriaAge:
		return fmt.Sprintf("%s after %d days", t.RecycleAction, t.RecycleValue)
	default:
		return "keep all"
	}
}

func joinTags(tags []string) string {
	return strings.Join(tags, ", ")
}

func init() {
	addTargetFieldFlags(targetAddCmd.Flags())
	targetAddCmd.MarkFlagRequired("name")
	targetAddCmd.MarkFlagRequired("location")
	targetAddCmd.MarkFlagRequired("template")
	addTargetFieldFlags(targetEditCmd.Flags())

	targetDeleteCmd.Flags().BoolVar(&targetKeepFiles, "keep-files", false, "remove the records but keep files on disk")
	targetDeleteCmd.Flags().BoolVar(&targetOnlyFiles, "backups-only", false, "delete the backups but keep the target")

	lf := targetListCmd.Flags()
	lf.StringVar(&filterName, "name", "", "name contains")
	lf.StringVar(&filterType, "type", "", "target type")
	lf.StringVar(&filterCriteria, "criteria", "", "retention criteria")
	lf.StringVar(&filterAction, "action", "", "retention action")
	lf.StringVar(&filterLocation, "location", "", "location contains")
	lf.StringVar(&filterTemplate, "template", "", "name template contains")
	lf.StringVar(&filterAlias, "alias", "", "alias contains")
	lf.StringSliceVar(&filterTags, "tag", nil, "required tag, repeatable")
	lf.StringVar(&filterDeduplicate, "deduplicate", "", "true or false")

	targetCmd.AddCommand(targetListCmd, targetShowCmd, targetAddCmd, targetEditCmd, targetDeleteCmd)
	rootCmd.AddCommand(targetCmd)
}
