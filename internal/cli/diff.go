package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/plangate/internal/report"
	"github.com/ppiankov/plangate/internal/rulediff"
	"github.com/ppiankov/plangate/internal/ruleset"
)

var diffFailOnLoosen bool

func init() {
	rootCmd.AddCommand(diffCmd)
	diffCmd.Flags().BoolVar(&diffFailOnLoosen, "fail-on-loosen", false, "Exit 1 if the new rule-set loosens any rule or requirement")
}

var diffCmd = &cobra.Command{
	Use:   "diff <old.yaml> <new.yaml>",
	Short: "Compare two rule-sets and show changes",
	Long: "Loads two rule-set YAML files and shows what changed in human-readable terms:\n" +
		"rules added/removed, enforcement and severity tightened or loosened,\n" +
		"scope and predicate changes, and requirement table values per tier.",
	Args: cobra.ExactArgs(2),
	RunE: runDiff,
}

func runDiff(cmd *cobra.Command, args []string) error {
	oldRS, err := ruleset.Load(args[0])
	if err != nil {
		return fmt.Errorf("load old rule-set: %w", err)
	}
	newRS, err := ruleset.Load(args[1])
	if err != nil {
		return fmt.Errorf("load new rule-set: %w", err)
	}

	result := rulediff.Diff(oldRS, newRS)
	result.OldPath = args[0]
	result.NewPath = args[1]

	switch settings.Format {
	case "json":
		out, err := rulediff.FormatJSON(result)
		if err != nil {
			return err
		}
		emit(cmd.OutOrStdout(), out)
	default:
		emit(cmd.OutOrStdout(), rulediff.FormatText(result))
	}

	if diffFailOnLoosen && result.Loosened() {
		return &exitError{code: report.ExitError}
	}
	return nil
}
