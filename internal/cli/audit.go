package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/plangate/internal/audit"
	"github.com/ppiankov/plangate/internal/report"
)

var (
	auditRunID    string
	auditRuleSet  string
	auditDecision string
	auditSince    string
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditListCmd)
	auditListCmd.Flags().StringVar(&auditRunID, "run-id", "", "Only this run")
	auditListCmd.Flags().StringVar(&auditRuleSet, "name", "", "Only runs against this rule-set name")
	auditListCmd.Flags().StringVar(&auditDecision, "decision", "", "Only runs with this decision (or error)")
	auditListCmd.Flags().StringVar(&auditSince, "since", "", "Only runs newer than this duration (e.g. 24h)")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit log operations",
	Long:  "Commands for verifying and inspecting the hash-chained run audit log.",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify <path>",
	Short: "Verify hash chain integrity of an audit log",
	Long:  "Walks the JSONL audit log and validates that every entry's prev_hash\nmatches the SHA-256 of the previous entry. Exits 0 if valid, 1 if tampered.",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuditVerify,
}

var auditListCmd = &cobra.Command{
	Use:   "list <path>",
	Short: "Show recorded runs from an audit log",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuditList,
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	result := audit.Verify(args[0])
	if result.Valid {
		fmt.Fprintf(cmd.OutOrStdout(), "OK: %d entries verified\n", result.Lines)
		return nil
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "FAILED at line %d: %s\n", result.ErrorLine, result.Error)
	return &exitError{code: report.ExitError}
}

func runAuditList(cmd *cobra.Command, args []string) error {
	from, err := parseSince(auditSince)
	if err != nil {
		return err
	}
	result, err := audit.Query(args[0], audit.Filter{
		RunID:    auditRunID,
		RuleSet:  auditRuleSet,
		Decision: auditDecision,
		From:     from,
	})
	if err != nil {
		return err
	}
	return writeRuns(cmd, result)
}

func writeRuns(cmd *cobra.Command, result *audit.QueryResult) error {
	switch settings.Format {
	case "json":
		out, err := audit.FormatJSON(result)
		if err != nil {
			return err
		}
		emit(cmd.OutOrStdout(), out)
	default:
		emit(cmd.OutOrStdout(), audit.FormatTimeline(result))
	}
	return nil
}
