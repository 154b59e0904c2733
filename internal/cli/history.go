package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/plangate/internal/audit"
	"github.com/ppiankov/plangate/internal/history"
)

var (
	historyRuleSet  string
	historyDecision string
	historySince    string
	historyLimit    int
)

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyListCmd)
	historyCmd.AddCommand(historyShowCmd)
	historyListCmd.Flags().StringVar(&historyRuleSet, "name", "", "Only runs against this rule-set name")
	historyListCmd.Flags().StringVar(&historyDecision, "decision", "", "Only runs with this decision (or error)")
	historyListCmd.Flags().StringVar(&historySince, "since", "", "Only runs newer than this duration (e.g. 24h)")
	historyListCmd.Flags().IntVarP(&historyLimit, "limit", "n", 50, "Maximum number of runs")
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Query the run history store",
	Long:  "Commands for reading past evaluation runs from the SQL history store\n(--history-driver, --history-dsn).",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs, oldest first",
	Args:  cobra.NoArgs,
	RunE:  runHistoryList,
}

var historyShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one recorded run",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryShow,
}

func runHistoryList(cmd *cobra.Command, args []string) error {
	since, err := parseSince(historySince)
	if err != nil {
		return err
	}
	store, err := openHistory(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.List(cmd.Context(), history.Filter{
		RuleSet:  historyRuleSet,
		Decision: historyDecision,
		Since:    since,
		Limit:    historyLimit,
	})
	if err != nil {
		return err
	}
	return writeRuns(cmd, &audit.QueryResult{Entries: entries, Summary: audit.Summarize(entries)})
}

func runHistoryShow(cmd *cobra.Command, args []string) error {
	store, err := openHistory(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()

	entry, err := store.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	emit(cmd.OutOrStdout(), string(out))
	return nil
}
