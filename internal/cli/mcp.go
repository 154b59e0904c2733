package cli

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	plangatemcp "github.com/ppiankov/plangate/internal/mcp"
)

func init() {
	rootCmd.AddCommand(mcpCmd)
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP tool server for agent integration",
	Long: "Runs plangate as an MCP (Model Context Protocol) server over stdio.\n" +
		"Exposes tools: plangate_evaluate, plangate_rules, and plangate_history\n" +
		"when a history store is configured.",
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if settings.RuleSet == "" {
		return errors.New("no rule-set given (use --ruleset or PLANGATE_RULESET)")
	}

	sk, err := openSinks(ctx)
	if err != nil {
		return err
	}
	defer sk.Close()

	srv, err := plangatemcp.New(plangatemcp.Config{
		RuleSetPath: settings.RuleSet,
		Workers:     settings.Workers,
		Version:     version,
		AuditLog:    sk.audit,
		History:     sk.history,
		Alerts:      settings.Alerts,
		Logger:      zerolog.Ctx(ctx),
	})
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "plangate MCP server running on stdio\nRule-set: %s\n\n", settings.RuleSet)
	return srv.Run(ctx)
}
