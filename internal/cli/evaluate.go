package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ppiankov/plangate/internal/alert"
	"github.com/ppiankov/plangate/internal/client"
	"github.com/ppiankov/plangate/internal/engine"
	"github.com/ppiankov/plangate/internal/pipeline"
	"github.com/ppiankov/plangate/internal/plan"
	"github.com/ppiankov/plangate/internal/report"
	"github.com/ppiankov/plangate/internal/ruleset"
)

var (
	evalServer string
	evalSource string
)

func init() {
	rootCmd.AddCommand(evaluateCmd)
	evaluateCmd.Flags().StringVar(&evalServer, "server", "", "Evaluate on a remote plangate server (host:port) instead of locally")
	evaluateCmd.Flags().StringVar(&evalSource, "source", "", "Label recorded in the audit trail (default: the plan path)")
}

var evaluateCmd = &cobra.Command{
	Use:     "evaluate <plan.json|->",
	Aliases: []string{"eval"},
	Short:   "Evaluate a Terraform plan against the rule-set",
	Long: "Reads `terraform show -json` output (a file, or - for stdin), evaluates every\n" +
		"resource change against the rule-set and prints the report.\n\n" +
		"Exit code 0 pass or pass-with-warnings, 2 blocked-overridable, 3 blocked,\n" +
		"1 when the plan or rule-set cannot be evaluated.\n" +
		"With --server, an unreachable server fails closed (blocked).",
	Args: cobra.ExactArgs(1),
	RunE: runEvaluate,
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	data, err := readPlan(cmd.InOrStdin(), args[0])
	if err != nil {
		return err
	}
	source := args[0]
	if evalSource != "" {
		source = evalSource
	}

	if evalServer != "" {
		return evaluateRemote(cmd, data, source)
	}
	return evaluateLocal(cmd, data, source)
}

func readPlan(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read plan from stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	return data, nil
}

func evaluateLocal(cmd *cobra.Command, data []byte, source string) error {
	ctx := cmd.Context()
	if settings.RuleSet == "" {
		return errors.New("no rule-set given (use --ruleset or PLANGATE_RULESET)")
	}
	rs, err := ruleset.Load(settings.RuleSet)
	if err != nil {
		return err
	}

	sk, err := openSinks(ctx)
	if err != nil {
		return err
	}
	defer sk.Close()

	runner := &pipeline.Runner{
		Engine:  engine.New(rs, engine.Options{Workers: settings.Workers}),
		Timeout: settings.Timeout,
		Audit:   sk.audit,
		History: sk.history,
		Alerts:  alert.NewDispatcher(settings.Alerts),
	}

	doc, err := plan.Parse(data)
	if err != nil {
		runner.Fail(ctx, source, err)
		return err
	}
	out := runner.Evaluate(ctx, doc, source)
	if out.Err != nil {
		return out.Err
	}
	zerolog.Ctx(ctx).Debug().Str("run_id", out.RunID).Str("decision", string(out.Report.Decision)).Msg("run complete")
	return writeReport(cmd, out.Report)
}

func evaluateRemote(cmd *cobra.Command, data []byte, source string) error {
	c, err := client.New(evalServer)
	if err != nil {
		return err
	}
	defer c.Close()
	if settings.Timeout > 0 {
		c.SetTimeout(settings.Timeout)
	}

	resp, err := c.Evaluate(cmd.Context(), data, source)
	if err != nil {
		return err
	}
	return writeReport(cmd, resp.Report)
}

func writeReport(cmd *cobra.Command, rep *report.Report) error {
	out, err := report.Format(rep, settings.Format)
	if err != nil {
		return err
	}
	emit(cmd.OutOrStdout(), out)
	return exitFor(rep.Decision)
}
