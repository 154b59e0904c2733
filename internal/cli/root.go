package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ppiankov/plangate/internal/config"
	"github.com/ppiankov/plangate/internal/report"
)

var (
	configPath string
	settings   = defaultSettings()
)

func defaultSettings() *config.Settings {
	s := config.Defaults()
	return &s
}

func init() {
	d := config.Defaults()
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "Path to a plangate config file (yaml, json or toml)")
	pf.StringP("ruleset", "r", "", "Path to the rule-set YAML")
	pf.StringP("format", "f", d.Format, "Output format (text|json)")
	pf.Int("workers", 0, "Evaluation workers (0 = number of CPUs)")
	pf.Duration("timeout", 0, "Evaluation timeout (0 = none)")
	pf.String("audit-log", "", "Append every run to this hash-chained JSONL audit log")
	pf.String("history-driver", d.HistoryDriver, "History store driver (sqlite|postgres)")
	pf.String("history-dsn", "", "History store DSN (sqlite file path or postgres URL)")
	pf.String("log-level", d.LogLevel, "Log level (trace|debug|info|warn|error|disabled)")
}

var rootCmd = &cobra.Command{
	Use:   "plangate",
	Short: "Tiered policy gate for Terraform plans",
	Long: "Evaluates Terraform plan JSON against a tiered rule-set and gates the change.\n" +
		"Exit codes: 0 pass, 2 blocked-overridable, 3 blocked, 1 error.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env is optional.
		_ = godotenv.Load()

		s, err := config.Load(configPath, cmd.Flags())
		if err != nil {
			return err
		}
		settings = s

		logger, err := newLogger(cmd.ErrOrStderr(), s.LogLevel)
		if err != nil {
			return err
		}
		cmd.SetContext(logger.WithContext(commandContext(cmd)))
		return nil
	},
}

func newLogger(w io.Writer, level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// exitError carries a non-zero exit code without an error message.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// exitFor maps a decision to nil or an exitError.
func exitFor(d report.Decision) error {
	if code := d.ExitCode(); code != report.ExitPass {
		return &exitError{code: code}
	}
	return nil
}

// emit writes s followed by exactly one newline.
func emit(w io.Writer, s string) {
	fmt.Fprint(w, strings.TrimRight(s, "\n")+"\n")
}

// parseSince turns a --since duration into a lower time bound.
func parseSince(since string) (time.Time, error) {
	if since == "" {
		return time.Time{}, nil
	}
	d, err := time.ParseDuration(since)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: %w", since, err)
	}
	return time.Now().Add(-d), nil
}

// Execute runs the root command and exits with the decision's exit code.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}

	var ee *exitError
	if errors.As(err, &ee) {
		os.Exit(ee.code)
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(report.ExitError)
}
