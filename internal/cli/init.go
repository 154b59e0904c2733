package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ppiankov/plangate/internal/ruleset"
)

const (
	initRuleSetFile = "plangate.yaml"
	initConfigFile  = "plangate.config.yaml"
)

var initForce bool

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing files")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Write a baseline rule-set and config file",
	Long: `Creates a commented baseline rule-set (plangate.yaml) and a config file
(plangate.config.yaml) pointing at it, in dir (default: current directory).

Existing files are kept unless --force is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	dir := "."
	if len(args) == 1 {
		dir = args[0]
	}

	var created []string

	rulesPath := filepath.Join(dir, initRuleSetFile)
	if wrote, err := writeIfMissing(rulesPath, ruleset.DefaultRuleSetYAML()); err != nil {
		return err
	} else if wrote {
		created = append(created, rulesPath)
	}

	cfgContent, err := defaultConfigYAML()
	if err != nil {
		return fmt.Errorf("generate default config: %w", err)
	}
	cfgPath := filepath.Join(dir, initConfigFile)
	if wrote, err := writeIfMissing(cfgPath, cfgContent); err != nil {
		return err
	} else if wrote {
		created = append(created, cfgPath)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "plangate init complete.")
	fmt.Fprintln(out)
	if len(created) > 0 {
		fmt.Fprintln(out, "Created:")
		for _, path := range created {
			fmt.Fprintf(out, "  %s\n", path)
		}
	} else {
		fmt.Fprintln(out, "All files already exist (use --force to overwrite).")
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Evaluate a plan:")
	fmt.Fprintln(out, "  terraform show -json plan.out > plan.json")
	fmt.Fprintf(out, "  plangate --config %s evaluate plan.json\n", cfgPath)
	return nil
}

// writeIfMissing writes content to path if it doesn't exist or --force is set.
// Returns true if the file was written.
func writeIfMissing(path, content string) (bool, error) {
	if !initForce {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("create directory %s: %w", dir, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}

// defaultConfigYAML generates a commented config file. The rule-set path is
// relative to the working directory plangate runs in.
func defaultConfigYAML() (string, error) {
	data, err := yaml.Marshal(map[string]any{
		"ruleset":   initRuleSetFile,
		"format":    "text",
		"log_level": "warn",
		"audit_log": ".plangate/audit.jsonl",
	})
	if err != nil {
		return "", err
	}
	header := "# plangate settings.\n" +
		"# Every key can also be set with a PLANGATE_<KEY> environment variable\n" +
		"# or the matching --flag; flags win over env, env wins over this file.\n" +
		"#\n" +
		"# history_driver: sqlite | postgres\n" +
		"# history_dsn: .plangate/history.db\n" +
		"# alerts:\n" +
		"#   - url: https://hooks.slack.com/services/...\n" +
		"#     format: slack\n" +
		"#     decisions: [blocked, blocked-overridable]\n\n"
	return header + string(data), nil
}
