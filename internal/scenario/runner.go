package scenario

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/plangate/internal/engine"
	"github.com/ppiankov/plangate/internal/plan"
	"github.com/ppiankov/plangate/internal/report"
	"github.com/ppiankov/plangate/internal/ruleset"
)

// actualError is the Actual value of a case whose plan could not be evaluated.
const actualError = "error"

// Run evaluates all cases in a scenario against rs. Relative plan_file paths
// resolve against baseDir. Cases are independent.
func Run(ctx context.Context, s *Scenario, rs *ruleset.RuleSet, baseDir string) *RunResult {
	eng := engine.New(rs, engine.Options{})

	result := &RunResult{
		Name:  s.Name,
		Total: len(s.Cases),
	}

	for i, c := range s.Cases {
		cr := CaseResult{
			Index:         i + 1,
			Name:          c.Name,
			Expected:      strings.ToLower(c.Expect),
			ExpectedRules: normalizeRules(c.Violations),
		}

		rep, err := evaluateCase(ctx, eng, c, baseDir)
		if err != nil {
			cr.Actual = actualError
			cr.Reason = err.Error()
		} else {
			cr.Actual = string(rep.Decision)
			cr.ActualRules = ruleIDs(rep)
			cr.Passed = cr.Actual == cr.Expected
			if cr.Passed && c.Violations != nil && !slices.Equal(cr.ExpectedRules, cr.ActualRules) {
				cr.Passed = false
				cr.Reason = fmt.Sprintf("expected rules [%s], got [%s]",
					strings.Join(cr.ExpectedRules, ", "), strings.Join(cr.ActualRules, ", "))
			}
		}
		// A case may expect the run to fail.
		if err != nil && cr.Expected == actualError {
			cr.Passed = true
		}

		if cr.Passed {
			result.Passed++
		} else {
			result.Failed++
		}
		result.Cases = append(result.Cases, cr)
	}

	return result
}

func evaluateCase(ctx context.Context, eng *engine.Engine, c Case, baseDir string) (*report.Report, error) {
	var (
		doc *plan.Document
		err error
	)
	switch {
	case c.Plan != nil:
		data, merr := json.Marshal(c.Plan)
		if merr != nil {
			return nil, fmt.Errorf("encode inline plan: %w", merr)
		}
		doc, err = plan.Parse(data)
	case c.PlanFile != "":
		doc, err = plan.Load(resolve(baseDir, c.PlanFile))
	default:
		return nil, fmt.Errorf("case %q has neither plan nor plan_file", c.Name)
	}
	if err != nil {
		return nil, err
	}
	return eng.Run(ctx, doc)
}

// LoadAndRun loads a scenario YAML file and its rule-set, then runs it.
// A non-empty rulesPath overrides the scenario's own rules entry.
func LoadAndRun(ctx context.Context, path, rulesPath string) (*RunResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario %s: %w", path, err)
	}

	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}

	baseDir := filepath.Dir(path)
	if rulesPath == "" {
		if s.Rules == "" {
			return nil, fmt.Errorf("scenario %s: no rules given", path)
		}
		rulesPath = resolve(baseDir, s.Rules)
	}

	rs, err := ruleset.Load(rulesPath)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}

	result := Run(ctx, &s, rs, baseDir)
	result.File = path

	return result, nil
}

func resolve(baseDir, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}

func ruleIDs(rep *report.Report) []string {
	ids := make([]string, 0, len(rep.Violations))
	for _, v := range rep.Violations {
		ids = append(ids, v.RuleID)
	}
	return normalizeRules(ids)
}

func normalizeRules(ids []string) []string {
	if ids == nil {
		return nil
	}
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}
