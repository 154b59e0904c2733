package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/plangate/internal/api"
	"github.com/ppiankov/plangate/internal/audit"
	"github.com/ppiankov/plangate/internal/history"
	"github.com/ppiankov/plangate/internal/plan"
	"github.com/ppiankov/plangate/internal/report"
)

// EvaluateInput defines parameters for the plangate_evaluate tool.
type EvaluateInput struct {
	Plan     map[string]any `json:"plan,omitempty" jsonschema:"plan JSON document as produced by terraform show -json"`
	PlanFile string         `json:"plan_file,omitempty" jsonschema:"path to a plan JSON file, used when plan is omitted"`
	Source   string         `json:"source,omitempty" jsonschema:"label recorded in the audit trail"`
}

// EvaluateOutput is the report of one run.
type EvaluateOutput struct {
	RunID       string         `json:"run_id"`
	RuleSet     string         `json:"ruleset"`
	RuleSetHash string         `json:"ruleset_hash"`
	Decision    string         `json:"decision"`
	ExitCode    int            `json:"exit_code"`
	Report      *report.Report `json:"report"`
}

// RulesInput defines parameters for the plangate_rules tool.
type RulesInput struct {
	RuleID string `json:"rule_id,omitempty" jsonschema:"describe only this rule"`
}

// HistoryInput defines parameters for the plangate_history tool.
type HistoryInput struct {
	Decision string `json:"decision,omitempty" jsonschema:"only runs with this decision (pass/pass-with-warnings/blocked-overridable/blocked/error)"`
	Since    string `json:"since,omitempty" jsonschema:"only runs newer than this duration (e.g. 24h)"`
	Limit    int    `json:"limit,omitempty" jsonschema:"maximum number of runs, default 50"`
}

// HistoryOutput lists recorded runs.
type HistoryOutput struct {
	Runs []audit.Entry `json:"runs"`
}

func (s *Server) handleEvaluate(ctx context.Context, req *mcpsdk.CallToolRequest, input EvaluateInput) (*mcpsdk.CallToolResult, EvaluateOutput, error) {
	ctx = s.logger.WithContext(ctx)
	source := input.Source
	if source == "" {
		source = "mcp"
	}

	doc, err := loadPlan(input)
	if err != nil {
		s.runner.Fail(ctx, source, err)
		return nil, EvaluateOutput{}, err
	}

	out := s.runner.Evaluate(ctx, doc, source)
	if out.Err != nil {
		return nil, EvaluateOutput{}, out.Err
	}

	rs := s.runner.RuleSet()
	return nil, EvaluateOutput{
		RunID:       out.RunID,
		RuleSet:     rs.Name,
		RuleSetHash: rs.Hash,
		Decision:    string(out.Report.Decision),
		ExitCode:    out.Report.Decision.ExitCode(),
		Report:      out.Report,
	}, nil
}

func loadPlan(input EvaluateInput) (*plan.Document, error) {
	switch {
	case input.Plan != nil:
		data, err := json.Marshal(input.Plan)
		if err != nil {
			return nil, fmt.Errorf("failed to encode plan: %w", err)
		}
		return plan.Parse(data)
	case input.PlanFile != "":
		return plan.Load(input.PlanFile)
	}
	return nil, errors.New("one of plan or plan_file is required")
}

func (s *Server) handleRules(ctx context.Context, req *mcpsdk.CallToolRequest, input RulesInput) (*mcpsdk.CallToolResult, api.RulesResponse, error) {
	resp := api.DescribeRules(s.runner.RuleSet())
	if input.RuleID == "" {
		return nil, *resp, nil
	}
	for _, r := range resp.Rules {
		if r.ID == input.RuleID {
			resp.Rules = []api.RuleInfo{r}
			return nil, *resp, nil
		}
	}
	return nil, api.RulesResponse{}, fmt.Errorf("unknown rule %q", input.RuleID)
}

func (s *Server) handleHistory(ctx context.Context, req *mcpsdk.CallToolRequest, input HistoryInput) (*mcpsdk.CallToolResult, HistoryOutput, error) {
	filter := history.Filter{
		RuleSet:  s.runner.RuleSet().Name,
		Decision: input.Decision,
		Limit:    input.Limit,
	}
	if input.Since != "" {
		d, err := time.ParseDuration(input.Since)
		if err != nil {
			return nil, HistoryOutput{}, fmt.Errorf("invalid since: %w", err)
		}
		filter.Since = time.Now().Add(-d)
	}

	runs, err := s.history.List(ctx, filter)
	if err != nil {
		return nil, HistoryOutput{}, err
	}
	if runs == nil {
		runs = []audit.Entry{}
	}
	return nil, HistoryOutput{Runs: runs}, nil
}
