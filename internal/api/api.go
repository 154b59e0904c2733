// Package api defines the remote evaluation wire types shared by the gRPC
// and HTTP servers, the gRPC client and the MCP tools.
package api

import (
	"encoding/json"

	"github.com/ppiankov/plangate/internal/report"
	"github.com/ppiankov/plangate/internal/rule"
	"github.com/ppiankov/plangate/internal/ruleset"
)

// EvaluateRequest carries one plan document.
type EvaluateRequest struct {
	Plan json.RawMessage `json:"plan"`
	// Source names where the plan came from, for the audit trail.
	Source string `json:"source,omitempty"`
}

// EvaluateResponse is the report of one run.
type EvaluateResponse struct {
	RunID       string         `json:"run_id"`
	RuleSet     string         `json:"ruleset"`
	RuleSetHash string         `json:"ruleset_hash"`
	Report      *report.Report `json:"report"`
}

// RulesRequest asks for the loaded rule-set.
type RulesRequest struct{}

// RuleInfo describes one compiled rule.
type RuleInfo struct {
	ID          string   `json:"id"`
	Description string   `json:"description,omitempty"`
	Types       []string `json:"types,omitempty"`
	Tiers       []string `json:"tiers,omitempty"`
	Table       string   `json:"table,omitempty"`
	Enforcement string   `json:"enforcement"`
	Severity    string   `json:"severity"`
	Predicate   string   `json:"predicate"`
}

// RulesResponse describes the loaded rule-set.
type RulesResponse struct {
	RuleSet string     `json:"ruleset"`
	Hash    string     `json:"hash"`
	Tiers   []string   `json:"tiers"`
	Rules   []RuleInfo `json:"rules"`
}

// DescribeRules summarizes a compiled rule-set.
func DescribeRules(rs *ruleset.RuleSet) *RulesResponse {
	resp := &RulesResponse{RuleSet: rs.Name, Hash: rs.Hash, Rules: make([]RuleInfo, 0, len(rs.Rules))}
	for _, t := range rs.Tiers.Tiers() {
		resp.Tiers = append(resp.Tiers, string(t))
	}
	for _, r := range rs.Rules {
		resp.Rules = append(resp.Rules, describeRule(r))
	}
	return resp
}

func describeRule(r *rule.Rule) RuleInfo {
	info := RuleInfo{
		ID:          r.ID,
		Description: r.Description,
		Types:       r.Scope.Types,
		Enforcement: string(r.Enforcement),
		Severity:    string(r.Severity),
		Predicate:   r.Predicate.String(),
	}
	for _, t := range r.Scope.Tiers {
		info.Tiers = append(info.Tiers, string(t))
	}
	if r.Table != nil {
		info.Table = r.Table.Name
	}
	return info
}
