package ruleset

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/go-playground/validator/v10"

	"github.com/ppiankov/plangate/internal/plan"
	"github.com/ppiankov/plangate/internal/redact"
	"github.com/ppiankov/plangate/internal/report"
	"github.com/ppiankov/plangate/internal/rule"
	"github.com/ppiankov/plangate/internal/tier"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// Compile validates a decoded rule-set and builds its rules. Every problem is
// reported as *RuleConfigurationError.
func Compile(f *File) (*RuleSet, error) {
	if err := validateStruct(f, ""); err != nil {
		return nil, err
	}
	if err := checkRequires(f.Requires); err != nil {
		return nil, err
	}

	set, err := tier.NewSet(f.Tiers...)
	if err != nil {
		return nil, &RuleConfigurationError{Reason: err.Error()}
	}

	var paths []plan.Path
	for _, s := range f.TierResolution.Paths {
		p, err := plan.ParsePath(s)
		if err != nil {
			return nil, &RuleConfigurationError{Reason: fmt.Sprintf("tier_resolution: %v", err)}
		}
		paths = append(paths, p)
	}

	rs := &RuleSet{
		Name:                      f.Name,
		Tiers:                     set,
		Resolver:                  tier.NewResolver(set, paths...),
		Tables:                    make(map[string]*tier.Table, len(f.Tables)),
		TierExempt:                make(map[string]bool, len(f.TierResolution.ExemptTypes)),
		UnresolvedTierEnforcement: report.HardMandatory,
		DefaultSeverity:           report.SeverityHigh,
	}
	if f.UnresolvedTierEnforcement != "" {
		rs.UnresolvedTierEnforcement = report.EnforcementLevel(f.UnresolvedTierEnforcement)
	}
	for _, typ := range f.TierResolution.ExemptTypes {
		rs.TierExempt[typ] = true
	}
	rs.Redactor, err = redact.New(f.Redact)
	if err != nil {
		return nil, &RuleConfigurationError{Reason: fmt.Sprintf("redact: %v", err)}
	}

	for name, entries := range f.Tables {
		converted := make(map[tier.Tier]map[string]any, len(entries))
		for t, v := range entries {
			if !set.Contains(tier.Tier(t)) {
				return nil, &RuleConfigurationError{Reason: fmt.Sprintf("table %q has an entry for undeclared tier %q (declared: %s)", name, t, set)}
			}
			converted[tier.Tier(t)] = v
		}
		rs.Tables[name] = tier.NewTable(name, converted)
	}

	seen := make(map[string]bool, len(f.Rules))
	for i := range f.Rules {
		spec := &f.Rules[i]
		if spec.ID != "" && seen[spec.ID] {
			return nil, &RuleConfigurationError{RuleID: spec.ID, Reason: "duplicate rule id"}
		}
		seen[spec.ID] = true

		r, err := compileRule(spec, f.Defaults, rs)
		if err != nil {
			var rce *RuleConfigurationError
			if errors.As(err, &rce) {
				return nil, err
			}
			return nil, &RuleConfigurationError{RuleID: spec.ID, Reason: err.Error()}
		}
		rs.Rules = append(rs.Rules, r)
	}
	return rs, nil
}

func validateStruct(s any, ruleID string) error {
	err := validatorInstance().Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &RuleConfigurationError{RuleID: ruleID, Reason: err.Error()}
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := yamlField(fe.Namespace())
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", field))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of: %s (got %q)", field, fe.Param(), fe.Value()))
		case "unique":
			msgs = append(msgs, fmt.Sprintf("%s must not contain duplicates", field))
		case "min":
			msgs = append(msgs, fmt.Sprintf("%s must have at least %s entries", field, fe.Param()))
		case "eq":
			msgs = append(msgs, fmt.Sprintf("%s must be %s", field, fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %q validation", field, fe.Tag()))
		}
	}
	return &RuleConfigurationError{RuleID: ruleID, Reason: strings.Join(msgs, "; ")}
}

// yamlField turns a validator namespace ("File.Defaults.Severity") into a
// lower-case dotted field name ("defaults.severity").
func yamlField(ns string) string {
	parts := strings.Split(ns, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, p := range parts {
		parts[i] = snake(p)
	}
	return strings.Join(parts, ".")
}

func snake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 && s[i-1] >= 'a' && s[i-1] <= 'z' {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

func checkRequires(constraint string) error {
	if strings.TrimSpace(constraint) == "" {
		return nil
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return &RuleConfigurationError{Reason: fmt.Sprintf("invalid requires constraint %q: %v", constraint, err)}
	}
	v := semver.MustParse(EngineVersion)
	if !c.Check(v) {
		return &RuleConfigurationError{Reason: fmt.Sprintf("rule-set requires engine %s, this is %s", constraint, EngineVersion)}
	}
	return nil
}

func compileRule(spec *RuleSpec, defaults Defaults, rs *RuleSet) (*rule.Rule, error) {
	if err := validateStruct(spec, spec.ID); err != nil {
		return nil, err
	}
	applies := spec.AppliesTo
	if spec.AppliesToAlt != nil {
		if len(applies.Types)+len(applies.Actions)+len(applies.Modes)+len(applies.Tiers) > 0 {
			return nil, &RuleConfigurationError{RuleID: spec.ID, Reason: "both applies_to and appliesTo are set"}
		}
		applies = *spec.AppliesToAlt
		if err := validateStruct(&applies, spec.ID); err != nil {
			return nil, err
		}
	}
	tableName := spec.Table
	if spec.TableAlt != "" {
		if tableName != "" && tableName != spec.TableAlt {
			return nil, &RuleConfigurationError{RuleID: spec.ID, Reason: "both table and tier are set"}
		}
		tableName = spec.TableAlt
	}

	r := &rule.Rule{
		ID:                  spec.ID,
		Description:         spec.Description,
		PassOnIndeterminate: spec.OnIndeterminate == "pass",
		SkipUnresolvedTier:  spec.OnUnresolvedTier == "skip",
	}

	r.Scope.Types = applies.Types
	for _, a := range applies.Actions {
		r.Scope.Actions = append(r.Scope.Actions, plan.Action(a))
	}
	for _, m := range applies.Modes {
		r.Scope.Modes = append(r.Scope.Modes, plan.Mode(m))
	}
	for _, t := range applies.Tiers {
		if !rs.Tiers.Contains(tier.Tier(t)) {
			return nil, &RuleConfigurationError{RuleID: spec.ID, Reason: fmt.Sprintf("applies_to.tiers names undeclared tier %q (declared: %s)", t, rs.Tiers)}
		}
		r.Scope.Tiers = append(r.Scope.Tiers, tier.Tier(t))
	}

	if tableName != "" {
		tbl, ok := rs.Tables[tableName]
		if !ok {
			return nil, &RuleConfigurationError{RuleID: spec.ID, Reason: fmt.Sprintf("unknown requirement table %q", tableName)}
		}
		r.Table = tbl
	}

	sev := spec.Severity
	if sev == "" {
		sev = defaults.Severity
	}
	if sev == "" {
		sev = string(report.SeverityMedium)
	}
	var err error
	if r.Severity, err = report.ParseSeverity(sev); err != nil {
		return nil, err
	}
	enf := spec.Enforcement
	if enf == "" {
		enf = defaults.Enforcement
	}
	if enf == "" {
		enf = string(report.HardMandatory)
	}
	if r.Enforcement, err = report.ParseEnforcement(enf); err != nil {
		return nil, err
	}

	if r.Message, err = rule.ParseMessage(spec.ID, spec.Message); err != nil {
		return nil, err
	}

	if spec.Predicate.node == nil {
		return nil, &RuleConfigurationError{RuleID: spec.ID, Reason: "predicate is required"}
	}
	c := &compiler{ruleID: spec.ID}
	if r.Predicate, err = c.predicate(spec.Predicate.node, false); err != nil {
		return nil, err
	}

	if err := checkRequirements(r, rs.Tiers); err != nil {
		return nil, &RuleConfigurationError{RuleID: spec.ID, Reason: err.Error()}
	}
	return r, nil
}

// checkRequirements verifies that the rule's table covers every tier the rule
// can be evaluated under, that every requirement key the predicate reads
// exists in each of those entries, and that dynamic arguments are valid for
// their operators.
func checkRequirements(r *rule.Rule, set *tier.Set) error {
	var leaves []*rule.Leaf
	rule.Walk(r.Predicate, func(p rule.Predicate) {
		if l, ok := p.(*rule.Leaf); ok {
			if l.Subject.Kind == rule.OperandRequirement || l.Arg.Kind == rule.OperandRequirement {
				leaves = append(leaves, l)
			}
		}
	})
	if r.Table == nil {
		if len(leaves) > 0 {
			return fmt.Errorf("predicate reads requirement values but the rule names no table")
		}
		return nil
	}

	tiers := r.Scope.Tiers
	if len(tiers) == 0 {
		tiers = set.Tiers()
	}
	for _, t := range tiers {
		if !r.Table.Has(t) {
			return &tier.MissingTierError{Table: r.Table.Name, Tier: t}
		}
		for _, l := range leaves {
			if l.Subject.Kind == rule.OperandRequirement {
				if _, err := r.Table.Value(t, l.Subject.Key); err != nil {
					return err
				}
			}
			if l.Arg.Kind == rule.OperandRequirement {
				v, err := r.Table.Value(t, l.Arg.Key)
				if err != nil {
					return err
				}
				if err := l.CheckArgument(v); err != nil {
					return fmt.Errorf("table %q tier %q key %q: %w", r.Table.Name, t, l.Arg.Key, err)
				}
			}
		}
	}
	return nil
}
