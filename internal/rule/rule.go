package rule

import (
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/ppiankov/plangate/internal/plan"
	"github.com/ppiankov/plangate/internal/relation"
	"github.com/ppiankov/plangate/internal/report"
	"github.com/ppiankov/plangate/internal/tier"
)

// Scope filters the resources a rule applies to. Empty Types matches every type.
type Scope struct {
	Types   []string
	Modes   []plan.Mode
	Actions []plan.Action
	Tiers   []tier.Tier
}

// DefaultActions are the actions a rule applies to when it names none.
var DefaultActions = []plan.Action{plan.ActionCreate, plan.ActionUpdate}

// Rule is a compiled, immutable rule.
type Rule struct {
	ID          string
	Description string
	Scope       Scope
	// Table is the requirement table the predicate reads, or nil.
	Table       *tier.Table
	Predicate   Predicate
	Message     *template.Template
	Severity    report.Severity
	Enforcement report.EnforcementLevel

	// PassOnIndeterminate treats "cannot prove compliant" as a pass.
	PassOnIndeterminate bool
	// SkipUnresolvedTier exempts the rule from tier-resolution failures.
	SkipUnresolvedTier bool
}

// Applies reports whether the rule's type, mode and action filters select r.
func (ru *Rule) Applies(r *plan.Resource) bool {
	if len(ru.Scope.Types) > 0 && !contains(ru.Scope.Types, r.Type) {
		return false
	}
	modes := ru.Scope.Modes
	if len(modes) == 0 {
		modes = []plan.Mode{plan.ModeManaged}
	}
	if !contains(modes, r.Mode) {
		return false
	}
	actions := ru.Scope.Actions
	if len(actions) == 0 {
		actions = DefaultActions
	}
	for _, a := range actions {
		if r.HasAction(a) {
			return true
		}
	}
	return false
}

// InDefaultScope reports whether a rule with an empty scope would select r:
// a managed resource being created or updated.
func InDefaultScope(r *plan.Resource) bool {
	return (&Rule{}).Applies(r)
}

// TierScoped reports whether the rule needs the resource's tier.
func (ru *Rule) TierScoped() bool {
	return ru.Table != nil || len(ru.Scope.Tiers) > 0
}

// AppliesToTier reports whether the rule's tier filter admits t.
func (ru *Rule) AppliesToTier(t tier.Tier) bool {
	return len(ru.Scope.Tiers) == 0 || contains(ru.Scope.Tiers, t)
}

func contains[T comparable](list []T, v T) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// MessageData is the template input for violation messages.
type MessageData struct {
	RuleID   string
	Address  string
	Type     string
	Name     string
	Tier     string
	Severity string
}

var defaultMessage = template.Must(ParseMessage("default", ""))

// ParseMessage compiles a message template. Unknown fields fail at render time,
// so callers should also render it once against sample data.
func ParseMessage(id, text string) (*template.Template, error) {
	if strings.TrimSpace(text) == "" {
		text = "{{.RuleID}} violated by {{.Address}}"
	}
	t, err := template.New(id).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("message template: %w", err)
	}
	var b strings.Builder
	if err := t.Execute(&b, MessageData{}); err != nil {
		return nil, fmt.Errorf("message template: %w", err)
	}
	return t, nil
}

// Outcome is the result of evaluating one rule against one resource.
type Outcome int

const (
	NotApplicable Outcome = iota
	Passed
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Passed:
		return "pass"
	case Failed:
		return "violation"
	default:
		return "not-applicable"
	}
}

// Evaluation is the outcome plus, on failure, the violation.
type Evaluation struct {
	Outcome   Outcome
	Status    Status
	Violation *report.Violation
}

// Evaluator runs rules. It holds only read-only run state and is safe for
// concurrent use.
type Evaluator struct {
	Relations *relation.Resolver
	// Now is the evaluation clock for temporal operators, fixed per run.
	Now time.Time
}

// Evaluate applies ru to r. t is the resource's tier, empty when unresolved;
// callers must not pass tier-scoped rules for unresolved resources.
func (e *Evaluator) Evaluate(ru *Rule, r *plan.Resource, t tier.Tier) (Evaluation, error) {
	if !ru.Applies(r) {
		return Evaluation{Outcome: NotApplicable}, nil
	}
	if t != "" && !ru.AppliesToTier(t) {
		return Evaluation{Outcome: NotApplicable}, nil
	}

	env := &Env{Resource: r, Tier: t, Table: ru.Table, Relations: e.Relations, Now: e.Now}
	res, err := ru.Predicate.Eval(env)
	if err != nil {
		return Evaluation{}, fmt.Errorf("rule %s on %s: %w", ru.ID, r.Address, err)
	}

	switch {
	case res.Status == True:
		return Evaluation{Outcome: Passed, Status: True}, nil
	case res.Status == Indeterminate && ru.PassOnIndeterminate:
		return Evaluation{Outcome: Passed, Status: Indeterminate}, nil
	}

	msg, err := ru.render(r, t)
	if err != nil {
		return Evaluation{}, err
	}
	if res.Finding != nil {
		msg += ": " + res.Finding.String()
	}
	tierLabel := string(t)
	if tierLabel == "" {
		tierLabel = string(tier.Unresolved)
	}
	return Evaluation{
		Outcome: Failed,
		Status:  res.Status,
		Violation: &report.Violation{
			RuleID:      ru.ID,
			Address:     r.Address,
			Tier:        tierLabel,
			Severity:    ru.Severity,
			Enforcement: ru.Enforcement,
			Message:     msg,
		},
	}, nil
}

func (ru *Rule) render(r *plan.Resource, t tier.Tier) (string, error) {
	var b strings.Builder
	data := MessageData{
		RuleID:   ru.ID,
		Address:  r.Address,
		Type:     r.Type,
		Name:     r.Name,
		Tier:     string(t),
		Severity: string(ru.Severity),
	}
	tmpl := ru.Message
	if tmpl == nil {
		tmpl = defaultMessage
	}
	if err := tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("rule %s: render message: %w", ru.ID, err)
	}
	msg := b.String()
	if !strings.Contains(msg, r.Address) {
		msg = r.Address + ": " + msg
	}
	return msg, nil
}
