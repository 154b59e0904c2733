// Package engine runs a compiled rule-set over a plan document.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/ppiankov/plangate/internal/plan"
	"github.com/ppiankov/plangate/internal/relation"
	"github.com/ppiankov/plangate/internal/report"
	"github.com/ppiankov/plangate/internal/rule"
	"github.com/ppiankov/plangate/internal/ruleset"
	"github.com/ppiankov/plangate/internal/tier"
)

// TierResolutionRuleID is the rule id of synthetic violations for resources
// whose tier cannot be determined.
const TierResolutionRuleID = "tier-resolution"

var tracer = otel.Tracer("github.com/ppiankov/plangate/internal/engine")

// Options tune a run. The zero value is usable.
type Options struct {
	// Workers bounds concurrent resource evaluations. <= 0 means runtime.NumCPU().
	Workers int
	// Now is the clock for temporal operators. Zero means time.Now() at run start.
	Now time.Time
}

// Engine evaluates plans against one compiled rule-set. Safe for concurrent use.
type Engine struct {
	rs   *ruleset.RuleSet
	opts Options
}

// New returns an engine for rs.
func New(rs *ruleset.RuleSet, opts Options) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	return &Engine{rs: rs, opts: opts}
}

// RuleSet returns the rule-set the engine evaluates.
func (e *Engine) RuleSet() *ruleset.RuleSet { return e.rs }

// PartialReportError is returned when a run is cancelled before every
// resource was evaluated. No report accompanies it.
type PartialReportError struct {
	Completed int
	Total     int
	Err       error
}

func (e *PartialReportError) Error() string {
	return fmt.Sprintf("evaluation interrupted after %d of %d resources: %v", e.Completed, e.Total, e.Err)
}

func (e *PartialReportError) Unwrap() error { return e.Err }

// Run evaluates every applicable rule against every resource in doc.
//
// Errors: *plan.MalformedPlanError for a bad document, *ruleset.RuleConfigurationError
// when a rule cannot be evaluated, *PartialReportError on cancellation.
func (e *Engine) Run(ctx context.Context, doc *plan.Document) (rep *report.Report, err error) {
	log := zerolog.Ctx(ctx)
	start := time.Now()

	ctx, span := tracer.Start(ctx, "plangate.engine.run")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(
				attribute.String("plangate.decision", string(rep.Decision)),
				attribute.Int("plangate.violations", len(rep.Violations)),
			)
		}
		span.End()
	}()

	ix, err := plan.NewIndex(doc)
	if err != nil {
		return nil, err
	}
	resources := ix.Resources()
	span.SetAttributes(
		attribute.Int("plangate.resources", len(resources)),
		attribute.Int("plangate.rules", len(e.rs.Rules)),
		attribute.Int("plangate.workers", e.opts.Workers),
	)
	log.Debug().
		Int("resources", len(resources)).
		Int("rules", len(e.rs.Rules)).
		Int("workers", e.opts.Workers).
		Str("ruleset", e.rs.Name).
		Msg("evaluation started")

	now := e.opts.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	ev := &rule.Evaluator{Relations: relation.NewResolver(ix), Now: now}

	slots := make([][]report.Violation, len(resources))
	var completed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)
	for i, r := range resources {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			vs, err := e.evaluateResource(gctx, ev, r)
			if err != nil {
				return err
			}
			slots[i] = vs
			completed.Add(1)
			return nil
		})
	}
	werr := g.Wait()

	if cerr := ctx.Err(); cerr != nil {
		return nil, &PartialReportError{Completed: int(completed.Load()), Total: len(resources), Err: cerr}
	}
	if werr != nil {
		return nil, werr
	}

	var all []report.Violation
	for _, vs := range slots {
		all = append(all, vs...)
	}
	for i := range all {
		all[i].Message = e.rs.Redactor.Message(all[i].Message)
	}
	rep = report.Aggregate(all)
	rep.Summary.Resources = len(resources)
	rep.Summary.Rules = len(e.rs.Rules)

	log.Debug().
		Int("violations", len(rep.Violations)).
		Str("decision", string(rep.Decision)).
		Dur("elapsed", time.Since(start)).
		Msg("evaluation finished")
	return rep, nil
}

// evaluateResource runs every rule against r. Violations are returned in
// rule declaration order; the aggregator imposes the final order.
//
// A resource whose tier cannot be resolved always gets a tier-resolution
// violation unless its type is exempt or every applicable rule opted out
// with on_unresolved_tier: skip. Tier-scoped rules that did not opt out are
// listed in it and never evaluated under a guessed tier. Deletes and data
// sources that no rule selects need no tier.
func (e *Engine) evaluateResource(ctx context.Context, ev *rule.Evaluator, r *plan.Resource) ([]report.Violation, error) {
	var applicable []*rule.Rule
	for _, ru := range e.rs.Rules {
		if ru.Applies(r) {
			applicable = append(applicable, ru)
		}
	}

	t, terr := e.rs.Resolver.Resolve(r)
	if terr != nil {
		zerolog.Ctx(ctx).Debug().Str("address", r.Address).Err(terr).Msg("tier not resolved")
		t = ""
	}

	var out []report.Violation
	var blocked []string
	optedOut := 0
	for _, ru := range applicable {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if terr != nil {
			if ru.SkipUnresolvedTier {
				optedOut++
			}
			if ru.TierScoped() {
				if !ru.SkipUnresolvedTier {
					blocked = append(blocked, ru.ID)
				}
				continue
			}
		}
		res, err := ev.Evaluate(ru, r, t)
		if err != nil {
			return nil, evaluationError(ru.ID, err)
		}
		if res.Outcome == rule.Failed {
			out = append(out, *res.Violation)
		}
	}

	if terr != nil {
		excused := e.rs.TierExempt[r.Type]
		if len(applicable) == 0 {
			excused = excused || !rule.InDefaultScope(r)
		} else {
			excused = excused || optedOut == len(applicable)
		}
		if len(blocked) > 0 || !excused {
			out = append(out, e.tierViolation(r, terr, blocked))
		}
	}
	return out, nil
}

func (e *Engine) tierViolation(r *plan.Resource, terr error, ruleIDs []string) report.Violation {
	msg := terr.Error()
	if len(ruleIDs) > 0 {
		msg = fmt.Sprintf("%v; rules not evaluated: %s", terr, strings.Join(ruleIDs, ", "))
	}
	return report.Violation{
		RuleID:      TierResolutionRuleID,
		Address:     r.Address,
		Tier:        string(tier.Unresolved),
		Severity:    e.rs.DefaultSeverity,
		Enforcement: e.rs.UnresolvedTierEnforcement,
		Message:     msg,
	}
}

// evaluationError reports a predicate failure as the configuration problem
// it is: a missing requirement, a source operand without a related query.
func evaluationError(ruleID string, err error) error {
	var rce *ruleset.RuleConfigurationError
	if errors.As(err, &rce) {
		return err
	}
	return &ruleset.RuleConfigurationError{RuleID: ruleID, Reason: err.Error()}
}
