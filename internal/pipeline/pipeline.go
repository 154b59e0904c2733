// Package pipeline runs one evaluation end to end: engine run under a
// deadline, then the audit log, the history store and alert webhooks.
package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ppiankov/plangate/internal/alert"
	"github.com/ppiankov/plangate/internal/audit"
	"github.com/ppiankov/plangate/internal/engine"
	"github.com/ppiankov/plangate/internal/history"
	"github.com/ppiankov/plangate/internal/plan"
	"github.com/ppiankov/plangate/internal/report"
	"github.com/ppiankov/plangate/internal/ruleset"
)

// Runner evaluates plans against one rule-set and records every run.
// Nil sinks are skipped. Safe for concurrent use.
type Runner struct {
	Engine  *engine.Engine
	Timeout time.Duration

	Audit   *audit.Log
	History *history.Store
	Alerts  *alert.Dispatcher
	// AsyncAlerts delivers webhooks in the background instead of waiting.
	AsyncAlerts bool
}

// Outcome is the result of one run. Report is nil when Err is set.
type Outcome struct {
	RunID  string
	Report *report.Report
	Err    error
}

// RuleSet returns the rule-set the runner evaluates.
func (r *Runner) RuleSet() *ruleset.RuleSet { return r.Engine.RuleSet() }

// Evaluate runs the engine on doc. source names where the plan came from.
// Sink failures are logged and never change the outcome.
func (r *Runner) Evaluate(ctx context.Context, doc *plan.Document, source string) Outcome {
	out := Outcome{RunID: audit.NewRunID()}
	log := zerolog.Ctx(ctx).With().Str("run_id", out.RunID).Logger()
	ctx = log.WithContext(ctx)

	runCtx := ctx
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	out.Report, out.Err = r.Engine.Run(runCtx, doc)

	r.record(ctx, out, source)
	return out
}

// Fail records a run that never reached the engine, such as a plan that
// failed to parse.
func (r *Runner) Fail(ctx context.Context, source string, err error) Outcome {
	out := Outcome{RunID: audit.NewRunID(), Err: err}
	r.record(ctx, out, source)
	return out
}

func (r *Runner) record(ctx context.Context, out Outcome, source string) {
	// A cancelled run is still recorded.
	ctx = context.WithoutCancel(ctx)
	log := zerolog.Ctx(ctx)
	rs := r.RuleSet()

	var entry audit.Entry
	if out.Err != nil {
		entry = audit.NewErrorEntry(out.RunID, source, rs.Name, rs.Hash, out.Err)
	} else {
		var err error
		entry, err = audit.NewEntry(out.RunID, source, rs.Name, rs.Hash, out.Report)
		if err != nil {
			log.Error().Err(err).Msg("failed to build audit entry")
			return
		}
	}
	entry.Timestamp = time.Now().UTC().Format(audit.TimestampFormat)

	if r.Audit != nil {
		if err := r.Audit.Record(entry); err != nil {
			log.Error().Err(err).Str("path", r.Audit.Path()).Msg("audit log write failed")
		}
	}
	if r.History != nil {
		if err := r.History.Record(ctx, entry); err != nil {
			log.Error().Err(err).Msg("history write failed")
		}
	}
	if r.Alerts == nil || out.Err != nil {
		return
	}

	event := alert.NewEvent(out.RunID, rs.Name, rs.Hash, out.Report)
	deliver := func(ctx context.Context) {
		if err := r.Alerts.Dispatch(ctx, event); err != nil {
			log.Warn().Err(err).Msg("alert delivery failed")
		}
	}
	if r.AsyncAlerts {
		go deliver(ctx)
		return
	}
	deliver(ctx)
}
