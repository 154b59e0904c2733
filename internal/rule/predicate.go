// Package rule evaluates predicate trees against plan resources.
//
// Evaluation is three-valued: a predicate that depends on a value computed
// at apply time is Indeterminate rather than true or false.
package rule

import (
	"fmt"
	"strings"
	"time"

	"github.com/ppiankov/plangate/internal/plan"
	"github.com/ppiankov/plangate/internal/relation"
	"github.com/ppiankov/plangate/internal/tier"
)

// Status is a three-valued predicate outcome.
type Status int

const (
	False Status = iota
	True
	Indeterminate
)

func (s Status) String() string {
	switch s {
	case True:
		return "true"
	case Indeterminate:
		return "indeterminate"
	default:
		return "false"
	}
}

// Finding describes the leaf that decided an outcome.
type Finding struct {
	Path     string
	Observed string
	Op       string
	Expected string
	Negated  bool
	Note     string
}

func (f Finding) String() string {
	op := f.Op
	if f.Negated {
		op = "not " + op
	}
	s := fmt.Sprintf("%s = %s; required %s", f.Path, f.Observed, op)
	if f.Expected != "" {
		s += " " + f.Expected
	}
	if f.Note != "" {
		s += " (" + f.Note + ")"
	}
	return s
}

// Result is a predicate outcome plus the finding that produced it.
type Result struct {
	Status  Status
	Finding *Finding
}

// Env is the read-only input to one predicate evaluation.
type Env struct {
	Resource *plan.Resource
	// Source is the resource an enclosing related query was evaluated from.
	Source    *plan.Resource
	Tier      tier.Tier
	Table     *tier.Table
	Relations *relation.Resolver
	Now       time.Time
}

func (e *Env) requirement(key string) (plan.Value, error) {
	if e.Table == nil {
		return plan.Absent(), fmt.Errorf("requirement %q referenced without a requirement table", key)
	}
	if e.Tier == "" {
		return plan.Absent(), fmt.Errorf("requirement %q referenced for a resource without a tier", key)
	}
	return e.Table.Value(e.Tier, key)
}

// Predicate is a node in a predicate tree. Implementations are immutable
// and safe for concurrent use.
type Predicate interface {
	Eval(env *Env) (Result, error)
	String() string
}

type allNode struct{ children []Predicate }
type anyNode struct{ children []Predicate }
type notNode struct{ child Predicate }

// All is true when every child is true. The first definite false decides,
// left to right; otherwise the first indeterminate child does.
func All(children ...Predicate) Predicate { return &allNode{children: children} }

// Any is true as soon as one child is true. Otherwise the first
// indeterminate child decides, then the first false one.
func Any(children ...Predicate) Predicate { return &anyNode{children: children} }

// Not inverts true and false and keeps indeterminate.
func Not(child Predicate) Predicate { return &notNode{child: child} }

func (n *allNode) Eval(env *Env) (Result, error) {
	var pending *Result
	for _, c := range n.children {
		r, err := c.Eval(env)
		if err != nil {
			return Result{}, err
		}
		switch r.Status {
		case False:
			return r, nil
		case Indeterminate:
			if pending == nil {
				pending = &r
			}
		}
	}
	if pending != nil {
		return *pending, nil
	}
	return Result{Status: True}, nil
}

func (n *anyNode) Eval(env *Env) (Result, error) {
	var pending, failed *Result
	for _, c := range n.children {
		r, err := c.Eval(env)
		if err != nil {
			return Result{}, err
		}
		switch r.Status {
		case True:
			return r, nil
		case Indeterminate:
			if pending == nil {
				pending = &r
			}
		default:
			if failed == nil {
				failed = &r
			}
		}
	}
	if pending != nil {
		return *pending, nil
	}
	if failed != nil {
		return *failed, nil
	}
	return Result{Status: False, Finding: &Finding{Path: "any", Observed: "[]", Op: "at least one match"}}, nil
}

func (n *notNode) Eval(env *Env) (Result, error) {
	r, err := n.child.Eval(env)
	if err != nil {
		return Result{}, err
	}
	if r.Finding != nil {
		f := *r.Finding
		f.Negated = !f.Negated
		r.Finding = &f
	}
	switch r.Status {
	case True:
		r.Status = False
	case False:
		r.Status = True
	}
	return r, nil
}

func (n *allNode) String() string { return "all(" + joinPredicates(n.children) + ")" }
func (n *anyNode) String() string { return "any(" + joinPredicates(n.children) + ")" }
func (n *notNode) String() string { return "not(" + n.child.String() + ")" }

func joinPredicates(ps []Predicate) string {
	parts := make([]string, len(ps))
	for i, p := range ps {
		parts[i] = p.String()
	}
	return strings.Join(parts, ", ")
}

// Walk calls fn for p and every node below it, depth first. Nodes inside a
// related query's where clause are visited too.
func Walk(p Predicate, fn func(Predicate)) {
	if p == nil {
		return
	}
	fn(p)
	switch n := p.(type) {
	case *allNode:
		for _, c := range n.children {
			Walk(c, fn)
		}
	case *anyNode:
		for _, c := range n.children {
			Walk(c, fn)
		}
	case *notNode:
		Walk(n.child, fn)
	case *Related:
		Walk(n.Where, fn)
	}
}
