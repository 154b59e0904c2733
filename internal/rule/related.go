package rule

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ppiankov/plangate/internal/plan"
	"github.com/ppiankov/plangate/internal/relation"
)

// Related counts resources of Type selected by Where and compares the count
// with [Min, Max]. Max < 0 means unbounded. Inside Where, source operands
// read the resource the query is evaluated for.
type Related struct {
	ID    string
	Type  string
	Where Predicate
	Min   int
	Max   int

	sources []plan.Path
	// wholeSource is set when Where holds an expression reading source; such
	// a join depends on the entire source resource, not on declared paths.
	wholeSource bool
	keyed       *Leaf
}

// NewRelated builds a related node. id must be unique within the rule-set;
// it scopes the relation cache.
func NewRelated(id, typ string, where Predicate, min, max int) (*Related, error) {
	if typ == "" {
		return nil, fmt.Errorf("related: type is required")
	}
	if min < 0 {
		return nil, fmt.Errorf("related %s: min must be >= 0", typ)
	}
	if max >= 0 && max < min {
		return nil, fmt.Errorf("related %s: max %d is below min %d", typ, max, min)
	}
	r := &Related{ID: id, Type: typ, Where: where, Min: min, Max: max}

	seen := map[string]bool{}
	collectSources(where, func(p plan.Path) {
		if !seen[p.String()] {
			seen[p.String()] = true
			r.sources = append(r.sources, p)
		}
	})
	r.wholeSource = readsWholeSource(where)

	// A single attribute equality can be answered from the plan's attribute index.
	if l, ok := where.(*Leaf); ok && l.Op == OpEq && !l.CaseInsensitive &&
		l.Subject.Kind == OperandAttr && !l.Subject.wildcard() &&
		(l.Arg.Kind == OperandSource && !l.Arg.wildcard() || l.Arg.Kind == OperandLiteral) {
		r.keyed = l
	}
	return r, nil
}

// collectSources reports the source paths read by p, not descending into
// nested related queries (their source is a different resource).
func collectSources(p Predicate, fn func(plan.Path)) {
	switch n := p.(type) {
	case *allNode:
		for _, c := range n.children {
			collectSources(c, fn)
		}
	case *anyNode:
		for _, c := range n.children {
			collectSources(c, fn)
		}
	case *notNode:
		collectSources(n.child, fn)
	case *Leaf:
		if n.Subject.Kind == OperandSource {
			fn(n.Subject.Path)
		}
		if n.Arg.Kind == OperandSource {
			fn(n.Arg.Path)
		}
	case *Expr:
		for _, d := range n.SourceDeps {
			fn(d)
		}
	}
}

// readsWholeSource reports whether p holds an expression reading source,
// again stopping at nested related queries.
func readsWholeSource(p Predicate) bool {
	switch n := p.(type) {
	case *allNode:
		for _, c := range n.children {
			if readsWholeSource(c) {
				return true
			}
		}
	case *anyNode:
		for _, c := range n.children {
			if readsWholeSource(c) {
				return true
			}
		}
	case *notNode:
		return readsWholeSource(n.child)
	case *Expr:
		return n.readsSource
	}
	return false
}

// Eval implements Predicate.
func (r *Related) Eval(env *Env) (Result, error) {
	f := &Finding{Path: "related " + r.Type, Op: "count", Expected: r.bounds()}
	if env.Relations == nil {
		return Result{}, fmt.Errorf("related %s evaluated without a relation resolver", r.Type)
	}

	var sig strings.Builder
	sig.WriteString(r.ID)
	sig.WriteString("|")
	sig.WriteString(string(env.Tier))
	for _, p := range r.sources {
		v := plan.Lookup(env.Resource, p)
		if v.IsComputed() {
			f.Observed = "<unknown>"
			f.Note = p.String() + " unknown until apply"
			return Result{Status: Indeterminate, Finding: f}, nil
		}
		sig.WriteString("|")
		sig.WriteString(v.Canonical())
	}
	if r.wholeSource {
		sig.WriteString("|address=")
		sig.WriteString(env.Resource.Address)
	}

	var m relation.Matcher
	if r.keyed != nil {
		v := r.keyed.Arg.Literal
		if r.keyed.Arg.Kind == OperandSource {
			v = plan.Lookup(env.Resource, r.keyed.Arg.Path)
		}
		m = relation.Equals(r.keyed.Subject.Path, v)
	} else {
		m = relation.Func(sig.String(), r.matcher(env))
	}

	res := env.Relations.Query(r.Type, m)
	definite, possible := res.Definite(), res.Possible()
	f.Observed = strconv.Itoa(definite)
	if possible > definite {
		f.Observed = fmt.Sprintf("%d (up to %d after apply)", definite, possible)
	}

	switch {
	case definite >= r.Min && (r.Max < 0 || possible <= r.Max):
		return Result{Status: True, Finding: f}, nil
	case possible < r.Min || (r.Max >= 0 && definite > r.Max):
		return Result{Status: False, Finding: f}, nil
	default:
		f.Note = "candidates depend on values unknown until apply"
		return Result{Status: Indeterminate, Finding: f}, nil
	}
}

func (r *Related) matcher(env *Env) func(*plan.Resource) relation.Match {
	base := *env
	base.Source = env.Resource
	return func(c *plan.Resource) relation.Match {
		if r.Where == nil {
			return relation.Matched
		}
		e := base
		e.Resource = c
		res, err := r.Where.Eval(&e)
		if err != nil {
			return relation.Unknown
		}
		switch res.Status {
		case True:
			return relation.Matched
		case Indeterminate:
			return relation.Unknown
		}
		return relation.NoMatch
	}
}

func (r *Related) bounds() string {
	switch {
	case r.Max < 0:
		return ">= " + strconv.Itoa(r.Min)
	case r.Min == r.Max:
		return "== " + strconv.Itoa(r.Min)
	default:
		return fmt.Sprintf("between %d and %d", r.Min, r.Max)
	}
}

func (r *Related) String() string {
	where := "true"
	if r.Where != nil {
		where = r.Where.String()
	}
	return fmt.Sprintf("related(%s where %s, count %s)", r.Type, where, r.bounds())
}
