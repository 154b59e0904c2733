package rule

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/ppiankov/plangate/internal/plan"
)

// Expr is a CEL boolean expression over the resource. Variables:
// resource (after-state), before, address, resource_type, tier, requirement (the
// tier's requirement entry) and source (after-state of the related query's source).
//
// Deps lists the attribute paths the expression reads; when any of them
// is computed the result is Indeterminate instead of running the program.
type Expr struct {
	Source     string
	Deps       []plan.Path
	SourceDeps []plan.Path

	prg cel.Program
	// readsSource is set when the checked expression references the source variable.
	readsSource bool
}

type compiledExpr struct {
	prg         cel.Program
	readsSource bool
}

type celCompiler struct {
	once sync.Once
	env  *cel.Env
	err  error

	mu    sync.RWMutex
	cache map[string]compiledExpr
}

var compiler celCompiler

func (c *celCompiler) program(expr string) (compiledExpr, error) {
	c.once.Do(func() {
		c.env, c.err = cel.NewEnv(
			cel.Variable("resource", cel.MapType(cel.StringType, cel.DynType)),
			cel.Variable("before", cel.MapType(cel.StringType, cel.DynType)),
			cel.Variable("source", cel.MapType(cel.StringType, cel.DynType)),
			cel.Variable("requirement", cel.MapType(cel.StringType, cel.DynType)),
			cel.Variable("address", cel.StringType),
			cel.Variable("resource_type", cel.StringType),
			cel.Variable("tier", cel.StringType),
			cel.CrossTypeNumericComparisons(true),
		)
		c.cache = make(map[string]compiledExpr)
	})
	if c.err != nil {
		return compiledExpr{}, fmt.Errorf("create CEL env: %w", c.err)
	}

	c.mu.RLock()
	ce, hit := c.cache[expr]
	c.mu.RUnlock()
	if hit {
		return ce, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ce, hit = c.cache[expr]; hit {
		return ce, nil
	}
	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return compiledExpr{}, fmt.Errorf("CEL compile error: %w", issues.Err())
	}
	if out := ast.OutputType(); out != cel.BoolType && out != cel.DynType {
		return compiledExpr{}, fmt.Errorf("CEL expression must return bool, got %s", out)
	}
	prg, err := c.env.Program(ast)
	if err != nil {
		return compiledExpr{}, fmt.Errorf("CEL program error: %w", err)
	}
	ce = compiledExpr{prg: prg, readsSource: referencesVariable(ast, "source")}
	c.cache[expr] = ce
	return ce, nil
}

// referencesVariable reports whether the checked expression reads the named
// variable anywhere.
func referencesVariable(ast *cel.Ast, name string) bool {
	for _, ref := range ast.NativeRep().ReferenceMap() {
		if ref != nil && ref.Name == name {
			return true
		}
	}
	return false
}

// NewExpr compiles a CEL expression. Compilation errors are configuration errors.
func NewExpr(src string, deps, sourceDeps []plan.Path) (*Expr, error) {
	ce, err := compiler.program(src)
	if err != nil {
		return nil, err
	}
	return &Expr{Source: src, Deps: deps, SourceDeps: sourceDeps, prg: ce.prg, readsSource: ce.readsSource}, nil
}

// Eval implements Predicate. A runtime error (missing key, type mismatch)
// is a definite false.
func (x *Expr) Eval(env *Env) (Result, error) {
	f := &Finding{Path: "expr " + strconv.Quote(x.Source), Op: "true"}

	if b, ok := env.Resource.AfterUnknown.(bool); ok && b {
		f.Observed = "<computed>"
		f.Note = "resource unknown until apply"
		return Result{Status: Indeterminate, Finding: f}, nil
	}
	for _, d := range x.Deps {
		if plan.Lookup(env.Resource, d).IsComputed() {
			f.Observed = "<computed>"
			f.Note = d.String() + " unknown until apply"
			return Result{Status: Indeterminate, Finding: f}, nil
		}
	}
	if env.Source != nil {
		for _, d := range x.SourceDeps {
			if plan.Lookup(env.Source, d).IsComputed() {
				f.Observed = "<computed>"
				f.Note = "source." + d.String() + " unknown until apply"
				return Result{Status: Indeterminate, Finding: f}, nil
			}
		}
	}

	requirement := map[string]any{}
	if env.Table != nil && env.Tier != "" {
		if e, err := env.Table.Lookup(env.Tier); err == nil {
			requirement = e
		}
	}
	before := env.Resource.Before
	if before == nil {
		before = map[string]any{}
	}
	source := map[string]any{}
	if env.Source != nil {
		source = env.Source.After
	}

	out, _, err := x.prg.Eval(map[string]any{
		"resource":      env.Resource.After,
		"before":        before,
		"source":        source,
		"requirement":   requirement,
		"address":       env.Resource.Address,
		"resource_type": env.Resource.Type,
		"tier":          string(env.Tier),
	})
	if err != nil {
		f.Observed = "error"
		f.Note = err.Error()
		return Result{Status: False, Finding: f}, nil
	}
	ok, isBool := out.Value().(bool)
	if !isBool {
		f.Observed = fmt.Sprintf("%v", out.Value())
		f.Note = "result not boolean"
		return Result{Status: False, Finding: f}, nil
	}
	f.Observed = strconv.FormatBool(ok)
	return verdict(ok, f), nil
}

func (x *Expr) String() string { return "expr(" + strconv.Quote(x.Source) + ")" }
