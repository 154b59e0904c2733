package ruleset

import (
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/plangate/internal/plan"
	"github.com/ppiankov/plangate/internal/rule"
)

// compiler turns predicate YAML into a rule.Predicate tree.
//
//	all: [p, ...]            any: [p, ...]            not: p
//	related: {type, where, min, max}
//	expr: "<CEL>"  (optional paths: [...], source_paths: [...])
//	{attr|requirement|source: path, <op>: operand, case_insensitive: bool}
//
// An operand is a literal, {requirement: key} or {source: path}.
type compiler struct {
	ruleID  string
	related int
}

func (c *compiler) errorf(n *yaml.Node, format string, args ...any) error {
	return &RuleConfigurationError{
		RuleID: c.ruleID,
		Reason: fmt.Sprintf("predicate line %d: %s", n.Line, fmt.Sprintf(format, args...)),
	}
}

func (c *compiler) predicate(n *yaml.Node, inRelated bool) (rule.Predicate, error) {
	if n.Kind == yaml.DocumentNode && len(n.Content) == 1 {
		n = n.Content[0]
	}
	if n.Kind != yaml.MappingNode {
		return nil, c.errorf(n, "predicate must be a mapping")
	}
	keys := mappingKeys(n)

	for _, composite := range []string{"all", "any", "not", "related", "expr"} {
		v, ok := keys[composite]
		if !ok {
			continue
		}
		switch composite {
		case "all", "any", "not", "related":
			if len(n.Content) != 2 {
				return nil, c.errorf(n, "%s must be the only key in its mapping", composite)
			}
		}
		switch composite {
		case "all", "any":
			return c.list(composite, v, inRelated)
		case "not":
			child, err := c.predicate(v, inRelated)
			if err != nil {
				return nil, err
			}
			return rule.Not(child), nil
		case "related":
			return c.relatedNode(v)
		case "expr":
			return c.expr(n, keys, inRelated)
		}
	}
	return c.leaf(n, keys, inRelated)
}

func (c *compiler) list(kind string, v *yaml.Node, inRelated bool) (rule.Predicate, error) {
	if v.Kind != yaml.SequenceNode || len(v.Content) == 0 {
		return nil, c.errorf(v, "%s must be a non-empty list", kind)
	}
	children := make([]rule.Predicate, 0, len(v.Content))
	for _, item := range v.Content {
		p, err := c.predicate(item, inRelated)
		if err != nil {
			return nil, err
		}
		children = append(children, p)
	}
	if kind == "all" {
		return rule.All(children...), nil
	}
	return rule.Any(children...), nil
}

func (c *compiler) relatedNode(v *yaml.Node) (rule.Predicate, error) {
	if v.Kind != yaml.MappingNode {
		return nil, c.errorf(v, "related must be a mapping")
	}
	keys := mappingKeys(v)
	for k, kn := range keys {
		switch k {
		case "type", "where", "min", "max":
		default:
			return nil, c.errorf(kn, "unknown related key %q", k)
		}
	}

	typ, err := c.scalarString(keys["type"], v, "related.type")
	if err != nil {
		return nil, err
	}
	min, max := 1, -1
	if mn, ok := keys["min"]; ok {
		if min, err = c.scalarInt(mn, "related.min"); err != nil {
			return nil, err
		}
	}
	if mx, ok := keys["max"]; ok {
		if max, err = c.scalarInt(mx, "related.max"); err != nil {
			return nil, err
		}
	}

	var where rule.Predicate
	if w, ok := keys["where"]; ok {
		if where, err = c.predicate(w, true); err != nil {
			return nil, err
		}
	}

	c.related++
	id := fmt.Sprintf("%s/related-%d", c.ruleID, c.related)
	r, err := rule.NewRelated(id, typ, where, min, max)
	if err != nil {
		return nil, c.errorf(v, "%v", err)
	}
	return r, nil
}

func (c *compiler) expr(n *yaml.Node, keys map[string]*yaml.Node, inRelated bool) (rule.Predicate, error) {
	for k, kn := range keys {
		switch k {
		case "expr", "paths", "source_paths":
		default:
			return nil, c.errorf(kn, "unknown expr key %q", k)
		}
	}
	src, err := c.scalarString(keys["expr"], n, "expr")
	if err != nil {
		return nil, err
	}
	deps, err := c.paths(keys["paths"])
	if err != nil {
		return nil, err
	}
	sourceDeps, err := c.paths(keys["source_paths"])
	if err != nil {
		return nil, err
	}
	if len(sourceDeps) > 0 && !inRelated {
		return nil, c.errorf(n, "source_paths used outside a related query")
	}
	x, err := rule.NewExpr(src, deps, sourceDeps)
	if err != nil {
		return nil, c.errorf(keys["expr"], "%v", err)
	}
	return x, nil
}

func (c *compiler) paths(n *yaml.Node) ([]plan.Path, error) {
	if n == nil {
		return nil, nil
	}
	var raw []string
	if err := n.Decode(&raw); err != nil {
		return nil, c.errorf(n, "paths must be a list of strings")
	}
	out := make([]plan.Path, 0, len(raw))
	for _, s := range raw {
		p, err := plan.ParsePath(s)
		if err != nil {
			return nil, c.errorf(n, "%v", err)
		}
		out = append(out, p)
	}
	return out, nil
}

func (c *compiler) leaf(n *yaml.Node, keys map[string]*yaml.Node, inRelated bool) (rule.Predicate, error) {
	var subject *rule.Operand
	var op rule.Op
	var argNode *yaml.Node
	caseInsensitive := false

	for i := 0; i < len(n.Content); i += 2 {
		k, v := n.Content[i].Value, n.Content[i+1]
		switch k {
		case "attr", "requirement", "source":
			if subject != nil {
				return nil, c.errorf(n.Content[i], "leaf has more than one subject")
			}
			s, err := c.operandRef(k, v, inRelated)
			if err != nil {
				return nil, err
			}
			subject = &s
		case "case_insensitive":
			if err := v.Decode(&caseInsensitive); err != nil {
				return nil, c.errorf(v, "case_insensitive must be a boolean")
			}
		default:
			parsed, ok := rule.ParseOp(k)
			if !ok {
				return nil, c.errorf(n.Content[i], "unknown operator or key %q", k)
			}
			if op != "" {
				return nil, c.errorf(n.Content[i], "leaf has more than one operator (%s, %s)", op, parsed)
			}
			op, argNode = parsed, v
		}
	}
	if subject == nil {
		return nil, c.errorf(n, "leaf needs one of attr, requirement or source")
	}
	if op == "" {
		return nil, c.errorf(n, "leaf needs an operator")
	}

	if op.Unary() {
		var want bool
		if err := argNode.Decode(&want); err != nil {
			return nil, c.errorf(argNode, "%s takes true or false", op)
		}
		l, err := rule.NewLeaf(*subject, op, rule.Operand{}, caseInsensitive)
		if err != nil {
			return nil, c.errorf(n, "%v", err)
		}
		if want {
			return l, nil
		}
		switch op {
		case rule.OpPresent:
			l.Op = rule.OpAbsent
		case rule.OpAbsent:
			l.Op = rule.OpPresent
		default:
			return rule.Not(l), nil
		}
		return l, nil
	}

	arg, err := c.operand(argNode, inRelated)
	if err != nil {
		return nil, err
	}
	l, err := rule.NewLeaf(*subject, op, arg, caseInsensitive)
	if err != nil {
		return nil, c.errorf(argNode, "%v", err)
	}
	return l, nil
}

// operand decodes a literal or a {requirement: key} / {source: path} reference.
func (c *compiler) operand(n *yaml.Node, inRelated bool) (rule.Operand, error) {
	if n.Kind == yaml.MappingNode && len(n.Content) == 2 {
		k := n.Content[0].Value
		if k == "requirement" || k == "source" || k == "attr" {
			return c.operandRef(k, n.Content[1], inRelated)
		}
	}
	var raw any
	if err := n.Decode(&raw); err != nil {
		return rule.Operand{}, c.errorf(n, "invalid operand: %v", err)
	}
	return rule.Literal(raw), nil
}

func (c *compiler) operandRef(kind string, v *yaml.Node, inRelated bool) (rule.Operand, error) {
	s, err := c.scalarString(v, v, kind)
	if err != nil {
		return rule.Operand{}, err
	}
	switch kind {
	case "requirement":
		if s == "" {
			return rule.Operand{}, c.errorf(v, "requirement key is empty")
		}
		return rule.Requirement(s), nil
	case "source":
		if !inRelated {
			return rule.Operand{}, c.errorf(v, "source.%s used outside a related query", s)
		}
		p, err := plan.ParsePath(s)
		if err != nil {
			return rule.Operand{}, c.errorf(v, "%v", err)
		}
		return rule.Source(p), nil
	default:
		p, err := plan.ParsePath(s)
		if err != nil {
			return rule.Operand{}, c.errorf(v, "%v", err)
		}
		return rule.Attr(p), nil
	}
}

func (c *compiler) scalarString(n, parent *yaml.Node, field string) (string, error) {
	if n == nil {
		return "", c.errorf(parent, "%s is required", field)
	}
	if n.Kind != yaml.ScalarNode {
		return "", c.errorf(n, "%s must be a string", field)
	}
	return n.Value, nil
}

func (c *compiler) scalarInt(n *yaml.Node, field string) (int, error) {
	if n.Kind != yaml.ScalarNode {
		return 0, c.errorf(n, "%s must be an integer", field)
	}
	v, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, c.errorf(n, "%s must be an integer", field)
	}
	return v, nil
}

func mappingKeys(n *yaml.Node) map[string]*yaml.Node {
	out := make(map[string]*yaml.Node, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		out[n.Content[i].Value] = n.Content[i+1]
	}
	return out
}
