package rule

import (
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ppiankov/plangate/internal/plan"
)

// Op is a leaf comparison operator.
type Op string

const (
	OpPresent     Op = "present"
	OpAbsent      Op = "absent"
	OpTruthy      Op = "truthy"
	OpEq          Op = "eq"
	OpNe          Op = "ne"
	OpLt          Op = "lt"
	OpLte         Op = "lte"
	OpGt          Op = "gt"
	OpGte         Op = "gte"
	OpIn          Op = "in"
	OpNotIn       Op = "not_in"
	OpSubset      Op = "subset"
	OpContains    Op = "contains"
	OpPrefix      Op = "prefix"
	OpSuffix      Op = "suffix"
	OpGlob        Op = "glob"
	OpRegex       Op = "regex"
	OpCIDRWithin  Op = "cidr_within"
	OpMaxAge      Op = "max_age"
	OpMinValidity Op = "min_validity"
	OpLengthGte   Op = "length_gte"
	OpLengthLte   Op = "length_lte"
)

// Ops lists every operator in documentation order.
var Ops = []Op{
	OpPresent, OpAbsent, OpTruthy,
	OpEq, OpNe, OpLt, OpLte, OpGt, OpGte,
	OpIn, OpNotIn, OpSubset, OpContains,
	OpPrefix, OpSuffix, OpGlob, OpRegex,
	OpCIDRWithin, OpMaxAge, OpMinValidity,
	OpLengthGte, OpLengthLte,
}

// ParseOp validates an operator name.
func ParseOp(s string) (Op, bool) {
	for _, op := range Ops {
		if string(op) == s {
			return op, true
		}
	}
	return "", false
}

// Unary reports whether the operator takes no argument.
func (o Op) Unary() bool {
	return o == OpPresent || o == OpAbsent || o == OpTruthy
}

// OperandKind says where an operand's value comes from.
type OperandKind int

const (
	// OperandAttr reads the evaluated resource.
	OperandAttr OperandKind = iota
	OperandLiteral
	// OperandRequirement reads the rule's requirement table for the resource's tier.
	OperandRequirement
	// OperandSource reads the resource an enclosing related query started from.
	OperandSource
)

// Operand is a leaf subject or argument.
type Operand struct {
	Kind    OperandKind
	Path    plan.Path
	Key     string
	Literal plan.Value
}

// Attr returns an operand reading path on the evaluated resource.
func Attr(p plan.Path) Operand { return Operand{Kind: OperandAttr, Path: p} }

// Literal returns a constant operand.
func Literal(raw any) Operand {
	return Operand{Kind: OperandLiteral, Literal: plan.FromRaw(plan.Normalize(raw))}
}

// Requirement returns an operand reading key from the tier's requirement entry.
func Requirement(key string) Operand { return Operand{Kind: OperandRequirement, Key: key} }

// Source returns an operand reading path on the related query's source resource.
func Source(p plan.Path) Operand { return Operand{Kind: OperandSource, Path: p} }

func (o Operand) resolve(env *Env) (plan.Value, error) {
	switch o.Kind {
	case OperandAttr:
		return plan.Lookup(env.Resource, o.Path), nil
	case OperandLiteral:
		return o.Literal, nil
	case OperandRequirement:
		return env.requirement(o.Key)
	case OperandSource:
		if env.Source == nil {
			return plan.Absent(), fmt.Errorf("source.%s used outside a related query", o.Path)
		}
		return plan.Lookup(env.Source, o.Path), nil
	}
	return plan.Absent(), fmt.Errorf("unknown operand kind %d", o.Kind)
}

// SensitiveValue replaces plan values Terraform marks sensitive in findings.
const SensitiveValue = "(sensitive)"

// show renders v for a finding, hiding sensitive plan values.
func (o Operand) show(env *Env, v plan.Value) string {
	switch o.Kind {
	case OperandAttr:
		if plan.Sensitive(env.Resource, o.Path) {
			return SensitiveValue
		}
	case OperandSource:
		if env.Source != nil && plan.Sensitive(env.Source, o.Path) {
			return SensitiveValue
		}
	}
	return observed(v)
}

func (o Operand) wildcard() bool {
	if o.Kind != OperandAttr && o.Kind != OperandSource {
		return false
	}
	for _, s := range o.Path.Segments {
		if s == "*" {
			return true
		}
	}
	return false
}

func (o Operand) String() string {
	switch o.Kind {
	case OperandAttr:
		return o.Path.String()
	case OperandRequirement:
		return "requirement." + o.Key
	case OperandSource:
		return "source." + o.Path.String()
	default:
		return o.Literal.String()
	}
}

// Leaf compares a subject against an argument with one operator.
type Leaf struct {
	Subject         Operand
	Op              Op
	Arg             Operand
	CaseInsensitive bool
}

// NewLeaf builds a leaf and validates literal arguments up front, so a bad
// pattern, network or duration is a configuration error rather than a
// per-resource failure.
func NewLeaf(subject Operand, op Op, arg Operand, caseInsensitive bool) (*Leaf, error) {
	if _, ok := ParseOp(string(op)); !ok {
		return nil, fmt.Errorf("unknown operator %q", op)
	}
	if subject.Kind == OperandLiteral {
		return nil, fmt.Errorf("leaf subject must be an attribute, requirement or source path")
	}
	l := &Leaf{Subject: subject, Op: op, Arg: arg, CaseInsensitive: caseInsensitive}
	if op.Unary() || arg.Kind != OperandLiteral {
		return l, nil
	}
	if err := l.checkLiteral(arg.Literal); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return l, nil
}

// CheckArgument validates a dynamic argument value for the leaf's operator.
func (l *Leaf) CheckArgument(v plan.Value) error { return l.checkLiteral(v) }

func (l *Leaf) checkLiteral(v plan.Value) error {
	items := v.Items()
	switch l.Op {
	case OpLt, OpLte, OpGt, OpGte, OpLengthGte, OpLengthLte:
		if _, ok := v.Number(); !ok {
			return fmt.Errorf("argument %s is not a number", v)
		}
	case OpIn, OpNotIn, OpSubset:
		if v.Kind != plan.KindSequence {
			return fmt.Errorf("argument %s is not a list", v)
		}
	case OpPrefix, OpSuffix:
		for _, it := range items {
			if _, ok := it.Str(); !ok {
				return fmt.Errorf("argument %s is not a string", it)
			}
		}
	case OpGlob, OpRegex:
		for _, it := range items {
			s, ok := it.Str()
			if !ok {
				return fmt.Errorf("argument %s is not a string", it)
			}
			if _, err := l.pattern(s); err != nil {
				return err
			}
		}
	case OpCIDRWithin:
		for _, it := range items {
			s, ok := it.Str()
			if !ok {
				return fmt.Errorf("argument %s is not a CIDR", it)
			}
			if _, err := parsePrefix(s); err != nil {
				return err
			}
		}
	case OpMaxAge, OpMinValidity:
		if _, err := durationOf(v); err != nil {
			return err
		}
	}
	return nil
}

// Eval implements Predicate.
func (l *Leaf) Eval(env *Env) (Result, error) {
	subj, err := l.Subject.resolve(env)
	if err != nil {
		return Result{}, err
	}
	f := &Finding{Path: l.Subject.String(), Op: string(l.Op), Observed: l.Subject.show(env, subj)}

	if subj.IsComputed() {
		f.Note = "value unknown until apply"
		if !l.Op.Unary() && l.Arg.Kind == OperandLiteral {
			f.Expected = l.Arg.Literal.String()
		}
		return Result{Status: Indeterminate, Finding: f}, nil
	}

	switch l.Op {
	case OpPresent:
		return verdict(subj.Kind != plan.KindAbsent && subj.Kind != plan.KindNull, f), nil
	case OpAbsent:
		return verdict(subj.Kind == plan.KindAbsent || subj.Kind == plan.KindNull, f), nil
	case OpTruthy:
		return verdict(subj.Truthy(), f), nil
	}

	arg, err := l.Arg.resolve(env)
	if err != nil {
		return Result{}, err
	}
	f.Expected = l.Arg.show(env, arg)
	if arg.IsComputed() {
		f.Note = "argument unknown until apply"
		return Result{Status: Indeterminate, Finding: f}, nil
	}
	if l.Arg.Kind != OperandLiteral && !arg.IsAbsent() {
		if err := l.checkLiteral(arg); err != nil {
			return Result{}, fmt.Errorf("%s %s: %w", l.Arg, l.Op, err)
		}
	}
	if subj.IsAbsent() {
		return Result{Status: False, Finding: f}, nil
	}

	items := []plan.Value{subj}
	if l.Subject.wildcard() {
		items = subj.Items()
	}
	for _, it := range items {
		ok, err := l.test(it, arg, env.Now)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			f.Observed = l.Subject.show(env, it)
			return Result{Status: False, Finding: f}, nil
		}
	}
	return Result{Status: True, Finding: f}, nil
}

func (l *Leaf) String() string {
	s := l.Subject.String() + " " + string(l.Op)
	if !l.Op.Unary() {
		s += " " + l.Arg.String()
	}
	if l.CaseInsensitive {
		s += " (case-insensitive)"
	}
	return s
}

func verdict(ok bool, f *Finding) Result {
	if ok {
		return Result{Status: True, Finding: f}
	}
	return Result{Status: False, Finding: f}
}

func observed(v plan.Value) string {
	switch v.Kind {
	case plan.KindAbsent:
		return "<absent>"
	case plan.KindComputed:
		return "<computed>"
	}
	return v.String()
}

func (l *Leaf) test(subj, arg plan.Value, now time.Time) (bool, error) {
	switch l.Op {
	case OpEq:
		return l.equal(subj, arg), nil
	case OpNe:
		return !l.equal(subj, arg), nil
	case OpLt, OpLte, OpGt, OpGte:
		a, ok1 := subj.Number()
		b, ok2 := arg.Number()
		if !ok1 || !ok2 {
			return false, nil
		}
		switch l.Op {
		case OpLt:
			return a < b, nil
		case OpLte:
			return a <= b, nil
		case OpGt:
			return a > b, nil
		default:
			return a >= b, nil
		}
	case OpIn, OpSubset:
		if l.Op == OpSubset && subj.Kind != plan.KindSequence {
			return false, nil
		}
		allowed := arg.Items()
		if hasWildcard(allowed) {
			return true, nil
		}
		for _, it := range subj.Items() {
			if !l.member(it, allowed) {
				return false, nil
			}
		}
		return true, nil
	case OpNotIn:
		denied := arg.Items()
		if hasWildcard(denied) {
			return false, nil
		}
		for _, it := range subj.Items() {
			if l.member(it, denied) {
				return false, nil
			}
		}
		return true, nil
	case OpContains:
		return l.contains(subj, arg), nil
	case OpPrefix, OpSuffix, OpGlob, OpRegex:
		return l.matchStrings(subj, arg)
	case OpCIDRWithin:
		return cidrWithin(subj, arg)
	case OpMaxAge, OpMinValidity:
		ts, ok := timestampOf(subj)
		if !ok {
			return false, nil
		}
		d, err := durationOf(arg)
		if err != nil {
			return false, err
		}
		if l.Op == OpMaxAge {
			return now.Sub(ts) <= d, nil
		}
		return ts.Sub(now) >= d, nil
	case OpLengthGte, OpLengthLte:
		n, ok := subj.Len()
		limit, ok2 := arg.Number()
		if !ok || !ok2 {
			return false, nil
		}
		if l.Op == OpLengthGte {
			return float64(n) >= limit, nil
		}
		return float64(n) <= limit, nil
	}
	return false, fmt.Errorf("unknown operator %q", l.Op)
}

func (l *Leaf) equal(a, b plan.Value) bool {
	if l.CaseInsensitive {
		as, ok1 := a.Str()
		bs, ok2 := b.Str()
		if ok1 && ok2 {
			return strings.EqualFold(as, bs)
		}
	}
	// Providers encode numbers as strings often enough that "30" must equal 30.
	return plan.Equivalent(a, b)
}

func (l *Leaf) member(v plan.Value, list []plan.Value) bool {
	for _, it := range list {
		if l.equal(v, it) {
			return true
		}
	}
	return false
}

func (l *Leaf) contains(subj, arg plan.Value) bool {
	wanted := []plan.Value{arg}
	if arg.Kind == plan.KindSequence {
		wanted = arg.Items()
	}
	for _, w := range wanted {
		switch subj.Kind {
		case plan.KindSequence:
			if !l.member(w, subj.Items()) {
				return false
			}
		case plan.KindMapping:
			key, ok := w.Str()
			if !ok {
				return false
			}
			if _, ok := subj.Raw.(map[string]any)[key]; !ok {
				return false
			}
		default:
			s, ok1 := subj.Str()
			sub, ok2 := w.Str()
			if !ok1 || !ok2 {
				return false
			}
			if l.CaseInsensitive {
				s, sub = strings.ToLower(s), strings.ToLower(sub)
			}
			if !strings.Contains(s, sub) {
				return false
			}
		}
	}
	return true
}

// matchStrings requires every subject string to match at least one argument pattern.
func (l *Leaf) matchStrings(subj, arg plan.Value) (bool, error) {
	patterns := arg.Items()
	for _, it := range subj.Items() {
		s, ok := it.Str()
		if !ok {
			return false, nil
		}
		matched := false
		for _, p := range patterns {
			ps, ok := p.Str()
			if !ok {
				return false, nil
			}
			m, err := l.matchOne(s, ps)
			if err != nil {
				return false, err
			}
			if m {
				matched = true
				break
			}
		}
		if !matched {
			return false, nil
		}
	}
	return true, nil
}

func (l *Leaf) matchOne(s, p string) (bool, error) {
	switch l.Op {
	case OpPrefix, OpSuffix:
		if l.CaseInsensitive {
			s, p = strings.ToLower(s), strings.ToLower(p)
		}
		if l.Op == OpPrefix {
			return strings.HasPrefix(s, p), nil
		}
		return strings.HasSuffix(s, p), nil
	default:
		re, err := l.pattern(p)
		if err != nil {
			return false, err
		}
		return re.MatchString(s), nil
	}
}

var patternCache sync.Map // string -> *regexp.Regexp

func (l *Leaf) pattern(p string) (*regexp.Regexp, error) {
	expr := p
	if l.Op == OpGlob {
		expr = globToRegexp(p)
	}
	if l.CaseInsensitive {
		expr = "(?i)" + expr
	}
	if re, ok := patternCache.Load(expr); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", p, err)
	}
	patternCache.Store(expr, re)
	return re, nil
}

// globToRegexp converts a glob ("*" any run, "?" one character) to an anchored regexp.
func globToRegexp(g string) string {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range g {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return b.String()
}

func hasWildcard(list []plan.Value) bool {
	for _, it := range list {
		if s, ok := it.Str(); ok && s == "*" {
			return true
		}
	}
	return false
}

func parsePrefix(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid CIDR %q: %w", s, err)
		}
		return p.Masked(), nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid CIDR %q: %w", s, err)
	}
	return netip.PrefixFrom(a, a.BitLen()), nil
}

// cidrWithin requires every subject network to lie fully inside one allowed network.
func cidrWithin(subj, arg plan.Value) (bool, error) {
	var allowed []netip.Prefix
	for _, it := range arg.Items() {
		s, ok := it.Str()
		if !ok {
			return false, fmt.Errorf("argument %s is not a CIDR", it)
		}
		p, err := parsePrefix(s)
		if err != nil {
			return false, err
		}
		allowed = append(allowed, p)
	}
	for _, it := range subj.Items() {
		s, ok := it.Str()
		if !ok {
			return false, nil
		}
		cand, err := parsePrefix(s)
		if err != nil {
			return false, nil
		}
		inside := false
		for _, a := range allowed {
			if a.Addr().Is4() == cand.Addr().Is4() && a.Bits() <= cand.Bits() && a.Contains(cand.Addr()) {
				inside = true
				break
			}
		}
		if !inside {
			return false, nil
		}
	}
	return true, nil
}

var timestampLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"}

func timestampOf(v plan.Value) (time.Time, bool) {
	s, ok := v.Str()
	if !ok {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// durationOf accepts Go durations ("36h"), day counts ("90d") and bare numbers of days.
func durationOf(v plan.Value) (time.Duration, error) {
	if n, ok := v.Raw.(float64); ok && v.Kind == plan.KindScalar {
		return time.Duration(n * float64(24*time.Hour)), nil
	}
	s, ok := v.Str()
	if !ok {
		return 0, fmt.Errorf("argument %s is not a duration", v)
	}
	return ParseDuration(s)
}

// ParseDuration parses a Go duration or a whole number of days with a "d" suffix.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}
