// Package tier classifies plan resources into environment tiers and holds
// the per-tier requirement tables that rules read their thresholds from.
package tier

import (
	"fmt"
	"strings"

	"github.com/ppiankov/plangate/internal/plan"
)

// Tier is an environment classification such as "prod". Case-sensitive.
type Tier string

// Unresolved is the label reported for resources that could not be classified.
const Unresolved Tier = "unresolved"

// DefaultPath is the attribute consulted when a rule-set names no resolution paths.
const DefaultPath = "tags.Environment"

// Set is the statically declared, ordered set of tiers. Earlier tiers are
// more restrictive.
type Set struct {
	order []Tier
	rank  map[Tier]int
}

// NewSet builds a Set. Names must be non-empty and unique.
func NewSet(names ...string) (*Set, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("tier set is empty")
	}
	s := &Set{rank: make(map[Tier]int, len(names))}
	for i, n := range names {
		t := Tier(n)
		if n == "" || t == Unresolved {
			return nil, fmt.Errorf("invalid tier name %q", n)
		}
		if _, dup := s.rank[t]; dup {
			return nil, fmt.Errorf("duplicate tier %q", n)
		}
		s.rank[t] = i
		s.order = append(s.order, t)
	}
	return s, nil
}

// Tiers returns the tiers in declaration order.
func (s *Set) Tiers() []Tier { return append([]Tier(nil), s.order...) }

// Contains reports whether t was declared.
func (s *Set) Contains(t Tier) bool {
	_, ok := s.rank[t]
	return ok
}

// Rank returns the position of t (0 = most restrictive), or -1.
func (s *Set) Rank(t Tier) int {
	r, ok := s.rank[t]
	if !ok {
		return -1
	}
	return r
}

func (s *Set) String() string {
	parts := make([]string, len(s.order))
	for i, t := range s.order {
		parts[i] = string(t)
	}
	return strings.Join(parts, ", ")
}

// Strategy maps a resource to a tier.
type Strategy interface {
	Resolve(r *plan.Resource) (Tier, error)
}

// PathStrategy reads the tier from the first attribute path that is set.
type PathStrategy struct {
	Set   *Set
	Paths []plan.Path
}

// Resolve implements Strategy. It never falls back to a default tier:
// a missing, null, empty or computed tag yields *UnresolvedTierError and a
// value outside the declared set yields *UnknownTierError.
func (s *PathStrategy) Resolve(r *plan.Resource) (Tier, error) {
	paths := make([]string, len(s.Paths))
	for i, p := range s.Paths {
		paths[i] = p.String()
	}

	for _, p := range s.Paths {
		v := plan.Lookup(r, p)
		switch v.Kind {
		case plan.KindAbsent:
			continue
		case plan.KindComputed:
			return "", &UnresolvedTierError{Address: r.Address, Paths: paths,
				Reason: fmt.Sprintf("%s is computed and unknown until apply", p)}
		case plan.KindNull:
			return "", &UnresolvedTierError{Address: r.Address, Paths: paths,
				Reason: fmt.Sprintf("%s is null", p)}
		}

		name, ok := v.Str()
		if !ok {
			return "", &UnresolvedTierError{Address: r.Address, Paths: paths,
				Reason: fmt.Sprintf("%s is not a string (got %s)", p, v)}
		}
		if name == "" {
			return "", &UnresolvedTierError{Address: r.Address, Paths: paths,
				Reason: fmt.Sprintf("%s is empty", p)}
		}
		t := Tier(name)
		if !s.Set.Contains(t) {
			return "", &UnknownTierError{Address: r.Address, Path: p.String(), Value: name, Declared: s.Set.Tiers()}
		}
		return t, nil
	}

	return "", &UnresolvedTierError{Address: r.Address, Paths: paths, Reason: "no tier attribute is set"}
}

// Resolver classifies resources using a Strategy.
type Resolver struct {
	set      *Set
	strategy Strategy
}

// NewResolver returns a Resolver reading the given paths in order.
// With no paths it reads DefaultPath.
func NewResolver(set *Set, paths ...plan.Path) *Resolver {
	if len(paths) == 0 {
		paths = []plan.Path{plan.MustParsePath(DefaultPath)}
	}
	return &Resolver{set: set, strategy: &PathStrategy{Set: set, Paths: paths}}
}

// NewResolverWithStrategy returns a Resolver using a custom strategy.
func NewResolverWithStrategy(set *Set, s Strategy) *Resolver {
	return &Resolver{set: set, strategy: s}
}

// Set returns the declared tiers.
func (r *Resolver) Set() *Set { return r.set }

// Resolve classifies one resource.
func (r *Resolver) Resolve(res *plan.Resource) (Tier, error) {
	return r.strategy.Resolve(res)
}

// UnresolvedTierError means no tier could be read from the resource.
type UnresolvedTierError struct {
	Address string
	Paths   []string
	Reason  string
}

func (e *UnresolvedTierError) Error() string {
	return fmt.Sprintf("%s: tier unresolved (checked %s): %s", e.Address, strings.Join(e.Paths, ", "), e.Reason)
}

// UnknownTierError means the tier attribute holds a value outside the declared set.
type UnknownTierError struct {
	Address  string
	Path     string
	Value    string
	Declared []Tier
}

func (e *UnknownTierError) Error() string {
	names := make([]string, len(e.Declared))
	for i, t := range e.Declared {
		names[i] = string(t)
	}
	return fmt.Sprintf("%s: unknown tier %q at %s (declared: %s)", e.Address, e.Value, e.Path, strings.Join(names, ", "))
}
