// Package relation answers cross-resource existence queries over a plan
// ("is there an aws_nat_gateway whose subnet_id equals X") and memoizes the
// answers for the lifetime of one evaluation run.
package relation

import (
	"hash/fnv"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/ppiankov/plangate/internal/plan"
)

// Match is the outcome of testing one candidate.
type Match int

const (
	NoMatch Match = iota
	Matched
	// Unknown means the candidate depends on computed values and may match after apply.
	Unknown
)

func (m Match) String() string {
	switch m {
	case Matched:
		return "match"
	case Unknown:
		return "unknown"
	default:
		return "no-match"
	}
}

// Matcher selects candidates of the target type. Signature must uniquely
// identify the matcher's behavior; equal signatures share cached results.
type Matcher interface {
	Signature() string
	Match(r *plan.Resource) Match
}

// Keyed is implemented by matchers that are a single attribute equality.
// The resolver uses it to answer from the plan's attribute index instead of
// scanning every candidate.
type Keyed interface {
	Matcher
	Key() (path plan.Path, value plan.Value, ok bool)
}

// Equals returns a Keyed matcher for "attribute at path equals value".
func Equals(path plan.Path, value plan.Value) Keyed {
	return equals{path: path, value: value}
}

type equals struct {
	path  plan.Path
	value plan.Value
}

func (e equals) Signature() string { return "eq|" + e.path.String() + "|" + e.value.EquivalenceKey() }

func (e equals) Key() (plan.Path, plan.Value, bool) { return e.path, e.value, true }

func (e equals) Match(r *plan.Resource) Match {
	if e.value.IsComputed() {
		return Unknown
	}
	got := plan.Lookup(r, e.path)
	if got.IsComputed() {
		return Unknown
	}
	if plan.Equivalent(got, e.value) {
		return Matched
	}
	return NoMatch
}

// Func adapts a function to a Matcher.
func Func(signature string, fn func(*plan.Resource) Match) Matcher {
	return funcMatcher{sig: signature, fn: fn}
}

type funcMatcher struct {
	sig string
	fn  func(*plan.Resource) Match
}

func (f funcMatcher) Signature() string            { return f.sig }
func (f funcMatcher) Match(r *plan.Resource) Match { return f.fn(r) }

// Result is a memoized join result. Slices are shared; callers must not modify them.
type Result struct {
	Matches []*plan.Resource
	Unknown []*plan.Resource
}

// Definite returns the number of certain matches.
func (r Result) Definite() int { return len(r.Matches) }

// Possible returns the upper bound on matches after apply.
func (r Result) Possible() int { return len(r.Matches) + len(r.Unknown) }

// Stats reports cache behavior for one run.
type Stats struct {
	Hits   int64
	Misses int64
}

const shardCount = 16

type cacheKey struct {
	typ string
	sig string
}

type shard struct {
	mu      sync.RWMutex
	results map[cacheKey]Result
}

// Resolver evaluates relation queries against one plan index. Safe for concurrent use.
type Resolver struct {
	ix     *plan.Index
	shards [shardCount]shard

	hits   atomic.Int64
	misses atomic.Int64
}

// NewResolver returns a Resolver with an empty cache.
func NewResolver(ix *plan.Index) *Resolver {
	r := &Resolver{ix: ix}
	for i := range r.shards {
		r.shards[i].results = make(map[cacheKey]Result)
	}
	return r
}

// Query returns the resources of typ selected by m. An unknown type yields an empty result.
func (r *Resolver) Query(typ string, m Matcher) Result {
	key := cacheKey{typ: typ, sig: m.Signature()}
	sh := r.shardFor(key)

	sh.mu.RLock()
	res, ok := sh.results[key]
	sh.mu.RUnlock()
	if ok {
		r.hits.Add(1)
		return res
	}
	r.misses.Add(1)

	res = r.compute(typ, m)

	sh.mu.Lock()
	// First writer wins; a concurrent recomputation is identical and discarded.
	if prev, ok := sh.results[key]; ok {
		res = prev
	} else {
		sh.results[key] = res
	}
	sh.mu.Unlock()
	return res
}

// Exists reports whether at least one resource of typ definitely matches.
func (r *Resolver) Exists(typ string, m Matcher) bool {
	return r.Query(typ, m).Definite() > 0
}

// Count returns the number of resources of typ that definitely match.
func (r *Resolver) Count(typ string, m Matcher) int {
	return r.Query(typ, m).Definite()
}

// Find yields the definite matches in plan order. Each call re-reads the
// cache, so the sequence can be ranged over any number of times.
func (r *Resolver) Find(typ string, m Matcher) iter.Seq[*plan.Resource] {
	return func(yield func(*plan.Resource) bool) {
		for _, res := range r.Query(typ, m).Matches {
			if !yield(res) {
				return
			}
		}
	}
}

// Stats returns cache hit and miss counts.
func (r *Resolver) Stats() Stats {
	return Stats{Hits: r.hits.Load(), Misses: r.misses.Load()}
}

func (r *Resolver) compute(typ string, m Matcher) Result {
	if k, ok := m.(Keyed); ok {
		if path, value, ok := k.Key(); ok && !value.IsComputed() {
			matches, computed := r.ix.ByAttribute(typ, path, value)
			return Result{Matches: matches, Unknown: computed}
		}
	}

	var res Result
	for _, c := range r.ix.ByType(typ) {
		switch m.Match(c) {
		case Matched:
			res.Matches = append(res.Matches, c)
		case Unknown:
			res.Unknown = append(res.Unknown, c)
		}
	}
	return res
}

func (r *Resolver) shardFor(k cacheKey) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k.typ))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(k.sig))
	return &r.shards[h.Sum32()%shardCount]
}
