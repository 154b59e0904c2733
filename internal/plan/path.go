package plan

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Root selects which part of a resource record a path starts from.
type Root int

const (
	RootAfter Root = iota
	RootBefore
	RootRecord
)

var recordFields = map[string]bool{
	"address":        true,
	"type":           true,
	"name":           true,
	"mode":           true,
	"actions":        true,
	"module_address": true,
}

// Path is a parsed attribute path such as "tags.Environment",
// "change.after.vpc_id" or "ingress.*.cidr_blocks".
type Path struct {
	Root     Root
	Segments []string
	raw      string
}

// ParsePath parses a dotted attribute path. Paths without an explicit root
// ("after.", "before.", "change.after.", "change.before.") address the
// planned after-state, except for the record fields address/type/name/mode/actions.
func ParsePath(s string) (Path, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Path{}, fmt.Errorf("empty attribute path")
	}
	segs := strings.Split(s, ".")
	for _, seg := range segs {
		if seg == "" {
			return Path{}, fmt.Errorf("attribute path %q has an empty segment", s)
		}
	}

	p := Path{Root: RootAfter, raw: s}
	switch {
	case len(segs) >= 2 && segs[0] == "change" && segs[1] == "after":
		segs = segs[2:]
	case len(segs) >= 2 && segs[0] == "change" && segs[1] == "before":
		p.Root = RootBefore
		segs = segs[2:]
	case segs[0] == "after":
		segs = segs[1:]
	case segs[0] == "before":
		p.Root = RootBefore
		segs = segs[1:]
	case len(segs) == 1 && recordFields[segs[0]]:
		p.Root = RootRecord
	}
	p.Segments = segs
	return p, nil
}

// MustParsePath is ParsePath for literals known to be valid.
func MustParsePath(s string) Path {
	p, err := ParsePath(s)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Path) String() string { return p.raw }

// Lookup resolves p against a resource. Computed markers in after_unknown
// take precedence over the after-state.
func Lookup(r *Resource, p Path) Value {
	switch p.Root {
	case RootRecord:
		return recordField(r, p.Segments[0])
	case RootBefore:
		if r.Before == nil {
			return Absent()
		}
		return walk(r.Before, true, nil, p.Segments)
	default:
		return walk(r.After, true, r.AfterUnknown, p.Segments)
	}
}

// ValueAt resolves a dotted key path inside an arbitrary normalized tree.
func ValueAt(root any, key string) Value {
	if key == "" {
		return FromRaw(root)
	}
	return walk(root, true, nil, strings.Split(key, "."))
}

func recordField(r *Resource, name string) Value {
	switch name {
	case "address":
		return FromRaw(r.Address)
	case "type":
		return FromRaw(r.Type)
	case "name":
		return FromRaw(r.Name)
	case "mode":
		return FromRaw(string(r.Mode))
	case "module_address":
		if r.ModuleAddress == "" {
			return Absent()
		}
		return FromRaw(r.ModuleAddress)
	case "actions":
		out := make([]any, len(r.Actions))
		for i, a := range r.Actions {
			out[i] = string(a)
		}
		return FromRaw(out)
	}
	return Absent()
}

func walk(node any, present bool, unknown any, segs []string) Value {
	if b, ok := unknown.(bool); ok && b {
		return Computed()
	}
	if !present {
		return Absent()
	}
	if len(segs) == 0 {
		return FromRaw(node)
	}

	seg, rest := segs[0], segs[1:]
	if seg == "*" {
		return fanOut(node, unknown, rest)
	}

	switch n := node.(type) {
	case map[string]any:
		child, ok := n[seg]
		return walk(child, ok, unknownChild(unknown, seg), rest)
	case []any:
		idx, err := strconv.Atoi(seg)
		if err != nil || idx < 0 {
			return Absent()
		}
		ok := idx < len(n)
		var child any
		if ok {
			child = n[idx]
		}
		return walk(child, ok, unknownChild(unknown, seg), rest)
	default:
		return Absent()
	}
}

// fanOut applies the remaining segments to every element of a sequence
// (or every value of a mapping, in key order) and collects the results.
func fanOut(node any, unknown any, rest []string) Value {
	var keys []string
	var children []any
	switch n := node.(type) {
	case []any:
		for i, c := range n {
			keys = append(keys, strconv.Itoa(i))
			children = append(children, c)
		}
	case map[string]any:
		for k := range n {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			children = append(children, n[k])
		}
	default:
		return Absent()
	}

	// Nested wildcards flatten into a single sequence.
	nested := false
	for _, s := range rest {
		if s == "*" {
			nested = true
			break
		}
	}

	out := make([]any, 0, len(children))
	for i, c := range children {
		v := walk(c, true, unknownChild(unknown, keys[i]), rest)
		switch v.Kind {
		case KindComputed:
			return Computed()
		case KindAbsent:
			continue
		case KindSequence:
			if nested {
				out = append(out, v.Raw.([]any)...)
				continue
			}
		}
		out = append(out, v.Raw)
	}
	return FromRaw(out)
}

func unknownChild(unknown any, seg string) any {
	switch u := unknown.(type) {
	case map[string]any:
		return u[seg]
	case []any:
		idx, err := strconv.Atoi(seg)
		if err != nil || idx < 0 || idx >= len(u) {
			return nil
		}
		return u[idx]
	}
	return nil
}

// Sensitive reports whether the value at p is marked sensitive in the plan.
// A true marker at any prefix covers everything below it, and a value
// containing a sensitive descendant is itself sensitive.
func Sensitive(r *Resource, p Path) bool {
	switch p.Root {
	case RootRecord:
		return false
	case RootBefore:
		return sensitiveAt(r.BeforeSensitive, p.Segments)
	default:
		return sensitiveAt(r.AfterSensitive, p.Segments)
	}
}

func sensitiveAt(marker any, segs []string) bool {
	if b, ok := marker.(bool); ok {
		return b
	}
	if len(segs) == 0 {
		return containsSensitive(marker)
	}

	seg, rest := segs[0], segs[1:]
	switch m := marker.(type) {
	case map[string]any:
		if seg == "*" {
			for _, child := range m {
				if sensitiveAt(child, rest) {
					return true
				}
			}
			return false
		}
		return sensitiveAt(m[seg], rest)
	case []any:
		if seg == "*" {
			for _, child := range m {
				if sensitiveAt(child, rest) {
					return true
				}
			}
			return false
		}
		idx, err := strconv.Atoi(seg)
		if err != nil || idx < 0 || idx >= len(m) {
			return false
		}
		return sensitiveAt(m[idx], rest)
	}
	return false
}

func containsSensitive(marker any) bool {
	switch m := marker.(type) {
	case bool:
		return m
	case map[string]any:
		for _, child := range m {
			if containsSensitive(child) {
				return true
			}
		}
	case []any:
		for _, child := range m {
			if containsSensitive(child) {
				return true
			}
		}
	}
	return false
}
