package plan

import (
	"sort"
	"sync"
)

// Index provides constant-time lookups over a Document: by address, by type,
// and by (type, attribute path, value). It is read-only after NewIndex; the
// attribute index is built lazily and is safe for concurrent use.
type Index struct {
	doc       *Document
	byAddress map[string]*Resource
	byType    map[string][]*Resource
	types     []string

	attrs sync.Map // attrKey -> *attrIndex
}

type attrKey struct {
	typ  string
	path string
}

type attrIndex struct {
	once     sync.Once
	byValue  map[string][]*Resource
	computed []*Resource
}

// NewIndex validates the document invariants and builds the lookup tables.
func NewIndex(doc *Document) (*Index, error) {
	if doc == nil {
		return nil, &MalformedPlanError{Reason: "nil plan document"}
	}
	ix := &Index{
		doc:       doc,
		byAddress: make(map[string]*Resource, len(doc.Resources)),
		byType:    make(map[string][]*Resource),
	}
	for _, r := range doc.Resources {
		if r == nil {
			return nil, &MalformedPlanError{Reason: "nil resource record"}
		}
		if r.Address == "" {
			return nil, &MalformedPlanError{Reason: "resource record without address"}
		}
		if r.Type == "" {
			return nil, &MalformedPlanError{Address: r.Address, Reason: "missing type"}
		}
		if _, dup := ix.byAddress[r.Address]; dup {
			return nil, &MalformedPlanError{Address: r.Address, Reason: "duplicate address"}
		}
		ix.byAddress[r.Address] = r
		if _, ok := ix.byType[r.Type]; !ok {
			ix.types = append(ix.types, r.Type)
		}
		ix.byType[r.Type] = append(ix.byType[r.Type], r)
	}
	sort.Strings(ix.types)
	return ix, nil
}

// Resources returns all records in plan order.
func (ix *Index) Resources() []*Resource { return ix.doc.Resources }

// Len returns the number of records.
func (ix *Index) Len() int { return len(ix.doc.Resources) }

// Get returns the record with the given address.
func (ix *Index) Get(address string) (*Resource, bool) {
	r, ok := ix.byAddress[address]
	return r, ok
}

// ByType returns records of the given type in plan order. Unknown types yield nil.
func (ix *Index) ByType(typ string) []*Resource { return ix.byType[typ] }

// Types returns the distinct resource types, sorted.
func (ix *Index) Types() []string { return ix.types }

// Lookup resolves a path on the record with the given address.
func (ix *Index) Lookup(address string, p Path) Value {
	r, ok := ix.byAddress[address]
	if !ok {
		return Absent()
	}
	return Lookup(r, p)
}

// ByAttribute returns the records of typ whose value at p is Equivalent to v, plus the
// records whose value at p is computed (they may or may not match after apply).
// Both slices are in plan order and must not be modified.
func (ix *Index) ByAttribute(typ string, p Path, v Value) (matches, computed []*Resource) {
	key := attrKey{typ: typ, path: p.String()}
	entry, _ := ix.attrs.LoadOrStore(key, &attrIndex{})
	ai := entry.(*attrIndex)
	ai.once.Do(func() {
		ai.byValue = make(map[string][]*Resource)
		for _, r := range ix.byType[typ] {
			got := Lookup(r, p)
			switch got.Kind {
			case KindComputed:
				ai.computed = append(ai.computed, r)
			case KindAbsent:
			default:
				k := got.EquivalenceKey()
				ai.byValue[k] = append(ai.byValue[k], r)
			}
		}
	})
	if v.Kind == KindAbsent || v.Kind == KindComputed {
		return nil, ai.computed
	}
	return ai.byValue[v.EquivalenceKey()], ai.computed
}
