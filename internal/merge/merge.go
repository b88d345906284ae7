// Package merge implements the schema-aware three-way merge of metadata documents.
//
// Each field is merged according to the strategy the schema assigns to its
// path: scalars take whichever side changed and conflict if both changed
// differently, arrays of scalars are merged as sets, arrays of entities are
// merged element by element keyed on UID, and objects (including linked
// files) are merged field by field. Merging never fails: conflicts are
// embedded as marker strings and reported in Result.Conflicts.
package merge

import (
	"encoding/json"
	"slices"

	"github.com/dnswlt/cbcflow/internal/jsonutil"
	"github.com/dnswlt/cbcflow/internal/keypath"
	"github.com/dnswlt/cbcflow/internal/schema"
)

// Status is the outcome of a merge. Its value is the exit code of the merge driver.
type Status int

const (
	Clean    Status = 0
	Conflict Status = 1
)

func (s Status) String() string {
	if s == Clean {
		return "clean"
	}
	return "conflict"
}

// ConflictRecord describes a field that was changed differently on both sides.
// Values absent on a side are reported as Absent{}, a JSON null as nil.
type ConflictRecord struct {
	Path     string
	Ancestor any
	Base     any
	Head     any
	Marker   string
}

type Result struct {
	Document  map[string]any
	Status    Status
	Conflicts []ConflictRecord
}

// Absent marks a value that is missing from its object.
type Absent struct{}

func (Absent) String() string {
	return "<absent>"
}

func markerJSON(v any) string {
	if a, ok := v.(Absent); ok {
		return a.String()
	}
	bs, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(bs)
}

// Marker returns the conflict marker string embedding all three values.
func Marker(ancestor, base, head any) string {
	return schema.MarkerStart + markerJSON(base) + schema.MarkerAncestor + markerJSON(ancestor) +
		schema.MarkerHead + markerJSON(head) + schema.MarkerEnd
}

// IsMarker reports whether v is a conflict marker string.
func IsMarker(v any) bool {
	return schema.IsConflictMarker(v)
}

// ContainsMarker reports whether any string within doc is a conflict marker.
func ContainsMarker(doc any) bool {
	switch x := doc.(type) {
	case map[string]any:
		for _, v := range x {
			if ContainsMarker(v) {
				return true
			}
		}
	case []any:
		for _, v := range x {
			if ContainsMarker(v) {
				return true
			}
		}
	default:
		return IsMarker(x)
	}
	return false
}

type merger struct {
	schema    *schema.Schema
	conflicts []ConflictRecord
}

// Merge merges base and head, which both descend from ancestor.
// The inputs are not modified.
func Merge(s *schema.Schema, ancestor, base, head map[string]any) *Result {
	m := &merger{schema: s}
	merged := m.object(nil, objOrEmpty(ancestor), objOrEmpty(base), objOrEmpty(head))
	res := &Result{
		Document:  merged,
		Conflicts: m.conflicts,
	}
	if len(m.conflicts) > 0 {
		res.Status = Conflict
	}
	return res
}

func objOrEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return jsonutil.Normalize(m).(map[string]any)
}

func equal(a, b any) bool {
	_, am := a.(Absent)
	_, bm := b.(Absent)
	if am || bm {
		return am && bm
	}
	return jsonutil.Equal(a, b)
}

func lookup(m map[string]any, k string) any {
	if v, ok := m[k]; ok {
		return v
	}
	return Absent{}
}

func (m *merger) value(p keypath.Path, a, b, h any) any {
	st, ok := m.schema.StrategyFor(p)
	if !ok {
		return m.scalar(p, a, b, h)
	}
	switch st {
	case schema.StrategyObject, schema.StrategyLinkedFile:
		ao, aok := asObject(a)
		bo, bok := b.(map[string]any)
		ho, hok := h.(map[string]any)
		if aok && bok && hok {
			return m.object(p, ao, bo, ho)
		}
	case schema.StrategyPrimitiveSet:
		al, aok := asList(a)
		bl, bok := asList(b)
		hl, hok := asList(h)
		if aok && bok && hok {
			return MergeSets(al, bl, hl)
		}
	case schema.StrategyEntityArray:
		al, aok := asEntities(a)
		bl, bok := asEntities(b)
		hl, hok := asEntities(h)
		if aok && bok && hok {
			return m.entities(p, al, bl, hl)
		}
	}
	return m.scalar(p, a, b, h)
}

// asObject treats a missing value as the empty object.
func asObject(v any) (map[string]any, bool) {
	switch x := v.(type) {
	case Absent:
		return map[string]any{}, true
	case map[string]any:
		return x, true
	}
	return nil, false
}

// asList treats a missing value as the empty list.
func asList(v any) ([]any, bool) {
	switch x := v.(type) {
	case Absent:
		return nil, true
	case []any:
		return x, true
	}
	return nil, false
}

// asEntities accepts lists of objects with unique, non-empty string UIDs.
func asEntities(v any) ([]map[string]any, bool) {
	l, ok := asList(v)
	if !ok {
		return nil, false
	}
	out := make([]map[string]any, 0, len(l))
	seen := make(map[string]bool, len(l))
	for _, e := range l {
		o, ok := e.(map[string]any)
		if !ok {
			return nil, false
		}
		uid, ok := o[schema.UIDField].(string)
		if !ok || uid == "" || seen[uid] {
			return nil, false
		}
		seen[uid] = true
		out = append(out, o)
	}
	return out, true
}

func (m *merger) scalar(p keypath.Path, a, b, h any) any {
	switch {
	case equal(b, h):
		return b
	case equal(a, b):
		return h
	case equal(a, h):
		return b
	}
	marker := Marker(a, b, h)
	m.conflicts = append(m.conflicts, ConflictRecord{
		Path:     p.String(),
		Ancestor: jsonutil.DeepCopy(a),
		Base:     jsonutil.DeepCopy(b),
		Head:     jsonutil.DeepCopy(h),
		Marker:   marker,
	})
	return marker
}

func (m *merger) object(p keypath.Path, a, b, h map[string]any) map[string]any {
	keys := make(map[string]bool)
	for _, o := range []map[string]any{a, b, h} {
		for k := range o {
			keys[k] = true
		}
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	slices.Sort(sorted)

	out := make(map[string]any, len(keys))
	for _, k := range sorted {
		v := m.value(p.Child(k), lookup(a, k), lookup(b, k), lookup(h, k))
		if _, gone := v.(Absent); !gone {
			out[k] = jsonutil.DeepCopy(v)
		}
	}
	return out
}

func byUID(l []map[string]any) map[string]map[string]any {
	m := make(map[string]map[string]any, len(l))
	for _, e := range l {
		m[e[schema.UIDField].(string)] = e
	}
	return m
}

// entities merges entity arrays by UID. Elements deleted on either side are
// dropped, even if the other side edited them. Retained elements keep their
// ancestor order; additions follow, sorted by UID.
func (m *merger) entities(p keypath.Path, a, b, h []map[string]any) []any {
	am, bm, hm := byUID(a), byUID(b), byUID(h)
	last := p[len(p)-1].Name
	elem := func(uid string) keypath.Path {
		return p[:len(p)-1].Append(keypath.Segment{Name: last, UID: uid})
	}

	out := make([]any, 0, len(a)+len(b)+len(h))
	for _, ae := range a {
		uid := ae[schema.UIDField].(string)
		be, inB := bm[uid]
		he, inH := hm[uid]
		if !inB || !inH {
			continue
		}
		out = append(out, m.object(elem(uid), ae, be, he))
	}

	var added []string
	for uid := range bm {
		if _, ok := am[uid]; !ok {
			added = append(added, uid)
		}
	}
	for uid := range hm {
		if _, inA := am[uid]; !inA {
			if _, inB := bm[uid]; !inB {
				added = append(added, uid)
			}
		}
	}
	slices.Sort(added)
	for _, uid := range added {
		be, inB := bm[uid]
		he, inH := hm[uid]
		switch {
		case inB && inH:
			out = append(out, m.object(elem(uid), map[string]any{}, be, he))
		case inB:
			out = append(out, jsonutil.DeepCopy(be))
		default:
			out = append(out, jsonutil.DeepCopy(he))
		}
	}
	return out
}

// MergeSets merges arrays of scalars as sets:
// (ancestor ∪ head_added ∪ base_added) − head_removed − base_removed.
// The result is sorted canonically.
func MergeSets(ancestor, base, head []any) []any {
	keys := func(l []any) map[string]bool {
		s := make(map[string]bool, len(l))
		for _, v := range l {
			s[jsonutil.Key(v)] = true
		}
		return s
	}
	inA, inB, inH := keys(ancestor), keys(base), keys(head)
	var out []any
	for _, l := range [][]any{ancestor, base, head} {
		for _, v := range l {
			k := jsonutil.Key(v)
			if inA[k] && (!inB[k] || !inH[k]) {
				continue
			}
			out = append(out, v)
		}
	}
	if out == nil {
		return []any{}
	}
	return jsonutil.SortedUnique(out)
}
