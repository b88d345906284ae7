package schema

import (
	"slices"

	"github.com/dnswlt/cbcflow/internal/jsonutil"
	"github.com/dnswlt/cbcflow/internal/keypath"
)

// Defaults returns the default instance of a whole document.
// Objects are filled recursively, arrays are empty, scalars receive their
// declared default (if any) and linked files are omitted.
func (s *Schema) Defaults() map[string]any {
	return defaultObject(s.Root)
}

// DefaultOf returns the default instance of n, or nil if n has none.
func DefaultOf(n *Node) any {
	switch {
	case n.IsLinkedFile():
		return nil
	case n.Kind == KindObject:
		return defaultObject(n)
	case n.Kind == KindArray:
		return []any{}
	}
	return jsonutil.DeepCopy(n.Default)
}

func defaultObject(n *Node) map[string]any {
	m := make(map[string]any)
	for name, p := range n.Properties {
		if v := DefaultOf(p); v != nil {
			m[name] = v
		}
	}
	return m
}

// entityArray is an entity array found relative to some object node.
type entityArray struct {
	rel  keypath.Path
	item *Node
}

// localEntityArrays lists the entity arrays reachable from the object n
// without crossing another entity array.
func localEntityArrays(n *Node) []entityArray {
	var out []entityArray
	var visit func(n *Node, p keypath.Path)
	visit = func(n *Node, p keypath.Path) {
		for _, name := range n.PropertyNames() {
			child := n.Properties[name]
			cp := p.Child(name)
			switch {
			case child.IsEntityArray():
				out = append(out, entityArray{rel: cp, item: child.Items})
			case child.IsPlainObject():
				visit(child, cp)
			}
		}
	}
	visit(n, nil)
	return out
}

// EntityDefaults maps the key (keypath.Path.Key) of every entity array in
// the schema to the default instance of its elements.
//
// Entity arrays nested inside entities are found by a worklist over the
// $defs reference graph: each discovered path is expanded by the entity
// arrays local to its element definition until no new path appears. Parse
// rejects cyclic $defs, so the expansion terminates.
//
// The result is computed once; callers must not modify it. Use EntityDefault
// to obtain a fresh copy of a single instance.
func (s *Schema) EntityDefaults() map[string]map[string]any {
	s.entityOnce.Do(func() {
		s.entityDefaults = computeEntityDefaults(s.Root)
	})
	return s.entityDefaults
}

func computeEntityDefaults(root *Node) map[string]map[string]any {
	local := make(map[*Node][]entityArray)
	localOf := func(n *Node) []entityArray {
		if l, ok := local[n]; ok {
			return l
		}
		l := localEntityArrays(n)
		local[n] = l
		return l
	}

	type item struct {
		path keypath.Path
		node *Node
	}
	var work []item
	for _, ea := range localOf(root) {
		work = append(work, item{ea.rel, ea.item})
	}
	result := make(map[string]map[string]any)
	for len(work) > 0 {
		it := work[0]
		work = work[1:]
		key := it.path.Key()
		if _, seen := result[key]; seen {
			continue
		}
		result[key] = defaultObject(it.node)
		for _, ea := range localOf(it.node) {
			work = append(work, item{it.path.Append(ea.rel...), ea.item})
		}
	}
	return result
}

// EntityDefault returns a fresh default instance for elements of the entity
// array at p. UIDs in p are ignored.
func (s *Schema) EntityDefault(p keypath.Path) (map[string]any, bool) {
	d, ok := s.EntityDefaults()[p.Key()]
	if !ok {
		return nil, false
	}
	return jsonutil.CopyObject(d), true
}

// SpecialKeys returns the paths of all entity arrays, sorted by key.
// Updates below one of these paths need a UID to select their target element.
func (s *Schema) SpecialKeys() []keypath.Path {
	keys := make([]string, 0, len(s.EntityDefaults()))
	for k := range s.EntityDefaults() {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	paths := make([]keypath.Path, len(keys))
	for i, k := range keys {
		paths[i] = keypath.FromKey(k)
	}
	return paths
}

// IsSpecialKey reports whether p (ignoring UIDs) is the path of an entity array.
func (s *Schema) IsSpecialKey(p keypath.Path) bool {
	_, ok := s.EntityDefaults()[p.Key()]
	return ok
}
