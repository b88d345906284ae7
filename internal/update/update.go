// Package update applies schema-typed mutations to metadata documents.
//
// Mutations come in two forms: batches of key path operations, typically
// parsed from command line flags, and update documents, which are partial
// instances of the schema. Elements of entity arrays are always addressed
// by their UID. Both entry points work on a copy of the input document and
// validate the result, so a failed update never leaves partial changes behind.
package update

import (
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/dnswlt/cbcflow/internal/jsonutil"
	"github.com/dnswlt/cbcflow/internal/keypath"
	"github.com/dnswlt/cbcflow/internal/linkedfile"
	"github.com/dnswlt/cbcflow/internal/schema"
)

var (
	ErrMissingUID     = errors.New("to set these properties, you must provide the UID")
	ErrConflictingUID = errors.New("conflicting UIDs in one update")
	ErrNoMatch        = errors.New("value not present")
	ErrDerivedField   = errors.New("field is derived from the linked file path and cannot be set")
	ErrInvalidAction  = errors.New("action not supported for field")
	ErrInvalidValue   = errors.New("invalid value")
	ErrUnknownField   = keypath.ErrUnknownField
)

// Linker computes the derived fields of a linked file from its path.
type Linker interface {
	Link(path string) (linkedfile.Info, error)
}

// Op is a single key path operation.
type Op struct {
	// Path to the field. Segments crossing an entity array may carry a UID;
	// missing UIDs are bound from UID set operations in the same batch.
	Path   keypath.Path
	Action keypath.Action
	Value  any
}

func (o Op) String() string {
	return fmt.Sprintf("%s %s %v", o.Action, o.Path, o.Value)
}

// ParseOp builds an Op from a flat key such as "Info-Labels-add".
func ParseOp(s *schema.Schema, flat string, value any) (Op, error) {
	p, a, err := s.ParseKey(flat)
	if err != nil {
		return Op{}, err
	}
	return Op{Path: p, Action: a, Value: value}, nil
}

type Engine struct {
	Schema *schema.Schema
	Linker Linker
}

// New returns an Engine for s. If l is nil, linked files are resolved by a
// linkedfile.Linker that detects the cluster from the hostname.
func New(s *schema.Schema, l Linker) *Engine {
	if l == nil {
		l = &linkedfile.Linker{}
	}
	return &Engine{Schema: s, Linker: l}
}

// FindByUID returns the index of the element of arr whose UID equals uid.
func FindByUID(arr []any, uid string) (int, bool) {
	for i, e := range arr {
		if m, ok := e.(map[string]any); ok && m[schema.UIDField] == uid {
			return i, true
		}
	}
	return -1, false
}

// Standardize removes duplicates from list and sorts it canonically.
func Standardize(list []any) []any {
	return jsonutil.SortedUnique(list)
}

// crossings returns the lengths of all proper prefixes of p that are entity arrays.
func (e *Engine) crossings(p keypath.Path) []int {
	var out []int
	for i := 1; i < len(p); i++ {
		if e.Schema.IsSpecialKey(p[:i]) {
			out = append(out, i)
		}
	}
	return out
}

// isUIDOp reports whether op sets the UID of an entity array crossing.
func (e *Engine) isUIDOp(op Op) bool {
	n := len(op.Path)
	return op.Action == keypath.Set && n >= 2 &&
		op.Path[n-1].Name == schema.UIDField && e.Schema.IsSpecialKey(op.Path[:n-1])
}

// partition splits ops into plain ops and ops crossing an entity array.
func (e *Engine) partition(ops []Op) (plain, special []Op) {
	for _, op := range ops {
		if len(e.crossings(op.Path)) == 0 {
			plain = append(plain, op)
		} else {
			special = append(special, op)
		}
	}
	return plain, special
}

// bindUIDs collects the UID chosen for each entity array crossing.
func (e *Engine) bindUIDs(special []Op) (map[string]string, error) {
	bound := make(map[string]string)
	for _, op := range special {
		if !e.isUIDOp(op) {
			continue
		}
		uid, ok := op.Value.(string)
		if !ok || uid == "" {
			return nil, fmt.Errorf("%w: UID of %s must be a non-empty string, got %v", ErrInvalidValue, op.Path[:len(op.Path)-1], op.Value)
		}
		key := op.Path[:len(op.Path)-1].Key()
		if prev, ok := bound[key]; ok && prev != uid {
			return nil, fmt.Errorf("%w: %q and %q for %s", ErrConflictingUID, prev, uid, op.Path[:len(op.Path)-1])
		}
		bound[key] = uid
	}
	return bound, nil
}

// bindPath returns a copy of p with the UID of every entity array crossing filled in.
func (e *Engine) bindPath(p keypath.Path, bound map[string]string) (keypath.Path, error) {
	full := slices.Clone(p)
	for _, n := range e.crossings(p) {
		seg := &full[n-1]
		if seg.UID != "" {
			continue
		}
		uid, ok := bound[p[:n].Key()]
		if !ok {
			return nil, fmt.Errorf("%w (%s)", ErrMissingUID, p[:n])
		}
		seg.UID = uid
	}
	return full, nil
}

// ApplyOps applies a batch of operations to doc and returns the validated
// result. doc itself is never modified.
//
// Plain operations are applied first. Operations crossing an entity array
// need the UID of every crossed element, either in their path or from a
// "<array>-UID-set" operation in the same batch. Elements are looked up by
// UID; a missing element is created from the entity's defaults.
func (e *Engine) ApplyOps(doc map[string]any, ops []Op) (map[string]any, error) {
	out := jsonutil.CopyObject(doc)
	plain, special := e.partition(ops)
	for _, op := range plain {
		if err := e.applyOp(out, op.Path, op); err != nil {
			return nil, err
		}
	}
	bound, err := e.bindUIDs(special)
	if err != nil {
		return nil, err
	}
	for _, op := range special {
		full, err := e.bindPath(op.Path, bound)
		if err != nil {
			return nil, err
		}
		if err := e.applyOp(out, full, op); err != nil {
			return nil, err
		}
	}
	if err := e.Schema.Validate(out); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) applyOp(doc map[string]any, full keypath.Path, op Op) error {
	if len(full) == 0 {
		return fmt.Errorf("%w: empty path", ErrUnknownField)
	}
	parent, parentNode, leaf, err := e.resolve(doc, full)
	if err != nil {
		return err
	}
	if err := e.applyLeaf(parent, parentNode, leaf, full[len(full)-1].Name, op.Action, op.Value); err != nil {
		return fmt.Errorf("%s %s: %w", op.Action, full, err)
	}
	return nil
}

// resolve walks doc along all but the last segment of p, creating missing
// objects and entity elements, and returns the object holding the leaf.
func (e *Engine) resolve(doc map[string]any, p keypath.Path) (map[string]any, *schema.Node, *schema.Node, error) {
	cur := doc
	node := e.Schema.Root
	for i, seg := range p[:len(p)-1] {
		child, ok := node.Properties[seg.Name]
		if !ok {
			return nil, nil, nil, fmt.Errorf("%w: %s", ErrUnknownField, p[:i+1])
		}
		switch {
		case child.IsEntityArray():
			if seg.UID == "" {
				return nil, nil, nil, fmt.Errorf("%w (%s)", ErrMissingUID, p[:i+1])
			}
			el, err := e.element(cur, seg, p[:i+1], true)
			if err != nil {
				return nil, nil, nil, err
			}
			cur, node = el, child.Items
		case child.Kind == schema.KindObject:
			m, err := objectField(cur, seg.Name)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("%s: %w", p[:i+1], err)
			}
			cur, node = m, child
		default:
			return nil, nil, nil, fmt.Errorf("%w: %s has no fields", ErrUnknownField, p[:i+1])
		}
	}
	name := p[len(p)-1].Name
	leaf, ok := node.Properties[name]
	if !ok {
		return nil, nil, nil, fmt.Errorf("%w: %s", ErrUnknownField, p)
	}
	return cur, node, leaf, nil
}

// objectField returns the object stored under name in m, creating it if absent.
func objectField(m map[string]any, name string) (map[string]any, error) {
	switch v := m[name].(type) {
	case nil:
		o := make(map[string]any)
		m[name] = o
		return o, nil
	case map[string]any:
		return v, nil
	default:
		return nil, fmt.Errorf("%w: expected an object, got %T", ErrInvalidValue, v)
	}
}

// element returns the element with seg.UID from the entity array m[seg.Name].
// If it does not exist and create is true, it is created from the entity
// defaults of arrayPath and appended.
func (e *Engine) element(m map[string]any, seg keypath.Segment, arrayPath keypath.Path, create bool) (map[string]any, error) {
	var arr []any
	switch v := m[seg.Name].(type) {
	case nil:
	case []any:
		arr = v
	default:
		return nil, fmt.Errorf("%s: %w: expected an array, got %T", arrayPath, ErrInvalidValue, v)
	}
	if i, ok := FindByUID(arr, seg.UID); ok {
		return arr[i].(map[string]any), nil
	}
	if !create {
		return nil, fmt.Errorf("%w: no element with UID %q in %s", ErrNoMatch, seg.UID, arrayPath)
	}
	el, ok := e.Schema.EntityDefault(arrayPath)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not an entity array", ErrUnknownField, arrayPath)
	}
	el[schema.UIDField] = seg.UID
	m[seg.Name] = append(arr, el)
	return el, nil
}

func (e *Engine) applyLeaf(parent map[string]any, parentNode, leaf *schema.Node, name string, action keypath.Action, value any) error {
	if parentNode.IsLinkedFile() {
		switch name {
		case "MD5Sum", "DateLastModified":
			return fmt.Errorf("%w: %s", ErrDerivedField, name)
		case "Path":
			if action != keypath.Set {
				return ErrInvalidAction
			}
			return e.link(parent, value)
		}
	}
	switch {
	case leaf.Kind.IsScalar():
		if action != keypath.Set {
			return ErrInvalidAction
		}
		v, err := coerce(leaf.Kind, value)
		if err != nil {
			return err
		}
		parent[name] = v
		return nil
	case leaf.IsPrimitiveArray():
		values, err := coerceList(leaf.Items.Kind, value)
		if err != nil {
			return err
		}
		existing, err := listField(parent, name)
		if err != nil {
			return err
		}
		switch action {
		case keypath.Add:
			parent[name] = Standardize(append(existing, values...))
		case keypath.Remove:
			rest, err := removeValues(existing, values)
			if err != nil {
				return err
			}
			parent[name] = rest
		default:
			return ErrInvalidAction
		}
		return nil
	}
	return fmt.Errorf("%w: %s is a %s", ErrInvalidAction, name, leaf.Kind)
}

func (e *Engine) link(lf map[string]any, value any) error {
	p, ok := value.(string)
	if !ok || p == "" {
		return fmt.Errorf("%w: linked file path must be a non-empty string, got %v", ErrInvalidValue, value)
	}
	info, err := e.Linker.Link(p)
	if err != nil {
		return err
	}
	for k, v := range info.Fields() {
		lf[k] = v
	}
	return nil
}

func listField(m map[string]any, name string) ([]any, error) {
	switch v := m[name].(type) {
	case nil:
		return nil, nil
	case []any:
		return slices.Clone(v), nil
	default:
		return nil, fmt.Errorf("%w: %s: expected an array, got %T", ErrInvalidValue, name, v)
	}
}

// removeValues removes the first occurrence of each of values from list.
func removeValues(list, values []any) ([]any, error) {
	for _, v := range values {
		i := slices.IndexFunc(list, func(x any) bool { return jsonutil.Equal(x, v) })
		if i < 0 {
			return nil, fmt.Errorf("%w: %v", ErrNoMatch, v)
		}
		list = slices.Delete(list, i, i+1)
	}
	if list == nil {
		list = []any{}
	}
	return list, nil
}

// coerce converts command line strings to the kind of a scalar field.
func coerce(k schema.Kind, v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return jsonutil.Normalize(v), nil
	}
	switch k {
	case schema.KindNumber:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a number", ErrInvalidValue, s)
		}
		return f, nil
	case schema.KindInteger:
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not an integer", ErrInvalidValue, s)
		}
		return float64(i), nil
	case schema.KindBoolean:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a boolean", ErrInvalidValue, s)
		}
		return b, nil
	}
	return s, nil
}

// coerceList accepts a single value or a list of values.
func coerceList(k schema.Kind, v any) ([]any, error) {
	var in []any
	switch x := jsonutil.Normalize(v).(type) {
	case []any:
		in = x
	default:
		in = []any{x}
	}
	out := make([]any, len(in))
	for i, e := range in {
		c, err := coerce(k, e)
		if err != nil {
			return nil, err
		}
		out[i] = c
	}
	return out, nil
}
