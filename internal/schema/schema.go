// Package schema implements the typed model of the JSON Schema that metadata
// documents are validated against.
//
// The schema follows a few conventions on top of plain JSON Schema:
//   - shared object types live under "$defs" and are referenced via "#/$defs/<Name>",
//   - arrays whose items reference an object type with a "UID" property are
//     entity arrays; their elements are addressed by UID, never by index,
//   - objects referencing the "LinkedFile" definition describe files on a
//     cluster filesystem whose checksum and modification time are derived.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/dnswlt/cbcflow/internal/keypath"
)

const (
	// UIDField is the property identifying an entity within its array.
	UIDField = "UID"
	// LinkedFileDef is the name of the $defs entry describing linked files.
	LinkedFileDef = "LinkedFile"

	defsPrefix = "#/$defs/"
)

var (
	ErrUnknownRef      = errors.New("unknown schema reference")
	ErrCyclicReference = errors.New("cyclic schema reference")
	ErrInvalidSchema   = errors.New("invalid schema")
)

type Kind int

const (
	KindUnknown Kind = iota
	KindString
	KindNumber
	KindInteger
	KindBoolean
	KindObject
	KindArray
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindInteger:
		return "integer"
	case KindBoolean:
		return "boolean"
	case KindObject:
		return "object"
	case KindArray:
		return "array"
	}
	return "unknown"
}

func parseKind(s string) Kind {
	switch s {
	case "string":
		return KindString
	case "number":
		return KindNumber
	case "integer":
		return KindInteger
	case "boolean":
		return KindBoolean
	case "object":
		return KindObject
	case "array":
		return KindArray
	}
	return KindUnknown
}

// IsScalar reports whether k is a leaf kind.
func (k Kind) IsScalar() bool {
	return k == KindString || k == KindNumber || k == KindInteger || k == KindBoolean
}

// Node is a field declaration in the schema.
// Nodes defined in $defs are shared between all fields referencing them.
type Node struct {
	Kind Kind
	// Ref is the name of the $defs entry this node was defined by, if any.
	Ref         string
	Properties  map[string]*Node
	Items       *Node
	Default     any
	Enum        []any
	Description string
}

// PropertyNames returns the sorted property names of an object node.
func (n *Node) PropertyNames() []string {
	names := make([]string, 0, len(n.Properties))
	for k := range n.Properties {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}

// IsEntity reports whether n is a referenced object type carrying a UID.
func (n *Node) IsEntity() bool {
	return n != nil && n.Kind == KindObject && n.Ref != "" && n.Properties[UIDField] != nil
}

// IsEntityArray reports whether n is an array of entities.
func (n *Node) IsEntityArray() bool {
	return n != nil && n.Kind == KindArray && n.Items.IsEntity()
}

// IsPrimitiveArray reports whether n is an array of scalars.
func (n *Node) IsPrimitiveArray() bool {
	return n != nil && n.Kind == KindArray && n.Items != nil && n.Items.Kind.IsScalar()
}

// IsLinkedFile reports whether n describes a linked file.
func (n *Node) IsLinkedFile() bool {
	return n != nil && n.Kind == KindObject && n.Ref == LinkedFileDef
}

// IsPlainObject reports whether n is an object that is neither an entity nor a linked file.
func (n *Node) IsPlainObject() bool {
	return n != nil && n.Kind == KindObject && !n.IsLinkedFile() && !n.IsEntity()
}

// Schema is a parsed metadata schema.
type Schema struct {
	Root *Node
	Defs map[string]*Node
	// Title of the schema, used in log messages.
	Title string

	raw []byte

	validatorOnce sync.Once
	validator     *validator
	validatorErr  error

	entityOnce     sync.Once
	entityDefaults map[string]map[string]any

	strategyOnce sync.Once
	strategies   map[string]Strategy
}

type rawNode struct {
	Type        any                 `json:"type"`
	Ref         string              `json:"$ref"`
	Properties  map[string]*rawNode `json:"properties"`
	Items       *rawNode            `json:"items"`
	Default     any                 `json:"default"`
	Enum        []any               `json:"enum"`
	Description string              `json:"description"`
}

type rawSchema struct {
	rawNode
	Title string              `json:"title"`
	Defs  map[string]*rawNode `json:"$defs"`
}

// Load reads and parses the schema file at path.
func Load(path string) (*Schema, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read schema %q: %w", path, err)
	}
	s, err := Parse(bs)
	if err != nil {
		return nil, fmt.Errorf("invalid schema %q: %w", path, err)
	}
	return s, nil
}

// Parse builds a Schema from its JSON representation.
// It fails if a $ref cannot be resolved or if the $defs reference each other cyclically.
func Parse(raw []byte) (*Schema, error) {
	var rs rawSchema
	if err := json.Unmarshal(raw, &rs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	b := &builder{
		raw:   rs.Defs,
		nodes: make(map[string]*Node),
	}
	if err := b.checkAcyclic(); err != nil {
		return nil, err
	}
	root, err := b.build(&rs.rawNode)
	if err != nil {
		return nil, err
	}
	if root.Kind != KindObject {
		return nil, fmt.Errorf("%w: root must be an object, got %s", ErrInvalidSchema, root.Kind)
	}
	return &Schema{
		Root:  root,
		Defs:  b.nodes,
		Title: rs.Title,
		raw:   raw,
	}, nil
}

// MustParse is like Parse but panics on error. Intended for tests and embedded schemas.
func MustParse(raw []byte) *Schema {
	s, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return s
}

// Raw returns the JSON representation the schema was parsed from.
func (s *Schema) Raw() []byte {
	return s.raw
}

type builder struct {
	raw   map[string]*rawNode
	nodes map[string]*Node
}

func refName(ref string) (string, error) {
	name, ok := strings.CutPrefix(ref, defsPrefix)
	if !ok || name == "" || strings.Contains(name, "/") {
		return "", fmt.Errorf("%w: %q (only %q references are supported)", ErrUnknownRef, ref, defsPrefix+"<Name>")
	}
	return name, nil
}

// refsOf collects the names of all $defs referenced anywhere within r.
func refsOf(r *rawNode, acc map[string]bool) error {
	if r == nil {
		return nil
	}
	if r.Ref != "" {
		name, err := refName(r.Ref)
		if err != nil {
			return err
		}
		acc[name] = true
	}
	for _, p := range r.Properties {
		if err := refsOf(p, acc); err != nil {
			return err
		}
	}
	return refsOf(r.Items, acc)
}

// checkAcyclic verifies that the $defs reference graph has no cycles.
func (b *builder) checkAcyclic() error {
	const (
		white = iota
		grey
		black
	)
	colour := make(map[string]int)
	edges := make(map[string][]string)
	for name, r := range b.raw {
		acc := make(map[string]bool)
		if err := refsOf(r, acc); err != nil {
			return fmt.Errorf("in $defs/%s: %w", name, err)
		}
		for ref := range acc {
			if _, ok := b.raw[ref]; !ok {
				return fmt.Errorf("in $defs/%s: %w: %q", name, ErrUnknownRef, ref)
			}
			edges[name] = append(edges[name], ref)
		}
		slices.Sort(edges[name])
	}

	var visit func(name string, trail []string) error
	visit = func(name string, trail []string) error {
		switch colour[name] {
		case grey:
			return fmt.Errorf("%w: %s", ErrCyclicReference, strings.Join(append(trail, name), " -> "))
		case black:
			return nil
		}
		colour[name] = grey
		for _, next := range edges[name] {
			if err := visit(next, append(trail, name)); err != nil {
				return err
			}
		}
		colour[name] = black
		return nil
	}

	names := make([]string, 0, len(b.raw))
	for name := range b.raw {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		if err := visit(name, nil); err != nil {
			return err
		}
	}
	return nil
}

func (b *builder) def(name string) (*Node, error) {
	if n, ok := b.nodes[name]; ok {
		return n, nil
	}
	r, ok := b.raw[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRef, defsPrefix+name)
	}
	n, err := b.build(r)
	if err != nil {
		return nil, fmt.Errorf("in $defs/%s: %w", name, err)
	}
	n.Ref = name
	b.nodes[name] = n
	return n, nil
}

func (b *builder) build(r *rawNode) (*Node, error) {
	if r.Ref != "" {
		name, err := refName(r.Ref)
		if err != nil {
			return nil, err
		}
		return b.def(name)
	}
	n := &Node{
		Kind:        b.kindOf(r),
		Default:     r.Default,
		Enum:        r.Enum,
		Description: r.Description,
	}
	switch n.Kind {
	case KindObject:
		n.Properties = make(map[string]*Node, len(r.Properties))
		for name, p := range r.Properties {
			if p == nil {
				return nil, fmt.Errorf("%w: property %q is null", ErrInvalidSchema, name)
			}
			child, err := b.build(p)
			if err != nil {
				return nil, fmt.Errorf("property %q: %w", name, err)
			}
			n.Properties[name] = child
		}
	case KindArray:
		if r.Items == nil {
			return nil, fmt.Errorf("%w: array without items", ErrInvalidSchema)
		}
		items, err := b.build(r.Items)
		if err != nil {
			return nil, fmt.Errorf("items: %w", err)
		}
		n.Items = items
	}
	return n, nil
}

func (b *builder) kindOf(r *rawNode) Kind {
	switch t := r.Type.(type) {
	case string:
		return parseKind(t)
	case []any:
		// e.g. ["string", "null"]: use the first non-null type.
		for _, e := range t {
			if s, ok := e.(string); ok && s != "null" {
				return parseKind(s)
			}
		}
	}
	if r.Properties != nil {
		return KindObject
	}
	if r.Items != nil {
		return KindArray
	}
	return KindUnknown
}

// Lookup returns the node at path p, descending through objects and the
// items of entity arrays. UIDs in p are ignored.
func (s *Schema) Lookup(p keypath.Path) (*Node, bool) {
	n := s.Root
	for _, seg := range p {
		if n.Kind == KindArray {
			n = n.Items
		}
		if n == nil || n.Kind != KindObject {
			return nil, false
		}
		child, ok := n.Properties[seg.Name]
		if !ok {
			return nil, false
		}
		n = child
	}
	return n, true
}

// FieldNames lists the fields below prefix. It implements keypath.FieldNames.
func (s *Schema) FieldNames(prefix keypath.Path) []string {
	n, ok := s.Lookup(prefix)
	if !ok {
		return nil
	}
	if n.IsEntityArray() {
		n = n.Items
	}
	if n.Kind != KindObject {
		return nil
	}
	return n.PropertyNames()
}

// ParseKey resolves a flat command line key against the schema.
func (s *Schema) ParseKey(flat string) (keypath.Path, keypath.Action, error) {
	return keypath.Parse(flat, s.FieldNames)
}

// Walk calls fn for every field of the schema in depth-first order, with
// properties visited in sorted order. Entity arrays are descended into;
// the path of an entity field does not include a UID.
func (s *Schema) Walk(fn func(p keypath.Path, n *Node) error) error {
	return walk(s.Root, nil, fn)
}

func walk(n *Node, p keypath.Path, fn func(keypath.Path, *Node) error) error {
	obj := n
	if n.IsEntityArray() {
		obj = n.Items
	}
	if obj.Kind != KindObject {
		return nil
	}
	for _, name := range obj.PropertyNames() {
		child := obj.Properties[name]
		cp := p.Child(name)
		if err := fn(cp, child); err != nil {
			return err
		}
		if err := walk(child, cp, fn); err != nil {
			return err
		}
	}
	return nil
}
