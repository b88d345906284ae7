// Package keypath implements structured paths from the root of a metadata
// document to one of its fields.
//
// A Path is an ordered list of segments. A segment that crosses an entity
// array (an array of objects identified by their UID) carries the UID of
// the element it selects. Flat, delimiter-joined keys as used on the
// command line ("ParameterEstimation-Results-WaveformApproximant-set") are
// resolved into Paths with Parse.
package keypath

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownField = errors.New("unknown field")
	ErrNoAction     = errors.New("key has no action suffix")
)

// Action is the operation requested for the field a key path points to.
type Action string

const (
	Set    Action = "set"
	Add    Action = "add"
	Remove Action = "remove"
)

// ParseAction returns the Action named by s.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(s)); a {
	case Set, Add, Remove:
		return a, nil
	}
	return "", fmt.Errorf("invalid action %q: %w", s, ErrNoAction)
}

// Segment is one step of a Path.
type Segment struct {
	Name string
	// UID selects an element of an entity array. Empty for plain fields.
	UID string
}

type Path []Segment

// New builds a Path of plain segments from field names.
func New(names ...string) Path {
	p := make(Path, len(names))
	for i, n := range names {
		p[i] = Segment{Name: n}
	}
	return p
}

// Names returns the field names of p, without UIDs.
func (p Path) Names() []string {
	names := make([]string, len(p))
	for i, s := range p {
		names[i] = s.Name
	}
	return names
}

// Key returns the schema-level identity of p: a JSON pointer (RFC 6901)
// of its field names. UIDs are not part of the key, so all elements of
// an entity array share the keys of their fields.
func (p Path) Key() string {
	var sb strings.Builder
	for _, s := range p {
		sb.WriteByte('/')
		sb.WriteString(escaper.Replace(s.Name))
	}
	return sb.String()
}

var escaper = strings.NewReplacer("~", "~0", "/", "~1")
var unescaper = strings.NewReplacer("~1", "/", "~0", "~")

// FromKey is the inverse of Path.Key.
func FromKey(key string) Path {
	if key == "" {
		return Path{}
	}
	parts := strings.Split(strings.TrimPrefix(key, "/"), "/")
	p := make(Path, len(parts))
	for i, part := range parts {
		p[i] = Segment{Name: unescaper.Replace(part)}
	}
	return p
}

// String returns a human readable form of p, e.g. "TestingGR/IMRCTAnalyses[A1]/Results[R1]/Notes".
func (p Path) String() string {
	var sb strings.Builder
	for i, s := range p {
		if i > 0 {
			sb.WriteByte('/')
		}
		sb.WriteString(s.Name)
		if s.UID != "" {
			fmt.Fprintf(&sb, "[%s]", s.UID)
		}
	}
	return sb.String()
}

// Append returns a new Path consisting of p followed by q.
func (p Path) Append(q ...Segment) Path {
	r := make(Path, 0, len(p)+len(q))
	r = append(r, p...)
	return append(r, q...)
}

// Child returns a new Path extending p by a plain field name.
func (p Path) Child(name string) Path {
	return p.Append(Segment{Name: name})
}

// HasPrefix reports whether q is a prefix of p, comparing names only.
func (p Path) HasPrefix(q Path) bool {
	if len(q) > len(p) {
		return false
	}
	for i := range q {
		if p[i].Name != q[i].Name {
			return false
		}
	}
	return true
}

// Equal compares names and UIDs.
func (p Path) Equal(q Path) bool {
	if len(p) != len(q) {
		return false
	}
	for i := range p {
		if p[i] != q[i] {
			return false
		}
	}
	return true
}

// FieldNames returns the names of the fields available below the field at prefix.
// It returns nil if prefix does not name an object-like field.
type FieldNames func(prefix Path) []string

func isDelimiter(r rune) bool {
	return r == '-' || r == '_'
}

// Parse resolves a flat key such as "ParameterEstimation-Results-UID-set"
// into a Path and an Action. Tokens are separated by '-' or '_'; the last
// token is the action. Field names are matched case-insensitively against
// fields(prefix), longest run of tokens first, so that field names which
// themselves contain a delimiter are still found.
func Parse(flat string, fields FieldNames) (Path, Action, error) {
	tokens := strings.FieldsFunc(strings.TrimLeft(flat, "-"), isDelimiter)
	if len(tokens) < 2 {
		return nil, "", fmt.Errorf("key %q: %w", flat, ErrNoAction)
	}
	action, err := ParseAction(tokens[len(tokens)-1])
	if err != nil {
		return nil, "", fmt.Errorf("key %q: %w", flat, err)
	}
	tokens = tokens[:len(tokens)-1]

	var path Path
	for len(tokens) > 0 {
		names := fields(path)
		if names == nil {
			return nil, "", fmt.Errorf("key %q: %q has no fields: %w", flat, path.String(), ErrUnknownField)
		}
		name, n := matchLongest(tokens, names)
		if n == 0 {
			return nil, "", fmt.Errorf("key %q: no field %q below %q: %w", flat, tokens[0], path.String(), ErrUnknownField)
		}
		path = path.Child(name)
		tokens = tokens[n:]
	}
	return path, action, nil
}

// matchLongest finds the field name matching the longest run of leading tokens.
// It returns the matched name and the number of tokens consumed.
func matchLongest(tokens []string, names []string) (string, int) {
	for n := len(tokens); n > 0; n-- {
		for _, sep := range []string{"_", "-", ""} {
			candidate := strings.Join(tokens[:n], sep)
			for _, name := range names {
				if strings.EqualFold(candidate, name) {
					return name, n
				}
			}
			if n == 1 {
				break // all separators yield the same candidate
			}
		}
	}
	return "", 0
}

// Flag returns the flat command line form of p with the given action,
// e.g. "ParameterEstimation-Results-WaveformApproximant-set".
func Flag(p Path, a Action) string {
	return strings.Join(append(p.Names(), string(a)), "-")
}
