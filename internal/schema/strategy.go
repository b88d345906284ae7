package schema

import (
	"fmt"
	"strings"

	"github.com/dnswlt/cbcflow/internal/keypath"
)

// Strategy determines how a field is merged.
type Strategy int

const (
	// StrategyScalar takes the changed side; diverging changes conflict.
	StrategyScalar Strategy = iota
	// StrategyObject merges an object property by property.
	StrategyObject
	// StrategyPrimitiveSet merges arrays of scalars as sets.
	StrategyPrimitiveSet
	// StrategyEntityArray merges arrays of entities element-wise by UID.
	StrategyEntityArray
	// StrategyLinkedFile merges a linked file field by field.
	StrategyLinkedFile
)

func (s Strategy) String() string {
	switch s {
	case StrategyScalar:
		return "scalar"
	case StrategyObject:
		return "object"
	case StrategyPrimitiveSet:
		return "primitive-set"
	case StrategyEntityArray:
		return "entity-array"
	case StrategyLinkedFile:
		return "linked-file"
	}
	return fmt.Sprintf("Strategy(%d)", int(s))
}

func strategyOf(n *Node) Strategy {
	switch {
	case n.IsEntityArray():
		return StrategyEntityArray
	case n.IsLinkedFile():
		return StrategyLinkedFile
	case n.Kind == KindObject:
		return StrategyObject
	case n.IsPrimitiveArray():
		return StrategyPrimitiveSet
	}
	return StrategyScalar
}

// Strategies maps the key of every schema path to its merge strategy.
// The map is derived once per schema and must not be modified.
func (s *Schema) Strategies() map[string]Strategy {
	s.strategyOnce.Do(func() {
		m := make(map[string]Strategy)
		m[keypath.Path{}.Key()] = StrategyObject
		s.Walk(func(p keypath.Path, n *Node) error {
			m[p.Key()] = strategyOf(n)
			return nil
		})
		s.strategies = m
	})
	return s.strategies
}

// StrategyFor returns the merge strategy for p (UIDs ignored).
// Paths unknown to the schema report ok == false.
func (s *Schema) StrategyFor(p keypath.Path) (st Strategy, ok bool) {
	st, ok = s.Strategies()[p.Key()]
	return st, ok
}

// FlagSpec describes a command line flag derived from the schema.
type FlagSpec struct {
	Path   keypath.Path
	Action keypath.Action
	Kind   Kind
	Usage  string
}

// Name is the flag name, e.g. "ParameterEstimation-Results-UID-set".
func (f FlagSpec) Name() string {
	return keypath.Flag(f.Path, f.Action)
}

// Flags lists all settable fields of the schema as command line flags:
// scalars can be set, arrays of scalars can be added to and removed from,
// and of a linked file only Path and PublicHTML can be set.
func (s *Schema) Flags() []FlagSpec {
	var flags []FlagSpec
	s.Walk(func(p keypath.Path, n *Node) error {
		if len(p) > 1 {
			if parent, _ := s.Lookup(p[:len(p)-1]); parent.IsLinkedFile() {
				name := p[len(p)-1].Name
				if name != "Path" && name != "PublicHTML" {
					return nil
				}
			}
		}
		usage := n.Description
		if len(n.Enum) > 0 {
			vals := make([]string, len(n.Enum))
			for i, e := range n.Enum {
				vals[i] = fmt.Sprint(e)
			}
			usage = strings.TrimSpace(usage + " (one of " + strings.Join(vals, ", ") + ")")
		}
		switch {
		case n.Kind.IsScalar():
			flags = append(flags, FlagSpec{Path: p, Action: keypath.Set, Kind: n.Kind, Usage: usage})
		case n.IsPrimitiveArray():
			flags = append(flags,
				FlagSpec{Path: p, Action: keypath.Add, Kind: n.Items.Kind, Usage: usage},
				FlagSpec{Path: p, Action: keypath.Remove, Kind: n.Items.Kind, Usage: usage})
		}
		return nil
	})
	return flags
}
