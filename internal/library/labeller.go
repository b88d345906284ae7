package library

import (
	"fmt"
	"reflect"
	"slices"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
)

// DefaultLabelRules returns the rules used when the configuration has none:
// a significance label derived from the FAR of the preferred event, and
// the parameter estimation status. Superevents without a preferred event
// receive no labels.
func DefaultLabelRules() []LabelRule {
	return []LabelRule{
		{
			Name: "PE-significance",
			Expr: `!has(preferred.FAR) ? "" :
				preferred.FAR < 1e-30 ? "PE::high-significance" :
				preferred.FAR < 1e-10 ? "PE::medium-significance" :
				"PE::below-threshold"`,
		},
		{
			Name: "PE-status",
			Expr: `has(preferred.FAR) && has(metadata.ParameterEstimation.Status) ?
				"PE-status::" + metadata.ParameterEstimation.Status : ""`,
		},
	}
}

type labelProgram struct {
	name string
	prg  cel.Program
}

// Labeller computes the index labels of a superevent by evaluating CEL
// expressions. Expressions see three variables:
//
//	sname     string              the superevent name
//	metadata  map(string, dyn)    the metadata document
//	preferred map(string, dyn)    the preferred GraceDB event, empty if there is none
//
// An expression may evaluate to a bool (true yields the rule's name as label),
// a string (used as label unless empty) or a list of strings.
type Labeller struct {
	programs []labelProgram
}

func newLabelEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("sname", cel.StringType),
		cel.Variable("metadata", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("preferred", cel.MapType(cel.StringType, cel.DynType)),
	)
}

// NewLabeller compiles rules.
func NewLabeller(rules []LabelRule) (*Labeller, error) {
	env, err := newLabelEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	l := &Labeller{}
	for _, r := range rules {
		ast, iss := env.Compile(r.Expr)
		if iss.Err() != nil {
			return nil, fmt.Errorf("label rule %q: %w", r.Name, iss.Err())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("label rule %q: %w", r.Name, err)
		}
		l.programs = append(l.programs, labelProgram{name: r.Name, prg: prg})
	}
	return l, nil
}

// Labels evaluates all rules against a document. Labels are returned in rule
// order without duplicates.
func (l *Labeller) Labels(sname string, doc, preferred map[string]any) ([]string, error) {
	if preferred == nil {
		preferred = map[string]any{}
	}
	vars := map[string]any{
		"sname":     sname,
		"metadata":  doc,
		"preferred": preferred,
	}
	labels := []string{}
	for _, p := range l.programs {
		out, _, err := p.prg.Eval(vars)
		if err != nil {
			return nil, fmt.Errorf("label rule %q for %s: %w", p.name, sname, err)
		}
		ls, err := labelsOf(p.name, out)
		if err != nil {
			return nil, fmt.Errorf("label rule %q for %s: %w", p.name, sname, err)
		}
		for _, label := range ls {
			if !slices.Contains(labels, label) {
				labels = append(labels, label)
			}
		}
	}
	return labels, nil
}

func labelsOf(name string, out ref.Val) ([]string, error) {
	switch v := out.(type) {
	case types.Bool:
		if v {
			return []string{name}, nil
		}
		return nil, nil
	case types.String:
		if v == "" {
			return nil, nil
		}
		return []string{string(v)}, nil
	case traits.Lister:
		native, err := v.ConvertToNative(reflect.TypeOf([]string(nil)))
		if err != nil {
			return nil, fmt.Errorf("result is not a list of strings: %w", err)
		}
		var ls []string
		for _, s := range native.([]string) {
			if s != "" {
				ls = append(ls, s)
			}
		}
		return ls, nil
	}
	return nil, fmt.Errorf("unsupported result type %s", out.Type().TypeName())
}
