package schema

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/dnswlt/cbcflow/internal/jsonutil"
)

// ValidationError is returned when a document does not conform to its schema.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("schema validation failed: %v", e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

type validator struct {
	compiled *jsonschema.Schema
}

func (s *Schema) compile() (*validator, error) {
	s.validatorOnce.Do(func() {
		const url = "mem:///schema.json"
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(url, bytes.NewReader(s.raw)); err != nil {
			s.validatorErr = fmt.Errorf("%w: %v", ErrInvalidSchema, err)
			return
		}
		compiled, err := c.Compile(url)
		if err != nil {
			s.validatorErr = fmt.Errorf("%w: %v", ErrInvalidSchema, err)
			return
		}
		s.validator = &validator{compiled: compiled}
	})
	return s.validator, s.validatorErr
}

// Validate checks doc, a decoded JSON value, against the schema.
// Unresolved merge conflict markers are violations in any field.
// Violations are reported as *ValidationError.
func (s *Schema) Validate(doc any) error {
	v, err := s.compile()
	if err != nil {
		return err
	}
	doc = jsonutil.Normalize(doc)
	if err := v.compiled.Validate(doc); err != nil {
		return &ValidationError{Err: err}
	}
	if p, ok := findConflictMarker(doc, nil); ok {
		return &ValidationError{Err: fmt.Errorf("%w at %s", ErrConflictMarker, p)}
	}
	return nil
}
