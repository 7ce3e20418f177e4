package config

import (
	_ "embed"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

//go:embed schema.cue
var schemaSource string

// Schema checks configuration values against the embedded CUE schema.
type Schema struct {
	ctx  *cue.Context
	root cue.Value
	mu   sync.Mutex
}

// NewSchema compiles the embedded schema in ctx. A nil ctx gets a fresh
// one.
func NewSchema(ctx *cue.Context) (*Schema, error) {
	if ctx == nil {
		ctx = cuecontext.New()
	}
	val := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile configuration schema: %w", err)
	}
	return &Schema{ctx: ctx, root: val}, nil
}

// Definition returns a named definition such as "#Config".
func (s *Schema) Definition(name string) (cue.Value, bool) {
	v := s.root.LookupPath(cue.ParsePath(name))
	return v, v.Exists()
}

// Unify applies the #Config definition to val and requires the result to
// be concrete.
func (s *Schema) Unify(val cue.Value) (cue.Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, ok := s.Definition("#Config")
	if !ok {
		return cue.Value{}, fmt.Errorf("schema has no #Config definition")
	}
	unified := def.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, err
	}
	return unified, nil
}

// ValidateData checks Go data, such as a decoded YAML document, against
// the schema.
func (s *Schema) ValidateData(data interface{}) error {
	val := s.ctx.Encode(data)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}
	_, err := s.Unify(val)
	return err
}
