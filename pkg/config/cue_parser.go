package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"gopkg.in/yaml.v3"

	"github.com/minerlink/minerlink/pkg/errs"
)

// LoadError lists every problem found in a configuration source.
type LoadError struct {
	Sources []string
	Errors  []ValidationError
}

func (e *LoadError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, v := range e.Errors {
		parts[i] = v.String()
	}
	return fmt.Sprintf("invalid configuration in %s: %s", strings.Join(e.Sources, ", "), strings.Join(parts, "; "))
}

// Loader reads configuration from CUE and YAML sources. Every source is
// checked against the embedded schema before it is decoded.
type Loader struct {
	ctx    *cue.Context
	schema *Schema
}

// NewLoader returns a loader with the embedded schema compiled.
func NewLoader() (*Loader, error) {
	ctx := cuecontext.New()
	schema, err := NewSchema(ctx)
	if err != nil {
		return nil, err
	}
	return &Loader{ctx: ctx, schema: schema}, nil
}

// Load reads sources on top of the defaults. A directory is loaded as a CUE
// package; files are read as CUE or YAML by extension. Several sources are
// unified, so they must agree where they overlap.
func (l *Loader) Load(sources ...string) (*Config, error) {
	if len(sources) == 0 {
		return nil, errs.New(errs.KindInvalidArgument, "no configuration sources provided")
	}

	var (
		value    cue.Value
		files    []string
		problems []ValidationError
	)
	for _, source := range sources {
		val, loaded, verrs := l.loadSource(source)
		problems = append(problems, verrs...)
		files = append(files, loaded...)
		if !val.Exists() {
			continue
		}
		if value.Exists() {
			value = value.Unify(val)
		} else {
			value = val
		}
	}
	if len(problems) > 0 {
		return nil, l.fail(files, problems)
	}
	return l.decode(value, files)
}

// ParseInline reads CUE or JSON content on top of the defaults.
func (l *Loader) ParseInline(content string) (*Config, error) {
	val := l.ctx.CompileString(content, cue.Filename("inline"))
	if err := val.Err(); err != nil {
		return nil, l.fail([]string{"inline"}, convertCUEErrors(err))
	}
	return l.decode(val, []string{"inline"})
}

func (l *Loader) loadSource(source string) (cue.Value, []string, []ValidationError) {
	info, err := os.Stat(source)
	if err != nil {
		return cue.Value{}, nil, []ValidationError{{File: source, Message: fmt.Sprintf("failed to stat source: %v", err)}}
	}
	if info.IsDir() {
		return l.loadDirectory(source)
	}
	switch strings.ToLower(filepath.Ext(source)) {
	case ".yaml", ".yml":
		val, verrs := l.loadYAML(source)
		return val, []string{source}, verrs
	default:
		val, verrs := l.loadFile(source)
		return val, []string{source}, verrs
	}
}

// loadDirectory loads a directory as a CUE package.
func (l *Loader) loadDirectory(dir string) (cue.Value, []string, []ValidationError) {
	instances := load.Instances([]string{dir}, nil)
	if len(instances) == 0 {
		return cue.Value{}, nil, []ValidationError{{File: dir, Message: "no CUE files found"}}
	}
	inst := instances[0]
	if inst.Err != nil {
		return cue.Value{}, nil, convertCUEErrors(inst.Err)
	}
	val := l.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, nil, convertCUEErrors(err)
	}

	var files []string
	for _, f := range inst.Files {
		if f.Filename != "" {
			files = append(files, f.Filename)
		}
	}
	return val, files, nil
}

// loadFile compiles a single CUE or JSON file.
func (l *Loader) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{File: path, Message: fmt.Sprintf("failed to read file: %v", err)}}
	}
	val := l.ctx.CompileString(string(content), cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}
	return val, nil
}

// loadYAML decodes a YAML document and encodes it as a CUE value so it goes
// through the same schema.
func (l *Loader) loadYAML(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{File: path, Message: fmt.Sprintf("failed to read file: %v", err)}}
	}
	var doc map[string]interface{}
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return cue.Value{}, []ValidationError{{File: path, Message: err.Error()}}
	}
	if doc == nil {
		doc = map[string]interface{}{}
	}
	val := l.ctx.Encode(doc)
	if err := val.Err(); err != nil {
		return cue.Value{}, []ValidationError{{File: path, Message: err.Error()}}
	}
	return val, nil
}

// decode validates val against the schema and decodes it over the
// defaults. Values round-trip through JSON so that durations written as
// strings decode the way they do from YAML.
func (l *Loader) decode(val cue.Value, files []string) (*Config, error) {
	unified, err := l.schema.Unify(val)
	if err != nil {
		return nil, l.fail(files, convertCUEErrors(err))
	}
	data, err := unified.MarshalJSON()
	if err != nil {
		return nil, l.fail(files, []ValidationError{{Message: fmt.Sprintf("failed to export configuration: %v", err)}})
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, l.fail(files, []ValidationError{{Message: err.Error()}})
	}
	return cfg, nil
}

func (l *Loader) fail(files []string, problems []ValidationError) error {
	if len(files) == 0 {
		files = []string{"configuration"}
	}
	return errs.Wrap(errs.KindInvalidArgument, "configuration rejected", &LoadError{Sources: files, Errors: problems})
}

// convertCUEErrors flattens a CUE error into positioned entries.
func convertCUEErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range cueerrors.Errors(err) {
		v := ValidationError{
			Path:    strings.Join(e.Path(), "."),
			Message: strings.TrimSpace(cueerrors.Details(e, nil)),
		}
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			v.File = pos[0].Filename()
			v.Line = pos[0].Line()
			v.Column = pos[0].Column()
		}
		out = append(out, v)
	}
	return out
}
