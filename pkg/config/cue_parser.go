package config

import (
	"fmt"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"
)

// CUEParser reads experiment descriptions written in CUE. The file must
// define an experiment field, which is checked against the #Experiment
// schema before decoding.
type CUEParser struct {
	ctx *cue.Context
}

// NewCUEParser creates a new CUE parser.
func NewCUEParser() *CUEParser {
	return &CUEParser{ctx: sharedContext()}
}

// ParseFile parses a single CUE file, or a directory holding one CUE package.
func (cp *CUEParser) ParseFile(path string) (*Description, error) {
	cueMu.Lock()
	defer cueMu.Unlock()

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		val, err := cp.loadDirectory(path)
		if err != nil {
			return nil, err
		}
		return cp.decode(val)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return cp.parse(path, content)
}

// Parse parses CUE source. name is used in error positions.
func (cp *CUEParser) Parse(name string, src []byte) (*Description, error) {
	cueMu.Lock()
	defer cueMu.Unlock()
	return cp.parse(name, src)
}

func (cp *CUEParser) parse(name string, src []byte) (*Description, error) {
	val := cp.ctx.CompileBytes(src, cue.Filename(name))
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err)
	}
	return cp.decode(val)
}

func (cp *CUEParser) loadDirectory(dir string) (cue.Value, error) {
	insts := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(insts) == 0 {
		return cue.Value{}, ValidationErrors{{File: dir, Message: "no CUE files found"}}
	}
	inst := insts[0]
	if inst.Err != nil {
		return cue.Value{}, convertCUEErrors(inst.Err)
	}
	val := cp.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}
	return val, nil
}

func (cp *CUEParser) decode(val cue.Value) (*Description, error) {
	exp := val.LookupPath(cue.ParsePath("experiment"))
	if !exp.Exists() {
		return nil, ValidationErrors{{Path: "experiment", Message: "no experiment defined"}}
	}

	sch, err := schema()
	if err != nil {
		return nil, err
	}
	unified := sch.Unify(exp)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, convertCUEErrors(err)
	}

	var desc Description
	if err := unified.Decode(&desc); err != nil {
		return nil, convertCUEErrors(err)
	}
	return &desc, nil
}

// convertCUEErrors turns CUE errors into ValidationErrors located in the
// description rather than in the schema.
func convertCUEErrors(err error) ValidationErrors {
	var out ValidationErrors
	for _, e := range errors.Errors(err) {
		ve := ValidationError{Message: errors.Details(e, nil)}
		if pos, ok := userPosition(errors.Positions(e)); ok {
			ve.File = pos.Filename()
			ve.Line = pos.Line()
			ve.Column = pos.Column()
		}
		if path := e.Path(); len(path) > 0 {
			ve.Path = strings.Join(path, ".")
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{Message: err.Error()})
	}
	return out
}

func userPosition(positions []token.Pos) (token.Pos, bool) {
	for _, p := range positions {
		if p.IsValid() && p.Filename() != schemaFile {
			return p, true
		}
	}
	return token.NoPos, false
}
