package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Format is the language a description is written in.
type Format string

const (
	FormatYAML     Format = "yaml"
	FormatCUE      Format = "cue"
	FormatStarlark Format = "starlark"
)

// FormatOf picks the format from a file extension. Directories are read as
// CUE packages.
func FormatOf(path string) (Format, error) {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return FormatCUE, nil
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return FormatYAML, nil
	case ".cue":
		return FormatCUE, nil
	case ".star", ".py":
		return FormatStarlark, nil
	default:
		return "", fmt.Errorf("cannot tell the format of %s: expected .yaml, .cue or .star", path)
	}
}

// Loader reads and validates experiment descriptions.
type Loader struct {
	cue      *CUEParser
	starlark *StarlarkEvaluator

	// Vars are predeclared in Starlark scripts.
	Vars map[string]any
}

// NewLoader creates a loader. scriptTimeout bounds Starlark evaluation;
// zero uses the evaluator default.
func NewLoader(scriptTimeout time.Duration) *Loader {
	return &Loader{
		cue:      NewCUEParser(),
		starlark: NewStarlarkEvaluator(scriptTimeout),
	}
}

// Load reads the description at path and validates it.
func (l *Loader) Load(ctx context.Context, path string) (*Description, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}

	var desc *Description
	if format == FormatCUE {
		desc, err = l.cue.ParseFile(path)
	} else {
		var src []byte
		src, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		desc, err = l.parse(ctx, path, format, src)
	}
	if err != nil {
		return nil, withFile(err, path)
	}
	if err := Validate(desc); err != nil {
		return nil, withFile(err, path)
	}
	return desc, nil
}

// Parse decodes src in the given format and validates it. name appears in
// error locations.
func (l *Loader) Parse(ctx context.Context, name string, format Format, src []byte) (*Description, error) {
	desc, err := l.parse(ctx, name, format, src)
	if err != nil {
		return nil, withFile(err, name)
	}
	if err := Validate(desc); err != nil {
		return nil, withFile(err, name)
	}
	return desc, nil
}

func (l *Loader) parse(ctx context.Context, name string, format Format, src []byte) (*Description, error) {
	switch format {
	case FormatYAML:
		return parseYAML(src)
	case FormatCUE:
		return l.cue.Parse(name, src)
	case FormatStarlark:
		return l.starlark.Evaluate(ctx, name, src, l.Vars)
	default:
		return nil, fmt.Errorf("unknown description format %q", format)
	}
}

// parseYAML decodes a YAML (or JSON) description. Unknown keys are errors so
// that misspelled fields are not silently dropped.
func parseYAML(src []byte) (*Description, error) {
	dec := yaml.NewDecoder(bytes.NewReader(src))
	dec.KnownFields(true)

	var desc Description
	if err := dec.Decode(&desc); err != nil {
		var typeErr *yaml.TypeError
		if errors.As(err, &typeErr) {
			errs := make(ValidationErrors, 0, len(typeErr.Errors))
			for _, msg := range typeErr.Errors {
				errs = append(errs, yamlError(msg))
			}
			return nil, errs
		}
		return nil, ValidationErrors{yamlError(err.Error())}
	}
	return &desc, nil
}

// yamlError pulls the line number out of yaml.v3 messages such as
// "line 4: field nmae not found in type config.ResourceDesc".
func yamlError(msg string) ValidationError {
	msg = strings.TrimPrefix(msg, "yaml: ")
	var line int
	if _, err := fmt.Sscanf(msg, "line %d:", &line); err == nil {
		if i := strings.Index(msg, ": "); i >= 0 {
			msg = msg[i+2:]
		}
	}
	return ValidationError{Line: line, Message: msg}
}

// withFile stamps file on validation errors that do not carry one.
func withFile(err error, file string) error {
	var errs ValidationErrors
	if !errors.As(err, &errs) {
		return err
	}
	out := make(ValidationErrors, len(errs))
	for i, e := range errs {
		if e.File == "" {
			e.File = file
		}
		out[i] = e
	}
	return out
}
