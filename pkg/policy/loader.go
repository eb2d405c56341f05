package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/netexp/netexp/pkg/config"
)

// Loader reads policies from .rego and .json files and caches them by
// path until ClearCache.
type Loader struct {
	logger zerolog.Logger

	mu    sync.RWMutex
	cache map[string]*Policy
}

// decoders turn file contents into a policy, keyed by extension.
var decoders = map[string]func(path string, data []byte) (*Policy, error){
	".rego": decodeRego,
	".json": decodeJSON,
}

func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		cache:  make(map[string]*Policy),
	}
}

// LoadFromPaths loads every policy named by paths. A file path must hold a
// valid policy; broken files found while walking a directory are skipped
// with a warning.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var out []Policy
	for _, root := range paths {
		files, err := policyFiles(ctx, root)
		if err != nil {
			return nil, fmt.Errorf("failed to load policies from %s: %w", root, err)
		}
		for _, f := range files {
			p, err := l.loadFromFile(f)
			switch {
			case err == nil:
				out = append(out, *p)
			case f == root:
				return nil, err
			default:
				l.logger.Warn().Err(err).Str("path", f).Msg("Skipping policy file")
			}
		}
	}
	l.logger.Debug().Int("policies", len(out)).Strs("paths", paths).Msg("Policies loaded")
	return out, nil
}

// policyFiles lists root itself when it is a file, or the policy files
// below it.
func policyFiles(ctx context.Context, root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{root}, nil
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.IsDir() && isPolicyFile(path) {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

func (l *Loader) loadFromFile(path string) (*Policy, error) {
	l.mu.RLock()
	p, ok := l.cache[path]
	l.mu.RUnlock()
	if ok {
		return p, nil
	}

	decode, ok := decoders[filepath.Ext(path)]
	if !ok {
		return nil, fmt.Errorf("%s is not a .rego or .json policy", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p, err = decode(path, data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	p.Source = path

	l.mu.Lock()
	l.cache[path] = p
	l.mu.Unlock()
	return p, nil
}

func baseName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

// decodeRego names the policy after the file. The leading comment block is
// its description and may set the severity.
func decodeRego(path string, data []byte) (*Policy, error) {
	description, severity := parseHeader(string(data))
	return &Policy{
		Name:        baseName(path),
		Description: description,
		Rego:        string(data),
		Severity:    severity,
		Enabled:     true,
	}, nil
}

func decodeJSON(path string, data []byte) (*Policy, error) {
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("invalid policy json: %w", err)
	}
	if p.Name == "" {
		p.Name = baseName(path)
	}
	if p.Severity == "" {
		p.Severity = SeverityWarning
	}
	p.Builtin = false
	return &p, nil
}

// parseHeader reads the comment block before the first statement.
func parseHeader(content string) (string, Severity) {
	var description strings.Builder
	severity := SeverityWarning

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			if description.Len() > 0 {
				break
			}
			continue
		}
		if !strings.HasPrefix(trimmed, "#") {
			break
		}
		comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
		if value, ok := strings.CutPrefix(comment, "severity:"); ok {
			switch s := Severity(strings.TrimSpace(value)); s {
			case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
				severity = s
			}
			continue
		}
		if comment == "" {
			continue
		}
		if description.Len() > 0 {
			description.WriteString(" ")
		}
		description.WriteString(comment)
	}
	return description.String(), severity
}

// Watch reloads the policies under paths whenever a policy file changes
// and passes them to apply. It returns once watching has started.
func (l *Loader) Watch(ctx context.Context, paths []string, apply func([]Policy) error) error {
	reload := func() {
		l.ClearCache()
		policies, err := l.LoadFromPaths(ctx, paths)
		if err == nil {
			err = apply(policies)
		}
		if err != nil {
			l.logger.Error().Err(err).Msg("Policy reload failed, keeping the previous policies")
			return
		}
		l.logger.Info().Int("policies", len(policies)).Msg("Policies reloaded")
	}

	err := config.Watch(ctx, paths, config.WatchOptions{
		Match:    isPolicyFile,
		OnChange: reload,
		OnError:  func(err error) { l.logger.Error().Err(err).Msg("Policy watcher error") },
	})
	if err != nil {
		return err
	}
	l.logger.Info().Strs("paths", paths).Msg("Watching policies")
	return nil
}

// ClearCache forgets every loaded file.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	l.cache = make(map[string]*Policy)
	l.mu.Unlock()
}

func isPolicyFile(path string) bool {
	_, ok := decoders[filepath.Ext(path)]
	return ok
}
