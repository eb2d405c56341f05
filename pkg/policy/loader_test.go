package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestLoader() *Loader {
	return NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
}

func writePolicy(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}

const denyAll = "package lab.all\n\nimport rego.v1\n\ndeny contains \"always\" if true\n"

func TestLoadFromFile_Rego(t *testing.T) {
	path := writePolicy(t, t.TempDir(), "lab.rego", "# Lab rules.\n"+denyAll)

	policy, err := newTestLoader().loadFromFile(path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if policy.Name != "lab" {
		t.Errorf("Expected name lab, got %s", policy.Name)
	}
	if policy.Description != "Lab rules." {
		t.Errorf("Expected description from the header, got %q", policy.Description)
	}
	if policy.Severity != SeverityWarning || !policy.Enabled || policy.Source != path {
		t.Errorf("Unexpected defaults %+v", policy)
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	path := writePolicy(t, t.TempDir(), "limits.json", `{
	"description": "Limits",
	"severity": "error",
	"enabled": true,
	"builtin": true,
	"rego": "package lab.limits\n\ndeny := set()"
}`)

	policy, err := newTestLoader().loadFromFile(path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if policy.Name != "limits" {
		t.Errorf("Expected the file name as default name, got %s", policy.Name)
	}
	if policy.Severity != SeverityError {
		t.Errorf("Expected severity error, got %s", policy.Severity)
	}
	if policy.Builtin {
		t.Error("Loaded policies must never count as built in")
	}
}

func TestLoadFromFile_Errors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		path string
	}{
		{name: "unsupported type", path: writePolicy(t, dir, "lab.yaml", "x: 1")},
		{name: "invalid json", path: writePolicy(t, dir, "bad.json", "{")},
		{name: "missing file", path: filepath.Join(dir, "missing.rego")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := newTestLoader().loadFromFile(tt.path); err == nil {
				t.Error("Expected an error")
			}
		})
	}
}

func TestLoadFromPaths(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "a.rego", denyAll)
	writePolicy(t, dir, "nested/b.rego", denyAll)
	writePolicy(t, dir, "nested/c.json", `{"rego": "package c"}`)
	writePolicy(t, dir, "nested/broken.json", "{")
	writePolicy(t, dir, "README.md", "not a policy")
	single := writePolicy(t, t.TempDir(), "single.rego", denyAll)

	policies, err := newTestLoader().LoadFromPaths(context.Background(), []string{dir, single})
	if err != nil {
		t.Fatalf("Failed to load: %v", err)
	}
	names := make(map[string]bool)
	for _, p := range policies {
		names[p.Name] = true
	}
	for _, want := range []string{"a", "b", "c", "single"} {
		if !names[want] {
			t.Errorf("Expected policy %s, got %v", want, names)
		}
	}
	if names["broken"] || len(policies) != 4 {
		t.Errorf("Expected broken files skipped, got %v", names)
	}

	if _, err := newTestLoader().LoadFromPaths(context.Background(), []string{filepath.Join(dir, "missing")}); err == nil {
		t.Error("Expected an error for a missing path")
	}
}

func TestParseHeader(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		want     string
		severity Severity
	}{
		{name: "no header", content: "package x", want: "", severity: SeverityWarning},
		{name: "single line", content: "# Checks things.\npackage x", want: "Checks things.", severity: SeverityWarning},
		{name: "multi line", content: "# One\n# two.\n\npackage x", want: "One two.", severity: SeverityWarning},
		{name: "severity", content: "# Blocks.\n# severity: error\npackage x", want: "Blocks.", severity: SeverityError},
		{name: "unknown severity", content: "# severity: loud\npackage x", want: "", severity: SeverityWarning},
		{name: "stops at code", content: "# Head\npackage x\n# later", want: "Head", severity: SeverityWarning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, sev := parseHeader(tt.content)
			if got != tt.want || sev != tt.severity {
				t.Errorf("parseHeader() = %q, %s; want %q, %s", got, sev, tt.want, tt.severity)
			}
		})
	}
}

func TestClearCache(t *testing.T) {
	loader := newTestLoader()
	path := writePolicy(t, t.TempDir(), "lab.rego", "# Old.\n"+denyAll)

	if _, err := loader.loadFromFile(path); err != nil {
		t.Fatalf("Failed to load: %v", err)
	}
	writePolicy(t, filepath.Dir(path), "lab.rego", "# New.\n"+denyAll)

	p, _ := loader.loadFromFile(path)
	if p.Description != "Old." {
		t.Errorf("Expected the cached policy, got %q", p.Description)
	}
	loader.ClearCache()
	p, _ = loader.loadFromFile(path)
	if p.Description != "New." {
		t.Errorf("Expected the reloaded policy, got %q", p.Description)
	}
}

func TestWatch_Reloads(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "lab.rego", "# Old.\n"+denyAll)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan []Policy, 4)
	loader := newTestLoader()
	if err := loader.Watch(ctx, []string{dir}, func(ps []Policy) error {
		reloaded <- ps
		return nil
	}); err != nil {
		t.Fatalf("Failed to watch: %v", err)
	}

	writePolicy(t, dir, "lab.rego", "# New.\n"+denyAll)
	select {
	case ps := <-reloaded:
		if len(ps) != 1 || ps[0].Description != "New." {
			t.Errorf("Expected the new policy, got %+v", ps)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Expected a reload after the policy changed")
	}
}
