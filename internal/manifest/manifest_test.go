package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/ShayCichocki/specbatch/pkg/models"
)

const sample = `
specs:
  - id: auth
    description: Login and sessions
  - id: db
  - id: api
    depends_on: [auth, db]
  - id: ui
    depends_on: [api]
  - id: docs
`

func ids(specs []models.SpecNode) []string {
	out := make([]string, len(specs))
	for i, s := range specs {
		out[i] = s.ID
	}
	return out
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFile)
	if err := os.WriteFile(path, []byte(sample), 0644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Path != path {
		t.Errorf("Path = %q, want %q", m.Path, path)
	}
	if !reflect.DeepEqual(m.IDs(), []string{"auth", "db", "api", "ui", "docs"}) {
		t.Errorf("IDs() = %v", m.IDs())
	}

	api, ok := m.Lookup("api")
	if !ok {
		t.Fatal("api not found")
	}
	if !reflect.DeepEqual(api.Dependencies, []string{"auth", "db"}) {
		t.Errorf("api dependencies = %v", api.Dependencies)
	}
	auth, _ := m.Lookup("auth")
	if auth.Description != "Login and sessions" {
		t.Errorf("auth description = %q", auth.Description)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing manifest")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("specs:\n  - id: a\n    dependson: [b]\n"))
	if err == nil {
		t.Error("expected error for misspelled field")
	}
}

func TestParseEmpty(t *testing.T) {
	m, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(m.Specs) != 0 {
		t.Errorf("expected no specs, got %d", len(m.Specs))
	}
}

func TestSelect(t *testing.T) {
	m, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	tests := []struct {
		name     string
		ids      []string
		withDeps bool
		want     []string
	}{
		{"all", nil, false, []string{"auth", "db", "api", "ui", "docs"}},
		{"subset keeps manifest order", []string{"docs", "auth"}, false, []string{"auth", "docs"}},
		{"without deps", []string{"ui"}, false, []string{"ui"}},
		{"with transitive deps", []string{"ui"}, true, []string{"auth", "db", "api", "ui"}},
		{"repeated ids", []string{"db", "db"}, false, []string{"db"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.Select(tt.ids, tt.withDeps)
			if err != nil {
				t.Fatalf("Select: %v", err)
			}
			if !reflect.DeepEqual(ids(got), tt.want) {
				t.Errorf("Select(%v, %v) = %v, want %v", tt.ids, tt.withDeps, ids(got), tt.want)
			}
		})
	}
}

func TestSelectUnknownSpec(t *testing.T) {
	m, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := m.Select([]string{"missing"}, false); !errors.Is(err, ErrUnknownSpec) {
		t.Errorf("expected ErrUnknownSpec, got %v", err)
	}
}
