// Package manifest loads the spec manifest that declares specs and their
// dependencies.
//
// A manifest is a YAML file of the form:
//
//	specs:
//	  - id: auth
//	    description: Login and sessions
//	  - id: api
//	    depends_on: [auth]
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/specbatch/pkg/models"
)

// DefaultFile is the manifest name looked up in the working directory.
const DefaultFile = "specs.yaml"

// ErrUnknownSpec indicates a requested spec id is not declared in the manifest.
var ErrUnknownSpec = errors.New("spec not found in manifest")

// Manifest is a parsed spec manifest.
type Manifest struct {
	// Path is the file the manifest was loaded from, if any.
	Path  string            `yaml:"-"`
	Specs []models.SpecNode `yaml:"specs"`
}

// Load reads and parses the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.Path = path
	return m, nil
}

// Parse decodes manifest YAML. Unknown keys are rejected so typos such as
// "dependson" do not silently drop edges.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return &m, nil
		}
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	for i := range m.Specs {
		m.Specs[i].ID = strings.TrimSpace(m.Specs[i].ID)
	}
	return &m, nil
}

// IDs returns every declared spec id in manifest order.
func (m *Manifest) IDs() []string {
	ids := make([]string, len(m.Specs))
	for i, s := range m.Specs {
		ids[i] = s.ID
	}
	return ids
}

// Lookup returns the spec with the given id.
func (m *Manifest) Lookup(id string) (models.SpecNode, bool) {
	for _, s := range m.Specs {
		if s.ID == id {
			return s, true
		}
	}
	return models.SpecNode{}, false
}

// Select returns the specs named by ids in manifest order. No ids selects
// every spec. With withDeps the transitive dependencies of the selection are
// included; otherwise a dependency outside the selection is left for graph
// validation to report.
func (m *Manifest) Select(ids []string, withDeps bool) ([]models.SpecNode, error) {
	if len(ids) == 0 {
		return append([]models.SpecNode(nil), m.Specs...), nil
	}

	byID := make(map[string]models.SpecNode, len(m.Specs))
	for _, s := range m.Specs {
		byID[s.ID] = s
	}

	selected := make(map[string]bool, len(ids))
	queue := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if _, ok := byID[id]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSpec, id)
		}
		if !selected[id] {
			selected[id] = true
			queue = append(queue, id)
		}
	}

	if withDeps {
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			for _, dep := range byID[id].Dependencies {
				dep = strings.TrimSpace(dep)
				if _, ok := byID[dep]; !ok || selected[dep] {
					continue
				}
				selected[dep] = true
				queue = append(queue, dep)
			}
		}
	}

	var out []models.SpecNode
	for _, s := range m.Specs {
		if selected[s.ID] {
			out = append(out, s)
		}
	}
	return out, nil
}
