// Package script manages userscript metadata. A script's manifest is the
// static, per-version declaration of what it may ask for: the grant list
// (capability names) and the connect list (hosts it intends to reach).
package script

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/goccy/go-yaml"
	"github.com/google/uuid"
)

// Manifest describes one registered userscript version.
type Manifest struct {
	ID          string   `yaml:"id" json:"id"`
	Name        string   `yaml:"name" json:"name"`
	Version     string   `yaml:"version" json:"version"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Grants      []string `yaml:"grant" json:"grant"`
	Connect     []string `yaml:"connect" json:"connect"`
}

// HasGrant reports whether the manifest declares the exact capability name.
func (m *Manifest) HasGrant(capability string) bool {
	for _, g := range m.Grants {
		if g == capability {
			return true
		}
	}
	return false
}

// Parse decodes a YAML manifest.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("script: parse manifest: %w", err)
	}
	if m.ID == "" {
		// Management-API registrations may omit the id; give them one.
		m.ID = uuid.NewString()
	}
	if m.Name == "" {
		return nil, fmt.Errorf("script: manifest missing name")
	}
	return &m, nil
}

// LoadFile reads and parses a manifest file.
func LoadFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("script: read %s: %w", path, err)
	}
	return Parse(data)
}

// Registry holds the manifests of all registered scripts.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]*Manifest
}

// NewRegistry creates an empty script registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*Manifest)}
}

// Register adds or replaces a script's manifest.
func (r *Registry) Register(m *Manifest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[m.ID] = m
}

// Get looks up a manifest by script id.
func (r *Registry) Get(scriptID string) (*Manifest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byID[scriptID]
	return m, ok
}

// Remove deletes a script's manifest.
func (r *Registry) Remove(scriptID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, scriptID)
}

// List returns all registered manifests.
func (r *Registry) List() []*Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Manifest, 0, len(r.byID))
	for _, m := range r.byID {
		out = append(out, m)
	}
	return out
}

// SeedDir registers every *.yaml manifest under dir. Missing dir is not an
// error; a daemon can run with scripts registered over the channel only.
func (r *Registry) SeedDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("script: read dir %s: %w", dir, err)
	}

	loaded := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		m, err := LoadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return loaded, err
		}
		r.Register(m)
		loaded++
	}
	return loaded, nil
}
