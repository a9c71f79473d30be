package features

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// Feature is one page of the static catalog
type Feature struct {
	Key          string `yaml:"key" json:"key"`
	Path         string `yaml:"path" json:"path"`
	Label        string `yaml:"label" json:"label"`
	AdminDefault bool   `yaml:"admin_default" json:"admin_default"`
}

// Action is a user-level capability that is only granted by override
type Action struct {
	Key   string `yaml:"key" json:"key"`
	Label string `yaml:"label" json:"label"`
}

type catalog struct {
	Features []Feature `yaml:"features"`
	Actions  []Action  `yaml:"actions"`
}

// Registry is the ordered, immutable feature catalog
type Registry struct {
	features []Feature
	actions  []Action
	byKey    map[string]int
	byPath   map[string]int
	actionIx map[string]int
}

// ParseRegistry builds a registry from YAML. Keys and paths must be unique.
func ParseRegistry(data []byte) (*Registry, error) {
	var c catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse feature catalog: %w", err)
	}
	if len(c.Features) == 0 {
		return nil, fmt.Errorf("feature catalog has no features")
	}

	r := &Registry{
		features: c.Features,
		actions:  c.Actions,
		byKey:    make(map[string]int, len(c.Features)),
		byPath:   make(map[string]int, len(c.Features)),
		actionIx: make(map[string]int, len(c.Actions)),
	}
	for i, f := range c.Features {
		if f.Key == "" || !strings.HasPrefix(f.Path, "/") {
			return nil, fmt.Errorf("feature %d: key and absolute path are required", i)
		}
		if _, dup := r.byKey[f.Key]; dup {
			return nil, fmt.Errorf("duplicate feature key %q", f.Key)
		}
		if _, dup := r.byPath[f.Path]; dup {
			return nil, fmt.Errorf("duplicate feature path %q", f.Path)
		}
		r.byKey[f.Key] = i
		r.byPath[f.Path] = i
	}
	for i, a := range c.Actions {
		if a.Key == "" {
			return nil, fmt.Errorf("action %d: key is required", i)
		}
		if _, dup := r.byKey[a.Key]; dup {
			return nil, fmt.Errorf("action key %q collides with a feature key", a.Key)
		}
		if _, dup := r.actionIx[a.Key]; dup {
			return nil, fmt.Errorf("duplicate action key %q", a.Key)
		}
		r.actionIx[a.Key] = i
	}
	return r, nil
}

// DefaultRegistry returns the compiled-in catalog
func DefaultRegistry() *Registry {
	r, err := ParseRegistry(defaultCatalog)
	if err != nil {
		panic(err)
	}
	return r
}

// Features returns the catalog features in order
func (r *Registry) Features() []Feature {
	return append([]Feature(nil), r.features...)
}

// Actions returns the action catalog in order
func (r *Registry) Actions() []Action {
	return append([]Action(nil), r.actions...)
}

// Paths returns every feature path in catalog order
func (r *Registry) Paths() []string {
	paths := make([]string, len(r.features))
	for i, f := range r.features {
		paths[i] = f.Path
	}
	return paths
}

// ActionKeys returns every action key in catalog order
func (r *Registry) ActionKeys() []string {
	keys := make([]string, len(r.actions))
	for i, a := range r.actions {
		keys[i] = a.Key
	}
	return keys
}

// Feature looks a feature up by key
func (r *Registry) Feature(key string) (Feature, bool) {
	i, ok := r.byKey[key]
	if !ok {
		return Feature{}, false
	}
	return r.features[i], true
}

// FeatureByPath looks a feature up by path
func (r *Registry) FeatureByPath(path string) (Feature, bool) {
	i, ok := r.byPath[path]
	if !ok {
		return Feature{}, false
	}
	return r.features[i], true
}

// IsAction reports whether key is an action key
func (r *Registry) IsAction(key string) bool {
	_, ok := r.actionIx[key]
	return ok
}

// IsOverridable reports whether a per-user override for key has any effect:
// admin-default features and actions.
func (r *Registry) IsOverridable(key string) bool {
	if f, ok := r.Feature(key); ok {
		return f.AdminDefault
	}
	return r.IsAction(key)
}

// OverridableKeys returns admin-default feature keys then action keys, in catalog order
func (r *Registry) OverridableKeys() []string {
	var keys []string
	for _, f := range r.features {
		if f.AdminDefault {
			keys = append(keys, f.Key)
		}
	}
	return append(keys, r.ActionKeys()...)
}
