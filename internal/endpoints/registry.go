// Package endpoints manages the YAML registry of named detector endpoints.
package endpoints

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Endpoint describes one detection service a session can connect to.
// Empty fields fall back to the global configuration.
type Endpoint struct {
	Name                  string   `yaml:"name"`
	Description           string   `yaml:"description"`
	DetectorURL           string   `yaml:"detector_url"`
	ICEServers            []string `yaml:"ice_servers"`
	ConnectTimeoutSeconds int      `yaml:"connect_timeout_seconds"`
}

// Config is the top-level YAML structure.
type Config struct {
	Endpoints []Endpoint `yaml:"endpoints"`
}

// Registry holds loaded endpoints, keyed by name.
type Registry struct {
	byName map[string]*Endpoint
	order  []string // preserves definition order
}

// Empty returns a registry with no endpoints.
func Empty() *Registry {
	return &Registry{byName: make(map[string]*Endpoint)}
}

// Load reads the YAML file at path and returns a Registry.
// If the file does not exist, Load returns an empty Registry (not an error).
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Empty(), nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	r := &Registry{
		byName: make(map[string]*Endpoint, len(cfg.Endpoints)),
	}
	for i := range cfg.Endpoints {
		e := &cfg.Endpoints[i]
		if e.Name == "" {
			return nil, fmt.Errorf("endpoint %d has no name", i)
		}
		if _, dup := r.byName[e.Name]; dup {
			return nil, fmt.Errorf("endpoint %q defined twice", e.Name)
		}
		r.byName[e.Name] = e
		r.order = append(r.order, e.Name)
	}
	return r, nil
}

// Get returns an endpoint by name. Returns (nil, false) if not found.
func (r *Registry) Get(name string) (*Endpoint, bool) {
	e, ok := r.byName[name]
	return e, ok
}

// All returns all endpoints in definition order.
func (r *Registry) All() []*Endpoint {
	result := make([]*Endpoint, 0, len(r.order))
	for _, name := range r.order {
		result = append(result, r.byName[name])
	}
	return result
}

// Names returns a sorted list of endpoint names.
func (r *Registry) Names() []string {
	names := make([]string, len(r.order))
	copy(names, r.order)
	sort.Strings(names)
	return names
}

// Target is where a session for one endpoint connects.
type Target struct {
	DetectorURL    string
	ICEServers     []string
	ConnectTimeout time.Duration
}

// Resolve overlays the named endpoint's settings on def.
// Unknown names resolve to def unchanged.
func (r *Registry) Resolve(name string, def Target) Target {
	e, ok := r.Get(name)
	if !ok {
		return def
	}

	out := def
	if e.DetectorURL != "" {
		out.DetectorURL = e.DetectorURL
	}
	if len(e.ICEServers) > 0 {
		out.ICEServers = append([]string(nil), e.ICEServers...)
	}
	if e.ConnectTimeoutSeconds > 0 {
		out.ConnectTimeout = time.Duration(e.ConnectTimeoutSeconds) * time.Second
	}
	return out
}
