package site

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// fileSchema is the on-disk layout of the sites file
type fileSchema struct {
	Sites []siteSchema `yaml:"sites"`
}

type siteSchema struct {
	ID             string `yaml:"id"`
	Name           string `yaml:"name"`
	InverterSerial string `yaml:"inverter_serial"`
	Priority       int    `yaml:"priority"`
	MonitorSOC     *bool  `yaml:"monitor_soc"`
	MonitorVoltage *bool  `yaml:"monitor_voltage"`
}

// Registry is the read-only set of configured sites, in file order
type Registry struct {
	sites []Site
	index map[string]int
}

// LoadRegistry reads and validates the sites file at path
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sites file: %w", err)
	}

	var schema fileSchema
	if err := yaml.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("failed to parse sites yaml: %w", err)
	}

	return NewRegistry(schema.toSites())
}

// NewRegistry builds a registry from already-decoded sites
func NewRegistry(sites []Site) (*Registry, error) {
	if len(sites) == 0 {
		return nil, fmt.Errorf("no sites configured")
	}

	r := &Registry{
		sites: make([]Site, 0, len(sites)),
		index: make(map[string]int, len(sites)),
	}
	for i, s := range sites {
		s.ID = strings.TrimSpace(s.ID)
		if s.ID == "" {
			return nil, fmt.Errorf("site #%d: id is required", i+1)
		}
		if _, dup := r.index[s.ID]; dup {
			return nil, fmt.Errorf("site #%d: duplicate id %q", i+1, s.ID)
		}
		if s.Name == "" {
			s.Name = s.ID
		}
		if !s.MonitorSOC && !s.MonitorVoltage {
			return nil, fmt.Errorf("site %q: at least one of monitor_soc or monitor_voltage must be enabled", s.ID)
		}
		r.index[s.ID] = len(r.sites)
		r.sites = append(r.sites, s)
	}
	return r, nil
}

// All returns a copy of every site in registry order
func (r *Registry) All() []Site {
	out := make([]Site, len(r.sites))
	copy(out, r.sites)
	return out
}

// Get looks a site up by ID
func (r *Registry) Get(id string) (Site, bool) {
	i, ok := r.index[id]
	if !ok {
		return Site{}, false
	}
	return r.sites[i], true
}

// Len returns the number of configured sites
func (r *Registry) Len() int {
	return len(r.sites)
}

func (f fileSchema) toSites() []Site {
	out := make([]Site, 0, len(f.Sites))
	for _, s := range f.Sites {
		out = append(out, Site{
			ID:             s.ID,
			Name:           s.Name,
			InverterSerial: s.InverterSerial,
			Priority:       s.Priority,
			MonitorSOC:     boolOr(s.MonitorSOC, true),
			MonitorVoltage: boolOr(s.MonitorVoltage, true),
		})
	}
	return out
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
