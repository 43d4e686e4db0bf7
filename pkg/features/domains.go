package features

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// FieldSpec declares one numeric context field of a domain.
type FieldSpec struct {
	Name     string  `json:"name" yaml:"name"`
	Required bool    `json:"required,omitempty" yaml:"required,omitempty"`
	Median   float64 `json:"median" yaml:"median"` // neutral default when the field is absent
	Stat     Stat    `json:"stat" yaml:"stat"`
}

// Domain describes a scoring domain (a league, a sport, a venue class).
type Domain struct {
	Name       string          `json:"name" yaml:"name"`
	SampleSize int             `json:"sample_size" yaml:"sample_size"`
	Fields     []FieldSpec     `json:"fields,omitempty" yaml:"fields,omitempty"`
	NameStats  map[string]Stat `json:"name_stats,omitempty" yaml:"name_stats,omitempty"`
}

func (d Domain) validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("domain name is empty")
	}
	if d.SampleSize < 0 {
		return fmt.Errorf("domain %s: negative sample size", d.Name)
	}
	seen := make(map[string]bool, len(d.Fields))
	for _, f := range d.Fields {
		if f.Name == "" {
			return fmt.Errorf("domain %s: field with empty name", d.Name)
		}
		if seen[f.Name] {
			return fmt.Errorf("domain %s: duplicate field %s", d.Name, f.Name)
		}
		seen[f.Name] = true
	}
	return nil
}

// Registry holds the known domains.
type Registry struct {
	mu      sync.RWMutex
	domains map[string]Domain
}

// NewRegistry creates a registry from the given domains.
func NewRegistry(domains ...Domain) (*Registry, error) {
	r := &Registry{domains: make(map[string]Domain, len(domains))}
	for _, d := range domains {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds or replaces a domain.
func (r *Registry) Register(d Domain) error {
	if err := d.validate(); err != nil {
		return err
	}
	d.Name = strings.ToLower(strings.TrimSpace(d.Name))

	r.mu.Lock()
	defer r.mu.Unlock()
	r.domains[d.Name] = d
	return nil
}

// Lookup returns a domain by tag (case-insensitive).
func (r *Registry) Lookup(name string) (Domain, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.domains[strings.ToLower(strings.TrimSpace(name))]
	return d, ok
}

// Names returns the registered domain tags, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.domains))
	for n := range r.domains {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// defaultNameStats are population stats for the linguistic features.
var defaultNameStats = map[string]Stat{
	FeatNameLength:         {Mean: 12, Std: 4},
	FeatNameWords:          {Mean: 2, Std: 0.6},
	FeatNameSyllables:      {Mean: 4, Std: 1.5},
	FeatNameVowelRatio:     {Mean: 0.38, Std: 0.07},
	FeatNamePlosiveRatio:   {Mean: 0.2, Std: 0.08},
	FeatNameSibilantRatio:  {Mean: 0.1, Std: 0.06},
	FeatNameRepeatRatio:    {Mean: 0.05, Std: 0.05},
	FeatNameInitialPlosive: {Mean: 0.35, Std: 0.48},
}

func teamFields() []FieldSpec {
	return []FieldSpec{
		{Name: "rest_days", Median: 2, Stat: Stat{Mean: 2.2, Std: 1.3}},
		{Name: "travel_km", Median: 800, Stat: Stat{Mean: 950, Std: 700}},
		{Name: "form", Median: 0, Stat: Stat{Mean: 0, Std: 1}},
	}
}

// DefaultDomains returns the built-in domains.
func DefaultDomains() []Domain {
	return []Domain{
		{Name: "nba", SampleSize: 12000, Fields: teamFields()},
		{Name: "nfl", SampleSize: 2800, Fields: teamFields()},
		{Name: "mlb", SampleSize: 24000, Fields: teamFields()},
		{Name: "nhl", SampleSize: 13000, Fields: teamFields()},
		{Name: "soccer", SampleSize: 30000, Fields: teamFields()},
		{Name: "tennis", SampleSize: 40000, Fields: []FieldSpec{
			{Name: "ranking", Median: 60, Stat: Stat{Mean: 80, Std: 70}},
			{Name: "rest_days", Median: 2, Stat: Stat{Mean: 2.5, Std: 1.8}},
			{Name: "form", Median: 0, Stat: Stat{Mean: 0, Std: 1}},
		}},
		{Name: "venue", SampleSize: 1500, Fields: []FieldSpec{
			{Name: "capacity", Median: 20000, Stat: Stat{Mean: 30000, Std: 22000}},
			{Name: "altitude_m", Median: 150, Stat: Stat{Mean: 300, Std: 450}},
		}},
	}
}

// DefaultRegistry returns a registry with the built-in domains.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(DefaultDomains()...)
	if err != nil {
		panic(fmt.Sprintf("built-in domains invalid: %v", err))
	}
	return r
}
