// Package features turns raw entity descriptors into normalized feature vectors.
//
// Key abstractions:
//   - EntityDescriptor: what the caller knows about an entity (name, domain, context)
//   - Domain: per-domain context fields, neutral defaults and normalization stats
//   - Extractor: deterministic descriptor -> FeatureVector conversion
package features

import (
	"encoding/json"
	"fmt"
	"sort"
)

// EntityDescriptor describes an entity to be scored.
type EntityDescriptor struct {
	Name    string         `json:"name" yaml:"name"`
	Domain  string         `json:"domain" yaml:"domain"`
	Context map[string]any `json:"context,omitempty" yaml:"context,omitempty"`
}

// InvalidEntityError is returned when a descriptor cannot be turned into features.
type InvalidEntityError struct {
	Entity string
	Field  string
	Reason string
}

func (e *InvalidEntityError) Error() string {
	if e.Entity == "" {
		return fmt.Sprintf("invalid entity: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid entity %q: %s: %s", e.Entity, e.Field, e.Reason)
}

// Stat holds the normalization statistics of one feature.
type Stat struct {
	Mean float64 `json:"mean" yaml:"mean"`
	Std  float64 `json:"std" yaml:"std"`
}

// Z returns the z-score of x. A non-positive std only centers the value.
func (s Stat) Z(x float64) float64 {
	if s.Std <= 0 {
		return x - s.Mean
	}
	return (x - s.Mean) / s.Std
}

// FeatureVector is an immutable mapping of feature name to normalized value.
type FeatureVector struct {
	domain     string
	sampleSize int
	values     map[string]float64
	names      []string
}

// NewFeatureVector copies values into a new vector.
func NewFeatureVector(domain string, sampleSize int, values map[string]float64) FeatureVector {
	v := FeatureVector{
		domain:     domain,
		sampleSize: sampleSize,
		values:     make(map[string]float64, len(values)),
		names:      make([]string, 0, len(values)),
	}
	for k, x := range values {
		v.values[k] = x
		v.names = append(v.names, k)
	}
	sort.Strings(v.names)
	return v
}

// Get returns the value of a feature.
func (v FeatureVector) Get(name string) (float64, bool) {
	x, ok := v.values[name]
	return x, ok
}

// Names returns the feature names in sorted order.
func (v FeatureVector) Names() []string {
	out := make([]string, len(v.names))
	copy(out, v.names)
	return out
}

// Len returns the number of features.
func (v FeatureVector) Len() int { return len(v.names) }

// Domain returns the domain tag the vector was built for.
func (v FeatureVector) Domain() string { return v.domain }

// SampleSize returns the historical sample count backing the domain.
func (v FeatureVector) SampleSize() int { return v.sampleSize }

// Values returns a copy of the underlying map.
func (v FeatureVector) Values() map[string]float64 {
	out := make(map[string]float64, len(v.values))
	for k, x := range v.values {
		out[k] = x
	}
	return out
}

// MarshalJSON renders the vector as a plain object.
func (v FeatureVector) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Domain     string             `json:"domain"`
		SampleSize int                `json:"sample_size"`
		Values     map[string]float64 `json:"values"`
	}{v.domain, v.sampleSize, v.values})
}
