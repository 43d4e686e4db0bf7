// Package scoring folds an ordered stack of scoring layers over an entity's
// feature vector and produces a CompositeScore.
//
// The score lives on a 0..100 scale with 50 as neutral. Layers contribute
// additive deltas to a running deviation from neutral and multiplicative
// conviction to a cumulative multiplier; the pipeline owns the ceiling on that
// multiplier and the final clamp.
package scoring

import (
	"math"
	"sort"

	"github.com/phenomenon0/edgestack/pkg/features"
)

// Neutral is the score that expresses no opinion.
const Neutral = 50.0

// Kind tags a layer variant.
type Kind string

const (
	KindBaseline     Kind = "baseline"
	KindDifferential Kind = "differential"
	KindContextual   Kind = "contextual"
	KindMarket       Kind = "market"
	KindInteraction  Kind = "interaction"
	KindCalibration  Kind = "calibration"
)

// Diagnostic flags recorded by layers that fall back to identity.
const (
	FlagMissingInput  = "missing_input"
	FlagInvalidOutput = "invalid_output"
	FlagMissingPrefix = "missing:"
)

// Layer is one step of the scoring fold.
// Implementations must be pure: the same State and Builder always yield the same result.
type Layer interface {
	// Name identifies the layer instance in breakdowns.
	Name() string

	// Kind returns the variant tag.
	Kind() Kind

	// Apply computes the layer's contribution. It must not mutate s or b.
	Apply(s *State, b *Builder) LayerResult
}

// State is the read-only input shared by every layer of one scoring pass.
type State struct {
	Features features.FeatureVector
	Opponent *features.FeatureVector
	Context  map[string]any
	Market   *Market
}

// LayerResult is the output of one layer invocation.
type LayerResult struct {
	Layer       string             `json:"layer"`
	Kind        Kind               `json:"kind"`
	Multiplier  float64            `json:"multiplier"`
	Delta       float64            `json:"delta"`
	Signal      bool               `json:"signal"`
	Diagnostics map[string]float64 `json:"diagnostics,omitempty"`
}

// Identity returns the no-signal result, with each flag recorded as a diagnostic.
func Identity(name string, kind Kind, flags ...string) LayerResult {
	r := LayerResult{Layer: name, Kind: kind, Multiplier: 1}
	if len(flags) > 0 {
		r.Diagnostics = make(map[string]float64, len(flags))
		for _, f := range flags {
			r.Diagnostics[f] = 1
		}
	}
	return r
}

func (r LayerResult) valid() bool {
	return r.Multiplier > 0 &&
		!math.IsNaN(r.Multiplier) && !math.IsInf(r.Multiplier, 0) &&
		!math.IsNaN(r.Delta) && !math.IsInf(r.Delta, 0)
}

// Flagged reports whether the result carries the given diagnostic flag.
func (r LayerResult) Flagged(flag string) bool {
	return r.Diagnostics[flag] != 0
}

// Builder is the running state of a scoring pass. Layers only read it.
type Builder struct {
	deviation  float64
	cumulative float64
	ceiling    float64
	magnitude  float64
	signals    int
	results    []LayerResult
}

func newBuilder(ceiling float64) *Builder {
	return &Builder{cumulative: 1, ceiling: ceiling}
}

// Deviation returns the accumulated deviation from Neutral before multipliers.
func (b *Builder) Deviation() float64 { return b.deviation }

// Cumulative returns the current (already clamped) cumulative multiplier.
func (b *Builder) Cumulative() float64 { return b.cumulative }

// Ceiling returns the cumulative multiplier ceiling.
func (b *Builder) Ceiling() float64 { return b.ceiling }

// Value returns the score as it would be finalized right now.
func (b *Builder) Value() float64 {
	return clamp(Neutral+b.deviation*b.cumulative, 0, 100)
}

// Direction returns +1, -1 or 0 for the sign of the running deviation.
func (b *Builder) Direction() float64 {
	switch {
	case b.deviation > 0:
		return 1
	case b.deviation < 0:
		return -1
	}
	return 0
}

// Results returns the layer results recorded so far.
func (b *Builder) Results() []LayerResult {
	out := make([]LayerResult, len(b.results))
	copy(out, b.results)
	return out
}

// push folds r into the running state, clamping the multiplier as it goes.
func (b *Builder) push(r LayerResult) {
	b.deviation += r.Delta
	b.cumulative *= r.Multiplier
	if b.cumulative > b.ceiling {
		b.cumulative = b.ceiling
	}
	if r.Signal {
		b.signals++
		b.magnitude += math.Abs(r.Delta)
	}
	b.results = append(b.results, r)
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

func clampAbs(x, limit float64) float64 {
	if limit <= 0 {
		return x
	}
	return clamp(x, -limit, limit)
}

// sortedKeys returns the keys of m in order, so float reductions are reproducible.
func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// weighted sums w[name]*value(name) over the weights in sorted order.
// It reports the names whose value is missing.
func weighted(weights map[string]float64, value func(string) (float64, bool)) (float64, []string) {
	var sum float64
	var missing []string
	for _, name := range sortedKeys(weights) {
		x, ok := value(name)
		if !ok {
			missing = append(missing, name)
			continue
		}
		sum += weights[name] * x
	}
	return sum, missing
}

func missingFlags(names []string) []string {
	flags := make([]string, 0, len(names)+1)
	flags = append(flags, FlagMissingInput)
	for _, n := range names {
		flags = append(flags, FlagMissingPrefix+n)
	}
	return flags
}
