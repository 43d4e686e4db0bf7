package scoring

import (
	"math"
	"strings"

	"github.com/phenomenon0/edgestack/pkg/features"
)

// signalEpsilon is the smallest delta that counts as a signal.
const signalEpsilon = 1e-9

// BaselineLayer adds a weighted sum of the entity's own features.
type BaselineLayer struct {
	name     string
	weights  map[string]float64
	scale    float64
	maxDelta float64
}

func (l *BaselineLayer) Name() string { return l.name }
func (l *BaselineLayer) Kind() Kind   { return KindBaseline }

func (l *BaselineLayer) Apply(s *State, _ *Builder) LayerResult {
	sum, missing := weighted(l.weights, s.Features.Get)
	if len(missing) > 0 {
		return Identity(l.name, KindBaseline, missingFlags(missing)...)
	}
	delta := clampAbs(sum*l.scale, l.maxDelta)
	return LayerResult{
		Layer:       l.name,
		Kind:        KindBaseline,
		Multiplier:  1,
		Delta:       delta,
		Signal:      math.Abs(delta) > signalEpsilon,
		Diagnostics: map[string]float64{"weighted_sum": sum},
	}
}

// DifferentialLayer compares the entity to its opponent on weighted features.
// A differential that agrees with the running direction and clears the
// threshold also earns a conviction multiplier.
type DifferentialLayer struct {
	name      string
	weights   map[string]float64
	scale     float64
	threshold float64
	boost     float64
	maxDelta  float64
}

func (l *DifferentialLayer) Name() string { return l.name }
func (l *DifferentialLayer) Kind() Kind   { return KindDifferential }

func (l *DifferentialLayer) Apply(s *State, b *Builder) LayerResult {
	if s.Opponent == nil {
		return Identity(l.name, KindDifferential, missingFlags([]string{"opponent"})...)
	}
	opp := *s.Opponent
	diff, missing := weighted(l.weights, func(name string) (float64, bool) {
		a, ok := s.Features.Get(name)
		if !ok {
			return 0, false
		}
		o, ok := opp.Get(name)
		if !ok {
			return 0, false
		}
		return a - o, true
	})
	if len(missing) > 0 {
		return Identity(l.name, KindDifferential, missingFlags(missing)...)
	}

	delta := clampAbs(diff*l.scale, l.maxDelta)
	mult := 1.0
	diag := map[string]float64{"differential": diff}
	if l.boost > 0 && math.Abs(diff) >= l.threshold {
		dir := 1.0
		if diff < 0 {
			dir = -1
		}
		if b.Direction() == dir {
			mult = l.boost
			diag["agrees"] = 1
		}
	}
	return LayerResult{
		Layer:       l.name,
		Kind:        KindDifferential,
		Multiplier:  mult,
		Delta:       delta,
		Signal:      math.Abs(delta) > signalEpsilon || mult != 1,
		Diagnostics: diag,
	}
}

// Rule operators for ContextRule.
const (
	OpEq     = "eq"
	OpGte    = "gte"
	OpLte    = "lte"
	OpTruthy = "truthy"
)

// ContextRule applies a multiplier (and optional delta) when a situational
// context field matches.
type ContextRule struct {
	Field      string  `json:"field" yaml:"field"`
	Op         string  `json:"op" yaml:"op"`
	Value      any     `json:"value,omitempty" yaml:"value,omitempty"`
	Multiplier float64 `json:"multiplier" yaml:"multiplier"`
	Delta      float64 `json:"delta,omitempty" yaml:"delta,omitempty"`
}

func (r ContextRule) match(v any) bool {
	switch r.Op {
	case OpTruthy:
		switch t := v.(type) {
		case bool:
			return t
		case string:
			return t != "" && !strings.EqualFold(t, "false") && t != "0"
		}
		x, err := features.ToFloat(v)
		return err == nil && x != 0
	case OpEq:
		if a, err := features.ToFloat(v); err == nil {
			if b, err := features.ToFloat(r.Value); err == nil {
				return a == b
			}
		}
		as, aok := v.(string)
		bs, bok := r.Value.(string)
		return aok && bok && strings.EqualFold(as, bs)
	case OpGte, OpLte:
		a, err := features.ToFloat(v)
		if err != nil {
			return false
		}
		b, err := features.ToFloat(r.Value)
		if err != nil {
			return false
		}
		if r.Op == OpGte {
			return a >= b
		}
		return a <= b
	}
	return false
}

// ContextualLayer amplifies or dampens the score for situational conditions.
type ContextualLayer struct {
	name  string
	rules []ContextRule
}

func (l *ContextualLayer) Name() string { return l.name }
func (l *ContextualLayer) Kind() Kind   { return KindContextual }

func (l *ContextualLayer) Apply(s *State, _ *Builder) LayerResult {
	var missing []string
	present := 0
	mult := 1.0
	delta := 0.0
	diag := make(map[string]float64)
	for _, r := range l.rules {
		v, ok := s.Context[r.Field]
		if !ok || v == nil {
			missing = append(missing, r.Field)
			continue
		}
		present++
		if r.match(v) {
			mult *= r.Multiplier
			delta += r.Delta
			diag["rule:"+r.Field+":"+r.Op] = r.Multiplier
		}
	}
	if present == 0 {
		return Identity(l.name, KindContextual, missingFlags(missing)...)
	}
	for _, m := range missing {
		diag[FlagMissingPrefix+m] = 1
	}
	return LayerResult{
		Layer:       l.name,
		Kind:        KindContextual,
		Multiplier:  mult,
		Delta:       delta,
		Signal:      mult != 1 || delta != 0,
		Diagnostics: diag,
	}
}

// InteractionTerm is a weighted product of two or three features.
type InteractionTerm struct {
	Features []string `json:"features" yaml:"features"`
	Weight   float64  `json:"weight" yaml:"weight"`
}

func (t InteractionTerm) key() string { return strings.Join(t.Features, "*") }

// InteractionLayer adds pairwise and triple feature products.
type InteractionLayer struct {
	name     string
	terms    []InteractionTerm
	scale    float64
	maxDelta float64
}

func (l *InteractionLayer) Name() string { return l.name }
func (l *InteractionLayer) Kind() Kind   { return KindInteraction }

func (l *InteractionLayer) Apply(s *State, _ *Builder) LayerResult {
	var missing []string
	var sum float64
	used := 0
	diag := make(map[string]float64)
	for _, t := range l.terms {
		prod := 1.0
		ok := true
		for _, f := range t.Features {
			x, found := s.Features.Get(f)
			if !found {
				missing = append(missing, f)
				ok = false
				break
			}
			prod *= x
		}
		if !ok {
			continue
		}
		used++
		sum += t.Weight * prod
		diag[t.key()] = prod
	}
	if used == 0 {
		return Identity(l.name, KindInteraction, missingFlags(missing)...)
	}
	for _, m := range missing {
		diag[FlagMissingPrefix+m] = 1
	}
	delta := clampAbs(sum*l.scale, l.maxDelta)
	return LayerResult{
		Layer:       l.name,
		Kind:        KindInteraction,
		Multiplier:  1,
		Delta:       delta,
		Signal:      math.Abs(delta) > signalEpsilon,
		Diagnostics: diag,
	}
}
