package scoring

import (
	"fmt"

	"github.com/phenomenon0/edgestack/pkg/features"
)

// DefaultMultiplierCeiling is the default cap on the cumulative multiplier.
const DefaultMultiplierCeiling = 2.5

// LayerConfig declares one layer. Kind selects the variant; fields that do not
// apply to the variant are ignored.
type LayerConfig struct {
	Kind Kind   `json:"kind" yaml:"kind"`
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// baseline, differential
	Weights  map[string]float64 `json:"weights,omitempty" yaml:"weights,omitempty"`
	Scale    float64            `json:"scale,omitempty" yaml:"scale,omitempty"`
	MaxDelta float64            `json:"max_delta,omitempty" yaml:"max_delta,omitempty"`

	// differential
	Threshold float64 `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	Boost     float64 `json:"boost,omitempty" yaml:"boost,omitempty"`

	// contextual
	Rules []ContextRule `json:"rules,omitempty" yaml:"rules,omitempty"`

	// interaction
	Terms []InteractionTerm `json:"terms,omitempty" yaml:"terms,omitempty"`

	// market
	MarketWeight   float64 `json:"market_weight,omitempty" yaml:"market_weight,omitempty"`
	FadeWeight     float64 `json:"fade_weight,omitempty" yaml:"fade_weight,omitempty"`
	SharpThreshold float64 `json:"sharp_threshold,omitempty" yaml:"sharp_threshold,omitempty"`
	SharpBoost     float64 `json:"sharp_boost,omitempty" yaml:"sharp_boost,omitempty"`

	// calibration
	Prior *Prior `json:"prior,omitempty" yaml:"prior,omitempty"`

	// FitPrior lets a backtest replace Prior with the base rate of its fit segment.
	FitPrior bool `json:"fit_prior,omitempty" yaml:"fit_prior,omitempty"`
}

// ConfidenceConfig shapes the confidence function.
type ConfidenceConfig struct {
	SignalWeight    float64 `json:"signal_weight" yaml:"signal_weight"`       // evidence per signal layer
	MagnitudeWeight float64 `json:"magnitude_weight" yaml:"magnitude_weight"` // evidence per score point of signal
	SampleHalf      float64 `json:"sample_half" yaml:"sample_half"`           // samples at which support reaches 1/2
}

// Config configures a pipeline.
type Config struct {
	Name              string           `json:"name" yaml:"name"`
	MultiplierCeiling float64          `json:"multiplier_ceiling" yaml:"multiplier_ceiling"`
	Confidence        ConfidenceConfig `json:"confidence" yaml:"confidence"`
	Layers            []LayerConfig    `json:"layers" yaml:"layers"`
}

// DefaultConfidence returns the default confidence shape.
func DefaultConfidence() ConfidenceConfig {
	return ConfidenceConfig{
		SignalWeight:    0.3,
		MagnitudeWeight: 0.05,
		SampleHalf:      1000,
	}
}

// DefaultConfig returns the default layer stack.
func DefaultConfig() Config {
	return Config{
		Name:              "default",
		MultiplierCeiling: DefaultMultiplierCeiling,
		Confidence:        DefaultConfidence(),
		Layers: []LayerConfig{
			{
				Kind: KindBaseline,
				Name: "baseline",
				Weights: map[string]float64{
					features.FeatNamePlosiveRatio:   0.6,
					features.FeatNameInitialPlosive: 0.4,
					features.FeatNameSyllables:      -0.3,
					features.FeatNameVowelRatio:     0.2,
				},
				Scale:    2,
				MaxDelta: 10,
			},
			{
				Kind: KindDifferential,
				Name: "differential",
				Weights: map[string]float64{
					features.FeatNamePlosiveRatio:   0.5,
					features.FeatNameInitialPlosive: 0.3,
					features.FeatNameLength:         -0.2,
					features.ContextPrefix + "form": 0.8,
				},
				Scale:     3,
				MaxDelta:  15,
				Threshold: 0.5,
				Boost:     1.15,
			},
			{
				Kind: KindContextual,
				Name: "situational",
				Rules: []ContextRule{
					{Field: "playoff", Op: OpTruthy, Multiplier: 1.2},
					{Field: "primetime", Op: OpTruthy, Multiplier: 1.1},
					{Field: "back_to_back", Op: OpTruthy, Multiplier: 0.85},
					{Field: "rivalry", Op: OpTruthy, Multiplier: 1.1},
				},
			},
			{
				Kind: KindInteraction,
				Name: "interaction",
				Terms: []InteractionTerm{
					{Features: []string{features.FeatNamePlosiveRatio, features.FeatNameInitialPlosive}, Weight: 0.5},
					{Features: []string{features.FeatNameSyllables, features.FeatNameLength}, Weight: -0.25},
					{Features: []string{features.FeatNamePlosiveRatio, features.FeatNameVowelRatio, features.FeatNameInitialPlosive}, Weight: 0.2},
				},
				Scale:    1,
				MaxDelta: 5,
			},
			{
				Kind:           KindMarket,
				Name:           "market",
				MarketWeight:   0.5,
				FadeWeight:     0.1,
				SharpThreshold: 15,
				SharpBoost:     1.1,
				MaxDelta:       10,
			},
			{
				Kind:     KindCalibration,
				Name:     "calibration",
				Prior:    &Prior{Value: Neutral, Samples: 2000},
				FitPrior: true,
			},
		},
	}
}

// Validate checks the config.
func (c Config) Validate() error {
	if c.MultiplierCeiling < 1 {
		return fmt.Errorf("multiplier_ceiling must be >= 1, got %v", c.MultiplierCeiling)
	}
	if c.Confidence.SignalWeight < 0 || c.Confidence.MagnitudeWeight < 0 || c.Confidence.SampleHalf < 0 {
		return fmt.Errorf("confidence weights must be non-negative")
	}
	_, err := BuildLayers(c.Layers)
	return err
}

// BuildLayers turns layer configs into layers, preserving order.
func BuildLayers(cfgs []LayerConfig) ([]Layer, error) {
	layers := make([]Layer, 0, len(cfgs))
	seen := make(map[string]bool, len(cfgs))
	for i, lc := range cfgs {
		l, err := buildLayer(lc)
		if err != nil {
			return nil, fmt.Errorf("layer %d (%s): %w", i, lc.Kind, err)
		}
		if seen[l.Name()] {
			return nil, fmt.Errorf("layer %d: duplicate name %q", i, l.Name())
		}
		seen[l.Name()] = true
		layers = append(layers, l)
	}
	return layers, nil
}

func buildLayer(lc LayerConfig) (Layer, error) {
	name := lc.Name
	if name == "" {
		name = string(lc.Kind)
	}
	scale := lc.Scale
	if scale == 0 {
		scale = 1
	}
	if lc.MaxDelta < 0 {
		return nil, fmt.Errorf("max_delta must be non-negative")
	}

	switch lc.Kind {
	case KindBaseline:
		if len(lc.Weights) == 0 {
			return nil, fmt.Errorf("weights required")
		}
		return &BaselineLayer{name: name, weights: copyWeights(lc.Weights), scale: scale, maxDelta: lc.MaxDelta}, nil

	case KindDifferential:
		if len(lc.Weights) == 0 {
			return nil, fmt.Errorf("weights required")
		}
		if lc.Boost < 0 {
			return nil, fmt.Errorf("boost must be positive")
		}
		return &DifferentialLayer{
			name: name, weights: copyWeights(lc.Weights), scale: scale,
			threshold: lc.Threshold, boost: lc.Boost, maxDelta: lc.MaxDelta,
		}, nil

	case KindContextual:
		if len(lc.Rules) == 0 {
			return nil, fmt.Errorf("rules required")
		}
		rules := make([]ContextRule, len(lc.Rules))
		for i, r := range lc.Rules {
			if r.Field == "" {
				return nil, fmt.Errorf("rule %d: field required", i)
			}
			switch r.Op {
			case OpEq, OpGte, OpLte, OpTruthy:
			default:
				return nil, fmt.Errorf("rule %d: unknown op %q", i, r.Op)
			}
			if r.Multiplier <= 0 {
				return nil, fmt.Errorf("rule %d: multiplier must be positive", i)
			}
			rules[i] = r
		}
		return &ContextualLayer{name: name, rules: rules}, nil

	case KindInteraction:
		if len(lc.Terms) == 0 {
			return nil, fmt.Errorf("terms required")
		}
		terms := make([]InteractionTerm, len(lc.Terms))
		for i, t := range lc.Terms {
			if len(t.Features) < 2 || len(t.Features) > 3 {
				return nil, fmt.Errorf("term %d: need 2 or 3 features, got %d", i, len(t.Features))
			}
			terms[i] = InteractionTerm{Features: append([]string(nil), t.Features...), Weight: t.Weight}
		}
		return &InteractionLayer{name: name, terms: terms, scale: scale, maxDelta: lc.MaxDelta}, nil

	case KindMarket:
		if lc.SharpBoost < 0 {
			return nil, fmt.Errorf("sharp_boost must be positive")
		}
		return &MarketLayer{
			name: name, weight: lc.MarketWeight, fadeWeight: lc.FadeWeight,
			sharpThreshold: lc.SharpThreshold, sharpBoost: lc.SharpBoost, maxDelta: lc.MaxDelta,
		}, nil

	case KindCalibration:
		if lc.Prior == nil {
			return nil, fmt.Errorf("prior required")
		}
		p := *lc.Prior
		if p.Samples < 0 {
			return nil, fmt.Errorf("prior samples must be non-negative")
		}
		if p.Weight != nil && (*p.Weight < 0 || *p.Weight > 1) {
			return nil, fmt.Errorf("prior weight must be in [0,1]")
		}
		return NewCalibrationLayer(name, p), nil
	}
	return nil, fmt.Errorf("unknown layer kind %q", lc.Kind)
}

// WithFittedPrior returns a copy of c whose fit_prior calibration layers use prior.
func (c Config) WithFittedPrior(prior Prior) Config {
	out := c
	out.Layers = make([]LayerConfig, len(c.Layers))
	copy(out.Layers, c.Layers)
	for i := range out.Layers {
		if out.Layers[i].Kind == KindCalibration && out.Layers[i].FitPrior {
			p := prior
			out.Layers[i].Prior = &p
		}
	}
	return out
}

func copyWeights(w map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(w))
	for k, v := range w {
		out[k] = v
	}
	return out
}
