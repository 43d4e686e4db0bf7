package scoring

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/phenomenon0/edgestack/pkg/features"
)

// MaxConfidence is the confidence ceiling; the pipeline never claims certainty.
const MaxConfidence = 0.95

// CompositeScore is the immutable result of one scoring pass.
type CompositeScore struct {
	Entity               string        `json:"entity"`
	Domain               string        `json:"domain"`
	FinalScore           float64       `json:"final_score"`
	Confidence           float64       `json:"confidence"`
	CumulativeMultiplier float64       `json:"cumulative_multiplier"`
	Layers               []LayerResult `json:"layer_breakdown"`
}

// SignalCount returns how many layers found signal.
func (c CompositeScore) SignalCount() int {
	n := 0
	for _, l := range c.Layers {
		if l.Signal {
			n++
		}
	}
	return n
}

// Request is one scoring input.
type Request struct {
	Entity   features.EntityDescriptor  `json:"entity"`
	Opponent *features.EntityDescriptor `json:"opponent,omitempty"`
	Context  map[string]any             `json:"context,omitempty"`
	Market   *Market                    `json:"market,omitempty"`
}

// Pipeline is an ordered, immutable composition of layers.
// It holds no mutable state and may be shared across goroutines.
type Pipeline struct {
	config    Config
	extractor *features.Extractor
	layers    []Layer
}

// New builds a pipeline from config. A nil extractor uses the default registry.
func New(config Config, extractor *features.Extractor) (*Pipeline, error) {
	if config.MultiplierCeiling == 0 {
		config.MultiplierCeiling = DefaultMultiplierCeiling
	}
	if config.Confidence == (ConfidenceConfig{}) {
		config.Confidence = DefaultConfidence()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline %q: %w", config.Name, err)
	}
	layers, err := BuildLayers(config.Layers)
	if err != nil {
		return nil, err
	}
	if extractor == nil {
		extractor = features.NewExtractor(nil)
	}
	return &Pipeline{config: config, extractor: extractor, layers: layers}, nil
}

// NewWithLayers builds a pipeline from already-constructed layers.
func NewWithLayers(name string, ceiling float64, extractor *features.Extractor, layers ...Layer) *Pipeline {
	if ceiling < 1 {
		ceiling = DefaultMultiplierCeiling
	}
	if extractor == nil {
		extractor = features.NewExtractor(nil)
	}
	return &Pipeline{
		config:    Config{Name: name, MultiplierCeiling: ceiling, Confidence: DefaultConfidence()},
		extractor: extractor,
		layers:    append([]Layer(nil), layers...),
	}
}

// Config returns the pipeline's config.
func (p *Pipeline) Config() Config { return p.config }

// Extractor returns the feature extractor.
func (p *Pipeline) Extractor() *features.Extractor { return p.extractor }

// Layers returns the layer names in application order.
func (p *Pipeline) Layers() []string {
	names := make([]string, len(p.layers))
	for i, l := range p.layers {
		names[i] = l.Name()
	}
	return names
}

// Score extracts features for entity (and opponent, if given) and folds the layers.
func (p *Pipeline) Score(entity features.EntityDescriptor, opponent *features.EntityDescriptor, ctx map[string]any, market *Market) (CompositeScore, error) {
	fv, err := p.extractor.Extract(entity)
	if err != nil {
		return CompositeScore{}, err
	}
	state := &State{Features: fv, Context: ctx, Market: market}
	if opponent != nil {
		ofv, err := p.extractor.Extract(*opponent)
		if err != nil {
			return CompositeScore{}, fmt.Errorf("opponent: %w", err)
		}
		state.Opponent = &ofv
	}
	score := p.Fold(state)
	score.Entity = entity.Name
	return score, nil
}

// ScoreRequest scores a Request.
func (p *Pipeline) ScoreRequest(r Request) (CompositeScore, error) {
	return p.Score(r.Entity, r.Opponent, r.Context, r.Market)
}

// Fold applies the layers to an already-built state.
func (p *Pipeline) Fold(state *State) CompositeScore {
	b := newBuilder(p.config.MultiplierCeiling)
	for _, l := range p.layers {
		r := l.Apply(state, b)
		r.Layer = l.Name()
		r.Kind = l.Kind()
		if !r.valid() {
			log.Debug().
				Str("layer", l.Name()).
				Float64("multiplier", r.Multiplier).
				Float64("delta", r.Delta).
				Msg("layer produced invalid output; using identity")
			r = Identity(l.Name(), l.Kind(), FlagInvalidOutput)
		}
		b.push(r)
	}

	return CompositeScore{
		Domain:               state.Features.Domain(),
		FinalScore:           b.Value(),
		Confidence:           Confidence(b.signals, b.magnitude, state.Features.SampleSize(), p.config.Confidence),
		CumulativeMultiplier: b.cumulative,
		Layers:               b.results,
	}
}

// Confidence is monotone non-decreasing in each of signal count, signal
// magnitude (score points before multipliers) and domain sample size, and is
// clamped to [0, MaxConfidence].
func Confidence(signals int, magnitude float64, samples int, c ConfidenceConfig) float64 {
	if signals <= 0 && magnitude <= 0 {
		return 0
	}
	evidence := c.SignalWeight*float64(signals) + c.MagnitudeWeight*math.Abs(magnitude)
	support := 1.0
	if c.SampleHalf > 0 {
		n := math.Max(float64(samples), 0)
		support = n / (n + c.SampleHalf)
	}
	return clamp((1-math.Exp(-evidence))*support, 0, MaxConfidence)
}

// ScoreBatch scores independent requests in parallel, preserving order.
// The first error cancels the remaining work.
func (p *Pipeline) ScoreBatch(ctx context.Context, reqs []Request, workers int) ([]CompositeScore, error) {
	out := make([]CompositeScore, len(reqs))
	g, ctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for i := range reqs {
		i := i
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			s, err := p.ScoreRequest(reqs[i])
			if err != nil {
				return fmt.Errorf("request %d: %w", i, err)
			}
			out[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
