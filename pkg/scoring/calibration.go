package scoring

// Prior is a cross-domain estimate the calibration layer blends toward.
type Prior struct {
	// Value is the prior score on the 0..100 scale.
	Value float64 `json:"value" yaml:"value"`

	// Samples is the evidence behind the prior. Together with the domain's
	// sample size it sets the blend weight.
	Samples int `json:"samples" yaml:"samples"`

	// Weight, when set, overrides the sample-derived blend weight.
	Weight *float64 `json:"weight,omitempty" yaml:"weight,omitempty"`
}

// BlendWeight returns the prior's weight against a domain with domainSamples
// observations: more prior evidence means more weight.
func (p Prior) BlendWeight(domainSamples int) (float64, bool) {
	if p.Weight != nil {
		return clamp(*p.Weight, 0, 1), true
	}
	if domainSamples < 0 {
		domainSamples = 0
	}
	total := p.Samples + domainSamples
	if p.Samples <= 0 || total == 0 {
		return 0, false
	}
	return float64(p.Samples) / float64(total), true
}

// Blend returns observed*(1-w) + prior*w.
func Blend(observed, prior, w float64) float64 {
	return observed*(1-w) + prior*w
}

// CalibrationLayer shrinks the running score toward a prior. It is the only
// layer whose delta is derived from the running value rather than from signal.
type CalibrationLayer struct {
	name  string
	prior Prior
}

// NewCalibrationLayer creates a calibration layer with an injected prior.
func NewCalibrationLayer(name string, prior Prior) *CalibrationLayer {
	if name == "" {
		name = string(KindCalibration)
	}
	return &CalibrationLayer{name: name, prior: prior}
}

func (l *CalibrationLayer) Name() string { return l.name }
func (l *CalibrationLayer) Kind() Kind   { return KindCalibration }

// Prior returns the layer's prior.
func (l *CalibrationLayer) Prior() Prior { return l.prior }

func (l *CalibrationLayer) Apply(s *State, b *Builder) LayerResult {
	w, ok := l.prior.BlendWeight(s.Features.SampleSize())
	if !ok {
		return Identity(l.name, KindCalibration, missingFlags([]string{"prior"})...)
	}

	observed := Neutral + b.Deviation()*b.Cumulative()
	blended := Blend(observed, clamp(l.prior.Value, 0, 100), w)

	// The pipeline finalizes Neutral + deviation*cumulative, so the blend is
	// expressed in pre-multiplier units.
	var delta float64
	if c := b.Cumulative(); c > 0 {
		delta = (blended - observed) / c
	}
	return LayerResult{
		Layer:      l.name,
		Kind:       KindCalibration,
		Multiplier: 1,
		Delta:      delta,
		Diagnostics: map[string]float64{
			"prior_weight": w,
			"prior_value":  l.prior.Value,
			"observed":     observed,
			"blended":      blended,
		},
	}
}
