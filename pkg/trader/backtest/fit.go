package backtest

import (
	"fmt"
	"math"
	"sort"

	"github.com/phenomenon0/edgestack/pkg/features"
	"github.com/phenomenon0/edgestack/pkg/scoring"
)

// minStatSamples is the fewest observations a fitted feature stat needs.
const minStatSamples = 5

// FitResult holds everything derived from the fit segment.
type FitResult struct {
	Samples  int                                 `json:"samples"`
	Pushes   int                                 `json:"pushes"`
	BaseRate float64                             `json:"base_rate"` // smoothed primary-side win rate
	Prior    scoring.Prior                       `json:"prior"`
	Stats    map[string]map[string]features.Stat `json:"stats,omitempty"` // domain -> feature -> stat
}

// Fit derives a calibration prior and feature normalization stats from the
// fit segment only. Records must already be in chronological order.
func Fit(records []Record, extractor *features.Extractor, withStats bool) (FitResult, error) {
	res := FitResult{Samples: len(records)}

	wins, decided := 0, 0
	for _, r := range records {
		if r.Push() {
			res.Pushes++
			continue
		}
		decided++
		if r.PrimaryWon() {
			wins++
		}
	}
	// Laplace smoothing keeps an empty or one-sided fit segment off the rails
	res.BaseRate = (float64(wins) + 1) / (float64(decided) + 2)
	res.Prior = scoring.Prior{Value: res.BaseRate * 100, Samples: decided}

	if !withStats || extractor == nil {
		return res, nil
	}

	type acc struct {
		n          int
		sum, sumSq float64
	}
	accs := make(map[string]map[string]*acc)
	observe := func(desc features.EntityDescriptor) error {
		raw, err := extractor.Raw(desc)
		if err != nil {
			return err
		}
		dom, _ := extractor.Registry().Lookup(desc.Domain)
		byFeat := accs[dom.Name]
		if byFeat == nil {
			byFeat = make(map[string]*acc)
			accs[dom.Name] = byFeat
		}
		for name, x := range raw {
			a := byFeat[name]
			if a == nil {
				a = &acc{}
				byFeat[name] = a
			}
			a.n++
			a.sum += x
			a.sumSq += x * x
		}
		return nil
	}

	for _, r := range records {
		if err := observe(r.Entity); err != nil {
			return FitResult{}, fmt.Errorf("fit record %s: %w", r.ID, err)
		}
		if r.Opponent != nil {
			if err := observe(*r.Opponent); err != nil {
				return FitResult{}, fmt.Errorf("fit record %s opponent: %w", r.ID, err)
			}
		}
	}

	for dom, byFeat := range accs {
		stats := make(map[string]features.Stat)
		for name, a := range byFeat {
			if a.n < minStatSamples {
				continue
			}
			mean := a.sum / float64(a.n)
			variance := a.sumSq/float64(a.n) - mean*mean
			if variance <= 1e-12 {
				continue
			}
			stats[name] = features.Stat{Mean: mean, Std: math.Sqrt(variance)}
		}
		if len(stats) == 0 {
			continue
		}
		if res.Stats == nil {
			res.Stats = make(map[string]map[string]features.Stat)
		}
		res.Stats[dom] = stats
	}
	return res, nil
}

// Apply returns an extractor carrying the fitted stats and a pipeline config
// carrying the fitted prior.
func (f FitResult) Apply(extractor *features.Extractor, cfg scoring.Config) (*features.Extractor, scoring.Config) {
	domains := make([]string, 0, len(f.Stats))
	for d := range f.Stats {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	for _, d := range domains {
		extractor = extractor.WithStats(d, f.Stats[d])
	}
	return extractor, cfg.WithFittedPrior(f.Prior)
}
