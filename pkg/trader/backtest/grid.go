package backtest

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/phenomenon0/edgestack/pkg/scoring"
	"github.com/phenomenon0/edgestack/pkg/trader/policy"
)

// Objective names accepted by the grid search.
const (
	ObjectiveSharpe       = "sharpe"
	ObjectiveROI          = "roi"
	ObjectiveWinRate      = "win_rate"
	ObjectiveFinalBalance = "final_balance"
	ObjectiveMaxDrawdown  = "max_drawdown"
)

// Objective scores a run's stats. Higher is better unless Minimize is set.
type Objective struct {
	Name     string
	Minimize bool
	value    func(Stats) float64
}

// Value returns the raw objective value of s.
func (o Objective) Value(s Stats) float64 { return o.value(s) }

// ParseObjective returns the named objective; "" selects sharpe.
func ParseObjective(name string) (Objective, error) {
	switch name {
	case "", ObjectiveSharpe:
		return Objective{Name: ObjectiveSharpe, value: func(s Stats) float64 { return s.Sharpe }}, nil
	case ObjectiveROI:
		return Objective{Name: name, value: func(s Stats) float64 { return s.ROI }}, nil
	case ObjectiveWinRate:
		return Objective{Name: name, value: func(s Stats) float64 { return s.WinRate }}, nil
	case ObjectiveFinalBalance:
		return Objective{Name: name, value: func(s Stats) float64 { return s.FinalBalance.InexactFloat64() }}, nil
	case ObjectiveMaxDrawdown:
		return Objective{Name: name, Minimize: true, value: func(s Stats) float64 { return s.MaxDrawdown }}, nil
	}
	return Objective{}, fmt.Errorf("unknown objective %q", name)
}

// GridSpec describes a parameter grid: every pipeline is tried with every
// risk config.
type GridSpec struct {
	Pipelines    []scoring.Config    `json:"pipelines" yaml:"pipelines"`
	Risks        []policy.RiskConfig `json:"risks" yaml:"risks"`
	Objective    string              `json:"objective" yaml:"objective"`
	Workers      int                 `json:"workers" yaml:"workers"`
	TrialTimeout time.Duration       `json:"trial_timeout" yaml:"trial_timeout"` // per-trial wall-clock budget, 0 = none
}

// Validate checks the grid.
func (g GridSpec) Validate() error {
	if len(g.Pipelines) == 0 {
		return fmt.Errorf("grid needs at least one pipeline")
	}
	if len(g.Risks) == 0 {
		return fmt.Errorf("grid needs at least one risk config")
	}
	if _, err := ParseObjective(g.Objective); err != nil {
		return err
	}
	if g.TrialTimeout < 0 {
		return fmt.Errorf("trial_timeout must be non-negative")
	}
	seen := make(map[string]bool)
	for i, p := range g.Pipelines {
		if p.Name == "" {
			return fmt.Errorf("pipeline %d: name required", i)
		}
		if seen["p:"+p.Name] {
			return fmt.Errorf("duplicate pipeline %q", p.Name)
		}
		seen["p:"+p.Name] = true
		if err := p.Validate(); err != nil {
			return fmt.Errorf("pipeline %s: %w", p.Name, err)
		}
	}
	for i := range g.Risks {
		r := &g.Risks[i]
		if r.Name == "" {
			return fmt.Errorf("risk %d: name required", i)
		}
		if seen["r:"+r.Name] {
			return fmt.Errorf("duplicate risk config %q", r.Name)
		}
		seen["r:"+r.Name] = true
		if err := r.Validate(); err != nil {
			return fmt.Errorf("risk %s: %w", r.Name, err)
		}
	}
	return nil
}

// TrialStatus is the terminal state of a grid trial.
type TrialStatus string

const (
	TrialCompleted TrialStatus = "completed"
	TrialTimedOut  TrialStatus = "timed_out"
	TrialFailed    TrialStatus = "failed"
)

// Trial is one ranked grid combination.
type Trial struct {
	Rank      int         `json:"rank"`
	Name      string      `json:"name"`
	Pipeline  string      `json:"pipeline"`
	Risk      string      `json:"risk"`
	Status    TrialStatus `json:"status"`
	Objective float64     `json:"objective"`
	Error     string      `json:"error,omitempty"`
	Run       *Run        `json:"run,omitempty"`
}

// GridResult is the ranked outcome of a grid search.
type GridResult struct {
	Objective string        `json:"objective"`
	FitSize   int           `json:"fit_size"`
	EvalSize  int           `json:"eval_size"`
	Duration  time.Duration `json:"duration"`
	Trials    []Trial       `json:"trials"`
}

// Best returns the top-ranked completed trial.
func (r *GridResult) Best() (Trial, bool) {
	if len(r.Trials) == 0 || r.Trials[0].Status != TrialCompleted {
		return Trial{}, false
	}
	return r.Trials[0], true
}

// Grid runs every pipeline/risk combination in parallel, each against its
// own ledger, and ranks the results. Trials that time out or fail rank last.
// Splitting and fitting happen once; every trial sees the same segments.
func (h *Harness) Grid(ctx context.Context, records []Record, spec GridSpec) (*GridResult, error) {
	if err := h.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid backtest config: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid grid: %w", err)
	}
	obj, _ := ParseObjective(spec.Objective)

	fit, eval, res, err := h.Prepare(records)
	if err != nil {
		return nil, err
	}

	workers := spec.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	start := time.Now()
	trials := make([]Trial, 0, len(spec.Pipelines)*len(spec.Risks))
	for _, p := range spec.Pipelines {
		for _, r := range spec.Risks {
			trials = append(trials, Trial{Name: p.Name + "/" + r.Name, Pipeline: p.Name, Risk: r.Name})
		}
	}

	g := new(errgroup.Group)
	g.SetLimit(workers)
	idx := 0
	for _, p := range spec.Pipelines {
		for ri := range spec.Risks {
			i, pipeline, risk := idx, p, spec.Risks[ri]
			idx++
			g.Go(func() error {
				if err := ctx.Err(); err != nil {
					trials[i].Status = TrialFailed
					trials[i].Error = err.Error()
					return nil
				}
				tctx, cancel := ctx, context.CancelFunc(func() {})
				if spec.TrialTimeout > 0 {
					tctx, cancel = context.WithTimeout(ctx, spec.TrialTimeout)
				}
				defer cancel()

				run, err := h.evaluate(tctx, len(fit), eval, res, pipeline, &risk)
				trials[i].Run = run
				switch {
				case err == nil:
					trials[i].Status = TrialCompleted
					trials[i].Objective = obj.Value(run.Stats)
				case errors.Is(err, context.DeadlineExceeded) && run != nil:
					trials[i].Status = TrialTimedOut
					trials[i].Error = err.Error()
				default:
					trials[i].Status = TrialFailed
					trials[i].Error = err.Error()
				}
				log.Debug().Str("trial", trials[i].Name).Str("status", string(trials[i].Status)).Msg("grid trial done")
				return nil
			})
		}
	}
	_ = g.Wait()

	rankTrials(trials, obj)
	return &GridResult{
		Objective: obj.Name,
		FitSize:   len(fit),
		EvalSize:  len(eval),
		Duration:  time.Since(start),
		Trials:    trials,
	}, nil
}

// rankTrials orders completed trials by objective, then everything else.
// Ties keep grid order.
func rankTrials(trials []Trial, obj Objective) {
	sort.SliceStable(trials, func(i, j int) bool {
		a, b := trials[i], trials[j]
		if (a.Status == TrialCompleted) != (b.Status == TrialCompleted) {
			return a.Status == TrialCompleted
		}
		if a.Status != TrialCompleted {
			return false
		}
		if obj.Minimize {
			return a.Objective < b.Objective
		}
		return a.Objective > b.Objective
	})
	for i := range trials {
		trials[i].Rank = i + 1
	}
}
