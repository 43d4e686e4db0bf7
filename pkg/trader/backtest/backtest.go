// Package backtest replays historical records through the scoring pipeline
// and stake sizer against a private simulated ledger.
//
// Records are split chronologically: everything the run learns (the
// calibration base rate, feature normalization stats) comes from the fit
// segment, and only the evaluation segment is bet on.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/phenomenon0/edgestack/pkg/features"
	"github.com/phenomenon0/edgestack/pkg/scoring"
	"github.com/phenomenon0/edgestack/pkg/trader/ledger"
	"github.com/phenomenon0/edgestack/pkg/trader/policy"
)

// Config holds backtest configuration.
type Config struct {
	InitialBalance decimal.Decimal `json:"initial_balance" yaml:"initial_balance"`
	FitFraction    float64         `json:"fit_fraction" yaml:"fit_fraction"` // share of records (earliest first) used for fitting
	MinSamples     int             `json:"min_samples" yaml:"min_samples"`   // minimum evaluation records
	FitStats       bool            `json:"fit_stats" yaml:"fit_stats"`       // refit feature normalization on the fit segment
}

// DefaultConfig returns default backtest configuration.
func DefaultConfig() *Config {
	return &Config{
		InitialBalance: decimal.NewFromInt(10000),
		FitFraction:    0.3,
		MinSamples:     30,
		FitStats:       true,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if !c.InitialBalance.IsPositive() {
		return fmt.Errorf("initial_balance must be positive")
	}
	if c.FitFraction < 0 || c.FitFraction >= 1 {
		return fmt.Errorf("fit_fraction must be in [0,1)")
	}
	if c.MinSamples < 1 {
		return fmt.Errorf("min_samples must be at least 1")
	}
	return nil
}

// InsufficientDataError is returned when a segment has too few records.
type InsufficientDataError struct {
	Segment string
	Have    int
	Need    int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data: %s segment has %d records, need at least %d", e.Segment, e.Have, e.Need)
}

// Run is the outcome of one backtest.
type Run struct {
	ID          string        `json:"id"`
	Name        string        `json:"name,omitempty"`
	Pipeline    string        `json:"pipeline"`
	Risk        string        `json:"risk"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
	FitSize     int           `json:"fit_size"`
	EvalSize    int           `json:"eval_size"`
	Evaluated   int           `json:"evaluated"`
	TimedOut    bool          `json:"timed_out,omitempty"`
	Fit         FitResult     `json:"fit"`
	Stats       Stats         `json:"stats"`
	Bets        []ledger.Bet  `json:"bets,omitempty"`
	EquityCurve []EquityPoint `json:"equity_curve,omitempty"`
}

// Harness runs backtests. It holds no per-run state and may be shared.
type Harness struct {
	config    *Config
	extractor *features.Extractor
}

// New creates a harness. A nil config uses defaults; a nil extractor uses
// the built-in domains.
func New(config *Config, extractor *features.Extractor) *Harness {
	if config == nil {
		config = DefaultConfig()
	}
	if extractor == nil {
		extractor = features.NewExtractor(nil)
	}
	return &Harness{config: config, extractor: extractor}
}

// Config returns the harness configuration.
func (h *Harness) Config() *Config { return h.config }

// Prepare splits records and fits on the fit segment.
func (h *Harness) Prepare(records []Record) (fit, eval []Record, res FitResult, err error) {
	fit, eval = Split(records, h.config.FitFraction)
	if len(eval) < h.config.MinSamples {
		return nil, nil, FitResult{}, &InsufficientDataError{Segment: "evaluation", Have: len(eval), Need: h.config.MinSamples}
	}
	res, err = Fit(fit, h.extractor, h.config.FitStats)
	if err != nil {
		return nil, nil, FitResult{}, err
	}
	return fit, eval, res, nil
}

// Run backtests one pipeline/risk combination. The context is checked
// between records; on cancellation Run returns the partial result together
// with the context error.
func (h *Harness) Run(ctx context.Context, records []Record, pipeline scoring.Config, risk *policy.RiskConfig) (*Run, error) {
	if err := h.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid backtest config: %w", err)
	}
	fit, eval, res, err := h.Prepare(records)
	if err != nil {
		return nil, err
	}
	return h.evaluate(ctx, len(fit), eval, res, pipeline, risk)
}

func (h *Harness) evaluate(ctx context.Context, fitSize int, eval []Record, res FitResult, pipeline scoring.Config, risk *policy.RiskConfig) (*Run, error) {
	if risk == nil {
		risk = policy.DefaultRiskConfig()
	}
	if err := risk.Validate(); err != nil {
		return nil, fmt.Errorf("invalid risk config: %w", err)
	}

	extractor, fitted := res.Apply(h.extractor, pipeline)
	p, err := scoring.New(fitted, extractor)
	if err != nil {
		return nil, fmt.Errorf("build pipeline: %w", err)
	}
	sizer := policy.NewSizer(risk)

	run := &Run{
		ID:        uuid.New().String(),
		Pipeline:  pipeline.Name,
		Risk:      risk.Name,
		StartedAt: time.Now(),
		FitSize:   fitSize,
		EvalSize:  len(eval),
		Fit:       res,
	}

	// private ledger; nothing here touches live state
	book := ledger.New(nil)
	if _, err := book.Seed(ctx, h.config.InitialBalance, eval[0].Time); err != nil {
		return nil, fmt.Errorf("seed ledger: %w", err)
	}

	skips := make(map[policy.SkipReason]int)
	var runErr error
	for _, rec := range eval {
		select {
		case <-ctx.Done():
			runErr = ctx.Err()
			run.TimedOut = errors.Is(runErr, context.DeadlineExceeded)
		default:
		}
		if runErr != nil {
			break
		}

		score, err := p.Score(rec.Entity, rec.Opponent, rec.Context, &rec.Market)
		if err != nil {
			return nil, fmt.Errorf("score record %s: %w", rec.ID, err)
		}
		market := rec.Market
		bet, d, err := book.Place(ctx, func(v policy.BankrollView) policy.Decision {
			return sizer.SizeBest(score, market, v)
		}, rec.Time, rec.ID)
		if err != nil {
			return nil, fmt.Errorf("place record %s: %w", rec.ID, err)
		}
		run.Evaluated++
		if bet == nil {
			if d.Skip != nil {
				skips[d.Skip.Reason]++
			}
			continue
		}

		if _, _, err := book.Settle(ctx, bet.ID, settlement(rec, d.Proposal.Side), rec.Time); err != nil {
			return nil, fmt.Errorf("settle record %s: %w", rec.ID, err)
		}
	}

	history := book.History()
	run.Bets = book.Bets()
	run.Stats = ComputeStats(run.Bets, history, h.config.InitialBalance)
	run.Stats.Records = run.Evaluated
	run.Stats.Skips = skips
	run.EquityCurve = EquityCurve(history)
	run.Duration = time.Since(run.StartedAt)

	if err := book.Verify(); err != nil {
		return nil, fmt.Errorf("simulated ledger inconsistent: %w", err)
	}

	log.Debug().
		Str("run", run.ID).
		Str("pipeline", run.Pipeline).
		Str("risk", run.Risk).
		Int("bets", run.Stats.Bets).
		Float64("roi", run.Stats.ROI).
		Float64("sharpe", run.Stats.Sharpe).
		Bool("timed_out", run.TimedOut).
		Msg("backtest finished")

	return run, runErr
}

func settlement(rec Record, side scoring.Side) ledger.Outcome {
	won, push := rec.Won(side)
	switch {
	case push:
		return ledger.OutcomePush
	case won:
		return ledger.OutcomeWon
	}
	return ledger.OutcomeLost
}
