// Package orchestrator coordinates scoring, sizing and the live ledger.
//
// Every operation runs as a sequence of stages (score, size, reserve,
// settle, publish); stage results go to an optional callback and to metrics.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/phenomenon0/edgestack/pkg/scoring"
	"github.com/phenomenon0/edgestack/pkg/trader/ledger"
	"github.com/phenomenon0/edgestack/pkg/trader/metrics"
	"github.com/phenomenon0/edgestack/pkg/trader/policy"
	"github.com/phenomenon0/edgestack/pkg/trader/streaming"
)

// Stage represents a stage of an orchestrated operation.
type Stage string

const (
	StageScore   Stage = "score"
	StageSize    Stage = "size"
	StageReserve Stage = "reserve"
	StageSettle  Stage = "settle"
	StagePublish Stage = "publish"
)

// StageResult holds the result of a stage execution.
type StageResult struct {
	Stage     Stage         `json:"stage"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// Config configures the orchestrator.
type Config struct {
	BatchWorkers   int           // parallel scorers for RecommendBatch; 0 = GOMAXPROCS
	PublishTimeout time.Duration // budget for publishing one event
}

// DefaultConfig returns default configuration.
func DefaultConfig() *Config {
	return &Config{
		BatchWorkers:   0,
		PublishTimeout: 2 * time.Second,
	}
}

// Recommendation is a read-only sizing of one request.
type Recommendation struct {
	Score    scoring.CompositeScore `json:"composite_score"`
	Decision policy.Decision        `json:"decision"`
}

// Placement is the result of Place. Bet is nil when the sizer skipped.
type Placement struct {
	Score    scoring.CompositeScore `json:"composite_score"`
	Decision policy.Decision        `json:"decision"`
	Bet      *ledger.Bet            `json:"bet,omitempty"`
}

// Orchestrator wires a pipeline, a sizer and a ledger together.
type Orchestrator struct {
	config    *Config
	pipeline  *scoring.Pipeline
	sizer     *policy.Sizer
	ledger    *ledger.Ledger
	publisher streaming.Publisher
	metrics   *metrics.Metrics

	onStageComplete func(*StageResult)
}

// NewOrchestrator creates an orchestrator. The ledger must already be loaded.
func NewOrchestrator(config *Config, pipeline *scoring.Pipeline, sizer *policy.Sizer, book *ledger.Ledger) *Orchestrator {
	if config == nil {
		config = DefaultConfig()
	}
	return &Orchestrator{
		config:   config,
		pipeline: pipeline,
		sizer:    sizer,
		ledger:   book,
	}
}

// SetPublisher sets where events go.
func (o *Orchestrator) SetPublisher(p streaming.Publisher) {
	o.publisher = p
}

// SetMetrics enables metrics and hooks them to ledger events.
func (o *Orchestrator) SetMetrics(m *metrics.Metrics) {
	o.metrics = m
	if m != nil {
		o.ledger.OnEvent(m.RecordLedgerEvent)
		m.UpdateDrawdown(o.ledger.DrawdownFromPeak())
	}
}

// OnStageComplete sets a callback for stage completions.
func (o *Orchestrator) OnStageComplete(fn func(*StageResult)) {
	o.onStageComplete = fn
}

// Pipeline returns the scoring pipeline.
func (o *Orchestrator) Pipeline() *scoring.Pipeline { return o.pipeline }

// Ledger returns the live ledger.
func (o *Orchestrator) Ledger() *ledger.Ledger { return o.ledger }

// Score scores one request.
func (o *Orchestrator) Score(ctx context.Context, req scoring.Request) (scoring.CompositeScore, error) {
	var score scoring.CompositeScore
	err := o.runStage(StageScore, func() error {
		start := time.Now()
		s, err := o.pipeline.ScoreRequest(req)
		if err != nil {
			if o.metrics != nil {
				o.metrics.RecordScoreError(req.Entity.Domain)
			}
			return err
		}
		if o.metrics != nil {
			o.metrics.RecordScore(s, time.Since(start))
		}
		score = s
		return nil
	})
	if err != nil {
		return scoring.CompositeScore{}, err
	}
	o.publish(ctx, streaming.EventTypeScore, score)
	return score, nil
}

// Recommend scores a request and sizes it against a snapshot of the ledger.
// Nothing is reserved.
func (o *Orchestrator) Recommend(ctx context.Context, req scoring.Request) (*Recommendation, error) {
	if req.Market == nil {
		return nil, fmt.Errorf("recommend needs a market")
	}
	score, err := o.Score(ctx, req)
	if err != nil {
		return nil, err
	}
	var d policy.Decision
	_ = o.runStage(StageSize, func() error {
		d = o.sizer.SizeBest(score, *req.Market, o.ledger.Snapshot())
		return nil
	})
	o.recordDecision(ctx, d)
	return &Recommendation{Score: score, Decision: d}, nil
}

// RecommendBatch recommends many requests, scoring them in parallel. Every
// recommendation sees the same ledger snapshot.
func (o *Orchestrator) RecommendBatch(ctx context.Context, reqs []scoring.Request) ([]Recommendation, error) {
	for i, r := range reqs {
		if r.Market == nil {
			return nil, fmt.Errorf("request %d: recommend needs a market", i)
		}
	}
	var scores []scoring.CompositeScore
	err := o.runStage(StageScore, func() error {
		var err error
		scores, err = o.pipeline.ScoreBatch(ctx, reqs, o.config.BatchWorkers)
		return err
	})
	if err != nil {
		return nil, err
	}

	view := o.ledger.Snapshot()
	out := make([]Recommendation, len(reqs))
	for i, s := range scores {
		out[i] = Recommendation{Score: s, Decision: o.sizer.SizeBest(s, *reqs[i].Market, view)}
		if o.metrics != nil {
			o.metrics.RecordScore(s, 0)
			o.metrics.RecordDecision(out[i].Decision)
		}
	}
	return out, nil
}

// Place scores a request, sizes it and reserves the stake in one atomic
// ledger operation. ref is stored with the bet (for example a game id).
func (o *Orchestrator) Place(ctx context.Context, req scoring.Request, ref string, at time.Time) (*Placement, error) {
	if req.Market == nil {
		return nil, fmt.Errorf("place needs a market")
	}
	score, err := o.Score(ctx, req)
	if err != nil {
		return nil, err
	}

	var (
		bet *ledger.Bet
		d   policy.Decision
	)
	err = o.runStage(StageReserve, func() error {
		var err error
		bet, d, err = o.ledger.Place(ctx, func(v policy.BankrollView) policy.Decision {
			return o.sizer.SizeBest(score, *req.Market, v)
		}, at, ref)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("reserve stake: %w", err)
	}
	o.recordDecision(ctx, d)

	if bet != nil {
		log.Info().
			Str("bet_id", bet.ID).
			Str("entity", score.Entity).
			Str("side", string(d.Proposal.Side)).
			Str("stake", bet.Stake.StringFixed(2)).
			Int("odds", bet.Odds).
			Msg("bet placed")
		o.publish(ctx, streaming.EventTypeBetPlaced, bet)
		o.publishBankroll(ctx)
	}
	return &Placement{Score: score, Decision: d, Bet: bet}, nil
}

// Settle records the outcome of an open bet.
func (o *Orchestrator) Settle(ctx context.Context, betID string, outcome ledger.Outcome, at time.Time) (ledger.Bet, ledger.BankrollState, error) {
	var (
		bet ledger.Bet
		st  ledger.BankrollState
	)
	err := o.runStage(StageSettle, func() error {
		var err error
		bet, st, err = o.ledger.Settle(ctx, betID, outcome, at)
		return err
	})
	if err != nil {
		return ledger.Bet{}, ledger.BankrollState{}, err
	}
	if o.metrics != nil {
		o.metrics.RecordSettlement(bet)
	}
	log.Info().
		Str("bet_id", bet.ID).
		Str("outcome", string(outcome)).
		Str("balance", st.Balance.StringFixed(2)).
		Msg("bet settled")

	o.publish(ctx, streaming.EventTypeBetSettled, bet)
	o.publishBankroll(ctx)
	return bet, st, nil
}

// Status is a snapshot of the live system.
type Status struct {
	Pipeline string         `json:"pipeline"`
	Layers   []string       `json:"layers"`
	Risk     policy.Status  `json:"risk"`
	Ledger   ledger.Summary `json:"ledger"`
}

// GetStatus returns the current status.
func (o *Orchestrator) GetStatus() *Status {
	return &Status{
		Pipeline: o.pipeline.Config().Name,
		Layers:   o.pipeline.Layers(),
		Risk:     o.sizer.Config().StatusOf(o.ledger.Snapshot()),
		Ledger:   o.ledger.Summary(),
	}
}

func (o *Orchestrator) recordDecision(ctx context.Context, d policy.Decision) {
	if o.metrics != nil {
		o.metrics.RecordDecision(d)
	}
	if d.Skip != nil {
		log.Debug().Str("reason", string(d.Skip.Reason)).Str("detail", d.Skip.Detail).Msg("no bet")
	}
	o.publish(ctx, streaming.EventTypeDecision, d)
}

func (o *Orchestrator) publishBankroll(ctx context.Context) {
	dd := o.ledger.DrawdownFromPeak()
	if o.metrics != nil {
		o.metrics.UpdateDrawdown(dd)
	}
	o.publish(ctx, streaming.EventTypeBankroll, o.ledger.Summary())
}

// publish never fails the operation; the ledger is the source of truth.
func (o *Orchestrator) publish(ctx context.Context, t streaming.EventType, data any) {
	if o.publisher == nil {
		return
	}
	_ = o.runStage(StagePublish, func() error {
		pctx := ctx
		if o.config.PublishTimeout > 0 {
			var cancel context.CancelFunc
			pctx, cancel = context.WithTimeout(ctx, o.config.PublishTimeout)
			defer cancel()
		}
		err := o.publisher.Publish(pctx, streaming.Event{Type: t, Timestamp: time.Now().UTC(), Data: data})
		if err != nil {
			log.Warn().Err(err).Str("type", string(t)).Msg("publish failed")
		}
		return err
	})
}

func (o *Orchestrator) runStage(stage Stage, fn func() error) error {
	start := time.Now()
	err := fn()

	result := &StageResult{
		Stage:     stage,
		Success:   err == nil,
		Duration:  time.Since(start),
		Timestamp: time.Now(),
	}
	if err != nil {
		result.Error = err.Error()
	}
	if o.metrics != nil {
		o.metrics.RecordStage(string(stage), result.Duration, err != nil)
	}
	if o.onStageComplete != nil {
		o.onStageComplete(result)
	}
	return err
}
