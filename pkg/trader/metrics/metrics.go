// Package metrics provides Prometheus metrics for scoring, sizing and the bankroll ledger.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/phenomenon0/edgestack/pkg/scoring"
	"github.com/phenomenon0/edgestack/pkg/trader/backtest"
	"github.com/phenomenon0/edgestack/pkg/trader/ledger"
	"github.com/phenomenon0/edgestack/pkg/trader/policy"
)

// Metrics collects and exposes edgestack Prometheus metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Scoring metrics
	ScoresTotal     *prometheus.CounterVec
	ScoreValue      *prometheus.HistogramVec
	ScoreConfidence *prometheus.HistogramVec
	ScoreLatency    *prometheus.HistogramVec
	LayerFlags      *prometheus.CounterVec

	// Sizing metrics
	DecisionsTotal *prometheus.CounterVec
	BetStake       *prometheus.HistogramVec
	BetEdge        *prometheus.HistogramVec

	// Ledger metrics
	LedgerEvents     *prometheus.CounterVec
	SettlementsTotal *prometheus.CounterVec
	RealizedPnL      prometheus.Gauge
	Balance          prometheus.Gauge
	OpenExposure     prometheus.Gauge
	DrawdownPct      prometheus.Gauge

	// Backtest metrics
	BacktestRuns     *prometheus.CounterVec
	BacktestDuration prometheus.Histogram
	GridTrials       *prometheus.CounterVec

	// Orchestrator metrics
	StageLatency *prometheus.HistogramVec
	StageErrors  *prometheus.CounterVec

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	mu       sync.Mutex
	realized decimal.Decimal
}

// New creates a metrics collector with its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		ScoresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgestack_scores_total",
				Help: "Total number of entities scored",
			},
			[]string{"domain", "status"},
		),
		ScoreValue: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "edgestack_score_final",
				Help:    "Final composite score (0-100)",
				Buckets: prometheus.LinearBuckets(0, 10, 11),
			},
			[]string{"domain"},
		),
		ScoreConfidence: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "edgestack_score_confidence",
				Help:    "Composite score confidence (0-0.95)",
				Buckets: prometheus.LinearBuckets(0, 0.1, 10),
			},
			[]string{"domain"},
		),
		ScoreLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "edgestack_score_latency_seconds",
				Help:    "Time to score one entity",
				Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10), // 10us to ~2.6s
			},
			[]string{"domain"},
		),
		LayerFlags: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgestack_layer_flags_total",
				Help: "Layers that fell back to identity, by flag",
			},
			[]string{"layer", "flag"},
		),

		DecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgestack_decisions_total",
				Help: "Sizing decisions by outcome and skip reason",
			},
			[]string{"decision", "reason"},
		),
		BetStake: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "edgestack_bet_stake_usd",
				Help:    "Proposed stake in USD",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
			},
			[]string{"side"},
		),
		BetEdge: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "edgestack_bet_edge_bps",
				Help:    "Edge of proposed bets in basis points",
				Buckets: []float64{0, 25, 50, 100, 150, 200, 300, 500, 1000, 2000},
			},
			[]string{"side"},
		),

		LedgerEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgestack_ledger_events_total",
				Help: "Ledger events appended, by kind",
			},
			[]string{"kind"},
		),
		SettlementsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgestack_settlements_total",
				Help: "Settled bets by outcome",
			},
			[]string{"outcome"},
		),
		RealizedPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "edgestack_realized_pnl_usd",
			Help: "Realized profit and loss in USD (can be negative)",
		}),
		Balance: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "edgestack_balance_usd",
			Help: "Current cash balance in USD",
		}),
		OpenExposure: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "edgestack_open_exposure_usd",
			Help: "Stakes reserved for open bets in USD",
		}),
		DrawdownPct: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "edgestack_drawdown_pct",
			Help: "Current drawdown from peak bankroll",
		}),

		BacktestRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgestack_backtest_runs_total",
				Help: "Backtest runs by status",
			},
			[]string{"status"},
		),
		BacktestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "edgestack_backtest_duration_seconds",
			Help:    "Backtest run duration",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
		}),
		GridTrials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgestack_grid_trials_total",
				Help: "Grid search trials by status",
			},
			[]string{"status"},
		),

		StageLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "edgestack_stage_latency_seconds",
				Help:    "Orchestrator stage latency",
				Buckets: prometheus.ExponentialBuckets(0.0001, 4, 9), // 100us to ~6.5s
			},
			[]string{"stage"},
		),
		StageErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgestack_stage_errors_total",
				Help: "Orchestrator stage failures",
			},
			[]string{"stage"},
		),

		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgestack_http_requests_total",
				Help: "HTTP requests by route and status code",
			},
			[]string{"route", "code"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "edgestack_http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),

		realized: decimal.Zero,
	}

	m.registry.MustRegister(
		m.ScoresTotal,
		m.ScoreValue,
		m.ScoreConfidence,
		m.ScoreLatency,
		m.LayerFlags,
		m.DecisionsTotal,
		m.BetStake,
		m.BetEdge,
		m.LedgerEvents,
		m.SettlementsTotal,
		m.RealizedPnL,
		m.Balance,
		m.OpenExposure,
		m.DrawdownPct,
		m.BacktestRuns,
		m.BacktestDuration,
		m.GridTrials,
		m.StageLatency,
		m.StageErrors,
		m.RequestsTotal,
		m.RequestDuration,
	)
	return m
}

// Registry returns the prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// --- Helper methods for recording metrics ---

// RecordScore records a successful score.
func (m *Metrics) RecordScore(s scoring.CompositeScore, took time.Duration) {
	m.ScoresTotal.WithLabelValues(s.Domain, "ok").Inc()
	m.ScoreValue.WithLabelValues(s.Domain).Observe(s.FinalScore)
	m.ScoreConfidence.WithLabelValues(s.Domain).Observe(s.Confidence)
	m.ScoreLatency.WithLabelValues(s.Domain).Observe(took.Seconds())
	for _, r := range s.Layers {
		if r.Flagged(scoring.FlagMissingInput) {
			m.LayerFlags.WithLabelValues(r.Layer, scoring.FlagMissingInput).Inc()
		}
		if r.Flagged(scoring.FlagInvalidOutput) {
			m.LayerFlags.WithLabelValues(r.Layer, scoring.FlagInvalidOutput).Inc()
		}
	}
}

// RecordScoreError records a rejected scoring request.
func (m *Metrics) RecordScoreError(domain string) {
	m.ScoresTotal.WithLabelValues(domain, "invalid").Inc()
}

// RecordDecision records a sizing decision.
func (m *Metrics) RecordDecision(d policy.Decision) {
	switch {
	case d.Proposal != nil:
		p := d.Proposal
		side := string(p.Side)
		m.DecisionsTotal.WithLabelValues("bet", "").Inc()
		m.BetStake.WithLabelValues(side).Observe(DecimalToFloat64(p.StakeAmount))
		m.BetEdge.WithLabelValues(side).Observe(p.Edge * 10000)
	case d.Skip != nil:
		m.DecisionsTotal.WithLabelValues("skip", string(d.Skip.Reason)).Inc()
	}
}

// RecordLedgerEvent records an appended ledger event and the state it produced.
// It has the signature of a ledger OnEvent callback.
func (m *Metrics) RecordLedgerEvent(ev ledger.Event, st ledger.BankrollState) {
	m.LedgerEvents.WithLabelValues(string(ev.Kind)).Inc()
	m.Balance.Set(DecimalToFloat64(st.Balance))
	m.OpenExposure.Set(DecimalToFloat64(st.OpenExposure))

	if ev.Kind == ledger.EventSettlement {
		m.SettlementsTotal.WithLabelValues(string(ev.Outcome)).Inc()
	}
}

// RecordSettlement adds a settled bet's profit to realized P&L.
func (m *Metrics) RecordSettlement(bet ledger.Bet) {
	m.mu.Lock()
	m.realized = m.realized.Add(bet.Profit())
	total := m.realized
	m.mu.Unlock()
	m.RealizedPnL.Set(DecimalToFloat64(total))
}

// UpdateDrawdown sets the current drawdown gauge.
func (m *Metrics) UpdateDrawdown(dd float64) {
	m.DrawdownPct.Set(dd)
}

// RecordBacktest records a finished backtest run.
func (m *Metrics) RecordBacktest(run *backtest.Run, err error) {
	status := "completed"
	switch {
	case run != nil && run.TimedOut:
		status = "timed_out"
	case err != nil:
		status = "failed"
	}
	m.BacktestRuns.WithLabelValues(status).Inc()
	if run != nil {
		m.BacktestDuration.Observe(run.Duration.Seconds())
	}
}

// RecordGrid records every trial of a grid search.
func (m *Metrics) RecordGrid(res *backtest.GridResult) {
	for _, t := range res.Trials {
		m.GridTrials.WithLabelValues(string(t.Status)).Inc()
	}
}

// RecordStage records an orchestrator stage execution.
func (m *Metrics) RecordStage(stage string, took time.Duration, failed bool) {
	m.StageLatency.WithLabelValues(stage).Observe(took.Seconds())
	if failed {
		m.StageErrors.WithLabelValues(stage).Inc()
	}
}

// RecordRequest records one HTTP request.
func (m *Metrics) RecordRequest(route, code string, took time.Duration) {
	m.RequestsTotal.WithLabelValues(route, code).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(took.Seconds())
}

// --- Decimal helpers ---

// DecimalToFloat64 safely converts decimal.Decimal to float64 for metrics.
func DecimalToFloat64(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

// Global instance for convenience
var defaultMetrics *Metrics
var once sync.Once

// Default returns the default global metrics instance.
func Default() *Metrics {
	once.Do(func() {
		defaultMetrics = New()
	})
	return defaultMetrics
}
