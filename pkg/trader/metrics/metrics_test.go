package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phenomenon0/edgestack/pkg/scoring"
	"github.com/phenomenon0/edgestack/pkg/trader/backtest"
	"github.com/phenomenon0/edgestack/pkg/trader/ledger"
	"github.com/phenomenon0/edgestack/pkg/trader/policy"
)

func TestRecordScore(t *testing.T) {
	m := New()
	m.RecordScore(scoring.CompositeScore{
		Domain:     "nba",
		FinalScore: 61,
		Confidence: 0.4,
		Layers: []scoring.LayerResult{
			scoring.Identity("differential", scoring.KindDifferential, scoring.FlagMissingInput, "missing:opponent"),
			{Layer: "baseline", Kind: scoring.KindBaseline, Multiplier: 1, Delta: 3, Signal: true},
		},
	}, 2*time.Millisecond)
	m.RecordScoreError("curling")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ScoresTotal.WithLabelValues("nba", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ScoresTotal.WithLabelValues("curling", "invalid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LayerFlags.WithLabelValues("differential", scoring.FlagMissingInput)))
	assert.Equal(t, 1, testutil.CollectAndCount(m.LayerFlags))
}

func TestRecordDecision(t *testing.T) {
	m := New()
	m.RecordDecision(policy.Decision{Proposal: &policy.BetProposal{
		Side: scoring.SideA, StakeAmount: decimal.NewFromInt(250), Edge: 0.05,
	}})
	m.RecordDecision(policy.Decision{Skip: &policy.SkipDecision{Reason: policy.ReasonDrawdownHalt}})
	m.RecordDecision(policy.Decision{Skip: &policy.SkipDecision{Reason: policy.ReasonDrawdownHalt}})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("bet", "")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("skip", string(policy.ReasonDrawdownHalt))))
}

func TestLedgerCallbacks(t *testing.T) {
	m := New()
	l := ledger.New(nil)
	l.OnEvent(m.RecordLedgerEvent)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	_, err := l.Seed(ctx, decimal.NewFromInt(1000), at)
	require.NoError(t, err)

	bet, _, err := l.Place(ctx, func(policy.BankrollView) policy.Decision {
		return policy.Decision{Proposal: &policy.BetProposal{Side: scoring.SideA, AmericanOdds: 100, StakeAmount: decimal.NewFromInt(100)}}
	}, at, "game-1")
	require.NoError(t, err)
	require.NotNil(t, bet)

	settled, _, err := l.Settle(ctx, bet.ID, ledger.OutcomeLost, at.Add(time.Hour))
	require.NoError(t, err)
	m.RecordSettlement(settled)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.LedgerEvents.WithLabelValues("opened"))+
		testutil.ToFloat64(m.LedgerEvents.WithLabelValues("stake_reserved"))+
		testutil.ToFloat64(m.LedgerEvents.WithLabelValues("settlement")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SettlementsTotal.WithLabelValues("lost")))
	assert.Equal(t, 900.0, testutil.ToFloat64(m.Balance))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.OpenExposure))
	assert.Equal(t, -100.0, testutil.ToFloat64(m.RealizedPnL))
}

func TestRecordBacktest(t *testing.T) {
	m := New()
	m.RecordBacktest(&backtest.Run{Duration: time.Second}, nil)
	m.RecordBacktest(&backtest.Run{TimedOut: true}, errors.New("deadline"))
	m.RecordBacktest(nil, errors.New("boom"))
	m.RecordGrid(&backtest.GridResult{Trials: []backtest.Trial{
		{Status: backtest.TrialCompleted}, {Status: backtest.TrialTimedOut}, {Status: backtest.TrialCompleted},
	}})

	for status, want := range map[string]float64{"completed": 1, "timed_out": 1, "failed": 1} {
		assert.Equal(t, want, testutil.ToFloat64(m.BacktestRuns.WithLabelValues(status)), status)
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(m.GridTrials.WithLabelValues("completed")))
}

func TestDefaultIsSingleton(t *testing.T) {
	assert.Same(t, Default(), Default())
}
