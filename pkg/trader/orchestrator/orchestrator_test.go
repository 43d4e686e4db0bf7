package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phenomenon0/edgestack/pkg/features"
	"github.com/phenomenon0/edgestack/pkg/scoring"
	"github.com/phenomenon0/edgestack/pkg/trader/ledger"
	"github.com/phenomenon0/edgestack/pkg/trader/metrics"
	"github.com/phenomenon0/edgestack/pkg/trader/policy"
	"github.com/phenomenon0/edgestack/pkg/trader/streaming"
)

var t0 = time.Date(2024, 11, 2, 19, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []streaming.Event
}

func (r *recorder) Publish(_ context.Context, ev streaming.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) types() []streaming.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]streaming.EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func setup(t *testing.T) (*Orchestrator, *recorder, *metrics.Metrics) {
	t.Helper()
	p, err := scoring.New(scoring.DefaultConfig(), nil)
	require.NoError(t, err)

	book := ledger.New(nil)
	_, err = book.Seed(context.Background(), decimal.NewFromInt(10000), t0)
	require.NoError(t, err)

	o := NewOrchestrator(nil, p, policy.NewSizer(nil), book)
	rec := &recorder{}
	m := metrics.New()
	o.SetPublisher(rec)
	o.SetMetrics(m)
	return o, rec, m
}

func request() scoring.Request {
	return scoring.Request{
		Entity: features.EntityDescriptor{
			Name: "Minnesota Timberwolves", Domain: "nba",
			Context: map[string]any{"form": 1.5},
		},
		Opponent: &features.EntityDescriptor{
			Name: "Utah Jazz", Domain: "nba",
			Context: map[string]any{"form": -1.5},
		},
		// both sides at +150: one of them always has an edge
		Market: &scoring.Market{OddsA: 150, OddsB: 150},
	}
}

func TestRecommendDoesNotTouchLedger(t *testing.T) {
	o, rec, _ := setup(t)

	r, err := o.Recommend(context.Background(), request())
	require.NoError(t, err)
	require.True(t, r.Decision.Bet(), r.Decision.String())

	assert.Len(t, o.Ledger().Events(), 1)
	assert.True(t, o.Ledger().OpenExposure().IsZero())
	assert.Equal(t, []streaming.EventType{streaming.EventTypeScore, streaming.EventTypeDecision}, rec.types())
}

func TestPlaceAndSettle(t *testing.T) {
	o, rec, m := setup(t)
	ctx := context.Background()

	pl, err := o.Place(ctx, request(), "game-42", t0.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, pl.Bet)
	assert.Equal(t, "game-42", pl.Bet.Ref)
	assert.True(t, pl.Bet.Stake.Equal(o.Ledger().OpenExposure()))
	assert.True(t, pl.Bet.Stake.LessThanOrEqual(decimal.NewFromInt(700)))

	bet, st, err := o.Settle(ctx, pl.Bet.ID, ledger.OutcomeWon, t0.Add(3*time.Hour))
	require.NoError(t, err)
	want := decimal.NewFromInt(10000).Sub(bet.Stake).Add(bet.Stake.Mul(decimal.NewFromFloat(2.5)).Round(2))
	assert.True(t, st.Balance.Equal(want), "balance %s, want %s", st.Balance, want)
	assert.True(t, st.OpenExposure.IsZero())
	require.NoError(t, o.Ledger().Verify())

	_, _, err = o.Settle(ctx, pl.Bet.ID, ledger.OutcomeLost, t0.Add(4*time.Hour))
	assert.ErrorIs(t, err, ledger.ErrAlreadySettled)

	assert.Equal(t, []streaming.EventType{
		streaming.EventTypeScore,
		streaming.EventTypeDecision,
		streaming.EventTypeBetPlaced,
		streaming.EventTypeBankroll,
		streaming.EventTypeBetSettled,
		streaming.EventTypeBankroll,
	}, rec.types())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SettlementsTotal.WithLabelValues("won")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StageErrors.WithLabelValues(string(StageSettle))))
	assert.InDelta(t, want.InexactFloat64(), testutil.ToFloat64(m.Balance), 1e-9)
}

func TestInvalidRequests(t *testing.T) {
	o, _, m := setup(t)
	ctx := context.Background()

	noMarket := request()
	noMarket.Market = nil
	_, err := o.Recommend(ctx, noMarket)
	assert.Error(t, err)
	_, err = o.Place(ctx, noMarket, "", t0)
	assert.Error(t, err)

	bad := request()
	bad.Entity.Domain = "curling"
	_, err = o.Recommend(ctx, bad)
	var invalid *features.InvalidEntityError
	assert.ErrorAs(t, err, &invalid)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ScoresTotal.WithLabelValues("curling", "invalid")))
	assert.Len(t, o.Ledger().Events(), 1)
}

func TestStageCallback(t *testing.T) {
	o, _, _ := setup(t)
	var stages []Stage
	o.OnStageComplete(func(r *StageResult) {
		if r.Stage != StagePublish {
			stages = append(stages, r.Stage)
		}
	})

	_, err := o.Place(context.Background(), request(), "", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []Stage{StageScore, StageReserve}, stages)
}

func TestRecommendBatchKeepsOrder(t *testing.T) {
	o, _, _ := setup(t)
	a := request()
	b := request()
	b.Entity, b.Opponent = *a.Opponent, &a.Entity

	recs, err := o.RecommendBatch(context.Background(), []scoring.Request{a, b, a})
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "Minnesota Timberwolves", recs[0].Score.Entity)
	assert.Equal(t, "Utah Jazz", recs[1].Score.Entity)
	assert.Equal(t, recs[0].Score.FinalScore, recs[2].Score.FinalScore)
}

func TestGetStatus(t *testing.T) {
	o, _, _ := setup(t)
	s := o.GetStatus()
	assert.Equal(t, "default", s.Pipeline)
	assert.Equal(t, "10000.00", s.Ledger.Balance)
	assert.False(t, s.Risk.Halted)
	assert.NotEmpty(t, s.Layers)
}
