package backtest

import (
	"context"
	"errors"
	"testing"

	"github.com/phenomenon0/edgestack/pkg/scoring"
	"github.com/phenomenon0/edgestack/pkg/trader/policy"
)

func baselineOnly() scoring.Config {
	cfg := scoring.DefaultConfig()
	cfg.Name = "baseline-only"
	cfg.Layers = cfg.Layers[:1]
	return cfg
}

func TestGridRanksByObjective(t *testing.T) {
	spec := GridSpec{
		Pipelines: []scoring.Config{scoring.DefaultConfig(), baselineOnly()},
		Risks:     []policy.RiskConfig{*policy.DefaultRiskConfig(), *policy.TightRiskConfig()},
		Workers:   2,
	}
	res, err := New(nil, nil).Grid(context.Background(), syntheticRecords(100, 11), spec)
	if err != nil {
		t.Fatalf("Grid: %v", err)
	}
	if res.Objective != ObjectiveSharpe {
		t.Errorf("objective = %s, want sharpe", res.Objective)
	}
	if len(res.Trials) != 4 {
		t.Fatalf("trials = %d, want 4", len(res.Trials))
	}
	seen := make(map[string]bool)
	for i, tr := range res.Trials {
		if tr.Rank != i+1 {
			t.Errorf("trial %d rank = %d", i, tr.Rank)
		}
		if tr.Status != TrialCompleted {
			t.Fatalf("trial %s status %s: %s", tr.Name, tr.Status, tr.Error)
		}
		if i > 0 && tr.Objective > res.Trials[i-1].Objective {
			t.Errorf("trial %s ranked below a worse trial", tr.Name)
		}
		if tr.Run.Stats.Sharpe != tr.Objective {
			t.Errorf("trial %s objective %v != sharpe %v", tr.Name, tr.Objective, tr.Run.Stats.Sharpe)
		}
		seen[tr.Name] = true
	}
	for _, name := range []string{"default/default", "default/tight", "baseline-only/default", "baseline-only/tight"} {
		if !seen[name] {
			t.Errorf("missing trial %s", name)
		}
	}
	if _, ok := res.Best(); !ok {
		t.Error("expected a best trial")
	}
}

func TestGridTrialsMatchSingleRuns(t *testing.T) {
	recs := syntheticRecords(80, 12)
	h := New(nil, nil)

	res, err := h.Grid(context.Background(), recs, GridSpec{
		Pipelines: []scoring.Config{scoring.DefaultConfig()},
		Risks:     []policy.RiskConfig{*policy.DefaultRiskConfig()},
		Objective: ObjectiveFinalBalance,
	})
	if err != nil {
		t.Fatalf("Grid: %v", err)
	}
	single, err := h.Run(context.Background(), recs, scoring.DefaultConfig(), policy.DefaultRiskConfig())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := res.Trials[0].Run.Stats
	if got.Bets != single.Stats.Bets || !got.FinalBalance.Equal(single.Stats.FinalBalance) {
		t.Errorf("grid trial %+v differs from single run %+v", got, single.Stats)
	}
}

func TestGridInsufficientData(t *testing.T) {
	_, err := New(nil, nil).Grid(context.Background(), syntheticRecords(20, 13), GridSpec{
		Pipelines: []scoring.Config{scoring.DefaultConfig()},
		Risks:     []policy.RiskConfig{*policy.DefaultRiskConfig()},
	})
	var insufficient *InsufficientDataError
	if !errors.As(err, &insufficient) {
		t.Fatalf("err = %v, want InsufficientDataError", err)
	}
}

func TestGridSpecValidate(t *testing.T) {
	ok := GridSpec{
		Pipelines: []scoring.Config{scoring.DefaultConfig()},
		Risks:     []policy.RiskConfig{*policy.DefaultRiskConfig()},
	}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid grid rejected: %v", err)
	}

	bad := []GridSpec{
		{Risks: ok.Risks},
		{Pipelines: ok.Pipelines},
		{Pipelines: ok.Pipelines, Risks: ok.Risks, Objective: "luck"},
		{Pipelines: []scoring.Config{scoring.DefaultConfig(), scoring.DefaultConfig()}, Risks: ok.Risks},
		{Pipelines: ok.Pipelines, Risks: []policy.RiskConfig{{Name: "broken", KellyFraction: 2}}},
	}
	for i, g := range bad {
		if err := g.Validate(); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}

func TestRankTrialsPutsUnfinishedLast(t *testing.T) {
	dd, _ := ParseObjective(ObjectiveMaxDrawdown)
	trials := []Trial{
		{Name: "timed-out", Status: TrialTimedOut},
		{Name: "deep", Status: TrialCompleted, Objective: 0.4},
		{Name: "failed", Status: TrialFailed},
		{Name: "shallow", Status: TrialCompleted, Objective: 0.1},
	}
	rankTrials(trials, dd)

	want := []string{"shallow", "deep", "timed-out", "failed"}
	for i, name := range want {
		if trials[i].Name != name || trials[i].Rank != i+1 {
			t.Errorf("rank %d = %s (%d), want %s", i+1, trials[i].Name, trials[i].Rank, name)
		}
	}
}
