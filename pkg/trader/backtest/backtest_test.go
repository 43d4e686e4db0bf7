package backtest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/phenomenon0/edgestack/pkg/features"
	"github.com/phenomenon0/edgestack/pkg/scoring"
	"github.com/phenomenon0/edgestack/pkg/trader/policy"
)

var teams = []string{
	"Boston Celtics", "Denver Nuggets", "Phoenix Suns", "Dallas Mavericks",
	"Miami Heat", "Golden State Warriors", "Utah Jazz", "Chicago Bulls",
	"Brooklyn Nets", "Portland Trail Blazers", "Toronto Raptors", "Detroit Pistons",
}

// syntheticRecords builds n NBA records, one hour apart. Both sides are
// offered at +150 so one side always shows a positive edge.
func syntheticRecords(n int, seed int64) []Record {
	rng := rand.New(rand.NewSource(seed))
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	recs := make([]Record, n)
	for i := range recs {
		a := rng.Intn(len(teams))
		b := (a + 1 + rng.Intn(len(teams)-1)) % len(teams)
		result := string(scoring.SideA)
		if rng.Float64() < 0.5 {
			result = string(scoring.SideB)
		}
		recs[i] = Record{
			ID:   fmt.Sprintf("r%03d", i),
			Time: start.Add(time.Duration(i) * time.Hour),
			Entity: features.EntityDescriptor{
				Name: teams[a], Domain: "nba",
				Context: map[string]any{"form": rng.NormFloat64(), "rest_days": float64(1 + rng.Intn(3))},
			},
			Opponent: &features.EntityDescriptor{
				Name: teams[b], Domain: "nba",
				Context: map[string]any{"form": rng.NormFloat64()},
			},
			Market: scoring.Market{OddsA: 150, OddsB: 150, PublicPct: 30 + 40*rng.Float64()},
			Result: result,
		}
	}
	return recs
}

func TestSplitIsChronological(t *testing.T) {
	recs := syntheticRecords(20, 1)
	shuffled := append([]Record(nil), recs...)
	rand.New(rand.NewSource(2)).Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	fit, eval := Split(shuffled, 0.3)
	if len(fit) != 6 || len(eval) != 14 {
		t.Fatalf("split sizes = %d/%d, want 6/14", len(fit), len(eval))
	}
	got := append(append([]Record(nil), fit...), eval...)
	for i, r := range got {
		if r.ID != recs[i].ID {
			t.Fatalf("position %d: got %s, want %s", i, r.ID, recs[i].ID)
		}
	}
}

func TestChronologicalBreaksTiesByID(t *testing.T) {
	at := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	got := Chronological([]Record{{ID: "b", Time: at}, {ID: "c", Time: at.Add(-time.Hour)}, {ID: "a", Time: at}})
	var ids []string
	for _, r := range got {
		ids = append(ids, r.ID)
	}
	if strings.Join(ids, ",") != "c,a,b" {
		t.Errorf("order = %v, want c,a,b", ids)
	}
}

func TestRunInsufficientData(t *testing.T) {
	// 10 records at fit_fraction 0.7 leave 3 for evaluation
	h := New(&Config{InitialBalance: decimal.NewFromInt(10000), FitFraction: 0.7, MinSamples: 30}, nil)
	_, err := h.Run(context.Background(), syntheticRecords(10, 3), scoring.DefaultConfig(), nil)

	var insufficient *InsufficientDataError
	if !errors.As(err, &insufficient) {
		t.Fatalf("err = %v, want InsufficientDataError", err)
	}
	if insufficient.Have != 3 || insufficient.Need != 30 {
		t.Errorf("have/need = %d/%d, want 3/30", insufficient.Have, insufficient.Need)
	}
}

func TestFitIgnoresEvaluationSegment(t *testing.T) {
	recs := syntheticRecords(80, 4)
	extractor := features.NewExtractor(nil)

	fit, eval := Split(recs, 0.5)
	base, err := Fit(fit, extractor, true)
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}

	// Shuffle what happens in the evaluation segment while keeping its
	// timestamps and IDs, then feed everything back in a different order.
	rng := rand.New(rand.NewSource(5))
	for trial := 0; trial < 5; trial++ {
		permuted := append([]Record(nil), eval...)
		rng.Shuffle(len(permuted), func(i, j int) {
			permuted[i].Entity, permuted[j].Entity = permuted[j].Entity, permuted[i].Entity
			permuted[i].Opponent, permuted[j].Opponent = permuted[j].Opponent, permuted[i].Opponent
			permuted[i].Result, permuted[j].Result = permuted[j].Result, permuted[i].Result
		})
		all := append(append([]Record(nil), permuted...), fit...)
		rng.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })

		fit2, _ := Split(all, 0.5)
		got, err := Fit(fit2, extractor, true)
		if err != nil {
			t.Fatalf("Fit: %v", err)
		}
		if !reflect.DeepEqual(base, got) {
			t.Fatalf("trial %d: fit changed after permuting the evaluation segment", trial)
		}
	}
}

func TestFitBaseRate(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	recs := []Record{
		{ID: "1", Time: at, Result: "A"},
		{ID: "2", Time: at, Result: "A"},
		{ID: "3", Time: at, Result: "B"},
		{ID: "4", Time: at, Result: "push"},
	}
	res, err := Fit(recs, nil, false)
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	// (2+1)/(3+2)
	if math.Abs(res.BaseRate-0.6) > 1e-12 || math.Abs(res.Prior.Value-60) > 1e-9 || res.Prior.Samples != 3 || res.Pushes != 1 {
		t.Errorf("fit = %+v", res)
	}
}

func TestRunStatsAreConsistent(t *testing.T) {
	h := New(nil, nil)
	run, err := h.Run(context.Background(), syntheticRecords(120, 6), scoring.DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	s := run.Stats

	if run.FitSize != 36 || run.EvalSize != 84 || run.Evaluated != 84 {
		t.Fatalf("sizes fit=%d eval=%d evaluated=%d", run.FitSize, run.EvalSize, run.Evaluated)
	}
	if s.Bets == 0 {
		t.Fatal("expected bets at +150 on both sides")
	}
	if s.Wins+s.Losses+s.Pushes != s.Bets {
		t.Errorf("outcomes %d+%d+%d != bets %d", s.Wins, s.Losses, s.Pushes, s.Bets)
	}
	skipped := 0
	for _, n := range s.Skips {
		skipped += n
	}
	if s.Bets+skipped != s.Records {
		t.Errorf("bets %d + skips %d != records %d", s.Bets, skipped, s.Records)
	}
	if !s.InitialBalance.Add(s.TotalProfit).Equal(s.FinalBalance) {
		t.Errorf("initial %s + profit %s != final %s", s.InitialBalance, s.TotalProfit, s.FinalBalance)
	}
	if s.FinalBalance.IsNegative() {
		t.Errorf("final balance negative: %s", s.FinalBalance)
	}
	if s.MaxDrawdown < 0 || s.MaxDrawdown > 1 {
		t.Errorf("max drawdown out of range: %v", s.MaxDrawdown)
	}
	if len(run.EquityCurve) != 1+2*s.Bets {
		t.Errorf("equity points = %d, want %d", len(run.EquityCurve), 1+2*s.Bets)
	}
	if first := run.Bets[0].Stake; first.GreaterThan(decimal.NewFromInt(700)) {
		t.Errorf("first stake %s exceeds 7%% of the starting balance", first)
	}
}

func TestRunIsDeterministic(t *testing.T) {
	recs := syntheticRecords(90, 7)
	h := New(nil, nil)
	a, err := h.Run(context.Background(), recs, scoring.DefaultConfig(), policy.TightRiskConfig())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	b, err := h.Run(context.Background(), recs, scoring.DefaultConfig(), policy.TightRiskConfig())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if a.Stats.Bets != b.Stats.Bets || a.Stats.Sharpe != b.Stats.Sharpe || !a.Stats.FinalBalance.Equal(b.Stats.FinalBalance) {
		t.Errorf("runs differ: %+v vs %+v", a.Stats, b.Stats)
	}
}

func TestRunStopsOnDeadline(t *testing.T) {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	run, err := New(nil, nil).Run(ctx, syntheticRecords(60, 8), scoring.DefaultConfig(), nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if run == nil || !run.TimedOut || run.Evaluated != 0 {
		t.Fatalf("run = %+v, want timed-out partial run", run)
	}
	if !run.Stats.FinalBalance.Equal(decimal.NewFromInt(10000)) {
		t.Errorf("final balance = %s", run.Stats.FinalBalance)
	}
}

func TestParseDataset(t *testing.T) {
	line := `{"id":"x","time":"2024-01-01T00:00:00Z","entity":{"name":"Utah Jazz","domain":"nba"},"market":{"odds_a":-110,"odds_b":-110},"result":"B"}`

	ds, err := ParseDataset([]byte(line+"\n\n"+strings.Replace(line, `"x"`, `"y"`, 1)), ".jsonl")
	if err != nil {
		t.Fatalf("jsonl: %v", err)
	}
	if len(ds.Records) != 2 || ds.Records[1].ID != "y" {
		t.Fatalf("jsonl records = %+v", ds.Records)
	}

	ds, err = ParseDataset([]byte(`{"name":"demo","records":[`+line+`]}`), ".json")
	if err != nil {
		t.Fatalf("object: %v", err)
	}
	if ds.Name != "demo" || len(ds.Records) != 1 {
		t.Fatalf("object dataset = %+v", ds)
	}

	if _, err := ParseDataset([]byte(`[`+strings.Replace(line, `"B"`, `"C"`, 1)+`]`), ".json"); err == nil {
		t.Error("expected error for invalid result")
	}
	if _, err := ParseDataset([]byte(`[`+strings.Replace(line, `"odds_a":-110,"odds_b":-110`, `"odds_a":50`, 1)+`]`), ".json"); err == nil {
		t.Error("expected error for invalid odds")
	}
}

func TestRecordSettlement(t *testing.T) {
	r := Record{Result: "a"}
	if settlement(r, scoring.SideA) != "won" || settlement(r, scoring.SideB) != "lost" {
		t.Error("side A result misread")
	}
	if settlement(Record{Result: "Push"}, scoring.SideA) != "push" {
		t.Error("push misread")
	}
}
