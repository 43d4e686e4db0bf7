package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phenomenon0/edgestack/pkg/config"
	"github.com/phenomenon0/edgestack/pkg/features"
	"github.com/phenomenon0/edgestack/pkg/scoring"
	"github.com/phenomenon0/edgestack/pkg/trader/backtest"
	"github.com/phenomenon0/edgestack/pkg/trader/ledger"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "edgestack.yaml")
	body = fmt.Sprintf("ledger:\n  dsn: %s\nlog:\n  level: error\n%s", filepath.Join(dir, "ledger.db"), body)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func writeRecords(t *testing.T, dir string, n int) string {
	t.Helper()
	teams := []string{"Boston Celtics", "Denver Nuggets", "Utah Jazz", "Phoenix Suns", "Chicago Bulls"}
	start := time.Date(2023, 10, 24, 0, 0, 0, 0, time.UTC)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := 0; i < n; i++ {
		result := string(scoring.SideA)
		if i%3 == 0 {
			result = string(scoring.SideB)
		}
		rec := backtest.Record{
			ID:       fmt.Sprintf("g%03d", i),
			Time:     start.Add(time.Duration(i) * 24 * time.Hour),
			Entity:   features.EntityDescriptor{Name: teams[i%len(teams)], Domain: "nba", Context: map[string]any{"form": float64(i%5) - 2}},
			Opponent: &features.EntityDescriptor{Name: teams[(i+2)%len(teams)], Domain: "nba"},
			Market:   scoring.Market{OddsA: 150, OddsB: 150},
			Result:   result,
		}
		require.NoError(t, enc.Encode(rec))
	}
	path := filepath.Join(dir, "games.jsonl")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestExitCodes(t *testing.T) {
	assert.Equal(t, exitInsufficientData, exitCode(fmt.Errorf("run: %w", &backtest.InsufficientDataError{Segment: "evaluation", Have: 3, Need: 30})))
	assert.Equal(t, exitConfig, exitCode(&config.ValidationError{Section: "risk", Err: errors.New("bad")}))
	assert.Equal(t, exitError, exitCode(errors.New("boom")))
}

func TestInvalidConfigFails(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir, "risk:\n  kelly_fraction: 2\n")
	_, err := execute(t, "--config", cfg, "ledger", "show")
	require.Error(t, err)
	assert.Equal(t, exitConfig, exitCode(err))
}

func TestScoreCommand(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir, "")

	out, err := execute(t, "--config", cfg, "score", "--entity", "Utah Jazz", "--domain", "nba", "--context", "form=0.5")
	require.NoError(t, err)
	var score scoring.CompositeScore
	require.NoError(t, json.Unmarshal([]byte(out), &score))
	assert.Equal(t, "Utah Jazz", score.Entity)

	out, err = execute(t, "--config", cfg, "score", "--entity", "Utah Jazz", "--domain", "nba",
		"--opponent", "Denver Nuggets", "--odds-a", "150", "--odds-b", "150", "--bankroll", "1000")
	require.NoError(t, err)
	assert.Contains(t, out, `"decision"`)

	_, err = execute(t, "--config", cfg, "score", "--entity", "Utah Jazz")
	assert.Error(t, err)
}

func TestBacktestCommand(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir, "")
	data := writeRecords(t, dir, 60)
	output := filepath.Join(dir, "run.json")

	out, err := execute(t, "--config", cfg, "backtest", "--data", data, "--output", output)
	require.NoError(t, err)
	assert.Contains(t, out, "BACKTEST RESULTS")

	raw, err := os.ReadFile(output)
	require.NoError(t, err)
	var run backtest.Run
	require.NoError(t, json.Unmarshal(raw, &run))
	assert.Equal(t, 18, run.FitSize)
	assert.Equal(t, 42, run.EvalSize)
	assert.Equal(t, 42, run.Evaluated)
}

func TestBacktestCSV(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir, "")

	var b strings.Builder
	b.WriteString("id,time,domain,entity,opponent,odds_a,odds_b,result,ctx.form\n")
	start := time.Date(2023, 10, 24, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 60; i++ {
		result := "A"
		if i%3 == 0 {
			result = "B"
		}
		fmt.Fprintf(&b, "g%03d,%s,nba,Utah Jazz,Denver Nuggets,+150,+150,%s,%d\n",
			i, start.Add(time.Duration(i)*24*time.Hour).Format(time.RFC3339), result, i%5-2)
	}
	data := filepath.Join(dir, "games.csv")
	require.NoError(t, os.WriteFile(data, []byte(b.String()), 0o644))
	output := filepath.Join(dir, "bets.csv")

	_, err := execute(t, "--config", cfg, "backtest", "--data", data, "--output", output)
	require.NoError(t, err)

	raw, err := os.ReadFile(output)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	assert.Equal(t, "metric,value", lines[0])
	assert.Contains(t, string(raw), "eval_size,42")
	assert.Contains(t, string(raw), "id,ref,placed_at,side,odds,model_prob,edge,stake,outcome,payout,profit")
}

func TestBacktestInsufficientData(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir, "")
	data := writeRecords(t, dir, 10)

	_, err := execute(t, "--config", cfg, "backtest", "--data", data)
	require.Error(t, err)
	assert.Equal(t, exitInsufficientData, exitCode(err))
}

func TestGridCommand(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir, "")
	data := writeRecords(t, dir, 60)
	grid := filepath.Join(dir, "grid.yaml")
	require.NoError(t, os.WriteFile(grid, []byte(`
objective: final_balance
pipelines:
  - name: default
risks:
  - name: default
  - name: small
    kelly_fraction: 0.05
`), 0o644))

	output := filepath.Join(dir, "trials.csv")

	out, err := execute(t, "--config", cfg, "grid", "--data", data, "--grid", grid, "--output", output)
	require.NoError(t, err)
	assert.Contains(t, out, "2 trials ranked by final_balance")
	assert.Contains(t, out, "default/default")
	assert.Contains(t, out, "default/small")

	raw, err := os.ReadFile(output)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "rank,trial,pipeline,risk,status"))
	assert.True(t, strings.HasPrefix(lines[1], "1,default/"), lines[1])
}

func TestLedgerCommands(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir, "")

	out, err := execute(t, "--config", cfg, "ledger", "init", "--balance", "500")
	require.NoError(t, err)
	assert.Contains(t, out, "500.00")

	_, err = execute(t, "--config", cfg, "ledger", "init")
	assert.ErrorIs(t, err, ledger.ErrAlreadyOpened)

	out, err = execute(t, "--config", cfg, "ledger", "show", "--json")
	require.NoError(t, err)
	var shown struct {
		Summary ledger.Summary `json:"summary"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &shown))
	assert.Equal(t, "500.00", shown.Summary.Balance)
	assert.Equal(t, 1, shown.Summary.Events)

	out, err = execute(t, "--config", cfg, "ledger", "verify")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "ok: 1 events"), out)

	_, err = execute(t, "--config", cfg, "ledger", "settle", "missing", "won")
	assert.ErrorIs(t, err, ledger.ErrUnknownBet)
}

func TestWatchCommand(t *testing.T) {
	assert.Equal(t, "ws://localhost:8080/ws", localWSURL(":8080"))
	assert.Equal(t, "ws://10.0.0.2:9000/ws", localWSURL("10.0.0.2:9000"))

	dir := t.TempDir()
	cfg := writeConfig(t, dir, "server:\n  addr: 127.0.0.1:1\n")
	_, err := execute(t, "--config", cfg, "watch", "--max-attempts", "1", "--events", "bankroll")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max reconnect attempts (1) exceeded")
}
