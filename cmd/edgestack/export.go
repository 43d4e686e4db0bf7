package main

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/phenomenon0/edgestack/pkg/trader/backtest"
)

// exportRun writes the run as CSV when path ends in .csv, JSON otherwise.
func exportRun(path string, run *backtest.Run) error {
	if isCSV(path) {
		return writeCSVFile(path, runRows(run))
	}
	return writeJSONFile(path, run)
}

// exportGrid writes the ranked trials as CSV when path ends in .csv, JSON otherwise.
func exportGrid(path string, res *backtest.GridResult) error {
	if isCSV(path) {
		return writeCSVFile(path, gridRows(res))
	}
	return writeJSONFile(path, res)
}

func isCSV(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".csv")
}

func writeCSVFile(path string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	w := csv.NewWriter(f)
	if err := w.WriteAll(rows); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// runRows renders a summary block, a blank row, then one row per bet.
func runRows(run *backtest.Run) [][]string {
	s := run.Stats
	rows := [][]string{
		{"metric", "value"},
		{"pipeline", run.Pipeline},
		{"risk", run.Risk},
		{"started_at", run.StartedAt.Format(time.RFC3339)},
		{"fit_size", strconv.Itoa(run.FitSize)},
		{"eval_size", strconv.Itoa(run.EvalSize)},
		{"evaluated", strconv.Itoa(run.Evaluated)},
		{"initial_balance", s.InitialBalance.StringFixed(2)},
		{"final_balance", s.FinalBalance.StringFixed(2)},
		{"total_profit", s.TotalProfit.StringFixed(2)},
		{"total_return", formatFloat(s.TotalReturn)},
		{"bets", strconv.Itoa(s.Bets)},
		{"wins", strconv.Itoa(s.Wins)},
		{"losses", strconv.Itoa(s.Losses)},
		{"pushes", strconv.Itoa(s.Pushes)},
		{"win_rate", formatFloat(s.WinRate)},
		{"roi", formatFloat(s.ROI)},
		{"sharpe", formatFloat(s.Sharpe)},
		{"max_drawdown", formatFloat(s.MaxDrawdown)},
		{"timed_out", strconv.FormatBool(run.TimedOut)},
	}
	if len(run.Bets) == 0 {
		return rows
	}

	rows = append(rows, []string{}, []string{"id", "ref", "placed_at", "side", "odds", "model_prob", "edge", "stake", "outcome", "payout", "profit"})
	for _, b := range run.Bets {
		var side, prob, edge, outcome, payout string
		if b.Proposal != nil {
			side = string(b.Proposal.Side)
			prob = formatFloat(b.Proposal.ModelProb)
			edge = formatFloat(b.Proposal.Edge)
		}
		if b.Outcome != nil {
			outcome = string(*b.Outcome)
		}
		if b.Payout != nil {
			payout = b.Payout.StringFixed(2)
		}
		rows = append(rows, []string{
			b.ID,
			b.Ref,
			b.PlacedAt.Format(time.RFC3339),
			side,
			strconv.Itoa(b.Odds),
			prob,
			edge,
			b.Stake.StringFixed(2),
			outcome,
			payout,
			b.Profit().StringFixed(2),
		})
	}
	return rows
}

func gridRows(res *backtest.GridResult) [][]string {
	rows := [][]string{{"rank", "trial", "pipeline", "risk", "status", "objective", "bets", "roi", "sharpe", "max_drawdown", "final_balance", "error"}}
	for _, t := range res.Trials {
		row := []string{strconv.Itoa(t.Rank), t.Name, t.Pipeline, t.Risk, string(t.Status), formatFloat(t.Objective), "", "", "", "", "", t.Error}
		if t.Run != nil {
			s := t.Run.Stats
			row[6] = strconv.Itoa(s.Bets)
			row[7] = formatFloat(s.ROI)
			row[8] = formatFloat(s.Sharpe)
			row[9] = formatFloat(s.MaxDrawdown)
			row[10] = s.FinalBalance.StringFixed(2)
		}
		rows = append(rows, row)
	}
	return rows
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', 6, 64)
}
