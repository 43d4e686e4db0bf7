package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/phenomenon0/edgestack/pkg/config"
	"github.com/phenomenon0/edgestack/pkg/trader/backtest"
	"github.com/phenomenon0/edgestack/pkg/trader/metrics"
	"github.com/phenomenon0/edgestack/pkg/trader/policy"
)

type backtestOptions struct {
	data    string
	output  string
	timeout time.Duration
	full    bool
}

func newBacktestCmd(root *rootOptions) *cobra.Command {
	opts := &backtestOptions{}
	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Backtest the configured pipeline and risk config on historical records",
		Example: `  edgestack backtest --data games.jsonl
  edgestack backtest --data games.json --output run.json
  edgestack backtest --data games.csv --output bets.csv`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := root.cfg
			ds, err := backtest.LoadDataset(opts.data)
			if err != nil {
				return err
			}
			_, ext, err := buildPipeline(cfg)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if opts.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, opts.timeout)
				defer cancel()
			}

			h := backtest.New(&cfg.Backtest, ext)
			run, err := h.Run(ctx, ds.Records, cfg.Pipeline, &cfg.Risk)
			metrics.Default().RecordBacktest(run, err)
			if run == nil {
				return err
			}
			run.Name = ds.Name
			if err != nil {
				log.Warn().Err(err).Int("evaluated", run.Evaluated).Msg("backtest stopped early")
			}

			printRun(cmd.OutOrStdout(), run)
			if opts.output != "" {
				if !opts.full {
					run.EquityCurve = nil
				}
				if err := exportRun(opts.output, run); err != nil {
					return fmt.Errorf("export run: %w", err)
				}
				log.Info().Str("path", opts.output).Msg("run exported")
			}
			return err
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.data, "data", "", "historical records (.json, .jsonl, .csv)")
	f.StringVar(&opts.output, "output", "", "write the run as JSON, or CSV for a .csv path")
	f.DurationVar(&opts.timeout, "timeout", 0, "wall-clock budget, 0 = none")
	f.BoolVar(&opts.full, "equity", false, "include the equity curve in --output")
	_ = cmd.MarkFlagRequired("data")
	return cmd
}

type gridOptions struct {
	data    string
	grid    string
	output  string
	workers int
	top     int
}

func newGridCmd(root *rootOptions) *cobra.Command {
	opts := &gridOptions{}
	cmd := &cobra.Command{
		Use:     "grid",
		Short:   "Run every pipeline/risk combination of a grid file and rank them",
		Example: `  edgestack grid --data games.jsonl --grid grid.yaml --top 5`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := root.cfg
			spec, err := config.LoadGrid(opts.grid)
			if err != nil {
				return err
			}
			if opts.workers > 0 {
				spec.Workers = opts.workers
			}
			ds, err := backtest.LoadDataset(opts.data)
			if err != nil {
				return err
			}
			_, ext, err := buildPipeline(cfg)
			if err != nil {
				return err
			}

			h := backtest.New(&cfg.Backtest, ext)
			res, err := h.Grid(cmd.Context(), ds.Records, spec)
			if err != nil {
				return err
			}
			metrics.Default().RecordGrid(res)

			printGrid(cmd.OutOrStdout(), res, opts.top)
			if opts.output != "" {
				if err := exportGrid(opts.output, res); err != nil {
					return fmt.Errorf("export grid: %w", err)
				}
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.data, "data", "", "historical records (.json, .jsonl, .csv)")
	f.StringVar(&opts.grid, "grid", "", "grid file (YAML or JSON)")
	f.StringVar(&opts.output, "output", "", "write the ranked trials as JSON, or CSV for a .csv path")
	f.IntVar(&opts.workers, "workers", 0, "parallel trials, overrides the grid file")
	f.IntVar(&opts.top, "top", 10, "trials to print, 0 = all")
	_ = cmd.MarkFlagRequired("data")
	_ = cmd.MarkFlagRequired("grid")
	return cmd
}

func printRun(w io.Writer, run *backtest.Run) {
	s := run.Stats
	fmt.Fprintln(w)
	fmt.Fprintln(w, "==================== BACKTEST RESULTS ====================")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Pipeline:        %s\n", run.Pipeline)
	fmt.Fprintf(w, "  Risk:            %s\n", run.Risk)
	fmt.Fprintf(w, "  Records:         %d fit / %d eval (%d evaluated)\n", run.FitSize, run.EvalSize, run.Evaluated)
	fmt.Fprintf(w, "  Fitted base rate:%6.2f%%\n", run.Fit.BaseRate*100)
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Initial Balance: $%s\n", s.InitialBalance.StringFixed(2))
	fmt.Fprintf(w, "  Final Balance:   $%s\n", s.FinalBalance.StringFixed(2))
	fmt.Fprintf(w, "  Total Profit:    $%s\n", s.TotalProfit.StringFixed(2))
	fmt.Fprintf(w, "  Total Return:    %.2f%%\n", s.TotalReturn*100)
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Bets:            %d (%d won, %d lost, %d push)\n", s.Bets, s.Wins, s.Losses, s.Pushes)
	fmt.Fprintf(w, "  Win Rate:        %.1f%%\n", s.WinRate*100)
	fmt.Fprintf(w, "  ROI:             %.2f%%\n", s.ROI*100)
	fmt.Fprintf(w, "  Sharpe:          %.3f\n", s.Sharpe)
	fmt.Fprintf(w, "  Max Drawdown:    %.2f%%\n", s.MaxDrawdown*100)
	fmt.Fprintf(w, "  Losing Streak:   %d\n", s.LongestLosingStreak)
	if len(s.Skips) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "  Skips:")
		reasons := make([]string, 0, len(s.Skips))
		for r := range s.Skips {
			reasons = append(reasons, string(r))
		}
		sort.Strings(reasons)
		for _, r := range reasons {
			fmt.Fprintf(w, "    %-20s %d\n", r, s.Skips[policy.SkipReason(r)])
		}
	}
	if run.TimedOut {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "  (timed out: partial result)")
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "===========================================================")
}

func printGrid(w io.Writer, res *backtest.GridResult, top int) {
	fmt.Fprintf(w, "%d trials ranked by %s (fit %d / eval %d, %s)\n\n",
		len(res.Trials), res.Objective, res.FitSize, res.EvalSize, res.Duration.Round(time.Millisecond))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tTRIAL\tSTATUS\tOBJECTIVE\tBETS\tROI\tSHARPE\tMAX DD\tFINAL")
	for i, t := range res.Trials {
		if top > 0 && i >= top {
			break
		}
		if t.Run == nil {
			fmt.Fprintf(tw, "%d\t%s\t%s\t-\t-\t-\t-\t-\t%s\n", t.Rank, t.Name, t.Status, t.Error)
			continue
		}
		s := t.Run.Stats
		fmt.Fprintf(tw, "%d\t%s\t%s\t%.4f\t%d\t%.2f%%\t%.3f\t%.2f%%\t%s\n",
			t.Rank, t.Name, t.Status, t.Objective, s.Bets, s.ROI*100, s.Sharpe, s.MaxDrawdown*100, s.FinalBalance.StringFixed(2))
	}
	tw.Flush()
}
