package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/phenomenon0/edgestack/pkg/trader/ledger"
)

func newLedgerCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and maintain the bankroll ledger",
	}
	cmd.AddCommand(
		newLedgerInitCmd(root),
		newLedgerShowCmd(root),
		newLedgerVerifyCmd(root),
		newLedgerSettleCmd(root),
	)
	return cmd
}

func newLedgerInitCmd(root *rootOptions) *cobra.Command {
	var balance string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Open an empty ledger with an initial balance",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := root.cfg
			if balance != "" {
				if _, err := decimal.NewFromString(balance); err != nil {
					return fmt.Errorf("--balance: %w", err)
				}
				cfg.Ledger.InitialBalance = balance
			}
			book, err := openLedger(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer book.Store().Close()
			if len(book.Events()) > 0 {
				return ledger.ErrAlreadyOpened
			}
			initial, err := cfg.LedgerInitialBalance()
			if err != nil {
				return err
			}
			st, err := book.Seed(cmd.Context(), initial, time.Now().UTC())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ledger opened with %s\n", st.Balance.StringFixed(2))
			return nil
		},
	}
	cmd.Flags().StringVar(&balance, "balance", "", "initial balance (default from config)")
	return cmd
}

func newLedgerShowCmd(root *rootOptions) *cobra.Command {
	var asJSON, all bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show balance, exposure and bets",
		RunE: func(cmd *cobra.Command, _ []string) error {
			book, err := openLedger(cmd.Context(), root.cfg, false)
			if err != nil {
				return err
			}
			defer book.Store().Close()

			bets := book.Bets()
			if !all {
				open := bets[:0:0]
				for _, b := range bets {
					if b.Status() == ledger.BetPending {
						open = append(open, b)
					}
				}
				bets = open
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, struct {
					Summary ledger.Summary `json:"summary"`
					Bets    []ledger.Bet   `json:"bets"`
				}{book.Summary(), bets})
			}

			s := book.Summary()
			fmt.Fprintf(out, "balance %s  open exposure %s  initial %s  drawdown %.2f%%\n",
				s.Balance, s.OpenExposure, s.Initial, s.Drawdown*100)
			fmt.Fprintf(out, "%d events, %d bets (%d open)\n\n", s.Events, s.Bets, s.OpenBets)

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "BET\tREF\tPLACED\tSTAKE\tODDS\tSTATUS\tPROFIT")
			for _, b := range bets {
				profit := "-"
				if b.Outcome != nil {
					profit = b.Profit().StringFixed(2)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%+d\t%s\t%s\n",
					b.ID, b.Ref, b.PlacedAt.Format(time.RFC3339), b.Stake.StringFixed(2), b.Odds, b.Status(), profit)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	cmd.Flags().BoolVar(&all, "all", false, "include settled bets")
	return cmd
}

func newLedgerVerifyCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Replay the event log and check it against the live state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			book, err := openLedger(cmd.Context(), root.cfg, false)
			if err != nil {
				return err
			}
			defer book.Store().Close()

			if err := book.Verify(); err != nil {
				return fmt.Errorf("ledger verification failed: %w", err)
			}
			replayed, err := ledger.Replay(book.Events())
			if err != nil {
				return fmt.Errorf("ledger replay failed: %w", err)
			}
			if !replayed.CurrentBalance().Equal(book.CurrentBalance()) {
				return fmt.Errorf("ledger replay balance %s differs from %s", replayed.CurrentBalance(), book.CurrentBalance())
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d events, balance %s\n", len(book.Events()), book.CurrentBalance().StringFixed(2))
			return nil
		},
	}
}

func newLedgerSettleCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "settle BET_ID won|lost|push",
		Short: "Settle an open bet",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			outcome, err := ledger.ParseOutcome(args[1])
			if err != nil {
				return err
			}
			book, err := openLedger(cmd.Context(), root.cfg, false)
			if err != nil {
				return err
			}
			defer book.Store().Close()

			bet, st, err := book.Settle(cmd.Context(), args[0], outcome, time.Now().UTC())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s: payout %s, balance %s\n",
				bet.ID, outcome, bet.Payout.StringFixed(2), st.Balance.StringFixed(2))
			return nil
		},
	}
}
