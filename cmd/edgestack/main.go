// edgestack scores entities, sizes stakes, keeps the bankroll ledger and
// backtests scoring configurations.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/phenomenon0/edgestack/pkg/config"
	"github.com/phenomenon0/edgestack/pkg/logging"
	"github.com/phenomenon0/edgestack/pkg/trader/backtest"
)

var version = "dev"

// Exit codes.
const (
	exitError            = 1
	exitConfig           = 2
	exitInsufficientData = 3
)

type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string

	cfg *config.Config
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "edgestack",
		Short:         "Entity scoring, stake sizing and bankroll ledger",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Log.Level = opts.logLevel
			}
			if cmd.Flags().Changed("log-format") {
				cfg.Log.Format = opts.logFormat
			}
			if err := logging.Setup(cfg.Log.Level, cfg.Log.Format); err != nil {
				return &config.ValidationError{Section: "log", Err: err}
			}
			opts.cfg = cfg
			return nil
		},
	}

	f := cmd.PersistentFlags()
	f.StringVarP(&opts.configPath, "config", "c", "edgestack.yaml", "config file (missing file uses defaults)")
	f.StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	f.StringVar(&opts.logFormat, "log-format", "console", "log format: console or json")

	cmd.AddCommand(
		newScoreCmd(opts),
		newBacktestCmd(opts),
		newGridCmd(opts),
		newLedgerCmd(opts),
		newServeCmd(opts),
		newWatchCmd(opts),
	)
	return cmd
}

func exitCode(err error) int {
	var (
		insufficient *backtest.InsufficientDataError
		invalid      *config.ValidationError
	)
	switch {
	case errors.As(err, &insufficient):
		return exitInsufficientData
	case errors.As(err, &invalid):
		return exitConfig
	}
	return exitError
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}
