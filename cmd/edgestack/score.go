package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/phenomenon0/edgestack/pkg/features"
	"github.com/phenomenon0/edgestack/pkg/scoring"
	"github.com/phenomenon0/edgestack/pkg/trader/ledger"
	"github.com/phenomenon0/edgestack/pkg/trader/orchestrator"
	"github.com/phenomenon0/edgestack/pkg/trader/policy"
)

type scoreOptions struct {
	request  string
	entity   string
	domain   string
	opponent string
	context  map[string]string
	oddsA    int
	oddsB    int
	public   float64
	bankroll string
}

func newScoreCmd(root *rootOptions) *cobra.Command {
	opts := &scoreOptions{}
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Score an entity and, given odds, size a stake",
		Long: `Score one entity with the configured pipeline.

When odds are given the stake is sized against a bankroll of --bankroll
(default: the configured ledger initial balance). Nothing is written to the
ledger.`,
		Example: `  edgestack score --entity "Denver Nuggets" --domain nba --opponent "Utah Jazz" \
      --context form=1.2 --odds-a -140 --odds-b 120
  edgestack score --request request.json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := opts.build()
			if err != nil {
				return err
			}
			return runScore(cmd.Context(), cmd, root, opts, req)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.request, "request", "", "JSON file holding one scoring request")
	f.StringVar(&opts.entity, "entity", "", "entity name")
	f.StringVar(&opts.domain, "domain", "", "entity domain (nba, nfl, tennis, ...)")
	f.StringVar(&opts.opponent, "opponent", "", "opponent name (same domain)")
	f.StringToStringVar(&opts.context, "context", nil, "entity context fields, key=value")
	f.IntVar(&opts.oddsA, "odds-a", 0, "American odds on the entity")
	f.IntVar(&opts.oddsB, "odds-b", 0, "American odds on the opponent")
	f.Float64Var(&opts.public, "public-pct", 0, "share of public money on the entity, 0-100")
	f.StringVar(&opts.bankroll, "bankroll", "", "bankroll to size against")
	return cmd
}

func (o *scoreOptions) build() (scoring.Request, error) {
	var req scoring.Request
	if o.request != "" {
		data, err := os.ReadFile(o.request)
		if err != nil {
			return req, fmt.Errorf("read request: %w", err)
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return req, fmt.Errorf("decode request: %w", err)
		}
		return req, nil
	}
	if o.entity == "" || o.domain == "" {
		return req, fmt.Errorf("--entity and --domain are required without --request")
	}
	req.Entity = features.EntityDescriptor{Name: o.entity, Domain: o.domain}
	if len(o.context) > 0 {
		req.Entity.Context = make(map[string]any, len(o.context))
		for k, v := range o.context {
			req.Entity.Context[k] = v
		}
	}
	if o.opponent != "" {
		req.Opponent = &features.EntityDescriptor{Name: o.opponent, Domain: o.domain}
	}
	if o.oddsA != 0 || o.oddsB != 0 {
		req.Market = &scoring.Market{OddsA: o.oddsA, OddsB: o.oddsB, PublicPct: o.public}
	}
	return req, nil
}

func runScore(ctx context.Context, cmd *cobra.Command, root *rootOptions, opts *scoreOptions, req scoring.Request) error {
	cfg := root.cfg
	pipeline, _, err := buildPipeline(cfg)
	if err != nil {
		return err
	}
	if req.Market == nil {
		score, err := pipeline.ScoreRequest(req)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), score)
	}

	bankroll, err := cfg.LedgerInitialBalance()
	if err != nil {
		return err
	}
	if opts.bankroll != "" {
		if bankroll, err = decimal.NewFromString(opts.bankroll); err != nil {
			return fmt.Errorf("--bankroll: %w", err)
		}
	}
	book := ledger.New(nil)
	if _, err := book.Seed(ctx, bankroll, time.Now().UTC()); err != nil {
		return err
	}

	orch := orchestrator.NewOrchestrator(nil, pipeline, policy.NewSizer(&cfg.Risk), book)
	rec, err := orch.Recommend(ctx, req)
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), rec)
}
