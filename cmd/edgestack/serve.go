package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/phenomenon0/edgestack/pkg/trader/metrics"
	"github.com/phenomenon0/edgestack/pkg/trader/orchestrator"
	"github.com/phenomenon0/edgestack/pkg/trader/policy"
	"github.com/phenomenon0/edgestack/pkg/trader/streaming"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the scoring and ledger API with live event streaming",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := root.cfg
			if addr != "" {
				cfg.Server.Addr = addr
			}
			ctx := cmd.Context()

			pipeline, _, err := buildPipeline(cfg)
			if err != nil {
				return err
			}
			book, err := openLedger(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer book.Store().Close()

			m := metrics.Default()
			hub := streaming.NewHub(nil)
			go hub.Run(ctx)

			publishers := streaming.Fanout{hub}
			if cfg.Server.RedisURL != "" {
				client, err := streaming.DialRedis(ctx, cfg.Server.RedisURL)
				if err != nil {
					return err
				}
				stream := streaming.NewStreamPublisher(client, cfg.Server.StreamPrefix, cfg.Server.StreamMaxLen)
				defer stream.Close()
				publishers = append(publishers, stream)
				log.Info().Str("prefix", cfg.Server.StreamPrefix).Msg("publishing events to redis streams")
			}

			orch := orchestrator.NewOrchestrator(nil, pipeline, policy.NewSizer(&cfg.Risk), book)
			orch.SetPublisher(publishers)
			orch.SetMetrics(m)
			orch.OnStageComplete(func(r *orchestrator.StageResult) {
				if !r.Success {
					log.Warn().Str("stage", string(r.Stage)).Str("error", r.Error).Dur("took", r.Duration).Msg("stage failed")
				}
			})

			srv := &http.Server{
				Addr:         cfg.Server.Addr,
				Handler:      newServer(orch, hub, m).withRateLimit(cfg.Server.RateLimit, cfg.Server.RateBurst).routes(),
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				log.Info().
					Str("addr", cfg.Server.Addr).
					Str("pipeline", pipeline.Config().Name).
					Str("risk", cfg.Risk.Name).
					Str("balance", book.CurrentBalance().StringFixed(2)).
					Msg("serving")
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}

			log.Info().Msg("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}
