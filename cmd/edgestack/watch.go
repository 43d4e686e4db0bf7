package main

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/phenomenon0/edgestack/pkg/trader/streaming"
)

type watchOptions struct {
	url         string
	events      []string
	maxAttempts int
}

func newWatchCmd(root *rootOptions) *cobra.Command {
	opts := &watchOptions{}
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream events from a running server as JSON lines",
		Example: `  edgestack watch
  edgestack watch --url ws://localhost:8080/ws --events bet_placed,bet_settled`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			target := opts.url
			if target == "" {
				target = localWSURL(root.cfg.Server.Addr)
			}
			cfg := streaming.DefaultWatcherConfig(target)
			cfg.ReconnectMaxAttempts = opts.maxAttempts
			for _, e := range opts.events {
				cfg.Events = append(cfg.Events, streaming.EventType(e))
			}

			w := streaming.NewWatcher(cfg)
			w.OnStateChange(func(_, s streaming.State) {
				log.Debug().Str("state", s.String()).Msg("watcher")
			})

			enc := json.NewEncoder(cmd.OutOrStdout())
			err := w.Watch(cmd.Context(), func(ev streaming.Event) error {
				return enc.Encode(ev)
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.url, "url", "", "hub WebSocket URL (default derived from server.addr)")
	f.StringSliceVar(&opts.events, "events", nil, "event types to receive, default all")
	f.IntVar(&opts.maxAttempts, "max-attempts", 0, "reconnect attempts before giving up, 0 = unlimited")
	return cmd
}

// localWSURL turns a listen address such as ":8080" into a loopback URL.
func localWSURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "ws://" + addr + "/ws"
}
