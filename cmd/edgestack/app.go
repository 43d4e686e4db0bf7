package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/phenomenon0/edgestack/pkg/config"
	"github.com/phenomenon0/edgestack/pkg/features"
	"github.com/phenomenon0/edgestack/pkg/scoring"
	"github.com/phenomenon0/edgestack/pkg/trader/ledger"
)

func buildPipeline(cfg *config.Config) (*scoring.Pipeline, *features.Extractor, error) {
	ext, err := cfg.Extractor()
	if err != nil {
		return nil, nil, err
	}
	p, err := scoring.New(cfg.Pipeline, ext)
	if err != nil {
		return nil, nil, err
	}
	return p, ext, nil
}

// openLedger loads the configured ledger. With seed set, an empty ledger is
// opened with the configured initial balance. The caller closes the store.
func openLedger(ctx context.Context, cfg *config.Config, seed bool) (*ledger.Ledger, error) {
	store, err := ledger.OpenSQL(ctx, cfg.Ledger.DSN)
	if err != nil {
		return nil, err
	}
	book, err := ledger.Load(ctx, store)
	if err != nil {
		store.Close()
		return nil, err
	}
	if seed && len(book.Events()) == 0 {
		initial, err := cfg.LedgerInitialBalance()
		if err != nil {
			store.Close()
			return nil, err
		}
		if _, err := book.Seed(ctx, initial, time.Now().UTC()); err != nil {
			store.Close()
			return nil, fmt.Errorf("seed ledger: %w", err)
		}
		log.Info().Str("balance", initial.StringFixed(2)).Msg("ledger opened")
	}
	return book, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeJSONFile(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := writeJSON(f, v); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
