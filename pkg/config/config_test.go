package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phenomenon0/edgestack/pkg/trader/backtest"
	"github.com/phenomenon0/edgestack/pkg/trader/policy"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	def := Default()
	assert.Equal(t, def.Risk, cfg.Risk)
	assert.Equal(t, def.Pipeline.Name, cfg.Pipeline.Name)
	assert.Equal(t, "edgestack.db", cfg.Ledger.DSN)
	assert.True(t, cfg.Backtest.InitialBalance.Equal(def.Backtest.InitialBalance))
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeFile(t, "edgestack.yaml", `
risk:
  name: cautious
  kelly_fraction: 0.1
backtest:
  initial_balance: "5000"
  fit_fraction: 0.5
ledger:
  dsn: postgres://edge@localhost/edge
log:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "cautious", cfg.Risk.Name)
	assert.Equal(t, 0.1, cfg.Risk.KellyFraction)
	assert.Equal(t, policy.DefaultRiskConfig().MaxBetPct, cfg.Risk.MaxBetPct, "unset fields keep defaults")
	assert.Equal(t, "5000", cfg.Backtest.InitialBalance.String())
	assert.Equal(t, 0.5, cfg.Backtest.FitFraction)
	assert.Equal(t, 30, cfg.Backtest.MinSamples)
	assert.Equal(t, "postgres://edge@localhost/edge", cfg.Ledger.DSN)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.NotEmpty(t, cfg.Pipeline.Layers)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv(EnvLogLevel, "warn")
	t.Setenv(EnvLedgerDSN, "sqlite:///tmp/ledger.db")
	t.Setenv(EnvRedisURL, "redis://localhost:6379/0")

	path := writeFile(t, "edgestack.yaml", "log:\n  level: debug\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "sqlite:///tmp/ledger.db", cfg.Ledger.DSN)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Server.RedisURL)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		section string
	}{
		{"kelly above one", "risk:\n  kelly_fraction: 1.5\n", "risk"},
		{"bad ceiling", "pipeline:\n  multiplier_ceiling: 0.5\n", "pipeline"},
		{"bad fit fraction", "backtest:\n  fit_fraction: 1\n", "backtest"},
		{"bad dsn scheme", "ledger:\n  dsn: mysql://x\n", "ledger"},
		{"bad balance", "ledger:\n  initial_balance: \"-5\"\n", "ledger"},
		{"bad log format", "log:\n  format: xml\n", "log"},
		{"negative rate limit", "server:\n  rate_limit: -1\n", "server"},
		{"rate limit without burst", "server:\n  rate_limit: 5\n  rate_burst: 0\n", "server"},
		{"duplicate domain field", `
domains:
  - name: cricket
    fields:
      - {name: form}
      - {name: form}
`, "domains"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "c.yaml", tt.body))
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, tt.section, verr.Section)
		})
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeFile(t, "c.yaml", "risk:\n  kelly: 0.2\n"))
	require.Error(t, err)
	var verr *ValidationError
	assert.False(t, errors.As(err, &verr))
}

func TestRegistryAddsAndReplacesDomains(t *testing.T) {
	cfg := Default()
	require.NoError(t, Parse([]byte(`
domains:
  - name: cricket
    sample_size: 500
    fields:
      - name: form
        stat: {mean: 0, std: 1}
  - name: nba
    sample_size: 10
`), cfg))

	r, err := cfg.Registry()
	require.NoError(t, err)
	d, ok := r.Lookup("cricket")
	require.True(t, ok)
	assert.Equal(t, 500, d.SampleSize)

	nba, ok := r.Lookup("nba")
	require.True(t, ok)
	assert.Equal(t, 10, nba.SampleSize)

	_, ok = r.Lookup("tennis")
	assert.True(t, ok)
}

func TestParseGrid(t *testing.T) {
	spec, err := ParseGrid([]byte(`
objective: roi
workers: 2
trial_timeout: 30s
pipelines:
  - name: default
  - name: baseline-only
    layers:
      - kind: baseline
        weights: {name.plosive_ratio: 1}
        scale: 2
risks:
  - name: default
  - name: quarter
    kelly_fraction: 0.1
    max_bet_pct: 0.02
`))
	require.NoError(t, err)

	assert.Equal(t, backtest.ObjectiveROI, spec.Objective)
	assert.Equal(t, 2, spec.Workers)
	assert.Equal(t, 30*time.Second, spec.TrialTimeout)

	require.Len(t, spec.Pipelines, 2)
	assert.Len(t, spec.Pipelines[0].Layers, len(Default().Pipeline.Layers))
	assert.Len(t, spec.Pipelines[1].Layers, 1)
	assert.Equal(t, 2.5, spec.Pipelines[1].MultiplierCeiling)

	require.Len(t, spec.Risks, 2)
	assert.Equal(t, 0.1, spec.Risks[1].KellyFraction)
	assert.Equal(t, policy.DefaultRiskConfig().HaltDrawdownPct, spec.Risks[1].HaltDrawdownPct)
}

func TestParseGridRejectsDuplicates(t *testing.T) {
	_, err := ParseGrid([]byte(`
pipelines: [{name: a}, {name: a}]
risks: [{name: default}]
`))
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "grid", verr.Section)
}
