package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/phenomenon0/edgestack/pkg/scoring"
	"github.com/phenomenon0/edgestack/pkg/trader/backtest"
	"github.com/phenomenon0/edgestack/pkg/trader/policy"
)

// gridFile mirrors backtest.GridSpec with undecoded entries, so each entry
// can be decoded over its own defaults.
type gridFile struct {
	Pipelines    []yaml.Node   `yaml:"pipelines"`
	Risks        []yaml.Node   `yaml:"risks"`
	Objective    string        `yaml:"objective"`
	Workers      int           `yaml:"workers"`
	TrialTimeout time.Duration `yaml:"trial_timeout"`
}

// LoadGrid reads a grid file (YAML or JSON). Each pipeline entry starts
// from the default pipeline and each risk entry from the default risk
// config, so entries only need the fields they vary.
func LoadGrid(path string) (backtest.GridSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return backtest.GridSpec{}, fmt.Errorf("read grid: %w", err)
	}
	spec, err := ParseGrid(data)
	if err != nil {
		return backtest.GridSpec{}, fmt.Errorf("grid %s: %w", path, err)
	}
	return spec, nil
}

// ParseGrid decodes and validates a grid document.
func ParseGrid(data []byte) (backtest.GridSpec, error) {
	var f gridFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return backtest.GridSpec{}, err
	}
	spec := backtest.GridSpec{
		Objective:    f.Objective,
		Workers:      f.Workers,
		TrialTimeout: f.TrialTimeout,
	}
	for i := range f.Pipelines {
		p := scoring.DefaultConfig()
		if err := f.Pipelines[i].Decode(&p); err != nil {
			return backtest.GridSpec{}, fmt.Errorf("pipeline %d: %w", i, err)
		}
		spec.Pipelines = append(spec.Pipelines, p)
	}
	for i := range f.Risks {
		r := *policy.DefaultRiskConfig()
		if err := f.Risks[i].Decode(&r); err != nil {
			return backtest.GridSpec{}, fmt.Errorf("risk %d: %w", i, err)
		}
		spec.Risks = append(spec.Risks, r)
	}
	if err := spec.Validate(); err != nil {
		return backtest.GridSpec{}, &ValidationError{Section: "grid", Err: err}
	}
	return spec, nil
}
