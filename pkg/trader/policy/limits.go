// Package policy turns composite scores into bounded stake recommendations.
//
// Sizing is fractional Kelly with hard caps: a per-bet cap on balance, a cap
// on total open exposure, and a drawdown halt that latches until the bankroll
// recovers. Every "no bet" outcome is a SkipDecision value, never an error.
package policy

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// RiskConfig defines the risk parameters for stake sizing.
type RiskConfig struct {
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Sizing
	KellyFraction float64 `json:"kelly_fraction" yaml:"kelly_fraction"` // multiplier on full Kelly (0-1]
	MinEdge       float64 `json:"min_edge" yaml:"min_edge"`             // edge must exceed this (>= 0)
	MinConfidence float64 `json:"min_confidence" yaml:"min_confidence"` // 0 disables the gate
	MinStake      float64 `json:"min_stake" yaml:"min_stake"`           // stakes below this are skipped

	// Caps (fractions of balance / bankroll, 0-1)
	MaxBetPct      float64 `json:"max_bet_pct" yaml:"max_bet_pct"`
	MaxExposurePct float64 `json:"max_exposure_pct" yaml:"max_exposure_pct"`

	// Drawdown halt with hysteresis
	HaltDrawdownPct     float64 `json:"halt_drawdown_pct" yaml:"halt_drawdown_pct"`
	RecoveryDrawdownPct float64 `json:"recovery_drawdown_pct" yaml:"recovery_drawdown_pct"`
}

// DefaultRiskConfig returns the default risk parameters.
func DefaultRiskConfig() *RiskConfig {
	return &RiskConfig{
		Name:          "default",
		KellyFraction: 0.25,
		MinEdge:       0,
		MinConfidence: 0,
		MinStake:      1,

		MaxBetPct:      0.07, // 7% of balance per bet
		MaxExposurePct: 0.25, // 25% of bankroll open at once

		HaltDrawdownPct:     0.20,
		RecoveryDrawdownPct: 0.10,
	}
}

// TightRiskConfig returns very conservative parameters.
func TightRiskConfig() *RiskConfig {
	return &RiskConfig{
		Name:          "tight",
		KellyFraction: 0.1,
		MinEdge:       0.02,
		MinConfidence: 0.3,
		MinStake:      5,

		MaxBetPct:      0.02,
		MaxExposurePct: 0.10,

		HaltDrawdownPct:     0.10,
		RecoveryDrawdownPct: 0.05,
	}
}

// Validate checks that the parameters are coherent.
func (c *RiskConfig) Validate() error {
	if c.KellyFraction <= 0 || c.KellyFraction > 1 {
		return fmt.Errorf("kelly_fraction must be in (0,1], got %v", c.KellyFraction)
	}
	if c.MinEdge < 0 {
		return fmt.Errorf("min_edge must be non-negative, got %v", c.MinEdge)
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return fmt.Errorf("min_confidence must be in [0,1], got %v", c.MinConfidence)
	}
	if c.MinStake < 0 {
		return fmt.Errorf("min_stake must be non-negative, got %v", c.MinStake)
	}
	if c.MaxBetPct <= 0 || c.MaxBetPct > 1 {
		return fmt.Errorf("max_bet_pct must be in (0,1], got %v", c.MaxBetPct)
	}
	if c.MaxExposurePct <= 0 || c.MaxExposurePct > 1 {
		return fmt.Errorf("max_exposure_pct must be in (0,1], got %v", c.MaxExposurePct)
	}
	if c.HaltDrawdownPct <= 0 || c.HaltDrawdownPct >= 1 {
		return fmt.Errorf("halt_drawdown_pct must be in (0,1), got %v", c.HaltDrawdownPct)
	}
	if c.RecoveryDrawdownPct < 0 || c.RecoveryDrawdownPct > c.HaltDrawdownPct {
		return fmt.Errorf("recovery_drawdown_pct must be in [0, halt_drawdown_pct], got %v", c.RecoveryDrawdownPct)
	}
	return nil
}

// MinStakeDecimal returns MinStake as money.
func (c *RiskConfig) MinStakeDecimal() decimal.Decimal {
	return decimal.NewFromFloat(c.MinStake)
}

// Status summarizes a bankroll against the config, for display.
type Status struct {
	Balance        string  `json:"balance"`
	OpenExposure   string  `json:"open_exposure"`
	ExposurePct    float64 `json:"exposure_pct"`
	MaxExposurePct float64 `json:"max_exposure_pct"`
	Drawdown       float64 `json:"drawdown"`
	HaltDrawdown   float64 `json:"halt_drawdown_pct"`
	Halted         bool    `json:"halted"`
}

// StatusOf reports the current risk posture of view.
func (c *RiskConfig) StatusOf(view BankrollView) Status {
	history := view.BankrollHistory()
	return Status{
		Balance:        view.Balance().StringFixed(2),
		OpenExposure:   view.OpenExposure().StringFixed(2),
		ExposurePct:    exposurePct(view),
		MaxExposurePct: c.MaxExposurePct,
		Drawdown:       DrawdownFromPeak(history),
		HaltDrawdown:   c.HaltDrawdownPct,
		Halted:         HaltLatched(history, c.HaltDrawdownPct, c.RecoveryDrawdownPct),
	}
}
