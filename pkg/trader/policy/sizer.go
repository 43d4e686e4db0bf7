package policy

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/phenomenon0/edgestack/pkg/oddsmath"
	"github.com/phenomenon0/edgestack/pkg/scoring"
)

// Model probabilities are kept away from 0 and 1.
const (
	MinModelProb = 0.01
	MaxModelProb = 0.99
)

// SkipReason is a machine-readable reason for not betting.
type SkipReason string

const (
	ReasonNegativeEdge     SkipReason = "negative_edge"
	ReasonExposureExceeded SkipReason = "exposure_exceeded"
	ReasonDrawdownHalt     SkipReason = "drawdown_halt"
	ReasonLowConfidence    SkipReason = "low_confidence"
	ReasonBelowMinimum     SkipReason = "below_minimum"
	ReasonInvalidOdds      SkipReason = "invalid_odds"
)

// Quote is a side of a market at a price.
type Quote struct {
	Side         scoring.Side `json:"side"`
	AmericanOdds int          `json:"american_odds"`
}

// BetProposal is a sized, not yet placed bet.
type BetProposal struct {
	Side          scoring.Side           `json:"side"`
	AmericanOdds  int                    `json:"american_odds"`
	DecimalOdds   float64                `json:"decimal_odds"`
	ModelProb     float64                `json:"model_prob"`
	ImpliedProb   float64                `json:"implied_prob"`
	Edge          float64                `json:"edge"`
	ExpectedValue float64                `json:"expected_value"` // per unit staked
	FullKelly     float64                `json:"full_kelly"`
	StakeFraction float64                `json:"stake_fraction"` // of balance, after caps
	StakeAmount   decimal.Decimal        `json:"stake_amount"`
	CappedBy      string                 `json:"capped_by,omitempty"`
	Score         scoring.CompositeScore `json:"composite_score"`
}

// SkipDecision explains why no bet was proposed.
type SkipDecision struct {
	Reason SkipReason   `json:"reason"`
	Detail string       `json:"detail,omitempty"`
	Side   scoring.Side `json:"side,omitempty"`
	Edge   float64      `json:"edge"`
}

// Decision is either a proposal or a skip, never both.
type Decision struct {
	Proposal *BetProposal  `json:"proposal,omitempty"`
	Skip     *SkipDecision `json:"skip,omitempty"`
}

// Bet reports whether the decision proposes a bet.
func (d Decision) Bet() bool { return d.Proposal != nil }

// String renders the decision for logs and the CLI.
func (d Decision) String() string {
	if d.Proposal != nil {
		p := d.Proposal
		return fmt.Sprintf("BET %s @ %+d stake=%s edge=%.4f ev=%.4f", p.Side, p.AmericanOdds, p.StakeAmount.StringFixed(2), p.Edge, p.ExpectedValue)
	}
	if d.Skip != nil {
		return fmt.Sprintf("SKIP %s: %s", d.Skip.Reason, d.Skip.Detail)
	}
	return "EMPTY"
}

func skip(reason SkipReason, side scoring.Side, edge float64, format string, args ...any) Decision {
	return Decision{Skip: &SkipDecision{Reason: reason, Side: side, Edge: edge, Detail: fmt.Sprintf(format, args...)}}
}

// Sizer sizes stakes with fractional Kelly under a RiskConfig.
// It holds no bankroll state; all state comes from the BankrollView.
type Sizer struct {
	config *RiskConfig
}

// NewSizer creates a sizer. A nil config uses DefaultRiskConfig.
func NewSizer(config *RiskConfig) *Sizer {
	if config == nil {
		config = DefaultRiskConfig()
	}
	return &Sizer{config: config}
}

// Config returns the sizer's risk config.
func (s *Sizer) Config() *RiskConfig { return s.config }

// ModelProb converts a composite score into the model's win probability for side.
func ModelProb(score scoring.CompositeScore, side scoring.Side) float64 {
	p := score.FinalScore / 100
	if math.IsNaN(p) {
		p = 0.5
	}
	p = math.Min(MaxModelProb, math.Max(MinModelProb, p))
	if !side.Primary() {
		p = 1 - p
	}
	return p
}

// Size converts score and quote into a proposal or a skip.
func (s *Sizer) Size(score scoring.CompositeScore, quote Quote, view BankrollView) Decision {
	cfg := s.config

	if !quote.Side.Valid() {
		return skip(ReasonInvalidOdds, quote.Side, 0, "unknown side %q", quote.Side)
	}
	dec, err := oddsmath.AmericanToDecimal(quote.AmericanOdds)
	if err != nil {
		return skip(ReasonInvalidOdds, quote.Side, 0, "%v", err)
	}

	p := ModelProb(score, quote.Side)
	implied := 1 / dec
	edge := p - implied
	if edge <= cfg.MinEdge {
		return skip(ReasonNegativeEdge, quote.Side, edge, "edge %.4f <= %.4f", edge, cfg.MinEdge)
	}

	history := view.BankrollHistory()
	if HaltLatched(history, cfg.HaltDrawdownPct, cfg.RecoveryDrawdownPct) {
		return skip(ReasonDrawdownHalt, quote.Side, edge, "drawdown %.2f%% (halt at %.2f%%, resume at %.2f%%)",
			DrawdownFromPeak(history)*100, cfg.HaltDrawdownPct*100, cfg.RecoveryDrawdownPct*100)
	}

	balance := view.Balance()
	open := view.OpenExposure()
	bankroll := balance.Add(open)
	if !balance.IsPositive() || !bankroll.IsPositive() {
		return skip(ReasonBelowMinimum, quote.Side, edge, "no balance")
	}
	maxExposure := bankroll.Mul(decimal.NewFromFloat(cfg.MaxExposurePct))
	if open.GreaterThanOrEqual(maxExposure) {
		return skip(ReasonExposureExceeded, quote.Side, edge, "open exposure %s >= %s (%.0f%% of bankroll)",
			open.StringFixed(2), maxExposure.StringFixed(2), cfg.MaxExposurePct*100)
	}

	if cfg.MinConfidence > 0 && score.Confidence < cfg.MinConfidence {
		return skip(ReasonLowConfidence, quote.Side, edge, "confidence %.3f < %.3f", score.Confidence, cfg.MinConfidence)
	}

	ev := p*dec - 1
	fullKelly := edge / (dec - 1)
	fraction := fullKelly * cfg.KellyFraction

	cappedBy := ""
	if fraction > cfg.MaxBetPct {
		fraction = cfg.MaxBetPct
		cappedBy = "max_bet_pct"
	}
	stake := balance.Mul(decimal.NewFromFloat(fraction))

	if headroom := maxExposure.Sub(open); stake.GreaterThan(headroom) {
		stake = headroom
		cappedBy = "max_exposure_pct"
	}
	if stake.GreaterThan(balance) {
		stake = balance
		cappedBy = "balance"
	}
	stake = stake.Truncate(2)

	if !stake.IsPositive() || stake.LessThan(cfg.MinStakeDecimal()) {
		return skip(ReasonBelowMinimum, quote.Side, edge, "stake %s below minimum %.2f", stake.StringFixed(2), cfg.MinStake)
	}

	return Decision{Proposal: &BetProposal{
		Side:          quote.Side,
		AmericanOdds:  quote.AmericanOdds,
		DecimalOdds:   dec,
		ModelProb:     p,
		ImpliedProb:   implied,
		Edge:          edge,
		ExpectedValue: ev,
		FullKelly:     fullKelly,
		StakeFraction: stake.Div(balance).InexactFloat64(),
		StakeAmount:   stake,
		CappedBy:      cappedBy,
		Score:         score,
	}}
}

// SizeBest sizes both sides of market and returns the proposal with the
// higher expected value. With no proposal it returns the skip for the side
// the model favors.
func (s *Sizer) SizeBest(score scoring.CompositeScore, market scoring.Market, view BankrollView) Decision {
	primary, secondary, po, so, err := market.Sides()
	if err != nil {
		return skip(ReasonInvalidOdds, "", 0, "%v", err)
	}
	a := s.Size(score, Quote{Side: primary, AmericanOdds: po}, view)
	b := s.Size(score, Quote{Side: secondary, AmericanOdds: so}, view)

	switch {
	case a.Bet() && b.Bet():
		if b.Proposal.ExpectedValue > a.Proposal.ExpectedValue {
			return b
		}
		return a
	case a.Bet():
		return a
	case b.Bet():
		return b
	}
	if ModelProb(score, primary) >= ModelProb(score, secondary) {
		return a
	}
	return b
}
