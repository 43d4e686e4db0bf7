package scoring

import (
	"fmt"
	"math"

	"github.com/phenomenon0/edgestack/pkg/oddsmath"
)

// Side is the side of a two-way market.
type Side string

const (
	SideOver  Side = "OVER"
	SideUnder Side = "UNDER"
	SideA     Side = "A"
	SideB     Side = "B"
)

// Primary reports whether the side is the one a high score favors.
func (s Side) Primary() bool { return s == SideOver || s == SideA }

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	switch s {
	case SideOver, SideUnder, SideA, SideB:
		return true
	}
	return false
}

// Market is externally observed pricing for the entity's market.
// Either the OVER/UNDER pair or the A/B pair is set. PublicPct is the percentage
// of public tickets on the primary side (OVER or A); zero means unknown.
type Market struct {
	Line      float64 `json:"line,omitempty" yaml:"line,omitempty"`
	OddsOver  int     `json:"odds_over,omitempty" yaml:"odds_over,omitempty"`
	OddsUnder int     `json:"odds_under,omitempty" yaml:"odds_under,omitempty"`
	OddsA     int     `json:"odds_a,omitempty" yaml:"odds_a,omitempty"`
	OddsB     int     `json:"odds_b,omitempty" yaml:"odds_b,omitempty"`
	PublicPct float64 `json:"public_pct,omitempty" yaml:"public_pct,omitempty"`
}

// Sides returns the two sides of the market with their American odds, primary first.
func (m Market) Sides() (primary, secondary Side, primaryOdds, secondaryOdds int, err error) {
	switch {
	case m.OddsA != 0 || m.OddsB != 0:
		primary, secondary, primaryOdds, secondaryOdds = SideA, SideB, m.OddsA, m.OddsB
	case m.OddsOver != 0 || m.OddsUnder != 0:
		primary, secondary, primaryOdds, secondaryOdds = SideOver, SideUnder, m.OddsOver, m.OddsUnder
	default:
		return "", "", 0, 0, fmt.Errorf("market has no odds")
	}
	if _, err := oddsmath.AmericanToDecimal(primaryOdds); err != nil {
		return "", "", 0, 0, fmt.Errorf("%s odds: %w", primary, err)
	}
	if _, err := oddsmath.AmericanToDecimal(secondaryOdds); err != nil {
		return "", "", 0, 0, fmt.Errorf("%s odds: %w", secondary, err)
	}
	return primary, secondary, primaryOdds, secondaryOdds, nil
}

// OddsFor returns the American odds offered on side.
func (m Market) OddsFor(side Side) (int, error) {
	p, s, po, so, err := m.Sides()
	if err != nil {
		return 0, err
	}
	switch side {
	case p:
		return po, nil
	case s:
		return so, nil
	}
	return 0, fmt.Errorf("side %s not offered", side)
}

// MarketLayer moves the score toward the no-vig market probability, fades a
// lopsided public, and adds conviction when the running score sides with the
// sharp (less public) side.
type MarketLayer struct {
	name           string
	weight         float64 // share of (fair-50) applied as delta
	fadeWeight     float64 // score points per point of public imbalance
	sharpThreshold float64 // public imbalance (pct points from 50) that counts as lopsided
	sharpBoost     float64
	maxDelta       float64
}

func (l *MarketLayer) Name() string { return l.name }
func (l *MarketLayer) Kind() Kind   { return KindMarket }

func (l *MarketLayer) Apply(s *State, b *Builder) LayerResult {
	if s.Market == nil {
		return Identity(l.name, KindMarket, missingFlags([]string{"market"})...)
	}
	_, _, po, so, err := s.Market.Sides()
	if err != nil {
		return Identity(l.name, KindMarket, missingFlags([]string{"odds"})...)
	}
	fair, _, err := oddsmath.FairTwoWay(po, so)
	if err != nil {
		return Identity(l.name, KindMarket, missingFlags([]string{"odds"})...)
	}

	diag := map[string]float64{"fair_primary": fair}
	delta := (fair*100 - Neutral) * l.weight

	mult := 1.0
	if pub := s.Market.PublicPct; pub > 0 && pub < 100 {
		imbalance := pub - Neutral // >0: public on primary
		fade := -imbalance * l.fadeWeight
		delta += fade
		diag["public_pct"] = pub
		diag["fade"] = fade

		if math.Abs(imbalance) >= l.sharpThreshold && l.sharpBoost > 0 {
			sharpDir := -1.0
			if imbalance < 0 {
				sharpDir = 1
			}
			if b.Direction() == sharpDir {
				mult = l.sharpBoost
				diag["sharp_agree"] = 1
			}
		}
	}

	delta = clampAbs(delta, l.maxDelta)
	return LayerResult{
		Layer:       l.name,
		Kind:        KindMarket,
		Multiplier:  mult,
		Delta:       delta,
		Signal:      delta != 0 || mult != 1,
		Diagnostics: diag,
	}
}
