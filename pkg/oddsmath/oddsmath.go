// Package oddsmath converts between American odds, decimal odds and probabilities.
package oddsmath

import (
	"fmt"
	"math"
)

// AmericanToDecimal converts American odds to decimal odds.
// +150 -> 2.50, -150 -> 1.667.
func AmericanToDecimal(american int) (float64, error) {
	if american == 0 || (american > -100 && american < 100) {
		return 0, fmt.Errorf("invalid American odds: %d", american)
	}
	if american > 0 {
		return float64(american)/100.0 + 1.0, nil
	}
	return 100.0/float64(-american) + 1.0, nil
}

// DecimalToAmerican converts decimal odds to American odds.
func DecimalToAmerican(dec float64) (int, error) {
	if dec <= 1.0 || math.IsNaN(dec) || math.IsInf(dec, 0) {
		return 0, fmt.Errorf("invalid decimal odds: %v", dec)
	}
	if dec >= 2.0 {
		return int(math.Round((dec - 1.0) * 100.0)), nil
	}
	return int(math.Round(-100.0 / (dec - 1.0))), nil
}

// ImpliedProbability returns 1/decimal for decimal odds.
func ImpliedProbability(dec float64) (float64, error) {
	if dec <= 1.0 || math.IsNaN(dec) {
		return 0, fmt.Errorf("invalid decimal odds: %v", dec)
	}
	return 1.0 / dec, nil
}

// AmericanToImplied converts American odds directly to implied probability.
func AmericanToImplied(american int) (float64, error) {
	dec, err := AmericanToDecimal(american)
	if err != nil {
		return 0, err
	}
	return ImpliedProbability(dec)
}

// RemoveVig removes the bookmaker margin from a two-way market using the
// multiplicative method. -110/-110 -> 0.5/0.5.
func RemoveVig(p1, p2 float64) (fair1, fair2 float64, err error) {
	if p1 <= 0 || p1 >= 1 || p2 <= 0 || p2 >= 1 {
		return 0, 0, fmt.Errorf("probabilities must be in (0,1): %v, %v", p1, p2)
	}
	total := p1 + p2
	return p1 / total, p2 / total, nil
}

// FairTwoWay returns the no-vig probabilities for a two-way American odds pair.
func FairTwoWay(american1, american2 int) (float64, float64, error) {
	p1, err := AmericanToImplied(american1)
	if err != nil {
		return 0, 0, err
	}
	p2, err := AmericanToImplied(american2)
	if err != nil {
		return 0, 0, err
	}
	return RemoveVig(p1, p2)
}
