package policy

import (
	"github.com/shopspring/decimal"
)

// BankrollView is the read-only bankroll state the sizer needs.
// The ledger implements it; a snapshot must be consistent for one sizing call.
type BankrollView interface {
	// Balance is the cash available to stake.
	Balance() decimal.Decimal

	// OpenExposure is the sum of stakes on unsettled bets.
	OpenExposure() decimal.Decimal

	// BankrollHistory is balance plus open exposure after each ledger event,
	// oldest first.
	BankrollHistory() []decimal.Decimal
}

// DrawdownFromPeak returns the fractional decline of the last value from the
// running peak of history (0 when at a peak or history is empty).
func DrawdownFromPeak(history []decimal.Decimal) float64 {
	if len(history) == 0 {
		return 0
	}
	peak := history[0]
	for _, v := range history[1:] {
		if v.GreaterThan(peak) {
			peak = v
		}
	}
	return drawdown(peak, history[len(history)-1])
}

// MaxDrawdown returns the largest peak-to-trough decline over history.
func MaxDrawdown(history []decimal.Decimal) float64 {
	if len(history) == 0 {
		return 0
	}
	peak := history[0]
	worst := 0.0
	for _, v := range history {
		if v.GreaterThan(peak) {
			peak = v
		}
		if dd := drawdown(peak, v); dd > worst {
			worst = dd
		}
	}
	return worst
}

// HaltLatched replays history and reports whether the drawdown halt is
// engaged at the end. The halt engages once drawdown reaches halt and
// releases only when drawdown falls to recovery or below.
func HaltLatched(history []decimal.Decimal, halt, recovery float64) bool {
	if len(history) == 0 || halt <= 0 {
		return false
	}
	peak := history[0]
	latched := false
	for _, v := range history {
		if v.GreaterThan(peak) {
			peak = v
		}
		dd := drawdown(peak, v)
		switch {
		case !latched && dd >= halt:
			latched = true
		case latched && dd <= recovery:
			latched = false
		}
	}
	return latched
}

func drawdown(peak, v decimal.Decimal) float64 {
	if !peak.IsPositive() || v.GreaterThanOrEqual(peak) {
		return 0
	}
	return peak.Sub(v).Div(peak).InexactFloat64()
}

func exposurePct(view BankrollView) float64 {
	open := view.OpenExposure()
	bankroll := view.Balance().Add(open)
	if !bankroll.IsPositive() {
		return 0
	}
	return open.Div(bankroll).InexactFloat64()
}
