package backtest

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/phenomenon0/edgestack/pkg/trader/ledger"
	"github.com/phenomenon0/edgestack/pkg/trader/policy"
)

// Stats summarizes the evaluation of one run.
type Stats struct {
	Records             int                       `json:"records"`
	Bets                int                       `json:"bets"`
	Wins                int                       `json:"wins"`
	Losses              int                       `json:"losses"`
	Pushes              int                       `json:"pushes"`
	WinRate             float64                   `json:"win_rate"`
	TotalStaked         decimal.Decimal           `json:"total_staked"`
	TotalProfit         decimal.Decimal           `json:"total_profit"`
	ROI                 float64                   `json:"roi"`
	Sharpe              float64                   `json:"sharpe"`
	MaxDrawdown         float64                   `json:"max_drawdown"`
	LongestLosingStreak int                       `json:"longest_losing_streak"`
	InitialBalance      decimal.Decimal           `json:"initial_balance"`
	FinalBalance        decimal.Decimal           `json:"final_balance"`
	TotalReturn         float64                   `json:"total_return"`
	Skips               map[policy.SkipReason]int `json:"skips"`
}

// EquityPoint is the bankroll after one ledger event.
type EquityPoint struct {
	Time     time.Time       `json:"time"`
	Bankroll decimal.Decimal `json:"bankroll"`
	Drawdown float64         `json:"drawdown"`
}

// ComputeStats derives performance statistics from settled bets and the
// ledger history they produced.
func ComputeStats(bets []ledger.Bet, history []ledger.BankrollState, initial decimal.Decimal) Stats {
	s := Stats{
		Bets:           len(bets),
		TotalStaked:    decimal.Zero,
		TotalProfit:    decimal.Zero,
		InitialBalance: initial,
		FinalBalance:   initial,
		Skips:          make(map[policy.SkipReason]int),
	}

	returns := make([]float64, 0, len(bets))
	streak := 0
	for _, b := range bets {
		if b.Outcome == nil {
			continue
		}
		switch *b.Outcome {
		case ledger.OutcomeWon:
			s.Wins++
			streak = 0
		case ledger.OutcomeLost:
			s.Losses++
			streak++
			if streak > s.LongestLosingStreak {
				s.LongestLosingStreak = streak
			}
		case ledger.OutcomePush:
			s.Pushes++
		}
		s.TotalStaked = s.TotalStaked.Add(b.Stake)
		s.TotalProfit = s.TotalProfit.Add(b.Profit())
		returns = append(returns, b.Return())
	}

	if decided := s.Wins + s.Losses; decided > 0 {
		s.WinRate = float64(s.Wins) / float64(decided)
	}
	if s.TotalStaked.IsPositive() {
		s.ROI = s.TotalProfit.Div(s.TotalStaked).InexactFloat64()
	}
	s.Sharpe = sharpe(returns)

	bankroll := make([]decimal.Decimal, len(history))
	for i, st := range history {
		bankroll[i] = st.Bankroll()
	}
	s.MaxDrawdown = policy.MaxDrawdown(bankroll)
	if n := len(history); n > 0 {
		s.FinalBalance = history[n-1].Balance
	}
	if initial.IsPositive() {
		s.TotalReturn = s.FinalBalance.Sub(initial).Div(initial).InexactFloat64()
	}
	return s
}

// sharpe is mean over sample standard deviation of per-bet returns.
// Fewer than two returns, or no dispersion, gives zero.
func sharpe(returns []float64) float64 {
	n := len(returns)
	if n < 2 {
		return 0
	}
	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(n)
	var ss float64
	for _, r := range returns {
		d := r - mean
		ss += d * d
	}
	std := math.Sqrt(ss / float64(n-1))
	if std < 1e-12 {
		return 0
	}
	return mean / std
}

// EquityCurve converts ledger history into equity points.
func EquityCurve(history []ledger.BankrollState) []EquityPoint {
	out := make([]EquityPoint, len(history))
	bankroll := make([]decimal.Decimal, 0, len(history))
	for i, st := range history {
		bankroll = append(bankroll, st.Bankroll())
		out[i] = EquityPoint{
			Time:     st.Timestamp,
			Bankroll: st.Bankroll(),
			Drawdown: policy.DrawdownFromPeak(bankroll),
		}
	}
	return out
}
