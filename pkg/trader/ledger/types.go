// Package ledger provides the event-sourced bankroll ledger.
//
// The ledger is an append-only sequence of events. Balance changes only
// through two event kinds after the genesis event:
//   - stake_reserved: a bet is placed and its stake leaves the balance
//   - settlement: a bet resolves and its payout (0 on a loss) returns
//
// Current state is always re-derivable by replaying the log.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/phenomenon0/edgestack/pkg/trader/policy"
)

// EventKind identifies a ledger event.
type EventKind string

const (
	EventOpened        EventKind = "opened"
	EventStakeReserved EventKind = "stake_reserved"
	EventSettlement    EventKind = "settlement"
)

// Outcome is the result of a settled bet.
type Outcome string

const (
	OutcomeWon  Outcome = "won"
	OutcomeLost Outcome = "lost"
	OutcomePush Outcome = "push"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	return o == OutcomeWon || o == OutcomeLost || o == OutcomePush
}

// ParseOutcome parses an outcome name.
func ParseOutcome(s string) (Outcome, error) {
	o := Outcome(s)
	if !o.Valid() {
		return "", fmt.Errorf("unknown outcome %q (want won, lost or push)", s)
	}
	return o, nil
}

// Errors returned by Append. Rejected events are never stored.
var (
	ErrNotOpened           = errors.New("ledger not opened")
	ErrAlreadyOpened       = errors.New("ledger already opened")
	ErrOutOfOrder          = errors.New("event timestamp before last event")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrUnknownBet          = errors.New("unknown bet")
	ErrDuplicateBet        = errors.New("duplicate bet id")
	ErrAlreadySettled      = errors.New("bet already settled")
	ErrPayoutMismatch      = errors.New("payout does not match stake, odds and outcome")
	ErrInvalidEvent        = errors.New("invalid event")
)

// Event is one immutable entry of the ledger log.
type Event struct {
	Seq    int64           `json:"seq"`
	ID     string          `json:"id"`
	Kind   EventKind       `json:"kind"`
	At     time.Time       `json:"at"`
	BetID  string          `json:"bet_id,omitempty"`
	Amount decimal.Decimal `json:"amount"` // opened: initial balance; stake_reserved: stake; settlement: payout

	// stake_reserved
	Odds     int                 `json:"odds,omitempty"`
	Ref      string              `json:"ref,omitempty"`
	Proposal *policy.BetProposal `json:"proposal,omitempty"`

	// settlement
	Outcome Outcome `json:"outcome,omitempty"`
}

// BetStatus is the lifecycle state of a bet.
type BetStatus string

const (
	BetPending BetStatus = "pending"
	BetSettled BetStatus = "settled"
)

// Bet is a placed bet. Once settled it never changes.
type Bet struct {
	ID        string              `json:"id"`
	Ref       string              `json:"ref,omitempty"`
	Stake     decimal.Decimal     `json:"stake"`
	Odds      int                 `json:"odds"`
	Proposal  *policy.BetProposal `json:"proposal,omitempty"`
	PlacedAt  time.Time           `json:"placed_at"`
	SettledAt *time.Time          `json:"settled_at,omitempty"`
	Outcome   *Outcome            `json:"outcome,omitempty"`
	Payout    *decimal.Decimal    `json:"payout,omitempty"`
}

// Status returns pending or settled.
func (b Bet) Status() BetStatus {
	if b.SettledAt != nil {
		return BetSettled
	}
	return BetPending
}

// Profit returns payout minus stake for a settled bet, zero otherwise.
func (b Bet) Profit() decimal.Decimal {
	if b.Payout == nil {
		return decimal.Zero
	}
	return b.Payout.Sub(b.Stake)
}

// Return returns profit per unit staked for a settled bet.
func (b Bet) Return() float64 {
	if b.Payout == nil || b.Stake.IsZero() {
		return 0
	}
	return b.Profit().Div(b.Stake).InexactFloat64()
}

// BankrollState is the ledger state after one event.
type BankrollState struct {
	Seq             int64           `json:"seq"`
	Kind            EventKind       `json:"kind"`
	Balance         decimal.Decimal `json:"balance"`
	OpenExposure    decimal.Decimal `json:"open_exposure"`
	Timestamp       time.Time       `json:"timestamp"`
	TriggeringBetID string          `json:"triggering_bet_id,omitempty"`
}

// Bankroll returns balance plus open stakes.
func (s BankrollState) Bankroll() decimal.Decimal {
	return s.Balance.Add(s.OpenExposure)
}

// Payout returns what a settled stake pays back at American odds:
// stake*decimal_odds on a win, the stake on a push, zero on a loss.
// The result is rounded to cents.
func Payout(stake decimal.Decimal, american int, outcome Outcome) (decimal.Decimal, error) {
	switch outcome {
	case OutcomeLost:
		return decimal.Zero, nil
	case OutcomePush:
		return stake, nil
	case OutcomeWon:
	default:
		return decimal.Zero, fmt.Errorf("unknown outcome %q", outcome)
	}

	var profit decimal.Decimal
	switch {
	case american >= 100:
		profit = stake.Mul(decimal.NewFromInt(int64(american))).Div(decimal.NewFromInt(100))
	case american <= -100:
		profit = stake.Mul(decimal.NewFromInt(100)).Div(decimal.NewFromInt(int64(-american)))
	default:
		return decimal.Zero, fmt.Errorf("invalid American odds: %d", american)
	}
	return stake.Add(profit).Round(2), nil
}
