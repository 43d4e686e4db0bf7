package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/phenomenon0/edgestack/pkg/trader/policy"
)

// Ledger is the single-writer bankroll ledger. All mutations go through
// Append under one lock; reads take a shared lock.
type Ledger struct {
	store EventStore

	mu       sync.RWMutex
	opened   bool
	initial  decimal.Decimal
	balance  decimal.Decimal
	open     decimal.Decimal
	events   []Event
	states   []BankrollState
	bankroll []decimal.Decimal
	bets     map[string]*Bet
	betOrder []string

	// Callbacks
	onEvent func(Event, BankrollState)
}

// New creates an empty ledger persisting to store. A nil store keeps the log
// in memory only.
func New(store EventStore) *Ledger {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Ledger{
		store: store,
		bets:  make(map[string]*Bet),
	}
}

// Load creates a ledger from the events already in store.
func Load(ctx context.Context, store EventStore) (*Ledger, error) {
	events, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	l := New(store)
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range events {
		if err := l.validate(&ev); err != nil {
			return nil, fmt.Errorf("replay event %d: %w", ev.Seq, err)
		}
		l.apply(ev)
	}
	return l, nil
}

// Replay rebuilds an in-memory ledger from a log.
func Replay(events []Event) (*Ledger, error) {
	return Load(context.Background(), NewMemoryStoreFrom(events))
}

// OnEvent sets a callback invoked after each accepted event.
// The callback runs under the ledger lock and must not call back into the ledger.
func (l *Ledger) OnEvent(fn func(Event, BankrollState)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onEvent = fn
}

// Store returns the ledger's event store.
func (l *Ledger) Store() EventStore { return l.store }

// Seed appends the genesis event with the initial balance.
func (l *Ledger) Seed(ctx context.Context, initial decimal.Decimal, at time.Time) (BankrollState, error) {
	return l.Append(ctx, Event{Kind: EventOpened, Amount: initial, At: at})
}

// Append validates, persists and applies one event. A rejected event leaves
// the ledger and the store untouched.
func (l *Ledger) Append(ctx context.Context, ev Event) (BankrollState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(ctx, ev)
}

func (l *Ledger) appendLocked(ctx context.Context, ev Event) (BankrollState, error) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	ev.Seq = int64(len(l.events)) + 1
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	if err := l.validate(&ev); err != nil {
		return BankrollState{}, err
	}
	if err := l.store.Append(ctx, ev); err != nil {
		return BankrollState{}, fmt.Errorf("persist event: %w", err)
	}
	st := l.apply(ev)

	log.Debug().
		Str("kind", string(ev.Kind)).
		Str("bet_id", ev.BetID).
		Str("amount", ev.Amount.String()).
		Str("balance", st.Balance.String()).
		Msg("ledger event")

	if l.onEvent != nil {
		l.onEvent(ev, st)
	}
	return st, nil
}

// validate checks ev against the current state. It may fill derived fields.
func (l *Ledger) validate(ev *Event) error {
	if len(l.events) > 0 && ev.At.Before(l.events[len(l.events)-1].At) {
		return fmt.Errorf("%w: %s < %s", ErrOutOfOrder, ev.At.Format(time.RFC3339Nano), l.events[len(l.events)-1].At.Format(time.RFC3339Nano))
	}

	switch ev.Kind {
	case EventOpened:
		if l.opened {
			return ErrAlreadyOpened
		}
		if ev.Amount.IsNegative() {
			return fmt.Errorf("%w: negative initial balance %s", ErrInvalidEvent, ev.Amount)
		}
		return nil

	case EventStakeReserved:
		if !l.opened {
			return ErrNotOpened
		}
		if ev.BetID == "" {
			return fmt.Errorf("%w: stake without bet id", ErrInvalidEvent)
		}
		if _, dup := l.bets[ev.BetID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateBet, ev.BetID)
		}
		if !ev.Amount.IsPositive() {
			return fmt.Errorf("%w: stake must be positive, got %s", ErrInvalidEvent, ev.Amount)
		}
		if _, err := Payout(ev.Amount, ev.Odds, OutcomeWon); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		if ev.Amount.GreaterThan(l.balance) {
			return fmt.Errorf("%w: stake %s > balance %s", ErrInsufficientBalance, ev.Amount, l.balance)
		}
		return nil

	case EventSettlement:
		if !l.opened {
			return ErrNotOpened
		}
		bet, ok := l.bets[ev.BetID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownBet, ev.BetID)
		}
		if bet.SettledAt != nil {
			return fmt.Errorf("%w: %s", ErrAlreadySettled, ev.BetID)
		}
		want, err := Payout(bet.Stake, bet.Odds, ev.Outcome)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		if !ev.Amount.Equal(want) {
			return fmt.Errorf("%w: got %s, want %s", ErrPayoutMismatch, ev.Amount, want)
		}
		return nil
	}
	return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, ev.Kind)
}

// apply mutates state for an already-validated event.
func (l *Ledger) apply(ev Event) BankrollState {
	switch ev.Kind {
	case EventOpened:
		l.opened = true
		l.initial = ev.Amount
		l.balance = ev.Amount
	case EventStakeReserved:
		l.balance = l.balance.Sub(ev.Amount)
		l.open = l.open.Add(ev.Amount)
		l.bets[ev.BetID] = &Bet{
			ID:       ev.BetID,
			Ref:      ev.Ref,
			Stake:    ev.Amount,
			Odds:     ev.Odds,
			Proposal: ev.Proposal,
			PlacedAt: ev.At,
		}
		l.betOrder = append(l.betOrder, ev.BetID)
	case EventSettlement:
		bet := l.bets[ev.BetID]
		l.balance = l.balance.Add(ev.Amount)
		l.open = l.open.Sub(bet.Stake)
		at, outcome, payout := ev.At, ev.Outcome, ev.Amount
		bet.SettledAt = &at
		bet.Outcome = &outcome
		bet.Payout = &payout
	}

	st := BankrollState{
		Seq:             ev.Seq,
		Kind:            ev.Kind,
		Balance:         l.balance,
		OpenExposure:    l.open,
		Timestamp:       ev.At,
		TriggeringBetID: ev.BetID,
	}
	l.events = append(l.events, ev)
	l.states = append(l.states, st)
	l.bankroll = append(l.bankroll, st.Bankroll())
	return st
}

// Place runs decide against a consistent view of the ledger and, if it
// proposes a bet, reserves the stake in the same critical section. Two
// concurrent Place calls can therefore never both pass the exposure check
// on the same state.
func (l *Ledger) Place(ctx context.Context, decide func(policy.BankrollView) policy.Decision, at time.Time, ref string) (*Bet, policy.Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.opened {
		return nil, policy.Decision{}, ErrNotOpened
	}
	d := decide(lockedView{l})
	if !d.Bet() {
		return nil, d, nil
	}

	p := d.Proposal
	ev := Event{
		Kind:     EventStakeReserved,
		BetID:    uuid.New().String(),
		Amount:   p.StakeAmount,
		Odds:     p.AmericanOdds,
		Ref:      ref,
		Proposal: p,
		At:       at,
	}
	if _, err := l.appendLocked(ctx, ev); err != nil {
		return nil, d, err
	}
	bet := *l.bets[ev.BetID]
	return &bet, d, nil
}

// Settle records the outcome of an open bet.
func (l *Ledger) Settle(ctx context.Context, betID string, outcome Outcome, at time.Time) (Bet, BankrollState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	bet, ok := l.bets[betID]
	if !ok {
		return Bet{}, BankrollState{}, fmt.Errorf("%w: %s", ErrUnknownBet, betID)
	}
	if bet.SettledAt != nil {
		return Bet{}, BankrollState{}, fmt.Errorf("%w: %s", ErrAlreadySettled, betID)
	}
	payout, err := Payout(bet.Stake, bet.Odds, outcome)
	if err != nil {
		return Bet{}, BankrollState{}, err
	}
	st, err := l.appendLocked(ctx, Event{
		Kind:    EventSettlement,
		BetID:   betID,
		Amount:  payout,
		Outcome: outcome,
		At:      at,
	})
	if err != nil {
		return Bet{}, BankrollState{}, err
	}
	return *l.bets[betID], st, nil
}

// CurrentBalance returns the cash balance.
func (l *Ledger) CurrentBalance() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balance
}

// InitialBalance returns the balance set by the genesis event.
func (l *Ledger) InitialBalance() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.initial
}

// OpenExposure returns the sum of unsettled stakes.
func (l *Ledger) OpenExposure() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.open
}

// DrawdownFromPeak returns the decline of the bankroll (balance plus open
// stakes) from its historical peak, as a fraction.
func (l *Ledger) DrawdownFromPeak() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return policy.DrawdownFromPeak(l.bankroll)
}

// MaxDrawdown returns the largest peak-to-trough bankroll decline so far.
func (l *Ledger) MaxDrawdown() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return policy.MaxDrawdown(l.bankroll)
}

// Latest returns the most recent state.
func (l *Ledger) Latest() (BankrollState, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.states) == 0 {
		return BankrollState{}, false
	}
	return l.states[len(l.states)-1], true
}

// History returns every bankroll state, oldest first.
func (l *Ledger) History() []BankrollState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]BankrollState, len(l.states))
	copy(out, l.states)
	return out
}

// Events returns the full event log.
func (l *Ledger) Events() []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// Bets returns all bets in placement order.
func (l *Ledger) Bets() []Bet {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Bet, 0, len(l.betOrder))
	for _, id := range l.betOrder {
		out = append(out, *l.bets[id])
	}
	return out
}

// Bet returns one bet by id.
func (l *Ledger) Bet(id string) (Bet, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.bets[id]
	if !ok {
		return Bet{}, false
	}
	return *b, true
}

// Snapshot returns a consistent read-only view for sizing outside Place.
func (l *Ledger) Snapshot() policy.BankrollView {
	l.mu.RLock()
	defer l.mu.RUnlock()
	hist := make([]decimal.Decimal, len(l.bankroll))
	copy(hist, l.bankroll)
	return snapshot{balance: l.balance, open: l.open, history: hist}
}

// Verify recomputes the balance from the log as
// initial + sum(payouts) - sum(stakes reserved) and checks it against the
// live state, along with open exposure and the non-negative balance rule.
func (l *Ledger) Verify() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var initial, payouts, stakes, open decimal.Decimal
	pending := make(map[string]decimal.Decimal)
	running := decimal.Zero
	for _, ev := range l.events {
		switch ev.Kind {
		case EventOpened:
			initial = ev.Amount
			running = ev.Amount
		case EventStakeReserved:
			stakes = stakes.Add(ev.Amount)
			pending[ev.BetID] = ev.Amount
			running = running.Sub(ev.Amount)
		case EventSettlement:
			payouts = payouts.Add(ev.Amount)
			delete(pending, ev.BetID)
			running = running.Add(ev.Amount)
		}
		if running.IsNegative() {
			return fmt.Errorf("balance negative (%s) after event %d", running, ev.Seq)
		}
	}
	for _, s := range pending {
		open = open.Add(s)
	}

	derived := initial.Add(payouts).Sub(stakes)
	if !derived.Equal(l.balance) {
		return fmt.Errorf("balance mismatch: derived %s, live %s", derived, l.balance)
	}
	if !open.Equal(l.open) {
		return fmt.Errorf("open exposure mismatch: derived %s, live %s", open, l.open)
	}
	return nil
}

// Summary is a compact description of ledger state.
type Summary struct {
	Initial      string  `json:"initial_balance"`
	Balance      string  `json:"balance"`
	OpenExposure string  `json:"open_exposure"`
	Drawdown     float64 `json:"drawdown_from_peak"`
	Events       int     `json:"events"`
	Bets         int     `json:"bets"`
	OpenBets     int     `json:"open_bets"`
}

// Summary returns the current summary.
func (l *Ledger) Summary() Summary {
	l.mu.RLock()
	defer l.mu.RUnlock()
	openBets := 0
	for _, b := range l.bets {
		if b.SettledAt == nil {
			openBets++
		}
	}
	return Summary{
		Initial:      l.initial.StringFixed(2),
		Balance:      l.balance.StringFixed(2),
		OpenExposure: l.open.StringFixed(2),
		Drawdown:     policy.DrawdownFromPeak(l.bankroll),
		Events:       len(l.events),
		Bets:         len(l.bets),
		OpenBets:     openBets,
	}
}

// lockedView reads ledger fields directly; the caller holds the lock.
type lockedView struct{ l *Ledger }

func (v lockedView) Balance() decimal.Decimal           { return v.l.balance }
func (v lockedView) OpenExposure() decimal.Decimal      { return v.l.open }
func (v lockedView) BankrollHistory() []decimal.Decimal { return v.l.bankroll }

type snapshot struct {
	balance decimal.Decimal
	open    decimal.Decimal
	history []decimal.Decimal
}

func (s snapshot) Balance() decimal.Decimal           { return s.balance }
func (s snapshot) OpenExposure() decimal.Decimal      { return s.open }
func (s snapshot) BankrollHistory() []decimal.Decimal { return s.history }
