// Package ledger owns per-account balances. Availability is structural:
// every claim against a free balance is an explicit named hold, so
// available = free − Σ active holds by construction rather than being
// recomputed ad hoc by each consumer.
package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"DeskSim/internal/domain"
)

// HoldReason names the structure claiming a held balance.
type HoldReason uint8

const (
	HoldSpotOrder HoldReason = iota + 1
)

func (r HoldReason) String() string {
	switch r {
	case HoldSpotOrder:
		return "spot_order"
	default:
		return "unknown"
	}
}

// HoldID identifies an active hold.
type HoldID = uuid.UUID

// Hold is a named claim against a free balance. It reduces availability
// without transferring ownership until captured or released.
type Hold struct {
	ID     HoldID
	Asset  domain.Asset
	Amount decimal.Decimal
	Reason HoldReason
}

// Ledger tracks one account's free balances, active holds, and lending
// sub-accounts. It is not safe for concurrent use; the engine serializes
// all access through its event loop.
type Ledger struct {
	free     map[domain.Asset]decimal.Decimal
	holds    map[HoldID]Hold
	held     map[domain.Asset]decimal.Decimal // running Σ holds per asset
	supplied map[domain.Asset]decimal.Decimal
	borrowed map[domain.Asset]decimal.Decimal
}

func New() *Ledger {
	return &Ledger{
		free:     make(map[domain.Asset]decimal.Decimal),
		holds:    make(map[HoldID]Hold),
		held:     make(map[domain.Asset]decimal.Decimal),
		supplied: make(map[domain.Asset]decimal.Decimal),
		borrowed: make(map[domain.Asset]decimal.Decimal),
	}
}

// Free returns the free balance including held amounts.
func (l *Ledger) Free(a domain.Asset) decimal.Decimal {
	return l.free[a]
}

// Held returns the total amount claimed by active holds.
func (l *Ledger) Held(a domain.Asset) decimal.Decimal {
	return l.held[a]
}

// Available returns free − Σ active holds.
func (l *Ledger) Available(a domain.Asset) decimal.Decimal {
	return l.free[a].Sub(l.held[a])
}

// Supplied returns the amount moved into the lending market.
func (l *Ledger) Supplied(a domain.Asset) decimal.Decimal {
	return l.supplied[a]
}

// Borrowed returns the outstanding debt in an asset.
func (l *Ledger) Borrowed(a domain.Asset) decimal.Decimal {
	return l.borrowed[a]
}

// Credit adds to a free balance. Amount must be positive.
func (l *Ledger) Credit(a domain.Asset, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("%w: credit %s %s", domain.ErrInvalidAmount, amount, a)
	}
	l.free[a] = l.free[a].Add(amount)
	return nil
}

// Debit removes from a free balance. Fails before mutating when the
// available balance (free minus holds) cannot cover the amount.
func (l *Ledger) Debit(a domain.Asset, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("%w: debit %s %s", domain.ErrInvalidAmount, amount, a)
	}
	if l.Available(a).LessThan(amount) {
		return fmt.Errorf("%w: %s available %s, need %s",
			domain.ErrInsufficientBalance, a, l.Available(a), amount)
	}
	l.free[a] = l.free[a].Sub(amount)
	return nil
}

// Reserve places a named hold against a free balance, reducing availability.
func (l *Ledger) Reserve(a domain.Asset, amount decimal.Decimal, reason HoldReason) (HoldID, error) {
	if amount.Sign() <= 0 {
		return uuid.Nil, fmt.Errorf("%w: reserve %s %s", domain.ErrInvalidAmount, amount, a)
	}
	if l.Available(a).LessThan(amount) {
		return uuid.Nil, fmt.Errorf("%w: %s available %s, need %s",
			domain.ErrInsufficientBalance, a, l.Available(a), amount)
	}
	id := uuid.New()
	l.holds[id] = Hold{ID: id, Asset: a, Amount: amount, Reason: reason}
	l.held[a] = l.held[a].Add(amount)
	return id, nil
}

// Release removes a hold, restoring availability exactly.
func (l *Ledger) Release(id HoldID) error {
	h, ok := l.holds[id]
	if !ok {
		return fmt.Errorf("%w: hold %s", domain.ErrNotFound, id)
	}
	delete(l.holds, id)
	l.held[h.Asset] = l.held[h.Asset].Sub(h.Amount)
	return nil
}

// Capture consumes a hold: the held amount leaves the free balance. Used
// when the claim settles (e.g. a spot order fills at its limit price).
func (l *Ledger) Capture(id HoldID) (Hold, error) {
	h, ok := l.holds[id]
	if !ok {
		return Hold{}, fmt.Errorf("%w: hold %s", domain.ErrNotFound, id)
	}
	delete(l.holds, id)
	l.held[h.Asset] = l.held[h.Asset].Sub(h.Amount)
	l.free[h.Asset] = l.free[h.Asset].Sub(h.Amount)
	return h, nil
}

// --- Lending sub-accounts ---

// MoveToSupplied moves an amount from the free balance into the supplied
// sub-account.
func (l *Ledger) MoveToSupplied(a domain.Asset, amount decimal.Decimal) error {
	if err := l.Debit(a, amount); err != nil {
		return err
	}
	l.supplied[a] = l.supplied[a].Add(amount)
	return nil
}

// WithdrawSupplied moves an amount from supplied back to the free balance.
func (l *Ledger) WithdrawSupplied(a domain.Asset, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("%w: withdraw %s %s", domain.ErrInvalidAmount, amount, a)
	}
	if l.supplied[a].LessThan(amount) {
		return fmt.Errorf("%w: supplied %s %s, need %s",
			domain.ErrInsufficientBalance, a, l.supplied[a], amount)
	}
	l.supplied[a] = l.supplied[a].Sub(amount)
	l.free[a] = l.free[a].Add(amount)
	return nil
}

// AddBorrowed credits the free balance and records the debt.
func (l *Ledger) AddBorrowed(a domain.Asset, amount decimal.Decimal) error {
	if err := l.Credit(a, amount); err != nil {
		return err
	}
	l.borrowed[a] = l.borrowed[a].Add(amount)
	return nil
}

// Repay debits the free balance and reduces the debt.
func (l *Ledger) Repay(a domain.Asset, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("%w: repay %s %s", domain.ErrInvalidAmount, amount, a)
	}
	if l.borrowed[a].LessThan(amount) {
		return fmt.Errorf("%w: repay %s exceeds debt %s", domain.ErrInvalidAmount, amount, l.borrowed[a])
	}
	if err := l.Debit(a, amount); err != nil {
		return err
	}
	l.borrowed[a] = l.borrowed[a].Sub(amount)
	return nil
}

// --- Invariant checks ---

// ValidateNonNegative checks available ≥ 0 for every asset (the engine
// runs this after each event; failure is a bug, not an input error).
func (l *Ledger) ValidateNonNegative() error {
	for _, a := range domain.Assets() {
		if l.Available(a).Sign() < 0 {
			return fmt.Errorf("negative available balance: %s %s", a, l.Available(a))
		}
		if l.supplied[a].Sign() < 0 {
			return fmt.Errorf("negative supplied balance: %s %s", a, l.supplied[a])
		}
		if l.borrowed[a].Sign() < 0 {
			return fmt.Errorf("negative borrowed balance: %s %s", a, l.borrowed[a])
		}
	}
	return nil
}

// --- Snapshot support ---

// Holds returns a copy of all active holds.
func (l *Ledger) Holds() []Hold {
	out := make([]Hold, 0, len(l.holds))
	for _, h := range l.holds {
		out = append(out, h)
	}
	return out
}

// Balances returns a copy of the free balance map.
func (l *Ledger) Balances() map[domain.Asset]decimal.Decimal {
	return copyBalances(l.free)
}

// SuppliedAll returns a copy of the supplied sub-account map.
func (l *Ledger) SuppliedAll() map[domain.Asset]decimal.Decimal {
	return copyBalances(l.supplied)
}

// BorrowedAll returns a copy of the borrowed sub-account map.
func (l *Ledger) BorrowedAll() map[domain.Asset]decimal.Decimal {
	return copyBalances(l.borrowed)
}

// Restore rebuilds ledger state from snapshot data.
func (l *Ledger) Restore(free map[domain.Asset]decimal.Decimal, holds []Hold, supplied, borrowed map[domain.Asset]decimal.Decimal) {
	l.free = copyBalances(free)
	l.supplied = copyBalances(supplied)
	l.borrowed = copyBalances(borrowed)
	l.holds = make(map[HoldID]Hold, len(holds))
	l.held = make(map[domain.Asset]decimal.Decimal)
	for _, h := range holds {
		l.holds[h.ID] = h
		l.held[h.Asset] = l.held[h.Asset].Add(h.Amount)
	}
}

func copyBalances(m map[domain.Asset]decimal.Decimal) map[domain.Asset]decimal.Decimal {
	out := make(map[domain.Asset]decimal.Decimal, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
