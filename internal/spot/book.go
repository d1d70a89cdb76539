// Package spot holds open limit orders and decides which of them cross the
// reference price on a tick. Settlement against the ledger is performed by
// the engine; the book only owns order state and lifecycle transitions.
package spot

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"DeskSim/internal/domain"
)

// Book is the set of open orders plus the terminal history for one account.
type Book struct {
	open    []*Order // insertion order, settled deterministically
	index   map[uuid.UUID]*Order
	history []*Order // newest first, terminal records only
}

func NewBook() *Book {
	return &Book{index: make(map[uuid.UUID]*Order)}
}

// Add registers an Open order.
func (b *Book) Add(o *Order) error {
	if o.Status != StatusOpen {
		return fmt.Errorf("%w: order %s is %s, not open", domain.ErrInvalidState, o.ID, o.Status)
	}
	if _, exists := b.index[o.ID]; exists {
		return fmt.Errorf("%w: duplicate order id %s", domain.ErrInvalidState, o.ID)
	}
	b.open = append(b.open, o)
	b.index[o.ID] = o
	return nil
}

// Get returns an open order by id.
func (b *Book) Get(id uuid.UUID) (*Order, error) {
	o, ok := b.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", domain.ErrNotFound, id)
	}
	return o, nil
}

// Crossing returns the open orders on the ticked pair that fill at the
// given price, in placement order.
func (b *Book) Crossing(pair domain.Pair, price decimal.Decimal) []*Order {
	var out []*Order
	for _, o := range b.open {
		if o.Pair == pair && o.Crosses(price) {
			out = append(out, o)
		}
	}
	return out
}

// MarkFilled transitions an open order to Filled and moves it to history.
func (b *Book) MarkFilled(id uuid.UUID, at time.Time) (*Order, error) {
	o, err := b.Get(id)
	if err != nil {
		return nil, err
	}
	b.remove(id)
	o.Status = StatusFilled
	filledAt := at
	o.FilledAt = &filledAt
	b.AppendHistory(o)
	return o, nil
}

// Cancel transitions an open order to Cancelled. The silent variant skips
// the history record; it is used when a bot replaces its own quotes.
func (b *Book) Cancel(id uuid.UUID, silent bool) (*Order, error) {
	o, err := b.Get(id)
	if err != nil {
		return nil, err
	}
	b.remove(id)
	o.Status = StatusCancelled
	if !silent {
		b.AppendHistory(o)
	}
	return o, nil
}

// AppendHistory prepends a terminal record. Futures closures also land here
// so the account has a single chronological trade history.
func (b *Book) AppendHistory(o *Order) {
	b.history = append([]*Order{o}, b.history...)
}

// Open returns a copy of the open order list.
func (b *Book) Open() []*Order {
	out := make([]*Order, len(b.open))
	copy(out, b.open)
	return out
}

// History returns a copy of the terminal records, newest first.
func (b *Book) History() []*Order {
	out := make([]*Order, len(b.history))
	copy(out, b.history)
	return out
}

// Restore rebuilds book state from a snapshot.
func (b *Book) Restore(open, history []*Order) {
	b.open = make([]*Order, 0, len(open))
	b.index = make(map[uuid.UUID]*Order, len(open))
	for _, o := range open {
		b.open = append(b.open, o)
		b.index[o.ID] = o
	}
	b.history = make([]*Order, len(history))
	copy(b.history, history)
}

func (b *Book) remove(id uuid.UUID) {
	delete(b.index, id)
	for i, o := range b.open {
		if o.ID == id {
			b.open = append(b.open[:i], b.open[i+1:]...)
			return
		}
	}
}
