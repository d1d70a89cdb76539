// Package mmbot runs grid-style market-maker bots. A bot ring-fences its
// own inventory at creation, requotes a buy and a sell around every tick
// inside its price range, and settles fills into that inventory instead of
// the account's free balances.
package mmbot

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"DeskSim/internal/domain"
)

// Inventory is the quote and base the bot trades with, separated from the
// account's free ledger until the bot is removed.
type Inventory struct {
	Quote decimal.Decimal
	Base  decimal.Decimal
}

// Bot is one market maker. The engine loop is the only writer.
type Bot struct {
	ID           uuid.UUID
	Pair         domain.Pair
	Active       bool
	RangeLower   decimal.Decimal
	RangeUpper   decimal.Decimal
	SpreadPct    decimal.Decimal
	OrderAmount  decimal.Decimal // base units per quoted order
	Inventory    Inventory
	OpenOrderIDs []uuid.UUID
	CreatedAt    int64 // unix seconds
}

// NewBot validates configuration and seeds the inventory with initialQuote.
// The caller debits the account for initialQuote.
func NewBot(pair domain.Pair, lower, upper, spreadPct, orderAmount, initialQuote decimal.Decimal, createdAt int64) (*Bot, error) {
	if lower.Sign() <= 0 || upper.LessThanOrEqual(lower) {
		return nil, fmt.Errorf("%w: price range [%s, %s]", domain.ErrInvalidAmount, lower, upper)
	}
	if spreadPct.Sign() <= 0 {
		return nil, fmt.Errorf("%w: spread %s", domain.ErrInvalidAmount, spreadPct)
	}
	if orderAmount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: order amount %s", domain.ErrInvalidAmount, orderAmount)
	}
	if initialQuote.Sign() <= 0 {
		return nil, fmt.Errorf("%w: initial quote %s", domain.ErrInvalidAmount, initialQuote)
	}
	return &Bot{
		ID:          uuid.New(),
		Pair:        pair,
		Active:      true,
		RangeLower:  lower,
		RangeUpper:  upper,
		SpreadPct:   spreadPct,
		OrderAmount: orderAmount,
		Inventory:   Inventory{Quote: initialQuote},
		CreatedAt:   createdAt,
	}, nil
}

// InRange reports whether the bot quotes at this price.
func (b *Bot) InRange(price decimal.Decimal) bool {
	return price.GreaterThanOrEqual(b.RangeLower) && price.LessThanOrEqual(b.RangeUpper)
}

// Quotes returns the bid and ask for a tick price. The half-spread is
// spreadPct/2 percent on each side, so spreadPct is the full bid-ask width.
func (b *Bot) Quotes(price decimal.Decimal) (buy, sell decimal.Decimal) {
	half := b.SpreadPct.Div(decimal.NewFromInt(200))
	one := decimal.NewFromInt(1)
	return price.Mul(one.Sub(half)), price.Mul(one.Add(half))
}

// CanBuy reports whether inventory covers a buy order at the given price.
func (b *Bot) CanBuy(price decimal.Decimal) bool {
	return b.Inventory.Quote.GreaterThanOrEqual(price.Mul(b.OrderAmount))
}

// CanSell reports whether inventory covers a sell of OrderAmount base.
func (b *Bot) CanSell() bool {
	return b.Inventory.Base.GreaterThanOrEqual(b.OrderAmount)
}

// SettleBuy moves a filled buy into inventory: quote out, base in.
func (b *Bot) SettleBuy(price, amount decimal.Decimal) {
	b.Inventory.Quote = b.Inventory.Quote.Sub(price.Mul(amount))
	b.Inventory.Base = b.Inventory.Base.Add(amount)
}

// SettleSell moves a filled sell into inventory: base out, quote in.
func (b *Bot) SettleSell(price, amount decimal.Decimal) {
	b.Inventory.Base = b.Inventory.Base.Sub(amount)
	b.Inventory.Quote = b.Inventory.Quote.Add(price.Mul(amount))
}

// ForgetOrder drops an order id from the open list once it fills or is
// cancelled outside the requote cycle.
func (b *Bot) ForgetOrder(id uuid.UUID) {
	for i, oid := range b.OpenOrderIDs {
		if oid == id {
			b.OpenOrderIDs = append(b.OpenOrderIDs[:i], b.OpenOrderIDs[i+1:]...)
			return
		}
	}
}

// Manager tracks bots in creation order.
type Manager struct {
	bots  map[uuid.UUID]*Bot
	order []uuid.UUID
}

func NewManager() *Manager {
	return &Manager{bots: make(map[uuid.UUID]*Bot)}
}

func (m *Manager) Add(b *Bot) {
	m.bots[b.ID] = b
	m.order = append(m.order, b.ID)
}

func (m *Manager) Get(id uuid.UUID) (*Bot, error) {
	b, ok := m.bots[id]
	if !ok {
		return nil, fmt.Errorf("%w: bot %s", domain.ErrNotFound, id)
	}
	return b, nil
}

func (m *Manager) Remove(id uuid.UUID) {
	if _, ok := m.bots[id]; !ok {
		return
	}
	delete(m.bots, id)
	for i, bid := range m.order {
		if bid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// ForPair returns bots on the pair in creation order.
func (m *Manager) ForPair(pair domain.Pair) []*Bot {
	var out []*Bot
	for _, id := range m.order {
		if b := m.bots[id]; b.Pair == pair {
			out = append(out, b)
		}
	}
	return out
}

// All returns every bot in creation order.
func (m *Manager) All() []*Bot {
	out := make([]*Bot, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.bots[id])
	}
	return out
}

// Owner resolves which bot owns an order ID, if any.
func (m *Manager) Owner(orderID uuid.UUID) *Bot {
	for _, id := range m.order {
		b := m.bots[id]
		for _, oid := range b.OpenOrderIDs {
			if oid == orderID {
				return b
			}
		}
	}
	return nil
}

// InventoryValue sums all bot inventories priced in quote terms.
func (m *Manager) InventoryValue(price func(domain.Pair) decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, id := range m.order {
		b := m.bots[id]
		total = total.Add(b.Inventory.Quote)
		total = total.Add(b.Inventory.Base.Mul(price(b.Pair)))
	}
	return total
}

// Restore replaces state from a snapshot.
func (m *Manager) Restore(bots []*Bot) {
	m.bots = make(map[uuid.UUID]*Bot, len(bots))
	m.order = m.order[:0]
	for _, b := range bots {
		m.Add(b)
	}
}
