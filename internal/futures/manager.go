package futures

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"DeskSim/internal/domain"
)

// Manager tracks open positions. It is not safe for concurrent use; the
// engine loop is the only caller.
type Manager struct {
	positions map[uuid.UUID]*Position
	order     []uuid.UUID // insertion order, for deterministic iteration
}

func NewManager() *Manager {
	return &Manager{positions: make(map[uuid.UUID]*Position)}
}

func (m *Manager) Add(p *Position) {
	m.positions[p.ID] = p
	m.order = append(m.order, p.ID)
}

func (m *Manager) Get(id uuid.UUID) (*Position, error) {
	p, ok := m.positions[id]
	if !ok {
		return nil, fmt.Errorf("%w: position %s", domain.ErrNotFound, id)
	}
	return p, nil
}

func (m *Manager) Remove(id uuid.UUID) {
	if _, ok := m.positions[id]; !ok {
		return
	}
	delete(m.positions, id)
	for i, pid := range m.order {
		if pid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// ForPair returns open positions on the pair in insertion order.
func (m *Manager) ForPair(pair domain.Pair) []*Position {
	var out []*Position
	for _, id := range m.order {
		if p := m.positions[id]; p.Pair == pair {
			out = append(out, p)
		}
	}
	return out
}

// MarkToMarket refreshes unrealized PnL for every position on the pair.
func (m *Manager) MarkToMarket(pair domain.Pair, price decimal.Decimal) {
	for _, p := range m.ForPair(pair) {
		p.UnrealizedPnl = p.PnLAt(price)
	}
}

// All returns every open position in insertion order.
func (m *Manager) All() []*Position {
	out := make([]*Position, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.positions[id])
	}
	return out
}

// TotalEquity sums margin plus unrealized PnL across all positions. Used by
// portfolio valuation.
func (m *Manager) TotalEquity() decimal.Decimal {
	total := decimal.Zero
	for _, id := range m.order {
		p := m.positions[id]
		total = total.Add(p.Margin).Add(p.UnrealizedPnl)
	}
	return total
}

// Restore replaces state from a snapshot.
func (m *Manager) Restore(positions []*Position) {
	m.positions = make(map[uuid.UUID]*Position, len(positions))
	m.order = m.order[:0]
	for _, p := range positions {
		m.Add(p)
	}
}
