// Package event defines the typed events that drive the engine loop and the
// domain events it emits to observers.
package event

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"DeskSim/internal/domain"
)

// PriceTick is one reference-price observation for a trading pair. Ticks are
// the only input that drives settlement: spot matching, futures triggers,
// bot requoting, and staking accrual all react to it in that order.
type PriceTick struct {
	Pair  domain.Pair
	Price decimal.Decimal
	Seq   int64 // per-pair feed sequence; stale ticks are dropped
	At    time.Time
}

// BridgeSettled is the delayed credit leg of a bridge transfer. The debit
// leg happened synchronously when the transfer was requested.
type BridgeSettled struct {
	TransferID uuid.UUID
	Mode       string // account mode debited at request time
	Credit     decimal.Decimal
	At         time.Time
}

// --- Domain events (outbound, informational) ---

// Kind tags an outbound domain event.
type Kind string

const (
	KindOrderFilled        Kind = "order_filled"
	KindPositionClosed     Kind = "position_closed"
	KindPositionLiquidated Kind = "position_liquidated"
	KindBotRequoted        Kind = "bot_requoted"
	KindRewardsAccrued     Kind = "rewards_accrued"
)

// Domain is an informational record of something the tick pipeline did.
// Observers (WebSocket hub, logs) consume these; dropping them is safe.
type Domain struct {
	Kind   Kind
	Pair   domain.Pair
	ID     uuid.UUID
	Amount decimal.Decimal
	Price  decimal.Decimal
	At     time.Time
}

// TickSummary is broadcast after each processed tick.
type TickSummary struct {
	Pair     domain.Pair     `json:"pair"`
	Price    decimal.Decimal `json:"price"`
	NetWorth decimal.Decimal `json:"net_worth"`
	Events   []Domain        `json:"-"`
	At       time.Time       `json:"at"`
}
