package spot

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"DeskSim/internal/domain"
	"DeskSim/internal/ledger"
)

// Side is the direction of a spot order.
type Side uint8

const (
	SideBuy Side = iota + 1
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// ParseSide resolves "BUY"/"SELL" at the API boundary.
func ParseSide(s string) (Side, error) {
	switch s {
	case "BUY":
		return SideBuy, nil
	case "SELL":
		return SideSell, nil
	default:
		return 0, fmt.Errorf("%w: side %q", domain.ErrInvalidState, s)
	}
}

// Status is the order lifecycle state. Orders transition Open→{Filled,
// Cancelled} exactly once and are immutable afterwards. Liquidated is used
// only for terminal futures history records.
type Status uint8

const (
	StatusOpen Status = iota + 1
	StatusFilled
	StatusCancelled
	StatusLiquidated
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "OPEN"
	case StatusFilled:
		return "FILLED"
	case StatusCancelled:
		return "CANCELLED"
	case StatusLiquidated:
		return "LIQUIDATED"
	default:
		return "UNKNOWN"
	}
}

// Order is a limit order resting against the reference price.
type Order struct {
	ID         uuid.UUID
	Pair       domain.Pair
	Side       Side
	LimitPrice decimal.Decimal
	Amount     decimal.Decimal
	Total      decimal.Decimal // LimitPrice*Amount, fixed at placement
	Status     Status
	CreatedAt  time.Time
	FilledAt   *time.Time
	OwnerBotID *uuid.UUID
	HoldID     ledger.HoldID // uuid.Nil for bot orders (inventory-backed)
}

// NewOrder validates inputs and builds an Open order. Funds are reserved by
// the caller; the order only carries the resulting hold id.
func NewOrder(side Side, pair domain.Pair, limitPrice, amount decimal.Decimal, at time.Time) (*Order, error) {
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: order amount %s", domain.ErrInvalidAmount, amount)
	}
	if limitPrice.Sign() <= 0 {
		return nil, fmt.Errorf("%w: limit price %s", domain.ErrInvalidAmount, limitPrice)
	}
	return &Order{
		ID:         uuid.New(),
		Pair:       pair,
		Side:       side,
		LimitPrice: limitPrice,
		Amount:     amount,
		Total:      limitPrice.Mul(amount),
		Status:     StatusOpen,
		CreatedAt:  at,
	}, nil
}

// Crosses reports whether a tick at the given price fills this order:
// a Buy fills when price ≤ limit, a Sell when price ≥ limit. The fill
// executes at the order's own limit price.
func (o *Order) Crosses(price decimal.Decimal) bool {
	if o.Side == SideBuy {
		return price.LessThanOrEqual(o.LimitPrice)
	}
	return price.GreaterThanOrEqual(o.LimitPrice)
}
