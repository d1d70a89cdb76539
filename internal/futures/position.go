package futures

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"DeskSim/internal/domain"
)

// Side is the direction of a leveraged position.
type Side uint8

const (
	SideLong Side = iota + 1
	SideShort
)

func (s Side) String() string {
	switch s {
	case SideLong:
		return "LONG"
	case SideShort:
		return "SHORT"
	default:
		return "UNKNOWN"
	}
}

// ParseSide resolves "LONG"/"SHORT" at the API boundary.
func ParseSide(s string) (Side, error) {
	switch s {
	case "LONG":
		return SideLong, nil
	case "SHORT":
		return SideShort, nil
	default:
		return 0, fmt.Errorf("%w: side %q", domain.ErrInvalidState, s)
	}
}

// liquidationBuffer makes liquidation trigger slightly before the margin is
// fully exhausted: the liquidation price sits at 95% of the theoretical
// zero-equity distance from entry.
var liquidationBuffer = decimal.NewFromFloat(0.95)

// Position is an open leveraged position. Margin and liquidation price are
// fixed at open time; unrealized PnL is re-marked on every tick.
type Position struct {
	ID               uuid.UUID
	Pair             domain.Pair
	Side             Side
	Size             decimal.Decimal // in base asset
	Leverage         decimal.Decimal
	EntryPrice       decimal.Decimal
	Margin           decimal.Decimal // entry*size/leverage, debited at open
	LiquidationPrice decimal.Decimal
	UnrealizedPnl    decimal.Decimal
	StopLoss         *decimal.Decimal
	TakeProfit       *decimal.Decimal
	CreatedAt        time.Time
}

// NewPosition validates inputs and computes margin and liquidation price.
//
//	margin = entry*size/leverage
//	liq    = entry * (1 − buffer/leverage)  for longs
//	liq    = entry * (1 + buffer/leverage)  for shorts
func NewPosition(side Side, pair domain.Pair, price, size, leverage decimal.Decimal, stopLoss, takeProfit *decimal.Decimal, at time.Time) (*Position, error) {
	if size.Sign() <= 0 {
		return nil, fmt.Errorf("%w: position size %s", domain.ErrInvalidAmount, size)
	}
	if price.Sign() <= 0 {
		return nil, fmt.Errorf("%w: entry price %s", domain.ErrInvalidAmount, price)
	}
	if leverage.LessThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("%w: leverage %s < 1", domain.ErrInvalidAmount, leverage)
	}

	margin := price.Mul(size).Div(leverage)
	bufferOverLev := liquidationBuffer.Div(leverage)
	var liq decimal.Decimal
	if side == SideLong {
		liq = price.Mul(decimal.NewFromInt(1).Sub(bufferOverLev))
	} else {
		liq = price.Mul(decimal.NewFromInt(1).Add(bufferOverLev))
	}

	return &Position{
		ID:               uuid.New(),
		Pair:             pair,
		Side:             side,
		Size:             size,
		Leverage:         leverage,
		EntryPrice:       price,
		Margin:           margin,
		LiquidationPrice: liq,
		UnrealizedPnl:    decimal.Zero,
		StopLoss:         stopLoss,
		TakeProfit:       takeProfit,
		CreatedAt:        at,
	}, nil
}

// PnLAt returns the realized PnL if the position were closed at the given
// price: (price − entry)*size for longs, negated for shorts.
func (p *Position) PnLAt(price decimal.Decimal) decimal.Decimal {
	diff := price.Sub(p.EntryPrice)
	if p.Side == SideShort {
		diff = diff.Neg()
	}
	return diff.Mul(p.Size)
}

// Trigger identifies which exit condition a tick crossed.
type Trigger uint8

const (
	TriggerNone Trigger = iota
	TriggerLiquidation
	TriggerStopLoss
	TriggerTakeProfit
)

func (t Trigger) String() string {
	switch t {
	case TriggerLiquidation:
		return "liquidation"
	case TriggerStopLoss:
		return "stop_loss"
	case TriggerTakeProfit:
		return "take_profit"
	default:
		return "none"
	}
}

// CheckTriggers evaluates exit conditions for a tick price. Liquidation is
// always checked first since it can coincide with a stop-loss or take-profit
// on the same tick. The returned price is the one the close settles at:
// the trigger level, not the tick price.
func (p *Position) CheckTriggers(tick decimal.Decimal) (Trigger, decimal.Decimal) {
	if p.Side == SideLong {
		if tick.LessThanOrEqual(p.LiquidationPrice) {
			return TriggerLiquidation, p.LiquidationPrice
		}
		if p.StopLoss != nil && tick.LessThanOrEqual(*p.StopLoss) {
			return TriggerStopLoss, *p.StopLoss
		}
		if p.TakeProfit != nil && tick.GreaterThanOrEqual(*p.TakeProfit) {
			return TriggerTakeProfit, *p.TakeProfit
		}
		return TriggerNone, decimal.Zero
	}

	if tick.GreaterThanOrEqual(p.LiquidationPrice) {
		return TriggerLiquidation, p.LiquidationPrice
	}
	if p.StopLoss != nil && tick.GreaterThanOrEqual(*p.StopLoss) {
		return TriggerStopLoss, *p.StopLoss
	}
	if p.TakeProfit != nil && tick.LessThanOrEqual(*p.TakeProfit) {
		return TriggerTakeProfit, *p.TakeProfit
	}
	return TriggerNone, decimal.Zero
}
