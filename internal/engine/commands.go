package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"DeskSim/internal/domain"
	"DeskSim/internal/futures"
	"DeskSim/internal/ledger"
	"DeskSim/internal/lending"
	"DeskSim/internal/mmbot"
	"DeskSim/internal/spot"
)

// Commands all run on the engine goroutine against the active account.
// Each returns the caller's data as copies; pointers into live state never
// leave the loop.

func (e *Engine) command(ctx context.Context, kind string, fn func(acct *Account) error) error {
	var cmdErr error
	err := e.submit(ctx, func() {
		acct := e.accounts[e.active]
		cmdErr = fn(acct)
		if cmdErr != nil {
			e.metrics.CommandsRejected.WithLabelValues(kind, reasonFor(cmdErr)).Inc()
			return
		}
		e.metrics.CommandsApplied.WithLabelValues(kind).Inc()
		if err := acct.Ledger.ValidateNonNegative(); err != nil {
			e.log.Error().Err(err).Str("command", kind).Msg("ledger invariant violated")
		}
		e.offerSnapshot()
	})
	if err != nil {
		return err
	}
	return cmdErr
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, domain.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, domain.ErrInsufficientLiquidity):
		return "insufficient_liquidity"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrInvalidState):
		return "invalid_state"
	default:
		return "other"
	}
}

// --- Spot ---

// PlaceOrder reserves funds and books a limit order. Buys reserve
// limit*amount quote; sells reserve the base amount.
func (e *Engine) PlaceOrder(ctx context.Context, pair domain.Pair, side spot.Side, limit, amount decimal.Decimal) (spot.Order, error) {
	var placed spot.Order
	err := e.command(ctx, "place_order", func(acct *Account) error {
		o, err := spot.NewOrder(side, pair, limit, amount, e.now())
		if err != nil {
			return err
		}
		var holdID uuid.UUID
		if side == spot.SideBuy {
			holdID, err = acct.Ledger.Reserve(pair.Quote, o.Total, ledger.HoldSpotOrder)
		} else {
			holdID, err = acct.Ledger.Reserve(pair.Base, o.Amount, ledger.HoldSpotOrder)
		}
		if err != nil {
			return err
		}
		o.HoldID = holdID
		if err := acct.Book.Add(o); err != nil {
			acct.Ledger.Release(holdID)
			return err
		}
		e.metrics.OrdersPlaced.WithLabelValues(pair.String(), side.String()).Inc()
		placed = *o
		return nil
	})
	return placed, err
}

// CancelOrder releases the reservation and retires the order. Bot quotes
// cannot be cancelled directly; remove or pause the bot instead.
func (e *Engine) CancelOrder(ctx context.Context, id uuid.UUID) (spot.Order, error) {
	var cancelled spot.Order
	err := e.command(ctx, "cancel_order", func(acct *Account) error {
		o, err := acct.Book.Get(id)
		if err != nil {
			return err
		}
		if o.OwnerBotID != nil {
			return fmt.Errorf("%w: order %s belongs to bot %s", domain.ErrInvalidState, id, o.OwnerBotID)
		}
		if err := acct.Ledger.Release(o.HoldID); err != nil {
			return err
		}
		if _, err := acct.Book.Cancel(id, false); err != nil {
			return err
		}
		e.metrics.OrdersCancelled.WithLabelValues(o.Pair.String()).Inc()
		cancelled = *o
		return nil
	})
	return cancelled, err
}

// --- Futures ---

// OpenPosition debits the margin and opens a leveraged position at the
// current reference price.
func (e *Engine) OpenPosition(ctx context.Context, pair domain.Pair, side futures.Side, size, leverage decimal.Decimal, stopLoss, takeProfit *decimal.Decimal) (futures.Position, error) {
	var opened futures.Position
	err := e.command(ctx, "open_position", func(acct *Account) error {
		price, ok := e.prices[pair]
		if !ok || price.Sign() <= 0 {
			return fmt.Errorf("%w: no reference price for %s yet", domain.ErrInvalidState, pair)
		}
		p, err := futures.NewPosition(side, pair, price, size, leverage, stopLoss, takeProfit, e.now())
		if err != nil {
			return err
		}
		if err := acct.Ledger.Debit(pair.Quote, p.Margin); err != nil {
			return err
		}
		acct.Positions.Add(p)
		e.metrics.PositionsOpened.WithLabelValues(pair.String(), side.String()).Inc()
		opened = *p
		return nil
	})
	return opened, err
}

// ClosePosition settles a position at the current reference price and
// credits margin plus realized PnL.
func (e *Engine) ClosePosition(ctx context.Context, id uuid.UUID) (futures.Position, error) {
	var closed futures.Position
	err := e.command(ctx, "close_position", func(acct *Account) error {
		p, err := acct.Positions.Get(id)
		if err != nil {
			return err
		}
		price, ok := e.prices[p.Pair]
		if !ok || price.Sign() <= 0 {
			return fmt.Errorf("%w: no reference price for %s yet", domain.ErrInvalidState, p.Pair)
		}
		p.UnrealizedPnl = p.PnLAt(price)
		closed = *p
		e.closePosition(acct, p, price, futures.TriggerNone, e.now())
		e.metrics.PositionsClosed.WithLabelValues(p.Pair.String(), "user").Inc()
		return nil
	})
	return closed, err
}

// --- Liquidity pool ---

// AddLiquidity deposits into the active account's pool and credits the
// minted LP shares.
func (e *Engine) AddLiquidity(ctx context.Context, asset domain.Asset, amount decimal.Decimal) (decimal.Decimal, error) {
	var minted decimal.Decimal
	err := e.command(ctx, "add_liquidity", func(acct *Account) error {
		if err := acct.Ledger.Debit(asset, amount); err != nil {
			return err
		}
		m, err := acct.Pool.Deposit(asset, amount)
		if err != nil {
			acct.Ledger.Credit(asset, amount)
			return err
		}
		if err := acct.Ledger.Credit(domain.AssetLP, m); err != nil {
			return err
		}
		minted = m
		return nil
	})
	return minted, err
}

// RemoveLiquidity burns LP shares and pays out from the named reserve.
func (e *Engine) RemoveLiquidity(ctx context.Context, asset domain.Asset, lpAmount decimal.Decimal) (decimal.Decimal, error) {
	var payout decimal.Decimal
	err := e.command(ctx, "remove_liquidity", func(acct *Account) error {
		if lpAmount.Sign() <= 0 {
			return fmt.Errorf("%w: lp amount %s", domain.ErrInvalidAmount, lpAmount)
		}
		if acct.Ledger.Available(domain.AssetLP).LessThan(lpAmount) {
			return fmt.Errorf("%w: LP available %s, need %s",
				domain.ErrInsufficientBalance, acct.Ledger.Available(domain.AssetLP), lpAmount)
		}
		out, err := acct.Pool.Withdraw(asset, lpAmount)
		if err != nil {
			return err
		}
		if err := acct.Ledger.Debit(domain.AssetLP, lpAmount); err != nil {
			return err
		}
		if err := acct.Ledger.Credit(asset, out); err != nil {
			return err
		}
		payout = out
		return nil
	})
	return payout, err
}

// --- Lending ---

// Supply moves free balance into the lending market as collateral.
func (e *Engine) Supply(ctx context.Context, asset domain.Asset, amount decimal.Decimal) error {
	return e.command(ctx, "supply", func(acct *Account) error {
		if _, err := lending.Config(asset); err != nil {
			return err
		}
		return acct.Ledger.MoveToSupplied(asset, amount)
	})
}

// WithdrawCollateral moves supplied balance back to free, but only if the
// remaining collateral keeps the health factor at or above 1.
func (e *Engine) WithdrawCollateral(ctx context.Context, asset domain.Asset, amount decimal.Decimal) error {
	return e.command(ctx, "withdraw_collateral", func(acct *Account) error {
		if amount.Sign() <= 0 {
			return fmt.Errorf("%w: withdraw %s %s", domain.ErrInvalidAmount, amount, asset)
		}
		supplied := acct.Ledger.SuppliedAll()
		if supplied[asset].LessThan(amount) {
			return fmt.Errorf("%w: supplied %s %s, need %s",
				domain.ErrInsufficientBalance, asset, supplied[asset], amount)
		}
		supplied[asset] = supplied[asset].Sub(amount)
		if err := lending.CheckHealth(supplied, acct.Ledger.BorrowedAll(), func(a domain.Asset) decimal.Decimal {
			return e.assetPrice(acct, a)
		}); err != nil {
			return err
		}
		return acct.Ledger.WithdrawSupplied(asset, amount)
	})
}

// Borrow credits the free balance against supplied collateral, rejecting
// any borrow that would push the health factor below 1. An asset with no
// reference price yet cannot be borrowed: the health check has to value
// the debt the moment it is taken on.
func (e *Engine) Borrow(ctx context.Context, asset domain.Asset, amount decimal.Decimal) error {
	return e.command(ctx, "borrow", func(acct *Account) error {
		if _, err := lending.Config(asset); err != nil {
			return err
		}
		if amount.Sign() <= 0 {
			return fmt.Errorf("%w: borrow %s %s", domain.ErrInvalidAmount, amount, asset)
		}
		if e.assetPrice(acct, asset).Sign() <= 0 {
			return fmt.Errorf("%w: no reference price for %s yet", domain.ErrInvalidState, asset)
		}
		borrowed := acct.Ledger.BorrowedAll()
		borrowed[asset] = borrowed[asset].Add(amount)
		if err := lending.CheckHealth(acct.Ledger.SuppliedAll(), borrowed, func(a domain.Asset) decimal.Decimal {
			return e.assetPrice(acct, a)
		}); err != nil {
			return err
		}
		return acct.Ledger.AddBorrowed(asset, amount)
	})
}

// Repay reduces outstanding debt from the free balance.
func (e *Engine) Repay(ctx context.Context, asset domain.Asset, amount decimal.Decimal) error {
	return e.command(ctx, "repay", func(acct *Account) error {
		return acct.Ledger.Repay(asset, amount)
	})
}

// --- Staking ---

// Stake moves free LP shares into the staking balance.
func (e *Engine) Stake(ctx context.Context, amount decimal.Decimal) error {
	return e.command(ctx, "stake", func(acct *Account) error {
		if err := acct.Ledger.Debit(domain.AssetLP, amount); err != nil {
			return err
		}
		return acct.Staking.Stake(amount)
	})
}

// Unstake returns staked LP shares to the free balance. Pending rewards
// stay pending.
func (e *Engine) Unstake(ctx context.Context, amount decimal.Decimal) error {
	return e.command(ctx, "unstake", func(acct *Account) error {
		if err := acct.Staking.Unstake(amount); err != nil {
			return err
		}
		return acct.Ledger.Credit(domain.AssetLP, amount)
	})
}

// ClaimRewards moves accrued rewards into the free LP balance.
func (e *Engine) ClaimRewards(ctx context.Context) (decimal.Decimal, error) {
	var claimed decimal.Decimal
	err := e.command(ctx, "claim_rewards", func(acct *Account) error {
		c := acct.Staking.Claim()
		if c.Sign() > 0 {
			if err := acct.Ledger.Credit(domain.AssetLP, c); err != nil {
				return err
			}
		}
		claimed = c
		return nil
	})
	return claimed, err
}

// --- Market-maker bots ---

// BotParams configures a new market maker.
type BotParams struct {
	Pair         domain.Pair
	RangeLower   decimal.Decimal
	RangeUpper   decimal.Decimal
	SpreadPct    decimal.Decimal
	OrderAmount  decimal.Decimal
	InitialQuote decimal.Decimal
}

// CreateBot debits the initial quote inventory and registers the bot. It
// starts quoting on the next tick inside its range.
func (e *Engine) CreateBot(ctx context.Context, params BotParams) (mmbot.Bot, error) {
	var created mmbot.Bot
	err := e.command(ctx, "create_bot", func(acct *Account) error {
		b, err := mmbot.NewBot(params.Pair, params.RangeLower, params.RangeUpper,
			params.SpreadPct, params.OrderAmount, params.InitialQuote, e.now().Unix())
		if err != nil {
			return err
		}
		if err := acct.Ledger.Debit(params.Pair.Quote, params.InitialQuote); err != nil {
			return err
		}
		acct.Bots.Add(b)
		created = *b
		return nil
	})
	return created, err
}

// SetBotActive pauses or resumes a bot. Pausing leaves its quotes resting.
func (e *Engine) SetBotActive(ctx context.Context, id uuid.UUID, active bool) error {
	return e.command(ctx, "set_bot_active", func(acct *Account) error {
		b, err := acct.Bots.Get(id)
		if err != nil {
			return err
		}
		b.Active = active
		return nil
	})
}

// RemoveBot cancels the bot's quotes silently and returns its inventory to
// the free balances.
func (e *Engine) RemoveBot(ctx context.Context, id uuid.UUID) (mmbot.Inventory, error) {
	var returned mmbot.Inventory
	err := e.command(ctx, "remove_bot", func(acct *Account) error {
		b, err := acct.Bots.Get(id)
		if err != nil {
			return err
		}
		for _, oid := range b.OpenOrderIDs {
			acct.Book.Cancel(oid, true)
		}
		if b.Inventory.Quote.Sign() > 0 {
			acct.Ledger.Credit(b.Pair.Quote, b.Inventory.Quote)
		}
		if b.Inventory.Base.Sign() > 0 {
			acct.Ledger.Credit(b.Pair.Base, b.Inventory.Base)
		}
		returned = b.Inventory
		acct.Bots.Remove(id)
		return nil
	})
	return returned, err
}

// --- Bridge ---

// TransferStatus is the lifecycle of a bridge transfer.
type TransferStatus string

const (
	TransferPending TransferStatus = "PENDING"
	TransferSettled TransferStatus = "SETTLED"
)

// Transfer is one bridge movement from USDT to bridged USDT.
type Transfer struct {
	ID        uuid.UUID       `json:"id"`
	Mode      Mode            `json:"mode"`
	Amount    decimal.Decimal `json:"amount"`
	Fee       decimal.Decimal `json:"fee"`
	Credit    decimal.Decimal `json:"credit"`
	Status    TransferStatus  `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	SettleAt  time.Time       `json:"settle_at"`
	SettledAt *time.Time      `json:"settled_at,omitempty"`
}

// BridgeOut debits USDT now and schedules the bridged credit. The fee is
// flat and deducted from the credited amount.
func (e *Engine) BridgeOut(ctx context.Context, amount decimal.Decimal) (Transfer, error) {
	var created Transfer
	err := e.command(ctx, "bridge_out", func(acct *Account) error {
		if e.bridger == nil {
			return fmt.Errorf("%w: bridge not configured", domain.ErrInvalidState)
		}
		if err := e.bridger.Validate(amount); err != nil {
			return err
		}
		if err := acct.Ledger.Debit(domain.AssetUSDT, amount); err != nil {
			return err
		}
		now := e.now()
		tr := Transfer{
			ID:        uuid.New(),
			Mode:      acct.Mode,
			Amount:    amount,
			Fee:       e.bridger.Fee(),
			Credit:    amount.Sub(e.bridger.Fee()),
			Status:    TransferPending,
			CreatedAt: now,
			SettleAt:  now.Add(e.bridger.Delay()),
		}
		e.pending[tr.ID] = tr
		e.bridger.Schedule(tr.ID, string(acct.Mode), tr.Credit)
		created = tr
		return nil
	})
	return created, err
}

// --- Wallet ---

// Deposit credits a free balance directly. This is the faucet for funding
// the real account; paper accounts start pre-funded but may top up too.
func (e *Engine) Deposit(ctx context.Context, asset domain.Asset, amount decimal.Decimal) error {
	return e.command(ctx, "deposit", func(acct *Account) error {
		return acct.Ledger.Credit(asset, amount)
	})
}

// --- Account mode ---

// SwitchMode changes which account ticks and commands act on. The inactive
// account is frozen: no matching, accrual, or valuation happens to it.
func (e *Engine) SwitchMode(ctx context.Context, mode Mode) error {
	return e.submit(ctx, func() {
		if e.active != mode {
			e.log.Info().Str("from", string(e.active)).Str("to", string(mode)).Msg("account mode switched")
			e.active = mode
			// The incoming account's accrual clock restarts from the next
			// tick, so no rewards are earned for the frozen window.
			e.accounts[mode].LastAccrual = time.Time{}
			e.offerSnapshot()
		}
	})
}

// ResetAccount discards one mode's state and rebuilds it from its initial
// funding. The other mode is untouched.
func (e *Engine) ResetAccount(ctx context.Context, mode Mode) error {
	return e.submit(ctx, func() {
		e.accounts[mode] = NewAccount(mode)
		e.log.Info().Str("mode", string(mode)).Msg("account reset")
		e.offerSnapshot()
	})
}
