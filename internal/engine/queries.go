package engine

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"DeskSim/internal/domain"
	"DeskSim/internal/futures"
	"DeskSim/internal/lending"
	"DeskSim/internal/mmbot"
	"DeskSim/internal/portfolio"
	"DeskSim/internal/spot"
)

// Queries run on the engine goroutine like commands, so they observe a
// consistent state between ticks. Everything returned is a copy.

// ActiveMode reports which account commands currently act on.
func (e *Engine) ActiveMode(ctx context.Context) (Mode, error) {
	var mode Mode
	err := e.submit(ctx, func() { mode = e.active })
	return mode, err
}

// AssetBalance is one asset's wallet view.
type AssetBalance struct {
	Asset     domain.Asset    `json:"asset"`
	Free      decimal.Decimal `json:"free"`
	Held      decimal.Decimal `json:"held"`
	Available decimal.Decimal `json:"available"`
	Supplied  decimal.Decimal `json:"supplied"`
	Borrowed  decimal.Decimal `json:"borrowed"`
}

// Balances returns the active account's wallet, one row per asset that has
// any balance.
func (e *Engine) Balances(ctx context.Context) ([]AssetBalance, error) {
	var out []AssetBalance
	err := e.submit(ctx, func() {
		acct := e.accounts[e.active]
		for _, a := range domain.Assets() {
			row := AssetBalance{
				Asset:     a,
				Free:      acct.Ledger.Free(a),
				Held:      acct.Ledger.Held(a),
				Available: acct.Ledger.Available(a),
				Supplied:  acct.Ledger.Supplied(a),
				Borrowed:  acct.Ledger.Borrowed(a),
			}
			if row.Free.Sign() != 0 || row.Held.Sign() != 0 || row.Supplied.Sign() != 0 || row.Borrowed.Sign() != 0 {
				out = append(out, row)
			}
		}
	})
	return out, err
}

// OpenOrders returns the active account's resting orders in placement order.
func (e *Engine) OpenOrders(ctx context.Context) ([]spot.Order, error) {
	var out []spot.Order
	err := e.submit(ctx, func() {
		for _, o := range e.accounts[e.active].Book.Open() {
			out = append(out, *o)
		}
	})
	return out, err
}

// History returns terminal trade records, newest first.
func (e *Engine) History(ctx context.Context) ([]spot.Order, error) {
	var out []spot.Order
	err := e.submit(ctx, func() {
		for _, o := range e.accounts[e.active].Book.History() {
			out = append(out, *o)
		}
	})
	return out, err
}

// Positions returns open futures positions with their latest marks.
func (e *Engine) Positions(ctx context.Context) ([]futures.Position, error) {
	var out []futures.Position
	err := e.submit(ctx, func() {
		for _, p := range e.accounts[e.active].Positions.All() {
			out = append(out, *p)
		}
	})
	return out, err
}

// PoolView is the active account's liquidity pool state.
type PoolView struct {
	AssetA      domain.Asset    `json:"asset_a"`
	AssetB      domain.Asset    `json:"asset_b"`
	ReserveA    decimal.Decimal `json:"reserve_a"`
	ReserveB    decimal.Decimal `json:"reserve_b"`
	TotalShares decimal.Decimal `json:"total_shares"`
	SharePrice  decimal.Decimal `json:"share_price"`
	UserShares  decimal.Decimal `json:"user_shares"`
}

// Pool returns the liquidity pool state plus the caller's free LP balance.
func (e *Engine) Pool(ctx context.Context) (PoolView, error) {
	var out PoolView
	err := e.submit(ctx, func() {
		acct := e.accounts[e.active]
		out = PoolView{
			AssetA:      acct.Pool.AssetA,
			AssetB:      acct.Pool.AssetB,
			ReserveA:    acct.Pool.ReserveA,
			ReserveB:    acct.Pool.ReserveB,
			TotalShares: acct.Pool.TotalShares,
			SharePrice:  acct.Pool.SharePrice(),
			UserShares:  acct.Ledger.Free(domain.AssetLP),
		}
	})
	return out, err
}

// LendingView is the active account's lending position.
type LendingView struct {
	Markets      []lending.AssetConfig            `json:"markets"`
	Supplied     map[domain.Asset]decimal.Decimal `json:"supplied"`
	Borrowed     map[domain.Asset]decimal.Decimal `json:"borrowed"`
	HealthFactor *decimal.Decimal                 `json:"health_factor,omitempty"` // nil when no debt
	Band         lending.Band                     `json:"band"`
}

// Lending returns markets, the caller's lending balances, and health.
func (e *Engine) Lending(ctx context.Context) (LendingView, error) {
	var out LendingView
	err := e.submit(ctx, func() {
		acct := e.accounts[e.active]
		supplied := acct.Ledger.SuppliedAll()
		borrowed := acct.Ledger.BorrowedAll()
		hf, hasDebt := lending.HealthFactor(supplied, borrowed, func(a domain.Asset) decimal.Decimal {
			return e.assetPrice(acct, a)
		})
		out = LendingView{
			Markets:  lending.Markets(),
			Supplied: supplied,
			Borrowed: borrowed,
			Band:     lending.Classify(hf, hasDebt),
		}
		if hasDebt {
			out.HealthFactor = &hf
		}
	})
	return out, err
}

// StakingView is the active account's staking state.
type StakingView struct {
	Staked  decimal.Decimal `json:"staked"`
	Rewards decimal.Decimal `json:"rewards"`
	APY     decimal.Decimal `json:"apy"`
}

// Staking returns staked shares, pending rewards, and the APY.
func (e *Engine) Staking(ctx context.Context) (StakingView, error) {
	var out StakingView
	err := e.submit(ctx, func() {
		s := e.accounts[e.active].Staking
		out = StakingView{Staked: s.Staked, Rewards: s.Rewards, APY: s.APY}
	})
	return out, err
}

// Bots returns the active account's bots in creation order.
func (e *Engine) Bots(ctx context.Context) ([]mmbot.Bot, error) {
	var out []mmbot.Bot
	err := e.submit(ctx, func() {
		for _, b := range e.accounts[e.active].Bots.All() {
			c := *b
			c.OpenOrderIDs = append([]uuid.UUID(nil), b.OpenOrderIDs...)
			out = append(out, c)
		}
	})
	return out, err
}

// PortfolioView is the active account's valuation.
type PortfolioView struct {
	Mode     Mode             `json:"mode"`
	NetWorth decimal.Decimal  `json:"net_worth"`
	Baseline *decimal.Decimal `json:"baseline,omitempty"`
	PnL      decimal.Decimal  `json:"pnl"`
	PnLPct   decimal.Decimal  `json:"pnl_pct"`
}

// Portfolio revalues the active account at current prices.
func (e *Engine) Portfolio(ctx context.Context) (PortfolioView, error) {
	var out PortfolioView
	err := e.submit(ctx, func() {
		acct := e.accounts[e.active]
		netWorth := e.revalue(acct)
		abs, pct := portfolio.PnL(netWorth, acct.Baseline)
		out = PortfolioView{
			Mode:     acct.Mode,
			NetWorth: netWorth,
			Baseline: acct.Baseline,
			PnL:      abs,
			PnLPct:   pct,
		}
	})
	return out, err
}

// Prices returns the latest reference price per pair.
func (e *Engine) Prices(ctx context.Context) (map[domain.Pair]decimal.Decimal, error) {
	out := make(map[domain.Pair]decimal.Decimal)
	err := e.submit(ctx, func() {
		for p, v := range e.prices {
			out[p] = v
		}
	})
	return out, err
}

// Transfers returns bridge transfers for the active account, newest first.
func (e *Engine) Transfers(ctx context.Context) ([]Transfer, error) {
	var out []Transfer
	err := e.submit(ctx, func() {
		for _, tr := range e.pending {
			if tr.Mode == e.active {
				out = append(out, tr)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	})
	return out, err
}
