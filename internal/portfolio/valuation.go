// Package portfolio values an account across every product: wallet
// balances, futures equity, bot inventory, lending net position, and
// staked shares. All values are in USDT terms.
package portfolio

import (
	"github.com/shopspring/decimal"

	"DeskSim/internal/domain"
)

// PriceFn maps an asset to its USDT price. Quote-pegged assets and LP
// shares are handled by the engine's pricer before this is called.
type PriceFn func(domain.Asset) decimal.Decimal

// Inputs carries the balances a valuation covers. Futures equity and bot
// inventory arrive pre-valued in quote terms since their pricing needs
// per-pair marks the asset map cannot express.
type Inputs struct {
	Free          map[domain.Asset]decimal.Decimal // includes held amounts, which stay owned
	Supplied      map[domain.Asset]decimal.Decimal
	Borrowed      map[domain.Asset]decimal.Decimal
	FuturesEquity decimal.Decimal
	BotInventory  decimal.Decimal
	StakedShares  decimal.Decimal
	StakingReward decimal.Decimal
	LPSharePrice  decimal.Decimal
}

// NetWorth sums every component. Free balances already count held amounts
// at full value since a hold claims availability, not ownership; borrowed
// balances subtract.
func NetWorth(in Inputs, price PriceFn) decimal.Decimal {
	total := decimal.Zero
	for a, amt := range in.Free {
		total = total.Add(amt.Mul(price(a)))
	}
	for a, amt := range in.Supplied {
		total = total.Add(amt.Mul(price(a)))
	}
	for a, amt := range in.Borrowed {
		total = total.Sub(amt.Mul(price(a)))
	}
	total = total.Add(in.FuturesEquity)
	total = total.Add(in.BotInventory)
	total = total.Add(in.StakedShares.Mul(in.LPSharePrice))
	total = total.Add(in.StakingReward.Mul(in.LPSharePrice))
	return total
}

// PnL is the distance from the baseline captured at the first funded
// valuation. Without a baseline there is no PnL yet.
func PnL(netWorth decimal.Decimal, baseline *decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	if baseline == nil || baseline.Sign() == 0 {
		return decimal.Zero, decimal.Zero
	}
	abs := netWorth.Sub(*baseline)
	pct := abs.Div(*baseline).Mul(decimal.NewFromInt(100))
	return abs, pct
}
