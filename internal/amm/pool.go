// Package amm implements a two-asset liquidity pool with proportional
// share accounting. Share price is the sum of both reserves divided by
// outstanding shares; deposits mint at that price and withdrawals redeem
// from a single named reserve while both reserves shrink by the redeemed
// share fraction.
package amm

import (
	"fmt"

	"github.com/shopspring/decimal"

	"DeskSim/internal/domain"
)

// Pool holds two reserves and the outstanding LP shares. The engine loop is
// the only writer.
type Pool struct {
	AssetA      domain.Asset
	AssetB      domain.Asset
	ReserveA    decimal.Decimal
	ReserveB    decimal.Decimal
	TotalShares decimal.Decimal
}

func NewPool(a, b domain.Asset, reserveA, reserveB, shares decimal.Decimal) *Pool {
	return &Pool{AssetA: a, AssetB: b, ReserveA: reserveA, ReserveB: reserveB, TotalShares: shares}
}

// SharePrice is (reserveA+reserveB)/totalShares, or 1 when the pool is empty
// so the first deposit mints shares one-for-one.
func (p *Pool) SharePrice() decimal.Decimal {
	if p.TotalShares.Sign() == 0 {
		return decimal.NewFromInt(1)
	}
	return p.ReserveA.Add(p.ReserveB).Div(p.TotalShares)
}

// Deposit adds amount of the named asset to its reserve and mints
// amount/sharePrice LP shares, priced before the reserve changes.
func (p *Pool) Deposit(asset domain.Asset, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("%w: deposit %s", domain.ErrInvalidAmount, amount)
	}
	price := p.SharePrice()
	switch asset {
	case p.AssetA:
		p.ReserveA = p.ReserveA.Add(amount)
	case p.AssetB:
		p.ReserveB = p.ReserveB.Add(amount)
	default:
		return decimal.Zero, fmt.Errorf("%w: asset %s not in pool", domain.ErrInvalidState, asset)
	}
	minted := amount.Div(price)
	p.TotalShares = p.TotalShares.Add(minted)
	return minted, nil
}

// Withdraw burns lpAmount shares and pays out lpAmount*sharePrice of the
// named asset. Both reserves are reduced by the burned share fraction, so
// the pool's composition stays unchanged even though the payout comes from
// one side.
func (p *Pool) Withdraw(asset domain.Asset, lpAmount decimal.Decimal) (decimal.Decimal, error) {
	if lpAmount.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("%w: withdraw %s shares", domain.ErrInvalidAmount, lpAmount)
	}
	if lpAmount.GreaterThan(p.TotalShares) {
		return decimal.Zero, fmt.Errorf("%w: %s shares > %s outstanding", domain.ErrInsufficientBalance, lpAmount, p.TotalShares)
	}

	payout := lpAmount.Mul(p.SharePrice())
	var target decimal.Decimal
	switch asset {
	case p.AssetA:
		target = p.ReserveA
	case p.AssetB:
		target = p.ReserveB
	default:
		return decimal.Zero, fmt.Errorf("%w: asset %s not in pool", domain.ErrInvalidState, asset)
	}
	if payout.GreaterThan(target) {
		return decimal.Zero, fmt.Errorf("%w: payout %s exceeds %s reserve %s", domain.ErrInsufficientLiquidity, payout, asset, target)
	}

	frac := lpAmount.Div(p.TotalShares)
	p.ReserveA = p.ReserveA.Sub(p.ReserveA.Mul(frac))
	p.ReserveB = p.ReserveB.Sub(p.ReserveB.Mul(frac))
	p.TotalShares = p.TotalShares.Sub(lpAmount)
	if p.TotalShares.Sign() == 0 {
		// Drained pool resets to empty so share price returns to 1.
		p.ReserveA = decimal.Zero
		p.ReserveB = decimal.Zero
	}
	return payout, nil
}
