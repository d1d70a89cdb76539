// Package lending holds the collateralized lending market parameters and
// the health-factor rules enforced on borrow and on collateral withdrawal.
package lending

import (
	"fmt"

	"github.com/shopspring/decimal"

	"DeskSim/internal/domain"
)

// AssetConfig is the per-asset market parameter set. Rates are annual
// percentages; the collateral factor discounts supplied value when the
// asset backs a loan.
type AssetConfig struct {
	Asset            domain.Asset
	SupplyAPY        decimal.Decimal
	BorrowAPY        decimal.Decimal
	CollateralFactor decimal.Decimal
}

var markets = map[domain.Asset]AssetConfig{
	domain.AssetUSDT: {domain.AssetUSDT, decimal.NewFromFloat(4.5), decimal.NewFromFloat(6.2), decimal.NewFromFloat(0.85)},
	domain.AssetBTC:  {domain.AssetBTC, decimal.NewFromFloat(1.2), decimal.NewFromFloat(2.5), decimal.NewFromFloat(0.75)},
	domain.AssetETH:  {domain.AssetETH, decimal.NewFromFloat(2.1), decimal.NewFromFloat(3.8), decimal.NewFromFloat(0.75)},
	domain.AssetSOL:  {domain.AssetSOL, decimal.NewFromFloat(3.5), decimal.NewFromFloat(5.1), decimal.NewFromFloat(0.65)},
}

// Config returns the market parameters for an asset.
func Config(a domain.Asset) (AssetConfig, error) {
	cfg, ok := markets[a]
	if !ok {
		return AssetConfig{}, fmt.Errorf("%w: no lending market for %s", domain.ErrNotFound, a)
	}
	return cfg, nil
}

// Markets lists the configured assets in the stable asset order.
func Markets() []AssetConfig {
	out := make([]AssetConfig, 0, len(markets))
	for _, a := range domain.Assets() {
		if cfg, ok := markets[a]; ok {
			out = append(out, cfg)
		}
	}
	return out
}

// HealthFactor is Σ(supplied*price*collateralFactor) / Σ(borrowed*price).
// With no debt the factor is undefined; callers get ok=false and should
// treat the account as safe.
func HealthFactor(supplied, borrowed map[domain.Asset]decimal.Decimal, price func(domain.Asset) decimal.Decimal) (decimal.Decimal, bool) {
	collateral := decimal.Zero
	for a, amt := range supplied {
		cfg, ok := markets[a]
		if !ok {
			continue
		}
		collateral = collateral.Add(amt.Mul(price(a)).Mul(cfg.CollateralFactor))
	}
	debt := decimal.Zero
	for a, amt := range borrowed {
		debt = debt.Add(amt.Mul(price(a)))
	}
	if debt.Sign() == 0 {
		return decimal.Zero, false
	}
	return collateral.Div(debt), true
}

// Band is the qualitative health classification shown to the user.
type Band string

const (
	BandSafe    Band = "SAFE"
	BandWarning Band = "WARNING"
	BandDanger  Band = "DANGER"
)

// Classify maps a health factor to its band. Accounts with no debt are SAFE.
func Classify(hf decimal.Decimal, hasDebt bool) Band {
	if !hasDebt {
		return BandSafe
	}
	switch {
	case hf.GreaterThan(decimal.NewFromInt(2)):
		return BandSafe
	case hf.GreaterThan(decimal.NewFromFloat(1.25)):
		return BandWarning
	default:
		return BandDanger
	}
}

var minHealthFactor = decimal.NewFromInt(1)

// CheckHealth returns an error when the given balances leave the account
// undercollateralized. Used before committing a borrow or a collateral
// withdrawal.
func CheckHealth(supplied, borrowed map[domain.Asset]decimal.Decimal, price func(domain.Asset) decimal.Decimal) error {
	hf, hasDebt := HealthFactor(supplied, borrowed, price)
	if hasDebt && hf.LessThan(minHealthFactor) {
		return fmt.Errorf("%w: health factor %s below 1", domain.ErrInsufficientBalance, hf.StringFixed(4))
	}
	return nil
}
