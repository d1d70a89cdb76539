package domain

import "fmt"

// Asset is the closed enumeration of assets the simulation supports.
// Unknown symbols are rejected at the boundary via ParseAsset; there is no
// dynamic string-keyed balance map anywhere in the engine.
type Asset uint8

const (
	AssetUSDT Asset = iota + 1
	AssetBTC
	AssetETH
	AssetSOL
	AssetBNB
	AssetDOGE
	AssetUSDTSol // bridged USDT on Solana
	AssetLP      // liquidity pool share token
)

var assetNames = map[Asset]string{
	AssetUSDT:    "USDT",
	AssetBTC:     "BTC",
	AssetETH:     "ETH",
	AssetSOL:     "SOL",
	AssetBNB:     "BNB",
	AssetDOGE:    "DOGE",
	AssetUSDTSol: "USDT_SOL",
	AssetLP:      "LP",
}

var namesToAsset = func() map[string]Asset {
	m := make(map[string]Asset, len(assetNames))
	for a, n := range assetNames {
		m[n] = a
	}
	return m
}()

// ParseAsset resolves a symbol to an Asset, or reports false for unknown
// symbols.
func ParseAsset(symbol string) (Asset, bool) {
	a, ok := namesToAsset[symbol]
	return a, ok
}

// Assets returns all supported assets in stable declaration order.
func Assets() []Asset {
	return []Asset{AssetUSDT, AssetBTC, AssetETH, AssetSOL, AssetBNB, AssetDOGE, AssetUSDTSol, AssetLP}
}

func (a Asset) String() string {
	if n, ok := assetNames[a]; ok {
		return n
	}
	return fmt.Sprintf("Asset(%d)", uint8(a))
}

// MarshalText lets Asset serve as a JSON map key in snapshots.
func (a Asset) MarshalText() ([]byte, error) {
	n, ok := assetNames[a]
	if !ok {
		return nil, fmt.Errorf("unknown asset %d", uint8(a))
	}
	return []byte(n), nil
}

func (a *Asset) UnmarshalText(text []byte) error {
	parsed, ok := ParseAsset(string(text))
	if !ok {
		return fmt.Errorf("unknown asset %q", string(text))
	}
	*a = parsed
	return nil
}

// QuotePegged reports whether the asset trades 1:1 with the quote currency
// for valuation purposes (USDT and its bridged form).
func (a Asset) QuotePegged() bool {
	return a == AssetUSDT || a == AssetUSDTSol
}
