package engine

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"DeskSim/internal/amm"
	"DeskSim/internal/domain"
	"DeskSim/internal/futures"
	"DeskSim/internal/ledger"
	"DeskSim/internal/mmbot"
	"DeskSim/internal/spot"
	"DeskSim/internal/staking"
)

// Mode selects which of the two isolated account states commands act on.
type Mode string

const (
	ModePaper Mode = "paper"
	ModeReal  Mode = "real"
)

// ParseMode validates a mode string from the API boundary.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModePaper:
		return ModePaper, nil
	case ModeReal:
		return ModeReal, nil
	default:
		return "", fmt.Errorf("%w: account mode %q", domain.ErrInvalidState, s)
	}
}

// Account is the complete state of one account mode: wallet, order book,
// positions, bots, the mode's own liquidity pool, and staking. Paper and
// real accounts never share any of it.
type Account struct {
	Mode        Mode
	Ledger      *ledger.Ledger
	Book        *spot.Book
	Positions   *futures.Manager
	Bots        *mmbot.Manager
	Pool        *amm.Pool
	Staking     *staking.State
	Baseline    *decimal.Decimal // net worth at first funded valuation
	LastAccrual time.Time        // zero until the first tick arrives
}

// paperFunding is the simulated balance set a fresh paper account starts
// with. Real accounts start empty and are funded externally.
var paperFunding = map[domain.Asset]decimal.Decimal{
	domain.AssetUSDT: decimal.NewFromInt(100_000),
	domain.AssetBTC:  decimal.NewFromInt(10),
	domain.AssetETH:  decimal.NewFromInt(200),
	domain.AssetSOL:  decimal.NewFromInt(1_000),
	domain.AssetBNB:  decimal.NewFromInt(500),
	domain.AssetDOGE: decimal.NewFromInt(1_000_000),
}

var paperSupplied = map[domain.Asset]decimal.Decimal{
	domain.AssetUSDT: decimal.NewFromInt(5_000),
	domain.AssetBTC:  decimal.NewFromInt(1),
}

var paperBorrowed = map[domain.Asset]decimal.Decimal{
	domain.AssetSOL: decimal.NewFromInt(10),
}

// Pool seed liquidity shared by other simulated participants. Both modes
// start with the same seeded pool so share price begins at 1.
var (
	poolSeedUSDT   = decimal.NewFromInt(500_000)
	poolSeedBridge = decimal.NewFromInt(250_000)
	poolSeedShares = decimal.NewFromInt(750_000)
)

// NewAccount builds a fresh account for the mode, applying paper funding
// when the mode is paper.
func NewAccount(mode Mode) *Account {
	acct := &Account{
		Mode:      mode,
		Ledger:    ledger.New(),
		Book:      spot.NewBook(),
		Positions: futures.NewManager(),
		Bots:      mmbot.NewManager(),
		Pool:      amm.NewPool(domain.AssetUSDT, domain.AssetUSDTSol, poolSeedUSDT, poolSeedBridge, poolSeedShares),
		Staking:   staking.NewState(),
	}
	if mode == ModePaper {
		free := make(map[domain.Asset]decimal.Decimal, len(paperFunding))
		for a, v := range paperFunding {
			free[a] = v
		}
		supplied := make(map[domain.Asset]decimal.Decimal, len(paperSupplied))
		for a, v := range paperSupplied {
			supplied[a] = v
		}
		borrowed := make(map[domain.Asset]decimal.Decimal, len(paperBorrowed))
		for a, v := range paperBorrowed {
			borrowed[a] = v
		}
		acct.Ledger.Restore(free, nil, supplied, borrowed)
	}
	return acct
}
