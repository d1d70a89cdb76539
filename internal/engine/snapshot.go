package engine

import (
	"context"

	"DeskSim/internal/domain"
	"DeskSim/internal/persistence"

	"github.com/shopspring/decimal"
)

// offerSnapshot builds a full-state snapshot and hands it to the async
// persistence worker. Building happens on the engine goroutine so the copy
// is consistent; writing happens elsewhere.
func (e *Engine) offerSnapshot() {
	if e.snapshots == nil {
		return
	}
	e.snapshots.Offer(e.buildSnapshot())
}

func (e *Engine) buildSnapshot() *persistence.Snapshot {
	accounts := make(map[string]persistence.AccountState, len(e.accounts))
	for mode, acct := range e.accounts {
		accounts[string(mode)] = snapshotAccount(acct)
	}
	prices := make(map[domain.Pair]decimal.Decimal, len(e.prices))
	for p, v := range e.prices {
		prices[p] = v
	}
	seqs := make(map[domain.Pair]int64, len(e.seqs))
	for p, v := range e.seqs {
		seqs[p] = v
	}
	return &persistence.Snapshot{
		TakenAt:    e.now(),
		ActiveMode: string(e.active),
		Accounts:   accounts,
		Prices:     prices,
		Seqs:       seqs,
	}
}

func snapshotAccount(acct *Account) persistence.AccountState {
	var baseline *decimal.Decimal
	if acct.Baseline != nil {
		v := *acct.Baseline
		baseline = &v
	}
	return persistence.AccountState{
		Mode:       string(acct.Mode),
		Free:       acct.Ledger.Balances(),
		Holds:      acct.Ledger.Holds(),
		Supplied:   acct.Ledger.SuppliedAll(),
		Borrowed:   acct.Ledger.BorrowedAll(),
		OpenOrders: acct.Book.Open(),
		History:    acct.Book.History(),
		Positions:  acct.Positions.All(),
		Bots:       acct.Bots.All(),
		Pool: persistence.PoolState{
			ReserveA:    acct.Pool.ReserveA,
			ReserveB:    acct.Pool.ReserveB,
			TotalShares: acct.Pool.TotalShares,
		},
		Staking: persistence.StakingState{
			Staked:  acct.Staking.Staked,
			Rewards: acct.Staking.Rewards,
			APY:     acct.Staking.APY,
		},
		Baseline:    baseline,
		LastAccrual: acct.LastAccrual,
	}
}

// Restore replaces all engine state from a snapshot. Call before Run; it
// does not go through the inbox. Pending bridge transfers are not restored,
// their settlement window is shorter than any restart.
func (e *Engine) Restore(s *persistence.Snapshot) error {
	mode, err := ParseMode(s.ActiveMode)
	if err != nil {
		return err
	}
	for name, state := range s.Accounts {
		m, err := ParseMode(name)
		if err != nil {
			return err
		}
		acct := NewAccount(m)
		acct.Ledger.Restore(state.Free, state.Holds, state.Supplied, state.Borrowed)
		acct.Book.Restore(state.OpenOrders, state.History)
		acct.Positions.Restore(state.Positions)
		acct.Bots.Restore(state.Bots)
		acct.Pool.ReserveA = state.Pool.ReserveA
		acct.Pool.ReserveB = state.Pool.ReserveB
		acct.Pool.TotalShares = state.Pool.TotalShares
		acct.Staking.Staked = state.Staking.Staked
		acct.Staking.Rewards = state.Staking.Rewards
		if state.Staking.APY.Sign() > 0 {
			acct.Staking.APY = state.Staking.APY
		}
		acct.Baseline = state.Baseline
		acct.LastAccrual = state.LastAccrual
		e.accounts[m] = acct
	}
	e.active = mode
	for p, v := range s.Prices {
		e.prices[p] = v
	}
	for p, v := range s.Seqs {
		e.seqs[p] = v
	}
	e.log.Info().Time("taken_at", s.TakenAt).Str("active_mode", s.ActiveMode).Msg("state restored from snapshot")
	return nil
}

// LoadLatest restores from the newest stored snapshot if one exists.
func LoadLatest(ctx context.Context, e *Engine, store persistence.Store) error {
	s, err := store.LoadLatest(ctx)
	if err == persistence.ErrNoSnapshot {
		return nil
	}
	if err != nil {
		return err
	}
	return e.Restore(s)
}
