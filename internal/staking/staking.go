// Package staking accrues time-based rewards on staked LP shares.
package staking

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"DeskSim/internal/domain"
)

const secondsPerYear = 31_536_000

// DefaultAPY is the flat annual percentage yield on staked LP shares.
var DefaultAPY = decimal.NewFromFloat(12.5)

// State holds one account's staking balances. The engine loop is the only
// writer; elapsed time between ticks drives accrual.
type State struct {
	Staked  decimal.Decimal
	Rewards decimal.Decimal
	APY     decimal.Decimal
}

func NewState() *State {
	return &State{APY: DefaultAPY}
}

// Accrue adds staked*apy/100/secondsPerYear*elapsed to pending rewards.
// Negative or zero elapsed is a no-op so out-of-order timestamps never
// reverse rewards.
func (s *State) Accrue(elapsed time.Duration) {
	if s.Staked.Sign() <= 0 || elapsed <= 0 {
		return
	}
	secs := decimal.NewFromFloat(elapsed.Seconds())
	rate := s.APY.Div(decimal.NewFromInt(100)).Div(decimal.NewFromInt(secondsPerYear))
	s.Rewards = s.Rewards.Add(s.Staked.Mul(rate).Mul(secs))
}

// Stake moves amount into the staked balance. The caller debits the ledger.
func (s *State) Stake(amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("%w: stake %s", domain.ErrInvalidAmount, amount)
	}
	s.Staked = s.Staked.Add(amount)
	return nil
}

// Unstake releases amount back to the caller for crediting.
func (s *State) Unstake(amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("%w: unstake %s", domain.ErrInvalidAmount, amount)
	}
	if amount.GreaterThan(s.Staked) {
		return fmt.Errorf("%w: unstake %s > staked %s", domain.ErrInsufficientBalance, amount, s.Staked)
	}
	s.Staked = s.Staked.Sub(amount)
	return nil
}

// Claim zeroes pending rewards and returns the claimed amount.
func (s *State) Claim() decimal.Decimal {
	claimed := s.Rewards
	s.Rewards = decimal.Zero
	return claimed
}
