// Package marketdata serves display-only market context: a synthetic depth
// ladder around the reference price, a recent-trades tape, and rolling 24h
// statistics. None of it feeds settlement; fills always execute against the
// reference price itself.
package marketdata

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"DeskSim/internal/domain"
)

const (
	depthLevels = 15
	tapeLength  = 20
)

// Level is one side-price rung of the synthetic book.
type Level struct {
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
}

// Depth is the synthetic order book for one pair.
type Depth struct {
	Pair domain.Pair `json:"pair"`
	Bids []Level     `json:"bids"` // descending from just under the reference
	Asks []Level     `json:"asks"` // ascending from just over the reference
	At   time.Time   `json:"at"`
}

// Trade is one tape entry.
type Trade struct {
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
	Side   string          `json:"side"`
	At     time.Time       `json:"at"`
}

// Stats is the rolling 24h summary for one pair.
type Stats struct {
	Pair      domain.Pair     `json:"pair"`
	Last      decimal.Decimal `json:"last"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Volume    decimal.Decimal `json:"volume"`
	ChangePct decimal.Decimal `json:"change_pct"`
}

type pairState struct {
	tape  []Trade
	high  decimal.Decimal
	low   decimal.Decimal
	vol   decimal.Decimal
	open  decimal.Decimal
	last  decimal.Decimal
	reset time.Time
}

// Service regenerates display data from each reference tick. A mutex
// guards the state since the tick forwarder writes while API handlers read.
type Service struct {
	mu     sync.Mutex
	rng    *rand.Rand
	states map[domain.Pair]*pairState
}

func NewService(seed int64) *Service {
	return &Service{
		rng:    rand.New(rand.NewSource(seed)),
		states: make(map[domain.Pair]*pairState),
	}
}

// Observe folds one reference tick into the tape and 24h stats.
func (s *Service) Observe(_ context.Context, pair domain.Pair, price decimal.Decimal, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[pair]
	if !ok || at.Sub(st.reset) > 24*time.Hour {
		st = &pairState{high: price, low: price, open: price, reset: at}
		s.states[pair] = st
	}
	st.last = price
	if price.GreaterThan(st.high) {
		st.high = price
	}
	if price.LessThan(st.low) {
		st.low = price
	}

	amount := decimal.NewFromFloat(s.rng.Float64() * 2).Round(4)
	side := "BUY"
	if s.rng.Intn(2) == 0 {
		side = "SELL"
	}
	st.vol = st.vol.Add(amount)
	st.tape = append([]Trade{{Price: price, Amount: amount, Side: side, At: at}}, st.tape...)
	if len(st.tape) > tapeLength {
		st.tape = st.tape[:tapeLength]
	}
}

// Depth builds a fresh ladder around the current reference price, half a
// basis step per level on each side.
func (s *Service) Depth(_ context.Context, pair domain.Pair, price decimal.Decimal, at time.Time) Depth {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := Depth{Pair: pair, At: at}
	if price.Sign() <= 0 {
		return d
	}
	step := price.Mul(decimal.NewFromFloat(0.0005))
	for i := 1; i <= depthLevels; i++ {
		offset := step.Mul(decimal.NewFromInt(int64(i)))
		amount := decimal.NewFromFloat(s.rng.Float64()*5 + 0.1).Round(4)
		d.Bids = append(d.Bids, Level{Price: price.Sub(offset), Amount: amount})
		amount = decimal.NewFromFloat(s.rng.Float64()*5 + 0.1).Round(4)
		d.Asks = append(d.Asks, Level{Price: price.Add(offset), Amount: amount})
	}
	return d
}

// Trades returns the recent tape for a pair, newest first.
func (s *Service) Trades(_ context.Context, pair domain.Pair) []Trade {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[pair]
	if !ok {
		return nil
	}
	out := make([]Trade, len(st.tape))
	copy(out, st.tape)
	return out
}

// Stats returns the rolling 24h summary for a pair.
func (s *Service) Stats(_ context.Context, pair domain.Pair) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[pair]
	if !ok {
		return Stats{Pair: pair}
	}
	out := Stats{Pair: pair, Last: st.last, High: st.high, Low: st.low, Volume: st.vol}
	if st.open.Sign() > 0 {
		out.ChangePct = st.last.Sub(st.open).Div(st.open).Mul(decimal.NewFromInt(100))
	}
	return out
}
