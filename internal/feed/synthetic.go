package feed

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"DeskSim/internal/domain"
	"DeskSim/internal/event"
)

// StartPrices are the synthetic generator's anchor prices, quoted in USDT.
var StartPrices = map[domain.Asset]float64{
	domain.AssetBTC:  50_000,
	domain.AssetETH:  3_000,
	domain.AssetSOL:  150,
	domain.AssetBNB:  600,
	domain.AssetDOGE: 0.15,
}

// Synthetic emits random-walk ticks for every configured pair when no real
// feed is available. Each pair ticks on its own cadence between 2 and 8
// seconds, drifting up to ±0.5% per step.
type Synthetic struct {
	sink TickSink
	rng  *rand.Rand
	log  zerolog.Logger
}

func NewSynthetic(sink TickSink, seed int64, log zerolog.Logger) *Synthetic {
	return &Synthetic{sink: sink, rng: rand.New(rand.NewSource(seed)), log: log}
}

// Run drives one goroutine per pair until the context ends.
func (s *Synthetic) Run(ctx context.Context) {
	for asset, start := range StartPrices {
		pair := domain.Pair{Base: asset, Quote: domain.AssetUSDT}
		go s.walk(ctx, pair, start, s.rng.Int63())
	}
	s.log.Info().Int("pairs", len(StartPrices)).Msg("synthetic feed started")
	<-ctx.Done()
}

func (s *Synthetic) walk(ctx context.Context, pair domain.Pair, start float64, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	price := start
	var seq int64

	for {
		delay := 2*time.Second + time.Duration(rng.Int63n(int64(6*time.Second)))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		// Drift within ±0.5% per step, floored well above zero.
		price *= 1 + (rng.Float64()-0.5)/100
		if price < start/100 {
			price = start / 100
		}
		seq++

		tick := event.PriceTick{
			Pair:  pair,
			Price: decimal.NewFromFloat(price),
			Seq:   seq,
			At:    time.Now(),
		}
		if err := s.sink.SubmitTick(ctx, tick); err != nil {
			return
		}
	}
}
