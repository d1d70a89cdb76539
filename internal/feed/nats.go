// Package feed delivers price ticks to the engine, either from a NATS
// subject tree or from the built-in synthetic generator.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"DeskSim/internal/domain"
	"DeskSim/internal/event"
)

// TickSink receives parsed ticks. The engine implements it.
type TickSink interface {
	SubmitTick(ctx context.Context, t event.PriceTick) error
}

// wireTick is the JSON payload published on prices.<BASE>. Prices quote the
// base asset in USDT.
type wireTick struct {
	Pair  string          `json:"pair"`
	Price decimal.Decimal `json:"price"`
	Seq   int64           `json:"seq"`
	Ts    time.Time       `json:"ts"`
}

// NATSFeed subscribes to prices.> and forwards ticks to the sink. Prices
// are ephemeral state, so core NATS is enough; a missed tick is replaced by
// the next one within seconds.
type NATSFeed struct {
	conn *nats.Conn
	sink TickSink
	sub  *nats.Subscription
	log  zerolog.Logger
}

func NewNATSFeed(conn *nats.Conn, sink TickSink, log zerolog.Logger) *NATSFeed {
	return &NATSFeed{conn: conn, sink: sink, log: log}
}

// Subscribe starts forwarding ticks until the context ends.
func (f *NATSFeed) Subscribe(ctx context.Context) error {
	sub, err := f.conn.Subscribe("prices.>", func(msg *nats.Msg) {
		tick, err := parseTick(msg.Subject, msg.Data)
		if err != nil {
			f.log.Warn().Err(err).Str("subject", msg.Subject).Msg("malformed tick dropped")
			return
		}
		if err := f.sink.SubmitTick(ctx, tick); err != nil {
			f.log.Warn().Err(err).Str("pair", tick.Pair.String()).Msg("tick not submitted")
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe prices.>: %w", err)
	}
	f.sub = sub
	f.log.Info().Str("subject", "prices.>").Msg("price feed subscribed")
	return nil
}

// Drain unsubscribes and flushes in-flight messages.
func (f *NATSFeed) Drain() error {
	if f.sub == nil {
		return nil
	}
	return f.sub.Drain()
}

func parseTick(subject string, data []byte) (event.PriceTick, error) {
	var w wireTick
	if err := json.Unmarshal(data, &w); err != nil {
		return event.PriceTick{}, fmt.Errorf("decode tick: %w", err)
	}

	symbol := w.Pair
	if symbol == "" {
		// Fall back to the subject token: prices.BTC means BTC/USDT.
		parts := strings.Split(subject, ".")
		symbol = parts[len(parts)-1] + "/USDT"
	}
	pair, err := domain.ParsePair(symbol)
	if err != nil {
		return event.PriceTick{}, err
	}
	if w.Price.Sign() <= 0 {
		return event.PriceTick{}, fmt.Errorf("%w: tick price %s", domain.ErrInvalidAmount, w.Price)
	}
	at := w.Ts
	if at.IsZero() {
		at = time.Now()
	}
	return event.PriceTick{Pair: pair, Price: w.Price, Seq: w.Seq, At: at}, nil
}
