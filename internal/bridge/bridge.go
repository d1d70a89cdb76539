// Package bridge simulates moving USDT to its bridged Solana form. The
// debit leg is synchronous; the credit leg arrives a few seconds later as a
// settlement event pushed back into the engine inbox.
package bridge

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"DeskSim/internal/domain"
	"DeskSim/internal/event"
)

// DefaultFee is the flat USDT fee per transfer.
var DefaultFee = decimal.NewFromInt(5)

// DefaultDelay approximates cross-chain settlement time.
const DefaultDelay = 3 * time.Second

// Sink receives the delayed credit leg. The engine implements it.
type Sink interface {
	SubmitBridgeSettled(event.BridgeSettled)
}

// Service schedules settlement timers. It owns no balances; the engine
// debits before calling Schedule and credits when the settlement event
// comes back.
type Service struct {
	fee   decimal.Decimal
	delay time.Duration
	sink  Sink
	log   zerolog.Logger
}

func NewService(fee decimal.Decimal, delay time.Duration, sink Sink, log zerolog.Logger) *Service {
	return &Service{fee: fee, delay: delay, sink: sink, log: log}
}

// Fee returns the flat fee charged per transfer.
func (s *Service) Fee() decimal.Decimal { return s.fee }

// Delay returns the settlement delay.
func (s *Service) Delay() time.Duration { return s.delay }

// Validate checks that the transfer amount covers the fee with something
// left to credit.
func (s *Service) Validate(amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("%w: transfer amount %s", domain.ErrInvalidAmount, amount)
	}
	if amount.LessThanOrEqual(s.fee) {
		return fmt.Errorf("%w: amount %s does not cover fee %s", domain.ErrInvalidAmount, amount, s.fee)
	}
	return nil
}

// Schedule arms the settlement timer for an already-debited transfer.
func (s *Service) Schedule(transferID uuid.UUID, mode string, credit decimal.Decimal) {
	s.log.Info().
		Str("transfer_id", transferID.String()).
		Str("mode", mode).
		Str("credit", credit.String()).
		Dur("delay", s.delay).
		Msg("bridge transfer scheduled")

	time.AfterFunc(s.delay, func() {
		s.sink.SubmitBridgeSettled(event.BridgeSettled{
			TransferID: transferID,
			Mode:       mode,
			Credit:     credit,
			At:         time.Now(),
		})
	})
}
