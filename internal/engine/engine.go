// Package engine is the single-writer core. All mutations of account state
// flow through one inbox channel drained by one goroutine: price ticks,
// bridge settlements, and API commands (submitted as closures). Nothing
// else touches the accounts, so no state needs locking.
package engine

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"DeskSim/internal/bridge"
	"DeskSim/internal/domain"
	"DeskSim/internal/event"
	"DeskSim/internal/futures"
	"DeskSim/internal/mmbot"
	"DeskSim/internal/observability"
	"DeskSim/internal/persistence"
	"DeskSim/internal/portfolio"
	"DeskSim/internal/spot"
)

const defaultInboxSize = 1024

// SnapshotSink receives a state snapshot after every applied event. The
// persistence worker implements it.
type SnapshotSink interface {
	Offer(*persistence.Snapshot)
}

// Broadcaster fans a tick summary out to stream subscribers. The WebSocket
// hub implements it; publishing must not block.
type Broadcaster interface {
	Publish(event.TickSummary)
}

type message struct {
	tick   *event.PriceTick
	settle *event.BridgeSettled
	cmd    func()
}

// Engine owns both account states and serializes everything that touches
// them.
type Engine struct {
	inbox    chan message
	stopped  chan struct{} // closed when Run returns
	accounts map[Mode]*Account
	active   Mode
	prices   map[domain.Pair]decimal.Decimal
	seqs     map[domain.Pair]int64
	pending  map[uuid.UUID]Transfer

	bridger   *bridge.Service
	snapshots SnapshotSink
	broadcast Broadcaster
	log       zerolog.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// Option configures optional engine collaborators.
type Option func(*Engine)

// WithSnapshotSink wires the async persistence worker.
func WithSnapshotSink(s SnapshotSink) Option {
	return func(e *Engine) { e.snapshots = s }
}

// WithBroadcaster wires the tick stream.
func WithBroadcaster(b Broadcaster) Option {
	return func(e *Engine) { e.broadcast = b }
}

// AttachBridge wires the settlement scheduler after construction; the
// bridge needs the engine as its sink, so neither can be built first with
// the other injected.
func (e *Engine) AttachBridge(b *bridge.Service) { e.bridger = b }

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(log zerolog.Logger, metrics *observability.Metrics, opts ...Option) *Engine {
	e := &Engine{
		inbox:   make(chan message, defaultInboxSize),
		stopped: make(chan struct{}),
		accounts: map[Mode]*Account{
			ModePaper: NewAccount(ModePaper),
			ModeReal:  NewAccount(ModeReal),
		},
		active:  ModePaper,
		prices:  make(map[domain.Pair]decimal.Decimal),
		seqs:    make(map[domain.Pair]int64),
		pending: make(map[uuid.UUID]Transfer),
		log:     log,
		metrics: metrics,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.metrics.InboxCapacity.Set(float64(cap(e.inbox)))
	return e
}

// Run drains the inbox until the context ends. It must be the only caller
// of the apply* methods.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.stopped)
	e.log.Info().Str("active_mode", string(e.active)).Msg("engine loop started")
	for {
		e.metrics.InboxSize.Set(float64(len(e.inbox)))
		select {
		case <-ctx.Done():
			e.log.Info().Msg("engine loop stopped")
			return ctx.Err()
		case m := <-e.inbox:
			switch {
			case m.tick != nil:
				e.applyTick(*m.tick)
			case m.settle != nil:
				e.applySettlement(*m.settle)
			case m.cmd != nil:
				m.cmd()
			}
		}
	}
}

// SubmitTick enqueues a price tick, blocking when the inbox is full so the
// feed experiences backpressure instead of the engine dropping ticks.
func (e *Engine) SubmitTick(ctx context.Context, t event.PriceTick) error {
	select {
	case e.inbox <- message{tick: &t}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubmitBridgeSettled enqueues the credit leg of a bridge transfer. Called
// from timer goroutines; once the loop has stopped the event is dropped so
// a late timer never parks its goroutine on a channel nobody drains.
func (e *Engine) SubmitBridgeSettled(s event.BridgeSettled) {
	select {
	case e.inbox <- message{settle: &s}:
	case <-e.stopped:
		e.log.Warn().Str("transfer_id", s.TransferID.String()).Msg("settlement dropped after shutdown")
	}
}

// submit runs fn on the engine goroutine and waits for completion.
func (e *Engine) submit(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case e.inbox <- message{cmd: func() { fn(); close(done) }}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- Tick pipeline ---

// applyTick runs the full settlement pipeline for one price observation:
// spot matching, futures triggers, bot requoting, staking accrual, then
// valuation. Only the active account is touched.
func (e *Engine) applyTick(t event.PriceTick) {
	if last, ok := e.seqs[t.Pair]; ok && t.Seq <= last {
		e.metrics.StaleTicks.WithLabelValues(t.Pair.String()).Inc()
		e.log.Debug().Str("pair", t.Pair.String()).Int64("seq", t.Seq).Int64("last", last).Msg("stale tick dropped")
		return
	}
	start := time.Now()
	e.seqs[t.Pair] = t.Seq
	e.prices[t.Pair] = t.Price
	e.metrics.FeedSequence.WithLabelValues(t.Pair.String()).Set(float64(t.Seq))

	// Only the active account settles; the inactive mode stays frozen
	// until it is switched back in.
	acct := e.accounts[e.active]
	events := e.runPipeline(acct, t)
	netWorth := e.revalue(acct)
	if err := acct.Ledger.ValidateNonNegative(); err != nil {
		e.log.Error().Err(err).Str("mode", string(e.active)).Msg("ledger invariant violated")
	}
	e.publishTick(t, netWorth, events)

	e.metrics.TicksProcessed.WithLabelValues(t.Pair.String()).Inc()
	e.metrics.TickDuration.WithLabelValues(t.Pair.String()).Observe(time.Since(start).Seconds())
	e.offerSnapshot()

	if len(events) > 0 {
		e.log.Debug().Str("pair", t.Pair.String()).Int("events", len(events)).Msg("tick settled")
	}
}

func (e *Engine) runPipeline(acct *Account, t event.PriceTick) []event.Domain {
	var events []event.Domain
	events = append(events, e.matchSpot(acct, t)...)
	events = append(events, e.settleFutures(acct, t)...)
	events = append(events, e.requoteBots(acct, t)...)
	e.accrueStaking(acct, t)
	return events
}

// matchSpot fills every open order on the ticked pair whose limit the
// price crossed. Fills settle at the order's limit price.
func (e *Engine) matchSpot(acct *Account, t event.PriceTick) []event.Domain {
	var events []event.Domain
	for _, o := range acct.Book.Crossing(t.Pair, t.Price) {
		if o.OwnerBotID != nil {
			e.fillBotOrder(acct, o, t.At)
		} else {
			if err := e.fillUserOrder(acct, o, t.At); err != nil {
				e.log.Error().Err(err).Str("order_id", o.ID.String()).Msg("order fill failed")
				continue
			}
		}
		e.metrics.OrdersFilled.WithLabelValues(t.Pair.String(), o.Side.String()).Inc()
		events = append(events, event.Domain{
			Kind: event.KindOrderFilled, Pair: o.Pair, ID: o.ID,
			Amount: o.Amount, Price: o.LimitPrice, At: t.At,
		})
	}
	return events
}

func (e *Engine) fillUserOrder(acct *Account, o *spot.Order, at time.Time) error {
	if o.Side == spot.SideBuy {
		// The hold covers limit*amount quote exactly; capture it and
		// deliver the base.
		if _, err := acct.Ledger.Capture(o.HoldID); err != nil {
			return err
		}
		if err := acct.Ledger.Credit(o.Pair.Base, o.Amount); err != nil {
			return err
		}
	} else {
		if _, err := acct.Ledger.Capture(o.HoldID); err != nil {
			return err
		}
		if err := acct.Ledger.Credit(o.Pair.Quote, o.Total); err != nil {
			return err
		}
	}
	_, err := acct.Book.MarkFilled(o.ID, at)
	return err
}

// fillBotOrder settles into the owning bot's ring-fenced inventory instead
// of the account ledger.
func (e *Engine) fillBotOrder(acct *Account, o *spot.Order, at time.Time) {
	bot, err := acct.Bots.Get(*o.OwnerBotID)
	if err != nil {
		// Owner vanished without cancelling its quotes; drop the orphan.
		acct.Book.Cancel(o.ID, true)
		return
	}
	if o.Side == spot.SideBuy {
		bot.SettleBuy(o.LimitPrice, o.Amount)
	} else {
		bot.SettleSell(o.LimitPrice, o.Amount)
	}
	bot.ForgetOrder(o.ID)
	acct.Book.MarkFilled(o.ID, at)
}

// settleFutures re-marks positions on the ticked pair, then force-closes
// any whose liquidation, stop-loss, or take-profit level the price crossed.
// Liquidation outranks both user triggers when they coincide on one tick.
func (e *Engine) settleFutures(acct *Account, t event.PriceTick) []event.Domain {
	acct.Positions.MarkToMarket(t.Pair, t.Price)

	var events []event.Domain
	for _, p := range acct.Positions.ForPair(t.Pair) {
		trigger, closePrice := p.CheckTriggers(t.Price)
		if trigger == futures.TriggerNone {
			continue
		}
		e.closePosition(acct, p, closePrice, trigger, t.At)

		kind := event.KindPositionClosed
		if trigger == futures.TriggerLiquidation {
			kind = event.KindPositionLiquidated
			e.metrics.Liquidations.WithLabelValues(t.Pair.String()).Inc()
		}
		e.metrics.PositionsClosed.WithLabelValues(t.Pair.String(), trigger.String()).Inc()
		events = append(events, event.Domain{
			Kind: kind, Pair: p.Pair, ID: p.ID,
			Amount: p.Size, Price: closePrice, At: t.At,
		})
	}
	return events
}

// closePosition settles a position at the given price and records it in
// trade history. The account receives margin plus realized PnL, floored at
// zero; losses never go below the posted margin.
func (e *Engine) closePosition(acct *Account, p *futures.Position, price decimal.Decimal, trigger futures.Trigger, at time.Time) {
	payout := p.Margin.Add(p.PnLAt(price))
	if payout.Sign() > 0 {
		acct.Ledger.Credit(p.Pair.Quote, payout)
	}
	acct.Positions.Remove(p.ID)
	acct.Book.AppendHistory(futuresHistoryRecord(p, price, trigger, at))
}

// futuresHistoryRecord builds the terminal trade-history entry for a
// closed position. A user-initiated close records the opening direction
// (BUY for longs); a triggered close records the closing direction.
func futuresHistoryRecord(p *futures.Position, price decimal.Decimal, trigger futures.Trigger, at time.Time) *spot.Order {
	var side spot.Side
	if trigger == futures.TriggerNone { // user close
		if p.Side == futures.SideLong {
			side = spot.SideBuy
		} else {
			side = spot.SideSell
		}
	} else {
		if p.Side == futures.SideLong {
			side = spot.SideSell
		} else {
			side = spot.SideBuy
		}
	}
	status := spot.StatusFilled
	if trigger == futures.TriggerLiquidation {
		status = spot.StatusLiquidated
	}
	closedAt := at
	return &spot.Order{
		ID:         p.ID,
		Pair:       p.Pair,
		Side:       side,
		LimitPrice: price,
		Amount:     p.Size,
		Total:      price.Mul(p.Size),
		Status:     status,
		CreatedAt:  p.CreatedAt,
		FilledAt:   &closedAt,
	}
}

// requoteBots refreshes every active bot on the ticked pair: cancel the
// previous quotes silently, then place a bid and an ask around the new
// price, each gated on the bot's own inventory.
func (e *Engine) requoteBots(acct *Account, t event.PriceTick) []event.Domain {
	var events []event.Domain
	for _, b := range acct.Bots.ForPair(t.Pair) {
		if !b.Active || !b.InRange(t.Price) {
			continue
		}
		for _, oid := range b.OpenOrderIDs {
			acct.Book.Cancel(oid, true)
		}
		b.OpenOrderIDs = nil

		buyPrice, sellPrice := b.Quotes(t.Price)
		if b.CanBuy(buyPrice) {
			e.placeBotOrder(acct, b, spot.SideBuy, buyPrice, t.At)
		}
		if b.CanSell() {
			e.placeBotOrder(acct, b, spot.SideSell, sellPrice, t.At)
		}
		e.metrics.BotRequotes.WithLabelValues(t.Pair.String()).Inc()
		events = append(events, event.Domain{
			Kind: event.KindBotRequoted, Pair: b.Pair, ID: b.ID,
			Amount: b.OrderAmount, Price: t.Price, At: t.At,
		})
	}
	return events
}

func (e *Engine) placeBotOrder(acct *Account, b *mmbot.Bot, side spot.Side, price decimal.Decimal, at time.Time) {
	o, err := spot.NewOrder(side, b.Pair, price, b.OrderAmount, at)
	if err != nil {
		e.log.Error().Err(err).Str("bot_id", b.ID.String()).Msg("bot quote rejected")
		return
	}
	id := b.ID
	o.OwnerBotID = &id
	if err := acct.Book.Add(o); err != nil {
		e.log.Error().Err(err).Str("bot_id", b.ID.String()).Msg("bot quote not booked")
		return
	}
	b.OpenOrderIDs = append(b.OpenOrderIDs, o.ID)
}

// accrueStaking advances reward accrual by the time elapsed since the
// previous tick, regardless of which pair ticked.
func (e *Engine) accrueStaking(acct *Account, t event.PriceTick) {
	if !acct.LastAccrual.IsZero() {
		acct.Staking.Accrue(t.At.Sub(acct.LastAccrual))
	}
	if t.At.After(acct.LastAccrual) {
		acct.LastAccrual = t.At
	}
}

// --- Bridge settlement ---

func (e *Engine) applySettlement(s event.BridgeSettled) {
	acct, ok := e.accounts[Mode(s.Mode)]
	if !ok {
		e.log.Error().Str("mode", s.Mode).Msg("settlement for unknown mode dropped")
		return
	}
	if err := acct.Ledger.Credit(domain.AssetUSDTSol, s.Credit); err != nil {
		e.log.Error().Err(err).Str("transfer_id", s.TransferID.String()).Msg("settlement credit failed")
		return
	}
	if tr, ok := e.pending[s.TransferID]; ok {
		tr.Status = TransferSettled
		settledAt := s.At
		tr.SettledAt = &settledAt
		e.pending[s.TransferID] = tr
	}
	e.pruneSettled()
	e.log.Info().Str("transfer_id", s.TransferID.String()).Str("credit", s.Credit.String()).Msg("bridge transfer settled")
	e.offerSnapshot()
}

// maxSettledTransfers bounds how many settled transfers stay queryable;
// older ones are forgotten so the transfer map cannot grow without limit
// over a long session.
const maxSettledTransfers = 50

func (e *Engine) pruneSettled() {
	settled := make([]Transfer, 0, len(e.pending))
	for _, tr := range e.pending {
		if tr.Status == TransferSettled {
			settled = append(settled, tr)
		}
	}
	if len(settled) <= maxSettledTransfers {
		return
	}
	sort.Slice(settled, func(i, j int) bool { return settled[i].SettledAt.Before(*settled[j].SettledAt) })
	for _, tr := range settled[:len(settled)-maxSettledTransfers] {
		delete(e.pending, tr.ID)
	}
}

// --- Valuation ---

// assetPrice values one asset in USDT for the given account. LP shares use
// that account's own pool price.
func (e *Engine) assetPrice(acct *Account, a domain.Asset) decimal.Decimal {
	switch {
	case a.QuotePegged():
		return decimal.NewFromInt(1)
	case a == domain.AssetLP:
		return acct.Pool.SharePrice()
	}
	if px, ok := e.prices[domain.Pair{Base: a, Quote: domain.AssetUSDT}]; ok {
		return px
	}
	return decimal.Zero
}

// revalue computes net worth, captures the PnL baseline on the first
// funded valuation, and updates portfolio gauges.
func (e *Engine) revalue(acct *Account) decimal.Decimal {
	in := portfolio.Inputs{
		Free:          acct.Ledger.Balances(),
		Supplied:      acct.Ledger.SuppliedAll(),
		Borrowed:      acct.Ledger.BorrowedAll(),
		FuturesEquity: acct.Positions.TotalEquity(),
		BotInventory: acct.Bots.InventoryValue(func(p domain.Pair) decimal.Decimal {
			return e.prices[p]
		}),
		StakedShares:  acct.Staking.Staked,
		StakingReward: acct.Staking.Rewards,
		LPSharePrice:  acct.Pool.SharePrice(),
	}
	netWorth := portfolio.NetWorth(in, func(a domain.Asset) decimal.Decimal {
		return e.assetPrice(acct, a)
	})

	if acct.Baseline == nil && netWorth.Sign() > 0 {
		v := netWorth
		acct.Baseline = &v
	}

	nw, _ := netWorth.Float64()
	e.metrics.NetWorth.WithLabelValues(string(acct.Mode)).Set(nw)
	if abs, _ := portfolio.PnL(netWorth, acct.Baseline); acct.Baseline != nil {
		pnl, _ := abs.Float64()
		e.metrics.PortfolioPnL.WithLabelValues(string(acct.Mode)).Set(pnl)
	}
	return netWorth
}

func (e *Engine) publishTick(t event.PriceTick, netWorth decimal.Decimal, events []event.Domain) {
	if e.broadcast == nil {
		return
	}
	e.broadcast.Publish(event.TickSummary{
		Pair:     t.Pair,
		Price:    t.Price,
		NetWorth: netWorth,
		Events:   events,
		At:       t.At,
	})
}
