package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"DeskSim/internal/bridge"
	"DeskSim/internal/domain"
	"DeskSim/internal/engine"
	"DeskSim/internal/event"
	"DeskSim/internal/futures"
	"DeskSim/internal/observability"
	"DeskSim/internal/persistence"
	"DeskSim/internal/spot"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var (
	btcUSDT = domain.Pair{Base: domain.AssetBTC, Quote: domain.AssetUSDT}
	solUSDT = domain.Pair{Base: domain.AssetSOL, Quote: domain.AssetUSDT}
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// newTestEngine starts an engine loop on a fresh metrics registry and stops
// it when the test ends.
func newTestEngine(t *testing.T, opts ...engine.Option) (*engine.Engine, context.Context) {
	t.Helper()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	eng := engine.New(zerolog.Nop(), metrics, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go eng.Run(ctx)
	return eng, ctx
}

func sendTick(t *testing.T, ctx context.Context, eng *engine.Engine, pair domain.Pair, price string, seq int64, at time.Time) {
	t.Helper()
	err := eng.SubmitTick(ctx, event.PriceTick{Pair: pair, Price: d(price), Seq: seq, At: at})
	if err != nil {
		t.Fatalf("submit tick: %v", err)
	}
}

func balance(t *testing.T, ctx context.Context, eng *engine.Engine, a domain.Asset) engine.AssetBalance {
	t.Helper()
	rows, err := eng.Balances(ctx)
	if err != nil {
		t.Fatalf("balances: %v", err)
	}
	for _, row := range rows {
		if row.Asset == a {
			return row
		}
	}
	return engine.AssetBalance{Asset: a}
}

// ============================================================================
// Test: spot matching
// ============================================================================

func TestSpot_BuyFillsAtLimitOnDownTick(t *testing.T) {
	eng, ctx := newTestEngine(t)

	placed, err := eng.PlaceOrder(ctx, btcUSDT, spot.SideBuy, d("50000"), d("1"))
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	if got, want := balance(t, ctx, eng, domain.AssetUSDT).Available, d("50000"); !got.Equal(want) {
		t.Errorf("available while resting: got %s, want %s", got, want)
	}

	sendTick(t, ctx, eng, btcUSDT, "49000", 1, t0)

	usdt := balance(t, ctx, eng, domain.AssetUSDT)
	if got, want := usdt.Free, d("50000"); !got.Equal(want) {
		t.Errorf("USDT free after fill: got %s, want %s", got, want)
	}
	if !usdt.Held.IsZero() {
		t.Errorf("USDT held after fill: got %s, want 0", usdt.Held)
	}
	if got, want := balance(t, ctx, eng, domain.AssetBTC).Free, d("11"); !got.Equal(want) {
		t.Errorf("BTC free after fill: got %s, want %s", got, want)
	}

	history, err := eng.History(ctx)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("history count: got %d, want 1", len(history))
	}
	rec := history[0]
	if rec.ID != placed.ID || rec.Status != spot.StatusFilled || !rec.LimitPrice.Equal(d("50000")) {
		t.Errorf("history record: got %s %s at %s", rec.ID, rec.Status, rec.LimitPrice)
	}
}

func TestSpot_SellFillsOnUpTick(t *testing.T) {
	eng, ctx := newTestEngine(t)

	if _, err := eng.PlaceOrder(ctx, btcUSDT, spot.SideSell, d("52000"), d("2")); err != nil {
		t.Fatalf("place order: %v", err)
	}
	if got, want := balance(t, ctx, eng, domain.AssetBTC).Available, d("8"); !got.Equal(want) {
		t.Errorf("BTC available while resting: got %s, want %s", got, want)
	}

	sendTick(t, ctx, eng, btcUSDT, "53000", 1, t0)

	if got, want := balance(t, ctx, eng, domain.AssetBTC).Free, d("8"); !got.Equal(want) {
		t.Errorf("BTC free after fill: got %s, want %s", got, want)
	}
	// Proceeds at the limit price, not the tick price.
	if got, want := balance(t, ctx, eng, domain.AssetUSDT).Free, d("204000"); !got.Equal(want) {
		t.Errorf("USDT free after fill: got %s, want %s", got, want)
	}
}

func TestSpot_OrderRestsWhilePriceAway(t *testing.T) {
	eng, ctx := newTestEngine(t)

	if _, err := eng.PlaceOrder(ctx, btcUSDT, spot.SideBuy, d("45000"), d("1")); err != nil {
		t.Fatalf("place order: %v", err)
	}
	sendTick(t, ctx, eng, btcUSDT, "50000", 1, t0)

	open, err := eng.OpenOrders(ctx)
	if err != nil {
		t.Fatalf("open orders: %v", err)
	}
	if len(open) != 1 {
		t.Errorf("open count: got %d, want 1", len(open))
	}
}

func TestSpot_CancelRestoresAvailableExactly(t *testing.T) {
	eng, ctx := newTestEngine(t)
	before := balance(t, ctx, eng, domain.AssetUSDT).Available

	placed, err := eng.PlaceOrder(ctx, btcUSDT, spot.SideBuy, d("50000"), d("1"))
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	if _, err := eng.CancelOrder(ctx, placed.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if got := balance(t, ctx, eng, domain.AssetUSDT).Available; !got.Equal(before) {
		t.Errorf("available after cancel: got %s, want %s", got, before)
	}
	history, err := eng.History(ctx)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].Status != spot.StatusCancelled {
		t.Error("cancelled order missing from history")
	}
}

func TestSpot_RejectsOversizedOrder(t *testing.T) {
	eng, ctx := newTestEngine(t)

	// Paper account has 100k USDT; this buy needs 150k.
	_, err := eng.PlaceOrder(ctx, btcUSDT, spot.SideBuy, d("50000"), d("3"))
	if !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Errorf("got %v, want ErrInsufficientBalance", err)
	}
	if len(mustOpenOrders(t, ctx, eng)) != 0 {
		t.Error("rejected order was booked")
	}
}

func mustOpenOrders(t *testing.T, ctx context.Context, eng *engine.Engine) []spot.Order {
	t.Helper()
	open, err := eng.OpenOrders(ctx)
	if err != nil {
		t.Fatalf("open orders: %v", err)
	}
	return open
}

// ============================================================================
// Test: stale ticks
// ============================================================================

func TestStaleTickDropped(t *testing.T) {
	eng, ctx := newTestEngine(t)

	sendTick(t, ctx, eng, btcUSDT, "50000", 5, t0)
	sendTick(t, ctx, eng, btcUSDT, "60000", 5, t0.Add(time.Second))
	sendTick(t, ctx, eng, btcUSDT, "70000", 4, t0.Add(2*time.Second))

	prices, err := eng.Prices(ctx)
	if err != nil {
		t.Fatalf("prices: %v", err)
	}
	if got, want := prices[btcUSDT], d("50000"); !got.Equal(want) {
		t.Errorf("price after stale ticks: got %s, want %s", got, want)
	}
}

// ============================================================================
// Test: futures
// ============================================================================

func TestFutures_OpenThenCloseFlatReturnsMargin(t *testing.T) {
	eng, ctx := newTestEngine(t)
	sendTick(t, ctx, eng, btcUSDT, "50000", 1, t0)

	opened, err := eng.OpenPosition(ctx, btcUSDT, futures.SideLong, d("1"), d("10"), nil, nil)
	if err != nil {
		t.Fatalf("open position: %v", err)
	}
	if got, want := opened.Margin, d("5000"); !got.Equal(want) {
		t.Errorf("margin: got %s, want %s", got, want)
	}
	if got, want := balance(t, ctx, eng, domain.AssetUSDT).Free, d("95000"); !got.Equal(want) {
		t.Errorf("USDT after open: got %s, want %s", got, want)
	}

	if _, err := eng.ClosePosition(ctx, opened.ID); err != nil {
		t.Fatalf("close position: %v", err)
	}
	if got, want := balance(t, ctx, eng, domain.AssetUSDT).Free, d("100000"); !got.Equal(want) {
		t.Errorf("USDT after flat close: got %s, want %s", got, want)
	}

	history, err := eng.History(ctx)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("history count: got %d, want 1", len(history))
	}
	// A user close records the opening direction.
	if history[0].Side != spot.SideBuy || history[0].Status != spot.StatusFilled {
		t.Errorf("history record: got %s/%s, want BUY/FILLED", history[0].Side, history[0].Status)
	}
}

func TestFutures_LiquidationOnAdverseTick(t *testing.T) {
	eng, ctx := newTestEngine(t)
	sendTick(t, ctx, eng, btcUSDT, "50000", 1, t0)

	opened, err := eng.OpenPosition(ctx, btcUSDT, futures.SideLong, d("1"), d("10"), nil, nil)
	if err != nil {
		t.Fatalf("open position: %v", err)
	}
	if got, want := opened.LiquidationPrice, d("45250"); !got.Equal(want) {
		t.Fatalf("liquidation price: got %s, want %s", got, want)
	}

	sendTick(t, ctx, eng, btcUSDT, "45000", 2, t0.Add(time.Second))

	positions, err := eng.Positions(ctx)
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	if len(positions) != 0 {
		t.Fatalf("open positions after liquidation: got %d, want 0", len(positions))
	}
	// Residual equity at the liquidation level: 5000 + (45250-50000) = 250,
	// so the balance is 95000 + 250.
	if got, want := balance(t, ctx, eng, domain.AssetUSDT).Free, d("95250"); !got.Equal(want) {
		t.Errorf("USDT after liquidation: got %s, want %s", got, want)
	}

	history, err := eng.History(ctx)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("history count: got %d, want 1", len(history))
	}
	rec := history[0]
	if rec.Status != spot.StatusLiquidated {
		t.Errorf("status: got %s, want LIQUIDATED", rec.Status)
	}
	// A triggered close of a long records the closing direction.
	if rec.Side != spot.SideSell {
		t.Errorf("side: got %s, want SELL", rec.Side)
	}
	if !rec.LimitPrice.Equal(d("45250")) {
		t.Errorf("close price: got %s, want 45250", rec.LimitPrice)
	}
}

func TestFutures_StopLossClosesAtLevel(t *testing.T) {
	eng, ctx := newTestEngine(t)
	sendTick(t, ctx, eng, btcUSDT, "50000", 1, t0)

	sl := d("48000")
	if _, err := eng.OpenPosition(ctx, btcUSDT, futures.SideLong, d("1"), d("10"), &sl, nil); err != nil {
		t.Fatalf("open position: %v", err)
	}
	sendTick(t, ctx, eng, btcUSDT, "47000", 2, t0.Add(time.Second))

	// Payout 5000 + (48000-50000) = 3000 on top of 95000.
	if got, want := balance(t, ctx, eng, domain.AssetUSDT).Free, d("98000"); !got.Equal(want) {
		t.Errorf("USDT after stop-loss: got %s, want %s", got, want)
	}
	history, err := eng.History(ctx)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].Status != spot.StatusFilled || !history[0].LimitPrice.Equal(sl) {
		t.Error("stop-loss close not recorded at the trigger level")
	}
}

func TestFutures_OpenRequiresReferencePrice(t *testing.T) {
	eng, ctx := newTestEngine(t)

	_, err := eng.OpenPosition(ctx, btcUSDT, futures.SideLong, d("1"), d("10"), nil, nil)
	if !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("got %v, want ErrInvalidState", err)
	}
}

// ============================================================================
/// Test: account modes
// ============================================================================

func TestSwitchMode_IsolatesAccounts(t *testing.T) {
	eng, ctx := newTestEngine(t)

	if err := eng.SwitchMode(ctx, engine.ModeReal); err != nil {
		t.Fatalf("switch mode: %v", err)
	}
	mode, err := eng.ActiveMode(ctx)
	if err != nil {
		t.Fatalf("active mode: %v", err)
	}
	if mode != engine.ModeReal {
		t.Fatalf("active mode: got %s, want real", mode)
	}
	// Real accounts start unfunded.
	if got := balance(t, ctx, eng, domain.AssetUSDT).Free; !got.IsZero() {
		t.Errorf("real USDT: got %s, want 0", got)
	}

	if err := eng.SwitchMode(ctx, engine.ModePaper); err != nil {
		t.Fatalf("switch back: %v", err)
	}
	if got, want := balance(t, ctx, eng, domain.AssetUSDT).Free, d("100000"); !got.Equal(want) {
		t.Errorf("paper USDT after round trip: got %s, want %s", got, want)
	}
}

func TestDeposit_FundsRealAccount(t *testing.T) {
	eng, ctx := newTestEngine(t)

	if err := eng.SwitchMode(ctx, engine.ModeReal); err != nil {
		t.Fatalf("switch mode: %v", err)
	}
	if err := eng.Deposit(ctx, domain.AssetUSDT, d("1000")); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if got, want := balance(t, ctx, eng, domain.AssetUSDT).Free, d("1000"); !got.Equal(want) {
		t.Errorf("real USDT after deposit: got %s, want %s", got, want)
	}

	if err := eng.Deposit(ctx, domain.AssetUSDT, decimal.Zero); !errors.Is(err, domain.ErrInvalidAmount) {
		t.Errorf("zero deposit: got %v, want ErrInvalidAmount", err)
	}

	// Paper accounts top up on top of the seeded balances.
	if err := eng.SwitchMode(ctx, engine.ModePaper); err != nil {
		t.Fatalf("switch back: %v", err)
	}
	if err := eng.Deposit(ctx, domain.AssetBTC, d("0.5")); err != nil {
		t.Fatalf("paper deposit: %v", err)
	}
	if got, want := balance(t, ctx, eng, domain.AssetBTC).Free, d("10.5"); !got.Equal(want) {
		t.Errorf("paper BTC after deposit: got %s, want %s", got, want)
	}
}

func TestInactiveModeFrozenDuringTicks(t *testing.T) {
	eng, ctx := newTestEngine(t)

	// Rest a paper buy that the coming tick would fill, then switch away.
	if _, err := eng.PlaceOrder(ctx, btcUSDT, spot.SideBuy, d("50000"), d("1")); err != nil {
		t.Fatalf("place order: %v", err)
	}
	if err := eng.SwitchMode(ctx, engine.ModeReal); err != nil {
		t.Fatalf("switch mode: %v", err)
	}

	sendTick(t, ctx, eng, btcUSDT, "49000", 1, t0)

	if err := eng.SwitchMode(ctx, engine.ModePaper); err != nil {
		t.Fatalf("switch back: %v", err)
	}
	open := mustOpenOrders(t, ctx, eng)
	if len(open) != 1 {
		t.Fatalf("frozen account's order filled: open count %d, want 1", len(open))
	}
	usdt := balance(t, ctx, eng, domain.AssetUSDT)
	if got, want := usdt.Held, d("50000"); !got.Equal(want) {
		t.Errorf("held: got %s, want %s", got, want)
	}

	// Once active again the next tick settles it.
	sendTick(t, ctx, eng, btcUSDT, "49000", 2, t0.Add(time.Second))
	if got, want := balance(t, ctx, eng, domain.AssetBTC).Free, d("11"); !got.Equal(want) {
		t.Errorf("BTC after reactivation: got %s, want %s", got, want)
	}
}

func TestInactiveModeEarnsNoStakingRewards(t *testing.T) {
	eng, ctx := newTestEngine(t)

	if _, err := eng.AddLiquidity(ctx, domain.AssetUSDT, d("100")); err != nil {
		t.Fatalf("add liquidity: %v", err)
	}
	if err := eng.Stake(ctx, d("100")); err != nil {
		t.Fatalf("stake: %v", err)
	}
	sendTick(t, ctx, eng, btcUSDT, "50000", 1, t0)

	// Freeze paper for an hour of feed time.
	if err := eng.SwitchMode(ctx, engine.ModeReal); err != nil {
		t.Fatalf("switch mode: %v", err)
	}
	sendTick(t, ctx, eng, btcUSDT, "50100", 2, t0.Add(30*time.Minute))
	if err := eng.SwitchMode(ctx, engine.ModePaper); err != nil {
		t.Fatalf("switch back: %v", err)
	}

	// The first tick after reactivation only restarts the accrual clock;
	// the frozen hour earns nothing.
	sendTick(t, ctx, eng, btcUSDT, "50200", 3, t0.Add(time.Hour))
	view, err := eng.Staking(ctx)
	if err != nil {
		t.Fatalf("staking: %v", err)
	}
	if !view.Rewards.IsZero() {
		t.Fatalf("rewards for frozen window: got %s, want 0", view.Rewards)
	}

	// Accrual resumes between live ticks.
	sendTick(t, ctx, eng, btcUSDT, "50300", 4, t0.Add(time.Hour+10*time.Second))
	view, err = eng.Staking(ctx)
	if err != nil {
		t.Fatalf("staking: %v", err)
	}
	want := d("100").Mul(d("12.5").Div(d("100")).Div(d("31536000"))).Mul(d("10"))
	if !view.Rewards.Equal(want) {
		t.Errorf("rewards after reactivation: got %s, want %s", view.Rewards, want)
	}
}

func TestResetAccount(t *testing.T) {
	eng, ctx := newTestEngine(t)
	sendTick(t, ctx, eng, btcUSDT, "50000", 1, t0)

	if _, err := eng.OpenPosition(ctx, btcUSDT, futures.SideLong, d("1"), d("10"), nil, nil); err != nil {
		t.Fatalf("open position: %v", err)
	}
	if err := eng.ResetAccount(ctx, engine.ModePaper); err != nil {
		t.Fatalf("reset: %v", err)
	}

	if got, want := balance(t, ctx, eng, domain.AssetUSDT).Free, d("100000"); !got.Equal(want) {
		t.Errorf("USDT after reset: got %s, want %s", got, want)
	}
	positions, err := eng.Positions(ctx)
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	if len(positions) != 0 {
		t.Errorf("positions after reset: got %d, want 0", len(positions))
	}
}

// ============================================================================
// Test: liquidity pool
// ============================================================================

func TestLiquidity_DepositAndWithdraw(t *testing.T) {
	eng, ctx := newTestEngine(t)

	minted, err := eng.AddLiquidity(ctx, domain.AssetUSDT, d("1000"))
	if err != nil {
		t.Fatalf("add liquidity: %v", err)
	}
	// Seeded pool starts at share price 1.
	if got, want := minted, d("1000"); !got.Equal(want) {
		t.Errorf("minted: got %s, want %s", got, want)
	}
	if got, want := balance(t, ctx, eng, domain.AssetLP).Free, d("1000"); !got.Equal(want) {
		t.Errorf("LP balance: got %s, want %s", got, want)
	}
	if got, want := balance(t, ctx, eng, domain.AssetUSDT).Free, d("99000"); !got.Equal(want) {
		t.Errorf("USDT after deposit: got %s, want %s", got, want)
	}

	payout, err := eng.RemoveLiquidity(ctx, domain.AssetUSDT, d("500"))
	if err != nil {
		t.Fatalf("remove liquidity: %v", err)
	}
	if got, want := payout, d("500"); !got.Equal(want) {
		t.Errorf("payout: got %s, want %s", got, want)
	}
	if got, want := balance(t, ctx, eng, domain.AssetLP).Free, d("500"); !got.Equal(want) {
		t.Errorf("LP after withdraw: got %s, want %s", got, want)
	}
	if got, want := balance(t, ctx, eng, domain.AssetUSDT).Free, d("99500"); !got.Equal(want) {
		t.Errorf("USDT after withdraw: got %s, want %s", got, want)
	}
}

func TestLiquidity_WithdrawWithoutShares(t *testing.T) {
	eng, ctx := newTestEngine(t)

	_, err := eng.RemoveLiquidity(ctx, domain.AssetUSDT, d("10"))
	if !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Errorf("got %v, want ErrInsufficientBalance", err)
	}
}

// ============================================================================
// Test: lending
// ============================================================================

func TestLending_BorrowGuardedByHealthFactor(t *testing.T) {
	eng, ctx := newTestEngine(t)
	sendTick(t, ctx, eng, btcUSDT, "50000", 1, t0)
	sendTick(t, ctx, eng, solUSDT, "150", 1, t0)

	// Paper account: collateral 5000*0.85 + 50000*0.75 = 41750, debt 1500.
	view, err := eng.Lending(ctx)
	if err != nil {
		t.Fatalf("lending: %v", err)
	}
	if view.HealthFactor == nil {
		t.Fatal("health factor missing with outstanding debt")
	}
	if want := d("41750").Div(d("1500")); !view.HealthFactor.Equal(want) {
		t.Errorf("health factor: got %s, want %s", view.HealthFactor, want)
	}

	// 400 more SOL would put the debt at 61500 against 41750 collateral.
	if err := eng.Borrow(ctx, domain.AssetSOL, d("400")); !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Errorf("over-borrow: got %v, want ErrInsufficientBalance", err)
	}
	if err := eng.Borrow(ctx, domain.AssetSOL, d("10")); err != nil {
		t.Fatalf("borrow within limits: %v", err)
	}
	if got, want := balance(t, ctx, eng, domain.AssetSOL).Borrowed, d("20"); !got.Equal(want) {
		t.Errorf("SOL debt: got %s, want %s", got, want)
	}
}

func TestLending_BorrowRequiresReferencePrice(t *testing.T) {
	eng, ctx := newTestEngine(t)

	// The empty real account must not borrow an asset no tick has priced:
	// unvalued debt would slip past the health check.
	if err := eng.SwitchMode(ctx, engine.ModeReal); err != nil {
		t.Fatalf("switch mode: %v", err)
	}
	if err := eng.Borrow(ctx, domain.AssetSOL, d("1000000")); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("unpriced borrow: got %v, want ErrInvalidState", err)
	}
	if got := balance(t, ctx, eng, domain.AssetSOL).Free; !got.IsZero() {
		t.Fatalf("unpriced borrow credited funds: got %s, want 0", got)
	}

	// Once priced, the same borrow fails the health check instead.
	sendTick(t, ctx, eng, solUSDT, "150", 1, t0)
	if err := eng.Borrow(ctx, domain.AssetSOL, d("10")); !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Errorf("uncollateralized borrow: got %v, want ErrInsufficientBalance", err)
	}
}

func TestLending_CollateralWithdrawalGuarded(t *testing.T) {
	eng, ctx := newTestEngine(t)
	sendTick(t, ctx, eng, btcUSDT, "50000", 1, t0)
	sendTick(t, ctx, eng, solUSDT, "150", 1, t0)

	// Push the debt up so the BTC leg becomes load-bearing collateral.
	if err := eng.Borrow(ctx, domain.AssetSOL, d("200")); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	// Without the BTC leg: collateral 4250 vs debt 31500.
	if err := eng.WithdrawCollateral(ctx, domain.AssetBTC, d("1")); !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Errorf("unsafe withdrawal: got %v, want ErrInsufficientBalance", err)
	}
	if err := eng.WithdrawCollateral(ctx, domain.AssetUSDT, d("100")); err != nil {
		t.Errorf("safe withdrawal rejected: %v", err)
	}
}

func TestLending_SupplyAndRepay(t *testing.T) {
	eng, ctx := newTestEngine(t)
	sendTick(t, ctx, eng, solUSDT, "150", 1, t0)

	if err := eng.Supply(ctx, domain.AssetUSDT, d("1000")); err != nil {
		t.Fatalf("supply: %v", err)
	}
	if got, want := balance(t, ctx, eng, domain.AssetUSDT).Supplied, d("6000"); !got.Equal(want) {
		t.Errorf("supplied: got %s, want %s", got, want)
	}

	if err := eng.Repay(ctx, domain.AssetSOL, d("10")); err != nil {
		t.Fatalf("repay: %v", err)
	}
	if got := balance(t, ctx, eng, domain.AssetSOL).Borrowed; !got.IsZero() {
		t.Errorf("debt after full repay: got %s, want 0", got)
	}

	view, err := eng.Lending(ctx)
	if err != nil {
		t.Fatalf("lending: %v", err)
	}
	if view.HealthFactor != nil {
		t.Error("health factor should be absent with no debt")
	}
}

func TestLending_SupplyUnknownMarket(t *testing.T) {
	eng, ctx := newTestEngine(t)
	if err := eng.Supply(ctx, domain.AssetDOGE, d("1")); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

// ============================================================================
// Test: staking
// ============================================================================

func TestStaking_AccruesBetweenTicks(t *testing.T) {
	eng, ctx := newTestEngine(t)

	if _, err := eng.AddLiquidity(ctx, domain.AssetUSDT, d("1000")); err != nil {
		t.Fatalf("add liquidity: %v", err)
	}
	if err := eng.Stake(ctx, d("500")); err != nil {
		t.Fatalf("stake: %v", err)
	}

	sendTick(t, ctx, eng, btcUSDT, "50000", 1, t0)
	sendTick(t, ctx, eng, btcUSDT, "50100", 2, t0.Add(10*time.Second))

	view, err := eng.Staking(ctx)
	if err != nil {
		t.Fatalf("staking: %v", err)
	}
	want := d("500").Mul(d("12.5").Div(d("100")).Div(d("31536000"))).Mul(d("10"))
	if !view.Rewards.Equal(want) {
		t.Errorf("rewards: got %s, want %s", view.Rewards, want)
	}
	if got, wantStaked := view.Staked, d("500"); !got.Equal(wantStaked) {
		t.Errorf("staked: got %s, want %s", got, wantStaked)
	}

	claimed, err := eng.ClaimRewards(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !claimed.Equal(want) {
		t.Errorf("claimed: got %s, want %s", claimed, want)
	}
	if got, wantLP := balance(t, ctx, eng, domain.AssetLP).Free, d("500").Add(want); !got.Equal(wantLP) {
		t.Errorf("LP after claim: got %s, want %s", got, wantLP)
	}
}

func TestStaking_UnstakeReturnsShares(t *testing.T) {
	eng, ctx := newTestEngine(t)

	if _, err := eng.AddLiquidity(ctx, domain.AssetUSDT, d("1000")); err != nil {
		t.Fatalf("add liquidity: %v", err)
	}
	if err := eng.Stake(ctx, d("800")); err != nil {
		t.Fatalf("stake: %v", err)
	}
	if err := eng.Unstake(ctx, d("800")); err != nil {
		t.Fatalf("unstake: %v", err)
	}
	if got, want := balance(t, ctx, eng, domain.AssetLP).Free, d("1000"); !got.Equal(want) {
		t.Errorf("LP after unstake: got %s, want %s", got, want)
	}
}

// ============================================================================
// Test: market-maker bots
// ============================================================================

func TestBot_QuoteFillRemoveRoundTrip(t *testing.T) {
	eng, ctx := newTestEngine(t)

	created, err := eng.CreateBot(ctx, engine.BotParams{
		Pair:         btcUSDT,
		RangeLower:   d("40000"),
		RangeUpper:   d("60000"),
		SpreadPct:    d("2"),
		OrderAmount:  d("0.1"),
		InitialQuote: d("10000"),
	})
	if err != nil {
		t.Fatalf("create bot: %v", err)
	}
	if got, want := balance(t, ctx, eng, domain.AssetUSDT).Free, d("90000"); !got.Equal(want) {
		t.Errorf("USDT after funding bot: got %s, want %s", got, want)
	}

	// First tick: the bot quotes a bid at 49500; no base, so no ask.
	sendTick(t, ctx, eng, btcUSDT, "50000", 1, t0)
	open := mustOpenOrders(t, ctx, eng)
	if len(open) != 1 {
		t.Fatalf("open count after first quote: got %d, want 1", len(open))
	}
	if open[0].OwnerBotID == nil || *open[0].OwnerBotID != created.ID {
		t.Error("quote not owned by the bot")
	}
	if !open[0].LimitPrice.Equal(d("49500")) {
		t.Errorf("bid: got %s, want 49500", open[0].LimitPrice)
	}

	// Bot quotes cannot be cancelled directly.
	if _, err := eng.CancelOrder(ctx, open[0].ID); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("cancel bot quote: got %v, want ErrInvalidState", err)
	}

	// Second tick crosses the bid, fills into inventory, then requotes
	// both sides.
	sendTick(t, ctx, eng, btcUSDT, "49000", 2, t0.Add(time.Second))
	bots, err := eng.Bots(ctx)
	if err != nil {
		t.Fatalf("bots: %v", err)
	}
	if len(bots) != 1 {
		t.Fatalf("bot count: got %d, want 1", len(bots))
	}
	if got, want := bots[0].Inventory.Quote, d("5050"); !got.Equal(want) {
		t.Errorf("inventory quote: got %s, want %s", got, want)
	}
	if got, want := bots[0].Inventory.Base, d("0.1"); !got.Equal(want) {
		t.Errorf("inventory base: got %s, want %s", got, want)
	}
	if got := len(mustOpenOrders(t, ctx, eng)); got != 2 {
		t.Errorf("open count after requote: got %d, want 2", got)
	}

	// Removing the bot silently cancels its quotes and returns inventory.
	returned, err := eng.RemoveBot(ctx, created.ID)
	if err != nil {
		t.Fatalf("remove bot: %v", err)
	}
	if !returned.Quote.Equal(d("5050")) || !returned.Base.Equal(d("0.1")) {
		t.Errorf("returned inventory: got %s/%s", returned.Quote, returned.Base)
	}
	if got := len(mustOpenOrders(t, ctx, eng)); got != 0 {
		t.Errorf("open count after removal: got %d, want 0", got)
	}
	if got, want := balance(t, ctx, eng, domain.AssetUSDT).Free, d("95050"); !got.Equal(want) {
		t.Errorf("USDT after removal: got %s, want %s", got, want)
	}
	if got, want := balance(t, ctx, eng, domain.AssetBTC).Free, d("10.1"); !got.Equal(want) {
		t.Errorf("BTC after removal: got %s, want %s", got, want)
	}
}

func TestBot_PausedBotDoesNotQuote(t *testing.T) {
	eng, ctx := newTestEngine(t)

	created, err := eng.CreateBot(ctx, engine.BotParams{
		Pair:         btcUSDT,
		RangeLower:   d("40000"),
		RangeUpper:   d("60000"),
		SpreadPct:    d("2"),
		OrderAmount:  d("0.1"),
		InitialQuote: d("10000"),
	})
	if err != nil {
		t.Fatalf("create bot: %v", err)
	}
	if err := eng.SetBotActive(ctx, created.ID, false); err != nil {
		t.Fatalf("pause: %v", err)
	}

	sendTick(t, ctx, eng, btcUSDT, "50000", 1, t0)
	if got := len(mustOpenOrders(t, ctx, eng)); got != 0 {
		t.Errorf("paused bot quoted: open count %d, want 0", got)
	}
}

func TestBot_OutOfRangeDoesNotQuote(t *testing.T) {
	eng, ctx := newTestEngine(t)

	if _, err := eng.CreateBot(ctx, engine.BotParams{
		Pair:         btcUSDT,
		RangeLower:   d("40000"),
		RangeUpper:   d("45000"),
		SpreadPct:    d("2"),
		OrderAmount:  d("0.1"),
		InitialQuote: d("10000"),
	}); err != nil {
		t.Fatalf("create bot: %v", err)
	}

	sendTick(t, ctx, eng, btcUSDT, "50000", 1, t0)
	if got := len(mustOpenOrders(t, ctx, eng)); got != 0 {
		t.Errorf("out-of-range bot quoted: open count %d, want 0", got)
	}
}

// ============================================================================
// Test: portfolio valuation
// ============================================================================

func TestPortfolio_BaselineCapturedOnFirstFundedValuation(t *testing.T) {
	eng, ctx := newTestEngine(t)

	sendTick(t, ctx, eng, btcUSDT, "50000", 1, t0)
	first, err := eng.Portfolio(ctx)
	if err != nil {
		t.Fatalf("portfolio: %v", err)
	}
	if first.Baseline == nil {
		t.Fatal("baseline not captured on funded valuation")
	}
	if !first.NetWorth.Equal(*first.Baseline) {
		t.Errorf("baseline %s != first net worth %s", first.Baseline, first.NetWorth)
	}
	if !first.PnL.IsZero() {
		t.Errorf("pnl at baseline: got %s, want 0", first.PnL)
	}

	// BTC up 10%: paper wallet holds 10 free + 1 supplied BTC, so net worth
	// rises by 11 * 5000 while the baseline stays put.
	sendTick(t, ctx, eng, btcUSDT, "55000", 2, t0.Add(time.Second))
	second, err := eng.Portfolio(ctx)
	if err != nil {
		t.Fatalf("portfolio: %v", err)
	}
	if !second.Baseline.Equal(*first.Baseline) {
		t.Errorf("baseline moved: %s -> %s", first.Baseline, second.Baseline)
	}
	if got, want := second.PnL, d("55000"); !got.Equal(want) {
		t.Errorf("pnl: got %s, want %s", got, want)
	}
}

// ============================================================================
// Test: bridge
// ============================================================================

func TestBridge_DebitNowCreditLater(t *testing.T) {
	eng, ctx := newTestEngine(t)
	eng.AttachBridge(bridge.NewService(d("5"), 20*time.Millisecond, eng, zerolog.Nop()))

	tr, err := eng.BridgeOut(ctx, d("100"))
	if err != nil {
		t.Fatalf("bridge out: %v", err)
	}
	if !tr.Credit.Equal(d("95")) || tr.Status != engine.TransferPending {
		t.Errorf("transfer: credit %s status %s, want 95 PENDING", tr.Credit, tr.Status)
	}
	if got, want := balance(t, ctx, eng, domain.AssetUSDT).Free, d("99900"); !got.Equal(want) {
		t.Errorf("USDT after debit: got %s, want %s", got, want)
	}
	if got := balance(t, ctx, eng, domain.AssetUSDTSol).Free; !got.IsZero() {
		t.Errorf("bridged balance before settlement: got %s, want 0", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if got := balance(t, ctx, eng, domain.AssetUSDTSol).Free; got.Equal(d("95")) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("settlement credit never arrived")
		}
		time.Sleep(5 * time.Millisecond)
	}

	transfers, err := eng.Transfers(ctx)
	if err != nil {
		t.Fatalf("transfers: %v", err)
	}
	if len(transfers) != 1 || transfers[0].Status != engine.TransferSettled {
		t.Error("transfer not marked settled")
	}
}

func TestBridge_RejectsAmountBelowFee(t *testing.T) {
	eng, ctx := newTestEngine(t)
	eng.AttachBridge(bridge.NewService(d("5"), time.Millisecond, eng, zerolog.Nop()))

	if _, err := eng.BridgeOut(ctx, d("5")); !errors.Is(err, domain.ErrInvalidAmount) {
		t.Errorf("got %v, want ErrInvalidAmount", err)
	}
	if got, want := balance(t, ctx, eng, domain.AssetUSDT).Free, d("100000"); !got.Equal(want) {
		t.Errorf("rejected transfer mutated balance: got %s, want %s", got, want)
	}
}

func TestBridge_Unconfigured(t *testing.T) {
	eng, ctx := newTestEngine(t)
	if _, err := eng.BridgeOut(ctx, d("100")); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("got %v, want ErrInvalidState", err)
	}
}

func TestBridge_SettledTransfersPruned(t *testing.T) {
	eng, ctx := newTestEngine(t)
	eng.AttachBridge(bridge.NewService(d("1"), time.Millisecond, eng, zerolog.Nop()))

	const transfers = 55
	for i := 0; i < transfers; i++ {
		if _, err := eng.BridgeOut(ctx, d("10")); err != nil {
			t.Fatalf("bridge out %d: %v", i, err)
		}
	}

	// Every credit lands even for transfers the history later forgets.
	wantCredit := d("9").Mul(decimal.NewFromInt(transfers))
	deadline := time.Now().Add(5 * time.Second)
	for {
		if got := balance(t, ctx, eng, domain.AssetUSDTSol).Free; got.Equal(wantCredit) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("settlement credits never completed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	list, err := eng.Transfers(ctx)
	if err != nil {
		t.Fatalf("transfers: %v", err)
	}
	if len(list) != 50 {
		t.Fatalf("retained transfers: got %d, want 50", len(list))
	}
	for _, tr := range list {
		if tr.Status != engine.TransferSettled {
			t.Errorf("transfer %s: status %s, want settled", tr.ID, tr.Status)
		}
	}
}

func TestSubmitBridgeSettledReturnsAfterShutdown(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	eng := engine.New(zerolog.Nop(), metrics)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- eng.Run(ctx) }()
	cancel()
	<-runDone

	// More events than the inbox buffers; with nobody draining, every
	// submit must still return instead of parking its goroutine.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 2048; i++ {
			eng.SubmitBridgeSettled(event.BridgeSettled{
				Mode:   string(engine.ModePaper),
				Credit: d("1"),
				At:     time.Now(),
			})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("settlement submit blocked after engine shutdown")
	}
}

// ============================================================================
// Test: snapshot round trip
// ============================================================================

type captureSink struct {
	mu   sync.Mutex
	last *persistence.Snapshot
}

func (c *captureSink) Offer(s *persistence.Snapshot) {
	c.mu.Lock()
	c.last = s
	c.mu.Unlock()
}

func (c *captureSink) snapshot() *persistence.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func TestSnapshot_RestoreRoundTrip(t *testing.T) {
	sink := &captureSink{}
	eng, ctx := newTestEngine(t, engine.WithSnapshotSink(sink))

	sendTick(t, ctx, eng, btcUSDT, "50000", 1, t0)
	if _, err := eng.PlaceOrder(ctx, btcUSDT, spot.SideBuy, d("45000"), d("1")); err != nil {
		t.Fatalf("place order: %v", err)
	}
	if _, err := eng.OpenPosition(ctx, btcUSDT, futures.SideLong, d("1"), d("10"), nil, nil); err != nil {
		t.Fatalf("open position: %v", err)
	}
	if _, err := eng.AddLiquidity(ctx, domain.AssetUSDT, d("1000")); err != nil {
		t.Fatalf("add liquidity: %v", err)
	}
	if err := eng.Stake(ctx, d("400")); err != nil {
		t.Fatalf("stake: %v", err)
	}

	snap := sink.snapshot()
	if snap == nil {
		t.Fatal("no snapshot offered")
	}

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	restored := engine.New(zerolog.Nop(), metrics)
	if err := restored.Restore(snap); err != nil {
		t.Fatalf("restore: %v", err)
	}
	rctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go restored.Run(rctx)

	wantUSDT := balance(t, ctx, eng, domain.AssetUSDT)
	gotUSDT := balance(t, rctx, restored, domain.AssetUSDT)
	if !gotUSDT.Free.Equal(wantUSDT.Free) || !gotUSDT.Held.Equal(wantUSDT.Held) {
		t.Errorf("USDT: got %s/%s held, want %s/%s", gotUSDT.Free, gotUSDT.Held, wantUSDT.Free, wantUSDT.Held)
	}
	if got := len(mustOpenOrders(t, rctx, restored)); got != 1 {
		t.Errorf("restored open orders: got %d, want 1", got)
	}
	positions, err := restored.Positions(rctx)
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	if len(positions) != 1 || !positions[0].Margin.Equal(d("5000")) {
		t.Error("restored position mismatch")
	}
	staking, err := restored.Staking(rctx)
	if err != nil {
		t.Fatalf("staking: %v", err)
	}
	if !staking.Staked.Equal(d("400")) {
		t.Errorf("restored staked: got %s, want 400", staking.Staked)
	}
	prices, err := restored.Prices(rctx)
	if err != nil {
		t.Fatalf("prices: %v", err)
	}
	if !prices[btcUSDT].Equal(d("50000")) {
		t.Errorf("restored price: got %s, want 50000", prices[btcUSDT])
	}

	// Restored sequence numbers still shield against replayed ticks.
	sendTick(t, rctx, restored, btcUSDT, "44000", 1, t0.Add(time.Second))
	if got := len(mustOpenOrders(t, rctx, restored)); got != 1 {
		t.Errorf("replayed tick settled: open count %d, want 1", got)
	}
}
