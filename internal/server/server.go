// Package server exposes the engine over a JSON HTTP API plus a WebSocket
// tick stream. Handlers only parse, submit to the engine, and render; all
// validation and settlement lives behind the engine inbox.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"DeskSim/internal/domain"
	"DeskSim/internal/engine"
	"DeskSim/internal/futures"
	"DeskSim/internal/marketdata"
	"DeskSim/internal/observability"
	"DeskSim/internal/spot"
)

// MarketData serves the display-only market context endpoints. Implemented
// by marketdata.Service and its Redis-cached wrapper.
type MarketData interface {
	Depth(ctx context.Context, pair domain.Pair, price decimal.Decimal, at time.Time) marketdata.Depth
	Trades(ctx context.Context, pair domain.Pair) []marketdata.Trade
	Stats(ctx context.Context, pair domain.Pair) marketdata.Stats
}

// Server wires the chi router around the engine.
type Server struct {
	eng     *engine.Engine
	md      MarketData
	hub     *Hub
	log     zerolog.Logger
	metrics *observability.Metrics
}

func New(eng *engine.Engine, md MarketData, hub *Hub, log zerolog.Logger, metrics *observability.Metrics) *Server {
	return &Server{eng: eng, md: md, hub: hub, log: log, metrics: metrics}
}

// Router builds the full route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/mode", s.handleGetMode)
		r.Put("/mode", s.handleSwitchMode)
		r.Post("/reset", s.handleReset)

		r.Get("/balances", s.handleBalances)
		r.Post("/deposit", s.handleDeposit)
		r.Get("/prices", s.handlePrices)
		r.Get("/portfolio", s.handlePortfolio)

		r.Post("/orders", s.handlePlaceOrder)
		r.Get("/orders", s.handleOpenOrders)
		r.Delete("/orders/{id}", s.handleCancelOrder)
		r.Get("/history", s.handleHistory)

		r.Post("/positions", s.handleOpenPosition)
		r.Get("/positions", s.handlePositions)
		r.Post("/positions/{id}/close", s.handleClosePosition)

		r.Get("/pool", s.handlePool)
		r.Post("/pool/deposit", s.handlePoolDeposit)
		r.Post("/pool/withdraw", s.handlePoolWithdraw)

		r.Get("/lending", s.handleLending)
		r.Post("/lending/supply", s.handleSupply)
		r.Post("/lending/withdraw", s.handleWithdrawCollateral)
		r.Post("/lending/borrow", s.handleBorrow)
		r.Post("/lending/repay", s.handleRepay)

		r.Get("/staking", s.handleStaking)
		r.Post("/staking/stake", s.handleStake)
		r.Post("/staking/unstake", s.handleUnstake)
		r.Post("/staking/claim", s.handleClaim)

		r.Get("/bots", s.handleBots)
		r.Post("/bots", s.handleCreateBot)
		r.Put("/bots/{id}/active", s.handleSetBotActive)
		r.Delete("/bots/{id}", s.handleRemoveBot)

		r.Get("/bridge", s.handleTransfers)
		r.Post("/bridge", s.handleBridgeOut)

		r.Get("/markets/{pair}/depth", s.handleDepth)
		r.Get("/markets/{pair}/trades", s.handleTrades)
		r.Get("/markets/{pair}/stats", s.handleStats)

		r.Get("/stream", s.hub.handleWS)
	})

	return r
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		s.metrics.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		s.metrics.HTTPDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

// --- Rendering helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

// writeError maps domain sentinels onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var status int
	switch {
	case errors.Is(err, domain.ErrInvalidAmount):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrInsufficientBalance), errors.Is(err, domain.ErrInsufficientLiquidity):
		status = http.StatusUnprocessableEntity
	default:
		status = http.StatusInternalServerError
		s.log.Error().Err(err).Msg("internal error")
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: malformed request body: %v", domain.ErrInvalidAmount, err)
	}
	return nil
}

func pathID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: malformed id %q", domain.ErrNotFound, chi.URLParam(r, "id"))
	}
	return id, nil
}

// pathPair parses the URL form BASE-QUOTE (a slash would split the route).
func pathPair(r *http.Request) (domain.Pair, error) {
	symbol := strings.ReplaceAll(chi.URLParam(r, "pair"), "-", "/")
	return domain.ParsePair(symbol)
}

// --- Mode ---

func (s *Server) handleGetMode(w http.ResponseWriter, r *http.Request) {
	mode, err := s.eng.ActiveMode(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"mode": string(mode)})
}

func (s *Server) handleSwitchMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	mode, err := engine.ParseMode(req.Mode)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.eng.SwitchMode(r.Context(), mode); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"mode": string(mode)})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	mode, err := engine.ParseMode(req.Mode)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.eng.ResetAccount(r.Context(), mode); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"mode": string(mode), "status": "reset"})
}

// --- Wallet / portfolio ---

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	rows, err := s.eng.Balances(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	s.assetAmountOp(w, r, s.eng.Deposit)
}

func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	prices, err := s.eng.Prices(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make(map[string]decimal.Decimal, len(prices))
	for p, v := range prices {
		out[p.String()] = v
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	view, err := s.eng.Portfolio(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// --- Spot ---

type orderResponse struct {
	ID         uuid.UUID       `json:"id"`
	Pair       string          `json:"pair"`
	Side       string          `json:"side"`
	LimitPrice decimal.Decimal `json:"limit_price"`
	Amount     decimal.Decimal `json:"amount"`
	Total      decimal.Decimal `json:"total"`
	Status     string          `json:"status"`
	Bot        bool            `json:"bot"`
	CreatedAt  time.Time       `json:"created_at"`
	FilledAt   *time.Time      `json:"filled_at,omitempty"`
}

func renderOrder(o spot.Order) orderResponse {
	return orderResponse{
		ID:         o.ID,
		Pair:       o.Pair.String(),
		Side:       o.Side.String(),
		LimitPrice: o.LimitPrice,
		Amount:     o.Amount,
		Total:      o.Total,
		Status:     o.Status.String(),
		Bot:        o.OwnerBotID != nil,
		CreatedAt:  o.CreatedAt,
		FilledAt:   o.FilledAt,
	}
}

func renderOrders(orders []spot.Order) []orderResponse {
	out := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		out = append(out, renderOrder(o))
	}
	return out
}

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Pair       string          `json:"pair"`
		Side       string          `json:"side"`
		LimitPrice decimal.Decimal `json:"limit_price"`
		Amount     decimal.Decimal `json:"amount"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	pair, err := domain.ParsePair(req.Pair)
	if err != nil {
		s.writeError(w, err)
		return
	}
	side, err := spot.ParseSide(req.Side)
	if err != nil {
		s.writeError(w, err)
		return
	}
	placed, err := s.eng.PlaceOrder(r.Context(), pair, side, req.LimitPrice, req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, renderOrder(placed))
}

func (s *Server) handleOpenOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.eng.OpenOrders(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderOrders(orders))
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	cancelled, err := s.eng.CancelOrder(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderOrder(cancelled))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	records, err := s.eng.History(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderOrders(records))
}

// --- Futures ---

type positionResponse struct {
	ID               uuid.UUID       `json:"id"`
	Pair             string          `json:"pair"`
	Side             string          `json:"side"`
	Size             decimal.Decimal `json:"size"`
	Leverage         decimal.Decimal `json:"leverage"`
	EntryPrice       decimal.Decimal `json:"entry_price"`
	Margin           decimal.Decimal `json:"margin"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price"`
	UnrealizedPnl    decimal.Decimal `json:"unrealized_pnl"`
	StopLoss         *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit       *decimal.Decimal `json:"take_profit,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

func renderPosition(p futures.Position) positionResponse {
	return positionResponse{
		ID:               p.ID,
		Pair:             p.Pair.String(),
		Side:             p.Side.String(),
		Size:             p.Size,
		Leverage:         p.Leverage,
		EntryPrice:       p.EntryPrice,
		Margin:           p.Margin,
		LiquidationPrice: p.LiquidationPrice,
		UnrealizedPnl:    p.UnrealizedPnl,
		StopLoss:         p.StopLoss,
		TakeProfit:       p.TakeProfit,
		CreatedAt:        p.CreatedAt,
	}
}

func (s *Server) handleOpenPosition(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Pair       string           `json:"pair"`
		Side       string           `json:"side"`
		Size       decimal.Decimal  `json:"size"`
		Leverage   decimal.Decimal  `json:"leverage"`
		StopLoss   *decimal.Decimal `json:"stop_loss"`
		TakeProfit *decimal.Decimal `json:"take_profit"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	pair, err := domain.ParsePair(req.Pair)
	if err != nil {
		s.writeError(w, err)
		return
	}
	side, err := futures.ParseSide(req.Side)
	if err != nil {
		s.writeError(w, err)
		return
	}
	opened, err := s.eng.OpenPosition(r.Context(), pair, side, req.Size, req.Leverage, req.StopLoss, req.TakeProfit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, renderPosition(opened))
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.eng.Positions(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]positionResponse, 0, len(positions))
	for _, p := range positions {
		out = append(out, renderPosition(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	closed, err := s.eng.ClosePosition(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderPosition(closed))
}

// --- Liquidity pool ---

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	view, err := s.eng.Pool(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type assetAmountReq struct {
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

func parseAssetAmount(r *http.Request) (domain.Asset, decimal.Decimal, error) {
	var req assetAmountReq
	if err := decode(r, &req); err != nil {
		return 0, decimal.Zero, err
	}
	asset, ok := domain.ParseAsset(req.Asset)
	if !ok {
		return 0, decimal.Zero, fmt.Errorf("%w: unknown asset %q", domain.ErrNotFound, req.Asset)
	}
	return asset, req.Amount, nil
}

func (s *Server) handlePoolDeposit(w http.ResponseWriter, r *http.Request) {
	asset, amount, err := parseAssetAmount(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	minted, err := s.eng.AddLiquidity(r.Context(), asset, amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"minted_shares": minted})
}

func (s *Server) handlePoolWithdraw(w http.ResponseWriter, r *http.Request) {
	asset, amount, err := parseAssetAmount(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	payout, err := s.eng.RemoveLiquidity(r.Context(), asset, amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"payout": payout})
}

// --- Lending ---

func (s *Server) handleLending(w http.ResponseWriter, r *http.Request) {
	view, err := s.eng.Lending(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) assetAmountOp(w http.ResponseWriter, r *http.Request, op func(context.Context, domain.Asset, decimal.Decimal) error) {
	asset, amount, err := parseAssetAmount(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := op(r.Context(), asset, amount); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSupply(w http.ResponseWriter, r *http.Request) {
	s.assetAmountOp(w, r, s.eng.Supply)
}

func (s *Server) handleWithdrawCollateral(w http.ResponseWriter, r *http.Request) {
	s.assetAmountOp(w, r, s.eng.WithdrawCollateral)
}

func (s *Server) handleBorrow(w http.ResponseWriter, r *http.Request) {
	s.assetAmountOp(w, r, s.eng.Borrow)
}

func (s *Server) handleRepay(w http.ResponseWriter, r *http.Request) {
	s.assetAmountOp(w, r, s.eng.Repay)
}

// --- Staking ---

func (s *Server) handleStaking(w http.ResponseWriter, r *http.Request) {
	view, err := s.eng.Staking(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) stakingOp(w http.ResponseWriter, r *http.Request, op func(context.Context, decimal.Decimal) error) {
	var req struct {
		Amount decimal.Decimal `json:"amount"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := op(r.Context(), req.Amount); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStake(w http.ResponseWriter, r *http.Request) {
	s.stakingOp(w, r, s.eng.Stake)
}

func (s *Server) handleUnstake(w http.ResponseWriter, r *http.Request) {
	s.stakingOp(w, r, s.eng.Unstake)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	claimed, err := s.eng.ClaimRewards(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"claimed": claimed})
}

// --- Bots ---

func (s *Server) handleBots(w http.ResponseWriter, r *http.Request) {
	bots, err := s.eng.Bots(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bots)
}

func (s *Server) handleCreateBot(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Pair         string          `json:"pair"`
		RangeLower   decimal.Decimal `json:"range_lower"`
		RangeUpper   decimal.Decimal `json:"range_upper"`
		SpreadPct    decimal.Decimal `json:"spread_pct"`
		OrderAmount  decimal.Decimal `json:"order_amount"`
		InitialQuote decimal.Decimal `json:"initial_quote"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	pair, err := domain.ParsePair(req.Pair)
	if err != nil {
		s.writeError(w, err)
		return
	}
	created, err := s.eng.CreateBot(r.Context(), engine.BotParams{
		Pair:         pair,
		RangeLower:   req.RangeLower,
		RangeUpper:   req.RangeUpper,
		SpreadPct:    req.SpreadPct,
		OrderAmount:  req.OrderAmount,
		InitialQuote: req.InitialQuote,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleSetBotActive(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req struct {
		Active bool `json:"active"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.eng.SetBotActive(r.Context(), id, req.Active); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"active": req.Active})
}

func (s *Server) handleRemoveBot(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	returned, err := s.eng.RemoveBot(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, returned)
}

// --- Bridge ---

func (s *Server) handleTransfers(w http.ResponseWriter, r *http.Request) {
	transfers, err := s.eng.Transfers(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transfers)
}

func (s *Server) handleBridgeOut(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount decimal.Decimal `json:"amount"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	tr, err := s.eng.BridgeOut(r.Context(), req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tr)
}

// --- Market data ---

func (s *Server) handleDepth(w http.ResponseWriter, r *http.Request) {
	pair, err := pathPair(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	prices, err := s.eng.Prices(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.md.Depth(r.Context(), pair, prices[pair], time.Now()))
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	pair, err := pathPair(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.md.Trades(r.Context(), pair))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	pair, err := pathPair(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.md.Stats(r.Context(), pair))
}
