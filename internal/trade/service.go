// Package trade provides the HTTP handlers for a game room: placing and
// cancelling orders, short selling and covering, subscribing to rights
// issues, and querying stocks, portfolios and ledgers.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/exchange-sim/internal/correlation"
	"github.com/atmx/exchange-sim/internal/dividend"
	"github.com/atmx/exchange-sim/internal/margin"
	"github.com/atmx/exchange-sim/internal/model"
	"github.com/atmx/exchange-sim/internal/order"
	"github.com/atmx/exchange-sim/internal/session"
)

// Service exposes one room over HTTP. The room serializes every request
// against the tick loop.
type Service struct {
	room     *session.Room
	throttle *Throttle
}

// NewService creates a new trade service.
// Pass nil for throttle to disable per-player rate limiting.
func NewService(room *session.Room, throttle *Throttle) *Service {
	return &Service{room: room, throttle: throttle}
}

// Routes registers the handlers on r, normally mounted at /api/v1.
func (s *Service) Routes(r chi.Router) {
	r.Get("/room", s.GetRoom)
	r.Get("/stocks", s.ListStocks)
	r.Get("/stocks/{stockID}", s.GetStock)
	r.Get("/stocks/{stockID}/short-interest", s.GetShortInterest)
	r.Get("/stocks/{stockID}/slippage", s.GetSlippage)
	r.Get("/stocks/{stockID}/dividends", s.GetDividendEvents)

	r.Post("/orders", s.PlaceOrder)
	r.Delete("/orders/{orderID}", s.CancelOrder)

	r.Get("/players/{playerID}", s.GetPortfolio)
	r.Get("/players/{playerID}/orders", s.GetPlayerOrders)
	r.Get("/players/{playerID}/shorts", s.GetPlayerShorts)
	r.Get("/players/{playerID}/dividends", s.GetPlayerDividends)
	r.Get("/players/{playerID}/ledger", s.GetPlayerLedger)

	r.Post("/shorts", s.ShortSell)
	r.Post("/shorts/{positionID}/cover", s.Cover)
	r.Post("/dividends/{eventID}/rights", s.SubscribeRights)
}

// --- Request/Response types ---

// OrderRequest is the JSON body for POST /orders.
type OrderRequest struct {
	PlayerID    string               `json:"player_id"`
	StockID     string               `json:"stock_id"`
	Side        model.Side           `json:"side"`
	Type        model.OrderType      `json:"type"`
	Price       decimal.Decimal      `json:"price"`
	Amount      int64                `json:"amount"`
	Stop        *model.StopCondition `json:"stop,omitempty"`
	IcebergSize int64                `json:"iceberg_size,omitempty"`
	ExpiresAt   int64                `json:"expires_at,omitempty"`
}

// ShortRequest is the JSON body for POST /shorts.
type ShortRequest struct {
	PlayerID string `json:"player_id"`
	StockID  string `json:"stock_id"`
	Amount   int64  `json:"amount"`
}

// PlayerRequest is the JSON body for actions that only name the player.
type PlayerRequest struct {
	PlayerID string `json:"player_id"`
}

// Portfolio is the valuation returned from GET /players/{playerID}.
type Portfolio struct {
	model.Player
	MarketValue     decimal.Decimal            `json:"market_value"`
	UnrealizedPnL   decimal.Decimal            `json:"unrealized_pnl"` // long holdings vs cost basis
	ShortPnL        decimal.Decimal            `json:"short_pnl"`
	LockedMargin    decimal.Decimal            `json:"locked_margin"`
	NetWorth        decimal.Decimal            `json:"net_worth"`
	HoldingsByStock map[string]decimal.Decimal `json:"holdings_by_stock"` // stockID → market value
}

// --- HTTP Handlers ---

// GetRoom handles GET /api/v1/room
func (s *Service) GetRoom(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"id":   s.room.ID(),
		"tick": s.room.CurrentTick(),
	})
}

// ListStocks handles GET /api/v1/stocks
// Returns all stocks, optionally filtered by ?sector=<sector>.
func (s *Service) ListStocks(w http.ResponseWriter, r *http.Request) {
	stocks := s.room.Stocks()
	if sector := r.URL.Query().Get("sector"); sector != "" {
		filtered := []model.Stock{}
		for _, st := range stocks {
			if st.Sector == sector {
				filtered = append(filtered, st)
			}
		}
		stocks = filtered
	}
	writeJSON(w, http.StatusOK, stocks)
}

// GetStock handles GET /api/v1/stocks/{stockID}
func (s *Service) GetStock(w http.ResponseWriter, r *http.Request) {
	stock, ok := s.room.Stock(chi.URLParam(r, "stockID"))
	if !ok {
		writeError(w, "stock not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stock":     stock,
		"imbalance": s.room.Imbalance(stock.ID),
	})
}

// GetShortInterest handles GET /api/v1/stocks/{stockID}/short-interest
func (s *Service) GetShortInterest(w http.ResponseWriter, r *http.Request) {
	si, err := s.room.ShortInterest(chi.URLParam(r, "stockID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, si)
}

// GetSlippage handles GET /api/v1/stocks/{stockID}/slippage?side=&amount=
func (s *Service) GetSlippage(w http.ResponseWriter, r *http.Request) {
	side := model.Side(r.URL.Query().Get("side"))
	if !side.Valid() {
		writeError(w, "side must be buy or sell", http.StatusBadRequest)
		return
	}
	amount, err := strconv.ParseInt(r.URL.Query().Get("amount"), 10, 64)
	if err != nil || amount <= 0 {
		writeError(w, "amount must be a positive integer", http.StatusBadRequest)
		return
	}
	stockID := chi.URLParam(r, "stockID")
	slip, err := s.room.Slippage(stockID, side, amount)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stock_id": stockID,
		"side":     side,
		"amount":   amount,
		"slippage": slip,
	})
}

// GetDividendEvents handles GET /api/v1/stocks/{stockID}/dividends
func (s *Service) GetDividendEvents(w http.ResponseWriter, r *http.Request) {
	stockID := chi.URLParam(r, "stockID")
	if _, ok := s.room.Stock(stockID); !ok {
		writeError(w, "stock not found", http.StatusNotFound)
		return
	}
	evs := s.room.DividendEvents(stockID)
	if evs == nil {
		evs = []model.DividendEvent{}
	}
	writeJSON(w, http.StatusOK, evs)
}

// PlaceOrder handles POST /api/v1/orders
// Validates, creates and, when marketable, immediately fills the order.
func (s *Service) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// --- Input validation ---
	if req.PlayerID == "" || req.StockID == "" {
		writeError(w, "player_id and stock_id are required", http.StatusBadRequest)
		return
	}
	if !s.throttle.Allow(req.PlayerID) {
		writeError(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	res, err := s.room.PlaceOrder(r.Context(), model.OrderParams{
		PlayerID:    req.PlayerID,
		StockID:     req.StockID,
		Side:        req.Side,
		Type:        req.Type,
		Price:       req.Price,
		Amount:      req.Amount,
		Stop:        req.Stop,
		IcebergSize: req.IcebergSize,
		ExpiresAt:   req.ExpiresAt,
	})
	if err != nil && res == nil {
		writeErr(w, err)
		return
	}
	if err != nil {
		// The order stands; only persistence failed.
		slog.Error("order persisted partially", "order_id", res.Order.ID, "err", err)
	}

	slog.Info("order placed",
		"order_id", res.Order.ID,
		"player", req.PlayerID,
		"stock", req.StockID,
		"type", req.Type,
		"side", req.Side,
		"amount", req.Amount,
		"status", res.Order.Status,
	)
	writeJSON(w, http.StatusCreated, res)
}

// CancelOrder handles DELETE /api/v1/orders/{orderID}?player_id=
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	playerID := r.URL.Query().Get("player_id")
	if playerID == "" {
		writeError(w, "player_id is required", http.StatusBadRequest)
		return
	}
	orderID := chi.URLParam(r, "orderID")
	if err := s.room.CancelOrder(r.Context(), playerID, orderID); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetPortfolio handles GET /api/v1/players/{playerID}
// Returns the player with holdings valued at current prices.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	p, ok := s.room.Player(chi.URLParam(r, "playerID"))
	if !ok {
		writeError(w, "player not found", http.StatusNotFound)
		return
	}

	prices := make(map[string]*model.Stock)
	for _, st := range s.room.Stocks() {
		prices[st.ID] = &st
	}

	pf := Portfolio{
		Player:          p,
		MarketValue:     decimal.Zero,
		UnrealizedPnL:   decimal.Zero,
		ShortPnL:        decimal.Zero,
		LockedMargin:    decimal.Zero,
		HoldingsByStock: make(map[string]decimal.Decimal),
	}
	for id, e := range correlation.Exposures(&p, prices) {
		shares := decimal.NewFromInt(p.Holding(id))
		pf.HoldingsByStock[id] = model.RoundMoney(e.Value)
		pf.MarketValue = pf.MarketValue.Add(e.Value)
		pf.UnrealizedPnL = pf.UnrealizedPnL.Add(e.Value.Sub(p.CostBasis[id].Mul(shares)))
	}
	for _, pos := range s.room.PlayerPositions(p.ID) {
		pf.ShortPnL = pf.ShortPnL.Add(pos.UnrealizedProfit)
	}
	if acct, ok := s.room.MarginAccount(p.ID); ok {
		pf.LockedMargin = acct.UsedMargin
	}
	pf.MarketValue = model.RoundMoney(pf.MarketValue)
	pf.UnrealizedPnL = model.RoundMoney(pf.UnrealizedPnL)
	pf.NetWorth = model.RoundMoney(p.Cash.Sub(p.Debt).
		Add(pf.MarketValue).
		Add(pf.LockedMargin).
		Add(pf.ShortPnL))

	writeJSON(w, http.StatusOK, pf)
}

// GetPlayerOrders handles GET /api/v1/players/{playerID}/orders
// Optionally filtered by ?status=<status>.
func (s *Service) GetPlayerOrders(w http.ResponseWriter, r *http.Request) {
	orders := s.room.PlayerOrders(chi.URLParam(r, "playerID"))
	status := model.OrderStatus(r.URL.Query().Get("status"))
	out := []model.Order{}
	for _, o := range orders {
		if status == "" || o.Status == status {
			out = append(out, o)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// GetPlayerShorts handles GET /api/v1/players/{playerID}/shorts
func (s *Service) GetPlayerShorts(w http.ResponseWriter, r *http.Request) {
	playerID := chi.URLParam(r, "playerID")
	positions := s.room.PlayerPositions(playerID)
	if positions == nil {
		positions = []model.ShortPosition{}
	}
	resp := map[string]any{"positions": positions}
	if acct, ok := s.room.MarginAccount(playerID); ok {
		resp["account"] = acct
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetPlayerDividends handles GET /api/v1/players/{playerID}/dividends
func (s *Service) GetPlayerDividends(w http.ResponseWriter, r *http.Request) {
	recs := s.room.PlayerDividends(chi.URLParam(r, "playerID"))
	if recs == nil {
		recs = []model.DividendRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// GetPlayerLedger handles GET /api/v1/players/{playerID}/ledger
func (s *Service) GetPlayerLedger(w http.ResponseWriter, r *http.Request) {
	entries, err := s.room.Ledger(r.Context(), chi.URLParam(r, "playerID"))
	if err != nil {
		writeError(w, "failed to load ledger", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// ShortSell handles POST /api/v1/shorts
func (s *Service) ShortSell(w http.ResponseWriter, r *http.Request) {
	var req ShortRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.PlayerID == "" || req.StockID == "" {
		writeError(w, "player_id and stock_id are required", http.StatusBadRequest)
		return
	}
	if !s.throttle.Allow(req.PlayerID) {
		writeError(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	res, err := s.room.ShortSell(r.Context(), req.PlayerID, req.StockID, req.Amount)
	if err != nil && res == nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// Cover handles POST /api/v1/shorts/{positionID}/cover
func (s *Service) Cover(w http.ResponseWriter, r *http.Request) {
	var req PlayerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PlayerID == "" {
		writeError(w, "player_id is required", http.StatusBadRequest)
		return
	}
	if !s.throttle.Allow(req.PlayerID) {
		writeError(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	res, err := s.room.Cover(r.Context(), req.PlayerID, chi.URLParam(r, "positionID"))
	if err != nil && res == nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// SubscribeRights handles POST /api/v1/dividends/{eventID}/rights
func (s *Service) SubscribeRights(w http.ResponseWriter, r *http.Request) {
	var req PlayerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PlayerID == "" {
		writeError(w, "player_id is required", http.StatusBadRequest)
		return
	}

	issue, err := s.room.SubscribeRights(r.Context(), req.PlayerID, chi.URLParam(r, "eventID"))
	if err != nil && issue == nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, issue)
}

// --- Helpers ---

// statusFor maps a domain error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrUnknownPlayer),
		errors.Is(err, session.ErrUnknownStock),
		errors.Is(err, order.ErrNotFound),
		errors.Is(err, margin.ErrPositionNotFound),
		errors.Is(err, dividend.ErrEventNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, order.ErrInvalidAmount),
		errors.Is(err, order.ErrInvalidPrice),
		errors.Is(err, order.ErrInvalidSide),
		errors.Is(err, order.ErrInvalidType),
		errors.Is(err, order.ErrMissingStop),
		errors.Is(err, order.ErrInvalidStop),
		errors.Is(err, order.ErrInvalidIceberg),
		errors.Is(err, margin.ErrInvalidAmount),
		errors.Is(err, margin.ErrInvalidPrice):
		return http.StatusBadRequest
	case errors.Is(err, order.ErrInsufficientFunds),
		errors.Is(err, order.ErrInsufficientShares),
		errors.Is(err, margin.ErrInsufficientPool),
		errors.Is(err, margin.ErrInsufficientMargin),
		errors.Is(err, margin.ErrLeverageExceeded),
		errors.Is(err, margin.ErrPositionClosed),
		errors.Is(err, correlation.ErrPerStockLimitExceeded),
		errors.Is(err, correlation.ErrSectorLimitExceeded),
		errors.Is(err, session.ErrNotCancellable),
		errors.Is(err, session.ErrRightsUnavailable),
		errors.Is(err, session.ErrAlreadySubscribed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeErr writes err with its mapped status. Internal errors are logged and
// not echoed.
func writeErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
