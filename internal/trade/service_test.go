package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/exchange-sim/internal/margin"
	"github.com/atmx/exchange-sim/internal/market"
	"github.com/atmx/exchange-sim/internal/model"
	"github.com/atmx/exchange-sim/internal/session"
	"github.com/atmx/exchange-sim/internal/store"
	"github.com/atmx/exchange-sim/internal/trade"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestEnv creates a room with one still stock, two players, an in-memory
// store and a chi router.
func newTestEnv(t *testing.T, throttle *trade.Throttle) (*session.Room, *store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	room := session.New(session.Config{
		RoomID:   "room",
		Settings: model.DefaultSettings(),
		Market:   market.DefaultConfig(),
		Seed:     1,
	}, ms, nil)

	err := room.AddStock(model.Stock{
		ID:          "acme",
		Symbol:      "ACME",
		Sector:      "technology",
		Price:       d(50),
		TotalShares: 100000,
		Bids:        []model.BookLevel{{Price: d(49.9), Volume: 100}},
		Asks:        []model.BookLevel{{Price: d(50.1), Volume: 100}, {Price: d(50.2), Volume: 100}},
	})
	if err != nil {
		t.Fatalf("failed to seed stock: %v", err)
	}
	room.AddPlayer(model.NewPlayer("alice", "Alice", d(10000)))
	room.AddPlayer(model.NewPlayer("bob", "Bob", d(100)))

	svc := trade.NewService(room, throttle)
	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	return room, ms, r
}

func do(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("invalid JSON %q: %v", w.Body.String(), err)
	}
	return v
}

// --- Order tests ---

func TestPlaceOrder_MarketBuy(t *testing.T) {
	_, ms, router := newTestEnv(t, nil)

	w := do(t, router, "POST", "/api/v1/orders", trade.OrderRequest{
		PlayerID: "alice", StockID: "acme", Side: model.SideBuy, Type: model.OrderMarket, Amount: 10,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	resp := decode[session.PlaceResult](t, w)
	if resp.Order.ID == "" || resp.Order.Status != model.StatusFilled {
		t.Errorf("expected a filled order, got %+v", resp.Order)
	}
	if resp.Execution == nil || !resp.Execution.Notional.Equal(d(501)) {
		t.Errorf("expected notional 501, got %+v", resp.Execution)
	}

	entries, _ := ms.GetLedgerEntriesByPlayer(context.Background(), "room", "alice")
	if len(entries) != 1 {
		t.Errorf("expected one ledger entry, got %d", len(entries))
	}
}

func TestPlaceOrder_Validation(t *testing.T) {
	_, _, router := newTestEnv(t, nil)

	tests := []struct {
		name string
		req  trade.OrderRequest
		want int
	}{
		{"missing player", trade.OrderRequest{StockID: "acme", Side: model.SideBuy, Type: model.OrderMarket, Amount: 1}, http.StatusBadRequest},
		{"zero amount", trade.OrderRequest{PlayerID: "alice", StockID: "acme", Side: model.SideBuy, Type: model.OrderMarket}, http.StatusBadRequest},
		{"limit without price", trade.OrderRequest{PlayerID: "alice", StockID: "acme", Side: model.SideBuy, Type: model.OrderLimit, Amount: 1}, http.StatusBadRequest},
		{"bad stop direction", trade.OrderRequest{PlayerID: "alice", StockID: "acme", Side: model.SideBuy, Type: model.OrderStopLoss, Amount: 1,
			Stop: &model.StopCondition{TriggerPrice: d(60), Direction: "sideways"}}, http.StatusBadRequest},
		{"unknown stock", trade.OrderRequest{PlayerID: "alice", StockID: "nope", Side: model.SideBuy, Type: model.OrderMarket, Amount: 1}, http.StatusNotFound},
		{"unknown player", trade.OrderRequest{PlayerID: "carol", StockID: "acme", Side: model.SideBuy, Type: model.OrderMarket, Amount: 1}, http.StatusNotFound},
		{"no cash", trade.OrderRequest{PlayerID: "bob", StockID: "acme", Side: model.SideBuy, Type: model.OrderMarket, Amount: 10}, http.StatusConflict},
		{"no shares", trade.OrderRequest{PlayerID: "alice", StockID: "acme", Side: model.SideSell, Type: model.OrderMarket, Amount: 1}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, "POST", "/api/v1/orders", tt.req)
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestPlaceOrder_InvalidBody(t *testing.T) {
	_, _, router := newTestEnv(t, nil)

	req := httptest.NewRequest("POST", "/api/v1/orders", bytes.NewReader([]byte("{")))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestPlaceOrder_Throttled(t *testing.T) {
	_, _, router := newTestEnv(t, trade.NewThrottle(0.001, 1))

	req := trade.OrderRequest{
		PlayerID: "alice", StockID: "acme", Side: model.SideBuy, Type: model.OrderLimit, Price: d(40), Amount: 1,
	}
	if w := do(t, router, "POST", "/api/v1/orders", req); w.Code != http.StatusCreated {
		t.Fatalf("first request should pass, got %d", w.Code)
	}
	if w := do(t, router, "POST", "/api/v1/orders", req); w.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", w.Code)
	}
	req.PlayerID = "bob"
	if w := do(t, router, "POST", "/api/v1/orders", req); w.Code != http.StatusCreated {
		t.Errorf("other players have their own bucket, got %d", w.Code)
	}
}

func TestCancelOrder(t *testing.T) {
	_, _, router := newTestEnv(t, nil)

	w := do(t, router, "POST", "/api/v1/orders", trade.OrderRequest{
		PlayerID: "alice", StockID: "acme", Side: model.SideBuy, Type: model.OrderLimit, Price: d(45), Amount: 10,
	})
	placed := decode[session.PlaceResult](t, w)
	path := "/api/v1/orders/" + placed.Order.ID

	if w := do(t, router, "DELETE", path, nil); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without player_id, got %d", w.Code)
	}
	if w := do(t, router, "DELETE", path+"?player_id=bob", nil); w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for another player, got %d", w.Code)
	}
	if w := do(t, router, "DELETE", path+"?player_id=alice", nil); w.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d: %s", w.Code, w.Body.String())
	}
	if w := do(t, router, "DELETE", path+"?player_id=alice", nil); w.Code != http.StatusConflict {
		t.Errorf("expected 409 for a cancelled order, got %d", w.Code)
	}

	w = do(t, router, "GET", "/api/v1/players/alice/orders?status=cancelled", nil)
	if orders := decode[[]model.Order](t, w); len(orders) != 1 {
		t.Errorf("expected one cancelled order, got %d", len(orders))
	}
}

// --- Short tests ---

func TestShortAndCover(t *testing.T) {
	_, _, router := newTestEnv(t, nil)

	w := do(t, router, "POST", "/api/v1/shorts", trade.ShortRequest{PlayerID: "alice", StockID: "acme", Amount: 100})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	short := decode[margin.ShortResult](t, w)
	if !short.MarginRequired.Equal(d(2500)) || !short.Position.MarginCallPrice.Equal(d(85)) {
		t.Errorf("expected margin 2500 and call price 85, got %+v", short)
	}

	w = do(t, router, "GET", "/api/v1/players/alice/shorts", nil)
	var shorts struct {
		Positions []model.ShortPosition `json:"positions"`
		Account   model.MarginAccount   `json:"account"`
	}
	json.Unmarshal(w.Body.Bytes(), &shorts)
	if len(shorts.Positions) != 1 || !shorts.Account.UsedMargin.Equal(d(2500)) {
		t.Errorf("unexpected shorts view %s", w.Body.String())
	}

	cover := "/api/v1/shorts/" + short.Position.ID + "/cover"
	if w := do(t, router, "POST", cover, trade.PlayerRequest{PlayerID: "bob"}); w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}
	w = do(t, router, "POST", cover, trade.PlayerRequest{PlayerID: "alice"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if res := decode[margin.CoverResult](t, w); !res.Credit.Equal(d(2495)) {
		t.Errorf("expected credit 2495, got %s", res.Credit)
	}
	if w := do(t, router, "POST", cover, trade.PlayerRequest{PlayerID: "alice"}); w.Code != http.StatusConflict {
		t.Errorf("expected 409 for a closed position, got %d", w.Code)
	}
}

func TestShortSell_Rejections(t *testing.T) {
	_, _, router := newTestEnv(t, nil)

	if w := do(t, router, "POST", "/api/v1/shorts", trade.ShortRequest{PlayerID: "bob", StockID: "acme", Amount: 100}); w.Code != http.StatusConflict {
		t.Errorf("expected 409 for insufficient margin, got %d", w.Code)
	}
	if w := do(t, router, "POST", "/api/v1/shorts", trade.ShortRequest{PlayerID: "alice", StockID: "acme", Amount: 30000}); w.Code != http.StatusConflict {
		t.Errorf("expected 409 beyond the borrow pool, got %d", w.Code)
	}
	if w := do(t, router, "POST", "/api/v1/shorts", trade.ShortRequest{PlayerID: "alice", StockID: "acme"}); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for zero amount, got %d", w.Code)
	}
	if w := do(t, router, "POST", "/api/v1/shorts/missing/cover", trade.PlayerRequest{PlayerID: "alice"}); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

// --- Query tests ---

func TestStocksAndMarketData(t *testing.T) {
	_, _, router := newTestEnv(t, nil)

	w := do(t, router, "GET", "/api/v1/stocks?sector=technology", nil)
	if stocks := decode[[]model.Stock](t, w); len(stocks) != 1 || stocks[0].Symbol != "ACME" {
		t.Errorf("unexpected stocks %s", w.Body.String())
	}
	w = do(t, router, "GET", "/api/v1/stocks?sector=energy", nil)
	if stocks := decode[[]model.Stock](t, w); len(stocks) != 0 {
		t.Errorf("expected empty filter result, got %d", len(stocks))
	}
	if w := do(t, router, "GET", "/api/v1/stocks/nope", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}

	w = do(t, router, "GET", "/api/v1/stocks/acme/short-interest", nil)
	if si := decode[margin.ShortInterest](t, w); si.Available != 20000 {
		t.Errorf("expected 20000 borrowable, got %d", si.Available)
	}

	w = do(t, router, "GET", "/api/v1/stocks/acme/slippage?side=buy&amount=200", nil)
	var slip struct {
		Slippage decimal.Decimal `json:"slippage"`
	}
	json.Unmarshal(w.Body.Bytes(), &slip)
	if w.Code != http.StatusOK || !slip.Slippage.Equal(d(0.1)) {
		t.Errorf("expected 0.1%% slippage, got %d %s", w.Code, w.Body.String())
	}
	if w := do(t, router, "GET", "/api/v1/stocks/acme/slippage?side=up&amount=1", nil); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad side, got %d", w.Code)
	}
	if w := do(t, router, "GET", "/api/v1/stocks/acme/slippage?side=buy&amount=x", nil); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad amount, got %d", w.Code)
	}
}

func TestGetPortfolio(t *testing.T) {
	_, _, router := newTestEnv(t, nil)

	do(t, router, "POST", "/api/v1/orders", trade.OrderRequest{
		PlayerID: "alice", StockID: "acme", Side: model.SideBuy, Type: model.OrderMarket, Amount: 10,
	})

	w := do(t, router, "GET", "/api/v1/players/alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	pf := decode[trade.Portfolio](t, w)
	// 10 shares at the last price of 50, bought at 50.10.
	if !pf.MarketValue.Equal(d(500)) || !pf.UnrealizedPnL.Equal(d(-1)) {
		t.Errorf("expected value 500 and pnl -1, got %s / %s", pf.MarketValue, pf.UnrealizedPnL)
	}
	if !pf.NetWorth.Equal(d(9998.85)) {
		t.Errorf("expected net worth 9998.85, got %s", pf.NetWorth)
	}
	if pf.Holding("acme") != 10 {
		t.Errorf("embedded player should carry holdings, got %v", pf.Portfolio)
	}

	if w := do(t, router, "GET", "/api/v1/players/nobody", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestPlayerLedgerAndDividends(t *testing.T) {
	room, _, router := newTestEnv(t, nil)

	do(t, router, "POST", "/api/v1/orders", trade.OrderRequest{
		PlayerID: "alice", StockID: "acme", Side: model.SideBuy, Type: model.OrderMarket, Amount: 10,
	})
	room.ScheduleDividend(model.DividendEvent{
		ID: "ev1", StockID: "acme", RecordTick: 1, PaymentTick: 1,
		DividendPerShare: d(0.5), RightsRatio: d(0.5), RightsPrice: d(40),
	})
	if _, err := room.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	w := do(t, router, "GET", "/api/v1/players/alice/dividends", nil)
	recs := decode[[]model.DividendRecord](t, w)
	if len(recs) != 1 || !recs[0].Amount.Equal(d(5)) {
		t.Fatalf("expected a 5.00 dividend, got %s", w.Body.String())
	}

	w = do(t, router, "POST", "/api/v1/dividends/ev1/rights", trade.PlayerRequest{PlayerID: "alice"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w := do(t, router, "POST", "/api/v1/dividends/ev1/rights", trade.PlayerRequest{PlayerID: "alice"}); w.Code != http.StatusConflict {
		t.Errorf("expected 409 on second subscription, got %d", w.Code)
	}
	if w := do(t, router, "POST", "/api/v1/dividends/missing/rights", trade.PlayerRequest{PlayerID: "alice"}); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}

	w = do(t, router, "GET", "/api/v1/players/alice/ledger", nil)
	entries := decode[[]model.LedgerEntry](t, w)
	kinds := map[model.LedgerKind]int{}
	for _, e := range entries {
		kinds[e.Kind]++
	}
	if kinds[model.LedgerFill] != 1 || kinds[model.LedgerDividend] != 1 || kinds[model.LedgerRights] != 1 {
		t.Errorf("expected fill, dividend and rights entries, got %v", kinds)
	}

	w = do(t, router, "GET", "/api/v1/stocks/acme/dividends", nil)
	if evs := decode[[]model.DividendEvent](t, w); len(evs) != 1 {
		t.Errorf("expected one event, got %d", len(evs))
	}
}

func TestGetRoom(t *testing.T) {
	_, _, router := newTestEnv(t, nil)

	w := do(t, router, "GET", "/api/v1/room", nil)
	var room struct {
		ID   string `json:"id"`
		Tick int64  `json:"tick"`
	}
	json.Unmarshal(w.Body.Bytes(), &room)
	if room.ID != "room" || room.Tick != 0 {
		t.Errorf("unexpected room %+v", room)
	}
}
