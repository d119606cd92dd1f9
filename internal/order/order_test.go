package order

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/exchange-sim/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newStock() *model.Stock {
	return &model.Stock{
		ID:          "s1",
		Symbol:      "ACME",
		Price:       d(50),
		TotalShares: 1_000_000,
		Bids: []model.BookLevel{
			{Price: d(49.9), Volume: 100},
			{Price: d(49.8), Volume: 200},
		},
		Asks: []model.BookLevel{
			{Price: d(50.1), Volume: 100},
			{Price: d(50.2), Volume: 200},
		},
	}
}

func newManager() *Manager {
	return NewManager(d(0.001))
}

// --- Creation ---

func TestCreateOrder_RejectsNonPositiveAmount(t *testing.T) {
	m := newManager()
	_, err := m.CreateMarketOrder("p1", "s1", model.SideBuy, 0, 1)
	if err != ErrInvalidAmount {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestCreateOrder_LimitRequiresPrice(t *testing.T) {
	m := newManager()
	_, err := m.CreateLimitOrder("p1", "s1", model.SideBuy, 10, decimal.Zero, 1)
	if err != ErrInvalidPrice {
		t.Errorf("expected ErrInvalidPrice, got %v", err)
	}
}

func TestCreateOrder_MarketEstimateIsZero(t *testing.T) {
	m := newManager()
	res, err := m.CreateMarketOrder("p1", "s1", model.SideBuy, 10, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.EstimatedPrice.IsZero() {
		t.Errorf("market estimate should be 0, got %s", res.EstimatedPrice)
	}
	if res.Order.Status != model.StatusPending || res.Order.FilledAmount != 0 {
		t.Errorf("new order should be pending and unfilled, got %s/%d", res.Order.Status, res.Order.FilledAmount)
	}
	if _, ok := m.Get(res.Order.ID); !ok {
		t.Error("order should be registered")
	}
}

func TestCreateOrder_LimitAndStopEstimates(t *testing.T) {
	m := newManager()
	lim, _ := m.CreateLimitOrder("p1", "s1", model.SideBuy, 10, d(48), 1)
	if !lim.EstimatedPrice.Equal(d(48)) {
		t.Errorf("limit estimate should be 48, got %s", lim.EstimatedPrice)
	}
	stop, err := m.CreateStopLossOrder("p1", "s1", model.SideSell, 10, d(45), decimal.Zero, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !stop.EstimatedPrice.Equal(d(45)) {
		t.Errorf("stop estimate should be the trigger 45, got %s", stop.EstimatedPrice)
	}
	if stop.Order.Stop.Direction != model.TriggerLTE {
		t.Errorf("sell stop-loss should fire on lte, got %s", stop.Order.Stop.Direction)
	}
}

func TestCreateOrder_StopWithoutTrigger(t *testing.T) {
	m := newManager()
	_, err := m.CreateOrder(model.OrderParams{
		PlayerID: "p1", StockID: "s1", Side: model.SideSell,
		Type: model.OrderStopLoss, Amount: 10,
	}, 1)
	if err != ErrMissingStop {
		t.Errorf("expected ErrMissingStop, got %v", err)
	}
}

func TestCreateOrder_InvalidStop(t *testing.T) {
	tests := []struct {
		name string
		stop model.StopCondition
	}{
		{"direction", model.StopCondition{TriggerPrice: d(45), Direction: "sideways", ResultType: model.PriceMarket}},
		{"no direction", model.StopCondition{TriggerPrice: d(45), ResultType: model.PriceMarket}},
		{"result type", model.StopCondition{TriggerPrice: d(45), Direction: model.TriggerLTE, ResultType: "auction"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newManager()
			stop := tt.stop
			_, err := m.CreateOrder(model.OrderParams{
				PlayerID: "p1", StockID: "s1", Side: model.SideSell,
				Type: model.OrderStopLoss, Amount: 10, Stop: &stop,
			}, 1)
			if !errors.Is(err, ErrInvalidStop) {
				t.Fatalf("expected ErrInvalidStop, got %v", err)
			}
			if got := m.PlayerOrders("p1"); len(got) != 0 {
				t.Errorf("rejected order should not be stored, got %d", len(got))
			}
		})
	}
}

func TestCreateIcebergOrder_SizeBounds(t *testing.T) {
	m := newManager()
	if _, err := m.CreateIcebergOrder("p1", "s1", model.SideBuy, 1000, d(50), 1000, 1); err != ErrInvalidIceberg {
		t.Errorf("icebergSize == amount should fail, got %v", err)
	}
	if _, err := m.CreateIcebergOrder("p1", "s1", model.SideBuy, 1000, d(50), 0, 1); err != ErrInvalidIceberg {
		t.Errorf("icebergSize 0 should fail, got %v", err)
	}
	res, err := m.CreateIcebergOrder("p1", "s1", model.SideBuy, 1000, d(50), 100, 1)
	if err != nil {
		t.Fatalf("valid iceberg failed: %v", err)
	}
	if !res.Order.IsIceberg() {
		t.Error("order should be an iceberg")
	}
}

// --- Execution ---

func TestExecuteOrder_MarketCrossesBestLevel(t *testing.T) {
	m := newManager()
	stock := newStock()
	res, _ := m.CreateMarketOrder("p1", "s1", model.SideBuy, 10, 1)

	exec, err := m.ExecuteOrder(res.Order.ID, stock, 10, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !exec.AvgPrice.Equal(d(50.1)) {
		t.Errorf("buy should fill at best ask 50.1, got %s", exec.AvgPrice)
	}
	if !exec.Notional.Equal(d(501)) {
		t.Errorf("expected notional 501, got %s", exec.Notional)
	}
	if !exec.Fee.Equal(d(0.5)) {
		t.Errorf("expected fee 0.5, got %s", exec.Fee)
	}
	if exec.Status != model.StatusFilled || exec.Remaining != 0 {
		t.Errorf("expected filled with 0 remaining, got %s/%d", exec.Status, exec.Remaining)
	}
}

func TestExecuteOrder_EmptyBookUsesLastPrice(t *testing.T) {
	m := newManager()
	stock := newStock()
	stock.Bids = nil
	res, _ := m.CreateMarketOrder("p1", "s1", model.SideSell, 10, 1)

	exec, _ := m.ExecuteOrder(res.Order.ID, stock, 10, 2)
	if !exec.AvgPrice.Equal(d(50)) {
		t.Errorf("expected fallback to last price 50, got %s", exec.AvgPrice)
	}
}

func TestExecuteOrder_LimitFillsAtLimit(t *testing.T) {
	m := newManager()
	res, _ := m.CreateLimitOrder("p1", "s1", model.SideBuy, 10, d(51), 1)
	exec, _ := m.ExecuteOrder(res.Order.ID, newStock(), 10, 2)
	if !exec.AvgPrice.Equal(d(51)) {
		t.Errorf("limit should fill at 51, got %s", exec.AvgPrice)
	}
}

func TestExecuteOrder_FeeByOrigin(t *testing.T) {
	m := newManager()
	player, _ := m.CreateLimitOrder("p1", "s1", model.SideBuy, 10, d(50), 1)
	cover, _ := m.CreateOrder(model.OrderParams{
		PlayerID: "p1", StockID: "s1", Side: model.SideBuy, Type: model.OrderLimit,
		Price: d(50), Amount: 10, Origin: model.OriginCover,
	}, 1)

	exec, _ := m.ExecuteOrder(player.Order.ID, newStock(), 10, 2)
	if !exec.Fee.Equal(m.Fee(d(500))) || exec.Fee.IsZero() {
		t.Errorf("player fill should pay the trading fee, got %s", exec.Fee)
	}
	exec, _ = m.ExecuteOrder(cover.Order.ID, newStock(), 10, 2)
	if !exec.Fee.IsZero() || !exec.Notional.Equal(d(500)) {
		t.Errorf("cover fill should carry notional 500 and no fee, got %s / %s", exec.Notional, exec.Fee)
	}
}

func TestExecuteOrder_ClampsAndPartial(t *testing.T) {
	m := newManager()
	stock := newStock()
	res, _ := m.CreateMarketOrder("p1", "s1", model.SideBuy, 100, 1)

	exec, _ := m.ExecuteOrder(res.Order.ID, stock, 40, 2)
	if exec.Filled != 40 || exec.Status != model.StatusPartial || exec.Remaining != 60 {
		t.Errorf("expected partial 40/60, got %d/%d %s", exec.Filled, exec.Remaining, exec.Status)
	}

	exec, _ = m.ExecuteOrder(res.Order.ID, stock, 500, 3)
	if exec.Filled != 60 {
		t.Errorf("fill should clamp to remaining 60, got %d", exec.Filled)
	}

	o, _ := m.Get(res.Order.ID)
	if o.FilledAmount > o.Amount {
		t.Errorf("filled %d exceeds amount %d", o.FilledAmount, o.Amount)
	}
	if o.Status != model.StatusFilled {
		t.Errorf("expected filled, got %s", o.Status)
	}
}

func TestExecuteOrder_TerminalOrderRejected(t *testing.T) {
	m := newManager()
	res, _ := m.CreateMarketOrder("p1", "s1", model.SideBuy, 10, 1)
	m.ExecuteOrder(res.Order.ID, newStock(), 10, 2)

	_, err := m.ExecuteOrder(res.Order.ID, newStock(), 10, 3)
	if !errors.Is(err, ErrNotActive) {
		t.Errorf("expected ErrNotActive, got %v", err)
	}
	if m.CancelOrder(res.Order.ID, 3) {
		t.Error("cancel on a filled order should return false")
	}
	o, _ := m.Get(res.Order.ID)
	if o.Status != model.StatusFilled {
		t.Errorf("terminal status changed to %s", o.Status)
	}
}

func TestExecuteOrder_IcebergSlices(t *testing.T) {
	m := newManager()
	stock := newStock()
	res, _ := m.CreateIcebergOrder("p1", "s1", model.SideBuy, 250, d(51), 100, 1)

	exec, _ := m.ExecuteOrder(res.Order.ID, stock, 150, 2)
	if exec.Filled != 100 {
		t.Errorf("fill should be capped at the 100 slice, got %d", exec.Filled)
	}
	o, _ := m.Get(res.Order.ID)
	if o.IcebergFilled != 0 {
		t.Errorf("slice counter should reset after a full slice, got %d", o.IcebergFilled)
	}

	exec, _ = m.ExecuteOrder(res.Order.ID, stock, 30, 3)
	o, _ = m.Get(res.Order.ID)
	if exec.Filled != 30 || o.IcebergFilled != 30 {
		t.Errorf("expected 30 into the new slice, got fill=%d slice=%d", exec.Filled, o.IcebergFilled)
	}
	if o.FilledAmount != 130 {
		t.Errorf("expected 130 total filled, got %d", o.FilledAmount)
	}
}

func TestExecuteOrder_AverageFillPrice(t *testing.T) {
	m := newManager()
	stock := newStock()
	res, _ := m.CreateMarketOrder("p1", "s1", model.SideBuy, 20, 1)

	m.ExecuteOrder(res.Order.ID, stock, 10, 2) // 50.1
	stock.Asks = []model.BookLevel{{Price: d(50.3), Volume: 100}}
	m.ExecuteOrder(res.Order.ID, stock, 10, 3) // 50.3

	o, _ := m.Get(res.Order.ID)
	if !o.AvgFillPrice.Equal(d(50.2)) {
		t.Errorf("expected average 50.2, got %s", o.AvgFillPrice)
	}
}

// --- Stops ---

func TestCheckStopCondition(t *testing.T) {
	m := newManager()
	loss, _ := m.CreateStopLossOrder("p1", "s1", model.SideSell, 10, d(45), decimal.Zero, 1)
	profit, _ := m.CreateStopProfitOrder("p1", "s1", model.SideSell, 10, d(60), decimal.Zero, 1)

	if CheckStopCondition(&loss.Order, d(46)) {
		t.Error("stop-loss at 45 should not fire at 46")
	}
	if !CheckStopCondition(&loss.Order, d(45)) {
		t.Error("stop-loss at 45 should fire at 45")
	}
	if !CheckStopCondition(&profit.Order, d(61)) {
		t.Error("stop-profit at 60 should fire at 61")
	}

	market, _ := m.CreateMarketOrder("p1", "s1", model.SideBuy, 1, 1)
	if CheckStopCondition(&market.Order, d(1)) {
		t.Error("orders without a stop never match")
	}
}

func TestUpdateTrailingStop_SellRatchetsUpOnly(t *testing.T) {
	m := newManager()
	res, err := m.CreateTrailingStopOrder("p1", "s1", model.SideSell, 10, d(100), d(0.05), decimal.Zero, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Order.Stop.TriggerPrice.Equal(d(95)) {
		t.Fatalf("initial trigger should be 95, got %s", res.Order.Stop.TriggerPrice)
	}

	highs := []float64{100, 104, 110, 110, 120}
	prices := []float64{100, 102, 108, 90, 118}
	prev := res.Order.Stop.TriggerPrice
	for i := range highs {
		trig, err := m.UpdateTrailingStop(res.Order.ID, d(prices[i]), d(highs[i]), d(prices[i]))
		if err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
		if trig.LessThan(prev) {
			t.Errorf("sell trigger decreased at step %d: %s -> %s", i, prev, trig)
		}
		prev = trig
	}
	if !prev.Equal(d(114)) {
		t.Errorf("expected final trigger 120*0.95 = 114, got %s", prev)
	}
}

func TestUpdateTrailingStop_BuyRatchetsDownOnly(t *testing.T) {
	m := newManager()
	res, _ := m.CreateTrailingStopOrder("p1", "s1", model.SideBuy, 10, d(100), decimal.Zero, d(3), 1)
	if !res.Order.Stop.TriggerPrice.Equal(d(103)) {
		t.Fatalf("initial trigger should be 103, got %s", res.Order.Stop.TriggerPrice)
	}

	lows := []float64{99, 95, 95, 90}
	prices := []float64{99, 97, 104, 91}
	prev := res.Order.Stop.TriggerPrice
	for i := range lows {
		trig, _ := m.UpdateTrailingStop(res.Order.ID, d(prices[i]), d(prices[i]), d(lows[i]))
		if trig.GreaterThan(prev) {
			t.Errorf("buy trigger increased at step %d: %s -> %s", i, prev, trig)
		}
		prev = trig
	}
	if !prev.Equal(d(93)) {
		t.Errorf("expected final trigger 90+3 = 93, got %s", prev)
	}
}

func TestUpdateTrailingStop_NonTrailing(t *testing.T) {
	m := newManager()
	res, _ := m.CreateLimitOrder("p1", "s1", model.SideBuy, 10, d(50), 1)
	if _, err := m.UpdateTrailingStop(res.Order.ID, d(1), d(1), d(1)); !errors.Is(err, ErrInvalidType) {
		t.Errorf("expected ErrInvalidType, got %v", err)
	}
}

func TestTriggerStops_ConvertsToResultType(t *testing.T) {
	m := newManager()
	stock := newStock()
	res, _ := m.CreateStopLossOrder("p1", "s1", model.SideSell, 10, d(45), d(44.5), 1)

	if got := m.TriggerStops(2, map[string]*model.Stock{"s1": stock}); len(got) != 0 {
		t.Fatalf("nothing should trigger at 50, got %d", len(got))
	}
	if Marketable(mustGet(t, m, res.Order.ID), stock) {
		t.Error("armed stop must not be marketable")
	}

	stock.Price = d(44.9)
	got := m.TriggerStops(3, map[string]*model.Stock{"s1": stock})
	if len(got) != 1 {
		t.Fatalf("expected 1 triggered order, got %d", len(got))
	}
	o := got[0]
	if !o.Stop.Triggered || o.Stop.TriggeredAt != 3 {
		t.Error("stop should be marked triggered at tick 3")
	}
	if o.PriceType != model.PriceLimit || !o.Price.Equal(d(44.5)) {
		t.Errorf("expected limit at 44.5 after trigger, got %s %s", o.PriceType, o.Price)
	}

	if again := m.TriggerStops(4, map[string]*model.Stock{"s1": stock}); len(again) != 0 {
		t.Error("a stop triggers only once")
	}
}

func mustGet(t *testing.T, m *Manager, id string) *model.Order {
	t.Helper()
	o, ok := m.Get(id)
	if !ok {
		t.Fatalf("order %s not found", id)
	}
	return &o
}

// --- Lifecycle ---

func TestExpireOrders(t *testing.T) {
	m := newManager()
	res, _ := m.CreateOrder(model.OrderParams{
		PlayerID: "p1", StockID: "s1", Side: model.SideBuy,
		Type: model.OrderLimit, Price: d(40), Amount: 10, ExpiresAt: 5,
	}, 1)
	gtc, _ := m.CreateLimitOrder("p1", "s1", model.SideBuy, 10, d(40), 1)

	if got := m.ExpireOrders(5); len(got) != 0 {
		t.Errorf("order should still be live at its expiry tick, got %d expired", len(got))
	}
	got := m.ExpireOrders(6)
	if len(got) != 1 || got[0].ID != res.Order.ID {
		t.Fatalf("expected the expiring order, got %v", got)
	}
	if o := mustGet(t, m, gtc.Order.ID); o.Status != model.StatusPending {
		t.Errorf("good-till-cancelled order should be pending, got %s", o.Status)
	}
	if m.CancelOrder(res.Order.ID, 7) {
		t.Error("expired order must not be cancellable")
	}
}

func TestExpireOrders_PartialKeepsFills(t *testing.T) {
	m := newManager()
	res, _ := m.CreateOrder(model.OrderParams{
		PlayerID: "p1", StockID: "s1", Side: model.SideBuy,
		Type: model.OrderMarket, Amount: 100, ExpiresAt: 3,
	}, 1)
	m.ExecuteOrder(res.Order.ID, newStock(), 10, 2)

	got := m.ExpireOrders(4)
	if len(got) != 1 || got[0].Status != model.StatusExpired {
		t.Fatalf("partial order past its expiry should expire, got %v", got)
	}
	if got[0].FilledAmount != 10 || got[0].UpdatedAt != 4 {
		t.Errorf("expiry should keep the 10 filled and stamp tick 4, got %d at %d", got[0].FilledAmount, got[0].UpdatedAt)
	}
}

func TestCancelOrder(t *testing.T) {
	m := newManager()
	res, _ := m.CreateMarketOrder("p1", "s1", model.SideBuy, 100, 1)
	m.ExecuteOrder(res.Order.ID, newStock(), 10, 2)

	if !m.CancelOrder(res.Order.ID, 4) {
		t.Fatal("partial order should be cancellable")
	}
	if m.CancelOrder(res.Order.ID, 5) {
		t.Error("second cancel should return false")
	}
	if m.CancelOrder("missing", 5) {
		t.Error("unknown order cancel should return false")
	}
	if o := mustGet(t, m, res.Order.ID); o.FilledAmount != 10 || o.Status != model.StatusCancelled || o.UpdatedAt != 4 {
		t.Errorf("cancel should keep fills and stamp tick 4, got %d %s at %d", o.FilledAmount, o.Status, o.UpdatedAt)
	}
}

// --- Validation ---

func TestValidateOrder(t *testing.T) {
	m := newManager()
	stock := newStock()
	player := model.NewPlayer("p1", "alice", d(1000))
	player.AddShares("s1", 5, d(250))

	buy := model.OrderParams{PlayerID: "p1", StockID: "s1", Side: model.SideBuy, Type: model.OrderLimit, Price: d(50), Amount: 19}
	if err := m.ValidateOrder(buy, player, stock); err != nil {
		t.Errorf("19 @ 50 + fee should fit in 1000, got %v", err)
	}

	buy.Amount = 20 // 1000 + 1.00 fee
	if err := m.ValidateOrder(buy, player, stock); !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}

	sell := model.OrderParams{PlayerID: "p1", StockID: "s1", Side: model.SideSell, Type: model.OrderMarket, Amount: 6}
	if err := m.ValidateOrder(sell, player, stock); !errors.Is(err, ErrInsufficientShares) {
		t.Errorf("expected ErrInsufficientShares, got %v", err)
	}

	zero := model.OrderParams{Side: model.SideBuy, Type: model.OrderMarket}
	if err := m.ValidateOrder(zero, player, stock); err != ErrInvalidAmount {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}

	noPrice := model.OrderParams{Side: model.SideBuy, Type: model.OrderLimit, Amount: 1}
	if err := m.ValidateOrder(noPrice, player, stock); err != ErrInvalidPrice {
		t.Errorf("expected ErrInvalidPrice, got %v", err)
	}
}

// --- Analytics ---

func TestOrderBookImbalance(t *testing.T) {
	m := newManager()
	if got := m.OrderBookImbalance("s1"); !got.IsZero() {
		t.Errorf("empty book imbalance should be 0, got %s", got)
	}
	m.CreateLimitOrder("p1", "s1", model.SideBuy, 300, d(49), 1)
	m.CreateLimitOrder("p2", "s1", model.SideSell, 100, d(51), 1)
	m.CreateLimitOrder("p2", "s2", model.SideSell, 1000, d(51), 1)

	if got := m.OrderBookImbalance("s1"); !got.Equal(d(0.5)) {
		t.Errorf("expected (300-100)/400 = 0.5, got %s", got)
	}
}

func TestEstimateSlippage(t *testing.T) {
	stock := newStock()
	if got := EstimateSlippage(stock, model.SideBuy, 100); !got.IsZero() {
		t.Errorf("fill within best level should have 0 slippage, got %s", got)
	}
	// 100 @ 50.1 + 100 @ 50.2 → vwap 50.15, (50.15-50.1)/50.1 = 0.0998%
	if got := EstimateSlippage(stock, model.SideBuy, 200); !got.Equal(d(0.1)) {
		t.Errorf("expected 0.1%%, got %s", got)
	}
	stock.Asks = nil
	if got := EstimateSlippage(stock, model.SideBuy, 200); !got.IsZero() {
		t.Errorf("empty book should report 0, got %s", got)
	}
}

func TestPrepareStop(t *testing.T) {
	trailing := PrepareStop(model.OrderParams{
		Side: model.SideSell, Type: model.OrderTrailingStop, Amount: 1,
		Stop: &model.StopCondition{TrailPercent: d(0.05)},
	}, d(100))
	if !trailing.Stop.TriggerPrice.Equal(d(95)) || trailing.Stop.Direction != model.TriggerLTE {
		t.Errorf("expected sell trail anchored at 95 firing on a fall, got %+v", trailing.Stop)
	}
	if trailing.Stop.ResultType != model.PriceMarket {
		t.Errorf("expected market result, got %s", trailing.Stop.ResultType)
	}

	profit := PrepareStop(model.OrderParams{
		Side: model.SideSell, Type: model.OrderStopProfit, Amount: 1,
		Stop: &model.StopCondition{TriggerPrice: d(120), ResultPrice: d(119)},
	}, d(100))
	if profit.Stop.Direction != model.TriggerGTE || profit.Stop.ResultType != model.PriceLimit {
		t.Errorf("expected take-profit sell to fire on a rise into a limit, got %+v", profit.Stop)
	}

	plain := model.OrderParams{Type: model.OrderMarket}
	if got := PrepareStop(plain, d(100)); got.Stop != nil {
		t.Error("non-stop requests should be unchanged")
	}
}
