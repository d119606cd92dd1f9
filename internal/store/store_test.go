package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/exchange-sim/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func entry(id, player, stock string, kind model.LedgerKind, delta float64, tick int64) *model.LedgerEntry {
	return &model.LedgerEntry{
		ID:        id,
		RoomID:    "room",
		PlayerID:  player,
		StockID:   stock,
		Kind:      kind,
		Quantity:  10,
		Price:     d(5),
		CashDelta: d(delta),
		Fee:       decimal.Zero,
		Tick:      tick,
		Timestamp: time.Unix(tick, 0).UTC(),
	}
}

func TestMemoryStore_Ledger(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	s.InsertLedgerEntry(ctx, entry("e1", "p1", "s1", model.LedgerFill, -50, 1))
	s.InsertLedgerEntry(ctx, entry("e2", "p1", "s2", model.LedgerFill, 20, 2))
	s.InsertLedgerEntry(ctx, entry("e3", "p2", "s1", model.LedgerDividend, 3, 3))
	s.InsertLedgerEntry(ctx, entry("e4", "p1", "s1", model.LedgerDividend, 1.5, 4))

	if err := s.InsertLedgerEntry(ctx, entry("e1", "p1", "s1", model.LedgerFill, 0, 5)); err == nil {
		t.Error("duplicate ledger IDs must be rejected")
	}

	byPlayer, _ := s.GetLedgerEntriesByPlayer(ctx, "room", "p1")
	if len(byPlayer) != 3 || byPlayer[0].ID != "e1" || byPlayer[2].ID != "e4" {
		t.Errorf("expected e1,e2,e4 in order, got %v", byPlayer)
	}
	byStock, _ := s.GetLedgerEntriesByStock(ctx, "room", "s1")
	if len(byStock) != 3 {
		t.Errorf("expected 3 entries on s1, got %d", len(byStock))
	}
	if other, _ := s.GetLedgerEntriesByPlayer(ctx, "other-room", "p1"); len(other) != 0 {
		t.Error("rooms must not share ledgers")
	}

	flows, _ := s.GetPlayerCashFlows(ctx, "room", "p1")
	if !flows[model.LedgerFill].Equal(d(-30)) || !flows[model.LedgerDividend].Equal(d(1.5)) {
		t.Errorf("unexpected flows %v", flows)
	}
}

func TestMemoryStore_PlayerCopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	p := model.NewPlayer("p1", "alice", d(100))
	p.AddShares("s1", 10, d(50))
	s.SavePlayer(ctx, "room", p)

	p.Portfolio["s1"] = 999
	got, err := s.GetPlayer(ctx, "room", "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Holding("s1") != 10 {
		t.Errorf("stored player must not alias the caller's maps, got %d", got.Holding("s1"))
	}
	if _, err := s.GetPlayer(ctx, "room", "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_ListStocksBySymbol(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.SaveStocks(ctx, "room", []model.Stock{
		{ID: "2", Symbol: "ZED", Price: d(1)},
		{ID: "1", Symbol: "ACME", Price: d(2)},
	})
	s.SaveStocks(ctx, "room", []model.Stock{{ID: "1", Symbol: "ACME", Price: d(3)}})

	stocks, _ := s.ListStocks(ctx, "room")
	if len(stocks) != 2 || stocks[0].Symbol != "ACME" {
		t.Fatalf("expected ACME first of 2, got %v", stocks)
	}
	if !stocks[0].Price.Equal(d(3)) {
		t.Errorf("save should upsert, got price %s", stocks[0].Price)
	}
}

func newCached(t *testing.T) (*CachedStore, *MemoryStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	primary := NewMemoryStore()
	return NewCachedStore(primary, rdb, time.Minute), primary, mr
}

func TestCachedStore_PlayerReadThrough(t *testing.T) {
	ctx := context.Background()
	c, primary, mr := newCached(t)

	p := model.NewPlayer("p1", "alice", d(100))
	primary.SavePlayer(ctx, "room", p)

	got, err := c.GetPlayer(ctx, "room", "p1")
	if err != nil || !got.Cash.Equal(d(100)) {
		t.Fatalf("expected read from primary, got %v %v", got, err)
	}
	if !mr.Exists(playerKey("room", "p1")) {
		t.Fatal("read should populate the cache")
	}

	// Primary changes behind the cache's back; the cached copy is served.
	p.Cash = d(1)
	primary.SavePlayer(ctx, "room", p)
	got, _ = c.GetPlayer(ctx, "room", "p1")
	if !got.Cash.Equal(d(100)) {
		t.Errorf("expected cached cash 100, got %s", got.Cash)
	}

	// Writes through the cache refresh it.
	p.Cash = d(42)
	c.SavePlayer(ctx, "room", p)
	got, _ = c.GetPlayer(ctx, "room", "p1")
	if !got.Cash.Equal(d(42)) {
		t.Errorf("expected refreshed cash 42, got %s", got.Cash)
	}
}

func TestCachedStore_LedgerInvalidatesFlows(t *testing.T) {
	ctx := context.Background()
	c, _, mr := newCached(t)

	c.InsertLedgerEntry(ctx, entry("e1", "p1", "s1", model.LedgerFill, -10, 1))
	flows, _ := c.GetPlayerCashFlows(ctx, "room", "p1")
	if !flows[model.LedgerFill].Equal(d(-10)) {
		t.Fatalf("expected -10, got %v", flows)
	}
	if !mr.Exists(flowsKey("room", "p1")) {
		t.Fatal("flows should be cached")
	}

	c.InsertLedgerEntry(ctx, entry("e2", "p1", "s1", model.LedgerFill, -5, 2))
	if mr.Exists(flowsKey("room", "p1")) {
		t.Error("ledger insert should invalidate cached flows")
	}
	flows, _ = c.GetPlayerCashFlows(ctx, "room", "p1")
	if !flows[model.LedgerFill].Equal(d(-15)) {
		t.Errorf("expected -15 after invalidation, got %v", flows)
	}
}

func TestCachedStore_StocksInvalidatedOnSave(t *testing.T) {
	ctx := context.Background()
	c, _, mr := newCached(t)

	c.SaveStocks(ctx, "room", []model.Stock{{ID: "1", Symbol: "ACME", Price: d(10)}})
	c.ListStocks(ctx, "room")
	if !mr.Exists(stocksKey("room")) {
		t.Fatal("list should populate the cache")
	}
	c.SaveStocks(ctx, "room", []model.Stock{{ID: "1", Symbol: "ACME", Price: d(11)}})
	stocks, _ := c.ListStocks(ctx, "room")
	if !stocks[0].Price.Equal(d(11)) {
		t.Errorf("expected fresh price 11, got %s", stocks[0].Price)
	}
}
