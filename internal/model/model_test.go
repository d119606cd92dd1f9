package model

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestRoundMoney(t *testing.T) {
	if got := RoundMoney(d(12.345)); !got.Equal(d(12.35)) {
		t.Errorf("expected 12.35, got %s", got)
	}
	if got := RoundMoney(d(-0.004)); !got.IsZero() {
		t.Errorf("expected 0, got %s", got)
	}
}

func TestRoundPercent(t *testing.T) {
	if got := RoundPercent(d(0.12345)); !got.Equal(d(12.35)) {
		t.Errorf("expected 12.35, got %s", got)
	}
	if got := RoundPercent(d(0.5)); !got.Equal(d(50)) {
		t.Errorf("expected 50, got %s", got)
	}
}

func TestFloorPrice(t *testing.T) {
	if got := FloorPrice(d(-3)); !got.Equal(MinPrice) {
		t.Errorf("expected floor 0.01, got %s", got)
	}
	if got := FloorPrice(d(4.2)); !got.Equal(d(4.2)) {
		t.Errorf("expected 4.2, got %s", got)
	}
}

func TestPlayer_DebitShortfallBecomesDebt(t *testing.T) {
	p := NewPlayer("p1", "alice", d(100))
	p.Debit(d(150))

	if !p.Cash.IsZero() {
		t.Errorf("cash should be 0, got %s", p.Cash)
	}
	if !p.Debt.Equal(d(50)) {
		t.Errorf("debt should be 50, got %s", p.Debt)
	}
}

func TestPlayer_CreditRepaysDebtFirst(t *testing.T) {
	p := NewPlayer("p1", "alice", d(0))
	p.Debt = d(30)
	p.Credit(d(100))

	if !p.Debt.IsZero() {
		t.Errorf("debt should be repaid, got %s", p.Debt)
	}
	if !p.Cash.Equal(d(70)) {
		t.Errorf("cash should be 70, got %s", p.Cash)
	}
}

func TestPlayer_AddAndRemoveShares(t *testing.T) {
	p := NewPlayer("p1", "alice", d(0))
	p.AddShares("s1", 100, d(1000))
	p.AddShares("s1", 100, d(3000))

	if p.Holding("s1") != 200 {
		t.Fatalf("expected 200 shares, got %d", p.Holding("s1"))
	}
	if !p.CostBasis["s1"].Equal(d(20)) {
		t.Errorf("expected average cost 20, got %s", p.CostBasis["s1"])
	}

	p.RemoveShares("s1", 250)
	if p.Holding("s1") != 0 {
		t.Errorf("holding should clamp at 0, got %d", p.Holding("s1"))
	}
	if _, ok := p.CostBasis["s1"]; ok {
		t.Error("cost basis should be cleared with the holding")
	}
}

func TestPlayer_CloneIsDeep(t *testing.T) {
	p := NewPlayer("p1", "alice", d(10))
	p.AddShares("s1", 5, d(50))
	c := p.Clone()
	c.Portfolio["s1"] = 99

	if p.Holding("s1") != 5 {
		t.Error("clone must not share the portfolio map")
	}
}

func TestOrderStatus_Terminal(t *testing.T) {
	for _, s := range []OrderStatus{StatusFilled, StatusCancelled, StatusExpired} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []OrderStatus{StatusPending, StatusPartial} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
