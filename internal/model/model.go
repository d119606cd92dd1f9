// Package model defines the core domain types shared across the exchange
// simulation: stocks, players, orders, short positions and corporate actions.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TicksPerDay is the number of simulation ticks in one trading day.
const TicksPerDay int64 = 600

var (
	hundred     = decimal.NewFromInt(100)
	tenThousand = decimal.NewFromInt(10000)

	// MinPrice is the lowest price any stock may trade at.
	MinPrice = decimal.RequireFromString("0.01")
)

// RoundMoney rounds a currency value to 2 decimal places.
func RoundMoney(x decimal.Decimal) decimal.Decimal {
	return x.Round(2)
}

// RoundPercent converts a ratio to percent, rounded to 2 decimal places:
// 0.12345 → 12.35.
func RoundPercent(ratio decimal.Decimal) decimal.Decimal {
	return ratio.Mul(tenThousand).Round(0).Div(hundred)
}

// FloorPrice clamps a price to MinPrice.
func FloorPrice(p decimal.Decimal) decimal.Decimal {
	if p.LessThan(MinPrice) {
		return MinPrice
	}
	return p
}

// Days converts a tick span to fractional trading days.
func Days(ticks int64) decimal.Decimal {
	return decimal.NewFromInt(ticks).Div(decimal.NewFromInt(TicksPerDay))
}

// BookLevel is one price level of a synthetic order-book ladder.
type BookLevel struct {
	Price  decimal.Decimal `json:"price"`
	Volume int64           `json:"volume"`
}

// Stock is the live state of one listed stock. Mutated every tick by the
// price engine and by corporate actions.
type Stock struct {
	ID          string          `json:"id"`
	Symbol      string          `json:"symbol"`
	Name        string          `json:"name"`
	Sector      string          `json:"sector"`
	Price       decimal.Decimal `json:"price"`
	LastPrice   decimal.Decimal `json:"last_price"`
	High        decimal.Decimal `json:"high"` // intra-tick high
	Low         decimal.Decimal `json:"low"`  // intra-tick low
	Volatility  float64         `json:"volatility"`
	Trend       float64         `json:"trend"`
	Beta        float64         `json:"beta"`
	Volume      int64           `json:"volume"`
	TotalShares int64           `json:"total_shares"`
	EPS         decimal.Decimal `json:"eps"`
	Bids        []BookLevel     `json:"bids"` // best (highest) first
	Asks        []BookLevel     `json:"asks"` // best (lowest) first
}

// Clone returns a deep copy of the stock, including its ladders.
func (s *Stock) Clone() Stock {
	c := *s
	c.Bids = append([]BookLevel(nil), s.Bids...)
	c.Asks = append([]BookLevel(nil), s.Asks...)
	return c
}

// TradeRecord is one entry of a player's trade history.
type TradeRecord struct {
	Tick     int64           `json:"tick"`
	OrderID  string          `json:"order_id"`
	StockID  string          `json:"stock_id"`
	Side     Side            `json:"side"`
	Amount   int64           `json:"amount"`
	Price    decimal.Decimal `json:"price"`
	Notional decimal.Decimal `json:"notional"`
	Fee      decimal.Decimal `json:"fee"`
}

// Player is a participant in a game room. Cash and Portfolio change only
// through order settlement and dividend settlement.
type Player struct {
	ID            string                     `json:"id"`
	Name          string                     `json:"name"`
	Cash          decimal.Decimal            `json:"cash"`
	Debt          decimal.Decimal            `json:"debt"`
	Portfolio     map[string]int64           `json:"portfolio"`  // stockID → shares
	CostBasis     map[string]decimal.Decimal `json:"cost_basis"` // stockID → average cost per share
	PendingOrders []string                   `json:"pending_orders"`
	History       []TradeRecord              `json:"history"`
}

// NewPlayer creates a player with the given starting cash and no holdings.
func NewPlayer(id, name string, cash decimal.Decimal) *Player {
	return &Player{
		ID:        id,
		Name:      name,
		Cash:      cash,
		Debt:      decimal.Zero,
		Portfolio: make(map[string]int64),
		CostBasis: make(map[string]decimal.Decimal),
	}
}

// Holding returns the number of shares held in a stock.
func (p *Player) Holding(stockID string) int64 {
	return p.Portfolio[stockID]
}

// Credit adds cash, repaying outstanding debt first.
func (p *Player) Credit(amount decimal.Decimal) {
	if amount.IsNegative() {
		p.Debit(amount.Neg())
		return
	}
	if p.Debt.IsPositive() {
		repay := decimal.Min(p.Debt, amount)
		p.Debt = p.Debt.Sub(repay)
		amount = amount.Sub(repay)
	}
	p.Cash = p.Cash.Add(amount)
}

// Debit removes cash. A shortfall is booked as debt so cash never goes
// negative.
func (p *Player) Debit(amount decimal.Decimal) {
	if amount.IsNegative() {
		p.Credit(amount.Neg())
		return
	}
	if p.Cash.GreaterThanOrEqual(amount) {
		p.Cash = p.Cash.Sub(amount)
		return
	}
	p.Debt = p.Debt.Add(amount.Sub(p.Cash))
	p.Cash = decimal.Zero
}

// AddShares increases a holding and recomputes the average cost. totalCost
// may be zero for granted shares (bonus issues).
func (p *Player) AddShares(stockID string, shares int64, totalCost decimal.Decimal) {
	if shares <= 0 {
		return
	}
	held := p.Portfolio[stockID]
	basis := p.CostBasis[stockID].Mul(decimal.NewFromInt(held)).Add(totalCost)
	p.Portfolio[stockID] = held + shares
	p.CostBasis[stockID] = RoundMoney(basis.Div(decimal.NewFromInt(held + shares)))
}

// RemoveShares decreases a holding, clamped at zero.
func (p *Player) RemoveShares(stockID string, shares int64) {
	held := p.Portfolio[stockID] - shares
	if held <= 0 {
		delete(p.Portfolio, stockID)
		delete(p.CostBasis, stockID)
		return
	}
	p.Portfolio[stockID] = held
}

// Clone returns a deep copy of the player.
func (p *Player) Clone() Player {
	c := *p
	c.Portfolio = make(map[string]int64, len(p.Portfolio))
	for k, v := range p.Portfolio {
		c.Portfolio[k] = v
	}
	c.CostBasis = make(map[string]decimal.Decimal, len(p.CostBasis))
	for k, v := range p.CostBasis {
		c.CostBasis[k] = v
	}
	c.PendingOrders = append([]string(nil), p.PendingOrders...)
	c.History = append([]TradeRecord(nil), p.History...)
	return c
}

// HoldingKey identifies one player's holding of one stock.
type HoldingKey struct {
	PlayerID string
	StockID  string
}

// LedgerKind classifies settlement ledger entries.
type LedgerKind string

const (
	LedgerFill        LedgerKind = "fill"
	LedgerShort       LedgerKind = "short"
	LedgerCover       LedgerKind = "cover"
	LedgerLiquidation LedgerKind = "liquidation"
	LedgerDividend    LedgerKind = "dividend"
	LedgerBonus       LedgerKind = "bonus"
	LedgerRights      LedgerKind = "rights"
)

// LedgerEntry is an immutable record of a cash or share movement.
// Once created, these are never modified or deleted.
type LedgerEntry struct {
	ID        string          `json:"id" db:"id"`
	RoomID    string          `json:"room_id" db:"room_id"`
	PlayerID  string          `json:"player_id" db:"player_id"`
	StockID   string          `json:"stock_id" db:"stock_id"`
	RefID     string          `json:"ref_id" db:"ref_id"` // order, position or dividend record
	Kind      LedgerKind      `json:"kind" db:"kind"`
	Side      Side            `json:"side,omitempty" db:"side"`
	Quantity  int64           `json:"quantity" db:"quantity"`
	Price     decimal.Decimal `json:"price" db:"price"`
	CashDelta decimal.Decimal `json:"cash_delta" db:"cash_delta"` // signed
	Fee       decimal.Decimal `json:"fee" db:"fee"`
	Tick      int64           `json:"tick" db:"tick"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}
