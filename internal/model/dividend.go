package model

import "github.com/shopspring/decimal"

// Fundamentals is a generated pseudo-fundamental profile for a stock.
// Ratios are fractions (0.04 = 4%).
type Fundamentals struct {
	StockID        string          `json:"stock_id"`
	Sector         string          `json:"sector"`
	PE             decimal.Decimal `json:"pe"`
	EPS            decimal.Decimal `json:"eps"`
	ROE            decimal.Decimal `json:"roe"`
	GrossMargin    decimal.Decimal `json:"gross_margin"`
	NetMargin      decimal.Decimal `json:"net_margin"`
	RevenueGrowth  decimal.Decimal `json:"revenue_growth"`
	EarningsGrowth decimal.Decimal `json:"earnings_growth"`
	DividendYield  decimal.Decimal `json:"dividend_yield"`
	PayoutRatio    decimal.Decimal `json:"payout_ratio"`
}

// DividendEvent is a scheduled corporate action on one stock. Immutable once
// created.
type DividendEvent struct {
	ID               string          `json:"id"`
	StockID          string          `json:"stock_id"`
	AnnouncementTick int64           `json:"announcement_tick"`
	RecordTick       int64           `json:"record_tick"`
	ExDividendTick   int64           `json:"ex_dividend_tick"`
	PaymentTick      int64           `json:"payment_tick"`
	DividendPerShare decimal.Decimal `json:"dividend_per_share"`
	DividendYield    decimal.Decimal `json:"dividend_yield"`
	ExRightsPrice    decimal.Decimal `json:"ex_rights_price"`
	BonusRatio       decimal.Decimal `json:"bonus_ratio"`  // bonus shares per share held
	RightsRatio      decimal.Decimal `json:"rights_ratio"` // rights shares per share held
	RightsPrice      decimal.Decimal `json:"rights_price"`
	CreatedTick      int64           `json:"created_tick"`
}

// HasBonus reports whether the event grants bonus shares.
func (e *DividendEvent) HasBonus() bool {
	return e.BonusRatio.IsPositive()
}

// HasRights reports whether the event includes a rights issue.
func (e *DividendEvent) HasRights() bool {
	return e.RightsRatio.IsPositive() && e.RightsPrice.IsPositive()
}

// DividendRecord is one player's entitlement under one event. Received flips
// to true exactly once.
type DividendRecord struct {
	ID               string          `json:"id"`
	EventID          string          `json:"event_id"`
	PlayerID         string          `json:"player_id"`
	StockID          string          `json:"stock_id"`
	Shares           int64           `json:"shares"`
	DividendPerShare decimal.Decimal `json:"dividend_per_share"`
	Amount           decimal.Decimal `json:"amount"`
	BonusShares      int64           `json:"bonus_shares"`
	FromSnapshot     bool            `json:"from_snapshot"`
	Received         bool            `json:"received"`
	CreatedTick      int64           `json:"created_tick"`
	PaidTick         int64           `json:"paid_tick,omitempty"`
}
