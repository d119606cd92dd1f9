package model

import "github.com/shopspring/decimal"

// PositionStatus is the lifecycle state of a short position. The only
// transition is open → closed.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "open"
	PositionClosed PositionStatus = "closed"
)

// ShortPosition is a borrowed-and-sold stock holding awaiting cover.
type ShortPosition struct {
	ID               string          `json:"id"`
	PlayerID         string          `json:"player_id"`
	StockID          string          `json:"stock_id"`
	Amount           int64           `json:"amount"`
	BorrowPrice      decimal.Decimal `json:"borrow_price"`
	CurrentPrice     decimal.Decimal `json:"current_price"`
	MarginRequired   decimal.Decimal `json:"margin_required"`
	MarginRatio      decimal.Decimal `json:"margin_ratio"` // percent
	MarginCallPrice  decimal.Decimal `json:"margin_call_price"`
	AccruedFee       decimal.Decimal `json:"accrued_fee"`
	OpenTick         int64           `json:"open_tick"`
	DueTick          int64           `json:"due_tick"`
	Status           PositionStatus  `json:"status"`
	CoverPrice       decimal.Decimal `json:"cover_price"`
	ClosedTick       int64           `json:"closed_tick,omitempty"`
	UnrealizedProfit decimal.Decimal `json:"unrealized_profit"`
	RealizedProfit   decimal.Decimal `json:"realized_profit"`
	ProfitRate       decimal.Decimal `json:"profit_rate"` // percent of margin
	OrderID          string          `json:"order_id"`
	CoverOrderID     string          `json:"cover_order_id,omitempty"`
}

// MarginAccount tracks the collateral a player has locked against short
// positions. One account exists per player once they have shorted.
type MarginAccount struct {
	PlayerID        string          `json:"player_id"`
	Leverage        decimal.Decimal `json:"leverage"`
	UsedMargin      decimal.Decimal `json:"used_margin"`
	AvailableMargin decimal.Decimal `json:"available_margin"`
	MarginRatio     decimal.Decimal `json:"margin_ratio"` // percent
	RealizedProfit  decimal.Decimal `json:"realized_profit"`
	OpenPositions   int             `json:"open_positions"`
	UpdatedTick     int64           `json:"updated_tick"`
}

// MarginCallReason explains why a position was flagged.
type MarginCallReason string

const (
	ReasonPriceBreach MarginCallReason = "price_breach"
	ReasonOverdue     MarginCallReason = "overdue"
)

// MarginCall reports a position whose adverse move requires cover or
// liquidation.
type MarginCall struct {
	PositionID      string           `json:"position_id"`
	PlayerID        string           `json:"player_id"`
	StockID         string           `json:"stock_id"`
	Price           decimal.Decimal  `json:"price"`
	MarginCallPrice decimal.Decimal  `json:"margin_call_price"`
	MarginRatio     decimal.Decimal  `json:"margin_ratio"`
	Reason          MarginCallReason `json:"reason"`
	Tick            int64            `json:"tick"`
}
