package model

import "github.com/shopspring/decimal"

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderType is the trading intent of an order.
type OrderType string

const (
	OrderMarket       OrderType = "market"
	OrderLimit        OrderType = "limit"
	OrderStopLoss     OrderType = "stop_loss"
	OrderStopProfit   OrderType = "stop_profit"
	OrderTrailingStop OrderType = "trailing_stop"
)

// IsStop reports whether the type carries a stop condition.
func (t OrderType) IsStop() bool {
	return t == OrderStopLoss || t == OrderStopProfit || t == OrderTrailingStop
}

// PriceType is how an order is priced once it is live.
type PriceType string

const (
	PriceMarket PriceType = "market"
	PriceLimit  PriceType = "limit"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusPartial   OrderStatus = "partial"
	StatusFilled    OrderStatus = "filled"
	StatusCancelled OrderStatus = "cancelled"
	StatusExpired   OrderStatus = "expired"
)

// Terminal reports whether no further transition is allowed.
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusExpired
}

// Direction is the comparison a stop trigger uses against the live price.
type Direction string

const (
	TriggerGTE Direction = "gte"
	TriggerLTE Direction = "lte"
)

// OrderOrigin records who originated an order.
type OrderOrigin string

const (
	OriginPlayer      OrderOrigin = "player"
	OriginShort       OrderOrigin = "short"
	OriginCover       OrderOrigin = "cover"
	OriginLiquidation OrderOrigin = "liquidation"
)

// StopCondition describes when a stop order becomes live and what it
// becomes once triggered.
type StopCondition struct {
	TriggerPrice decimal.Decimal `json:"trigger_price"`
	Direction    Direction       `json:"direction"`
	ResultType   PriceType       `json:"result_type"`
	ResultPrice  decimal.Decimal `json:"result_price"` // limit price after trigger
	TrailPercent decimal.Decimal `json:"trail_percent"`
	TrailAmount  decimal.Decimal `json:"trail_amount"`
	Triggered    bool            `json:"triggered"`
	TriggeredAt  int64           `json:"triggered_at"`
}

// Order is a trading intent and its fill state.
type Order struct {
	ID            string          `json:"id"`
	PlayerID      string          `json:"player_id"`
	StockID       string          `json:"stock_id"`
	Side          Side            `json:"side"`
	Type          OrderType       `json:"type"`
	PriceType     PriceType       `json:"price_type"`
	Price         decimal.Decimal `json:"price"`
	Amount        int64           `json:"amount"`
	FilledAmount  int64           `json:"filled_amount"`
	AvgFillPrice  decimal.Decimal `json:"avg_fill_price"`
	Status        OrderStatus     `json:"status"`
	Stop          *StopCondition  `json:"stop,omitempty"`
	IcebergSize   int64           `json:"iceberg_size,omitempty"`
	IcebergFilled int64           `json:"iceberg_filled,omitempty"` // filled within the current visible slice
	ExpiresAt     int64           `json:"expires_at,omitempty"`     // 0 = good till cancelled
	Origin        OrderOrigin     `json:"origin"`
	CreatedAt     int64           `json:"created_at"`
	UpdatedAt     int64           `json:"updated_at"`
}

// Remaining is the unfilled amount.
func (o *Order) Remaining() int64 {
	return o.Amount - o.FilledAmount
}

// IsIceberg reports whether the order is sliced.
func (o *Order) IsIceberg() bool {
	return o.IcebergSize > 0
}

// Armed reports whether the order is a stop that has not triggered yet.
func (o *Order) Armed() bool {
	return o.Stop != nil && !o.Stop.Triggered
}

// Active reports whether the order may still fill.
func (o *Order) Active() bool {
	return o.Status == StatusPending || o.Status == StatusPartial
}

// Clone returns a copy that shares no pointers with o.
func (o *Order) Clone() Order {
	c := *o
	if o.Stop != nil {
		stop := *o.Stop
		c.Stop = &stop
	}
	return c
}

// OrderParams is a request to create an order. Stop is required for stop
// types and ignored otherwise.
type OrderParams struct {
	PlayerID    string          `json:"player_id"`
	StockID     string          `json:"stock_id"`
	Side        Side            `json:"side"`
	Type        OrderType       `json:"type"`
	Price       decimal.Decimal `json:"price"`
	Amount      int64           `json:"amount"`
	Stop        *StopCondition  `json:"stop,omitempty"`
	IcebergSize int64           `json:"iceberg_size,omitempty"`
	ExpiresAt   int64           `json:"expires_at,omitempty"`
	Origin      OrderOrigin     `json:"origin,omitempty"`
}

// PriceType derives how the order is priced from its type.
func (p OrderParams) PriceType() PriceType {
	switch {
	case p.Type == OrderLimit:
		return PriceLimit
	case p.Type.IsStop() && p.Stop != nil:
		return p.Stop.ResultType
	default:
		return PriceMarket
	}
}

// LimitPrice is the price a limit-priced order would fill at.
func (p OrderParams) LimitPrice() decimal.Decimal {
	if p.Type.IsStop() && p.Stop != nil {
		return p.Stop.ResultPrice
	}
	return p.Price
}
