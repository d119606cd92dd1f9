// Package order owns the lifecycle of every order in a game room: creation,
// validation, execution against synthetic liquidity, stop triggering,
// cancellation and expiry.
//
// The Manager performs no I/O and never touches player balances; fills are
// reported to the caller, which settles them.
package order

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/exchange-sim/internal/book"
	"github.com/atmx/exchange-sim/internal/model"
)

var (
	ErrInvalidAmount      = errors.New("order: amount must be positive")
	ErrInvalidPrice       = errors.New("order: limit price must be positive")
	ErrInvalidSide        = errors.New("order: side must be buy or sell")
	ErrInvalidType        = errors.New("order: unsupported order type")
	ErrMissingStop        = errors.New("order: stop order requires a trigger")
	ErrInvalidStop        = errors.New("order: stop direction or result type is invalid")
	ErrInvalidIceberg     = errors.New("order: iceberg size must be between 0 and amount")
	ErrInsufficientFunds  = errors.New("order: insufficient cash for notional and fee")
	ErrInsufficientShares = errors.New("order: insufficient shares to sell")
	ErrNotFound           = errors.New("order: not found")
	ErrNotActive          = errors.New("order: order is no longer active")
	ErrStockMismatch      = errors.New("order: stock does not match order")
)

// Result is returned from order creation.
type Result struct {
	Order model.Order `json:"order"`
	// EstimatedPrice is 0 for pure market orders and the limit or trigger
	// price otherwise.
	EstimatedPrice decimal.Decimal `json:"estimated_price"`
}

// Execution reports one fill of an order.
type Execution struct {
	OrderID   string            `json:"order_id"`
	PlayerID  string            `json:"player_id"`
	StockID   string            `json:"stock_id"`
	Side      model.Side        `json:"side"`
	Filled    int64             `json:"filled"`
	AvgPrice  decimal.Decimal   `json:"avg_price"`
	Notional  decimal.Decimal   `json:"notional"`
	Fee       decimal.Decimal   `json:"fee"`
	Remaining int64             `json:"remaining"`
	Status    model.OrderStatus `json:"status"`
	Tick      int64             `json:"tick"`
}

// Manager is the live order set of one game room.
type Manager struct {
	mu       sync.Mutex
	feeRate  decimal.Decimal
	orders   map[string]*model.Order
	byPlayer map[string][]string
	newID    func() string
}

// NewManager creates an empty order manager charging feeRate on notional.
func NewManager(feeRate decimal.Decimal) *Manager {
	return &Manager{
		feeRate:  feeRate,
		orders:   make(map[string]*model.Order),
		byPlayer: make(map[string][]string),
		newID:    func() string { return uuid.New().String() },
	}
}

// FeeRate returns the transaction fee rate.
func (m *Manager) FeeRate() decimal.Decimal {
	return m.feeRate
}

// Fee is notional × fee rate, rounded to cents.
func (m *Manager) Fee(notional decimal.Decimal) decimal.Decimal {
	return model.RoundMoney(notional.Mul(m.feeRate))
}

// --- Creation ---

// checkParams validates the shape of a creation request without looking at
// any player or stock state.
func checkParams(p model.OrderParams) error {
	if p.Amount <= 0 {
		return ErrInvalidAmount
	}
	if !p.Side.Valid() {
		return ErrInvalidSide
	}
	switch p.Type {
	case model.OrderMarket, model.OrderLimit:
	case model.OrderStopLoss, model.OrderStopProfit, model.OrderTrailingStop:
		if p.Stop == nil || !p.Stop.TriggerPrice.IsPositive() {
			return ErrMissingStop
		}
		if dir := p.Stop.Direction; dir != model.TriggerGTE && dir != model.TriggerLTE {
			return fmt.Errorf("%w: direction %q", ErrInvalidStop, dir)
		}
		if rt := p.Stop.ResultType; rt != model.PriceMarket && rt != model.PriceLimit {
			return fmt.Errorf("%w: result type %q", ErrInvalidStop, rt)
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidType, p.Type)
	}
	if p.PriceType() == model.PriceLimit && !p.LimitPrice().IsPositive() {
		return ErrInvalidPrice
	}
	if p.IcebergSize < 0 || (p.IcebergSize > 0 && p.IcebergSize >= p.Amount) {
		return ErrInvalidIceberg
	}
	return nil
}

// CreateOrder validates and registers an order with status pending.
func (m *Manager) CreateOrder(p model.OrderParams, tick int64) (*Result, error) {
	if err := checkParams(p); err != nil {
		return nil, err
	}

	o := &model.Order{
		ID:           m.newID(),
		PlayerID:     p.PlayerID,
		StockID:      p.StockID,
		Side:         p.Side,
		Type:         p.Type,
		PriceType:    p.PriceType(),
		Amount:       p.Amount,
		AvgFillPrice: decimal.Zero,
		Status:       model.StatusPending,
		IcebergSize:  p.IcebergSize,
		ExpiresAt:    p.ExpiresAt,
		Origin:       p.Origin,
		CreatedAt:    tick,
		UpdatedAt:    tick,
	}
	if o.Origin == "" {
		o.Origin = model.OriginPlayer
	}
	if o.PriceType == model.PriceLimit {
		o.Price = model.RoundMoney(p.LimitPrice())
	}
	if p.Type.IsStop() {
		stop := *p.Stop
		stop.Triggered = false
		stop.TriggerPrice = model.RoundMoney(stop.TriggerPrice)
		o.Stop = &stop
	}

	m.mu.Lock()
	m.orders[o.ID] = o
	m.byPlayer[o.PlayerID] = append(m.byPlayer[o.PlayerID], o.ID)
	m.mu.Unlock()

	slog.Debug("order created",
		"order_id", o.ID,
		"player", o.PlayerID,
		"stock", o.StockID,
		"type", o.Type,
		"side", o.Side,
		"amount", o.Amount,
	)

	return &Result{Order: o.Clone(), EstimatedPrice: estimatedPrice(o)}, nil
}

func estimatedPrice(o *model.Order) decimal.Decimal {
	if o.Stop != nil {
		return o.Stop.TriggerPrice
	}
	if o.PriceType == model.PriceLimit {
		return o.Price
	}
	return decimal.Zero
}

// CreateMarketOrder creates an order that takes the best opposing level.
func (m *Manager) CreateMarketOrder(playerID, stockID string, side model.Side, amount, tick int64) (*Result, error) {
	return m.CreateOrder(model.OrderParams{
		PlayerID: playerID,
		StockID:  stockID,
		Side:     side,
		Type:     model.OrderMarket,
		Amount:   amount,
	}, tick)
}

// CreateLimitOrder creates an order that fills only at price or better.
func (m *Manager) CreateLimitOrder(playerID, stockID string, side model.Side, amount int64, price decimal.Decimal, tick int64) (*Result, error) {
	return m.CreateOrder(model.OrderParams{
		PlayerID: playerID,
		StockID:  stockID,
		Side:     side,
		Type:     model.OrderLimit,
		Price:    price,
		Amount:   amount,
	}, tick)
}

// stopDirection is the comparison that fires a stop: protective sells and
// profit-taking buys fire on a fall, the rest on a rise.
func stopDirection(t model.OrderType, side model.Side) model.Direction {
	falling := (t == model.OrderStopLoss || t == model.OrderTrailingStop) && side == model.SideSell ||
		t == model.OrderStopProfit && side == model.SideBuy
	if falling {
		return model.TriggerLTE
	}
	return model.TriggerGTE
}

// CreateStopLossOrder creates a stop that becomes a market order, or a limit
// order at limitPrice when that is positive, once trigger is reached.
func (m *Manager) CreateStopLossOrder(playerID, stockID string, side model.Side, amount int64, trigger, limitPrice decimal.Decimal, tick int64) (*Result, error) {
	return m.createStop(model.OrderStopLoss, playerID, stockID, side, amount, trigger, limitPrice, tick)
}

// CreateStopProfitOrder is the take-profit mirror of CreateStopLossOrder.
func (m *Manager) CreateStopProfitOrder(playerID, stockID string, side model.Side, amount int64, trigger, limitPrice decimal.Decimal, tick int64) (*Result, error) {
	return m.createStop(model.OrderStopProfit, playerID, stockID, side, amount, trigger, limitPrice, tick)
}

func (m *Manager) createStop(t model.OrderType, playerID, stockID string, side model.Side, amount int64, trigger, limitPrice decimal.Decimal, tick int64) (*Result, error) {
	stop := &model.StopCondition{
		TriggerPrice: trigger,
		Direction:    stopDirection(t, side),
		ResultType:   model.PriceMarket,
	}
	if limitPrice.IsPositive() {
		stop.ResultType = model.PriceLimit
		stop.ResultPrice = limitPrice
	}
	return m.CreateOrder(model.OrderParams{
		PlayerID: playerID,
		StockID:  stockID,
		Side:     side,
		Type:     t,
		Amount:   amount,
		Stop:     stop,
	}, tick)
}

// CreateTrailingStopOrder creates a trailing stop anchored at currentPrice.
// The offset is trailPercent of the reference price when positive, otherwise
// the absolute trailAmount.
func (m *Manager) CreateTrailingStopOrder(playerID, stockID string, side model.Side, amount int64, currentPrice, trailPercent, trailAmount decimal.Decimal, tick int64) (*Result, error) {
	if !trailPercent.IsPositive() && !trailAmount.IsPositive() {
		return nil, fmt.Errorf("%w: trailing stop needs a percent or amount offset", ErrMissingStop)
	}
	stop := &model.StopCondition{
		Direction:    stopDirection(model.OrderTrailingStop, side),
		ResultType:   model.PriceMarket,
		TrailPercent: trailPercent,
		TrailAmount:  trailAmount,
	}
	offset := trailOffset(stop, currentPrice)
	if side == model.SideSell {
		stop.TriggerPrice = currentPrice.Sub(offset)
	} else {
		stop.TriggerPrice = currentPrice.Add(offset)
	}
	return m.CreateOrder(model.OrderParams{
		PlayerID: playerID,
		StockID:  stockID,
		Side:     side,
		Type:     model.OrderTrailingStop,
		Amount:   amount,
		Stop:     stop,
	}, tick)
}

// PrepareStop completes the stop condition of a request built from raw
// input: a missing direction is derived from the type and side, and a
// trailing stop without a trigger is anchored at currentPrice. Requests
// without a stop are returned unchanged.
func PrepareStop(p model.OrderParams, currentPrice decimal.Decimal) model.OrderParams {
	if !p.Type.IsStop() || p.Stop == nil {
		return p
	}
	stop := *p.Stop
	if stop.Direction == "" {
		stop.Direction = stopDirection(p.Type, p.Side)
	}
	if stop.ResultType == "" {
		stop.ResultType = model.PriceMarket
		if stop.ResultPrice.IsPositive() {
			stop.ResultType = model.PriceLimit
		}
	}
	if p.Type == model.OrderTrailingStop && !stop.TriggerPrice.IsPositive() {
		offset := trailOffset(&stop, currentPrice)
		if offset.IsPositive() {
			if p.Side == model.SideSell {
				stop.TriggerPrice = currentPrice.Sub(offset)
			} else {
				stop.TriggerPrice = currentPrice.Add(offset)
			}
		}
	}
	p.Stop = &stop
	return p
}

// CreateIcebergOrder creates a limit order that fills in visible slices of
// icebergSize. Requires 0 < icebergSize < amount.
func (m *Manager) CreateIcebergOrder(playerID, stockID string, side model.Side, amount int64, price decimal.Decimal, icebergSize, tick int64) (*Result, error) {
	if icebergSize <= 0 || icebergSize >= amount {
		return nil, ErrInvalidIceberg
	}
	return m.CreateOrder(model.OrderParams{
		PlayerID:    playerID,
		StockID:     stockID,
		Side:        side,
		Type:        model.OrderLimit,
		Price:       price,
		Amount:      amount,
		IcebergSize: icebergSize,
	}, tick)
}

// --- Validation ---

// ReferencePrice is the per-share price used to check affordability: the
// limit price when the order is limit-priced, otherwise the best opposing
// level, falling back to the last price.
func ReferencePrice(p model.OrderParams, stock *model.Stock) decimal.Decimal {
	if p.PriceType() == model.PriceLimit && p.LimitPrice().IsPositive() {
		return p.LimitPrice()
	}
	if p.Type.IsStop() && p.Stop != nil {
		return p.Stop.TriggerPrice
	}
	if best, ok := book.Best(book.Opposing(stock, p.Side)); ok {
		return best.Price
	}
	return stock.Price
}

// ValidateOrder checks a request against the player's cash and holdings.
// It never mutates anything.
func (m *Manager) ValidateOrder(p model.OrderParams, player *model.Player, stock *model.Stock) error {
	if p.Amount <= 0 {
		return ErrInvalidAmount
	}
	if p.PriceType() == model.PriceLimit && !p.LimitPrice().IsPositive() {
		return ErrInvalidPrice
	}
	switch p.Side {
	case model.SideBuy:
		notional := ReferencePrice(p, stock).Mul(decimal.NewFromInt(p.Amount))
		total := model.RoundMoney(notional).Add(m.Fee(notional))
		if player.Cash.LessThan(total) {
			return fmt.Errorf("%w: need %s, have %s", ErrInsufficientFunds, total.StringFixed(2), player.Cash.StringFixed(2))
		}
	case model.SideSell:
		if held := player.Holding(p.StockID); held < p.Amount {
			return fmt.Errorf("%w: need %d, have %d", ErrInsufficientShares, p.Amount, held)
		}
	default:
		return ErrInvalidSide
	}
	return nil
}

// --- Execution ---

// CalculateExecutionPrice is the price the next fill of o would take: its
// limit price when limit-priced, otherwise the best opposing level, or the
// stock's last price when that side of the book is empty.
func CalculateExecutionPrice(o *model.Order, stock *model.Stock) decimal.Decimal {
	if o.PriceType == model.PriceLimit {
		return o.Price
	}
	if best, ok := book.Best(book.Opposing(stock, o.Side)); ok {
		return best.Price
	}
	return stock.Price
}

// Marketable reports whether o can fill against the current book. Armed
// stops are never marketable.
func Marketable(o *model.Order, stock *model.Stock) bool {
	if !o.Active() || o.Armed() {
		return false
	}
	if o.PriceType == model.PriceMarket {
		return true
	}
	best, ok := book.Best(book.Opposing(stock, o.Side))
	ref := stock.Price
	if ok {
		ref = best.Price
	}
	if o.Side == model.SideBuy {
		return ref.LessThanOrEqual(o.Price)
	}
	return ref.GreaterThanOrEqual(o.Price)
}

// ExecuteOrder fills up to amount of the order at CalculateExecutionPrice.
// The fill is clamped to the remaining amount and, for icebergs, the
// remaining visible slice. A clamped-to-zero fill is not an error.
func (m *Manager) ExecuteOrder(orderID string, stock *model.Stock, amount, tick int64) (*Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, orderID)
	}
	if !o.Active() {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotActive, orderID, o.Status)
	}
	if stock.ID != o.StockID {
		return nil, ErrStockMismatch
	}

	fill := min(max(amount, 0), o.Remaining())
	if o.IsIceberg() {
		fill = min(fill, o.IcebergSize-o.IcebergFilled)
	}

	price := CalculateExecutionPrice(o, stock)
	notional := model.RoundMoney(price.Mul(decimal.NewFromInt(fill)))

	if fill > 0 {
		prevCost := o.AvgFillPrice.Mul(decimal.NewFromInt(o.FilledAmount))
		o.FilledAmount += fill
		o.AvgFillPrice = model.RoundMoney(prevCost.Add(price.Mul(decimal.NewFromInt(fill))).
			Div(decimal.NewFromInt(o.FilledAmount)))
		if o.IsIceberg() {
			o.IcebergFilled += fill
			if o.IcebergFilled >= o.IcebergSize {
				o.IcebergFilled = 0 // next slice becomes visible
			}
		}
		if o.Remaining() == 0 {
			o.Status = model.StatusFilled
		} else {
			o.Status = model.StatusPartial
		}
		o.UpdatedAt = tick

		slog.Debug("order executed",
			"order_id", o.ID,
			"filled", fill,
			"price", price.String(),
			"status", o.Status,
		)
	}

	// Margin-originated orders settle through the borrow fee only.
	fee := decimal.Zero
	if o.Origin == model.OriginPlayer {
		fee = m.Fee(notional)
	}

	return &Execution{
		OrderID:   o.ID,
		PlayerID:  o.PlayerID,
		StockID:   o.StockID,
		Side:      o.Side,
		Filled:    fill,
		AvgPrice:  price,
		Notional:  notional,
		Fee:       fee,
		Remaining: o.Remaining(),
		Status:    o.Status,
		Tick:      tick,
	}, nil
}

// --- Stops ---

// CheckStopCondition reports whether currentPrice satisfies the order's stop
// trigger. Orders without a stop never match.
func CheckStopCondition(o *model.Order, currentPrice decimal.Decimal) bool {
	if o.Stop == nil {
		return false
	}
	switch o.Stop.Direction {
	case model.TriggerGTE:
		return currentPrice.GreaterThanOrEqual(o.Stop.TriggerPrice)
	case model.TriggerLTE:
		return currentPrice.LessThanOrEqual(o.Stop.TriggerPrice)
	}
	return false
}

func trailOffset(stop *model.StopCondition, reference decimal.Decimal) decimal.Decimal {
	if stop.TrailPercent.IsPositive() {
		return reference.Mul(stop.TrailPercent)
	}
	return stop.TrailAmount
}

// ratchet moves a trailing trigger in the favourable direction only: up for
// sells (running high − offset), down for buys (running low + offset).
func ratchet(o *model.Order, current, high, low decimal.Decimal) bool {
	if o.Type != model.OrderTrailingStop || o.Stop == nil || o.Stop.Triggered {
		return false
	}
	if o.Side == model.SideSell {
		ref := decimal.Max(high, current)
		candidate := model.RoundMoney(ref.Sub(trailOffset(o.Stop, ref)))
		if candidate.GreaterThan(o.Stop.TriggerPrice) {
			o.Stop.TriggerPrice = candidate
			return true
		}
		return false
	}
	ref := current
	if low.IsPositive() && low.LessThan(current) {
		ref = low
	}
	candidate := model.RoundMoney(ref.Add(trailOffset(o.Stop, ref)))
	if candidate.LessThan(o.Stop.TriggerPrice) {
		o.Stop.TriggerPrice = candidate
		return true
	}
	return false
}

// UpdateTrailingStop recomputes a trailing stop's trigger from the latest
// price range and returns the resulting trigger.
func (m *Manager) UpdateTrailingStop(orderID string, currentPrice, high, low decimal.Decimal) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNotFound, orderID)
	}
	if o.Type != model.OrderTrailingStop {
		return decimal.Zero, fmt.Errorf("%w: %s is not a trailing stop", ErrInvalidType, orderID)
	}
	ratchet(o, currentPrice, high, low)
	return o.Stop.TriggerPrice, nil
}

// TriggerStops ratchets every armed trailing stop on the given stocks and
// arms-off every stop whose condition now matches, converting it to its
// result price type. Returns the orders that triggered this call.
func (m *Manager) TriggerStops(tick int64, stocks map[string]*model.Stock) []model.Order {
	m.mu.Lock()
	defer m.mu.Unlock()

	var triggered []model.Order
	for _, o := range m.sortedLocked() {
		if !o.Active() || !o.Armed() {
			continue
		}
		stock, ok := stocks[o.StockID]
		if !ok {
			continue
		}
		ratchet(o, stock.Price, stock.High, stock.Low)
		if !CheckStopCondition(o, stock.Price) {
			continue
		}
		o.Stop.Triggered = true
		o.Stop.TriggeredAt = tick
		o.PriceType = o.Stop.ResultType
		if o.PriceType == model.PriceLimit {
			o.Price = model.RoundMoney(o.Stop.ResultPrice)
		}
		o.UpdatedAt = tick
		triggered = append(triggered, o.Clone())

		slog.Info("stop triggered",
			"order_id", o.ID,
			"type", o.Type,
			"trigger", o.Stop.TriggerPrice.String(),
			"price", stock.Price.String(),
		)
	}
	return triggered
}

// --- Lifecycle ---

// ExpireOrders moves every active order whose expiry tick has passed to
// expired. Partially filled orders keep their fills.
func (m *Manager) ExpireOrders(tick int64) []model.Order {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []model.Order
	for _, o := range m.sortedLocked() {
		if o.Active() && o.ExpiresAt > 0 && tick > o.ExpiresAt {
			o.Status = model.StatusExpired
			o.UpdatedAt = tick
			expired = append(expired, o.Clone())
		}
	}
	return expired
}

// CancelOrder cancels a pending or partial order at tick. Returns false for
// unknown or already terminal orders.
func (m *Manager) CancelOrder(orderID string, tick int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok || !o.Active() {
		return false
	}
	o.Status = model.StatusCancelled
	o.UpdatedAt = tick
	slog.Debug("order cancelled", "order_id", orderID, "tick", tick)
	return true
}

// --- Queries ---

// Get returns a copy of an order.
func (m *Manager) Get(orderID string) (model.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok {
		return model.Order{}, false
	}
	return o.Clone(), true
}

// PlayerOrders returns a player's orders in creation order.
func (m *Manager) PlayerOrders(playerID string) []model.Order {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := m.byPlayer[playerID]
	out := make([]model.Order, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.orders[id].Clone())
	}
	return out
}

// ActiveOrders returns pending and partial orders, optionally for one stock
// (empty stockID means all), sorted by creation tick.
func (m *Manager) ActiveOrders(stockID string) []model.Order {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.Order
	for _, o := range m.sortedLocked() {
		if o.Active() && (stockID == "" || o.StockID == stockID) {
			out = append(out, o.Clone())
		}
	}
	return out
}

// sortedLocked returns live pointers ordered by (CreatedAt, ID) so tick
// processing is deterministic. Caller must hold m.mu.
func (m *Manager) sortedLocked() []*model.Order {
	out := make([]*model.Order, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// --- Book analytics ---

// OrderBookImbalance is (buy − sell) / (buy + sell) over the remaining volume
// of resting orders on a stock, in [-1, 1]. Zero when nothing rests.
func (m *Manager) OrderBookImbalance(stockID string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()

	var buy, sell int64
	for _, o := range m.orders {
		if o.StockID != stockID || !o.Active() {
			continue
		}
		if o.Side == model.SideBuy {
			buy += o.Remaining()
		} else {
			sell += o.Remaining()
		}
	}
	if buy+sell == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(buy - sell).Div(decimal.NewFromInt(buy + sell)).Round(4)
}

// EstimateSlippage walks the opposing book for amount shares and returns the
// percent deviation of the volume-weighted price from the best level. Zero
// when the book has nothing to fill against.
func EstimateSlippage(stock *model.Stock, side model.Side, amount int64) decimal.Decimal {
	levels := book.Opposing(stock, side)
	best, ok := book.Best(levels)
	if !ok || amount <= 0 || !best.Price.IsPositive() {
		return decimal.Zero
	}
	filled, vwap := book.Walk(levels, amount)
	if filled == 0 {
		return decimal.Zero
	}
	return model.RoundPercent(vwap.Sub(best.Price).Abs().Div(best.Price))
}
