// Package margin implements short selling against a per-stock borrowable
// pool, per-player margin accounts, continuous revaluation with margin calls,
// and forced liquidation.
//
// The engine never moves player cash. Results report the margin to lock on
// open and the amount to credit on cover; the caller settles them.
package margin

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/exchange-sim/internal/model"
	"github.com/atmx/exchange-sim/internal/order"
)

var (
	ErrInvalidAmount      = errors.New("margin: amount must be positive")
	ErrInvalidPrice       = errors.New("margin: price must be positive")
	ErrInsufficientPool   = errors.New("margin: not enough borrowable shares")
	ErrInsufficientMargin = errors.New("margin: insufficient cash for required margin")
	ErrLeverageExceeded   = errors.New("margin: short exposure exceeds max leverage")
	ErrPositionNotFound   = errors.New("margin: position not found")
	ErrPositionClosed     = errors.New("margin: position already closed")
)

// Originator is the slice of the order manager used to book short and
// cover trades.
type Originator interface {
	CreateOrder(p model.OrderParams, tick int64) (*order.Result, error)
	ExecuteOrder(orderID string, stock *model.Stock, amount, tick int64) (*order.Execution, error)
}

// ShortResult is returned from a successful short sale.
type ShortResult struct {
	Position       model.ShortPosition `json:"position"`
	Account        model.MarginAccount `json:"account"`
	MarginRequired decimal.Decimal     `json:"margin_required"`
	Execution      *order.Execution    `json:"execution"`
}

// CoverResult is returned from a cover or forced liquidation. Credit is the
// margin returned plus net profit, negative when the loss exceeds the locked
// margin.
type CoverResult struct {
	Position   model.ShortPosition `json:"position"`
	CoverPrice decimal.Decimal     `json:"cover_price"`
	DaysHeld   int64               `json:"days_held"`
	Fee        decimal.Decimal     `json:"fee"`
	NetProfit  decimal.Decimal     `json:"net_profit"`
	Credit     decimal.Decimal     `json:"credit"`
	Liquidated bool                `json:"liquidated"`
	Execution  *order.Execution    `json:"execution"`
}

// ShortInterest summarizes open short exposure on one stock.
type ShortInterest struct {
	StockID       string          `json:"stock_id"`
	ShortedShares int64           `json:"shorted_shares"`
	TotalShares   int64           `json:"total_shares"`
	Ratio         decimal.Decimal `json:"ratio"` // percent of outstanding
	OpenPositions int             `json:"open_positions"`
	Available     int64           `json:"available"`
	SqueezeRisk   decimal.Decimal `json:"squeeze_risk"`
}

// Engine owns short positions and margin accounts for one game room.
type Engine struct {
	mu        sync.Mutex
	settings  model.MarginSettings
	orders    Originator
	positions map[string]*model.ShortPosition
	open      map[string]*model.ShortPosition
	accounts  map[string]*model.MarginAccount
	shorted   map[string]int64 // stockID → open borrowed shares
	newID     func() string
}

// NewEngine creates an engine that books its trades through orders.
func NewEngine(settings model.MarginSettings, orders Originator) *Engine {
	return &Engine{
		settings:  settings,
		orders:    orders,
		positions: make(map[string]*model.ShortPosition),
		open:      make(map[string]*model.ShortPosition),
		accounts:  make(map[string]*model.MarginAccount),
		shorted:   make(map[string]int64),
		newID:     func() string { return uuid.New().String() },
	}
}

// --- Pool ---

// AvailableShares is the shortable pool for a stock:
// TotalShares × (1 − MaxShortRatio) minus shares already shorted.
func (e *Engine) AvailableShares(stock *model.Stock) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.availableLocked(stock)
}

func (e *Engine) availableLocked(stock *model.Stock) int64 {
	pool := decimal.NewFromInt(stock.TotalShares).
		Mul(decimal.NewFromInt(1).Sub(e.settings.MaxShortRatio)).
		IntPart()
	return max(pool-e.shorted[stock.ID], 0)
}

// MarginCallPrice is borrow × (1 + (1 − MarginCallThreshold)).
func (e *Engine) MarginCallPrice(borrow decimal.Decimal) decimal.Decimal {
	factor := decimal.NewFromInt(2).Sub(e.settings.MarginCallThreshold)
	return model.RoundMoney(borrow.Mul(factor))
}

// RequiredMargin is amount × price × MinMarginRequirement.
func (e *Engine) RequiredMargin(amount int64, price decimal.Decimal) decimal.Decimal {
	return model.RoundMoney(decimal.NewFromInt(amount).Mul(price).Mul(e.settings.MinMarginRequirement))
}

// --- Open ---

// InitiateShortSell borrows amount shares at the stock's current price and
// sells them. Every check runs before any state changes.
func (e *Engine) InitiateShortSell(player *model.Player, stock *model.Stock, amount, tick int64) (*ShortResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	price := stock.Price
	if !price.IsPositive() {
		return nil, ErrInvalidPrice
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if avail := e.availableLocked(stock); avail < amount {
		return nil, fmt.Errorf("%w: requested %d, available %d", ErrInsufficientPool, amount, avail)
	}
	margin := e.RequiredMargin(amount, price)
	if player.Cash.LessThan(margin) {
		return nil, fmt.Errorf("%w: need %s, have %s", ErrInsufficientMargin, margin.StringFixed(2), player.Cash.StringFixed(2))
	}

	acct := e.accounts[player.ID]
	used := decimal.Zero
	if acct != nil {
		used = acct.UsedMargin
	}
	exposure := decimal.NewFromInt(amount).Mul(price)
	for _, p := range e.open {
		if p.PlayerID == player.ID {
			exposure = exposure.Add(decimal.NewFromInt(p.Amount).Mul(p.BorrowPrice))
		}
	}
	if limit := player.Cash.Add(used).Mul(e.settings.MaxLeverage); e.settings.MaxLeverage.IsPositive() && exposure.GreaterThan(limit) {
		return nil, fmt.Errorf("%w: exposure %s, limit %s", ErrLeverageExceeded, exposure.StringFixed(2), limit.StringFixed(2))
	}

	res, err := e.orders.CreateOrder(model.OrderParams{
		PlayerID: player.ID,
		StockID:  stock.ID,
		Side:     model.SideSell,
		Type:     model.OrderLimit,
		Price:    price,
		Amount:   amount,
		Origin:   model.OriginShort,
	}, tick)
	if err != nil {
		return nil, fmt.Errorf("margin: originate short order: %w", err)
	}
	exec, err := e.orders.ExecuteOrder(res.Order.ID, stock, amount, tick)
	if err != nil {
		return nil, fmt.Errorf("margin: execute short order: %w", err)
	}

	pos := &model.ShortPosition{
		ID:               e.newID(),
		PlayerID:         player.ID,
		StockID:          stock.ID,
		Amount:           amount,
		BorrowPrice:      price,
		CurrentPrice:     price,
		MarginRequired:   margin,
		MarginRatio:      model.RoundPercent(e.settings.MinMarginRequirement),
		MarginCallPrice:  e.MarginCallPrice(price),
		AccruedFee:       decimal.Zero,
		OpenTick:         tick,
		DueTick:          tick + e.settings.MaxHoldingDays*model.TicksPerDay,
		Status:           model.PositionOpen,
		UnrealizedProfit: decimal.Zero,
		RealizedProfit:   decimal.Zero,
		ProfitRate:       decimal.Zero,
		OrderID:          res.Order.ID,
	}
	e.positions[pos.ID] = pos
	e.open[pos.ID] = pos
	e.shorted[stock.ID] += amount

	if acct == nil {
		acct = &model.MarginAccount{
			PlayerID:       player.ID,
			Leverage:       e.settings.MaxLeverage,
			UsedMargin:     decimal.Zero,
			RealizedProfit: decimal.Zero,
		}
		e.accounts[player.ID] = acct
	}
	acct.UsedMargin = acct.UsedMargin.Add(margin)
	acct.AvailableMargin = player.Cash.Sub(margin)
	acct.OpenPositions++
	acct.UpdatedTick = tick

	slog.Info("short opened",
		"position_id", pos.ID,
		"player", player.ID,
		"stock", stock.ID,
		"amount", amount,
		"borrow_price", price.String(),
		"margin", margin.String(),
	)

	return &ShortResult{
		Position:       *pos,
		Account:        *acct,
		MarginRequired: margin,
		Execution:      exec,
	}, nil
}

// --- Close ---

// CoverShortPosition buys back an open position at coverPrice.
func (e *Engine) CoverShortPosition(positionID string, coverPrice decimal.Decimal, tick int64) (*CoverResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.coverLocked(positionID, coverPrice, tick, model.OriginCover)
}

// ForceLiquidatePosition covers immediately at price × (1 + LiquidationPenalty).
func (e *Engine) ForceLiquidatePosition(positionID string, price decimal.Decimal, tick int64) (*CoverResult, error) {
	penalized := model.RoundMoney(price.Mul(decimal.NewFromInt(1).Add(e.settings.LiquidationPenalty)))

	e.mu.Lock()
	defer e.mu.Unlock()
	res, err := e.coverLocked(positionID, penalized, tick, model.OriginLiquidation)
	if err != nil {
		return nil, err
	}
	slog.Warn("position liquidated",
		"position_id", positionID,
		"player", res.Position.PlayerID,
		"price", price.String(),
		"cover_price", penalized.String(),
	)
	return res, nil
}

// DaysHeld is the number of whole borrow days charged between two ticks,
// rounded up, and never less than one.
func DaysHeld(openTick, tick int64) int64 {
	span := tick - openTick
	days := (span + model.TicksPerDay - 1) / model.TicksPerDay
	return max(days, 1)
}

func (e *Engine) borrowFee(p *model.ShortPosition, days decimal.Decimal) decimal.Decimal {
	return model.RoundMoney(decimal.NewFromInt(p.Amount).
		Mul(p.BorrowPrice).
		Mul(e.settings.DailyBorrowFee).
		Mul(days))
}

func (e *Engine) coverLocked(positionID string, coverPrice decimal.Decimal, tick int64, origin model.OrderOrigin) (*CoverResult, error) {
	pos, ok := e.positions[positionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, positionID)
	}
	if pos.Status != model.PositionOpen {
		return nil, fmt.Errorf("%w: %s", ErrPositionClosed, positionID)
	}
	if !coverPrice.IsPositive() {
		return nil, ErrInvalidPrice
	}

	res, err := e.orders.CreateOrder(model.OrderParams{
		PlayerID: pos.PlayerID,
		StockID:  pos.StockID,
		Side:     model.SideBuy,
		Type:     model.OrderLimit,
		Price:    coverPrice,
		Amount:   pos.Amount,
		Origin:   origin,
	}, tick)
	if err != nil {
		return nil, fmt.Errorf("margin: originate cover order: %w", err)
	}
	// Limit orders fill at their limit, so a bare stock is enough here.
	exec, err := e.orders.ExecuteOrder(res.Order.ID, &model.Stock{ID: pos.StockID, Price: coverPrice}, pos.Amount, tick)
	if err != nil {
		return nil, fmt.Errorf("margin: execute cover order: %w", err)
	}

	days := DaysHeld(pos.OpenTick, tick)
	fee := e.borrowFee(pos, decimal.NewFromInt(days))
	gross := pos.BorrowPrice.Sub(coverPrice).Mul(decimal.NewFromInt(pos.Amount))
	netProfit := model.RoundMoney(gross).Sub(fee)
	credit := pos.MarginRequired.Add(netProfit)

	pos.Status = model.PositionClosed
	pos.CoverPrice = coverPrice
	pos.CurrentPrice = coverPrice
	pos.ClosedTick = tick
	pos.AccruedFee = fee
	pos.RealizedProfit = netProfit
	pos.UnrealizedProfit = decimal.Zero
	pos.ProfitRate = model.RoundPercent(netProfit.Div(pos.MarginRequired))
	pos.CoverOrderID = res.Order.ID
	delete(e.open, pos.ID)
	e.shorted[pos.StockID] -= pos.Amount
	if e.shorted[pos.StockID] <= 0 {
		delete(e.shorted, pos.StockID)
	}

	if acct := e.accounts[pos.PlayerID]; acct != nil {
		acct.UsedMargin = acct.UsedMargin.Sub(pos.MarginRequired)
		acct.AvailableMargin = acct.AvailableMargin.Add(credit)
		acct.RealizedProfit = acct.RealizedProfit.Add(netProfit)
		acct.OpenPositions--
		acct.UpdatedTick = tick
	}

	slog.Info("short covered",
		"position_id", pos.ID,
		"player", pos.PlayerID,
		"cover_price", coverPrice.String(),
		"days", days,
		"fee", fee.String(),
		"net_profit", netProfit.String(),
	)

	return &CoverResult{
		Position:   *pos,
		CoverPrice: coverPrice,
		DaysHeld:   days,
		Fee:        fee,
		NetProfit:  netProfit,
		Credit:     credit,
		Liquidated: origin == model.OriginLiquidation,
		Execution:  exec,
	}, nil
}

// --- Revaluation ---

// UpdateAllPositions marks every open position to prices (stockID → price),
// accrues the borrow fee pro-rata and reports margin calls. Positions whose
// stock has no price keep their last mark. A position at or past its due
// tick is reported as overdue ahead of any price breach.
func (e *Engine) UpdateAllPositions(tick int64, prices map[string]decimal.Decimal) []model.MarginCall {
	e.mu.Lock()
	defer e.mu.Unlock()

	var calls []model.MarginCall
	type agg struct{ equity, exposure decimal.Decimal }
	perPlayer := make(map[string]*agg)

	for _, p := range e.sortedOpenLocked() {
		if price, ok := prices[p.StockID]; ok && price.IsPositive() {
			p.CurrentPrice = price
		}
		amount := decimal.NewFromInt(p.Amount)
		p.AccruedFee = e.borrowFee(p, model.Days(tick-p.OpenTick))
		p.UnrealizedProfit = model.RoundMoney(p.BorrowPrice.Sub(p.CurrentPrice).Mul(amount)).Sub(p.AccruedFee)
		equity := p.MarginRequired.Add(p.UnrealizedProfit)
		exposure := amount.Mul(p.CurrentPrice)
		p.MarginRatio = model.RoundPercent(equity.Div(exposure))
		p.ProfitRate = model.RoundPercent(p.UnrealizedProfit.Div(p.MarginRequired))

		a := perPlayer[p.PlayerID]
		if a == nil {
			a = &agg{}
			perPlayer[p.PlayerID] = a
		}
		a.equity = a.equity.Add(equity)
		a.exposure = a.exposure.Add(exposure)

		var reason model.MarginCallReason
		switch {
		case tick >= p.DueTick:
			reason = model.ReasonOverdue
		case p.CurrentPrice.GreaterThanOrEqual(p.MarginCallPrice):
			reason = model.ReasonPriceBreach
		default:
			continue
		}
		calls = append(calls, model.MarginCall{
			PositionID:      p.ID,
			PlayerID:        p.PlayerID,
			StockID:         p.StockID,
			Price:           p.CurrentPrice,
			MarginCallPrice: p.MarginCallPrice,
			MarginRatio:     p.MarginRatio,
			Reason:          reason,
			Tick:            tick,
		})
		slog.Warn("margin call",
			"position_id", p.ID,
			"player", p.PlayerID,
			"reason", reason,
			"price", p.CurrentPrice.String(),
			"call_price", p.MarginCallPrice.String(),
		)
	}

	for id, a := range perPlayer {
		if acct := e.accounts[id]; acct != nil && a.exposure.IsPositive() {
			acct.MarginRatio = model.RoundPercent(a.equity.Div(a.exposure))
			acct.UpdatedTick = tick
		}
	}
	return calls
}

func (e *Engine) sortedOpenLocked() []*model.ShortPosition {
	out := make([]*model.ShortPosition, 0, len(e.open))
	for _, p := range e.open {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenTick != out[j].OpenTick {
			return out[i].OpenTick < out[j].OpenTick
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// --- Analytics ---

// ShortInterest reports open short exposure on a stock.
func (e *Engine) ShortInterest(stock *model.Stock) ShortInterest {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for _, p := range e.open {
		if p.StockID == stock.ID {
			n++
		}
	}
	ratio := e.shortRatioLocked(stock)
	return ShortInterest{
		StockID:       stock.ID,
		ShortedShares: e.shorted[stock.ID],
		TotalShares:   stock.TotalShares,
		Ratio:         model.RoundPercent(ratio),
		OpenPositions: n,
		Available:     e.availableLocked(stock),
		SqueezeRisk:   squeezeTier(ratio),
	}
}

// ShortSqueezeRisk buckets the shorted share ratio into a risk score.
func (e *Engine) ShortSqueezeRisk(stock *model.Stock) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return squeezeTier(e.shortRatioLocked(stock))
}

func (e *Engine) shortRatioLocked(stock *model.Stock) decimal.Decimal {
	if stock.TotalShares <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(e.shorted[stock.ID]).Div(decimal.NewFromInt(stock.TotalShares))
}

var squeezeTiers = []struct {
	above, risk decimal.Decimal
}{
	{decimal.RequireFromString("0.2"), decimal.RequireFromString("0.9")},
	{decimal.RequireFromString("0.1"), decimal.RequireFromString("0.6")},
	{decimal.RequireFromString("0.05"), decimal.RequireFromString("0.3")},
}

var baseSqueezeRisk = decimal.RequireFromString("0.1")

func squeezeTier(ratio decimal.Decimal) decimal.Decimal {
	for _, t := range squeezeTiers {
		if ratio.GreaterThan(t.above) {
			return t.risk
		}
	}
	return baseSqueezeRisk
}

// --- Queries ---

// Position returns a copy of a position, open or closed.
func (e *Engine) Position(id string) (model.ShortPosition, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.positions[id]
	if !ok {
		return model.ShortPosition{}, false
	}
	return *p, true
}

// PlayerPositions returns a player's open positions, oldest first.
func (e *Engine) PlayerPositions(playerID string) []model.ShortPosition {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []model.ShortPosition
	for _, p := range e.sortedOpenLocked() {
		if p.PlayerID == playerID {
			out = append(out, *p)
		}
	}
	return out
}

// OpenPositions returns every open position, oldest first.
func (e *Engine) OpenPositions() []model.ShortPosition {
	e.mu.Lock()
	defer e.mu.Unlock()

	ptrs := e.sortedOpenLocked()
	out := make([]model.ShortPosition, len(ptrs))
	for i, p := range ptrs {
		out[i] = *p
	}
	return out
}

// Account returns a copy of a player's margin account.
func (e *Engine) Account(playerID string) (model.MarginAccount, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.accounts[playerID]
	if !ok {
		return model.MarginAccount{}, false
	}
	return *a, true
}
