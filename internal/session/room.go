// Package session runs one game room. A Room explicitly constructs and owns
// its order manager, margin engine, dividend engine and price walk, holds
// the stock and player registry, and settles every fill, cover and payout
// into player balances.
//
// One mutex covers the whole room, so a tick is processed atomically: the
// new prices reach the order manager and the margin engine before any order
// or position is revalued.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/exchange-sim/internal/book"
	"github.com/atmx/exchange-sim/internal/correlation"
	"github.com/atmx/exchange-sim/internal/dividend"
	"github.com/atmx/exchange-sim/internal/events"
	"github.com/atmx/exchange-sim/internal/margin"
	"github.com/atmx/exchange-sim/internal/market"
	"github.com/atmx/exchange-sim/internal/metrics"
	"github.com/atmx/exchange-sim/internal/model"
	"github.com/atmx/exchange-sim/internal/order"
	"github.com/atmx/exchange-sim/internal/store"
)

var (
	ErrUnknownPlayer     = errors.New("session: unknown player")
	ErrUnknownStock      = errors.New("session: unknown stock")
	ErrDuplicate         = errors.New("session: id already registered")
	ErrNotOwner          = errors.New("session: resource belongs to another player")
	ErrNotCancellable    = errors.New("session: order cannot be cancelled")
	ErrRightsUnavailable = errors.New("session: no rights issue to subscribe")
	ErrAlreadySubscribed = errors.New("session: rights already subscribed")
)

// Config configures a room.
type Config struct {
	RoomID   string
	Settings model.GameSettings
	Market   market.Config
	Seed     uint64
}

// Room is one game room.
type Room struct {
	mu       sync.Mutex
	id       string
	settings model.GameSettings
	tick     int64

	stocks      map[string]*model.Stock
	stockOrder  []string
	players     map[string]*model.Player
	playerOrder []string

	orders    *order.Manager
	margin    *margin.Engine
	dividends *dividend.Engine
	pricer    *market.Pricer
	limiter   *correlation.PositionLimiter

	rights map[model.HoldingKey]map[string]bool // holding → subscribed event IDs

	store store.Store
	pub   events.Publisher

	ledger []model.LedgerEntry
	outbox []events.Event

	now   func() time.Time
	newID func() string
}

// New creates a room. A nil publisher discards events.
func New(cfg Config, st store.Store, pub events.Publisher) *Room {
	if cfg.RoomID == "" {
		cfg.RoomID = uuid.New().String()
	}
	if pub == nil {
		pub = events.Nop{}
	}
	om := order.NewManager(cfg.Settings.FeeRate)
	return &Room{
		id:        cfg.RoomID,
		settings:  cfg.Settings,
		stocks:    make(map[string]*model.Stock),
		players:   make(map[string]*model.Player),
		orders:    om,
		margin:    margin.NewEngine(cfg.Settings.Margin, om),
		dividends: dividend.NewEngine(cfg.Settings.Dividend, rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))),
		pricer:    market.NewPricer(cfg.Market, rand.New(rand.NewPCG(cfg.Seed, cfg.Seed+1))),
		limiter:   correlation.NewPositionLimiter(cfg.Settings.Limits),
		rights:    make(map[model.HoldingKey]map[string]bool),
		store:     st,
		pub:       pub,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     func() string { return uuid.New().String() },
	}
}

// ID returns the room ID.
func (r *Room) ID() string { return r.id }

// CurrentTick returns the last processed tick.
func (r *Room) CurrentTick() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tick
}

// AddStock lists a stock and seeds its book.
func (r *Room) AddStock(s model.Stock) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.stocks[s.ID]; ok {
		return fmt.Errorf("%w: stock %s", ErrDuplicate, s.ID)
	}
	if !s.Price.IsPositive() {
		return fmt.Errorf("session: stock %s needs a positive price", s.ID)
	}
	st := s.Clone()
	r.pricer.Seed([]*model.Stock{&st})
	r.stocks[st.ID] = &st
	r.stockOrder = append(r.stockOrder, st.ID)
	return nil
}

// AddPlayer registers a player.
func (r *Room) AddPlayer(p *model.Player) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.players[p.ID]; ok {
		return fmt.Errorf("%w: player %s", ErrDuplicate, p.ID)
	}
	c := p.Clone()
	r.players[c.ID] = &c
	r.playerOrder = append(r.playerOrder, c.ID)
	return nil
}

// ScheduleDividend registers a pre-scheduled corporate action on a listed
// stock.
func (r *Room) ScheduleDividend(ev model.DividendEvent) (model.DividendEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.stocks[ev.StockID]; !ok {
		return model.DividendEvent{}, fmt.Errorf("%w: %s", ErrUnknownStock, ev.StockID)
	}
	if ev.CreatedTick == 0 {
		ev.CreatedTick = r.tick
	}
	return r.dividends.AddEvent(ev)
}

// --- Tick ---

// Report is everything that happened in one tick.
type Report struct {
	Tick         int64                      `json:"tick"`
	Moves        []market.Move              `json:"moves"`
	Triggered    []model.Order              `json:"triggered,omitempty"`
	Fills        []order.Execution          `json:"fills,omitempty"`
	MarginCalls  []model.MarginCall         `json:"margin_calls,omitempty"`
	Liquidations []margin.CoverResult       `json:"liquidations,omitempty"`
	Expired      []model.Order              `json:"expired,omitempty"`
	Scheduled    []model.DividendEvent      `json:"scheduled,omitempty"`
	ExRights     []model.DividendEvent      `json:"ex_rights,omitempty"`
	Settlements  []dividend.Settlement      `json:"settlements,omitempty"`
	Payouts      map[string]decimal.Decimal `json:"payouts,omitempty"` // playerID → dividend cash
}

// Tick advances the room by one tick.
func (r *Room) Tick(ctx context.Context) (*Report, error) {
	start := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	defer func() { metrics.TickDuration.Observe(time.Since(start).Seconds()) }()

	r.tick++
	tick := r.tick
	rep := &Report{Tick: tick, Payouts: make(map[string]decimal.Decimal)}

	// 1. Prices.
	rep.Moves = r.pricer.Step(r.sortedStocksLocked(), r.orders)

	// 2. Stops, then every marketable order against the fresh book.
	rep.Triggered = r.orders.TriggerStops(tick, r.stocks)
	for _, o := range rep.Triggered {
		r.emit(events.KindStopTriggered, o.PlayerID, o)
	}
	for _, o := range r.orders.ActiveOrders("") {
		if exec := r.fillLocked(o, tick); exec != nil {
			rep.Fills = append(rep.Fills, *exec)
		}
	}

	// 3. Margin revaluation at the new prices.
	prices := make(map[string]decimal.Decimal, len(r.stocks))
	for id, s := range r.stocks {
		prices[id] = s.Price
	}
	rep.MarginCalls = r.margin.UpdateAllPositions(tick, prices)
	for _, call := range rep.MarginCalls {
		metrics.MarginCalls.WithLabelValues(string(call.Reason)).Inc()
		r.emit(events.KindMarginCall, call.PlayerID, call)
		if call.Reason != model.ReasonOverdue && !r.settings.AutoLiquidate {
			continue
		}
		res, err := r.margin.ForceLiquidatePosition(call.PositionID, call.Price, tick)
		if err != nil {
			slog.Error("liquidation failed", "position_id", call.PositionID, "err", err)
			continue
		}
		r.settleCoverLocked(res, tick)
		rep.Liquidations = append(rep.Liquidations, *res)
	}

	// 4. Expiry.
	rep.Expired = r.orders.ExpireOrders(tick)
	for _, o := range rep.Expired {
		if p := r.players[o.PlayerID]; p != nil {
			dropPending(p, o.ID)
		}
		r.emit(events.KindOrderExpired, o.PlayerID, o)
	}

	// 5. Corporate actions.
	r.corporateActionsLocked(tick, rep)

	r.emit(events.KindTick, r.id, rep)
	err := r.flushLocked(ctx, true)

	slog.Debug("tick processed",
		"room", r.id,
		"tick", tick,
		"fills", len(rep.Fills),
		"margin_calls", len(rep.MarginCalls),
		"liquidations", len(rep.Liquidations),
	)
	return rep, err
}

// Run ticks every interval until ctx is cancelled. Tick errors are logged
// and do not stop the loop.
func (r *Room) Run(ctx context.Context, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.Tick(ctx); err != nil {
				slog.Error("tick failed", "room", r.id, "err", err)
			}
		}
	}
}

func (r *Room) sortedStocksLocked() []*model.Stock {
	out := make([]*model.Stock, 0, len(r.stockOrder))
	for _, id := range r.stockOrder {
		out = append(out, r.stocks[id])
	}
	return out
}

func (r *Room) sortedPlayersLocked() []*model.Player {
	out := make([]*model.Player, 0, len(r.playerOrder))
	for _, id := range r.playerOrder {
		out = append(out, r.players[id])
	}
	return out
}

// --- Fills ---

// fillLocked executes o against the stock's book if it is marketable,
// clamped by book volume and the player's cash or holdings, and settles the
// fill. Returns nil when nothing filled.
func (r *Room) fillLocked(o model.Order, tick int64) *order.Execution {
	stock, player := r.stocks[o.StockID], r.players[o.PlayerID]
	if stock == nil || player == nil || !order.Marketable(&o, stock) {
		return nil
	}

	levels := book.Opposing(stock, o.Side)
	var liquidity int64
	if o.PriceType == model.PriceLimit {
		liquidity = book.VolumeWithin(levels, o.Side, o.Price)
	} else if best, ok := book.Best(levels); ok {
		liquidity = best.Volume
	}
	want := min(o.Remaining(), liquidity)
	if want <= 0 {
		return nil
	}

	price := order.CalculateExecutionPrice(&o, stock)
	switch o.Side {
	case model.SideBuy:
		want = min(want, r.affordableLocked(player.Cash, price))
	case model.SideSell:
		want = min(want, player.Holding(o.StockID))
	}
	if want <= 0 {
		if r.orders.CancelOrder(o.ID, tick) {
			dropPending(player, o.ID)
			slog.Info("order cancelled at fill", "order_id", o.ID, "player", player.ID, "side", o.Side)
		}
		return nil
	}

	exec, err := r.orders.ExecuteOrder(o.ID, stock, want, tick)
	if err != nil || exec.Filled == 0 {
		return nil
	}

	ladder := book.FromLevels(o.Side == model.SideSell, levels)
	ladder.Consume(exec.Filled)
	if o.Side == model.SideBuy {
		stock.Asks = ladder.Levels()
	} else {
		stock.Bids = ladder.Levels()
	}
	stock.Volume += exec.Filled

	r.settleFillLocked(player, exec, o.Origin)
	return exec
}

// affordableLocked is the largest share count whose notional plus fee fits
// in cash at price.
func (r *Room) affordableLocked(cash, price decimal.Decimal) int64 {
	if !price.IsPositive() || !cash.IsPositive() {
		return 0
	}
	unit := price.Mul(decimal.NewFromInt(1).Add(r.settings.FeeRate))
	n := cash.Div(unit).IntPart()
	for n > 0 {
		notional := model.RoundMoney(price.Mul(decimal.NewFromInt(n)))
		if notional.Add(r.orders.Fee(notional)).LessThanOrEqual(cash) {
			break
		}
		n--
	}
	return n
}

func (r *Room) settleFillLocked(p *model.Player, exec *order.Execution, origin model.OrderOrigin) {
	delta := exec.Notional.Sub(exec.Fee)
	if exec.Side == model.SideBuy {
		delta = exec.Notional.Add(exec.Fee).Neg()
		p.Debit(delta.Neg())
		p.AddShares(exec.StockID, exec.Filled, exec.Notional)
	} else {
		p.Credit(delta)
		p.RemoveShares(exec.StockID, exec.Filled)
	}
	p.History = append(p.History, model.TradeRecord{
		Tick:     exec.Tick,
		OrderID:  exec.OrderID,
		StockID:  exec.StockID,
		Side:     exec.Side,
		Amount:   exec.Filled,
		Price:    exec.AvgPrice,
		Notional: exec.Notional,
		Fee:      exec.Fee,
	})
	if exec.Status.Terminal() {
		dropPending(p, exec.OrderID)
	}

	r.record(model.LedgerEntry{
		PlayerID:  p.ID,
		StockID:   exec.StockID,
		RefID:     exec.OrderID,
		Kind:      model.LedgerFill,
		Side:      exec.Side,
		Quantity:  exec.Filled,
		Price:     exec.AvgPrice,
		CashDelta: delta,
		Fee:       exec.Fee,
		Tick:      exec.Tick,
	})
	r.emit(events.KindFill, p.ID, exec)
	if origin == "" {
		origin = model.OriginPlayer
	}
	metrics.FillsTotal.WithLabelValues(string(exec.Side), string(origin)).Inc()
	metrics.FilledShares.WithLabelValues(exec.StockID, string(exec.Side)).Add(float64(exec.Filled))
}

func dropPending(p *model.Player, orderID string) {
	for i, id := range p.PendingOrders {
		if id == orderID {
			p.PendingOrders = append(p.PendingOrders[:i], p.PendingOrders[i+1:]...)
			return
		}
	}
}

// --- Player requests ---

// PlaceResult is returned from PlaceOrder. Execution is set when the order
// filled at least partially on arrival.
type PlaceResult struct {
	order.Result
	Execution *order.Execution `json:"execution,omitempty"`
}

// PlaceOrder validates and creates an order, filling it immediately when it
// is marketable. Rejected requests change nothing.
func (r *Room) PlaceOrder(ctx context.Context, p model.OrderParams) (*PlaceResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	player, stock, err := r.lookupLocked(p.PlayerID, p.StockID)
	if err != nil {
		return nil, err
	}
	p.Origin = model.OriginPlayer
	p = order.PrepareStop(p, stock.Price)
	if err := r.orders.ValidateOrder(p, player, stock); err != nil {
		metrics.OrderRejections.WithLabelValues(reason(err)).Inc()
		return nil, err
	}
	if p.Side == model.SideBuy {
		delta := order.ReferencePrice(p, stock).Mul(decimal.NewFromInt(p.Amount))
		if err := r.limiter.CheckLimit(stock.ID, stock.Sector, delta, correlation.Exposures(player, r.stocks)); err != nil {
			metrics.OrderRejections.WithLabelValues(reason(err)).Inc()
			return nil, err
		}
	}
	res, err := r.orders.CreateOrder(p, r.tick)
	if err != nil {
		metrics.OrderRejections.WithLabelValues(reason(err)).Inc()
		return nil, err
	}
	player.PendingOrders = append(player.PendingOrders, res.Order.ID)

	out := &PlaceResult{Result: *res}
	if exec := r.fillLocked(res.Order, r.tick); exec != nil {
		out.Execution = exec
		if o, ok := r.orders.Get(res.Order.ID); ok {
			out.Order = o
		}
	}
	return out, r.flushLocked(ctx, false)
}

// CancelOrder cancels one of the player's live orders.
func (r *Room) CancelOrder(_ context.Context, playerID, orderID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	player, ok := r.players[playerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPlayer, playerID)
	}
	o, ok := r.orders.Get(orderID)
	if !ok {
		return fmt.Errorf("%w: %s", order.ErrNotFound, orderID)
	}
	if o.PlayerID != playerID {
		return ErrNotOwner
	}
	if !r.orders.CancelOrder(orderID, r.tick) {
		return fmt.Errorf("%w: %s is %s", ErrNotCancellable, orderID, o.Status)
	}
	dropPending(player, orderID)
	return nil
}

// ShortSell opens a short position at the current price. The required
// margin is moved out of the player's cash and locked in the margin
// account. Sale proceeds are not credited.
func (r *Room) ShortSell(ctx context.Context, playerID, stockID string, amount int64) (*margin.ShortResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	player, stock, err := r.lookupLocked(playerID, stockID)
	if err != nil {
		return nil, err
	}
	res, err := r.margin.InitiateShortSell(player, stock, amount, r.tick)
	if err != nil {
		metrics.OrderRejections.WithLabelValues(reason(err)).Inc()
		return nil, err
	}
	player.Debit(res.MarginRequired)
	metrics.OpenShortPositions.Inc()

	r.record(model.LedgerEntry{
		PlayerID:  playerID,
		StockID:   stockID,
		RefID:     res.Position.ID,
		Kind:      model.LedgerShort,
		Side:      model.SideSell,
		Quantity:  amount,
		Price:     res.Position.BorrowPrice,
		CashDelta: res.MarginRequired.Neg(),
		Fee:       decimal.Zero,
		Tick:      r.tick,
	})
	r.emit(events.KindShortOpened, playerID, res.Position)
	return res, r.flushLocked(ctx, false)
}

// Cover closes one of the player's short positions at the current price.
func (r *Room) Cover(ctx context.Context, playerID, positionID string) (*margin.CoverResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.players[playerID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlayer, playerID)
	}
	pos, ok := r.margin.Position(positionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", margin.ErrPositionNotFound, positionID)
	}
	if pos.PlayerID != playerID {
		return nil, ErrNotOwner
	}
	res, err := r.margin.CoverShortPosition(positionID, r.stocks[pos.StockID].Price, r.tick)
	if err != nil {
		return nil, err
	}
	r.settleCoverLocked(res, r.tick)
	return res, r.flushLocked(ctx, false)
}

// settleCoverLocked credits margin plus profit back to the player. A
// negative credit becomes debt.
func (r *Room) settleCoverLocked(res *margin.CoverResult, tick int64) {
	pos := res.Position
	if p := r.players[pos.PlayerID]; p != nil {
		p.Credit(res.Credit)
	}
	metrics.OpenShortPositions.Dec()

	kind, ev := model.LedgerCover, events.KindShortCovered
	if res.Liquidated {
		kind, ev = model.LedgerLiquidation, events.KindLiquidation
		metrics.Liquidations.Inc()
	}
	r.record(model.LedgerEntry{
		PlayerID:  pos.PlayerID,
		StockID:   pos.StockID,
		RefID:     pos.ID,
		Kind:      kind,
		Side:      model.SideBuy,
		Quantity:  pos.Amount,
		Price:     res.CoverPrice,
		CashDelta: res.Credit,
		Fee:       res.Fee,
		Tick:      tick,
	})
	r.emit(ev, pos.PlayerID, res)
}

// SubscribeRights buys the rights shares a player is entitled to under a
// paid event, as far as cash allows.
func (r *Room) SubscribeRights(ctx context.Context, playerID, eventID string) (*dividend.ShareIssue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	player, ok := r.players[playerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlayer, playerID)
	}
	ev, ok := r.dividends.Event(eventID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", dividend.ErrEventNotFound, eventID)
	}
	if !ev.HasRights() {
		return nil, ErrRightsUnavailable
	}
	key := model.HoldingKey{PlayerID: playerID, StockID: ev.StockID}
	if r.rights[key][eventID] {
		return nil, ErrAlreadySubscribed
	}
	var entitled int64
	for _, rec := range r.dividends.Records(playerID, ev.StockID) {
		if rec.EventID == eventID {
			entitled = rec.Shares
		}
	}
	if entitled == 0 {
		return nil, ErrRightsUnavailable
	}

	issue := dividend.CalculateNewShareCount(entitled, player.Cash, ev)
	issue.BonusShares = 0 // granted at payment
	if issue.RightsShares == 0 {
		return &issue, nil
	}
	player.Debit(issue.RightsCost)
	player.AddShares(ev.StockID, issue.RightsShares, issue.RightsCost)
	r.stocks[ev.StockID].TotalShares += issue.RightsShares
	if r.rights[key] == nil {
		r.rights[key] = make(map[string]bool)
	}
	r.rights[key][eventID] = true

	r.record(model.LedgerEntry{
		PlayerID:  playerID,
		StockID:   ev.StockID,
		RefID:     eventID,
		Kind:      model.LedgerRights,
		Side:      model.SideBuy,
		Quantity:  issue.RightsShares,
		Price:     ev.RightsPrice,
		CashDelta: issue.RightsCost.Neg(),
		Fee:       decimal.Zero,
		Tick:      r.tick,
	})
	return &issue, r.flushLocked(ctx, false)
}

func (r *Room) lookupLocked(playerID, stockID string) (*model.Player, *model.Stock, error) {
	player, ok := r.players[playerID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownPlayer, playerID)
	}
	stock, ok := r.stocks[stockID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownStock, stockID)
	}
	return player, stock, nil
}

// reason maps a rejection to a short metrics label.
func reason(err error) string {
	switch {
	case errors.Is(err, order.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, order.ErrInsufficientShares):
		return "insufficient_shares"
	case errors.Is(err, margin.ErrInsufficientPool):
		return "borrow_pool"
	case errors.Is(err, margin.ErrInsufficientMargin):
		return "insufficient_margin"
	case errors.Is(err, margin.ErrLeverageExceeded):
		return "leverage"
	case errors.Is(err, correlation.ErrPerStockLimitExceeded), errors.Is(err, correlation.ErrSectorLimitExceeded):
		return "position_limit"
	default:
		return "invalid"
	}
}

// --- Corporate actions ---

func (r *Room) corporateActionsLocked(tick int64, rep *Report) {
	for _, s := range r.sortedStocksLocked() {
		if !r.dividends.Eligible(s.ID, tick) {
			continue
		}
		f := r.dividends.GenerateFundamentals(s)
		s.EPS = f.EPS
		ev := r.dividends.CreateDividendEvent(s, f, tick)
		rep.Scheduled = append(rep.Scheduled, ev)
		r.emit(events.KindDividendScheduled, s.ID, ev)
	}

	phases := r.dividends.Advance(tick)
	for _, ev := range phases.Record {
		holdings := make(map[string]int64)
		for _, p := range r.sortedPlayersLocked() {
			if n := p.Holding(ev.StockID); n > 0 {
				holdings[p.ID] = n
			}
		}
		if err := r.dividends.SnapshotHoldings(ev.ID, holdings); err != nil {
			slog.Error("holdings snapshot failed", "event_id", ev.ID, "err", err)
		}
	}
	for _, ev := range phases.ExDate {
		s := r.stocks[ev.StockID]
		adjusted := dividend.ApplyExRightsPrice(s.Price, ev)
		delta := adjusted.Sub(s.Price)
		market.Apply(s, adjusted)
		// The ladder follows the price so nobody trades at the cum-dividend book.
		s.Bids = book.Shift(true, s.Bids, delta)
		s.Asks = book.Shift(false, s.Asks, delta)
		rep.ExRights = append(rep.ExRights, ev)
		r.emit(events.KindExRights, s.ID, ev)
	}
	for _, ev := range phases.Payment {
		st, err := r.dividends.Settle(ev.ID, r.sortedPlayersLocked(), tick)
		if err != nil {
			slog.Error("dividend settlement failed", "event_id", ev.ID, "err", err)
			continue
		}
		r.applySettlementLocked(st, ev, tick)
		rep.Settlements = append(rep.Settlements, *st)
		for id, amt := range st.Payouts {
			rep.Payouts[id] = rep.Payouts[id].Add(amt)
		}
	}
}

func (r *Room) applySettlementLocked(st *dividend.Settlement, ev model.DividendEvent, tick int64) {
	for _, rec := range st.Records {
		p := r.players[rec.PlayerID]
		if p == nil {
			continue
		}
		if rec.Amount.IsPositive() {
			p.Credit(rec.Amount)
			metrics.DividendsPaid.Add(rec.Amount.InexactFloat64())
			r.record(model.LedgerEntry{
				PlayerID:  p.ID,
				StockID:   rec.StockID,
				RefID:     rec.ID,
				Kind:      model.LedgerDividend,
				Quantity:  rec.Shares,
				Price:     rec.DividendPerShare,
				CashDelta: rec.Amount,
				Fee:       decimal.Zero,
				Tick:      tick,
			})
		}
		if rec.BonusShares > 0 {
			p.AddShares(rec.StockID, rec.BonusShares, decimal.Zero)
			r.stocks[rec.StockID].TotalShares += rec.BonusShares
			r.record(model.LedgerEntry{
				PlayerID:  p.ID,
				StockID:   rec.StockID,
				RefID:     rec.ID,
				Kind:      model.LedgerBonus,
				Quantity:  rec.BonusShares,
				Price:     decimal.Zero,
				CashDelta: decimal.Zero,
				Fee:       decimal.Zero,
				Tick:      tick,
			})
		}
		r.emit(events.KindDividendPaid, p.ID, rec)
	}
	slog.Info("dividend paid",
		"room", r.id,
		"event_id", ev.ID,
		"stock", ev.StockID,
		"payees", len(st.Payouts),
	)
}

// --- Persistence and publication ---

func (r *Room) record(e model.LedgerEntry) {
	e.ID = r.newID()
	e.RoomID = r.id
	e.Timestamp = r.now()
	r.ledger = append(r.ledger, e)
}

func (r *Room) emit(kind events.Kind, key string, payload any) {
	r.outbox = append(r.outbox, events.Event{
		Kind:      kind,
		RoomID:    r.id,
		Tick:      r.tick,
		Key:       key,
		Payload:   payload,
		Timestamp: r.now(),
	})
}

// flushLocked writes pending ledger entries and the room snapshot, then
// publishes queued events. Ledger entries that fail to write are dropped
// after logging.
func (r *Room) flushLocked(ctx context.Context, snapshot bool) error {
	var errs []error
	if r.store != nil {
		for i := range r.ledger {
			if err := r.store.InsertLedgerEntry(ctx, &r.ledger[i]); err != nil {
				slog.Error("ledger write failed", "entry_id", r.ledger[i].ID, "kind", r.ledger[i].Kind, "err", err)
				errs = append(errs, err)
			}
		}
		if snapshot {
			stocks := make([]model.Stock, 0, len(r.stockOrder))
			for _, s := range r.sortedStocksLocked() {
				stocks = append(stocks, s.Clone())
			}
			if err := r.store.SaveStocks(ctx, r.id, stocks); err != nil {
				errs = append(errs, fmt.Errorf("save stocks: %w", err))
			}
			for _, p := range r.sortedPlayersLocked() {
				if err := r.store.SavePlayer(ctx, r.id, p); err != nil {
					errs = append(errs, fmt.Errorf("save player %s: %w", p.ID, err))
				}
			}
		}
	}
	r.ledger = r.ledger[:0]

	if len(r.outbox) > 0 {
		if err := r.pub.Publish(ctx, r.outbox...); err != nil {
			slog.Warn("event publish failed", "room", r.id, "events", len(r.outbox), "err", err)
		}
		r.outbox = nil
	}
	return errors.Join(errs...)
}

// --- Queries ---

// Stocks returns copies of the room's stocks in listing order.
func (r *Room) Stocks() []model.Stock {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]model.Stock, 0, len(r.stockOrder))
	for _, s := range r.sortedStocksLocked() {
		out = append(out, s.Clone())
	}
	return out
}

// Stock returns a copy of one stock.
func (r *Room) Stock(id string) (model.Stock, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stocks[id]
	if !ok {
		return model.Stock{}, false
	}
	return s.Clone(), true
}

// Player returns a copy of one player.
func (r *Room) Player(id string) (model.Player, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.players[id]
	if !ok {
		return model.Player{}, false
	}
	return p.Clone(), true
}

// Players returns copies of every player in registration order.
func (r *Room) Players() []model.Player {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]model.Player, 0, len(r.playerOrder))
	for _, p := range r.sortedPlayersLocked() {
		out = append(out, p.Clone())
	}
	return out
}

// PlayerOrders returns a player's orders in creation order.
func (r *Room) PlayerOrders(playerID string) []model.Order {
	return r.orders.PlayerOrders(playerID)
}

// PlayerPositions returns a player's open short positions.
func (r *Room) PlayerPositions(playerID string) []model.ShortPosition {
	return r.margin.PlayerPositions(playerID)
}

// MarginAccount returns a player's margin account.
func (r *Room) MarginAccount(playerID string) (model.MarginAccount, bool) {
	return r.margin.Account(playerID)
}

// PlayerDividends returns a player's dividend records.
func (r *Room) PlayerDividends(playerID string) []model.DividendRecord {
	return r.dividends.PlayerRecords(playerID)
}

// DividendEvents returns a stock's scheduled and past events.
func (r *Room) DividendEvents(stockID string) []model.DividendEvent {
	return r.dividends.StockEvents(stockID)
}

// ShortInterest reports short exposure on a stock.
func (r *Room) ShortInterest(stockID string) (margin.ShortInterest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stocks[stockID]
	if !ok {
		return margin.ShortInterest{}, fmt.Errorf("%w: %s", ErrUnknownStock, stockID)
	}
	return r.margin.ShortInterest(s), nil
}

// Slippage estimates the percent slippage of a market order of amount.
func (r *Room) Slippage(stockID string, side model.Side, amount int64) (decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stocks[stockID]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownStock, stockID)
	}
	return order.EstimateSlippage(s, side, amount), nil
}

// Imbalance reports resting order pressure on a stock.
func (r *Room) Imbalance(stockID string) decimal.Decimal {
	return r.orders.OrderBookImbalance(stockID)
}

// Ledger returns a player's persisted ledger.
func (r *Room) Ledger(ctx context.Context, playerID string) ([]model.LedgerEntry, error) {
	if r.store == nil {
		return nil, nil
	}
	entries, err := r.store.GetLedgerEntriesByPlayer(ctx, r.id, playerID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Tick < entries[j].Tick })
	return entries, nil
}
