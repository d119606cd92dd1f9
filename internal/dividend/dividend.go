// Package dividend generates pseudo-fundamentals and schedules corporate
// actions: cash dividends, bonus shares and rights issues. Each event runs
// through three dated phases (record, ex-date, payment) that the caller
// advances with Advance.
//
// All randomness comes from the injected *rand.Rand so a seeded engine is
// fully reproducible.
package dividend

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/exchange-sim/internal/model"
)

var (
	ErrEventNotFound  = errors.New("dividend: event not found")
	ErrRecordNotFound = errors.New("dividend: record not found")
	ErrNotDue         = errors.New("dividend: payment date not reached")
	ErrNoHolding      = errors.New("dividend: no eligible shares")
	ErrInvalidEvent   = errors.New("dividend: invalid event schedule")
)

var (
	minYield = decimal.RequireFromString("0.01")
	maxYield = decimal.RequireFromString("0.08")

	bonusChance  = 0.3
	rightsChance = 0.2
	bonusRatios  = []string{"0.1", "0.2", "0.3", "0.5"}
	rightsRatios = []string{"0.1", "0.2", "0.3"}

	rightsDiscount = decimal.RequireFromString("0.8")
)

// profile shapes the fundamentals of one sector. Ranges are [lo, hi).
type profile struct {
	pe, roe, gross, net, revenue, earnings, yield [2]float64
}

var profiles = map[string]profile{
	"technology": {pe: [2]float64{25, 45}, roe: [2]float64{0.12, 0.30}, gross: [2]float64{0.45, 0.75}, net: [2]float64{0.12, 0.30}, revenue: [2]float64{0.10, 0.35}, earnings: [2]float64{0.08, 0.40}, yield: [2]float64{0.01, 0.025}},
	"finance":    {pe: [2]float64{8, 15}, roe: [2]float64{0.08, 0.16}, gross: [2]float64{0.30, 0.50}, net: [2]float64{0.15, 0.30}, revenue: [2]float64{0.02, 0.10}, earnings: [2]float64{0.02, 0.12}, yield: [2]float64{0.03, 0.06}},
	"energy":     {pe: [2]float64{8, 18}, roe: [2]float64{0.06, 0.18}, gross: [2]float64{0.20, 0.40}, net: [2]float64{0.05, 0.15}, revenue: [2]float64{-0.05, 0.15}, earnings: [2]float64{-0.10, 0.20}, yield: [2]float64{0.04, 0.08}},
	"consumer":   {pe: [2]float64{15, 30}, roe: [2]float64{0.10, 0.22}, gross: [2]float64{0.30, 0.55}, net: [2]float64{0.06, 0.15}, revenue: [2]float64{0.03, 0.12}, earnings: [2]float64{0.03, 0.15}, yield: [2]float64{0.02, 0.04}},
	"healthcare": {pe: [2]float64{18, 35}, roe: [2]float64{0.10, 0.25}, gross: [2]float64{0.50, 0.80}, net: [2]float64{0.08, 0.22}, revenue: [2]float64{0.05, 0.20}, earnings: [2]float64{0.04, 0.25}, yield: [2]float64{0.01, 0.03}},
	"industrial": {pe: [2]float64{12, 24}, roe: [2]float64{0.08, 0.18}, gross: [2]float64{0.20, 0.40}, net: [2]float64{0.05, 0.12}, revenue: [2]float64{0.02, 0.10}, earnings: [2]float64{0.02, 0.12}, yield: [2]float64{0.02, 0.05}},
}

var defaultProfile = profile{
	pe: [2]float64{12, 25}, roe: [2]float64{0.08, 0.20}, gross: [2]float64{0.25, 0.50},
	net: [2]float64{0.05, 0.15}, revenue: [2]float64{0.0, 0.15}, earnings: [2]float64{0.0, 0.18},
	yield: [2]float64{0.01, 0.08},
}

// Phases lists the events whose dated phases were reached by one Advance
// call. Each event appears in each phase at most once over its lifetime.
type Phases struct {
	Record  []model.DividendEvent
	ExDate  []model.DividendEvent
	Payment []model.DividendEvent
}

// Empty reports whether no phase fired.
func (p Phases) Empty() bool {
	return len(p.Record) == 0 && len(p.ExDate) == 0 && len(p.Payment) == 0
}

// ShareIssue is the outcome of a bonus and rights subscription.
type ShareIssue struct {
	BonusShares  int64           `json:"bonus_shares"`
	RightsShares int64           `json:"rights_shares"`
	RightsCost   decimal.Decimal `json:"rights_cost"`
	CashLeft     decimal.Decimal `json:"cash_left"`
}

// TotalShares is the holding after the issue.
func (s ShareIssue) TotalShares(held int64) int64 {
	return held + s.BonusShares + s.RightsShares
}

// Settlement is the result of paying one event.
type Settlement struct {
	EventID string                     `json:"event_id"`
	Payouts map[string]decimal.Decimal `json:"payouts"` // playerID → cash
	Records []model.DividendRecord     `json:"records"`
}

type phase uint8

const (
	phaseRecord phase = iota
	phaseExDate
	phasePayment
)

type eventPlayer struct {
	eventID, playerID string
}

// Engine schedules and settles corporate actions for one game room.
type Engine struct {
	mu        sync.Mutex
	settings  model.DividendSettings
	rng       *rand.Rand
	events    map[string]*model.DividendEvent
	byStock   map[string][]string
	snapshots map[string]map[string]int64 // eventID → playerID → shares at record tick
	fired     map[string]map[phase]bool
	records   map[string]*model.DividendRecord
	byEntitle map[eventPlayer]*model.DividendRecord
	ledger    map[model.HoldingKey][]string // append-only record IDs
	newID     func() string
}

// NewEngine creates an engine drawing randomness from rng.
func NewEngine(settings model.DividendSettings, rng *rand.Rand) *Engine {
	if settings.IntervalDays <= 0 {
		settings.IntervalDays = 1
	}
	return &Engine{
		settings:  settings,
		rng:       rng,
		events:    make(map[string]*model.DividendEvent),
		byStock:   make(map[string][]string),
		snapshots: make(map[string]map[string]int64),
		fired:     make(map[string]map[phase]bool),
		records:   make(map[string]*model.DividendRecord),
		byEntitle: make(map[eventPlayer]*model.DividendRecord),
		ledger:    make(map[model.HoldingKey][]string),
		newID:     func() string { return uuid.New().String() },
	}
}

// --- Fundamentals ---

func (e *Engine) uniform(r [2]float64) float64 {
	return r[0] + e.rng.Float64()*(r[1]-r[0])
}

func ratio(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f).Round(4)
}

// GenerateFundamentals derives a fundamental profile from the stock's sector
// and price. The dividend yield always lands in [1%, 8%].
func (e *Engine) GenerateFundamentals(stock *model.Stock) model.Fundamentals {
	e.mu.Lock()
	defer e.mu.Unlock()

	prof, ok := profiles[stock.Sector]
	if !ok {
		prof = defaultProfile
	}
	pe := decimal.NewFromFloat(e.uniform(prof.pe)).Round(2)
	eps := model.RoundMoney(stock.Price.Div(pe))
	yield := ratio(e.uniform(prof.yield))
	yield = decimal.Min(decimal.Max(yield, minYield), maxYield)
	payout := decimal.Min(yield.Mul(pe), decimal.NewFromInt(1)).Round(4)

	return model.Fundamentals{
		StockID:        stock.ID,
		Sector:         stock.Sector,
		PE:             pe,
		EPS:            eps,
		ROE:            ratio(e.uniform(prof.roe)),
		GrossMargin:    ratio(e.uniform(prof.gross)),
		NetMargin:      ratio(e.uniform(prof.net)),
		RevenueGrowth:  ratio(e.uniform(prof.revenue)),
		EarningsGrowth: ratio(e.uniform(prof.earnings)),
		DividendYield:  yield,
		PayoutRatio:    payout,
	}
}

// --- Scheduling ---

func (e *Engine) days(lo, hi int64) int64 {
	return (lo + e.rng.Int64N(hi-lo+1)) * model.TicksPerDay
}

func (e *Engine) pick(choices []string) decimal.Decimal {
	return decimal.RequireFromString(choices[e.rng.IntN(len(choices))])
}

// CreateDividendEvent schedules a corporate action on stock relative to tick:
// announcement 2–6 days out, record 1–3 days later, ex-date on the record
// date, payment 2–4 days after record.
func (e *Engine) CreateDividendEvent(stock *model.Stock, f model.Fundamentals, tick int64) model.DividendEvent {
	e.mu.Lock()
	defer e.mu.Unlock()

	announce := tick + e.days(2, 6)
	record := announce + e.days(1, 3)
	payment := record + e.days(2, 4)

	perPeriod := f.DividendYield.Div(decimal.NewFromInt(e.settings.IntervalDays))
	dps := model.RoundMoney(stock.Price.Mul(perPeriod))
	exRights := model.FloorPrice(model.RoundMoney(stock.Price.Mul(decimal.NewFromInt(1).Sub(perPeriod))))

	ev := &model.DividendEvent{
		ID:               e.newID(),
		StockID:          stock.ID,
		AnnouncementTick: announce,
		RecordTick:       record,
		ExDividendTick:   record,
		PaymentTick:      payment,
		DividendPerShare: dps,
		DividendYield:    f.DividendYield,
		ExRightsPrice:    exRights,
		BonusRatio:       decimal.Zero,
		RightsRatio:      decimal.Zero,
		RightsPrice:      decimal.Zero,
		CreatedTick:      tick,
	}
	if e.rng.Float64() < bonusChance {
		ev.BonusRatio = e.pick(bonusRatios)
	}
	if e.rng.Float64() < rightsChance {
		ev.RightsRatio = e.pick(rightsRatios)
		ev.RightsPrice = model.RoundMoney(exRights.Mul(rightsDiscount))
	}

	e.events[ev.ID] = ev
	e.byStock[stock.ID] = append(e.byStock[stock.ID], ev.ID)
	e.fired[ev.ID] = make(map[phase]bool)

	slog.Info("dividend scheduled",
		"event_id", ev.ID,
		"stock", stock.ID,
		"dps", dps.String(),
		"record_tick", record,
		"payment_tick", payment,
		"bonus", ev.BonusRatio.String(),
		"rights", ev.RightsRatio.String(),
	)
	return *ev
}

// AddEvent registers a pre-scheduled event, such as one loaded from a
// scenario. The schedule must be ordered record ≤ payment.
func (e *Engine) AddEvent(ev model.DividendEvent) (model.DividendEvent, error) {
	if ev.StockID == "" || ev.PaymentTick < ev.RecordTick || ev.DividendPerShare.IsNegative() {
		return model.DividendEvent{}, ErrInvalidEvent
	}
	if ev.ExDividendTick == 0 {
		ev.ExDividendTick = ev.RecordTick
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if ev.ID == "" {
		ev.ID = e.newID()
	}
	if _, ok := e.events[ev.ID]; ok {
		return model.DividendEvent{}, fmt.Errorf("%w: duplicate id %s", ErrInvalidEvent, ev.ID)
	}
	stored := ev
	e.events[ev.ID] = &stored
	e.byStock[ev.StockID] = append(e.byStock[ev.StockID], ev.ID)
	e.fired[ev.ID] = make(map[phase]bool)
	return ev, nil
}

// Eligible reports whether a new event may be scheduled on stockID: no
// event is still awaiting payment and at least DividendEveryDays have
// passed since the last one was created.
func (e *Engine) Eligible(stockID string, tick int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := e.byStock[stockID]
	if len(ids) == 0 {
		return true
	}
	for _, id := range ids {
		if !e.fired[id][phasePayment] {
			return false
		}
	}
	last := e.events[ids[len(ids)-1]]
	return tick-last.CreatedTick >= e.settings.DividendEveryDays*model.TicksPerDay
}

// Advance returns the events whose record, ex-date or payment tick has been
// reached, each phase exactly once per event.
func (e *Engine) Advance(tick int64) Phases {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out Phases
	for _, ev := range e.sortedLocked() {
		f := e.fired[ev.ID]
		if !f[phaseRecord] && tick >= ev.RecordTick {
			f[phaseRecord] = true
			out.Record = append(out.Record, *ev)
		}
		if !f[phaseExDate] && tick >= ev.ExDividendTick {
			f[phaseExDate] = true
			out.ExDate = append(out.ExDate, *ev)
		}
		if !f[phasePayment] && tick >= ev.PaymentTick {
			f[phasePayment] = true
			out.Payment = append(out.Payment, *ev)
		}
	}
	return out
}

func (e *Engine) sortedLocked() []*model.DividendEvent {
	out := make([]*model.DividendEvent, 0, len(e.events))
	for _, ev := range e.events {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedTick != out[j].CreatedTick {
			return out[i].CreatedTick < out[j].CreatedTick
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// --- Price and share effects ---

// ApplyExRightsPrice subtracts the per-share dividend from price, floored at
// the minimum price.
func ApplyExRightsPrice(price decimal.Decimal, ev model.DividendEvent) decimal.Decimal {
	return model.FloorPrice(model.RoundMoney(price.Sub(ev.DividendPerShare)))
}

// CalculateNewShareCount grants bonus shares in full and subscribes as many
// rights shares as both the ratio and cash allow.
func CalculateNewShareCount(shares int64, cash decimal.Decimal, ev model.DividendEvent) ShareIssue {
	issue := ShareIssue{RightsCost: decimal.Zero, CashLeft: cash}
	if shares <= 0 {
		return issue
	}
	held := decimal.NewFromInt(shares)
	if ev.HasBonus() {
		issue.BonusShares = held.Mul(ev.BonusRatio).IntPart()
	}
	if ev.HasRights() {
		entitled := held.Mul(ev.RightsRatio).IntPart()
		affordable := int64(0)
		if cash.IsPositive() {
			affordable = cash.Div(ev.RightsPrice).IntPart()
		}
		issue.RightsShares = min(entitled, affordable)
		issue.RightsCost = model.RoundMoney(ev.RightsPrice.Mul(decimal.NewFromInt(issue.RightsShares)))
		issue.CashLeft = cash.Sub(issue.RightsCost)
	}
	return issue
}

// --- Settlement ---

// SnapshotHoldings records each player's shares of the event's stock as of
// the record date. Only the first snapshot per event is kept.
func (e *Engine) SnapshotHoldings(eventID string, holdings map[string]int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.events[eventID]; !ok {
		return fmt.Errorf("%w: %s", ErrEventNotFound, eventID)
	}
	if _, taken := e.snapshots[eventID]; taken {
		return nil
	}
	snap := make(map[string]int64, len(holdings))
	for id, n := range holdings {
		if n > 0 {
			snap[id] = n
		}
	}
	e.snapshots[eventID] = snap
	slog.Debug("holdings snapshot", "event_id", eventID, "holders", len(snap))
	return nil
}

// CalculateDividendPayment creates the player's entitlement under an event.
// It is a no-op error before the payment tick. Shares come from the
// record-date snapshot when one was taken, otherwise from current holdings.
// Calling it again returns the existing record.
func (e *Engine) CalculateDividendPayment(player *model.Player, eventID string, tick int64) (*model.DividendRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ev, ok := e.events[eventID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEventNotFound, eventID)
	}
	if tick < ev.PaymentTick {
		return nil, fmt.Errorf("%w: payment at tick %d", ErrNotDue, ev.PaymentTick)
	}
	key := eventPlayer{eventID, player.ID}
	if rec, ok := e.byEntitle[key]; ok {
		c := *rec
		return &c, nil
	}

	shares := player.Holding(ev.StockID)
	snap, fromSnapshot := e.snapshots[eventID]
	if fromSnapshot {
		shares = snap[player.ID]
	}
	if shares <= 0 {
		return nil, ErrNoHolding
	}

	rec := &model.DividendRecord{
		ID:               e.newID(),
		EventID:          eventID,
		PlayerID:         player.ID,
		StockID:          ev.StockID,
		Shares:           shares,
		DividendPerShare: ev.DividendPerShare,
		Amount:           model.RoundMoney(ev.DividendPerShare.Mul(decimal.NewFromInt(shares))),
		BonusShares:      decimal.NewFromInt(shares).Mul(ev.BonusRatio).IntPart(),
		FromSnapshot:     fromSnapshot,
		CreatedTick:      tick,
	}
	e.records[rec.ID] = rec
	e.byEntitle[key] = rec
	hk := model.HoldingKey{PlayerID: player.ID, StockID: ev.StockID}
	e.ledger[hk] = append(e.ledger[hk], rec.ID)

	c := *rec
	return &c, nil
}

// MarkDividendReceived flips a record to received and returns its amount.
// Every later call for the same record returns zero.
func (e *Engine) MarkDividendReceived(recordID string, tick int64) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.records[recordID]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrRecordNotFound, recordID)
	}
	if rec.Received {
		return decimal.Zero, nil
	}
	rec.Received = true
	rec.PaidTick = tick
	return rec.Amount, nil
}

// Settle creates and marks received every entitlement under an event and
// returns the payouts. Players without eligible shares are skipped.
func (e *Engine) Settle(eventID string, players []*model.Player, tick int64) (*Settlement, error) {
	out := &Settlement{EventID: eventID, Payouts: make(map[string]decimal.Decimal)}
	for _, p := range players {
		rec, err := e.CalculateDividendPayment(p, eventID, tick)
		if errors.Is(err, ErrNoHolding) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if rec.Received {
			continue
		}
		paid, err := e.MarkDividendReceived(rec.ID, tick)
		if err != nil {
			return nil, err
		}
		rec.Received = true
		rec.PaidTick = tick
		out.Payouts[p.ID] = paid
		out.Records = append(out.Records, *rec)
	}
	slog.Info("dividend settled", "event_id", eventID, "payees", len(out.Payouts))
	return out, nil
}

// --- Queries ---

// Event returns a copy of an event.
func (e *Engine) Event(id string) (model.DividendEvent, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ev, ok := e.events[id]
	if !ok {
		return model.DividendEvent{}, false
	}
	return *ev, true
}

// StockEvents returns a stock's events in scheduling order.
func (e *Engine) StockEvents(stockID string) []model.DividendEvent {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := e.byStock[stockID]
	out := make([]model.DividendEvent, 0, len(ids))
	for _, id := range ids {
		out = append(out, *e.events[id])
	}
	return out
}

// Records returns the ledger for one holding, oldest first.
func (e *Engine) Records(playerID, stockID string) []model.DividendRecord {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := e.ledger[model.HoldingKey{PlayerID: playerID, StockID: stockID}]
	out := make([]model.DividendRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, *e.records[id])
	}
	return out
}

// PlayerRecords returns every record for a player across stocks, by
// creation tick.
func (e *Engine) PlayerRecords(playerID string) []model.DividendRecord {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []model.DividendRecord
	for k, ids := range e.ledger {
		if k.PlayerID != playerID {
			continue
		}
		for _, id := range ids {
			out = append(out, *e.records[id])
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedTick != out[j].CreatedTick {
			return out[i].CreatedTick < out[j].CreatedTick
		}
		return out[i].ID < out[j].ID
	})
	return out
}
