// Package market moves stock prices between ticks. It stands in for the
// exchange's external price feed: each step is a random walk of drift, a
// beta-scaled market factor, idiosyncratic noise and resting order pressure,
// after which the synthetic book is regenerated around the new price.
package market

import (
	"math"
	"math/rand/v2"

	"github.com/shopspring/decimal"

	"github.com/atmx/exchange-sim/internal/book"
	"github.com/atmx/exchange-sim/internal/model"
)

// Imbalancer reports resting order pressure on a stock in [-1, 1].
type Imbalancer interface {
	OrderBookImbalance(stockID string) decimal.Decimal
}

// Config parameterizes the walk.
type Config struct {
	Depth            int     // book levels per side
	BaseVolume       int64   // volume at the touch
	MarketVolatility float64 // market factor stdev per tick
	ImpactFactor     float64 // return per unit of imbalance
	MaxMove          float64 // per-tick return clamp
}

// DefaultConfig returns the walk used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Depth:            5,
		BaseVolume:       1000,
		MarketVolatility: 0.002,
		ImpactFactor:     0.001,
		MaxMove:          0.1,
	}
}

// Move is one stock's price change over a step.
type Move struct {
	StockID string          `json:"stock_id"`
	From    decimal.Decimal `json:"from"`
	To      decimal.Decimal `json:"to"`
	Return  float64         `json:"return"`
}

// Pricer advances prices with an injected random source.
type Pricer struct {
	cfg Config
	rng *rand.Rand
}

// NewPricer creates a pricer. rng must not be shared with other goroutines.
func NewPricer(cfg Config, rng *rand.Rand) *Pricer {
	if cfg.Depth <= 0 {
		cfg.Depth = DefaultConfig().Depth
	}
	if cfg.BaseVolume <= 0 {
		cfg.BaseVolume = DefaultConfig().BaseVolume
	}
	if cfg.MaxMove <= 0 {
		cfg.MaxMove = DefaultConfig().MaxMove
	}
	return &Pricer{cfg: cfg, rng: rng}
}

// Step moves every stock once, in the order given, and rebuilds its book.
// imb may be nil.
func (p *Pricer) Step(stocks []*model.Stock, imb Imbalancer) []Move {
	shock := p.cfg.MarketVolatility * p.rng.NormFloat64()
	moves := make([]Move, 0, len(stocks))

	for _, s := range stocks {
		ret := s.Trend + s.Beta*shock + s.Volatility*p.rng.NormFloat64()
		if imb != nil {
			ret += p.cfg.ImpactFactor * imb.OrderBookImbalance(s.ID).InexactFloat64()
		}
		ret = math.Max(-p.cfg.MaxMove, math.Min(p.cfg.MaxMove, ret))

		from := s.Price
		to := model.FloorPrice(model.RoundMoney(from.Mul(decimal.NewFromFloat(1 + ret))))
		Apply(s, to)
		s.Volume += int64(float64(p.cfg.BaseVolume) * (0.5 + p.rng.Float64()))
		s.Bids, s.Asks = book.Synthesize(to, s.Volatility, p.cfg.BaseVolume, p.cfg.Depth, p.rng)

		moves = append(moves, Move{StockID: s.ID, From: from, To: to, Return: ret})
	}
	return moves
}

// Apply sets a new price, keeping the previous one as LastPrice and widening
// the tick range. Also used for corporate-action price adjustments.
func Apply(s *model.Stock, price decimal.Decimal) {
	s.LastPrice = s.Price
	s.Price = price
	s.High = decimal.Max(s.LastPrice, price)
	s.Low = decimal.Min(s.LastPrice, price)
}

// Seed builds an initial book for stocks that have none.
func (p *Pricer) Seed(stocks []*model.Stock) {
	for _, s := range stocks {
		if s.LastPrice.IsZero() {
			s.LastPrice = s.Price
		}
		if len(s.Bids) == 0 && len(s.Asks) == 0 {
			s.Bids, s.Asks = book.Synthesize(s.Price, s.Volatility, p.cfg.BaseVolume, p.cfg.Depth, p.rng)
		}
	}
}
