// Package book models the synthetic order-book liquidity that stands in for
// a real matching engine. A Ladder is an ordered set of price levels, best
// first: bids descending, asks ascending.
//
// Ladders are value-like: stocks carry their levels as plain slices and the
// helpers here operate on those slices without retaining them.
package book

import (
	"errors"
	"math"
	"math/rand/v2"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/exchange-sim/internal/model"
)

// ErrInvalidLevel is returned when a level has a non-positive price or volume.
var ErrInvalidLevel = errors.New("book: level price and volume must be positive")

// TickSize is the minimum price increment between levels.
var TickSize = decimal.RequireFromString("0.01")

// Ladder is one side of a synthetic book.
type Ladder struct {
	bid    bool
	levels []model.BookLevel
}

// NewBidLadder creates an empty bid ladder (highest price first).
func NewBidLadder() *Ladder {
	return &Ladder{bid: true}
}

// NewAskLadder creates an empty ask ladder (lowest price first).
func NewAskLadder() *Ladder {
	return &Ladder{}
}

// FromLevels builds a ladder from existing levels, restoring best-first order.
func FromLevels(bid bool, levels []model.BookLevel) *Ladder {
	l := &Ladder{bid: bid}
	for _, lv := range levels {
		_ = l.Insert(lv)
	}
	return l
}

// Shift moves every level by delta, flooring prices at model.MinPrice and
// merging levels that land on the same price.
func Shift(bid bool, levels []model.BookLevel, delta decimal.Decimal) []model.BookLevel {
	l := &Ladder{bid: bid}
	for _, lv := range levels {
		lv.Price = model.FloorPrice(lv.Price.Add(delta))
		_ = l.Insert(lv)
	}
	return l.levels
}

// better reports whether price a ranks ahead of price b on this side.
func (l *Ladder) better(a, b decimal.Decimal) bool {
	if l.bid {
		return a.GreaterThan(b)
	}
	return a.LessThan(b)
}

// Insert adds volume at a price level, merging with an existing level.
func (l *Ladder) Insert(level model.BookLevel) error {
	if !level.Price.IsPositive() || level.Volume <= 0 {
		return ErrInvalidLevel
	}
	i := sort.Search(len(l.levels), func(i int) bool {
		return !l.better(l.levels[i].Price, level.Price)
	})
	if i < len(l.levels) && l.levels[i].Price.Equal(level.Price) {
		l.levels[i].Volume += level.Volume
		return nil
	}
	l.levels = append(l.levels, model.BookLevel{})
	copy(l.levels[i+1:], l.levels[i:])
	l.levels[i] = level
	return nil
}

// Remove deletes the level at price. Returns false if no such level exists.
func (l *Ladder) Remove(price decimal.Decimal) bool {
	for i, lv := range l.levels {
		if lv.Price.Equal(price) {
			l.levels = append(l.levels[:i], l.levels[i+1:]...)
			return true
		}
	}
	return false
}

// Consume takes up to amount shares from the top of the ladder, removing
// exhausted levels. Returns the amount actually consumed.
func (l *Ladder) Consume(amount int64) int64 {
	var taken int64
	for amount > 0 && len(l.levels) > 0 {
		top := &l.levels[0]
		n := min(top.Volume, amount)
		top.Volume -= n
		amount -= n
		taken += n
		if top.Volume == 0 {
			l.levels = l.levels[1:]
		}
	}
	return taken
}

// Best returns the top level.
func (l *Ladder) Best() (model.BookLevel, bool) {
	return Best(l.levels)
}

// Depth is the number of levels.
func (l *Ladder) Depth() int {
	return len(l.levels)
}

// Levels returns a copy of the levels, best first.
func (l *Ladder) Levels() []model.BookLevel {
	return append([]model.BookLevel(nil), l.levels...)
}

// Best returns the first level of a best-first slice.
func Best(levels []model.BookLevel) (model.BookLevel, bool) {
	if len(levels) == 0 {
		return model.BookLevel{}, false
	}
	return levels[0], true
}

// Opposing returns the levels an order on side would trade against:
// asks for buys, bids for sells.
func Opposing(stock *model.Stock, side model.Side) []model.BookLevel {
	if side == model.SideBuy {
		return stock.Asks
	}
	return stock.Bids
}

// Walk consumes levels in order until amount is filled or the book runs out.
// Returns the filled amount and its volume-weighted average price.
func Walk(levels []model.BookLevel, amount int64) (int64, decimal.Decimal) {
	var filled int64
	cost := decimal.Zero
	for _, lv := range levels {
		if filled >= amount {
			break
		}
		n := min(lv.Volume, amount-filled)
		cost = cost.Add(lv.Price.Mul(decimal.NewFromInt(n)))
		filled += n
	}
	if filled == 0 {
		return 0, decimal.Zero
	}
	return filled, cost.Div(decimal.NewFromInt(filled))
}

// VolumeWithin sums the volume of levels an order on side can take without
// crossing limit.
func VolumeWithin(levels []model.BookLevel, side model.Side, limit decimal.Decimal) int64 {
	var vol int64
	for _, lv := range levels {
		if side == model.SideBuy && lv.Price.GreaterThan(limit) {
			break
		}
		if side == model.SideSell && lv.Price.LessThan(limit) {
			break
		}
		vol += lv.Volume
	}
	return vol
}

// Synthesize generates depth levels per side around price. The spread and
// level spacing widen with volatility; volumes jitter around baseVolume and
// thin out away from the touch.
func Synthesize(price decimal.Decimal, volatility float64, baseVolume int64, depth int, r *rand.Rand) (bids, asks []model.BookLevel) {
	if depth <= 0 || !price.IsPositive() {
		return nil, nil
	}
	p := price.InexactFloat64()
	step := math.Max(p*math.Max(volatility, 0.0005)/2, TickSize.InexactFloat64())
	bidLadder, askLadder := NewBidLadder(), NewAskLadder()

	for i := 1; i <= depth; i++ {
		offset := step * float64(i)
		decay := 1.0 / float64(i)
		vol := func() int64 {
			v := float64(baseVolume) * decay * (0.5 + r.Float64())
			return max(int64(v), 1)
		}
		bp := decimal.NewFromFloat(p - offset).Round(2)
		if bp.GreaterThanOrEqual(model.MinPrice) {
			_ = bidLadder.Insert(model.BookLevel{Price: bp, Volume: vol()})
		}
		ap := decimal.NewFromFloat(p + offset).Round(2)
		_ = askLadder.Insert(model.BookLevel{Price: ap, Volume: vol()})
	}
	return bidLadder.Levels(), askLadder.Levels()
}
