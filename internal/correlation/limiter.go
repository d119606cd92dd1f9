// Package correlation implements long-position limits that account for
// correlation between stocks in the same sector.
//
// A player buying every technology stock carries one correlated bet. The
// limiter caps the market value held in any single stock and the aggregate
// market value held across a sector.
package correlation

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/exchange-sim/internal/model"
)

var (
	// ErrPerStockLimitExceeded is returned when a buy would push a single
	// stock's holding value beyond the per-stock maximum.
	ErrPerStockLimitExceeded = errors.New("correlation: per-stock position limit exceeded")

	// ErrSectorLimitExceeded is returned when a buy would push the
	// aggregate value held across one sector beyond the sector maximum.
	ErrSectorLimitExceeded = errors.New("correlation: sector exposure limit exceeded")
)

// Exposure is the market value of one holding.
type Exposure struct {
	Sector string
	Value  decimal.Decimal
}

// PositionLimiter enforces per-stock and per-sector caps. A zero cap is
// disabled.
type PositionLimiter struct {
	MaxPerStock  decimal.Decimal
	MaxPerSector decimal.Decimal
}

// NewPositionLimiter creates a limiter from room settings. Returns nil when
// both caps are disabled.
func NewPositionLimiter(limits model.PositionLimits) *PositionLimiter {
	if !limits.MaxPerStock.IsPositive() && !limits.MaxPerSector.IsPositive() {
		return nil
	}
	return &PositionLimiter{
		MaxPerStock:  limits.MaxPerStock,
		MaxPerSector: limits.MaxPerSector,
	}
}

// CheckLimit validates a buy adding delta of market value to stockID.
// existing maps stockID to the player's current exposures. A nil limiter
// allows everything.
func (l *PositionLimiter) CheckLimit(stockID, sector string, delta decimal.Decimal, existing map[string]Exposure) error {
	if l == nil || !delta.IsPositive() {
		return nil
	}

	// 1. Per-stock limit.
	next := existing[stockID].Value.Add(delta)
	if l.MaxPerStock.IsPositive() && next.GreaterThan(l.MaxPerStock) {
		return ErrPerStockLimitExceeded
	}

	// 2. Sector exposure: sum value across stocks sharing the sector.
	if !l.MaxPerSector.IsPositive() || sector == "" {
		return nil
	}
	total := next
	for id, e := range existing {
		if id != stockID && e.Sector == sector {
			total = total.Add(e.Value)
		}
	}
	if total.GreaterThan(l.MaxPerSector) {
		return ErrSectorLimitExceeded
	}
	return nil
}

// Exposures values a player's holdings at current prices. Holdings of
// unknown stocks are skipped.
func Exposures(p *model.Player, stocks map[string]*model.Stock) map[string]Exposure {
	out := make(map[string]Exposure, len(p.Portfolio))
	for id, shares := range p.Portfolio {
		s, ok := stocks[id]
		if !ok {
			continue
		}
		out[id] = Exposure{
			Sector: s.Sector,
			Value:  s.Price.Mul(decimal.NewFromInt(shares)),
		}
	}
	return out
}
