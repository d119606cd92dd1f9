package model

import "github.com/shopspring/decimal"

// MarginSettings parameterizes short selling.
type MarginSettings struct {
	// MaxShortRatio reserves this fraction of outstanding shares from the
	// shortable pool: pool = TotalShares × (1 − MaxShortRatio).
	MaxShortRatio        decimal.Decimal `json:"max_short_ratio"`
	MinMarginRequirement decimal.Decimal `json:"min_margin_requirement"`
	MarginCallThreshold  decimal.Decimal `json:"margin_call_threshold"`
	DailyBorrowFee       decimal.Decimal `json:"daily_borrow_fee"`
	MaxLeverage          decimal.Decimal `json:"max_leverage"`
	MaxHoldingDays       int64           `json:"max_holding_days"`
	LiquidationPenalty   decimal.Decimal `json:"liquidation_penalty"`
}

// DividendSettings parameterizes corporate action scheduling.
type DividendSettings struct {
	// IntervalDays divides the annualized yield into one payout.
	IntervalDays      int64 `json:"interval_days"`
	DividendEveryDays int64 `json:"dividend_every_days"`
}

// PositionLimits caps long exposure by market value. A zero cap is
// disabled.
type PositionLimits struct {
	MaxPerStock  decimal.Decimal `json:"max_per_stock"`
	MaxPerSector decimal.Decimal `json:"max_per_sector"`
}

// GameSettings is the per-room configuration consumed by the engines.
type GameSettings struct {
	FeeRate       decimal.Decimal  `json:"fee_rate"`
	AutoLiquidate bool             `json:"auto_liquidate"`
	Margin        MarginSettings   `json:"margin"`
	Dividend      DividendSettings `json:"dividend"`
	Limits        PositionLimits   `json:"limits"`
}

// DefaultSettings returns the settings a room starts with when nothing is
// configured.
func DefaultSettings() GameSettings {
	return GameSettings{
		FeeRate: decimal.RequireFromString("0.0003"),
		Margin: MarginSettings{
			MaxShortRatio:        decimal.RequireFromString("0.8"),
			MinMarginRequirement: decimal.RequireFromString("0.5"),
			MarginCallThreshold:  decimal.RequireFromString("0.3"),
			DailyBorrowFee:       decimal.RequireFromString("0.001"),
			MaxLeverage:          decimal.NewFromInt(2),
			MaxHoldingDays:       30,
			LiquidationPenalty:   decimal.RequireFromString("0.1"),
		},
		Dividend: DividendSettings{
			IntervalDays:      4,
			DividendEveryDays: 20,
		},
		Limits: PositionLimits{
			MaxPerStock:  decimal.Zero,
			MaxPerSector: decimal.Zero,
		},
	}
}
