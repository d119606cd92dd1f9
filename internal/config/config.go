// Package config loads server settings from defaults, an optional YAML file,
// a .env file and EXSIM_* environment variables, and reads room scenarios.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/atmx/exchange-sim/internal/market"
	"github.com/atmx/exchange-sim/internal/model"
)

// Config is the full server configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Room     RoomConfig     `mapstructure:"room"`
	Market   MarketConfig   `mapstructure:"market"`
	Game     GameConfig     `mapstructure:"game"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// Requests per second allowed per player on write endpoints. 0 disables.
	ThrottleRate  float64 `mapstructure:"throttle_rate"`
	ThrottleBurst int     `mapstructure:"throttle_burst"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type RedisConfig struct {
	URL string        `mapstructure:"url"`
	TTL time.Duration `mapstructure:"ttl"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type RoomConfig struct {
	ID           string        `mapstructure:"id"`
	TickInterval time.Duration `mapstructure:"tick_interval"`
	Seed         uint64        `mapstructure:"seed"`
	Scenario     string        `mapstructure:"scenario"`
}

type MarketConfig struct {
	Depth            int     `mapstructure:"depth"`
	BaseVolume       int64   `mapstructure:"base_volume"`
	MarketVolatility float64 `mapstructure:"market_volatility"`
	ImpactFactor     float64 `mapstructure:"impact_factor"`
	MaxMove          float64 `mapstructure:"max_move"`
}

// GameConfig mirrors model.GameSettings with plain numbers so it can come
// from flags, env vars and YAML alike.
type GameConfig struct {
	FeeRate       float64        `mapstructure:"fee_rate"`
	AutoLiquidate bool           `mapstructure:"auto_liquidate"`
	Margin        MarginConfig   `mapstructure:"margin"`
	Dividend      DividendConfig `mapstructure:"dividend"`
	Limits        LimitsConfig   `mapstructure:"limits"`
}

type MarginConfig struct {
	MaxShortRatio        float64 `mapstructure:"max_short_ratio"`
	MinMarginRequirement float64 `mapstructure:"min_margin_requirement"`
	MarginCallThreshold  float64 `mapstructure:"margin_call_threshold"`
	DailyBorrowFee       float64 `mapstructure:"daily_borrow_fee"`
	MaxLeverage          float64 `mapstructure:"max_leverage"`
	MaxHoldingDays       int64   `mapstructure:"max_holding_days"`
	LiquidationPenalty   float64 `mapstructure:"liquidation_penalty"`
}

type DividendConfig struct {
	IntervalDays      int64 `mapstructure:"interval_days"`
	DividendEveryDays int64 `mapstructure:"dividend_every_days"`
}

type LimitsConfig struct {
	MaxPerStock  float64 `mapstructure:"max_per_stock"`
	MaxPerSector float64 `mapstructure:"max_per_sector"`
}

// Load reads configuration. An empty configPath searches ./config.yaml and
// ./config/config.yaml; a missing file is not an error.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "err", err)
	}

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("EXSIM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Conventional names used by the deploy scripts.
	v.BindEnv("database.url", "EXSIM_DATABASE_URL", "DATABASE_URL")
	v.BindEnv("redis.url", "EXSIM_REDIS_URL", "REDIS_URL")
	v.BindEnv("server.port", "EXSIM_SERVER_PORT", "PORT")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read %s: %w", v.ConfigFileUsed(), err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 5*time.Second)
	v.SetDefault("server.throttle_rate", 10.0)
	v.SetDefault("server.throttle_burst", 20)

	v.SetDefault("database.url", "")
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.ttl", 30*time.Second)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "exsim.events")

	v.SetDefault("room.id", "main")
	v.SetDefault("room.tick_interval", time.Second)
	v.SetDefault("room.seed", 0)
	v.SetDefault("room.scenario", "")

	mc := market.DefaultConfig()
	v.SetDefault("market.depth", mc.Depth)
	v.SetDefault("market.base_volume", mc.BaseVolume)
	v.SetDefault("market.market_volatility", mc.MarketVolatility)
	v.SetDefault("market.impact_factor", mc.ImpactFactor)
	v.SetDefault("market.max_move", mc.MaxMove)

	gs := model.DefaultSettings()
	v.SetDefault("game.fee_rate", gs.FeeRate.InexactFloat64())
	v.SetDefault("game.auto_liquidate", gs.AutoLiquidate)
	v.SetDefault("game.margin.max_short_ratio", gs.Margin.MaxShortRatio.InexactFloat64())
	v.SetDefault("game.margin.min_margin_requirement", gs.Margin.MinMarginRequirement.InexactFloat64())
	v.SetDefault("game.margin.margin_call_threshold", gs.Margin.MarginCallThreshold.InexactFloat64())
	v.SetDefault("game.margin.daily_borrow_fee", gs.Margin.DailyBorrowFee.InexactFloat64())
	v.SetDefault("game.margin.max_leverage", gs.Margin.MaxLeverage.InexactFloat64())
	v.SetDefault("game.margin.max_holding_days", gs.Margin.MaxHoldingDays)
	v.SetDefault("game.margin.liquidation_penalty", gs.Margin.LiquidationPenalty.InexactFloat64())
	v.SetDefault("game.dividend.interval_days", gs.Dividend.IntervalDays)
	v.SetDefault("game.dividend.dividend_every_days", gs.Dividend.DividendEveryDays)
	v.SetDefault("game.limits.max_per_stock", 0.0)
	v.SetDefault("game.limits.max_per_sector", 0.0)
}

// Validate rejects settings the engines cannot run with.
func (c *Config) Validate() error {
	var errs []error
	g := c.Game
	if g.FeeRate < 0 || g.FeeRate >= 1 {
		errs = append(errs, fmt.Errorf("game.fee_rate must be in [0, 1), got %v", g.FeeRate))
	}
	if g.Margin.MaxShortRatio < 0 || g.Margin.MaxShortRatio > 1 {
		errs = append(errs, fmt.Errorf("game.margin.max_short_ratio must be in [0, 1], got %v", g.Margin.MaxShortRatio))
	}
	if g.Margin.MinMarginRequirement <= 0 {
		errs = append(errs, errors.New("game.margin.min_margin_requirement must be positive"))
	}
	if g.Margin.MaxLeverage <= 0 {
		errs = append(errs, errors.New("game.margin.max_leverage must be positive"))
	}
	if g.Dividend.IntervalDays <= 0 {
		errs = append(errs, errors.New("game.dividend.interval_days must be positive"))
	}
	if c.Room.TickInterval <= 0 {
		errs = append(errs, errors.New("room.tick_interval must be positive"))
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		errs = append(errs, errors.New("kafka.topic is required when brokers are set"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Settings converts the game section into engine settings.
func (c *Config) Settings() model.GameSettings {
	g := c.Game
	return model.GameSettings{
		FeeRate:       decimal.NewFromFloat(g.FeeRate),
		AutoLiquidate: g.AutoLiquidate,
		Margin: model.MarginSettings{
			MaxShortRatio:        decimal.NewFromFloat(g.Margin.MaxShortRatio),
			MinMarginRequirement: decimal.NewFromFloat(g.Margin.MinMarginRequirement),
			MarginCallThreshold:  decimal.NewFromFloat(g.Margin.MarginCallThreshold),
			DailyBorrowFee:       decimal.NewFromFloat(g.Margin.DailyBorrowFee),
			MaxLeverage:          decimal.NewFromFloat(g.Margin.MaxLeverage),
			MaxHoldingDays:       g.Margin.MaxHoldingDays,
			LiquidationPenalty:   decimal.NewFromFloat(g.Margin.LiquidationPenalty),
		},
		Dividend: model.DividendSettings{
			IntervalDays:      g.Dividend.IntervalDays,
			DividendEveryDays: g.Dividend.DividendEveryDays,
		},
		Limits: model.PositionLimits{
			MaxPerStock:  decimal.NewFromFloat(g.Limits.MaxPerStock),
			MaxPerSector: decimal.NewFromFloat(g.Limits.MaxPerSector),
		},
	}
}

// PricerConfig converts the market section into pricer settings.
func (c *Config) PricerConfig() market.Config {
	m := c.Market
	return market.Config{
		Depth:            m.Depth,
		BaseVolume:       m.BaseVolume,
		MarketVolatility: m.MarketVolatility,
		ImpactFactor:     m.ImpactFactor,
		MaxMove:          m.MaxMove,
	}
}

// ---------------------------------------------------------------------------
// Scenarios
// ---------------------------------------------------------------------------

// Scenario is the initial state of a room: listed stocks, players and any
// pre-scheduled corporate actions.
type Scenario struct {
	Stocks    []StockSpec    `yaml:"stocks"`
	Players   []PlayerSpec   `yaml:"players"`
	Dividends []DividendSpec `yaml:"dividends"`
}

type StockSpec struct {
	ID          string  `yaml:"id"`
	Symbol      string  `yaml:"symbol"`
	Name        string  `yaml:"name"`
	Sector      string  `yaml:"sector"`
	Price       float64 `yaml:"price"`
	Volatility  float64 `yaml:"volatility"`
	Trend       float64 `yaml:"trend"`
	Beta        float64 `yaml:"beta"`
	TotalShares int64   `yaml:"total_shares"`
}

type PlayerSpec struct {
	ID       string           `yaml:"id"`
	Name     string           `yaml:"name"`
	Cash     float64          `yaml:"cash"`
	Holdings map[string]int64 `yaml:"holdings"` // stockID → shares, cost basis at the listing price
}

type DividendSpec struct {
	ID               string  `yaml:"id"`
	StockID          string  `yaml:"stock_id"`
	RecordTick       int64   `yaml:"record_tick"`
	ExDividendTick   int64   `yaml:"ex_dividend_tick"`
	PaymentTick      int64   `yaml:"payment_tick"`
	DividendPerShare float64 `yaml:"dividend_per_share"`
	BonusRatio       float64 `yaml:"bonus_ratio"`
	RightsRatio      float64 `yaml:"rights_ratio"`
	RightsPrice      float64 `yaml:"rights_price"`
}

// LoadScenario reads a YAML scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read scenario: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates a YAML scenario.
func ParseScenario(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("config: parse scenario: %w", err)
	}
	listed := make(map[string]bool, len(sc.Stocks))
	for _, s := range sc.Stocks {
		if s.ID == "" || s.Price <= 0 || s.TotalShares <= 0 {
			return nil, fmt.Errorf("config: stock %q needs an id, a positive price and total_shares", s.ID)
		}
		listed[s.ID] = true
	}
	for _, p := range sc.Players {
		if p.ID == "" || p.Cash < 0 {
			return nil, fmt.Errorf("config: player %q needs an id and non-negative cash", p.ID)
		}
		for id, n := range p.Holdings {
			if !listed[id] || n < 0 {
				return nil, fmt.Errorf("config: player %q holds unknown stock %q", p.ID, id)
			}
		}
	}
	for _, dv := range sc.Dividends {
		if !listed[dv.StockID] {
			return nil, fmt.Errorf("config: dividend on unknown stock %q", dv.StockID)
		}
	}
	return &sc, nil
}

// DefaultScenario is the room used when no scenario file is configured.
func DefaultScenario() *Scenario {
	return &Scenario{
		Stocks: []StockSpec{
			{ID: "tech", Symbol: "TECH", Name: "Techcorp", Sector: "technology", Price: 120, Volatility: 0.02, Beta: 1.2, TotalShares: 1_000_000},
			{ID: "bank", Symbol: "BANK", Name: "First Bank", Sector: "finance", Price: 45, Volatility: 0.012, Beta: 0.9, TotalShares: 2_000_000},
			{ID: "oil", Symbol: "OIL", Name: "Crude Co", Sector: "energy", Price: 80, Volatility: 0.018, Beta: 1.0, TotalShares: 1_500_000},
			{ID: "care", Symbol: "CARE", Name: "Carewell", Sector: "healthcare", Price: 60, Volatility: 0.01, Beta: 0.7, TotalShares: 800_000},
		},
		Players: []PlayerSpec{
			{ID: "player1", Name: "Player 1", Cash: 100_000},
			{ID: "player2", Name: "Player 2", Cash: 100_000},
		},
	}
}

// ModelStocks converts the specs into listed stocks.
func (sc *Scenario) ModelStocks() []model.Stock {
	out := make([]model.Stock, 0, len(sc.Stocks))
	for _, s := range sc.Stocks {
		symbol := s.Symbol
		if symbol == "" {
			symbol = strings.ToUpper(s.ID)
		}
		price := model.RoundMoney(decimal.NewFromFloat(s.Price))
		out = append(out, model.Stock{
			ID:          s.ID,
			Symbol:      symbol,
			Name:        s.Name,
			Sector:      s.Sector,
			Price:       price,
			LastPrice:   price,
			High:        price,
			Low:         price,
			Volatility:  s.Volatility,
			Trend:       s.Trend,
			Beta:        s.Beta,
			TotalShares: s.TotalShares,
		})
	}
	return out
}

// ModelPlayers converts the specs into players. Initial holdings are booked
// at the stock's listing price.
func (sc *Scenario) ModelPlayers() []*model.Player {
	prices := make(map[string]decimal.Decimal, len(sc.Stocks))
	for _, s := range sc.Stocks {
		prices[s.ID] = model.RoundMoney(decimal.NewFromFloat(s.Price))
	}
	out := make([]*model.Player, 0, len(sc.Players))
	for _, p := range sc.Players {
		name := p.Name
		if name == "" {
			name = p.ID
		}
		player := model.NewPlayer(p.ID, name, model.RoundMoney(decimal.NewFromFloat(p.Cash)))
		for id, n := range p.Holdings {
			if n > 0 {
				player.AddShares(id, n, prices[id].Mul(decimal.NewFromInt(n)))
			}
		}
		out = append(out, player)
	}
	return out
}

// ModelDividends converts the pre-scheduled corporate actions.
func (sc *Scenario) ModelDividends() []model.DividendEvent {
	out := make([]model.DividendEvent, 0, len(sc.Dividends))
	for _, dv := range sc.Dividends {
		out = append(out, model.DividendEvent{
			ID:               dv.ID,
			StockID:          dv.StockID,
			RecordTick:       dv.RecordTick,
			ExDividendTick:   dv.ExDividendTick,
			PaymentTick:      dv.PaymentTick,
			DividendPerShare: decimal.NewFromFloat(dv.DividendPerShare),
			BonusRatio:       decimal.NewFromFloat(dv.BonusRatio),
			RightsRatio:      decimal.NewFromFloat(dv.RightsRatio),
			RightsPrice:      decimal.NewFromFloat(dv.RightsPrice),
		})
	}
	return out
}
