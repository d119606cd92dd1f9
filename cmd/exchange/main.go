package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/atmx/exchange-sim/internal/config"
	"github.com/atmx/exchange-sim/internal/events"
	"github.com/atmx/exchange-sim/internal/session"
	"github.com/atmx/exchange-sim/internal/store"
)

var cfgFile string

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	rootCmd := &cobra.Command{
		Use:           "exchange",
		Short:         "Stock exchange simulation game engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.AddCommand(serveCmd(), simulateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newRoom builds a room from the configured scenario.
func newRoom(cfg *config.Config, st store.Store, pub events.Publisher) (*session.Room, error) {
	sc := config.DefaultScenario()
	if cfg.Room.Scenario != "" {
		loaded, err := config.LoadScenario(cfg.Room.Scenario)
		if err != nil {
			return nil, err
		}
		sc = loaded
	}

	seed := cfg.Room.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	room := session.New(session.Config{
		RoomID:   cfg.Room.ID,
		Settings: cfg.Settings(),
		Market:   cfg.PricerConfig(),
		Seed:     seed,
	}, st, pub)

	for _, s := range sc.ModelStocks() {
		if err := room.AddStock(s); err != nil {
			return nil, fmt.Errorf("list %s: %w", s.ID, err)
		}
	}
	for _, p := range sc.ModelPlayers() {
		if err := room.AddPlayer(p); err != nil {
			return nil, fmt.Errorf("add player %s: %w", p.ID, err)
		}
	}
	for _, ev := range sc.ModelDividends() {
		if _, err := room.ScheduleDividend(ev); err != nil {
			return nil, fmt.Errorf("schedule dividend on %s: %w", ev.StockID, err)
		}
	}

	slog.Info("room ready",
		"room", cfg.Room.ID,
		"stocks", len(sc.Stocks),
		"players", len(sc.Players),
		"seed", seed,
	)
	return room, nil
}

// shutdownContext bounds cleanup after the main context is cancelled.
func shutdownContext(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}
