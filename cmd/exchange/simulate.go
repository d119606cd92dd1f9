package main

import (
	"log/slog"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/atmx/exchange-sim/internal/config"
	"github.com/atmx/exchange-sim/internal/store"
)

func simulateCmd() *cobra.Command {
	var (
		ticks int64
		seed  uint64
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Advance an in-memory room offline and log a summary",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("seed") {
				cfg.Room.Seed = seed
			}
			return simulate(cmd, cfg, ticks)
		},
	}
	cmd.Flags().Int64Var(&ticks, "ticks", 6000, "number of ticks to run")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "random seed (0 picks one)")
	return cmd
}

func simulate(cmd *cobra.Command, cfg *config.Config, ticks int64) error {
	ctx := cmd.Context()
	room, err := newRoom(cfg, store.NewMemoryStore(), nil)
	if err != nil {
		return err
	}

	var fills, liquidations, calls, settlements int
	payouts := decimal.Zero
	for range ticks {
		rep, err := room.Tick(ctx)
		if err != nil {
			return err
		}
		fills += len(rep.Fills)
		liquidations += len(rep.Liquidations)
		calls += len(rep.MarginCalls)
		settlements += len(rep.Settlements)
		for _, amt := range rep.Payouts {
			payouts = payouts.Add(amt)
		}
	}

	for _, s := range room.Stocks() {
		slog.Info("stock",
			"id", s.ID,
			"price", s.Price.StringFixed(2),
			"volume", s.Volume,
			"total_shares", s.TotalShares,
			"dividend_events", len(room.DividendEvents(s.ID)),
		)
	}
	slog.Info("simulation complete",
		"ticks", room.CurrentTick(),
		"fills", fills,
		"margin_calls", calls,
		"liquidations", liquidations,
		"dividend_settlements", settlements,
		"dividends_paid", payouts.StringFixed(2),
	)
	return nil
}
