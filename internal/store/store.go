// Package store defines persistence for game rooms. Implementations include
// PostgreSQL (source of truth), Redis (read-through cache), and in-memory
// (for testing and the offline simulator).
//
// The engines never call the store; the session writes a room snapshot and
// the settlement ledger after each tick.
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/exchange-sim/internal/model"
)

// ErrNotFound is returned when a stock or player does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Room state ---

	// SaveStocks upserts the live state of a room's stocks.
	SaveStocks(ctx context.Context, roomID string, stocks []model.Stock) error

	// ListStocks returns a room's stocks ordered by symbol.
	ListStocks(ctx context.Context, roomID string) ([]model.Stock, error)

	// SavePlayer upserts a player's balances and holdings.
	SavePlayer(ctx context.Context, roomID string, p *model.Player) error

	// GetPlayer retrieves a player by ID.
	GetPlayer(ctx context.Context, roomID, playerID string) (*model.Player, error)

	// --- Immutable ledger ---

	// InsertLedgerEntry appends an immutable settlement record.
	InsertLedgerEntry(ctx context.Context, entry *model.LedgerEntry) error

	// GetLedgerEntriesByPlayer returns a player's settlements in tick order.
	GetLedgerEntriesByPlayer(ctx context.Context, roomID, playerID string) ([]model.LedgerEntry, error)

	// GetLedgerEntriesByStock returns all settlements on a stock in tick order.
	GetLedgerEntriesByStock(ctx context.Context, roomID, stockID string) ([]model.LedgerEntry, error)

	// --- Aggregates ---

	// GetPlayerCashFlows sums a player's cash deltas per ledger kind.
	GetPlayerCashFlows(ctx context.Context, roomID, playerID string) (map[model.LedgerKind]decimal.Decimal, error)
}
