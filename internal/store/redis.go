package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/exchange-sim/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

var _ Store = (*CachedStore)(nil)

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) SaveStocks(ctx context.Context, roomID string, stocks []model.Stock) error {
	if err := s.primary.SaveStocks(ctx, roomID, stocks); err != nil {
		return err
	}
	s.rdb.Del(ctx, stocksKey(roomID))
	return nil
}

func (s *CachedStore) SavePlayer(ctx context.Context, roomID string, p *model.Player) error {
	if err := s.primary.SavePlayer(ctx, roomID, p); err != nil {
		return err
	}
	s.cache(ctx, playerKey(roomID, p.ID), p)
	return nil
}

func (s *CachedStore) InsertLedgerEntry(ctx context.Context, entry *model.LedgerEntry) error {
	if err := s.primary.InsertLedgerEntry(ctx, entry); err != nil {
		return err
	}
	// Invalidate the aggregate for this player.
	s.rdb.Del(ctx, flowsKey(entry.RoomID, entry.PlayerID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) ListStocks(ctx context.Context, roomID string) ([]model.Stock, error) {
	var stocks []model.Stock
	if s.load(ctx, stocksKey(roomID), &stocks) {
		return stocks, nil
	}

	stocks, err := s.primary.ListStocks(ctx, roomID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, stocksKey(roomID), stocks)
	return stocks, nil
}

func (s *CachedStore) GetPlayer(ctx context.Context, roomID, playerID string) (*model.Player, error) {
	var p model.Player
	if s.load(ctx, playerKey(roomID, playerID), &p) {
		return &p, nil
	}

	pp, err := s.primary.GetPlayer(ctx, roomID, playerID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, playerKey(roomID, playerID), pp)
	return pp, nil
}

func (s *CachedStore) GetPlayerCashFlows(ctx context.Context, roomID, playerID string) (map[model.LedgerKind]decimal.Decimal, error) {
	var flows map[model.LedgerKind]decimal.Decimal
	if s.load(ctx, flowsKey(roomID, playerID), &flows) {
		return flows, nil
	}

	flows, err := s.primary.GetPlayerCashFlows(ctx, roomID, playerID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, flowsKey(roomID, playerID), flows)
	return flows, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetLedgerEntriesByPlayer(ctx context.Context, roomID, playerID string) ([]model.LedgerEntry, error) {
	return s.primary.GetLedgerEntriesByPlayer(ctx, roomID, playerID)
}

func (s *CachedStore) GetLedgerEntriesByStock(ctx context.Context, roomID, stockID string) ([]model.LedgerEntry, error) {
	return s.primary.GetLedgerEntriesByStock(ctx, roomID, stockID)
}

// --- Cache helpers ---

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func (s *CachedStore) load(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func stocksKey(room string) string { return fmt.Sprintf("stocks:%s", room) }
func playerKey(room, id string) string { return fmt.Sprintf("player:%s:%s", room, id) }
func flowsKey(room, id string) string { return fmt.Sprintf("cashflows:%s:%s", room, id) }
