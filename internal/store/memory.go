package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/exchange-sim/internal/model"
)

type roomKey struct {
	roomID, id string
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and the offline simulator. Not suitable for production (no persistence).
type MemoryStore struct {
	mu      sync.RWMutex
	stocks  map[roomKey]model.Stock
	players map[roomKey]model.Player
	ledger  []model.LedgerEntry
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		stocks:  make(map[roomKey]model.Stock),
		players: make(map[roomKey]model.Player),
	}
}

func (s *MemoryStore) SaveStocks(_ context.Context, roomID string, stocks []model.Stock) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range stocks {
		s.stocks[roomKey{roomID, stocks[i].ID}] = stocks[i].Clone()
	}
	return nil
}

func (s *MemoryStore) ListStocks(_ context.Context, roomID string) ([]model.Stock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Stock
	for k, st := range s.stocks {
		if k.roomID == roomID {
			out = append(out, st.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (s *MemoryStore) SavePlayer(_ context.Context, roomID string, p *model.Player) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to avoid external mutation.
	s.players[roomKey{roomID, p.ID}] = p.Clone()
	return nil
}

func (s *MemoryStore) GetPlayer(_ context.Context, roomID, playerID string) (*model.Player, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.players[roomKey{roomID, playerID}]
	if !ok {
		return nil, fmt.Errorf("%w: player %s", ErrNotFound, playerID)
	}
	c := p.Clone()
	return &c, nil
}

func (s *MemoryStore) InsertLedgerEntry(_ context.Context, entry *model.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.ledger {
		if e.ID == entry.ID {
			return fmt.Errorf("ledger entry %s already exists", entry.ID)
		}
	}
	s.ledger = append(s.ledger, *entry)
	return nil
}

func (s *MemoryStore) GetLedgerEntriesByPlayer(_ context.Context, roomID, playerID string) ([]model.LedgerEntry, error) {
	return s.filter(func(e *model.LedgerEntry) bool {
		return e.RoomID == roomID && e.PlayerID == playerID
	}), nil
}

func (s *MemoryStore) GetLedgerEntriesByStock(_ context.Context, roomID, stockID string) ([]model.LedgerEntry, error) {
	return s.filter(func(e *model.LedgerEntry) bool {
		return e.RoomID == roomID && e.StockID == stockID
	}), nil
}

// filter returns matching entries in insertion order, which is tick order.
func (s *MemoryStore) filter(keep func(*model.LedgerEntry) bool) []model.LedgerEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for i := range s.ledger {
		if keep(&s.ledger[i]) {
			result = append(result, s.ledger[i])
		}
	}
	return result
}

func (s *MemoryStore) GetPlayerCashFlows(ctx context.Context, roomID, playerID string) (map[model.LedgerKind]decimal.Decimal, error) {
	entries, err := s.GetLedgerEntriesByPlayer(ctx, roomID, playerID)
	if err != nil {
		return nil, err
	}

	flows := make(map[model.LedgerKind]decimal.Decimal)
	for _, e := range entries {
		flows[e.Kind] = flows[e.Kind].Add(e.CashDelta)
	}
	return flows, nil
}
