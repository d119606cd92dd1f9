package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/exchange-sim/internal/model"
)

// Schema creates the tables PostgresStore uses. All monetary values are
// NUMERIC for exact decimal precision.
const Schema = `
CREATE TABLE IF NOT EXISTS stocks (
	room_id      TEXT NOT NULL,
	id           TEXT NOT NULL,
	symbol       TEXT NOT NULL,
	name         TEXT NOT NULL DEFAULT '',
	sector       TEXT NOT NULL DEFAULT '',
	price        NUMERIC NOT NULL,
	last_price   NUMERIC NOT NULL,
	volatility   DOUBLE PRECISION NOT NULL DEFAULT 0,
	trend        DOUBLE PRECISION NOT NULL DEFAULT 0,
	beta         DOUBLE PRECISION NOT NULL DEFAULT 0,
	volume       BIGINT NOT NULL DEFAULT 0,
	total_shares BIGINT NOT NULL,
	eps          NUMERIC NOT NULL DEFAULT 0,
	PRIMARY KEY (room_id, id)
);

CREATE TABLE IF NOT EXISTS players (
	room_id    TEXT NOT NULL,
	id         TEXT NOT NULL,
	name       TEXT NOT NULL DEFAULT '',
	cash       NUMERIC NOT NULL,
	debt       NUMERIC NOT NULL DEFAULT 0,
	portfolio  JSONB NOT NULL DEFAULT '{}',
	cost_basis JSONB NOT NULL DEFAULT '{}',
	PRIMARY KEY (room_id, id)
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	id         TEXT PRIMARY KEY,
	room_id    TEXT NOT NULL,
	player_id  TEXT NOT NULL,
	stock_id   TEXT NOT NULL,
	ref_id     TEXT NOT NULL DEFAULT '',
	kind       TEXT NOT NULL,
	side       TEXT NOT NULL DEFAULT '',
	quantity   BIGINT NOT NULL,
	price      NUMERIC NOT NULL,
	cash_delta NUMERIC NOT NULL,
	fee        NUMERIC NOT NULL DEFAULT 0,
	tick       BIGINT NOT NULL,
	timestamp  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS ledger_entries_player ON ledger_entries (room_id, player_id, tick);
CREATE INDEX IF NOT EXISTS ledger_entries_stock ON ledger_entries (room_id, stock_id, tick);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

func (s *PostgresStore) SaveStocks(ctx context.Context, roomID string, stocks []model.Stock) error {
	batch := &pgx.Batch{}
	for _, st := range stocks {
		batch.Queue(
			`INSERT INTO stocks (room_id, id, symbol, name, sector, price, last_price, volatility, trend, beta, volume, total_shares, eps)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9, $10, $11, $12, $13::NUMERIC)
			 ON CONFLICT (room_id, id) DO UPDATE
			 SET price = EXCLUDED.price, last_price = EXCLUDED.last_price,
			     volume = EXCLUDED.volume, total_shares = EXCLUDED.total_shares, eps = EXCLUDED.eps`,
			roomID, st.ID, st.Symbol, st.Name, st.Sector,
			st.Price.String(), st.LastPrice.String(),
			st.Volatility, st.Trend, st.Beta,
			st.Volume, st.TotalShares, st.EPS.String(),
		)
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

func (s *PostgresStore) ListStocks(ctx context.Context, roomID string) ([]model.Stock, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, symbol, name, sector, price::TEXT, last_price::TEXT,
		        volatility, trend, beta, volume, total_shares, eps::TEXT
		 FROM stocks WHERE room_id = $1 ORDER BY symbol`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stocks []model.Stock
	for rows.Next() {
		var st model.Stock
		var price, last, eps string
		if err := rows.Scan(&st.ID, &st.Symbol, &st.Name, &st.Sector, &price, &last,
			&st.Volatility, &st.Trend, &st.Beta, &st.Volume, &st.TotalShares, &eps); err != nil {
			return nil, err
		}
		st.Price, _ = decimal.NewFromString(price)
		st.LastPrice, _ = decimal.NewFromString(last)
		st.EPS, _ = decimal.NewFromString(eps)
		stocks = append(stocks, st)
	}
	return stocks, rows.Err()
}

func (s *PostgresStore) SavePlayer(ctx context.Context, roomID string, p *model.Player) error {
	portfolio, err := json.Marshal(p.Portfolio)
	if err != nil {
		return fmt.Errorf("encode portfolio: %w", err)
	}
	basis, err := json.Marshal(p.CostBasis)
	if err != nil {
		return fmt.Errorf("encode cost basis: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO players (room_id, id, name, cash, debt, portfolio, cost_basis)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::JSONB, $7::JSONB)
		 ON CONFLICT (room_id, id) DO UPDATE
		 SET cash = EXCLUDED.cash, debt = EXCLUDED.debt,
		     portfolio = EXCLUDED.portfolio, cost_basis = EXCLUDED.cost_basis`,
		roomID, p.ID, p.Name, p.Cash.String(), p.Debt.String(), string(portfolio), string(basis),
	)
	return err
}

func (s *PostgresStore) GetPlayer(ctx context.Context, roomID, playerID string) (*model.Player, error) {
	var cash, debt string
	var portfolio, basis []byte
	p := model.NewPlayer(playerID, "", decimal.Zero)

	err := s.pool.QueryRow(ctx,
		`SELECT name, cash::TEXT, debt::TEXT, portfolio, cost_basis
		 FROM players WHERE room_id = $1 AND id = $2`, roomID, playerID).
		Scan(&p.Name, &cash, &debt, &portfolio, &basis)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: player %s", ErrNotFound, playerID)
	}
	if err != nil {
		return nil, fmt.Errorf("get player %s: %w", playerID, err)
	}

	p.Cash, _ = decimal.NewFromString(cash)
	p.Debt, _ = decimal.NewFromString(debt)
	if err := json.Unmarshal(portfolio, &p.Portfolio); err != nil {
		return nil, fmt.Errorf("decode portfolio: %w", err)
	}
	if err := json.Unmarshal(basis, &p.CostBasis); err != nil {
		return nil, fmt.Errorf("decode cost basis: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ledger_entries (id, room_id, player_id, stock_id, ref_id, kind, side, quantity, price, cash_delta, fee, tick, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12, $13)`,
		e.ID, e.RoomID, e.PlayerID, e.StockID, e.RefID, e.Kind, e.Side,
		e.Quantity, e.Price.String(), e.CashDelta.String(), e.Fee.String(),
		e.Tick, e.Timestamp,
	)
	return err
}

const ledgerColumns = `id, room_id, player_id, stock_id, ref_id, kind, side, quantity,
		        price::TEXT, cash_delta::TEXT, fee::TEXT, tick, timestamp`

func (s *PostgresStore) GetLedgerEntriesByPlayer(ctx context.Context, roomID, playerID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+ledgerColumns+`
		 FROM ledger_entries WHERE room_id = $1 AND player_id = $2 ORDER BY tick, timestamp`, roomID, playerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

func (s *PostgresStore) GetLedgerEntriesByStock(ctx context.Context, roomID, stockID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+ledgerColumns+`
		 FROM ledger_entries WHERE room_id = $1 AND stock_id = $2 ORDER BY tick, timestamp`, roomID, stockID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

func (s *PostgresStore) GetPlayerCashFlows(ctx context.Context, roomID, playerID string) (map[model.LedgerKind]decimal.Decimal, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT kind, COALESCE(SUM(cash_delta), 0)::TEXT
		 FROM ledger_entries
		 WHERE room_id = $1 AND player_id = $2
		 GROUP BY kind`, roomID, playerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	flows := make(map[model.LedgerKind]decimal.Decimal)
	for rows.Next() {
		var kind, sum string
		if err := rows.Scan(&kind, &sum); err != nil {
			return nil, err
		}
		v, _ := decimal.NewFromString(sum)
		flows[model.LedgerKind(kind)] = v
	}
	return flows, rows.Err()
}

// pgxRows is the part of pgx.Rows that scanLedgerEntries reads.
type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanLedgerEntries(rows pgxRows) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var priceS, deltaS, feeS string

		if err := rows.Scan(&e.ID, &e.RoomID, &e.PlayerID, &e.StockID, &e.RefID, &e.Kind, &e.Side,
			&e.Quantity, &priceS, &deltaS, &feeS, &e.Tick, &e.Timestamp); err != nil {
			return nil, err
		}

		e.Price, _ = decimal.NewFromString(priceS)
		e.CashDelta, _ = decimal.NewFromString(deltaS)
		e.Fee, _ = decimal.NewFromString(feeS)

		entries = append(entries, e)
	}
	return entries, rows.Err()
}
