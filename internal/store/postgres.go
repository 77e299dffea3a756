package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/model"
)

// Schema creates the journal tables. Monetary columns are NUMERIC so
// decimals round-trip exactly.
const Schema = `
CREATE TABLE IF NOT EXISTS trades (
	id             TEXT PRIMARY KEY,
	buyer_kind     TEXT NOT NULL,
	buyer_id       TEXT NOT NULL,
	seller_kind    TEXT NOT NULL,
	seller_id      TEXT NOT NULL,
	price          NUMERIC NOT NULL,
	size           NUMERIC NOT NULL,
	kind           TEXT NOT NULL,
	maker_order_id TEXT NOT NULL DEFAULT '',
	taker_order_id TEXT NOT NULL DEFAULT '',
	timestamp      TIMESTAMPTZ NOT NULL,
	seq            BIGSERIAL
);
CREATE INDEX IF NOT EXISTS trades_buyer_idx ON trades (buyer_id, seq);
CREATE INDEX IF NOT EXISTS trades_seller_idx ON trades (seller_id, seq);

CREATE TABLE IF NOT EXISTS insurance_fund_entries (
	seq           BIGSERIAL PRIMARY KEY,
	kind          TEXT NOT NULL,
	amount        NUMERIC NOT NULL,
	balance_after NUMERIC NOT NULL,
	description   TEXT NOT NULL,
	timestamp     TIMESTAMPTZ NOT NULL
);`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies Schema. It is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertTrades(ctx context.Context, trades []model.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, t := range trades {
		batch.Queue(
			`INSERT INTO trades (id, buyer_kind, buyer_id, seller_kind, seller_id, price, size, kind, maker_order_id, taker_order_id, timestamp)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9, $10, $11)
			 ON CONFLICT (id) DO NOTHING`,
			t.ID, t.Buyer.Kind.String(), t.Buyer.ID, t.Seller.Kind.String(), t.Seller.ID,
			t.Price.String(), t.Size.String(), string(t.Kind),
			t.MakerOrderID, t.TakerOrderID, t.Timestamp,
		)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert %d trades: %w", len(trades), err)
	}
	return nil
}

func (s *PostgresStore) ListTrades(ctx context.Context, limit int) ([]model.Trade, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, buyer_kind, buyer_id, seller_kind, seller_id,
		        price::TEXT, size::TEXT, kind, maker_order_id, taker_order_id, timestamp
		 FROM trades ORDER BY seq DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

func (s *PostgresStore) ListTradesByUser(ctx context.Context, userID string, limit int) ([]model.Trade, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, buyer_kind, buyer_id, seller_kind, seller_id,
		        price::TEXT, size::TEXT, kind, maker_order_id, taker_order_id, timestamp
		 FROM trades
		 WHERE (buyer_kind = 'user' AND buyer_id = $1) OR (seller_kind = 'user' AND seller_id = $1)
		 ORDER BY seq DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

func (s *PostgresStore) InsertFundEntries(ctx context.Context, entries []model.FundEntry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(
			`INSERT INTO insurance_fund_entries (kind, amount, balance_after, description, timestamp)
			 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4, $5)`,
			string(e.Kind), e.Amount.String(), e.BalanceAfter.String(), e.Description, e.Timestamp,
		)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert %d fund entries: %w", len(entries), err)
	}
	return nil
}

func (s *PostgresStore) ListFundEntries(ctx context.Context, limit int) ([]model.FundEntry, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT kind, amount::TEXT, balance_after::TEXT, description, timestamp
		 FROM insurance_fund_entries ORDER BY seq DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.FundEntry
	for rows.Next() {
		var e model.FundEntry
		var kind, amountS, balanceS string
		if err := rows.Scan(&kind, &amountS, &balanceS, &e.Description, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Kind = model.FundEntryKind(kind)
		e.Amount, _ = decimal.NewFromString(amountS)
		e.BalanceAfter, _ = decimal.NewFromString(balanceS)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// pgxRows is the subset of pgx.Rows the scanners need.
type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanTrades(rows pgxRows) ([]model.Trade, error) {
	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var buyerKind, sellerKind, kind, priceS, sizeS string

		if err := rows.Scan(&t.ID, &buyerKind, &t.Buyer.ID, &sellerKind, &t.Seller.ID,
			&priceS, &sizeS, &kind, &t.MakerOrderID, &t.TakerOrderID, &t.Timestamp); err != nil {
			return nil, err
		}

		t.Buyer.Kind = ownerKind(buyerKind)
		t.Seller.Kind = ownerKind(sellerKind)
		t.Kind = model.TradeKind(kind)
		t.Price, _ = decimal.NewFromString(priceS)
		t.Size, _ = decimal.NewFromString(sizeS)

		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func ownerKind(s string) model.OwnerKind {
	if s == model.OwnerLiquidationEngine.String() {
		return model.OwnerLiquidationEngine
	}
	return model.OwnerUser
}
