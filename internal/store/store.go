// Package store defines the persistence interface for the perp engine's
// journal: executed trades and insurance fund movements. Implementations
// include PostgreSQL (source of truth), Redis (read-through cache), and
// in-memory (for testing).
//
// The engine keeps its live state in memory; the journal is append-only and
// is written after each operation, so a store outage never blocks matching.
package store

import (
	"context"
	"errors"

	"github.com/atmx/perp-engine/internal/model"
)

// ErrInvalidLimit is returned for a non-positive list limit.
var ErrInvalidLimit = errors.New("store: limit must be positive")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Trade journal ---

	// InsertTrades appends immutable trade records.
	InsertTrades(ctx context.Context, trades []model.Trade) error

	// ListTrades returns up to limit trades, newest first.
	ListTrades(ctx context.Context, limit int) ([]model.Trade, error)

	// ListTradesByUser returns up to limit trades the user took part in,
	// newest first.
	ListTradesByUser(ctx context.Context, userID string, limit int) ([]model.Trade, error)

	// --- Insurance fund history ---

	// InsertFundEntries appends insurance fund movements.
	InsertFundEntries(ctx context.Context, entries []model.FundEntry) error

	// ListFundEntries returns up to limit fund entries, newest first.
	ListFundEntries(ctx context.Context, limit int) ([]model.FundEntry, error)
}
