package store

import (
	"context"
	"sync"

	"github.com/atmx/perp-engine/internal/model"
)

// MemoryStore implements Store with in-memory slices. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu     sync.RWMutex
	trades []model.Trade
	fund   []model.FundEntry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) InsertTrades(_ context.Context, trades []model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trades = append(s.trades, trades...)
	return nil
}

func (s *MemoryStore) ListTrades(_ context.Context, limit int) ([]model.Trade, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Trade, 0, min(limit, len(s.trades)))
	for i := len(s.trades) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, s.trades[i])
	}
	return result, nil
}

func (s *MemoryStore) ListTradesByUser(_ context.Context, userID string, limit int) ([]model.Trade, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for i := len(s.trades) - 1; i >= 0 && len(result) < limit; i-- {
		if s.trades[i].Involves(userID) {
			result = append(result, s.trades[i])
		}
	}
	return result, nil
}

func (s *MemoryStore) InsertFundEntries(_ context.Context, entries []model.FundEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fund = append(s.fund, entries...)
	return nil
}

func (s *MemoryStore) ListFundEntries(_ context.Context, limit int) ([]model.FundEntry, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.FundEntry, 0, min(limit, len(s.fund)))
	for i := len(s.fund) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, s.fund[i])
	}
	return result, nil
}
