package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/perp-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) InsertTrades(ctx context.Context, trades []model.Trade) error {
	if err := s.primary.InsertTrades(ctx, trades); err != nil {
		return err
	}
	if len(trades) == 0 {
		return nil
	}
	keys := []string{tradesKey()}
	seen := make(map[string]bool)
	for _, t := range trades {
		for _, o := range []model.Owner{t.Buyer, t.Seller} {
			if o.IsUser() && !seen[o.ID] {
				seen[o.ID] = true
				keys = append(keys, userTradesKey(o.ID))
			}
		}
	}
	s.rdb.Del(ctx, keys...)
	return nil
}

func (s *CachedStore) InsertFundEntries(ctx context.Context, entries []model.FundEntry) error {
	if err := s.primary.InsertFundEntries(ctx, entries); err != nil {
		return err
	}
	if len(entries) > 0 {
		s.rdb.Del(ctx, fundKey())
	}
	return nil
}

// --- Read-through (check cache first) ---

// Lists are cached per limit in a hash so one Del invalidates every page.

func (s *CachedStore) ListTrades(ctx context.Context, limit int) ([]model.Trade, error) {
	return readThrough(ctx, s, tradesKey(), limit, func() ([]model.Trade, error) {
		return s.primary.ListTrades(ctx, limit)
	})
}

func (s *CachedStore) ListTradesByUser(ctx context.Context, userID string, limit int) ([]model.Trade, error) {
	return readThrough(ctx, s, userTradesKey(userID), limit, func() ([]model.Trade, error) {
		return s.primary.ListTradesByUser(ctx, userID, limit)
	})
}

func (s *CachedStore) ListFundEntries(ctx context.Context, limit int) ([]model.FundEntry, error) {
	return readThrough(ctx, s, fundKey(), limit, func() ([]model.FundEntry, error) {
		return s.primary.ListFundEntries(ctx, limit)
	})
}

func readThrough[T any](ctx context.Context, s *CachedStore, key string, limit int, load func() ([]T, error)) ([]T, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	field := fmt.Sprint(limit)

	// Try cache.
	data, err := s.rdb.HGet(ctx, key, field).Bytes()
	if err == nil {
		var cached []T
		if json.Unmarshal(data, &cached) == nil {
			return cached, nil
		}
	}

	// Cache miss.
	items, err := load()
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(items); err == nil {
		pipe := s.rdb.TxPipeline()
		pipe.HSet(ctx, key, field, data)
		pipe.Expire(ctx, key, s.ttl)
		_, _ = pipe.Exec(ctx)
	}
	return items, nil
}

// --- Cache keys ---

func tradesKey() string               { return "perp:trades" }
func userTradesKey(uid string) string { return fmt.Sprintf("perp:trades:user:%s", uid) }
func fundKey() string                 { return "perp:insurance_fund" }
