package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/outcomex/exchange-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot read paths: markets, order book summaries, and user
// positions. Writes go to the primary store and invalidate the cache; reads
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

func marketCacheKey(id string) string     { return fmt.Sprintf("market:%s", id) }
func bookCacheKey(mid, out string) string { return fmt.Sprintf("book:%s:%s", mid, out) }
func positionsCacheKey(uid string) string { return fmt.Sprintf("positions:%s", uid) }

// --- Markets (read-through) ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.cacheJSON(ctx, marketCacheKey(m.ID), m)
	return nil
}

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	data, err := s.rdb.Get(ctx, marketCacheKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, marketCacheKey(id), m)
	return m, nil
}

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) ShareTotals(ctx context.Context, marketID string) (int64, int64, error) {
	return s.primary.ShareTotals(ctx, marketID)
}

// --- Accounts (passthrough; balances must never be stale) ---

func (s *CachedStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	return s.primary.GetAccount(ctx, userID)
}

func (s *CachedStore) AdjustBalance(ctx context.Context, userID string, delta decimal.Decimal) error {
	return s.primary.AdjustBalance(ctx, userID, delta)
}

func (s *CachedStore) InsertTransaction(ctx context.Context, tx *model.Transaction) error {
	return s.primary.InsertTransaction(ctx, tx)
}

func (s *CachedStore) TransactionsByUser(ctx context.Context, userID string) ([]model.Transaction, error) {
	return s.primary.TransactionsByUser(ctx, userID)
}

// --- Positions (read-through on the per-user listing) ---

func (s *CachedStore) GetPosition(ctx context.Context, userID, marketID, outcome string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, userID, marketID, outcome)
}

func (s *CachedStore) PositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsCacheKey(userID)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.primary.PositionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, positionsCacheKey(userID), positions)
	return positions, nil
}

func (s *CachedStore) AddShares(ctx context.Context, userID, marketID, outcome string, qty int64, price decimal.Decimal) error {
	if err := s.primary.AddShares(ctx, userID, marketID, outcome, qty, price); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionsCacheKey(userID))
	return nil
}

func (s *CachedStore) RemoveShares(ctx context.Context, userID, marketID, outcome string, qty int64) error {
	if err := s.primary.RemoveShares(ctx, userID, marketID, outcome, qty); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionsCacheKey(userID))
	return nil
}

// --- Orders (passthrough; matching reads must see live state) ---

func (s *CachedStore) CreateOrder(ctx context.Context, o *model.Order) error {
	return s.primary.CreateOrder(ctx, o)
}

func (s *CachedStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return s.primary.GetOrder(ctx, id)
}

func (s *CachedStore) DeleteOrder(ctx context.Context, id string) error {
	return s.primary.DeleteOrder(ctx, id)
}

func (s *CachedStore) FillOrder(ctx context.Context, id string, qty int64) (*model.Order, error) {
	return s.primary.FillOrder(ctx, id, qty)
}

func (s *CachedStore) CancelOrder(ctx context.Context, id string) error {
	return s.primary.CancelOrder(ctx, id)
}

func (s *CachedStore) OrdersByUser(ctx context.Context, userID string) ([]model.Order, error) {
	return s.primary.OrdersByUser(ctx, userID)
}

func (s *CachedStore) OpenOrders(ctx context.Context, marketID, outcome, side string) ([]model.Order, error) {
	return s.primary.OpenOrders(ctx, marketID, outcome, side)
}

// --- Order book summaries (read-through; refreshed writes re-populate) ---

func (s *CachedStore) UpsertOrderBook(ctx context.Context, b *model.OrderBook) error {
	if err := s.primary.UpsertOrderBook(ctx, b); err != nil {
		return err
	}
	s.cacheJSON(ctx, bookCacheKey(b.MarketID, b.Outcome), b)
	return nil
}

func (s *CachedStore) GetOrderBook(ctx context.Context, marketID, outcome string) (*model.OrderBook, error) {
	data, err := s.rdb.Get(ctx, bookCacheKey(marketID, outcome)).Bytes()
	if err == nil {
		var b model.OrderBook
		if json.Unmarshal(data, &b) == nil {
			return &b, nil
		}
	}

	b, err := s.primary.GetOrderBook(ctx, marketID, outcome)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, bookCacheKey(marketID, outcome), b)
	return b, nil
}

func (s *CachedStore) cacheJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}
