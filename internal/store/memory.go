package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/outcomex/exchange-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu           sync.RWMutex
	markets      map[string]*model.Market
	accounts     map[string]*model.Account
	transactions []model.Transaction
	positions    map[string]*model.Position // key: user|market|outcome
	orders       map[string]*model.Order
	orderSeq     map[string]int64            // insertion sequence for FIFO tie-breaks
	books        map[string]*model.OrderBook // key: market|outcome
	nextSeq      int64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:   make(map[string]*model.Market),
		accounts:  make(map[string]*model.Account),
		positions: make(map[string]*model.Position),
		orders:    make(map[string]*model.Order),
		orderSeq:  make(map[string]int64),
		books:     make(map[string]*model.OrderBook),
	}
}

func posKey(userID, marketID, outcome string) string {
	return userID + "|" + marketID + "|" + outcome
}

func bookKey(marketID, outcome string) string {
	return marketID + "|" + outcome
}

// --- Markets ---

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.ID]; ok {
		return fmt.Errorf("market %s already exists", m.ID)
	}
	cp := *m
	s.markets[m.ID] = &cp
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *m)
	}
	sort.Slice(markets, func(i, j int) bool {
		return markets[i].CreatedAt.After(markets[j].CreatedAt)
	})
	return markets, nil
}

func (s *MemoryStore) ShareTotals(_ context.Context, marketID string) (int64, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var yes, no int64
	for _, p := range s.positions {
		if p.MarketID != marketID {
			continue
		}
		if p.Outcome == model.OutcomeYes {
			yes += p.Quantity
		} else {
			no += p.Quantity
		}
	}
	return yes, no, nil
}

// --- Accounts ---

func (s *MemoryStore) GetAccount(_ context.Context, userID string) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.getOrCreateAccount(userID)
	cp := *a
	return &cp, nil
}

// getOrCreateAccount must be called with the write lock held.
func (s *MemoryStore) getOrCreateAccount(userID string) *model.Account {
	a, ok := s.accounts[userID]
	if !ok {
		now := time.Now().UTC()
		a = &model.Account{
			UserID:    userID,
			Balance:   model.StartingBalance,
			CreatedAt: now,
			UpdatedAt: now,
		}
		s.accounts[userID] = a
	}
	return a
}

func (s *MemoryStore) AdjustBalance(_ context.Context, userID string, delta decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.getOrCreateAccount(userID)
	next := a.Balance.Add(delta)
	if next.IsNegative() {
		return fmt.Errorf("adjust balance for %s: %w", userID, ErrInsufficientBalance)
	}
	a.Balance = next.Round(model.CashScale)
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) InsertTransaction(_ context.Context, tx *model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.transactions = append(s.transactions, *tx)
	return nil
}

func (s *MemoryStore) TransactionsByUser(_ context.Context, userID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transaction
	for _, tx := range s.transactions {
		if tx.UserID == userID {
			result = append(result, tx)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// --- Positions ---

func (s *MemoryStore) GetPosition(_ context.Context, userID, marketID, outcome string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[posKey(userID, marketID, outcome)]
	if !ok {
		return nil, fmt.Errorf("position %s/%s/%s: %w", userID, marketID, outcome, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) PositionsByUser(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if p.UserID == userID && p.Quantity > 0 {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].MarketID != result[j].MarketID {
			return result[i].MarketID < result[j].MarketID
		}
		return result[i].Outcome < result[j].Outcome
	})
	return result, nil
}

func (s *MemoryStore) AddShares(_ context.Context, userID, marketID, outcome string, qty int64, price decimal.Decimal) error {
	if qty <= 0 {
		return fmt.Errorf("add shares: quantity %d must be positive", qty)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := posKey(userID, marketID, outcome)
	p, ok := s.positions[key]
	if !ok {
		now := time.Now().UTC()
		p = &model.Position{
			UserID:    userID,
			MarketID:  marketID,
			Outcome:   outcome,
			CreatedAt: now,
		}
		s.positions[key] = p
	}
	p.AddShares(qty, price)
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) RemoveShares(_ context.Context, userID, marketID, outcome string, qty int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[posKey(userID, marketID, outcome)]
	if !ok || !p.RemoveShares(qty) {
		return fmt.Errorf("remove %d shares for %s: %w", qty, userID, ErrInsufficientShares)
	}
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// --- Orders ---

func (s *MemoryStore) CreateOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[o.ID]; ok {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	cp := *o
	s.orders[o.ID] = &cp
	s.nextSeq++
	s.orderSeq[o.ID] = s.nextSeq
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) DeleteOrder(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.orders, id)
	delete(s.orderSeq, id)
	return nil
}

func (s *MemoryStore) FillOrder(_ context.Context, id string, qty int64) (*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	if !o.IsOpen() {
		return nil, fmt.Errorf("fill order %s: %w", id, ErrOrderNotOpen)
	}
	if !o.ApplyFill(qty, time.Now().UTC()) {
		return nil, fmt.Errorf("fill order %s by %d: %w", id, qty, ErrFillExceedsRemaining)
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) CancelOrder(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	if !o.Cancel() {
		return fmt.Errorf("cancel order %s: %w", id, ErrOrderNotOpen)
	}
	return nil
}

func (s *MemoryStore) OrdersByUser(_ context.Context, userID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for _, o := range s.orders {
		if o.UserID == userID {
			result = append(result, *o)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return s.orderSeq[result[i].ID] > s.orderSeq[result[j].ID]
	})
	return result, nil
}

func (s *MemoryStore) OpenOrders(_ context.Context, marketID, outcome, side string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for _, o := range s.orders {
		if o.MarketID == marketID && o.Outcome == outcome && o.Side == side &&
			o.Class == model.ClassLimit && o.IsOpen() && o.Price != nil {
			result = append(result, *o)
		}
	}

	asc := side == model.SideSell // asks ascending, bids descending
	sort.Slice(result, func(i, j int) bool {
		pi, pj := *result[i].Price, *result[j].Price
		if !pi.Equal(pj) {
			if asc {
				return pi.LessThan(pj)
			}
			return pi.GreaterThan(pj)
		}
		// FIFO within a price level; insertion sequence breaks timestamp
		// collisions deterministically.
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return s.orderSeq[result[i].ID] < s.orderSeq[result[j].ID]
	})
	return result, nil
}

// --- Order book summaries ---

func (s *MemoryStore) UpsertOrderBook(_ context.Context, b *model.OrderBook) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *b
	s.books[bookKey(b.MarketID, b.Outcome)] = &cp
	return nil
}

func (s *MemoryStore) GetOrderBook(_ context.Context, marketID, outcome string) (*model.OrderBook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.books[bookKey(marketID, outcome)]
	if !ok {
		return nil, fmt.Errorf("order book %s/%s: %w", marketID, outcome, ErrNotFound)
	}
	cp := *b
	return &cp, nil
}
