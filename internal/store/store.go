// Package store defines the persistence interface for the exchange engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/outcomex/exchange-engine/internal/model"
)

// Errors returned by Store implementations. Callers match with errors.Is.
var (
	ErrNotFound             = errors.New("store: not found")
	ErrInsufficientBalance  = errors.New("store: insufficient balance")
	ErrInsufficientShares   = errors.New("store: insufficient shares")
	ErrOrderNotOpen         = errors.New("store: order not open")
	ErrFillExceedsRemaining = errors.New("store: fill exceeds remaining quantity")
)

// Store is the persistence interface. The balance, share, and fill
// operations are atomic per call: they check sufficiency and mutate in one
// step so remaining quantities and balances never go negative, even under
// concurrent callers.
type Store interface {
	// --- Markets ---

	// CreateMarket persists a new market.
	CreateMarket(ctx context.Context, m *model.Market) error

	// GetMarket retrieves a market by ID.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// ListMarkets returns all markets, newest first.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// ShareTotals returns the aggregate YES and NO share quantities held
	// across all users of a market, for derived pricing.
	ShareTotals(ctx context.Context, marketID string) (yes, no int64, err error)

	// --- Accounts + immutable transaction history ---

	// GetAccount retrieves a user's account, creating it with the starting
	// balance on first use.
	GetAccount(ctx context.Context, userID string) (*model.Account, error)

	// AdjustBalance applies a signed delta to a balance. A negative delta
	// that would take the balance below zero fails with
	// ErrInsufficientBalance and mutates nothing.
	AdjustBalance(ctx context.Context, userID string, delta decimal.Decimal) error

	// InsertTransaction appends an immutable balance-change record.
	InsertTransaction(ctx context.Context, tx *model.Transaction) error

	// TransactionsByUser returns a user's transaction history, newest first.
	TransactionsByUser(ctx context.Context, userID string) ([]model.Transaction, error)

	// --- Positions ---

	// GetPosition retrieves one (user, market, outcome) position, or
	// ErrNotFound.
	GetPosition(ctx context.Context, userID, marketID, outcome string) (*model.Position, error)

	// PositionsByUser returns all of a user's non-empty positions.
	PositionsByUser(ctx context.Context, userID string) ([]model.Position, error)

	// AddShares credits qty shares at price to a position, creating it on
	// first use and recomputing the weighted-average cost.
	AddShares(ctx context.Context, userID, marketID, outcome string, qty int64, price decimal.Decimal) error

	// RemoveShares debits qty shares from a position. Fails with
	// ErrInsufficientShares and mutates nothing when qty exceeds the
	// holding.
	RemoveShares(ctx context.Context, userID, marketID, outcome string, qty int64) error

	// --- Orders ---

	// CreateOrder persists a new order (status PENDING, filled 0).
	CreateOrder(ctx context.Context, o *model.Order) error

	// GetOrder retrieves an order by ID.
	GetOrder(ctx context.Context, id string) (*model.Order, error)

	// DeleteOrder removes an order record. Used only to discard the
	// just-created order when placement aborts.
	DeleteOrder(ctx context.Context, id string) error

	// FillOrder records qty filled shares against an order, transitioning
	// its status. Fails with ErrFillExceedsRemaining when qty exceeds the
	// observed remaining quantity, and ErrOrderNotOpen for terminal orders.
	FillOrder(ctx context.Context, id string, qty int64) (*model.Order, error)

	// CancelOrder transitions an open order to CANCELLED. Fails with
	// ErrOrderNotOpen for terminal orders.
	CancelOrder(ctx context.Context, id string) error

	// OrdersByUser returns a user's orders, newest first.
	OrdersByUser(ctx context.Context, userID string) ([]model.Order, error)

	// OpenOrders returns the active (PENDING/PARTIAL) LIMIT orders for one
	// side of a (market, outcome) book in matching priority: asks ascending
	// and bids descending by price, FIFO by creation time within a level.
	OpenOrders(ctx context.Context, marketID, outcome, side string) ([]model.Order, error)

	// --- Order book summaries ---

	// UpsertOrderBook stores the recomputed best bid/ask summary.
	UpsertOrderBook(ctx context.Context, b *model.OrderBook) error

	// GetOrderBook retrieves the cached summary, or ErrNotFound if the
	// (market, outcome) pair has never been refreshed.
	GetOrderBook(ctx context.Context, marketID, outcome string) (*model.OrderBook, error)
}
