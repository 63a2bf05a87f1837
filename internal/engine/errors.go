package engine

import "errors"

// Validation and execution error kinds. All are detected before any state
// mutation and leave balances, positions, and the book untouched.
var (
	// ErrInvalidQuantity is returned for a non-positive order quantity.
	ErrInvalidQuantity = errors.New("engine: quantity must be a positive integer")

	// ErrInvalidPrice is returned when a LIMIT order is missing a price or
	// its price is outside (0, 1), or when a MARKET order carries a price.
	ErrInvalidPrice = errors.New("engine: invalid price for order class")

	// ErrInvalidOutcome is returned for an outcome other than YES or NO.
	ErrInvalidOutcome = errors.New("engine: outcome must be YES or NO")

	// ErrInvalidSide is returned for a side other than BUY or SELL.
	ErrInvalidSide = errors.New("engine: side must be BUY or SELL")

	// ErrInvalidClass is returned for a class other than MARKET or LIMIT.
	ErrInvalidClass = errors.New("engine: class must be MARKET or LIMIT")

	// ErrInsufficientFunds is returned when the buyer cannot cover a limit
	// reservation or any part of a market order.
	ErrInsufficientFunds = errors.New("engine: insufficient funds")

	// ErrInsufficientShares is returned for a SELL without enough position.
	ErrInsufficientShares = errors.New("engine: insufficient shares")

	// ErrNoLiquidity is returned for a MARKET order when no resting
	// opposite-side orders exist.
	ErrNoLiquidity = errors.New("engine: no matching orders available")

	// ErrOrderNotFound is returned when the order ID is unknown.
	ErrOrderNotFound = errors.New("engine: order not found")

	// ErrNotCancellable is returned when cancelling a terminal order or a
	// MARKET order (which never rests in the book).
	ErrNotCancellable = errors.New("engine: order cannot be cancelled")

	// ErrUnauthorized is returned when a user cancels an order they do not
	// own.
	ErrUnauthorized = errors.New("engine: order belongs to another user")

	// ErrMarketNotFound is returned when the market ID is unknown.
	ErrMarketNotFound = errors.New("engine: market not found")

	// ErrMarketClosed is returned when the market is not open for trading.
	ErrMarketClosed = errors.New("engine: market is not open for trading")
)
