// Package model defines the core domain types shared across the exchange
// engine. All monetary values use shopspring/decimal — never float64 for
// money. Share quantities are whole int64 counts.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Outcome is one of the two binary results a market can resolve to.
const (
	OutcomeYes = "YES"
	OutcomeNo  = "NO"
)

// Order sides.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Order classes.
const (
	ClassMarket = "MARKET"
	ClassLimit  = "LIMIT"
)

// Order lifecycle states. FILLED and CANCELLED are terminal; PARTIAL is
// terminal for MARKET orders (they are never queued) but open for LIMIT
// orders resting in the book.
const (
	StatusPending   = "PENDING"
	StatusPartial   = "PARTIAL"
	StatusFilled    = "FILLED"
	StatusCancelled = "CANCELLED"
)

// Market lifecycle states.
const (
	MarketActive   = "ACTIVE"
	MarketClosed   = "CLOSED"
	MarketResolved = "RESOLVED"
)

// Transaction types for the append-only account history.
const (
	TxDeposit   = "DEPOSIT"
	TxBuy       = "BUY"
	TxSell      = "SELL"
	TxBuyLimit  = "BUY_LIMIT"
	TxCancelBuy = "CANCEL_BUY"
	TxRefund    = "REFUND"
)

// PriceScale is the number of decimal places for prices and average costs.
// CashScale is the number of decimal places for cash balances and amounts.
const (
	PriceScale int32 = 4
	CashScale  int32 = 2
)

// StartingBalance is the cash balance a new account opens with.
var StartingBalance = decimal.NewFromInt(1000)

// ValidOutcome reports whether s is YES or NO.
func ValidOutcome(s string) bool { return s == OutcomeYes || s == OutcomeNo }

// ValidSide reports whether s is BUY or SELL.
func ValidSide(s string) bool { return s == SideBuy || s == SideSell }

// ValidClass reports whether s is MARKET or LIMIT.
func ValidClass(s string) bool { return s == ClassMarket || s == ClassLimit }

// Account holds a user's cash balance. The balance never goes negative:
// every debit path checks sufficiency first.
type Account struct {
	UserID    string          `json:"user_id" db:"user_id"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Transaction is an immutable record of a balance change. Once created,
// these are never modified or deleted.
type Transaction struct {
	ID          string          `json:"id" db:"id"`
	UserID      string          `json:"user_id" db:"user_id"`
	Type        string          `json:"type" db:"type"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`
	Description string          `json:"description" db:"description"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// Market represents one binary prediction market. Pricing is derived on
// demand from aggregate share supply, never stored. Resolution fields are
// carried for the upstream lifecycle but no settlement logic exists here.
type Market struct {
	ID              string     `json:"id" db:"id"`
	Title           string     `json:"title" db:"title"`
	Description     string     `json:"description" db:"description"`
	OutcomeYesLabel string     `json:"outcome_yes" db:"outcome_yes"`
	OutcomeNoLabel  string     `json:"outcome_no" db:"outcome_no"`
	Status          string     `json:"status" db:"status"`
	ResolutionDate  time.Time  `json:"resolution_date" db:"resolution_date"`
	ResolvedOutcome *string    `json:"resolved_outcome,omitempty" db:"resolved_outcome"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
	CreatedBy       string     `json:"created_by" db:"created_by"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
}

// YesPrice derives the current YES price from outstanding share totals:
// yes / (yes + no), rounded to PriceScale. Defaults to 0.5 when no shares
// exist at all.
func YesPrice(yesShares, noShares int64) decimal.Decimal {
	total := yesShares + noShares
	if total == 0 {
		return decimal.NewFromFloat(0.5)
	}
	return decimal.NewFromInt(yesShares).
		Div(decimal.NewFromInt(total)).
		Round(PriceScale)
}

// NoPrice is the complement of YesPrice.
func NoPrice(yesShares, noShares int64) decimal.Decimal {
	return decimal.NewFromInt(1).Sub(YesPrice(yesShares, noShares))
}

// Position is a user's holding in one outcome of one market: share quantity
// plus volume-weighted average cost. Unique per (user, market, outcome).
type Position struct {
	UserID       string          `json:"user_id" db:"user_id"`
	MarketID     string          `json:"market_id" db:"market_id"`
	Outcome      string          `json:"outcome" db:"outcome"`
	Quantity     int64           `json:"quantity" db:"quantity"`
	AveragePrice decimal.Decimal `json:"average_price" db:"average_price"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// AddShares adds qty shares acquired at price, recomputing the weighted
// average cost: (oldQty*oldAvg + qty*price) / (oldQty + qty).
func (p *Position) AddShares(qty int64, price decimal.Decimal) {
	if qty <= 0 {
		return
	}
	if p.Quantity == 0 {
		p.AveragePrice = price.Round(PriceScale)
	} else {
		oldCost := decimal.NewFromInt(p.Quantity).Mul(p.AveragePrice)
		newCost := decimal.NewFromInt(qty).Mul(price)
		p.AveragePrice = oldCost.Add(newCost).
			Div(decimal.NewFromInt(p.Quantity + qty)).
			Round(PriceScale)
	}
	p.Quantity += qty
}

// RemoveShares removes qty shares. Returns false without mutation when qty
// exceeds the current holding.
func (p *Position) RemoveShares(qty int64) bool {
	if qty <= 0 || qty > p.Quantity {
		return false
	}
	p.Quantity -= qty
	return true
}

// Order is a buy/sell instruction against one market outcome. Price is nil
// for MARKET orders and in (0,1) exclusive for LIMIT orders.
type Order struct {
	ID             string           `json:"id" db:"id"`
	UserID         string           `json:"user_id" db:"user_id"`
	MarketID       string           `json:"market_id" db:"market_id"`
	Outcome        string           `json:"outcome" db:"outcome"`
	Side           string           `json:"side" db:"side"`
	Class          string           `json:"class" db:"class"`
	Quantity       int64            `json:"quantity" db:"quantity"`
	Price          *decimal.Decimal `json:"price,omitempty" db:"price"`
	FilledQuantity int64            `json:"filled_quantity" db:"filled_quantity"`
	Status         string           `json:"status" db:"status"`
	CreatedAt      time.Time        `json:"created_at" db:"created_at"`
	FilledAt       *time.Time       `json:"filled_at,omitempty" db:"filled_at"`
}

// Remaining is the unfilled quantity.
func (o *Order) Remaining() int64 { return o.Quantity - o.FilledQuantity }

// IsOpen reports whether the order can still be filled or cancelled.
func (o *Order) IsOpen() bool {
	return o.Status == StatusPending || o.Status == StatusPartial
}

// ApplyFill records qty filled shares, transitioning to FILLED (stamping
// the fill time) when fully filled, PARTIAL otherwise. Returns false when
// the order is terminal or qty exceeds the remaining quantity.
func (o *Order) ApplyFill(qty int64, now time.Time) bool {
	if !o.IsOpen() || qty <= 0 || qty > o.Remaining() {
		return false
	}
	o.FilledQuantity += qty
	if o.FilledQuantity == o.Quantity {
		o.Status = StatusFilled
		t := now
		o.FilledAt = &t
	} else {
		o.Status = StatusPartial
	}
	return true
}

// Cancel transitions an open order to CANCELLED. Returns false for terminal
// orders.
func (o *Order) Cancel() bool {
	if !o.IsOpen() {
		return false
	}
	o.Status = StatusCancelled
	return true
}

// Fill records one match between an incoming order and a resting order.
type Fill struct {
	OrderID        string          `json:"order_id"`
	CounterOrderID string          `json:"counter_order_id"`
	CounterpartyID string          `json:"counterparty_id"`
	Price          decimal.Decimal `json:"price"`
	Quantity       int64           `json:"quantity"`
	Timestamp      time.Time       `json:"timestamp"`
}

// OrderBook is the cached best bid/ask summary for one (market, outcome)
// pair. It is derived entirely from active LIMIT orders and must be
// refreshed after every order mutation — never trusted stale.
type OrderBook struct {
	MarketID  string           `json:"market_id" db:"market_id"`
	Outcome   string           `json:"outcome" db:"outcome"`
	BestBid   *decimal.Decimal `json:"best_bid,omitempty" db:"best_bid"`
	BidVolume int64            `json:"bid_volume" db:"bid_volume"`
	BestAsk   *decimal.Decimal `json:"best_ask,omitempty" db:"best_ask"`
	AskVolume int64            `json:"ask_volume" db:"ask_volume"`
	UpdatedAt time.Time        `json:"updated_at" db:"updated_at"`
}

// Spread returns bestAsk - bestBid, or nil when either side is empty.
func (b *OrderBook) Spread() *decimal.Decimal {
	if b.BestBid == nil || b.BestAsk == nil {
		return nil
	}
	s := b.BestAsk.Sub(*b.BestBid)
	return &s
}

// MidPrice returns the average of both sides, whichever side exists, or
// 0.5 when the book is empty.
func (b *OrderBook) MidPrice() decimal.Decimal {
	switch {
	case b.BestBid != nil && b.BestAsk != nil:
		return b.BestBid.Add(*b.BestAsk).Div(decimal.NewFromInt(2)).Round(PriceScale)
	case b.BestBid != nil:
		return *b.BestBid
	case b.BestAsk != nil:
		return *b.BestAsk
	default:
		return decimal.NewFromFloat(0.5)
	}
}

// PriceLevel is one entry of depth-of-book output: aggregate remaining
// quantity at a price.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity int64           `json:"quantity"`
}
