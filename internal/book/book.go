// Package book derives order-book summaries from the order store: the
// cached best bid/ask per (market, outcome) and full depth-of-book grouped
// by price level. The summary is a recomputed projection — it is rebuilt
// from the live order set after every book-affecting mutation rather than
// patched incrementally.
package book

import (
	"context"
	"time"

	"github.com/outcomex/exchange-engine/internal/model"
	"github.com/outcomex/exchange-engine/internal/store"
)

// DefaultDepthLevels is the number of price levels Depth returns when the
// caller does not say otherwise.
const DefaultDepthLevels = 10

// Aggregator recomputes order-book summaries from active LIMIT orders.
type Aggregator struct {
	store store.Store
}

// NewAggregator creates an Aggregator backed by the given store.
func NewAggregator(st store.Store) *Aggregator {
	return &Aggregator{store: st}
}

// Refresh recomputes the best bid (highest-priced open BUY) and best ask
// (lowest-priced open SELL) with their remaining volumes, persists the
// summary, and returns it.
func (a *Aggregator) Refresh(ctx context.Context, marketID, outcome string) (*model.OrderBook, error) {
	b := &model.OrderBook{
		MarketID:  marketID,
		Outcome:   outcome,
		UpdatedAt: time.Now().UTC(),
	}

	bids, err := a.store.OpenOrders(ctx, marketID, outcome, model.SideBuy)
	if err != nil {
		return nil, err
	}
	if len(bids) > 0 {
		price := *bids[0].Price
		b.BestBid = &price
		b.BidVolume = bids[0].Remaining()
	}

	asks, err := a.store.OpenOrders(ctx, marketID, outcome, model.SideSell)
	if err != nil {
		return nil, err
	}
	if len(asks) > 0 {
		price := *asks[0].Price
		b.BestAsk = &price
		b.AskVolume = asks[0].Remaining()
	}

	if err := a.store.UpsertOrderBook(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// Depth returns remaining quantity grouped by price for one side of the
// book, sorted best-to-worst and truncated to levels entries. A levels
// value <= 0 uses DefaultDepthLevels.
func (a *Aggregator) Depth(ctx context.Context, marketID, outcome, side string, levels int) ([]model.PriceLevel, error) {
	if levels <= 0 {
		levels = DefaultDepthLevels
	}

	orders, err := a.store.OpenOrders(ctx, marketID, outcome, side)
	if err != nil {
		return nil, err
	}

	// Orders arrive in priority order, so levels aggregate in place.
	result := make([]model.PriceLevel, 0, levels)
	for _, o := range orders {
		if n := len(result); n > 0 && result[n-1].Price.Equal(*o.Price) {
			result[n-1].Quantity += o.Remaining()
			continue
		}
		if len(result) == levels {
			break
		}
		result = append(result, model.PriceLevel{Price: *o.Price, Quantity: o.Remaining()})
	}
	return result, nil
}
