// Package engine implements the order matching core: it accepts incoming
// orders, walks the opposite side of the book in price priority, executes
// fills against the ledger and order store, and disposes of unfilled
// quantity per order-class rules.
//
// All monetary values use shopspring/decimal — never float64 for money.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/outcomex/exchange-engine/internal/book"
	"github.com/outcomex/exchange-engine/internal/ledger"
	"github.com/outcomex/exchange-engine/internal/model"
	"github.com/outcomex/exchange-engine/internal/store"
)

// Engine executes order placements and cancellations. Placements against
// the same (market, outcome) book are serialized by a per-book mutex, so
// two orders can never race to consume the same resting quantity; different
// books process fully in parallel.
type Engine struct {
	store  store.Store
	ledger *ledger.Ledger
	books  *book.Aggregator

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates an Engine over the given store.
func New(st store.Store) *Engine {
	return &Engine{
		store:  st,
		ledger: ledger.New(st),
		books:  book.NewAggregator(st),
		locks:  make(map[string]*sync.Mutex),
	}
}

// Ledger exposes the engine's ledger for deposit and balance queries.
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

// Books exposes the order book aggregator for depth queries.
func (e *Engine) Books() *book.Aggregator { return e.books }

// PlaceOrderRequest describes an incoming order.
type PlaceOrderRequest struct {
	UserID   string
	MarketID string
	Outcome  string
	Side     string
	Class    string
	Quantity int64
	Price    *decimal.Decimal // nil for MARKET orders
}

// PlaceOrderResult is the outcome of a placement: the final order state,
// the fills executed, and the refreshed book summary.
type PlaceOrderResult struct {
	Order *model.Order     `json:"order"`
	Fills []model.Fill     `json:"fills"`
	Book  *model.OrderBook `json:"book"`
}

// bookLock returns the mutex serializing one (market, outcome) book.
func (e *Engine) bookLock(marketID, outcome string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := marketID + "|" + outcome
	l, ok := e.locks[key]
	if !ok {
		l = &sync.Mutex{}
		e.locks[key] = l
	}
	return l
}

func validate(req *PlaceOrderRequest) error {
	if req.Quantity <= 0 {
		return ErrInvalidQuantity
	}
	if !model.ValidOutcome(req.Outcome) {
		return ErrInvalidOutcome
	}
	if !model.ValidSide(req.Side) {
		return ErrInvalidSide
	}
	if !model.ValidClass(req.Class) {
		return ErrInvalidClass
	}
	switch req.Class {
	case model.ClassLimit:
		if req.Price == nil || !req.Price.IsPositive() ||
			req.Price.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return ErrInvalidPrice
		}
	case model.ClassMarket:
		if req.Price != nil {
			return ErrInvalidPrice
		}
	}
	return nil
}

func opposite(side string) string {
	if side == model.SideBuy {
		return model.SideSell
	}
	return model.SideBuy
}

// PlaceOrder validates the request, matches it against the resting book,
// and rests any LIMIT remainder with funds or shares reserved. Validation
// failures mutate nothing; a MARKET buy that runs out of funds mid-match
// keeps its executed fills and finalizes PARTIAL.
func (e *Engine) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*PlaceOrderResult, error) {
	if err := validate(&req); err != nil {
		return nil, err
	}

	lock := e.bookLock(req.MarketID, req.Outcome)
	lock.Lock()
	defer lock.Unlock()

	market, err := e.store.GetMarket(ctx, req.MarketID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrMarketNotFound
		}
		return nil, fmt.Errorf("engine: load market: %w", err)
	}
	if market.Status != model.MarketActive {
		return nil, ErrMarketClosed
	}

	// Pre-checks before any mutation. These guarantee the post-match
	// reservation of a LIMIT remainder can never fail: fills execute at
	// prices no worse than the limit, so total spend stays within the
	// amount verified here.
	if req.Side == model.SideSell {
		held, err := e.heldShares(ctx, req.UserID, req.MarketID, req.Outcome)
		if err != nil {
			return nil, err
		}
		if held < req.Quantity {
			return nil, ErrInsufficientShares
		}
	}
	if req.Side == model.SideBuy && req.Class == model.ClassLimit {
		cost := req.Price.Mul(decimal.NewFromInt(req.Quantity))
		ok, err := e.ledger.CanAfford(ctx, req.UserID, cost)
		if err != nil {
			return nil, fmt.Errorf("engine: check funds: %w", err)
		}
		if !ok {
			return nil, ErrInsufficientFunds
		}
	}

	counters, err := e.eligibleCounters(ctx, &req)
	if err != nil {
		return nil, err
	}
	if req.Class == model.ClassMarket {
		if len(counters) == 0 {
			return nil, ErrNoLiquidity
		}
		if req.Side == model.SideBuy {
			// The first fill must buy at least one share, otherwise the
			// whole order would be a zero-fill.
			balance, err := e.ledger.Balance(ctx, req.UserID)
			if err != nil {
				return nil, fmt.Errorf("engine: check funds: %w", err)
			}
			if balance.Div(*counters[0].Price).IntPart() < 1 {
				return nil, ErrInsufficientFunds
			}
		}
	}

	order := &model.Order{
		ID:        uuid.New().String(),
		UserID:    req.UserID,
		MarketID:  req.MarketID,
		Outcome:   req.Outcome,
		Side:      req.Side,
		Class:     req.Class,
		Quantity:  req.Quantity,
		Price:     req.Price,
		Status:    model.StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("engine: create order: %w", err)
	}

	fills, err := e.match(ctx, order, market, counters)
	if err != nil {
		// match only errors before any fill executed: discard the record.
		_ = e.store.DeleteOrder(ctx, order.ID)
		return nil, err
	}

	if order, err = e.store.GetOrder(ctx, order.ID); err != nil {
		return nil, fmt.Errorf("engine: reload order: %w", err)
	}

	// A concurrent debit on another book can drain the buyer between the
	// pre-check and the first paid fill. A zero-fill market order is an
	// outright rejection, never a resting or PARTIAL record.
	if order.Class == model.ClassMarket && order.FilledQuantity == 0 {
		_ = e.store.DeleteOrder(ctx, order.ID)
		return nil, ErrInsufficientFunds
	}

	// Rest the unfilled remainder of a LIMIT order, reserving funds or
	// shares up front. MARKET remainders finalize PARTIAL without resting.
	if order.Class == model.ClassLimit && order.Remaining() > 0 {
		if err := e.reserveRemainder(ctx, order, market); err != nil {
			if len(fills) == 0 {
				_ = e.store.DeleteOrder(ctx, order.ID)
				return nil, err
			}
			// The executed fills stand; a remainder that cannot be
			// reserved is cancelled rather than left resting unfunded.
			if cerr := e.store.CancelOrder(ctx, order.ID); cerr != nil {
				return nil, fmt.Errorf("engine: cancel unreserved remainder: %w", cerr)
			}
			slog.Warn("limit remainder cancelled, reservation failed",
				"order_id", order.ID, "err", err)
			order.Status = model.StatusCancelled
		}
	}

	summary, err := e.books.Refresh(ctx, req.MarketID, req.Outcome)
	if err != nil {
		return nil, fmt.Errorf("engine: refresh book: %w", err)
	}

	slog.Info("order placed",
		"order_id", order.ID,
		"user", order.UserID,
		"market", order.MarketID,
		"outcome", order.Outcome,
		"side", order.Side,
		"class", order.Class,
		"qty", order.Quantity,
		"filled", order.FilledQuantity,
		"status", order.Status,
		"fills", len(fills),
	)

	return &PlaceOrderResult{Order: order, Fills: fills, Book: summary}, nil
}

// heldShares returns the user's current holding, treating a missing
// position as zero.
func (e *Engine) heldShares(ctx context.Context, userID, marketID, outcome string) (int64, error) {
	p, err := e.store.GetPosition(ctx, userID, marketID, outcome)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("engine: load position: %w", err)
	}
	return p.Quantity, nil
}

// eligibleCounters returns the resting opposite-side orders this request
// may trade against, in price priority: other users only, and within the
// limit price when the incoming order has one.
func (e *Engine) eligibleCounters(ctx context.Context, req *PlaceOrderRequest) ([]model.Order, error) {
	resting, err := e.store.OpenOrders(ctx, req.MarketID, req.Outcome, opposite(req.Side))
	if err != nil {
		return nil, fmt.Errorf("engine: load book: %w", err)
	}

	var eligible []model.Order
	for _, counter := range resting {
		if counter.UserID == req.UserID {
			continue // no self-trading
		}
		if req.Price != nil {
			// The limit bounds which counter-orders are eligible, and the
			// book is sorted best-first, so the first violation ends it.
			if req.Side == model.SideBuy && counter.Price.GreaterThan(*req.Price) {
				break
			}
			if req.Side == model.SideSell && counter.Price.LessThan(*req.Price) {
				break
			}
		}
		eligible = append(eligible, counter)
	}
	return eligible, nil
}

// match walks the eligible counter-orders accumulating fills until the
// order is exhausted, liquidity runs out, or (for buys) funds run out.
// Buys pay per fill before any shares move: the debit is the
// authoritative funds check, so a fill can never execute unpaid even
// when a concurrent placement on another book debits the same account.
// Errors are returned only when no fill has executed.
func (e *Engine) match(ctx context.Context, order *model.Order, market *model.Market, counters []model.Order) ([]model.Fill, error) {
	remaining := order.Quantity
	var fills []model.Fill

	for _, counter := range counters {
		if remaining <= 0 {
			break
		}

		fillQty := remaining
		if cr := counter.Remaining(); cr < fillQty {
			fillQty = cr
		}
		price := *counter.Price
		clipped := false

		if order.Side == model.SideBuy {
			var err error
			fillQty, clipped, err = e.debitForFill(ctx, order, market, fillQty, price)
			if err != nil {
				if len(fills) == 0 {
					return nil, err
				}
				slog.Error("matching stopped mid-order", "order_id", order.ID, "err", err)
				break
			}
			if fillQty == 0 {
				break
			}
		}

		fill, err := e.executeFill(ctx, order, &counter, market, fillQty, price)
		if err != nil {
			if order.Side == model.SideBuy {
				e.refundFill(ctx, order, fillQty, price)
			}
			if len(fills) == 0 {
				return nil, err
			}
			// Mid-match fault: keep the fills already executed.
			slog.Error("matching stopped mid-order", "order_id", order.ID, "err", err)
			break
		}
		fills = append(fills, *fill)
		remaining -= fillQty

		if clipped {
			break
		}
	}
	return fills, nil
}

// debitForFill charges the buyer for one fill up front. When the live
// balance no longer covers the full quantity, the fill clips to what it
// affords and matching stops after it: a PARTIAL fill, not a failed
// order. Quantity 0 with clipped true means not even one share.
func (e *Engine) debitForFill(ctx context.Context, order *model.Order, market *model.Market, qty int64, price decimal.Decimal) (int64, bool, error) {
	debit := func(n int64) error {
		desc := fmt.Sprintf("%s buy %d %s shares in %s",
			order.Class, n, order.Outcome, market.Title)
		return e.ledger.Debit(ctx, order.UserID, price.Mul(decimal.NewFromInt(n)), model.TxBuy, desc)
	}

	err := debit(qty)
	if err == nil {
		return qty, false, nil
	}
	if !errors.Is(err, store.ErrInsufficientBalance) {
		return 0, false, fmt.Errorf("engine: debit buyer: %w", err)
	}

	balance, berr := e.ledger.Balance(ctx, order.UserID)
	if berr != nil {
		return 0, false, fmt.Errorf("engine: check funds: %w", berr)
	}
	affordable := balance.Div(price).IntPart()
	if affordable >= qty {
		affordable = qty - 1 // the full quantity just failed
	}
	if affordable <= 0 {
		return 0, true, nil
	}
	if err := debit(affordable); err != nil {
		if errors.Is(err, store.ErrInsufficientBalance) {
			// Raced again; treat the budget as exhausted.
			return 0, true, nil
		}
		return 0, false, fmt.Errorf("engine: debit buyer: %w", err)
	}
	return affordable, true, nil
}

// refundFill returns the up-front debit when the paired fill could not
// execute.
func (e *Engine) refundFill(ctx context.Context, order *model.Order, qty int64, price decimal.Decimal) {
	amount := price.Mul(decimal.NewFromInt(qty))
	desc := fmt.Sprintf("Refund for unexecuted fill of %d %s shares", qty, order.Outcome)
	if err := e.ledger.Credit(ctx, order.UserID, amount, model.TxRefund, desc); err != nil {
		slog.Error("failed to refund unexecuted fill", "order_id", order.ID, "err", err)
	}
}

// executeFill applies one fill: both orders' filled quantities advance,
// the buying side gains shares at the fill price, and the selling side is
// credited cash with a paired transaction record.
func (e *Engine) executeFill(ctx context.Context, order *model.Order, counter *model.Order, market *model.Market, qty int64, price decimal.Decimal) (*model.Fill, error) {
	if _, err := e.store.FillOrder(ctx, counter.ID, qty); err != nil {
		return nil, fmt.Errorf("engine: fill counter-order: %w", err)
	}
	if _, err := e.store.FillOrder(ctx, order.ID, qty); err != nil {
		return nil, fmt.Errorf("engine: fill order: %w", err)
	}

	proceeds := price.Mul(decimal.NewFromInt(qty))

	if order.Side == model.SideBuy {
		// Buyer gains shares now; the resting seller's shares were already
		// reserved at limit placement, so only their cash moves.
		if err := e.store.AddShares(ctx, order.UserID, order.MarketID, order.Outcome, qty, price); err != nil {
			return nil, fmt.Errorf("engine: credit buyer shares: %w", err)
		}
		desc := fmt.Sprintf("Sold %d %s shares in %s", qty, order.Outcome, market.Title)
		if err := e.ledger.Credit(ctx, counter.UserID, proceeds, model.TxSell, desc); err != nil {
			return nil, fmt.Errorf("engine: credit seller: %w", err)
		}
	} else {
		// Incoming seller: shares leave the position as they sell (they
		// were never reserved), and the resting buyer — whose cash was
		// reserved at placement — gains the shares.
		if err := e.store.RemoveShares(ctx, order.UserID, order.MarketID, order.Outcome, qty); err != nil {
			return nil, fmt.Errorf("engine: debit seller shares: %w", err)
		}
		if err := e.store.AddShares(ctx, counter.UserID, order.MarketID, order.Outcome, qty, price); err != nil {
			return nil, fmt.Errorf("engine: credit buyer shares: %w", err)
		}
		desc := fmt.Sprintf("Sold %d %s shares in %s", qty, order.Outcome, market.Title)
		if err := e.ledger.Credit(ctx, order.UserID, proceeds, model.TxSell, desc); err != nil {
			return nil, fmt.Errorf("engine: credit seller: %w", err)
		}
	}

	return &model.Fill{
		OrderID:        order.ID,
		CounterOrderID: counter.ID,
		CounterpartyID: counter.UserID,
		Price:          price,
		Quantity:       qty,
		Timestamp:      time.Now().UTC(),
	}, nil
}

// reserveRemainder reserves funds (BUY: remaining × limit) or shares
// (SELL: remaining) for the resting part of a LIMIT order. The pre-checks
// in PlaceOrder guarantee this succeeds.
func (e *Engine) reserveRemainder(ctx context.Context, order *model.Order, market *model.Market) error {
	remaining := order.Remaining()
	if order.Side == model.SideBuy {
		cost := order.Price.Mul(decimal.NewFromInt(remaining))
		desc := fmt.Sprintf("Limit buy order: %d %s @ %s in %s",
			remaining, order.Outcome, order.Price.StringFixed(model.PriceScale), market.Title)
		if err := e.ledger.Debit(ctx, order.UserID, cost, model.TxBuyLimit, desc); err != nil {
			if errors.Is(err, store.ErrInsufficientBalance) {
				return ErrInsufficientFunds
			}
			return fmt.Errorf("engine: reserve funds: %w", err)
		}
		return nil
	}

	if err := e.store.RemoveShares(ctx, order.UserID, order.MarketID, order.Outcome, remaining); err != nil {
		if errors.Is(err, store.ErrInsufficientShares) {
			return ErrInsufficientShares
		}
		return fmt.Errorf("engine: reserve shares: %w", err)
	}
	return nil
}

// CancelOrder cancels an open LIMIT order owned by userID, refunding the
// outstanding reservation: remaining × limit cash for buys, remaining
// shares for sells.
func (e *Engine) CancelOrder(ctx context.Context, userID, orderID string) (*model.Order, error) {
	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("engine: load order: %w", err)
	}
	if order.UserID != userID {
		return nil, ErrUnauthorized
	}

	lock := e.bookLock(order.MarketID, order.Outcome)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the book lock: a concurrent match may have filled it.
	if order, err = e.store.GetOrder(ctx, orderID); err != nil {
		return nil, fmt.Errorf("engine: reload order: %w", err)
	}
	if !order.IsOpen() || order.Class != model.ClassLimit {
		return nil, ErrNotCancellable
	}

	remaining := order.Remaining()
	if err := e.store.CancelOrder(ctx, orderID); err != nil {
		if errors.Is(err, store.ErrOrderNotOpen) {
			return nil, ErrNotCancellable
		}
		return nil, fmt.Errorf("engine: cancel order: %w", err)
	}

	if order.Side == model.SideBuy {
		refund := order.Price.Mul(decimal.NewFromInt(remaining))
		desc := fmt.Sprintf("Cancelled buy order: %d %s @ %s",
			remaining, order.Outcome, order.Price.StringFixed(model.PriceScale))
		if err := e.ledger.Credit(ctx, userID, refund, model.TxCancelBuy, desc); err != nil {
			return nil, fmt.Errorf("engine: refund funds: %w", err)
		}
	} else {
		if err := e.store.AddShares(ctx, userID, order.MarketID, order.Outcome, remaining, *order.Price); err != nil {
			return nil, fmt.Errorf("engine: return shares: %w", err)
		}
	}

	if _, err := e.books.Refresh(ctx, order.MarketID, order.Outcome); err != nil {
		return nil, fmt.Errorf("engine: refresh book: %w", err)
	}

	order.Status = model.StatusCancelled
	slog.Info("order cancelled",
		"order_id", orderID,
		"user", userID,
		"remaining_refunded", remaining,
	)
	return order, nil
}

// MarketPrices derives the current YES/NO prices from aggregate share
// supply across all holders of the market.
func (e *Engine) MarketPrices(ctx context.Context, marketID string) (yes, no decimal.Decimal, err error) {
	if _, err = e.store.GetMarket(ctx, marketID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return decimal.Zero, decimal.Zero, ErrMarketNotFound
		}
		return decimal.Zero, decimal.Zero, fmt.Errorf("engine: load market: %w", err)
	}
	yesShares, noShares, err := e.store.ShareTotals(ctx, marketID)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("engine: share totals: %w", err)
	}
	return model.YesPrice(yesShares, noShares), model.NoPrice(yesShares, noShares), nil
}
