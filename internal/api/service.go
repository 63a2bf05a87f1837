// Package api provides the HTTP handlers adapting the matching engine to
// the outside world: order placement and cancellation, order book depth,
// market pricing, and account/position queries.
//
// Authentication is owned by an upstream gateway; requests carry an
// explicit user ID. All monetary values use shopspring/decimal.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/outcomex/exchange-engine/internal/book"
	"github.com/outcomex/exchange-engine/internal/engine"
	"github.com/outcomex/exchange-engine/internal/metrics"
	"github.com/outcomex/exchange-engine/internal/model"
	"github.com/outcomex/exchange-engine/internal/store"
)

// Service handles exchange operations over HTTP.
// Pass nil for hub if WebSocket broadcasting is not needed.
type Service struct {
	engine *engine.Engine
	store  store.Store
	wsHub  *WSHub
}

// NewService creates a new API service.
func NewService(eng *engine.Engine, st store.Store, hub *WSHub) *Service {
	return &Service{engine: eng, store: st, wsHub: hub}
}

// Routes mounts all API handlers on r under /api/v1.
func (s *Service) Routes(r chi.Router) {
	if s.wsHub != nil {
		r.Get("/ws", s.wsHub.HandleWS)
	}

	r.Get("/markets", s.ListMarkets)
	r.Post("/markets", s.CreateMarket)
	r.Get("/markets/{marketID}", s.GetMarket)
	r.Get("/markets/{marketID}/price", s.GetPrice)
	r.Get("/markets/{marketID}/orderbook/{outcome}", s.GetOrderBook)

	r.Post("/orders", s.PlaceOrder)
	r.Post("/orders/{orderID}/cancel", s.CancelOrder)

	r.Get("/users/{userID}/orders", s.ListOrders)
	r.Get("/users/{userID}/positions", s.ListPositions)
	r.Get("/users/{userID}/account", s.GetAccount)
	r.Get("/users/{userID}/transactions", s.ListTransactions)
	r.Post("/users/{userID}/deposit", s.Deposit)
}

// --- Request/Response types ---

// CreateMarketRequest is the JSON body for market creation.
type CreateMarketRequest struct {
	Title          string    `json:"title"`
	Description    string    `json:"description"`
	OutcomeYes     string    `json:"outcome_yes"`
	OutcomeNo      string    `json:"outcome_no"`
	ResolutionDate time.Time `json:"resolution_date"`
	CreatedBy      string    `json:"created_by"`
}

// PlaceOrderRequest is the JSON body for POST /orders.
type PlaceOrderRequest struct {
	UserID   string           `json:"user_id"`
	MarketID string           `json:"market_id"`
	Outcome  string           `json:"outcome"` // "YES" or "NO"
	Side     string           `json:"side"`    // "BUY" or "SELL"
	Class    string           `json:"class"`   // "MARKET" or "LIMIT"
	Quantity int64            `json:"quantity"`
	Price    *decimal.Decimal `json:"price,omitempty"` // absent for MARKET
}

// PlaceOrderResponse is returned from POST /orders.
type PlaceOrderResponse struct {
	Message string           `json:"message"`
	Order   *model.Order     `json:"order"`
	Fills   []model.Fill     `json:"fills"`
	Book    *model.OrderBook `json:"book,omitempty"`
}

// CancelOrderRequest carries the cancelling user's identity.
type CancelOrderRequest struct {
	UserID string `json:"user_id"`
}

// DepositRequest is the JSON body for POST /users/{userID}/deposit.
type DepositRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// OrderBookResponse is the depth-of-book payload.
type OrderBookResponse struct {
	Outcome  string             `json:"outcome"`
	Bids     []model.PriceLevel `json:"bids"`
	Asks     []model.PriceLevel `json:"asks"`
	Spread   *decimal.Decimal   `json:"spread,omitempty"`
	MidPrice decimal.Decimal    `json:"mid_price"`
}

// --- Handlers ---

// CreateMarket handles POST /api/v1/markets.
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Title == "" {
		writeError(w, "title is required", http.StatusBadRequest)
		return
	}
	if req.OutcomeYes == "" {
		req.OutcomeYes = "Yes"
	}
	if req.OutcomeNo == "" {
		req.OutcomeNo = "No"
	}

	market := &model.Market{
		ID:              uuid.New().String(),
		Title:           req.Title,
		Description:     req.Description,
		OutcomeYesLabel: req.OutcomeYes,
		OutcomeNoLabel:  req.OutcomeNo,
		Status:          model.MarketActive,
		ResolutionDate:  req.ResolutionDate,
		CreatedBy:       req.CreatedBy,
		CreatedAt:       time.Now().UTC(),
	}

	if err := s.store.CreateMarket(r.Context(), market); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}

	slog.Info("market created", "id", market.ID, "title", market.Title)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(market)
}

// ListMarkets handles GET /api/v1/markets.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.store.ListMarkets(r.Context())
	if err != nil {
		writeError(w, "failed to list markets", http.StatusInternalServerError)
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}
	writeJSON(w, markets)
}

// GetMarket handles GET /api/v1/markets/{marketID}.
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	market, err := s.store.GetMarket(r.Context(), marketID)
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}
	writeJSON(w, market)
}

// GetPrice handles GET /api/v1/markets/{marketID}/price.
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	yes, no, err := s.engine.MarketPrices(r.Context(), marketID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, map[string]decimal.Decimal{"yes": yes, "no": no})
}

// GetOrderBook handles GET /api/v1/markets/{marketID}/orderbook/{outcome}.
// Returns bid/ask depth with spread and mid-price, recomputed from the
// live order set.
func (s *Service) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	outcome := chi.URLParam(r, "outcome")
	if !model.ValidOutcome(outcome) {
		writeError(w, "outcome must be YES or NO", http.StatusBadRequest)
		return
	}
	if _, err := s.store.GetMarket(r.Context(), marketID); err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}

	levels := book.DefaultDepthLevels
	if v := r.URL.Query().Get("levels"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			levels = n
		}
	}

	ctx := r.Context()
	agg := s.engine.Books()

	summary, err := agg.Refresh(ctx, marketID, outcome)
	if err != nil {
		writeError(w, "failed to refresh order book", http.StatusInternalServerError)
		return
	}
	bids, err := agg.Depth(ctx, marketID, outcome, model.SideBuy, levels)
	if err != nil {
		writeError(w, "failed to load bids", http.StatusInternalServerError)
		return
	}
	asks, err := agg.Depth(ctx, marketID, outcome, model.SideSell, levels)
	if err != nil {
		writeError(w, "failed to load asks", http.StatusInternalServerError)
		return
	}
	if bids == nil {
		bids = []model.PriceLevel{}
	}
	if asks == nil {
		asks = []model.PriceLevel{}
	}

	writeJSON(w, OrderBookResponse{
		Outcome:  outcome,
		Bids:     bids,
		Asks:     asks,
		Spread:   summary.Spread(),
		MidPrice: summary.MidPrice(),
	})
}

// PlaceOrder handles POST /api/v1/orders.
func (s *Service) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	start := time.Now()
	result, err := s.engine.PlaceOrder(r.Context(), engine.PlaceOrderRequest{
		UserID:   req.UserID,
		MarketID: req.MarketID,
		Outcome:  req.Outcome,
		Side:     req.Side,
		Class:    req.Class,
		Quantity: req.Quantity,
		Price:    req.Price,
	})
	if err != nil {
		metrics.OrdersRejected.WithLabelValues(rejectReason(err)).Inc()
		writeEngineError(w, err)
		return
	}

	metrics.OrdersPlaced.WithLabelValues(req.Side, req.Class).Inc()
	metrics.OrderLatency.WithLabelValues(req.Side, req.Class).Observe(time.Since(start).Seconds())
	for _, f := range result.Fills {
		metrics.FillsExecuted.Inc()
		metrics.SharesFilled.WithLabelValues(req.Side).Add(float64(f.Quantity))
	}

	s.broadcastResult(result)

	message := "Limit order placed in order book."
	switch result.Order.Status {
	case model.StatusFilled:
		message = "Order filled completely."
	case model.StatusCancelled:
		message = "Order partially filled; remainder cancelled (insufficient funds)."
	case model.StatusPartial:
		if result.Order.Class == model.ClassMarket {
			message = "Order partially filled."
		} else {
			message = "Order partially filled; remainder resting in order book."
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(PlaceOrderResponse{
		Message: message,
		Order:   result.Order,
		Fills:   result.Fills,
		Book:    result.Book,
	})
}

// CancelOrder handles POST /api/v1/orders/{orderID}/cancel.
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	var req CancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	order, err := s.engine.CancelOrder(r.Context(), req.UserID, orderID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	metrics.OrdersCancelled.Inc()

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:     "order_cancelled",
			MarketID: order.MarketID,
			Outcome:  order.Outcome,
			Side:     order.Side,
		})
	}

	writeJSON(w, map[string]any{
		"message": "Order cancelled successfully",
		"order":   order,
	})
}

// ListOrders handles GET /api/v1/users/{userID}/orders.
func (s *Service) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.store.OrdersByUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, "failed to list orders", http.StatusInternalServerError)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, orders)
}

// ListPositions handles GET /api/v1/users/{userID}/positions.
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.store.PositionsByUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, "failed to list positions", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, positions)
}

// GetAccount handles GET /api/v1/users/{userID}/account.
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	account, err := s.store.GetAccount(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, "failed to load account", http.StatusInternalServerError)
		return
	}
	writeJSON(w, account)
}

// ListTransactions handles GET /api/v1/users/{userID}/transactions.
func (s *Service) ListTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := s.store.TransactionsByUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, "failed to list transactions", http.StatusInternalServerError)
		return
	}
	if txs == nil {
		txs = []model.Transaction{}
	}
	writeJSON(w, txs)
}

// Deposit handles POST /api/v1/users/{userID}/deposit.
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !req.Amount.IsPositive() {
		writeError(w, "amount must be positive", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if err := s.engine.Ledger().Deposit(ctx, userID, req.Amount); err != nil {
		writeError(w, "deposit failed", http.StatusInternalServerError)
		return
	}
	balance, err := s.engine.Ledger().Balance(ctx, userID)
	if err != nil {
		writeError(w, "failed to load balance", http.StatusInternalServerError)
		return
	}

	slog.Info("funds deposited", "user", userID, "amount", req.Amount.String())

	writeJSON(w, map[string]any{
		"message":     "Deposit successful",
		"new_balance": balance,
	})
}

// broadcastResult pushes trade and book updates to WebSocket clients.
func (s *Service) broadcastResult(result *engine.PlaceOrderResult) {
	if s.wsHub == nil {
		return
	}
	for _, f := range result.Fills {
		s.wsHub.Broadcast(WSMessage{
			Type:     "trade_executed",
			MarketID: result.Order.MarketID,
			Outcome:  result.Order.Outcome,
			Side:     result.Order.Side,
			Quantity: f.Quantity,
			Price:    f.Price.String(),
		})
	}
	if result.Book != nil {
		msg := WSMessage{
			Type:      "book_updated",
			MarketID:  result.Order.MarketID,
			Outcome:   result.Order.Outcome,
			BidVolume: result.Book.BidVolume,
			AskVolume: result.Book.AskVolume,
		}
		if result.Book.BestBid != nil {
			msg.BestBid = result.Book.BestBid.String()
		}
		if result.Book.BestAsk != nil {
			msg.BestAsk = result.Book.BestAsk.String()
		}
		s.wsHub.Broadcast(msg)
	}
}

// --- Error mapping ---

func rejectReason(err error) string {
	switch {
	case errors.Is(err, engine.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, engine.ErrInsufficientShares):
		return "insufficient_shares"
	case errors.Is(err, engine.ErrNoLiquidity):
		return "no_liquidity"
	case errors.Is(err, engine.ErrMarketClosed):
		return "market_closed"
	case errors.Is(err, engine.ErrMarketNotFound):
		return "market_not_found"
	case errors.Is(err, engine.ErrInvalidQuantity),
		errors.Is(err, engine.ErrInvalidPrice),
		errors.Is(err, engine.ErrInvalidOutcome),
		errors.Is(err, engine.ErrInvalidSide),
		errors.Is(err, engine.ErrInvalidClass):
		return "invalid_request"
	default:
		return "internal"
	}
}

// writeEngineError maps engine error kinds to HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrInvalidQuantity),
		errors.Is(err, engine.ErrInvalidPrice),
		errors.Is(err, engine.ErrInvalidOutcome),
		errors.Is(err, engine.ErrInvalidSide),
		errors.Is(err, engine.ErrInvalidClass):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, engine.ErrMarketNotFound),
		errors.Is(err, engine.ErrOrderNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, engine.ErrUnauthorized):
		writeError(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, engine.ErrInsufficientFunds),
		errors.Is(err, engine.ErrInsufficientShares),
		errors.Is(err, engine.ErrNoLiquidity),
		errors.Is(err, engine.ErrNotCancellable),
		errors.Is(err, engine.ErrMarketClosed):
		writeError(w, err.Error(), http.StatusConflict)
	default:
		slog.Error("order processing failed", "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

// writeJSON writes a 200 JSON response.
func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
