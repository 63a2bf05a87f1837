package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/outcomex/exchange-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// The balance, share, and fill mutations are guarded UPDATE statements
// (WHERE clauses re-checking sufficiency) so concurrent callers can never
// drive a balance or remaining quantity negative.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// --- Markets ---

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO markets (id, title, description, outcome_yes, outcome_no, status,
		                      resolution_date, resolved_outcome, resolved_at, created_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		m.ID, m.Title, m.Description, m.OutcomeYesLabel, m.OutcomeNoLabel, m.Status,
		m.ResolutionDate, m.ResolvedOutcome, m.ResolvedAt, m.CreatedBy, m.CreatedAt,
	)
	return err
}

const marketColumns = `id, title, description, outcome_yes, outcome_no, status,
	resolution_date, resolved_outcome, resolved_at, created_by, created_at`

func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	err := row.Scan(&m.ID, &m.Title, &m.Description, &m.OutcomeYesLabel, &m.OutcomeNoLabel,
		&m.Status, &m.ResolutionDate, &m.ResolvedOutcome, &m.ResolvedAt, &m.CreatedBy, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	m, err := scanMarket(s.pool.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketColumns+` FROM markets ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) ShareTotals(ctx context.Context, marketID string) (int64, int64, error) {
	var yes, no int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(CASE WHEN outcome = 'YES' THEN quantity ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN outcome = 'NO'  THEN quantity ELSE 0 END), 0)
		 FROM positions WHERE market_id = $1`, marketID).Scan(&yes, &no)
	if err != nil {
		return 0, 0, fmt.Errorf("share totals for %s: %w", marketID, err)
	}
	return yes, no, nil
}

// --- Accounts ---

func (s *PostgresStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (user_id, balance, created_at, updated_at)
		 VALUES ($1, $2::NUMERIC, now(), now())
		 ON CONFLICT (user_id) DO NOTHING`,
		userID, model.StartingBalance.String())
	if err != nil {
		return nil, err
	}

	var a model.Account
	var balance string
	err = s.pool.QueryRow(ctx,
		`SELECT user_id, balance::TEXT, created_at, updated_at
		 FROM accounts WHERE user_id = $1`, userID).
		Scan(&a.UserID, &balance, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", userID, err)
	}
	a.Balance, _ = decimal.NewFromString(balance)
	return &a, nil
}

func (s *PostgresStore) AdjustBalance(ctx context.Context, userID string, delta decimal.Decimal) error {
	if _, err := s.GetAccount(ctx, userID); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE accounts
		 SET balance = ROUND(balance + $2::NUMERIC, 2), updated_at = now()
		 WHERE user_id = $1 AND balance + $2::NUMERIC >= 0`,
		userID, delta.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("adjust balance for %s: %w", userID, ErrInsufficientBalance)
	}
	return nil
}

func (s *PostgresStore) InsertTransaction(ctx context.Context, tx *model.Transaction) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO transactions (id, user_id, type, amount, description, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6)`,
		tx.ID, tx.UserID, tx.Type, tx.Amount.String(), tx.Description, tx.CreatedAt)
	return err
}

func (s *PostgresStore) TransactionsByUser(ctx context.Context, userID string) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, type, amount::TEXT, description, created_at
		 FROM transactions WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []model.Transaction
	for rows.Next() {
		var tx model.Transaction
		var amount string
		if err := rows.Scan(&tx.ID, &tx.UserID, &tx.Type, &amount, &tx.Description, &tx.CreatedAt); err != nil {
			return nil, err
		}
		tx.Amount, _ = decimal.NewFromString(amount)
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// --- Positions ---

func (s *PostgresStore) GetPosition(ctx context.Context, userID, marketID, outcome string) (*model.Position, error) {
	var p model.Position
	var avg string
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, market_id, outcome, quantity, average_price::TEXT, created_at, updated_at
		 FROM positions WHERE user_id = $1 AND market_id = $2 AND outcome = $3`,
		userID, marketID, outcome).
		Scan(&p.UserID, &p.MarketID, &p.Outcome, &p.Quantity, &avg, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("position %s/%s/%s: %w", userID, marketID, outcome, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get position: %w", err)
	}
	p.AveragePrice, _ = decimal.NewFromString(avg)
	return &p, nil
}

func (s *PostgresStore) PositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, market_id, outcome, quantity, average_price::TEXT, created_at, updated_at
		 FROM positions WHERE user_id = $1 AND quantity > 0
		 ORDER BY market_id, outcome`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var avg string
		if err := rows.Scan(&p.UserID, &p.MarketID, &p.Outcome, &p.Quantity, &avg,
			&p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.AveragePrice, _ = decimal.NewFromString(avg)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) AddShares(ctx context.Context, userID, marketID, outcome string, qty int64, price decimal.Decimal) error {
	if qty <= 0 {
		return fmt.Errorf("add shares: quantity %d must be positive", qty)
	}
	// Weighted-average recomputation happens inside the upsert so two
	// concurrent fills cannot interleave read-modify-write.
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (user_id, market_id, outcome, quantity, average_price, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, now(), now())
		 ON CONFLICT (user_id, market_id, outcome) DO UPDATE
		 SET average_price = CASE WHEN positions.quantity = 0 THEN $5::NUMERIC
		                          ELSE ROUND((positions.quantity * positions.average_price + $4 * $5::NUMERIC)
		                                     / (positions.quantity + $4), 4)
		                     END,
		     quantity = positions.quantity + $4,
		     updated_at = now()`,
		userID, marketID, outcome, qty, price.String())
	return err
}

func (s *PostgresStore) RemoveShares(ctx context.Context, userID, marketID, outcome string, qty int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions SET quantity = quantity - $4, updated_at = now()
		 WHERE user_id = $1 AND market_id = $2 AND outcome = $3 AND quantity >= $4`,
		userID, marketID, outcome, qty)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("remove %d shares for %s: %w", qty, userID, ErrInsufficientShares)
	}
	return nil
}

// --- Orders ---

const orderColumns = `id, user_id, market_id, outcome, side, class, quantity,
	price::TEXT, filled_quantity, status, created_at, filled_at`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var o model.Order
	var price *string
	err := row.Scan(&o.ID, &o.UserID, &o.MarketID, &o.Outcome, &o.Side, &o.Class,
		&o.Quantity, &price, &o.FilledQuantity, &o.Status, &o.CreatedAt, &o.FilledAt)
	if err != nil {
		return nil, err
	}
	if price != nil {
		p, _ := decimal.NewFromString(*price)
		o.Price = &p
	}
	return &o, nil
}

func (s *PostgresStore) CreateOrder(ctx context.Context, o *model.Order) error {
	var price *string
	if o.Price != nil {
		p := o.Price.String()
		price = &p
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO orders (id, user_id, market_id, outcome, side, class, quantity,
		                     price, filled_quantity, status, created_at, filled_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9, $10, $11, $12)`,
		o.ID, o.UserID, o.MarketID, o.Outcome, o.Side, o.Class, o.Quantity,
		price, o.FilledQuantity, o.Status, o.CreatedAt, o.FilledAt)
	return err
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return o, nil
}

func (s *PostgresStore) DeleteOrder(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM orders WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) FillOrder(ctx context.Context, id string, qty int64) (*model.Order, error) {
	// Compare-and-set on remaining quantity: the WHERE clause re-checks the
	// order is open and has at least qty remaining.
	o, err := scanOrder(s.pool.QueryRow(ctx,
		`UPDATE orders
		 SET filled_quantity = filled_quantity + $2,
		     status = CASE WHEN filled_quantity + $2 = quantity THEN 'FILLED' ELSE 'PARTIAL' END,
		     filled_at = CASE WHEN filled_quantity + $2 = quantity THEN now() ELSE filled_at END
		 WHERE id = $1
		   AND status IN ('PENDING', 'PARTIAL')
		   AND quantity - filled_quantity >= $2
		 RETURNING `+orderColumns, id, qty))
	if errors.Is(err, pgx.ErrNoRows) {
		cur, getErr := s.GetOrder(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if !cur.IsOpen() {
			return nil, fmt.Errorf("fill order %s: %w", id, ErrOrderNotOpen)
		}
		return nil, fmt.Errorf("fill order %s by %d: %w", id, qty, ErrFillExceedsRemaining)
	}
	if err != nil {
		return nil, fmt.Errorf("fill order %s: %w", id, err)
	}
	return o, nil
}

func (s *PostgresStore) CancelOrder(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders SET status = 'CANCELLED'
		 WHERE id = $1 AND status IN ('PENDING', 'PARTIAL')`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetOrder(ctx, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("cancel order %s: %w", id, ErrOrderNotOpen)
	}
	return nil
}

func (s *PostgresStore) OrdersByUser(ctx context.Context, userID string) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOrders(rows)
}

func (s *PostgresStore) OpenOrders(ctx context.Context, marketID, outcome, side string) ([]model.Order, error) {
	direction := "DESC" // bids: highest price first
	if side == model.SideSell {
		direction = "ASC" // asks: lowest price first
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE market_id = $1 AND outcome = $2 AND side = $3
		   AND class = 'LIMIT' AND status IN ('PENDING', 'PARTIAL') AND price IS NOT NULL
		 ORDER BY price `+direction+`, created_at ASC, id ASC`,
		marketID, outcome, side)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOrders(rows)
}

func collectOrders(rows pgx.Rows) ([]model.Order, error) {
	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// --- Order book summaries ---

func (s *PostgresStore) UpsertOrderBook(ctx context.Context, b *model.OrderBook) error {
	var bid, ask *string
	if b.BestBid != nil {
		v := b.BestBid.String()
		bid = &v
	}
	if b.BestAsk != nil {
		v := b.BestAsk.String()
		ask = &v
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO order_books (market_id, outcome, best_bid, bid_volume, best_ask, ask_volume, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5::NUMERIC, $6, $7)
		 ON CONFLICT (market_id, outcome) DO UPDATE
		 SET best_bid = $3::NUMERIC, bid_volume = $4,
		     best_ask = $5::NUMERIC, ask_volume = $6, updated_at = $7`,
		b.MarketID, b.Outcome, bid, b.BidVolume, ask, b.AskVolume, b.UpdatedAt)
	return err
}

func (s *PostgresStore) GetOrderBook(ctx context.Context, marketID, outcome string) (*model.OrderBook, error) {
	var b model.OrderBook
	var bid, ask *string
	err := s.pool.QueryRow(ctx,
		`SELECT market_id, outcome, best_bid::TEXT, bid_volume, best_ask::TEXT, ask_volume, updated_at
		 FROM order_books WHERE market_id = $1 AND outcome = $2`, marketID, outcome).
		Scan(&b.MarketID, &b.Outcome, &bid, &b.BidVolume, &ask, &b.AskVolume, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order book %s/%s: %w", marketID, outcome, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get order book: %w", err)
	}
	if bid != nil {
		v, _ := decimal.NewFromString(*bid)
		b.BestBid = &v
	}
	if ask != nil {
		v, _ := decimal.NewFromString(*ask)
		b.BestAsk = &v
	}
	return &b, nil
}
