// Package ledger provides atomic cash-balance operations with a paired
// immutable transaction history. Every balance change writes an append-only
// record carrying type, amount, and description for audit.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/outcomex/exchange-engine/internal/model"
	"github.com/outcomex/exchange-engine/internal/store"
)

// Ledger mediates all cash mutations through the store's atomic
// AdjustBalance, so a debit can never take a balance negative.
type Ledger struct {
	store store.Store
}

// New creates a Ledger backed by the given store.
func New(st store.Store) *Ledger {
	return &Ledger{store: st}
}

// Balance returns the user's current cash balance, creating the account
// with the starting balance on first use.
func (l *Ledger) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	a, err := l.store.GetAccount(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	return a.Balance, nil
}

// CanAfford reports whether the user's balance covers amount.
func (l *Ledger) CanAfford(ctx context.Context, userID string, amount decimal.Decimal) (bool, error) {
	balance, err := l.Balance(ctx, userID)
	if err != nil {
		return false, err
	}
	return balance.GreaterThanOrEqual(amount), nil
}

// Deposit credits amount to the user's balance with a DEPOSIT record.
// Amount must be positive.
func (l *Ledger) Deposit(ctx context.Context, userID string, amount decimal.Decimal) error {
	return l.Credit(ctx, userID, amount, model.TxDeposit,
		fmt.Sprintf("Deposited %s", amount.StringFixed(model.CashScale)))
}

// Credit adds amount to the user's balance and records a transaction of the
// given type. Amount must be positive. A balance change without its paired
// record never survives: if the record cannot be written the adjustment is
// undone.
func (l *Ledger) Credit(ctx context.Context, userID string, amount decimal.Decimal, txType, description string) error {
	if !amount.IsPositive() {
		return fmt.Errorf("ledger: credit amount %s must be positive", amount)
	}
	if err := l.store.AdjustBalance(ctx, userID, amount); err != nil {
		return err
	}
	if err := l.record(ctx, userID, txType, amount, description); err != nil {
		if rbErr := l.store.AdjustBalance(ctx, userID, amount.Neg()); rbErr != nil {
			return fmt.Errorf("ledger: record failed (%v), rollback failed: %w", err, rbErr)
		}
		return fmt.Errorf("ledger: record transaction: %w", err)
	}
	return nil
}

// Debit subtracts amount from the user's balance and records a transaction
// of the given type. Fails with store.ErrInsufficientBalance, mutating
// nothing, when amount exceeds the balance. As with Credit, a failed record
// rolls the adjustment back.
func (l *Ledger) Debit(ctx context.Context, userID string, amount decimal.Decimal, txType, description string) error {
	if !amount.IsPositive() {
		return fmt.Errorf("ledger: debit amount %s must be positive", amount)
	}
	if err := l.store.AdjustBalance(ctx, userID, amount.Neg()); err != nil {
		return err
	}
	if err := l.record(ctx, userID, txType, amount, description); err != nil {
		if rbErr := l.store.AdjustBalance(ctx, userID, amount); rbErr != nil {
			return fmt.Errorf("ledger: record failed (%v), rollback failed: %w", err, rbErr)
		}
		return fmt.Errorf("ledger: record transaction: %w", err)
	}
	return nil
}

func (l *Ledger) record(ctx context.Context, userID, txType string, amount decimal.Decimal, description string) error {
	return l.store.InsertTransaction(ctx, &model.Transaction{
		ID:          uuid.New().String(),
		UserID:      userID,
		Type:        txType,
		Amount:      amount.Round(model.CashScale),
		Description: description,
		CreatedAt:   time.Now().UTC(),
	})
}
