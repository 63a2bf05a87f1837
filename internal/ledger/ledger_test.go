package ledger_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/outcomex/exchange-engine/internal/ledger"
	"github.com/outcomex/exchange-engine/internal/model"
	"github.com/outcomex/exchange-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestBalance_NewAccountGetsStartingBalance(t *testing.T) {
	ms := store.NewMemoryStore()
	l := ledger.New(ms)

	b, err := l.Balance(context.Background(), "fresh-user")
	if err != nil {
		t.Fatal(err)
	}
	if !b.Equal(model.StartingBalance) {
		t.Errorf("expected starting balance %s, got %s", model.StartingBalance, b)
	}
}

func TestDeposit(t *testing.T) {
	ms := store.NewMemoryStore()
	l := ledger.New(ms)
	ctx := context.Background()

	if err := l.Deposit(ctx, "user1", d(250.50)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	b, _ := l.Balance(ctx, "user1")
	if !b.Equal(d(1250.50)) {
		t.Errorf("expected 1250.50, got %s", b)
	}

	txs, _ := ms.TransactionsByUser(ctx, "user1")
	if len(txs) != 1 || txs[0].Type != model.TxDeposit {
		t.Fatalf("expected one DEPOSIT transaction, got %+v", txs)
	}
	if !txs[0].Amount.Equal(d(250.50)) {
		t.Errorf("expected amount 250.50, got %s", txs[0].Amount)
	}
}

func TestDebit_InsufficientBalance(t *testing.T) {
	ms := store.NewMemoryStore()
	l := ledger.New(ms)
	ctx := context.Background()

	err := l.Debit(ctx, "user1", d(1000.01), model.TxBuy, "over-spend")
	if !errors.Is(err, store.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	// The failed debit leaves no trace.
	b, _ := l.Balance(ctx, "user1")
	if !b.Equal(model.StartingBalance) {
		t.Errorf("balance should be untouched, got %s", b)
	}
	txs, _ := ms.TransactionsByUser(ctx, "user1")
	if len(txs) != 0 {
		t.Errorf("expected no transactions, got %d", len(txs))
	}
}

func TestDebit_ExactBalanceAllowed(t *testing.T) {
	ms := store.NewMemoryStore()
	l := ledger.New(ms)
	ctx := context.Background()

	if err := l.Debit(ctx, "user1", d(1000), model.TxBuy, "all-in"); err != nil {
		t.Fatalf("spending the exact balance should succeed: %v", err)
	}
	b, _ := l.Balance(ctx, "user1")
	if !b.IsZero() {
		t.Errorf("expected zero balance, got %s", b)
	}
}

func TestCreditAndDebit_RejectNonPositiveAmounts(t *testing.T) {
	ms := store.NewMemoryStore()
	l := ledger.New(ms)
	ctx := context.Background()

	if err := l.Credit(ctx, "user1", decimal.Zero, model.TxSell, "zero"); err == nil {
		t.Error("zero credit should be rejected")
	}
	if err := l.Debit(ctx, "user1", d(-5), model.TxBuy, "negative"); err == nil {
		t.Error("negative debit should be rejected")
	}
}

// failingTxStore refuses to write transaction records, simulating a
// history table outage.
type failingTxStore struct {
	*store.MemoryStore
}

func (s *failingTxStore) InsertTransaction(_ context.Context, _ *model.Transaction) error {
	return errors.New("history table unavailable")
}

func TestCredit_RollsBackWhenRecordFails(t *testing.T) {
	ms := store.NewMemoryStore()
	l := ledger.New(&failingTxStore{MemoryStore: ms})
	ctx := context.Background()

	if err := l.Deposit(ctx, "user1", d(50)); err == nil {
		t.Fatal("deposit should fail when the record cannot be written")
	}

	// The balance adjustment must not survive without its record.
	b, _ := ledger.New(ms).Balance(ctx, "user1")
	if !b.Equal(model.StartingBalance) {
		t.Errorf("expected balance rolled back to %s, got %s", model.StartingBalance, b)
	}
}

func TestDebit_RollsBackWhenRecordFails(t *testing.T) {
	ms := store.NewMemoryStore()
	l := ledger.New(&failingTxStore{MemoryStore: ms})
	ctx := context.Background()

	if err := l.Debit(ctx, "user1", d(100), model.TxBuy, "doomed"); err == nil {
		t.Fatal("debit should fail when the record cannot be written")
	}

	b, _ := ledger.New(ms).Balance(ctx, "user1")
	if !b.Equal(model.StartingBalance) {
		t.Errorf("expected balance rolled back to %s, got %s", model.StartingBalance, b)
	}
}

func TestCanAfford(t *testing.T) {
	ms := store.NewMemoryStore()
	l := ledger.New(ms)
	ctx := context.Background()

	ok, err := l.CanAfford(ctx, "user1", d(1000))
	if err != nil || !ok {
		t.Errorf("should afford exactly the balance, ok=%v err=%v", ok, err)
	}
	ok, err = l.CanAfford(ctx, "user1", d(1000.01))
	if err != nil || ok {
		t.Errorf("should not afford more than the balance, ok=%v err=%v", ok, err)
	}
}
