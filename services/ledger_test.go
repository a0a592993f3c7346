package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"gem-duel-system/models"

	"gorm.io/gorm"
)

func TestLedgerCreditAndDebit(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", 100)

	err := env.db.Transaction(func(tx *gorm.DB) error {
		bal, err := env.ledger.Debit(tx, "alice", 30, TxMeta{Type: models.TxTypeWagerEscrow, RefID: "d1"})
		if err != nil {
			return err
		}
		if bal != 70 {
			t.Fatalf("expected balance 70 after debit, got %d", bal)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("debit: %v", err)
	}

	if got := env.balance(t, "alice"); got != 70 {
		t.Fatalf("expected stored balance 70, got %d", got)
	}

	var entries []models.LedgerEntry
	if err := env.db.Where("account_id = ?", "alice").Order("created_at ASC").Order("delta DESC").Find(&entries).Error; err != nil {
		t.Fatalf("load entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	last := entries[1]
	if last.Delta != -30 || last.BalanceAfter != 70 || last.Type != models.TxTypeWagerEscrow || last.RefID != "d1" {
		t.Fatalf("unexpected debit entry: %+v", last)
	}
	env.assertReconciled(t)
}

func TestLedgerCreditCreatesAccount(t *testing.T) {
	env := newTestEnv(t)
	err := env.db.Transaction(func(tx *gorm.DB) error {
		_, err := env.ledger.Credit(tx, "newcomer", 25, TxMeta{Type: models.TxTypeDeposit, RefID: "dep1"})
		return err
	})
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if got := env.balance(t, "newcomer"); got != 25 {
		t.Fatalf("expected balance 25, got %d", got)
	}
}

func TestLedgerInsufficientFundsRollsBack(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", 100)
	env.fund(t, "bob", 10)

	// Both debits share one transaction; the second fails and must undo the first.
	err := env.db.Transaction(func(tx *gorm.DB) error {
		if _, err := env.ledger.Debit(tx, "alice", 50, TxMeta{Type: models.TxTypeWagerEscrow}); err != nil {
			return err
		}
		_, err := env.ledger.Debit(tx, "bob", 50, TxMeta{Type: models.TxTypeWagerEscrow})
		return err
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if got := env.balance(t, "alice"); got != 100 {
		t.Fatalf("expected alice untouched at 100, got %d", got)
	}
	if got := env.balance(t, "bob"); got != 10 {
		t.Fatalf("expected bob untouched at 10, got %d", got)
	}
	env.assertReconciled(t)
}

func TestLedgerRejectsNonPositiveAmounts(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", 10)

	for _, amount := range []int64{0, -5} {
		err := env.db.Transaction(func(tx *gorm.DB) error {
			_, err := env.ledger.Credit(tx, "alice", amount, TxMeta{Type: models.TxTypeDeposit})
			return err
		})
		if !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("credit %d: expected ErrInvalidAmount, got %v", amount, err)
		}
		err = env.db.Transaction(func(tx *gorm.DB) error {
			_, err := env.ledger.Debit(tx, "alice", amount, TxMeta{Type: models.TxTypeWithdrawal})
			return err
		})
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("debit %d: expected validation error, got %v", amount, err)
		}
	}
	if got := env.balance(t, "alice"); got != 10 {
		t.Fatalf("expected balance 10, got %d", got)
	}
}

func TestLedgerDebitUnknownAccount(t *testing.T) {
	env := newTestEnv(t)
	err := env.db.Transaction(func(tx *gorm.DB) error {
		_, err := env.ledger.Debit(tx, "ghost", 1, TxMeta{Type: models.TxTypeWithdrawal})
		return err
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := env.ledger.Balance(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound from Balance, got %v", err)
	}
}

func TestLedgerHistoryPaging(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 5; i++ {
		env.fund(t, "alice", int64(i+1))
		env.clock.Advance(time.Second)
	}

	page, err := env.ledger.History(context.Background(), "alice", 1, 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if page.TotalItems != 5 || page.TotalPages != 3 {
		t.Fatalf("expected 5 items over 3 pages, got %d over %d", page.TotalItems, page.TotalPages)
	}
	if len(page.Entries) != 2 || page.Entries[0].Delta != 5 || page.Entries[1].Delta != 4 {
		t.Fatalf("expected newest entries first, got %+v", page.Entries)
	}

	last, err := env.ledger.History(context.Background(), "alice", 3, 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(last.Entries) != 1 || last.Entries[0].Delta != 1 {
		t.Fatalf("expected the oldest entry on the last page, got %+v", last.Entries)
	}

	defaults, err := env.ledger.History(context.Background(), "alice", 0, 1000)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if defaults.Page != 1 || defaults.Size != 20 {
		t.Fatalf("expected page 1 size 20 defaults, got page %d size %d", defaults.Page, defaults.Size)
	}
}

func TestLedgerAdjustAndWithdraw(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", 50)
	ctx := context.Background()

	if bal, err := env.ledger.Adjust(ctx, "alice", 25, "admin-1", "goodwill"); err != nil || bal != 75 {
		t.Fatalf("expected 75 after adjust, got %d (%v)", bal, err)
	}
	if bal, err := env.ledger.Adjust(ctx, "alice", -15, "admin-1", "chargeback"); err != nil || bal != 60 {
		t.Fatalf("expected 60 after negative adjust, got %d (%v)", bal, err)
	}
	if _, err := env.ledger.Adjust(ctx, "alice", 0, "admin-1", "noop"); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for zero delta, got %v", err)
	}
	if _, err := env.ledger.Adjust(ctx, "alice", -1000, "admin-1", "too much"); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	if _, err := env.ledger.Withdraw(ctx, "alice", 10, "", "missing payout"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error without payout id, got %v", err)
	}
	if bal, err := env.ledger.Withdraw(ctx, "alice", 10, "payout-9", "cash out"); err != nil || bal != 50 {
		t.Fatalf("expected 50 after withdrawal, got %d (%v)", bal, err)
	}

	var w models.LedgerEntry
	if err := env.db.Where("account_id = ? AND type = ?", "alice", models.TxTypeWithdrawal).First(&w).Error; err != nil {
		t.Fatalf("load withdrawal entry: %v", err)
	}
	if w.RefID != "payout-9" || w.Delta != -10 {
		t.Fatalf("unexpected withdrawal entry: %+v", w)
	}
	env.assertReconciled(t)
}

func TestLedgerLockAccountsReportsMissing(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", 1)
	err := env.db.Transaction(func(tx *gorm.DB) error {
		locked, err := env.ledger.LockAccounts(tx, "alice", "alice")
		if err != nil {
			return err
		}
		if len(locked) != 1 {
			t.Fatalf("expected duplicates collapsed to 1 account, got %d", len(locked))
		}
		_, err = env.ledger.LockAccounts(tx, "alice", "nobody")
		return err
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
