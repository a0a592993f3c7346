// services/ledger.go
package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"gem-duel-system/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TxMeta describes why a balance moves. Every Credit/Debit writes exactly one
// ledger entry carrying it.
type TxMeta struct {
	Type   models.LedgerTxType
	RefID  string
	Reason string
	Note   string
}

// Ledger owns account balances and the append-only entry log. It never opens
// a transaction inside Credit/Debit: the caller's transaction is the unit of
// atomicity, so settlement can compose several calls all-or-nothing.
type Ledger struct {
	DB  *gorm.DB
	Now func() time.Time
}

func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{DB: db, Now: utcNow}
}

func utcNow() time.Time { return time.Now().UTC() }

// EnsureAccount creates the account row if it does not exist yet (idempotent).
func (l *Ledger) EnsureAccount(tx *gorm.DB, accountID, username string) error {
	if accountID == "" {
		return validationf("account id is required")
	}
	acct := models.Account{ID: accountID, Username: username}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&acct).Error
}

// lockAccount reads the account row under an exclusive row lock.
func (l *Ledger) lockAccount(tx *gorm.DB, accountID string) (*models.Account, error) {
	var acct models.Account
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", accountID).
		First(&acct).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("account", accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("lock account %s: %w", accountID, err)
	}
	return &acct, nil
}

// LockAccounts locks every distinct account in sorted id order, so two
// settlements touching the same pair can never deadlock.
func (l *Ledger) LockAccounts(tx *gorm.DB, accountIDs ...string) (map[string]*models.Account, error) {
	ids := make([]string, 0, len(accountIDs))
	seen := make(map[string]bool, len(accountIDs))
	for _, id := range accountIDs {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	locked := make(map[string]*models.Account, len(ids))
	for _, id := range ids {
		acct, err := l.lockAccount(tx, id)
		if err != nil {
			return nil, err
		}
		locked[id] = acct
	}
	return locked, nil
}

// Credit increases the balance and appends one entry. The account is created
// on first credit (deposits may land before the profile sync does).
func (l *Ledger) Credit(tx *gorm.DB, accountID string, amount int64, meta TxMeta) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	if err := l.EnsureAccount(tx, accountID, ""); err != nil {
		return 0, fmt.Errorf("ensure account %s: %w", accountID, err)
	}
	acct, err := l.lockAccount(tx, accountID)
	if err != nil {
		return 0, err
	}
	return l.apply(tx, acct, amount, meta)
}

// Debit locks the row, checks balance >= amount, decrements and appends an
// entry with a negative delta. On ErrInsufficientFunds the caller must roll
// back its whole transaction.
func (l *Ledger) Debit(tx *gorm.DB, accountID string, amount int64, meta TxMeta) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	acct, err := l.lockAccount(tx, accountID)
	if err != nil {
		return 0, err
	}
	if acct.Balance < amount {
		return 0, fmt.Errorf("%w: account %s has %d, needs %d", ErrInsufficientFunds, accountID, acct.Balance, amount)
	}
	return l.apply(tx, acct, -amount, meta)
}

func (l *Ledger) apply(tx *gorm.DB, acct *models.Account, delta int64, meta TxMeta) (int64, error) {
	newBalance := acct.Balance + delta
	if newBalance < 0 {
		return 0, fmt.Errorf("%w: account %s", ErrInsufficientFunds, acct.ID)
	}
	if err := tx.Model(&models.Account{}).
		Where("id = ?", acct.ID).
		Update("balance", newBalance).Error; err != nil {
		return 0, fmt.Errorf("update balance %s: %w", acct.ID, err)
	}
	entry := models.LedgerEntry{
		ID:           uuid.NewString(),
		AccountID:    acct.ID,
		Delta:        delta,
		BalanceAfter: newBalance,
		Type:         meta.Type,
		RefID:        meta.RefID,
		Reason:       meta.Reason,
		Note:         meta.Note,
		CreatedAt:    l.Now(),
	}
	if err := tx.Create(&entry).Error; err != nil {
		return 0, fmt.Errorf("append ledger entry %s: %w", acct.ID, err)
	}
	acct.Balance = newBalance
	return newBalance, nil
}

// Balance is a plain read; never use it to decide a mutation.
func (l *Ledger) Balance(ctx context.Context, accountID string) (int64, error) {
	var acct models.Account
	err := l.DB.WithContext(ctx).Select("balance").Where("id = ?", accountID).First(&acct).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, notFound("account", accountID)
	}
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

// HistoryPage is one page of an account's ledger, newest first.
type HistoryPage struct {
	Entries    []models.LedgerEntry `json:"entries"`
	Page       int                  `json:"page"`
	Size       int                  `json:"size"`
	TotalItems int64                `json:"total_items"`
	TotalPages int                  `json:"total_pages"`
}

func (l *Ledger) History(ctx context.Context, accountID string, page, size int) (*HistoryPage, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	db := l.DB.WithContext(ctx)
	var total int64
	if err := db.Model(&models.LedgerEntry{}).Where("account_id = ?", accountID).Count(&total).Error; err != nil {
		return nil, err
	}
	var entries []models.LedgerEntry
	if err := db.Where("account_id = ?", accountID).
		Order("created_at DESC").Order("id DESC").
		Limit(size).Offset(offset).
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return &HistoryPage{
		Entries:    entries,
		Page:       page,
		Size:       size,
		TotalItems: total,
		TotalPages: int((total + int64(size) - 1) / int64(size)),
	}, nil
}

// Reconcile returns the stored balance and the sum of the account's entries.
// They must always be equal.
func (l *Ledger) Reconcile(ctx context.Context, accountID string) (balance, sum int64, err error) {
	balance, err = l.Balance(ctx, accountID)
	if err != nil {
		return 0, 0, err
	}
	err = l.DB.WithContext(ctx).Model(&models.LedgerEntry{}).
		Where("account_id = ?", accountID).
		Select("COALESCE(SUM(delta), 0)").
		Scan(&sum).Error
	return balance, sum, err
}

// Adjust is the admin path for manual balance corrections. It still goes
// through Credit/Debit; there are no direct balance writes.
func (l *Ledger) Adjust(ctx context.Context, accountID string, delta int64, adminID, note string) (int64, error) {
	if delta == 0 {
		return 0, ErrInvalidAmount
	}
	meta := TxMeta{Type: models.TxTypeAdminAdjustment, RefID: adminID, Note: note}
	var newBalance int64
	err := l.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if delta > 0 {
			newBalance, err = l.Credit(tx, accountID, delta, meta)
		} else {
			newBalance, err = l.Debit(tx, accountID, -delta, meta)
		}
		return err
	})
	return newBalance, err
}

// Withdraw debits gems for a payout that was settled outside the core.
func (l *Ledger) Withdraw(ctx context.Context, accountID string, amount int64, payoutID, note string) (int64, error) {
	if payoutID == "" {
		return 0, validationf("payout id is required")
	}
	var newBalance int64
	err := l.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		newBalance, err = l.Debit(tx, accountID, amount, TxMeta{
			Type:  models.TxTypeWithdrawal,
			RefID: payoutID,
			Note:  note,
		})
		return err
	})
	return newBalance, err
}
