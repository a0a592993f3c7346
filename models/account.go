// models/account.go
package models

import "time"

// Account is a gem wallet. Balance is only ever written by the ledger.
type Account struct {
	ID        string    `gorm:"primaryKey;type:varchar(64)" json:"id"` // external user id from the gateway
	Username  string    `gorm:"index" json:"username"`
	Balance   int64     `gorm:"not null;default:0;check:balance >= 0" json:"balance"`
	Wins      int64     `gorm:"not null;default:0" json:"wins"`
	Losses    int64     `gorm:"not null;default:0" json:"losses"`
	IsBanned  bool      `gorm:"default:false" json:"is_banned"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// LedgerTxType classifies every balance mutation.
type LedgerTxType string

const (
	TxTypeDeposit         LedgerTxType = "deposit"
	TxTypeWagerEscrow     LedgerTxType = "wager_escrow"
	TxTypeWagerPayout     LedgerTxType = "wager_payout"
	TxTypeRefund          LedgerTxType = "refund"
	TxTypeAdminAdjustment LedgerTxType = "admin_adjustment"
	TxTypeWithdrawal      LedgerTxType = "withdrawal"
	TxTypeTax             LedgerTxType = "tax"
)

// LedgerEntry is append-only: created once per balance mutation, never updated.
type LedgerEntry struct {
	ID           string       `gorm:"primaryKey;type:varchar(36)" json:"id"`
	AccountID    string       `gorm:"index;not null;type:varchar(64)" json:"account_id"`
	Delta        int64        `gorm:"not null" json:"delta"`
	BalanceAfter int64        `gorm:"not null" json:"balance_after"`
	Type         LedgerTxType `gorm:"type:varchar(32);not null;index" json:"type"`
	RefID        string       `gorm:"type:varchar(64);index" json:"ref_id,omitempty"` // duel / deposit / payout id
	Reason       string       `gorm:"type:varchar(64)" json:"reason,omitempty"`       // e.g. "crash_refund", "dispute_void"
	Note         string       `gorm:"size:255" json:"note,omitempty"`
	CreatedAt    time.Time    `gorm:"index" json:"created_at"`
}
