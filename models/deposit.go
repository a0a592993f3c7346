// models/deposit.go
package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type DepositStatus string

const (
	DepositPending  DepositStatus = "pending"
	DepositCredited DepositStatus = "credited"
	DepositFailed   DepositStatus = "failed"
)

// Deposit is an on-chain transfer observed for a user's deposit address.
// (tx_hash, network) is the idempotency key.
type Deposit struct {
	ID                    string          `gorm:"primaryKey;type:varchar(36)" json:"id"`
	UserID                string          `gorm:"index;not null;type:varchar(64)" json:"user_id"`
	TxHash                string          `gorm:"type:varchar(128);not null;uniqueIndex:idx_deposit_tx_network" json:"tx_hash"`
	Network               string          `gorm:"type:varchar(32);not null;uniqueIndex:idx_deposit_tx_network" json:"network"`
	TokenType             string          `gorm:"type:varchar(16);not null" json:"token_type"`
	ToAddress             string          `gorm:"type:varchar(128);not null;index" json:"to_address"`
	AmountCrypto          decimal.Decimal `gorm:"type:numeric(38,18);not null" json:"amount_crypto"`
	UsdValue              decimal.Decimal `gorm:"type:numeric(20,6);not null;default:0" json:"usd_value"`
	GemAmount             int64           `gorm:"not null;default:0" json:"gem_amount"`
	Status                DepositStatus   `gorm:"type:varchar(16);not null;index" json:"status"`
	ConfirmationsRequired int             `gorm:"not null" json:"confirmations_required"`
	BlockNumber           *uint64         `json:"block_number,omitempty"`
	FailureReason         string          `gorm:"type:varchar(64)" json:"failure_reason,omitempty"`
	CreditedAt            *time.Time      `json:"credited_at,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// DepositAddress mirrors wallet-service deposit addresses. It is the
// monitored-address set the reconciler resolves owners against.
// Table name: deposit_addresses
type DepositAddress struct {
	ID                 string    `gorm:"primaryKey;type:varchar(36);not null" json:"id"`
	UserID             string    `gorm:"type:varchar(64);not null;index" json:"user_id"`
	Chain              string    `gorm:"type:varchar(64);not null;index" json:"chain"`
	Token              string    `gorm:"type:varchar(64);not null" json:"token"`
	Address            string    `gorm:"type:varchar(128);not null;uniqueIndex" json:"address"` // stored lowercase
	IsActive           bool      `gorm:"not null" json:"is_active"`
	LastBalanceCheckAt time.Time `json:"last_balance_check_at"`
	CreatedAt          time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt          time.Time `gorm:"not null" json:"updated_at"`

	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}
