package models

import "gorm.io/gorm"

// AutoMigrate creates or updates every table owned by the duel core.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Account{},
		&LedgerEntry{},
		&Duel{},
		&DuelEvent{},
		&Dispute{},
		&QueueEntry{},
		&Deposit{},
		&DepositAddress{},
		&ServerSlot{},
		&Notification{},
	)
}
