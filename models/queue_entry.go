// models/queue_entry.go
package models

import (
	"time"

	"gorm.io/datatypes"
)

// QueueEntry is a player waiting for matchmaking. At most one per user.
type QueueEntry struct {
	ID          string         `gorm:"primaryKey;type:varchar(36)" json:"id"`
	UserID      string         `gorm:"uniqueIndex;not null;type:varchar(64)" json:"user_id"`
	Region      string         `gorm:"type:varchar(32);not null;index:idx_queue_bucket" json:"region"`
	Wager       int64          `gorm:"not null;index:idx_queue_bucket;check:wager > 0" json:"wager"`
	Preferences datatypes.JSON `gorm:"type:jsonb" json:"preferences,omitempty"`
	CreatedAt   time.Time      `gorm:"index" json:"created_at"`
}
