// models/notification.go
package models

import (
	"time"

	"gorm.io/datatypes"
)

type NotificationKind string

const (
	NotifyDuelChanged     NotificationKind = "duel_changed"
	NotifyMatchFound      NotificationKind = "match_found"
	NotifyDepositCredited NotificationKind = "deposit_credited"
	NotifyQueueRemoved    NotificationKind = "queue_removed"
)

// Notification is a best-effort signal for a user; streamed over SSE.
type Notification struct {
	ID        string           `gorm:"primaryKey;type:varchar(36)" json:"id"`
	UserID    string           `gorm:"index;not null;type:varchar(64)" json:"user_id"`
	Kind      NotificationKind `gorm:"type:varchar(32);not null" json:"kind"`
	Message   string           `gorm:"type:text" json:"message"`
	RefID     string           `gorm:"type:varchar(64)" json:"ref_id,omitempty"`
	Payload   datatypes.JSON   `gorm:"type:jsonb" json:"payload,omitempty"`
	Viewed    bool             `gorm:"default:false;index" json:"viewed"`
	CreatedAt time.Time        `gorm:"index" json:"created_at"`
}
