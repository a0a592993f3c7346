// models/server_slot.go
package models

import "time"

// ServerSlot is one game server instance. It is live only while
// LastHeartbeat is within the liveness window.
type ServerSlot struct {
	ServerID      string    `gorm:"primaryKey;type:varchar(64)" json:"server_id"`
	Region        string    `gorm:"type:varchar(32);not null;index" json:"region"`
	Address       string    `gorm:"type:varchar(128)" json:"address,omitempty"` // host:port handed to players
	PlayerCount   int       `gorm:"not null;default:0" json:"player_count"`
	Capacity      int       `gorm:"not null;check:capacity > 0" json:"capacity"`
	LastHeartbeat time.Time `gorm:"not null;index" json:"last_heartbeat"`
	CreatedAt     time.Time `json:"created_at"`
}
