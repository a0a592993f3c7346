// services/allocator.go
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gem-duel-system/logger"
	"gem-duel-system/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MatchSize is the number of players a duel adds to a server.
const MatchSize = 2

type Allocator struct {
	DB       *gorm.DB
	Liveness time.Duration
	Now      func() time.Time

	// CrashSweep voids started duels on a dead server. Wired to DuelService.
	CrashSweep func(ctx context.Context, serverID string) (int, error)
}

func NewAllocator(db *gorm.DB, liveness time.Duration) *Allocator {
	return &Allocator{DB: db, Liveness: liveness, Now: utcNow}
}

// normalizeRegion is the single canonical form for region names; servers,
// challenges and queue entries all compare on it.
func normalizeRegion(region string) string {
	return strings.ToLower(strings.TrimSpace(region))
}

func (a *Allocator) liveSince() time.Time {
	return a.Now().Add(-a.Liveness)
}

// FindAvailable picks the least loaded live server with free capacity in the
// region and locks its row for the caller's transaction.
func (a *Allocator) FindAvailable(tx *gorm.DB, region string) (*models.ServerSlot, error) {
	region = normalizeRegion(region)
	var slot models.ServerSlot
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("region = ? AND last_heartbeat >= ? AND player_count < capacity", region, a.liveSince()).
		Order("player_count ASC").Order("server_id ASC").
		First(&slot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoServerAvailable, region)
	}
	if err != nil {
		return nil, fmt.Errorf("find server in %s: %w", region, err)
	}
	return &slot, nil
}

// Claim adds n players to a server found by FindAvailable.
func (a *Allocator) Claim(tx *gorm.DB, serverID string, n int) error {
	res := tx.Model(&models.ServerSlot{}).
		Where("server_id = ? AND player_count + ? <= capacity", serverID, n).
		Update("player_count", gorm.Expr("player_count + ?", n))
	if res.Error != nil {
		return fmt.Errorf("claim server %s: %w", serverID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: server %s is full", ErrNoServerAvailable, serverID)
	}
	return nil
}

// Release returns n players to a server. Never drops below zero.
func (a *Allocator) Release(tx *gorm.DB, serverID string, n int) error {
	return tx.Model(&models.ServerSlot{}).
		Where("server_id = ?", serverID).
		Update("player_count", gorm.Expr("CASE WHEN player_count > ? THEN player_count - ? ELSE 0 END", n, n)).
		Error
}

// HeartbeatRequest is what a game server reports on every tick.
type HeartbeatRequest struct {
	ServerID    string `json:"server_id"`
	Region      string `json:"region"`
	Address     string `json:"address"`
	Capacity    int    `json:"capacity"`
	PlayerCount *int   `json:"player_count,omitempty"`
}

// Heartbeat registers a server or refreshes its liveness. The player count is
// only overwritten when the server reports one.
func (a *Allocator) Heartbeat(ctx context.Context, req HeartbeatRequest) (*models.ServerSlot, error) {
	req.ServerID = strings.TrimSpace(req.ServerID)
	req.Region = normalizeRegion(req.Region)
	if req.ServerID == "" || req.Region == "" {
		return nil, validationf("server_id and region are required")
	}
	if req.Capacity <= 0 {
		return nil, validationf("capacity must be positive")
	}
	now := a.Now()
	slot := models.ServerSlot{
		ServerID:      req.ServerID,
		Region:        req.Region,
		Address:       req.Address,
		Capacity:      req.Capacity,
		LastHeartbeat: now,
		CreatedAt:     now,
	}
	update := []string{"region", "address", "capacity", "last_heartbeat"}
	if req.PlayerCount != nil {
		if *req.PlayerCount < 0 {
			return nil, validationf("player_count must not be negative")
		}
		slot.PlayerCount = *req.PlayerCount
		update = append(update, "player_count")
	}

	err := a.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "server_id"}},
		DoUpdates: clause.AssignmentColumns(update),
	}).Create(&slot).Error
	if err != nil {
		return nil, fmt.Errorf("heartbeat %s: %w", req.ServerID, err)
	}

	var stored models.ServerSlot
	if err := a.DB.WithContext(ctx).First(&stored, "server_id = ?", req.ServerID).Error; err != nil {
		return nil, err
	}
	return &stored, nil
}

// Reap crash-sweeps every stale server and then removes its slot. A server
// whose sweep fails is kept so the next pass retries it.
func (a *Allocator) Reap(ctx context.Context) (int, error) {
	var stale []models.ServerSlot
	if err := a.DB.WithContext(ctx).
		Where("last_heartbeat < ?", a.liveSince()).
		Find(&stale).Error; err != nil {
		return 0, fmt.Errorf("list stale servers: %w", err)
	}

	reaped := 0
	for _, slot := range stale {
		if a.CrashSweep != nil {
			n, err := a.CrashSweep(ctx, slot.ServerID)
			if err != nil {
				logger.Error("[REAPER] crash sweep failed", zap.String("server_id", slot.ServerID), zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Warn("[REAPER] voided duels on dead server",
					zap.String("server_id", slot.ServerID), zap.Int("duels", n))
			}
		}
		// Re-check staleness so a server that came back mid-sweep survives.
		res := a.DB.WithContext(ctx).
			Where("server_id = ? AND last_heartbeat < ?", slot.ServerID, a.liveSince()).
			Delete(&models.ServerSlot{})
		if res.Error != nil {
			logger.Error("[REAPER] delete slot failed", zap.String("server_id", slot.ServerID), zap.Error(res.Error))
			continue
		}
		if res.RowsAffected > 0 {
			reaped++
		}
	}
	return reaped, nil
}

// ListServers returns all known slots in a region (all regions when empty).
func (a *Allocator) ListServers(ctx context.Context, region string) ([]models.ServerSlot, error) {
	var slots []models.ServerSlot
	q := a.DB.WithContext(ctx).Order("region").Order("server_id")
	if region = normalizeRegion(region); region != "" {
		q = q.Where("region = ?", region)
	}
	if err := q.Find(&slots).Error; err != nil {
		return nil, err
	}
	return slots, nil
}
