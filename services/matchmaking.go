// services/matchmaking.go
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gem-duel-system/logger"
	"gem-duel-system/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MatchmakingService pairs queued players with the same region and wager.
type MatchmakingService struct {
	DB        *gorm.DB
	Ledger    *Ledger
	Allocator *Allocator
	Duels     *DuelService
	Notifier  Notifier
	Now       func() time.Time
}

func NewMatchmakingService(db *gorm.DB, ledger *Ledger, allocator *Allocator, duels *DuelService, notifier Notifier) *MatchmakingService {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &MatchmakingService{
		DB:        db,
		Ledger:    ledger,
		Allocator: allocator,
		Duels:     duels,
		Notifier:  notifier,
		Now:       utcNow,
	}
}

type JoinRequest struct {
	UserID      string          `json:"-"`
	Region      string          `json:"region"`
	Wager       int64           `json:"wager"`
	Preferences json.RawMessage `json:"preferences,omitempty"`
}

// Join enqueues a player. The balance check is advisory; escrow happens when
// a pair is formed.
func (m *MatchmakingService) Join(ctx context.Context, req JoinRequest) (*models.QueueEntry, error) {
	req.Region = normalizeRegion(req.Region)
	switch {
	case req.UserID == "":
		return nil, validationf("user is required")
	case req.Region == "":
		return nil, validationf("region is required")
	case req.Wager <= 0:
		return nil, ErrInvalidAmount
	}
	if len(req.Preferences) > 0 && !json.Valid(req.Preferences) {
		return nil, validationf("preferences must be valid JSON")
	}

	db := m.DB.WithContext(ctx)
	var acct models.Account
	err := db.Where("id = ?", req.UserID).First(&acct).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: no balance", ErrInsufficientFunds)
	}
	if err != nil {
		return nil, err
	}
	if acct.IsBanned {
		return nil, fmt.Errorf("%w: account is banned", ErrForbidden)
	}
	if acct.Balance < req.Wager {
		return nil, fmt.Errorf("%w: balance %d, wager %d", ErrInsufficientFunds, acct.Balance, req.Wager)
	}

	var existing int64
	if err := db.Model(&models.QueueEntry{}).Where("user_id = ?", req.UserID).Count(&existing).Error; err != nil {
		return nil, err
	}
	if existing > 0 {
		return nil, ErrAlreadyQueued
	}

	entry := models.QueueEntry{
		ID:          uuid.NewString(),
		UserID:      req.UserID,
		Region:      req.Region,
		Wager:       req.Wager,
		Preferences: datatypes.JSON(req.Preferences),
		CreatedAt:   m.Now(),
	}
	if err := db.Create(&entry).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrAlreadyQueued
		}
		return nil, fmt.Errorf("enqueue %s: %w", req.UserID, err)
	}
	logger.Info("[MATCHMAKING] joined",
		zap.String("user_id", entry.UserID),
		zap.String("region", entry.Region),
		zap.Int64("wager", entry.Wager))
	return &entry, nil
}

func (m *MatchmakingService) Leave(ctx context.Context, userID string) error {
	res := m.DB.WithContext(ctx).Where("user_id = ?", userID).Delete(&models.QueueEntry{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return notFound("queue entry for user", userID)
	}
	return nil
}

// QueueStatus is a player's position within their bucket.
type QueueStatus struct {
	Entry    models.QueueEntry `json:"entry"`
	Position int64             `json:"position"` // 1-based
	Waiting  int64             `json:"waiting"`  // entries in the same bucket
}

func (m *MatchmakingService) Status(ctx context.Context, userID string) (*QueueStatus, error) {
	db := m.DB.WithContext(ctx)
	var entry models.QueueEntry
	err := db.Where("user_id = ?", userID).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("queue entry for user", userID)
	}
	if err != nil {
		return nil, err
	}
	bucket := db.Model(&models.QueueEntry{}).Where("region = ? AND wager = ?", entry.Region, entry.Wager)
	var ahead, waiting int64
	if err := bucket.Session(&gorm.Session{}).Where("created_at < ?", entry.CreatedAt).Count(&ahead).Error; err != nil {
		return nil, err
	}
	if err := bucket.Session(&gorm.Session{}).Count(&waiting).Error; err != nil {
		return nil, err
	}
	return &QueueStatus{Entry: entry, Position: ahead + 1, Waiting: waiting}, nil
}

// BucketKey identifies entries that may be paired with each other.
type BucketKey struct {
	Region string
	Wager  int64
}

// Pair is two queue entries from one bucket, older entry first.
type Pair struct {
	First       models.QueueEntry
	Second      models.QueueEntry
	MatchNumber int
}

// BucketEntries groups entries by exact (region, wager), keeping arrival order
// inside each bucket and the order in which buckets first appear.
func BucketEntries(entries []models.QueueEntry) ([]BucketKey, map[BucketKey][]models.QueueEntry) {
	var order []BucketKey
	buckets := make(map[BucketKey][]models.QueueEntry)
	for _, e := range entries {
		k := BucketKey{Region: e.Region, Wager: e.Wager}
		if _, ok := buckets[k]; !ok {
			order = append(order, k)
		}
		buckets[k] = append(buckets[k], e)
	}
	return order, buckets
}

// PairEntries pairs adjacent entries; an odd leftover stays queued.
func PairEntries(entries []models.QueueEntry) []Pair {
	var pairs []Pair
	n := len(entries)
	for i := 0; i+1 < n; i += 2 {
		pairs = append(pairs, Pair{
			First:       entries[i],
			Second:      entries[i+1],
			MatchNumber: i/2 + 1,
		})
	}
	return pairs
}

// fundsError names the players whose balance could not cover the wager.
type fundsError struct {
	UserIDs []string
}

func (e *fundsError) Error() string {
	return fmt.Sprintf("insufficient funds for %s", strings.Join(e.UserIDs, ", "))
}

func (e *fundsError) Unwrap() error { return ErrInsufficientFunds }

var errPairStale = errors.New("queue entry no longer present")

// PassResult summarizes one matchmaking pass.
type PassResult struct {
	Queued  int `json:"queued"`
	Matched int `json:"matched"`
	Skipped int `json:"skipped"`
	Removed int `json:"removed"`
}

// RunPass pairs everything currently queued. A bucket with no server left is
// skipped for the rest of the pass; other buckets still run.
func (m *MatchmakingService) RunPass(ctx context.Context) (PassResult, error) {
	var result PassResult
	var entries []models.QueueEntry
	if err := m.DB.WithContext(ctx).Order("created_at ASC").Order("id ASC").Find(&entries).Error; err != nil {
		return result, fmt.Errorf("load queue: %w", err)
	}
	result.Queued = len(entries)
	order, buckets := BucketEntries(entries)

	for _, key := range order {
		for _, pair := range PairEntries(buckets[key]) {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			duel, slot, err := m.matchPair(ctx, pair)
			var funds *fundsError
			switch {
			case err == nil:
				result.Matched++
				m.notifyMatched(ctx, duel, slot)
				continue
			case errors.Is(err, ErrNoServerAvailable):
				logger.Warn("[MATCHMAKING] no server for bucket, skipping",
					zap.String("region", key.Region), zap.Int64("wager", key.Wager))
				result.Skipped++
			case errors.As(err, &funds):
				result.Skipped++
				result.Removed += m.evict(ctx, funds.UserIDs, key)
				continue
			case errors.Is(err, errPairStale):
				result.Skipped++
				continue
			default:
				logger.Error("[MATCHMAKING] pairing failed",
					zap.String("first", pair.First.UserID),
					zap.String("second", pair.Second.UserID),
					zap.Error(err))
				result.Skipped++
				continue
			}
			break
		}
	}
	if result.Matched > 0 {
		logger.Info("[MATCHMAKING] pass complete",
			zap.Int("queued", result.Queued),
			zap.Int("matched", result.Matched),
			zap.Int("skipped", result.Skipped))
	}
	return result, nil
}

// matchPair turns one pair into a started duel in a single transaction.
func (m *MatchmakingService) matchPair(ctx context.Context, pair Pair) (*models.Duel, *models.ServerSlot, error) {
	var duel models.Duel
	var slot *models.ServerSlot
	err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var locked []models.QueueEntry
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id IN ?", []string{pair.First.ID, pair.Second.ID}).
			Find(&locked).Error; err != nil {
			return err
		}
		if len(locked) != 2 {
			return errPairStale
		}

		var err error
		slot, err = m.Allocator.FindAvailable(tx, pair.First.Region)
		if err != nil {
			return err
		}

		accounts, err := m.Ledger.LockAccounts(tx, pair.First.UserID, pair.Second.UserID)
		if err != nil {
			return err
		}
		var broke []string
		for _, id := range []string{pair.First.UserID, pair.Second.UserID} {
			if a := accounts[id]; a.Balance < pair.First.Wager || a.IsBanned {
				broke = append(broke, id)
			}
		}
		if len(broke) > 0 {
			return &fundsError{UserIDs: broke}
		}

		now := m.Now()
		pot, tax := ComputePot(pair.First.Wager, m.Duels.Cfg.TaxRate)
		duel = models.Duel{
			ID:                  uuid.NewString(),
			ChallengerID:        pair.First.UserID,
			OpponentID:          pair.Second.UserID,
			Wager:               pair.First.Wager,
			Pot:                 pot,
			Tax:                 tax,
			Status:              models.DuelStarted,
			Region:              pair.First.Region,
			Source:              models.DuelSourceMatchmaking,
			Rules:               pair.First.Preferences,
			ServerID:            &slot.ServerID,
			ExpirationOffsetSec: int(m.Duels.Offset() / time.Second),
			CreatedAt:           now,
			UpdatedAt:           now,
			AcceptedAt:          &now,
			StartedAt:           &now,
		}

		meta := TxMeta{Type: models.TxTypeWagerEscrow, RefID: duel.ID}
		for _, id := range []string{duel.ChallengerID, duel.OpponentID} {
			if _, err := m.Ledger.Debit(tx, id, duel.Wager, meta); err != nil {
				return err
			}
		}
		if err := tx.Create(&duel).Error; err != nil {
			return fmt.Errorf("create matched duel: %w", err)
		}
		if err := tx.Where("id IN ?", []string{pair.First.ID, pair.Second.ID}).
			Delete(&models.QueueEntry{}).Error; err != nil {
			return err
		}
		return m.Allocator.Claim(tx, slot.ServerID, MatchSize)
	})
	if err != nil {
		return nil, nil, err
	}
	return &duel, slot, nil
}

// evict drops players who can no longer fund their queued wager.
func (m *MatchmakingService) evict(ctx context.Context, userIDs []string, key BucketKey) int {
	res := m.DB.WithContext(ctx).
		Where("user_id IN ? AND region = ? AND wager = ?", userIDs, key.Region, key.Wager).
		Delete(&models.QueueEntry{})
	if res.Error != nil {
		logger.Error("[MATCHMAKING] evict failed", zap.Strings("user_ids", userIDs), zap.Error(res.Error))
		return 0
	}
	for _, id := range userIDs {
		m.Notifier.Notify(ctx, Notice{
			UserID:  id,
			Kind:    models.NotifyQueueRemoved,
			Message: fmt.Sprintf("Removed from the %s queue: balance below %s", key.Region, FormatGems(key.Wager)),
		})
	}
	return int(res.RowsAffected)
}

func (m *MatchmakingService) notifyMatched(ctx context.Context, duel *models.Duel, slot *models.ServerSlot) {
	payload := map[string]any{
		"duel":           duel,
		"server_id":      slot.ServerID,
		"server_address": slot.Address,
	}
	for _, id := range []string{duel.ChallengerID, duel.OpponentID} {
		m.Notifier.Notify(ctx, Notice{
			UserID:  id,
			Kind:    models.NotifyMatchFound,
			RefID:   duel.ID,
			Message: fmt.Sprintf("Match found vs %s for %s", duel.OtherParticipant(id), FormatGems(duel.Wager)),
			Payload: payload,
		})
	}
}
