// services/duel_service.go
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"gem-duel-system/logger"
	"gem-duel-system/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DuelConfig holds the economic and timing knobs of the duel lifecycle.
type DuelConfig struct {
	TaxRate        decimal.Decimal
	HouseAccountID string
	PendingExpiry  time.Duration
	AcceptedExpiry time.Duration
	ForfeitWindow  time.Duration
	ForfeitJitter  time.Duration
	AckWindow      time.Duration
}

// DuelService owns every duel transition. Each settlement-bearing operation
// runs as one transaction holding the duel row and both account rows.
type DuelService struct {
	DB        *gorm.DB
	Ledger    *Ledger
	Allocator *Allocator
	Notifier  Notifier
	Cfg       DuelConfig
	Now       func() time.Time

	// Offset returns the random shift applied to a started duel's forfeit deadline.
	Offset func() time.Duration
}

func NewDuelService(db *gorm.DB, ledger *Ledger, allocator *Allocator, notifier Notifier, cfg DuelConfig) *DuelService {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	s := &DuelService{
		DB:        db,
		Ledger:    ledger,
		Allocator: allocator,
		Notifier:  notifier,
		Cfg:       cfg,
		Now:       utcNow,
	}
	s.Offset = s.randomOffset
	return s
}

func (s *DuelService) randomOffset() time.Duration {
	j := s.Cfg.ForfeitJitter
	if j <= 0 {
		return 0
	}
	return rand.N(2*j+1) - j
}

// ChallengeRequest is a direct challenge from one player to another.
type ChallengeRequest struct {
	ChallengerID string          `json:"-"`
	OpponentID   string          `json:"opponent_id"`
	Wager        int64           `json:"wager"`
	Region       string          `json:"region"`
	Rules        json.RawMessage `json:"rules,omitempty"`
}

func (r *ChallengeRequest) validate() error {
	r.OpponentID = strings.TrimSpace(r.OpponentID)
	r.Region = normalizeRegion(r.Region)
	switch {
	case r.ChallengerID == "":
		return validationf("challenger is required")
	case r.OpponentID == "":
		return validationf("opponent_id is required")
	case r.ChallengerID == r.OpponentID:
		return validationf("cannot challenge yourself")
	case r.Wager <= 0:
		return ErrInvalidAmount
	case r.Region == "":
		return validationf("region is required")
	}
	if len(r.Rules) > 0 && !json.Valid(r.Rules) {
		return validationf("rules must be valid JSON")
	}
	return nil
}

// CreateChallenge inserts a pending duel. The balance check here is a read;
// funds are only reserved on Accept.
func (s *DuelService) CreateChallenge(ctx context.Context, req ChallengeRequest) (*models.Duel, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	db := s.DB.WithContext(ctx)

	var challenger models.Account
	err := db.Where("id = ?", req.ChallengerID).First(&challenger).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: no balance", ErrInsufficientFunds)
	}
	if err != nil {
		return nil, err
	}
	if challenger.IsBanned {
		return nil, fmt.Errorf("%w: account is banned", ErrForbidden)
	}
	if challenger.Balance < req.Wager {
		return nil, fmt.Errorf("%w: balance %d, wager %d", ErrInsufficientFunds, challenger.Balance, req.Wager)
	}

	var dup int64
	if err := db.Model(&models.Duel{}).
		Where("status = ?", models.DuelPending).
		Where("(challenger_id = ? AND opponent_id = ?) OR (challenger_id = ? AND opponent_id = ?)",
			req.ChallengerID, req.OpponentID, req.OpponentID, req.ChallengerID).
		Count(&dup).Error; err != nil {
		return nil, err
	}
	if dup > 0 {
		return nil, ErrDuplicatePendingChallenge
	}

	now := s.Now()
	duel := models.Duel{
		ID:           uuid.NewString(),
		ChallengerID: req.ChallengerID,
		OpponentID:   req.OpponentID,
		Wager:        req.Wager,
		Status:       models.DuelPending,
		Region:       req.Region,
		Source:       models.DuelSourceChallenge,
		Rules:        datatypes.JSON(req.Rules),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := db.Create(&duel).Error; err != nil {
		return nil, fmt.Errorf("create duel: %w", err)
	}

	s.Notifier.Notify(ctx, Notice{
		UserID:  duel.OpponentID,
		Kind:    models.NotifyDuelChanged,
		RefID:   duel.ID,
		Message: fmt.Sprintf("You were challenged to a duel for %s", FormatGems(duel.Wager)),
		Payload: duel,
	})
	return &duel, nil
}

// lockDuel loads the duel under a row lock.
func (s *DuelService) lockDuel(tx *gorm.DB, duelID string) (*models.Duel, error) {
	var duel models.Duel
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", duelID).First(&duel).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("duel", duelID)
	}
	if err != nil {
		return nil, fmt.Errorf("lock duel %s: %w", duelID, err)
	}
	return &duel, nil
}

// mutate runs fn on the locked duel in one transaction and returns the
// committed row.
func (s *DuelService) mutate(ctx context.Context, duelID string, fn func(tx *gorm.DB, duel *models.Duel) error) (*models.Duel, error) {
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		duel, err := s.lockDuel(tx, duelID)
		if err != nil {
			return err
		}
		return fn(tx, duel)
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, duelID)
}

func (s *DuelService) Get(ctx context.Context, duelID string) (*models.Duel, error) {
	var duel models.Duel
	err := s.DB.WithContext(ctx).Where("id = ?", duelID).First(&duel).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("duel", duelID)
	}
	return &duel, err
}

// GetForUser returns the duel only when userID takes part in it.
func (s *DuelService) GetForUser(ctx context.Context, duelID, userID string) (*models.Duel, error) {
	duel, err := s.Get(ctx, duelID)
	if err != nil {
		return nil, err
	}
	if !duel.IsParticipant(userID) {
		return nil, notFound("duel", duelID)
	}
	return duel, nil
}

// ListForUser returns a user's duels, newest first, optionally by status.
func (s *DuelService) ListForUser(ctx context.Context, userID string, status models.DuelStatus, page, size int) ([]models.Duel, int64, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 100 {
		size = 20
	}
	q := s.DB.WithContext(ctx).Model(&models.Duel{}).
		Where("challenger_id = ? OR opponent_id = ?", userID, userID)
	if status != "" {
		if !status.Valid() {
			return nil, 0, validationf("unknown status %q", status)
		}
		q = q.Where("status = ?", status)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var duels []models.Duel
	err := q.Order("created_at DESC").Limit(size).Offset((page - 1) * size).Find(&duels).Error
	return duels, total, err
}

// Accept escrows both wagers and fixes pot and tax.
func (s *DuelService) Accept(ctx context.Context, duelID, userID string) (*models.Duel, error) {
	duel, err := s.mutate(ctx, duelID, func(tx *gorm.DB, duel *models.Duel) error {
		if duel.OpponentID != userID {
			return fmt.Errorf("%w: only the challenged player can accept", ErrForbidden)
		}
		if !duel.Status.CanTransitionTo(models.DuelAccepted) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, duel.Status, models.DuelAccepted)
		}
		if err := s.escrow(tx, duel); err != nil {
			return err
		}
		pot, tax := ComputePot(duel.Wager, s.Cfg.TaxRate)
		return s.transition(tx, duel, models.DuelAccepted, map[string]any{
			"pot":         pot,
			"tax":         tax,
			"accepted_at": s.Now(),
		})
	})
	if err != nil {
		return nil, err
	}
	s.notifyBoth(ctx, duel, "Duel accepted: %s in escrow", FormatGems(duel.Wager))
	return duel, nil
}

func (s *DuelService) Decline(ctx context.Context, duelID, userID string) (*models.Duel, error) {
	duel, err := s.mutate(ctx, duelID, func(tx *gorm.DB, duel *models.Duel) error {
		if duel.OpponentID != userID {
			return fmt.Errorf("%w: only the challenged player can decline", ErrForbidden)
		}
		return s.transition(tx, duel, models.DuelDeclined, nil)
	})
	if err != nil {
		return nil, err
	}
	s.notifyBoth(ctx, duel, "Duel declined")
	return duel, nil
}

// Cancel lets the challenger withdraw a challenge nobody has accepted yet.
func (s *DuelService) Cancel(ctx context.Context, duelID, userID string) (*models.Duel, error) {
	duel, err := s.mutate(ctx, duelID, func(tx *gorm.DB, duel *models.Duel) error {
		if duel.ChallengerID != userID {
			return fmt.Errorf("%w: only the challenger can withdraw", ErrForbidden)
		}
		if duel.Status != models.DuelPending {
			return fmt.Errorf("%w: only pending challenges can be withdrawn", ErrInvalidTransition)
		}
		return s.transition(tx, duel, models.DuelCanceled, map[string]any{"canceled_reason": ReasonWithdrawn})
	})
	if err != nil {
		return nil, err
	}
	s.notifyBoth(ctx, duel, "Challenge withdrawn")
	return duel, nil
}

// Start assigns a live server in the duel's region. Without one the duel
// stays accepted and ErrNoServerAvailable is returned.
func (s *DuelService) Start(ctx context.Context, duelID, userID string) (*models.Duel, *models.ServerSlot, error) {
	var slot *models.ServerSlot
	duel, err := s.mutate(ctx, duelID, func(tx *gorm.DB, duel *models.Duel) error {
		if userID != "" && !duel.IsParticipant(userID) {
			return fmt.Errorf("%w: not a participant", ErrForbidden)
		}
		if !duel.Status.CanTransitionTo(models.DuelStarted) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, duel.Status, models.DuelStarted)
		}
		var err error
		slot, err = s.Allocator.FindAvailable(tx, duel.Region)
		if err != nil {
			return err
		}
		if err := s.Allocator.Claim(tx, slot.ServerID, MatchSize); err != nil {
			return err
		}
		return s.transition(tx, duel, models.DuelStarted, map[string]any{
			"server_id":             slot.ServerID,
			"started_at":            s.Now(),
			"expiration_offset_sec": int(s.Offset() / time.Second),
		})
	})
	if err != nil {
		return nil, nil, err
	}
	s.notifyBoth(ctx, duel, "Duel started on %s", slot.Address)
	return duel, slot, nil
}

// ReportResult records the game server's winner. Settlement waits for both
// acknowledgements, a dispute, or the auto-confirm window.
func (s *DuelService) ReportResult(ctx context.Context, duelID, winnerID string) (*models.Duel, error) {
	duel, err := s.mutate(ctx, duelID, func(tx *gorm.DB, duel *models.Duel) error {
		if !duel.IsParticipant(winnerID) {
			return validationf("winner %q is not a participant", winnerID)
		}
		if !duel.Status.CanTransitionTo(models.DuelCompletedUnseen) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, duel.Status, models.DuelCompletedUnseen)
		}
		if err := s.releaseServer(tx, duel); err != nil {
			return err
		}
		return s.transition(tx, duel, models.DuelCompletedUnseen, map[string]any{
			"winner_id":        winnerID,
			"result_posted_at": s.Now(),
		})
	})
	if err != nil {
		return nil, err
	}
	s.notifyBoth(ctx, duel, "Result posted, please confirm")
	return duel, nil
}

// Acknowledge sets the caller's seen flag; the second flag settles the duel.
func (s *DuelService) Acknowledge(ctx context.Context, duelID, userID string) (*models.Duel, error) {
	settled := false
	duel, err := s.mutate(ctx, duelID, func(tx *gorm.DB, duel *models.Duel) error {
		if !duel.IsParticipant(userID) {
			return fmt.Errorf("%w: not a participant", ErrForbidden)
		}
		if duel.Status != models.DuelCompletedUnseen {
			return fmt.Errorf("%w: duel is %s", ErrInvalidTransition, duel.Status)
		}
		column := "opponent_acked"
		if userID == duel.ChallengerID {
			column = "challenger_acked"
			duel.ChallengerAcked = true
		} else {
			duel.OpponentAcked = true
		}
		if err := tx.Model(&models.Duel{}).Where("id = ?", duel.ID).
			Updates(map[string]any{column: true, "updated_at": s.Now()}).Error; err != nil {
			return err
		}
		if duel.ChallengerAcked && duel.OpponentAcked {
			settled = true
			return s.settle(tx, duel, *duel.WinnerID, "")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if settled {
		s.notifySettled(ctx, duel)
	}
	return duel, nil
}

// AppendEvent stores one transcript row reported by the game server.
func (s *DuelService) AppendEvent(ctx context.Context, duelID, userID string, kind models.DuelEventKind, payload json.RawMessage) (*models.DuelEvent, error) {
	switch kind {
	case models.EventPlayerJoined, models.EventPlayerLeft, models.EventRoundEnded:
	default:
		return nil, validationf("unknown event kind %q", kind)
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return nil, validationf("payload must be valid JSON")
	}
	duel, err := s.Get(ctx, duelID)
	if err != nil {
		return nil, err
	}
	if kind != models.EventRoundEnded && !duel.IsParticipant(userID) {
		return nil, validationf("user %q is not a participant", userID)
	}
	if duel.Status != models.DuelStarted {
		return nil, fmt.Errorf("%w: duel is %s", ErrInvalidTransition, duel.Status)
	}
	ev := models.DuelEvent{
		ID:        uuid.NewString(),
		DuelID:    duelID,
		UserID:    userID,
		Kind:      kind,
		Payload:   datatypes.JSON(payload),
		CreatedAt: s.Now(),
	}
	if err := s.DB.WithContext(ctx).Create(&ev).Error; err != nil {
		return nil, err
	}
	return &ev, nil
}

func (s *DuelService) Events(ctx context.Context, duelID string) ([]models.DuelEvent, error) {
	var events []models.DuelEvent
	err := s.DB.WithContext(ctx).Where("duel_id = ?", duelID).Order("created_at ASC").Find(&events).Error
	return events, err
}

func (s *DuelService) notifyBoth(ctx context.Context, duel *models.Duel, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	for _, id := range []string{duel.ChallengerID, duel.OpponentID} {
		s.Notifier.Notify(ctx, Notice{
			UserID:  id,
			Kind:    models.NotifyDuelChanged,
			RefID:   duel.ID,
			Message: msg,
			Payload: duel,
		})
	}
}

func (s *DuelService) notifySettled(ctx context.Context, duel *models.Duel) {
	switch duel.Status {
	case models.DuelCompleted:
		if duel.WinnerID != nil {
			s.notifyBoth(ctx, duel, "Duel settled: %s won %s", *duel.WinnerID, FormatGems(duel.Pot))
		}
	case models.DuelCanceled:
		if duel.CanceledReason == ReasonExpired {
			s.notifyBoth(ctx, duel, "Challenge expired")
		} else {
			s.notifyBoth(ctx, duel, "Duel canceled (%s): wagers refunded", duel.CanceledReason)
		}
	}
	logger.Info("[DUEL] settled",
		zap.String("duel_id", duel.ID),
		zap.String("status", string(duel.Status)),
		zap.Int64("pot", duel.Pot),
		zap.Int64("tax", duel.Tax))
}
