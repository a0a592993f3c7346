// services/duel_disputes.go
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gem-duel-system/logger"
	"gem-duel-system/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type DisputeRequest struct {
	DuelID      string `json:"-"`
	ReporterID  string `json:"-"`
	Reason      string `json:"reason"`
	EvidenceURL string `json:"evidence_url,omitempty"`
}

// Dispute contests a posted result before both players acknowledged it.
func (s *DuelService) Dispute(ctx context.Context, req DisputeRequest) (*models.Dispute, error) {
	req.Reason = strings.TrimSpace(req.Reason)
	if req.Reason == "" {
		return nil, validationf("reason is required")
	}
	if len(req.Reason) > 2000 {
		return nil, validationf("reason is too long")
	}

	var dispute models.Dispute
	duel, err := s.mutate(ctx, req.DuelID, func(tx *gorm.DB, duel *models.Duel) error {
		if !duel.IsParticipant(req.ReporterID) {
			return fmt.Errorf("%w: not a participant", ErrForbidden)
		}
		if duel.Status != models.DuelCompletedUnseen {
			return fmt.Errorf("%w: only an unconfirmed result can be disputed (duel is %s)", ErrInvalidTransition, duel.Status)
		}
		if err := s.transition(tx, duel, models.DuelUnderReview, nil); err != nil {
			return err
		}
		dispute = models.Dispute{
			ID:          uuid.NewString(),
			DuelID:      duel.ID,
			ReporterID:  req.ReporterID,
			ReportedID:  duel.OtherParticipant(req.ReporterID),
			Reason:      req.Reason,
			EvidenceURL: req.EvidenceURL,
			Status:      models.DisputeOpen,
			CreatedAt:   s.Now(),
		}
		return tx.Create(&dispute).Error
	})
	if err != nil {
		return nil, err
	}
	s.notifyBoth(ctx, duel, "Result disputed, payout on hold pending review")
	logger.Info("[DISPUTE] opened",
		zap.String("duel_id", duel.ID),
		zap.String("reporter_id", req.ReporterID))
	return &dispute, nil
}

// ResolveDispute applies an admin decision: uphold pays the posted winner,
// overturn pays the other participant, void refunds both wagers.
func (s *DuelService) ResolveDispute(ctx context.Context, duelID, adminID string, decision models.DisputeDecision) (*models.Duel, error) {
	switch decision {
	case models.DecisionUphold, models.DecisionOverturn, models.DecisionVoid:
	default:
		return nil, validationf("unknown decision %q", decision)
	}
	duel, err := s.mutate(ctx, duelID, func(tx *gorm.DB, duel *models.Duel) error {
		if duel.Status != models.DuelUnderReview {
			return fmt.Errorf("%w: duel is %s", ErrInvalidTransition, duel.Status)
		}
		var dispute models.Dispute
		err := tx.Where("duel_id = ? AND status = ?", duel.ID, models.DisputeOpen).First(&dispute).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return notFound("open dispute for duel", duel.ID)
		}
		if err != nil {
			return err
		}

		switch decision {
		case models.DecisionUphold, models.DecisionOverturn:
			if duel.WinnerID == nil {
				return fmt.Errorf("%w: duel %s has no posted winner", ErrConflict, duel.ID)
			}
			winner, reason := *duel.WinnerID, ReasonDisputeUpheld
			if decision == models.DecisionOverturn {
				winner, reason = duel.OtherParticipant(winner), ReasonDisputeOverturned
			}
			if err := s.settle(tx, duel, winner, reason); err != nil {
				return err
			}
		case models.DecisionVoid:
			if err := s.refund(tx, duel, ReasonDisputeVoid); err != nil {
				return err
			}
		}

		now := s.Now()
		return tx.Model(&models.Dispute{}).Where("id = ?", dispute.ID).Updates(map[string]any{
			"status":      models.DisputeResolved,
			"decision":    decision,
			"resolved_by": adminID,
			"resolved_at": now,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	s.notifySettled(ctx, duel)
	return duel, nil
}

// ListDisputes returns disputes for review, oldest open first.
func (s *DuelService) ListDisputes(ctx context.Context, status models.DisputeStatus) ([]models.Dispute, error) {
	q := s.DB.WithContext(ctx).Model(&models.Dispute{})
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var disputes []models.Dispute
	err := q.Order("created_at ASC").Find(&disputes).Error
	return disputes, err
}
