// services/duel_sweeps.go
package services

import (
	"context"
	"errors"
	"fmt"

	"gem-duel-system/logger"
	"gem-duel-system/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Sweep passes select candidates with a plain read, then re-lock and re-check
// each duel in its own transaction. One failing duel never stops the batch.

func (s *DuelService) candidates(ctx context.Context, status models.DuelStatus, where string, args ...any) ([]models.Duel, error) {
	var duels []models.Duel
	q := s.DB.WithContext(ctx).Where("status = ?", status)
	if where != "" {
		q = q.Where(where, args...)
	}
	if err := q.Order("created_at ASC").Find(&duels).Error; err != nil {
		return nil, fmt.Errorf("list %s duels: %w", status, err)
	}
	return duels, nil
}

// sweep applies fn to each candidate; fn returns false when the duel turned
// out not to need action after re-checking under lock.
func (s *DuelService) sweep(ctx context.Context, job string, duels []models.Duel, fn func(tx *gorm.DB, duel *models.Duel) (bool, error)) int {
	done := 0
	for _, c := range duels {
		acted := false
		var settled *models.Duel
		err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			duel, err := s.lockDuel(tx, c.ID)
			if err != nil {
				return err
			}
			if duel.Status != c.Status {
				return nil
			}
			acted, err = fn(tx, duel)
			settled = duel
			return err
		})
		if err != nil {
			logger.Error("[SWEEPER] "+job+" failed", zap.String("duel_id", c.ID), zap.Error(err))
			continue
		}
		if acted {
			done++
			if fresh, err := s.Get(ctx, c.ID); err == nil {
				settled = fresh
			}
			s.notifySettled(ctx, settled)
		}
	}
	return done
}

// ExpirePending cancels challenges nobody answered. No ledger effect.
func (s *DuelService) ExpirePending(ctx context.Context) (int, error) {
	cutoff := s.Now().Add(-s.Cfg.PendingExpiry)
	duels, err := s.candidates(ctx, models.DuelPending, "created_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return s.sweep(ctx, "expire pending", duels, func(tx *gorm.DB, duel *models.Duel) (bool, error) {
		if !duel.CreatedAt.Before(cutoff) {
			return false, nil
		}
		return true, s.transition(tx, duel, models.DuelCanceled, map[string]any{"canceled_reason": ReasonExpired})
	}), nil
}

// ExpireAccepted refunds duels that were accepted but never started.
func (s *DuelService) ExpireAccepted(ctx context.Context) (int, error) {
	cutoff := s.Now().Add(-s.Cfg.AcceptedExpiry)
	duels, err := s.candidates(ctx, models.DuelAccepted, "accepted_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return s.sweep(ctx, "expire accepted", duels, func(tx *gorm.DB, duel *models.Duel) (bool, error) {
		if duel.AcceptedAt == nil || !duel.AcceptedAt.Before(cutoff) {
			return false, nil
		}
		return true, s.refund(tx, duel, ReasonAcceptExpired)
	}), nil
}

// Forfeit resolves started duels without a result past their deadline, using
// the join transcript: nobody joined refunds, a single joiner wins, and a duel
// both players joined is left for the result or the crash sweep.
func (s *DuelService) Forfeit(ctx context.Context) (int, error) {
	now := s.Now()
	earliest := now.Add(-(s.Cfg.ForfeitWindow - s.Cfg.ForfeitJitter))
	duels, err := s.candidates(ctx, models.DuelStarted, "started_at < ?", earliest)
	if err != nil {
		return 0, err
	}
	return s.sweep(ctx, "forfeit", duels, func(tx *gorm.DB, duel *models.Duel) (bool, error) {
		if deadline := s.forfeitDeadline(duel); deadline.IsZero() || now.Before(deadline) {
			return false, nil
		}
		var joined []string
		if err := tx.Model(&models.DuelEvent{}).
			Where("duel_id = ? AND kind = ?", duel.ID, models.EventPlayerJoined).
			Where("user_id IN ?", []string{duel.ChallengerID, duel.OpponentID}).
			Distinct().Pluck("user_id", &joined).Error; err != nil {
			return false, err
		}
		switch len(joined) {
		case 0:
			if err := s.releaseServer(tx, duel); err != nil {
				return false, err
			}
			return true, s.refund(tx, duel, ReasonNoShow)
		case 1:
			if err := s.releaseServer(tx, duel); err != nil {
				return false, err
			}
			return true, s.settle(tx, duel, joined[0], ReasonForfeit)
		default:
			return false, nil
		}
	}), nil
}

// AutoConfirm settles results nobody acknowledged or disputed in time.
func (s *DuelService) AutoConfirm(ctx context.Context) (int, error) {
	cutoff := s.Now().Add(-s.Cfg.AckWindow)
	duels, err := s.candidates(ctx, models.DuelCompletedUnseen, "result_posted_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return s.sweep(ctx, "auto confirm", duels, func(tx *gorm.DB, duel *models.Duel) (bool, error) {
		if duel.ResultPostedAt == nil || !duel.ResultPostedAt.Before(cutoff) {
			return false, nil
		}
		if duel.WinnerID == nil {
			return false, fmt.Errorf("%w: duel %s has no winner", ErrConflict, duel.ID)
		}
		return true, s.settle(tx, duel, *duel.WinnerID, ReasonAutoConfirm)
	}), nil
}

// CrashSweep refunds every started duel on serverID. It returns an error when
// any duel could not be voided so the caller keeps the slot for a retry.
func (s *DuelService) CrashSweep(ctx context.Context, serverID string) (int, error) {
	duels, err := s.candidates(ctx, models.DuelStarted, "server_id = ?", serverID)
	if err != nil {
		return 0, err
	}
	n := s.sweep(ctx, "crash sweep", duels, func(tx *gorm.DB, duel *models.Duel) (bool, error) {
		if duel.ServerID == nil || *duel.ServerID != serverID {
			return false, nil
		}
		return true, s.refund(tx, duel, ReasonCrashRefund)
	})

	var left int64
	if err := s.DB.WithContext(ctx).Model(&models.Duel{}).
		Where("status = ? AND server_id = ?", models.DuelStarted, serverID).
		Count(&left).Error; err != nil {
		return n, err
	}
	if left > 0 {
		return n, errors.New("crash sweep incomplete for server " + serverID)
	}
	return n, nil
}
