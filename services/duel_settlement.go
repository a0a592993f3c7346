// services/duel_settlement.go
package services

import (
	"fmt"
	"time"

	"gem-duel-system/models"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Reasons recorded on canceled duels and on payout/refund ledger entries.
const (
	ReasonExpired           = "expired"
	ReasonWithdrawn         = "withdrawn"
	ReasonAcceptExpired     = "accept_expired"
	ReasonNoShow            = "no_show"
	ReasonCrashRefund       = "crash_refund"
	ReasonDisputeVoid       = "dispute_void"
	ReasonForfeit           = "forfeit"
	ReasonAutoConfirm       = "auto_confirm"
	ReasonDisputeUpheld     = "dispute_uphold"
	ReasonDisputeOverturned = "dispute_overturn"
)

// ComputePot splits the gross stake of two wagers into the winner's pot and
// the house tax. Tax is rounded up to a whole gem.
func ComputePot(wager int64, taxRate decimal.Decimal) (pot, tax int64) {
	gross := 2 * wager
	tax = decimal.NewFromInt(gross).Mul(taxRate).Ceil().IntPart()
	if tax < 0 {
		tax = 0
	}
	if tax > gross {
		tax = gross
	}
	return gross - tax, tax
}

// transition moves the duel to next inside tx. The status guard in the WHERE
// clause makes a concurrent writer that already moved the row lose cleanly.
func (s *DuelService) transition(tx *gorm.DB, duel *models.Duel, next models.DuelStatus, fields map[string]any) error {
	if !duel.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, duel.Status, next)
	}
	if fields == nil {
		fields = map[string]any{}
	}
	fields["status"] = next
	fields["updated_at"] = s.Now()

	res := tx.Model(&models.Duel{}).
		Where("id = ? AND status = ?", duel.ID, duel.Status).
		Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("update duel %s: %w", duel.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: duel %s changed concurrently", ErrInvalidTransition, duel.ID)
	}
	duel.Status = next
	return nil
}

// escrow debits both wagers. Accounts are locked in id order first.
func (s *DuelService) escrow(tx *gorm.DB, duel *models.Duel) error {
	if _, err := s.Ledger.LockAccounts(tx, duel.ChallengerID, duel.OpponentID); err != nil {
		return err
	}
	meta := TxMeta{Type: models.TxTypeWagerEscrow, RefID: duel.ID}
	for _, id := range []string{duel.ChallengerID, duel.OpponentID} {
		if _, err := s.Ledger.Debit(tx, id, duel.Wager, meta); err != nil {
			return err
		}
	}
	return nil
}

// settle pays the pot to winnerID, the tax to the house, bumps the win/loss
// counters and completes the duel.
func (s *DuelService) settle(tx *gorm.DB, duel *models.Duel, winnerID, reason string) error {
	if !duel.IsParticipant(winnerID) {
		return validationf("winner %s is not a participant of duel %s", winnerID, duel.ID)
	}
	if !duel.Status.CanTransitionTo(models.DuelCompleted) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, duel.Status, models.DuelCompleted)
	}
	loserID := duel.OtherParticipant(winnerID)

	if _, err := s.Ledger.LockAccounts(tx, duel.ChallengerID, duel.OpponentID); err != nil {
		return err
	}
	if duel.Pot > 0 {
		if _, err := s.Ledger.Credit(tx, winnerID, duel.Pot, TxMeta{
			Type: models.TxTypeWagerPayout, RefID: duel.ID, Reason: reason,
		}); err != nil {
			return err
		}
	}
	if duel.Tax > 0 {
		if _, err := s.Ledger.Credit(tx, s.Cfg.HouseAccountID, duel.Tax, TxMeta{
			Type: models.TxTypeTax, RefID: duel.ID,
		}); err != nil {
			return err
		}
	}

	if err := tx.Model(&models.Account{}).Where("id = ?", winnerID).
		Update("wins", gorm.Expr("wins + 1")).Error; err != nil {
		return err
	}
	if err := tx.Model(&models.Account{}).Where("id = ?", loserID).
		Update("losses", gorm.Expr("losses + 1")).Error; err != nil {
		return err
	}

	now := s.Now()
	fields := map[string]any{
		"winner_id":  winnerID,
		"settled_at": now,
	}
	if duel.ResultPostedAt == nil {
		fields["result_posted_at"] = now
	}
	return s.transition(tx, duel, models.DuelCompleted, fields)
}

// refund returns both wagers verbatim (tax was never collected) and cancels.
func (s *DuelService) refund(tx *gorm.DB, duel *models.Duel, reason string) error {
	if !duel.Status.CanTransitionTo(models.DuelCanceled) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, duel.Status, models.DuelCanceled)
	}
	if duel.Status.HoldsEscrow() {
		if _, err := s.Ledger.LockAccounts(tx, duel.ChallengerID, duel.OpponentID); err != nil {
			return err
		}
		meta := TxMeta{Type: models.TxTypeRefund, RefID: duel.ID, Reason: reason}
		for _, id := range []string{duel.ChallengerID, duel.OpponentID} {
			if _, err := s.Ledger.Credit(tx, id, duel.Wager, meta); err != nil {
				return err
			}
		}
	}
	return s.transition(tx, duel, models.DuelCanceled, map[string]any{
		"canceled_reason": reason,
		"settled_at":      s.Now(),
	})
}

// releaseServer frees the duel's players on its server when it leaves started.
func (s *DuelService) releaseServer(tx *gorm.DB, duel *models.Duel) error {
	if duel.ServerID == nil || s.Allocator == nil {
		return nil
	}
	return s.Allocator.Release(tx, *duel.ServerID, MatchSize)
}

// forfeitDeadline is when a started duel without a result becomes eligible
// for forfeit handling.
func (s *DuelService) forfeitDeadline(duel *models.Duel) time.Time {
	if duel.StartedAt == nil {
		return time.Time{}
	}
	return duel.StartedAt.Add(s.Cfg.ForfeitWindow + time.Duration(duel.ExpirationOffsetSec)*time.Second)
}
