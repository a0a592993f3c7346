// services/deposit_reconciler.go
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gem-duel-system/logger"
	"gem-duel-system/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ChainTransfer is one observed transfer into a monitored address.
type ChainTransfer struct {
	TxHash      string          `json:"tx_hash"`
	Network     string          `json:"network"`
	Token       string          `json:"token"`
	ToAddress   string          `json:"to_address"`
	Amount      decimal.Decimal `json:"amount"`
	BlockNumber *uint64         `json:"block_number,omitempty"`
}

// DepositReconciler turns observed transfers into pending deposits and
// credits them once they are final on chain.
type DepositReconciler struct {
	DB            *gorm.DB
	Ledger        *Ledger
	Chain         ChainClient
	Prices        PriceFeed
	Notifier      Notifier
	UsdToGems     decimal.Decimal
	Confirmations func(network string) int
	Now           func() time.Time
}

func NewDepositReconciler(db *gorm.DB, ledger *Ledger, chain ChainClient, prices PriceFeed, notifier Notifier, usdToGems decimal.Decimal, confirmations func(string) int) *DepositReconciler {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &DepositReconciler{
		DB:            db,
		Ledger:        ledger,
		Chain:         chain,
		Prices:        prices,
		Notifier:      notifier,
		UsdToGems:     usdToGems,
		Confirmations: confirmations,
		Now:           utcNow,
	}
}

// GemsFor converts a crypto amount at a USD price into whole gems, rounding down.
func GemsFor(amount, usdPrice, usdToGems decimal.Decimal) (usd decimal.Decimal, gems int64) {
	usd = amount.Mul(usdPrice)
	gems = usd.Mul(usdToGems).Floor().IntPart()
	return usd, gems
}

// RecordTransfer stores a transfer as a pending deposit. Replays of the same
// (tx_hash, network) return the existing row with created=false.
func (r *DepositReconciler) RecordTransfer(ctx context.Context, t ChainTransfer) (dep *models.Deposit, created bool, err error) {
	t.TxHash = strings.ToLower(strings.TrimSpace(t.TxHash))
	t.Network = strings.ToLower(strings.TrimSpace(t.Network))
	t.Token = strings.ToUpper(strings.TrimSpace(t.Token))
	t.ToAddress = strings.ToLower(strings.TrimSpace(t.ToAddress))
	switch {
	case t.TxHash == "" || t.Network == "" || t.Token == "" || t.ToAddress == "":
		return nil, false, validationf("tx_hash, network, token and to_address are required")
	case !t.Amount.IsPositive():
		return nil, false, validationf("amount must be positive")
	}

	db := r.DB.WithContext(ctx)
	var addr models.DepositAddress
	err = db.Where("address = ? AND is_active = ?", t.ToAddress, true).First(&addr).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, notFound("monitored address", t.ToAddress)
	}
	if err != nil {
		return nil, false, err
	}

	now := r.Now()
	row := models.Deposit{
		ID:                    uuid.NewString(),
		UserID:                addr.UserID,
		TxHash:                t.TxHash,
		Network:               t.Network,
		TokenType:             t.Token,
		ToAddress:             t.ToAddress,
		AmountCrypto:          t.Amount,
		Status:                models.DepositPending,
		ConfirmationsRequired: r.Confirmations(t.Network),
		BlockNumber:           t.BlockNumber,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	res := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tx_hash"}, {Name: "network"}},
		DoNothing: true,
	}).Create(&row)
	if res.Error != nil {
		return nil, false, fmt.Errorf("record deposit %s: %w", t.TxHash, res.Error)
	}
	if res.RowsAffected == 0 {
		var existing models.Deposit
		if err := db.Where("tx_hash = ? AND network = ?", t.TxHash, t.Network).First(&existing).Error; err != nil {
			return nil, false, err
		}
		return &existing, false, nil
	}
	logger.Info("[DEPOSITS] detected",
		zap.String("deposit_id", row.ID),
		zap.String("user_id", row.UserID),
		zap.String("network", row.Network),
		zap.String("tx_hash", row.TxHash),
		zap.String("amount", row.AmountCrypto.String()),
		zap.String("token", row.TokenType))
	return &row, true, nil
}

// ConfirmResult summarizes one confirmation pass.
type ConfirmResult struct {
	Checked  int `json:"checked"`
	Credited int `json:"credited"`
	Failed   int `json:"failed"`
	Deferred int `json:"deferred"`
}

// ConfirmPending checks every pending deposit against the chain. Deposits
// whose price or chain data is unavailable stay pending for the next pass.
func (r *DepositReconciler) ConfirmPending(ctx context.Context) (ConfirmResult, error) {
	var res ConfirmResult
	var pending []models.Deposit
	if err := r.DB.WithContext(ctx).
		Where("status = ?", models.DepositPending).
		Order("created_at ASC").
		Find(&pending).Error; err != nil {
		return res, fmt.Errorf("list pending deposits: %w", err)
	}

	heads := make(map[string]uint64)
	for i := range pending {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		dep := &pending[i]
		res.Checked++

		head, ok := heads[dep.Network]
		if !ok {
			h, err := r.Chain.BlockNumber(ctx, dep.Network)
			if err != nil {
				logger.Warn("[DEPOSITS] chain head unavailable", zap.String("network", dep.Network), zap.Error(err))
				res.Deferred++
				continue
			}
			heads[dep.Network], head = h, h
		}

		outcome, err := r.confirmOne(ctx, dep, head)
		switch {
		case err != nil:
			res.Deferred++
			if errors.Is(err, ErrExternalDependency) {
				logger.Warn("[DEPOSITS] deferred", zap.String("deposit_id", dep.ID), zap.Error(err))
			} else {
				logger.Error("[DEPOSITS] confirm failed", zap.String("deposit_id", dep.ID), zap.Error(err))
			}
		case outcome == models.DepositCredited:
			res.Credited++
		case outcome == models.DepositFailed:
			res.Failed++
		}
	}
	return res, nil
}

// confirmOne returns the status this pass moved the deposit to, or pending
// when it is not final yet or a concurrent pass already settled it.
func (r *DepositReconciler) confirmOne(ctx context.Context, dep *models.Deposit, head uint64) (models.DepositStatus, error) {
	receipt, err := r.Chain.Receipt(ctx, dep.Network, dep.TxHash)
	if err != nil {
		return models.DepositPending, err
	}
	if receipt == nil {
		return models.DepositPending, nil
	}
	if receipt.Failed {
		return r.markFailed(ctx, dep, "reverted", receipt.BlockNumber)
	}
	if head < receipt.BlockNumber || head-receipt.BlockNumber+1 < uint64(dep.ConfirmationsRequired) {
		return models.DepositPending, nil
	}

	price, err := r.Prices.USDPrice(ctx, dep.TokenType, dep.Network)
	if err != nil {
		return models.DepositPending, err
	}
	if !price.IsPositive() {
		return models.DepositPending, fmt.Errorf("%w: zero price for %s", ErrPriceUnavailable, dep.TokenType)
	}
	usd, gems := GemsFor(dep.AmountCrypto, price, r.UsdToGems)
	if gems <= 0 {
		return r.markFailed(ctx, dep, "below_minimum", receipt.BlockNumber)
	}
	return r.credit(ctx, dep.ID, usd, gems, receipt.BlockNumber)
}

func (r *DepositReconciler) credit(ctx context.Context, depositID string, usd decimal.Decimal, gems int64, block uint64) (models.DepositStatus, error) {
	var dep models.Deposit
	credited := false
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", depositID).First(&dep).Error; err != nil {
			return err
		}
		if dep.Status != models.DepositPending {
			return nil
		}
		if _, err := r.Ledger.Credit(tx, dep.UserID, gems, TxMeta{
			Type:  models.TxTypeDeposit,
			RefID: dep.ID,
			Note:  fmt.Sprintf("%s %s on %s", dep.AmountCrypto.String(), dep.TokenType, dep.Network),
		}); err != nil {
			return err
		}
		now := r.Now()
		credited = true
		return tx.Model(&models.Deposit{}).Where("id = ?", dep.ID).Updates(map[string]any{
			"status":       models.DepositCredited,
			"usd_value":    usd,
			"gem_amount":   gems,
			"block_number": block,
			"credited_at":  now,
			"updated_at":   now,
		}).Error
	})
	if err != nil {
		return models.DepositPending, err
	}
	if !credited {
		logger.Debug("[DEPOSITS] already settled",
			zap.String("deposit_id", dep.ID),
			zap.String("status", string(dep.Status)))
		return models.DepositPending, nil
	}

	logger.Info("[DEPOSITS] credited",
		zap.String("deposit_id", dep.ID),
		zap.String("user_id", dep.UserID),
		zap.Int64("gems", gems),
		zap.String("usd", usd.StringFixed(2)))
	r.Notifier.Notify(ctx, Notice{
		UserID:  dep.UserID,
		Kind:    models.NotifyDepositCredited,
		RefID:   dep.ID,
		Message: fmt.Sprintf("Deposit confirmed: %s credited", FormatGems(gems)),
		Payload: map[string]any{"deposit_id": dep.ID, "gems": gems, "tx_hash": dep.TxHash, "network": dep.Network},
	})
	return models.DepositCredited, nil
}

func (r *DepositReconciler) markFailed(ctx context.Context, dep *models.Deposit, reason string, block uint64) (models.DepositStatus, error) {
	res := r.DB.WithContext(ctx).Model(&models.Deposit{}).
		Where("id = ? AND status = ?", dep.ID, models.DepositPending).
		Updates(map[string]any{
			"status":         models.DepositFailed,
			"failure_reason": reason,
			"block_number":   block,
			"updated_at":     r.Now(),
		})
	if res.Error != nil {
		return models.DepositPending, res.Error
	}
	if res.RowsAffected == 0 {
		var current models.Deposit
		if err := r.DB.WithContext(ctx).Select("status").Where("id = ?", dep.ID).First(&current).Error; err != nil {
			return models.DepositPending, err
		}
		logger.Debug("[DEPOSITS] already settled",
			zap.String("deposit_id", dep.ID),
			zap.String("status", string(current.Status)))
		return models.DepositPending, nil
	}
	logger.Warn("[DEPOSITS] failed",
		zap.String("deposit_id", dep.ID),
		zap.String("tx_hash", dep.TxHash),
		zap.String("reason", reason))
	return models.DepositFailed, nil
}

// ListForUser returns a user's deposits, newest first.
func (r *DepositReconciler) ListForUser(ctx context.Context, userID string, limit int) ([]models.Deposit, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var deps []models.Deposit
	err := r.DB.WithContext(ctx).Where("user_id = ?", userID).
		Order("created_at DESC").Limit(limit).Find(&deps).Error
	return deps, err
}
