// services/notifier.go
package services

import (
	"context"
	"encoding/json"
	"time"

	"gem-duel-system/logger"
	"gem-duel-system/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Notifier delivers best-effort user signals. Implementations must never
// block or fail the caller; they are invoked after commit.
type Notifier interface {
	Notify(ctx context.Context, n Notice)
}

type Notice struct {
	UserID  string
	Kind    models.NotificationKind
	RefID   string
	Message string
	Payload any
}

var gemPrinter = message.NewPrinter(language.English)

// FormatGems renders an amount with thousands separators, e.g. "1,000 gems".
func FormatGems(n int64) string {
	return gemPrinter.Sprintf("%d gems", n)
}

// DBNotifier stores notifications as rows; the SSE stream tails them.
type DBNotifier struct {
	DB  *gorm.DB
	Now func() time.Time
}

func NewDBNotifier(db *gorm.DB) *DBNotifier {
	return &DBNotifier{DB: db, Now: utcNow}
}

func (n *DBNotifier) Notify(ctx context.Context, notice Notice) {
	var payload datatypes.JSON
	if notice.Payload != nil {
		raw, err := json.Marshal(notice.Payload)
		if err != nil {
			logger.Warn("[NOTIFY] payload marshal failed", zap.String("user_id", notice.UserID), zap.Error(err))
		} else {
			payload = raw
		}
	}
	row := models.Notification{
		ID:        uuid.NewString(),
		UserID:    notice.UserID,
		Kind:      notice.Kind,
		Message:   notice.Message,
		RefID:     notice.RefID,
		Payload:   payload,
		CreatedAt: n.Now(),
	}
	if err := n.DB.WithContext(ctx).Create(&row).Error; err != nil {
		logger.Warn("[NOTIFY] failed to store notification",
			zap.String("user_id", notice.UserID),
			zap.String("kind", string(notice.Kind)),
			zap.Error(err))
	}
}

// List returns a user's notifications, newest first.
func (n *DBNotifier) List(ctx context.Context, userID string, unreadOnly bool, limit int) ([]models.Notification, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	q := n.DB.WithContext(ctx).Where("user_id = ?", userID)
	if unreadOnly {
		q = q.Where("viewed = ?", false)
	}
	var rows []models.Notification
	err := q.Order("created_at DESC").Limit(limit).Find(&rows).Error
	return rows, err
}

// Since returns notifications created after the cursor, oldest first.
func (n *DBNotifier) Since(ctx context.Context, userID string, cursor time.Time) ([]models.Notification, error) {
	var rows []models.Notification
	err := n.DB.WithContext(ctx).
		Where("user_id = ? AND created_at > ?", userID, cursor).
		Order("created_at ASC").
		Find(&rows).Error
	return rows, err
}

// MarkViewed flags the given notifications as read for their owner.
func (n *DBNotifier) MarkViewed(ctx context.Context, userID string, ids []string) (int64, error) {
	q := n.DB.WithContext(ctx).Model(&models.Notification{}).Where("user_id = ? AND viewed = ?", userID, false)
	if len(ids) > 0 {
		q = q.Where("id IN ?", ids)
	}
	res := q.Update("viewed", true)
	return res.RowsAffected, res.Error
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Notice) {}
