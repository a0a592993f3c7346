// workers/address_sync_worker.go
package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"gem-duel-system/logger"
	"gem-duel-system/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// remoteAddress is one row of the wallet service's public address feed.
type remoteAddress struct {
	ID                 string    `json:"id"`
	UserID             string    `json:"user_id"`
	Chain              string    `json:"chain"`
	Token              string    `json:"token"`
	Address            string    `json:"address"`
	IsActive           bool      `json:"is_active"`
	LastBalanceCheckAt time.Time `json:"last_balance_check_at"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// AddressSyncWorker mirrors deposit addresses from the wallet service so the
// reconciler can resolve a transfer's owner locally.
type AddressSyncWorker struct {
	DB         *gorm.DB
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Interval   time.Duration

	lastSync time.Time
}

func NewAddressSyncWorker(db *gorm.DB, baseURL, token string, client *http.Client, interval time.Duration) *AddressSyncWorker {
	return &AddressSyncWorker{
		DB:         db,
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		HTTPClient: client,
		Interval:   interval,
		lastSync:   time.Now().UTC().Add(-24 * time.Hour),
	}
}

func (w *AddressSyncWorker) fetch(ctx context.Context, since time.Time) ([]remoteAddress, error) {
	u, err := url.Parse(w.BaseURL + "/api/v1/public/wallets")
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL: %w", err)
	}
	q := u.Query()
	q.Set("since", since.UTC().Format(time.RFC3339))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Service-Token", w.Token)

	resp, err := w.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call sync service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("sync service returned status %d: %s", resp.StatusCode, string(body))
	}

	var response struct {
		Wallets []remoteAddress `json:"wallets"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode sync service response: %w", err)
	}
	return response.Wallets, nil
}

// SyncOnce pulls changes since the last successful sync and upserts them.
// The cursor only advances when the whole batch was stored.
func (w *AddressSyncWorker) SyncOnce(ctx context.Context) (int, error) {
	started := time.Now().UTC()
	remote, err := w.fetch(ctx, w.lastSync)
	if err != nil {
		return 0, err
	}
	if len(remote) == 0 {
		w.lastSync = started
		return 0, nil
	}

	rows := make([]models.DepositAddress, 0, len(remote))
	for _, r := range remote {
		if r.Address == "" || r.UserID == "" {
			continue
		}
		rows = append(rows, models.DepositAddress{
			ID:                 r.ID,
			UserID:             r.UserID,
			Chain:              strings.ToLower(r.Chain),
			Token:              strings.ToUpper(r.Token),
			Address:            strings.ToLower(r.Address),
			IsActive:           r.IsActive,
			LastBalanceCheckAt: r.LastBalanceCheckAt,
			CreatedAt:          r.CreatedAt,
			UpdatedAt:          r.UpdatedAt,
		})
	}
	if len(rows) == 0 {
		w.lastSync = started
		return 0, nil
	}

	if err := w.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "address"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"user_id", "chain", "token", "is_active",
			"last_balance_check_at", "updated_at",
		}),
	}).Create(&rows).Error; err != nil {
		return 0, fmt.Errorf("upsert %d deposit address(es): %w", len(rows), err)
	}
	w.lastSync = started
	return len(rows), nil
}

// Start polls until ctx is canceled.
func (w *AddressSyncWorker) Start(ctx context.Context) {
	logger.Info("[SYNC] address sync started", zap.Duration("interval", w.Interval))
	go func() {
		ticker := time.NewTicker(w.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				logger.Info("[SYNC] address sync stopped")
				return
			case <-ticker.C:
				n, err := w.SyncOnce(ctx)
				if err != nil {
					logger.Error("[SYNC] address sync failed", zap.Error(err))
					continue
				}
				if n > 0 {
					logger.Info("[SYNC] deposit addresses upserted", zap.Int("count", n))
				}
			}
		}
	}()
}
