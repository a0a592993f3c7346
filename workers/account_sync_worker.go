// workers/account_sync_worker.go
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

// remoteProfile is the subset of the profile feed an account needs.
type remoteProfile struct {
	ExternalID    string    `json:"external_id"`
	Username      string    `json:"username"`
	AccountStatus string    `json:"account_status"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// AccountSyncWorker provisions gem accounts for profiles created elsewhere.
// It never touches balances.
type AccountSyncWorker struct {
	db           *gorm.DB
	interval     time.Duration
	baseURL      string
	endpointPath string
	serviceToken string
	httpClient   *http.Client

	cursor time.Time
}

func NewAccountSyncWorker(db *gorm.DB, baseURL, serviceToken string, client *http.Client, interval time.Duration) *AccountSyncWorker {
	return &AccountSyncWorker{
		db:           db,
		interval:     interval,
		baseURL:      baseURL,
		endpointPath: "/api/v1/public/profiles",
		serviceToken: serviceToken,
		httpClient:   client,
	}
}

func (w *AccountSyncWorker) Start(ctx context.Context) {
	logger.Info("[SYNC] account sync started", zap.Duration("interval", w.interval))
	go w.run(ctx)
}

func (w *AccountSyncWorker) run(ctx context.Context) {
	// Initial backfill from the beginning of time.
	if _, err := w.SyncOnce(ctx); err != nil {
		logger.Warn("[SYNC] initial account sync failed", zap.Error(err))
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := w.SyncOnce(ctx); err != nil {
				logger.Error("[SYNC] account sync batch failed", zap.Error(err))
			}
		case <-ctx.Done():
			logger.Info("[SYNC] account sync stopped")
			return
		}
	}
}

func isBlockedStatus(status string) bool {
	switch strings.ToLower(status) {
	case "banned", "suspended":
		return true
	}
	return false
}

// SyncOnce fetches profile changes after the cursor and upserts accounts.
func (w *AccountSyncWorker) SyncOnce(ctx context.Context) (int, error) {
	base, err := url.Parse(w.baseURL)
	if err != nil {
		return 0, fmt.Errorf("invalid base sync service URL '%s': %w", w.baseURL, err)
	}
	endpointURL := base.JoinPath(w.endpointPath)
	q := endpointURL.Query()
	q.Set("since", w.cursor.UTC().Format(time.RFC3339))
	endpointURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpointURL.String(), nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Service-Token", w.serviceToken)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("HTTP request to sync service failed: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return 0, fmt.Errorf("sync service non-200 response: %d: %s", resp.StatusCode, string(body))
	}

	var response struct {
		Users []remoteProfile `json:"users"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return 0, fmt.Errorf("failed to decode sync service response: %w", err)
	}

	upserted, failed := 0, 0
	latest := w.cursor
	for _, p := range response.Users {
		if p.ExternalID == "" {
			continue
		}
		acct := models.Account{
			ID:       p.ExternalID,
			Username: p.Username,
			IsBanned: isBlockedStatus(p.AccountStatus),
		}
		err := w.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"username", "is_banned"}),
		}).Create(&acct).Error
		if err != nil {
			failed++
			logger.Warn("[SYNC] account upsert failed", zap.String("external_id", p.ExternalID), zap.Error(err))
			continue
		}
		upserted++
		if p.UpdatedAt.After(latest) {
			latest = p.UpdatedAt
		}
	}

	// A failed row is retried next tick by keeping the cursor where it was.
	if failed == 0 {
		w.cursor = latest
	}
	if upserted > 0 {
		logger.Info("[SYNC] accounts synced", zap.Int("upserted", upserted), zap.Int("errors", failed))
	}
	return upserted, nil
}
