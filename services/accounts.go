// services/accounts.go
package services

import (
	"context"
	"errors"
	"strings"

	"gem-duel-system/models"

	"gorm.io/gorm"
)

// AccountService serves public account lookups: opponent search, profile
// records and the win leaderboard. Balances are never exposed here.
type AccountService struct {
	DB             *gorm.DB
	HouseAccountID string
}

func NewAccountService(db *gorm.DB, houseAccountID string) *AccountService {
	return &AccountService{DB: db, HouseAccountID: houseAccountID}
}

type AccountSummary struct {
	ID       string  `json:"id"`
	Username string  `json:"username"`
	Wins     int64   `json:"wins"`
	Losses   int64   `json:"losses"`
	WinRate  float64 `json:"win_rate"`
}

func summarize(a models.Account) AccountSummary {
	s := AccountSummary{ID: a.ID, Username: a.Username, Wins: a.Wins, Losses: a.Losses}
	if played := a.Wins + a.Losses; played > 0 {
		s.WinRate = float64(a.Wins) / float64(played)
	}
	return s
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 100 {
		return 50
	}
	return limit
}

// Search matches usernames case-insensitively. Banned and house accounts are
// never returned.
func (s *AccountService) Search(ctx context.Context, query string, limit int) ([]AccountSummary, error) {
	db := s.DB.WithContext(ctx).Model(&models.Account{}).
		Where("is_banned = ? AND id <> ?", false, s.HouseAccountID).
		Limit(clampLimit(limit))
	if q := strings.ToLower(strings.TrimSpace(query)); q != "" {
		db = db.Where("LOWER(username) LIKE ?", "%"+q+"%")
	}
	var accounts []models.Account
	if err := db.Order("username ASC").Find(&accounts).Error; err != nil {
		return nil, err
	}
	res := make([]AccountSummary, len(accounts))
	for i, a := range accounts {
		res[i] = summarize(a)
	}
	return res, nil
}

func (s *AccountService) Profile(ctx context.Context, accountID string) (*AccountSummary, error) {
	var a models.Account
	err := s.DB.WithContext(ctx).Where("id = ?", accountID).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("account", accountID)
	}
	if err != nil {
		return nil, err
	}
	sum := summarize(a)
	return &sum, nil
}

// Leaderboard orders players by wins, then by fewer losses.
func (s *AccountService) Leaderboard(ctx context.Context, limit int) ([]AccountSummary, error) {
	var accounts []models.Account
	if err := s.DB.WithContext(ctx).
		Where("is_banned = ? AND id <> ? AND wins > 0", false, s.HouseAccountID).
		Order("wins DESC").Order("losses ASC").Order("id ASC").
		Limit(clampLimit(limit)).
		Find(&accounts).Error; err != nil {
		return nil, err
	}
	res := make([]AccountSummary, len(accounts))
	for i, a := range accounts {
		res[i] = summarize(a)
	}
	return res, nil
}
