package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"gem-duel-system/models"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// testClock is a manually advanced clock shared by every service in a test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recordingNotifier keeps every notice for assertions.
type recordingNotifier struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *recordingNotifier) Notify(_ context.Context, n Notice) {
	r.mu.Lock()
	r.notices = append(r.notices, n)
	r.mu.Unlock()
}

func (r *recordingNotifier) count(userID string, kind models.NotificationKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, notice := range r.notices {
		if notice.UserID == userID && notice.Kind == kind {
			n++
		}
	}
	return n
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// One connection: the in-memory database lives on it and transactions serialize.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

type testEnv struct {
	db        *gorm.DB
	clock     *testClock
	notifier  *recordingNotifier
	ledger    *Ledger
	allocator *Allocator
	duels     *DuelService
	mm        *MatchmakingService
}

const testHouse = "house"

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := openTestDB(t)
	clock := &testClock{now: baseTime}
	notifier := &recordingNotifier{}

	ledger := NewLedger(db)
	ledger.Now = clock.Now

	allocator := NewAllocator(db, time.Minute)
	allocator.Now = clock.Now

	duels := NewDuelService(db, ledger, allocator, notifier, DuelConfig{
		TaxRate:        decimal.RequireFromString("0.01"),
		HouseAccountID: testHouse,
		PendingExpiry:  30 * time.Minute,
		AcceptedExpiry: 10 * time.Minute,
		ForfeitWindow:  15 * time.Minute,
		ForfeitJitter:  2 * time.Minute,
		AckWindow:      10 * time.Minute,
	})
	duels.Now = clock.Now
	duels.Offset = func() time.Duration { return 0 }
	allocator.CrashSweep = duels.CrashSweep

	mm := NewMatchmakingService(db, ledger, allocator, duels, notifier)
	mm.Now = clock.Now

	return &testEnv{
		db:        db,
		clock:     clock,
		notifier:  notifier,
		ledger:    ledger,
		allocator: allocator,
		duels:     duels,
		mm:        mm,
	}
}

// fund creates the account (if needed) and credits it through the ledger.
func (e *testEnv) fund(t *testing.T, accountID string, amount int64) {
	t.Helper()
	err := e.db.Transaction(func(tx *gorm.DB) error {
		if err := e.ledger.EnsureAccount(tx, accountID, accountID); err != nil {
			return err
		}
		if amount == 0 {
			return nil
		}
		_, err := e.ledger.Credit(tx, accountID, amount, TxMeta{Type: models.TxTypeAdminAdjustment, Note: "test funding"})
		return err
	})
	if err != nil {
		t.Fatalf("fund %s: %v", accountID, err)
	}
}

func (e *testEnv) balance(t *testing.T, accountID string) int64 {
	t.Helper()
	b, err := e.ledger.Balance(context.Background(), accountID)
	if err != nil {
		t.Fatalf("balance %s: %v", accountID, err)
	}
	return b
}

// heartbeat registers a live server in region.
func (e *testEnv) heartbeat(t *testing.T, serverID, region string, capacity int) {
	t.Helper()
	if _, err := e.allocator.Heartbeat(context.Background(), HeartbeatRequest{
		ServerID: serverID,
		Region:   region,
		Address:  serverID + ":7777",
		Capacity: capacity,
	}); err != nil {
		t.Fatalf("heartbeat %s: %v", serverID, err)
	}
}

func (e *testEnv) server(t *testing.T, serverID string) models.ServerSlot {
	t.Helper()
	var slot models.ServerSlot
	if err := e.db.First(&slot, "server_id = ?", serverID).Error; err != nil {
		t.Fatalf("load server %s: %v", serverID, err)
	}
	return slot
}

// totalGems sums every account balance; wagers held in escrow are not in it.
func (e *testEnv) totalGems(t *testing.T) int64 {
	t.Helper()
	var sum int64
	if err := e.db.Model(&models.Account{}).Select("COALESCE(SUM(balance), 0)").Scan(&sum).Error; err != nil {
		t.Fatalf("sum balances: %v", err)
	}
	return sum
}

// escrowed sums the wagers currently held by live duels.
func (e *testEnv) escrowed(t *testing.T) int64 {
	t.Helper()
	var sum int64
	if err := e.db.Model(&models.Duel{}).
		Where("status IN ?", []models.DuelStatus{models.DuelAccepted, models.DuelStarted, models.DuelCompletedUnseen, models.DuelUnderReview}).
		Select("COALESCE(SUM(wager * 2), 0)").Scan(&sum).Error; err != nil {
		t.Fatalf("sum escrow: %v", err)
	}
	return sum
}

// assertReconciled checks every account's balance against its entries.
func (e *testEnv) assertReconciled(t *testing.T) {
	t.Helper()
	var ids []string
	if err := e.db.Model(&models.Account{}).Pluck("id", &ids).Error; err != nil {
		t.Fatalf("list accounts: %v", err)
	}
	for _, id := range ids {
		balance, sum, err := e.ledger.Reconcile(context.Background(), id)
		if err != nil {
			t.Fatalf("reconcile %s: %v", id, err)
		}
		if balance != sum {
			t.Fatalf("expected balance %d to equal entry sum %d for %s", balance, sum, id)
		}
		if balance < 0 {
			t.Fatalf("expected non-negative balance for %s, got %d", id, balance)
		}
	}
}
