package services

import (
	"context"
	"testing"
	"time"

	"gem-duel-system/models"
)

func TestFormatGems(t *testing.T) {
	tests := map[int64]string{
		0:       "0 gems",
		999:     "999 gems",
		1000:    "1,000 gems",
		1234567: "1,234,567 gems",
	}
	for n, want := range tests {
		if got := FormatGems(n); got != want {
			t.Fatalf("FormatGems(%d): expected %q, got %q", n, want, got)
		}
	}
}

func TestDBNotifierListAndMarkViewed(t *testing.T) {
	db := openTestDB(t)
	clock := &testClock{now: baseTime}
	n := NewDBNotifier(db)
	n.Now = clock.Now
	ctx := context.Background()

	for i, kind := range []models.NotificationKind{models.NotifyDuelChanged, models.NotifyMatchFound, models.NotifyDepositCredited} {
		n.Notify(ctx, Notice{UserID: "alice", Kind: kind, Message: string(kind), Payload: map[string]int{"i": i}})
		clock.Advance(time.Second)
	}
	n.Notify(ctx, Notice{UserID: "bob", Kind: models.NotifyDuelChanged, Message: "other"})

	rows, err := n.List(ctx, "alice", false, 0)
	if err != nil || len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d (%v)", len(rows), err)
	}
	if rows[0].Kind != models.NotifyDepositCredited {
		t.Fatalf("expected newest first, got %s", rows[0].Kind)
	}
	if string(rows[2].Payload) != `{"i":0}` {
		t.Fatalf("expected payload stored as JSON, got %s", rows[2].Payload)
	}

	since, err := n.Since(ctx, "alice", baseTime)
	if err != nil || len(since) != 2 || since[0].Kind != models.NotifyMatchFound {
		t.Fatalf("expected 2 rows after the cursor oldest first, got %+v (%v)", since, err)
	}

	marked, err := n.MarkViewed(ctx, "alice", []string{rows[0].ID, "someone-elses"})
	if err != nil || marked != 1 {
		t.Fatalf("expected 1 marked, got %d (%v)", marked, err)
	}
	unread, _ := n.List(ctx, "alice", true, 10)
	if len(unread) != 2 {
		t.Fatalf("expected 2 unread, got %d", len(unread))
	}
	if marked, _ := n.MarkViewed(ctx, "alice", nil); marked != 2 {
		t.Fatalf("expected mark-all to flag the remaining 2, got %d", marked)
	}
	if others, _ := n.List(ctx, "bob", true, 10); len(others) != 1 {
		t.Fatalf("expected bob's notification untouched")
	}
}
