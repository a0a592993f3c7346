package services

import (
	"context"
	"testing"
	"time"

	"gem-duel-system/models"
)

func TestExpirePendingHasNoLedgerEffect(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, "alice", 100)
	env.fund(t, "bob", 100)
	duel := challenge(t, env, "alice", "bob", 10)

	env.clock.Advance(29 * time.Minute)
	if n, err := env.duels.ExpirePending(ctx); err != nil || n != 0 {
		t.Fatalf("expected nothing expired before the window, got %d (%v)", n, err)
	}

	env.clock.Advance(2 * time.Minute)
	n, err := env.duels.ExpirePending(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 expired, got %d (%v)", n, err)
	}
	got, _ := env.duels.Get(ctx, duel.ID)
	if got.Status != models.DuelCanceled || got.CanceledReason != ReasonExpired {
		t.Fatalf("expected canceled/expired, got %s/%s", got.Status, got.CanceledReason)
	}
	var entries int64
	env.db.Model(&models.LedgerEntry{}).Where("ref_id = ?", duel.ID).Count(&entries)
	if entries != 0 {
		t.Fatalf("expected no ledger entries, got %d", entries)
	}

	if n, _ := env.duels.ExpirePending(ctx); n != 0 {
		t.Fatalf("expected a second pass to be a no-op, got %d", n)
	}
}

func TestExpireAcceptedRefunds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, "alice", 100)
	env.fund(t, "bob", 100)
	duel := challenge(t, env, "alice", "bob", 40)
	if _, err := env.duels.Accept(ctx, duel.ID, "bob"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	env.clock.Advance(11 * time.Minute)
	n, err := env.duels.ExpireAccepted(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 refunded, got %d (%v)", n, err)
	}
	got, _ := env.duels.Get(ctx, duel.ID)
	if got.Status != models.DuelCanceled || got.CanceledReason != ReasonAcceptExpired {
		t.Fatalf("expected canceled/accept_expired, got %s/%s", got.Status, got.CanceledReason)
	}
	if env.balance(t, "alice") != 100 || env.balance(t, "bob") != 100 {
		t.Fatalf("expected both wagers refunded")
	}
	if env.notifier.count("alice", models.NotifyDuelChanged) == 0 {
		t.Fatalf("expected challenger notified of the refund")
	}
	env.assertReconciled(t)
}

func TestForfeitNobodyJoinedRefunds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	duel := startedDuel(t, env, 50)

	env.clock.Advance(14 * time.Minute)
	if n, _ := env.duels.Forfeit(ctx); n != 0 {
		t.Fatalf("expected no forfeit before the deadline, got %d", n)
	}

	env.clock.Advance(2 * time.Minute)
	n, err := env.duels.Forfeit(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 forfeit, got %d (%v)", n, err)
	}
	got, _ := env.duels.Get(ctx, duel.ID)
	if got.Status != models.DuelCanceled || got.CanceledReason != ReasonNoShow {
		t.Fatalf("expected canceled/no_show, got %s/%s", got.Status, got.CanceledReason)
	}
	if env.balance(t, "alice") != 100 || env.balance(t, "bob") != 100 {
		t.Fatalf("expected both wagers refunded")
	}
	if got := env.server(t, "srv-1").PlayerCount; got != 0 {
		t.Fatalf("expected server released, got %d players", got)
	}
	env.assertReconciled(t)
}

func TestForfeitSingleJoinerWins(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	duel := startedDuel(t, env, 50)

	// Duplicate joins by one player still count as one joiner.
	for range 2 {
		if _, err := env.duels.AppendEvent(ctx, duel.ID, "bob", models.EventPlayerJoined, nil); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	env.clock.Advance(16 * time.Minute)
	n, err := env.duels.Forfeit(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 forfeit, got %d (%v)", n, err)
	}
	got, _ := env.duels.Get(ctx, duel.ID)
	if got.Status != models.DuelCompleted || got.WinnerID == nil || *got.WinnerID != "bob" {
		t.Fatalf("expected bob to win by forfeit, got %+v", got)
	}
	if env.balance(t, "bob") != 149 || env.balance(t, "alice") != 50 || env.balance(t, testHouse) != 1 {
		t.Fatalf("unexpected balances after forfeit")
	}

	var payout models.LedgerEntry
	if err := env.db.Where("ref_id = ? AND type = ?", duel.ID, models.TxTypeWagerPayout).First(&payout).Error; err != nil {
		t.Fatalf("load payout: %v", err)
	}
	if payout.Reason != ReasonForfeit || payout.AccountID != "bob" || payout.Delta != 99 {
		t.Fatalf("unexpected payout entry: %+v", payout)
	}
	env.assertReconciled(t)
}

func TestForfeitBothJoinedLeavesDuel(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	duel := startedDuel(t, env, 50)
	for _, id := range []string{"alice", "bob"} {
		if _, err := env.duels.AppendEvent(ctx, duel.ID, id, models.EventPlayerJoined, nil); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	env.clock.Advance(30 * time.Minute)
	if n, err := env.duels.Forfeit(ctx); err != nil || n != 0 {
		t.Fatalf("expected no forfeit when both joined, got %d (%v)", n, err)
	}
	got, _ := env.duels.Get(ctx, duel.ID)
	if got.Status != models.DuelStarted {
		t.Fatalf("expected duel still started, got %s", got.Status)
	}
}

func TestForfeitHonorsExpirationOffset(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.duels.Offset = func() time.Duration { return 2 * time.Minute }
	duel := startedDuel(t, env, 10)
	if duel.ExpirationOffsetSec != 120 {
		t.Fatalf("expected 120s offset stored, got %d", duel.ExpirationOffsetSec)
	}

	env.clock.Advance(16 * time.Minute)
	if n, _ := env.duels.Forfeit(ctx); n != 0 {
		t.Fatalf("expected the offset to push the deadline out, got %d", n)
	}
	env.clock.Advance(2 * time.Minute)
	if n, _ := env.duels.Forfeit(ctx); n != 1 {
		t.Fatalf("expected forfeit after the shifted deadline, got %d", n)
	}
}

func TestRandomOffsetWithinJitter(t *testing.T) {
	s := &DuelService{Cfg: DuelConfig{ForfeitJitter: 90 * time.Second}}
	for range 200 {
		off := s.randomOffset()
		if off < -90*time.Second || off > 90*time.Second {
			t.Fatalf("offset %s outside jitter", off)
		}
	}
	s.Cfg.ForfeitJitter = 0
	if off := s.randomOffset(); off != 0 {
		t.Fatalf("expected no offset without jitter, got %s", off)
	}
}

func TestAutoConfirmSettles(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	duel := startedDuel(t, env, 50)
	if _, err := env.duels.ReportResult(ctx, duel.ID, "alice"); err != nil {
		t.Fatalf("report: %v", err)
	}
	if _, err := env.duels.Acknowledge(ctx, duel.ID, "alice"); err != nil {
		t.Fatalf("ack: %v", err)
	}

	env.clock.Advance(9 * time.Minute)
	if n, _ := env.duels.AutoConfirm(ctx); n != 0 {
		t.Fatalf("expected no auto confirm inside the window, got %d", n)
	}
	env.clock.Advance(2 * time.Minute)
	n, err := env.duels.AutoConfirm(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 auto confirm, got %d (%v)", n, err)
	}
	got, _ := env.duels.Get(ctx, duel.ID)
	if got.Status != models.DuelCompleted || *got.WinnerID != "alice" {
		t.Fatalf("expected alice paid by auto confirm, got %+v", got)
	}
	if env.balance(t, "alice") != 149 {
		t.Fatalf("expected winner at 149, got %d", env.balance(t, "alice"))
	}
	env.assertReconciled(t)
}

func TestAutoConfirmSkipsDisputed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	duel := startedDuel(t, env, 50)
	if _, err := env.duels.ReportResult(ctx, duel.ID, "alice"); err != nil {
		t.Fatalf("report: %v", err)
	}
	if _, err := env.duels.Dispute(ctx, DisputeRequest{DuelID: duel.ID, ReporterID: "bob", Reason: "cheating"}); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	env.clock.Advance(time.Hour)
	if n, _ := env.duels.AutoConfirm(ctx); n != 0 {
		t.Fatalf("expected disputed duel left alone, got %d", n)
	}
}

func TestReapRefundsDuelsOnDeadServer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	duel := startedDuel(t, env, 50)
	env.heartbeat(t, "srv-2", "eu", 10)

	env.clock.Advance(90 * time.Second)
	// srv-2 keeps beating; srv-1 went silent.
	env.heartbeat(t, "srv-2", "eu", 10)

	n, err := env.allocator.Reap(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 server reaped, got %d (%v)", n, err)
	}
	got, _ := env.duels.Get(ctx, duel.ID)
	if got.Status != models.DuelCanceled || got.CanceledReason != ReasonCrashRefund {
		t.Fatalf("expected crash refund, got %s/%s", got.Status, got.CanceledReason)
	}
	if env.balance(t, "alice") != 100 || env.balance(t, "bob") != 100 {
		t.Fatalf("expected both wagers refunded")
	}
	servers, err := env.allocator.ListServers(ctx, "eu")
	if err != nil || len(servers) != 1 || servers[0].ServerID != "srv-2" {
		t.Fatalf("expected only srv-2 left, got %+v (%v)", servers, err)
	}
	env.assertReconciled(t)
}

func TestSweeperRunOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, "carol", 100)
	env.fund(t, "dave", 100)

	started := startedDuel(t, env, 10)
	pending := challenge(t, env, "carol", "dave", 10)
	env.clock.Advance(45 * time.Minute)

	res := NewSweeper(env.duels, env.allocator).RunOnce(ctx)
	if res.ExpiredPending != 1 || res.Forfeited != 1 || res.ServersReaped != 1 {
		t.Fatalf("unexpected sweep result: %+v", res)
	}
	for _, id := range []string{started.ID, pending.ID} {
		got, _ := env.duels.Get(ctx, id)
		if got.Status != models.DuelCanceled {
			t.Fatalf("expected %s canceled, got %s", id, got.Status)
		}
	}
	if total := env.totalGems(t) + env.escrowed(t); total != 400 {
		t.Fatalf("expected 400 gems conserved, got %d", total)
	}
	env.assertReconciled(t)
}
