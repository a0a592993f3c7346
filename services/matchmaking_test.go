package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"gem-duel-system/models"
)

func TestBucketEntriesKeepsArrivalOrder(t *testing.T) {
	entries := []models.QueueEntry{
		{ID: "1", UserID: "a", Region: "eu", Wager: 100},
		{ID: "2", UserID: "b", Region: "us", Wager: 100},
		{ID: "3", UserID: "c", Region: "eu", Wager: 200},
		{ID: "4", UserID: "d", Region: "eu", Wager: 100},
	}
	order, buckets := BucketEntries(entries)
	if len(order) != 3 {
		t.Fatalf("expected 3 buckets, got %d", len(order))
	}
	if order[0] != (BucketKey{Region: "eu", Wager: 100}) || order[1] != (BucketKey{Region: "us", Wager: 100}) {
		t.Fatalf("unexpected bucket order: %+v", order)
	}
	eu := buckets[BucketKey{Region: "eu", Wager: 100}]
	if len(eu) != 2 || eu[0].UserID != "a" || eu[1].UserID != "d" {
		t.Fatalf("unexpected eu/100 bucket: %+v", eu)
	}
}

func TestPairEntries(t *testing.T) {
	tests := []struct {
		name  string
		n     int
		pairs int
	}{
		{"empty", 0, 0},
		{"single waits", 1, 0},
		{"two", 2, 1},
		{"odd leftover", 5, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries := make([]models.QueueEntry, tt.n)
			for i := range entries {
				entries[i] = models.QueueEntry{ID: string(rune('a' + i))}
			}
			pairs := PairEntries(entries)
			if len(pairs) != tt.pairs {
				t.Fatalf("expected %d pairs, got %d", tt.pairs, len(pairs))
			}
			for i, p := range pairs {
				if p.MatchNumber != i+1 || p.First.ID != entries[2*i].ID || p.Second.ID != entries[2*i+1].ID {
					t.Fatalf("unexpected pair %d: %+v", i, p)
				}
			}
		})
	}
}

func join(t *testing.T, env *testEnv, userID, region string, wager int64) {
	t.Helper()
	if _, err := env.mm.Join(context.Background(), JoinRequest{UserID: userID, Region: region, Wager: wager}); err != nil {
		t.Fatalf("join %s: %v", userID, err)
	}
	env.clock.Advance(time.Second)
}

func queued(t *testing.T, env *testEnv) map[string]bool {
	t.Helper()
	var entries []models.QueueEntry
	if err := env.db.Find(&entries).Error; err != nil {
		t.Fatalf("load queue: %v", err)
	}
	out := make(map[string]bool, len(entries))
	for _, e := range entries {
		out[e.UserID] = true
	}
	return out
}

func TestJoinValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, "alice", 100)
	env.fund(t, "banned", 100)
	env.db.Model(&models.Account{}).Where("id = ?", "banned").Update("is_banned", true)

	entry, err := env.mm.Join(ctx, JoinRequest{UserID: "alice", Region: " EU ", Wager: 50})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if entry.Region != "eu" {
		t.Fatalf("expected normalized region, got %q", entry.Region)
	}
	if _, err := env.mm.Join(ctx, JoinRequest{UserID: "alice", Region: "us", Wager: 10}); !errors.Is(err, ErrAlreadyQueued) {
		t.Fatalf("expected ErrAlreadyQueued, got %v", err)
	}
	if _, err := env.mm.Join(ctx, JoinRequest{UserID: "ghost", Region: "eu", Wager: 10}); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected unfunded join rejected, got %v", err)
	}
	if _, err := env.mm.Join(ctx, JoinRequest{UserID: "banned", Region: "eu", Wager: 10}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected banned join rejected, got %v", err)
	}
	if _, err := env.mm.Join(ctx, JoinRequest{UserID: "bob", Region: "eu", Wager: -1}); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected invalid amount, got %v", err)
	}

	if err := env.mm.Leave(ctx, "alice"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if err := env.mm.Leave(ctx, "alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected second leave to be not found, got %v", err)
	}
}

func TestQueueStatusPosition(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		env.fund(t, id, 100)
	}
	join(t, env, "a", "eu", 10)
	join(t, env, "b", "us", 10)
	join(t, env, "c", "eu", 10)

	st, err := env.mm.Status(ctx, "c")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Position != 2 || st.Waiting != 2 {
		t.Fatalf("expected position 2 of 2, got %d of %d", st.Position, st.Waiting)
	}
	if _, err := env.mm.Status(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRunPassPairsOnlyExactBuckets(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c", "d"} {
		env.fund(t, id, 500)
	}
	env.heartbeat(t, "eu-1", "eu", 10)

	join(t, env, "a", "eu", 100)
	join(t, env, "b", "eu", 100)
	join(t, env, "c", "us", 100)
	join(t, env, "d", "eu", 200)

	res, err := env.mm.RunPass(ctx)
	if err != nil {
		t.Fatalf("run pass: %v", err)
	}
	if res.Queued != 4 || res.Matched != 1 {
		t.Fatalf("unexpected pass result: %+v", res)
	}

	left := queued(t, env)
	if len(left) != 2 || !left["c"] || !left["d"] {
		t.Fatalf("expected c and d still queued, got %v", left)
	}

	var duel models.Duel
	if err := env.db.Where("source = ?", models.DuelSourceMatchmaking).First(&duel).Error; err != nil {
		t.Fatalf("load matched duel: %v", err)
	}
	if duel.Status != models.DuelStarted || duel.ChallengerID != "a" || duel.OpponentID != "b" || duel.Wager != 100 {
		t.Fatalf("unexpected matched duel: %+v", duel)
	}
	if duel.Pot != 198 || duel.Tax != 2 || duel.ServerID == nil || *duel.ServerID != "eu-1" {
		t.Fatalf("unexpected pot or server: %+v", duel)
	}
	if env.balance(t, "a") != 400 || env.balance(t, "b") != 400 {
		t.Fatalf("expected both wagers escrowed")
	}
	if got := env.server(t, "eu-1").PlayerCount; got != 2 {
		t.Fatalf("expected 2 players claimed, got %d", got)
	}
	if env.notifier.count("a", models.NotifyMatchFound) != 1 || env.notifier.count("b", models.NotifyMatchFound) != 1 {
		t.Fatalf("expected both players notified of the match")
	}
	env.assertReconciled(t)
}

func TestRunPassMatchesMixedCaseRegion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, "a", 500)
	env.fund(t, "b", 500)
	env.heartbeat(t, "na-1", "NA-East", 10)

	join(t, env, "a", "NA-East", 200)
	join(t, env, "b", "na-east ", 200)

	res, err := env.mm.RunPass(ctx)
	if err != nil {
		t.Fatalf("run pass: %v", err)
	}
	if res.Matched != 1 || res.Skipped != 0 {
		t.Fatalf("expected one match, got %+v", res)
	}
	var started int64
	env.db.Model(&models.Duel{}).Where("status = ?", models.DuelStarted).Count(&started)
	if started != 1 {
		t.Fatalf("expected one started duel, got %d", started)
	}
	if left := queued(t, env); len(left) != 0 {
		t.Fatalf("expected queue drained, got %v", left)
	}
	if slot := env.server(t, "na-1"); slot.Region != "na-east" || slot.PlayerCount != 2 {
		t.Fatalf("unexpected server slot: %+v", slot)
	}

	servers, err := env.allocator.ListServers(ctx, "NA-EAST")
	if err != nil || len(servers) != 1 {
		t.Fatalf("expected server listed by any casing, got %d (%v)", len(servers), err)
	}
}

func TestRunPassWithoutServerKeepsEntries(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c", "d"} {
		env.fund(t, id, 500)
	}
	join(t, env, "a", "eu", 100)
	join(t, env, "b", "eu", 100)
	join(t, env, "c", "eu", 100)
	join(t, env, "d", "eu", 100)

	res, err := env.mm.RunPass(ctx)
	if err != nil {
		t.Fatalf("run pass: %v", err)
	}
	// The bucket stops at its first failed allocation.
	if res.Matched != 0 || res.Skipped != 1 {
		t.Fatalf("unexpected pass result: %+v", res)
	}
	if len(queued(t, env)) != 4 {
		t.Fatalf("expected every entry still queued")
	}
	if env.totalGems(t) != 2000 {
		t.Fatalf("expected no escrow without a server")
	}
}

func TestRunPassServerFillsUp(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c", "d"} {
		env.fund(t, id, 500)
	}
	env.heartbeat(t, "eu-small", "eu", 2)
	for _, id := range []string{"a", "b", "c", "d"} {
		join(t, env, id, "eu", 50)
	}

	res, err := env.mm.RunPass(ctx)
	if err != nil {
		t.Fatalf("run pass: %v", err)
	}
	if res.Matched != 1 {
		t.Fatalf("expected only one duel to fit, got %+v", res)
	}
	left := queued(t, env)
	if len(left) != 2 || !left["c"] || !left["d"] {
		t.Fatalf("expected the later pair to wait, got %v", left)
	}
}

func TestRunPassEvictsBrokePlayer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, "a", 100)
	env.fund(t, "b", 100)
	env.heartbeat(t, "eu-1", "eu", 10)
	join(t, env, "a", "eu", 100)
	join(t, env, "b", "eu", 100)

	// a spends the gems after queueing.
	if _, err := env.ledger.Withdraw(ctx, "a", 60, "payout-1", ""); err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	res, err := env.mm.RunPass(ctx)
	if err != nil {
		t.Fatalf("run pass: %v", err)
	}
	if res.Matched != 0 || res.Removed != 1 {
		t.Fatalf("unexpected pass result: %+v", res)
	}
	left := queued(t, env)
	if left["a"] || !left["b"] {
		t.Fatalf("expected a evicted and b kept, got %v", left)
	}
	if env.notifier.count("a", models.NotifyQueueRemoved) != 1 {
		t.Fatalf("expected evicted player notified")
	}
	if env.balance(t, "a") != 40 || env.balance(t, "b") != 100 {
		t.Fatalf("expected no escrow for the failed pair")
	}
	if got := env.server(t, "eu-1").PlayerCount; got != 0 {
		t.Fatalf("expected no server claim, got %d", got)
	}
	env.assertReconciled(t)
}

func TestMatchedDuelForfeitsLikeChallenge(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, "a", 100)
	env.fund(t, "b", 100)
	env.heartbeat(t, "eu-1", "eu", 10)
	join(t, env, "a", "eu", 25)
	join(t, env, "b", "eu", 25)
	if _, err := env.mm.RunPass(ctx); err != nil {
		t.Fatalf("run pass: %v", err)
	}

	env.clock.Advance(20 * time.Minute)
	env.heartbeat(t, "eu-1", "eu", 10)
	if n, err := env.duels.Forfeit(ctx); err != nil || n != 1 {
		t.Fatalf("expected matched duel forfeited, got %d (%v)", n, err)
	}
	if env.balance(t, "a") != 100 || env.balance(t, "b") != 100 {
		t.Fatalf("expected no-show refund")
	}
}
