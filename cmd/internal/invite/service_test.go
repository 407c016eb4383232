package invite

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"vine/cmd/internal/quota"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, opts ...quota.Option) (*Service, *MemoryStore, *quota.Accountant) {
	t.Helper()
	quotas := quota.NewMemoryStore()
	acct, err := quota.NewAccountant(quotas, testLogger(), opts...)
	if err != nil {
		t.Fatalf("NewAccountant: %v", err)
	}
	store, err := NewMemoryStore(quotas)
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	svc, err := NewService(store, acct, testLogger())
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc, store, acct
}

func mustGenerate(t *testing.T, svc *Service, uid, email string) GenerateResult {
	t.Helper()
	res, err := svc.Generate(context.Background(), GenerateInput{SenderUID: uid, SenderEmail: email})
	if err != nil {
		t.Fatalf("Generate(%s): %v", uid, err)
	}
	return res
}

func TestGenerateDebitsAndCreatesInvite(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestEngine(t)
	ctx := context.Background()

	res := mustGenerate(t, svc, "u1", "u1@example.com")
	if res.Code == "" || len(res.Code) != DefaultCodeLength {
		t.Fatalf("unexpected code: %q", res.Code)
	}
	if res.Invite.Status != StatusSent {
		t.Fatalf("invite status=%q want=%q", res.Invite.Status, StatusSent)
	}
	if res.Quota.Remaining != quota.DefaultPool-1 {
		t.Fatalf("remaining=%d want=%d", res.Quota.Remaining, quota.DefaultPool-1)
	}

	sent, err := svc.ListBySender(ctx, "u1")
	if err != nil {
		t.Fatalf("ListBySender: %v", err)
	}
	if len(sent) != 1 || sent[0].ID != res.Invite.ID {
		t.Fatalf("unexpected sent list: %+v", sent)
	}
}

func TestGenerateFailsWhenExhausted(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestEngine(t, quota.WithDefaultPool(1))

	mustGenerate(t, svc, "u1", "u1@example.com")
	_, err := svc.Generate(context.Background(), GenerateInput{SenderUID: "u1", SenderEmail: "u1@example.com"})
	if !errors.Is(err, quota.ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
}

func TestGenerateAdminNeverDebits(t *testing.T) {
	t.Parallel()
	svc, _, acct := newTestEngine(t, quota.WithDefaultPool(1))
	ctx := context.Background()

	if _, err := acct.EnsureUser(ctx, "root", "root@example.com"); err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	if _, err := acct.SetAdmin(ctx, "root", true); err != nil {
		t.Fatalf("SetAdmin: %v", err)
	}

	for i := 0; i < 5; i++ {
		res := mustGenerate(t, svc, "root", "root@example.com")
		if !res.Quota.Unlimited {
			t.Fatalf("admin snapshot not unlimited: %+v", res.Quota)
		}
		if res.Quota.Remaining != 1 {
			t.Fatalf("admin debit mutated remaining: %+v", res.Quota)
		}
	}
}

// flakyStore wraps a Store to inject create failures.
type flakyStore struct {
	Store
	mu            sync.Mutex
	conflictsLeft int
	createErr     error
}

func (f *flakyStore) CreateInvite(ctx context.Context, in CreateRecord) (Invite, error) {
	f.mu.Lock()
	if f.createErr != nil {
		err := f.createErr
		f.mu.Unlock()
		return Invite{}, err
	}
	if f.conflictsLeft > 0 {
		f.conflictsLeft--
		f.mu.Unlock()
		return Invite{}, OpError{Op: "invite.create", Kind: ErrConflict, Msg: "code collision"}
	}
	f.mu.Unlock()
	return f.Store.CreateInvite(ctx, in)
}

func TestGenerateRollsBackDebitOnStoreFailure(t *testing.T) {
	t.Parallel()
	quotas := quota.NewMemoryStore()
	acct, err := quota.NewAccountant(quotas, testLogger())
	if err != nil {
		t.Fatalf("NewAccountant: %v", err)
	}
	inner, err := NewMemoryStore(quotas)
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	flaky := &flakyStore{Store: inner, createErr: errors.New("disk on fire")}
	svc, err := NewService(flaky, acct, testLogger())
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	ctx := context.Background()

	_, err = svc.Generate(ctx, GenerateInput{SenderUID: "u1", SenderEmail: "u1@example.com"})
	if err == nil {
		t.Fatalf("expected generate to fail")
	}

	snap, err := acct.Snapshot(ctx, "u1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Remaining != quota.DefaultPool {
		t.Fatalf("debit not compensated: %+v", snap)
	}

	// Heal the store: the user can spend the restored slot.
	flaky.mu.Lock()
	flaky.createErr = nil
	flaky.mu.Unlock()
	if _, err := svc.Generate(ctx, GenerateInput{SenderUID: "u1", SenderEmail: "u1@example.com"}); err != nil {
		t.Fatalf("Generate after heal: %v", err)
	}
}

func TestGenerateRetriesCodeCollision(t *testing.T) {
	t.Parallel()
	quotas := quota.NewMemoryStore()
	acct, err := quota.NewAccountant(quotas, testLogger())
	if err != nil {
		t.Fatalf("NewAccountant: %v", err)
	}
	inner, err := NewMemoryStore(quotas)
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	flaky := &flakyStore{Store: inner, conflictsLeft: 2}
	svc, err := NewService(flaky, acct, testLogger())
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	ctx := context.Background()

	res, err := svc.Generate(ctx, GenerateInput{SenderUID: "u1", SenderEmail: "u1@example.com"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	// One debit total despite the retries.
	if res.Quota.Remaining != quota.DefaultPool-1 {
		t.Fatalf("remaining=%d want=%d", res.Quota.Remaining, quota.DefaultPool-1)
	}
}

func TestRedeemLifecycle(t *testing.T) {
	t.Parallel()
	svc, _, acct := newTestEngine(t)
	ctx := context.Background()

	res := mustGenerate(t, svc, "u1", "u1@example.com")

	out, err := svc.Redeem(ctx, res.Code, "u2", "u2@example.com")
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if out.Replayed {
		t.Fatalf("first redemption marked replayed")
	}
	if out.Invite.Status != StatusRedeemed {
		t.Fatalf("invite status=%q want=%q", out.Invite.Status, StatusRedeemed)
	}
	if out.Edge.FromUID != "u1" || out.Edge.ToUID != "u2" {
		t.Fatalf("unexpected edge: %+v", out.Edge)
	}
	if out.SenderQuota.Redeemed != 1 {
		t.Fatalf("sender redeemed=%d want=1", out.SenderQuota.Redeemed)
	}
	if out.RedeemerQuota.Remaining != quota.DefaultFreshPool || out.RedeemerQuota.Granted != quota.DefaultFreshPool {
		t.Fatalf("redeemer not funded with the fresh pool: %+v", out.RedeemerQuota)
	}

	received, err := svc.ListByRecipient(ctx, "u2")
	if err != nil {
		t.Fatalf("ListByRecipient: %v", err)
	}
	if len(received) != 1 || received[0].ID != res.Invite.ID {
		t.Fatalf("unexpected received list: %+v", received)
	}

	n, err := svc.ConnectionCount(ctx, "u1")
	if err != nil {
		t.Fatalf("ConnectionCount: %v", err)
	}
	if n != 1 {
		t.Fatalf("connections=%d want=1", n)
	}

	snap, err := acct.Snapshot(ctx, "u2")
	if err != nil {
		t.Fatalf("Snapshot(u2): %v", err)
	}
	if snap.Remaining != quota.DefaultFreshPool {
		t.Fatalf("redeemer snapshot: %+v", snap)
	}
}

func TestRedeemInvalidCode(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestEngine(t)

	_, err := svc.Redeem(context.Background(), "NOPE9999", "u2", "u2@example.com")
	if !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("expected ErrInvalidCode, got %v", err)
	}
}

func TestRedeemOwnInviteFails(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestEngine(t)

	res := mustGenerate(t, svc, "u1", "u1@example.com")
	_, err := svc.Redeem(context.Background(), res.Code, "u1", "u1@example.com")
	if !errors.Is(err, ErrSelfRedemption) {
		t.Fatalf("expected ErrSelfRedemption, got %v", err)
	}
}

func TestRedeemUsedTokenByOtherUserFails(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestEngine(t)
	ctx := context.Background()

	res := mustGenerate(t, svc, "u1", "u1@example.com")
	if _, err := svc.Redeem(ctx, res.Code, "u2", "u2@example.com"); err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	_, err := svc.Redeem(ctx, res.Code, "u3", "u3@example.com")
	if !errors.Is(err, ErrAlreadyRedeemed) {
		t.Fatalf("expected ErrAlreadyRedeemed, got %v", err)
	}
}

func TestRedeemReplayBySameRedeemerIsIdempotent(t *testing.T) {
	t.Parallel()
	svc, _, acct := newTestEngine(t)
	ctx := context.Background()

	res := mustGenerate(t, svc, "u1", "u1@example.com")
	first, err := svc.Redeem(ctx, res.Code, "u2", "u2@example.com")
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}

	replay, err := svc.Redeem(ctx, res.Code, "u2", "u2@example.com")
	if err != nil {
		t.Fatalf("Redeem replay: %v", err)
	}
	if !replay.Replayed {
		t.Fatalf("replay not flagged")
	}
	if replay.Invite.ID != first.Invite.ID || replay.Edge.InviteID != first.Edge.InviteID {
		t.Fatalf("replay reconstructed a different outcome: %+v", replay)
	}

	// No double effects: counters identical to the first redemption.
	senderSnap, err := acct.Snapshot(ctx, "u1")
	if err != nil {
		t.Fatalf("Snapshot(u1): %v", err)
	}
	if senderSnap.Redeemed != 1 {
		t.Fatalf("sender redeemed=%d want=1", senderSnap.Redeemed)
	}
	redeemerSnap, err := acct.Snapshot(ctx, "u2")
	if err != nil {
		t.Fatalf("Snapshot(u2): %v", err)
	}
	if redeemerSnap.Granted != quota.DefaultFreshPool {
		t.Fatalf("redeemer granted=%d want=%d", redeemerSnap.Granted, quota.DefaultFreshPool)
	}
}

func TestConcurrentRedeemIsAtMostOnce(t *testing.T) {
	t.Parallel()
	svc, _, acct := newTestEngine(t)
	ctx := context.Background()

	res := mustGenerate(t, svc, "u1", "u1@example.com")

	const attempts = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		losses    int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			uid := "racer-" + string(rune('a'+n))
			_, err := svc.Redeem(ctx, res.Code, uid, uid+"@example.com")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrAlreadyRedeemed):
				losses++
			default:
				t.Errorf("unexpected redeem error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("successes=%d want exactly 1", successes)
	}
	if losses != attempts-1 {
		t.Fatalf("losses=%d want=%d", losses, attempts-1)
	}

	snap, err := acct.Snapshot(ctx, "u1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Redeemed != 1 {
		t.Fatalf("sender redeemed=%d want=1 after the race", snap.Redeemed)
	}
}

func TestQuotaConservationAtQuiescence(t *testing.T) {
	t.Parallel()
	svc, _, acct := newTestEngine(t)
	ctx := context.Background()

	const sends = 3
	codes := make([]string, 0, sends)
	for i := 0; i < sends; i++ {
		codes = append(codes, mustGenerate(t, svc, "u1", "u1@example.com").Code)
	}
	for i, code := range codes {
		uid := "friend-" + string(rune('a'+i))
		if _, err := svc.Redeem(ctx, code, uid, uid+"@example.com"); err != nil {
			t.Fatalf("Redeem %d: %v", i, err)
		}
	}

	// All sent invites settled: remaining + redeemed == granted.
	snap, err := acct.Snapshot(ctx, "u1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Remaining+snap.Redeemed != snap.Granted {
		t.Fatalf("conservation violated: %+v", snap)
	}
	if snap.Redeemed != sends {
		t.Fatalf("redeemed=%d want=%d", snap.Redeemed, sends)
	}
}

func TestBonusUnlocksExactlyOnceAtThreshold(t *testing.T) {
	t.Parallel()
	svc, _, acct := newTestEngine(t)
	ctx := context.Background()

	codes := make([]string, 0, quota.UnlockRedeemedThreshold)
	for i := 0; i < quota.UnlockRedeemedThreshold; i++ {
		codes = append(codes, mustGenerate(t, svc, "u1", "u1@example.com").Code)
	}

	for i, code := range codes {
		uid := "friend-" + string(rune('a'+i))
		out, err := svc.Redeem(ctx, code, uid, uid+"@example.com")
		if err != nil {
			t.Fatalf("Redeem %d: %v", i, err)
		}
		wantUnlock := i == quota.UnlockRedeemedThreshold-1
		if out.BonusUnlocked != wantUnlock {
			t.Fatalf("redemption %d: BonusUnlocked=%v want=%v", i+1, out.BonusUnlocked, wantUnlock)
		}
	}

	snap, err := acct.Snapshot(ctx, "u1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if !snap.BonusUnlocked {
		t.Fatalf("bonus flag not set: %+v", snap)
	}
	if snap.Granted != quota.DefaultPool+quota.DefaultBonusAmount {
		t.Fatalf("granted=%d want=%d", snap.Granted, quota.DefaultPool+quota.DefaultBonusAmount)
	}
	if snap.Remaining != quota.DefaultBonusAmount {
		t.Fatalf("remaining=%d want only the bonus refill %d", snap.Remaining, quota.DefaultBonusAmount)
	}

	// The 11th settled redemption must not re-grant.
	code := mustGenerate(t, svc, "u1", "u1@example.com").Code
	out, err := svc.Redeem(ctx, code, "friend-extra", "friend-extra@example.com")
	if err != nil {
		t.Fatalf("Redeem extra: %v", err)
	}
	if out.BonusUnlocked {
		t.Fatalf("bonus granted twice")
	}
	if out.SenderQuota.Granted != quota.DefaultPool+quota.DefaultBonusAmount {
		t.Fatalf("granted moved on replayed bonus: %+v", out.SenderQuota)
	}
}

func TestStatusLifecycle(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestEngine(t)
	ctx := context.Background()

	st, err := svc.Status(ctx, "ZZZZ9999")
	if err != nil {
		t.Fatalf("Status unknown: %v", err)
	}
	if st.Valid || st.Reason != "invalid_code" {
		t.Fatalf("unexpected status for unknown code: %+v", st)
	}

	res := mustGenerate(t, svc, "u1", "u1@example.com")
	st, err = svc.Status(ctx, res.Code)
	if err != nil {
		t.Fatalf("Status fresh: %v", err)
	}
	if !st.Valid || st.InviterUID != "u1" || st.InviterEmail != "u1@example.com" {
		t.Fatalf("unexpected status for fresh code: %+v", st)
	}

	if _, err := svc.Redeem(ctx, res.Code, "u2", "u2@example.com"); err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	st, err = svc.Status(ctx, res.Code)
	if err != nil {
		t.Fatalf("Status used: %v", err)
	}
	if st.Valid || st.Reason != "already_redeemed" {
		t.Fatalf("unexpected status for used code: %+v", st)
	}
	if st.InviterUID != "u1" {
		t.Fatalf("used status lost the inviter: %+v", st)
	}
}

func TestRedeemNormalizesCode(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestEngine(t)
	ctx := context.Background()

	res := mustGenerate(t, svc, "u1", "u1@example.com")
	lower := "  " + whateverLower(res.Code) + " "
	out, err := svc.Redeem(ctx, lower, "u2", "u2@example.com")
	if err != nil {
		t.Fatalf("Redeem with unnormalized code: %v", err)
	}
	if out.Invite.ID != res.Invite.ID {
		t.Fatalf("redeemed a different invite")
	}
}

func whateverLower(s string) string {
	b := []byte(s)
	for i := range b {
		if b[i] >= 'A' && b[i] <= 'Z' {
			b[i] += 'a' - 'A'
		}
	}
	return string(b)
}

func TestReconcileCompletesPartialRedemption(t *testing.T) {
	t.Parallel()
	svc, store, acct := newTestEngine(t)
	ctx := context.Background()

	res := mustGenerate(t, svc, "u1", "u1@example.com")

	// Force the half-applied state a crash between the token flip and the
	// remaining effects would leave behind.
	now := time.Now().UTC()
	uid, email := "u2", "u2@example.com"
	store.mu.Lock()
	tok := store.tokens[res.Code]
	tok.Used = true
	tok.UsedAt = &now
	tok.UsedByUID = &uid
	tok.UsedByEmail = &email
	store.mu.Unlock()

	out, err := svc.Reconcile(ctx, res.Invite.ID)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if out.Replayed {
		t.Fatalf("first reconcile flagged as settled")
	}
	if out.Invite.Status != StatusRedeemed {
		t.Fatalf("ledger not settled: %+v", out.Invite)
	}
	if out.Edge.FromUID != "u1" || out.Edge.ToUID != "u2" {
		t.Fatalf("edge not created: %+v", out.Edge)
	}
	if out.SenderQuota.Redeemed != 1 {
		t.Fatalf("sender not credited: %+v", out.SenderQuota)
	}
	if out.RedeemerQuota.Granted != quota.DefaultFreshPool {
		t.Fatalf("redeemer not funded: %+v", out.RedeemerQuota)
	}

	// Reconcile is idempotent.
	again, err := svc.Reconcile(ctx, res.Invite.ID)
	if err != nil {
		t.Fatalf("Reconcile replay: %v", err)
	}
	if !again.Replayed {
		t.Fatalf("settled reconcile not flagged as replay")
	}
	snap, err := acct.Snapshot(ctx, "u1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Redeemed != 1 {
		t.Fatalf("reconcile double-credited the sender: %+v", snap)
	}
}

// recorder captures published quota snapshots.
type recorder struct {
	mu    sync.Mutex
	snaps []quota.Snapshot
}

func (r *recorder) PublishQuota(snap quota.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, snap)
}

func (r *recorder) uids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.snaps))
	for _, s := range r.snaps {
		out = append(out, s.UID)
	}
	return out
}

func TestMutationsPublishQuotaSnapshots(t *testing.T) {
	t.Parallel()
	quotas := quota.NewMemoryStore()
	acct, err := quota.NewAccountant(quotas, testLogger())
	if err != nil {
		t.Fatalf("NewAccountant: %v", err)
	}
	store, err := NewMemoryStore(quotas)
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	rec := &recorder{}
	svc, err := NewService(store, acct, testLogger(), WithNotifier(rec))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	ctx := context.Background()

	res, err := svc.Generate(ctx, GenerateInput{SenderUID: "u1", SenderEmail: "u1@example.com"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if _, err := svc.Redeem(ctx, res.Code, "u2", "u2@example.com"); err != nil {
		t.Fatalf("Redeem: %v", err)
	}

	uids := rec.uids()
	if len(uids) != 3 {
		t.Fatalf("published %d snapshots, want 3 (send + both redemption sides): %v", len(uids), uids)
	}
	if uids[0] != "u1" {
		t.Fatalf("generate published for %q, want u1", uids[0])
	}
	seen := map[string]bool{uids[1]: true, uids[2]: true}
	if !seen["u1"] || !seen["u2"] {
		t.Fatalf("redeem publishes missing a side: %v", uids)
	}
}
