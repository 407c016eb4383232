package quota

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are opt-in and require VINE_DATABASE_URL.

func TestPostgresStore_EnsureAndDebitLifecycle(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplyQuotaSchema(t, pool, schema)

	s := mustNewQuotaStore(t, pool, schema)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := time.Now().UTC()
	u, err := s.EnsureUser(ctx, "u1", "u1@example.com", 2, now)
	if err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	if u.Remaining != 2 || u.Granted != 2 || u.Redeemed != 0 {
		t.Fatalf("unexpected provisioned row: %+v", u)
	}

	// Second ensure must not re-provision.
	u, err = s.EnsureUser(ctx, "u1", "u1@example.com", 99, now)
	if err != nil {
		t.Fatalf("ensure user again: %v", err)
	}
	if u.Remaining != 2 {
		t.Fatalf("ensure re-provisioned: %+v", u)
	}

	for i := 0; i < 2; i++ {
		if _, err := s.DebitOnSend(ctx, "u1", time.Now().UTC()); err != nil {
			t.Fatalf("debit %d: %v", i, err)
		}
	}
	_, err = s.DebitOnSend(ctx, "u1", time.Now().UTC())
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}

	// Compensating credit restores the slot.
	u, err = s.CreditOnSend(ctx, "u1", time.Now().UTC())
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if u.Remaining != 1 {
		t.Fatalf("credit did not restore: %+v", u)
	}
}

func TestPostgresStore_DebitUnknownUser(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplyQuotaSchema(t, pool, schema)

	s := mustNewQuotaStore(t, pool, schema)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := s.DebitOnSend(ctx, "ghost", time.Now().UTC())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresStore_AdminPassthroughAndDemotion(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplyQuotaSchema(t, pool, schema)

	s := mustNewQuotaStore(t, pool, schema)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := time.Now().UTC()
	if _, err := s.EnsureUser(ctx, "root", "root@example.com", 1, now); err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	u, err := s.SetAdmin(ctx, "root", true, DefaultPool, now)
	if err != nil {
		t.Fatalf("set admin: %v", err)
	}
	if !u.Admin {
		t.Fatalf("admin flag not set: %+v", u)
	}

	// Admin debits pass through without mutating counters.
	for i := 0; i < 3; i++ {
		u, err = s.DebitOnSend(ctx, "root", time.Now().UTC())
		if err != nil {
			t.Fatalf("admin debit %d: %v", i, err)
		}
	}
	if u.Remaining != 1 {
		t.Fatalf("admin debit mutated remaining: %+v", u)
	}

	// Track a redemption so demotion has to re-base granted.
	if _, err := s.CreditRedeemedSender(ctx, "root", time.Now().UTC()); err != nil {
		t.Fatalf("credit redeemed: %v", err)
	}

	u, err = s.SetAdmin(ctx, "root", false, DefaultPool, time.Now().UTC())
	if err != nil {
		t.Fatalf("demote: %v", err)
	}
	if u.Admin || u.Remaining != DefaultPool {
		t.Fatalf("demotion did not restore the pool: %+v", u)
	}
	if u.Granted < u.Redeemed {
		t.Fatalf("granted fell below redeemed: %+v", u)
	}
}

func TestPostgresStore_GrantFreshIdempotent(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplyQuotaSchema(t, pool, schema)

	s := mustNewQuotaStore(t, pool, schema)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := time.Now().UTC()
	u, err := s.GrantFresh(ctx, "new", "new@example.com", 10, now)
	if err != nil {
		t.Fatalf("grant fresh: %v", err)
	}
	if u.Remaining != 10 || u.Granted != 10 {
		t.Fatalf("unexpected grant: %+v", u)
	}

	if _, err := s.DebitOnSend(ctx, "new", time.Now().UTC()); err != nil {
		t.Fatalf("debit: %v", err)
	}

	// Replay must not re-fund.
	u, err = s.GrantFresh(ctx, "new", "new@example.com", 10, time.Now().UTC())
	if err != nil {
		t.Fatalf("grant fresh replay: %v", err)
	}
	if u.Remaining != 9 {
		t.Fatalf("replay re-funded: %+v", u)
	}
}

func TestPostgresStore_BonusGuardsAreOneShot(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplyQuotaSchema(t, pool, schema)

	s := mustNewQuotaStore(t, pool, schema)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := time.Now().UTC()
	if _, err := s.EnsureUser(ctx, "u1", "u1@example.com", DefaultPool, now); err != nil {
		t.Fatalf("ensure user: %v", err)
	}

	u, applied, err := s.ApplyUnlockBonus(ctx, "u1", 5, time.Now().UTC())
	if err != nil || !applied {
		t.Fatalf("unlock bonus: applied=%v err=%v", applied, err)
	}
	if u.Remaining != DefaultPool+5 || !u.BonusUnlocked {
		t.Fatalf("unexpected row after unlock: %+v", u)
	}

	u, applied, err = s.ApplyUnlockBonus(ctx, "u1", 5, time.Now().UTC())
	if err != nil {
		t.Fatalf("unlock bonus replay: %v", err)
	}
	if applied || u.Remaining != DefaultPool+5 {
		t.Fatalf("unlock applied twice: applied=%v row=%+v", applied, u)
	}

	u, applied, err = s.ApplySyncBonus(ctx, "u1", 5, time.Now().UTC())
	if err != nil || !applied {
		t.Fatalf("sync bonus: applied=%v err=%v", applied, err)
	}
	if u.Remaining != DefaultPool+10 || !u.SyncBonusUsed {
		t.Fatalf("unexpected row after sync bonus: %+v", u)
	}

	_, applied, err = s.ApplySyncBonus(ctx, "u1", 5, time.Now().UTC())
	if err != nil || applied {
		t.Fatalf("sync bonus applied twice: applied=%v err=%v", applied, err)
	}
}

// ---- helpers ----

func mustNewQuotaStore(t *testing.T, pool *pgxpool.Pool, schema string) *PostgresStore {
	t.Helper()
	s, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("VINE_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: VINE_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse VINE_DATABASE_URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()

	c, err := pool.Acquire(pingCtx)
	if err != nil {
		pool.Close()
		if shouldSkipIntegration(err) {
			t.Skipf("integration test skipped: Postgres unreachable (VINE_DATABASE_URL set): %v", err)
		}
		t.Fatalf("acquire: %v", err)
	}
	c.Release()

	return pool
}

func mustCreateTestSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	schema := "vine_it_" + randSuffix(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgxIdent1(schema)); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return schema
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgxIdent1(schema)+` CASCADE`)
}

func mustApplyQuotaSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	schemaSQL := fmt.Sprintf(usersTableSQL, pgIdent(schema, "users"))
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
}

const usersTableSQL = `
CREATE TABLE IF NOT EXISTS %s (
  uid TEXT PRIMARY KEY,
  email TEXT NOT NULL DEFAULT '',
  admin BOOLEAN NOT NULL DEFAULT FALSE,
  invites_remaining INTEGER NOT NULL DEFAULT 0,
  invites_granted INTEGER NOT NULL DEFAULT 0,
  invites_redeemed INTEGER NOT NULL DEFAULT 0,
  bonus_unlocked BOOLEAN NOT NULL DEFAULT FALSE,
  sync_bonus_used BOOLEAN NOT NULL DEFAULT FALSE,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

  CONSTRAINT chk_users_remaining_nonneg CHECK (invites_remaining >= 0),
  CONSTRAINT chk_users_counters_nonneg CHECK (invites_granted >= 0 AND invites_redeemed >= 0)
);`

func randSuffix(t *testing.T) string {
	t.Helper()
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return hex.EncodeToString(b)
}

func shouldSkipIntegration(err error) bool {
	if err == nil {
		return false
	}
	if os.Getenv("CI") != "" {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "context deadline exceeded") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "dial tcp") ||
		strings.Contains(msg, "no such host") {
		return true
	}
	return false
}

func pgxIdent1(ident string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection in dynamic DDL.
	return pgx.Identifier{ident}.Sanitize()
}
