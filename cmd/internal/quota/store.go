package quota

import (
	"context"
	"time"
)

// Store is the quota persistence boundary.
//
// Implementations must express every mutation as a conditional write on the
// user row (compare-and-swap on the guarded columns), so concurrent instances
// cannot double-apply an effect. Redemption-path effects additionally run
// inside the redemption transaction on the postgres path (see the Tx helpers
// in store_postgres.go).
type Store interface {
	// Get returns the user row or ErrNotFound.
	Get(ctx context.Context, uid string) (User, error)

	// EnsureUser provisions a user row on first touch with the given starting
	// pool. Existing rows are returned unchanged.
	EnsureUser(ctx context.Context, uid, email string, pool int, now time.Time) (User, error)

	// DebitOnSend decrements remaining by one unless the user is admin
	// (no-op). Fails ErrExhausted when remaining is zero and not admin.
	DebitOnSend(ctx context.Context, uid string, now time.Time) (User, error)

	// CreditOnSend is the compensating credit for a send whose ledger write
	// failed after the debit. No-op for admins.
	CreditOnSend(ctx context.Context, uid string, now time.Time) (User, error)

	// CreditRedeemedSender increments the sender's redeemed counter.
	// Remaining and granted are untouched.
	CreditRedeemedSender(ctx context.Context, uid string, now time.Time) (User, error)

	// GrantFresh gives a newly redeemed user their own starting pool,
	// creating the row if needed. It is idempotent: a user who already holds
	// a grant is returned unchanged.
	GrantFresh(ctx context.Context, uid, email string, amount int, now time.Time) (User, error)

	// SetAdmin toggles the unlimited flag. Clearing it restores the default
	// pool and keeps granted >= redeemed.
	SetAdmin(ctx context.Context, uid string, admin bool, defaultPool int, now time.Time) (User, error)

	// ApplyUnlockBonus applies the one-time engagement bonus, guarded by the
	// bonus_unlocked flag. The bool reports whether this call applied it.
	ApplyUnlockBonus(ctx context.Context, uid string, amount int, now time.Time) (User, bool, error)

	// ApplySyncBonus applies the one-time address-book sync bonus, guarded by
	// the sync_bonus_used flag. The bool reports whether this call applied it.
	ApplySyncBonus(ctx context.Context, uid string, amount int, now time.Time) (User, bool, error)
}
