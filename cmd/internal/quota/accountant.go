package quota

import (
	"context"
	"log/slog"
	"time"
)

// Accountant computes and mutates per-user invite counters. It owns the quota
// policy knobs (default pool, viral fresh pool, bonus amount) and delegates
// durable state to its Store.
type Accountant struct {
	store Store
	log   *slog.Logger

	defaultPool int
	freshPool   int
	bonusAmount int
}

// Option configures the Accountant.
type Option func(*Accountant) error

// WithDefaultPool sets the pool given to first-touch users and to demoted admins.
func WithDefaultPool(n int) Option {
	return func(a *Accountant) error {
		if n <= 0 {
			return ErrInvalidInput
		}
		a.defaultPool = n
		return nil
	}
}

// WithFreshPool sets the viral re-grant pool for newly redeemed users.
func WithFreshPool(n int) Option {
	return func(a *Accountant) error {
		if n <= 0 {
			return ErrInvalidInput
		}
		a.freshPool = n
		return nil
	}
}

// WithBonusAmount sets the one-shot bonus amount.
func WithBonusAmount(n int) Option {
	return func(a *Accountant) error {
		if n <= 0 {
			return ErrInvalidInput
		}
		a.bonusAmount = n
		return nil
	}
}

// NewAccountant constructs an Accountant with safe policy defaults.
func NewAccountant(store Store, log *slog.Logger, opts ...Option) (*Accountant, error) {
	if store == nil {
		return nil, ErrInvalidInput
	}
	if log == nil {
		log = slog.Default()
	}
	a := &Accountant{
		store:       store,
		log:         log,
		defaultPool: DefaultPool,
		freshPool:   DefaultFreshPool,
		bonusAmount: DefaultBonusAmount,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(a); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// FreshPool returns the configured viral re-grant amount.
func (a *Accountant) FreshPool() int { return a.freshPool }

// BonusAmount returns the configured one-shot bonus amount.
func (a *Accountant) BonusAmount() int { return a.bonusAmount }

// CanSend reports whether the user may generate an invite: admin/unlimited,
// or remaining > 0.
func (a *Accountant) CanSend(ctx context.Context, uid string) (bool, error) {
	u, err := a.store.Get(ctx, uid)
	if err != nil {
		return false, err
	}
	return u.CanSend(), nil
}

// IsAdmin reports whether the user holds the unlimited override.
func (a *Accountant) IsAdmin(ctx context.Context, uid string) (bool, error) {
	u, err := a.store.Get(ctx, uid)
	if err != nil {
		return false, err
	}
	return u.Admin, nil
}

// Snapshot returns the user's derived quota view.
func (a *Accountant) Snapshot(ctx context.Context, uid string) (Snapshot, error) {
	u, err := a.store.Get(ctx, uid)
	if err != nil {
		return Snapshot{}, err
	}
	return SnapshotOf(u), nil
}

// EnsureUser provisions a quota row on first touch with the default pool.
func (a *Accountant) EnsureUser(ctx context.Context, uid, email string) (Snapshot, error) {
	u, err := a.store.EnsureUser(ctx, uid, email, a.defaultPool, time.Now().UTC())
	if err != nil {
		return Snapshot{}, err
	}
	return SnapshotOf(u), nil
}

// DebitOnSend consumes one invite slot. Admins are unlimited and keep their
// counters untouched.
func (a *Accountant) DebitOnSend(ctx context.Context, uid string) (Snapshot, error) {
	u, err := a.store.DebitOnSend(ctx, uid, time.Now().UTC())
	if err != nil {
		return Snapshot{}, err
	}
	return SnapshotOf(u), nil
}

// CreditOnSend is the compensating credit used when a send fails after its
// debit. A failed send must never leave a user permanently short a slot.
func (a *Accountant) CreditOnSend(ctx context.Context, uid string) (Snapshot, error) {
	u, err := a.store.CreditOnSend(ctx, uid, time.Now().UTC())
	if err != nil {
		return Snapshot{}, err
	}
	a.log.Info("quota.debit.rolled_back", "uid", uid)
	return SnapshotOf(u), nil
}

// CreditOnRedeemSender increments the sender's redeemed counter.
func (a *Accountant) CreditOnRedeemSender(ctx context.Context, uid string) (Snapshot, error) {
	u, err := a.store.CreditRedeemedSender(ctx, uid, time.Now().UTC())
	if err != nil {
		return Snapshot{}, err
	}
	return SnapshotOf(u), nil
}

// GrantFreshQuota gives a newly redeemed user their own pool, independent of
// the inviter's. Idempotent for users who already hold a grant.
func (a *Accountant) GrantFreshQuota(ctx context.Context, uid, email string) (Snapshot, error) {
	u, err := a.store.GrantFresh(ctx, uid, email, a.freshPool, time.Now().UTC())
	if err != nil {
		return Snapshot{}, err
	}
	return SnapshotOf(u), nil
}

// SetAdmin toggles the unlimited override. Turning admin off restores the
// default pool rather than leaving a stale or negative remaining count.
func (a *Accountant) SetAdmin(ctx context.Context, uid string, admin bool) (Snapshot, error) {
	u, err := a.store.SetAdmin(ctx, uid, admin, a.defaultPool, time.Now().UTC())
	if err != nil {
		return Snapshot{}, err
	}
	a.log.Info("quota.set_admin", "uid", uid, "admin", admin)
	return SnapshotOf(u), nil
}

// ApplySyncBonus applies the one-time address-book sync bonus. The bool
// reports whether this call granted it (false on replays).
func (a *Accountant) ApplySyncBonus(ctx context.Context, uid string) (Snapshot, bool, error) {
	u, applied, err := a.store.ApplySyncBonus(ctx, uid, a.bonusAmount, time.Now().UTC())
	if err != nil {
		return Snapshot{}, false, err
	}
	if applied {
		a.log.Info("quota.sync_bonus.applied", "uid", uid, "amount", a.bonusAmount)
	}
	return SnapshotOf(u), applied, nil
}

// EvaluateAndApplyUnlock checks the engagement thresholds for a user and
// applies the one-shot bonus when crossed. Safe to call repeatedly.
func (a *Accountant) EvaluateAndApplyUnlock(ctx context.Context, uid string, connections int) (Snapshot, bool, error) {
	u, err := a.store.Get(ctx, uid)
	if err != nil {
		return Snapshot{}, false, err
	}
	unlock := EvaluateUnlock(u.Redeemed, connections, u.BonusUnlocked)
	if !unlock.ShouldUnlock {
		return SnapshotOf(u), false, nil
	}
	u, applied, err := a.store.ApplyUnlockBonus(ctx, uid, a.bonusAmount, time.Now().UTC())
	if err != nil {
		return Snapshot{}, false, err
	}
	if applied {
		a.log.Info("quota.bonus.unlocked", "uid", uid, "amount", a.bonusAmount)
	}
	return SnapshotOf(u), applied, nil
}
