package quota

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a dev-only fallback when DB is not configured. All mutations
// happen under one mutex, so the conditional-write contract holds trivially.
type MemoryStore struct {
	mu    sync.Mutex
	users map[string]*User
}

// NewMemoryStore constructs an in-memory quota Store implementation.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]*User)}
}

// Get returns the user row or ErrNotFound.
func (s *MemoryStore) Get(ctx context.Context, uid string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[uid]
	if !ok {
		return User{}, OpError{Op: "quota.get", Kind: ErrNotFound}
	}
	return *u, nil
}

// EnsureUser provisions a user on first touch; existing rows are untouched.
func (s *MemoryStore) EnsureUser(ctx context.Context, uid, email string, pool int, now time.Time) (User, error) {
	if uid == "" || pool < 0 {
		return User{}, OpError{Op: "quota.ensure_user", Kind: ErrInvalidInput}
	}
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[uid]; ok {
		return *u, nil
	}
	u := &User{
		UID:       uid,
		Email:     email,
		Remaining: pool,
		Granted:   pool,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.users[uid] = u
	return *u, nil
}

// DebitOnSend decrements remaining unless the user is admin.
func (s *MemoryStore) DebitOnSend(ctx context.Context, uid string, now time.Time) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[uid]
	if !ok {
		return User{}, OpError{Op: "quota.debit", Kind: ErrNotFound}
	}
	if u.Admin {
		return *u, nil
	}
	if u.Remaining <= 0 {
		return User{}, OpError{Op: "quota.debit", Kind: ErrExhausted}
	}
	u.Remaining--
	u.UpdatedAt = now
	return *u, nil
}

// CreditOnSend restores the slot consumed by a failed send.
func (s *MemoryStore) CreditOnSend(ctx context.Context, uid string, now time.Time) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[uid]
	if !ok {
		return User{}, OpError{Op: "quota.credit_send", Kind: ErrNotFound}
	}
	if u.Admin {
		return *u, nil
	}
	u.Remaining++
	u.UpdatedAt = now
	return *u, nil
}

// CreditRedeemedSender increments the sender's redeemed counter.
func (s *MemoryStore) CreditRedeemedSender(ctx context.Context, uid string, now time.Time) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[uid]
	if !ok {
		return User{}, OpError{Op: "quota.credit_redeemed", Kind: ErrNotFound}
	}
	u.Redeemed++
	u.UpdatedAt = now
	return *u, nil
}

// GrantFresh gives a newly redeemed user their own pool. No-op for users who
// already hold a grant, which makes replays safe.
func (s *MemoryStore) GrantFresh(ctx context.Context, uid, email string, amount int, now time.Time) (User, error) {
	if uid == "" || amount <= 0 {
		return User{}, OpError{Op: "quota.grant_fresh", Kind: ErrInvalidInput}
	}
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[uid]
	if !ok {
		u = &User{UID: uid, Email: email, CreatedAt: now}
		s.users[uid] = u
	}
	if u.Granted > 0 {
		return *u, nil
	}
	u.Remaining = amount
	u.Granted = amount
	u.UpdatedAt = now
	return *u, nil
}

// SetAdmin toggles the unlimited flag. Demotion restores the default pool and
// keeps granted >= redeemed.
func (s *MemoryStore) SetAdmin(ctx context.Context, uid string, admin bool, defaultPool int, now time.Time) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[uid]
	if !ok {
		return User{}, OpError{Op: "quota.set_admin", Kind: ErrNotFound}
	}
	u.Admin = admin
	if !admin {
		u.Remaining = defaultPool
		u.Granted = u.Redeemed + defaultPool
	}
	u.UpdatedAt = now
	return *u, nil
}

// ApplyUnlockBonus applies the engagement bonus once, guarded by BonusUnlocked.
func (s *MemoryStore) ApplyUnlockBonus(ctx context.Context, uid string, amount int, now time.Time) (User, bool, error) {
	if err := ctx.Err(); err != nil {
		return User{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[uid]
	if !ok {
		return User{}, false, OpError{Op: "quota.unlock_bonus", Kind: ErrNotFound}
	}
	if u.BonusUnlocked {
		return *u, false, nil
	}
	u.BonusUnlocked = true
	u.Remaining += amount
	u.Granted += amount
	u.UpdatedAt = now
	return *u, true, nil
}

// ApplySyncBonus applies the address-book sync bonus once, guarded by SyncBonusUsed.
func (s *MemoryStore) ApplySyncBonus(ctx context.Context, uid string, amount int, now time.Time) (User, bool, error) {
	if err := ctx.Err(); err != nil {
		return User{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[uid]
	if !ok {
		return User{}, false, OpError{Op: "quota.sync_bonus", Kind: ErrNotFound}
	}
	if u.SyncBonusUsed {
		return *u, false, nil
	}
	u.SyncBonusUsed = true
	u.Remaining += amount
	u.Granted += amount
	u.UpdatedAt = now
	return *u, true, nil
}
