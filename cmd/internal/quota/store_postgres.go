package quota

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const userColumns = `uid, email, admin, invites_remaining, invites_granted, invites_redeemed, bonus_unlocked, sync_bonus_used, created_at, updated_at`

// PostgresStore persists quota counters in PostgreSQL.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// StoreOption configures PostgresStore.
type StoreOption func(*PostgresStore) error

// WithSchema sets the DB schema used by the store (default: "vine").
func WithSchema(schema string) StoreOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return ErrInvalidInput
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...StoreOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: "vine"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, ErrInvalidInput
	}
	return st, nil
}

// Schema returns the configured DB schema.
func (s *PostgresStore) Schema() string { return s.schema }

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}

func scanUser(row pgx.Row) (User, error) {
	var u User
	err := row.Scan(
		&u.UID,
		&u.Email,
		&u.Admin,
		&u.Remaining,
		&u.Granted,
		&u.Redeemed,
		&u.BonusUnlocked,
		&u.SyncBonusUsed,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	return u, err
}

// Get fetches a user row.
func (s *PostgresStore) Get(ctx context.Context, uid string) (User, error) {
	if s == nil || s.pool == nil {
		return User{}, ErrInvalidInput
	}
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return User{}, ErrInvalidInput
	}
	users := pgIdent(s.schema, "users")
	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM `+users+` WHERE uid = $1`, uid))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, OpError{Op: "quota.get", Kind: ErrNotFound}
		}
		return User{}, err
	}
	return u, nil
}

// EnsureUser provisions a quota row on first touch. Existing rows win.
func (s *PostgresStore) EnsureUser(ctx context.Context, uid, email string, pool int, now time.Time) (User, error) {
	if s == nil || s.pool == nil {
		return User{}, ErrInvalidInput
	}
	uid = strings.TrimSpace(uid)
	if uid == "" || pool < 0 {
		return User{}, OpError{Op: "quota.ensure_user", Kind: ErrInvalidInput}
	}
	users := pgIdent(s.schema, "users")
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+users+` (uid, email, admin, invites_remaining, invites_granted, invites_redeemed, bonus_unlocked, sync_bonus_used, created_at, updated_at)
		 VALUES ($1, $2, false, $3, $3, 0, false, false, $4, $4)
		 ON CONFLICT (uid) DO NOTHING`,
		uid, email, pool, now)
	if err != nil {
		return User{}, err
	}
	return s.Get(ctx, uid)
}

// DebitOnSend is a single conditional write: the decrement only lands when
// the user is non-admin with remaining > 0. Admins pass through untouched.
func (s *PostgresStore) DebitOnSend(ctx context.Context, uid string, now time.Time) (User, error) {
	users := pgIdent(s.schema, "users")
	u, err := scanUser(s.pool.QueryRow(ctx,
		`UPDATE `+users+`
		    SET invites_remaining = invites_remaining - 1, updated_at = $2
		  WHERE uid = $1 AND NOT admin AND invites_remaining > 0
		RETURNING `+userColumns, uid, now))
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return User{}, err
	}

	// Distinguish not-found vs admin vs exhausted.
	cur, selErr := s.Get(ctx, uid)
	if selErr != nil {
		return User{}, selErr
	}
	if cur.Admin {
		return cur, nil
	}
	return User{}, OpError{Op: "quota.debit", Kind: ErrExhausted}
}

// CreditOnSend restores the slot consumed by a failed send.
func (s *PostgresStore) CreditOnSend(ctx context.Context, uid string, now time.Time) (User, error) {
	users := pgIdent(s.schema, "users")
	u, err := scanUser(s.pool.QueryRow(ctx,
		`UPDATE `+users+`
		    SET invites_remaining = invites_remaining + 1, updated_at = $2
		  WHERE uid = $1 AND NOT admin
		RETURNING `+userColumns, uid, now))
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return User{}, err
	}
	return s.Get(ctx, uid)
}

// CreditRedeemedSender increments the sender's redeemed counter.
func (s *PostgresStore) CreditRedeemedSender(ctx context.Context, uid string, now time.Time) (User, error) {
	return creditRedeemedSender(ctx, s.pool, s.schema, uid, now)
}

// GrantFresh gives a newly redeemed user their own pool; no-op when the user
// already holds a grant.
func (s *PostgresStore) GrantFresh(ctx context.Context, uid, email string, amount int, now time.Time) (User, error) {
	return grantFresh(ctx, s.pool, s.schema, uid, email, amount, now)
}

// SetAdmin toggles the unlimited flag. Demotion restores the default pool and
// re-bases granted so granted >= redeemed stays true.
func (s *PostgresStore) SetAdmin(ctx context.Context, uid string, admin bool, defaultPool int, now time.Time) (User, error) {
	users := pgIdent(s.schema, "users")
	var (
		u   User
		err error
	)
	if admin {
		u, err = scanUser(s.pool.QueryRow(ctx,
			`UPDATE `+users+` SET admin = true, updated_at = $2
			  WHERE uid = $1
			RETURNING `+userColumns, uid, now))
	} else {
		u, err = scanUser(s.pool.QueryRow(ctx,
			`UPDATE `+users+`
			    SET admin = false,
			        invites_remaining = $2,
			        invites_granted = invites_redeemed + $2,
			        updated_at = $3
			  WHERE uid = $1
			RETURNING `+userColumns, uid, defaultPool, now))
	}
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, OpError{Op: "quota.set_admin", Kind: ErrNotFound}
		}
		return User{}, err
	}
	return u, nil
}

// ApplyUnlockBonus applies the engagement bonus once; the bonus_unlocked flag
// is the compare-and-swap guard.
func (s *PostgresStore) ApplyUnlockBonus(ctx context.Context, uid string, amount int, now time.Time) (User, bool, error) {
	u, applied, err := applyUnlockBonus(ctx, s.pool, s.schema, uid, amount, now)
	if err != nil {
		return User{}, false, err
	}
	if !applied {
		cur, selErr := s.Get(ctx, uid)
		if selErr != nil {
			return User{}, false, selErr
		}
		return cur, false, nil
	}
	return u, true, nil
}

// ApplySyncBonus applies the address-book sync bonus once; sync_bonus_used is
// the guard.
func (s *PostgresStore) ApplySyncBonus(ctx context.Context, uid string, amount int, now time.Time) (User, bool, error) {
	users := pgIdent(s.schema, "users")
	u, err := scanUser(s.pool.QueryRow(ctx,
		`UPDATE `+users+`
		    SET sync_bonus_used = true,
		        invites_remaining = invites_remaining + $2,
		        invites_granted = invites_granted + $2,
		        updated_at = $3
		  WHERE uid = $1 AND NOT sync_bonus_used
		RETURNING `+userColumns, uid, amount, now))
	if err == nil {
		return u, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return User{}, false, err
	}
	cur, selErr := s.Get(ctx, uid)
	if selErr != nil {
		return User{}, false, selErr
	}
	return cur, false, nil
}
