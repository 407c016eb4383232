package quota

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so the redemption
// transaction can reuse the same conditional writes the pool path uses.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// GetTx fetches a user row inside a transaction.
func GetTx(ctx context.Context, tx pgx.Tx, schema, uid string) (User, error) {
	users := pgIdent(schema, "users")
	u, err := scanUser(tx.QueryRow(ctx,
		`SELECT `+userColumns+` FROM `+users+` WHERE uid = $1`, uid))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, OpError{Op: "quota.get", Kind: ErrNotFound}
		}
		return User{}, err
	}
	return u, nil
}

// CreditRedeemedSenderTx increments the sender's redeemed counter inside the
// redemption transaction.
func CreditRedeemedSenderTx(ctx context.Context, tx pgx.Tx, schema, uid string, now time.Time) (User, error) {
	return creditRedeemedSender(ctx, tx, schema, uid, now)
}

// GrantFreshTx applies the viral re-grant inside the redemption transaction.
func GrantFreshTx(ctx context.Context, tx pgx.Tx, schema, uid, email string, amount int, now time.Time) (User, error) {
	return grantFresh(ctx, tx, schema, uid, email, amount, now)
}

// ApplyUnlockBonusTx applies the one-shot engagement bonus inside the
// redemption transaction. applied=false means the guard already tripped.
func ApplyUnlockBonusTx(ctx context.Context, tx pgx.Tx, schema, uid string, amount int, now time.Time) (User, bool, error) {
	u, applied, err := applyUnlockBonus(ctx, tx, schema, uid, amount, now)
	if err != nil {
		return User{}, false, err
	}
	if !applied {
		cur, selErr := GetTx(ctx, tx, schema, uid)
		if selErr != nil {
			return User{}, false, selErr
		}
		return cur, false, nil
	}
	return u, true, nil
}

func creditRedeemedSender(ctx context.Context, q querier, schema, uid string, now time.Time) (User, error) {
	users := pgIdent(schema, "users")
	u, err := scanUser(q.QueryRow(ctx,
		`UPDATE `+users+`
		    SET invites_redeemed = invites_redeemed + 1, updated_at = $2
		  WHERE uid = $1
		RETURNING `+userColumns, uid, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, OpError{Op: "quota.credit_redeemed", Kind: ErrNotFound}
		}
		return User{}, err
	}
	return u, nil
}

// grantFresh is idempotent: the upsert only lands counters while
// invites_granted is still zero, so a replayed redemption cannot double-fund
// the new user.
func grantFresh(ctx context.Context, q querier, schema, uid, email string, amount int, now time.Time) (User, error) {
	if uid == "" || amount <= 0 {
		return User{}, OpError{Op: "quota.grant_fresh", Kind: ErrInvalidInput}
	}
	users := pgIdent(schema, "users")
	_, err := q.Exec(ctx,
		`INSERT INTO `+users+` AS u (uid, email, admin, invites_remaining, invites_granted, invites_redeemed, bonus_unlocked, sync_bonus_used, created_at, updated_at)
		 VALUES ($1, $2, false, $3, $3, 0, false, false, $4, $4)
		 ON CONFLICT (uid) DO UPDATE
		    SET invites_remaining = EXCLUDED.invites_remaining,
		        invites_granted = EXCLUDED.invites_granted,
		        updated_at = EXCLUDED.updated_at
		  WHERE u.invites_granted = 0`,
		uid, email, amount, now)
	if err != nil {
		return User{}, err
	}
	u, err := scanUser(q.QueryRow(ctx,
		`SELECT `+userColumns+` FROM `+pgIdent(schema, "users")+` WHERE uid = $1`, uid))
	if err != nil {
		return User{}, err
	}
	return u, nil
}

func applyUnlockBonus(ctx context.Context, q querier, schema, uid string, amount int, now time.Time) (User, bool, error) {
	users := pgIdent(schema, "users")
	u, err := scanUser(q.QueryRow(ctx,
		`UPDATE `+users+`
		    SET bonus_unlocked = true,
		        invites_remaining = invites_remaining + $2,
		        invites_granted = invites_granted + $2,
		        updated_at = $3
		  WHERE uid = $1 AND NOT bonus_unlocked
		RETURNING `+userColumns, uid, amount, now))
	if err == nil {
		return u, true, nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, false, nil
	}
	return User{}, false, err
}
