package invite

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// markUsedTx is the single conditional write guarding at-most-once
// redemption: the used flag flips only while it is still false and the
// redeemer is not the sender. No rows back means the guard failed and the
// caller must classify the loss.
func markUsedTx(ctx context.Context, tx pgx.Tx, schema, code, byUID, byEmail string, now time.Time) (Token, error) {
	tokens := pgIdent(schema, "invite_tokens")
	t, err := scanToken(tx.QueryRow(ctx,
		`UPDATE `+tokens+`
		    SET used = true, used_at = $2, used_by_uid = $3, used_by_email = $4
		  WHERE token = $1 AND used = false AND sender_uid <> $3
		RETURNING `+tokenColumns,
		code, now, byUID, byEmail))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Token{}, OpError{Op: "invite.mark_used", Kind: ErrAlreadyRedeemed}
		}
		return Token{}, err
	}
	return t, nil
}

// recordRedeemedTx applies the ledger's one sent->redeemed transition.
func recordRedeemedTx(ctx context.Context, tx pgx.Tx, schema, inviteID, byUID, byEmail string, now time.Time) (Invite, error) {
	invites := pgIdent(schema, "invites")
	inv, err := scanInvite(tx.QueryRow(ctx,
		`UPDATE `+invites+`
		    SET status = $2, redeemed_at = $3, redeemed_by_uid = $4, redeemed_by_email = $5
		  WHERE id = $1 AND status = $6
		RETURNING `+inviteColumns,
		inviteID, StatusRedeemed, now, byUID, byEmail, StatusSent))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Invite{}, OpError{Op: "invite.record_redeemed", Kind: ErrInconsistent, Msg: "no sent invite to transition"}
		}
		return Invite{}, err
	}
	return inv, nil
}

// createEdgeTx inserts the referral edge exactly once per invite; the unique
// invite_id constraint makes replays read back the original edge.
func createEdgeTx(ctx context.Context, tx pgx.Tx, schema string, e Edge) (Edge, error) {
	edges := pgIdent(schema, "invite_edges")
	_, err := tx.Exec(ctx,
		`INSERT INTO `+edges+` (id, from_uid, to_uid, invite_id, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (invite_id) DO NOTHING`,
		e.ID, e.FromUID, e.ToUID, e.InviteID, e.CreatedAt)
	if err != nil {
		return Edge{}, err
	}
	var out Edge
	err = tx.QueryRow(ctx,
		`SELECT `+edgeColumns+` FROM `+edges+` WHERE invite_id = $1`, e.InviteID).
		Scan(&out.ID, &out.FromUID, &out.ToUID, &out.InviteID, &out.CreatedAt)
	if err != nil {
		return Edge{}, err
	}
	return out, nil
}

func countEdgesFromTx(ctx context.Context, tx pgx.Tx, schema, uid string) (int, error) {
	edges := pgIdent(schema, "invite_edges")
	var n int
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+edges+` WHERE from_uid = $1`, uid).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func getInviteForUpdateTx(ctx context.Context, tx pgx.Tx, schema, inviteID string) (Invite, error) {
	invites := pgIdent(schema, "invites")
	inv, err := scanInvite(tx.QueryRow(ctx,
		`SELECT `+inviteColumns+` FROM `+invites+` WHERE id = $1 FOR UPDATE`, inviteID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Invite{}, OpError{Op: "invite.get", Kind: ErrNotFound}
		}
		return Invite{}, err
	}
	return inv, nil
}

func getTokenForUpdateTx(ctx context.Context, tx pgx.Tx, schema, code string) (Token, error) {
	tokens := pgIdent(schema, "invite_tokens")
	t, err := scanToken(tx.QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM `+tokens+` WHERE token = $1 FOR UPDATE`, code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Token{}, OpError{Op: "invite.get_token", Kind: ErrNotFound}
		}
		return Token{}, err
	}
	return t, nil
}
