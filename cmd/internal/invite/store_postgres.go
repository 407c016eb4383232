package invite

import (
	"context"
	"errors"
	"strings"
	"time"

	"vine/cmd/internal/quota"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	inviteColumns = `id, sender_uid, sender_email, recipient_email, token, status, sent_at, redeemed_at, redeemed_by_uid, redeemed_by_email`
	tokenColumns  = `token, invite_id, sender_uid, used, used_at, used_by_uid, used_by_email`
	edgeColumns   = `id, from_uid, to_uid, invite_id, created_at`
)

// PostgresStore persists invites, tokens, and referral edges in PostgreSQL.
// Redemption runs as one transaction that also applies quota effects through
// the quota package's Tx helpers.
type PostgresStore struct {
	pool   *pgxpool.Pool
	quotas *quota.PostgresStore
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

// NewPostgresStore constructs a PostgresStore. The quota store must share the
// same pool so redemption transactions span both sets of tables.
func NewPostgresStore(pool *pgxpool.Pool, quotas *quota.PostgresStore, opts ...StoreOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, quotas: quotas, schema: "vine"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil || st.quotas == nil {
		return nil, ErrInvalidInput
	}
	return st, nil
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func scanInvite(row pgx.Row) (Invite, error) {
	var inv Invite
	err := row.Scan(
		&inv.ID,
		&inv.SenderUID,
		&inv.SenderEmail,
		&inv.RecipientEmail,
		&inv.Token,
		&inv.Status,
		&inv.SentAt,
		&inv.RedeemedAt,
		&inv.RedeemedByUID,
		&inv.RedeemedByEmail,
	)
	return inv, err
}

func scanToken(row pgx.Row) (Token, error) {
	var t Token
	err := row.Scan(
		&t.Token,
		&t.InviteID,
		&t.SenderUID,
		&t.Used,
		&t.UsedAt,
		&t.UsedByUID,
		&t.UsedByEmail,
	)
	return t, err
}

// CreateInvite inserts the invite row and its token row in one transaction.
// A code collision fails ErrConflict so the caller can retry with a new code.
func (s *PostgresStore) CreateInvite(ctx context.Context, in CreateRecord) (Invite, error) {
	if s == nil || s.pool == nil {
		return Invite{}, ErrInvalidInput
	}
	if strings.TrimSpace(in.InviteID) == "" || strings.TrimSpace(in.SenderUID) == "" || strings.TrimSpace(in.Code) == "" {
		return Invite{}, OpError{Op: "invite.create", Kind: ErrInvalidInput}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Invite{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	invites := pgIdent(s.schema, "invites")
	tokens := pgIdent(s.schema, "invite_tokens")

	_, err = tx.Exec(ctx,
		`INSERT INTO `+invites+` (id, sender_uid, sender_email, recipient_email, token, status, sent_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		in.InviteID, in.SenderUID, in.SenderEmail, in.RecipientEmail, in.Code, StatusSent, in.SentAt)
	if err != nil {
		if isUniqueViolation(err) {
			return Invite{}, OpError{Op: "invite.create", Kind: ErrConflict, Msg: "code collision"}
		}
		return Invite{}, err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO `+tokens+` (token, invite_id, sender_uid, used)
		 VALUES ($1, $2, $3, false)`,
		in.Code, in.InviteID, in.SenderUID)
	if err != nil {
		if isUniqueViolation(err) {
			return Invite{}, OpError{Op: "invite.create", Kind: ErrConflict, Msg: "code collision"}
		}
		return Invite{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Invite{}, err
	}

	return Invite{
		ID:             in.InviteID,
		SenderUID:      in.SenderUID,
		SenderEmail:    in.SenderEmail,
		RecipientEmail: in.RecipientEmail,
		Token:          in.Code,
		Status:         StatusSent,
		SentAt:         in.SentAt,
	}, nil
}

// GetToken fetches the token row by code.
func (s *PostgresStore) GetToken(ctx context.Context, code string) (Token, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return Token{}, OpError{Op: "invite.get_token", Kind: ErrInvalidInput}
	}
	tokens := pgIdent(s.schema, "invite_tokens")
	t, err := scanToken(s.pool.QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM `+tokens+` WHERE token = $1`, code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Token{}, OpError{Op: "invite.get_token", Kind: ErrNotFound}
		}
		return Token{}, err
	}
	return t, nil
}

// GetInvite fetches an invite by id.
func (s *PostgresStore) GetInvite(ctx context.Context, inviteID string) (Invite, error) {
	invites := pgIdent(s.schema, "invites")
	inv, err := scanInvite(s.pool.QueryRow(ctx,
		`SELECT `+inviteColumns+` FROM `+invites+` WHERE id = $1`, inviteID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Invite{}, OpError{Op: "invite.get", Kind: ErrNotFound}
		}
		return Invite{}, err
	}
	return inv, nil
}

// Redeem consumes the token and applies all redemption effects in one
// transaction. The mark-used conditional write is the race arbiter: exactly
// one concurrent caller gets rows back, everyone else is classified after the
// fact (invalid code, replay by the winner, or a lost race).
func (s *PostgresStore) Redeem(ctx context.Context, in RedeemRecord) (RedeemOutcome, error) {
	if strings.TrimSpace(in.Code) == "" || strings.TrimSpace(in.RedeemerUID) == "" {
		return RedeemOutcome{}, OpError{Op: "invite.redeem", Kind: ErrInvalidInput}
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return RedeemOutcome{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tok, err := markUsedTx(ctx, tx, s.schema, in.Code, in.RedeemerUID, in.RedeemerEmail, now)
	if err != nil {
		if errors.Is(err, ErrAlreadyRedeemed) {
			// Lost the conditional write; classify outside the failed path.
			return s.classifyRedeemLoss(ctx, in.Code, in.RedeemerUID)
		}
		return RedeemOutcome{}, err
	}

	inv, err := recordRedeemedTx(ctx, tx, s.schema, tok.InviteID, in.RedeemerUID, in.RedeemerEmail, now)
	if err != nil {
		return RedeemOutcome{}, err
	}

	edgeID, err := NewULID(now)
	if err != nil {
		return RedeemOutcome{}, err
	}
	edge, err := createEdgeTx(ctx, tx, s.schema, Edge{
		ID: edgeID, FromUID: tok.SenderUID, ToUID: in.RedeemerUID, InviteID: tok.InviteID, CreatedAt: now,
	})
	if err != nil {
		return RedeemOutcome{}, err
	}

	senderRow, err := quota.CreditRedeemedSenderTx(ctx, tx, s.quotas.Schema(), tok.SenderUID, now)
	if err != nil {
		return RedeemOutcome{}, err
	}
	redeemerRow, err := quota.GrantFreshTx(ctx, tx, s.quotas.Schema(), in.RedeemerUID, in.RedeemerEmail, in.FreshPool, now)
	if err != nil {
		return RedeemOutcome{}, err
	}

	unlocked := false
	connections, err := countEdgesFromTx(ctx, tx, s.schema, tok.SenderUID)
	if err != nil {
		return RedeemOutcome{}, err
	}
	if u := quota.EvaluateUnlock(senderRow.Redeemed, connections, senderRow.BonusUnlocked); u.ShouldUnlock {
		senderRow, unlocked, err = quota.ApplyUnlockBonusTx(ctx, tx, s.quotas.Schema(), tok.SenderUID, pickBonus(in.BonusAmount, u.Amount), now)
		if err != nil {
			return RedeemOutcome{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return RedeemOutcome{}, err
	}

	return RedeemOutcome{
		Invite:        inv,
		Edge:          edge,
		SenderQuota:   quota.SnapshotOf(senderRow),
		RedeemerQuota: quota.SnapshotOf(redeemerRow),
		BonusUnlocked: unlocked,
	}, nil
}

// classifyRedeemLoss distinguishes invalid code, self-redemption, a replay by
// the winning redeemer, and a genuinely lost race.
func (s *PostgresStore) classifyRedeemLoss(ctx context.Context, code, redeemerUID string) (RedeemOutcome, error) {
	tok, err := s.GetToken(ctx, code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return RedeemOutcome{}, OpError{Op: "invite.redeem", Kind: ErrInvalidCode}
		}
		return RedeemOutcome{}, err
	}
	if !tok.Used {
		if tok.SenderUID == redeemerUID {
			return RedeemOutcome{}, OpError{Op: "invite.redeem", Kind: ErrSelfRedemption}
		}
		// The guard failed but the token reads unused: transient contention.
		return RedeemOutcome{}, OpError{Op: "invite.redeem", Kind: ErrRetryable}
	}
	if tok.UsedByUID != nil && *tok.UsedByUID == redeemerUID {
		return s.replayOutcome(ctx, tok)
	}
	return RedeemOutcome{}, OpError{Op: "invite.redeem", Kind: ErrAlreadyRedeemed}
}

// replayOutcome reconstructs the success result of an already-settled
// redemption so client retries are idempotent.
func (s *PostgresStore) replayOutcome(ctx context.Context, tok Token) (RedeemOutcome, error) {
	inv, err := s.GetInvite(ctx, tok.InviteID)
	if err != nil {
		return RedeemOutcome{}, err
	}
	if inv.Status != StatusRedeemed {
		return RedeemOutcome{}, OpError{Op: "invite.redeem", Kind: ErrInconsistent, Msg: "used token with unsettled ledger"}
	}

	edges := pgIdent(s.schema, "invite_edges")
	var edge Edge
	err = s.pool.QueryRow(ctx,
		`SELECT `+edgeColumns+` FROM `+edges+` WHERE invite_id = $1`, tok.InviteID).
		Scan(&edge.ID, &edge.FromUID, &edge.ToUID, &edge.InviteID, &edge.CreatedAt)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return RedeemOutcome{}, err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return RedeemOutcome{}, OpError{Op: "invite.redeem", Kind: ErrInconsistent, Msg: "used token without edge"}
	}

	senderRow, err := s.quotas.Get(ctx, tok.SenderUID)
	if err != nil {
		return RedeemOutcome{}, err
	}
	redeemerRow, err := s.quotas.Get(ctx, *tok.UsedByUID)
	if err != nil {
		return RedeemOutcome{}, err
	}

	return RedeemOutcome{
		Invite:        inv,
		Edge:          edge,
		SenderQuota:   quota.SnapshotOf(senderRow),
		RedeemerQuota: quota.SnapshotOf(redeemerRow),
		Replayed:      true,
	}, nil
}

// Reconcile completes any redemption effects missing for a used token, keyed
// by the invite id. Safe to run repeatedly; a fully settled invite replays.
func (s *PostgresStore) Reconcile(ctx context.Context, inviteID string, freshPool, bonus int, now time.Time) (RedeemOutcome, error) {
	if strings.TrimSpace(inviteID) == "" {
		return RedeemOutcome{}, OpError{Op: "invite.reconcile", Kind: ErrInvalidInput}
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return RedeemOutcome{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	inv, err := getInviteForUpdateTx(ctx, tx, s.schema, inviteID)
	if err != nil {
		return RedeemOutcome{}, err
	}
	tok, err := getTokenForUpdateTx(ctx, tx, s.schema, inv.Token)
	if err != nil {
		return RedeemOutcome{}, err
	}
	if !tok.Used || tok.UsedByUID == nil {
		return RedeemOutcome{}, OpError{Op: "invite.reconcile", Kind: ErrInvalidInput, Msg: "token not used"}
	}

	settled := inv.Status == StatusRedeemed
	if !settled {
		email := ""
		if tok.UsedByEmail != nil {
			email = *tok.UsedByEmail
		}
		inv, err = recordRedeemedTx(ctx, tx, s.schema, inviteID, *tok.UsedByUID, email, now)
		if err != nil {
			return RedeemOutcome{}, err
		}
	}

	edgeID, err := NewULID(now)
	if err != nil {
		return RedeemOutcome{}, err
	}
	edge, err := createEdgeTx(ctx, tx, s.schema, Edge{
		ID: edgeID, FromUID: tok.SenderUID, ToUID: *tok.UsedByUID, InviteID: inviteID, CreatedAt: now,
	})
	if err != nil {
		return RedeemOutcome{}, err
	}

	senderRow, err := quota.GetTx(ctx, tx, s.quotas.Schema(), tok.SenderUID)
	if err != nil {
		return RedeemOutcome{}, err
	}
	if !settled {
		senderRow, err = quota.CreditRedeemedSenderTx(ctx, tx, s.quotas.Schema(), tok.SenderUID, now)
		if err != nil {
			return RedeemOutcome{}, err
		}
	}

	email := ""
	if tok.UsedByEmail != nil {
		email = *tok.UsedByEmail
	}
	redeemerRow, err := quota.GrantFreshTx(ctx, tx, s.quotas.Schema(), *tok.UsedByUID, email, freshPool, now)
	if err != nil {
		return RedeemOutcome{}, err
	}

	unlocked := false
	connections, err := countEdgesFromTx(ctx, tx, s.schema, tok.SenderUID)
	if err != nil {
		return RedeemOutcome{}, err
	}
	if u := quota.EvaluateUnlock(senderRow.Redeemed, connections, senderRow.BonusUnlocked); u.ShouldUnlock {
		senderRow, unlocked, err = quota.ApplyUnlockBonusTx(ctx, tx, s.quotas.Schema(), tok.SenderUID, pickBonus(bonus, u.Amount), now)
		if err != nil {
			return RedeemOutcome{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return RedeemOutcome{}, err
	}

	return RedeemOutcome{
		Invite:        inv,
		Edge:          edge,
		SenderQuota:   quota.SnapshotOf(senderRow),
		RedeemerQuota: quota.SnapshotOf(redeemerRow),
		BonusUnlocked: unlocked,
		Replayed:      settled,
	}, nil
}

// ListBySender returns the sender's invites, newest first.
func (s *PostgresStore) ListBySender(ctx context.Context, uid string) ([]Invite, error) {
	invites := pgIdent(s.schema, "invites")
	rows, err := s.pool.Query(ctx,
		`SELECT `+inviteColumns+` FROM `+invites+`
		  WHERE sender_uid = $1
		  ORDER BY sent_at DESC, id DESC`, uid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectInvites(rows)
}

// ListByRecipient returns invites redeemed by the given user, newest first.
func (s *PostgresStore) ListByRecipient(ctx context.Context, uid string) ([]Invite, error) {
	invites := pgIdent(s.schema, "invites")
	rows, err := s.pool.Query(ctx,
		`SELECT `+inviteColumns+` FROM `+invites+`
		  WHERE redeemed_by_uid = $1
		  ORDER BY sent_at DESC, id DESC`, uid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectInvites(rows)
}

// CountEdgesFrom returns the user's outbound referral edge count.
func (s *PostgresStore) CountEdgesFrom(ctx context.Context, uid string) (int, error) {
	edges := pgIdent(s.schema, "invite_edges")
	var n int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+edges+` WHERE from_uid = $1`, uid).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func collectInvites(rows pgx.Rows) ([]Invite, error) {
	var out []Invite
	for rows.Next() {
		inv, err := scanInvite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
