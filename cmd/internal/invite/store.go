package invite

import (
	"context"
	"time"

	"vine/cmd/internal/quota"
)

// CreateRecord is a normalized send payload: the invite row and its token row
// are created together as one write.
type CreateRecord struct {
	InviteID       string
	SenderUID      string
	SenderEmail    string
	RecipientEmail *string
	Code           string
	SentAt         time.Time
}

// RedeemRecord describes a redemption attempt. FreshPool and BonusAmount are
// the quota policy values the transaction applies on success.
type RedeemRecord struct {
	Code          string
	RedeemerUID   string
	RedeemerEmail string
	FreshPool     int
	BonusAmount   int
	Now           time.Time
}

// RedeemOutcome is the settled result of a successful (or replayed) redemption.
type RedeemOutcome struct {
	Invite        Invite
	Edge          Edge
	SenderQuota   quota.Snapshot
	RedeemerQuota quota.Snapshot
	BonusUnlocked bool
	Replayed      bool
}

// Store is the persistence boundary for tokens, the invite ledger, and the
// referral edge graph.
//
// Redeem is the one cross-record atomic unit in the engine: mark-used (a
// compare-and-swap on the token's used flag), the ledger's sent->redeemed
// transition, the edge insert, the sender's redeemed credit, the redeemer's
// fresh-pool grant, and the sender's bonus-unlock evaluation all settle
// together or not at all. Losing the mark-used race fails ErrAlreadyRedeemed
// unless the winner was the same redeemer, in which case the stored outcome
// is replayed.
type Store interface {
	// CreateInvite records a sent invite and its token. Fails ErrConflict if
	// the code collides; callers retry with a fresh code.
	CreateInvite(ctx context.Context, in CreateRecord) (Invite, error)

	// GetToken fetches the token row by code, or ErrNotFound.
	GetToken(ctx context.Context, code string) (Token, error)

	// GetInvite fetches an invite by id, or ErrNotFound.
	GetInvite(ctx context.Context, inviteID string) (Invite, error)

	// Redeem atomically consumes the token and applies all redemption effects.
	Redeem(ctx context.Context, in RedeemRecord) (RedeemOutcome, error)

	// Reconcile completes any redemption effects missing for an invite whose
	// token is already used, keyed by the invite id. Idempotent; a fully
	// settled invite is a no-op.
	Reconcile(ctx context.Context, inviteID string, freshPool, bonusAmount int, now time.Time) (RedeemOutcome, error)

	// ListBySender returns the sender's invites, newest first.
	ListBySender(ctx context.Context, uid string) ([]Invite, error)

	// ListByRecipient returns invites redeemed by the given user, newest first.
	ListByRecipient(ctx context.Context, uid string) ([]Invite, error)

	// CountEdgesFrom returns the user's outbound referral edge count (their
	// connection count for bonus thresholds).
	CountEdgesFrom(ctx context.Context, uid string) (int, error)
}
