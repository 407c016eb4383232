// Package invite implements the invite and referral engine core: single-use
// invitation tokens, the append-only invite ledger, the referral edge graph,
// and the redemption coordinator that ties them to quota accounting.
//
// The crux correctness requirement is at-most-once redemption under
// concurrent requests. The token row's used flag is the single authoritative
// guard, and flipping it is always a conditional write on the durable store.
package invite

import "time"

// Status values for an invite's lifecycle. The only transition is
// sent -> redeemed, applied at most once.
const (
	StatusSent     = "sent"
	StatusRedeemed = "redeemed"
)

// Invite is the durable record of one sent invitation. Created on send,
// mutated exactly once on redemption, never deleted (audit trail).
type Invite struct {
	ID             string
	SenderUID      string
	SenderEmail    string
	RecipientEmail *string
	Token          string
	Status         string
	SentAt         time.Time

	RedeemedAt      *time.Time
	RedeemedByUID   *string
	RedeemedByEmail *string
}

// Token is the redemption fast-path row, logically 1:1 with Invite.Token.
// Used is the boolean the coordinator compare-and-swaps.
type Token struct {
	Token     string
	InviteID  string
	SenderUID string

	Used        bool
	UsedAt      *time.Time
	UsedByUID   *string
	UsedByEmail *string
}

// Edge is a directed referral edge, created exactly once per successful
// redemption. Never mutated after creation.
type Edge struct {
	ID        string
	FromUID   string
	ToUID     string
	InviteID  string
	CreatedAt time.Time
}
