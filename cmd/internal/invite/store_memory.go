package invite

import (
	"context"
	"sort"
	"sync"
	"time"

	"vine/cmd/internal/quota"
)

// MemoryStore is a dev-only fallback when DB is not configured. One mutex
// covers tokens, ledger, and edges, so the redemption unit is trivially
// atomic; quota effects are applied through the paired quota.MemoryStore.
type MemoryStore struct {
	mu      sync.Mutex
	invites map[string]*Invite // by invite id
	tokens  map[string]*Token  // by code
	edges   []Edge

	quotas *quota.MemoryStore
}

// NewMemoryStore constructs an in-memory Store wired to an in-memory quota store.
func NewMemoryStore(quotas *quota.MemoryStore) (*MemoryStore, error) {
	if quotas == nil {
		return nil, ErrInvalidInput
	}
	return &MemoryStore{
		invites: make(map[string]*Invite),
		tokens:  make(map[string]*Token),
		quotas:  quotas,
	}, nil
}

// CreateInvite records the invite row and its token row together.
func (s *MemoryStore) CreateInvite(ctx context.Context, in CreateRecord) (Invite, error) {
	if in.InviteID == "" || in.SenderUID == "" || in.Code == "" {
		return Invite{}, OpError{Op: "invite.create", Kind: ErrInvalidInput}
	}
	if err := ctx.Err(); err != nil {
		return Invite{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tokens[in.Code]; ok {
		return Invite{}, OpError{Op: "invite.create", Kind: ErrConflict, Msg: "code collision"}
	}
	if _, ok := s.invites[in.InviteID]; ok {
		return Invite{}, OpError{Op: "invite.create", Kind: ErrConflict, Msg: "invite id collision"}
	}

	inv := &Invite{
		ID:             in.InviteID,
		SenderUID:      in.SenderUID,
		SenderEmail:    in.SenderEmail,
		RecipientEmail: in.RecipientEmail,
		Token:          in.Code,
		Status:         StatusSent,
		SentAt:         in.SentAt,
	}
	s.invites[in.InviteID] = inv
	s.tokens[in.Code] = &Token{
		Token:     in.Code,
		InviteID:  in.InviteID,
		SenderUID: in.SenderUID,
	}
	return *inv, nil
}

// GetToken fetches a token row by code.
func (s *MemoryStore) GetToken(ctx context.Context, code string) (Token, error) {
	if err := ctx.Err(); err != nil {
		return Token{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[code]
	if !ok {
		return Token{}, OpError{Op: "invite.get_token", Kind: ErrNotFound}
	}
	return *t, nil
}

// GetInvite fetches an invite by id.
func (s *MemoryStore) GetInvite(ctx context.Context, inviteID string) (Invite, error) {
	if err := ctx.Err(); err != nil {
		return Invite{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invites[inviteID]
	if !ok {
		return Invite{}, OpError{Op: "invite.get", Kind: ErrNotFound}
	}
	return *inv, nil
}

// Redeem consumes the token and applies all redemption effects under the lock.
func (s *MemoryStore) Redeem(ctx context.Context, in RedeemRecord) (RedeemOutcome, error) {
	if in.Code == "" || in.RedeemerUID == "" {
		return RedeemOutcome{}, OpError{Op: "invite.redeem", Kind: ErrInvalidInput}
	}
	if err := ctx.Err(); err != nil {
		return RedeemOutcome{}, err
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[in.Code]
	if !ok {
		return RedeemOutcome{}, OpError{Op: "invite.redeem", Kind: ErrInvalidCode}
	}
	if t.Used {
		return s.replayLocked(ctx, t, in.RedeemerUID)
	}
	if t.SenderUID == in.RedeemerUID {
		return RedeemOutcome{}, OpError{Op: "invite.redeem", Kind: ErrSelfRedemption}
	}

	inv := s.invites[t.InviteID]
	if inv == nil {
		return RedeemOutcome{}, OpError{Op: "invite.redeem", Kind: ErrInconsistent, Msg: "token without invite"}
	}

	// mark used (the CAS; unconditional here because we hold the lock)
	t.Used = true
	t.UsedAt = &now
	uid, email := in.RedeemerUID, in.RedeemerEmail
	t.UsedByUID = &uid
	t.UsedByEmail = &email

	// ledger transition
	inv.Status = StatusRedeemed
	inv.RedeemedAt = &now
	inv.RedeemedByUID = &uid
	inv.RedeemedByEmail = &email

	// referral edge
	edgeID, err := NewULID(now)
	if err != nil {
		return RedeemOutcome{}, err
	}
	edge := Edge{ID: edgeID, FromUID: t.SenderUID, ToUID: in.RedeemerUID, InviteID: t.InviteID, CreatedAt: now}
	s.edges = append(s.edges, edge)

	// quota effects
	senderRow, err := s.quotas.CreditRedeemedSender(ctx, t.SenderUID, now)
	if err != nil {
		return RedeemOutcome{}, err
	}
	redeemerRow, err := s.quotas.GrantFresh(ctx, in.RedeemerUID, in.RedeemerEmail, in.FreshPool, now)
	if err != nil {
		return RedeemOutcome{}, err
	}

	// sender bonus unlock, one-shot
	unlocked := false
	connections := s.countEdgesFromLocked(t.SenderUID)
	if u := quota.EvaluateUnlock(senderRow.Redeemed, connections, senderRow.BonusUnlocked); u.ShouldUnlock {
		senderRow, unlocked, err = s.quotas.ApplyUnlockBonus(ctx, t.SenderUID, pickBonus(in.BonusAmount, u.Amount), now)
		if err != nil {
			return RedeemOutcome{}, err
		}
	}

	return RedeemOutcome{
		Invite:        *inv,
		Edge:          edge,
		SenderQuota:   quota.SnapshotOf(senderRow),
		RedeemerQuota: quota.SnapshotOf(redeemerRow),
		BonusUnlocked: unlocked,
	}, nil
}

func pickBonus(configured, fallback int) int {
	if configured > 0 {
		return configured
	}
	return fallback
}

// replayLocked resolves a redemption of an already-used token: a retry by the
// winning redeemer replays the stored success, anyone else loses the race.
func (s *MemoryStore) replayLocked(ctx context.Context, t *Token, redeemerUID string) (RedeemOutcome, error) {
	if t.UsedByUID == nil || *t.UsedByUID != redeemerUID {
		return RedeemOutcome{}, OpError{Op: "invite.redeem", Kind: ErrAlreadyRedeemed}
	}
	inv := s.invites[t.InviteID]
	if inv == nil {
		return RedeemOutcome{}, OpError{Op: "invite.redeem", Kind: ErrInconsistent, Msg: "token without invite"}
	}
	var edge Edge
	for _, e := range s.edges {
		if e.InviteID == t.InviteID {
			edge = e
			break
		}
	}
	senderRow, err := s.quotas.Get(ctx, t.SenderUID)
	if err != nil {
		return RedeemOutcome{}, err
	}
	redeemerRow, err := s.quotas.Get(ctx, redeemerUID)
	if err != nil {
		return RedeemOutcome{}, err
	}
	return RedeemOutcome{
		Invite:        *inv,
		Edge:          edge,
		SenderQuota:   quota.SnapshotOf(senderRow),
		RedeemerQuota: quota.SnapshotOf(redeemerRow),
		Replayed:      true,
	}, nil
}

// Reconcile completes missing redemption effects for a used token, keyed by
// invite id. With the single-lock store the partial states cannot arise from
// Redeem itself; this exists for parity with the durable store's recovery path.
func (s *MemoryStore) Reconcile(ctx context.Context, inviteID string, freshPool, bonus int, now time.Time) (RedeemOutcome, error) {
	if err := ctx.Err(); err != nil {
		return RedeemOutcome{}, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invites[inviteID]
	if !ok {
		return RedeemOutcome{}, OpError{Op: "invite.reconcile", Kind: ErrNotFound}
	}
	t := s.tokens[inv.Token]
	if t == nil || !t.Used {
		return RedeemOutcome{}, OpError{Op: "invite.reconcile", Kind: ErrInvalidInput, Msg: "token not used"}
	}

	settled := inv.Status == StatusRedeemed

	if !settled {
		inv.Status = StatusRedeemed
		inv.RedeemedAt = t.UsedAt
		inv.RedeemedByUID = t.UsedByUID
		inv.RedeemedByEmail = t.UsedByEmail
	}

	var edge Edge
	haveEdge := false
	for _, e := range s.edges {
		if e.InviteID == inviteID {
			edge, haveEdge = e, true
			break
		}
	}
	if !haveEdge && t.UsedByUID != nil {
		edgeID, err := NewULID(now)
		if err != nil {
			return RedeemOutcome{}, err
		}
		edge = Edge{ID: edgeID, FromUID: t.SenderUID, ToUID: *t.UsedByUID, InviteID: inviteID, CreatedAt: now}
		s.edges = append(s.edges, edge)
	}

	senderRow, err := s.quotas.Get(ctx, t.SenderUID)
	if err != nil {
		return RedeemOutcome{}, err
	}
	if !settled {
		senderRow, err = s.quotas.CreditRedeemedSender(ctx, t.SenderUID, now)
		if err != nil {
			return RedeemOutcome{}, err
		}
	}

	var redeemerRow quota.User
	if t.UsedByUID != nil {
		email := ""
		if t.UsedByEmail != nil {
			email = *t.UsedByEmail
		}
		redeemerRow, err = s.quotas.GrantFresh(ctx, *t.UsedByUID, email, freshPool, now)
		if err != nil {
			return RedeemOutcome{}, err
		}
	}

	unlocked := false
	connections := s.countEdgesFromLocked(t.SenderUID)
	if u := quota.EvaluateUnlock(senderRow.Redeemed, connections, senderRow.BonusUnlocked); u.ShouldUnlock {
		senderRow, unlocked, err = s.quotas.ApplyUnlockBonus(ctx, t.SenderUID, pickBonus(bonus, u.Amount), now)
		if err != nil {
			return RedeemOutcome{}, err
		}
	}

	return RedeemOutcome{
		Invite:        *inv,
		Edge:          edge,
		SenderQuota:   quota.SnapshotOf(senderRow),
		RedeemerQuota: quota.SnapshotOf(redeemerRow),
		BonusUnlocked: unlocked,
		Replayed:      settled,
	}, nil
}

// ListBySender returns the sender's invites, newest first.
func (s *MemoryStore) ListBySender(ctx context.Context, uid string) ([]Invite, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Invite
	for _, inv := range s.invites {
		if inv.SenderUID == uid {
			out = append(out, *inv)
		}
	}
	sortInvitesDesc(out)
	return out, nil
}

// ListByRecipient returns invites redeemed by the given user, newest first.
func (s *MemoryStore) ListByRecipient(ctx context.Context, uid string) ([]Invite, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Invite
	for _, inv := range s.invites {
		if inv.RedeemedByUID != nil && *inv.RedeemedByUID == uid {
			out = append(out, *inv)
		}
	}
	sortInvitesDesc(out)
	return out, nil
}

// CountEdgesFrom returns the user's outbound referral edge count.
func (s *MemoryStore) CountEdgesFrom(ctx context.Context, uid string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countEdgesFromLocked(uid), nil
}

func (s *MemoryStore) countEdgesFromLocked(uid string) int {
	n := 0
	for _, e := range s.edges {
		if e.FromUID == uid {
			n++
		}
	}
	return n
}

func sortInvitesDesc(invs []Invite) {
	sort.Slice(invs, func(i, j int) bool {
		if invs[i].SentAt.Equal(invs[j].SentAt) {
			return invs[i].ID > invs[j].ID
		}
		return invs[i].SentAt.After(invs[j].SentAt)
	})
}
