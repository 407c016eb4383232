package invite

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"vine/cmd/internal/metrics"
	"vine/cmd/internal/quota"
)

const maxCodeRetries = 5

// Notifier pushes fresh quota snapshots to subscribed UIs after mutations.
type Notifier interface {
	PublishQuota(snap quota.Snapshot)
}

type nopNotifier struct{}

func (nopNotifier) PublishQuota(quota.Snapshot) {}

// Service is the redemption coordinator: it validates, generates, and
// redeems invite tokens, delegating atomicity to the Store and quota policy
// to the Accountant.
type Service struct {
	store Store
	acct  *quota.Accountant
	log   *slog.Logger

	notifier Notifier
	metrics  *metrics.Metrics

	codeLen int
}

// Option configures the Service.
type Option func(*Service) error

// WithNotifier sets the quota snapshot notifier.
func WithNotifier(n Notifier) Option {
	return func(s *Service) error {
		if n == nil {
			return ErrInvalidInput
		}
		s.notifier = n
		return nil
	}
}

// WithMetrics sets the engine metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) error {
		s.metrics = m
		return nil
	}
}

// WithCodeLength sets the generated code length (policy floor 6).
func WithCodeLength(n int) Option {
	return func(s *Service) error {
		if n < 6 {
			return ErrInvalidInput
		}
		s.codeLen = n
		return nil
	}
}

// NewService constructs a Service with safe defaults.
func NewService(store Store, acct *quota.Accountant, log *slog.Logger, opts ...Option) (*Service, error) {
	if store == nil || acct == nil {
		return nil, ErrInvalidInput
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		store:    store,
		acct:     acct,
		log:      log,
		notifier: nopNotifier{},
		codeLen:  DefaultCodeLength,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// GenerateInput describes a send request from a verified identity.
type GenerateInput struct {
	SenderUID      string
	SenderEmail    string
	RecipientEmail *string
}

// GenerateResult returns the created invite, its shareable code, and the
// sender's post-debit quota.
type GenerateResult struct {
	Invite Invite
	Code   string
	Quota  quota.Snapshot
}

// Generate debits one slot from the sender and creates the invite/token pair.
// The debit is the quota gate: it fails ErrExhausted for a dry sender without
// a separate CanSend read that could race. If the ledger write fails after
// the debit, the debit is compensated; a failed send never leaves a user
// permanently short a slot.
func (s *Service) Generate(ctx context.Context, in GenerateInput) (GenerateResult, error) {
	senderUID := strings.TrimSpace(in.SenderUID)
	senderEmail := strings.TrimSpace(in.SenderEmail)
	if senderUID == "" || senderEmail == "" {
		return GenerateResult{}, OpError{Op: "invite.generate", Kind: ErrInvalidInput}
	}

	// First touch provisions the default pool; the identity system owns the
	// rest of the user row.
	if _, err := s.acct.EnsureUser(ctx, senderUID, senderEmail); err != nil {
		return GenerateResult{}, err
	}

	snap, err := s.acct.DebitOnSend(ctx, senderUID)
	if err != nil {
		return GenerateResult{}, err
	}

	now := time.Now().UTC()
	for attempt := 0; attempt < maxCodeRetries; attempt++ {
		code, err := NewCode(s.codeLen)
		if err != nil {
			return GenerateResult{}, s.compensateDebit(ctx, senderUID, err)
		}
		inviteID, err := NewULID(now)
		if err != nil {
			return GenerateResult{}, s.compensateDebit(ctx, senderUID, err)
		}

		inv, err := s.store.CreateInvite(ctx, CreateRecord{
			InviteID:       inviteID,
			SenderUID:      senderUID,
			SenderEmail:    senderEmail,
			RecipientEmail: in.RecipientEmail,
			Code:           code,
			SentAt:         now,
		})
		if err != nil {
			if errors.Is(err, ErrConflict) {
				continue
			}
			return GenerateResult{}, s.compensateDebit(ctx, senderUID, err)
		}

		s.metrics.InviteGenerated()
		s.log.Info("invite.generated", "invite_id", inv.ID, "sender_uid", senderUID)
		s.notifier.PublishQuota(snap)
		return GenerateResult{Invite: inv, Code: code, Quota: snap}, nil
	}

	return GenerateResult{}, s.compensateDebit(ctx, senderUID,
		OpError{Op: "invite.generate", Kind: ErrRetryable, Msg: "code space contention"})
}

// compensateDebit rolls back the send debit after a failed create. The
// original failure is what callers see; a failed compensation is louder.
func (s *Service) compensateDebit(ctx context.Context, senderUID string, cause error) error {
	if snap, err := s.acct.CreditOnSend(ctx, senderUID); err != nil {
		s.log.Error("invite.generate.compensation_failed", "sender_uid", senderUID, "err", err, "cause", cause)
		return OpError{Op: "invite.generate", Kind: ErrInconsistent, Msg: "debit compensation failed"}
	} else {
		s.notifier.PublishQuota(snap)
	}
	return cause
}

// Redeem consumes a token for a verified identity. At-most-once semantics
// live in the store's conditional write; this layer normalizes input, records
// metrics, and fans out quota notifications.
func (s *Service) Redeem(ctx context.Context, code, redeemerUID, redeemerEmail string) (RedeemOutcome, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	redeemerUID = strings.TrimSpace(redeemerUID)
	if code == "" || redeemerUID == "" {
		return RedeemOutcome{}, OpError{Op: "invite.redeem", Kind: ErrInvalidInput}
	}

	out, err := s.store.Redeem(ctx, RedeemRecord{
		Code:          code,
		RedeemerUID:   redeemerUID,
		RedeemerEmail: strings.TrimSpace(redeemerEmail),
		FreshPool:     s.acct.FreshPool(),
		BonusAmount:   s.acct.BonusAmount(),
		Now:           time.Now().UTC(),
	})
	if err != nil {
		s.metrics.RedemptionOutcome(outcomeLabel(err))
		return RedeemOutcome{}, err
	}

	if out.Replayed {
		s.metrics.RedemptionOutcome("replay")
		return out, nil
	}

	s.metrics.RedemptionOutcome("success")
	if out.BonusUnlocked {
		s.metrics.BonusUnlocked("engagement")
	}
	s.log.Info("invite.redeemed",
		"invite_id", out.Invite.ID,
		"sender_uid", out.Edge.FromUID,
		"redeemer_uid", redeemerUID,
		"bonus_unlocked", out.BonusUnlocked,
	)
	s.notifier.PublishQuota(out.SenderQuota)
	s.notifier.PublishQuota(out.RedeemerQuota)
	return out, nil
}

// Status describes a token for read-only display. Cache-friendly; never part
// of a redemption decision.
type Status struct {
	Valid        bool
	InviterUID   string
	InviterEmail string
	Reason       string
}

// Status reports whether a code is redeemable and who sent it.
func (s *Service) Status(ctx context.Context, code string) (Status, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return Status{Valid: false, Reason: "invalid_code"}, nil
	}
	tok, err := s.store.GetToken(ctx, code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Status{Valid: false, Reason: "invalid_code"}, nil
		}
		return Status{}, err
	}
	inv, err := s.store.GetInvite(ctx, tok.InviteID)
	if err != nil {
		return Status{}, err
	}
	st := Status{InviterUID: inv.SenderUID, InviterEmail: inv.SenderEmail}
	if tok.Used {
		st.Reason = "already_redeemed"
		return st, nil
	}
	st.Valid = true
	return st, nil
}

// Reconcile completes a partially applied redemption, keyed by invite id.
func (s *Service) Reconcile(ctx context.Context, inviteID string) (RedeemOutcome, error) {
	out, err := s.store.Reconcile(ctx, inviteID, s.acct.FreshPool(), s.acct.BonusAmount(), time.Now().UTC())
	if err != nil {
		return RedeemOutcome{}, err
	}
	if !out.Replayed {
		s.log.Info("invite.reconciled", "invite_id", inviteID)
		s.notifier.PublishQuota(out.SenderQuota)
		s.notifier.PublishQuota(out.RedeemerQuota)
	}
	return out, nil
}

// ListBySender returns the sender's invites, newest first.
func (s *Service) ListBySender(ctx context.Context, uid string) ([]Invite, error) {
	return s.store.ListBySender(ctx, uid)
}

// ListByRecipient returns invites redeemed by the given user, newest first.
func (s *Service) ListByRecipient(ctx context.Context, uid string) ([]Invite, error) {
	return s.store.ListByRecipient(ctx, uid)
}

// ConnectionCount returns the user's outbound referral edge count.
func (s *Service) ConnectionCount(ctx context.Context, uid string) (int, error) {
	return s.store.CountEdgesFrom(ctx, uid)
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, ErrInvalidCode):
		return "invalid_code"
	case errors.Is(err, ErrAlreadyRedeemed):
		return "already_redeemed"
	case errors.Is(err, ErrSelfRedemption):
		return "self_redemption"
	case errors.Is(err, ErrRetryable):
		return "retryable"
	default:
		return "error"
	}
}
