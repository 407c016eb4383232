package inviteapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"vine/cmd/internal/invite"
	"vine/cmd/internal/quota"
)

// Config holds the HTTP-surface knobs.
type Config struct {
	// MaxBodyBytes bounds request bodies.
	MaxBodyBytes int64

	// LinkBase is the public base URL invite links are built on, e.g.
	// "https://vine.example". The share path is LinkBase + "/i/" + code.
	LinkBase string
}

// DefaultConfig returns safe defaults.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes: 1 << 16,
		LinkBase:     "http://localhost:8080",
	}
}

// Handler wires the invite engine's HTTP endpoints. The identity layer in
// front of this service supplies verified (uid, email) pairs; this surface
// trusts them and performs no authentication of its own.
type Handler struct {
	log      *slog.Logger
	svc      *invite.Service
	acct     *quota.Accountant
	notifier invite.Notifier
	cfg      Config
}

// Option configures the Handler.
type Option func(*Handler) error

// WithNotifier sets the quota snapshot notifier for the mutations this surface
// applies directly (set_admin, sync_bonus). Generate/redeem publish through
// the Service.
func WithNotifier(n invite.Notifier) Option {
	return func(h *Handler) error {
		if n == nil {
			return errors.New("inviteapi: nil notifier")
		}
		h.notifier = n
		return nil
	}
}

type nopNotifier struct{}

func (nopNotifier) PublishQuota(quota.Snapshot) {}

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, svc *invite.Service, acct *quota.Accountant, cfg Config, opts ...Option) (*Handler, error) {
	if svc == nil || acct == nil {
		return nil, errors.New("inviteapi: nil service")
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultConfig().MaxBodyBytes
	}
	cfg.LinkBase = strings.TrimRight(strings.TrimSpace(cfg.LinkBase), "/")
	if cfg.LinkBase == "" {
		cfg.LinkBase = DefaultConfig().LinkBase
	}
	h := &Handler{log: log, svc: svc, acct: acct, notifier: nopNotifier{}, cfg: cfg}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(h); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// Register wires the invite routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("/invites/generate", h.handleGenerate)
	mux.HandleFunc("/invites/redeem", h.handleRedeem)
	mux.HandleFunc("/invites/status", h.handleStatus)
	mux.HandleFunc("/invites/sent", h.handleListSent)
	mux.HandleFunc("/invites/received", h.handleListReceived)
	mux.HandleFunc("/quota", h.handleQuota)
	mux.HandleFunc("/quota/sync_bonus", h.handleSyncBonus)
	mux.HandleFunc("/admin/set_admin", h.handleSetAdmin)
}

func (h *Handler) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req generateRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	res, err := h.svc.Generate(r.Context(), invite.GenerateInput{
		SenderUID:      req.SenderUID,
		SenderEmail:    req.SenderEmail,
		RecipientEmail: req.RecipientEmail,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, generateResponse{
		InviteID: res.Invite.ID,
		Code:     res.Code,
		Link:     h.cfg.LinkBase + "/i/" + res.Code,
		Quota:    res.Quota,
	})
}

func (h *Handler) handleRedeem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req redeemRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	out, err := h.svc.Redeem(r.Context(), req.Code, req.RedeemerUID, req.RedeemerEmail)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, redeemResponse{
		Success:       true,
		Replayed:      out.Replayed,
		SenderUID:     out.Invite.SenderUID,
		NewQuota:      out.RedeemerQuota,
		BonusUnlocked: out.BonusUnlocked,
	})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	st, err := h.svc.Status(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSONCacheable(w, http.StatusOK, statusResponse{
		Valid:        st.Valid,
		InviterUID:   st.InviterUID,
		InviterEmail: st.InviterEmail,
		Reason:       st.Reason,
	})
}

func (h *Handler) handleListSent(w http.ResponseWriter, r *http.Request) {
	h.handleList(w, r, h.svc.ListBySender)
}

func (h *Handler) handleListReceived(w http.ResponseWriter, r *http.Request) {
	h.handleList(w, r, h.svc.ListByRecipient)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request, list func(ctx context.Context, uid string) ([]invite.Invite, error)) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	uid := strings.TrimSpace(r.URL.Query().Get("uid"))
	if uid == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "missing uid")
		return
	}
	invs, err := list(r.Context(), uid)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	out := make([]inviteResponse, 0, len(invs))
	for _, inv := range invs {
		out = append(out, toInviteResponse(inv))
	}
	writeJSON(w, http.StatusOK, inviteListResponse{Invites: out})
}

func (h *Handler) handleQuota(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	uid := strings.TrimSpace(r.URL.Query().Get("uid"))
	if uid == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "missing uid")
		return
	}
	snap, err := h.acct.Snapshot(r.Context(), uid)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quotaResponse{
		Quota:   snap,
		CanSend: snap.Unlimited || snap.Remaining > 0,
	})
}

func (h *Handler) handleSyncBonus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req syncBonusRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	snap, applied, err := h.acct.ApplySyncBonus(r.Context(), strings.TrimSpace(req.UID))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if applied {
		h.notifier.PublishQuota(snap)
	}
	writeJSON(w, http.StatusOK, syncBonusResponse{Quota: snap, Applied: applied})
}

func (h *Handler) handleSetAdmin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req setAdminRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	// Privileged: only an existing admin may toggle the flag.
	callerIsAdmin, err := h.acct.IsAdmin(r.Context(), strings.TrimSpace(req.CallerUID))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if !callerIsAdmin {
		writeError(w, http.StatusForbidden, "forbidden", "caller is not an admin")
		return
	}

	snap, err := h.acct.SetAdmin(r.Context(), strings.TrimSpace(req.UID), req.Admin)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	h.notifier.PublishQuota(snap)
	writeJSON(w, http.StatusOK, quotaResponse{
		Quota:   snap,
		CanSend: snap.Unlimited || snap.Remaining > 0,
	})
}
