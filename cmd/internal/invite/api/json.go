package inviteapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"vine/cmd/internal/invite"
	"vine/cmd/internal/quota"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONCacheable is for read-only lookups (invite status) that edges may
// cache briefly. Redemption decisions never read through this path.
func writeJSONCacheable(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=30")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: apiError{Code: code, Message: msg}})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer func() { _ = r.Body.Close() }()

	body := http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	// Ensure there is no extra data after the first JSON value.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("extra data after JSON object")
	}
	return nil
}

// writeEngineError maps the engine's error taxonomy onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, invite.ErrInvalidCode):
		writeError(w, http.StatusNotFound, "invalid_code", "invite code not found")
	case errors.Is(err, invite.ErrAlreadyRedeemed):
		writeError(w, http.StatusConflict, "already_redeemed", "invite already used")
	case errors.Is(err, invite.ErrSelfRedemption):
		writeError(w, http.StatusBadRequest, "self_redemption", "cannot redeem your own invite")
	case errors.Is(err, quota.ErrExhausted):
		writeError(w, http.StatusConflict, "quota_exhausted", "no invites remaining")
	case errors.Is(err, quota.ErrNotFound), errors.Is(err, invite.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "resource not found")
	case errors.Is(err, invite.ErrInvalidInput), errors.Is(err, quota.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid request")
	case errors.Is(err, invite.ErrRetryable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, "retryable", "store busy, retry with backoff")
	case errors.Is(err, invite.ErrInconsistent):
		writeError(w, http.StatusInternalServerError, "inconsistent", "redemption requires reconciliation")
	default:
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
