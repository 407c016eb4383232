package invite

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidCode: the code does not name any token (not found or malformed).
	ErrInvalidCode = errors.New("invalid invite code")

	// ErrAlreadyRedeemed: the token's single use is spent. A replay by the
	// same redeemer is not an error; see Service.Redeem.
	ErrAlreadyRedeemed = errors.New("invite already redeemed")

	// ErrSelfRedemption: a sender tried to redeem their own code.
	ErrSelfRedemption = errors.New("cannot redeem own invite")

	// ErrConflict: a uniqueness violation, e.g. a generated code collided.
	ErrConflict = errors.New("conflict")

	ErrNotFound = errors.New("invite not found")

	// ErrRetryable: store timeout or transient contention; callers should
	// retry with backoff.
	ErrRetryable = errors.New("retryable store error")

	// ErrInconsistent: a redemption was partially applied. Reconcile must be
	// run with the invite id; never ignore this.
	ErrInconsistent = errors.New("redemption state inconsistent")
)

// OpError is a typed operation error with a stable Op + Kind contract for
// callers/tests. Kind MUST be one of the sentinel errors when applicable.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }
