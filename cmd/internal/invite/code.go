package invite

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// codeAlphabet deliberately drops 0/O and 1/I so codes survive being read
// aloud or retyped from a screenshot.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// DefaultCodeLength is the invite code length. Policy floor is 6.
const DefaultCodeLength = 8

// NewCode returns a cryptographically random uppercase invite code of n
// characters. Collision handling is the caller's job: CreateInvite fails
// ErrConflict and the caller retries with a fresh code.
func NewCode(n int) (string, error) {
	if n < 6 {
		n = DefaultCodeLength
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	var sb strings.Builder
	sb.Grow(n)
	for _, c := range b {
		sb.WriteByte(codeAlphabet[int(c)%len(codeAlphabet)])
	}
	return sb.String(), nil
}

// NewULID returns a ULID for invite and edge IDs.
func NewULID(now time.Time) (string, error) {
	entropy := ulid.Monotonic(rand.Reader, 0)
	id, err := ulid.New(ulid.Timestamp(now), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
