// Package quota accounts per-user invite counters: remaining/granted/redeemed,
// the admin "unlimited" override, and the one-shot bonus grants.
//
// Every mutation is a conditional write against the durable store, never a
// read-modify-write in application memory: multiple stateless instances may
// process the same user concurrently.
package quota

import "time"

// Policy defaults. The fresh pool is the viral re-grant a newly redeemed user
// starts with; it is a policy constant, not a structural decision.
const (
	DefaultPool        = 10
	DefaultFreshPool   = 10
	DefaultBonusAmount = 5

	// UnlockRedeemedThreshold and UnlockConnectionsThreshold gate the one-shot
	// engagement bonus, whichever is crossed first.
	UnlockRedeemedThreshold    = 10
	UnlockConnectionsThreshold = 10
)

// User is the engine's view of a user row. The identity system owns the row;
// this engine only reads and mutates the invite counters and flags.
//
// "Unlimited" is the Admin boolean, never a numeric sentinel: the source
// system stored Infinity in the remaining counter and that footgun is
// explicitly designed out here.
type User struct {
	UID   string
	Email string
	Admin bool

	Remaining int
	Granted   int
	Redeemed  int

	BonusUnlocked bool
	SyncBonusUsed bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Snapshot is the derived quota view handed to callers and pushed to
// subscribers. It is always recomputable from the user row.
type Snapshot struct {
	UID           string `json:"uid"`
	Remaining     int    `json:"remaining"`
	Granted       int    `json:"granted"`
	Redeemed      int    `json:"redeemed"`
	BonusUnlocked bool   `json:"bonus_unlocked"`
	Unlimited     bool   `json:"unlimited"`
}

// SnapshotOf derives a Snapshot from a user row.
func SnapshotOf(u User) Snapshot {
	return Snapshot{
		UID:           u.UID,
		Remaining:     u.Remaining,
		Granted:       u.Granted,
		Redeemed:      u.Redeemed,
		BonusUnlocked: u.BonusUnlocked,
		Unlimited:     u.Admin,
	}
}

// CanSend reports whether a user may generate an invite right now.
func (u User) CanSend() bool {
	return u.Admin || u.Remaining > 0
}
