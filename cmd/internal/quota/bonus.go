package quota

// Unlock is the result of evaluating the engagement bonus thresholds.
type Unlock struct {
	ShouldUnlock bool
	Amount       int
}

// EvaluateUnlock decides whether crossing either engagement threshold should
// grant the one-time bonus. It is a pure function of the current counters;
// the one-shot guarantee lives in the store's bonus_unlocked guard, so
// re-evaluating while the thresholds remain true stays safe.
func EvaluateUnlock(redeemed, connections int, alreadyUnlocked bool) Unlock {
	if alreadyUnlocked {
		return Unlock{}
	}
	if redeemed >= UnlockRedeemedThreshold || connections >= UnlockConnectionsThreshold {
		return Unlock{ShouldUnlock: true, Amount: DefaultBonusAmount}
	}
	return Unlock{}
}
