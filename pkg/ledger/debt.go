package ledger

import "fmt"

// DebtPolicy gates new purchases on the user's cumulative DKK debt. It is a
// pure precondition: no transaction exists yet when it rejects, so there is
// nothing to roll back.
type DebtPolicy struct {
	CeilingDKK int
}

// DefaultDebtPolicy returns the institution's standard ceiling.
func DefaultDebtPolicy() DebtPolicy {
	return DebtPolicy{CeilingDKK: DefaultDebtCeilingDKK}
}

// Check rejects a purchase that would start at or push past the ceiling.
func (policy DebtPolicy) Check(currentOwesDKK int, costDKK int) error {
	if costDKK <= 0 {
		return fmt.Errorf("%w: non-positive cost %d", ErrInvalidDraft, costDKK)
	}
	if currentOwesDKK >= policy.CeilingDKK {
		return fmt.Errorf("%w: already owes %d DKK (ceiling %d)", ErrDebtCeilingExceeded, currentOwesDKK, policy.CeilingDKK)
	}
	if currentOwesDKK+costDKK > policy.CeilingDKK {
		return fmt.Errorf("%w: purchase of %d DKK would raise debt to %d (ceiling %d)", ErrDebtCeilingExceeded, costDKK, currentOwesDKK+costDKK, policy.CeilingDKK)
	}
	return nil
}
