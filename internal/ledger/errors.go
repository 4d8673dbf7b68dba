package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrAccountNotFound is returned for operations on an unknown account.
	ErrAccountNotFound = errors.New("account not found")

	// ErrInvalidAmount is returned for non-positive credit amounts.
	ErrInvalidAmount = errors.New("credit amount must be positive")

	// ErrBelowMinimumTopUp is returned by Purchase for amounts under the minimum.
	ErrBelowMinimumTopUp = errors.New("top-up amount below minimum")

	// ErrLedgerInvariant marks a commit or rollback that does not match a
	// reserved reservation. The balance is never changed when it is returned.
	ErrLedgerInvariant = errors.New("ledger invariant violation")
)

// InsufficientCreditsError is returned by Reserve when the remaining balance
// cannot cover the price on a plan that enforces its limit.
type InsufficientCreditsError struct {
	Required  int
	Remaining int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, remaining %d", e.Required, e.Remaining)
}
