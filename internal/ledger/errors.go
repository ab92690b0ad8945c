package ledger

import "errors"

var (
	// ErrQuotaExceeded is returned when a reservation would push the
	// account past its monthly limit. No state is mutated.
	ErrQuotaExceeded = errors.New("credit quota exceeded")

	// ErrWindowClosed is returned when a reservation outlived its
	// accounting window and was failed by rollover.
	ErrWindowClosed = errors.New("credit window closed")

	// ErrInvalidTransition is returned on a commit of a released
	// reservation or a release of a committed one. This is an integration
	// bug, never a user-facing condition.
	ErrInvalidTransition = errors.New("invalid reservation transition")

	// ErrAccountNotFound is returned when an account has no window yet.
	ErrAccountNotFound = errors.New("account not found")

	// ErrReservationNotFound is returned when a reservation is unknown
	// to the ledger.
	ErrReservationNotFound = errors.New("reservation not found")
)
