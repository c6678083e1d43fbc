package model

import "errors"

// Error kinds. Package-specific errors wrap one of these so callers can test
// either the precise cause or the broad kind with errors.Is.
var (
	ErrValidation             = errors.New("validation failed")
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrNotFound               = errors.New("not found")
	ErrCapacityExceeded       = errors.New("capacity exceeded")
	ErrOrderExpired           = errors.New("order expired")
)

// Kind returns the error kind err belongs to, or nil if it carries none.
func Kind(err error) error {
	for _, k := range []error{
		ErrValidation,
		ErrInsufficientFunds,
		ErrInvalidStateTransition,
		ErrNotFound,
		ErrCapacityExceeded,
		ErrOrderExpired,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
