package match

import (
	"errors"
)

var (
	ErrNotFound       = errors.New("match not found")
	ErrSelfJoin       = errors.New("cannot join your own match")
	ErrNotParticipant = errors.New("wallet is not a participant in this match")
	ErrInvalidState   = errors.New("operation not allowed in current match state")
	ErrInvalidInput   = errors.New("invalid input")

	// ErrInviteCodeTaken is returned by a Store when the invite code collides
	// with another non-terminal match. The engine regenerates and retries.
	ErrInviteCodeTaken = errors.New("invite code already in use")

	// ErrPriceUnavailable is returned by a Quoter that has never observed a
	// price for a symbol. Callers should back off and retry.
	ErrPriceUnavailable = errors.New("price unavailable")
)

// IsValidation reports whether err is a caller logic error that must not be retried
func IsValidation(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrSelfJoin) ||
		errors.Is(err, ErrNotParticipant) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrInvalidInput)
}

// IsRetriable reports whether err is transient: a missing price or a
// store/transport failure. Validation errors are never retriable.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPriceUnavailable) {
		return true
	}
	return !IsValidation(err)
}
