package services

import (
	"errors"
	"fmt"
)

// Error taxonomy. Callers match with errors.Is; handlers map each class to a status.
var (
	ErrValidation          = errors.New("validation error")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrConflict            = errors.New("conflict")
	ErrResourceUnavailable = errors.New("resource unavailable")
	ErrExternalDependency  = errors.New("external dependency unavailable")
	ErrNotFound            = errors.New("not found")
	ErrForbidden           = errors.New("forbidden")
)

var (
	ErrInvalidAmount             = fmt.Errorf("%w: amount must be positive", ErrValidation)
	ErrDuplicatePendingChallenge = fmt.Errorf("%w: a pending challenge already exists between these players", ErrConflict)
	ErrAlreadyQueued             = fmt.Errorf("%w: user is already in the queue", ErrConflict)
	ErrInvalidTransition         = fmt.Errorf("%w: duel is not in the expected state", ErrConflict)
	ErrNoServerAvailable         = fmt.Errorf("%w: no game server available in region", ErrResourceUnavailable)
	ErrPriceUnavailable          = fmt.Errorf("%w: price feed", ErrExternalDependency)
	ErrChainUnavailable          = fmt.Errorf("%w: chain rpc", ErrExternalDependency)
)

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func notFound(what, id string) error {
	return fmt.Errorf("%w: %s %s", ErrNotFound, what, id)
}
