package escrow

import "errors"

// Typed sentinel errors for escrow transitions. Callers match with errors.Is;
// context is added by wrapping on the way out of the core.
var (
	ErrUnauthorized                 = errors.New("caller is not authorized for this party")
	ErrInvalidOperation             = errors.New("operation not permitted in current execution state")
	ErrInvalidStyle                 = errors.New("offer style out of range")
	ErrHashtagLimitExceeded         = errors.New("too many hashtags on offer")
	ErrInvalidStatus                = errors.New("agreement status does not permit this transition")
	ErrInvalidQuantityForFinalOffer = errors.New("final offer requires exact quantity match")
	ErrNotFound                     = errors.New("agreement not found")
)
