package domain

import "errors"

// Error kinds. Callers classify with errors.Is; only ErrPersistence and
// ErrCapture are surfaced to the rep.
var (
	ErrProtocolFrame   = errors.New("protocol frame error")
	ErrDuplicateTurn   = errors.New("duplicate turn")
	ErrToolArgument    = errors.New("tool argument error")
	ErrPersistence     = errors.New("persistence error")
	ErrCapture         = errors.New("capture error")
	ErrInvalidIdentity = errors.New("organization id and deal id are required")
	ErrDealNotFound    = errors.New("deal not found")
)
