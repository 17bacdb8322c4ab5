package classifier

import "errors"

// Sentinel errors.
var (
	ErrUnknownArchitecture = errors.New("unknown architecture")
	ErrInvalidShape        = errors.New("invalid input shape")
	ErrWeightMismatch      = errors.New("weights do not match network")
	ErrBatch               = errors.New("invalid batch")
)
