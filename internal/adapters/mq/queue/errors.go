package queue

import "errors"

// Sentinel kinds for queue errors.
var (
	ErrFull   = errors.New("training queue full")
	ErrClosed = errors.New("training queue closed")
)
