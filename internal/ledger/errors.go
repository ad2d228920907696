package ledger

import "errors"

// Precondition errors. All are rejected synchronously before any state
// mutation; callers may retry with corrected input or once the gate opens.
var (
	ErrTooEarlyToExecute = errors.New("too early to execute cycle")
	ErrNothingToExecute  = errors.New("nothing to execute")
	ErrInvalidCycleCount = errors.New("total cycles must be greater than zero")
	ErrInvalidAmount     = errors.New("amount must be greater than zero")
	ErrNegativeOutput    = errors.New("measured conversion output is negative")

	ErrPoolNotFound     = errors.New("pool not found")
	ErrPositionNotFound = errors.New("position not found")
	ErrPositionClosed   = errors.New("position already closed")
	ErrCycleInProgress  = errors.New("cycle already in progress for pool")
)
