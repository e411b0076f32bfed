package task

import "errors"

// State errors returned for expected failure conditions. Callers branch on
// these with errors.Is; only unexpected IO failures propagate as wrapped
// hard errors.
var (
	// ErrNotFound indicates no task with the given ID exists.
	ErrNotFound = errors.New("task not found")

	// ErrInvalidState indicates a transition was rejected: assignment is
	// only legal from the pending status.
	ErrInvalidState = errors.New("invalid task state for operation")
)
