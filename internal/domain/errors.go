package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors callers branch on with errors.Is
var (
	// ErrInvalidConfiguration rejects an expansion request with an empty
	// selector set before anything is persisted
	ErrInvalidConfiguration = errors.New("invalid configuration")

	ErrNegotiationNotFound = errors.New("negotiation not found")
	ErrQueueNotFound       = errors.New("queue not found")
	ErrRunNotFound         = errors.New("run not found")

	// ErrInvalidTransition reports a queue state change the state machine
	// does not allow (e.g. resuming a queue that is not paused)
	ErrInvalidTransition = errors.New("invalid queue state transition")
)

func invalidConfiguration(set string) error {
	return fmt.Errorf("%w: selector set %q is empty", ErrInvalidConfiguration, set)
}
