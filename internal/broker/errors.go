package broker

import "errors"

var (
	// ErrAgentNotFound reports an operation on an agent id the registry
	// does not know.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrRequestNotFound reports a decision for a request id with no live
	// pending entry.
	ErrRequestNotFound = errors.New("approval request not found")
	// ErrAlreadyResolved reports a second decision for a request that
	// already left the pending table. The waiting agent keeps the first
	// decision it received.
	ErrAlreadyResolved = errors.New("approval request already resolved")
)
