package types

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the failure taxonomy. Callers classify with errors.Is.
var (
	// ErrRetryExhausted marks a queue entry that exceeded its attempt ceiling.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrPreconditionFailed marks a malformed whole-batch request, rejected
	// before any side effect.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrRemoteUnavailable marks a transient backend failure. Always retryable.
	ErrRemoteUnavailable = errors.New("backend unavailable")

	// ErrNotFound marks a target incident that vanished server-side.
	ErrNotFound = errors.New("not found")
)

// ConflictError reports that an update's base snapshot is stale. It carries
// the server's current incident so the caller can pick a resolution policy.
type ConflictError struct {
	Server *Incident
}

func (e *ConflictError) Error() string {
	if e.Server == nil {
		return "incident changed on server"
	}
	return fmt.Sprintf("incident %s changed on server (version %d)", e.Server.ID, e.Server.Version)
}

// MergeConflictError reports fields changed to different values on both
// sides of a conflicting update. No merge policy applies; the caller must
// escalate.
type MergeConflictError struct {
	Fields []string
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("merge conflict on fields: %s", strings.Join(e.Fields, ", "))
}
