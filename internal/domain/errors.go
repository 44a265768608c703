package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a tenant-scoped lookup matches no row. It is
// deliberately the same for "no such id" and "id belongs to another tenant".
var ErrNotFound = errors.New("not found")

// ErrGatewayNotReady means the tenant's messaging session is not connected.
// Periodic work treats it as "skip and retry next tick"; a dispatch treats it
// as a whole-job failure with zero send attempts.
var ErrGatewayNotReady = errors.New("gateway not ready")

// ValidationError reports malformed input at creation time. It is surfaced
// synchronously to the caller and never queued.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// InvalidStateError reports an operation not permitted in the job's current
// lifecycle state, e.g. cancelling a job that already ran.
type InvalidStateError struct {
	Status JobStatus
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("job is %s, operation requires pending", e.Status)
}
