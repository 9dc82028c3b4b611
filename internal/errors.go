package internal

import (
	"errors"
	"fmt"
)

var (
	// ErrNotSupported is returned when a Space backend does not implement
	// the requested operation (e.g. Browse on a write-only backend).
	ErrNotSupported = errors.New("operation not supported by this backend")

	// ErrNotFound covers missing and disabled Spaces, Locations and
	// Packages. Disabled is deliberately indistinguishable from missing
	// for mutation purposes.
	ErrNotFound = errors.New("not found")

	// ErrQuotaExceeded is returned by the advisory quota pre-check.
	ErrQuotaExceeded = errors.New("location quota exceeded")

	// ErrValidation marks pointer-file or package-structure validation
	// failures. Always fatal to the operation in progress.
	ErrValidation = errors.New("validation failed")
)

// BackendError wraps a third-party transport or auth failure, keeping the
// backend-supplied diagnostic text verbatim so operators can diagnose
// without log access.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend error during %s: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// NewBackendError wraps err, preserving its message.
func NewBackendError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &BackendError{Op: op, Err: err}
}

// ReplicaDeleteError is raised while cleaning up a pre-existing replica.
// It is caught at the batch level so one replica's deletion failure does
// not abort the whole batch.
type ReplicaDeleteError struct {
	ReplicaUUID string
	Err         error
}

func (e *ReplicaDeleteError) Error() string {
	return fmt.Sprintf("failed to delete replica %s: %v", e.ReplicaUUID, e.Err)
}

func (e *ReplicaDeleteError) Unwrap() error { return e.Err }
