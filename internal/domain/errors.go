package domain

import (
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("not found")

// PersistenceError is a local durability failure. The triggering call fails.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// TransientRemoteError covers network failures, timeouts and 5xx responses.
type TransientRemoteError struct {
	Err error
}

func (e *TransientRemoteError) Error() string {
	return fmt.Sprintf("transient remote failure: %v", e.Err)
}

func (e *TransientRemoteError) Unwrap() error { return e.Err }

// ConflictError means the remote rejected a write because its revision
// precondition is stale.
type ConflictError struct {
	EntityID         string
	ExpectedRevision string
	Err              error
}

func (e *ConflictError) Error() string {
	if e.ExpectedRevision == "" {
		return fmt.Sprintf("conflict detected for %s", e.EntityID)
	}
	return fmt.Sprintf("conflict detected for %s at revision %s", e.EntityID, e.ExpectedRevision)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// PermanentRemoteError is a rejection that retrying cannot fix.
type PermanentRemoteError struct {
	Reason string
	Err    error
}

func (e *PermanentRemoteError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("remote rejected operation: %s", e.Reason)
	}
	return fmt.Sprintf("remote rejected operation: %s: %v", e.Reason, e.Err)
}

func (e *PermanentRemoteError) Unwrap() error { return e.Err }

type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

func IsConflict(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}

func IsTransient(err error) bool {
	var target *TransientRemoteError
	return errors.As(err, &target)
}

func IsPermanent(err error) bool {
	var target *PermanentRemoteError
	return errors.As(err, &target)
}

func IsAuth(err error) bool {
	var target *AuthError
	return errors.As(err, &target)
}

func IsPersistence(err error) bool {
	var target *PersistenceError
	return errors.As(err, &target)
}
