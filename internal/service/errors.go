package service

import (
	"errors"
	"fmt"

	"paypollen-api/internal/client"
	"paypollen-api/internal/repository/mongodb"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrAlreadyExists    = errors.New("already exists")
	ErrPermissionDenied = errors.New("permission denied")
	ErrUnauthenticated  = errors.New("authentication required")
	ErrStepUpRequired   = errors.New("step-up authentication required")
	ErrDependency       = errors.New("dependency failure")
)

// OpError ties a failure kind to the operation that hit it. errors.Is
// matches both the kind and the underlying cause.
type OpError struct {
	Kind error
	Op   string
	Err  error
}

func (e *OpError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func opError(kind error, op string, err error) error {
	return &OpError{Kind: kind, Op: op, Err: err}
}

// storeError maps repository sentinels onto service kinds; anything else is
// a dependency failure.
func storeError(op string, err error) error {
	switch {
	case errors.Is(err, mongodb.ErrNotFound):
		return opError(ErrNotFound, op, nil)
	case errors.Is(err, mongodb.ErrAlreadyExists):
		return opError(ErrAlreadyExists, op, nil)
	default:
		return opError(ErrDependency, op, err)
	}
}

// providerError maps a vendor failure. Rejections become rejectedKind so
// a bad token is distinguishable from an outage.
func providerError(op string, err error, rejectedKind error) error {
	if errors.Is(err, client.ErrProviderRejected) {
		return opError(rejectedKind, op, err)
	}
	return opError(ErrDependency, op, err)
}

func isStoreNotFound(err error) bool {
	return errors.Is(err, mongodb.ErrNotFound)
}
