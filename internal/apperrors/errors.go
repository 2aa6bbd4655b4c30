// Package apperrors defines the error kinds shared by the backup, offsite and
// disaster recovery services so callers can map failures without knowing
// which service produced them.
package apperrors

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Package-level sentinels wrap one of these so that
// errors.Is(err, apperrors.ErrNotFound) holds for any not-found failure.
var (
	// ErrNotFound indicates a referenced backup, offsite record, plan or execution does not exist.
	ErrNotFound = errors.New("not found")
	// ErrIntegrity indicates a checksum, size or encryption mismatch.
	ErrIntegrity = errors.New("integrity check failed")
	// ErrTransient indicates a filesystem or network failure the caller may retry later.
	ErrTransient = errors.New("transient i/o failure")
	// ErrPolicy indicates a configuration or programming error, e.g. an unsupported provider.
	ErrPolicy = errors.New("policy violation")
	// ErrConflict indicates an operation is already running for the same resource.
	ErrConflict = errors.New("conflict")
	// ErrValidation indicates structurally invalid input.
	ErrValidation = errors.New("validation failed")
)

// Kind wraps a kind sentinel with a resource-specific message.
func Kind(kind error, format string, args ...any) error {
	return &kindError{kind: kind, msg: fmt.Sprintf(format, args...)}
}

type kindError struct {
	kind error
	msg  string
}

func (e *kindError) Error() string { return e.msg }

func (e *kindError) Unwrap() error { return e.kind }

// IntegrityError reports which integrity sub-checks failed.
type IntegrityError struct {
	Resource string
	Checks   []string
}

// Error implements the error interface.
func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s: integrity check failed: %s", e.Resource, strings.Join(e.Checks, "; "))
}

// Unwrap lets errors.Is match ErrIntegrity.
func (e *IntegrityError) Unwrap() error {
	return ErrIntegrity
}

// Transient marks err as a retryable i/o failure while keeping the cause.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &transientError{op: op, cause: err}
}

type transientError struct {
	op    string
	cause error
}

func (e *transientError) Error() string { return e.op + ": " + e.cause.Error() }

func (e *transientError) Unwrap() []error { return []error{ErrTransient, e.cause} }

// IsNotFound reports whether err is a not-found failure.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsIntegrity reports whether err is an integrity failure.
func IsIntegrity(err error) bool { return errors.Is(err, ErrIntegrity) }
