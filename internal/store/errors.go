package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound reports a lookup miss. It is a normal outcome, not a failure.
	ErrNotFound = errors.New("summary not found")

	// ErrExpired reports a hit whose timestamp is older than the allowed age.
	// Callers treat it like ErrNotFound; it only exists so the two can be logged apart.
	ErrExpired = errors.New("summary expired")

	// ErrConflict reports that a conditional write kept losing to concurrent writers
	ErrConflict = errors.New("concurrent update conflict")
)

// BackendError wraps a failure talking to the storage backend (network,
// credentials, disk). It is never turned into a cache miss.
type BackendError struct {
	Backend string
	Op      string
	Code    string // Backend error code when one is available; Err already names it
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// SerializationError reports a stored value with a shape the store cannot decode
type SerializationError struct {
	Attribute string
	Err       error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("decode attribute %q: %v", e.Attribute, e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

// IsMiss reports whether err means "nothing usable cached"
func IsMiss(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrExpired)
}
