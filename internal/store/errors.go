package store

import "errors"

// Common errors returned by store operations.
//
// These errors can be checked using errors.Is() for proper error handling:
//
//	if errors.Is(err, store.ErrNotFound) {
//	    // Handle unknown project
//	}
var (
	// ErrNotFound is returned when the requested project has no record.
	ErrNotFound = errors.New("project not found")

	// ErrPayloadTooLarge is returned when a Put would exceed the maximum
	// serialized record size. The record is left unchanged and the
	// version is not incremented.
	ErrPayloadTooLarge = errors.New("context payload too large")

	// ErrCapacityExceeded is returned when the store is at its project
	// capacity and no idle project can be evicted. Callers should retry
	// after backoff; the periodic sweep frees idle projects over time.
	ErrCapacityExceeded = errors.New("context capacity exceeded")

	// ErrDuplicateKey is returned when a Put contains the same element
	// key more than once.
	ErrDuplicateKey = errors.New("duplicate element key")

	// ErrClosed is returned when operating on a store after Close.
	ErrClosed = errors.New("store is closed")
)

// IsRetryable returns true if the error is likely to succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrCapacityExceeded)
}
