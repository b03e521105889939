/**
 * @description
 * Error types shared by the allocation engine and the HTTP layer, which maps
 * each of them to a status code.
 */
package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInventoryExhausted is returned when no unused code exists in any tier.
	ErrInventoryExhausted = errors.New("reward inventory exhausted")
	// ErrRateLimitUnresolved is returned when a recent redemption exists for the
	// identity but its code cannot be resolved in the inventory.
	ErrRateLimitUnresolved = errors.New("recent reward claim could not be resolved")
)

// ValidationError reports malformed client input. It is always raised before the
// store is touched.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NewValidationError builds a ValidationError for field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// StorageError wraps failures of the underlying store. The caller may retry with
// the same identity.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Retryable is always true: no partial mutation is committed on failure.
func (e *StorageError) Retryable() bool { return true }

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsStorageError reports whether err is (or wraps) a StorageError.
func IsStorageError(err error) bool {
	var target *StorageError
	return errors.As(err, &target)
}
