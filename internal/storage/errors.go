// Package storage defines the persistence contract of the risk engine and
// its ClickHouse implementation.
package storage

import (
	"context"
	"errors"
	"fmt"
)

// Storage error types for categorizing storage failures.
var (
	// ErrConnectionFailed indicates a failure to connect to the database.
	ErrConnectionFailed = errors.New("storage: connection failed")

	// ErrQueryFailed indicates a query execution failure.
	ErrQueryFailed = errors.New("storage: query failed")

	// ErrInsertFailed indicates an insert failure.
	ErrInsertFailed = errors.New("storage: insert failed")

	// ErrTimeout indicates an operation timeout.
	ErrTimeout = errors.New("storage: operation timeout")

	// ErrInvalidData indicates invalid data was provided.
	ErrInvalidData = errors.New("storage: invalid data")

	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("storage: store closed")
)

// StorageError wraps storage errors with additional context.
type StorageError struct {
	Op    string // Operation that failed (e.g., "InsertEvent", "EventsBySource")
	Table string // Table involved, if applicable
	Err   error  // Underlying error
}

// Error returns the error message.
func (e *StorageError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("storage.%s(%s): %v", e.Op, e.Table, e.Err)
	}
	return fmt.Sprintf("storage.%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a new StorageError.
func NewStorageError(op, table string, err error) *StorageError {
	return &StorageError{
		Op:    op,
		Table: table,
		Err:   err,
	}
}

// IsConnectionError checks if the error is a connection error.
func IsConnectionError(err error) bool {
	return errors.Is(err, ErrConnectionFailed)
}

// IsQueryError checks if the error is a query error.
func IsQueryError(err error) bool {
	return errors.Is(err, ErrQueryFailed)
}

// IsTimeout checks if the error is a timeout error.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsRetryable checks if the error is retryable (connection or timeout).
func IsRetryable(err error) bool {
	return IsConnectionError(err) || IsTimeout(err)
}

// WrapConnectionError wraps an error as a connection error.
func WrapConnectionError(op string, err error) error {
	return &StorageError{
		Op:  op,
		Err: fmt.Errorf("%w: %v", ErrConnectionFailed, err),
	}
}

// WrapQueryError wraps an error as a query error. Context deadline errors
// are classified as timeouts.
func WrapQueryError(op, table string, err error) error {
	kind := ErrQueryFailed
	if errors.Is(err, context.DeadlineExceeded) {
		kind = ErrTimeout
	}
	return &StorageError{
		Op:    op,
		Table: table,
		Err:   fmt.Errorf("%w: %v", kind, err),
	}
}

// WrapInsertError wraps an error as an insert error.
func WrapInsertError(op, table string, err error) error {
	kind := ErrInsertFailed
	if errors.Is(err, context.DeadlineExceeded) {
		kind = ErrTimeout
	}
	return &StorageError{
		Op:    op,
		Table: table,
		Err:   fmt.Errorf("%w: %v", kind, err),
	}
}
