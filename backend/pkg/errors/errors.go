package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeExtraction represents entity-extraction errors
	ErrorTypeExtraction ErrorType = "extraction"
	// ErrorTypeVector represents vector store errors
	ErrorTypeVector ErrorType = "vector"
	// ErrorTypeGraph represents graph store errors
	ErrorTypeGraph ErrorType = "graph"
	// ErrorTypeIndexing represents background indexing errors
	ErrorTypeIndexing ErrorType = "indexing"
	// ErrorTypeConfig represents configuration errors
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeContext represents context cancellation/timeout errors
	ErrorTypeContext ErrorType = "context"
)

// BaseError is the base error type with common fields
type BaseError struct {
	Type      ErrorType
	Message   string
	Timestamp time.Time
	Err       error // Wrapped error
}

// Error implements the error interface
func (e *BaseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the wrapped error for error unwrapping
func (e *BaseError) Unwrap() error {
	return e.Err
}

func (e *BaseError) errorType() ErrorType {
	return e.Type
}

// NewBaseError creates a new base error
func NewBaseError(errType ErrorType, message string, err error) *BaseError {
	return &BaseError{
		Type:      errType,
		Message:   message,
		Timestamp: time.Now(),
		Err:       err,
	}
}

// Extraction Errors

// ErrExtractionTimeout is returned when entity extraction misses its deadline.
// Only the graph branch of retrieval produces it; the caller falls back to
// vector-only results.
type ErrExtractionTimeout struct {
	*BaseError
	Timeout time.Duration
}

func NewExtractionTimeout(timeout time.Duration, err error) *ErrExtractionTimeout {
	return &ErrExtractionTimeout{
		BaseError: NewBaseError(ErrorTypeExtraction, fmt.Sprintf("entity extraction exceeded %v", timeout), err),
		Timeout:   timeout,
	}
}

// Store Errors

// ErrStoreUnavailable is returned when a backing engine cannot be constructed.
// The engine substitutes the degraded no-op variant.
type ErrStoreUnavailable struct {
	*BaseError
	Store string
}

func NewStoreUnavailable(errType ErrorType, store string, err error) *ErrStoreUnavailable {
	return &ErrStoreUnavailable{
		BaseError: NewBaseError(errType, fmt.Sprintf("store unavailable: %s", store), err),
		Store:     store,
	}
}

// ErrDimensionMismatch is returned when a vector does not match the store dimension
type ErrDimensionMismatch struct {
	*BaseError
	Expected int
	Got      int
}

func NewDimensionMismatch(expected, got int) *ErrDimensionMismatch {
	return &ErrDimensionMismatch{
		BaseError: NewBaseError(ErrorTypeVector, fmt.Sprintf("dimension mismatch: expected %d, got %d", expected, got), nil),
		Expected:  expected,
		Got:       got,
	}
}

// ErrSchemaCorruption is reported when graph bootstrap finds an incompatible schema
type ErrSchemaCorruption struct {
	*BaseError
	Detail string
}

func NewSchemaCorruption(detail string, err error) *ErrSchemaCorruption {
	return &ErrSchemaCorruption{
		BaseError: NewBaseError(ErrorTypeGraph, fmt.Sprintf("incompatible graph schema (%s); rebuild the graph store", detail), err),
		Detail:    detail,
	}
}

// ErrStoreOperationFailed is returned alongside an empty result when a store
// read or write fails. Callers treat it as "no results" and log it.
type ErrStoreOperationFailed struct {
	*BaseError
	Operation string
}

func NewStoreOperationFailed(errType ErrorType, operation string, err error) *ErrStoreOperationFailed {
	return &ErrStoreOperationFailed{
		BaseError: NewBaseError(errType, fmt.Sprintf("%s failed", operation), err),
		Operation: operation,
	}
}

// Indexing Errors

// ErrIndexingFailure wraps the failure of one step of a background indexing unit
type ErrIndexingFailure struct {
	*BaseError
	Step string
}

func NewIndexingFailure(step string, err error) *ErrIndexingFailure {
	return &ErrIndexingFailure{
		BaseError: NewBaseError(ErrorTypeIndexing, fmt.Sprintf("indexing step %q failed", step), err),
		Step:      step,
	}
}

// ErrIndexingClosed is returned when work is submitted after shutdown began
var ErrIndexingClosed = NewBaseError(ErrorTypeIndexing, "indexing pipeline is draining", nil)

// Config Errors

// ErrConfigValidationFailed is returned when configuration validation fails
type ErrConfigValidationFailed struct {
	*BaseError
	Field  string
	Reason string
}

func NewConfigValidationFailed(field, reason string) *ErrConfigValidationFailed {
	return &ErrConfigValidationFailed{
		BaseError: NewBaseError(ErrorTypeConfig, fmt.Sprintf("config validation failed: %s - %s", field, reason), nil),
		Field:     field,
		Reason:    reason,
	}
}

// Context Errors

// ErrContextTimeout is returned when context times out
type ErrContextTimeout struct {
	*BaseError
	Operation string
	Timeout   time.Duration
}

func NewContextTimeout(operation string, timeout time.Duration) *ErrContextTimeout {
	return &ErrContextTimeout{
		BaseError: NewBaseError(ErrorTypeContext, fmt.Sprintf("context timeout: %s (timeout: %v)", operation, timeout), nil),
		Operation: operation,
		Timeout:   timeout,
	}
}

// Helper functions

type typed interface {
	errorType() ErrorType
}

// IsErrorType checks if an error, or any error it wraps, is of a specific type
func IsErrorType(err error, errType ErrorType) bool {
	for err != nil {
		if t, ok := err.(typed); ok && t.errorType() == errType {
			return true
		}
		err = stderrors.Unwrap(err)
	}
	return false
}

// As is errors.As, re-exported so callers importing this package under the
// name "errors" keep access to it.
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}

// Is is errors.Is.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}
