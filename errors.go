// Package q8conv structured error types for the library surface
package q8conv

import (
	"fmt"
)

// ErrorType represents categories of errors
type ErrorType int

const (
	// Memory errors
	ErrTypeMemory ErrorType = iota
	// Invalid argument errors
	ErrTypeInvalidArg
	// Numerical errors
	ErrTypeNumerical
)

// Error represents a structured error with context
type Error struct {
	Type    ErrorType
	Op      string      // Operation that failed
	Message string      // Human-readable message
	Err     error       // Underlying error if any
	Context interface{} // Additional context
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("q8conv %s error in %s: %s (caused by: %v)",
			e.Type.String(), e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("q8conv %s error in %s: %s",
		e.Type.String(), e.Op, e.Message)
}

// Unwrap allows error chain inspection
func (e *Error) Unwrap() error {
	return e.Err
}

// String returns the error type as a string
func (t ErrorType) String() string {
	switch t {
	case ErrTypeMemory:
		return "Memory"
	case ErrTypeInvalidArg:
		return "InvalidArgument"
	case ErrTypeNumerical:
		return "Numerical"
	default:
		return "Unknown"
	}
}

// NewMemoryError creates a memory-related error
func NewMemoryError(op string, message string, err error) error {
	return &Error{
		Type:    ErrTypeMemory,
		Op:      op,
		Message: message,
		Err:     err,
	}
}

// NewInvalidArgError creates an invalid argument error
func NewInvalidArgError(op string, message string) error {
	return &Error{
		Type:    ErrTypeInvalidArg,
		Op:      op,
		Message: message,
	}
}

// NewNumericalError creates a numerical error
func NewNumericalError(op string, message string, context interface{}) error {
	return &Error{
		Type:    ErrTypeNumerical,
		Op:      op,
		Message: message,
		Context: context,
	}
}

// Common pre-defined errors

var (
	// ErrInvalidSize indicates an invalid size parameter
	ErrInvalidSize = NewInvalidArgError("Malloc", "size must be positive")

	// ErrDoubleFree indicates a double free attempt
	ErrDoubleFree = NewMemoryError("Free", "double free detected", nil)
)

// IsMemoryError checks if an error is a memory error
func IsMemoryError(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Type == ErrTypeMemory
	}
	return false
}

// IsInvalidArgError checks if an error is an invalid argument error
func IsInvalidArgError(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Type == ErrTypeInvalidArg
	}
	return false
}

// IsNumericalError checks if an error is a numerical error
func IsNumericalError(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Type == ErrTypeNumerical
	}
	return false
}
