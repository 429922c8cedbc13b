package q8conv

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestStructuredErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantType ErrorType
		wantOp   string
		wantMsg  string
		checkFn  func(error) bool
	}{
		{
			name:     "Invalid Size Error",
			err:      ErrInvalidSize,
			wantType: ErrTypeInvalidArg,
			wantOp:   "Malloc",
			wantMsg:  "size must be positive",
			checkFn:  IsInvalidArgError,
		},
		{
			name:     "Double Free Error",
			err:      ErrDoubleFree,
			wantType: ErrTypeMemory,
			wantOp:   "Free",
			wantMsg:  "double free detected",
			checkFn:  IsMemoryError,
		},
		{
			name:     "Numerical Error",
			err:      NewNumericalError("Requantize", "accumulator overflow", nil),
			wantType: ErrTypeNumerical,
			wantOp:   "Requantize",
			wantMsg:  "accumulator overflow",
			checkFn:  IsNumericalError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, ok := tt.err.(*Error)
			if !ok {
				t.Fatalf("expected *Error, got %T", tt.err)
			}
			if e.Type != tt.wantType {
				t.Errorf("Type = %v, want %v", e.Type, tt.wantType)
			}
			if e.Op != tt.wantOp {
				t.Errorf("Op = %q, want %q", e.Op, tt.wantOp)
			}
			if e.Message != tt.wantMsg {
				t.Errorf("Message = %q, want %q", e.Message, tt.wantMsg)
			}
			if !tt.checkFn(tt.err) {
				t.Error("type predicate rejected the error")
			}
			if !strings.Contains(tt.err.Error(), tt.wantMsg) {
				t.Errorf("Error() = %q does not contain %q", tt.err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := fmt.Errorf("underlying failure")
	err := NewMemoryError("Allocate", "backing allocation failed", cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is does not find the wrapped cause")
	}
	if !strings.Contains(err.Error(), "caused by") {
		t.Errorf("Error() = %q does not mention the cause", err.Error())
	}
}

func TestErrorTypeString(t *testing.T) {
	tests := []struct {
		t    ErrorType
		want string
	}{
		{ErrTypeMemory, "Memory"},
		{ErrTypeInvalidArg, "InvalidArgument"},
		{ErrTypeNumerical, "Numerical"},
		{ErrorType(99), "Unknown"},
	}
	for _, tt := range tests {
		if got := tt.t.String(); got != tt.want {
			t.Errorf("ErrorType(%d).String() = %q, want %q", tt.t, got, tt.want)
		}
	}
}
