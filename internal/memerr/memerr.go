// Package memerr defines the error kinds shared by every allocator in the
// simulator. All failures are reported as *Error values carrying a Code so
// callers can classify them without string matching.
package memerr

import (
	"errors"
	"fmt"
)

// Code identifies the kind of memory error.
type Code int

const (
	CodeOutOfBounds   Code = iota // Access outside the region
	CodeStackOverflow             // Stack frame capacity exceeded
	CodeInvalidPop                // Pop size does not match the last push
	CodeOutOfMemory               // No free block can satisfy the request
	CodeDoubleFree                // Allocation already freed or dropped
	CodeUseAfterMove              // Access through a moved-out handle
	CodeUseAfterFree              // Dereference of a dropped allocation
	CodeInvalidSize               // Zero or otherwise unusable size
)

// String returns the string representation of a code.
func (c Code) String() string {
	switch c {
	case CodeOutOfBounds:
		return "OutOfBounds"
	case CodeStackOverflow:
		return "StackOverflow"
	case CodeInvalidPop:
		return "InvalidPop"
	case CodeOutOfMemory:
		return "OutOfMemory"
	case CodeDoubleFree:
		return "DoubleFree"
	case CodeUseAfterMove:
		return "UseAfterMove"
	case CodeUseAfterFree:
		return "UseAfterFree"
	case CodeInvalidSize:
		return "InvalidSize"
	default:
		return fmt.Sprintf("Unknown(%d)", int(c))
	}
}

// Error is the concrete error type returned by the region, the stack and
// heap allocators, the ownership ledger, and both collectors.
type Error struct {
	Message string
	Code    Code
	Offset  uint64
	Size    uint64
}

// New creates an error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Size > 0 || e.Offset > 0 {
		return fmt.Sprintf("%s: %s (offset=%d, size=%d)", e.Code, e.Message, e.Offset, e.Size)
	}

	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is reports whether target carries the same code. This lets callers use
// errors.Is with a bare code sentinel, e.g. errors.Is(err, memerr.New(memerr.CodeDoubleFree, "")).
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Code == other.Code
	}

	return false
}

// CodeOf extracts the code from err, returning ok=false for foreign errors.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}

	return 0, false
}

// HasCode reports whether err is a memory error with the given code.
func HasCode(err error, code Code) bool {
	c, ok := CodeOf(err)

	return ok && c == code
}
