package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an Error.
type ErrorKind int

const (
	KindParse ErrorKind = iota + 1
	KindExecution
	KindTypeMismatch
	KindDivisionByZero
	KindNullValue
	KindConstraintViolation
	KindTableNotFound
	KindColumnNotFound
	KindDuplicateKey
	KindIO
	KindProtocol
	KindTransaction
)

var kindPrefixes = map[ErrorKind]string{
	KindParse:               "Parse error",
	KindExecution:           "Execution error",
	KindTypeMismatch:        "Type mismatch",
	KindDivisionByZero:      "Division by zero",
	KindNullValue:           "Null value error",
	KindConstraintViolation: "Constraint violation",
	KindTableNotFound:       "Table not found",
	KindColumnNotFound:      "Column not found",
	KindDuplicateKey:        "Duplicate key",
	KindIO:                  "I/O error",
	KindProtocol:            "Protocol error",
	KindTransaction:         "Transaction error",
}

// String returns the human readable prefix used in error messages.
func (k ErrorKind) String() string {
	if p, ok := kindPrefixes[k]; ok {
		return p
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Error is the single error value surfaced by the storage and transaction
// layers. Callers branch on Kind, not on message text.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Kind == KindDivisionByZero && e.Message == "" {
		return e.Kind.String()
	}
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same kind. A target with a
// zero Kind never matches.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind != 0 && t.Kind == e.Kind
}

// NewError creates an Error of the given kind.
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind around cause.
func Wrap(kind ErrorKind, cause error, format string, args ...interface{}) *Error {
	msg := fmt.Sprintf(format, args...)
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, cause)
	}
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// IOError wraps a filesystem or encoding failure.
func IOError(cause error, format string, args ...interface{}) *Error {
	return Wrap(KindIO, cause, format, args...)
}

// TableNotFound reports a missing table.
func TableNotFound(name string) *Error {
	return &Error{Kind: KindTableNotFound, Message: name}
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return errors.Is(err, &Error{Kind: kind})
}
