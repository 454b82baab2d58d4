package gateway

import (
	"errors"
	"fmt"
	"strings"
)

// Error is the package error type. Code follows HTTP semantics; Temporary
// marks retryable conditions such as a store outage.
type Error struct {
	Op        string      `json:"op,omitempty"`
	Message   string      `json:"message"`
	Code      int         `json:"code"`
	Temporary bool        `json:"temporary"`
	Details   interface{} `json:"details,omitempty"`
	cause     error
}

const (
	StatusBadRequest          = 400
	StatusNotFound            = 404
	StatusConflict            = 409
	StatusInternalServerError = 500
	StatusServiceUnavailable  = 503
	StatusGatewayTimeout      = 504
)

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s (code: %d)", e.Op, e.Message, e.Code)
	}
	return fmt.Sprintf("%s (code: %d)", e.Message, e.Code)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// IsTemporary reports whether err is a retryable gateway error.
func IsTemporary(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Temporary
	}
	return false
}

func wrap(err error, message string) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return &Error{
			Op:        e.Op,
			Message:   fmt.Sprintf("%s: %s", message, e.Message),
			Code:      e.Code,
			Temporary: e.Temporary,
			Details:   e.Details,
			cause:     e.cause,
		}
	}
	return &Error{
		Message: fmt.Sprintf("%s: %s", message, err),
		Code:    StatusInternalServerError,
		cause:   err,
	}
}

func wrapF(err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return wrap(err, fmt.Sprintf(format, args...))
}

func badRequest(op, message string) *Error {
	return &Error{Op: op, Message: message, Code: StatusBadRequest}
}

func notFound(op, message string) *Error {
	return &Error{Op: op, Message: message, Code: StatusNotFound}
}

func conflict(op, message string) *Error {
	return &Error{Op: op, Message: message, Code: StatusConflict}
}

func internal(op, message string) *Error {
	return &Error{Op: op, Message: message, Code: StatusInternalServerError}
}

// transportFailed wraps a transport-level join/leave/send failure. These
// propagate to the caller of the specific operation and never mutate
// metadata on the way out.
func transportFailed(err error, op string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Op:      op,
		Message: err.Error(),
		Code:    StatusInternalServerError,
		cause:   err,
	}
}

// storeUnavailable marks a shared-store outage. Callers treat writes as
// no-ops and reads as "unknown"; the condition is retryable.
func storeUnavailable(err error, op string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Op:        op,
		Message:   err.Error(),
		Code:      StatusServiceUnavailable,
		Temporary: true,
		cause:     err,
	}
}

func timeout(op, message string) *Error {
	return &Error{Op: op, Message: message, Code: StatusGatewayTimeout, Temporary: true}
}

type MultiError struct {
	errors []error
}

func (m *MultiError) Error() string {
	if len(m.errors) == 0 {
		return "no errors"
	}
	messages := make([]string, len(m.errors))

	for i, err := range m.errors {
		messages[i] = err.Error()
	}
	return strings.Join(messages, "; ")
}

func (m *MultiError) Unwrap() []error {
	return m.errors
}

func addError(base, new error) error {
	if base == nil {
		return new
	}
	if new == nil {
		return base
	}

	var me *MultiError
	if errors.As(base, &me) {
		me.errors = append(me.errors, new)

		return me
	}
	return &MultiError{errors: []error{base, new}}
}
