package engine

import "fmt"

// Code is a stable reason code attached to every refused operation. Callers
// branch on the code; the message is for humans.
type Code string

const (
	CodeNotFound            Code = "not_found"
	CodeAlreadyStarted      Code = "already_started"
	CodeNotStarted          Code = "not_started"
	CodeInvalidTransition   Code = "invalid_transition"
	CodeUnauthorized        Code = "unauthorized"
	CodeMissingReason       Code = "missing_reason"
	CodeNotBlocked          Code = "not_blocked"
	CodeConcurrencyConflict Code = "concurrency_conflict"
)

// Error is a refused workflow outcome. These are expected results of normal
// operation, not programming errors; the engine returns them instead of
// panicking so callers can render precise guidance.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func refuse(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the reason code from an error, or "" if the error does not
// carry one.
func CodeOf(err error) Code {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}
