package queue

import (
	"errors"
	"fmt"
)

const (
	CodeValidation        = "validation"
	CodeDuplicate         = "duplicate"
	CodeNotFound          = "not_found"
	CodeInvalidTransition = "invalid_transition"
	CodeUnavailable       = "unavailable"
	CodeInternal          = "internal"
)

type Error struct {
	Code      string
	Message   string
	Transient bool
	Status    int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func statusForCode(code string) int {
	switch code {
	case CodeValidation:
		return 400
	case CodeNotFound:
		return 404
	case CodeDuplicate, CodeInvalidTransition:
		return 409
	case CodeUnavailable:
		return 503
	default:
		return 500
	}
}

func newError(code, message string, transient bool) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Transient: transient,
		Status:    statusForCode(code),
	}
}

func codeIs(err error, code string) bool {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Code == code
	}
	return false
}

// IsDuplicate reports whether err is the dedupe rejection from Enqueue.
// Intake treats it as success: re-delivery of the same transport message
// must not create duplicate work.
func IsDuplicate(err error) bool { return codeIs(err, CodeDuplicate) }

// IsInvalidTransition reports a lease-race or programming guard: the caller
// tried to complete an entry it no longer owns.
func IsInvalidTransition(err error) bool { return codeIs(err, CodeInvalidTransition) }

func IsNotFound(err error) bool { return codeIs(err, CodeNotFound) }

func NewInternalError(message string) error {
	return newError(CodeInternal, message, true)
}
