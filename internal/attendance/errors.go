package attendance

import (
	"errors"
	"fmt"
)

// Kind classifies a check-in failure.
type Kind string

const (
	KindWindowNotOpen  Kind = "WINDOW_NOT_OPEN"
	KindTokenExpired   Kind = "TOKEN_EXPIRED"
	KindInvalidCode    Kind = "INVALID_CODE"
	KindDuplicate      Kind = "DUPLICATE_WITHIN_COOLDOWN"
	KindAlreadySettled Kind = "ALREADY_SETTLED"
	KindBadRequest     Kind = "BAD_REQUEST"
	KindTransientIO    Kind = "TRANSIENT_IO_FAILURE"
)

// Store-level sentinels.
var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadySettled = errors.New("already settled")
	ErrWithinCooldown = errors.New("scanned within cooldown")
)

// Error is returned by every check-in operation.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// Errorf builds an Error of the given kind.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// transient wraps a storage or network failure.
func transient(op string, err error) *Error {
	return newError(KindTransientIO, op, err)
}

// KindOf extracts the Kind of err. Unclassified errors are transient.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransientIO
}

// IsRejection reports whether err is a business-rule rejection, which
// must not be retried automatically.
func IsRejection(err error) bool {
	switch KindOf(err) {
	case KindWindowNotOpen, KindTokenExpired, KindInvalidCode, KindDuplicate, KindAlreadySettled, KindBadRequest:
		return true
	}
	return false
}

// MessageOf returns the operator-facing message for err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	if err == nil {
		return ""
	}
	return "temporary failure, please retry"
}
