// Package apperr is the error taxonomy shared by the engines, the ledger and
// the RPC boundary.
package apperr

import (
	"errors"

	"connectrpc.com/connect"
)

type Kind string

const (
	KindValidation        Kind = "VALIDATION"
	KindConflict          Kind = "CONFLICT"
	KindUnavailable       Kind = "UNAVAILABLE"
	KindIntegrity         Kind = "INTEGRITY_VIOLATION"
	KindInsufficientFunds Kind = "INSUFFICIENT_FUNDS"
	KindSuspended         Kind = "SUSPENDED"
	KindNotFound          Kind = "NOT_FOUND"
	KindPermissionDenied  Kind = "PERMISSION_DENIED"
	KindInternal          Kind = "INTERNAL"
)

// Error carries a machine-readable kind next to the log message.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error with the same kind.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Sentinels for errors.Is checks.
var (
	ErrValidation        = New(KindValidation, "validation failed")
	ErrConflict          = New(KindConflict, "write conflict")
	ErrUnavailable       = New(KindUnavailable, "unavailable")
	ErrIntegrity         = New(KindIntegrity, "integrity violation")
	ErrInsufficientFunds = New(KindInsufficientFunds, "insufficient funds")
	ErrSuspended         = New(KindSuspended, "player suspended")
	ErrNotFound          = New(KindNotFound, "not found")
	ErrPermissionDenied  = New(KindPermissionDenied, "permission denied")
)

func Validation(message string) *Error {
	return New(KindValidation, message)
}

func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRejection reports whether err is a business outcome the caller should see
// as success=false rather than as a transport error.
func IsRejection(err error) bool {
	switch KindOf(err) {
	case KindInsufficientFunds, KindSuspended, KindIntegrity:
		return true
	}
	return false
}

func (k Kind) ConnectCode() connect.Code {
	switch k {
	case KindValidation:
		return connect.CodeInvalidArgument
	case KindConflict:
		return connect.CodeAborted
	case KindUnavailable:
		return connect.CodeUnavailable
	case KindInsufficientFunds, KindSuspended, KindIntegrity:
		return connect.CodeFailedPrecondition
	case KindNotFound:
		return connect.CodeNotFound
	case KindPermissionDenied:
		return connect.CodePermissionDenied
	default:
		return connect.CodeInternal
	}
}

// ToConnect converts err into a connect error carrying the mapped code.
func ToConnect(err error) error {
	if err == nil {
		return nil
	}
	var ce *connect.Error
	if errors.As(err, &ce) {
		return ce
	}
	return connect.NewError(KindOf(err).ConnectCode(), err)
}
