package types

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCode est la catégorie d'erreur visible par le protocole et par les tâches.
type ErrorCode uint8

const (
	Ok ErrorCode = iota
	NotFound
	Timeout
	Interrupted
	InvalidInput
	InvalidData
	PermissionDenied
	AlreadyExists
	OutOfLimit
	NotConnected
	ErrorState
	Other
)

func (c ErrorCode) String() string {
	switch c {
	case Ok:
		return "ok"
	case NotFound:
		return "not_found"
	case Timeout:
		return "timeout"
	case Interrupted:
		return "interrupted"
	case InvalidInput:
		return "invalid_input"
	case InvalidData:
		return "invalid_data"
	case PermissionDenied:
		return "permission_denied"
	case AlreadyExists:
		return "already_exists"
	case OutOfLimit:
		return "out_of_limit"
	case NotConnected:
		return "not_connected"
	case ErrorState:
		return "error_state"
	default:
		return "other"
	}
}

// Error porte un code et un message. errors.Is compare uniquement le code.
type Error struct {
	Code ErrorCode
	Msg  string
}

func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.Msg
}

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrNotFound         = &Error{Code: NotFound}
	ErrTimeout          = &Error{Code: Timeout}
	ErrInterrupted      = &Error{Code: Interrupted}
	ErrInvalidInput     = &Error{Code: InvalidInput}
	ErrInvalidData      = &Error{Code: InvalidData}
	ErrPermissionDenied = &Error{Code: PermissionDenied}
	ErrAlreadyExists    = &Error{Code: AlreadyExists}
	ErrOutOfLimit       = &Error{Code: OutOfLimit}
	ErrNotConnected     = &Error{Code: NotConnected}
	ErrErrorState       = &Error{Code: ErrorState}
)

// CodeOf extrait le code d'une erreur quelconque.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return Ok
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout
	case errors.Is(err, context.Canceled):
		return Interrupted
	}
	return Other
}

// ErrorFromCode retourne nil pour Ok, sinon une *Error du code donné.
func ErrorFromCode(code ErrorCode) error {
	if code == Ok {
		return nil
	}
	return &Error{Code: code}
}
