package store

import (
	"errors"
	"fmt"
)

// Code classifies a failure for every surface that reports it
// (log, session error area, HTTP status, WebSocket message).
type Code string

const (
	// CodeMissingInput means a required id or group key was not supplied.
	CodeMissingInput Code = "MISSING_INPUT"
	// CodeNotFound means the id or group key matched nothing.
	CodeNotFound Code = "NOT_FOUND"
	// CodeInvalid means a supplied value is malformed (e.g. unknown rating).
	CodeInvalid Code = "INVALID"
	// CodeBusy means another action on the same group is still in flight.
	CodeBusy Code = "BUSY"
	// CodeNotConfirmed means a destructive action lacked confirmation.
	CodeNotConfirmed Code = "NOT_CONFIRMED"
	// CodeStore means the backing store rejected or failed the operation.
	CodeStore Code = "STORE"
	// CodeUnsupported means the selected backend lacks the capability.
	CodeUnsupported Code = "UNSUPPORTED"
	// CodeNotPersisted means the write was applied to the working copy
	// but saving the image failed.
	CodeNotPersisted Code = "NOT_PERSISTED"
)

// Error is a classified failure.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches errors carrying the same code, so the sentinels below work
// with errors.Is regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return t.Message == "" && t.Err == nil && e.Code == t.Code
}

// NewError builds a classified error.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError classifies an underlying error.
func WrapError(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Sentinels for errors.Is checks:
//
//	if errors.Is(err, store.ErrNotFound) {
//	    // unknown id or empty group
//	}
var (
	ErrMissingInput = &Error{Code: CodeMissingInput}
	ErrNotFound     = &Error{Code: CodeNotFound}
	ErrInvalid      = &Error{Code: CodeInvalid}
	ErrBusy         = &Error{Code: CodeBusy}
	ErrNotConfirmed = &Error{Code: CodeNotConfirmed}
	ErrStore        = &Error{Code: CodeStore}
	ErrUnsupported  = &Error{Code: CodeUnsupported}
	ErrNotPersisted = &Error{Code: CodeNotPersisted}
)

// CodeOf returns the classification of err, or CodeStore for unclassified
// errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeStore
}

// MessageOf returns the user-facing message for err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Error()
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
