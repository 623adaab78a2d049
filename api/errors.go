// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error types and error handling utilities for srp-ioloop.

package api

import (
	"errors"
	"fmt"
)

// ErrorCode represents specific error conditions in the library.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	ErrCodeInvalidArgument
	ErrCodeInit
	ErrCodeBind
	ErrCodeTLSSetup
	ErrCodeIO
	ErrCodePeerClosed
	ErrCodeFraming
	ErrCodeSpawn
	ErrCodeInterrupted
	ErrCodeNotSupported
	ErrCodeClosed
	ErrCodeResourceExhausted
	ErrCodeInternal
)

var codeNames = map[ErrorCode]string{
	ErrCodeOK:                "ok",
	ErrCodeInvalidArgument:   "invalid argument",
	ErrCodeInit:              "init",
	ErrCodeBind:              "bind",
	ErrCodeTLSSetup:          "tls setup",
	ErrCodeIO:                "i/o",
	ErrCodePeerClosed:        "peer closed",
	ErrCodeFraming:           "framing",
	ErrCodeSpawn:             "spawn",
	ErrCodeInterrupted:       "interrupted",
	ErrCodeNotSupported:      "not supported",
	ErrCodeClosed:            "closed",
	ErrCodeResourceExhausted: "resource exhausted",
	ErrCodeInternal:          "internal",
}

func (c ErrorCode) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("code %d", int(c))
}

// Common errors used across the library. Match with errors.Is; any *Error
// carrying the same code matches.
var (
	ErrInvalidArgument   = NewError(ErrCodeInvalidArgument, "invalid argument")
	ErrInit              = NewError(ErrCodeInit, "initialization failed")
	ErrBind              = NewError(ErrCodeBind, "bind failed")
	ErrTLSSetup          = NewError(ErrCodeTLSSetup, "tls setup failed")
	ErrIO                = NewError(ErrCodeIO, "i/o error")
	ErrPeerClosed        = NewError(ErrCodePeerClosed, "peer closed connection")
	ErrFraming           = NewError(ErrCodeFraming, "framing error")
	ErrSpawn             = NewError(ErrCodeSpawn, "spawn failed")
	ErrInterrupted       = NewError(ErrCodeInterrupted, "wait interrupted")
	ErrNotSupported      = NewError(ErrCodeNotSupported, "operation not supported")
	ErrClosed            = NewError(ErrCodeClosed, "object is closed")
	ErrResourceExhausted = NewError(ErrCodeResourceExhausted, "resource exhausted")
)

// Error represents a structured error with code and context.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
	Context map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if len(e.Context) == 0 {
		return msg
	}
	return fmt.Sprintf("%s (context: %+v)", msg, e.Context)
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewError creates a new structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a structured error around cause.
func Wrap(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     cause,
	}
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// CodeOf extracts the error code carried by err, ErrCodeOK for nil and
// ErrCodeInternal for errors that carry none.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}
