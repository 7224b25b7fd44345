package sip

import (
	"errors"
	"fmt"
)

// Error is a sentinel error of the SIP stack.
// Packages built on top of it declare their sentinels with this type too.
type Error string

func (e Error) Error() string { return string(e) }

// Common errors.
const (
	ErrInvalidArgument  Error = "invalid argument"
	ErrActionNotAllowed Error = "action not allowed"
)

// Transaction errors.
const (
	ErrTransactionNotFound   Error = "transaction not found"
	ErrTransactionTimedOut   Error = "transaction timed out"
	ErrTransactionTerminated Error = "transaction terminated"
	ErrTransactionExists     Error = "transaction already exists"
)

// Transport errors.
const (
	// ErrTransportClosed is returned when attempting to use a disconnected transport.
	ErrTransportClosed Error = "transport closed"
)

// Message errors.
const (
	ErrInvalidMessage   Error = "invalid message"
	ErrMethodNotAllowed Error = "request method not allowed"
)

// Authentication errors.
const (
	ErrInvalidChallenge Error = "invalid authentication challenge"
)

// NewWrapperError returns the sentinel annotated with details.
// The first argument is either the cause to wrap or a format string for the rest.
// A cause that already matches the sentinel is returned as is.
func NewWrapperError(sentinel error, args ...any) error {
	var cause error
	if len(args) > 0 {
		switch v := args[0].(type) {
		case error:
			if errors.Is(v, sentinel) {
				return v //errtrace:skip
			}
			cause = v
		case string:
			if len(args) > 1 {
				v = fmt.Sprintf(v, args[1:]...)
			}
			cause = errors.New(v)
		}
	}
	if cause == nil {
		return sentinel //errtrace:skip
	}
	return fmt.Errorf("%w: %w", sentinel, cause) //errtrace:skip
}

// NewInvalidArgumentError wraps the details with [ErrInvalidArgument].
func NewInvalidArgumentError(args ...any) error {
	return NewWrapperError(ErrInvalidArgument, args...) //errtrace:skip
}
