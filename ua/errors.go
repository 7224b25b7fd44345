package ua

import (
	"fmt"

	"github.com/ghettovoice/sipua/sip"
)

// Error is a sentinel error of the package.
type Error = sip.Error

const (
	ErrMissingContact     Error = "missing Contact header"
	ErrSessionTerminated  Error = "session terminated"
	ErrNotSupported       Error = "operation not supported"
	ErrUserAgentStopped   Error = "user agent stopped"
	ErrInvalidTarget      Error = "invalid target"
	ErrTransportMissing   Error = "transport is not configured"
	ErrMediaHandlerFailed Error = "media handler failed"
	ErrRenegotiating      Error = "offer/answer exchange in progress"
	ErrPublicationExists  Error = "publication already exists"
)

// ConfigurationError is returned when a configuration parameter is missing or invalid.
type ConfigurationError struct {
	Param string
	Value any
	Err   error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid configuration parameter %q = %v: %v", e.Param, e.Value, e.Err)
	}
	return fmt.Sprintf("invalid configuration parameter %q = %v", e.Param, e.Value)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// InvalidStateError is returned by API calls made in a state that does not allow them.
type InvalidStateError struct {
	Op    string
	State fmt.Stringer
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s is not allowed in state %q", e.Op, e.State)
}

// Is reports [sip.ErrActionNotAllowed] so callers can match both layers uniformly.
func (e *InvalidStateError) Is(target error) bool { return target == sip.ErrActionNotAllowed }

// TransportError wraps a failure of the underlying transport.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "transport error: " + e.Err.Error() }

func (e *TransportError) Unwrap() error { return e.Err }

// DialogError reports an in-dialog request answered with 408 or 481.
type DialogError struct {
	Response *sip.Response
}

func (e *DialogError) Error() string {
	if e.Response == nil {
		return "dialog error"
	}
	return "dialog error: " + e.Response.Status.String()
}
