package sip_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/ghettovoice/sipua/sip"
)

func TestNewWrapperError(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	wrapped := sip.NewWrapperError(sip.ErrTransportClosed, cause)

	cases := []struct {
		name   string
		err    error
		msg    string
		causes []error
	}{
		{"no args", sip.NewWrapperError(sip.ErrInvalidMessage), "invalid message", nil},
		{"format", sip.NewInvalidArgumentError("bad port %d", 0), "invalid argument: bad port 0", nil},
		{"plain string", sip.NewInvalidArgumentError("100%"), "invalid argument: 100%", nil},
		{"cause", wrapped, "transport closed: boom", []error{cause}},
		{"same sentinel", sip.NewWrapperError(sip.ErrTransportClosed, wrapped), "transport closed: boom", []error{cause}},
		{"other sentinel", sip.NewInvalidArgumentError(wrapped), "invalid argument: transport closed: boom", []error{cause, sip.ErrTransportClosed}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			if got := c.err.Error(); got != c.msg {
				t.Errorf("err.Error() = %q, want %q", got, c.msg)
			}
			for _, e := range c.causes {
				if !errors.Is(c.err, e) {
					t.Errorf("errors.Is(err, %v) = false, want true", e)
				}
			}
		})
	}

	if err := sip.NewWrapperError(sip.ErrTransportClosed, wrapped); err != wrapped {
		t.Errorf("sip.NewWrapperError(same sentinel) = %v, want the cause itself", err)
	}
	if err := fmt.Errorf("send: %w", sip.NewInvalidArgumentError("x")); !errors.Is(err, sip.ErrInvalidArgument) {
		t.Errorf("errors.Is(%v, sip.ErrInvalidArgument) = false, want true", err)
	}
}
