package ua

//go:generate go tool mockgen -typed -source=media.go -destination=uamock/media.go -package=uamock

import (
	"context"
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipua/sdputil"
)

// ContentTypeSDP is the media type of session descriptions.
const ContentTypeSDP = "application/sdp"

// Description is a session description together with its media type.
type Description struct {
	ContentType string
	Body        []byte
}

// IsEmpty reports whether the description has no body.
func (d *Description) IsEmpty() bool { return d == nil || len(d.Body) == 0 }

// DescriptionOptions tells the media handler which side of the offer/answer exchange
// the description belongs to.
type DescriptionOptions struct {
	// Offer is true for offers and false for answers.
	Offer bool
	// Early is true for descriptions exchanged in provisional responses or PRACK.
	Early bool
}

// DescriptionModifier rewrites a description before it is sent or after it is received.
type DescriptionModifier func(Description) (Description, error)

// HoldModifier rewrites every media stream of an SDP description to put the remote party on hold.
func HoldModifier(d Description) (Description, error) {
	body, err := sdputil.HoldModifier(d.Body)
	if err != nil {
		return d, errtrace.Wrap(err)
	}
	return Description{ContentType: d.ContentType, Body: body}, nil
}

// MediaHandler produces and consumes session descriptions of one session.
// Its methods are called with the user agent lock held and must not call back into the user agent.
type MediaHandler interface {
	// GetDescription returns a local offer or answer.
	GetDescription(ctx context.Context, opts *DescriptionOptions, modifiers ...DescriptionModifier) (Description, error)
	// SetDescription applies a remote offer or answer.
	SetDescription(ctx context.Context, desc Description, opts *DescriptionOptions, modifiers ...DescriptionModifier) error
	// HasDescription reports whether the media type is supported.
	HasDescription(contentType string) bool
	// Close releases media resources. It is called once when the session ends.
	Close()
}

// DTMFSender is implemented by media handlers able to send DTMF in the media path (RFC 4733).
type DTMFSender interface {
	SendDTMF(ctx context.Context, tone rune, duration time.Duration) error
}

// MediaHandlerFactory creates a media handler for a new session.
type MediaHandlerFactory func(s *Session) (MediaHandler, error)
