package main

import (
	"context"
	"math/rand/v2"

	"braces.dev/errtrace"
	"github.com/pion/sdp/v3"

	"github.com/ghettovoice/sipua/sdputil"
	"github.com/ghettovoice/sipua/ua"
)

// staticMedia negotiates an audio stream without handling RTP.
// It lets the command exercise call signaling against real servers.
type staticMedia struct {
	sessionID uint64
	remote    *sdp.SessionDescription
}

func newStaticMedia(*ua.Session) (ua.MediaHandler, error) {
	return &staticMedia{sessionID: rand.Uint64() >> 1}, nil
}

func (m *staticMedia) GetDescription(_ context.Context, _ *ua.DescriptionOptions, mods ...ua.DescriptionModifier) (ua.Description, error) {
	body, err := sdputil.NewAudioOffer(m.sessionID, "0.0.0.0", 9)
	if err != nil {
		return ua.Description{}, errtrace.Wrap(err)
	}
	d := ua.Description{ContentType: ua.ContentTypeSDP, Body: body}
	for _, mod := range mods {
		if d, err = mod(d); err != nil {
			return ua.Description{}, errtrace.Wrap(err)
		}
	}
	return d, nil
}

func (m *staticMedia) SetDescription(_ context.Context, d ua.Description, _ *ua.DescriptionOptions, mods ...ua.DescriptionModifier) error {
	var err error
	for _, mod := range mods {
		if d, err = mod(d); err != nil {
			return errtrace.Wrap(err)
		}
	}
	var s sdp.SessionDescription
	if err := s.Unmarshal(d.Body); err != nil {
		return errtrace.Wrap(err)
	}
	m.remote = &s
	return nil
}

func (*staticMedia) HasDescription(ct string) bool { return ct == ua.ContentTypeSDP }

func (*staticMedia) Close() {}
