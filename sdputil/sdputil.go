// Package sdputil contains SDP helpers used by the user agent for call hold.
package sdputil

import (
	"slices"

	"braces.dev/errtrace"
	"github.com/pion/sdp/v3"
)

var holdMediaTypes = []string{"audio", "video"}

func isDirection(key string) bool {
	_, err := sdp.NewDirection(key)
	return err == nil
}

func direction(s *sdp.SessionDescription, m *sdp.MediaDescription) sdp.Direction {
	for _, attrs := range [][]sdp.Attribute{m.Attributes, s.Attributes} {
		for _, a := range attrs {
			if d, err := sdp.NewDirection(a.Key); err == nil {
				return d
			}
		}
	}
	return sdp.DirectionSendRecv
}

func setDirection(m *sdp.MediaDescription, d sdp.Direction) {
	m.Attributes = slices.DeleteFunc(m.Attributes, func(a sdp.Attribute) bool { return isDirection(a.Key) })
	m.Attributes = append(m.Attributes, sdp.NewPropertyAttribute(d.String()))
}

// HoldModifier rewrites the direction of every audio and video stream of the description
// so that the remote party stops sending: sendrecv becomes sendonly, recvonly becomes inactive.
func HoldModifier(body []byte) ([]byte, error) {
	var s sdp.SessionDescription
	if err := s.Unmarshal(body); err != nil {
		return nil, errtrace.Wrap(err)
	}
	for _, m := range s.MediaDescriptions {
		if !slices.Contains(holdMediaTypes, m.MediaName.Media) {
			continue
		}
		switch direction(&s, m) {
		case sdp.DirectionSendRecv:
			setDirection(m, sdp.DirectionSendOnly)
		case sdp.DirectionRecvOnly:
			setDirection(m, sdp.DirectionInactive)
		case sdp.DirectionSendOnly, sdp.DirectionInactive:
			setDirection(m, direction(&s, m))
		}
	}
	s.Attributes = slices.DeleteFunc(s.Attributes, func(a sdp.Attribute) bool { return isDirection(a.Key) })
	return errtrace.Wrap2(s.Marshal())
}

// IsHold reports whether the description puts this side on hold,
// that is no audio or video stream is sending to it.
func IsHold(body []byte) (bool, error) {
	var s sdp.SessionDescription
	if err := s.Unmarshal(body); err != nil {
		return false, errtrace.Wrap(err)
	}
	hold := false
	for _, m := range s.MediaDescriptions {
		if !slices.Contains(holdMediaTypes, m.MediaName.Media) {
			continue
		}
		switch direction(&s, m) {
		case sdp.DirectionSendOnly, sdp.DirectionInactive:
			hold = true
		default:
			return false, nil
		}
	}
	return hold, nil
}

// NewAudioOffer builds a PCMU audio description with RFC 4733 telephone events
// for a stream received at addr:port.
func NewAudioOffer(sessionID uint64, addr string, port int) ([]byte, error) {
	s := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      sessionID,
			SessionVersion: 1,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: addr,
		},
		SessionName: "-",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: addr},
		},
		TimeDescriptions: []sdp.TimeDescription{{}},
	}
	m := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  "audio",
			Port:   sdp.RangedPort{Value: port},
			Protos: []string{"RTP", "AVP"},
		},
	}
	m.WithCodec(0, "PCMU", 8000, 0, "")
	m.WithCodec(101, "telephone-event", 8000, 0, "0-16")
	m.WithPropertyAttribute(sdp.AttrKeySendRecv)
	s.WithMedia(m)
	return errtrace.Wrap2(s.Marshal())
}
