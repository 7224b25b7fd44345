package sdputil_test

import (
	"strings"
	"testing"

	"github.com/pion/sdp/v3"

	"github.com/ghettovoice/sipua/sdputil"
)

const offer = "v=0\r\n" +
	"o=- 4611731400430051336 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"c=IN IP4 192.0.2.10\r\n" +
	"t=0 0\r\n" +
	"a=sendrecv\r\n" +
	"m=audio 49170 RTP/AVP 0 101\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=rtpmap:101 telephone-event/8000\r\n" +
	"m=video 51372 RTP/AVP 96\r\n" +
	"a=rtpmap:96 VP8/90000\r\n" +
	"a=recvonly\r\n" +
	"m=application 9 UDP/DTLS/SCTP webrtc-datachannel\r\n" +
	"a=sendrecv\r\n"

func mediaDirections(t *testing.T, body []byte) []string {
	t.Helper()

	var s sdp.SessionDescription
	if err := s.Unmarshal(body); err != nil {
		t.Fatalf("s.Unmarshal() error = %v, want nil", err)
	}
	var dirs []string
	for _, m := range s.MediaDescriptions {
		dir := ""
		for _, a := range m.Attributes {
			if _, err := sdp.NewDirection(a.Key); err == nil {
				dir = a.Key
			}
		}
		dirs = append(dirs, m.MediaName.Media+":"+dir)
	}
	return dirs
}

func TestHoldModifier(t *testing.T) {
	t.Parallel()

	got, err := sdputil.HoldModifier([]byte(offer))
	if err != nil {
		t.Fatalf("sdputil.HoldModifier() error = %v, want nil", err)
	}
	want := "audio:sendonly video:inactive application:sendrecv"
	if dirs := strings.Join(mediaDirections(t, got), " "); dirs != want {
		t.Fatalf("directions = %q, want %q", dirs, want)
	}

	hold, err := sdputil.IsHold(got)
	if err != nil {
		t.Fatalf("sdputil.IsHold() error = %v, want nil", err)
	}
	if !hold {
		t.Fatal("sdputil.IsHold(held offer) = false, want true")
	}
}

func TestIsHold(t *testing.T) {
	t.Parallel()

	hold, err := sdputil.IsHold([]byte(offer))
	if err != nil {
		t.Fatalf("sdputil.IsHold() error = %v, want nil", err)
	}
	if hold {
		t.Fatal("sdputil.IsHold(active offer) = true, want false")
	}

	if _, err := sdputil.IsHold([]byte("garbage")); err == nil {
		t.Fatal("sdputil.IsHold(garbage) error = nil, want error")
	}
}

func TestNewAudioOffer(t *testing.T) {
	t.Parallel()

	body, err := sdputil.NewAudioOffer(42, "192.0.2.10", 4000)
	if err != nil {
		t.Fatalf("sdputil.NewAudioOffer() error = %v, want nil", err)
	}
	var s sdp.SessionDescription
	if err := s.Unmarshal(body); err != nil {
		t.Fatalf("s.Unmarshal() error = %v, want nil", err)
	}
	if len(s.MediaDescriptions) != 1 {
		t.Fatalf("got %d media descriptions, want 1", len(s.MediaDescriptions))
	}
	m := s.MediaDescriptions[0]
	if got, want := strings.Join(m.MediaName.Formats, " "), "0 101"; got != want {
		t.Errorf("formats = %q, want %q", got, want)
	}
	if got, want := m.MediaName.Port.Value, 4000; got != want {
		t.Errorf("port = %d, want %d", got, want)
	}
	if got, want := strings.Join(mediaDirections(t, body), " "), "audio:sendrecv"; got != want {
		t.Errorf("directions = %q, want %q", got, want)
	}
}
