package sip_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ghettovoice/sipua/sip"
)

func TestParseURI(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want *sip.URI
		str  string
	}{
		{
			in:   "sip:alice@Example.COM",
			want: &sip.URI{Scheme: "sip", User: "alice", Host: "example.com"},
			str:  "sip:alice@example.com",
		},
		{
			in: "sips:bob:secret@10.0.0.1:5061;transport=tls;lr",
			want: &sip.URI{
				Scheme:   "sips",
				User:     "bob",
				Password: "secret",
				Host:     "10.0.0.1",
				Port:     5061,
				Params:   sip.Params{{Name: "transport", Value: "tls"}, {Name: "lr"}},
			},
			str: "sips:bob:secret@10.0.0.1:5061;transport=tls;lr",
		},
		{
			in: "sip:carol@example.com?Replaces=abc%40host%3Bto-tag%3D1%3Bfrom-tag%3D2",
			want: &sip.URI{
				Scheme:  "sip",
				User:    "carol",
				Host:    "example.com",
				Headers: sip.Params{{Name: "Replaces", Value: "abc@host;to-tag=1;from-tag=2"}},
			},
			str: "sip:carol@example.com?Replaces=abc%40host%3Bto-tag%3D1%3Bfrom-tag%3D2",
		},
		{
			in:   "tel:+1-201-555-0123",
			want: &sip.URI{Scheme: "tel", Opaque: "+1-201-555-0123"},
			str:  "tel:+1-201-555-0123",
		},
	}
	for _, c := range cases {
		t.Run(c.in, func(t *testing.T) {
			t.Parallel()

			got, err := sip.ParseURI(c.in)
			if err != nil {
				t.Fatalf("sip.ParseURI(%q) error = %v, want nil", c.in, err)
			}
			if diff := cmp.Diff(c.want, got); diff != "" {
				t.Fatalf("sip.ParseURI(%q) mismatch (-want +got):\n%s", c.in, diff)
			}
			if s := got.String(); s != c.str {
				t.Fatalf("uri.String() = %q, want %q", s, c.str)
			}
		})
	}
}

func TestParseURI_Invalid(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "alice", "sip:", "sip:alice@", "sip:host:99999"} {
		if _, err := sip.ParseURI(in); err == nil {
			t.Errorf("sip.ParseURI(%q) error = nil, want error", in)
		}
	}
}

func TestParseNameAddr(t *testing.T) {
	t.Parallel()

	a, err := sip.ParseNameAddr(`"Alice Liddell" <sip:alice@example.com;transport=ws>;tag=88sja8x;expires=30`)
	if err != nil {
		t.Fatalf("sip.ParseNameAddr() error = %v, want nil", err)
	}
	if got, want := a.DisplayName, "Alice Liddell"; got != want {
		t.Errorf("a.DisplayName = %q, want %q", got, want)
	}
	if got, want := a.URI.Params.Value("transport"), "ws"; got != want {
		t.Errorf("URI transport param = %q, want %q", got, want)
	}
	if got, want := a.Tag(), "88sja8x"; got != want {
		t.Errorf("a.Tag() = %q, want %q", got, want)
	}
	if got, want := a.String(), `Alice Liddell <sip:alice@example.com;transport=ws>;tag=88sja8x;expires=30`; got != want {
		t.Errorf("a.String() = %q, want %q", got, want)
	}

	spec, err := sip.ParseNameAddr("sip:bob@example.com;tag=x")
	if err != nil {
		t.Fatalf("sip.ParseNameAddr(addr-spec) error = %v, want nil", err)
	}
	if got, want := spec.Tag(), "x"; got != want {
		t.Errorf("addr-spec tag = %q, want %q", got, want)
	}
	if len(spec.URI.Params) != 0 {
		t.Errorf("addr-spec URI params = %v, want none", spec.URI.Params)
	}

	c := a.Clone()
	c.Params.Set("tag", "other")
	if a.Tag() != "88sja8x" {
		t.Error("modifying clone changed the original tag")
	}
}

func TestParseVia(t *testing.T) {
	t.Parallel()

	hops, err := sip.ParseVia("SIP/2.0/WSS edge.example.com;branch=z9hG4bK776asdhds;rport, SIP/2.0/udp [2001:db8::1]:5060;branch=z9hG4bKx")
	if err != nil {
		t.Fatalf("sip.ParseVia() error = %v, want nil", err)
	}
	if len(hops) != 2 {
		t.Fatalf("len(hops) = %d, want 2", len(hops))
	}
	if got, want := hops[0].Branch(), "z9hG4bK776asdhds"; got != want {
		t.Errorf("hops[0].Branch() = %q, want %q", got, want)
	}
	if got, want := hops[0].String(), "SIP/2.0/WSS edge.example.com;branch=z9hG4bK776asdhds;rport"; got != want {
		t.Errorf("hops[0].String() = %q, want %q", got, want)
	}
	if hops[1].Transport != "UDP" || hops[1].Host != "2001:db8::1" || hops[1].Port != 5060 {
		t.Errorf("hops[1] = %+v, want UDP [2001:db8::1]:5060", hops[1])
	}
	if got, want := hops[1].String(), "SIP/2.0/UDP [2001:db8::1]:5060;branch=z9hG4bKx"; got != want {
		t.Errorf("hops[1].String() = %q, want %q", got, want)
	}

	if _, err := sip.ParseVia("HTTP/1.1 host"); err == nil {
		t.Error("sip.ParseVia(HTTP) error = nil, want error")
	}
}

func TestParseCSeq(t *testing.T) {
	t.Parallel()

	c, err := sip.ParseCSeq(" 4711   REGISTER ")
	if err != nil {
		t.Fatalf("sip.ParseCSeq() error = %v, want nil", err)
	}
	if want := (sip.CSeq{Seq: 4711, Method: sip.MethodRegister}); c != want {
		t.Fatalf("sip.ParseCSeq() = %v, want %v", c, want)
	}
	for _, in := range []string{"", "abc INVITE", "1", "99999999999 INVITE"} {
		if _, err := sip.ParseCSeq(in); err == nil {
			t.Errorf("sip.ParseCSeq(%q) error = nil, want error", in)
		}
	}
}

func TestParseURI_Grammar(t *testing.T) {
	t.Parallel()

	u, err := sip.ParseURI("SIP:%61lice@[2001:DB8::1]:5070;maddr=10.0.0.1?Subject=a%20b&Priority=urgent")
	if err != nil {
		t.Fatalf("sip.ParseURI() error = %v, want nil", err)
	}
	want := &sip.URI{
		Scheme:  "sip",
		User:    "alice",
		Host:    "[2001:db8::1]",
		Port:    5070,
		Params:  sip.Params{{Name: "maddr", Value: "10.0.0.1"}},
		Headers: sip.Params{{Name: "Subject", Value: "a b"}, {Name: "Priority", Value: "urgent"}},
	}
	if diff := cmp.Diff(want, u); diff != "" {
		t.Fatalf("sip.ParseURI() mismatch (-want +got):\n%s", diff)
	}

	for _, in := range []string{"sip:alice@exa mple.com", "sip:alice@example.com>", "sip:bad_host", "1tel:123"} {
		if _, err := sip.ParseURI(in); !errors.Is(err, sip.ErrInvalidArgument) {
			t.Errorf("sip.ParseURI(%q) error = %v, want %v", in, err, sip.ErrInvalidArgument)
		}
	}
}

func TestParseNameAddr_Forms(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in     string
		name   string
		uri    string
		params sip.Params
	}{
		{
			in:   `Bob Smith <sip:bob@example.com>`,
			name: "Bob Smith",
			uri:  "sip:bob@example.com",
		},
		{
			in:     `<sips:carol@example.com;transport=tls>;expires=30;+sip.instance="<urn:uuid:1>"`,
			uri:    "sips:carol@example.com;transport=tls",
			params: sip.Params{{Name: "expires", Value: "30"}, {Name: "+sip.instance", Value: `"<urn:uuid:1>"`}},
		},
		{
			in:     `"Dave \"D\"" <tel:+1-201-555-0123>;tag=9`,
			name:   `Dave "D"`,
			uri:    "tel:+1-201-555-0123",
			params: sip.Params{{Name: "tag", Value: "9"}},
		},
	}
	for _, c := range cases {
		t.Run(c.in, func(t *testing.T) {
			t.Parallel()

			a, err := sip.ParseNameAddr(c.in)
			if err != nil {
				t.Fatalf("sip.ParseNameAddr(%q) error = %v, want nil", c.in, err)
			}
			if a.DisplayName != c.name {
				t.Errorf("a.DisplayName = %q, want %q", a.DisplayName, c.name)
			}
			if got := a.URI.String(); got != c.uri {
				t.Errorf("a.URI = %q, want %q", got, c.uri)
			}
			if diff := cmp.Diff(c.params, a.Params); diff != "" {
				t.Errorf("a.Params mismatch (-want +got):\n%s", diff)
			}
		})
	}

	for _, in := range []string{"", "Alice <sip:alice@example.com", "<sip:alice@example.com>;", "Alice"} {
		if _, err := sip.ParseNameAddr(in); !errors.Is(err, sip.ErrInvalidArgument) {
			t.Errorf("sip.ParseNameAddr(%q) error = %v, want %v", in, err, sip.ErrInvalidArgument)
		}
	}
}

func TestParseVia_Invalid(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "SIP/2.0/UDP", "SIP/2.0/UDP host:70000", "SIP/2.0/UDP host;branch=a,", "SIP/2.0 host"} {
		if _, err := sip.ParseVia(in); !errors.Is(err, sip.ErrInvalidArgument) {
			t.Errorf("sip.ParseVia(%q) error = %v, want %v", in, err, sip.ErrInvalidArgument)
		}
	}
}
