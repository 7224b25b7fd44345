package grammar_test

import (
	"errors"
	"testing"

	"github.com/ghettovoice/sipua/internal/grammar"
)

func TestIsToken(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		str  string
		want bool
	}{
		{"empty", "", false},
		{"method", "INVITE", true},
		{"marks", "z9hG4bK-776.as!%*_+`'~", true},
		{"space", "Alice Liddell", false},
		{"quote", `"abc"`, false},
		{"separator", "a;b", false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			if got, want := grammar.IsToken(c.str), c.want; got != want {
				t.Errorf("grammar.IsToken(%q) = %v, want %v", c.str, got, want)
			}
		})
	}
}

func TestIsHost(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		str  string
		want bool
	}{
		{"empty", "", false},
		{"hostname", "edge.example.com", true},
		{"ipv4", "10.0.0.1", true},
		{"ipv6", "[2001:db8::1]", true},
		{"bare ipv6", "2001:db8::1", false},
		{"underscore", "bad_host", false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			if got, want := grammar.IsHost(c.str), c.want; got != want {
				t.Errorf("grammar.IsHost(%q) = %v, want %v", c.str, got, want)
			}
		})
	}
}

func TestParseSIPURI(t *testing.T) {
	t.Parallel()

	n, err := grammar.ParseSIPURI("sip:alice:pw@example.com:5060;transport=ws;lr?Subject=hi")
	if err != nil {
		t.Fatalf("grammar.ParseSIPURI() error = %v, want nil", err)
	}
	for k, want := range map[string]string{
		"user":     "alice",
		"password": "pw",
		"host":     "example.com",
		"port":     "5060",
		"hname":    "Subject",
		"hvalue":   "hi",
	} {
		if got := grammar.MustGetNode(n, k).String(); got != want {
			t.Errorf("node %q = %q, want %q", k, got, want)
		}
	}
	if got, want := len(n.GetNodes("uri-parameter")), 2; got != want {
		t.Errorf("len(uri-parameter) = %d, want %d", got, want)
	}

	for _, in := range []string{"sip:", "sip:alice@", "sip:host>"} {
		if _, err := grammar.ParseSIPURI(in); !errors.Is(err, grammar.ErrMalformedInput) {
			t.Errorf("grammar.ParseSIPURI(%q) error = %v, want %v", in, err, grammar.ErrMalformedInput)
		}
	}
	if _, err := grammar.ParseSIPURI(""); !errors.Is(err, grammar.ErrEmptyInput) {
		t.Errorf("grammar.ParseSIPURI(\"\") error = %v, want %v", err, grammar.ErrEmptyInput)
	}
}

func TestParseHeaderAddr(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		str    string
		spec   string
		params int
	}{
		{"quoted name", `"Alice" <sip:alice@example.com;lr>;tag=1`, "addr-spec", 1},
		{"token name", `Bob Smith <sip:bob@example.com>`, "addr-spec", 0},
		{"no name", `<sips:carol@example.com>;expires=30;+sip.instance="<urn:uuid:1>"`, "addr-spec", 2},
		{"plain", `sip:dave@example.com;tag=x`, "plain-addr-spec", 1},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			n, err := grammar.ParseHeaderAddr(c.str)
			if err != nil {
				t.Fatalf("grammar.ParseHeaderAddr(%q) error = %v, want nil", c.str, err)
			}
			if _, ok := n.GetNode(c.spec); !ok {
				t.Errorf("grammar.ParseHeaderAddr(%q) has no %q node", c.str, c.spec)
			}
			if got := len(n.GetNodes("generic-param")); got != c.params {
				t.Errorf("len(generic-param) = %d, want %d", got, c.params)
			}
		})
	}

	if _, err := grammar.ParseHeaderAddr("Alice <sip:alice@example.com"); !errors.Is(err, grammar.ErrMalformedInput) {
		t.Errorf("grammar.ParseHeaderAddr(unclosed) error = %v, want %v", err, grammar.ErrMalformedInput)
	}
}

func TestParseVia(t *testing.T) {
	t.Parallel()

	n, err := grammar.ParseVia("SIP/2.0/WSS df7jal23ls0d.invalid;branch=z9hG4bK1;rport , SIP / 2.0 / UDP 10.0.0.1:5060")
	if err != nil {
		t.Fatalf("grammar.ParseVia() error = %v, want nil", err)
	}
	hops := n.GetNodes("via-parm")
	if got, want := len(hops), 2; got != want {
		t.Fatalf("len(via-parm) = %d, want %d", got, want)
	}
	if got, want := grammar.MustGetNode(hops[1], "transport").String(), "UDP"; got != want {
		t.Errorf("hops[1] transport = %q, want %q", got, want)
	}
	if got, want := grammar.MustGetNode(hops[1], "port").String(), "5060"; got != want {
		t.Errorf("hops[1] port = %q, want %q", got, want)
	}

	if _, err := grammar.ParseVia("SIP/2.0/UDP"); !errors.Is(err, grammar.ErrMalformedInput) {
		t.Errorf("grammar.ParseVia(no sent-by) error = %v, want %v", err, grammar.ErrMalformedInput)
	}
}

func TestMustGetNode_Panics(t *testing.T) {
	t.Parallel()

	n, err := grammar.ParseSIPURI("sip:example.com")
	if err != nil {
		t.Fatalf("grammar.ParseSIPURI() error = %v, want nil", err)
	}

	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok || !errors.Is(err, grammar.ErrNodeNotFound) {
			t.Errorf("recover() = %v, want %v", r, grammar.ErrNodeNotFound)
		}
	}()
	grammar.MustGetNode(n, "hvalue")
}
