package ua_test

import (
	"strings"
	"testing"
	"time"

	"github.com/ghettovoice/sipua/sip"
	"github.com/ghettovoice/sipua/ua"
)

func bindContact(expires string) func(*sip.Response) {
	return func(res *sip.Response) {
		res.Header.Add("Contact", "<sip:alice@alice.invalid;transport=ws>;expires="+expires)
	}
}

func TestRegister_RefreshBeforeExpiration(t *testing.T) {
	env := newTestEnv(t, nil)

	if err := env.ua.Register(t.Context()); err != nil {
		t.Fatalf("ua.Register() error = %v, want nil", err)
	}
	req := env.expectRequest(sip.MethodRegister)
	if got, want := req.URI.Host, "example.com"; got != want {
		t.Errorf("REGISTER URI host = %q, want %q", got, want)
	}
	if got, want := req.Header.Get("Expires"), "600"; got != want {
		t.Errorf("REGISTER Expires = %q, want %q", got, want)
	}

	env.respond(req, sip.StatusOK, "reg", bindContact("60"))
	if !env.ua.IsRegistered() {
		t.Fatal("ua.IsRegistered() = false, want true")
	}
	if _, ok := env.lastEvent(ua.EventRegistered); !ok {
		t.Error("registered event was not emitted")
	}

	env.clk.Advance(56 * time.Second)
	if reqs := env.sentRequests(sip.MethodRegister); len(reqs) != 0 {
		t.Fatalf("sent %d REGISTER requests before refresh time, want 0", len(reqs))
	}
	env.clk.Advance(time.Second)
	refresh := env.expectRequest(sip.MethodRegister)
	if got, want := refresh.CallID(), req.CallID(); got != want {
		t.Errorf("refresh Call-ID = %q, want %q", got, want)
	}
	if got, want := cseqOf(t, refresh).Seq, cseqOf(t, req).Seq+1; got != want {
		t.Errorf("refresh CSeq = %d, want %d", got, want)
	}
}

func TestRegister_IntervalTooBrief(t *testing.T) {
	env := newTestEnv(t, nil)

	if err := env.ua.Register(t.Context()); err != nil {
		t.Fatalf("ua.Register() error = %v, want nil", err)
	}
	req := env.expectRequest(sip.MethodRegister)
	env.respond(req, sip.StatusIntervalTooBrief, "reg", func(res *sip.Response) {
		res.Header.Add("Min-Expires", "1200")
	})

	retry := env.expectRequest(sip.MethodRegister)
	if got, want := retry.Header.Get("Expires"), "1200"; got != want {
		t.Errorf("retried REGISTER Expires = %q, want %q", got, want)
	}
	if !strings.Contains(retry.Header.Get("Contact"), "expires=1200") {
		t.Errorf("retried REGISTER Contact = %q, want expires=1200", retry.Header.Get("Contact"))
	}
	if got, want := cseqOf(t, retry).Seq, cseqOf(t, req).Seq+1; got != want {
		t.Errorf("retried REGISTER CSeq = %d, want %d", got, want)
	}
	if _, ok := env.lastEvent(ua.EventRegistrationFailed); ok {
		t.Error("registration failed event emitted, want none")
	}
}

func TestRegister_IntervalTooBriefWithoutMinExpires(t *testing.T) {
	env := newTestEnv(t, nil)

	if err := env.ua.Register(t.Context()); err != nil {
		t.Fatalf("ua.Register() error = %v, want nil", err)
	}
	req := env.expectRequest(sip.MethodRegister)
	env.respond(req, sip.StatusIntervalTooBrief, "reg", nil)

	if reqs := env.sentRequests(sip.MethodRegister); len(reqs) != 0 {
		t.Errorf("sent %d REGISTER requests, want 0", len(reqs))
	}
	ev, ok := env.lastEvent(ua.EventRegistrationFailed)
	if !ok {
		t.Fatal("registration failed event was not emitted")
	}
	if got, want := ev.Cause, ua.CauseSIPFailureCode; got != want {
		t.Errorf("event cause = %q, want %q", got, want)
	}
}

func TestRegister_DigestChallenge(t *testing.T) {
	env := newTestEnv(t, nil)

	if err := env.ua.Register(t.Context()); err != nil {
		t.Fatalf("ua.Register() error = %v, want nil", err)
	}
	req := env.expectRequest(sip.MethodRegister)
	env.respond(req, sip.StatusUnauthorized, "reg", func(res *sip.Response) {
		res.Header.Add("WWW-Authenticate", `Digest realm="example.com", nonce="84a4cc6f3082121f32b42a2187831a9e", qop="auth"`)
	})

	auth := env.expectRequest(sip.MethodRegister)
	authz := auth.Header.Get("Authorization")
	if !strings.Contains(authz, `username="alice"`) || !strings.Contains(authz, `realm="example.com"`) {
		t.Errorf("Authorization = %q, want credentials of alice for example.com", authz)
	}
	if got, want := cseqOf(t, auth).Seq, cseqOf(t, req).Seq+1; got != want {
		t.Errorf("authenticated REGISTER CSeq = %d, want %d", got, want)
	}
	if auth.ViaBranch() == req.ViaBranch() {
		t.Error("authenticated REGISTER reuses the branch of the challenged one")
	}

	// a second challenge for the same realm is final
	env.respond(auth, sip.StatusUnauthorized, "reg", func(res *sip.Response) {
		res.Header.Add("WWW-Authenticate", `Digest realm="example.com", nonce="ffff", qop="auth"`)
	})
	if reqs := env.sentRequests(sip.MethodRegister); len(reqs) != 0 {
		t.Errorf("sent %d REGISTER requests after second challenge, want 0", len(reqs))
	}
	ev, ok := env.lastEvent(ua.EventRegistrationFailed)
	if !ok {
		t.Fatal("registration failed event was not emitted")
	}
	if got, want := ev.Cause, ua.CauseAuthenticationErr; got != want {
		t.Errorf("event cause = %q, want %q", got, want)
	}
}

func TestUnregister(t *testing.T) {
	env := newTestEnv(t, nil)

	if err := env.ua.Register(t.Context()); err != nil {
		t.Fatalf("ua.Register() error = %v, want nil", err)
	}
	env.respond(env.expectRequest(sip.MethodRegister), sip.StatusOK, "reg", bindContact("600"))

	if err := env.ua.Unregister(t.Context(), true); err != nil {
		t.Fatalf("ua.Unregister() error = %v, want nil", err)
	}
	req := env.expectRequest(sip.MethodRegister)
	if got, want := req.Header.Get("Contact"), "*"; got != want {
		t.Errorf("REGISTER Contact = %q, want %q", got, want)
	}
	if got, want := req.Header.Get("Expires"), "0"; got != want {
		t.Errorf("REGISTER Expires = %q, want %q", got, want)
	}
	env.respond(req, sip.StatusOK, "reg", nil)

	if env.ua.IsRegistered() {
		t.Error("ua.IsRegistered() = true, want false")
	}
	if _, ok := env.lastEvent(ua.EventUnregistered); !ok {
		t.Error("unregistered event was not emitted")
	}
}
