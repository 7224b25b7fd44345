package ua_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ghettovoice/sipua/sip"
	"github.com/ghettovoice/sipua/ua"
)

func TestUserAgent_StartStop(t *testing.T) {
	env := newTestEnv(t, nil)

	if !env.ua.IsRunning() || !env.ua.IsConnected() {
		t.Fatalf("ua running, connected = %v, %v, want true, true", env.ua.IsRunning(), env.ua.IsConnected())
	}
	if _, ok := env.lastEvent(ua.EventConnected); !ok {
		t.Error("connected event was not emitted")
	}

	if err := env.ua.Stop(t.Context()); err != nil {
		t.Fatalf("ua.Stop() error = %v, want nil", err)
	}
	if env.ua.IsRunning() {
		t.Error("ua.IsRunning() = true, want false")
	}
	if _, ok := env.lastEvent(ua.EventDisconnected); !ok {
		t.Error("disconnected event was not emitted")
	}
	if _, err := env.ua.Invite(t.Context(), "bob", nil); !errors.Is(err, ua.ErrUserAgentStopped) {
		t.Errorf("ua.Invite() error = %v, want %v", err, ua.ErrUserAgentStopped)
	}
	if err := env.ua.SendOptions(t.Context(), "bob", nil); !errors.Is(err, ua.ErrUserAgentStopped) {
		t.Errorf("ua.SendOptions() error = %v, want %v", err, ua.ErrUserAgentStopped)
	}
}

func TestUserAgent_StopEndsActivity(t *testing.T) {
	env := newTestEnv(t, nil)

	if err := env.ua.Register(t.Context()); err != nil {
		t.Fatalf("ua.Register() error = %v, want nil", err)
	}
	env.respond(env.expectRequest(sip.MethodRegister), sip.StatusOK, "reg", bindContact("600"))
	var evs []ua.SessionEvent
	s, _ := env.establishOutgoing(&evs)

	if err := env.ua.Stop(t.Context()); err != nil {
		t.Fatalf("ua.Stop() error = %v, want nil", err)
	}
	var methods []sip.Method
	for _, req := range env.sentRequests("") {
		methods = append(methods, req.Method)
	}
	if diff := cmp.Diff([]sip.Method{sip.MethodBye, sip.MethodRegister}, methods); diff != "" {
		t.Errorf("requests sent on stop mismatch (-want +got):\n%s", diff)
	}
	if got, want := s.Status(), ua.SessionStatusTerminated; got != want {
		t.Errorf("s.Status() = %v, want %v", got, want)
	}
}

func TestUserAgent_RejectsRequests(t *testing.T) {
	cases := []struct {
		name   string
		req    func() *sip.Request
		status sip.StatusCode
		check  func(t *testing.T, res *sip.Response)
	}{
		{
			name: "unknown user",
			req: func() *sip.Request {
				req := inbound(sip.MethodMessage, bobCallID, "b1", "", 1)
				req.URI.User = "carol"
				return req
			},
			status: sip.StatusNotFound,
		},
		{
			name: "sips request URI",
			req: func() *sip.Request {
				req := inbound(sip.MethodOptions, bobCallID, "b1", "", 1)
				req.URI.Scheme = "sips"
				return req
			},
			status: sip.StatusUnsupportedURIScheme,
		},
		{
			name:   "BYE outside of a dialog",
			req:    func() *sip.Request { return inbound(sip.MethodBye, bobCallID, "b1", "", 1) },
			status: sip.StatusCallTransactionDoesNotExist,
		},
		{
			name:   "request in unknown dialog",
			req:    func() *sip.Request { return inbound(sip.MethodInfo, bobCallID, "b1", "a1", 1) },
			status: sip.StatusCallTransactionDoesNotExist,
		},
		{
			name:   "NOTIFY outside of a subscription",
			req:    func() *sip.Request { return inbound(sip.MethodNotify, bobCallID, "b1", "", 1) },
			status: sip.StatusCallTransactionDoesNotExist,
		},
		{
			name:   "REFER outside of a dialog",
			req:    func() *sip.Request { return inbound(sip.MethodRefer, bobCallID, "b1", "", 1) },
			status: sip.StatusForbidden,
		},
		{
			name:   "unsupported method",
			req:    func() *sip.Request { return inbound("FOO", bobCallID, "b1", "", 1) },
			status: sip.StatusMethodNotAllowed,
			check: func(t *testing.T, res *sip.Response) {
				t.Helper()
				if allow := res.Header.Get("Allow"); !strings.Contains(allow, "INVITE") {
					t.Errorf("Allow = %q, want INVITE listed", allow)
				}
			},
		},
		{
			name: "empty MESSAGE",
			req: func() *sip.Request {
				req := inbound(sip.MethodMessage, bobCallID, "b1", "", 1)
				req.Header.Add("Content-Type", "text/plain")
				return req
			},
			status: sip.StatusBadRequest,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			env.tp.deliver(c.req())
			res := env.expectResponse(c.status)
			if res.ToTag() == "" {
				t.Error("final response has no To tag")
			}
			if c.check != nil {
				c.check(t, res)
			}
			for _, ev := range env.takeEvents() {
				if ev.Type != ua.EventConnected {
					t.Errorf("unexpected %v event", ev.Type)
				}
			}
		})
	}
}

func TestUserAgent_LegacyNotify(t *testing.T) {
	env := newTestEnv(t, func(cfg *ua.Config) { cfg.AllowLegacyNotifications = true })

	req := inbound(sip.MethodNotify, bobCallID, "b1", "", 1)
	req.Header.Add("Event", "message-summary")
	env.tp.deliver(req)
	env.expectResponse(sip.StatusOK)

	ev, ok := env.lastEvent(ua.EventNewNotify)
	if !ok {
		t.Fatal("notify event was not emitted")
	}
	if got, want := ev.Request.CallID(), req.CallID(); got != want {
		t.Errorf("event request Call-ID = %q, want %q", got, want)
	}
}

func TestUserAgent_ReceiveOptions(t *testing.T) {
	env := newTestEnv(t, nil)

	env.tp.deliver(inbound(sip.MethodOptions, bobCallID, "b1", "", 1))
	res := env.expectResponse(sip.StatusOK)
	for _, name := range []string{"Allow", "Accept", "Supported"} {
		if !res.Header.Has(name) {
			t.Errorf("OPTIONS response has no %s header", name)
		}
	}
	if _, ok := env.lastEvent(ua.EventNewOptions); !ok {
		t.Error("options event was not emitted")
	}
}

func TestUserAgent_ReceiveMessage(t *testing.T) {
	env := newTestEnv(t, nil)

	req := inbound(sip.MethodMessage, bobCallID, "b1", "", 1)
	req.Header.Add("Content-Type", "text/plain")
	req.Body = []byte("hello")
	env.tp.deliver(req)
	env.expectResponse(sip.StatusOK)

	ev, ok := env.lastEvent(ua.EventNewMessage)
	if !ok {
		t.Fatal("message event was not emitted")
	}
	if got, want := string(ev.Request.Body), "hello"; got != want {
		t.Errorf("message body = %q, want %q", got, want)
	}
	if got, want := ev.Originator, ua.OriginatorRemote; got != want {
		t.Errorf("message originator = %v, want %v", got, want)
	}
}

func TestUserAgent_SendMessage(t *testing.T) {
	env := newTestEnv(t, nil)

	var results []ua.RequestResult
	err := env.ua.SendMessage(t.Context(), "bob", ua.Description{ContentType: "text/plain", Body: []byte("hi")}, &ua.RequestOptions{
		OnResult: func(r ua.RequestResult) { results = append(results, r) },
	})
	if err != nil {
		t.Fatalf("ua.SendMessage() error = %v, want nil", err)
	}
	req := env.expectRequest(sip.MethodMessage)
	if got, want := req.URI.String(), "sip:bob@example.com"; got != want {
		t.Errorf("MESSAGE URI = %q, want %q", got, want)
	}
	if got, want := req.Header.Get("Content-Type"), "text/plain"; got != want {
		t.Errorf("MESSAGE Content-Type = %q, want %q", got, want)
	}

	env.respond(req, sip.StatusTrying, "", nil)
	if len(results) != 0 {
		t.Fatalf("got %d results after provisional response, want 0", len(results))
	}
	env.respond(req, sip.StatusAccepted, "m1", nil)
	if len(results) != 1 || !results[0].Succeeded() {
		t.Fatalf("results = %+v, want one success", results)
	}

	if err := env.ua.SendMessage(t.Context(), "bob", ua.Description{}, nil); !errors.Is(err, sip.ErrInvalidArgument) {
		t.Errorf("ua.SendMessage() with empty body error = %v, want %v", err, sip.ErrInvalidArgument)
	}
	if err := env.ua.SendMessage(t.Context(), "tel:+100", ua.Description{ContentType: "text/plain", Body: []byte("hi")}, nil); !errors.Is(err, ua.ErrInvalidTarget) {
		t.Errorf("ua.SendMessage() to tel URI error = %v, want %v", err, ua.ErrInvalidTarget)
	}
}

func TestUserAgent_SendOptionsFailure(t *testing.T) {
	env := newTestEnv(t, nil)

	var results []ua.RequestResult
	if err := env.ua.SendOptions(t.Context(), "sip:bob@example.com", &ua.RequestOptions{
		OnResult: func(r ua.RequestResult) { results = append(results, r) },
	}); err != nil {
		t.Fatalf("ua.SendOptions() error = %v, want nil", err)
	}
	req := env.expectRequest(sip.MethodOptions)
	if !req.Header.Has("Accept") {
		t.Error("OPTIONS has no Accept header")
	}

	// responses not addressed to this user agent are dropped
	env.respond(req, sip.StatusOK, "o1", func(res *sip.Response) {
		res.Header.Set("Via", strings.Replace(res.Header.Get("Via"), "alice.invalid", "mallory.invalid", 1))
	})
	if len(results) != 0 {
		t.Fatalf("got %d results after foreign response, want 0", len(results))
	}

	env.respond(req, sip.StatusTemporarilyUnavailable, "o1", nil)
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if got, want := results[0].Cause, ua.CauseUnavailable; got != want {
		t.Errorf("result cause = %q, want %q", got, want)
	}
}

func TestUserAgent_MergedRequest(t *testing.T) {
	env := newTestEnv(t, nil)

	callID := bobCallID
	first := inbound(sip.MethodMessage, callID, "b1", "", 1)
	first.Header.Add("Content-Type", "text/plain")
	first.Body = []byte("hello")
	env.tp.deliver(first)
	env.expectResponse(sip.StatusOK)

	// the same request forked over another path carries a different branch
	second := inbound(sip.MethodMessage, callID, "b1", "", 1)
	second.Header.Add("Content-Type", "text/plain")
	second.Body = []byte("hello")
	env.tp.deliver(second)
	env.expectResponse(sip.StatusLoopDetected)
}
