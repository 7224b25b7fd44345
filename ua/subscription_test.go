package ua_test

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ghettovoice/sipua/sip"
	"github.com/ghettovoice/sipua/ua"
)

func subscriptionEventTypes(evs []ua.SubscriptionEvent) []ua.SubscriptionEventType {
	out := make([]ua.SubscriptionEventType, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

// notifyFor builds a NOTIFY from bob within the subscription created by req.
func notifyFor(req *sip.Request, cseq uint32, event, state string) *sip.Request {
	n := inbound(sip.MethodNotify, req.CallID(), "bobtag", req.FromTag(), cseq)
	n.Header.Add("Event", event)
	n.Header.Add("Subscription-State", state)
	return n
}

func TestSubscribe_Lifecycle(t *testing.T) {
	env := newTestEnv(t, nil)

	var evs []ua.SubscriptionEvent
	sub, err := env.ua.Subscribe(t.Context(), "bob", "Presence", &ua.SubscribeOptions{
		Expires:      600,
		Accept:       "application/pidf+xml",
		EventHandler: func(ev ua.SubscriptionEvent) { evs = append(evs, ev) },
	})
	if err != nil {
		t.Fatalf("ua.Subscribe() error = %v, want nil", err)
	}
	req := env.expectRequest(sip.MethodSubscribe)
	for name, want := range map[string]string{
		"Event":   "presence",
		"Expires": "600",
		"Accept":  "application/pidf+xml",
	} {
		if got := req.Header.Get(name); got != want {
			t.Errorf("SUBSCRIBE %s = %q, want %q", name, got, want)
		}
	}
	if got, want := sub.State(), ua.SubscriptionStateNotifyWait; got != want {
		t.Errorf("sub.State() = %v, want %v", got, want)
	}

	env.respond(req, sip.StatusAccepted, "bobtag", func(res *sip.Response) {
		withContact(res)
		res.Header.Set("Expires", "600")
	})

	n := notifyFor(req, 1, "presence", "active;expires=600")
	n.Header.Add("Content-Type", "application/pidf+xml")
	n.Body = []byte("<presence/>")
	env.tp.deliver(n)
	env.expectResponse(sip.StatusOK)

	if got, want := sub.State(), ua.SubscriptionStateActive; got != want {
		t.Errorf("sub.State() = %v, want %v", got, want)
	}
	if diff := cmp.Diff(
		[]ua.SubscriptionEventType{ua.SubscriptionEventNotify, ua.SubscriptionEventActive},
		subscriptionEventTypes(evs),
	); diff != "" {
		t.Errorf("subscription events mismatch (-want +got):\n%s", diff)
	}
	if body := evs[0].Body; body == nil || string(body.Body) != "<presence/>" {
		t.Errorf("notify body = %v, want <presence/>", body)
	}

	env.clk.Advance(539 * time.Second)
	if reqs := env.sentRequests(sip.MethodSubscribe); len(reqs) != 0 {
		t.Fatalf("sent %d SUBSCRIBE requests before refresh time, want 0", len(reqs))
	}
	env.clk.Advance(time.Second)
	refresh := env.expectRequest(sip.MethodSubscribe)
	if got, want := refresh.ToTag(), "bobtag"; got != want {
		t.Errorf("refresh To tag = %q, want %q", got, want)
	}
	if got, want := refresh.URI.Host, "bob.invalid"; got != want {
		t.Errorf("refresh URI host = %q, want %q", got, want)
	}
	if got, want := cseqOf(t, refresh).Seq, cseqOf(t, req).Seq+1; got != want {
		t.Errorf("refresh CSeq = %d, want %d", got, want)
	}
	env.respond(refresh, sip.StatusOK, "", nil)

	if err := sub.Terminate(t.Context(), nil); err != nil {
		t.Fatalf("sub.Terminate() error = %v, want nil", err)
	}
	unsub := env.expectRequest(sip.MethodSubscribe)
	if got, want := unsub.Header.Get("Expires"), "0"; got != want {
		t.Errorf("unsubscribe Expires = %q, want %q", got, want)
	}
	env.respond(unsub, sip.StatusOK, "", nil)
	if got, want := sub.State(), ua.SubscriptionStateActive; got != want {
		t.Errorf("sub.State() before final NOTIFY = %v, want %v", got, want)
	}

	env.tp.deliver(notifyFor(req, 2, "presence", "terminated;reason=timeout"))
	env.expectResponse(sip.StatusOK)
	if got, want := sub.State(), ua.SubscriptionStateTerminated; got != want {
		t.Errorf("sub.State() = %v, want %v", got, want)
	}
	last := evs[len(evs)-1]
	if last.Type != ua.SubscriptionEventTerminated || last.Reason != "timeout" {
		t.Errorf("last event = %v %q, want terminated with reason timeout", last.Type, last.Reason)
	}
	if reqs := env.sentRequests(sip.MethodSubscribe); len(reqs) != 0 {
		t.Errorf("sent %d SUBSCRIBE requests after unsubscribe, want 0", len(reqs))
	}
}

func TestSubscribe_NotifyBeforeResponse(t *testing.T) {
	env := newTestEnv(t, nil)

	sub, err := env.ua.Subscribe(t.Context(), "bob", "dialog", nil)
	if err != nil {
		t.Fatalf("ua.Subscribe() error = %v, want nil", err)
	}
	req := env.expectRequest(sip.MethodSubscribe)
	if got, want := req.Header.Get("Expires"), "900"; got != want {
		t.Errorf("SUBSCRIBE Expires = %q, want %q", got, want)
	}

	env.tp.deliver(notifyFor(req, 1, "dialog", "pending;expires=900"))
	env.expectResponse(sip.StatusOK)
	if got, want := sub.State(), ua.SubscriptionStatePending; got != want {
		t.Errorf("sub.State() = %v, want %v", got, want)
	}

	env.respond(req, sip.StatusAccepted, "bobtag", withContact)
	env.tp.deliver(notifyFor(req, 2, "dialog", "active;expires=900"))
	env.expectResponse(sip.StatusOK)
	if got, want := sub.State(), ua.SubscriptionStateActive; got != want {
		t.Errorf("sub.State() = %v, want %v", got, want)
	}
}

func TestSubscribe_Deactivated(t *testing.T) {
	env := newTestEnv(t, nil)

	sub, err := env.ua.Subscribe(t.Context(), "bob", "presence", nil)
	if err != nil {
		t.Fatalf("ua.Subscribe() error = %v, want nil", err)
	}
	req := env.expectRequest(sip.MethodSubscribe)
	env.respond(req, sip.StatusOK, "bobtag", withContact)
	env.tp.deliver(notifyFor(req, 1, "presence", "active;expires=900"))
	env.expectResponse(sip.StatusOK)

	env.tp.deliver(notifyFor(req, 2, "presence", "terminated;reason=deactivated"))
	env.expectResponse(sip.StatusOK)

	again := env.expectRequest(sip.MethodSubscribe)
	if again.ToTag() != "" {
		t.Errorf("new SUBSCRIBE To tag = %q, want none", again.ToTag())
	}
	if got, want := again.CallID(), req.CallID(); got != want {
		t.Errorf("new SUBSCRIBE Call-ID = %q, want %q", got, want)
	}
	if again.FromTag() == req.FromTag() {
		t.Error("new SUBSCRIBE reuses the From tag")
	}
	if got, want := sub.State(), ua.SubscriptionStateNotifyWait; got != want {
		t.Errorf("sub.State() = %v, want %v", got, want)
	}
}

func TestSubscribe_Probation(t *testing.T) {
	env := newTestEnv(t, nil)

	sub, err := env.ua.Subscribe(t.Context(), "bob", "presence", nil)
	if err != nil {
		t.Fatalf("ua.Subscribe() error = %v, want nil", err)
	}
	req := env.expectRequest(sip.MethodSubscribe)
	env.respond(req, sip.StatusOK, "bobtag", withContact)
	env.tp.deliver(notifyFor(req, 1, "presence", "terminated;reason=probation;retry-after=30"))
	env.expectResponse(sip.StatusOK)

	if reqs := env.sentRequests(sip.MethodSubscribe); len(reqs) != 0 {
		t.Fatalf("sent %d SUBSCRIBE requests before retry-after, want 0", len(reqs))
	}
	env.clk.Advance(30 * time.Second)
	env.expectRequest(sip.MethodSubscribe)
	if got, want := sub.State(), ua.SubscriptionStateNotifyWait; got != want {
		t.Errorf("sub.State() = %v, want %v", got, want)
	}
}

func TestSubscribe_Rejected(t *testing.T) {
	env := newTestEnv(t, nil)

	var evs []ua.SubscriptionEvent
	sub, err := env.ua.Subscribe(t.Context(), "bob", "presence", &ua.SubscribeOptions{
		EventHandler: func(ev ua.SubscriptionEvent) { evs = append(evs, ev) },
	})
	if err != nil {
		t.Fatalf("ua.Subscribe() error = %v, want nil", err)
	}
	env.respond(env.expectRequest(sip.MethodSubscribe), sip.StatusForbidden, "bobtag", nil)

	if got, want := sub.State(), ua.SubscriptionStateTerminated; got != want {
		t.Errorf("sub.State() = %v, want %v", got, want)
	}
	if len(evs) != 1 || evs[0].Cause != ua.CauseRejected {
		t.Errorf("events = %v, want one terminated with %q", subscriptionEventTypes(evs), ua.CauseRejected)
	}
	if err := sub.Refresh(t.Context(), nil); err == nil {
		t.Error("sub.Refresh() error = nil, want error")
	}
}

func TestSubscribe_TimerN(t *testing.T) {
	env := newTestEnv(t, nil)

	var evs []ua.SubscriptionEvent
	sub, err := env.ua.Subscribe(t.Context(), "bob", "presence", &ua.SubscribeOptions{
		EventHandler: func(ev ua.SubscriptionEvent) { evs = append(evs, ev) },
	})
	if err != nil {
		t.Fatalf("ua.Subscribe() error = %v, want nil", err)
	}
	env.respond(env.expectRequest(sip.MethodSubscribe), sip.StatusAccepted, "bobtag", withContact)

	env.clk.Advance(32 * time.Second)
	if got, want := sub.State(), ua.SubscriptionStateTerminated; got != want {
		t.Errorf("sub.State() = %v, want %v", got, want)
	}
	if last := evs[len(evs)-1]; last.Cause != ua.CauseRequestTimeout {
		t.Errorf("terminated cause = %q, want %q", last.Cause, ua.CauseRequestTimeout)
	}
}

func TestSubscribe_BadEvent(t *testing.T) {
	env := newTestEnv(t, nil)

	if _, err := env.ua.Subscribe(t.Context(), "bob", "presence", nil); err != nil {
		t.Fatalf("ua.Subscribe() error = %v, want nil", err)
	}
	req := env.expectRequest(sip.MethodSubscribe)
	env.respond(req, sip.StatusOK, "bobtag", withContact)

	env.tp.deliver(notifyFor(req, 1, "presence;id=7", "active"))
	env.expectResponse(sip.StatusBadEvent)

	missing := inbound(sip.MethodNotify, req.CallID(), "bobtag", req.FromTag(), 2)
	missing.Header.Add("Event", "presence")
	env.tp.deliver(missing)
	env.expectResponse(sip.StatusBadRequest)
}
