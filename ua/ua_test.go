package ua_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/ghettovoice/sipua/internal/timeutil"
	"github.com/ghettovoice/sipua/internal/types"
	"github.com/ghettovoice/sipua/sip"
	"github.com/ghettovoice/sipua/ua"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testSDP = "v=0\r\n" +
	"o=- 1 1 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"c=IN IP4 127.0.0.1\r\n" +
	"t=0 0\r\n" +
	"m=audio 5004 RTP/AVP 0\r\n" +
	"a=sendrecv\r\n"

const testHoldSDP = "v=0\r\n" +
	"o=- 1 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"c=IN IP4 127.0.0.1\r\n" +
	"t=0 0\r\n" +
	"m=audio 5004 RTP/AVP 0\r\n" +
	"a=sendonly\r\n"

// fakeTransport records sent messages and delivers inbound ones synchronously.
type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	sent      []sip.Message
	handlers  types.CallbackManager[func(sip.TransportEvent)]
}

func (tp *fakeTransport) Send(_ context.Context, msg sip.Message) error {
	// round trip through the parser so tests see exactly what went on the wire
	m, err := sip.ParseMessage([]byte(msg.String()))
	if err != nil {
		return err
	}
	tp.mu.Lock()
	defer tp.mu.Unlock()
	tp.sent = append(tp.sent, m)
	return nil
}

func (*fakeTransport) Protocol() string { return "WS" }

func (tp *fakeTransport) Connect(context.Context) error {
	tp.mu.Lock()
	tp.connected = true
	tp.mu.Unlock()
	tp.fire(sip.TransportEvent{Type: sip.TransportConnected})
	return nil
}

func (tp *fakeTransport) Disconnect(context.Context) error {
	tp.mu.Lock()
	tp.connected = false
	tp.mu.Unlock()
	tp.fire(sip.TransportEvent{Type: sip.TransportDisconnected})
	return nil
}

func (tp *fakeTransport) IsConnected() bool {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return tp.connected
}

func (tp *fakeTransport) OnEvent(fn func(sip.TransportEvent)) (remove func()) {
	return tp.handlers.Add(fn)
}

func (tp *fakeTransport) fire(ev sip.TransportEvent) {
	for fn := range tp.handlers.All() {
		fn(ev)
	}
}

func (tp *fakeTransport) deliver(msg sip.Message) {
	tp.fire(sip.TransportEvent{Type: sip.TransportMessage, Data: []byte(msg.String())})
}

func (tp *fakeTransport) take() []sip.Message {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	out := tp.sent
	tp.sent = nil
	return out
}

// fakeMedia answers every offer with testSDP.
type fakeMedia struct {
	mu      sync.Mutex
	offers  int
	answers int
	remote  []ua.Description
	closed  int
	setErr  error
}

func (m *fakeMedia) GetDescription(_ context.Context, opts *ua.DescriptionOptions, mods ...ua.DescriptionModifier) (ua.Description, error) {
	m.mu.Lock()
	if opts.Offer {
		m.offers++
	} else {
		m.answers++
	}
	m.mu.Unlock()

	d := ua.Description{ContentType: ua.ContentTypeSDP, Body: []byte(testSDP)}
	for _, mod := range mods {
		var err error
		if d, err = mod(d); err != nil {
			return d, err
		}
	}
	return d, nil
}

func (m *fakeMedia) SetDescription(_ context.Context, desc ua.Description, _ *ua.DescriptionOptions, _ ...ua.DescriptionModifier) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	m.remote = append(m.remote, desc)
	return nil
}

func (*fakeMedia) HasDescription(ct string) bool { return ct == ua.ContentTypeSDP }

func (m *fakeMedia) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
}

type testEnv struct {
	t     *testing.T
	ua    *ua.UserAgent
	tp    *fakeTransport
	clk   *timeutil.FakeClock
	media []*fakeMedia

	mu     sync.Mutex
	events []ua.Event
}

func newTestEnv(t *testing.T, modify func(*ua.Config)) *testEnv {
	t.Helper()

	env := &testEnv{
		t:   t,
		tp:  &fakeTransport{},
		clk: timeutil.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
	}
	cfg := &ua.Config{
		URI:        "sip:alice@example.com",
		ContactURI: "sip:alice@alice.invalid;transport=ws",
		ViaHost:    "alice.invalid",
		Password:   "secret",
		Transport:  env.tp,
		Clock:      env.clk,
		MediaHandlerFactory: func(*ua.Session) (ua.MediaHandler, error) {
			m := &fakeMedia{}
			env.media = append(env.media, m)
			return m, nil
		},
	}
	if modify != nil {
		modify(cfg)
	}

	u, err := ua.New(cfg)
	if err != nil {
		t.Fatalf("ua.New() error = %v, want nil", err)
	}
	env.ua = u
	u.OnEvent(func(ev ua.Event) {
		env.mu.Lock()
		defer env.mu.Unlock()
		env.events = append(env.events, ev)
	})
	if err := u.Start(t.Context()); err != nil {
		t.Fatalf("ua.Start() error = %v, want nil", err)
	}
	t.Cleanup(func() {
		if err := u.Stop(context.Background()); err != nil {
			t.Errorf("ua.Stop() error = %v, want nil", err)
		}
	})
	env.tp.take()
	return env
}

func (e *testEnv) takeEvents() []ua.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.events
	e.events = nil
	return out
}

func (e *testEnv) lastEvent(typ ua.EventType) (ua.Event, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := len(e.events) - 1; i >= 0; i-- {
		if e.events[i].Type == typ {
			return e.events[i], true
		}
	}
	return ua.Event{}, false
}

// sentRequests returns requests sent since the last call, optionally filtered by method.
func (e *testEnv) sentRequests(method sip.Method) []*sip.Request {
	var out []*sip.Request
	for _, msg := range e.tp.take() {
		if req, ok := msg.(*sip.Request); ok && (method == "" || req.Method == method) {
			out = append(out, req)
		}
	}
	return out
}

// expectRequest returns the single request of the method sent since the last check.
func (e *testEnv) expectRequest(method sip.Method) *sip.Request {
	e.t.Helper()
	reqs := e.sentRequests(method)
	if len(reqs) != 1 {
		e.t.Fatalf("sent %d %s requests, want 1", len(reqs), method)
	}
	return reqs[0]
}

// sentResponses returns responses sent since the last call.
func (e *testEnv) sentResponses() []*sip.Response {
	var out []*sip.Response
	for _, msg := range e.tp.take() {
		if res, ok := msg.(*sip.Response); ok {
			out = append(out, res)
		}
	}
	return out
}

// expectResponse returns the last sent response and checks its status.
func (e *testEnv) expectResponse(status sip.StatusCode) *sip.Response {
	e.t.Helper()
	ress := e.sentResponses()
	for i := len(ress) - 1; i >= 0; i-- {
		if ress[i].Status == status {
			return ress[i]
		}
	}
	got := make([]sip.StatusCode, len(ress))
	for i, r := range ress {
		got[i] = r.Status
	}
	e.t.Fatalf("sent responses %v, want one with status %d", got, status)
	return nil
}

// respond delivers a response to a request sent by the user agent.
func (e *testEnv) respond(req *sip.Request, status sip.StatusCode, toTag string, modify func(*sip.Response)) *sip.Response {
	res := req.NewResponse(status, "")
	if toTag != "" && req.ToTag() == "" {
		res.SetToTag(toTag)
	}
	if modify != nil {
		modify(res)
	}
	e.tp.deliver(res)
	return res
}

func withContact(res *sip.Response) {
	res.Header.Set("Contact", "<sip:bob@bob.invalid;transport=ws>")
}

func withSDP(body string) func(m sip.Message) {
	return func(m sip.Message) {
		m.Headers().Set("Content-Type", ua.ContentTypeSDP)
		switch v := m.(type) {
		case *sip.Request:
			v.Body = []byte(body)
		case *sip.Response:
			v.Body = []byte(body)
		}
	}
}

func answerWithSDP(res *sip.Response) {
	withContact(res)
	withSDP(testSDP)(res)
}

// inbound builds a request from bob to alice.
func inbound(method sip.Method, callID, fromTag, toTag string, cseq uint32) *sip.Request {
	u, _ := sip.ParseURI("sip:alice@example.com")
	if toTag != "" {
		u, _ = sip.ParseURI("sip:alice@alice.invalid;transport=ws")
	}
	req := sip.NewRequest(method, u)
	req.Header.Add("Via", "SIP/2.0/WS bob.invalid;branch="+sip.GenerateBranch())
	req.Header.Add("Max-Forwards", "70")
	to := "<sip:alice@example.com>"
	if toTag != "" {
		to += ";tag=" + toTag
	}
	req.Header.Add("To", to)
	req.Header.Add("From", "<sip:bob@example.com>;tag="+fromTag)
	req.Header.Add("Call-ID", callID)
	req.Header.Add("CSeq", fmt.Sprintf("%d %s", cseq, method))
	req.Header.Add("Contact", "<sip:bob@bob.invalid;transport=ws>")
	return req
}

func sessionEvents(s *ua.Session) *[]ua.SessionEvent {
	var evs []ua.SessionEvent
	s.OnEvent(func(ev ua.SessionEvent) { evs = append(evs, ev) })
	return &evs
}

func eventTypes(evs []ua.SessionEvent) []ua.SessionEventType {
	out := make([]ua.SessionEventType, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func cseqOf(t *testing.T, msg sip.Message) sip.CSeq {
	t.Helper()
	cseq, ok := msg.CSeq()
	if !ok {
		t.Fatalf("message has no valid CSeq")
	}
	return cseq
}
