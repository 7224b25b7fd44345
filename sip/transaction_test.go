package sip_test

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ghettovoice/sipua/internal/timeutil"
	"github.com/ghettovoice/sipua/sip"
)

type stubSender struct {
	mu   sync.Mutex
	sent []sip.Message
	err  error
}

func (s *stubSender) Send(_ context.Context, msg sip.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (*stubSender) Protocol() string { return "WS" }

func (s *stubSender) take() []sip.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.sent
	s.sent = nil
	return out
}

type stubTU struct {
	responses []*sip.Response
	timeouts  int
	errs      []error
}

func (u *stubTU) ReceiveResponse(_ context.Context, res *sip.Response) {
	u.responses = append(u.responses, res)
}

func (u *stubTU) OnRequestTimeout(context.Context) { u.timeouts++ }

func (u *stubTU) OnTransportError(_ context.Context, err error) { u.errs = append(u.errs, err) }

func (u *stubTU) OnTimeout(context.Context) { u.timeouts++ }

func newTestRequest(t *testing.T, method sip.Method, branch string) *sip.Request {
	t.Helper()

	u, err := sip.ParseURI("sip:bob@example.com")
	if err != nil {
		t.Fatalf("sip.ParseURI() error = %v, want nil", err)
	}
	req := sip.NewRequest(method, u)
	req.Header.Add("Via", "SIP/2.0/WS client.invalid;branch="+branch)
	req.Header.Add("Max-Forwards", "70")
	req.Header.Add("To", "<sip:bob@example.com>")
	req.Header.Add("From", "<sip:alice@example.com>;tag=ftag")
	req.Header.Add("Call-ID", "call-"+branch)
	req.Header.Add("CSeq", "1 "+string(method))
	return req
}

func newTestTxOpts(clk timeutil.Clock) *sip.TransactionOptions {
	return &sip.TransactionOptions{Clock: clk}
}

func assertState(t *testing.T, tx sip.Transaction, want sip.TransactionState) {
	t.Helper()

	if got := tx.State(); got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
}

func assertSent(t *testing.T, tp *stubSender, want ...string) []sip.Message {
	t.Helper()

	sent := tp.take()
	if len(sent) != len(want) {
		t.Fatalf("sent %d messages, want %d: %v", len(sent), len(want), sent)
	}
	for i, msg := range sent {
		var got string
		switch m := msg.(type) {
		case *sip.Request:
			got = string(m.Method)
		case *sip.Response:
			got = strconv.Itoa(int(m.Status))
		}
		if got != want[i] {
			t.Fatalf("sent[%d] = %q, want %q", i, got, want[i])
		}
	}
	return sent
}

func TestInviteClientTransaction_Accepted(t *testing.T) {
	t.Parallel()

	clk := timeutil.NewFakeClock(time.Now())
	tp, tu := &stubSender{}, &stubTU{}
	req := newTestRequest(t, sip.MethodInvite, sip.MagicCookie+".ict-accepted")
	ctx := t.Context()

	tx, err := sip.NewInviteClientTransaction(ctx, req, tp, tu, newTestTxOpts(clk))
	if err != nil {
		t.Fatalf("sip.NewInviteClientTransaction() error = %v, want nil", err)
	}
	assertSent(t, tp, "INVITE")
	assertState(t, tx, sip.TransactionStateCalling)

	var states []sip.TransactionState
	tx.OnStateChanged(func(_ context.Context, _ sip.Transaction, _, to sip.TransactionState) {
		states = append(states, to)
	})

	ringing := req.NewResponse(sip.StatusRinging, "")
	ringing.SetToTag("b1")
	if err := tx.ReceiveResponse(ctx, ringing); err != nil {
		t.Fatalf("tx.ReceiveResponse(180) error = %v, want nil", err)
	}
	assertState(t, tx, sip.TransactionStateProceeding)

	ok := req.NewResponse(sip.StatusOK, "")
	ok.SetToTag("b1")
	for range 2 {
		if err := tx.ReceiveResponse(ctx, ok); err != nil {
			t.Fatalf("tx.ReceiveResponse(200) error = %v, want nil", err)
		}
	}
	assertState(t, tx, sip.TransactionStateAccepted)
	assertSent(t, tp)

	if got, want := len(tu.responses), 3; got != want {
		t.Fatalf("passed %d responses, want %d", got, want)
	}
	if tx.LastResponse() != ok {
		t.Fatalf("tx.LastResponse() = %v, want 200", tx.LastResponse())
	}

	clk.Advance(sip.TimingConfig{}.TimeM())
	assertState(t, tx, sip.TransactionStateTerminated)

	want := []sip.TransactionState{
		sip.TransactionStateProceeding,
		sip.TransactionStateAccepted,
		sip.TransactionStateTerminated,
	}
	if len(states) != len(want) {
		t.Fatalf("state changes = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("state changes = %v, want %v", states, want)
		}
	}
}

func TestInviteClientTransaction_Rejected(t *testing.T) {
	t.Parallel()

	for _, unreliable := range []bool{false, true} {
		clk := timeutil.NewFakeClock(time.Now())
		tp, tu := &stubSender{}, &stubTU{}
		req := newTestRequest(t, sip.MethodInvite, sip.MagicCookie+".ict-rejected")
		ctx := t.Context()
		timings := sip.TimingConfig{}.WithUnreliable(unreliable)

		tx, err := sip.NewInviteClientTransaction(ctx, req, tp, tu, &sip.TransactionOptions{Clock: clk, Timings: timings})
		if err != nil {
			t.Fatalf("sip.NewInviteClientTransaction() error = %v, want nil", err)
		}
		assertSent(t, tp, "INVITE")

		busy := req.NewResponse(sip.StatusBusyHere, "")
		busy.SetToTag("b2")
		if err := tx.ReceiveResponse(ctx, busy); err != nil {
			t.Fatalf("tx.ReceiveResponse(486) error = %v, want nil", err)
		}

		sent := assertSent(t, tp, "ACK")
		ack := sent[0].(*sip.Request) //nolint:forcetypeassert
		if got, want := ack.ToTag(), "b2"; got != want {
			t.Fatalf("ACK To tag = %q, want %q", got, want)
		}
		if got, want := ack.ViaBranch(), req.ViaBranch(); got != want {
			t.Fatalf("ACK branch = %q, want %q", got, want)
		}
		if cseq, _ := ack.CSeq(); cseq != (sip.CSeq{Seq: 1, Method: sip.MethodAck}) {
			t.Fatalf("ACK CSeq = %v, want 1 ACK", cseq)
		}

		if err := tx.ReceiveResponse(ctx, busy); err != nil {
			t.Fatalf("tx.ReceiveResponse(486) retransmission error = %v, want nil", err)
		}
		assertSent(t, tp, "ACK")
		if got, want := len(tu.responses), 1; got != want {
			t.Fatalf("passed %d responses, want %d", got, want)
		}

		clk.Advance(0)
		if unreliable {
			assertState(t, tx, sip.TransactionStateCompleted)
			clk.Advance(timings.TimeD())
		}
		assertState(t, tx, sip.TransactionStateTerminated)
	}
}

func TestInviteClientTransaction_TimerB(t *testing.T) {
	t.Parallel()

	clk := timeutil.NewFakeClock(time.Now())
	tp, tu := &stubSender{}, &stubTU{}
	req := newTestRequest(t, sip.MethodInvite, sip.MagicCookie+".ict-timer-b")

	tx, err := sip.NewInviteClientTransaction(t.Context(), req, tp, tu, newTestTxOpts(clk))
	if err != nil {
		t.Fatalf("sip.NewInviteClientTransaction() error = %v, want nil", err)
	}

	clk.Advance(sip.TimingConfig{}.TimeB() - time.Millisecond)
	assertState(t, tx, sip.TransactionStateCalling)

	clk.Advance(time.Millisecond)
	assertState(t, tx, sip.TransactionStateTerminated)
	if tu.timeouts != 1 {
		t.Fatalf("timeouts = %d, want 1", tu.timeouts)
	}
	if clk.Pending() != 0 {
		t.Fatalf("clk.Pending() = %d, want 0", clk.Pending())
	}
}

func TestInviteClientTransaction_DeferredCancel(t *testing.T) {
	t.Parallel()

	clk := timeutil.NewFakeClock(time.Now())
	tp, tu := &stubSender{}, &stubTU{}
	req := newTestRequest(t, sip.MethodInvite, sip.MagicCookie+".ict-cancel")
	req.Header.Add("Route", "<sip:proxy.example.com;lr>")
	ctx := t.Context()

	tx, err := sip.NewInviteClientTransaction(ctx, req, tp, tu, newTestTxOpts(clk))
	if err != nil {
		t.Fatalf("sip.NewInviteClientTransaction() error = %v, want nil", err)
	}
	assertSent(t, tp, "INVITE")

	tx.Cancel(ctx, sip.HeaderField{Name: "Reason", Value: `SIP;cause=200;text="Call completed elsewhere"`})
	assertSent(t, tp)

	if err := tx.ReceiveResponse(ctx, req.NewResponse(sip.StatusTrying, "")); err != nil {
		t.Fatalf("tx.ReceiveResponse(100) error = %v, want nil", err)
	}
	sent := assertSent(t, tp, "CANCEL")
	cancel := sent[0].(*sip.Request) //nolint:forcetypeassert
	if got, want := cancel.ViaBranch(), req.ViaBranch(); got != want {
		t.Fatalf("CANCEL branch = %q, want %q", got, want)
	}
	if cseq, _ := cancel.CSeq(); cseq != (sip.CSeq{Seq: 1, Method: sip.MethodCancel}) {
		t.Fatalf("CANCEL CSeq = %v, want 1 CANCEL", cseq)
	}
	if got, want := cancel.Header.Get("Route"), "<sip:proxy.example.com;lr>"; got != want {
		t.Fatalf("CANCEL Route = %q, want %q", got, want)
	}
	if !cancel.Header.Has("Reason") {
		t.Fatal("CANCEL has no Reason header")
	}

	tx.Cancel(ctx)
	assertSent(t, tp, "CANCEL")

	tx.Terminate(ctx)
	tx.Cancel(ctx)
	assertSent(t, tp)
}

func TestInviteClientTransaction_TransportError(t *testing.T) {
	t.Parallel()

	clk := timeutil.NewFakeClock(time.Now())
	errBoom := errors.New("boom")
	tp, tu := &stubSender{err: errBoom}, &stubTU{}
	req := newTestRequest(t, sip.MethodInvite, sip.MagicCookie+".ict-transport")

	tx, err := sip.NewInviteClientTransaction(t.Context(), req, tp, tu, newTestTxOpts(clk))
	if err != nil {
		t.Fatalf("sip.NewInviteClientTransaction() error = %v, want nil", err)
	}
	assertState(t, tx, sip.TransactionStateTerminated)
	if len(tu.errs) != 1 || !errors.Is(tu.errs[0], errBoom) {
		t.Fatalf("transport errors = %v, want [%v]", tu.errs, errBoom)
	}
	if clk.Pending() != 0 {
		t.Fatalf("clk.Pending() = %d, want 0", clk.Pending())
	}
}

func TestNonInviteClientTransaction(t *testing.T) {
	t.Parallel()

	t.Run("completed", func(t *testing.T) {
		t.Parallel()

		clk := timeutil.NewFakeClock(time.Now())
		tp, tu := &stubSender{}, &stubTU{}
		req := newTestRequest(t, sip.MethodOptions, sip.MagicCookie+".nict-ok")
		ctx := t.Context()

		tx, err := sip.NewClientTransaction(ctx, req, tp, tu, newTestTxOpts(clk))
		if err != nil {
			t.Fatalf("sip.NewClientTransaction() error = %v, want nil", err)
		}
		assertSent(t, tp, "OPTIONS")
		assertState(t, tx, sip.TransactionStateTrying)

		if err := tx.ReceiveResponse(ctx, req.NewResponse(sip.StatusTrying, "")); err != nil {
			t.Fatalf("tx.ReceiveResponse(100) error = %v, want nil", err)
		}
		assertState(t, tx, sip.TransactionStateProceeding)

		if err := tx.ReceiveResponse(ctx, req.NewResponse(sip.StatusOK, "")); err != nil {
			t.Fatalf("tx.ReceiveResponse(200) error = %v, want nil", err)
		}
		if err := tx.ReceiveResponse(ctx, req.NewResponse(sip.StatusOK, "")); err != nil {
			t.Fatalf("tx.ReceiveResponse(200) retransmission error = %v, want nil", err)
		}
		if got, want := len(tu.responses), 2; got != want {
			t.Fatalf("passed %d responses, want %d", got, want)
		}

		clk.Advance(0)
		assertState(t, tx, sip.TransactionStateTerminated)
	})

	t.Run("408 response", func(t *testing.T) {
		t.Parallel()

		clk := timeutil.NewFakeClock(time.Now())
		tp, tu := &stubSender{}, &stubTU{}
		req := newTestRequest(t, sip.MethodBye, sip.MagicCookie+".nict-408")
		ctx := t.Context()

		tx, err := sip.NewClientTransaction(ctx, req, tp, tu, newTestTxOpts(clk))
		if err != nil {
			t.Fatalf("sip.NewClientTransaction() error = %v, want nil", err)
		}
		if err := tx.ReceiveResponse(ctx, req.NewResponse(sip.StatusRequestTimeout, "")); err != nil {
			t.Fatalf("tx.ReceiveResponse(408) error = %v, want nil", err)
		}
		if tu.timeouts != 1 || len(tu.responses) != 0 {
			t.Fatalf("timeouts = %d, responses = %d, want 1 and 0", tu.timeouts, len(tu.responses))
		}
	})

	t.Run("timer F", func(t *testing.T) {
		t.Parallel()

		clk := timeutil.NewFakeClock(time.Now())
		tp, tu := &stubSender{}, &stubTU{}
		req := newTestRequest(t, sip.MethodRegister, sip.MagicCookie+".nict-timer-f")

		tx, err := sip.NewClientTransaction(t.Context(), req, tp, tu, newTestTxOpts(clk))
		if err != nil {
			t.Fatalf("sip.NewClientTransaction() error = %v, want nil", err)
		}
		clk.Advance(sip.TimingConfig{}.TimeF())
		assertState(t, tx, sip.TransactionStateTerminated)
		if tu.timeouts != 1 {
			t.Fatalf("timeouts = %d, want 1", tu.timeouts)
		}
	})

	t.Run("mismatched response", func(t *testing.T) {
		t.Parallel()

		clk := timeutil.NewFakeClock(time.Now())
		tp, tu := &stubSender{}, &stubTU{}
		req := newTestRequest(t, sip.MethodMessage, sip.MagicCookie+".nict-mismatch")
		ctx := t.Context()

		tx, err := sip.NewClientTransaction(ctx, req, tp, tu, newTestTxOpts(clk))
		if err != nil {
			t.Fatalf("sip.NewClientTransaction() error = %v, want nil", err)
		}
		other := newTestRequest(t, sip.MethodMessage, sip.MagicCookie+".other")
		if err := tx.ReceiveResponse(ctx, other.NewResponse(sip.StatusOK, "")); !errors.Is(err, sip.ErrInvalidArgument) {
			t.Fatalf("tx.ReceiveResponse(other) error = %v, want %v", err, sip.ErrInvalidArgument)
		}
	})

	t.Run("rejects ACK", func(t *testing.T) {
		t.Parallel()

		req := newTestRequest(t, sip.MethodAck, sip.MagicCookie+".nict-ack")
		if _, err := sip.NewNonInviteClientTransaction(t.Context(), req, &stubSender{}, &stubTU{}, nil); !errors.Is(err, sip.ErrInvalidArgument) {
			t.Fatalf("sip.NewNonInviteClientTransaction(ACK) error = %v, want %v", err, sip.ErrInvalidArgument)
		}
	})
}
