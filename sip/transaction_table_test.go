package sip_test

import (
	"errors"
	"testing"
	"time"

	"github.com/ghettovoice/sipua/internal/timeutil"
	"github.com/ghettovoice/sipua/sip"
)

func TestTransactionTable_AddRemove(t *testing.T) {
	t.Parallel()

	clk := timeutil.NewFakeClock(time.Now())
	tp := &stubSender{}
	tbl := sip.NewTransactionTable(tp, nil)
	ctx := t.Context()

	req := newTestRequest(t, sip.MethodOptions, sip.MagicCookie+".tbl")
	clnTx, err := sip.NewClientTransaction(ctx, req, tp, &stubTU{}, newTestTxOpts(clk))
	if err != nil {
		t.Fatalf("sip.NewClientTransaction() error = %v, want nil", err)
	}
	if err := tbl.AddClient(clnTx); err != nil {
		t.Fatalf("tbl.AddClient() error = %v, want nil", err)
	}
	if err := tbl.AddClient(clnTx); !errors.Is(err, sip.ErrTransactionExists) {
		t.Fatalf("tbl.AddClient() twice error = %v, want %v", err, sip.ErrTransactionExists)
	}

	srvTx, err := sip.NewServerTransaction(ctx, newTestRequest(t, sip.MethodInvite, sip.MagicCookie+".tbl-srv"), tp, newTestSrvOpts(clk, nil, sip.TimingConfig{}))
	if err != nil {
		t.Fatalf("sip.NewServerTransaction() error = %v, want nil", err)
	}
	if err := tbl.AddServer(srvTx); err != nil {
		t.Fatalf("tbl.AddServer() error = %v, want nil", err)
	}
	if c, s := tbl.Len(); c != 1 || s != 1 {
		t.Fatalf("tbl.Len() = %d, %d, want 1, 1", c, s)
	}

	res := req.NewResponse(sip.StatusOK, "")
	if got, ok := tbl.MatchResponse(res); !ok || got != clnTx {
		t.Fatalf("tbl.MatchResponse(200) = %v, %v, want client transaction", got, ok)
	}
	if err := clnTx.ReceiveResponse(ctx, res); err != nil {
		t.Fatalf("clnTx.ReceiveResponse(200) error = %v, want nil", err)
	}
	clk.Advance(0)
	if _, ok := tbl.Client(clnTx.Key()); ok {
		t.Fatal("terminated client transaction is still registered")
	}

	tbl.TerminateAll(ctx)
	if c, s := tbl.Len(); c != 0 || s != 0 {
		t.Fatalf("tbl.Len() after TerminateAll = %d, %d, want 0, 0", c, s)
	}
}

func TestTransactionTable_CheckTransaction(t *testing.T) {
	t.Parallel()

	clk := timeutil.NewFakeClock(time.Now())
	tp := &stubSender{}
	tbl := sip.NewTransactionTable(tp, nil)
	ctx := t.Context()

	inv := newTestRequest(t, sip.MethodInvite, sip.MagicCookie+".check")
	if tbl.CheckTransaction(ctx, inv) {
		t.Fatal("tbl.CheckTransaction(new INVITE) = true, want false")
	}

	tx, err := sip.NewInviteServerTransaction(ctx, inv, tp, newTestSrvOpts(clk, nil, sip.TimingConfig{}))
	if err != nil {
		t.Fatalf("sip.NewInviteServerTransaction() error = %v, want nil", err)
	}
	if err := tbl.AddServer(tx); err != nil {
		t.Fatalf("tbl.AddServer() error = %v, want nil", err)
	}
	ringing := inv.NewResponse(sip.StatusRinging, "")
	ringing.SetToTag("srv-tag")
	if err := tx.Respond(ctx, ringing); err != nil {
		t.Fatalf("tx.Respond(180) error = %v, want nil", err)
	}
	assertSent(t, tp, "180")

	if !tbl.CheckTransaction(ctx, inv) {
		t.Fatal("tbl.CheckTransaction(INVITE retransmission) = false, want true")
	}
	assertSent(t, tp, "180")

	cancel := newTestRequest(t, sip.MethodCancel, inv.ViaBranch())
	if tbl.CheckTransaction(ctx, cancel) {
		t.Fatal("tbl.CheckTransaction(CANCEL) in proceeding = true, want false")
	}
	sent := assertSent(t, tp, "200")
	if got, want := sent[0].(*sip.Response).ToTag(), "srv-tag"; got != want { //nolint:forcetypeassert
		t.Fatalf("200 to CANCEL To tag = %q, want %q", got, want)
	}

	orphan := newTestRequest(t, sip.MethodCancel, sip.MagicCookie+".orphan")
	if !tbl.CheckTransaction(ctx, orphan) {
		t.Fatal("tbl.CheckTransaction(orphan CANCEL) = false, want true")
	}
	sent = assertSent(t, tp, "481")
	if sent[0].(*sip.Response).ToTag() == "" { //nolint:forcetypeassert
		t.Fatal("481 to CANCEL has no To tag")
	}

	ok := inv.NewResponse(sip.StatusOK, "")
	ok.SetToTag("srv-tag")
	if err := tx.Respond(ctx, ok); err != nil {
		t.Fatalf("tx.Respond(200) error = %v, want nil", err)
	}
	assertSent(t, tp, "200")

	ack := newTestRequest(t, sip.MethodAck, inv.ViaBranch())
	if tbl.CheckTransaction(ctx, ack) {
		t.Fatal("tbl.CheckTransaction(ACK for 2xx) = true, want false")
	}
	if !tbl.CheckTransaction(ctx, inv) {
		t.Fatal("tbl.CheckTransaction(INVITE retransmission) in accepted = false, want true")
	}
	assertSent(t, tp)

	bye := newTestRequest(t, sip.MethodBye, sip.MagicCookie+".bye")
	if tbl.CheckTransaction(ctx, bye) {
		t.Fatal("tbl.CheckTransaction(new BYE) = true, want false")
	}
}
