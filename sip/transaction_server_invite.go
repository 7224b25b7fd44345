package sip

import (
	"context"
	"log/slog"
	"reflect"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipua/internal/timeutil"
)

// InviteServerTransaction implements the INVITE server transaction, RFC 3261 Section 17.2.1
// with the Accepted state of RFC 6026.
type InviteServerTransaction struct {
	*serverTransaction

	tmrProv timeutil.Timer
	tmrG    timeutil.Timer
	tmrH    timeutil.Timer
	tmrI    timeutil.Timer
	tmrL    timeutil.Timer
}

// NewInviteServerTransaction creates the transaction in the proceeding state.
// With [ServerTransactionOptions.AutoTrying] it answers 100 Trying immediately.
func NewInviteServerTransaction(
	ctx context.Context,
	req *Request,
	tp Sender,
	opts *ServerTransactionOptions,
) (*InviteServerTransaction, error) {
	if req.Method != MethodInvite {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}

	srvTx, err := newServerTransaction(TransactionTypeServerInvite, req, tp, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx := &InviteServerTransaction{serverTransaction: srvTx}
	tx.initFSM(TransactionStateProceeding)

	if opts != nil && opts.AutoTrying {
		if err := tx.Respond(ctx, req.NewResponse(StatusTrying, "")); err != nil {
			return nil, errtrace.Wrap(err)
		}
	}
	return tx, nil
}

const (
	txEvtTimerProv = "timer_provisional"
	txEvtTimerG    = "timer_g"
	txEvtTimerH    = "timer_h"
	txEvtTimerI    = "timer_i"
	txEvtTimerL    = "timer_l"
)

func (tx *InviteServerTransaction) initFSM(start TransactionState) {
	tx.serverTransaction.initFSM(tx, start)

	tx.fsm.SetTriggerParameters(txEvtRecvAck, reflect.TypeOf((*Request)(nil)))

	tx.fsm.Configure(TransactionStateProceeding).
		InternalTransition(txEvtSend1xx, tx.actSendProvisional).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		InternalTransition(txEvtTimerProv, tx.actResendRes).
		Ignore(txEvtRecvAck).
		Permit(txEvtSend2xx, TransactionStateAccepted).
		Permit(txEvtSend300699, TransactionStateCompleted).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateAccepted).
		OnEntry(tx.actAccepted).
		OnEntryFrom(txEvtSend2xx, tx.actSendRes).
		InternalTransition(txEvtSend2xx, tx.actSendRes).
		Ignore(txEvtRecvReq).
		Ignore(txEvtRecvAck).
		Permit(txEvtTimerL, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntry(tx.actCompleted).
		OnEntryFrom(txEvtSend300699, tx.actSendRes).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		InternalTransition(txEvtTimerG, tx.actRetransmitFinal).
		Permit(txEvtRecvAck, TransactionStateConfirmed).
		Permit(txEvtTimerH, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateConfirmed).
		OnEntry(tx.actConfirmed).
		Ignore(txEvtRecvReq).
		Ignore(txEvtRecvAck).
		Ignore(txEvtTranspErr).
		Permit(txEvtTimerI, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntry(tx.actTerminated).
		OnEntryFrom(txEvtTimerH, tx.actTimedOut).
		OnEntryFrom(txEvtTranspErr, tx.actTranspErr).
		Ignore(txEvtRecvReq).
		Ignore(txEvtRecvAck).
		Ignore(txEvtTranspErr).
		InternalTransition(txEvtTerminate, tx.actNoop)
}

// Respond sends the response.
// Provisional responses are allowed in the proceeding state only,
// 2xx responses in proceeding and accepted states (retransmissions driven by the TU),
// other final responses in the proceeding state only.
func (tx *InviteServerTransaction) Respond(ctx context.Context, res *Response) error {
	st := tx.State()
	allowed := st == TransactionStateProceeding ||
		(st == TransactionStateAccepted && res.Status.IsSuccessful())
	if !allowed {
		return errtrace.Wrap(NewWrapperError(ErrActionNotAllowed, "respond %d in state %q", res.Status, st))
	}
	return errtrace.Wrap(tx.respond(ctx, res))
}

// ReceiveRequest handles an INVITE retransmission or an ACK matching the transaction.
func (tx *InviteServerTransaction) ReceiveRequest(ctx context.Context, req *Request) error {
	if ServerTransactionKey(req) != tx.key {
		return errtrace.Wrap(NewInvalidArgumentError("request does not match transaction %v", tx.key))
	}
	if req.Method == MethodAck {
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtRecvAck, req))
	}
	return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtRecvReq))
}

// actSendProvisional sends a provisional response and keeps resending
// non-100 responses until a final response, RFC 3261 Section 13.3.1.1.
func (tx *InviteServerTransaction) actSendProvisional(ctx context.Context, args ...any) error {
	if err := tx.actSendRes(ctx, args...); err != nil {
		return errtrace.Wrap(err)
	}

	res := args[0].(*Response) //nolint:forcetypeassert
	if res.Status > StatusTrying && tx.tmrProv == nil {
		tx.tmrProv = tx.startTimer(ctx, "provisional", tx.timings.TimeProvisional(), tx.timerProvHdlr(ctx))
	}
	return nil
}

func (tx *InviteServerTransaction) timerProvHdlr(ctx context.Context) func() {
	return func() {
		if tx.State() != TransactionStateProceeding {
			tx.tmrProv = nil
			return
		}

		tx.fire(ctx, txEvtTimerProv)

		if tx.tmrProv != nil {
			tx.tmrProv.Reset(tx.timings.TimeProvisional())
		}
	}
}

func (tx *InviteServerTransaction) actAccepted(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction accepted", slog.Any("transaction", tx))

	tx.stopTimer(ctx, "provisional", &tx.tmrProv)
	tx.tmrL = tx.startTimer(ctx, "L", tx.timings.TimeL(), tx.timerHdlr(ctx, "L", TransactionStateAccepted, txEvtTimerL, &tx.tmrL))
	return nil
}

func (tx *InviteServerTransaction) actCompleted(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction completed", slog.Any("transaction", tx))

	tx.stopTimer(ctx, "provisional", &tx.tmrProv)
	if tx.timings.Unreliable() {
		tx.tmrG = tx.startTimer(ctx, "G", tx.timings.TimeG(), tx.timerGHdlr(ctx))
	}
	tx.tmrH = tx.startTimer(ctx, "H", tx.timings.TimeH(), tx.timerHdlr(ctx, "H", TransactionStateCompleted, txEvtTimerH, &tx.tmrH))
	return nil
}

func (tx *InviteServerTransaction) timerGHdlr(ctx context.Context) func() {
	dur := tx.timings.TimeG()
	return func() {
		if tx.State() != TransactionStateCompleted {
			tx.tmrG = nil
			return
		}

		tx.fire(ctx, txEvtTimerG)

		if tx.tmrG != nil {
			dur = min(2*dur, tx.timings.T2())
			tx.tmrG.Reset(dur)
		}
	}
}

func (tx *InviteServerTransaction) actRetransmitFinal(ctx context.Context, args ...any) error {
	return errtrace.Wrap(tx.actResendRes(ctx, args...))
}

func (tx *InviteServerTransaction) actConfirmed(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction confirmed", slog.Any("transaction", tx))

	tx.stopTimer(ctx, "G", &tx.tmrG)
	tx.stopTimer(ctx, "H", &tx.tmrH)
	tx.tmrI = tx.startTimer(ctx, "I", tx.timings.TimeI(), tx.timerHdlr(ctx, "I", TransactionStateConfirmed, txEvtTimerI, &tx.tmrI))
	return nil
}

func (tx *InviteServerTransaction) timerHdlr(
	ctx context.Context,
	name string,
	state TransactionState,
	trigger string,
	slot *timeutil.Timer,
) func() {
	return func() {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "timer "+name+" expired", slog.Any("transaction", tx))

		*slot = nil

		if tx.State() != state {
			return
		}
		tx.fire(ctx, trigger)
	}
}

func (tx *InviteServerTransaction) actTimedOut(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelWarn,
		"ACK for INVITE server transaction was never received, call will be terminated",
		slog.Any("transaction", tx),
	)

	if tx.tu != nil {
		tx.tu.OnTimeout(ctx)
	}
	return nil
}

func (tx *InviteServerTransaction) actTerminated(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction terminated", slog.Any("transaction", tx))

	tx.stopTimer(ctx, "provisional", &tx.tmrProv)
	tx.stopTimer(ctx, "G", &tx.tmrG)
	tx.stopTimer(ctx, "H", &tx.tmrH)
	tx.stopTimer(ctx, "I", &tx.tmrI)
	tx.stopTimer(ctx, "L", &tx.tmrL)
	return nil
}
