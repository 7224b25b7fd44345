package sip

import (
	"context"
	"log/slog"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipua/internal/timeutil"
)

// InviteClientTransaction implements the INVITE client transaction, RFC 3261 Section 17.1.1
// with the Accepted state of RFC 6026.
type InviteClientTransaction struct {
	*clientTransaction

	tmrB timeutil.Timer
	tmrD timeutil.Timer
	tmrM timeutil.Timer

	cancel *Request
}

// NewInviteClientTransaction creates the transaction and sends the INVITE.
// Send failures are reported through [ClientTransactionUser.OnTransportError].
func NewInviteClientTransaction(
	ctx context.Context,
	req *Request,
	tp Sender,
	tu ClientTransactionUser,
	opts *TransactionOptions,
) (*InviteClientTransaction, error) {
	if req.Method != MethodInvite {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}

	clnTx, err := newClientTransaction(TransactionTypeClientInvite, req, tp, tu, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx := &InviteClientTransaction{clientTransaction: clnTx}
	tx.initFSM(TransactionStateCalling)
	tx.actCalling(ctx)
	return tx, nil
}

const (
	txEvtTimerB = "timer_b"
	txEvtTimerD = "timer_d"
	txEvtTimerM = "timer_m"
)

func (tx *InviteClientTransaction) initFSM(start TransactionState) {
	tx.clientTransaction.initFSM(tx, start)

	tx.fsm.Configure(TransactionStateCalling).
		Permit(txEvtRecv1xx, TransactionStateProceeding).
		Permit(txEvtRecv2xx, TransactionStateAccepted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimerB, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntry(tx.actProceeding).
		OnEntryFrom(txEvtRecv1xx, tx.actPassRes).
		InternalTransition(txEvtRecv1xx, tx.actPassRes).
		Permit(txEvtRecv2xx, TransactionStateAccepted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateAccepted).
		OnEntry(tx.actAccepted).
		OnEntryFrom(txEvtRecv2xx, tx.actPassRes).
		InternalTransition(txEvtRecv2xx, tx.actPassRes).
		Ignore(txEvtRecv1xx).
		Ignore(txEvtRecv300699).
		Ignore(txEvtTranspErr).
		Permit(txEvtTimerM, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntry(tx.actCompleted).
		OnEntryFrom(txEvtRecv300699, tx.actSendAck).
		OnEntryFrom(txEvtRecv300699, tx.actPassRes).
		InternalTransition(txEvtRecv300699, tx.actSendAck).
		Ignore(txEvtRecv1xx).
		Ignore(txEvtRecv2xx).
		Ignore(txEvtTranspErr).
		Permit(txEvtTimerD, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntry(tx.actTerminated).
		OnEntryFrom(txEvtTimerB, tx.actTimedOut).
		OnEntryFrom(txEvtTranspErr, tx.actTranspErr).
		Ignore(txEvtRecv1xx).
		Ignore(txEvtRecv2xx).
		Ignore(txEvtRecv300699).
		Ignore(txEvtTranspErr).
		InternalTransition(txEvtTerminate, tx.actNoop)
}

func (tx *InviteClientTransaction) actCalling(ctx context.Context) {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction calling", slog.Any("transaction", tx))

	tx.tmrB = tx.startTimer(ctx, "B", tx.timings.TimeB(), tx.timerBHdlr(ctx))

	tx.send(ctx, tx.req) //nolint:errcheck
}

func (tx *InviteClientTransaction) timerBHdlr(ctx context.Context) func() {
	return func() {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "timer B expired", slog.Any("transaction", tx))

		tx.tmrB = nil

		if tx.State() != TransactionStateCalling {
			return
		}
		tx.fire(ctx, txEvtTimerB)
	}
}

func (tx *InviteClientTransaction) actProceeding(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction proceeding", slog.Any("transaction", tx))

	tx.stopTimer(ctx, "B", &tx.tmrB)

	if tx.cancel != nil {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "send deferred CANCEL", slog.Any("transaction", tx))
		tx.tp.Send(ctx, tx.cancel) //nolint:errcheck
	}
	return nil
}

// Cancel sends CANCEL for the INVITE, RFC 3261 Section 9.1.
// The CANCEL is sent at once in the proceeding state, deferred until the first provisional
// response in the calling state and dropped in all other states.
// The CANCEL is sent statelessly: its response is not matched to any transaction.
func (tx *InviteClientTransaction) Cancel(ctx context.Context, extraHeaders ...HeaderField) {
	switch tx.State() {
	case TransactionStateCalling, TransactionStateProceeding:
	default:
		return
	}

	c := NewRequest(MethodCancel, tx.req.URI.Clone())
	c.Header.Add("Via", tx.req.TopVia().String())
	c.Header.Add("Max-Forwards", "70")
	for _, h := range []string{"From", "To", "Call-ID"} {
		c.Header.Add(h, tx.req.Header.Get(h))
	}
	for _, v := range tx.req.Header.Values("Route") {
		c.Header.Add("Route", v)
	}
	cseq, _ := tx.req.CSeq()
	c.Header.Add("CSeq", CSeq{cseq.Seq, MethodCancel}.String())
	for _, h := range extraHeaders {
		c.Header.Add(h.Name, h.Value)
	}
	tx.cancel = c

	if tx.State() == TransactionStateProceeding {
		tx.tp.Send(ctx, c) //nolint:errcheck
	}
}

func (tx *InviteClientTransaction) actAccepted(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction accepted", slog.Any("transaction", tx))

	tx.stopTimer(ctx, "B", &tx.tmrB)
	tx.tmrM = tx.startTimer(ctx, "M", tx.timings.TimeM(), tx.timerMHdlr(ctx))
	return nil
}

func (tx *InviteClientTransaction) timerMHdlr(ctx context.Context) func() {
	return func() {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "timer M expired", slog.Any("transaction", tx))

		tx.tmrM = nil

		if tx.State() != TransactionStateAccepted {
			return
		}
		tx.fire(ctx, txEvtTimerM)
	}
}

func (tx *InviteClientTransaction) actCompleted(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction completed", slog.Any("transaction", tx))

	tx.stopTimer(ctx, "B", &tx.tmrB)
	tx.tmrD = tx.startTimer(ctx, "D", tx.timings.TimeD(), tx.timerDHdlr(ctx))
	return nil
}

func (tx *InviteClientTransaction) timerDHdlr(ctx context.Context) func() {
	return func() {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "timer D expired", slog.Any("transaction", tx))

		tx.tmrD = nil

		if tx.State() != TransactionStateCompleted {
			return
		}
		tx.fire(ctx, txEvtTimerD)
	}
}

// actSendAck sends ACK for a non-2xx final response, RFC 3261 Section 17.1.1.3.
func (tx *InviteClientTransaction) actSendAck(ctx context.Context, args ...any) error {
	res := args[0].(*Response) //nolint:forcetypeassert

	ack := NewRequest(MethodAck, tx.req.URI.Clone())
	ack.Header.Add("Via", tx.req.TopVia().String())
	ack.Header.Add("Max-Forwards", "70")
	ack.Header.Add("From", tx.req.Header.Get("From"))
	ack.Header.Add("To", res.Header.Get("To"))
	ack.Header.Add("Call-ID", tx.req.Header.Get("Call-ID"))
	for _, v := range tx.req.Header.Values("Route") {
		ack.Header.Add("Route", v)
	}
	cseq, _ := tx.req.CSeq()
	ack.Header.Add("CSeq", CSeq{cseq.Seq, MethodAck}.String())

	tx.log.LogAttrs(ctx, slog.LevelDebug, "send ACK", slog.Any("transaction", tx), slog.Any("response", res))

	tx.send(ctx, ack) //nolint:errcheck
	return nil
}

func (tx *InviteClientTransaction) actTerminated(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction terminated", slog.Any("transaction", tx))

	tx.stopTimer(ctx, "B", &tx.tmrB)
	tx.stopTimer(ctx, "D", &tx.tmrD)
	tx.stopTimer(ctx, "M", &tx.tmrM)
	return nil
}
