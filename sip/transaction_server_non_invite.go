package sip

import (
	"context"
	"log/slog"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipua/internal/timeutil"
)

// NonInviteServerTransaction implements the non-INVITE server transaction, RFC 3261 Section 17.2.2.
type NonInviteServerTransaction struct {
	*serverTransaction

	tmrJ timeutil.Timer
}

// NewNonInviteServerTransaction creates the transaction in the trying state.
func NewNonInviteServerTransaction(
	_ context.Context,
	req *Request,
	tp Sender,
	opts *ServerTransactionOptions,
) (*NonInviteServerTransaction, error) {
	switch req.Method {
	case MethodInvite, MethodAck, MethodCancel:
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}

	srvTx, err := newServerTransaction(TransactionTypeServerNonInvite, req, tp, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx := &NonInviteServerTransaction{serverTransaction: srvTx}
	tx.initFSM(TransactionStateTrying)
	return tx, nil
}

const txEvtTimerJ = "timer_j"

func (tx *NonInviteServerTransaction) initFSM(start TransactionState) {
	tx.serverTransaction.initFSM(tx, start)

	tx.fsm.Configure(TransactionStateTrying).
		Ignore(txEvtRecvReq).
		Permit(txEvtSend1xx, TransactionStateProceeding).
		Permit(txEvtSend2xx, TransactionStateCompleted).
		Permit(txEvtSend300699, TransactionStateCompleted).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntryFrom(txEvtSend1xx, tx.actSendRes).
		InternalTransition(txEvtSend1xx, tx.actSendRes).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		Permit(txEvtSend2xx, TransactionStateCompleted).
		Permit(txEvtSend300699, TransactionStateCompleted).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntry(tx.actCompleted).
		OnEntryFrom(txEvtSend2xx, tx.actSendRes).
		OnEntryFrom(txEvtSend300699, tx.actSendRes).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		Permit(txEvtTimerJ, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntry(tx.actTerminated).
		OnEntryFrom(txEvtTranspErr, tx.actTranspErr).
		Ignore(txEvtRecvReq).
		Ignore(txEvtTranspErr).
		InternalTransition(txEvtTerminate, tx.actNoop)
}

// Respond sends the response. Responses are not allowed once a final response was sent.
func (tx *NonInviteServerTransaction) Respond(ctx context.Context, res *Response) error {
	if st := tx.State(); st != TransactionStateTrying && st != TransactionStateProceeding {
		return errtrace.Wrap(NewWrapperError(ErrActionNotAllowed, "respond in state %q", st))
	}
	return errtrace.Wrap(tx.respond(ctx, res))
}

// ReceiveRequest handles a retransmission of the request.
func (tx *NonInviteServerTransaction) ReceiveRequest(ctx context.Context, req *Request) error {
	if ServerTransactionKey(req) != tx.key {
		return errtrace.Wrap(NewInvalidArgumentError("request does not match transaction %v", tx.key))
	}
	return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtRecvReq))
}

func (tx *NonInviteServerTransaction) actCompleted(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction completed", slog.Any("transaction", tx))

	tx.tmrJ = tx.startTimer(ctx, "J", tx.timings.TimeJ(), tx.timerJHdlr(ctx))
	return nil
}

func (tx *NonInviteServerTransaction) timerJHdlr(ctx context.Context) func() {
	return func() {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "timer J expired", slog.Any("transaction", tx))

		tx.tmrJ = nil

		if tx.State() != TransactionStateCompleted {
			return
		}
		tx.fire(ctx, txEvtTimerJ)
	}
}

func (tx *NonInviteServerTransaction) actTerminated(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction terminated", slog.Any("transaction", tx))

	tx.stopTimer(ctx, "J", &tx.tmrJ)
	return nil
}
