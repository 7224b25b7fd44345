package sip

import (
	"context"
	"log/slog"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipua/internal/timeutil"
)

// NonInviteClientTransaction implements the non-INVITE client transaction, RFC 3261 Section 17.1.2.
// Request retransmission belongs to the transport, so timer E is not used.
type NonInviteClientTransaction struct {
	*clientTransaction

	tmrF timeutil.Timer
	tmrK timeutil.Timer
}

// NewNonInviteClientTransaction creates the transaction and sends the request.
// Send failures are reported through [ClientTransactionUser.OnTransportError].
func NewNonInviteClientTransaction(
	ctx context.Context,
	req *Request,
	tp Sender,
	tu ClientTransactionUser,
	opts *TransactionOptions,
) (*NonInviteClientTransaction, error) {
	if req.Method == MethodInvite || req.Method == MethodAck {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}

	clnTx, err := newClientTransaction(TransactionTypeClientNonInvite, req, tp, tu, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx := &NonInviteClientTransaction{clientTransaction: clnTx}
	tx.initFSM(TransactionStateTrying)
	tx.actTrying(ctx)
	return tx, nil
}

const (
	txEvtTimerF = "timer_f"
	txEvtTimerK = "timer_k"
)

func (tx *NonInviteClientTransaction) initFSM(start TransactionState) {
	tx.clientTransaction.initFSM(tx, start)

	tx.fsm.Configure(TransactionStateTrying).
		Permit(txEvtRecv1xx, TransactionStateProceeding).
		Permit(txEvtRecv2xx, TransactionStateCompleted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimerF, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntryFrom(txEvtRecv1xx, tx.actPassRes).
		InternalTransition(txEvtRecv1xx, tx.actPassRes).
		Permit(txEvtRecv2xx, TransactionStateCompleted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimerF, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntry(tx.actCompleted).
		OnEntryFrom(txEvtRecv2xx, tx.actPassFinal).
		OnEntryFrom(txEvtRecv300699, tx.actPassFinal).
		Ignore(txEvtRecv1xx).
		Ignore(txEvtRecv2xx).
		Ignore(txEvtRecv300699).
		Ignore(txEvtTranspErr).
		Permit(txEvtTimerK, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntry(tx.actTerminated).
		OnEntryFrom(txEvtTimerF, tx.actTimedOut).
		OnEntryFrom(txEvtTranspErr, tx.actTranspErr).
		Ignore(txEvtRecv1xx).
		Ignore(txEvtRecv2xx).
		Ignore(txEvtRecv300699).
		Ignore(txEvtTranspErr).
		InternalTransition(txEvtTerminate, tx.actNoop)
}

func (tx *NonInviteClientTransaction) actTrying(ctx context.Context) {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction trying", slog.Any("transaction", tx))

	tx.tmrF = tx.startTimer(ctx, "F", tx.timings.TimeF(), tx.timerFHdlr(ctx))

	tx.send(ctx, tx.req) //nolint:errcheck
}

func (tx *NonInviteClientTransaction) timerFHdlr(ctx context.Context) func() {
	return func() {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "timer F expired", slog.Any("transaction", tx))

		tx.tmrF = nil

		if st := tx.State(); st != TransactionStateTrying && st != TransactionStateProceeding {
			return
		}
		tx.fire(ctx, txEvtTimerF)
	}
}

// actPassFinal passes a final response up. A 408 is reported as a timeout, RFC 4320.
func (tx *NonInviteClientTransaction) actPassFinal(ctx context.Context, args ...any) error {
	res := args[0].(*Response) //nolint:forcetypeassert
	if res.Status == StatusRequestTimeout {
		tx.lastRes = res
		return errtrace.Wrap(tx.actTimedOut(ctx))
	}
	return errtrace.Wrap(tx.actPassRes(ctx, args...))
}

func (tx *NonInviteClientTransaction) actCompleted(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction completed", slog.Any("transaction", tx))

	tx.stopTimer(ctx, "F", &tx.tmrF)
	tx.tmrK = tx.startTimer(ctx, "K", tx.timings.TimeK(), tx.timerKHdlr(ctx))
	return nil
}

func (tx *NonInviteClientTransaction) timerKHdlr(ctx context.Context) func() {
	return func() {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "timer K expired", slog.Any("transaction", tx))

		tx.tmrK = nil

		if tx.State() != TransactionStateCompleted {
			return
		}
		tx.fire(ctx, txEvtTimerK)
	}
}

func (tx *NonInviteClientTransaction) actTerminated(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction terminated", slog.Any("transaction", tx))

	tx.stopTimer(ctx, "F", &tx.tmrF)
	tx.stopTimer(ctx, "K", &tx.tmrK)
	return nil
}
