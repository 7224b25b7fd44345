package sip

import (
	"context"
	"log/slog"
	"reflect"

	"braces.dev/errtrace"
)

// ServerTransactionUser receives asynchronous failures of a server transaction.
type ServerTransactionUser interface {
	// OnTransportError is called when a response could not be sent.
	OnTransportError(ctx context.Context, err error)
	// OnTimeout is called when the INVITE server transaction gave up waiting for ACK.
	OnTimeout(ctx context.Context)
}

// ServerTransaction represents a SIP server transaction.
type ServerTransaction interface {
	Transaction
	// Respond sends the response through the transaction.
	Respond(ctx context.Context, res *Response) error
	// ReceiveRequest is called on each retransmission of the request and on ACK.
	ReceiveRequest(ctx context.Context, req *Request) error
	// LastResponse returns the last response sent by the transaction.
	LastResponse() *Response
}

// ServerTransactionOptions contains options of server transactions.
type ServerTransactionOptions struct {
	TransactionOptions
	// User receives transport errors and timeouts. It may be nil.
	User ServerTransactionUser
	// AutoTrying makes the INVITE server transaction send 100 Trying on creation.
	AutoTrying bool
}

func (o *ServerTransactionOptions) base() *TransactionOptions {
	if o == nil {
		return nil
	}
	return &o.TransactionOptions
}

func (o *ServerTransactionOptions) user() ServerTransactionUser {
	if o == nil {
		return nil
	}
	return o.User
}

// NewServerTransaction creates the server transaction matching the request method.
// ACK and CANCEL requests have no server transaction and are rejected.
func NewServerTransaction(ctx context.Context, req *Request, tp Sender, opts *ServerTransactionOptions) (ServerTransaction, error) {
	if req.Method == MethodInvite {
		return errtrace.Wrap2(NewInviteServerTransaction(ctx, req, tp, opts))
	}
	return errtrace.Wrap2(NewNonInviteServerTransaction(ctx, req, tp, opts))
}

type serverTransaction struct {
	*transaction
	tu      ServerTransactionUser
	lastRes *Response
}

func newServerTransaction(
	typ TransactionType,
	req *Request,
	tp Sender,
	opts *ServerTransactionOptions,
) (*serverTransaction, error) {
	if err := req.Validate(); err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if tp == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid transport"))
	}
	return &serverTransaction{
		transaction: newTransaction(typ, ServerTransactionKey(req), req, tp, opts.base()),
		tu:          opts.user(),
	}, nil
}

func (tx *serverTransaction) initFSM(impl Transaction, start TransactionState) {
	tx.transaction.initFSM(impl, start)

	resType := reflect.TypeOf((*Response)(nil))
	tx.fsm.SetTriggerParameters(txEvtSend1xx, resType)
	tx.fsm.SetTriggerParameters(txEvtSend2xx, resType)
	tx.fsm.SetTriggerParameters(txEvtSend300699, resType)
}

func (tx *serverTransaction) LastResponse() *Response { return tx.lastRes }

func (tx *serverTransaction) matchResponse(res *Response) error {
	if res.CallID() != tx.req.CallID() || res.ViaBranch() != tx.req.ViaBranch() {
		return errtrace.Wrap(NewInvalidArgumentError("response does not match transaction %v", tx.key))
	}
	resCSeq, _ := res.CSeq()
	reqCSeq, _ := tx.req.CSeq()
	if resCSeq != reqCSeq {
		return errtrace.Wrap(NewInvalidArgumentError("response CSeq %v does not match %v", resCSeq, reqCSeq))
	}
	return nil
}

func (tx *serverTransaction) respond(ctx context.Context, res *Response) error {
	if err := res.Validate(); err != nil {
		return errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if err := tx.matchResponse(res); err != nil {
		return errtrace.Wrap(err)
	}

	switch {
	case res.Status.IsProvisional():
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtSend1xx, res))
	case res.Status.IsSuccessful():
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtSend2xx, res))
	default:
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtSend300699, res))
	}
}

func (tx *serverTransaction) actSendRes(ctx context.Context, args ...any) error {
	res := args[0].(*Response) //nolint:forcetypeassert
	tx.lastRes = res

	tx.log.LogAttrs(ctx, slog.LevelDebug, "send response", slog.Any("transaction", tx), slog.Any("response", res))

	tx.send(ctx, res) //nolint:errcheck
	return nil
}

func (tx *serverTransaction) actResendRes(ctx context.Context, _ ...any) error {
	if tx.lastRes == nil {
		return nil
	}

	tx.log.LogAttrs(ctx, slog.LevelDebug, "resend last response", slog.Any("transaction", tx))

	tx.send(ctx, tx.lastRes) //nolint:errcheck
	return nil
}

func (tx *serverTransaction) actTranspErr(ctx context.Context, args ...any) error {
	if tx.tu == nil {
		return nil
	}
	err, _ := args[0].(error)
	tx.tu.OnTransportError(ctx, err)
	return nil
}
