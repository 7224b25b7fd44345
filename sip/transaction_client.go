package sip

import (
	"context"
	"log/slog"
	"reflect"

	"braces.dev/errtrace"
)

// ClientTransactionUser receives the outcome of a client transaction.
type ClientTransactionUser interface {
	// ReceiveResponse is called for every response passed up by the transaction.
	ReceiveResponse(ctx context.Context, res *Response)
	// OnRequestTimeout is called when the transaction timed out or received 408.
	OnRequestTimeout(ctx context.Context)
	// OnTransportError is called when the request could not be sent.
	OnTransportError(ctx context.Context, err error)
}

// ClientTransaction represents a SIP client transaction.
type ClientTransaction interface {
	Transaction
	// ReceiveResponse is called on each inbound response matched to the transaction.
	ReceiveResponse(ctx context.Context, res *Response) error
	// LastResponse returns the last response received by the transaction.
	LastResponse() *Response
}

// NewClientTransaction creates and starts the client transaction matching the request method.
// The request is sent immediately. ACK requests have no transaction and are rejected.
func NewClientTransaction(
	ctx context.Context,
	req *Request,
	tp Sender,
	tu ClientTransactionUser,
	opts *TransactionOptions,
) (ClientTransaction, error) {
	if req.Method == MethodInvite {
		return errtrace.Wrap2(NewInviteClientTransaction(ctx, req, tp, tu, opts))
	}
	return errtrace.Wrap2(NewNonInviteClientTransaction(ctx, req, tp, tu, opts))
}

type clientTransaction struct {
	*transaction
	tu      ClientTransactionUser
	lastRes *Response
}

func newClientTransaction(
	typ TransactionType,
	req *Request,
	tp Sender,
	tu ClientTransactionUser,
	opts *TransactionOptions,
) (*clientTransaction, error) {
	if err := req.Validate(); err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if tp == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid transport"))
	}
	if tu == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid transaction user"))
	}
	key := TransactionKey{req.ViaBranch(), req.Method}
	if key.Branch == "" {
		return nil, errtrace.Wrap(NewInvalidArgumentError("missing Via branch"))
	}
	return &clientTransaction{
		transaction: newTransaction(typ, key, req, tp, opts),
		tu:          tu,
	}, nil
}

func (tx *clientTransaction) initFSM(impl Transaction, start TransactionState) {
	tx.transaction.initFSM(impl, start)

	tx.fsm.SetTriggerParameters(txEvtRecv1xx, reflect.TypeOf((*Response)(nil)))
	tx.fsm.SetTriggerParameters(txEvtRecv2xx, reflect.TypeOf((*Response)(nil)))
	tx.fsm.SetTriggerParameters(txEvtRecv300699, reflect.TypeOf((*Response)(nil)))
}

func (tx *clientTransaction) LastResponse() *Response { return tx.lastRes }

// ReceiveResponse is called on each inbound response received by the transport layer.
func (tx *clientTransaction) ReceiveResponse(ctx context.Context, res *Response) error {
	if key := ClientTransactionKey(res); key != tx.key {
		return errtrace.Wrap(NewInvalidArgumentError("response %v does not match transaction %v", key, tx.key))
	}

	switch {
	case res.Status.IsProvisional():
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtRecv1xx, res))
	case res.Status.IsSuccessful():
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtRecv2xx, res))
	default:
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtRecv300699, res))
	}
}

func (tx *clientTransaction) actPassRes(ctx context.Context, args ...any) error {
	res := args[0].(*Response) //nolint:forcetypeassert
	tx.lastRes = res

	tx.log.LogAttrs(ctx, slog.LevelDebug, "pass response", slog.Any("transaction", tx), slog.Any("response", res))

	tx.tu.ReceiveResponse(ctx, res)
	return nil
}

func (tx *clientTransaction) actTimedOut(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction timed out", slog.Any("transaction", tx))

	tx.tu.OnRequestTimeout(ctx)
	return nil
}

func (tx *clientTransaction) actTranspErr(ctx context.Context, args ...any) error {
	err, _ := args[0].(error)
	tx.tu.OnTransportError(ctx, err)
	return nil
}
