package sip

import (
	"context"
	"iter"
	"log/slog"
	"maps"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipua/log"
)

// TransactionTable is the registry of live transactions.
// Transactions are removed automatically once they reach the terminated state.
// It is not safe for concurrent use.
type TransactionTable struct {
	tp      Sender
	log     *slog.Logger
	clients map[TransactionKey]ClientTransaction
	servers map[TransactionKey]ServerTransaction
}

// NewTransactionTable creates an empty table. The sender is used for stateless responses.
func NewTransactionTable(tp Sender, logger *slog.Logger) *TransactionTable {
	if logger == nil {
		logger = log.Default()
	}
	return &TransactionTable{
		tp:      tp,
		log:     logger,
		clients: make(map[TransactionKey]ClientTransaction),
		servers: make(map[TransactionKey]ServerTransaction),
	}
}

// AddClient registers a client transaction.
func (t *TransactionTable) AddClient(tx ClientTransaction) error {
	if tx.State() == TransactionStateTerminated {
		return nil
	}
	if _, ok := t.clients[tx.Key()]; ok {
		return errtrace.Wrap(NewWrapperError(ErrTransactionExists, tx.Key().String()))
	}
	t.clients[tx.Key()] = tx
	tx.OnStateChanged(func(_ context.Context, tx Transaction, _, to TransactionState) {
		if to == TransactionStateTerminated && t.clients[tx.Key()] == tx {
			delete(t.clients, tx.Key())
		}
	})
	return nil
}

// AddServer registers a server transaction.
func (t *TransactionTable) AddServer(tx ServerTransaction) error {
	if tx.State() == TransactionStateTerminated {
		return nil
	}
	if _, ok := t.servers[tx.Key()]; ok {
		return errtrace.Wrap(NewWrapperError(ErrTransactionExists, tx.Key().String()))
	}
	t.servers[tx.Key()] = tx
	tx.OnStateChanged(func(_ context.Context, tx Transaction, _, to TransactionState) {
		if to == TransactionStateTerminated && t.servers[tx.Key()] == tx {
			delete(t.servers, tx.Key())
		}
	})
	return nil
}

// Client returns the client transaction by key.
func (t *TransactionTable) Client(key TransactionKey) (ClientTransaction, bool) {
	tx, ok := t.clients[key]
	return tx, ok
}

// Server returns the server transaction by key.
func (t *TransactionTable) Server(key TransactionKey) (ServerTransaction, bool) {
	tx, ok := t.servers[key]
	return tx, ok
}

// MatchResponse returns the client transaction the response belongs to, RFC 3261 Section 17.1.3.
func (t *TransactionTable) MatchResponse(res *Response) (ClientTransaction, bool) {
	return t.Client(ClientTransactionKey(res))
}

// ServerTransactions iterates over registered server transactions.
func (t *TransactionTable) ServerTransactions() iter.Seq[ServerTransaction] {
	return maps.Values(t.servers)
}

// Len returns the number of client and server transactions.
func (t *TransactionTable) Len() (clients, servers int) {
	return len(t.clients), len(t.servers)
}

// TerminateAll terminates every registered transaction.
func (t *TransactionTable) TerminateAll(ctx context.Context) {
	for _, tx := range t.clients {
		tx.Terminate(ctx)
	}
	for _, tx := range t.servers {
		tx.Terminate(ctx)
	}
}

// CheckTransaction matches an inbound request against existing server transactions.
// It returns true when the request has been fully handled at the transaction layer
// (retransmission absorbed, last response resent or stateless response sent)
// and false when the request must be passed to the transaction user.
func (t *TransactionTable) CheckTransaction(ctx context.Context, req *Request) bool {
	switch req.Method {
	case MethodInvite:
		tx, ok := t.servers[ServerTransactionKey(req)]
		if !ok {
			return false
		}
		switch tx.State() {
		case TransactionStateProceeding, TransactionStateCompleted:
			tx.ReceiveRequest(ctx, req) //nolint:errcheck
		}
		return true

	case MethodAck:
		tx, ok := t.servers[ServerTransactionKey(req)]
		if !ok {
			return false
		}
		switch tx.State() {
		case TransactionStateAccepted:
			return false
		case TransactionStateCompleted:
			tx.ReceiveRequest(ctx, req) //nolint:errcheck
		}
		return true

	case MethodCancel:
		key := ServerTransactionKey(req)
		key.Method = MethodInvite
		tx, ok := t.servers[key]
		if !ok {
			t.replyStateless(ctx, req, StatusCallTransactionDoesNotExist, "")
			return true
		}
		toTag := ""
		if last := tx.LastResponse(); last != nil {
			toTag = last.ToTag()
		}
		t.replyStateless(ctx, req, StatusOK, toTag)
		return tx.State() != TransactionStateProceeding

	default:
		tx, ok := t.servers[ServerTransactionKey(req)]
		if !ok {
			return false
		}
		switch tx.State() {
		case TransactionStateProceeding, TransactionStateCompleted:
			tx.ReceiveRequest(ctx, req) //nolint:errcheck
		}
		return true
	}
}

func (t *TransactionTable) replyStateless(ctx context.Context, req *Request, status StatusCode, toTag string) {
	res := req.NewResponse(status, "")
	if req.ToTag() == "" {
		if toTag == "" {
			toTag = GenerateTag()
		}
		res.SetToTag(toTag)
	}

	t.log.LogAttrs(ctx, slog.LevelDebug, "send stateless response", slog.Any("request", req), slog.Any("response", res))

	if err := t.tp.Send(ctx, res); err != nil {
		t.log.LogAttrs(ctx, slog.LevelWarn, "failed to send stateless response", slog.Any("error", err))
	}
}
