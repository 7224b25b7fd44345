package sip

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"braces.dev/errtrace"
	"github.com/qmuntal/stateless"

	"github.com/ghettovoice/sipua/internal/timeutil"
	"github.com/ghettovoice/sipua/internal/types"
	"github.com/ghettovoice/sipua/log"
)

// TransactionType is one of the four RFC 3261 Section 17 transaction kinds.
type TransactionType string

const (
	TransactionTypeClientInvite    TransactionType = "ICT"
	TransactionTypeClientNonInvite TransactionType = "NICT"
	TransactionTypeServerInvite    TransactionType = "IST"
	TransactionTypeServerNonInvite TransactionType = "NIST"
)

// TransactionState is a state of a transaction state machine.
type TransactionState string

const (
	TransactionStateCalling    TransactionState = "calling"
	TransactionStateTrying     TransactionState = "trying"
	TransactionStateProceeding TransactionState = "proceeding"
	TransactionStateAccepted   TransactionState = "accepted"
	TransactionStateCompleted  TransactionState = "completed"
	TransactionStateConfirmed  TransactionState = "confirmed"
	TransactionStateTerminated TransactionState = "terminated"
)

// TransactionKey identifies a transaction.
// Method is INVITE for ACK matching an INVITE server transaction.
type TransactionKey struct {
	Branch string
	Method Method
}

func (k TransactionKey) String() string { return string(k.Method) + ":" + k.Branch }

// ServerTransactionKey computes the key of a server transaction that the request belongs to,
// as described in RFC 3261 Section 17.2.3. Requests without the magic cookie fall back to
// a key built from Call-ID, CSeq number and From tag.
func ServerTransactionKey(req *Request) TransactionKey {
	mtd := req.Method
	if mtd == MethodAck {
		mtd = MethodInvite
	}
	branch := req.ViaBranch()
	if !strings.HasPrefix(branch, MagicCookie) {
		cseq, _ := req.CSeq()
		branch = branch + "|" + req.CallID() + "|" + strconv.FormatUint(uint64(cseq.Seq), 10) + "|" + req.FromTag()
	}
	return TransactionKey{branch, mtd}
}

// ClientTransactionKey computes the key of the client transaction that the response belongs to.
func ClientTransactionKey(res *Response) TransactionKey {
	cseq, _ := res.CSeq()
	return TransactionKey{res.ViaBranch(), cseq.Method}
}

// Transaction is a common interface of all transaction kinds.
type Transaction interface {
	Type() TransactionType
	Key() TransactionKey
	State() TransactionState
	Request() *Request
	// Terminate moves the transaction to the terminated state and stops all timers.
	Terminate(ctx context.Context)
	// OnStateChanged registers a callback called after every state transition.
	OnStateChanged(fn TransactionStateHandler) (remove func())
}

// TransactionStateHandler is a callback of transaction state transitions.
type TransactionStateHandler = func(ctx context.Context, tx Transaction, from, to TransactionState)

// TransactionOptions contains options shared by all transaction kinds.
type TransactionOptions struct {
	// Timings is the SIP timing config. Zero value uses defaults.
	Timings TimingConfig
	// Clock creates transaction timers. If nil, [timeutil.RealClock] is used.
	Clock timeutil.Clock
	// Log is the logger. If nil, the [log.Default] is used.
	Log *slog.Logger
}

func (o *TransactionOptions) timings() TimingConfig {
	if o == nil {
		return TimingConfig{}
	}
	return o.Timings
}

func (o *TransactionOptions) clock() timeutil.Clock {
	if o == nil || o.Clock == nil {
		return timeutil.RealClock()
	}
	return o.Clock
}

func (o *TransactionOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

const (
	txEvtRecv1xx    = "recv_1xx"
	txEvtRecv2xx    = "recv_2xx"
	txEvtRecv300699 = "recv_300-699"
	txEvtRecvReq    = "recv_req"
	txEvtRecvAck    = "recv_ack"
	txEvtSend1xx    = "send_1xx"
	txEvtSend2xx    = "send_2xx"
	txEvtSend300699 = "send_300-699"
	txEvtTranspErr  = "transport_error"
	txEvtTerminate  = "terminate"
)

type transaction struct {
	typ     TransactionType
	key     TransactionKey
	req     *Request
	tp      Sender
	fsm     *stateless.StateMachine
	clk     timeutil.Clock
	timings TimingConfig
	log     *slog.Logger
	impl    Transaction

	onState types.CallbackManager[TransactionStateHandler]
}

func newTransaction(typ TransactionType, key TransactionKey, req *Request, tp Sender, opts *TransactionOptions) *transaction {
	return &transaction{
		typ:     typ,
		key:     key,
		req:     req,
		tp:      tp,
		clk:     opts.clock(),
		timings: opts.timings(),
		log:     opts.log(),
	}
}

func (tx *transaction) initFSM(impl Transaction, start TransactionState) {
	tx.impl = impl
	tx.fsm = stateless.NewStateMachine(start)
	tx.fsm.OnTransitioned(func(ctx context.Context, tr stateless.Transition) {
		from, _ := tr.Source.(TransactionState)
		to, _ := tr.Destination.(TransactionState)
		if from == to {
			return
		}
		tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction state changed",
			slog.Any("transaction", tx),
			slog.Any("from", from),
			slog.Any("to", to),
		)
		for fn := range tx.onState.All() {
			fn(ctx, tx.impl, from, to)
		}
	})
}

// LogValue implements [slog.LogValuer].
func (tx *transaction) LogValue() slog.Value {
	if tx == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("type", string(tx.typ)),
		slog.String("key", tx.key.String()),
		slog.String("state", string(tx.State())),
	)
}

func (tx *transaction) Type() TransactionType { return tx.typ }

func (tx *transaction) Key() TransactionKey { return tx.key }

func (tx *transaction) Request() *Request { return tx.req }

func (tx *transaction) State() TransactionState {
	return tx.fsm.MustState().(TransactionState) //nolint:forcetypeassert
}

func (tx *transaction) OnStateChanged(fn TransactionStateHandler) (remove func()) {
	return tx.onState.Add(fn)
}

func (tx *transaction) Terminate(ctx context.Context) {
	tx.fire(ctx, txEvtTerminate)
}

func (tx *transaction) fire(ctx context.Context, trigger string, args ...any) {
	if err := tx.fsm.FireCtx(ctx, trigger, args...); err != nil {
		panic(fmt.Errorf("fire %q in state %q: %w", trigger, tx.State(), err))
	}
}

func (tx *transaction) send(ctx context.Context, msg Message) error {
	if err := tx.tp.Send(ctx, msg); err != nil {
		tx.log.LogAttrs(ctx, slog.LevelWarn, "failed to send message",
			slog.Any("transaction", tx),
			slog.Any("error", err),
		)
		tx.fire(ctx, txEvtTranspErr, err)
		return errtrace.Wrap(err)
	}
	return nil
}

func (tx *transaction) startTimer(ctx context.Context, name string, d time.Duration, fn func()) timeutil.Timer {
	tmr := tx.clk.AfterFunc(d, fn)
	tx.log.LogAttrs(ctx, slog.LevelDebug,
		"timer "+name+" started",
		slog.Any("transaction", tx),
		slog.Time("expires_at", tx.clk.Now().Add(d)),
	)
	return tmr
}

func (tx *transaction) stopTimer(ctx context.Context, name string, slot *timeutil.Timer) {
	if *slot == nil {
		return
	}
	if (*slot).Stop() {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "timer "+name+" stopped", slog.Any("transaction", tx))
	}
	*slot = nil
}

func (tx *transaction) actNoop(context.Context, ...any) error { return nil }
