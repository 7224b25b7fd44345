// Package ua implements a SIP user agent: registration, INVITE sessions with
// offer/answer negotiation, subscriptions, publications and instant messages
// on top of the transactions of package sip.
//
// All state of a [UserAgent] is guarded by one mutex. Inbound messages, timer callbacks
// and API calls run one at a time under it, and application callbacks are
// delivered after the lock is released, so they may call back into the API.
package ua

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipua/internal/timeutil"
	"github.com/ghettovoice/sipua/internal/types"
	"github.com/ghettovoice/sipua/metrics"
	"github.com/ghettovoice/sipua/sip"
)

// UserAgent is a SIP user agent bound to one address of record and one transport.
type UserAgent struct {
	cfg    *config
	log    *slog.Logger
	clock  timeutil.Clock
	tp     sip.Transport
	sender meteredSender
	txs    *sip.TransactionTable

	handlers types.CallbackManager[func(Event)]

	mu            sync.Mutex
	queue         []func()
	running       bool
	ctx           context.Context
	cancel        context.CancelFunc
	removeTp      func()
	sessions      map[sessionKey]*Session
	dialogs       map[DialogID]*dialog
	subscriptions map[subscriptionKey]*Subscription
	publishers    map[publisherKey]*Publisher
	creds         map[string]sip.Credentials
	registrator   *registrator
}

// New creates a user agent. It does nothing on the network until [UserAgent.Start].
func New(cfg *Config) (*UserAgent, error) {
	c, err := cfg.normalize()
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	ua := &UserAgent{
		cfg:           c,
		log:           c.Log,
		tp:            c.Transport,
		sessions:      make(map[sessionKey]*Session),
		dialogs:       make(map[DialogID]*dialog),
		subscriptions: make(map[subscriptionKey]*Subscription),
		publishers:    make(map[publisherKey]*Publisher),
		creds:         make(map[string]sip.Credentials),
		ctx:           context.Background(),
	}
	ua.clock = timeutil.WrapCallbacks(c.Clock, ua.serialize)
	ua.sender = meteredSender{Sender: c.Transport, m: c.Metrics}
	ua.txs = sip.NewTransactionTable(ua.sender, ua.log)
	ua.registrator = newRegistrator(ua)
	return ua, nil
}

// LogValue implements [slog.LogValuer].
func (ua *UserAgent) LogValue() slog.Value {
	if ua == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("uri", ua.cfg.uri.String()),
		slog.String("contact", ua.cfg.contact.String()),
	)
}

// URI returns the address of record.
func (ua *UserAgent) URI() *sip.URI { return ua.cfg.uri.Clone() }

// Contact returns the contact URI of this user agent.
func (ua *UserAgent) Contact() *sip.URI { return ua.cfg.contact.Clone() }

// OnEvent registers a user agent event handler.
// Handlers run outside the user agent lock and may call any API.
func (ua *UserAgent) OnEvent(fn func(Event)) (remove func()) {
	return ua.handlers.Add(fn)
}

// IsRunning reports whether the user agent has been started and not stopped.
func (ua *UserAgent) IsRunning() bool {
	ua.mu.Lock()
	defer ua.mu.Unlock()
	return ua.running
}

// IsConnected reports whether the transport is connected.
func (ua *UserAgent) IsConnected() bool { return ua.tp.IsConnected() }

// Start connects the transport. With [Config.Register] set the user agent
// registers on every transport connection.
func (ua *UserAgent) Start(ctx context.Context) error {
	ua.mu.Lock()
	if ua.running {
		ua.mu.Unlock()
		return nil
	}
	ua.running = true
	ua.ctx, ua.cancel = context.WithCancel(context.WithoutCancel(ctx))
	ua.removeTp = ua.tp.OnEvent(ua.receiveTransportEvent)
	ua.mu.Unlock()

	ua.log.LogAttrs(ctx, slog.LevelInfo, "starting user agent", slog.Any("ua", ua))

	if ua.tp.IsConnected() {
		ua.serialize(func() { ua.connected(ctx) })
		return nil
	}
	if err := ua.tp.Connect(ctx); err != nil {
		ua.mu.Lock()
		ua.running = false
		ua.removeTp()
		ua.cancel()
		ua.mu.Unlock()
		return errtrace.Wrap(&TransportError{Err: err})
	}
	return nil
}

// Stop ends every session, subscription and publication, unregisters and
// disconnects the transport. Stopping a stopped user agent is a no-op.
func (ua *UserAgent) Stop(ctx context.Context) error {
	var stopped bool
	ua.serialize(func() {
		if !ua.running {
			return
		}
		stopped = true
		ua.log.LogAttrs(ctx, slog.LevelInfo, "stopping user agent", slog.Any("ua", ua))

		for _, s := range ua.sessions {
			s.terminate(ctx, nil, "") //nolint:errcheck
		}
		for _, sub := range ua.subscriptions {
			sub.unsubscribe(ctx, nil)
		}
		for _, d := range ua.dialogs {
			if sub, ok := d.owner.(*Subscription); ok {
				sub.unsubscribe(ctx, nil)
			}
		}
		for _, p := range ua.publishers {
			p.terminate(ctx)
		}
		if ua.registrator.registered {
			ua.registrator.unregister(ctx, false)
		}
		stopTimer(&ua.registrator.timer)

		ua.running = false
		ua.txs.TerminateAll(ctx)
		ua.updateGauges()
	})
	if !stopped {
		return nil
	}

	err := ua.tp.Disconnect(ctx)
	ua.mu.Lock()
	ua.removeTp()
	ua.cancel()
	ua.mu.Unlock()
	if err != nil {
		return errtrace.Wrap(&TransportError{Err: err})
	}
	return nil
}

// serialize runs fn under the user agent lock and then delivers the
// application callbacks fn has queued.
func (ua *UserAgent) serialize(fn func()) {
	ua.mu.Lock()
	fn()
	queue := ua.queue
	ua.queue = nil
	ua.mu.Unlock()

	for _, cb := range queue {
		cb()
	}
}

func (ua *UserAgent) do(fn func() error) error {
	var err error
	ua.serialize(func() { err = fn() })
	return errtrace.Wrap(err)
}

// emit queues an application callback. It must be called under the lock.
func (ua *UserAgent) emit(fn func()) {
	ua.queue = append(ua.queue, fn)
}

func (ua *UserAgent) emitEvent(ev Event) {
	ua.emit(func() {
		for fn := range ua.handlers.All() {
			fn(ev)
		}
	})
}

func (ua *UserAgent) updateGauges() {
	clients, servers := ua.txs.Len()
	ua.cfg.Metrics.SetActive(len(ua.sessions), len(ua.dialogs), clients+servers)
}

func (ua *UserAgent) receiveTransportEvent(ev sip.TransportEvent) {
	switch ev.Type {
	case sip.TransportConnected:
		ua.serialize(func() { ua.connected(ua.ctx) })

	case sip.TransportDisconnected:
		ua.serialize(func() {
			ua.log.LogAttrs(ua.ctx, slog.LevelInfo, "transport disconnected", slog.Any("error", ev.Err))
			ua.registrator.onTransportClosed()
			ua.emitEvent(Event{Type: EventDisconnected, Originator: OriginatorSystem, Err: ev.Err})
		})

	case sip.TransportError:
		ua.log.LogAttrs(context.Background(), slog.LevelWarn, "transport error", slog.Any("error", ev.Err))

	case sip.TransportMessage:
		msg, err := sip.ParseMessage(ev.Data)
		if err != nil {
			ua.log.LogAttrs(context.Background(), slog.LevelDebug, "drop unparsable message", slog.Any("error", err))
			return
		}
		ua.serialize(func() { ua.receiveMessage(ua.ctx, msg) })
	}
}

func (ua *UserAgent) connected(ctx context.Context) {
	if !ua.running {
		return
	}
	ua.log.LogAttrs(ctx, slog.LevelInfo, "transport connected")
	ua.emitEvent(Event{Type: EventConnected, Originator: OriginatorSystem})
	if ua.cfg.Register {
		ua.registrator.register(ctx)
	}
}

func (ua *UserAgent) receiveMessage(ctx context.Context, msg sip.Message) {
	ua.cfg.Metrics.ObserveMessage(metrics.Inbound, msg)
	switch m := msg.(type) {
	case *sip.Request:
		ua.receiveRequest(ctx, m)
	case *sip.Response:
		ua.receiveResponse(ctx, m)
	}
	ua.updateGauges()
}

func (ua *UserAgent) receiveResponse(ctx context.Context, res *sip.Response) {
	if !ua.checkResponse(ctx, res) {
		return
	}
	if tx, ok := ua.txs.MatchResponse(res); ok {
		if err := tx.ReceiveResponse(ctx, res); err != nil {
			ua.log.LogAttrs(ctx, slog.LevelDebug, "response rejected by transaction",
				slog.Any("transaction", tx),
				slog.Any("error", err),
			)
		}
		return
	}

	// 2xx retransmissions and forked 2xx to INVITE reach the session directly, RFC 3261 Section 13.2.2.4.
	if cseq, _ := res.CSeq(); cseq.Method == sip.MethodInvite && res.Status.IsSuccessful() {
		if s, ok := ua.sessions[sessionKey{CallID: res.CallID(), Tag: res.FromTag()}]; ok {
			s.receiveInviteResponse(ctx, res)
			return
		}
		if d, ok := ua.dialogs[DialogID{CallID: res.CallID(), LocalTag: res.FromTag(), RemoteTag: res.ToTag()}]; ok {
			if s, ok := d.owner.(*Session); ok {
				s.receiveInviteResponse(ctx, res)
				return
			}
		}
	}
	ua.log.LogAttrs(ctx, slog.LevelDebug, "drop unmatched response", slog.Any("response", res))
}

func (ua *UserAgent) receiveRequest(ctx context.Context, req *sip.Request) {
	if !ua.checkRequest(ctx, req) {
		return
	}
	reply := func(status sip.StatusCode, extra ...sip.HeaderField) {
		(&serverRequest{Request: req, ua: ua}).reply(ctx, status, "", extra, nil) //nolint:errcheck
	}

	if u := req.URI.User; u != ua.cfg.uri.User && u != ua.cfg.contact.User {
		ua.log.LogAttrs(ctx, slog.LevelDebug, "request URI user does not match", slog.Any("request", req))
		if req.Method != sip.MethodAck {
			reply(sip.StatusNotFound)
		}
		return
	}
	if strings.EqualFold(req.URI.Scheme, "sips") {
		if req.Method != sip.MethodAck {
			reply(sip.StatusUnsupportedURIScheme)
		}
		return
	}
	if ua.txs.CheckTransaction(ctx, req) {
		return
	}
	if !ua.running && req.Method != sip.MethodAck && req.Method != sip.MethodCancel {
		reply(sip.StatusServiceUnavailable)
		return
	}

	sr := &serverRequest{Request: req, ua: ua, user: &serverTxUser{}}
	if req.Method != sip.MethodAck && req.Method != sip.MethodCancel {
		opts := &sip.ServerTransactionOptions{
			TransactionOptions: *ua.txOptions(),
			User:               sr.user,
			AutoTrying:         req.Method == sip.MethodInvite && !req.Header.HasOption("Require", "100rel"),
		}
		tx, err := sip.NewServerTransaction(ctx, req, ua.sender, opts)
		if err != nil {
			ua.log.LogAttrs(ctx, slog.LevelWarn, "failed to create server transaction",
				slog.Any("request", req),
				slog.Any("error", err),
			)
			return
		}
		if err := ua.txs.AddServer(tx); err != nil {
			ua.log.LogAttrs(ctx, slog.LevelWarn, "failed to register server transaction",
				slog.Any("transaction", tx),
				slog.Any("error", err),
			)
		}
		ua.cfg.Metrics.TransactionCreated(tx.Type())
		sr.tx = tx
	}

	if req.ToTag() == "" {
		ua.receiveOutOfDialog(ctx, sr)
		return
	}
	ua.receiveInDialog(ctx, sr)
}

func (ua *UserAgent) receiveOutOfDialog(ctx context.Context, req *serverRequest) {
	switch req.Method {
	case sip.MethodOptions:
		ua.receiveOptions(ctx, req)
	case sip.MethodMessage:
		ua.receiveInstantMessage(ctx, req)
	case sip.MethodInvite:
		ua.receiveInvite(ctx, req)
	case sip.MethodBye:
		req.replyStatus(ctx, sip.StatusCallTransactionDoesNotExist)
	case sip.MethodCancel:
		if s, ok := ua.sessions[sessionKey{CallID: req.CallID(), Tag: req.FromTag()}]; ok {
			s.receiveRequest(ctx, req)
		}
	case sip.MethodAck:
	case sip.MethodNotify:
		if !ua.cfg.AllowLegacyNotifications {
			req.replyStatus(ctx, sip.StatusCallTransactionDoesNotExist)
			return
		}
		req.replyStatus(ctx, sip.StatusOK)
		ua.emitEvent(Event{Type: EventNewNotify, Originator: OriginatorRemote, Request: req.Request})
	case sip.MethodRefer:
		req.reply(ctx, sip.StatusForbidden, "Out-of-dialog REFER Not Supported", nil, nil) //nolint:errcheck
	default:
		req.reply(ctx, sip.StatusMethodNotAllowed, "", //nolint:errcheck
			[]sip.HeaderField{{Name: "Allow", Value: allowedMethods}}, nil)
	}
}

func (ua *UserAgent) receiveInDialog(ctx context.Context, req *serverRequest) {
	if d, ok := ua.dialogs[DialogID{CallID: req.CallID(), LocalTag: req.ToTag(), RemoteTag: req.FromTag()}]; ok {
		d.receiveRequest(ctx, req)
		return
	}

	if req.Method == sip.MethodNotify {
		name, _, _ := strings.Cut(req.Header.Get("Event"), ";")
		key := subscriptionKey{CallID: req.CallID(), FromTag: req.ToTag(), Event: strings.ToLower(strings.TrimSpace(name))}
		if sub, ok := ua.subscriptions[key]; ok {
			sub.receiveRequest(ctx, req)
			return
		}
		if s, ok := ua.sessions[sessionKey{CallID: req.CallID(), Tag: req.ToTag()}]; ok {
			s.receiveRequest(ctx, req)
			return
		}
	}
	if req.Method != sip.MethodAck {
		req.replyStatus(ctx, sip.StatusCallTransactionDoesNotExist)
	}
}
