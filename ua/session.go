package ua

import (
	"context"
	"log/slog"
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipua/internal/timeutil"
	"github.com/ghettovoice/sipua/internal/types"
	"github.com/ghettovoice/sipua/metrics"
	"github.com/ghettovoice/sipua/sip"
)

// SessionStatus is the state of a call.
type SessionStatus int

const (
	SessionStatusNull SessionStatus = iota
	SessionStatusInviteSent
	SessionStatus1xxReceived
	SessionStatusInviteReceived
	SessionStatusWaitingForAnswer
	SessionStatusAnswered
	SessionStatusWaitingForPrack
	SessionStatusWaitingForAck
	SessionStatusCanceled
	SessionStatusTerminated
	SessionStatusConfirmed
	SessionStatusEarlyMedia
	SessionStatusAnsweredWaitingForPrack
)

var sessionStatusNames = [...]string{
	SessionStatusNull:                    "null",
	SessionStatusInviteSent:              "invite_sent",
	SessionStatus1xxReceived:             "1xx_received",
	SessionStatusInviteReceived:          "invite_received",
	SessionStatusWaitingForAnswer:        "waiting_for_answer",
	SessionStatusAnswered:                "answered",
	SessionStatusWaitingForPrack:         "waiting_for_prack",
	SessionStatusWaitingForAck:           "waiting_for_ack",
	SessionStatusCanceled:                "canceled",
	SessionStatusTerminated:              "terminated",
	SessionStatusConfirmed:               "confirmed",
	SessionStatusEarlyMedia:              "early_media",
	SessionStatusAnsweredWaitingForPrack: "answered_waiting_for_prack",
}

func (s SessionStatus) String() string {
	if s >= 0 && int(s) < len(sessionStatusNames) {
		return sessionStatusNames[s]
	}
	return "unknown"
}

// sessionKey identifies a session by the Call-ID and the From tag of its initial INVITE.
type sessionKey struct {
	CallID string
	Tag    string
}

type sessionTimers struct {
	ack       timeutil.Timer
	invite2xx timeutil.Timer
	noAnswer  timeutil.Timer
	expires   timeutil.Timer
	prack     timeutil.Timer
	rel1xx    timeutil.Timer
	dtmf      timeutil.Timer
}

// Session is an INVITE session (a call), either initiated by this user agent
// or received from a remote party.
type Session struct {
	ua        *UserAgent
	key       sessionKey
	direction Originator
	status    SessionStatus
	handlers  types.CallbackManager[func(SessionEvent)]

	localIdentity  *sip.NameAddr
	remoteIdentity *sip.NameAddr

	media     MediaHandler
	modifiers []DescriptionModifier

	// outgoing
	request     *sip.Request
	sender      *requestSender
	offerless   bool
	isCanceled  bool
	cancelExtra []sip.HeaderField
	ackReq      *sip.Request

	// incoming
	incoming      *serverRequest
	lateSDP       bool
	offerApplied  bool
	localAnswer   *Description
	use100rel     bool
	rseq          uint32
	rel1xx        *reliableProvisional
	statusBefore  SessionStatus
	pendingAnswer *AnswerOptions
	awaitingAck   *serverRequest
	pendingBye    *byeArgs
	replaces      *Session

	dialog       *dialog
	earlyDialogs map[DialogID]*dialog
	negotiated   bool
	confirmed    bool

	localHold  bool
	remoteHold bool

	timers sessionTimers

	referSubscribers map[uint32]*referSubscriber
	referNotifier    *referNotifier

	tones    []rune
	dtmfOpts DTMFOptions

	startTime time.Time
	endTime   time.Time
	closed    bool
}

type byeArgs struct {
	extra []sip.HeaderField
	body  *Description
}

func newSession(ua *UserAgent, direction Originator) *Session {
	return &Session{
		ua:               ua,
		direction:        direction,
		earlyDialogs:     make(map[DialogID]*dialog),
		referSubscribers: make(map[uint32]*referSubscriber),
	}
}

// LogValue implements [slog.LogValuer].
func (s *Session) LogValue() slog.Value {
	if s == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("call_id", s.key.CallID),
		slog.String("tag", s.key.Tag),
		slog.String("direction", string(s.direction)),
		slog.String("status", s.status.String()),
	)
}

// ID returns the Call-ID and the From tag of the initial INVITE.
func (s *Session) ID() string { return s.key.CallID + s.key.Tag }

// Direction returns [OriginatorLocal] for outgoing calls and [OriginatorRemote] for incoming ones.
func (s *Session) Direction() Originator { return s.direction }

func (s *Session) Status() SessionStatus {
	s.ua.mu.Lock()
	defer s.ua.mu.Unlock()
	return s.status
}

func (s *Session) LocalIdentity() *sip.NameAddr { return s.localIdentity.Clone() }

func (s *Session) RemoteIdentity() *sip.NameAddr { return s.remoteIdentity.Clone() }

// Media returns the media handler of the session.
func (s *Session) Media() MediaHandler { return s.media }

// IsOnHold reports the local and the remote hold flags.
func (s *Session) IsOnHold() (local, remote bool) {
	s.ua.mu.Lock()
	defer s.ua.mu.Unlock()
	return s.localHold, s.remoteHold
}

// DialogID returns the identifier of the confirmed dialog.
func (s *Session) DialogID() (DialogID, bool) {
	s.ua.mu.Lock()
	defer s.ua.mu.Unlock()
	if s.dialog == nil {
		return DialogID{}, false
	}
	return s.dialog.id, true
}

// StartTime returns the time the session was accepted.
func (s *Session) StartTime() time.Time {
	s.ua.mu.Lock()
	defer s.ua.mu.Unlock()
	return s.startTime
}

// EndTime returns the time the session ended.
func (s *Session) EndTime() time.Time {
	s.ua.mu.Lock()
	defer s.ua.mu.Unlock()
	return s.endTime
}

// OnEvent registers a session event handler.
// Handlers run outside the user agent lock and may call any API.
func (s *Session) OnEvent(fn func(SessionEvent)) (remove func()) {
	return s.handlers.Add(fn)
}

func (s *Session) emit(ctx context.Context, ev SessionEvent) {
	ev.Session = s
	if s.referNotifier != nil {
		s.referNotifier.sessionEvent(ctx, ev)
	}
	s.ua.emit(func() {
		for fn := range s.handlers.All() {
			fn(ev)
		}
	})
}

func eventMessage(ev *SessionEvent, msg sip.Message) {
	switch m := msg.(type) {
	case *sip.Request:
		ev.Request = m
	case *sip.Response:
		ev.Response = m
	}
}

func (s *Session) isTerminated() bool {
	return s.status == SessionStatusTerminated || s.status == SessionStatusCanceled
}

func (s *Session) ownsCallID() bool { return s.direction == OriginatorLocal }

func (s *Session) startTimer(slot *timeutil.Timer, d time.Duration, fn func()) {
	stopTimer(slot)
	*slot = s.ua.clock.AfterFunc(d, fn)
}

func stopTimer(slot *timeutil.Timer) {
	if *slot != nil {
		(*slot).Stop()
		*slot = nil
	}
}

// createDialog creates an early dialog or confirms the session dialog with the message.
// Confirming a dialog terminates every other early dialog of the session.
func (s *Session) createDialog(ctx context.Context, msg sip.Message, early bool) bool {
	var id DialogID
	localTag := ""
	if s.direction == OriginatorRemote {
		localTag = s.incoming.toTag
		id = DialogID{CallID: msg.CallID(), LocalTag: localTag, RemoteTag: msg.FromTag()}
	} else {
		id = DialogID{CallID: msg.CallID(), LocalTag: msg.FromTag(), RemoteTag: msg.ToTag()}
	}

	earlyDialog := s.earlyDialogs[id]
	if early {
		if earlyDialog != nil {
			return true
		}
		d, err := newDialog(s.ua, s, msg, true, localTag)
		if err != nil {
			s.ua.log.LogAttrs(ctx, slog.LevelWarn, "failed to create early dialog", slog.Any("session", s), slog.Any("error", err))
			return false
		}
		s.earlyDialogs[id] = d
		return true
	}

	if earlyDialog != nil {
		earlyDialog.update(msg)
		s.dialog = earlyDialog
		delete(s.earlyDialogs, id)
	} else {
		d, err := newDialog(s.ua, s, msg, false, localTag)
		if err != nil {
			s.ua.log.LogAttrs(ctx, slog.LevelWarn, "failed to create dialog", slog.Any("session", s), slog.Any("error", err))
			return false
		}
		s.dialog = d
	}
	for k, d := range s.earlyDialogs {
		d.terminate()
		delete(s.earlyDialogs, k)
	}
	s.ua.updateGauges()
	return true
}

// earlyDialog returns the early dialog the message belongs to.
func (s *Session) earlyDialog(msg sip.Message) *dialog {
	if s.direction == OriginatorRemote {
		return s.earlyDialogs[DialogID{CallID: msg.CallID(), LocalTag: s.incoming.toTag, RemoteTag: msg.FromTag()}]
	}
	return s.earlyDialogs[DialogID{CallID: msg.CallID(), LocalTag: msg.FromTag(), RemoteTag: msg.ToTag()}]
}

func (s *Session) progress(ctx context.Context, originator Originator, res *sip.Response) {
	s.emit(ctx, SessionEvent{Type: SessionEventProgress, Originator: originator, Response: res})
}

func (s *Session) accepted(ctx context.Context, originator Originator, res *sip.Response) {
	s.startTime = s.ua.clock.Now()
	s.emit(ctx, SessionEvent{Type: SessionEventAccepted, Originator: originator, Response: res})
}

func (s *Session) confirm(ctx context.Context, originator Originator, ack *sip.Request) {
	if s.confirmed {
		return
	}
	s.confirmed = true
	s.emit(ctx, SessionEvent{Type: SessionEventConfirmed, Originator: originator, Request: ack})
	if s.replaces != nil {
		s.replaces.terminate(ctx, nil, "") //nolint:errcheck
		s.replaces = nil
	}
}

func (s *Session) failed(ctx context.Context, originator Originator, msg sip.Message, cause Cause) {
	if s.closed {
		return
	}
	s.ua.log.LogAttrs(ctx, slog.LevelDebug, "session failed", slog.Any("session", s), slog.Any("cause", cause))

	s.close(false)
	ev := SessionEvent{Type: SessionEventFailed, Originator: originator, Cause: cause}
	eventMessage(&ev, msg)
	s.emit(ctx, ev)
	s.ua.cfg.Metrics.SessionFinished(s.metricsDirection(), "failed", string(cause), 0)
}

func (s *Session) ended(ctx context.Context, originator Originator, req *sip.Request, cause Cause, keepDialog bool) {
	if s.closed {
		return
	}
	s.ua.log.LogAttrs(ctx, slog.LevelDebug, "session ended", slog.Any("session", s), slog.Any("cause", cause))

	s.endTime = s.ua.clock.Now()
	s.close(keepDialog)
	s.emit(ctx, SessionEvent{Type: SessionEventEnded, Originator: originator, Cause: cause, Request: req})
	var dur time.Duration
	if !s.startTime.IsZero() {
		dur = s.endTime.Sub(s.startTime)
	}
	s.ua.cfg.Metrics.SessionFinished(s.metricsDirection(), "ended", string(cause), dur)
}

func (s *Session) metricsDirection() string {
	if s.direction == OriginatorLocal {
		return string(metrics.Outbound)
	}
	return string(metrics.Inbound)
}

func (s *Session) close(keepDialog bool) {
	s.closed = true
	s.status = SessionStatusTerminated

	stopTimer(&s.timers.ack)
	stopTimer(&s.timers.invite2xx)
	stopTimer(&s.timers.noAnswer)
	stopTimer(&s.timers.expires)
	stopTimer(&s.timers.prack)
	stopTimer(&s.timers.rel1xx)
	stopTimer(&s.timers.dtmf)
	s.tones = nil

	if s.dialog != nil && !keepDialog {
		s.dialog.terminate()
	}
	for k, d := range s.earlyDialogs {
		d.terminate()
		delete(s.earlyDialogs, k)
	}
	if s.ua.sessions[s.key] == s {
		delete(s.ua.sessions, s.key)
	}
	if s.media != nil {
		s.media.Close()
	}
	s.ua.updateGauges()
}

func (s *Session) onTransportError(ctx context.Context, _ error) {
	if s.status != SessionStatusTerminated {
		s.terminate(ctx, &TerminateOptions{Status: 500, Reason: string(CauseConnectionError)}, CauseConnectionError) //nolint:errcheck
	}
}

func (s *Session) onRequestTimeout(ctx context.Context) {
	if s.status != SessionStatusTerminated {
		s.terminate(ctx, &TerminateOptions{Status: 408, Reason: string(CauseRequestTimeout)}, CauseRequestTimeout) //nolint:errcheck
	}
}

func (s *Session) onDialogError(ctx context.Context, _ *sip.Response) {
	if s.status != SessionStatusTerminated {
		s.terminate(ctx, &TerminateOptions{Status: 500, Reason: string(CauseDialogError)}, CauseDialogError) //nolint:errcheck
	}
}

// TerminateOptions customize [Session.Terminate].
type TerminateOptions struct {
	// Status is the final response of an incoming call (300-699, default 480),
	// or the Reason header cause of CANCEL and BYE.
	Status       sip.StatusCode
	Reason       string
	ExtraHeaders []sip.HeaderField
	Body         *Description
}

// Terminate ends the session: it cancels an outgoing call, rejects an incoming call
// or sends BYE for an established one. Terminating an ended session is a no-op.
func (s *Session) Terminate(ctx context.Context, opts *TerminateOptions) error {
	return errtrace.Wrap(s.ua.do(func() error {
		return errtrace.Wrap(s.terminate(ctx, opts, ""))
	}))
}

func (s *Session) terminate(ctx context.Context, opts *TerminateOptions, cause Cause) error {
	if opts == nil {
		opts = &TerminateOptions{}
	}

	switch s.status {
	case SessionStatusTerminated, SessionStatusCanceled:
		return nil

	case SessionStatusNull, SessionStatusInviteSent, SessionStatus1xxReceived:
		if opts.Status != 0 && (opts.Status < 200 || opts.Status >= 700) {
			return errtrace.Wrap(sip.NewInvalidArgumentError("invalid status code %d", opts.Status))
		}
		s.cancelExtra = nil
		if opts.Status != 0 {
			s.cancelExtra = append(s.cancelExtra, reasonHeader(opts.Status, opts.Reason))
		}
		s.isCanceled = true
		s.cancelInvite(ctx)
		s.status = SessionStatusCanceled
		if cause == "" {
			cause = CauseCanceled
		}
		s.failed(ctx, OriginatorLocal, nil, cause)

	case SessionStatusWaitingForAnswer, SessionStatusAnswered, SessionStatusWaitingForPrack,
		SessionStatusEarlyMedia, SessionStatusAnsweredWaitingForPrack, SessionStatusInviteReceived:
		status := opts.Status
		if status == 0 {
			status = sip.StatusTemporarilyUnavailable
		}
		if status < 300 || status >= 700 {
			return errtrace.Wrap(sip.NewInvalidArgumentError("invalid status code %d", status))
		}
		s.incoming.reply(ctx, status, opts.Reason, opts.ExtraHeaders, opts.Body) //nolint:errcheck
		if cause == "" {
			cause = CauseRejected
		}
		s.failed(ctx, OriginatorLocal, nil, cause)

	case SessionStatusWaitingForAck, SessionStatusConfirmed:
		if opts.Status != 0 && (opts.Status < 200 || opts.Status >= 700) {
			return errtrace.Wrap(sip.NewInvalidArgumentError("invalid status code %d", opts.Status))
		}
		extra := opts.ExtraHeaders
		if opts.Status != 0 {
			extra = append(extra, reasonHeader(opts.Status, opts.Reason))
		}
		if cause == "" {
			cause = CauseBye
		}

		if s.status == SessionStatusWaitingForAck && s.awaitingAck != nil &&
			s.awaitingAck.tx.State() != sip.TransactionStateTerminated {
			// The BYE waits for the ACK or for the INVITE transaction to end, RFC 3261 Section 15.
			s.pendingBye = &byeArgs{extra: extra, body: opts.Body}
			var remove func()
			remove = s.awaitingAck.tx.OnStateChanged(func(ctx context.Context, _ sip.Transaction, _, to sip.TransactionState) {
				if to != sip.TransactionStateTerminated {
					return
				}
				remove()
				s.sendPendingBye(ctx)
			})
			s.ended(ctx, OriginatorLocal, nil, cause, true)
			return nil
		}

		s.sendBye(ctx, extra, opts.Body)
		s.ended(ctx, OriginatorLocal, nil, cause, false)
	}
	return nil
}

func (s *Session) sendBye(ctx context.Context, extra []sip.HeaderField, body *Description) {
	if s.dialog == nil {
		return
	}
	s.dialog.sendRequest(ctx, sip.MethodBye, extra, body, nil)
}

func (s *Session) sendPendingBye(ctx context.Context) {
	if s.pendingBye == nil {
		return
	}
	args := s.pendingBye
	s.pendingBye = nil
	s.sendBye(ctx, args.extra, args.body)
	s.dialog.terminate()
}

// receiveRequest handles CANCEL of the initial INVITE and requests within the session dialogs.
func (s *Session) receiveRequest(ctx context.Context, req *serverRequest) {
	if s.closed {
		switch req.Method {
		case sip.MethodAck:
			s.sendPendingBye(ctx)
		case sip.MethodCancel:
		default:
			req.replyStatus(ctx, sip.StatusCallTransactionDoesNotExist)
		}
		return
	}

	switch req.Method {
	case sip.MethodCancel:
		switch s.status {
		case SessionStatusWaitingForAnswer, SessionStatusAnswered, SessionStatusWaitingForPrack,
			SessionStatusEarlyMedia, SessionStatusAnsweredWaitingForPrack:
			s.status = SessionStatusCanceled
			s.incoming.replyStatus(ctx, sip.StatusRequestTerminated)
			s.failed(ctx, OriginatorRemote, req.Request, CauseCanceled)
		}

	case sip.MethodAck:
		s.receiveAck(ctx, req)

	case sip.MethodBye:
		switch s.status {
		case SessionStatusConfirmed, SessionStatusWaitingForAck:
			req.replyStatus(ctx, sip.StatusOK)
			s.ended(ctx, OriginatorRemote, req.Request, CauseBye, false)
		case SessionStatusInviteReceived, SessionStatusWaitingForAnswer, SessionStatusWaitingForPrack,
			SessionStatusEarlyMedia, SessionStatusAnsweredWaitingForPrack:
			req.replyStatus(ctx, sip.StatusOK)
			s.incoming.reply(ctx, sip.StatusRequestTerminated, "BYE Received", nil, nil) //nolint:errcheck
			s.ended(ctx, OriginatorRemote, req.Request, CauseBye, false)
		default:
			req.reply(ctx, sip.StatusForbidden, "Wrong Status", nil, nil) //nolint:errcheck
		}

	case sip.MethodInvite:
		if s.status != SessionStatusConfirmed {
			req.reply(ctx, sip.StatusForbidden, "Wrong Status", nil, nil) //nolint:errcheck
			return
		}
		s.receiveReinvite(ctx, req)

	case sip.MethodInfo:
		switch s.status {
		case SessionStatus1xxReceived, SessionStatusWaitingForAnswer, SessionStatusAnswered,
			SessionStatusWaitingForAck, SessionStatusConfirmed, SessionStatusEarlyMedia:
			s.receiveInfo(ctx, req)
		default:
			req.reply(ctx, sip.StatusForbidden, "Wrong Status", nil, nil) //nolint:errcheck
		}

	case sip.MethodUpdate:
		if s.status != SessionStatusConfirmed {
			req.reply(ctx, sip.StatusForbidden, "Wrong Status", nil, nil) //nolint:errcheck
			return
		}
		s.receiveUpdate(ctx, req)

	case sip.MethodRefer:
		if s.status != SessionStatusConfirmed {
			req.reply(ctx, sip.StatusForbidden, "Wrong Status", nil, nil) //nolint:errcheck
			return
		}
		s.receiveRefer(ctx, req)

	case sip.MethodNotify:
		if s.status != SessionStatusConfirmed {
			req.reply(ctx, sip.StatusForbidden, "Wrong Status", nil, nil) //nolint:errcheck
			return
		}
		s.receiveNotify(ctx, req)

	case sip.MethodPrack:
		s.receivePrack(ctx, req)

	default:
		req.replyStatus(ctx, sip.StatusNotImplemented)
	}
}
