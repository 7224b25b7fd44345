package ua

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"strconv"
	"strings"
	"time"

	"braces.dev/errtrace"
	"github.com/google/uuid"
	"github.com/qmuntal/stateless"

	"github.com/ghettovoice/sipua/internal/timeutil"
	"github.com/ghettovoice/sipua/internal/types"
	"github.com/ghettovoice/sipua/internal/util"
	"github.com/ghettovoice/sipua/sip"
)

// DefaultSubscribeExpires is the subscription duration requested when none is given.
const DefaultSubscribeExpires = 900

// SubscriptionState is a state of a subscription, RFC 6665.
type SubscriptionState string

const (
	SubscriptionStateInit       SubscriptionState = "init"
	SubscriptionStateNotifyWait SubscriptionState = "notify_wait"
	SubscriptionStatePending    SubscriptionState = "pending"
	SubscriptionStateActive     SubscriptionState = "active"
	SubscriptionStateTerminated SubscriptionState = "terminated"
)

func (s SubscriptionState) String() string { return string(s) }

// SubscriptionEventType enumerates subscription events.
type SubscriptionEventType int

const (
	SubscriptionEventPending SubscriptionEventType = iota + 1
	SubscriptionEventActive
	SubscriptionEventNotify
	SubscriptionEventTerminated
)

func (t SubscriptionEventType) String() string {
	switch t {
	case SubscriptionEventPending:
		return "pending"
	case SubscriptionEventActive:
		return "active"
	case SubscriptionEventNotify:
		return "notify"
	case SubscriptionEventTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// SubscriptionEvent is emitted by a [Subscription].
type SubscriptionEvent struct {
	Type         SubscriptionEventType
	Subscription *Subscription
	Request      *sip.Request
	Response     *sip.Response
	// Body is the content of a NOTIFY request.
	Body *Description
	// Final is set for the NOTIFY that terminates the subscription.
	Final bool
	Cause Cause
	// Reason is the reason parameter of the terminating Subscription-State header.
	Reason     string
	RetryAfter time.Duration
}

// SubscribeOptions customize [UserAgent.Subscribe].
type SubscribeOptions struct {
	// Expires is the requested duration in seconds.
	Expires int
	// Accept lists the media types accepted in NOTIFY bodies.
	Accept string
	// ID is the id parameter of the Event header.
	ID           string
	ExtraHeaders []sip.HeaderField
	Body         *Description
	EventHandler func(SubscriptionEvent)
}

type subscriptionKey struct {
	CallID  string
	FromTag string
	Event   string
}

const (
	subEvtSubscribe   = "subscribe"
	subEvtPending     = "pending"
	subEvtActive      = "active"
	subEvtResubscribe = "resubscribe"
	subEvtTerminate   = "terminate"
)

// Subscription is an outgoing subscription to an event package, RFC 6665.
type Subscription struct {
	ua       *UserAgent
	target   *sip.URI
	event    string
	opts     SubscribeOptions
	handlers types.CallbackManager[func(SubscriptionEvent)]
	fsm      *stateless.StateMachine

	key    subscriptionKey
	callID string
	cseq   uint32
	dialog *dialog

	expires       int
	unsubscribing bool
	timerN        timeutil.Timer
	refresh       timeutil.Timer
	retry         timeutil.Timer
}

// Subscribe sends SUBSCRIBE for the event package to the target.
func (ua *UserAgent) Subscribe(ctx context.Context, target, event string, opts *SubscribeOptions) (*Subscription, error) {
	var sub *Subscription
	err := ua.do(func() error {
		if !ua.running {
			return errtrace.Wrap(ErrUserAgentStopped)
		}
		if strings.TrimSpace(event) == "" {
			return errtrace.Wrap(sip.NewInvalidArgumentError("empty event package"))
		}
		uri, hdrs, err := ua.normalizeTarget(target)
		if err != nil {
			return errtrace.Wrap(err)
		}
		if opts == nil {
			opts = &SubscribeOptions{}
		}
		sub = &Subscription{
			ua:     ua,
			target: uri,
			event:  strings.ToLower(strings.TrimSpace(event)),
			opts:   *opts,
			callID: uuid.NewString(),
			cseq:   uint32(util.RandInt(1, 10000)),
		}
		sub.opts.ExtraHeaders = append(hdrs, opts.ExtraHeaders...)
		sub.expires = opts.Expires
		if sub.expires <= 0 {
			sub.expires = DefaultSubscribeExpires
		}
		if opts.EventHandler != nil {
			sub.handlers.Add(opts.EventHandler)
		}
		sub.initFSM()
		sub.subscribe(ctx, opts.Body)
		return nil
	})
	return sub, errtrace.Wrap(err)
}

func (sub *Subscription) initFSM() {
	sub.fsm = stateless.NewStateMachine(SubscriptionStateInit)
	sub.fsm.SetTriggerParameters(subEvtTerminate, reflect.TypeOf(terminateArgs{}))

	sub.fsm.Configure(SubscriptionStateInit).
		Permit(subEvtSubscribe, SubscriptionStateNotifyWait).
		Permit(subEvtTerminate, SubscriptionStateTerminated)

	sub.fsm.Configure(SubscriptionStateNotifyWait).
		Ignore(subEvtSubscribe).
		Ignore(subEvtResubscribe).
		Permit(subEvtPending, SubscriptionStatePending).
		Permit(subEvtActive, SubscriptionStateActive).
		Permit(subEvtTerminate, SubscriptionStateTerminated)

	sub.fsm.Configure(SubscriptionStatePending).
		OnEntryFrom(subEvtPending, sub.actPending).
		Ignore(subEvtSubscribe).
		Ignore(subEvtPending).
		Permit(subEvtActive, SubscriptionStateActive).
		Permit(subEvtResubscribe, SubscriptionStateNotifyWait).
		Permit(subEvtTerminate, SubscriptionStateTerminated)

	sub.fsm.Configure(SubscriptionStateActive).
		OnEntryFrom(subEvtActive, sub.actActive).
		Ignore(subEvtSubscribe).
		Ignore(subEvtPending).
		Ignore(subEvtActive).
		Permit(subEvtResubscribe, SubscriptionStateNotifyWait).
		Permit(subEvtTerminate, SubscriptionStateTerminated)

	sub.fsm.Configure(SubscriptionStateTerminated).
		OnEntryFrom(subEvtTerminate, sub.actTerminated).
		Ignore(subEvtSubscribe).
		Ignore(subEvtPending).
		Ignore(subEvtActive).
		Ignore(subEvtResubscribe).
		Ignore(subEvtTerminate)

	sub.fsm.OnTransitioned(func(ctx context.Context, tr stateless.Transition) {
		sub.ua.log.LogAttrs(ctx, slog.LevelDebug, "subscription state changed",
			slog.Any("subscription", sub),
			slog.Any("from", tr.Source),
			slog.Any("to", tr.Destination),
		)
	})
}

type terminateArgs struct {
	req        *sip.Request
	res        *sip.Response
	cause      Cause
	reason     string
	retryAfter time.Duration
}

func (sub *Subscription) fire(ctx context.Context, trigger string, args ...any) {
	if err := sub.fsm.FireCtx(ctx, trigger, args...); err != nil {
		sub.ua.log.LogAttrs(ctx, slog.LevelWarn, "subscription transition failed",
			slog.Any("subscription", sub),
			slog.String("trigger", trigger),
			slog.Any("error", err),
		)
	}
}

// LogValue implements [slog.LogValuer].
func (sub *Subscription) LogValue() slog.Value {
	if sub == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("event", sub.event),
		slog.String("target", sub.target.String()),
		slog.String("call_id", sub.callID),
		slog.String("state", string(sub.state())),
	)
}

func (sub *Subscription) state() SubscriptionState {
	return sub.fsm.MustState().(SubscriptionState) //nolint:forcetypeassert
}

// State returns the current subscription state.
func (sub *Subscription) State() SubscriptionState {
	sub.ua.mu.Lock()
	defer sub.ua.mu.Unlock()
	return sub.state()
}

// Event returns the event package name.
func (sub *Subscription) Event() string { return sub.event }

// OnEvent registers a subscription event handler.
func (sub *Subscription) OnEvent(fn func(SubscriptionEvent)) (remove func()) {
	return sub.handlers.Add(fn)
}

func (sub *Subscription) emit(ev SubscriptionEvent) {
	ev.Subscription = sub
	sub.ua.emit(func() {
		for fn := range sub.handlers.All() {
			fn(ev)
		}
	})
}

func (sub *Subscription) eventHeader() string {
	if sub.opts.ID != "" {
		return sub.event + ";id=" + sub.opts.ID
	}
	return sub.event
}

func (sub *Subscription) isTerminated() bool { return sub.state() == SubscriptionStateTerminated }

func (sub *Subscription) ownsCallID() bool { return true }

// Refresh sends SUBSCRIBE within the subscription, optionally with a new body.
func (sub *Subscription) Refresh(ctx context.Context, body *Description) error {
	return errtrace.Wrap(sub.ua.do(func() error {
		if st := sub.state(); st == SubscriptionStateTerminated || sub.unsubscribing {
			return errtrace.Wrap(&InvalidStateError{Op: "refresh subscription", State: st})
		}
		sub.subscribe(ctx, body)
		return nil
	}))
}

// Terminate unsubscribes and waits for the final NOTIFY.
func (sub *Subscription) Terminate(ctx context.Context, body *Description) error {
	return errtrace.Wrap(sub.ua.do(func() error {
		sub.unsubscribe(ctx, body)
		return nil
	}))
}

func (sub *Subscription) subscribe(ctx context.Context, body *Description) {
	if sub.state() == SubscriptionStateInit {
		fromTag := sip.GenerateTag()
		sub.key = subscriptionKey{CallID: sub.callID, FromTag: fromTag, Event: sub.event}
		sub.ua.subscriptions[sub.key] = sub
		sub.fire(ctx, subEvtSubscribe)
	}
	if sub.state() == SubscriptionStateNotifyWait {
		sub.startTimerN()
	}
	sub.send(ctx, sub.expires, body)
}

func (sub *Subscription) unsubscribe(ctx context.Context, body *Description) {
	switch sub.state() {
	case SubscriptionStateInit:
		sub.fire(ctx, subEvtTerminate, terminateArgs{cause: CauseCanceled})
		return
	case SubscriptionStateTerminated:
		return
	}
	if sub.unsubscribing {
		return
	}
	sub.unsubscribing = true
	stopTimer(&sub.refresh)
	stopTimer(&sub.retry)
	sub.startTimerN()
	sub.send(ctx, 0, body)
}

func (sub *Subscription) send(ctx context.Context, expires int, body *Description) {
	extra := append(append([]sip.HeaderField(nil), sub.opts.ExtraHeaders...),
		sip.HeaderField{Name: "Event", Value: sub.eventHeader()},
		sip.HeaderField{Name: "Expires", Value: strconv.Itoa(expires)},
		sip.HeaderField{Name: "Contact", Value: sub.ua.contactHeader()},
	)
	if sub.opts.Accept != "" {
		extra = append(extra, sip.HeaderField{Name: "Accept", Value: sub.opts.Accept})
	}
	h := &txHandler{
		onResponse: sub.receiveResponse,
		onTimeout: func(ctx context.Context) {
			sub.fire(ctx, subEvtTerminate, terminateArgs{cause: CauseRequestTimeout})
		},
		onTransportError: func(ctx context.Context, _ error) {
			sub.fire(ctx, subEvtTerminate, terminateArgs{cause: CauseConnectionError})
		},
		onDialogError: func(ctx context.Context, res *sip.Response) {
			sub.fire(ctx, subEvtTerminate, terminateArgs{res: res, cause: CauseDialogError})
		},
	}

	if sub.dialog != nil {
		sub.dialog.sendRequest(ctx, sip.MethodSubscribe, extra, body, h)
		return
	}
	sub.cseq++
	req := sub.ua.newRequest(sip.MethodSubscribe, sub.target, requestParams{
		fromTag: sub.key.FromTag,
		callID:  sub.callID,
		cseq:    sub.cseq,
	}, extra, body)
	rs := sub.ua.newRequestSender(req, h)
	rs.nextCSeq = func() uint32 {
		sub.cseq++
		return sub.cseq
	}
	rs.send(ctx)
}

func (sub *Subscription) receiveResponse(ctx context.Context, res *sip.Response) {
	if res.Status.IsProvisional() || sub.isTerminated() {
		return
	}
	switch {
	case res.Status.IsSuccessful():
		if sub.dialog == nil && res.ToTag() != "" {
			d, err := newDialog(sub.ua, sub, res, false, "")
			if err != nil {
				sub.ua.log.LogAttrs(ctx, slog.LevelWarn, "failed to create subscription dialog", slog.Any("error", err))
			} else {
				sub.setDialog(d)
			}
		}
		if exp, ok := res.Expires(); ok && exp > 0 && !sub.unsubscribing {
			sub.scheduleRefresh(exp)
		}
	case res.Status == sip.StatusIntervalTooBrief:
		minExp, err := strconv.Atoi(strings.TrimSpace(res.Header.Get("Min-Expires")))
		if err != nil || minExp <= sub.expires {
			sub.fire(ctx, subEvtTerminate, terminateArgs{res: res, cause: CauseSIPFailureCode})
			return
		}
		sub.expires = minExp
		sub.send(ctx, sub.expires, nil)
	default:
		sub.fire(ctx, subEvtTerminate, terminateArgs{res: res, cause: CauseFromStatus(res.Status)})
	}
}

func (sub *Subscription) setDialog(d *dialog) {
	sub.dialog = d
	if sub.ua.subscriptions[sub.key] == sub {
		delete(sub.ua.subscriptions, sub.key)
	}
}

func (sub *Subscription) receiveRequest(ctx context.Context, req *serverRequest) {
	if req.Method != sip.MethodNotify {
		req.replyStatus(ctx, sip.StatusMethodNotAllowed)
		return
	}
	name, params, _ := strings.Cut(req.Header.Get("Event"), ";")
	var id string
	for p := range strings.SplitSeq(params, ";") {
		if k, v, _ := strings.Cut(strings.TrimSpace(p), "="); strings.EqualFold(k, "id") {
			id = v
		}
	}
	if !strings.EqualFold(strings.TrimSpace(name), sub.event) || id != sub.opts.ID {
		req.replyStatus(ctx, sip.StatusBadEvent)
		return
	}

	state, stParams, ok := parseSubscriptionState(req.Header.Get("Subscription-State"))
	if !ok {
		req.reply(ctx, sip.StatusBadRequest, "Missing Subscription-State header field", nil, nil) //nolint:errcheck
		return
	}

	if sub.dialog == nil {
		d, err := newDialog(sub.ua, sub, req.Request, false, req.ToTag())
		if err != nil {
			req.replyStatus(ctx, sip.StatusBadRequest)
			return
		}
		d.localSeq = sub.cseq
		sub.setDialog(d)
	}
	req.replyStatus(ctx, sip.StatusOK)
	stopTimer(&sub.timerN)

	var body *Description
	if len(req.Body) > 0 {
		body = &Description{ContentType: req.ContentType(), Body: req.Body}
	}
	final := state == "terminated"
	sub.emit(SubscriptionEvent{Type: SubscriptionEventNotify, Request: req.Request, Body: body, Final: final})

	switch state {
	case "pending":
		sub.fire(ctx, subEvtPending)
		sub.refreshFromParams(stParams)
	case "active":
		sub.fire(ctx, subEvtActive)
		sub.refreshFromParams(stParams)
	case "terminated":
		sub.receiveTerminated(ctx, req.Request, stParams)
	}
}

func (sub *Subscription) refreshFromParams(params map[string]string) {
	if sub.unsubscribing {
		return
	}
	if v, ok := params["expires"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			sub.scheduleRefresh(n)
		}
	}
}

// receiveTerminated applies the reason codes of RFC 6665 Section 4.1.3.
func (sub *Subscription) receiveTerminated(ctx context.Context, req *sip.Request, params map[string]string) {
	reason := params["reason"]
	var retryAfter time.Duration
	if v, ok := params["retry-after"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			retryAfter = time.Duration(n) * time.Second
		}
	}

	if !sub.unsubscribing {
		_, hasRetry := params["retry-after"]
		switch reason {
		case "deactivated", "timeout":
			sub.resubscribe(ctx, retryAfter)
			return
		case "probation", "giveup":
			if hasRetry {
				sub.resubscribe(ctx, retryAfter)
				return
			}
		}
	}
	sub.fire(ctx, subEvtTerminate, terminateArgs{req: req, reason: reason, retryAfter: retryAfter})
}

// resubscribe drops the current dialog and starts a new subscription after the delay.
func (sub *Subscription) resubscribe(ctx context.Context, delay time.Duration) {
	stopTimer(&sub.refresh)
	if sub.dialog != nil {
		sub.dialog.terminate()
		sub.dialog = nil
	}
	sub.key.FromTag = sip.GenerateTag()
	sub.ua.subscriptions[sub.key] = sub
	sub.fire(ctx, subEvtResubscribe)

	sub.ua.log.LogAttrs(ctx, slog.LevelDebug, "resubscribing", slog.Any("subscription", sub), slog.Duration("delay", delay))
	if delay == 0 {
		sub.startTimerN()
		sub.send(ctx, sub.expires, sub.opts.Body)
		return
	}
	stopTimer(&sub.retry)
	sub.retry = sub.ua.clock.AfterFunc(delay, func() {
		sub.retry = nil
		if sub.state() != SubscriptionStateNotifyWait {
			return
		}
		sub.startTimerN()
		sub.send(sub.ua.ctx, sub.expires, sub.opts.Body)
	})
}

func (sub *Subscription) scheduleRefresh(expires int) {
	stopTimer(&sub.refresh)
	d := time.Duration(expires) * time.Second * 9 / 10
	sub.refresh = sub.ua.clock.AfterFunc(d, func() {
		sub.refresh = nil
		switch sub.state() {
		case SubscriptionStatePending, SubscriptionStateActive:
			if !sub.unsubscribing {
				sub.send(sub.ua.ctx, sub.expires, nil)
			}
		}
	})
}

// startTimerN limits the wait for NOTIFY after SUBSCRIBE, RFC 6665 Section 4.1.2.4.
func (sub *Subscription) startTimerN() {
	stopTimer(&sub.timerN)
	sub.timerN = sub.ua.clock.AfterFunc(sub.ua.cfg.timings.TimeN(), func() {
		sub.timerN = nil
		sub.ua.log.LogAttrs(sub.ua.ctx, slog.LevelDebug, "timer N expired", slog.Any("subscription", sub))
		sub.fire(sub.ua.ctx, subEvtTerminate, terminateArgs{cause: CauseRequestTimeout})
	})
}

func (sub *Subscription) actPending(context.Context, ...any) error {
	sub.emit(SubscriptionEvent{Type: SubscriptionEventPending})
	return nil
}

func (sub *Subscription) actActive(context.Context, ...any) error {
	sub.emit(SubscriptionEvent{Type: SubscriptionEventActive})
	return nil
}

func (sub *Subscription) actTerminated(_ context.Context, args ...any) error {
	a := args[0].(terminateArgs) //nolint:forcetypeassert

	stopTimer(&sub.timerN)
	stopTimer(&sub.refresh)
	stopTimer(&sub.retry)
	if sub.dialog != nil {
		sub.dialog.terminate()
	}
	if sub.ua.subscriptions[sub.key] == sub {
		delete(sub.ua.subscriptions, sub.key)
	}
	sub.emit(SubscriptionEvent{
		Type:       SubscriptionEventTerminated,
		Request:    a.req,
		Response:   a.res,
		Cause:      a.cause,
		Reason:     a.reason,
		RetryAfter: a.retryAfter,
	})
	return nil
}

// parseSubscriptionState splits a Subscription-State header value into the state and its parameters.
func parseSubscriptionState(v string) (string, map[string]string, bool) {
	state, rest, _ := strings.Cut(v, ";")
	state = strings.ToLower(strings.TrimSpace(state))
	switch state {
	case "pending", "active", "terminated":
	default:
		return "", nil, false
	}
	params := make(map[string]string)
	for p := range strings.SplitSeq(rest, ";") {
		k, val, _ := strings.Cut(strings.TrimSpace(p), "=")
		if k != "" {
			params[strings.ToLower(k)] = strings.Trim(val, `"`)
		}
	}
	return state, params, true
}

func (k subscriptionKey) String() string {
	return fmt.Sprintf("%s;%s;%s", k.CallID, k.FromTag, k.Event)
}
