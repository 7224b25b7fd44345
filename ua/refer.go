package ua

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipua/sip"
)

const referSubscriptionExpires = 300

// ReferOptions customize [Session.Refer].
type ReferOptions struct {
	ExtraHeaders []sip.HeaderField
	// EventHandler receives the REFER outcome and the progress of the referred call.
	EventHandler func(ReferEvent)
}

// Refer asks the remote party to call the target (blind transfer, RFC 3515).
func (s *Session) Refer(ctx context.Context, target string, opts *ReferOptions) error {
	return errtrace.Wrap(s.ua.do(func() error {
		return errtrace.Wrap(s.refer(ctx, target, nil, opts))
	}))
}

// ReferSession asks the remote party to replace the other session with a call to
// its remote party (attended transfer, RFC 3891).
func (s *Session) ReferSession(ctx context.Context, other *Session, opts *ReferOptions) error {
	return errtrace.Wrap(s.ua.do(func() error {
		if other == nil || other.dialog == nil {
			return errtrace.Wrap(sip.NewInvalidArgumentError("session to replace has no dialog"))
		}
		return errtrace.Wrap(s.refer(ctx, other.dialog.remoteTarget.String(), other, opts))
	}))
}

func (s *Session) refer(ctx context.Context, target string, replaces *Session, opts *ReferOptions) error {
	if opts == nil {
		opts = &ReferOptions{}
	}
	if s.status != SessionStatusWaitingForAck && s.status != SessionStatusConfirmed || s.dialog == nil {
		return errtrace.Wrap(&InvalidStateError{Op: "refer", State: s.status})
	}
	uri, hdrs, err := s.ua.normalizeTarget(target)
	if err != nil {
		return errtrace.Wrap(err)
	}
	for _, h := range hdrs {
		uri.Headers.Set(h.Name, h.Value)
	}
	if replaces != nil {
		id := replaces.dialog.id
		uri.Headers.Set("Replaces", id.CallID+";to-tag="+id.RemoteTag+";from-tag="+id.LocalTag)
	}

	extra := append(append([]sip.HeaderField(nil), opts.ExtraHeaders...),
		sip.HeaderField{Name: "Refer-To", Value: "<" + uri.String() + ">"},
		sip.HeaderField{Name: "Referred-By", Value: "<" + s.ua.cfg.uri.String() + ">"},
		sip.HeaderField{Name: "Contact", Value: s.ua.contactHeader()},
	)
	sub := &referSubscriber{session: s, handler: opts.EventHandler}
	req := s.dialog.sendRequest(ctx, sip.MethodRefer, extra, nil, &txHandler{
		onResponse: sub.receiveResponse,
		onTimeout: func(ctx context.Context) {
			sub.requestFailed(nil, CauseRequestTimeout)
		},
		onTransportError: func(ctx context.Context, _ error) {
			sub.requestFailed(nil, CauseConnectionError)
		},
		onDialogError: func(ctx context.Context, res *sip.Response) {
			sub.requestFailed(res, CauseDialogError)
		},
	})
	if !sub.done {
		sub.request = req
		cseq, _ := req.CSeq()
		sub.id = cseq.Seq
		s.referSubscribers[sub.id] = sub
	}
	return nil
}

// referSubscriber tracks the implicit subscription created by an outbound REFER.
type referSubscriber struct {
	session *Session
	id      uint32
	request *sip.Request
	handler func(ReferEvent)
	done    bool
}

func (r *referSubscriber) notify(ev ReferEvent) {
	ev.Request = r.request
	if r.handler != nil {
		fn := r.handler
		r.session.ua.emit(func() { fn(ev) })
	}
}

func (r *referSubscriber) receiveResponse(_ context.Context, res *sip.Response) {
	switch {
	case res.Status.IsProvisional():
	case res.Status.IsSuccessful():
		// the request may have been resent with credentials and a new CSeq
		if cseq, _ := res.CSeq(); cseq.Seq != r.id {
			delete(r.session.referSubscribers, r.id)
			r.id = cseq.Seq
			r.session.referSubscribers[r.id] = r
		}
		r.notify(ReferEvent{Type: ReferRequestSucceeded, Response: res, Status: res.Status, Reason: res.Reason})
	default:
		r.requestFailed(res, CauseFromStatus(res.Status))
	}
}

func (r *referSubscriber) requestFailed(res *sip.Response, cause Cause) {
	r.done = true
	if r.session.referSubscribers[r.id] == r {
		delete(r.session.referSubscribers, r.id)
	}
	ev := ReferEvent{Type: ReferRequestFailed, Response: res, Cause: cause}
	if res != nil {
		ev.Status, ev.Reason = res.Status, res.Reason
	}
	r.notify(ev)
}

func (r *referSubscriber) receiveNotify(ctx context.Context, req *serverRequest) {
	status, reason, ok := parseSipfrag(req.Body)
	if !ok {
		req.replyStatus(ctx, sip.StatusBadRequest)
		return
	}
	req.replyStatus(ctx, sip.StatusOK)

	terminated := strings.HasPrefix(strings.ToLower(strings.TrimSpace(req.Header.Get("Subscription-State"))), "terminated")
	ev := ReferEvent{Status: status, Reason: reason}
	switch {
	case status == sip.StatusTrying:
		ev.Type = ReferTrying
	case status.IsProvisional():
		ev.Type = ReferProgress
	case status.IsSuccessful():
		ev.Type = ReferAccepted
	default:
		ev.Type = ReferFailed
		ev.Cause = CauseFromStatus(status)
	}
	if terminated || status.IsFinal() {
		r.done = true
		delete(r.session.referSubscribers, r.id)
	}
	r.notify(ev)
}

// parseSipfrag reads the status line of a message/sipfrag body.
func parseSipfrag(body []byte) (sip.StatusCode, string, bool) {
	line, _, _ := strings.Cut(string(body), "\n")
	f := strings.SplitN(strings.TrimSpace(line), " ", 3)
	if len(f) < 2 || !strings.HasPrefix(strings.ToUpper(f[0]), "SIP/") {
		return 0, "", false
	}
	n, err := strconv.Atoi(f[1])
	if err != nil || n < 100 || n > 699 {
		return 0, "", false
	}
	var reason string
	if len(f) == 3 {
		reason = f[2]
	}
	return sip.StatusCode(n), reason, true
}

func (s *Session) receiveNotify(ctx context.Context, req *serverRequest) {
	event := req.Header.Get("Event")
	if event == "" {
		req.replyStatus(ctx, sip.StatusBadRequest)
		return
	}
	name, params, _ := strings.Cut(event, ";")
	if !strings.EqualFold(strings.TrimSpace(name), eventRefer) {
		req.replyStatus(ctx, sip.StatusBadEvent)
		return
	}

	var sub *referSubscriber
	id := ""
	for p := range strings.SplitSeq(params, ";") {
		if k, v, _ := strings.Cut(strings.TrimSpace(p), "="); strings.EqualFold(k, "id") {
			id = v
		}
	}
	if id != "" {
		if n, err := strconv.ParseUint(id, 10, 32); err == nil {
			sub = s.referSubscribers[uint32(n)]
		}
	} else if len(s.referSubscribers) == 1 {
		for _, v := range s.referSubscribers {
			sub = v
		}
	}
	if sub == nil {
		req.replyStatus(ctx, sip.StatusCallTransactionDoesNotExist)
		return
	}
	sub.receiveNotify(ctx, req)
}

// ReferRequest is an inbound REFER waiting for a decision of the application.
type ReferRequest struct {
	Request *sip.Request
	// Target is the Refer-To URI, its headers are copied to the INVITE.
	Target *sip.URI

	session  *Session
	notifier *referNotifier
}

// Accept calls the target and reports the progress of the new call to the referrer.
func (r *ReferRequest) Accept(ctx context.Context, opts *CallOptions) (*Session, error) {
	var s *Session
	err := r.session.ua.do(func() error {
		var err error
		s, err = r.accept(ctx, opts)
		return errtrace.Wrap(err)
	})
	return s, errtrace.Wrap(err)
}

func (r *ReferRequest) accept(ctx context.Context, opts *CallOptions) (*Session, error) {
	if opts == nil {
		opts = &CallOptions{}
	}
	o := *opts
	if rb := r.Request.Header.Get("Referred-By"); rb != "" {
		o.ExtraHeaders = append(append([]sip.HeaderField(nil), o.ExtraHeaders...), sip.HeaderField{Name: "Referred-By", Value: rb})
	}
	s, err := r.session.ua.invite(ctx, r.Target.String(), &o, r.notifier)
	if err != nil {
		r.notifier.notify(ctx, sip.StatusServerInternalError, "")
		return nil, errtrace.Wrap(err)
	}
	return s, nil
}

// Reject declines the transfer.
func (r *ReferRequest) Reject(ctx context.Context) error {
	return errtrace.Wrap(r.session.ua.do(func() error {
		r.notifier.notify(ctx, sip.StatusDecline, "")
		return nil
	}))
}

func (s *Session) receiveRefer(ctx context.Context, req *serverRequest) {
	v := req.Header.Get("Refer-To")
	if v == "" {
		req.reply(ctx, sip.StatusBadRequest, "Missing Refer-To header field", nil, nil) //nolint:errcheck
		return
	}
	target, err := sip.ParseNameAddr(v)
	if err != nil {
		req.reply(ctx, sip.StatusBadRequest, "Invalid Refer-To header field", nil, nil) //nolint:errcheck
		return
	}
	if !target.URI.IsSIP() {
		req.replyStatus(ctx, sip.StatusUnsupportedURIScheme)
		return
	}
	if _, err := req.reply(ctx, sip.StatusAccepted, "", nil, nil); err != nil {
		return
	}

	cseq, _ := req.CSeq()
	n := &referNotifier{session: s, id: cseq.Seq}
	n.notify(ctx, sip.StatusTrying, "")

	rr := &ReferRequest{Request: req.Request, Target: target.URI, session: s, notifier: n}
	switch {
	case s.ua.cfg.AutoFollowRefer:
		if _, err := rr.accept(ctx, nil); err != nil {
			s.ua.log.LogAttrs(ctx, slog.LevelWarn, "failed to follow REFER", slog.Any("session", s), slog.Any("error", err))
		}
	case s.handlers.Len() == 0:
		n.notify(ctx, sip.StatusDecline, "")
	default:
		s.emit(ctx, SessionEvent{Type: SessionEventRefer, Originator: OriginatorRemote, Request: req.Request, Refer: rr})
	}
}

// referNotifier reports the progress of a call made on behalf of a REFER, RFC 3515 Section 2.4.4.
type referNotifier struct {
	session *Session
	id      uint32
	done    bool
}

func (n *referNotifier) notify(ctx context.Context, status sip.StatusCode, reason string) {
	if n.done {
		return
	}
	s := n.session
	if s.closed || s.dialog == nil {
		n.done = true
		return
	}
	if reason == "" {
		reason = status.Reason()
	}
	state := "active;expires=" + strconv.Itoa(referSubscriptionExpires)
	if status.IsFinal() {
		state = "terminated;reason=noresource"
		n.done = true
	}
	extra := []sip.HeaderField{
		{Name: "Event", Value: eventRefer + ";id=" + strconv.FormatUint(uint64(n.id), 10)},
		{Name: "Subscription-State", Value: state},
		{Name: "Contact", Value: s.ua.contactHeader()},
	}
	body := &Description{ContentType: contentSipfrag, Body: []byte("SIP/2.0 " + strconv.Itoa(int(status)) + " " + reason)}
	s.dialog.sendRequest(ctx, sip.MethodNotify, extra, body, &txHandler{
		onResponse: func(_ context.Context, res *sip.Response) {
			if res.Status.IsFinal() && !res.Status.IsSuccessful() {
				n.done = true
			}
		},
	})
}

// sessionEvent forwards events of the referred call.
func (n *referNotifier) sessionEvent(ctx context.Context, ev SessionEvent) {
	switch ev.Type {
	case SessionEventProgress:
		if ev.Response != nil {
			n.notify(ctx, ev.Response.Status, ev.Response.Reason)
		}
	case SessionEventAccepted:
		n.notify(ctx, sip.StatusOK, "")
	case SessionEventFailed:
		if ev.Response != nil {
			n.notify(ctx, ev.Response.Status, ev.Response.Reason)
		} else {
			n.notify(ctx, sip.StatusRequestTerminated, "")
		}
	}
}
