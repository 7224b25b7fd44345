package ua

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipua/sip"
)

// CallOptions customize an outgoing call.
type CallOptions struct {
	ExtraHeaders []sip.HeaderField
	// Offerless sends the INVITE without a session description.
	// The offer is then expected in the 2xx response and the answer goes in the ACK.
	Offerless bool
	Modifiers []DescriptionModifier
	// EventHandler is registered on the session before the INVITE is sent.
	EventHandler func(SessionEvent)
}

// Invite starts an outgoing call to the target, which is a SIP URI or a user name
// in the domain of this user agent.
func (ua *UserAgent) Invite(ctx context.Context, target string, opts *CallOptions) (*Session, error) {
	var s *Session
	err := ua.do(func() error {
		var err error
		s, err = ua.invite(ctx, target, opts, nil)
		return errtrace.Wrap(err)
	})
	return s, errtrace.Wrap(err)
}

// normalizeTarget turns a target into a request URI and the headers embedded in it.
func (ua *UserAgent) normalizeTarget(target string) (*sip.URI, []sip.HeaderField, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return nil, nil, errtrace.Wrap(ErrInvalidTarget)
	}
	l := strings.ToLower(target)
	if !strings.HasPrefix(l, "sip:") && !strings.HasPrefix(l, "sips:") {
		if strings.Contains(l, ":") && !strings.Contains(l, "@") {
			return nil, nil, errtrace.Wrap(ErrInvalidTarget)
		}
		if !strings.Contains(target, "@") {
			target += "@" + ua.cfg.uri.HostPort()
		}
		target = ua.cfg.uri.Scheme + ":" + target
	}
	u, err := sip.ParseURI(target)
	if err != nil || !u.IsSIP() || u.Host == "" {
		return nil, nil, errtrace.Wrap(ErrInvalidTarget)
	}

	var hdrs []sip.HeaderField
	for _, p := range u.Headers {
		hdrs = append(hdrs, sip.HeaderField{Name: sip.CanonicalHeaderName(p.Name), Value: p.Value})
	}
	return u.WithoutHeaders(), hdrs, nil
}

func (ua *UserAgent) invite(ctx context.Context, target string, opts *CallOptions, notifier *referNotifier) (*Session, error) {
	if !ua.running {
		return nil, errtrace.Wrap(ErrUserAgentStopped)
	}
	if opts == nil {
		opts = &CallOptions{}
	}
	ruri, hdrs, err := ua.normalizeTarget(target)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if ua.cfg.MediaHandlerFactory == nil {
		return nil, errtrace.Wrap(sip.NewWrapperError(ErrNotSupported, "no media handler factory"))
	}

	s := newSession(ua, OriginatorLocal)
	if opts.EventHandler != nil {
		s.handlers.Add(opts.EventHandler)
	}
	s.modifiers = opts.Modifiers
	s.offerless = opts.Offerless
	s.referNotifier = notifier

	if s.media, err = ua.cfg.MediaHandlerFactory(s); err != nil {
		return nil, errtrace.Wrap(fmt.Errorf("%w: %w", ErrMediaHandlerFailed, err))
	}

	var body *Description
	if !s.offerless {
		offer, err := s.media.GetDescription(ctx, &DescriptionOptions{Offer: true}, s.modifiers...)
		if err != nil {
			s.media.Close()
			return nil, errtrace.Wrap(fmt.Errorf("%w: %w", ErrMediaHandlerFailed, err))
		}
		body = &offer
	}

	extra := append(hdrs, opts.ExtraHeaders...)
	extra = append(extra,
		sip.HeaderField{Name: "Contact", Value: ua.contactHeader()},
		sip.HeaderField{Name: "Allow", Value: allowedMethods},
	)
	req := ua.newRequest(sip.MethodInvite, ruri, requestParams{}, extra, body)

	s.request = req
	s.key = sessionKey{CallID: req.CallID(), Tag: req.FromTag()}
	s.localIdentity = req.From()
	s.remoteIdentity = req.To()
	ua.sessions[s.key] = s
	ua.updateGauges()

	ua.emitEvent(Event{Type: EventNewSession, Originator: OriginatorLocal, Session: s, Request: req})
	s.emit(ctx, SessionEvent{Type: SessionEventSending, Originator: OriginatorLocal, Request: req})

	ua.log.LogAttrs(ctx, slog.LevelDebug, "sending INVITE", slog.Any("session", s))

	s.sender = ua.newRequestSender(req, &txHandler{
		onResponse:       s.receiveInviteResponse,
		onTimeout:        s.onRequestTimeout,
		onTransportError: s.onTransportError,
	})
	s.sender.onAuthenticated = func(r *sip.Request) { s.request = r }
	s.sender.onSent = func(sip.ClientTransaction) {
		if s.isCanceled {
			s.cancelInvite(ctx)
		}
	}
	s.status = SessionStatusInviteSent
	s.sender.send(ctx)
	return s, nil
}

// cancelInvite sends CANCEL for the pending INVITE.
// The transaction defers it until the first provisional response.
func (s *Session) cancelInvite(ctx context.Context) {
	if s.sender == nil || s.sender.tx == nil {
		return
	}
	s.sender.cancel(ctx, s.cancelExtra...)
}

func (s *Session) receiveInviteResponse(ctx context.Context, res *sip.Response) {
	if res.Status.IsSuccessful() && s.dialog != nil {
		if s.dialog.id.RemoteTag == res.ToTag() {
			// 2xx retransmission
			if s.ackReq != nil {
				if err := s.ua.sender.Send(ctx, s.ackReq); err != nil {
					s.ua.log.LogAttrs(ctx, slog.LevelWarn, "failed to resend ACK", slog.Any("session", s), slog.Any("error", err))
				}
			}
			return
		}
		s.receiveForkedAnswer(ctx, res)
		return
	}

	if s.isCanceled {
		// the transaction sends the deferred CANCEL on the first provisional response
		if res.Status.IsSuccessful() {
			s.acceptAndTerminate(ctx, res, 0, "")
		}
		return
	}

	if s.status != SessionStatusInviteSent && s.status != SessionStatus1xxReceived {
		return
	}

	switch {
	case res.Status == sip.StatusTrying:
		s.status = SessionStatus1xxReceived
	case res.Status.IsProvisional():
		s.receiveProvisional(ctx, res)
	case res.Status.IsSuccessful():
		s.receiveAnswer(ctx, res)
	default:
		s.failed(ctx, OriginatorRemote, res, CauseFromStatus(res.Status))
	}
}

// receiveForkedAnswer handles a 2xx of another branch received after the session was answered.
func (s *Session) receiveForkedAnswer(ctx context.Context, res *sip.Response) {
	id := DialogID{CallID: res.CallID(), LocalTag: res.FromTag(), RemoteTag: res.ToTag()}
	if d, ok := s.ua.dialogs[id]; ok {
		d.sendAck(ctx, res, nil)
		return
	}
	d, err := newDialog(s.ua, s, res, false, "")
	if err != nil {
		s.ua.log.LogAttrs(ctx, slog.LevelWarn, "forked answer without usable Contact", slog.Any("session", s), slog.Any("error", err))
		d = buildDialog(s.ua, s, res, false, "", s.request.URI)
	}
	s.ua.log.LogAttrs(ctx, slog.LevelDebug, "forked answer received", slog.Any("session", s), slog.Any("dialog", d))
	d.sendAck(ctx, res, nil)
	d.sendRequest(ctx, sip.MethodBye, nil, nil, nil)
	d.terminate()
	if s.ua.cfg.failOnFork && !s.confirmed {
		s.terminate(ctx, nil, CauseDialogError) //nolint:errcheck
	}
}

func (s *Session) receiveProvisional(ctx context.Context, res *sip.Response) {
	if res.ToTag() == "" {
		return
	}
	s.status = SessionStatus1xxReceived

	if res.Header.Has("Contact") && !s.createDialog(ctx, res, true) {
		s.terminate(ctx, nil, CauseDialogError) //nolint:errcheck
		return
	}

	var (
		rseq     uint32
		reliable = res.Header.HasOption("Require", "100rel")
		d        = s.earlyDialog(res)
	)
	if reliable {
		n, err := strconv.ParseUint(strings.TrimSpace(res.Header.Get("RSeq")), 10, 32)
		if err != nil || d == nil {
			s.ua.log.LogAttrs(ctx, slog.LevelDebug, "invalid reliable provisional response", slog.Any("response", res))
			reliable = false
		} else {
			rseq = uint32(n)
			if !d.acceptRSeq(rseq) {
				return
			}
		}
	}

	var prackBody *Description
	if len(res.Body) > 0 && !s.negotiated {
		desc := Description{ContentType: res.ContentType(), Body: res.Body}
		switch {
		case !s.offerless:
			if err := s.media.SetDescription(ctx, desc, &DescriptionOptions{Early: true}, s.modifiers...); err != nil {
				s.ua.log.LogAttrs(ctx, slog.LevelWarn, "failed to apply early answer", slog.Any("session", s), slog.Any("error", err))
			} else if reliable {
				s.negotiated = true
			}
		case reliable:
			err := s.media.SetDescription(ctx, desc, &DescriptionOptions{Offer: true, Early: true}, s.modifiers...)
			var answer Description
			if err == nil {
				answer, err = s.media.GetDescription(ctx, &DescriptionOptions{Early: true}, s.modifiers...)
			}
			if err != nil {
				s.ua.log.LogAttrs(ctx, slog.LevelWarn, "failed to answer early offer", slog.Any("session", s), slog.Any("error", err))
				s.terminate(ctx, &TerminateOptions{Status: sip.StatusNotAcceptableHere}, CauseBadMediaDescr) //nolint:errcheck
				return
			}
			prackBody = &answer
			s.negotiated = true
		}
	}

	if reliable {
		cseq, _ := res.CSeq()
		d.sendRequest(ctx, sip.MethodPrack, []sip.HeaderField{
			{Name: "RAck", Value: fmt.Sprintf("%d %d %s", rseq, cseq.Seq, cseq.Method)},
		}, prackBody, nil)
	}
	s.progress(ctx, OriginatorRemote, res)
}

func (s *Session) receiveAnswer(ctx context.Context, res *sip.Response) {
	if len(res.Body) == 0 && !s.negotiated {
		s.acceptAndTerminate(ctx, res, sip.StatusBadRequest, string(CauseMissingSDP))
		s.failed(ctx, OriginatorRemote, res, CauseBadMediaDescr)
		return
	}
	if !s.createDialog(ctx, res, false) {
		s.acceptAndTerminate(ctx, res, 0, "")
		s.failed(ctx, OriginatorRemote, res, CauseDialogError)
		return
	}
	s.status = SessionStatusConfirmed

	var ackBody *Description
	if len(res.Body) > 0 && !s.negotiated {
		desc := Description{ContentType: res.ContentType(), Body: res.Body}
		var err error
		if s.offerless {
			if err = s.media.SetDescription(ctx, desc, &DescriptionOptions{Offer: true}, s.modifiers...); err == nil {
				var answer Description
				answer, err = s.media.GetDescription(ctx, &DescriptionOptions{}, s.modifiers...)
				ackBody = &answer
			}
		} else {
			err = s.media.SetDescription(ctx, desc, &DescriptionOptions{}, s.modifiers...)
		}
		if err != nil {
			s.ua.log.LogAttrs(ctx, slog.LevelWarn, "failed to apply answer", slog.Any("session", s), slog.Any("error", err))
			s.acceptAndTerminate(ctx, res, sip.StatusNotAcceptableHere, "")
			s.failed(ctx, OriginatorRemote, res, CauseBadMediaDescr)
			return
		}
		s.negotiated = true
	}

	s.accepted(ctx, OriginatorRemote, res)
	s.ackReq = s.dialog.sendAck(ctx, res, ackBody)
	s.confirm(ctx, OriginatorLocal, s.ackReq)
}

// acceptAndTerminate ACKs a 2xx the session no longer wants and sends BYE right after.
// A 2xx without a usable Contact is released towards the INVITE Request-URI.
func (s *Session) acceptAndTerminate(ctx context.Context, res *sip.Response, status sip.StatusCode, reason string) {
	var extra []sip.HeaderField
	if status != 0 {
		extra = append(extra, reasonHeader(status, reason))
	}
	d := s.dialog
	if d == nil {
		if s.createDialog(ctx, res, false) {
			d = s.dialog
		} else {
			d = buildDialog(s.ua, s, res, false, "", s.request.URI)
		}
	}
	s.ackReq = d.sendAck(ctx, res, nil)
	d.sendRequest(ctx, sip.MethodBye, extra, nil, nil)
	s.status = SessionStatusTerminated
	if s.closed || d != s.dialog {
		d.terminate()
	}
}
