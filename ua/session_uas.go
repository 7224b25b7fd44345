package ua

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipua/sip"
)

// ProgressOptions customize a provisional response of an incoming call.
type ProgressOptions struct {
	// Status is 180 by default, or 183 with EarlyMedia. It must be in 101-199.
	Status       sip.StatusCode
	Reason       string
	ExtraHeaders []sip.HeaderField
	// EarlyMedia puts the session description into the provisional response.
	EarlyMedia bool
	Modifiers  []DescriptionModifier
}

// AnswerOptions customize the 2xx response of an incoming call.
type AnswerOptions struct {
	ExtraHeaders []sip.HeaderField
	Modifiers    []DescriptionModifier
}

// receiveInvite starts an incoming session for an INVITE outside of any dialog.
func (ua *UserAgent) receiveInvite(ctx context.Context, req *serverRequest) {
	var replaced *Session
	if v := req.Header.Get("Replaces"); v != "" {
		var earlyOnly bool
		replaced, earlyOnly = ua.findReplaced(v)
		if replaced == nil {
			req.replyStatus(ctx, sip.StatusCallTransactionDoesNotExist)
			return
		}
		if earlyOnly && replaced.status == SessionStatusConfirmed {
			req.replyStatus(ctx, sip.StatusBusyHere)
			return
		}
	}

	if ua.cfg.MediaHandlerFactory == nil {
		req.replyStatus(ctx, sip.StatusNotAcceptableHere)
		return
	}
	s := newSession(ua, OriginatorRemote)
	media, err := ua.cfg.MediaHandlerFactory(s)
	if err != nil {
		ua.log.LogAttrs(ctx, slog.LevelWarn, "failed to create media handler", slog.Any("error", err))
		req.replyStatus(ctx, sip.StatusServerInternalError)
		return
	}
	s.media = media
	if len(req.Body) > 0 && !media.HasDescription(req.ContentType()) {
		media.Close()
		req.reply(ctx, sip.StatusUnsupportedMediaType, "", //nolint:errcheck
			[]sip.HeaderField{{Name: "Accept", Value: acceptedTypes}}, nil)
		return
	}
	s.incoming = req
	s.replaces = replaced
	s.initIncoming(ctx)
}

// findReplaced returns the session identified by a Replaces header value, RFC 3891.
func (ua *UserAgent) findReplaced(v string) (s *Session, earlyOnly bool) {
	callID, rest, _ := strings.Cut(v, ";")
	params := make(map[string]string)
	for p := range strings.SplitSeq(rest, ";") {
		name, val, _ := strings.Cut(strings.TrimSpace(p), "=")
		params[strings.ToLower(name)] = val
	}
	_, earlyOnly = params["early-only"]

	callID = strings.TrimSpace(callID)
	toTag, fromTag := params["to-tag"], params["from-tag"]
	for _, id := range []DialogID{
		{CallID: callID, LocalTag: toTag, RemoteTag: fromTag},
		{CallID: callID, LocalTag: fromTag, RemoteTag: toTag},
	} {
		d, ok := ua.dialogs[id]
		if !ok {
			continue
		}
		if s, ok := d.owner.(*Session); ok && !s.closed {
			return s, earlyOnly
		}
	}
	return nil, false
}

func (s *Session) initIncoming(ctx context.Context) {
	req := s.incoming
	s.key = sessionKey{CallID: req.CallID(), Tag: req.FromTag()}
	s.localIdentity = req.To()
	s.remoteIdentity = req.From()
	s.status = SessionStatusInviteReceived
	s.ua.sessions[s.key] = s
	s.ua.updateGauges()

	req.toTag = sip.GenerateTag()
	req.user.onTransportError = s.onTransportError
	req.user.onTimeout = func(ctx context.Context) {
		if s.status == SessionStatusWaitingForAck {
			s.receiveAckTimeout(ctx)
		}
	}

	if !s.createDialog(ctx, req.Request, true) {
		req.reply(ctx, sip.StatusServerInternalError, "Missing Contact header field", nil, nil) //nolint:errcheck
		s.close(false)
		return
	}

	s.lateSDP = len(req.Body) == 0
	s.use100rel = req.Header.HasOption("Require", "100rel") ||
		(s.ua.cfg.Use100rel && req.Header.HasOption("Supported", "100rel"))
	s.status = SessionStatusWaitingForAnswer

	s.startTimer(&s.timers.noAnswer, s.ua.cfg.NoAnswerTimeout, func() {
		s.timers.noAnswer = nil
		if !s.isWaitingForAnswer() {
			return
		}
		s.incoming.replyStatus(s.ua.ctx, sip.StatusRequestTimeout)
		s.failed(s.ua.ctx, OriginatorLocal, nil, CauseNoAnswer)
	})
	if exp, ok := req.Expires(); ok && exp > 0 {
		s.startTimer(&s.timers.expires, time.Duration(exp)*time.Second, func() {
			s.timers.expires = nil
			if !s.isWaitingForAnswer() {
				return
			}
			s.incoming.replyStatus(s.ua.ctx, sip.StatusRequestTerminated)
			s.failed(s.ua.ctx, OriginatorSystem, nil, CauseExpires)
		})
	}

	s.ua.log.LogAttrs(ctx, slog.LevelDebug, "incoming session", slog.Any("session", s))
	s.ua.emitEvent(Event{
		Type:       EventNewSession,
		Originator: OriginatorRemote,
		Session:    s,
		Replaces:   s.replaces,
		Request:    req.Request,
	})

	res, err := s.sendProvisional(ctx, sip.StatusRinging, "", nil, nil, false)
	if err != nil {
		return
	}
	s.progress(ctx, OriginatorLocal, res)
}

func (s *Session) isWaitingForAnswer() bool {
	switch s.status {
	case SessionStatusWaitingForAnswer, SessionStatusEarlyMedia,
		SessionStatusWaitingForPrack, SessionStatusAnsweredWaitingForPrack:
		return true
	default:
		return false
	}
}

// sendProvisional sends a provisional response, reliably when the session uses 100rel.
func (s *Session) sendProvisional(
	ctx context.Context,
	status sip.StatusCode,
	reason string,
	extra []sip.HeaderField,
	body *Description,
	offer bool,
) (*sip.Response, error) {
	if s.use100rel {
		return errtrace.Wrap2(s.sendReliableProvisional(ctx, status, reason, extra, body, offer))
	}
	extra = append(extra, sip.HeaderField{Name: "Contact", Value: s.ua.contactHeader()})
	return errtrace.Wrap2(s.incoming.reply(ctx, status, reason, extra, body))
}

// Progress sends a provisional response for an incoming call.
func (s *Session) Progress(ctx context.Context, opts *ProgressOptions) error {
	return errtrace.Wrap(s.ua.do(func() error {
		return errtrace.Wrap(s.progressLocal(ctx, opts))
	}))
}

func (s *Session) progressLocal(ctx context.Context, opts *ProgressOptions) error {
	if opts == nil {
		opts = &ProgressOptions{}
	}
	if s.direction != OriginatorRemote ||
		(s.status != SessionStatusWaitingForAnswer && s.status != SessionStatusEarlyMedia) {
		return errtrace.Wrap(&InvalidStateError{Op: "progress", State: s.status})
	}

	status := opts.Status
	if status == 0 {
		status = sip.StatusRinging
		if opts.EarlyMedia {
			status = sip.StatusSessionProgress
		}
	}
	if status <= sip.StatusTrying || status >= sip.StatusOK {
		return errtrace.Wrap(sip.NewInvalidArgumentError("invalid status code %d", status))
	}

	var (
		body  *Description
		offer bool
	)
	if opts.EarlyMedia {
		mods := append(append([]DescriptionModifier(nil), s.modifiers...), opts.Modifiers...)
		switch {
		case s.lateSDP:
			if !s.use100rel {
				return errtrace.Wrap(sip.NewInvalidArgumentError("early offer requires reliable provisional responses"))
			}
			desc, err := s.media.GetDescription(ctx, &DescriptionOptions{Offer: true, Early: true}, mods...)
			if err != nil {
				return errtrace.Wrap(fmt.Errorf("%w: %w", ErrMediaHandlerFailed, err))
			}
			body, offer = &desc, true
		case s.localAnswer != nil:
			body = s.localAnswer
		default:
			if err := s.applyRemoteOffer(ctx, true); err != nil {
				s.incoming.replyStatus(ctx, sip.StatusNotAcceptableHere)
				s.failed(ctx, OriginatorLocal, nil, CauseBadMediaDescr)
				return errtrace.Wrap(err)
			}
			desc, err := s.media.GetDescription(ctx, &DescriptionOptions{Early: true}, mods...)
			if err != nil {
				s.incoming.replyStatus(ctx, sip.StatusServerInternalError)
				s.failed(ctx, OriginatorLocal, nil, CauseInternalError)
				return errtrace.Wrap(fmt.Errorf("%w: %w", ErrMediaHandlerFailed, err))
			}
			body, s.localAnswer = &desc, &desc
		}
	}

	res, err := s.sendProvisional(ctx, status, opts.Reason, opts.ExtraHeaders, body, offer)
	if err != nil {
		return errtrace.Wrap(err)
	}
	if body != nil {
		if !offer && s.use100rel {
			s.negotiated = true
		}
		if s.status == SessionStatusWaitingForAnswer {
			s.status = SessionStatusEarlyMedia
		} else if s.statusBefore == SessionStatusWaitingForAnswer {
			s.statusBefore = SessionStatusEarlyMedia
		}
	}
	s.progress(ctx, OriginatorLocal, res)
	return nil
}

// applyRemoteOffer passes the offer of the initial INVITE to the media handler once.
func (s *Session) applyRemoteOffer(ctx context.Context, early bool) error {
	if s.offerApplied {
		return nil
	}
	desc := Description{ContentType: s.incoming.ContentType(), Body: s.incoming.Body}
	if err := s.media.SetDescription(ctx, desc, &DescriptionOptions{Offer: true, Early: early}, s.modifiers...); err != nil {
		return errtrace.Wrap(fmt.Errorf("%w: %w", ErrMediaHandlerFailed, err))
	}
	s.offerApplied = true
	return nil
}

// Accept answers an incoming call with 200 OK.
// While a reliable provisional response is unacknowledged the answer is deferred until PRACK.
func (s *Session) Accept(ctx context.Context, opts *AnswerOptions) error {
	return errtrace.Wrap(s.ua.do(func() error {
		return errtrace.Wrap(s.accept(ctx, opts))
	}))
}

func (s *Session) accept(ctx context.Context, opts *AnswerOptions) error {
	if opts == nil {
		opts = &AnswerOptions{}
	}
	if s.direction != OriginatorRemote {
		return errtrace.Wrap(&InvalidStateError{Op: "accept", State: s.status})
	}
	switch s.status {
	case SessionStatusWaitingForPrack:
		s.status = SessionStatusAnsweredWaitingForPrack
		s.pendingAnswer = opts
		return nil
	case SessionStatusWaitingForAnswer, SessionStatusEarlyMedia:
	default:
		return errtrace.Wrap(&InvalidStateError{Op: "accept", State: s.status})
	}

	s.status = SessionStatusAnswered
	if !s.createDialog(ctx, s.incoming.Request, false) {
		s.incoming.reply(ctx, sip.StatusServerInternalError, "Error creating dialog", nil, nil) //nolint:errcheck
		s.failed(ctx, OriginatorSystem, nil, CauseInternalError)
		return errtrace.Wrap(ErrMissingContact)
	}
	stopTimer(&s.timers.noAnswer)
	stopTimer(&s.timers.expires)

	mods := append(append([]DescriptionModifier(nil), s.modifiers...), opts.Modifiers...)
	var body *Description
	switch {
	case s.negotiated:
	case s.localAnswer != nil:
		body = s.localAnswer
	case s.lateSDP:
		desc, err := s.media.GetDescription(ctx, &DescriptionOptions{Offer: true}, mods...)
		if err != nil {
			s.incoming.replyStatus(ctx, sip.StatusServerInternalError)
			s.failed(ctx, OriginatorSystem, nil, CauseInternalError)
			return errtrace.Wrap(fmt.Errorf("%w: %w", ErrMediaHandlerFailed, err))
		}
		body = &desc
	default:
		if err := s.applyRemoteOffer(ctx, false); err != nil {
			s.incoming.replyStatus(ctx, sip.StatusNotAcceptableHere)
			s.failed(ctx, OriginatorSystem, nil, CauseBadMediaDescr)
			return errtrace.Wrap(err)
		}
		desc, err := s.media.GetDescription(ctx, &DescriptionOptions{}, mods...)
		if err != nil {
			s.incoming.replyStatus(ctx, sip.StatusServerInternalError)
			s.failed(ctx, OriginatorSystem, nil, CauseInternalError)
			return errtrace.Wrap(fmt.Errorf("%w: %w", ErrMediaHandlerFailed, err))
		}
		body = &desc
	}
	if !s.lateSDP {
		s.negotiated = true
	}

	extra := append(append([]sip.HeaderField(nil), opts.ExtraHeaders...),
		sip.HeaderField{Name: "Contact", Value: s.ua.contactHeader()},
		sip.HeaderField{Name: "Allow", Value: allowedMethods},
		sip.HeaderField{Name: "Supported", Value: supportedOpts},
	)
	res, err := s.incoming.reply(ctx, sip.StatusOK, "", extra, body)
	if err != nil {
		if !s.closed {
			s.failed(ctx, OriginatorSystem, nil, CauseConnectionError)
		}
		return errtrace.Wrap(err)
	}

	s.waitForAck(s.incoming, res)
	s.accepted(ctx, OriginatorLocal, res)
	return nil
}

// waitForAck retransmits the 2xx response with T1 doubling up to T2 until ACK arrives,
// and gives up after Timer H, RFC 3261 Section 13.3.1.4.
func (s *Session) waitForAck(req *serverRequest, res *sip.Response) {
	s.status = SessionStatusWaitingForAck
	s.awaitingAck = req

	timings := s.ua.cfg.timings
	interval := timings.T1()
	var retransmit func()
	retransmit = func() {
		s.timers.invite2xx = nil
		if s.status != SessionStatusWaitingForAck || s.awaitingAck != req {
			return
		}
		if err := req.tx.Respond(s.ua.ctx, res); err != nil {
			s.ua.log.LogAttrs(s.ua.ctx, slog.LevelDebug, "failed to retransmit 2xx", slog.Any("session", s), slog.Any("error", err))
		}
		interval = min(2*interval, timings.T2())
		s.timers.invite2xx = s.ua.clock.AfterFunc(interval, retransmit)
	}
	s.startTimer(&s.timers.invite2xx, interval, retransmit)
	s.startTimer(&s.timers.ack, timings.TimeH(), func() {
		s.timers.ack = nil
		if s.status == SessionStatusWaitingForAck && s.awaitingAck == req {
			s.receiveAckTimeout(s.ua.ctx)
		}
	})
}

func (s *Session) receiveAckTimeout(ctx context.Context) {
	stopTimer(&s.timers.invite2xx)
	stopTimer(&s.timers.ack)
	s.ua.log.LogAttrs(ctx, slog.LevelWarn, "no ACK received, session will be terminated", slog.Any("session", s))
	s.sendBye(ctx, nil, nil)
	s.ended(ctx, OriginatorRemote, nil, CauseNoACK, false)
}

func (s *Session) receiveAck(ctx context.Context, req *serverRequest) {
	if s.status != SessionStatusWaitingForAck {
		return
	}
	stopTimer(&s.timers.invite2xx)
	stopTimer(&s.timers.ack)
	s.awaitingAck = nil
	s.status = SessionStatusConfirmed

	if s.lateSDP {
		if len(req.Body) == 0 {
			s.terminate(ctx, &TerminateOptions{Status: sip.StatusBadRequest, Reason: string(CauseMissingSDP)}, CauseMissingSDP) //nolint:errcheck
			return
		}
		desc := Description{ContentType: req.ContentType(), Body: req.Body}
		if err := s.media.SetDescription(ctx, desc, &DescriptionOptions{}, s.modifiers...); err != nil {
			s.ua.log.LogAttrs(ctx, slog.LevelWarn, "failed to apply answer from ACK", slog.Any("session", s), slog.Any("error", err))
			s.terminate(ctx, &TerminateOptions{Status: sip.StatusNotAcceptableHere}, CauseBadMediaDescr) //nolint:errcheck
			return
		}
		s.lateSDP = false
		s.negotiated = true
	}
	s.confirm(ctx, OriginatorRemote, req.Request)
}
