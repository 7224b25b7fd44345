package ua

import (
	"context"
	"fmt"
	"log/slog"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipua/sdputil"
	"github.com/ghettovoice/sipua/sip"
)

// RenegotiateOptions customize an offer sent within an established session.
type RenegotiateOptions struct {
	ExtraHeaders []sip.HeaderField
	Modifiers    []DescriptionModifier
	// UseUpdate sends UPDATE instead of re-INVITE.
	UseUpdate bool
	// OnResult is called once the exchange completes, with nil on success.
	OnResult func(error)
}

// Hold puts the remote party on hold with a re-INVITE or UPDATE.
func (s *Session) Hold(ctx context.Context, opts *RenegotiateOptions) error {
	return errtrace.Wrap(s.ua.do(func() error {
		if err := s.checkReoffer("hold"); err != nil {
			return errtrace.Wrap(err)
		}
		if s.localHold {
			return nil
		}
		s.localHold = true
		s.emit(ctx, SessionEvent{Type: SessionEventHold, Originator: OriginatorLocal})
		return errtrace.Wrap(s.sendReoffer(ctx, opts, "Hold Failed", func(ctx context.Context) {
			s.localHold = false
			s.emit(ctx, SessionEvent{Type: SessionEventUnhold, Originator: OriginatorLocal})
		}))
	}))
}

// Unhold resumes a session put on hold by [Session.Hold].
func (s *Session) Unhold(ctx context.Context, opts *RenegotiateOptions) error {
	return errtrace.Wrap(s.ua.do(func() error {
		if err := s.checkReoffer("unhold"); err != nil {
			return errtrace.Wrap(err)
		}
		if !s.localHold {
			return nil
		}
		s.localHold = false
		s.emit(ctx, SessionEvent{Type: SessionEventUnhold, Originator: OriginatorLocal})
		return errtrace.Wrap(s.sendReoffer(ctx, opts, "Unhold Failed", func(ctx context.Context) {
			s.localHold = true
			s.emit(ctx, SessionEvent{Type: SessionEventHold, Originator: OriginatorLocal})
		}))
	}))
}

// Renegotiate sends a new offer keeping the current hold state.
func (s *Session) Renegotiate(ctx context.Context, opts *RenegotiateOptions) error {
	return errtrace.Wrap(s.ua.do(func() error {
		if err := s.checkReoffer("renegotiate"); err != nil {
			return errtrace.Wrap(err)
		}
		return errtrace.Wrap(s.sendReoffer(ctx, opts, "Media Renegotiation Failed", nil))
	}))
}

func (s *Session) checkReoffer(op string) error {
	if s.status != SessionStatusWaitingForAck && s.status != SessionStatusConfirmed {
		return errtrace.Wrap(&InvalidStateError{Op: op, State: s.status})
	}
	if !s.isReadyToReoffer() {
		return errtrace.Wrap(ErrRenegotiating)
	}
	return nil
}

// isReadyToReoffer reports whether no offer/answer exchange is pending in either direction.
func (s *Session) isReadyToReoffer() bool {
	return s.dialog != nil && s.media != nil && !s.lateSDP &&
		!s.dialog.uacPendingReply && !s.dialog.uasPendingReply
}

func (s *Session) holdModifiers(extra ...DescriptionModifier) []DescriptionModifier {
	mods := append(append([]DescriptionModifier(nil), s.modifiers...), extra...)
	if s.localHold {
		mods = append(mods, HoldModifier)
	}
	return mods
}

// sendReoffer sends a new offer in the dialog. A non-2xx final response leaves
// the session as it was before the offer, undoing local state with rollback.
func (s *Session) sendReoffer(ctx context.Context, opts *RenegotiateOptions, failReason string, rollback func(context.Context)) error {
	if opts == nil {
		opts = &RenegotiateOptions{}
	}
	offer, err := s.media.GetDescription(ctx, &DescriptionOptions{Offer: true}, s.holdModifiers(opts.Modifiers...)...)
	if err != nil {
		if rollback != nil {
			rollback(ctx)
		}
		return errtrace.Wrap(fmt.Errorf("%w: %w", ErrMediaHandlerFailed, err))
	}

	method := sip.MethodInvite
	if opts.UseUpdate {
		method = sip.MethodUpdate
	}
	extra := append(append([]sip.HeaderField(nil), opts.ExtraHeaders...),
		sip.HeaderField{Name: "Contact", Value: s.ua.contactHeader()},
	)
	if method == sip.MethodInvite {
		extra = append(extra, sip.HeaderField{Name: "Allow", Value: allowedMethods})
	}

	done := func(err error) {
		if opts.OnResult != nil {
			fn := opts.OnResult
			s.ua.emit(func() { fn(err) })
		}
	}
	fail := func(ctx context.Context, cause Cause, err error) {
		s.terminate(ctx, &TerminateOptions{Status: sip.StatusNotAcceptableHere, Reason: failReason}, cause) //nolint:errcheck
		done(err)
	}

	s.dialog.sendRequest(ctx, method, extra, &offer, &txHandler{
		onResponse: func(ctx context.Context, res *sip.Response) {
			if res.Status.IsProvisional() {
				return
			}
			if s.closed {
				if res.Status.IsSuccessful() && method == sip.MethodInvite && s.dialog != nil {
					s.dialog.sendAck(ctx, res, nil)
				}
				return
			}
			if !res.Status.IsSuccessful() {
				if rollback != nil {
					rollback(ctx)
				}
				done(sip.NewWrapperError(ErrRenegotiating, "offer rejected with %s", res.Status))
				return
			}
			if method == sip.MethodInvite {
				s.ackReq = s.dialog.sendAck(ctx, res, nil)
			}
			if len(res.Body) == 0 {
				fail(ctx, CauseMissingSDP, errtrace.Wrap(sip.NewWrapperError(ErrMediaHandlerFailed, "answer is missing")))
				return
			}
			desc := Description{ContentType: res.ContentType(), Body: res.Body}
			if err := s.media.SetDescription(ctx, desc, &DescriptionOptions{}, s.modifiers...); err != nil {
				fail(ctx, CauseBadMediaDescr, fmt.Errorf("%w: %w", ErrMediaHandlerFailed, err))
				return
			}
			done(nil)
		},
		onTimeout: func(ctx context.Context) {
			s.onRequestTimeout(ctx)
			done(&DialogError{})
		},
		onTransportError: func(ctx context.Context, err error) {
			s.onTransportError(ctx, err)
			done(err)
		},
		onDialogError: func(ctx context.Context, res *sip.Response) {
			s.onDialogError(ctx, res)
			done(&DialogError{Response: res})
		},
	})
	return nil
}

func (s *Session) receiveReinvite(ctx context.Context, req *serverRequest) {
	s.emit(ctx, SessionEvent{Type: SessionEventReInvite, Originator: OriginatorRemote, Request: req.Request})

	extra := []sip.HeaderField{{Name: "Contact", Value: s.ua.contactHeader()}}
	if len(req.Body) == 0 {
		s.lateSDP = true
		if s.remoteHold {
			s.remoteHold = false
			s.emit(ctx, SessionEvent{Type: SessionEventUnhold, Originator: OriginatorRemote})
		}
		offer, err := s.media.GetDescription(ctx, &DescriptionOptions{Offer: true}, s.holdModifiers()...)
		if err != nil {
			s.ua.log.LogAttrs(ctx, slog.LevelWarn, "failed to create offer", slog.Any("session", s), slog.Any("error", err))
			s.lateSDP = false
			req.replyStatus(ctx, sip.StatusServerInternalError)
			return
		}
		res, err := req.reply(ctx, sip.StatusOK, "", extra, &offer)
		if err != nil {
			return
		}
		s.waitForAck(req, res)
		return
	}

	answer, ok := s.answerInDialogOffer(ctx, req)
	if !ok {
		return
	}
	res, err := req.reply(ctx, sip.StatusOK, "", extra, answer)
	if err != nil {
		return
	}
	s.waitForAck(req, res)
}

func (s *Session) receiveUpdate(ctx context.Context, req *serverRequest) {
	s.emit(ctx, SessionEvent{Type: SessionEventUpdate, Originator: OriginatorRemote, Request: req.Request})

	extra := []sip.HeaderField{{Name: "Contact", Value: s.ua.contactHeader()}}
	if len(req.Body) == 0 {
		req.reply(ctx, sip.StatusOK, "", extra, nil) //nolint:errcheck
		return
	}
	answer, ok := s.answerInDialogOffer(ctx, req)
	if !ok {
		return
	}
	req.reply(ctx, sip.StatusOK, "", extra, answer) //nolint:errcheck
}

// answerInDialogOffer applies an offer of a re-INVITE or UPDATE and returns the answer.
// On failure the request is answered with an error response.
func (s *Session) answerInDialogOffer(ctx context.Context, req *serverRequest) (*Description, bool) {
	ct := req.ContentType()
	if !s.media.HasDescription(ct) {
		req.reply(ctx, sip.StatusUnsupportedMediaType, "", //nolint:errcheck
			[]sip.HeaderField{{Name: "Accept", Value: acceptedTypes}}, nil)
		return nil, false
	}

	hold := false
	if ct == ContentTypeSDP {
		var err error
		if hold, err = sdputil.IsHold(req.Body); err != nil {
			s.ua.log.LogAttrs(ctx, slog.LevelDebug, "failed to inspect offer", slog.Any("session", s), slog.Any("error", err))
		}
	}

	desc := Description{ContentType: ct, Body: req.Body}
	if err := s.media.SetDescription(ctx, desc, &DescriptionOptions{Offer: true}, s.modifiers...); err != nil {
		s.ua.log.LogAttrs(ctx, slog.LevelWarn, "failed to apply offer", slog.Any("session", s), slog.Any("error", err))
		req.replyStatus(ctx, sip.StatusNotAcceptableHere)
		return nil, false
	}

	if hold != s.remoteHold {
		s.remoteHold = hold
		typ := SessionEventUnhold
		if hold {
			typ = SessionEventHold
		}
		s.emit(ctx, SessionEvent{Type: typ, Originator: OriginatorRemote, Request: req.Request})
	}

	answer, err := s.media.GetDescription(ctx, &DescriptionOptions{}, s.holdModifiers()...)
	if err != nil {
		s.ua.log.LogAttrs(ctx, slog.LevelWarn, "failed to create answer", slog.Any("session", s), slog.Any("error", err))
		req.replyStatus(ctx, sip.StatusServerInternalError)
		return nil, false
	}
	return &answer, true
}

// SendInfo sends an INFO request within the session.
func (s *Session) SendInfo(ctx context.Context, contentType string, body []byte, extra []sip.HeaderField) error {
	return errtrace.Wrap(s.ua.do(func() error {
		if s.status != SessionStatusConfirmed && s.status != SessionStatusWaitingForAck {
			return errtrace.Wrap(&InvalidStateError{Op: "send INFO", State: s.status})
		}
		s.dialog.sendRequest(ctx, sip.MethodInfo, extra, &Description{ContentType: contentType, Body: body}, &txHandler{
			onTimeout:        s.onRequestTimeout,
			onTransportError: s.onTransportError,
			onDialogError:    s.onDialogError,
		})
		return nil
	}))
}

func (s *Session) receiveInfo(ctx context.Context, req *serverRequest) {
	ct := req.ContentType()
	switch ct {
	case "":
		req.replyStatus(ctx, sip.StatusUnsupportedMediaType)
	case contentDTMFInfo:
		tone, dur, err := parseDTMFInfo(req.Body)
		if err != nil {
			req.replyStatus(ctx, sip.StatusBadRequest)
			return
		}
		req.replyStatus(ctx, sip.StatusOK)
		s.emit(ctx, SessionEvent{
			Type:       SessionEventDTMF,
			Originator: OriginatorRemote,
			Request:    req.Request,
			DTMF:       &DTMF{Tone: tone, Duration: dur},
		})
	default:
		req.replyStatus(ctx, sip.StatusOK)
		s.emit(ctx, SessionEvent{
			Type:       SessionEventInfo,
			Originator: OriginatorRemote,
			Request:    req.Request,
			Info:       &Description{ContentType: ct, Body: req.Body},
		})
	}
}
