package ua

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipua/internal/util"
	"github.com/ghettovoice/sipua/sip"
)

// reliableProvisional is a provisional response retransmitted until PRACK, RFC 3262.
type reliableProvisional struct {
	res  *sip.Response
	rseq uint32
	// offer is set when the response carries an offer, the answer is expected in PRACK.
	offer bool
}

func (s *Session) sendReliableProvisional(
	ctx context.Context,
	status sip.StatusCode,
	reason string,
	extra []sip.HeaderField,
	body *Description,
	offer bool,
) (*sip.Response, error) {
	if s.rseq == 0 {
		s.rseq = uint32(util.RandInt(1, 10000))
	} else {
		s.rseq++
	}
	extra = append(append([]sip.HeaderField(nil), extra...),
		sip.HeaderField{Name: "Contact", Value: s.ua.contactHeader()},
		sip.HeaderField{Name: "Require", Value: "100rel"},
		sip.HeaderField{Name: "RSeq", Value: strconv.FormatUint(uint64(s.rseq), 10)},
	)
	res, err := s.incoming.reply(ctx, status, reason, extra, body)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	rel := &reliableProvisional{res: res, rseq: s.rseq, offer: offer}
	s.rel1xx = rel
	s.statusBefore = s.status
	s.status = SessionStatusWaitingForPrack

	timings := s.ua.cfg.timings
	interval := timings.T1()
	var retransmit func()
	retransmit = func() {
		s.timers.rel1xx = nil
		if s.rel1xx != rel {
			return
		}
		if err := s.incoming.tx.Respond(s.ua.ctx, res); err != nil {
			s.ua.log.LogAttrs(s.ua.ctx, slog.LevelDebug, "failed to retransmit reliable provisional response",
				slog.Any("session", s),
				slog.Any("error", err),
			)
			return
		}
		interval *= 2
		s.timers.rel1xx = s.ua.clock.AfterFunc(interval, retransmit)
	}
	s.startTimer(&s.timers.rel1xx, interval, retransmit)
	s.startTimer(&s.timers.prack, timings.TimeH(), func() {
		s.timers.prack = nil
		if s.rel1xx != rel {
			return
		}
		stopTimer(&s.timers.rel1xx)
		s.rel1xx = nil
		s.ua.log.LogAttrs(s.ua.ctx, slog.LevelWarn, "no PRACK received", slog.Any("session", s))
		s.incoming.replyStatus(s.ua.ctx, sip.StatusGatewayTimeout)
		s.failed(s.ua.ctx, OriginatorSystem, nil, CauseNoPRACK)
	})
	return res, nil
}

// receivePrack acknowledges the pending reliable provisional response.
func (s *Session) receivePrack(ctx context.Context, req *serverRequest) {
	rel := s.rel1xx
	if rel == nil || (s.status != SessionStatusWaitingForPrack && s.status != SessionStatusAnsweredWaitingForPrack) {
		req.replyStatus(ctx, sip.StatusCallTransactionDoesNotExist)
		return
	}

	inviteCSeq, _ := s.incoming.CSeq()
	f := strings.Fields(req.Header.Get("RAck"))
	if len(f) != 3 ||
		f[0] != strconv.FormatUint(uint64(rel.rseq), 10) ||
		f[1] != strconv.FormatUint(uint64(inviteCSeq.Seq), 10) ||
		!strings.EqualFold(f[2], string(sip.MethodInvite)) {
		req.replyStatus(ctx, sip.StatusCallTransactionDoesNotExist)
		return
	}

	stopTimer(&s.timers.rel1xx)
	stopTimer(&s.timers.prack)
	s.rel1xx = nil

	if rel.offer {
		if len(req.Body) == 0 {
			req.replyStatus(ctx, sip.StatusBadRequest)
			s.incoming.reply(ctx, sip.StatusBadRequest, string(CauseMissingSDP), nil, nil) //nolint:errcheck
			s.failed(ctx, OriginatorRemote, req.Request, CauseMissingSDP)
			return
		}
		desc := Description{ContentType: req.ContentType(), Body: req.Body}
		if err := s.media.SetDescription(ctx, desc, &DescriptionOptions{Early: true}, s.modifiers...); err != nil {
			s.ua.log.LogAttrs(ctx, slog.LevelWarn, "failed to apply answer from PRACK", slog.Any("session", s), slog.Any("error", err))
			req.replyStatus(ctx, sip.StatusNotAcceptableHere)
			s.incoming.replyStatus(ctx, sip.StatusNotAcceptableHere)
			s.failed(ctx, OriginatorRemote, req.Request, CauseBadMediaDescr)
			return
		}
		s.lateSDP = false
		s.negotiated = true
	}
	req.replyStatus(ctx, sip.StatusOK)

	answered := s.status == SessionStatusAnsweredWaitingForPrack
	s.status = s.statusBefore
	if answered {
		opts := s.pendingAnswer
		s.pendingAnswer = nil
		if err := s.accept(ctx, opts); err != nil {
			s.ua.log.LogAttrs(ctx, slog.LevelWarn, "failed to accept session", slog.Any("session", s), slog.Any("error", err))
		}
	}
}
