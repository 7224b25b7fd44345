package ua

import (
	"context"
	"log/slog"
	"strconv"

	"braces.dev/errtrace"
	"github.com/google/uuid"

	"github.com/ghettovoice/sipua/internal/util"
	"github.com/ghettovoice/sipua/metrics"
	"github.com/ghettovoice/sipua/sip"
)

const (
	allowedMethods  = "INVITE, ACK, CANCEL, BYE, UPDATE, MESSAGE, OPTIONS, REFER, INFO, NOTIFY, PRACK, SUBSCRIBE"
	acceptedTypes   = "application/sdp, application/dtmf-relay"
	supportedOpts   = "100rel, replaces, timer"
	maxForwards     = "70"
	eventRefer      = "refer"
	contentSipfrag  = "message/sipfrag;version=2.0"
	contentDTMFInfo = "application/dtmf-relay"
)

// requestParams are the dialog identifiers of an outbound request.
// Empty fields get fresh values.
type requestParams struct {
	fromURI  *sip.URI
	fromTag  string
	toURI    *sip.URI
	toName   string
	toTag    string
	callID   string
	cseq     uint32
	routeSet []string
}

// newRequest builds an outbound request without Via, which is added on every send.
func (ua *UserAgent) newRequest(
	method sip.Method,
	ruri *sip.URI,
	p requestParams,
	extra []sip.HeaderField,
	body *Description,
) *sip.Request {
	req := sip.NewRequest(method, ruri.Clone())

	switch {
	case p.routeSet != nil:
		for _, r := range p.routeSet {
			req.Header.Add("Route", r)
		}
	case ua.cfg.outboundProxy != nil:
		req.Header.Add("Route", "<"+ua.cfg.outboundProxy.String()+">")
	}
	req.Header.Add("Max-Forwards", maxForwards)

	toURI := p.toURI
	if toURI == nil {
		toURI = ruri.WithoutHeaders()
		toURI.Params = nil
	}
	to := &sip.NameAddr{DisplayName: p.toName, URI: toURI.Clone()}
	if p.toTag != "" {
		to.Params.Set("tag", p.toTag)
	}
	req.Header.Add("To", to.String())

	fromURI := p.fromURI
	if fromURI == nil {
		fromURI = ua.cfg.uri
	}
	if p.fromTag == "" {
		p.fromTag = sip.GenerateTag()
	}
	from := &sip.NameAddr{DisplayName: ua.cfg.DisplayName, URI: fromURI.Clone()}
	from.Params.Set("tag", p.fromTag)
	req.Header.Add("From", from.String())

	if p.callID == "" {
		p.callID = uuid.NewString()
	}
	req.Header.Add("Call-ID", p.callID)
	if p.cseq == 0 {
		p.cseq = uint32(util.RandInt(1, 10000))
	}
	req.Header.Add("CSeq", sip.CSeq{Seq: p.cseq, Method: method}.String())

	for _, h := range extra {
		req.Header.Add(h.Name, h.Value)
	}
	if method != sip.MethodAck && method != sip.MethodCancel && !req.Header.Has("Supported") {
		req.Header.Add("Supported", supportedOpts)
	}
	req.Header.Add("User-Agent", ua.cfg.UserAgent)

	if !body.IsEmpty() {
		req.Header.Set("Content-Type", body.ContentType)
		req.Body = body.Body
	}
	return req
}

// contactHeader returns the Contact header value of this user agent.
func (ua *UserAgent) contactHeader() string {
	return "<" + ua.cfg.contact.String() + ">"
}

// setVia replaces the Via with a fresh one so every send creates a new transaction.
func (ua *UserAgent) setVia(req *sip.Request) {
	via := &sip.Via{
		Transport: ua.tp.Protocol(),
		Host:      ua.cfg.ViaHost,
		Params:    sip.Params{{Name: "branch", Value: sip.GenerateBranch()}},
	}
	req.Header.Del("Via")
	req.Header.Prepend("Via", via.String())
}

func (ua *UserAgent) txOptions() *sip.TransactionOptions {
	return &sip.TransactionOptions{
		Timings: ua.cfg.timings,
		Clock:   ua.clock,
		Log:     ua.log,
	}
}

// serverRequest is an inbound request together with its server transaction.
// The transaction is nil for ACK and CANCEL.
type serverRequest struct {
	*sip.Request

	ua    *UserAgent
	tx    sip.ServerTransaction
	user  *serverTxUser
	toTag string
}

// reply sends a response. Responses above 100 get the To tag of the request
// or, for requests outside a dialog, a tag generated once per request.
func (r *serverRequest) reply(
	ctx context.Context,
	status sip.StatusCode,
	reason string,
	extra []sip.HeaderField,
	body *Description,
) (*sip.Response, error) {
	res := r.NewResponse(status, reason)
	if status > sip.StatusTrying && r.ToTag() == "" {
		if r.toTag == "" {
			r.toTag = sip.GenerateTag()
		}
		res.SetToTag(r.toTag)
	}
	for _, h := range extra {
		res.Header.Add(h.Name, h.Value)
	}
	if !body.IsEmpty() {
		res.Header.Set("Content-Type", body.ContentType)
		res.Body = body.Body
	}

	if r.tx == nil {
		return res, errtrace.Wrap(r.ua.sender.Send(ctx, res))
	}
	if err := r.tx.Respond(ctx, res); err != nil {
		r.ua.log.LogAttrs(ctx, slog.LevelWarn, "failed to send response",
			slog.Any("request", r.Request),
			slog.Any("status", status),
			slog.Any("error", err),
		)
		return res, errtrace.Wrap(err)
	}
	return res, nil
}

// replyStatus is a shortcut for replies without extra headers and body.
func (r *serverRequest) replyStatus(ctx context.Context, status sip.StatusCode) {
	r.reply(ctx, status, "", nil, nil) //nolint:errcheck
}

// serverTxUser forwards server transaction failures to whoever owns the request now.
type serverTxUser struct {
	onTransportError func(ctx context.Context, err error)
	onTimeout        func(ctx context.Context)
}

func (u *serverTxUser) OnTransportError(ctx context.Context, err error) {
	if u.onTransportError != nil {
		u.onTransportError(ctx, err)
	}
}

func (u *serverTxUser) OnTimeout(ctx context.Context) {
	if u.onTimeout != nil {
		u.onTimeout(ctx)
	}
}

// txHandler adapts callbacks to [sip.ClientTransactionUser].
type txHandler struct {
	onResponse       func(ctx context.Context, res *sip.Response)
	onTimeout        func(ctx context.Context)
	onTransportError func(ctx context.Context, err error)
	onDialogError    func(ctx context.Context, res *sip.Response)
}

func (h *txHandler) ReceiveResponse(ctx context.Context, res *sip.Response) {
	if h.onResponse != nil {
		h.onResponse(ctx, res)
	}
}

func (h *txHandler) OnRequestTimeout(ctx context.Context) {
	if h.onTimeout != nil {
		h.onTimeout(ctx)
	}
}

func (h *txHandler) OnTransportError(ctx context.Context, err error) {
	if h.onTransportError != nil {
		h.onTransportError(ctx, err)
	}
}

func (h *txHandler) dialogError(ctx context.Context, res *sip.Response) {
	switch {
	case h.onDialogError != nil:
		h.onDialogError(ctx, res)
	case res.Status == sip.StatusRequestTimeout:
		h.OnRequestTimeout(ctx)
	default:
		h.ReceiveResponse(ctx, res)
	}
}

// meteredSender counts outbound messages.
type meteredSender struct {
	sip.Sender
	m *metrics.Collector
}

func (s meteredSender) Send(ctx context.Context, msg sip.Message) error {
	if err := s.Sender.Send(ctx, msg); err != nil {
		return errtrace.Wrap(&TransportError{Err: err})
	}
	s.m.ObserveMessage(metrics.Outbound, msg)
	return nil
}

func reasonHeader(status sip.StatusCode, reason string) sip.HeaderField {
	if reason == "" {
		reason = status.Reason()
	}
	return sip.HeaderField{
		Name:  "Reason",
		Value: "SIP ;cause=" + strconv.Itoa(int(status)) + " ;text=" + strconv.Quote(reason),
	}
}
