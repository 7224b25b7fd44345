package ua

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"braces.dev/errtrace"
	"github.com/google/uuid"

	"github.com/ghettovoice/sipua/internal/timeutil"
	"github.com/ghettovoice/sipua/internal/util"
	"github.com/ghettovoice/sipua/sip"
)

// registerRefreshMargin is how long before expiration the binding is refreshed.
const registerRefreshMargin = 3 * time.Second

// registrator maintains the binding of the contact to the address of record, RFC 3261 Section 10.
type registrator struct {
	ua      *UserAgent
	callID  string
	fromTag string
	cseq    uint32
	expires int

	registered bool
	sending    bool
	timer      timeutil.Timer

	extraHeaders []sip.HeaderField
}

func newRegistrator(ua *UserAgent) *registrator {
	return &registrator{
		ua:      ua,
		callID:  uuid.NewString(),
		fromTag: sip.GenerateTag(),
		cseq:    uint32(util.RandInt(1, 10000)),
		expires: ua.cfg.RegisterExpires,
	}
}

// Register sends REGISTER and keeps the binding refreshed until [UserAgent.Unregister] or [UserAgent.Stop].
func (ua *UserAgent) Register(ctx context.Context) error {
	return errtrace.Wrap(ua.do(func() error {
		if !ua.running {
			return errtrace.Wrap(ErrUserAgentStopped)
		}
		ua.registrator.register(ctx)
		return nil
	}))
}

// Unregister removes the binding of this contact, or every binding of the address of record when all is true.
func (ua *UserAgent) Unregister(ctx context.Context, all bool) error {
	return errtrace.Wrap(ua.do(func() error {
		ua.registrator.unregister(ctx, all)
		return nil
	}))
}

// IsRegistered reports whether the contact is currently bound.
func (ua *UserAgent) IsRegistered() bool {
	ua.mu.Lock()
	defer ua.mu.Unlock()
	return ua.registrator.registered
}

// SetRegisterExtraHeaders replaces the headers added to REGISTER requests.
func (ua *UserAgent) SetRegisterExtraHeaders(hdrs []sip.HeaderField) {
	ua.mu.Lock()
	defer ua.mu.Unlock()
	ua.registrator.extraHeaders = append([]sip.HeaderField(nil), hdrs...)
}

func (r *registrator) newRequest(contact string, expires int) *sip.Request {
	r.cseq++
	extra := append(append([]sip.HeaderField(nil), r.extraHeaders...),
		sip.HeaderField{Name: "Contact", Value: contact},
		sip.HeaderField{Name: "Expires", Value: strconv.Itoa(expires)},
	)
	return r.ua.newRequest(sip.MethodRegister, r.ua.cfg.registrar, requestParams{
		toURI:   r.ua.cfg.uri,
		fromTag: r.fromTag,
		callID:  r.callID,
		cseq:    r.cseq,
	}, extra, nil)
}

func (r *registrator) send(ctx context.Context, req *sip.Request, h *txHandler) {
	rs := r.ua.newRequestSender(req, h)
	rs.nextCSeq = func() uint32 {
		r.cseq++
		return r.cseq
	}
	rs.send(ctx)
}

func (r *registrator) register(ctx context.Context) {
	if r.sending {
		return
	}
	stopTimer(&r.timer)
	r.sending = true

	contact := r.ua.contactHeader() + ";expires=" + strconv.Itoa(r.expires)
	req := r.newRequest(contact, r.expires)
	r.ua.log.LogAttrs(ctx, slog.LevelDebug, "sending REGISTER", slog.Any("request", req))
	r.send(ctx, req, &txHandler{
		onResponse: r.receiveResponse,
		onTimeout: func(ctx context.Context) {
			r.sending = false
			r.failed(ctx, nil, CauseRequestTimeout)
		},
		onTransportError: func(ctx context.Context, _ error) {
			r.sending = false
			r.failed(ctx, nil, CauseConnectionError)
		},
	})
}

func (r *registrator) receiveResponse(ctx context.Context, res *sip.Response) {
	if res.Status.IsProvisional() {
		return
	}
	r.sending = false

	switch {
	case res.Status.IsSuccessful():
		expires, ok := r.grantedExpires(res)
		if !ok {
			r.ua.log.LogAttrs(ctx, slog.LevelWarn, "no matching Contact in response to REGISTER", slog.Any("response", res))
			return
		}
		refresh := max(time.Duration(expires)*time.Second-registerRefreshMargin, time.Second)
		r.startTimer(refresh)
		r.registered = true
		r.ua.cfg.Metrics.RegistrationResult("registered")
		r.ua.emitEvent(Event{Type: EventRegistered, Originator: OriginatorRemote, Response: res})

	case res.Status == sip.StatusIntervalTooBrief:
		minExp, err := strconv.Atoi(strings.TrimSpace(res.Header.Get("Min-Expires")))
		if err != nil || minExp <= 0 {
			r.ua.log.LogAttrs(ctx, slog.LevelWarn, "423 response to REGISTER without valid Min-Expires", slog.Any("response", res))
			r.failed(ctx, res, CauseSIPFailureCode)
			return
		}
		r.expires = minExp
		r.register(ctx)

	default:
		r.failed(ctx, res, CauseFromStatus(res.Status))
	}
}

// grantedExpires returns the expiration of this contact binding from a 2xx response.
func (r *registrator) grantedExpires(res *sip.Response) (int, bool) {
	own := r.ua.cfg.contact
	for _, v := range res.Header.List("Contact") {
		na, err := sip.ParseNameAddr(v)
		if err != nil || na.URI == nil {
			continue
		}
		if !strings.EqualFold(na.URI.User, own.User) || !strings.EqualFold(na.URI.Host, own.Host) {
			continue
		}
		if v, ok := na.Params.Get("expires"); ok {
			if n, err := strconv.Atoi(v); err == nil {
				return n, true
			}
		}
		if n, ok := res.Expires(); ok {
			return n, true
		}
		return r.expires, true
	}
	return 0, false
}

func (r *registrator) startTimer(d time.Duration) {
	stopTimer(&r.timer)
	r.timer = r.ua.clock.AfterFunc(d, func() {
		r.timer = nil
		if r.ua.running {
			r.register(r.ua.ctx)
		}
	})
}

func (r *registrator) failed(ctx context.Context, res *sip.Response, cause Cause) {
	r.ua.log.LogAttrs(ctx, slog.LevelWarn, "registration failed", slog.Any("cause", cause))
	r.ua.cfg.Metrics.RegistrationResult("failed")
	r.ua.emitEvent(Event{Type: EventRegistrationFailed, Originator: OriginatorRemote, Response: res, Cause: cause})
	if r.registered {
		r.registered = false
		stopTimer(&r.timer)
		r.ua.emitEvent(Event{Type: EventUnregistered, Originator: OriginatorRemote, Response: res, Cause: cause})
	}
}

func (r *registrator) unregister(ctx context.Context, all bool) {
	if !r.registered && !all {
		return
	}
	r.registered = false
	stopTimer(&r.timer)

	contact := r.ua.contactHeader() + ";expires=0"
	if all {
		contact = "*"
	}
	req := r.newRequest(contact, 0)
	done := func(res *sip.Response, cause Cause) {
		r.ua.cfg.Metrics.RegistrationResult("unregistered")
		r.ua.emitEvent(Event{Type: EventUnregistered, Originator: OriginatorLocal, Response: res, Cause: cause})
	}
	r.send(ctx, req, &txHandler{
		onResponse: func(_ context.Context, res *sip.Response) {
			switch {
			case res.Status.IsProvisional():
			case res.Status.IsSuccessful():
				done(res, "")
			default:
				done(res, CauseFromStatus(res.Status))
			}
		},
		onTimeout: func(context.Context) {
			done(nil, CauseRequestTimeout)
		},
		onTransportError: func(context.Context, error) {
			done(nil, CauseConnectionError)
		},
	})
}

// onTransportClosed drops the binding state when the transport goes down.
func (r *registrator) onTransportClosed() {
	r.sending = false
	stopTimer(&r.timer)
	if r.registered {
		r.registered = false
		r.ua.emitEvent(Event{Type: EventUnregistered, Originator: OriginatorSystem})
	}
}
