package ua

import (
	"context"
	"log/slog"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipua/sip"
)

// RequestOptions customize out-of-dialog MESSAGE and OPTIONS requests.
type RequestOptions struct {
	ExtraHeaders []sip.HeaderField
	// OnResult is called once with the final outcome.
	OnResult func(RequestResult)
}

// SendMessage sends an instant message, RFC 3428.
func (ua *UserAgent) SendMessage(ctx context.Context, target string, body Description, opts *RequestOptions) error {
	if body.IsEmpty() {
		return errtrace.Wrap(sip.NewInvalidArgumentError("empty message body"))
	}
	return errtrace.Wrap(ua.sendOutOfDialog(ctx, sip.MethodMessage, target, &body, opts))
}

// SendOptions queries the capabilities of the target.
func (ua *UserAgent) SendOptions(ctx context.Context, target string, opts *RequestOptions) error {
	return errtrace.Wrap(ua.sendOutOfDialog(ctx, sip.MethodOptions, target, nil, opts))
}

func (ua *UserAgent) sendOutOfDialog(
	ctx context.Context,
	method sip.Method,
	target string,
	body *Description,
	opts *RequestOptions,
) error {
	return errtrace.Wrap(ua.do(func() error {
		if !ua.running {
			return errtrace.Wrap(ErrUserAgentStopped)
		}
		if opts == nil {
			opts = &RequestOptions{}
		}
		ruri, hdrs, err := ua.normalizeTarget(target)
		if err != nil {
			return errtrace.Wrap(err)
		}
		extra := append(hdrs, opts.ExtraHeaders...)
		if method == sip.MethodOptions {
			extra = append(extra, sip.HeaderField{Name: "Accept", Value: acceptedTypes})
		}
		req := ua.newRequest(method, ruri, requestParams{}, extra, body)

		done := func(res *sip.Response, cause Cause) {
			if opts.OnResult != nil {
				fn, r := opts.OnResult, RequestResult{Request: req, Response: res, Cause: cause}
				ua.emit(func() { fn(r) })
			}
		}
		rs := ua.newRequestSender(req, &txHandler{
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
		rs.onAuthenticated = func(r *sip.Request) { req = r }
		ua.log.LogAttrs(ctx, slog.LevelDebug, "sending out-of-dialog request", slog.Any("request", req))
		rs.send(ctx)
		return nil
	}))
}

func (ua *UserAgent) receiveInstantMessage(ctx context.Context, req *serverRequest) {
	if len(req.Body) == 0 {
		req.reply(ctx, sip.StatusBadRequest, "Missing Message Body", nil, nil) //nolint:errcheck
		return
	}
	req.replyStatus(ctx, sip.StatusOK)
	ua.emitEvent(Event{Type: EventNewMessage, Originator: OriginatorRemote, Request: req.Request})
}

func (ua *UserAgent) receiveOptions(ctx context.Context, req *serverRequest) {
	req.reply(ctx, sip.StatusOK, "", []sip.HeaderField{ //nolint:errcheck
		{Name: "Allow", Value: allowedMethods},
		{Name: "Accept", Value: acceptedTypes},
		{Name: "Supported", Value: supportedOpts},
	}, nil)
	ua.emitEvent(Event{Type: EventNewOptions, Originator: OriginatorRemote, Request: req.Request})
}
