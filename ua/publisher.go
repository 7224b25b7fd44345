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
	"github.com/ghettovoice/sipua/internal/types"
	"github.com/ghettovoice/sipua/sip"
)

// DefaultPublishExpires is the publication duration requested when none is given.
const DefaultPublishExpires = 3600

// PublishEventType enumerates publisher events.
type PublishEventType int

const (
	PublishEventPublished PublishEventType = iota + 1
	PublishEventFailed
	PublishEventTerminated
)

func (t PublishEventType) String() string {
	switch t {
	case PublishEventPublished:
		return "published"
	case PublishEventFailed:
		return "failed"
	case PublishEventTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// PublishEvent is emitted by a [Publisher].
type PublishEvent struct {
	Type      PublishEventType
	Publisher *Publisher
	Response  *sip.Response
	Cause     Cause
}

// PublishOptions customize [UserAgent.Publish].
type PublishOptions struct {
	// Expires is the requested duration in seconds.
	Expires      int
	ExtraHeaders []sip.HeaderField
	EventHandler func(PublishEvent)
}

type publisherKey struct {
	Target string
	Event  string
}

// Publisher maintains an event state publication, RFC 3903.
type Publisher struct {
	ua       *UserAgent
	key      publisherKey
	target   *sip.URI
	event    string
	extra    []sip.HeaderField
	handlers types.CallbackManager[func(PublishEvent)]

	callID  string
	cseq    uint32
	expires int
	body    *Description
	etag    string

	published  bool
	recovering bool
	terminated bool
	refresh    timeutil.Timer
}

// Publish sends the initial PUBLISH with the event state to the target.
// Only one publisher per target and event may be active.
func (ua *UserAgent) Publish(ctx context.Context, target, event string, body Description, opts *PublishOptions) (*Publisher, error) {
	var p *Publisher
	err := ua.do(func() error {
		if !ua.running {
			return errtrace.Wrap(ErrUserAgentStopped)
		}
		if body.IsEmpty() {
			return errtrace.Wrap(sip.NewInvalidArgumentError("empty publication body"))
		}
		if strings.TrimSpace(event) == "" {
			return errtrace.Wrap(sip.NewInvalidArgumentError("empty event package"))
		}
		uri, hdrs, err := ua.normalizeTarget(target)
		if err != nil {
			return errtrace.Wrap(err)
		}
		if opts == nil {
			opts = &PublishOptions{}
		}
		key := publisherKey{Target: uri.String(), Event: strings.ToLower(strings.TrimSpace(event))}
		if _, ok := ua.publishers[key]; ok {
			return errtrace.Wrap(sip.NewWrapperError(ErrPublicationExists, key.Target))
		}
		p = &Publisher{
			ua:      ua,
			key:     key,
			target:  uri,
			event:   key.Event,
			extra:   append(hdrs, opts.ExtraHeaders...),
			callID:  uuid.NewString(),
			expires: opts.Expires,
			body:    &body,
		}
		if p.expires <= 0 {
			p.expires = DefaultPublishExpires
		}
		if opts.EventHandler != nil {
			p.handlers.Add(opts.EventHandler)
		}
		ua.publishers[key] = p
		p.send(ctx, p.body)
		return nil
	})
	return p, errtrace.Wrap(err)
}

// LogValue implements [slog.LogValuer].
func (p *Publisher) LogValue() slog.Value {
	if p == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("target", p.key.Target),
		slog.String("event", p.event),
		slog.String("etag", p.etag),
	)
}

// ETag returns the entity tag assigned by the state agent.
func (p *Publisher) ETag() string {
	p.ua.mu.Lock()
	defer p.ua.mu.Unlock()
	return p.etag
}

// IsPublished reports whether the state is currently published.
func (p *Publisher) IsPublished() bool {
	p.ua.mu.Lock()
	defer p.ua.mu.Unlock()
	return p.published
}

// OnEvent registers a publisher event handler.
func (p *Publisher) OnEvent(fn func(PublishEvent)) (remove func()) {
	return p.handlers.Add(fn)
}

// Modify replaces the published state.
func (p *Publisher) Modify(ctx context.Context, body Description) error {
	return errtrace.Wrap(p.ua.do(func() error {
		if p.terminated {
			return errtrace.Wrap(&InvalidStateError{Op: "modify publication", State: PublishEventTerminated})
		}
		if body.IsEmpty() {
			return errtrace.Wrap(sip.NewInvalidArgumentError("empty publication body"))
		}
		p.body = &body
		p.send(ctx, p.body)
		return nil
	}))
}

// Terminate removes the publication with an Expires of zero.
func (p *Publisher) Terminate(ctx context.Context) error {
	return errtrace.Wrap(p.ua.do(func() error {
		p.terminate(ctx)
		return nil
	}))
}

func (p *Publisher) emit(ev PublishEvent) {
	ev.Publisher = p
	p.ua.emit(func() {
		for fn := range p.handlers.All() {
			fn(ev)
		}
	})
}

func (p *Publisher) send(ctx context.Context, body *Description) {
	p.sendExpires(ctx, body, p.expires, &txHandler{
		onResponse: p.receiveResponse,
		onTimeout: func(ctx context.Context) {
			p.failed(ctx, nil, CauseRequestTimeout)
		},
		onTransportError: func(ctx context.Context, _ error) {
			p.failed(ctx, nil, CauseConnectionError)
		},
	})
}

func (p *Publisher) sendExpires(ctx context.Context, body *Description, expires int, h *txHandler) {
	stopTimer(&p.refresh)
	extra := append(append([]sip.HeaderField(nil), p.extra...),
		sip.HeaderField{Name: "Event", Value: p.event},
		sip.HeaderField{Name: "Expires", Value: strconv.Itoa(expires)},
	)
	if p.etag != "" {
		extra = append(extra, sip.HeaderField{Name: "SIP-If-Match", Value: p.etag})
	}
	p.cseq++
	req := p.ua.newRequest(sip.MethodPublish, p.target, requestParams{callID: p.callID, cseq: p.cseq}, extra, body)
	rs := p.ua.newRequestSender(req, h)
	rs.nextCSeq = func() uint32 {
		p.cseq++
		return p.cseq
	}
	rs.send(ctx)
}

func (p *Publisher) receiveResponse(ctx context.Context, res *sip.Response) {
	if res.Status.IsProvisional() || p.terminated {
		return
	}
	switch {
	case res.Status.IsSuccessful():
		p.recovering = false
		if etag := strings.TrimSpace(res.Header.Get("SIP-ETag")); etag != "" {
			p.etag = etag
		}
		expires := p.expires
		if n, ok := res.Expires(); ok && n > 0 {
			expires = n
		}
		p.scheduleRefresh(expires)
		p.published = true
		p.emit(PublishEvent{Type: PublishEventPublished, Response: res})

	case res.Status == sip.StatusConditionalRequestFailed:
		// the state agent lost our entity, publish the full state again
		if p.recovering {
			p.failed(ctx, res, CauseSIPFailureCode)
			return
		}
		p.ua.log.LogAttrs(ctx, slog.LevelDebug, "publication expired at state agent, republishing", slog.Any("publisher", p))
		p.recovering = true
		p.etag = ""
		p.send(ctx, p.body)

	case res.Status == sip.StatusIntervalTooBrief:
		minExp, err := strconv.Atoi(strings.TrimSpace(res.Header.Get("Min-Expires")))
		if err != nil || minExp <= p.expires {
			p.failed(ctx, res, CauseSIPFailureCode)
			return
		}
		p.expires = minExp
		p.send(ctx, p.body)

	default:
		p.failed(ctx, res, CauseFromStatus(res.Status))
	}
}

// scheduleRefresh sends a body-less PUBLISH at 90% of the granted duration.
func (p *Publisher) scheduleRefresh(expires int) {
	stopTimer(&p.refresh)
	d := time.Duration(expires) * time.Second * 9 / 10
	p.refresh = p.ua.clock.AfterFunc(d, func() {
		p.refresh = nil
		if !p.terminated && p.ua.running {
			p.send(p.ua.ctx, nil)
		}
	})
}

func (p *Publisher) failed(ctx context.Context, res *sip.Response, cause Cause) {
	p.ua.log.LogAttrs(ctx, slog.LevelWarn, "publication failed", slog.Any("publisher", p), slog.Any("cause", cause))
	stopTimer(&p.refresh)
	p.published = false
	p.recovering = false
	p.etag = ""
	p.emit(PublishEvent{Type: PublishEventFailed, Response: res, Cause: cause})
}

func (p *Publisher) terminate(ctx context.Context) {
	if p.terminated {
		return
	}
	p.terminated = true
	stopTimer(&p.refresh)
	if p.ua.publishers[p.key] == p {
		delete(p.ua.publishers, p.key)
	}

	done := func(res *sip.Response, cause Cause) {
		p.published = false
		p.emit(PublishEvent{Type: PublishEventTerminated, Response: res, Cause: cause})
	}
	if p.etag == "" {
		done(nil, "")
		return
	}
	p.sendExpires(ctx, nil, 0, &txHandler{
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
	p.etag = ""
}
