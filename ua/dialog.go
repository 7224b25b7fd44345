package ua

import (
	"context"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/ghettovoice/sipua/internal/util"
	"github.com/ghettovoice/sipua/sip"
)

// DialogID identifies a dialog, RFC 3261 Section 12.
type DialogID struct {
	CallID    string
	LocalTag  string
	RemoteTag string
}

func (id DialogID) String() string { return id.CallID + ";" + id.LocalTag + ";" + id.RemoteTag }

// DialogState is the state of a dialog.
type DialogState int

const (
	DialogStateEarly DialogState = iota + 1
	DialogStateConfirmed
	DialogStateTerminated
)

func (s DialogState) String() string {
	switch s {
	case DialogStateEarly:
		return "early"
	case DialogStateConfirmed:
		return "confirmed"
	case DialogStateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// dialogOwner is a session or a subscription using the dialog.
type dialogOwner interface {
	receiveRequest(ctx context.Context, req *serverRequest)
	// isTerminated reports whether the owner has ended, which cancels 491 reattempts.
	isTerminated() bool
	// ownsCallID reports whether the owner generated the Call-ID of the dialog.
	ownsCallID() bool
}

// dialog holds the state shared by requests within one dialog.
// The glare flags uacPendingReply and uasPendingReply act as a lock on offer/answer
// exchanges: only one INVITE or UPDATE with a body may be pending per direction.
type dialog struct {
	ua    *UserAgent
	owner dialogOwner
	id    DialogID
	state DialogState
	uac   bool

	localURI     *sip.URI
	remoteURI    *sip.URI
	remoteName   string
	remoteTarget *sip.URI
	routeSet     []string

	localSeq     uint32
	remoteSeq    uint32
	remoteSeqSet bool
	// ackSeq is the CSeq of the last INVITE waiting for ACK.
	ackSeq    uint32
	ackSeqSet bool

	uacPendingReply bool
	uasPendingReply bool

	// rseqs keeps RSeq values of reliable provisional responses already PRACKed.
	rseqs []uint32
}

// newDialog creates a dialog from a request received by this UAS or from a response
// received by this UAC. The localTag is the To tag this UAS answers with.
func newDialog(ua *UserAgent, owner dialogOwner, msg sip.Message, early bool, localTag string) (*dialog, error) {
	contact := msg.Headers().Get("Contact")
	if contact == "" {
		return nil, ErrMissingContact
	}
	target, err := sip.ParseNameAddr(firstListValue(contact))
	if err != nil {
		return nil, ErrMissingContact
	}
	return buildDialog(ua, owner, msg, early, localTag, target.URI), nil
}

// buildDialog creates a dialog from msg that sends requests to target.
func buildDialog(ua *UserAgent, owner dialogOwner, msg sip.Message, early bool, localTag string, target *sip.URI) *dialog {
	d := &dialog{
		ua:           ua,
		owner:        owner,
		state:        DialogStateConfirmed,
		remoteTarget: target,
	}
	if early {
		d.state = DialogStateEarly
	}

	cseq, _ := msg.CSeq()
	switch m := msg.(type) {
	case *sip.Request:
		d.id = DialogID{CallID: m.CallID(), LocalTag: localTag, RemoteTag: m.FromTag()}
		d.localURI = m.To().URI
		from := m.From()
		d.remoteURI, d.remoteName = from.URI, from.DisplayName
		d.routeSet = m.Header.List("Record-Route")
		d.remoteSeq, d.remoteSeqSet = cseq.Seq, true
		d.ackSeq, d.ackSeqSet = cseq.Seq, true
		d.localSeq = uint32(util.RandInt(1, 10000))
	case *sip.Response:
		d.uac = true
		d.id = DialogID{CallID: m.CallID(), LocalTag: m.FromTag(), RemoteTag: m.ToTag()}
		d.localURI = m.From().URI
		to := m.To()
		d.remoteURI, d.remoteName = to.URI, to.DisplayName
		d.routeSet = reversed(m.Header.List("Record-Route"))
		d.localSeq = cseq.Seq
		if m.Status.IsSuccessful() {
			d.state = DialogStateConfirmed
		}
	}

	ua.dialogs[d.id] = d
	ua.log.LogAttrs(ua.ctx, slog.LevelDebug, "dialog created", slog.Any("dialog", d))
	return d
}

// LogValue implements [slog.LogValuer].
func (d *dialog) LogValue() slog.Value {
	if d == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("id", d.id.String()),
		slog.String("state", d.state.String()),
		slog.Bool("uac", d.uac),
	)
}

// update promotes an early dialog with the confirming message.
func (d *dialog) update(msg sip.Message) {
	d.state = DialogStateConfirmed
	if d.uac {
		d.routeSet = reversed(msg.Headers().List("Record-Route"))
	}
	if c := msg.Headers().Get("Contact"); c != "" {
		if na, err := sip.ParseNameAddr(firstListValue(c)); err == nil {
			d.remoteTarget = na.URI
		}
	}
}

func (d *dialog) terminate() {
	if d.state == DialogStateTerminated {
		return
	}
	d.state = DialogStateTerminated
	if d.ua.dialogs[d.id] == d {
		delete(d.ua.dialogs, d.id)
	}
	d.ua.log.LogAttrs(d.ua.ctx, slog.LevelDebug, "dialog terminated", slog.Any("dialog", d))
}

// isOfferRequest reports whether the request starts an offer/answer exchange guarded by the glare flags.
func isOfferRequest(req *sip.Request) bool {
	return req.Method == sip.MethodInvite || (req.Method == sip.MethodUpdate && len(req.Body) > 0)
}

// checkInDialogRequest applies RFC 3261 Section 12.2.2 and RFC 3261 Section 14.2 rules.
// It returns false when the request has been answered or must be dropped.
func (d *dialog) checkInDialogRequest(ctx context.Context, req *serverRequest) bool {
	cseq, _ := req.CSeq()

	if isOfferRequest(req.Request) {
		if d.uacPendingReply {
			req.replyStatus(ctx, sip.StatusRequestPending)
			return false
		}
		if d.uasPendingReply {
			retryAfter := strconv.FormatInt(util.RandInt(1, 10), 10)
			req.reply(ctx, sip.StatusServerInternalError, "", //nolint:errcheck
				[]sip.HeaderField{{Name: "Retry-After", Value: retryAfter}}, nil)
			return false
		}
	}

	switch {
	case !d.remoteSeqSet:
		d.remoteSeq, d.remoteSeqSet = cseq.Seq, true
	case cseq.Seq < d.remoteSeq:
		if req.Method == sip.MethodAck {
			if !d.ackSeqSet || cseq.Seq != d.ackSeq {
				return false
			}
		} else {
			req.replyStatus(ctx, sip.StatusServerInternalError)
			return false
		}
	case cseq.Seq > d.remoteSeq:
		d.remoteSeq = cseq.Seq
	}

	if isOfferRequest(req.Request) && req.tx != nil {
		d.uasPendingReply = true
		var remove func()
		remove = req.tx.OnStateChanged(func(_ context.Context, _ sip.Transaction, _, to sip.TransactionState) {
			switch to {
			case sip.TransactionStateAccepted, sip.TransactionStateCompleted, sip.TransactionStateTerminated:
				d.uasPendingReply = false
				remove()
			}
		})
	}

	if contact := req.Header.Get("Contact"); contact != "" && req.tx != nil {
		var wantState sip.TransactionState
		switch req.Method {
		case sip.MethodInvite:
			wantState = sip.TransactionStateAccepted
		case sip.MethodNotify:
			wantState = sip.TransactionStateCompleted
		}
		if wantState != "" {
			var remove func()
			remove = req.tx.OnStateChanged(func(_ context.Context, tx sip.Transaction, _, to sip.TransactionState) {
				if to != wantState {
					return
				}
				remove()
				if res := tx.(sip.ServerTransaction).LastResponse(); res == nil || !res.Status.IsSuccessful() { //nolint:forcetypeassert
					return
				}
				if na, err := sip.ParseNameAddr(firstListValue(contact)); err == nil {
					d.remoteTarget = na.URI
				}
			})
		}
	}
	return true
}

func (d *dialog) receiveRequest(ctx context.Context, req *serverRequest) {
	if !d.checkInDialogRequest(ctx, req) {
		return
	}
	switch req.Method {
	case sip.MethodAck:
		d.ackSeqSet = false
	case sip.MethodInvite:
		cseq, _ := req.CSeq()
		d.ackSeq, d.ackSeqSet = cseq.Seq, true
	}
	d.owner.receiveRequest(ctx, req)
}

// createRequest builds an in-dialog request. ACK and CANCEL reuse the current local sequence number.
func (d *dialog) createRequest(method sip.Method, extra []sip.HeaderField, body *Description) *sip.Request {
	if method != sip.MethodAck && method != sip.MethodCancel {
		d.localSeq++
	}
	return d.ua.newRequest(method, d.remoteTarget, requestParams{
		fromURI:  d.localURI,
		fromTag:  d.id.LocalTag,
		toURI:    d.remoteURI,
		toName:   d.remoteName,
		toTag:    d.id.RemoteTag,
		callID:   d.id.CallID,
		cseq:     d.localSeq,
		routeSet: slices.Clone(d.routeSet),
	}, extra, body)
}

// sendRequest sends an in-dialog request and returns it.
func (d *dialog) sendRequest(
	ctx context.Context,
	method sip.Method,
	extra []sip.HeaderField,
	body *Description,
	app *txHandler,
) *sip.Request {
	req := d.createRequest(method, extra, body)
	if app == nil {
		app = &txHandler{}
	}
	ds := &dialogSender{dialog: d, app: app}
	ds.send(ctx, req)
	return req
}

// acceptRSeq records a PRACKed reliable provisional response.
// It returns false when the RSeq has already been acknowledged.
func (d *dialog) acceptRSeq(rseq uint32) bool {
	if slices.Contains(d.rseqs, rseq) {
		return false
	}
	d.rseqs = append(d.rseqs, rseq)
	return true
}

// dialogSender sends a request within a dialog.
// It maps 408 and 481 to dialog errors and reattempts an INVITE rejected with 491 once.
type dialogSender struct {
	dialog    *dialog
	app       *txHandler
	rs        *requestSender
	reattempt bool
}

func (ds *dialogSender) send(ctx context.Context, req *sip.Request) {
	d := ds.dialog
	ds.rs = d.ua.newRequestSender(req, &txHandler{
		onResponse:       ds.receiveResponse,
		onTimeout:        ds.app.OnRequestTimeout,
		onTransportError: ds.app.OnTransportError,
	})
	ds.rs.nextCSeq = func() uint32 {
		d.localSeq++
		return d.localSeq
	}
	ds.rs.onSent = ds.trackPendingReply
	ds.rs.send(ctx)
}

func (ds *dialogSender) trackPendingReply(tx sip.ClientTransaction) {
	if !isOfferRequest(tx.Request()) {
		return
	}
	switch tx.State() {
	case sip.TransactionStateAccepted, sip.TransactionStateCompleted, sip.TransactionStateTerminated:
		return
	}
	d := ds.dialog
	d.uacPendingReply = true
	var remove func()
	remove = tx.OnStateChanged(func(_ context.Context, _ sip.Transaction, _, to sip.TransactionState) {
		switch to {
		case sip.TransactionStateAccepted, sip.TransactionStateCompleted, sip.TransactionStateTerminated:
			d.uacPendingReply = false
			remove()
		}
	})
}

func (ds *dialogSender) receiveResponse(ctx context.Context, res *sip.Response) {
	switch {
	case res.Status == sip.StatusRequestTimeout || res.Status == sip.StatusCallTransactionDoesNotExist:
		ds.app.dialogError(ctx, res)
	case res.Status == sip.StatusRequestPending && ds.rs.req.Method == sip.MethodInvite:
		if ds.reattempt {
			ds.app.ReceiveResponse(ctx, res)
			return
		}
		ds.reattempt = true
		d := ds.dialog
		delay := util.RandDuration(0, 2*time.Second)
		if d.owner.ownsCallID() {
			delay = util.RandDuration(2100*time.Millisecond, 4*time.Second)
		}
		d.ua.log.LogAttrs(ctx, slog.LevelDebug, "request pending, reattempt INVITE",
			slog.Any("dialog", d),
			slog.Duration("delay", delay),
		)
		d.ua.clock.AfterFunc(delay, func() {
			if d.owner.isTerminated() || d.state == DialogStateTerminated {
				return
			}
			req := ds.rs.req.Clone()
			d.localSeq++
			cseq, _ := req.CSeq()
			cseq.Seq = d.localSeq
			req.Header.Set("CSeq", cseq.String())
			ds.rs.req = req
			ds.rs.send(d.ua.ctx)
		})
	default:
		ds.app.ReceiveResponse(ctx, res)
	}
}

func reversed(s []string) []string {
	out := slices.Clone(s)
	slices.Reverse(out)
	return out
}

// firstListValue returns the first element of a comma separated header value.
func firstListValue(v string) string {
	if l := sip.SplitList(v); len(l) > 0 {
		return l[0]
	}
	return v
}

// sendAck sends the ACK for a 2xx response to INVITE. The ACK is a transaction of
// its own and carries the CSeq number of the INVITE.
func (d *dialog) sendAck(ctx context.Context, res *sip.Response, body *Description) *sip.Request {
	ack := d.createRequest(sip.MethodAck, nil, body)
	cseq, _ := res.CSeq()
	ack.Header.Set("CSeq", sip.CSeq{Seq: cseq.Seq, Method: sip.MethodAck}.String())
	d.ua.setVia(ack)
	if err := d.ua.sender.Send(ctx, ack); err != nil {
		d.ua.log.LogAttrs(ctx, slog.LevelWarn, "failed to send ACK", slog.Any("dialog", d), slog.Any("error", err))
	}
	return ack
}
