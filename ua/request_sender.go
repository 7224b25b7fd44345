package ua

import (
	"context"
	"log/slog"

	"github.com/ghettovoice/sipua/sip"
)

// requestSender sends a request through a new client transaction and
// retries it once with credentials when it is challenged, RFC 3261 Section 22.
type requestSender struct {
	ua  *UserAgent
	req *sip.Request
	app *txHandler

	// nextCSeq returns the CSeq of a retried request. If nil, the CSeq is incremented.
	nextCSeq func() uint32
	// onAuthenticated is called with the request carrying credentials before it is resent.
	onAuthenticated func(req *sip.Request)
	// onSent is called with every created client transaction.
	onSent func(tx sip.ClientTransaction)

	challenged map[sip.StatusCode]bool
	staled     bool
	tx         sip.ClientTransaction
}

func (ua *UserAgent) newRequestSender(req *sip.Request, app *txHandler) *requestSender {
	return &requestSender{ua: ua, req: req, app: app, challenged: make(map[sip.StatusCode]bool, 2)}
}

func (rs *requestSender) send(ctx context.Context) {
	rs.ua.setVia(rs.req)

	if rs.req.Method == sip.MethodAck {
		if err := rs.ua.sender.Send(ctx, rs.req); err != nil {
			rs.ua.log.LogAttrs(ctx, slog.LevelWarn, "failed to send ACK", slog.Any("request", rs.req), slog.Any("error", err))
			rs.app.OnTransportError(ctx, err)
		}
		return
	}

	tx, err := sip.NewClientTransaction(ctx, rs.req, rs.ua.sender, rs, rs.ua.txOptions())
	if err != nil {
		rs.ua.log.LogAttrs(ctx, slog.LevelWarn, "failed to create client transaction",
			slog.Any("request", rs.req),
			slog.Any("error", err),
		)
		rs.app.OnTransportError(ctx, err)
		return
	}
	rs.tx = tx
	if err := rs.ua.txs.AddClient(tx); err != nil {
		rs.ua.log.LogAttrs(ctx, slog.LevelWarn, "failed to register client transaction",
			slog.Any("transaction", tx),
			slog.Any("error", err),
		)
	}
	rs.ua.cfg.Metrics.TransactionCreated(tx.Type())
	if rs.onSent != nil {
		rs.onSent(tx)
	}
}

// cancel sends CANCEL for a pending INVITE.
func (rs *requestSender) cancel(ctx context.Context, extra ...sip.HeaderField) {
	if ict, ok := rs.tx.(*sip.InviteClientTransaction); ok {
		ict.Cancel(ctx, extra...)
	}
}

func (rs *requestSender) ReceiveResponse(ctx context.Context, res *sip.Response) {
	if res.Status != sip.StatusUnauthorized && res.Status != sip.StatusProxyAuthenticationRequired {
		rs.app.ReceiveResponse(ctx, res)
		return
	}
	if !rs.authenticate(ctx, res) {
		rs.app.ReceiveResponse(ctx, res)
	}
}

func (rs *requestSender) OnRequestTimeout(ctx context.Context) { rs.app.OnRequestTimeout(ctx) }

func (rs *requestSender) OnTransportError(ctx context.Context, err error) {
	rs.app.OnTransportError(ctx, err)
}

func (rs *requestSender) authenticate(ctx context.Context, res *sip.Response) bool {
	chalHdr, authHdr := "WWW-Authenticate", "Authorization"
	if res.Status == sip.StatusProxyAuthenticationRequired {
		chalHdr, authHdr = "Proxy-Authenticate", "Proxy-Authorization"
	}

	var chal *sip.Challenge
	for _, v := range res.Header.Values(chalHdr) {
		c, err := sip.ParseChallenge(v)
		if err != nil {
			rs.ua.log.LogAttrs(ctx, slog.LevelDebug, "skip unsupported challenge", slog.String("challenge", v), slog.Any("error", err))
			continue
		}
		chal = c
		break
	}
	if chal == nil {
		rs.ua.log.LogAttrs(ctx, slog.LevelWarn, "no valid challenge in response", slog.Any("response", res))
		return false
	}
	if rs.challenged[res.Status] && (rs.staled || !chal.Stale) {
		return false
	}

	creds := rs.ua.credentials(chal.Realm)
	if creds == nil {
		return false
	}
	req := rs.req.Clone()
	if !creds.Authenticate(req, chal) {
		rs.ua.log.LogAttrs(ctx, slog.LevelWarn, "failed to answer challenge", slog.String("realm", chal.Realm))
		return false
	}
	rs.challenged[res.Status] = true
	rs.staled = chal.Stale

	cseq, _ := req.CSeq()
	if rs.nextCSeq != nil {
		cseq.Seq = rs.nextCSeq()
	} else {
		cseq.Seq++
	}
	req.Header.Set("CSeq", cseq.String())
	req.Header.Set(authHdr, creds.String())
	rs.req = req

	rs.ua.log.LogAttrs(ctx, slog.LevelDebug, "resend authenticated request", slog.Any("request", req))

	if rs.onAuthenticated != nil {
		rs.onAuthenticated(req)
	}
	rs.send(ctx)
	return true
}

// credentials returns cached credentials for the realm.
func (ua *UserAgent) credentials(realm string) sip.Credentials {
	if c, ok := ua.creds[realm]; ok {
		return c
	}
	if ua.cfg.CredentialsFactory == nil {
		return nil
	}
	c := ua.cfg.CredentialsFactory(realm)
	if c != nil {
		ua.creds[realm] = c
	}
	return c
}
