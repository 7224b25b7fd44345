package ua

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/ghettovoice/sipua/sip"
)

// checkRequest runs the checks of RFC 3261 Sections 8.2.2 and 18.3 on an inbound request.
// It returns false when the request must not reach the transaction layer,
// replying to it when a response can be built.
func (ua *UserAgent) checkRequest(ctx context.Context, req *sip.Request) bool {
	if err := req.Validate(); err != nil {
		ua.log.LogAttrs(ctx, slog.LevelDebug, "drop invalid request", slog.Any("request", req), slog.Any("error", err))
		return false
	}

	reject := func(status sip.StatusCode, reason string) bool {
		ua.log.LogAttrs(ctx, slog.LevelDebug, "request failed sanity check",
			slog.Any("request", req),
			slog.Any("status", status),
			slog.String("reason", reason),
		)
		if req.Method == sip.MethodAck {
			return false
		}
		res := req.NewResponse(status, reason)
		if req.ToTag() == "" {
			res.SetToTag(sip.GenerateTag())
		}
		if err := ua.sender.Send(ctx, res); err != nil {
			ua.log.LogAttrs(ctx, slog.LevelWarn, "failed to send response", slog.Any("error", err))
		}
		return false
	}

	if s := strings.ToLower(req.URI.Scheme); s != "sip" && s != "sips" {
		return reject(sip.StatusUnsupportedURIScheme, "")
	}
	if !contentLengthMatches(req) {
		return reject(sip.StatusBadRequest, "Content-Length Mismatch")
	}
	if req.ToTag() == "" && req.Method != sip.MethodAck && ua.isOwnRequest(req) {
		return reject(sip.StatusLoopDetected, "")
	}
	if req.ToTag() == "" && req.Method != sip.MethodAck && req.Method != sip.MethodCancel && ua.isMergedRequest(req) {
		return reject(sip.StatusLoopDetected, "Merged Request")
	}
	return true
}

// checkResponse runs the checks of RFC 3261 Sections 8.1.3.3 and 18.1.2 on an inbound response.
// Failed responses are dropped silently.
func (ua *UserAgent) checkResponse(ctx context.Context, res *sip.Response) bool {
	drop := func(reason string) bool {
		ua.log.LogAttrs(ctx, slog.LevelDebug, "drop response", slog.Any("response", res), slog.String("reason", reason))
		return false
	}
	if err := res.Validate(); err != nil {
		return drop(err.Error())
	}
	if vias := res.Header.List("Via"); len(vias) > 1 {
		return drop("more than one Via")
	}
	if via := res.TopVia(); !strings.EqualFold(via.Host, ua.cfg.ViaHost) {
		return drop("Via sent-by does not match")
	}
	if !contentLengthMatches(res) {
		return drop("Content-Length mismatch")
	}
	return true
}

func contentLengthMatches(msg sip.Message) bool {
	v := msg.Headers().Get("Content-Length")
	if v == "" {
		return true
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	return err == nil && n == len(msg.Content())
}

// isOwnRequest reports a request sent by this user agent that looped back to it.
func (ua *UserAgent) isOwnRequest(req *sip.Request) bool {
	_, ok := ua.txs.Client(sip.TransactionKey{Branch: req.ViaBranch(), Method: req.Method})
	return ok
}

// isMergedRequest detects a request arriving over several paths, RFC 3261 Section 8.2.2.2.
func (ua *UserAgent) isMergedRequest(req *sip.Request) bool {
	cseq, _ := req.CSeq()
	key := sip.ServerTransactionKey(req)
	for tx := range ua.txs.ServerTransactions() {
		other := tx.Request()
		if tx.Key() == key || other.CallID() != req.CallID() || other.FromTag() != req.FromTag() {
			continue
		}
		if ocseq, _ := other.CSeq(); ocseq == cseq {
			return true
		}
	}
	return false
}
