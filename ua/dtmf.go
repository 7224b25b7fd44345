package ua

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"braces.dev/errtrace"

	"github.com/ghettovoice/sipua/sip"
)

const (
	DefaultDTMFDuration     = 100 * time.Millisecond
	DefaultDTMFInterToneGap = 500 * time.Millisecond

	minDTMFDuration     = 70 * time.Millisecond
	maxDTMFDuration     = 6000 * time.Millisecond
	minDTMFInterToneGap = 50 * time.Millisecond
	dtmfPause           = 2 * time.Second
)

var (
	dtmfTonesRe    = regexp.MustCompile(`^[0-9A-DR#*,]+$`)
	dtmfSignalRe   = regexp.MustCompile(`(?i)signal\s*=\s*([0-9A-D#*])`)
	dtmfDurationRe = regexp.MustCompile(`(?i)duration\s*=\s*([0-9]+)`)
)

// DTMFOptions customize [Session.SendDTMF].
type DTMFOptions struct {
	// Duration of each tone, clamped to 70ms-6s.
	Duration time.Duration
	// InterToneGap is the pause between tones, at least 50ms.
	InterToneGap time.Duration
	// ExtraHeaders are added to INFO requests.
	ExtraHeaders []sip.HeaderField
}

func (o *DTMFOptions) normalize() DTMFOptions {
	var out DTMFOptions
	if o != nil {
		out = *o
	}
	switch {
	case out.Duration == 0:
		out.Duration = DefaultDTMFDuration
	case out.Duration < minDTMFDuration:
		out.Duration = minDTMFDuration
	case out.Duration > maxDTMFDuration:
		out.Duration = maxDTMFDuration
	}
	switch {
	case out.InterToneGap == 0:
		out.InterToneGap = DefaultDTMFInterToneGap
	case out.InterToneGap < minDTMFInterToneGap:
		out.InterToneGap = minDTMFInterToneGap
	}
	return out
}

// SendDTMF queues tones for sending. A comma pauses for two seconds.
// Tones go through the media handler when it implements [DTMFSender], and as INFO requests otherwise.
func (s *Session) SendDTMF(ctx context.Context, tones string, opts *DTMFOptions) error {
	return errtrace.Wrap(s.ua.do(func() error {
		switch s.status {
		case SessionStatusConfirmed, SessionStatusWaitingForAck, SessionStatus1xxReceived:
		default:
			return errtrace.Wrap(&InvalidStateError{Op: "send DTMF", State: s.status})
		}
		tones = strings.ToUpper(tones)
		if !dtmfTonesRe.MatchString(tones) {
			return errtrace.Wrap(sip.NewInvalidArgumentError("invalid DTMF tones %q", tones))
		}

		running := len(s.tones) > 0 || s.timers.dtmf != nil
		s.tones = append(s.tones, []rune(tones)...)
		if running {
			return nil
		}
		s.dtmfOpts = opts.normalize()
		s.nextTone(ctx)
		return nil
	}))
}

func (s *Session) nextTone(ctx context.Context) {
	if s.closed || len(s.tones) == 0 {
		s.tones = nil
		return
	}
	tone := s.tones[0]
	s.tones = s.tones[1:]

	delay := dtmfPause
	if tone != ',' {
		s.sendTone(ctx, tone)
		delay = s.dtmfOpts.Duration + s.dtmfOpts.InterToneGap
	}
	if len(s.tones) == 0 {
		return
	}
	s.startTimer(&s.timers.dtmf, delay, func() {
		s.timers.dtmf = nil
		s.nextTone(s.ua.ctx)
	})
}

func (s *Session) sendTone(ctx context.Context, tone rune) {
	dur := s.dtmfOpts.Duration
	if ds, ok := s.media.(DTMFSender); ok {
		if err := ds.SendDTMF(ctx, tone, dur); err != nil {
			s.ua.log.LogAttrs(ctx, slog.LevelWarn, "failed to send DTMF", slog.Any("session", s), slog.Any("error", err))
			return
		}
		s.emit(ctx, SessionEvent{Type: SessionEventDTMF, Originator: OriginatorLocal, DTMF: &DTMF{Tone: tone, Duration: dur}})
		return
	}

	if s.dialog == nil {
		s.ua.log.LogAttrs(ctx, slog.LevelDebug, "skip DTMF without dialog", slog.Any("session", s))
		return
	}
	body := &Description{
		ContentType: contentDTMFInfo,
		Body:        []byte("Signal=" + string(tone) + "\r\nDuration=" + strconv.FormatInt(dur.Milliseconds(), 10) + "\r\n"),
	}
	req := s.dialog.sendRequest(ctx, sip.MethodInfo, s.dtmfOpts.ExtraHeaders, body, &txHandler{
		onTimeout:        s.onRequestTimeout,
		onTransportError: s.onTransportError,
		onDialogError:    s.onDialogError,
	})
	s.emit(ctx, SessionEvent{
		Type:       SessionEventDTMF,
		Originator: OriginatorLocal,
		Request:    req,
		DTMF:       &DTMF{Tone: tone, Duration: dur},
	})
}

// parseDTMFInfo parses an application/dtmf-relay body.
func parseDTMFInfo(body []byte) (rune, time.Duration, error) {
	m := dtmfSignalRe.FindSubmatch(body)
	if m == nil {
		return 0, 0, errtrace.Wrap(errors.New("missing DTMF signal"))
	}
	tone := []rune(strings.ToUpper(string(m[1])))[0]
	dur := DefaultDTMFDuration
	if m := dtmfDurationRe.FindSubmatch(body); m != nil {
		if ms, err := strconv.Atoi(string(m[1])); err == nil {
			dur = time.Duration(ms) * time.Millisecond
		}
	}
	return tone, dur, nil
}
