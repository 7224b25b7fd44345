package ua

import (
	"time"

	"github.com/ghettovoice/sipua/sip"
)

// EventType enumerates user agent events.
type EventType int

const (
	EventConnected EventType = iota + 1
	EventDisconnected
	EventNewSession
	EventNewMessage
	EventNewOptions
	EventNewNotify
	EventRegistered
	EventUnregistered
	EventRegistrationFailed
)

var eventTypeNames = map[EventType]string{
	EventConnected:          "connected",
	EventDisconnected:       "disconnected",
	EventNewSession:         "new_session",
	EventNewMessage:         "new_message",
	EventNewOptions:         "new_options",
	EventNewNotify:          "new_notify",
	EventRegistered:         "registered",
	EventUnregistered:       "unregistered",
	EventRegistrationFailed: "registration_failed",
}

func (t EventType) String() string {
	if s, ok := eventTypeNames[t]; ok {
		return s
	}
	return "unknown"
}

// Event is emitted by the [UserAgent].
type Event struct {
	Type       EventType
	Originator Originator
	// Session is set for [EventNewSession].
	Session *Session
	// Replaces is the session an inbound INVITE with Replaces header takes over.
	Replaces *Session
	Request  *sip.Request
	Response *sip.Response
	Cause    Cause
	Err      error
}

// SessionEventType enumerates session events.
type SessionEventType int

const (
	SessionEventSending SessionEventType = iota + 1
	SessionEventProgress
	SessionEventAccepted
	SessionEventConfirmed
	SessionEventFailed
	SessionEventEnded
	SessionEventHold
	SessionEventUnhold
	SessionEventReInvite
	SessionEventUpdate
	SessionEventRefer
	SessionEventDTMF
	SessionEventInfo
)

var sessionEventTypeNames = map[SessionEventType]string{
	SessionEventSending:   "sending",
	SessionEventProgress:  "progress",
	SessionEventAccepted:  "accepted",
	SessionEventConfirmed: "confirmed",
	SessionEventFailed:    "failed",
	SessionEventEnded:     "ended",
	SessionEventHold:      "hold",
	SessionEventUnhold:    "unhold",
	SessionEventReInvite:  "reinvite",
	SessionEventUpdate:    "update",
	SessionEventRefer:     "refer",
	SessionEventDTMF:      "dtmf",
	SessionEventInfo:      "info",
}

func (t SessionEventType) String() string {
	if s, ok := sessionEventTypeNames[t]; ok {
		return s
	}
	return "unknown"
}

// SessionEvent is emitted by a [Session].
// [SessionEventFailed] ends a session that was never confirmed, [SessionEventEnded] ends a confirmed one.
type SessionEvent struct {
	Type       SessionEventType
	Session    *Session
	Originator Originator
	Cause      Cause
	Request    *sip.Request
	Response   *sip.Response
	// DTMF is set for [SessionEventDTMF].
	DTMF *DTMF
	// Info is set for [SessionEventInfo].
	Info *Description
	// Refer is set for [SessionEventRefer].
	Refer *ReferRequest
}

// DTMF is a single tone sent or received in a session.
type DTMF struct {
	Tone     rune
	Duration time.Duration
}

// ReferEventType enumerates progress events of an outbound REFER.
type ReferEventType int

const (
	ReferRequestSucceeded ReferEventType = iota + 1
	ReferRequestFailed
	ReferTrying
	ReferProgress
	ReferAccepted
	ReferFailed
)

func (t ReferEventType) String() string {
	switch t {
	case ReferRequestSucceeded:
		return "request_succeeded"
	case ReferRequestFailed:
		return "request_failed"
	case ReferTrying:
		return "trying"
	case ReferProgress:
		return "progress"
	case ReferAccepted:
		return "accepted"
	case ReferFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ReferEvent reports the outcome of a REFER request and the progress of the referred call.
// Status and Reason come from the message/sipfrag body of NOTIFY requests.
type ReferEvent struct {
	Type     ReferEventType
	Request  *sip.Request
	Response *sip.Response
	Status   sip.StatusCode
	Reason   string
	Cause    Cause
}

// RequestResult is the outcome of an out-of-dialog request.
type RequestResult struct {
	Request  *sip.Request
	Response *sip.Response
	// Cause is empty on success.
	Cause Cause
}

// Succeeded reports whether a 2xx response was received.
func (r RequestResult) Succeeded() bool {
	return r.Cause == "" && r.Response != nil && r.Response.Status.IsSuccessful()
}
