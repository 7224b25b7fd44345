package ua

import "github.com/ghettovoice/sipua/sip"

// Cause describes why a session, registration or subscription ended.
type Cause string

const (
	// Generic error causes.
	CauseConnectionError Cause = "Connection Error"
	CauseRequestTimeout  Cause = "Request Timeout"
	CauseSIPFailureCode  Cause = "SIP Failure Code"
	CauseInternalError   Cause = "Internal Error"

	// SIP error causes.
	CauseBusy              Cause = "Busy"
	CauseRejected          Cause = "Rejected"
	CauseRedirected        Cause = "Redirected"
	CauseUnavailable       Cause = "Unavailable"
	CauseNotFound          Cause = "Not Found"
	CauseAddressIncomplete Cause = "Address Incomplete"
	CauseIncompatibleSDP   Cause = "Incompatible SDP"
	CauseMissingSDP        Cause = "Missing SDP"
	CauseAuthenticationErr Cause = "Authentication Error"
	CauseBadMediaDescr     Cause = "Bad Media Description"
	CauseDialogError       Cause = "Dialog Error"

	// Session causes.
	CauseBye      Cause = "Terminated"
	CauseCanceled Cause = "Canceled"
	CauseNoAnswer Cause = "No Answer"
	CauseExpires  Cause = "Expires"
	CauseNoACK    Cause = "No ACK"
	CauseNoPRACK  Cause = "No PRACK"
)

var statusCauses = map[sip.StatusCode]Cause{
	300: CauseRedirected,
	301: CauseRedirected,
	302: CauseRedirected,
	305: CauseRedirected,
	380: CauseRedirected,
	486: CauseBusy,
	600: CauseBusy,
	403: CauseRejected,
	603: CauseRejected,
	404: CauseNotFound,
	604: CauseNotFound,
	410: CauseUnavailable,
	408: CauseUnavailable,
	430: CauseUnavailable,
	480: CauseUnavailable,
	484: CauseAddressIncomplete,
	488: CauseIncompatibleSDP,
	606: CauseIncompatibleSDP,
	401: CauseAuthenticationErr,
	407: CauseAuthenticationErr,
}

// CauseFromStatus maps a final failure status to a cause.
func CauseFromStatus(status sip.StatusCode) Cause {
	if c, ok := statusCauses[status]; ok {
		return c
	}
	return CauseSIPFailureCode
}

// Originator tells which side caused an event.
type Originator string

const (
	OriginatorLocal  Originator = "local"
	OriginatorRemote Originator = "remote"
	OriginatorSystem Originator = "system"
)
