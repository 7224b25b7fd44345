package sip

import "strconv"

// Response status codes registered by IANA.
const (
	StatusTrying                StatusCode = 100
	StatusRinging               StatusCode = 180
	StatusCallIsBeingForwarded  StatusCode = 181
	StatusQueued                StatusCode = 182
	StatusSessionProgress       StatusCode = 183
	StatusEarlyDialogTerminated StatusCode = 199 // [RFC6228]

	StatusOK             StatusCode = 200
	StatusAccepted       StatusCode = 202 // [RFC3265]
	StatusNoNotification StatusCode = 204 // [RFC5839]

	StatusMultipleChoices    StatusCode = 300
	StatusMovedPermanently   StatusCode = 301
	StatusMovedTemporarily   StatusCode = 302
	StatusUseProxy           StatusCode = 305
	StatusAlternativeService StatusCode = 380

	StatusBadRequest                   StatusCode = 400
	StatusUnauthorized                 StatusCode = 401
	StatusPaymentRequired              StatusCode = 402
	StatusForbidden                    StatusCode = 403
	StatusNotFound                     StatusCode = 404
	StatusMethodNotAllowed             StatusCode = 405
	StatusNotAcceptable                StatusCode = 406
	StatusProxyAuthenticationRequired  StatusCode = 407
	StatusRequestTimeout               StatusCode = 408
	StatusConflict                     StatusCode = 409
	StatusGone                         StatusCode = 410
	StatusLengthRequired               StatusCode = 411
	StatusConditionalRequestFailed     StatusCode = 412 // [RFC3903]
	StatusRequestEntityTooLarge        StatusCode = 413
	StatusRequestURITooLong            StatusCode = 414
	StatusUnsupportedMediaType         StatusCode = 415
	StatusUnsupportedURIScheme         StatusCode = 416
	StatusUnknownResourcePriority      StatusCode = 417
	StatusBadExtension                 StatusCode = 420
	StatusExtensionRequired            StatusCode = 421
	StatusSessionIntervalTooSmall      StatusCode = 422 // [RFC4028]
	StatusIntervalTooBrief             StatusCode = 423
	StatusUseIdentityHeader            StatusCode = 428 // [RFC4474]
	StatusProvideReferrerIdentity      StatusCode = 429 // [RFC3892]
	StatusFlowFailed                   StatusCode = 430 // [RFC5626]
	StatusAnonymityDisallowed          StatusCode = 433 // [RFC5079]
	StatusBadIdentityInfo              StatusCode = 436 // [RFC4474]
	StatusUnsupportedCertificate       StatusCode = 437 // [RFC4474]
	StatusInvalidIdentityHeader        StatusCode = 438 // [RFC4474]
	StatusFirstHopLacksOutboundSupport StatusCode = 439 // [RFC5626]
	StatusMaxBreadthExceeded           StatusCode = 440 // [RFC5393]
	StatusBadInfoPackage               StatusCode = 469 // [RFC6086]
	StatusConsentNeeded                StatusCode = 470 // [RFC5360]
	StatusTemporarilyUnavailable       StatusCode = 480
	StatusCallTransactionDoesNotExist  StatusCode = 481
	StatusLoopDetected                 StatusCode = 482
	StatusTooManyHops                  StatusCode = 483
	StatusAddressIncomplete            StatusCode = 484
	StatusAmbiguous                    StatusCode = 485
	StatusBusyHere                     StatusCode = 486
	StatusRequestTerminated            StatusCode = 487
	StatusNotAcceptableHere            StatusCode = 488
	StatusBadEvent                     StatusCode = 489 // [RFC3265]
	StatusRequestPending               StatusCode = 491
	StatusUndecipherable               StatusCode = 493
	StatusSecurityAgreementRequired    StatusCode = 494 // [RFC3329]

	StatusServerInternalError StatusCode = 500
	StatusNotImplemented      StatusCode = 501
	StatusBadGateway          StatusCode = 502
	StatusServiceUnavailable  StatusCode = 503
	StatusGatewayTimeout      StatusCode = 504
	StatusVersionNotSupported StatusCode = 505
	StatusMessageTooLarge     StatusCode = 513
	StatusPreconditionFailure StatusCode = 580 // [RFC3312]

	StatusBusyEverywhere       StatusCode = 600
	StatusDecline              StatusCode = 603
	StatusDoesNotExistAnywhere StatusCode = 604
	StatusNotAcceptable606     StatusCode = 606
	StatusDialogTerminated     StatusCode = 687
)

// StatusCode is a SIP response status code.
type StatusCode uint

func (s StatusCode) IsValid() bool { return s >= 100 && s < 700 }

func (s StatusCode) IsProvisional() bool { return s >= 100 && s < 200 }

func (s StatusCode) IsSuccessful() bool { return s >= 200 && s < 300 }

func (s StatusCode) IsRedirection() bool { return s >= 300 && s < 400 }

func (s StatusCode) IsRequestFailure() bool { return s >= 400 && s < 500 }

func (s StatusCode) IsServerFailure() bool { return s >= 500 && s < 600 }

func (s StatusCode) IsGlobalFailure() bool { return s >= 600 && s < 700 }

// IsFinal reports whether the status code is 200-699.
func (s StatusCode) IsFinal() bool { return s >= 200 && s < 700 }

// Reason returns the default reason phrase or "Unknown Status".
func (s StatusCode) Reason() string {
	if r, ok := reasons[s]; ok {
		return r
	}
	return "Unknown Status"
}

func (s StatusCode) String() string { return strconv.FormatUint(uint64(s), 10) + " " + s.Reason() }

var reasons = map[StatusCode]string{
	StatusTrying:                "Trying",
	StatusRinging:               "Ringing",
	StatusCallIsBeingForwarded:  "Call Is Being Forwarded",
	StatusQueued:                "Queued",
	StatusSessionProgress:       "Session Progress",
	StatusEarlyDialogTerminated: "Early Dialog Terminated",

	StatusOK:             "OK",
	StatusAccepted:       "Accepted",
	StatusNoNotification: "No Notification",

	StatusMultipleChoices:    "Multiple Choices",
	StatusMovedPermanently:   "Moved Permanently",
	StatusMovedTemporarily:   "Moved Temporarily",
	StatusUseProxy:           "Use Proxy",
	StatusAlternativeService: "Alternative Service",

	StatusBadRequest:                   "Bad Request",
	StatusUnauthorized:                 "Unauthorized",
	StatusPaymentRequired:              "Payment Required",
	StatusForbidden:                    "Forbidden",
	StatusNotFound:                     "Not Found",
	StatusMethodNotAllowed:             "Method Not Allowed",
	StatusNotAcceptable:                "Not Acceptable",
	StatusProxyAuthenticationRequired:  "Proxy Authentication Required",
	StatusRequestTimeout:               "Request Timeout",
	StatusConflict:                     "Conflict",
	StatusGone:                         "Gone",
	StatusLengthRequired:               "Length Required",
	StatusConditionalRequestFailed:     "Conditional Request Failed",
	StatusRequestEntityTooLarge:        "Request Entity Too Large",
	StatusRequestURITooLong:            "Request-URI Too Long",
	StatusUnsupportedMediaType:         "Unsupported Media Type",
	StatusUnsupportedURIScheme:         "Unsupported URI Scheme",
	StatusUnknownResourcePriority:      "Unknown Resource-Priority",
	StatusBadExtension:                 "Bad Extension",
	StatusExtensionRequired:            "Extension Required",
	StatusSessionIntervalTooSmall:      "Session Interval Too Small",
	StatusIntervalTooBrief:             "Interval Too Brief",
	StatusUseIdentityHeader:            "Use Identity Header",
	StatusProvideReferrerIdentity:      "Provide Referrer Identity",
	StatusFlowFailed:                   "Flow Failed",
	StatusAnonymityDisallowed:          "Anonymity Disallowed",
	StatusBadIdentityInfo:              "Bad Identity-Info",
	StatusUnsupportedCertificate:       "Unsupported Certificate",
	StatusInvalidIdentityHeader:        "Invalid Identity Header",
	StatusFirstHopLacksOutboundSupport: "First Hop Lacks Outbound Support",
	StatusMaxBreadthExceeded:           "Max-Breadth Exceeded",
	StatusBadInfoPackage:               "Bad Info Package",
	StatusConsentNeeded:                "Consent Needed",
	StatusTemporarilyUnavailable:       "Temporarily Unavailable",
	StatusCallTransactionDoesNotExist:  "Call/Transaction Does Not Exist",
	StatusLoopDetected:                 "Loop Detected",
	StatusTooManyHops:                  "Too Many Hops",
	StatusAddressIncomplete:            "Address Incomplete",
	StatusAmbiguous:                    "Ambiguous",
	StatusBusyHere:                     "Busy Here",
	StatusRequestTerminated:            "Request Terminated",
	StatusNotAcceptableHere:            "Not Acceptable Here",
	StatusBadEvent:                     "Bad Event",
	StatusRequestPending:               "Request Pending",
	StatusUndecipherable:               "Undecipherable",
	StatusSecurityAgreementRequired:    "Security Agreement Required",

	StatusServerInternalError:  "Server Internal Error",
	StatusNotImplemented:       "Not Implemented",
	StatusBadGateway:           "Bad Gateway",
	StatusServiceUnavailable:   "Service Unavailable",
	StatusGatewayTimeout:       "Gateway Time-out",
	StatusVersionNotSupported:  "Version Not Supported",
	StatusMessageTooLarge:      "Message Too Large",
	StatusPreconditionFailure:  "Precondition Failure",
	StatusBusyEverywhere:       "Busy Everywhere",
	StatusDecline:              "Decline",
	StatusDoesNotExistAnywhere: "Does Not Exist Anywhere",
	StatusNotAcceptable606:     "Not Acceptable",
	StatusDialogTerminated:     "Dialog Terminated",
}
