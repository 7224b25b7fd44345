package sip

import "github.com/ghettovoice/sipua/internal/grammar"

// Request methods known to the user agent.
const (
	MethodAck       Method = "ACK"
	MethodBye       Method = "BYE"
	MethodCancel    Method = "CANCEL"
	MethodInfo      Method = "INFO"
	MethodInvite    Method = "INVITE"
	MethodMessage   Method = "MESSAGE"
	MethodNotify    Method = "NOTIFY"
	MethodOptions   Method = "OPTIONS"
	MethodPrack     Method = "PRACK"
	MethodPublish   Method = "PUBLISH"
	MethodRefer     Method = "REFER"
	MethodRegister  Method = "REGISTER"
	MethodSubscribe Method = "SUBSCRIBE"
	MethodUpdate    Method = "UPDATE"
)

// Method is a SIP request method. Methods are case-sensitive.
type Method string

func (m Method) IsValid() bool { return m != "" && grammar.IsToken(m) }

func (m Method) String() string { return string(m) }
