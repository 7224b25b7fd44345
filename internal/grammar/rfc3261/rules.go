// Package rfc3261 holds ABNF operators for the RFC 3261 rules listed in ../sip.abnf.
package rfc3261

import (
	"fmt"

	"github.com/ghettovoice/abnf"
)

func lit(s string) abnf.Operator {
	return abnf.Literal(`"`+s+`"`, []byte(s))
}

func oneOf(key, set string) abnf.Operator {
	alts := make([]abnf.Operator, len(set))
	for i := range len(set) {
		alts[i] = lit(set[i : i+1])
	}
	return abnf.Alt(key, alts[0], alts[1:]...)
}

func byteRange(lo, hi byte) abnf.Operator {
	return abnf.Range(fmt.Sprintf("%%x%02X-%02X", lo, hi), []byte{lo}, []byte{hi})
}

// core
var (
	alpha  = abnf.Alt("ALPHA", byteRange(0x41, 0x5A), byteRange(0x61, 0x7A))
	digit  = abnf.Range("DIGIT", []byte{0x30}, []byte{0x39})
	hexdig = abnf.Alt("HEXDIG", digit, byteRange(0x41, 0x46), byteRange(0x61, 0x66))
	wsp    = oneOf("WSP", " \t")
	dquote = abnf.Literal("DQUOTE", []byte{0x22})

	lws    = abnf.Repeat1Inf("LWS", wsp)
	sws    = abnf.Repeat0Inf("SWS", wsp)
	slash  = abnf.Concat("SLASH", sws, lit("/"), sws)
	semi   = abnf.Concat("SEMI", sws, lit(";"), sws)
	equal  = abnf.Concat("EQUAL", sws, lit("="), sws)
	colon  = abnf.Concat("COLON", sws, lit(":"), sws)
	comma  = abnf.Concat("COMMA", sws, lit(","), sws)
	laquot = abnf.Concat("LAQUOT", sws, lit("<"))
	raquot = abnf.Concat("RAQUOT", lit(">"), sws)
)

// characters
var (
	alphanum   = abnf.Alt("alphanum", alpha, digit)
	mark       = oneOf("mark", "-_.!~*'()")
	unreserved = abnf.Alt("unreserved", alphanum, mark)
	escaped    = abnf.Concat("escaped", lit("%"), hexdig, hexdig)
	reserved   = oneOf("reserved", ";/?:@&=+$,")
	uric       = abnf.Alt("uric", reserved, unreserved, escaped)
	plainURIC  = abnf.Alt("plain-uric", unreserved, escaped, oneOf(`"/" / ":" / "@" / "&" / "=" / "+" / "$"`, "/:@&=+$"))

	tokenChar = abnf.Alt(`alphanum / "-" / "." / "!" / "%" / "*" / "_" / "+" / "`+"`"+`" / "'" / "~"`,
		alphanum, oneOf("token-mark", "-.!%*_+`'~"))
)

// SIP-URI
var (
	user = abnf.Repeat1Inf("user", abnf.Alt("unreserved / escaped / user-unreserved",
		unreserved, escaped, oneOf("user-unreserved", "&=+$,;?/")))
	password = abnf.Repeat0Inf("password", abnf.Alt("unreserved / escaped / password-unreserved",
		unreserved, escaped, oneOf("password-unreserved", "&=+$,")))
	userinfo = abnf.Concat("userinfo",
		user,
		abnf.Optional(`[ ":" password ]`, abnf.Concat(`":" password`, lit(":"), password)),
		lit("@"),
	)

	labelTail = abnf.Repeat0Inf(`*( alphanum / "-" )`, abnf.Alt(`alphanum / "-"`, alphanum, lit("-")))

	domainlabel = abnf.Alt("domainlabel",
		alphanum,
		abnf.Concat(`alphanum *( alphanum / "-" ) alphanum`, alphanum, labelTail, alphanum),
	)
	toplabel = abnf.Alt("toplabel",
		alpha,
		abnf.Concat(`ALPHA *( alphanum / "-" ) alphanum`, alpha, labelTail, alphanum),
	)
	hostname = abnf.Concat("hostname",
		abnf.Repeat0Inf(`*( domainlabel "." )`, abnf.Concat(`domainlabel "."`, domainlabel, lit("."))),
		toplabel,
		abnf.Optional(`[ "." ]`, lit(".")),
	)
	decOctet    = abnf.Repeat("1*3DIGIT", 1, 3, digit)
	ipv4address = abnf.Concat("IPv4address", decOctet, lit("."), decOctet, lit("."), decOctet, lit("."), decOctet)
	ipv6address = abnf.Repeat1Inf("IPv6address", abnf.Alt(`HEXDIG / ":" / "."`, hexdig, lit(":"), lit(".")))
	ipv6ref     = abnf.Concat("IPv6reference", lit("["), ipv6address, lit("]"))
	host        = abnf.Alt("host", hostname, ipv4address, ipv6ref)
	port        = abnf.Repeat1Inf("port", digit)
	hostport    = abnf.Concat("hostport", host, abnf.Optional(`[ ":" port ]`, abnf.Concat(`":" port`, lit(":"), port)))

	paramchar    = abnf.Alt("paramchar", oneOf("param-unreserved", "[]/:&+$"), unreserved, escaped)
	pname        = abnf.Repeat1Inf("pname", paramchar)
	pvalue       = abnf.Repeat1Inf("pvalue", paramchar)
	uriParameter = abnf.Concat("uri-parameter", pname, abnf.Optional(`[ "=" pvalue ]`, abnf.Concat(`"=" pvalue`, lit("="), pvalue)))
	uriParams    = abnf.Repeat0Inf("uri-parameters", abnf.Concat(`";" uri-parameter`, lit(";"), uriParameter))

	hnvChar = abnf.Alt("hnv-unreserved / unreserved / escaped", oneOf("hnv-unreserved", "[]/?:+$"), unreserved, escaped)
	hname   = abnf.Repeat1Inf("hname", hnvChar)
	hvalue  = abnf.Repeat0Inf("hvalue", hnvChar)
	header  = abnf.Concat("header", hname, lit("="), hvalue)
	headers = abnf.Concat("headers", lit("?"), header, abnf.Repeat0Inf(`*( "&" header )`, abnf.Concat(`"&" header`, lit("&"), header)))

	sipURI = abnf.Concat("SIP-URI",
		lit("sip:"),
		abnf.Optional("[ userinfo ]", userinfo),
		hostport,
		uriParams,
		abnf.Optional("[ headers ]", headers),
	)
	sipsURI = abnf.Concat("SIPS-URI",
		lit("sips:"),
		abnf.Optional("[ userinfo ]", userinfo),
		hostport,
		uriParams,
		abnf.Optional("[ headers ]", headers),
	)

	scheme = abnf.Concat("scheme", alpha, abnf.Repeat0Inf(`*( ALPHA / DIGIT / "+" / "-" / "." )`,
		abnf.Alt(`ALPHA / DIGIT / "+" / "-" / "."`, alpha, digit, oneOf("scheme-mark", "+-."))))
	opaquePart  = abnf.Repeat1Inf("opaque-part", uric)
	absoluteURI = abnf.Concat("absoluteURI", scheme, lit(":"), opaquePart)
)

// header values
var (
	token         = abnf.Repeat1Inf("token", tokenChar)
	qdtext        = abnf.Alt("qdtext", lws, lit("!"), byteRange(0x23, 0x5B), byteRange(0x5D, 0x7E), byteRange(0x80, 0xFF))
	quotedPair    = abnf.Concat("quoted-pair", lit(`\`), abnf.Alt("%x00-09 / %x0B-0C / %x0E-7F", byteRange(0x00, 0x09), byteRange(0x0B, 0x0C), byteRange(0x0E, 0x7F)))
	quotedString  = abnf.Concat("quoted-string", sws, dquote, abnf.Repeat0Inf("*( qdtext / quoted-pair )", abnf.Alt("qdtext / quoted-pair", qdtext, quotedPair)), dquote)
	genValue      = abnf.Alt("gen-value", token, host, quotedString)
	genericParam  = abnf.Concat("generic-param", token, abnf.Optional("[ EQUAL gen-value ]", abnf.Concat("EQUAL gen-value", equal, genValue)))
	genericParams = abnf.Repeat0Inf("*( SEMI generic-param )", abnf.Concat("SEMI generic-param", semi, genericParam))

	displayName = abnf.Alt("display-name",
		abnf.Repeat0Inf("*( token LWS )", abnf.Concat("token LWS", token, lws)),
		quotedString,
	)
	addrSpec      = abnf.Concat("addr-spec", scheme, lit(":"), opaquePart)
	nameAddr      = abnf.Concat("name-addr", abnf.Optional("[ display-name ]", displayName), laquot, addrSpec, raquot)
	plainAddrSpec = abnf.Concat("plain-addr-spec", scheme, lit(":"), abnf.Repeat1Inf("1*plain-uric", plainURIC))
	headerAddr    = abnf.Concat("header-addr", abnf.Alt("name-addr / plain-addr-spec", nameAddr, plainAddrSpec), genericParams)

	sentProtocol = abnf.Concat("sent-protocol",
		abnf.Repeat1Inf("protocol-name", tokenChar),
		slash,
		abnf.Repeat1Inf("protocol-version", tokenChar),
		slash,
		abnf.Repeat1Inf("transport", tokenChar),
	)
	sentBy   = abnf.Concat("sent-by", host, abnf.Optional("[ COLON port ]", abnf.Concat("COLON port", colon, port)))
	viaParm  = abnf.Concat("via-parm", sentProtocol, lws, sentBy, genericParams)
	viaParms = abnf.Concat("via-parms", viaParm, abnf.Repeat0Inf("*( COMMA via-parm )", abnf.Concat("COMMA via-parm", comma, viaParm)))
)

type operators struct {
	SIPURI      abnf.Operator
	SIPSURI     abnf.Operator
	AbsoluteURI abnf.Operator
	HeaderAddr  abnf.Operator
	ViaParms    abnf.Operator
	Token       abnf.Operator
	Host        abnf.Operator
}

var ops = &operators{
	SIPURI:      sipURI,
	SIPSURI:     sipsURI,
	AbsoluteURI: absoluteURI,
	HeaderAddr:  headerAddr,
	ViaParms:    viaParms,
	Token:       token,
	Host:        host,
}

// Operators returns the top level operators for embedding into other rules.
func Operators() *operators { return ops }

type rules struct{}

// Rules returns the top level rules. Each one matches the input from its start.
func Rules() rules { return rules{} }

func (rules) SIPURI(s []byte, ns *abnf.Nodes) error {
	return sipURI(s, 0, ns) //errtrace:skip
}

func (rules) SIPSURI(s []byte, ns *abnf.Nodes) error {
	return sipsURI(s, 0, ns) //errtrace:skip
}

func (rules) AbsoluteURI(s []byte, ns *abnf.Nodes) error {
	return absoluteURI(s, 0, ns) //errtrace:skip
}

func (rules) HeaderAddr(s []byte, ns *abnf.Nodes) error {
	return headerAddr(s, 0, ns) //errtrace:skip
}

func (rules) ViaParms(s []byte, ns *abnf.Nodes) error {
	return viaParms(s, 0, ns) //errtrace:skip
}

func (rules) Token(s []byte, ns *abnf.Nodes) error {
	return token(s, 0, ns) //errtrace:skip
}

func (rules) Host(s []byte, ns *abnf.Nodes) error {
	return host(s, 0, ns) //errtrace:skip
}
