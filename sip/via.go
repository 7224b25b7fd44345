package sip

import (
	"fmt"
	"strconv"
	"strings"

	"braces.dev/errtrace"
	"github.com/ghettovoice/abnf"

	"github.com/ghettovoice/sipua/internal/grammar"
)

// MagicCookie is the RFC 3261 branch prefix.
const MagicCookie = "z9hG4bK"

// Via is a single Via hop.
type Via struct {
	Transport string
	Host      string
	Port      int
	Params    Params
}

// ParseVia parses a Via header value which may contain several hops.
func ParseVia(s string) ([]*Via, error) {
	node, err := grammar.ParseVia(strings.TrimSpace(s))
	if err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(fmt.Errorf("parse Via %q: %w", s, err)))
	}

	parms := node.GetNodes("via-parm")
	hops := make([]*Via, 0, len(parms))
	for _, n := range parms {
		hop, err := buildVia(n)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		hops = append(hops, hop)
	}
	return hops, nil
}

func buildVia(node *abnf.Node) (*Via, error) {
	proto := grammar.MustGetNode(node, "sent-protocol")
	if name := grammar.MustGetNode(proto, "protocol-name").String(); !strings.EqualFold(name, "SIP") {
		return nil, errtrace.Wrap(NewInvalidArgumentError("unsupported Via protocol %q", name))
	}

	v := &Via{Transport: strings.ToUpper(grammar.MustGetNode(proto, "transport").String())}
	sentBy := grammar.MustGetNode(node, "sent-by")
	v.Host = strings.Trim(grammar.MustGetNode(sentBy, "host").String(), "[]")
	if pn, ok := sentBy.GetNode("port"); ok {
		port, err := strconv.Atoi(pn.String())
		if err != nil || port <= 0 || port > 65535 {
			return nil, errtrace.Wrap(NewInvalidArgumentError("invalid Via port %q", pn.String()))
		}
		v.Port = port
	}
	v.Params = buildParams(node.GetNodes("generic-param"))
	return v, nil
}

// Branch returns the branch parameter.
func (v *Via) Branch() string { return v.Params.Value("branch") }

func (v *Via) String() string {
	var sb strings.Builder
	sb.WriteString("SIP/2.0/")
	sb.WriteString(v.Transport)
	sb.WriteByte(' ')
	host := v.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	sb.WriteString(host)
	if v.Port != 0 {
		sb.WriteByte(':')
		sb.WriteString(strconv.Itoa(v.Port))
	}
	v.Params.render(&sb, ';', false)
	return sb.String()
}
