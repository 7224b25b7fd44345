package sip

import (
	"fmt"
	"strconv"
	"strings"

	"braces.dev/errtrace"
	"github.com/ghettovoice/abnf"

	"github.com/ghettovoice/sipua/internal/grammar"
)

// NameAddr is the value of From, To, Contact, Route, Record-Route, Refer-To and similar headers.
type NameAddr struct {
	DisplayName string
	URI         *URI
	Params      Params
}

// ParseNameAddr parses a name-addr or addr-spec with header parameters.
// For the addr-spec form all parameters after the URI belong to the header.
func ParseNameAddr(s string) (*NameAddr, error) {
	node, err := grammar.ParseHeaderAddr(strings.TrimSpace(s))
	if err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(fmt.Errorf("parse address %q: %w", s, err)))
	}

	a := new(NameAddr)
	var spec *abnf.Node
	if n, ok := node.GetNode("name-addr"); ok {
		if dn, ok := n.GetNode("display-name"); ok {
			a.DisplayName = strings.TrimSpace(dn.String())
			if uq, err := strconv.Unquote(a.DisplayName); err == nil {
				a.DisplayName = uq
			}
		}
		spec = grammar.MustGetNode(n, "addr-spec")
	} else {
		spec = grammar.MustGetNode(node, "plain-addr-spec")
	}

	if a.URI, err = ParseURI(spec.String()); err != nil {
		return nil, errtrace.Wrap(err)
	}
	a.Params = buildParams(node.GetNodes("generic-param"))
	return a, nil
}

// Tag returns the tag parameter.
func (a *NameAddr) Tag() string {
	if a == nil {
		return ""
	}
	return a.Params.Value("tag")
}

// Clone returns a deep copy.
func (a *NameAddr) Clone() *NameAddr {
	if a == nil {
		return nil
	}
	return &NameAddr{a.DisplayName, a.URI.Clone(), a.Params.clone()}
}

func (a *NameAddr) String() string {
	if a == nil {
		return ""
	}
	var sb strings.Builder
	if a.DisplayName != "" {
		if grammar.IsToken(strings.ReplaceAll(a.DisplayName, " ", "")) {
			sb.WriteString(a.DisplayName)
		} else {
			sb.WriteString(strconv.Quote(a.DisplayName))
		}
		sb.WriteByte(' ')
	}
	sb.WriteByte('<')
	sb.WriteString(a.URI.String())
	sb.WriteByte('>')
	a.Params.render(&sb, ';', true)
	return sb.String()
}
