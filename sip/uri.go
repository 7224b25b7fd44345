package sip

import (
	"fmt"
	"strconv"
	"strings"

	"braces.dev/errtrace"
	"github.com/ghettovoice/abnf"

	"github.com/ghettovoice/sipua/internal/grammar"
)

// Param is a single generic parameter.
// An empty Value renders the parameter as a flag.
type Param struct {
	Name  string
	Value string
}

// Params is an ordered list of parameters with case-insensitive names.
type Params []Param

// Get returns the value of the named parameter.
func (ps Params) Get(name string) (string, bool) {
	for _, p := range ps {
		if strings.EqualFold(p.Name, name) {
			return p.Value, true
		}
	}
	return "", false
}

// Value returns the value of the named parameter or an empty string.
func (ps Params) Value(name string) string {
	v, _ := ps.Get(name)
	return v
}

// Has reports whether the named parameter exists.
func (ps Params) Has(name string) bool {
	_, ok := ps.Get(name)
	return ok
}

// Set replaces or appends the named parameter.
func (ps *Params) Set(name, value string) {
	for i, p := range *ps {
		if strings.EqualFold(p.Name, name) {
			(*ps)[i].Value = value
			return
		}
	}
	*ps = append(*ps, Param{name, value})
}

// Del removes the named parameter.
func (ps *Params) Del(name string) {
	out := (*ps)[:0]
	for _, p := range *ps {
		if !strings.EqualFold(p.Name, name) {
			out = append(out, p)
		}
	}
	*ps = out
}

func (ps Params) clone() Params {
	if ps == nil {
		return nil
	}
	return append(Params(nil), ps...)
}

func (ps Params) render(sb *strings.Builder, sep byte, quote bool) {
	for _, p := range ps {
		sb.WriteByte(sep)
		sb.WriteString(p.Name)
		if p.Value == "" {
			continue
		}
		sb.WriteByte('=')
		if quote && !grammar.IsToken(p.Value) && !strings.HasPrefix(p.Value, `"`) {
			sb.WriteString(strconv.Quote(p.Value))
		} else {
			sb.WriteString(p.Value)
		}
	}
}

func buildParams(nodes []*abnf.Node) Params {
	if len(nodes) == 0 {
		return nil
	}
	ps := make(Params, 0, len(nodes))
	for _, n := range nodes {
		p := Param{Name: n.Children[0].String()}
		if v, ok := n.GetNode("gen-value"); ok {
			p.Value = strings.TrimSpace(v.String())
		}
		ps = append(ps, p)
	}
	return ps
}

// URI is a SIP, SIPS or other absolute URI.
// For schemes other than sip and sips only Scheme and Opaque are set.
type URI struct {
	Scheme   string
	User     string
	Password string
	Host     string
	Port     int
	Params   Params
	Headers  Params
	Opaque   string
}

// ParseURI parses an absolute URI.
// The scheme and the host are lowercased, URI parameters are kept as is.
func ParseURI(s string) (*URI, error) {
	s = strings.TrimSpace(s)
	scheme, rest, ok := strings.Cut(s, ":")
	scheme = strings.ToLower(scheme)
	if ok {
		s = scheme + ":" + rest
	}

	var (
		n   *abnf.Node
		err error
	)
	switch scheme {
	case "sip":
		n, err = grammar.ParseSIPURI(s)
	case "sips":
		n, err = grammar.ParseSIPSURI(s)
	default:
		if n, err = grammar.ParseAbsoluteURI(s); err != nil {
			return nil, errtrace.Wrap(NewInvalidArgumentError(fmt.Errorf("parse URI %q: %w", s, err)))
		}
		return &URI{Scheme: scheme, Opaque: grammar.MustGetNode(n, "opaque-part").String()}, nil
	}
	if err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(fmt.Errorf("parse URI %q: %w", s, err)))
	}
	return errtrace.Wrap2(buildURI(scheme, n))
}

func buildURI(scheme string, node *abnf.Node) (*URI, error) {
	u := &URI{Scheme: scheme}
	if n, ok := node.GetNode("userinfo"); ok && !n.IsEmpty() {
		u.User = unescape(grammar.MustGetNode(n, "user").String())
		if pn, ok := n.GetNode("password"); ok {
			u.Password = pn.String()
		}
	}

	hp := grammar.MustGetNode(node, "hostport")
	u.Host = strings.ToLower(grammar.MustGetNode(hp, "host").String())
	if pn, ok := hp.GetNode("port"); ok {
		port, err := strconv.Atoi(pn.String())
		if err != nil || port <= 0 || port > 65535 {
			return nil, errtrace.Wrap(NewInvalidArgumentError("invalid port %q in URI", pn.String()))
		}
		u.Port = port
	}

	if n, ok := node.GetNode("uri-parameters"); ok && !n.IsEmpty() {
		for _, pn := range n.GetNodes("uri-parameter") {
			p := Param{Name: grammar.MustGetNode(pn, "pname").String()}
			if vn, ok := pn.GetNode("pvalue"); ok {
				p.Value = vn.String()
			}
			u.Params = append(u.Params, p)
		}
	}
	if n, ok := node.GetNode("headers"); ok && !n.IsEmpty() {
		for _, hn := range n.GetNodes("header") {
			u.Headers = append(u.Headers, Param{
				Name:  grammar.MustGetNode(hn, "hname").String(),
				Value: unescape(grammar.MustGetNode(hn, "hvalue").String()),
			})
		}
	}
	return u, nil
}

// IsSIP reports whether the URI has the sip or sips scheme.
func (u *URI) IsSIP() bool { return u != nil && (u.Scheme == "sip" || u.Scheme == "sips") }

// HostPort returns "host[:port]".
func (u *URI) HostPort() string {
	if u.Port == 0 {
		return u.Host
	}
	return u.Host + ":" + strconv.Itoa(u.Port)
}

// Clone returns a deep copy of the URI.
func (u *URI) Clone() *URI {
	if u == nil {
		return nil
	}
	c := *u
	c.Params = u.Params.clone()
	c.Headers = u.Headers.clone()
	return &c
}

// WithoutHeaders returns a copy of the URI with URI headers removed.
func (u *URI) WithoutHeaders() *URI {
	c := u.Clone()
	c.Headers = nil
	return c
}

func (u *URI) String() string {
	if u == nil {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(u.Scheme)
	sb.WriteByte(':')
	if !u.IsSIP() {
		sb.WriteString(u.Opaque)
		return sb.String()
	}
	if u.User != "" {
		sb.WriteString(escapeUser(u.User))
		if u.Password != "" {
			sb.WriteByte(':')
			sb.WriteString(u.Password)
		}
		sb.WriteByte('@')
	}
	sb.WriteString(u.HostPort())
	u.Params.render(&sb, ';', false)
	for i, h := range u.Headers {
		if i == 0 {
			sb.WriteByte('?')
		} else {
			sb.WriteByte('&')
		}
		sb.WriteString(h.Name)
		sb.WriteByte('=')
		sb.WriteString(escapeHeaderValue(h.Value))
	}
	return sb.String()
}

func (u *URI) Format(f fmt.State, verb rune) {
	switch verb {
	case 'q':
		fmt.Fprint(f, strconv.Quote(u.String()))
	default:
		fmt.Fprint(f, u.String())
	}
}

const hexDigits = "0123456789ABCDEF"

func escape(s string, keep func(c byte) bool) string {
	var sb strings.Builder
	for i := range len(s) {
		c := s[i]
		if keep(c) {
			sb.WriteByte(c)
			continue
		}
		sb.WriteByte('%')
		sb.WriteByte(hexDigits[c>>4])
		sb.WriteByte(hexDigits[c&0xf])
	}
	return sb.String()
}

func isUnreserved(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' ||
		strings.IndexByte("-_.!~*'()", c) >= 0
}

func escapeUser(s string) string {
	return escape(s, func(c byte) bool { return isUnreserved(c) || strings.IndexByte("&=+$,;?/", c) >= 0 })
}

func escapeHeaderValue(s string) string {
	return escape(s, func(c byte) bool { return isUnreserved(c) || strings.IndexByte("[]/?:+$", c) >= 0 })
}

func unescape(s string) string {
	if !strings.Contains(s, "%") {
		return s
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) {
			if n, err := strconv.ParseUint(s[i+1:i+3], 16, 8); err == nil {
				sb.WriteByte(byte(n))
				i += 2
				continue
			}
		}
		sb.WriteByte(s[i])
	}
	return sb.String()
}
