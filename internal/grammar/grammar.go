// Package grammar matches SIP header values against the RFC 3261 rules
// and returns the ABNF node trees the sip package builds its values from.
package grammar

//go:generate errtrace -w .

import (
	"fmt"

	"braces.dev/errtrace"
	"github.com/ghettovoice/abnf"

	"github.com/ghettovoice/sipua/internal/grammar/rfc3261"
)

func init() {
	abnf.EnableNodeCache(1024)
}

type Error string

func (e Error) Error() string { return string(e) }

func (Error) Grammar() bool { return true }

const (
	ErrEmptyInput     Error = "empty input"
	ErrMalformedInput Error = "malformed input"
	ErrNodeNotFound   Error = "node not found"
)

// MustGetNode returns the descendant node with the given key.
// It panics if the rule that produced n always contains such a node and it is missing.
func MustGetNode(n *abnf.Node, k string) *abnf.Node {
	sn, ok := n.GetNode(k)
	if !ok {
		panic(fmt.Errorf("get node %q from node %q: %w", k, n.Key, ErrNodeNotFound))
	}
	return sn
}

type rule func(s []byte, ns *abnf.Nodes) error

// parse matches the whole input against the rule.
func parse(s string, r rule) (*abnf.Node, error) {
	if len(s) == 0 {
		return nil, errtrace.Wrap(ErrEmptyInput)
	}

	ns := abnf.NewNodes()
	defer ns.Free()

	if err := r([]byte(s), ns); err != nil {
		return nil, errtrace.Wrap(fmt.Errorf("%w: %w", ErrMalformedInput, err))
	}

	n := ns.Best()
	if nl, il := n.Len(), len(s); nl < il {
		return nil, errtrace.Wrap(fmt.Errorf("%w: unexpected %q at %d", ErrMalformedInput, s[nl:], nl))
	}
	return n, nil
}

func ParseSIPURI(s string) (*abnf.Node, error) {
	return errtrace.Wrap2(parse(s, rfc3261.Rules().SIPURI))
}

func ParseSIPSURI(s string) (*abnf.Node, error) {
	return errtrace.Wrap2(parse(s, rfc3261.Rules().SIPSURI))
}

func ParseAbsoluteURI(s string) (*abnf.Node, error) {
	return errtrace.Wrap2(parse(s, rfc3261.Rules().AbsoluteURI))
}

// ParseHeaderAddr matches a From, To, Contact or Route like value:
// name-addr or addr-spec followed by header parameters.
func ParseHeaderAddr(s string) (*abnf.Node, error) {
	return errtrace.Wrap2(parse(s, rfc3261.Rules().HeaderAddr))
}

// ParseVia matches a comma separated list of Via hops.
func ParseVia(s string) (*abnf.Node, error) {
	return errtrace.Wrap2(parse(s, rfc3261.Rules().ViaParms))
}

func IsToken[T ~string | ~[]byte](s T) bool {
	if len(s) == 0 {
		return false
	}

	ns := abnf.NewNodes()
	defer ns.Free()

	if err := rfc3261.Rules().Token([]byte(s), ns); err != nil {
		return false
	}
	return ns.Best().Len() == len(s)
}

func IsHost[T ~string | ~[]byte](s T) bool {
	if len(s) == 0 {
		return false
	}

	ns := abnf.NewNodes()
	defer ns.Free()

	if err := rfc3261.Rules().Host([]byte(s), ns); err != nil {
		return false
	}
	return ns.Best().Len() == len(s)
}
