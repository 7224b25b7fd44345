package sip

import (
	"strings"

	"braces.dev/errtrace"
	"github.com/icholy/digest"
)

// Challenge is a parsed WWW-Authenticate or Proxy-Authenticate digest challenge, RFC 3261 Section 22.
type Challenge struct {
	digest.Challenge
}

// ParseChallenge parses the value of WWW-Authenticate or Proxy-Authenticate header.
// Only the Digest scheme with MD5 or SHA-256 algorithm and optional "auth" qop is accepted.
func ParseChallenge(s string) (*Challenge, error) {
	s = strings.TrimSpace(s)
	scheme, params, ok := strings.Cut(s, " ")
	if !ok || !strings.EqualFold(scheme, "Digest") {
		return nil, errtrace.Wrap(NewWrapperError(ErrInvalidChallenge, "unsupported scheme in %q", s))
	}
	chal, err := digest.ParseChallenge(digest.Prefix + strings.TrimSpace(params))
	if err != nil {
		return nil, errtrace.Wrap(NewWrapperError(ErrInvalidChallenge, err))
	}
	for i := range chal.QOP {
		chal.QOP[i] = strings.ToLower(strings.TrimSpace(chal.QOP[i]))
	}

	if chal.Realm == "" || chal.Nonce == "" {
		return nil, errtrace.Wrap(NewWrapperError(ErrInvalidChallenge, "missing realm or nonce"))
	}
	switch strings.ToUpper(chal.Algorithm) {
	case "", "MD5", "SHA-256":
	default:
		return nil, errtrace.Wrap(NewWrapperError(ErrInvalidChallenge, "unsupported algorithm %q", chal.Algorithm))
	}
	if len(chal.QOP) > 0 && !chal.SupportsQOP("auth") {
		return nil, errtrace.Wrap(NewWrapperError(ErrInvalidChallenge, "unsupported qop %q", strings.Join(chal.QOP, ",")))
	}
	return &Challenge{*chal}, nil
}

// Credentials produce the value of Authorization or Proxy-Authorization header.
type Credentials interface {
	// Authenticate computes the response to the challenge for the request.
	// It returns false when the challenge cannot be answered.
	Authenticate(req *Request, chal *Challenge) bool
	// String returns the header value computed by the last successful Authenticate call.
	String() string
}

// DigestCredentials answers digest challenges with a username and password.
// The nonce count is kept across calls while the server keeps the nonce.
type DigestCredentials struct {
	Username string
	Password string

	nonce string
	nc    int
	value string
}

// Authenticate implements [Credentials].
func (c *DigestCredentials) Authenticate(req *Request, chal *Challenge) bool {
	if req == nil || chal == nil {
		return false
	}
	if chal.Nonce != c.nonce {
		c.nonce = chal.Nonce
		c.nc = 0
	}
	if len(chal.QOP) > 0 {
		c.nc++
	}

	cred, err := digest.Digest(&chal.Challenge, digest.Options{
		Method:   string(req.Method),
		URI:      req.URI.WithoutHeaders().String(),
		Count:    c.nc,
		Username: c.Username,
		Password: c.Password,
	})
	if err != nil {
		return false
	}
	c.value = cred.String()
	return true
}

func (c *DigestCredentials) String() string { return c.value }
