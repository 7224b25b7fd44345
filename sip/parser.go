package sip

import (
	"bytes"
	"strconv"
	"strings"

	"braces.dev/errtrace"
)

// ParseMessage parses a complete SIP message as received from a stream or datagram transport.
// Header names are canonicalized and compact forms expanded.
// The body is cut to Content-Length when the header is present.
func ParseMessage(data []byte) (Message, error) {
	head, body, ok := bytes.Cut(data, []byte("\r\n\r\n"))
	if !ok {
		if head, body, ok = bytes.Cut(data, []byte("\n\n")); !ok {
			return nil, errtrace.Wrap(NewWrapperError(ErrInvalidMessage, "missing header terminator"))
		}
	}

	lines := unfoldLines(string(head))
	if len(lines) == 0 || lines[0] == "" {
		return nil, errtrace.Wrap(NewWrapperError(ErrInvalidMessage, "missing start line"))
	}

	var (
		msg  Message
		base *message
	)
	if strings.HasPrefix(lines[0], "SIP/") {
		res, err := parseStatusLine(lines[0])
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		msg, base = res, &res.message
	} else {
		req, err := parseRequestLine(lines[0])
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		msg, base = req, &req.message
	}

	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, errtrace.Wrap(NewWrapperError(ErrInvalidMessage, "malformed header line %q", line))
		}
		base.Header.Add(name, strings.TrimSpace(value))
	}

	if cl := base.Header.Get("Content-Length"); cl != "" {
		n, err := strconv.Atoi(strings.TrimSpace(cl))
		if err != nil || n < 0 {
			return nil, errtrace.Wrap(NewWrapperError(ErrInvalidMessage, "invalid Content-Length %q", cl))
		}
		if n > len(body) {
			return nil, errtrace.Wrap(NewWrapperError(ErrInvalidMessage, "body shorter than Content-Length %d", n))
		}
		body = body[:n]
	}
	if len(body) > 0 {
		base.Body = append([]byte(nil), body...)
	}
	return msg, nil
}

func unfoldLines(head string) []string {
	raw := strings.Split(strings.ReplaceAll(head, "\r\n", "\n"), "\n")
	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		if len(lines) > 1 && l != "" && (l[0] == ' ' || l[0] == '\t') {
			lines[len(lines)-1] += " " + strings.TrimSpace(l)
			continue
		}
		lines = append(lines, l)
	}
	return lines
}

func parseRequestLine(line string) (*Request, error) {
	parts := strings.Fields(line)
	if len(parts) != 3 || parts[2] != "SIP/2.0" {
		return nil, errtrace.Wrap(NewWrapperError(ErrInvalidMessage, "malformed request line %q", line))
	}
	mtd := Method(parts[0])
	if !mtd.IsValid() {
		return nil, errtrace.Wrap(NewWrapperError(ErrInvalidMessage, "invalid method %q", parts[0]))
	}
	u, err := ParseURI(parts[1])
	if err != nil {
		return nil, errtrace.Wrap(NewWrapperError(ErrInvalidMessage, err))
	}
	return NewRequest(mtd, u), nil
}

func parseStatusLine(line string) (*Response, error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 || parts[0] != "SIP/2.0" {
		return nil, errtrace.Wrap(NewWrapperError(ErrInvalidMessage, "malformed status line %q", line))
	}
	code, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil || !StatusCode(code).IsValid() {
		return nil, errtrace.Wrap(NewWrapperError(ErrInvalidMessage, "invalid status code %q", parts[1]))
	}
	res := &Response{Status: StatusCode(code)}
	if len(parts) == 3 {
		res.Reason = parts[2]
	}
	return res, nil
}
