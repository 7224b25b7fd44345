package sip

import (
	"log/slog"
	"strconv"
	"strings"

	"braces.dev/errtrace"
)

// Message is either a [*Request] or a [*Response].
type Message interface {
	Headers() *Header
	Content() []byte
	CallID() string
	CSeq() (CSeq, bool)
	From() *NameAddr
	To() *NameAddr
	FromTag() string
	ToTag() string
	ViaBranch() string
	TopVia() *Via
	String() string
	isMessage()
}

type message struct {
	Header Header
	Body   []byte
}

func (*message) isMessage() {}

// Headers returns the header set of the message.
func (m *message) Headers() *Header { return &m.Header }

// Content returns the message body.
func (m *message) Content() []byte { return m.Body }

func (m *message) CallID() string { return m.Header.Get("Call-ID") }

func (m *message) CSeq() (CSeq, bool) {
	c, err := ParseCSeq(m.Header.Get("CSeq"))
	return c, err == nil
}

func (m *message) From() *NameAddr { return parseNameAddrHeader(&m.Header, "From") }

func (m *message) To() *NameAddr { return parseNameAddrHeader(&m.Header, "To") }

func (m *message) FromTag() string { return m.From().Tag() }

func (m *message) ToTag() string { return m.To().Tag() }

// TopVia returns the topmost Via hop or nil.
func (m *message) TopVia() *Via {
	vals := m.Header.List("Via")
	if len(vals) == 0 {
		return nil
	}
	hops, err := ParseVia(vals[0])
	if err != nil {
		return nil
	}
	return hops[0]
}

func (m *message) ViaBranch() string {
	if v := m.TopVia(); v != nil {
		return v.Branch()
	}
	return ""
}

// ContentType returns the media type of the body without parameters, lowercased.
func (m *message) ContentType() string {
	ct, _, _ := strings.Cut(m.Header.Get("Content-Type"), ";")
	return strings.ToLower(strings.TrimSpace(ct))
}

// Expires returns the Expires header value.
func (m *message) Expires() (int, bool) {
	v := m.Header.Get("Expires")
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	return n, err == nil && n >= 0
}

func (m *message) clone() message {
	return message{m.Header.Clone(), append([]byte(nil), m.Body...)}
}

func (m *message) render(sb *strings.Builder) {
	for name, val := range m.Header.All() {
		if name == "Content-Length" {
			continue
		}
		sb.WriteString(name)
		sb.WriteString(": ")
		sb.WriteString(val)
		sb.WriteString("\r\n")
	}
	sb.WriteString("Content-Length: ")
	sb.WriteString(strconv.Itoa(len(m.Body)))
	sb.WriteString("\r\n\r\n")
	sb.Write(m.Body)
}

func parseNameAddrHeader(h *Header, name string) *NameAddr {
	v := h.Get(name)
	if v == "" {
		return nil
	}
	a, err := ParseNameAddr(v)
	if err != nil {
		return nil
	}
	return a
}

// Request is a SIP request.
type Request struct {
	Method Method
	URI    *URI
	message
}

// NewRequest creates a request with an empty header set.
func NewRequest(method Method, uri *URI) *Request {
	return &Request{Method: method, URI: uri}
}

// Clone returns a deep copy of the request.
func (r *Request) Clone() *Request {
	return &Request{r.Method, r.URI.Clone(), r.message.clone()}
}

func (r *Request) String() string {
	var sb strings.Builder
	sb.WriteString(string(r.Method))
	sb.WriteByte(' ')
	sb.WriteString(r.URI.String())
	sb.WriteString(" SIP/2.0\r\n")
	r.render(&sb)
	return sb.String()
}

// LogValue implements [slog.LogValuer].
func (r *Request) LogValue() slog.Value {
	if r == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("method", string(r.Method)),
		slog.String("uri", r.URI.String()),
		slog.String("call_id", r.CallID()),
		slog.String("branch", r.ViaBranch()),
	)
}

var mandatoryHeaders = []string{"Via", "From", "To", "Call-ID", "CSeq"}

// Validate checks presence and syntax of the headers every request must carry.
func (r *Request) Validate() error {
	if r == nil || !r.Method.IsValid() || r.URI == nil {
		return errtrace.Wrap(NewWrapperError(ErrInvalidMessage, "invalid request line"))
	}
	if err := validateHeaders(&r.message); err != nil {
		return errtrace.Wrap(err)
	}
	if cseq, _ := r.CSeq(); cseq.Method != r.Method {
		return errtrace.Wrap(NewWrapperError(ErrInvalidMessage, "CSeq method %q does not match %q", cseq.Method, r.Method))
	}
	return nil
}

func validateHeaders(m *message) error {
	for _, name := range mandatoryHeaders {
		if !m.Header.Has(name) {
			return errtrace.Wrap(NewWrapperError(ErrInvalidMessage, "missing %s header", name))
		}
	}
	if _, ok := m.CSeq(); !ok {
		return errtrace.Wrap(NewWrapperError(ErrInvalidMessage, "invalid CSeq header"))
	}
	if m.From() == nil || m.To() == nil {
		return errtrace.Wrap(NewWrapperError(ErrInvalidMessage, "invalid From or To header"))
	}
	if m.TopVia() == nil {
		return errtrace.Wrap(NewWrapperError(ErrInvalidMessage, "invalid Via header"))
	}
	return nil
}

// NewResponse builds a response to the request as described in RFC 3261 Section 8.2.6.
// Via, From, To, Call-ID and CSeq are copied, Record-Route is copied for
// dialog-creating responses to INVITE. An empty reason uses the default phrase.
func (r *Request) NewResponse(status StatusCode, reason string) *Response {
	if reason == "" {
		reason = status.Reason()
	}
	res := &Response{Status: status, Reason: reason}
	for _, v := range r.Header.Values("Via") {
		res.Header.Add("Via", v)
	}
	res.Header.Add("From", r.Header.Get("From"))
	res.Header.Add("To", r.Header.Get("To"))
	res.Header.Add("Call-ID", r.Header.Get("Call-ID"))
	res.Header.Add("CSeq", r.Header.Get("CSeq"))
	if r.Method == MethodInvite && status > StatusTrying && status < 300 {
		for _, v := range r.Header.Values("Record-Route") {
			res.Header.Add("Record-Route", v)
		}
	}
	return res
}

// Response is a SIP response.
type Response struct {
	Status StatusCode
	Reason string
	message
}

// Clone returns a deep copy of the response.
func (r *Response) Clone() *Response {
	return &Response{r.Status, r.Reason, r.message.clone()}
}

// SetToTag sets the tag parameter of the To header.
func (r *Response) SetToTag(tag string) {
	to := r.To()
	if to == nil {
		return
	}
	to.Params.Set("tag", tag)
	r.Header.Set("To", to.String())
}

func (r *Response) String() string {
	var sb strings.Builder
	sb.WriteString("SIP/2.0 ")
	sb.WriteString(strconv.FormatUint(uint64(r.Status), 10))
	sb.WriteByte(' ')
	sb.WriteString(r.Reason)
	sb.WriteString("\r\n")
	r.render(&sb)
	return sb.String()
}

// LogValue implements [slog.LogValuer].
func (r *Response) LogValue() slog.Value {
	if r == nil {
		return slog.Value{}
	}
	cseq, _ := r.CSeq()
	return slog.GroupValue(
		slog.Any("status", r.Status),
		slog.String("cseq", cseq.String()),
		slog.String("call_id", r.CallID()),
		slog.String("branch", r.ViaBranch()),
	)
}

// Validate checks presence and syntax of the headers every response must carry.
func (r *Response) Validate() error {
	if r == nil || !r.Status.IsValid() {
		return errtrace.Wrap(NewWrapperError(ErrInvalidMessage, "invalid status line"))
	}
	return errtrace.Wrap(validateHeaders(&r.message))
}
