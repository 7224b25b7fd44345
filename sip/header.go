package sip

import (
	"iter"
	"strings"
)

// HeaderField is a single header line.
type HeaderField struct {
	Name  string
	Value string
}

// Header is an ordered multimap of header fields.
// Names are stored in canonical form, see [CanonicalHeaderName].
// The zero value is an empty header set.
type Header struct {
	fields []HeaderField
}

var compactForms = map[string]string{
	"a": "Accept-Contact",
	"b": "Referred-By",
	"c": "Content-Type",
	"d": "Request-Disposition",
	"e": "Content-Encoding",
	"f": "From",
	"i": "Call-ID",
	"j": "Reject-Contact",
	"k": "Supported",
	"l": "Content-Length",
	"m": "Contact",
	"n": "Identity-Info",
	"o": "Event",
	"r": "Refer-To",
	"s": "Subject",
	"t": "To",
	"u": "Allow-Events",
	"v": "Via",
	"x": "Session-Expires",
	"y": "Identity",
}

var irregularNames = map[string]string{
	"call-id":          "Call-ID",
	"cseq":             "CSeq",
	"www-authenticate": "WWW-Authenticate",
	"rseq":             "RSeq",
	"rack":             "RAck",
	"sip-etag":         "SIP-ETag",
	"sip-if-match":     "SIP-If-Match",
	"mime-version":     "MIME-Version",
}

// CanonicalHeaderName returns the canonical form of a header name.
// Compact forms are expanded: "i" becomes "Call-ID", "v" becomes "Via".
func CanonicalHeaderName(name string) string {
	name = strings.TrimSpace(name)
	lc := strings.ToLower(name)
	if n, ok := compactForms[lc]; ok {
		return n
	}
	if n, ok := irregularNames[lc]; ok {
		return n
	}

	b := []byte(lc)
	upper := true
	for i, c := range b {
		if upper && c >= 'a' && c <= 'z' {
			b[i] = c - 'a' + 'A'
		}
		upper = c == '-'
	}
	return string(b)
}

// Len returns the number of header fields.
func (h *Header) Len() int { return len(h.fields) }

// Add appends a header field.
func (h *Header) Add(name, value string) {
	h.fields = append(h.fields, HeaderField{CanonicalHeaderName(name), value})
}

// Prepend inserts a header field before all fields with the same name.
func (h *Header) Prepend(name, value string) {
	name = CanonicalHeaderName(name)
	at := len(h.fields)
	for i, f := range h.fields {
		if f.Name == name {
			at = i
			break
		}
	}
	h.fields = append(h.fields, HeaderField{})
	copy(h.fields[at+1:], h.fields[at:])
	h.fields[at] = HeaderField{name, value}
}

// Set replaces all fields of the name with a single field.
func (h *Header) Set(name, value string) {
	name = CanonicalHeaderName(name)
	for i, f := range h.fields {
		if f.Name == name {
			h.fields[i].Value = value
			h.del(name, i+1)
			return
		}
	}
	h.fields = append(h.fields, HeaderField{name, value})
}

// Del removes all fields of the name.
func (h *Header) Del(name string) { h.del(CanonicalHeaderName(name), 0) }

func (h *Header) del(name string, from int) {
	out := h.fields[:from]
	for _, f := range h.fields[from:] {
		if f.Name != name {
			out = append(out, f)
		}
	}
	clear(h.fields[len(out):])
	h.fields = out
}

// Has reports whether at least one field of the name exists.
func (h *Header) Has(name string) bool {
	name = CanonicalHeaderName(name)
	for _, f := range h.fields {
		if f.Name == name {
			return true
		}
	}
	return false
}

// Get returns the value of the first field of the name or an empty string.
func (h *Header) Get(name string) string {
	name = CanonicalHeaderName(name)
	for _, f := range h.fields {
		if f.Name == name {
			return f.Value
		}
	}
	return ""
}

// Values returns raw values of all fields of the name.
func (h *Header) Values(name string) []string {
	name = CanonicalHeaderName(name)
	var vals []string
	for _, f := range h.fields {
		if f.Name == name {
			vals = append(vals, f.Value)
		}
	}
	return vals
}

// List returns all comma-separated elements of fields of the name.
// Commas inside quotes and angle brackets do not split.
func (h *Header) List(name string) []string {
	var vals []string
	for _, v := range h.Values(name) {
		vals = append(vals, SplitList(v)...)
	}
	return vals
}

// HasOption reports whether an option tag list header (Supported, Require, Allow, ...)
// contains the tag, compared case-insensitively.
func (h *Header) HasOption(name, tag string) bool {
	for _, v := range h.List(name) {
		if strings.EqualFold(v, tag) {
			return true
		}
	}
	return false
}

// All iterates over header fields in order.
func (h *Header) All() iter.Seq2[string, string] {
	return func(yield func(string, string) bool) {
		for _, f := range h.fields {
			if !yield(f.Name, f.Value) {
				return
			}
		}
	}
}

// Clone returns a deep copy of the header set.
func (h *Header) Clone() Header {
	return Header{fields: append([]HeaderField(nil), h.fields...)}
}

// SplitList splits a header value by top-level commas and trims the elements.
func SplitList(s string) []string {
	var (
		out    []string
		quoted bool
		angle  int
		start  int
	)
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '\\' && quoted:
			i++
		case c == '"':
			quoted = !quoted
		case quoted:
		case c == '<':
			angle++
		case c == '>':
			if angle > 0 {
				angle--
			}
		case c == ',' && angle == 0:
			if v := strings.TrimSpace(s[start:i]); v != "" {
				out = append(out, v)
			}
			start = i + 1
		}
	}
	if v := strings.TrimSpace(s[start:]); v != "" {
		out = append(out, v)
	}
	return out
}
