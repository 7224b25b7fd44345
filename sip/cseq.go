package sip

import (
	"strconv"
	"strings"

	"braces.dev/errtrace"
)

// CSeq is the value of the CSeq header.
type CSeq struct {
	Seq    uint32
	Method Method
}

// ParseCSeq parses a CSeq header value.
func ParseCSeq(s string) (CSeq, error) {
	num, mtd, ok := strings.Cut(strings.TrimSpace(s), " ")
	if !ok {
		return CSeq{}, errtrace.Wrap(NewInvalidArgumentError("invalid CSeq %q", s))
	}
	n, err := strconv.ParseUint(num, 10, 32)
	if err != nil {
		return CSeq{}, errtrace.Wrap(NewInvalidArgumentError("invalid CSeq number %q", s))
	}
	m := Method(strings.TrimSpace(mtd))
	if !m.IsValid() {
		return CSeq{}, errtrace.Wrap(NewInvalidArgumentError("invalid CSeq method %q", s))
	}
	return CSeq{uint32(n), m}, nil
}

func (c CSeq) String() string { return strconv.FormatUint(uint64(c.Seq), 10) + " " + string(c.Method) }
