package sip

import "github.com/ghettovoice/sipua/internal/util"

// GenerateBranch returns a new RFC 3261 compliant Via branch.
func GenerateBranch() string { return MagicCookie + util.RandString(16) }

// GenerateTag returns a new random From/To tag.
func GenerateTag() string { return util.RandStringLC(10) }
