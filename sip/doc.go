// Package sip contains the SIP message model, a message parser and the RFC 3261 Section 17
// transaction layer used by the user agent.
//
// Messages are plain values: [Request] and [Response] carry an ordered [Header] set and
// a body. Derived fields (Call-ID, CSeq, tags, Via branch) are computed from headers on demand.
//
// Transactions are driven by [github.com/qmuntal/stateless] state machines and create their
// timers through an injectable clock. They are not safe for concurrent use: the owner must
// serialize calls and timer callbacks, which the ua package does with its own lock.
package sip
