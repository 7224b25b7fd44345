package sip

import "context"

// Sender sends SIP messages. It is the part of [Transport] used by transactions.
type Sender interface {
	// Send serializes and writes the message.
	Send(ctx context.Context, msg Message) error
	// Protocol returns the Via transport token, e.g. "WS", "WSS", "TCP", "UDP".
	Protocol() string
}

// TransportEventType enumerates events emitted by a [Transport].
type TransportEventType int

const (
	TransportConnected TransportEventType = iota + 1
	TransportDisconnected
	TransportMessage
	TransportError
)

func (t TransportEventType) String() string {
	switch t {
	case TransportConnected:
		return "connected"
	case TransportDisconnected:
		return "disconnected"
	case TransportMessage:
		return "message"
	case TransportError:
		return "error"
	default:
		return "unknown"
	}
}

// TransportEvent is emitted by a [Transport].
// Data is set for [TransportMessage], Err for [TransportError] and optionally for [TransportDisconnected].
type TransportEvent struct {
	Type TransportEventType
	Data []byte
	Err  error
}

// Transport is a connection-oriented SIP message transport.
// Framing, reconnection and keep-alive policies belong to the implementation.
type Transport interface {
	Sender
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool
	// OnEvent registers a handler for transport events. Handlers may be called from
	// the transport's own goroutines.
	OnEvent(fn func(TransportEvent)) (remove func())
}
