// Package ws implements SIP over WebSocket client transport, RFC 7118.
package ws

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"braces.dev/errtrace"
	"github.com/gorilla/websocket"

	"github.com/ghettovoice/sipua/internal/types"
	"github.com/ghettovoice/sipua/log"
	"github.com/ghettovoice/sipua/sip"
)

// Subprotocol is the WebSocket subprotocol negotiated for SIP.
const Subprotocol = "sip"

const (
	ErrNotConnected        sip.Error = "transport is not connected"
	ErrSubprotocolRejected sip.Error = "server did not accept the sip subprotocol"
	ErrKeepaliveTimeout    sip.Error = "no pong received in time"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultRecoveryMin      = 2 * time.Second
	DefaultRecoveryMax      = 30 * time.Second
	DefaultDNSTimeout       = 5 * time.Second
)

// Config configures a [Transport].
type Config struct {
	// URL is the ws:// or wss:// address of the server.
	URL    string      `yaml:"url"`
	Header http.Header `yaml:"-"`
	// HandshakeTimeout limits the opening handshake, [DefaultHandshakeTimeout] if zero.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	// PingInterval enables WebSocket pings. A connection without a pong for
	// two intervals is considered broken.
	PingInterval time.Duration `yaml:"ping_interval"`
	// RecoveryMin and RecoveryMax bound the exponential backoff between reconnection attempts.
	RecoveryMin     time.Duration `yaml:"recovery_min"`
	RecoveryMax     time.Duration `yaml:"recovery_max"`
	DisableRecovery bool          `yaml:"disable_recovery"`
	// NameServer resolves the URL host against this DNS server instead of the
	// system resolver. The port defaults to 53.
	NameServer string        `yaml:"name_server"`
	DNSTimeout time.Duration `yaml:"dns_timeout"`

	Dialer *websocket.Dialer `yaml:"-"`
	Log    *slog.Logger      `yaml:"-"`
}

// Transport is a [sip.Transport] over a single client WebSocket connection.
// A dropped connection is re-established until [Transport.Disconnect] is called.
type Transport struct {
	cfg      Config
	proto    string
	dialer   *websocket.Dialer
	log      *slog.Logger
	handlers types.CallbackManager[func(sip.TransportEvent)]

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}

	wmu sync.Mutex
}

var _ sip.Transport = (*Transport)(nil)

// New validates the configuration and creates a disconnected transport.
func New(cfg Config) (*Transport, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, errtrace.Wrap(sip.NewInvalidArgumentError(err))
	}
	var proto string
	switch strings.ToLower(u.Scheme) {
	case "ws":
		proto = "WS"
	case "wss":
		proto = "WSS"
	default:
		return nil, errtrace.Wrap(sip.NewInvalidArgumentError("unsupported WebSocket URL scheme %q", u.Scheme))
	}

	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.RecoveryMin <= 0 {
		cfg.RecoveryMin = DefaultRecoveryMin
	}
	if cfg.RecoveryMax < cfg.RecoveryMin {
		cfg.RecoveryMax = max(DefaultRecoveryMax, cfg.RecoveryMin)
	}

	t := &Transport{cfg: cfg, proto: proto, log: cfg.Log}
	if t.log == nil {
		t.log = log.Default()
	}
	d := websocket.DefaultDialer
	if cfg.Dialer != nil {
		d = cfg.Dialer
	}
	t.dialer = &websocket.Dialer{
		NetDialContext:    d.NetDialContext,
		Proxy:             d.Proxy,
		TLSClientConfig:   d.TLSClientConfig,
		ReadBufferSize:    d.ReadBufferSize,
		WriteBufferSize:   d.WriteBufferSize,
		EnableCompression: d.EnableCompression,
		HandshakeTimeout:  cfg.HandshakeTimeout,
		Subprotocols:      []string{Subprotocol},
	}
	if cfg.NameServer != "" {
		t.dialer.NetDialContext = newResolver(cfg.NameServer, cfg.DNSTimeout).dialContext
	}
	return t, nil
}

// LogValue implements [slog.LogValuer].
func (t *Transport) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("proto", t.proto),
		slog.String("url", t.cfg.URL),
	)
}

// Protocol returns "WS" or "WSS" depending on the URL scheme.
func (t *Transport) Protocol() string { return t.proto }

// OnEvent registers a transport event handler.
// Handlers are called from the transport goroutine.
func (t *Transport) OnEvent(fn func(sip.TransportEvent)) (remove func()) {
	return t.handlers.Add(fn)
}

func (t *Transport) fire(ev sip.TransportEvent) {
	for fn := range t.handlers.All() {
		fn(ev)
	}
}

// IsConnected reports whether the WebSocket connection is open.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// Connect opens the connection and starts reading from it.
// Connecting a started transport is a no-op.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.cancel != nil {
		t.mu.Unlock()
		return nil
	}
	conn, err := t.dial(ctx)
	if err != nil {
		t.mu.Unlock()
		return errtrace.Wrap(err)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.conn = conn
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.run(runCtx, conn, t.done)
	t.mu.Unlock()

	t.log.LogAttrs(ctx, slog.LevelInfo, "WebSocket connected", slog.Any("transport", t))
	t.fire(sip.TransportEvent{Type: sip.TransportConnected})
	return nil
}

// Disconnect closes the connection, stops recovery and waits for the read loop to exit.
func (t *Transport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	cancel, done, conn := t.cancel, t.done, t.conn
	t.cancel = nil
	t.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
			t.log.LogAttrs(ctx, slog.LevelDebug, "failed to send close frame", slog.Any("error", err))
		}
		conn.Close()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errtrace.Wrap(ctx.Err())
	}
}

// Send writes the message as a single text frame.
func (t *Transport) Send(ctx context.Context, msg sip.Message) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return errtrace.Wrap(ErrNotConnected)
	}

	t.wmu.Lock()
	defer t.wmu.Unlock()
	deadline, _ := ctx.Deadline()
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return errtrace.Wrap(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(msg.String())); err != nil {
		return errtrace.Wrap(err)
	}
	return nil
}

func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, res, err := t.dialer.DialContext(ctx, t.cfg.URL, t.cfg.Header)
	if res != nil && res.Body != nil {
		res.Body.Close()
	}
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if conn.Subprotocol() != Subprotocol {
		conn.Close()
		return nil, errtrace.Wrap(ErrSubprotocolRejected)
	}
	return conn, nil
}

func (t *Transport) setConn(conn *websocket.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conn = conn
}

func (t *Transport) run(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		err := t.serve(conn)
		conn.Close()
		t.setConn(nil)
		if ctx.Err() != nil {
			t.log.LogAttrs(ctx, slog.LevelInfo, "WebSocket disconnected", slog.Any("transport", t))
			t.fire(sip.TransportEvent{Type: sip.TransportDisconnected})
			return
		}

		if isTimeout(err) {
			err = sip.NewWrapperError(ErrKeepaliveTimeout, err)
		}
		t.log.LogAttrs(ctx, slog.LevelWarn, "WebSocket connection lost", slog.Any("transport", t), slog.Any("error", err))
		if t.cfg.DisableRecovery {
			t.mu.Lock()
			if t.cancel != nil {
				t.cancel()
				t.cancel = nil
			}
			t.mu.Unlock()
			t.fire(sip.TransportEvent{Type: sip.TransportDisconnected, Err: err})
			return
		}
		t.fire(sip.TransportEvent{Type: sip.TransportDisconnected, Err: err})
		if conn = t.reconnect(ctx); conn == nil {
			return
		}
		t.fire(sip.TransportEvent{Type: sip.TransportConnected})
	}
}

// serve reads frames until the connection fails.
func (t *Transport) serve(conn *websocket.Conn) error {
	var wg sync.WaitGroup
	stop := make(chan struct{})
	defer func() {
		close(stop)
		wg.Wait()
	}()

	if iv := t.cfg.PingInterval; iv > 0 {
		conn.SetReadDeadline(time.Now().Add(2 * iv)) //nolint:errcheck
		conn.SetPongHandler(func(string) error {
			return errtrace.Wrap(conn.SetReadDeadline(time.Now().Add(2 * iv)))
		})
		wg.Go(func() { t.ping(conn, iv, stop) })
	}

	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			return errtrace.Wrap(err)
		}
		if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}
		t.fire(sip.TransportEvent{Type: sip.TransportMessage, Data: data})
	}
}

func (t *Transport) ping(conn *websocket.Conn, iv time.Duration, stop <-chan struct{}) {
	tick := time.NewTicker(iv)
	defer tick.Stop()
	for {
		select {
		case <-stop:
			return
		case <-tick.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(iv)); err != nil {
				t.fire(sip.TransportEvent{Type: sip.TransportError, Err: err})
				return
			}
		}
	}
}

// reconnect redials with exponential backoff until it succeeds or ctx is canceled.
func (t *Transport) reconnect(ctx context.Context) *websocket.Conn {
	delay := t.cfg.RecoveryMin
	for {
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return nil
		case <-tmr.C:
		}

		conn, err := t.dial(ctx)
		if err == nil {
			t.mu.Lock()
			defer t.mu.Unlock()
			if ctx.Err() != nil {
				conn.Close()
				return nil
			}
			t.conn = conn
			t.log.LogAttrs(ctx, slog.LevelInfo, "WebSocket reconnected", slog.Any("transport", t))
			return conn
		}
		t.log.LogAttrs(ctx, slog.LevelDebug, "WebSocket reconnection failed",
			slog.Any("transport", t),
			slog.Duration("delay", delay),
			slog.Any("error", err),
		)
		t.fire(sip.TransportEvent{Type: sip.TransportError, Err: err})
		delay = min(2*delay, t.cfg.RecoveryMax)
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
