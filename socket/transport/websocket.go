package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kleeedolinux/chatsocket.go/debug"
)

// WebSocketTransport speaks the SockJS websocket transport
// (<base>/<server>/<session>/websocket) over gorilla/websocket.
type WebSocketTransport struct {
	mu               sync.Mutex
	conn             *websocket.Conn
	url              string
	dialer           *websocket.Dialer
	headers          http.Header
	connected        bool
	readTimeout      time.Duration
	writeTimeout     time.Duration
	handshakeTimeout time.Duration
	compression      bool

	// messages from the last "a" frame not yet handed out; reader-owned
	pending []string
}

type WebSocketOption func(*WebSocketTransport)

func WithHeaders(headers http.Header) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.headers = headers.Clone()
	}
}

func WithReadTimeout(timeout time.Duration) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.readTimeout = timeout
	}
}

func WithWriteTimeout(timeout time.Duration) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.writeTimeout = timeout
	}
}

func WithHandshakeTimeout(timeout time.Duration) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.handshakeTimeout = timeout
	}
}

func WithCompression(enabled bool) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.compression = enabled
	}
}

func NewWebSocketTransport(url string, opts ...WebSocketOption) *WebSocketTransport {
	t := &WebSocketTransport{
		url:              url,
		dialer:           websocket.DefaultDialer,
		headers:          make(http.Header),
		readTimeout:      30 * time.Second,
		writeTimeout:     10 * time.Second,
		handshakeTimeout: 10 * time.Second,
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// NewWebSocketDialer returns a Dialer producing WebSocketTransports for url.
func NewWebSocketDialer(url string, opts ...WebSocketOption) Dialer {
	return func() Transport {
		return NewWebSocketTransport(url, opts...)
	}
}

func (t *WebSocketTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return nil
	}

	u, err := SessionURL(t.url)
	if err != nil {
		return err
	}
	u.Path += "/websocket"
	websocketScheme(u)

	debug.Printf("WebSocketTransport: Connecting to %s", u)

	dialer := *t.dialer
	dialer.HandshakeTimeout = t.handshakeTimeout
	if t.compression {
		dialer.EnableCompression = true
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), t.headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		debug.Printf("WebSocketTransport: Connection failed: %v", err)
		return fmt.Errorf("dial %s: %w", u.Redacted(), err)
	}

	// SockJS servers greet with an "o" frame before anything else.
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	} else if t.handshakeTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(t.handshakeTimeout))
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("read sockjs open frame: %w", err)
	}
	kind, _, err := ParseFrame(data)
	if err != nil {
		_ = conn.Close()
		return err
	}
	if kind != FrameOpen {
		_ = conn.Close()
		return fmt.Errorf("%w: expected open frame, got %q", ErrBadFrame, kind)
	}
	_ = conn.SetReadDeadline(time.Time{})

	debug.Printf("WebSocketTransport: Connected successfully")
	t.conn = conn
	t.connected = true
	t.pending = nil

	return nil
}

func (t *WebSocketTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected || t.conn == nil {
		return notReady("send", ErrSessionClosed)
	}

	frame, err := EncodeMessages(string(data))
	if err != nil {
		return err
	}

	if t.writeTimeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
			return notReady("send", err)
		}
	}

	if err := t.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		debug.Printf("WebSocketTransport: Send error: %v", err)
		t.connected = false
		return notReady("send", err)
	}
	return nil
}

func (t *WebSocketTransport) Receive() ([]byte, error) {
	for {
		if len(t.pending) > 0 {
			msg := t.pending[0]
			t.pending = t.pending[1:]
			return []byte(msg), nil
		}

		t.mu.Lock()
		conn := t.conn
		if !t.connected || conn == nil {
			t.mu.Unlock()
			return nil, notReady("receive", ErrSessionClosed)
		}
		if t.readTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(t.readTimeout)); err != nil {
				t.mu.Unlock()
				return nil, notReady("receive", err)
			}
		}
		t.mu.Unlock()

		_, data, err := conn.ReadMessage()
		if err != nil {
			debug.Printf("WebSocketTransport: Read error: %v", err)
			t.markClosed()
			return nil, notReady("receive", err)
		}

		kind, msgs, err := ParseFrame(data)
		var closeErr *CloseError
		switch {
		case errors.As(err, &closeErr):
			t.markClosed()
			return nil, notReady("receive", closeErr)
		case err != nil:
			debug.Printf("WebSocketTransport: Dropping frame: %v", err)
			continue
		case kind == FrameHeartbeat || kind == FrameOpen:
			continue
		}
		t.pending = msgs
	}
}

func (t *WebSocketTransport) markClosed() {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
}

func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil
	}

	debug.Printf("WebSocketTransport: Closing connection")

	err := t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	if err != nil {
		debug.Printf("WebSocketTransport: Error sending close message: %v", err)
	}

	err = t.conn.Close()
	t.connected = false
	t.conn = nil

	return err
}
