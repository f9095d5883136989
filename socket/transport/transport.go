package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Transport carries opaque STOMP payloads over one SockJS session.
// Receive is called from a single goroutine; Send may be called concurrently with it.
type Transport interface {
	Connect(ctx context.Context) error
	Send(data []byte) error
	Receive() ([]byte, error)
	Close() error
}

// Dialer builds a fresh, unconnected Transport. Sessions are never repaired
// in place, so every connect attempt asks the Dialer for a new one.
type Dialer func() Transport

var (
	// ErrNotReady tags every failure caused by the absence of a usable
	// low-level connection. Callers test it with errors.Is.
	ErrNotReady = errors.New("transport not ready")

	ErrSessionClosed = errors.New("sockjs session closed")
	ErrBadFrame      = errors.New("malformed sockjs frame")
)

// NotReadyError records which operation hit a missing connection.
type NotReadyError struct {
	Op  string
	Err error
}

func (e *NotReadyError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, ErrNotReady)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrNotReady, e.Err)
}

func (e *NotReadyError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrNotReady}
	}
	return []error{ErrNotReady, e.Err}
}

func notReady(op string, err error) error {
	return &NotReadyError{Op: op, Err: err}
}

// Kind names a SockJS transport.
type Kind string

const (
	KindWebSocket  Kind = "websocket"
	KindXHRPolling Kind = "xhr-polling"
)

// ParseKind accepts the names used by SockJS clients.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindWebSocket, "":
		return KindWebSocket, nil
	case KindXHRPolling, "xhr":
		return KindXHRPolling, nil
	default:
		return "", fmt.Errorf("unknown transport %q", s)
	}
}

// Dial returns a Dialer for kind against the SockJS endpoint url. timeout
// bounds the transport handshake; zero keeps the transport default.
func Dial(kind Kind, url string, timeout time.Duration) (Dialer, error) {
	switch kind {
	case KindWebSocket, "":
		var opts []WebSocketOption
		if timeout > 0 {
			opts = append(opts, WithHandshakeTimeout(timeout))
		}
		return NewWebSocketDialer(url, opts...), nil
	case KindXHRPolling:
		var opts []XHROption
		if timeout > 0 {
			opts = append(opts, WithTimeout(2*timeout))
		}
		return NewXHRDialer(url, opts...), nil
	}
	return nil, fmt.Errorf("unknown transport %q", kind)
}
