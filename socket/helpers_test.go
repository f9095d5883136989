package socket

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kleeedolinux/chatsocket.go/auth"
	"github.com/kleeedolinux/chatsocket.go/socket/sockettest"
	"github.com/kleeedolinux/chatsocket.go/socket/transport"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// newBrokerClient returns a client for b authenticated as alice (id 7).
func newBrokerClient(t *testing.T, b *sockettest.Broker, opts ...ClientOption) (*Client, *auth.StaticStore) {
	t.Helper()
	tokens := auth.NewStaticStore(sockettest.Token("alice", 7))
	base := []ClientOption{
		WithLogger(quietLogger()),
		WithHeartbeat(0, 0),
		WithReconnectDelay(20 * time.Millisecond),
		WithRetrySettle(10 * time.Millisecond),
		WithHandshakeTimeout(2 * time.Second),
	}
	c := NewClient(transportDialer(b), tokens, append(base, opts...)...)
	t.Cleanup(c.Disconnect)
	return c, tokens
}

func transportDialer(b *sockettest.Broker) transport.Dialer {
	return transport.NewWebSocketDialer(b.URL())
}

func newBroker(t *testing.T, opts ...sockettest.Option) *sockettest.Broker {
	t.Helper()
	b := sockettest.NewBroker(opts...)
	t.Cleanup(b.Close)
	return b
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// fakeNet is an in-memory STOMP peer reachable through fakeTransport. It
// answers CONNECT and can be told to fail SEND frames.
type fakeNet struct {
	dials       atomic.Int32
	sends       atomic.Int32
	failSends   atomic.Int32 // SEND frames left to fail; negative fails all
	failDials   atomic.Int32 // transport connects left to refuse
	connectWait chan struct{}

	// ignoreCancel makes Connect wait for connectWait even after the
	// context ends, like a handshake that completes regardless.
	ignoreCancel bool
}

func (n *fakeNet) dialer() transport.Dialer {
	return func() transport.Transport {
		n.dials.Add(1)
		return &fakeTransport{net: n, recv: make(chan []byte, 16), done: make(chan struct{})}
	}
}

type fakeTransport struct {
	net  *fakeNet
	recv chan []byte
	done chan struct{}
	once sync.Once
}

func (t *fakeTransport) Connect(ctx context.Context) error {
	if left := t.net.failDials.Load(); left > 0 {
		t.net.failDials.Add(-1)
		return &transport.NotReadyError{Op: "fake connect", Err: io.ErrUnexpectedEOF}
	}
	if t.net.connectWait == nil {
		return nil
	}
	if t.net.ignoreCancel {
		<-t.net.connectWait
		return nil
	}
	select {
	case <-t.net.connectWait:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *fakeTransport) Send(data []byte) error {
	cmd, _, _ := bytes.Cut(data, []byte("\n"))
	switch string(cmd) {
	case "CONNECT":
		t.recv <- []byte("CONNECTED\nversion:1.2\nheart-beat:0,0\n\n\x00")
	case "SEND":
		t.net.sends.Add(1)
		if left := t.net.failSends.Load(); left != 0 {
			if left > 0 {
				t.net.failSends.Add(-1)
			}
			return &transport.NotReadyError{Op: "fake send", Err: io.ErrClosedPipe}
		}
	}
	return nil
}

func (t *fakeTransport) Receive() ([]byte, error) {
	select {
	case data := <-t.recv:
		return data, nil
	case <-t.done:
		return nil, &transport.NotReadyError{Op: "fake receive", Err: io.EOF}
	}
}

func (t *fakeTransport) Close() error {
	t.once.Do(func() { close(t.done) })
	return nil
}
