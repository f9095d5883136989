package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func sockjsEchoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/websocket") {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_ = conn.WriteMessage(websocket.TextMessage, []byte("o"))
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			_, msgs, err := ParseFrame(append([]byte{FrameArray}, data...))
			if err != nil {
				return
			}
			for _, m := range msgs {
				if m == "bye" {
					_ = conn.WriteMessage(websocket.TextMessage, EncodeCloseFrame(3000, "Go away!"))
					return
				}
				_ = conn.WriteMessage(websocket.TextMessage, []byte("h"))
				frame, _ := EncodeArrayFrame("echo:"+m, "tail")
				_ = conn.WriteMessage(websocket.TextMessage, frame)
			}
		}
	}))
}

func TestWebSocketTransportRoundTrip(t *testing.T) {
	srv := sockjsEchoServer(t)
	defer srv.Close()

	tr := NewWebSocketTransport(srv.URL+"/ws", WithReadTimeout(2*time.Second))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tr.Close()

	if err := tr.Send([]byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	for _, want := range []string{"echo:hello", "tail"} {
		got, err := tr.Receive()
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		if string(got) != want {
			t.Fatalf("Receive = %q, want %q", got, want)
		}
	}
}

func TestWebSocketTransportCloseFrame(t *testing.T) {
	srv := sockjsEchoServer(t)
	defer srv.Close()

	tr := NewWebSocketTransport(srv.URL + "/ws")
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tr.Close()

	if err := tr.Send([]byte("bye")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	_, err := tr.Receive()
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}

	if err := tr.Send([]byte("late")); !errors.Is(err, ErrNotReady) {
		t.Fatalf("send after close frame: expected ErrNotReady, got %v", err)
	}
}

func TestWebSocketTransportDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	tr := NewWebSocketTransport(srv.URL + "/ws")
	if err := tr.Connect(context.Background()); err == nil {
		t.Fatal("expected dial error against non-websocket endpoint")
	}
}
