// Package sockettest provides an in-process STOMP-over-SockJS broker for
// exercising chat clients in tests.
package sockettest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/kleeedolinux/chatsocket.go/auth"
	"github.com/kleeedolinux/chatsocket.go/debug"
	"github.com/kleeedolinux/chatsocket.go/socket/transport"
)

// Sent is a SEND frame received by the broker.
type Sent struct {
	Destination string
	Body        []byte
	Identity    auth.Identity
}

// Decode unmarshals the body into v.
func (s Sent) Decode(v any) error {
	return json.Unmarshal(s.Body, v)
}

// Broker accepts SockJS websocket sessions under /ws and speaks enough
// STOMP 1.2 for a chat client: CONNECT, SUBSCRIBE, UNSUBSCRIBE, SEND and
// DISCONNECT.
type Broker struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	log      *slog.Logger

	authenticate func(token string) error
	heartBeat    string
	onSend       func(b *Broker, s Sent)

	mu           sync.Mutex
	conns        map[*conn]struct{}
	destinations map[string]*destination
	subscribes   map[string]int
	sent         []Sent
	changed      chan struct{}

	handshakes atomic.Int32
	dials      atomic.Int32
}

type Option func(*Broker)

// WithAuthenticator rejects CONNECT frames whose bearer token fails fn.
// The error text becomes the ERROR frame's message header.
func WithAuthenticator(fn func(token string) error) Option {
	return func(b *Broker) {
		b.authenticate = fn
	}
}

// WithHeartBeat sets the heart-beat header sent in CONNECTED.
func WithHeartBeat(v string) Option {
	return func(b *Broker) {
		b.heartBeat = v
	}
}

// WithOnSend runs fn for every SEND frame after it is recorded.
func WithOnSend(fn func(b *Broker, s Sent)) Option {
	return func(b *Broker) {
		b.onSend = fn
	}
}

func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log:          debug.Logger().With("component", "sockettest"),
		heartBeat:    "0,0",
		conns:        make(map[*conn]struct{}),
		destinations: make(map[string]*destination),
		subscribes:   make(map[string]int),
		changed:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/", b.handleWebSocket)
	b.srv = httptest.NewServer(mux)
	return b
}

// URL is the SockJS endpoint to hand to a transport dialer.
func (b *Broker) URL() string {
	return b.srv.URL + "/ws"
}

func (b *Broker) Close() {
	b.DropAll()
	b.srv.Close()
}

// Handshakes counts CONNECT frames received.
func (b *Broker) Handshakes() int {
	return int(b.handshakes.Load())
}

// Dials counts websocket sessions opened.
func (b *Broker) Dials() int {
	return int(b.dials.Load())
}

// Subscribes counts SUBSCRIBE frames ever received for dest.
func (b *Broker) Subscribes(dest string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribes[dest]
}

// Subscribers counts live subscriptions to dest.
func (b *Broker) Subscribers(dest string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := b.destinations[dest]
	if d == nil {
		return 0
	}
	return d.count()
}

// Sent returns every SEND frame received so far.
func (b *Broker) Sent() []Sent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Sent, len(b.sent))
	copy(out, b.sent)
	return out
}

// Connections counts open sessions.
func (b *Broker) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Publish delivers body as a MESSAGE to every subscriber of dest and
// returns how many received it.
func (b *Broker) Publish(dest string, body []byte) int {
	b.mu.Lock()
	d := b.destinations[dest]
	b.mu.Unlock()
	if d == nil {
		return 0
	}
	return d.broadcast(body)
}

// PublishJSON marshals v and publishes it.
func (b *Broker) PublishJSON(dest string, v any) int {
	body, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b.Publish(dest, body)
}

// DropAll closes every session abruptly, as a network failure would.
func (b *Broker) DropAll() {
	b.mu.Lock()
	conns := make([]*conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

// Wait blocks until cond holds or ctx ends. cond is re-evaluated after
// every broker event.
func (b *Broker) Wait(ctx context.Context, cond func(b *Broker) bool) error {
	for {
		b.mu.Lock()
		ch := b.changed
		b.mu.Unlock()

		if cond(b) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// WaitSent returns the first SEND to dest, waiting for it if needed.
func (b *Broker) WaitSent(ctx context.Context, dest string) (Sent, error) {
	var found Sent
	err := b.Wait(ctx, func(b *Broker) bool {
		for _, s := range b.Sent() {
			if s.Destination == dest {
				found = s
				return true
			}
		}
		return false
	})
	return found, err
}

// notifyLocked wakes Wait callers. b.mu must be held.
func (b *Broker) notifyLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

func (b *Broker) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, "/websocket") {
		http.NotFound(w, r)
		return
	}
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Error("upgrade", "error", err)
		return
	}
	b.dials.Add(1)

	c := newConn(b, ws)
	b.mu.Lock()
	b.conns[c] = struct{}{}
	b.notifyLocked()
	b.mu.Unlock()

	if err := c.writeRaw([]byte{transport.FrameOpen}); err != nil {
		c.close()
		return
	}
	go c.readPump()
	c.serve()
}

func (b *Broker) subscribe(c *conn, id, dest string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := b.destinations[dest]
	if d == nil {
		d = newDestination(dest)
		b.destinations[dest] = d
	}
	d.add(id, c)
	b.subscribes[dest]++
	b.notifyLocked()
}

func (b *Broker) unsubscribe(c *conn, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, d := range b.destinations {
		d.remove(id, c)
	}
	b.notifyLocked()
}

func (b *Broker) record(s Sent) {
	b.mu.Lock()
	b.sent = append(b.sent, s)
	b.notifyLocked()
	b.mu.Unlock()

	if b.onSend != nil {
		b.onSend(b, s)
	}
}

func (b *Broker) forget(c *conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conns, c)
	for _, d := range b.destinations {
		d.removeConn(c)
	}
	b.notifyLocked()
}

// conn is one SockJS websocket session.
type conn struct {
	b  *Broker
	ws *websocket.Conn

	sendCh  chan []byte
	closeCh chan struct{}
	once    sync.Once

	pr *io.PipeReader
	pw *io.PipeWriter

	identity auth.Identity
}

func newConn(b *Broker, ws *websocket.Conn) *conn {
	pr, pw := io.Pipe()
	c := &conn{
		b:       b,
		ws:      ws,
		sendCh:  make(chan []byte, 64),
		closeCh: make(chan struct{}),
		pr:      pr,
		pw:      pw,
	}
	go c.writePump()
	return c
}

func (c *conn) writePump() {
	for {
		select {
		case <-c.closeCh:
			return
		case msg := <-c.sendCh:
			if msg == nil {
				// flushed everything queued before the close request
				c.close()
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *conn) writeRaw(msg []byte) error {
	select {
	case <-c.closeCh:
		return transport.ErrSessionClosed
	case c.sendCh <- msg:
		return nil
	}
}

func (c *conn) writeFrame(f *frame.Frame) error {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return err
	}
	data, err := transport.EncodeArrayFrame(buf.String())
	if err != nil {
		return err
	}
	return c.writeRaw(data)
}

// readPump unwraps SockJS client arrays into the STOMP byte stream.
func (c *conn) readPump() {
	defer c.close()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.pw.CloseWithError(err)
			return
		}
		var msgs []string
		if err := json.Unmarshal(data, &msgs); err != nil {
			c.b.log.Warn("bad sockjs client frame", "error", err)
			continue
		}
		for _, m := range msgs {
			if _, err := io.WriteString(c.pw, m); err != nil {
				return
			}
		}
	}
}

func (c *conn) serve() {
	defer c.close()
	r := frame.NewReader(c.pr)
	connected := false

	for {
		f, err := r.Read()
		if err != nil {
			return
		}
		if f == nil {
			continue
		}

		switch f.Command {
		case frame.CONNECT, frame.STOMP:
			c.b.handshakes.Add(1)
			token := auth.StripBearer(f.Header.Get("Authorization"))
			if c.b.authenticate != nil {
				if err := c.b.authenticate(token); err != nil {
					c.writeFrame(frame.New(frame.ERROR, frame.Message, err.Error()))
					c.writeRaw(nil)
					<-c.closeCh
					return
				}
			}
			c.identity, _ = auth.ParseIdentity(token)
			connected = true
			c.writeFrame(frame.New(frame.CONNECTED,
				frame.Version, "1.2",
				frame.HeartBeat, c.b.heartBeat,
				frame.Server, "sockettest/1.0",
			))
		case frame.SUBSCRIBE:
			if !connected {
				return
			}
			c.b.subscribe(c, f.Header.Get(frame.Id), f.Header.Get(frame.Destination))
		case frame.UNSUBSCRIBE:
			c.b.unsubscribe(c, f.Header.Get(frame.Id))
		case frame.SEND:
			if !connected {
				return
			}
			c.b.record(Sent{
				Destination: f.Header.Get(frame.Destination),
				Body:        f.Body,
				Identity:    c.identity,
			})
		case frame.DISCONNECT:
			return
		}
	}
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.closeCh)
		c.ws.Close()
		c.pr.CloseWithError(io.EOF)
		c.b.forget(c)
	})
}

// destination is the subscriber set of one STOMP destination.
type destination struct {
	name string
	mu   sync.RWMutex
	subs map[string]*conn
}

func newDestination(name string) *destination {
	return &destination{
		name: name,
		subs: make(map[string]*conn),
	}
}

func (d *destination) add(id string, c *conn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs[id] = c
}

func (d *destination) remove(id string, c *conn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.subs[id] == c {
		delete(d.subs, id)
	}
}

func (d *destination) removeConn(c *conn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, sc := range d.subs {
		if sc == c {
			delete(d.subs, id)
		}
	}
}

func (d *destination) count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs)
}

func (d *destination) broadcast(body []byte) int {
	d.mu.RLock()
	subs := make(map[string]*conn, len(d.subs))
	for id, c := range d.subs {
		subs[id] = c
	}
	d.mu.RUnlock()

	n := 0
	for id, c := range subs {
		f := frame.New(frame.MESSAGE,
			frame.Destination, d.name,
			frame.Subscription, id,
			frame.MessageId, uuid.NewString(),
			frame.ContentType, "application/json",
		)
		f.Body = body
		if err := c.writeFrame(f); err == nil {
			n++
		}
	}
	return n
}
