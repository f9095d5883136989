package socket

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/kleeedolinux/chatsocket.go/socket/transport"
)

// heartBeat is a pair of client heart-beat intervals, outgoing first.
type heartBeat struct {
	out, in time.Duration
}

func (h heartBeat) header() string {
	return fmt.Sprintf("%d,%d", h.out.Milliseconds(), h.in.Milliseconds())
}

// negotiate applies the STOMP 1.2 heart-beat rules to the server's offer.
func (h heartBeat) negotiate(server string) heartBeat {
	sx, sy, err := frame.ParseHeartBeat(server)
	if err != nil {
		return heartBeat{}
	}
	var got heartBeat
	if h.out > 0 && sy > 0 {
		got.out = max(h.out, sy)
	}
	if h.in > 0 && sx > 0 {
		got.in = max(h.in, sx)
	}
	return got
}

type frameHandler func(*frame.Frame)

// session is one STOMP conversation over one transport. It is never
// repaired: once done is closed a new session must be built.
type session struct {
	t   transport.Transport
	log *slog.Logger

	pr     *io.PipeReader
	pw     *io.PipeWriter
	reader *frame.Reader

	wmu sync.Mutex

	mu   sync.RWMutex
	subs map[string]frameHandler

	connected atomic.Bool
	lastRead  atomic.Int64
	hb        heartBeat

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

func newSession(t transport.Transport, log *slog.Logger) *session {
	pr, pw := io.Pipe()
	return &session{
		t:      t,
		log:    log,
		pr:     pr,
		pw:     pw,
		reader: frame.NewReader(pr),
		subs:   make(map[string]frameHandler),
		done:   make(chan struct{}),
	}
}

// open connects the transport and performs the CONNECT/CONNECTED exchange.
// ctx bounds the whole handshake.
func (s *session) open(ctx context.Context, host, token string, hb heartBeat) error {
	if err := s.t.Connect(ctx); err != nil {
		s.close(err)
		return fmt.Errorf("open transport: %w", err)
	}
	go s.pump()

	connect := frame.New(frame.CONNECT,
		frame.AcceptVersion, "1.1,1.2",
		frame.Host, host,
		frame.HeartBeat, hb.header(),
		"Authorization", "Bearer "+token,
	)
	if err := s.write(connect); err != nil {
		s.close(err)
		return err
	}

	type result struct {
		f   *frame.Frame
		err error
	}
	first := make(chan result, 1)
	go func() {
		for {
			f, err := s.reader.Read()
			if err == nil && f == nil {
				continue
			}
			first <- result{f, err}
			return
		}
	}()

	var r result
	select {
	case <-ctx.Done():
		s.close(ErrConnectTimeout)
		// the reader goroutine exits once the pipe is closed
		<-first
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrConnectTimeout
		}
		return ctx.Err()
	case r = <-first:
	}

	if r.err != nil {
		s.close(r.err)
		return fmt.Errorf("await CONNECTED: %w", r.err)
	}

	switch r.f.Command {
	case frame.CONNECTED:
	case frame.ERROR:
		err := &RejectedError{Message: r.f.Header.Get(frame.Message)}
		s.close(err)
		return err
	default:
		err := fmt.Errorf("%w: unexpected %s frame", ErrHandshakeRejected, r.f.Command)
		s.close(err)
		return err
	}

	s.hb = hb.negotiate(r.f.Header.Get(frame.HeartBeat))
	s.lastRead.Store(time.Now().UnixNano())
	s.connected.Store(true)
	s.log.Debug("stomp session connected",
		"version", r.f.Header.Get(frame.Version),
		"heartbeat_out", s.hb.out,
		"heartbeat_in", s.hb.in)

	go s.readLoop()
	if s.hb.out > 0 || s.hb.in > 0 {
		go s.heartbeatLoop()
	}
	return nil
}

// pump feeds transport payloads into the frame reader. STOMP frames may
// be split across or packed into SockJS messages, so they are reassembled
// from a byte stream rather than parsed per message.
func (s *session) pump() {
	for {
		data, err := s.t.Receive()
		if err != nil {
			s.pw.CloseWithError(err)
			return
		}
		s.lastRead.Store(time.Now().UnixNano())
		if _, err := s.pw.Write(data); err != nil {
			return
		}
	}
}

func (s *session) readLoop() {
	for {
		f, err := s.reader.Read()
		if err != nil {
			if !errors.Is(err, transport.ErrNotReady) {
				err = &transport.NotReadyError{Op: "stomp read", Err: err}
			}
			s.close(err)
			return
		}
		if f == nil {
			continue
		}

		switch f.Command {
		case frame.MESSAGE:
			id := f.Header.Get(frame.Subscription)
			s.mu.RLock()
			h := s.subs[id]
			s.mu.RUnlock()
			if h == nil {
				s.log.Debug("message for unknown subscription", "subscription", id,
					"destination", f.Header.Get(frame.Destination))
				continue
			}
			h(f)
		case frame.ERROR:
			msg := f.Header.Get(frame.Message)
			s.log.Error("stomp error frame", "message", msg, "body", string(f.Body))
			s.close(&transport.NotReadyError{Op: "stomp error", Err: fmt.Errorf("%w: %s", ErrSessionClosed, msg)})
			return
		case frame.RECEIPT:
		default:
			s.log.Debug("ignoring stomp frame", "command", f.Command)
		}
	}
}

func (s *session) heartbeatLoop() {
	tick := s.hb.out
	if tick == 0 || (s.hb.in > 0 && s.hb.in < tick) {
		tick = s.hb.in
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	lastSent := time.Now()
	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			if s.hb.in > 0 {
				last := time.Unix(0, s.lastRead.Load())
				if now.Sub(last) > 2*s.hb.in {
					s.log.Warn("stomp heart-beat timeout", "silence", now.Sub(last))
					s.close(&transport.NotReadyError{Op: "heart-beat", Err: ErrConnectTimeout})
					return
				}
			}
			if s.hb.out > 0 && now.Sub(lastSent) >= s.hb.out {
				if err := s.write(nil); err != nil {
					s.close(err)
					return
				}
				lastSent = now
			}
		}
	}
}

// write encodes f (a heart-beat when nil) and sends it as one transport
// message.
func (s *session) write(f *frame.Frame) error {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	select {
	case <-s.done:
		return &transport.NotReadyError{Op: "stomp write", Err: ErrSessionClosed}
	default:
	}
	if err := s.t.Send(buf.Bytes()); err != nil {
		if errors.Is(err, transport.ErrNotReady) {
			return err
		}
		return &transport.NotReadyError{Op: "stomp write", Err: err}
	}
	return nil
}

func (s *session) subscribe(destination string, h frameHandler) (string, error) {
	if !s.isConnected() {
		return "", &transport.NotReadyError{Op: "subscribe", Err: ErrSessionClosed}
	}
	id := generateID()

	s.mu.Lock()
	s.subs[id] = h
	s.mu.Unlock()

	err := s.write(frame.New(frame.SUBSCRIBE,
		frame.Id, id,
		frame.Destination, destination,
		frame.Ack, "auto",
	))
	if err != nil {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
		return "", fmt.Errorf("subscribe %s: %w", destination, err)
	}
	return id, nil
}

func (s *session) unsubscribe(id string) error {
	s.mu.Lock()
	_, ok := s.subs[id]
	delete(s.subs, id)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.write(frame.New(frame.UNSUBSCRIBE, frame.Id, id))
}

func (s *session) publish(destination string, body []byte) error {
	if !s.isConnected() {
		return &transport.NotReadyError{Op: "publish", Err: ErrSessionClosed}
	}
	f := frame.New(frame.SEND,
		frame.Destination, destination,
		frame.ContentType, "application/json",
	)
	f.Body = body
	return s.write(f)
}

// disconnect says goodbye to the broker and closes the session.
func (s *session) disconnect() {
	if s.isConnected() {
		if err := s.write(frame.New(frame.DISCONNECT)); err != nil {
			s.log.Debug("stomp disconnect", "error", err)
		}
	}
	s.close(ErrSessionClosed)
}

func (s *session) close(err error) {
	s.closeOnce.Do(func() {
		s.err = err
		s.connected.Store(false)
		close(s.done)
		if cerr := s.t.Close(); cerr != nil {
			s.log.Debug("close transport", "error", cerr)
		}
		s.pr.CloseWithError(ErrSessionClosed)
		s.pw.CloseWithError(ErrSessionClosed)
	})
}

func (s *session) isConnected() bool {
	if !s.connected.Load() {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *session) Done() <-chan struct{} { return s.done }

// Err reports why the session ended. Valid after Done is closed.
func (s *session) Err() error {
	<-s.done
	return s.err
}
