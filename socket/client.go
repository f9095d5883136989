package socket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kleeedolinux/chatsocket.go/auth"
	"github.com/kleeedolinux/chatsocket.go/debug"
	"github.com/kleeedolinux/chatsocket.go/socket/transport"
	"golang.org/x/sync/singleflight"
)

// Client supervises the single STOMP session to the chat backend. It
// connects on demand, reconnects in the background after unexpected
// drops and rebuilds subscriptions on every new session.
type Client struct {
	mu       sync.RWMutex
	session  *session
	state    ConnState
	identity auth.Identity

	// manual is set by Disconnect and cleared by the next successful
	// connect; it suppresses background reconnection.
	manual        bool
	stopReconnect context.CancelFunc

	// gen is bumped by Disconnect; a connect that started under an older
	// generation must not install its session.
	gen           uint64
	cancelConnect context.CancelFunc

	connectMu sync.Mutex
	flight    singleflight.Group
	flightMu  sync.Mutex
	flying    bool

	dial   transport.Dialer
	tokens auth.TokenStore

	router    *router
	listeners *Listeners
	log       *slog.Logger
	metrics   *Metrics

	host              string
	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration
	reconnectAttempts int
	handshakeTimeout  time.Duration
	connectWait       time.Duration
	retrySettle       time.Duration
	heartbeat         heartBeat
}

type ClientOption func(*Client)

func WithReconnectDelay(d time.Duration) ClientOption {
	return func(c *Client) {
		c.reconnectDelay = d
	}
}

func WithMaxReconnectDelay(d time.Duration) ClientOption {
	return func(c *Client) {
		c.maxReconnectDelay = d
	}
}

// WithReconnectAttempts bounds background reconnection. 0 disables it and
// a negative value retries until Disconnect.
func WithReconnectAttempts(attempts int) ClientOption {
	return func(c *Client) {
		c.reconnectAttempts = attempts
	}
}

func WithHandshakeTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.handshakeTimeout = d
	}
}

// WithConnectWait bounds how long EnsureConnected waits on an attempt
// started by another caller.
func WithConnectWait(d time.Duration) ClientOption {
	return func(c *Client) {
		c.connectWait = d
	}
}

// WithRetrySettle sets the pause between reconnecting and retrying a
// failed publish.
func WithRetrySettle(d time.Duration) ClientOption {
	return func(c *Client) {
		c.retrySettle = d
	}
}

func WithHeartbeat(outgoing, incoming time.Duration) ClientOption {
	return func(c *Client) {
		c.heartbeat = heartBeat{out: outgoing, in: incoming}
	}
}

func WithHost(host string) ClientOption {
	return func(c *Client) {
		c.host = host
	}
}

func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		c.log = l
	}
}

func WithMetrics(m *Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

func NewClient(dial transport.Dialer, tokens auth.TokenStore, opts ...ClientOption) *Client {
	c := &Client{
		dial:              dial,
		tokens:            tokens,
		host:              "/",
		reconnectDelay:    5 * time.Second,
		reconnectAttempts: -1,
		handshakeTimeout:  15 * time.Second,
		connectWait:       5 * time.Second,
		retrySettle:       time.Second,
		heartbeat:         heartBeat{out: 4 * time.Second, in: 4 * time.Second},
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.log == nil {
		c.log = debug.Logger()
	}
	c.log = c.log.With("component", "chatsocket")
	if c.maxReconnectDelay < c.reconnectDelay {
		c.maxReconnectDelay = c.reconnectDelay
	}
	c.listeners = newListeners(c.log, c.metrics)
	c.router = newRouter(c.listeners, c.log, c.metrics)
	return c
}

var (
	defaultMu     sync.Mutex
	defaultClient *Client
)

// Default returns the process-wide client installed with SetDefault, or nil.
func Default() *Client {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultClient
}

// SetDefault installs c as the process-wide client and returns the
// previous one.
func SetDefault(c *Client) *Client {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	prev := defaultClient
	defaultClient = c
	return prev
}

// Connect performs one connect attempt, replacing any current session. It
// never retries and reports failures in the result.
func (c *Client) Connect(ctx context.Context) ConnectResult {
	if err := c.connect(ctx); err != nil {
		return ConnectResult{Reason: reason(err)}
	}
	return ConnectResult{Connected: true}
}

func (c *Client) connect(ctx context.Context) (err error) {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()
	defer func() { c.metrics.connectAttempt(err) }()

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("read token: %w", err)
	}
	token = auth.StripBearer(token)
	if token == "" {
		c.log.Warn("no credential, not connecting")
		return ErrNoToken
	}

	id, err := auth.ParseIdentity(token)
	if err != nil {
		c.log.Warn("token carries no identity, using broker-resolved user queue", "error", err)
		id = auth.Identity{}
	}

	c.teardown()

	cctx, cancelConnect := context.WithCancel(ctx)
	defer cancelConnect()
	c.mu.Lock()
	gen := c.gen
	c.cancelConnect = cancelConnect
	c.state = StateConnecting
	c.mu.Unlock()

	s := newSession(c.dial(), c.log)
	hctx, cancel := context.WithTimeout(cctx, c.handshakeTimeout)
	defer cancel()

	if err := s.open(hctx, c.host, token, c.heartbeat); err != nil {
		if c.disconnectedSince(gen) {
			return ErrDisconnected
		}
		c.setState(StateFailed)
		c.log.Error("connect failed", "error", err)
		return err
	}
	if err := c.router.attach(s, id); err != nil {
		c.router.reset(s)
		s.close(err)
		if c.disconnectedSince(gen) {
			return ErrDisconnected
		}
		c.setState(StateFailed)
		c.log.Error("subscribe after connect", "error", err)
		return err
	}

	c.mu.Lock()
	if c.gen != gen || ctx.Err() != nil {
		disconnected := c.gen != gen
		c.mu.Unlock()
		c.router.reset(s)
		s.disconnect()
		if disconnected {
			c.log.Info("connect abandoned, client disconnected")
			return ErrDisconnected
		}
		c.setState(StateDisconnected)
		return ctx.Err()
	}
	c.session = s
	c.identity = id
	c.state = StateConnected
	c.manual = false
	c.cancelConnect = nil
	c.mu.Unlock()

	c.metrics.setConnected(true)
	c.log.Info("connected", "user", id.Username)
	go c.watch(s)
	return nil
}

// watch waits for s to end and schedules reconnection when the drop was
// not requested.
func (c *Client) watch(s *session) {
	<-s.Done()

	c.mu.Lock()
	if c.session != s {
		c.mu.Unlock()
		return
	}
	c.session = nil
	c.state = StateDisconnected
	c.router.reset(s)
	rctx := c.armReconnectLocked()
	c.mu.Unlock()

	c.metrics.setConnected(false)
	c.log.Warn("session lost", "error", s.Err())

	if rctx != nil {
		go c.reconnect(rctx)
	}
}

// armReconnectLocked replaces any running reconnect loop with a new one
// and returns its context, or nil when reconnection is off. c.mu must be
// held.
func (c *Client) armReconnectLocked() context.Context {
	if c.manual || c.reconnectAttempts == 0 {
		return nil
	}
	if c.stopReconnect != nil {
		c.stopReconnect()
	}
	var rctx context.Context
	rctx, c.stopReconnect = context.WithCancel(context.Background())
	return rctx
}

// scheduleReconnect starts background reconnection for a session that was
// torn down outside watch.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	rctx := c.armReconnectLocked()
	c.mu.Unlock()

	if rctx != nil {
		go c.reconnect(rctx)
	}
}

// disconnectedSince reports whether Disconnect ran after generation gen
// was observed.
func (c *Client) disconnectedSince(gen uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen != gen
}

func (c *Client) reconnect(ctx context.Context) {
	delay := c.reconnectDelay

	for attempts := 0; c.reconnectAttempts < 0 || attempts < c.reconnectAttempts; attempts++ {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if c.IsConnected() {
			return
		}

		c.metrics.reconnect()
		res := c.EnsureConnected(ctx)
		if res.Connected {
			return
		}
		if res.Reason == ReasonNoToken {
			c.log.Info("reconnect stopped, no credential")
			return
		}
		c.log.Debug("reconnect attempt failed", "attempt", attempts+1, "reason", res.Reason)

		delay *= 2
		if delay > c.maxReconnectDelay {
			delay = c.maxReconnectDelay
		}
	}
	c.log.Warn("reconnect attempts exhausted", "attempts", c.reconnectAttempts)
}

// EnsureConnected returns immediately when connected; otherwise it joins
// the single in-flight connect attempt, starting one if needed. A caller
// that joins an attempt already under way waits at most the connect-wait
// timeout. The attempt outlives the context of the caller that started
// it, so giving up early never fails the other callers; Disconnect
// cancels it.
func (c *Client) EnsureConnected(ctx context.Context) ConnectResult {
	if c.IsConnected() {
		return ConnectResult{Connected: true}
	}

	c.flightMu.Lock()
	starter := !c.flying
	c.flying = true
	ch := c.flight.DoChan("connect", func() (any, error) {
		defer func() {
			c.flightMu.Lock()
			c.flying = false
			c.flightMu.Unlock()
		}()
		return c.Connect(context.WithoutCancel(ctx)), nil
	})
	c.flightMu.Unlock()

	var wait <-chan time.Time
	if !starter {
		timer := time.NewTimer(c.connectWait)
		defer timer.Stop()
		wait = timer.C
	}

	select {
	case r := <-ch:
		return r.Val.(ConnectResult)
	case <-wait:
		return ConnectResult{Reason: ReasonTimeout}
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ConnectResult{Reason: ReasonTimeout}
		}
		return ConnectResult{Reason: ctx.Err().Error()}
	}
}

// teardown closes the current session without triggering reconnection.
func (c *Client) teardown() {
	c.mu.Lock()
	s := c.session
	c.session = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if s != nil {
		c.router.reset(s)
		s.close(ErrSessionClosed)
		c.metrics.setConnected(false)
	}
}

// Disconnect unsubscribes everything, forgets group channels, closes the
// session and stops background reconnection. Listeners stay registered.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.manual = true
	c.gen++
	if c.cancelConnect != nil {
		c.cancelConnect()
		c.cancelConnect = nil
	}
	if c.stopReconnect != nil {
		c.stopReconnect()
		c.stopReconnect = nil
	}
	s := c.session
	c.session = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	c.router.forgetEntities()
	if s == nil {
		return
	}
	c.router.detach(s)
	s.disconnect()
	c.metrics.setConnected(false)
	c.log.Info("disconnected")
}

// IsConnected reports whether the current session completed the STOMP
// handshake and its transport is still up.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	s := c.session
	c.mu.RUnlock()
	return s != nil && s.isConnected()
}

func (c *Client) State() ConnState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state == StateConnected && (c.session == nil || !c.session.isConnected()) {
		return StateDisconnected
	}
	return c.state
}

func (c *Client) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Identity returns the user the current credential belongs to.
func (c *Client) Identity() auth.Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

func (c *Client) current() *session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}
