package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/kleeedolinux/chatsocket.go/debug"
)

// XHRTransport is the SockJS xhr-polling fallback: POST <session>/xhr to
// receive and POST <session>/xhr_send to send.
type XHRTransport struct {
	mu            sync.Mutex
	client        *http.Client
	baseURL       string
	sessionURL    string
	connected     bool
	incomingQueue chan []byte
	errCh         chan error
	headers       http.Header

	ctx        context.Context
	cancelFunc context.CancelFunc

	pollInterval time.Duration
	timeout      time.Duration
}

type XHROption func(*XHRTransport)

func WithXHRHeaders(headers http.Header) XHROption {
	return func(t *XHRTransport) {
		for k, v := range headers {
			t.headers[k] = v
		}
	}
}

func WithHTTPClient(c *http.Client) XHROption {
	return func(t *XHRTransport) {
		t.client = c
	}
}

// WithPollInterval sets the pause between two polls that returned nothing.
func WithPollInterval(interval time.Duration) XHROption {
	return func(t *XHRTransport) {
		t.pollInterval = interval
	}
}

func WithTimeout(timeout time.Duration) XHROption {
	return func(t *XHRTransport) {
		t.timeout = timeout
	}
}

func NewXHRTransport(baseURL string, opts ...XHROption) *XHRTransport {
	t := &XHRTransport{
		client:        &http.Client{},
		baseURL:       baseURL,
		headers:       make(http.Header),
		incomingQueue: make(chan []byte, 100),
		errCh:         make(chan error, 1),
		pollInterval:  100 * time.Millisecond,
		timeout:       30 * time.Second,
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// NewXHRDialer returns a Dialer producing XHRTransports for baseURL.
func NewXHRDialer(baseURL string, opts ...XHROption) Dialer {
	return func() Transport {
		return NewXHRTransport(baseURL, opts...)
	}
}

func (t *XHRTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return nil
	}

	u, err := SessionURL(t.baseURL)
	if err != nil {
		return err
	}
	t.sessionURL = u.String()

	kind, _, err := t.post(ctx, t.sessionURL+"/xhr", nil)
	if err != nil {
		return fmt.Errorf("open xhr session: %w", err)
	}
	if kind != FrameOpen {
		return fmt.Errorf("%w: expected open frame, got %q", ErrBadFrame, kind)
	}

	// The poll loop outlives the connect context; Close cancels it.
	t.ctx, t.cancelFunc = context.WithCancel(context.Background())
	t.connected = true

	go t.poll()

	return nil
}

func (t *XHRTransport) poll() {
	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		kind, msgs, err := t.fetch()
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			debug.Printf("XHRTransport: Poll error: %v", err)
			t.fail(err)
			return
		}

		if kind == FrameHeartbeat || len(msgs) == 0 {
			select {
			case <-t.ctx.Done():
				return
			case <-time.After(t.pollInterval):
			}
			continue
		}

		for _, msg := range msgs {
			select {
			case t.incomingQueue <- []byte(msg):
			case <-t.ctx.Done():
				return
			}
		}
	}
}

func (t *XHRTransport) fetch() (byte, []string, error) {
	ctx, cancel := context.WithTimeout(t.ctx, t.timeout)
	defer cancel()
	return t.post(ctx, t.sessionURL+"/xhr", nil)
}

func (t *XHRTransport) fail(err error) {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()

	select {
	case t.errCh <- err:
	default:
	}
}

func (t *XHRTransport) post(ctx context.Context, url string, body []byte) (byte, []string, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, rd)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "text/plain")
	}
	for k, values := range t.headers {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent:
		return 0, nil, nil
	case http.StatusNotFound:
		return 0, nil, ErrSessionClosed
	default:
		return 0, nil, fmt.Errorf("xhr %s: %s - %s", url, resp.Status, string(data))
	}

	if body != nil {
		return 0, nil, nil
	}
	return ParseFrame(data)
}

func (t *XHRTransport) Send(data []byte) error {
	t.mu.Lock()
	connected := t.connected
	sessionURL := t.sessionURL
	ctx := t.ctx
	t.mu.Unlock()

	if !connected {
		return notReady("send", ErrSessionClosed)
	}

	frame, err := EncodeMessages(string(data))
	if err != nil {
		return err
	}

	reqCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	if _, _, err := t.post(reqCtx, sessionURL+"/xhr_send", frame); err != nil {
		if errors.Is(err, ErrSessionClosed) || ctx.Err() != nil {
			t.fail(err)
		}
		return notReady("send", err)
	}
	return nil
}

func (t *XHRTransport) Receive() ([]byte, error) {
	t.mu.Lock()
	ctx := t.ctx
	t.mu.Unlock()

	if ctx == nil {
		return nil, notReady("receive", ErrSessionClosed)
	}

	// Hand out what was already polled before reporting a failure.
	select {
	case msg := <-t.incomingQueue:
		return msg, nil
	default:
	}

	select {
	case msg := <-t.incomingQueue:
		return msg, nil
	case err := <-t.errCh:
		var closeErr *CloseError
		if errors.As(err, &closeErr) {
			return nil, notReady("receive", closeErr)
		}
		return nil, notReady("receive", err)
	case <-ctx.Done():
		return nil, notReady("receive", ErrSessionClosed)
	}
}

func (t *XHRTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected && t.cancelFunc == nil {
		return nil
	}

	if t.cancelFunc != nil {
		t.cancelFunc()
	}
	t.connected = false

	return nil
}
